package main

import (
	"context"
	"net/http"

	"github.com/amoylab/replay/internal/capture"
	"github.com/amoylab/replay/internal/recorder"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Accept a page over websocket and capture its session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		return runBridge(ctx)
	},
}

func runBridge(ctx context.Context) error {
	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	lg := rt.logger

	bridge := recorder.NewBridge(lg, rt.cfg.Bridge.AllowedOrigins, func(startURL, screen string, rec capture.Recorder) (*capture.Pipeline, error) {
		cfg := rt.cfg.Capture
		if screen != "" {
			cfg.ScreenResolution = screen
		}
		return capture.New(cfg, startURL, capture.Deps{Recorder: rec, Metrics: rt.metrics}, lg)
	})
	defer bridge.Close()

	r := newRouter(lg, rt.metrics)
	r.GET(rt.cfg.Bridge.Path, gin.WrapH(bridge))

	lg.Info("bridge ready", zap.String("addr", rt.cfg.Bridge.Addr), zap.String("path", rt.cfg.Bridge.Path))
	return serveHTTP(ctx, lg, &http.Server{Addr: rt.cfg.Bridge.Addr, Handler: r})
}
