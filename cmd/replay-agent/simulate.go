package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/amoylab/replay/internal/capture"
	"github.com/amoylab/replay/internal/recorder"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	simURL      string
	simDuration time.Duration
	simInterval time.Duration
	simActivity time.Duration
	simNavigate []string
	simSeed     uint64

	simulateCmd = &cobra.Command{
		Use:   "simulate",
		Short: "Capture a synthetic page session and upload it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return runSimulate(ctx)
		},
	}
)

func init() {
	simulateCmd.Flags().StringVar(&simURL, "url", "https://example.com/", "start url of the simulated page")
	simulateCmd.Flags().DurationVar(&simDuration, "duration", 30*time.Second, "how long the simulated visit lasts")
	simulateCmd.Flags().DurationVar(&simInterval, "interval", 100*time.Millisecond, "time between synthetic recorder events")
	simulateCmd.Flags().DurationVar(&simActivity, "activity", 2*time.Second, "time between simulated user interactions")
	simulateCmd.Flags().StringSliceVar(&simNavigate, "navigate", nil, "urls visited in order, spread evenly over the visit")
	simulateCmd.Flags().Uint64Var(&simSeed, "seed", uint64(time.Now().UnixNano()), "seed of the synthetic recorder")
}

func runSimulate(ctx context.Context) error {
	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	lg := rt.logger

	width, height := parseScreen(rt.cfg.Capture.ScreenResolution)
	synth := recorder.NewSynthetic(lg, nil, simInterval, width, height, simSeed)
	p, err := capture.New(rt.cfg.Capture, simURL, capture.Deps{Recorder: synth, Metrics: rt.metrics}, lg)
	if err != nil {
		return fmt.Errorf("failed to create capture pipeline: %w", err)
	}
	defer func() {
		if err := p.Close(); err != nil {
			lg.Warn("pipeline close", zap.Error(err))
		}
	}()

	if !p.Start(ctx) {
		lg.Info("page load not recorded", zap.Bool("sampled", p.Sampled()))
		return nil
	}

	visitCtx, cancel := context.WithTimeout(ctx, simDuration)
	defer cancel()

	g, gctx := errgroup.WithContext(visitCtx)
	coord := p.Coordinator()
	g.Go(func() error {
		ticker := time.NewTicker(simActivity)
		defer ticker.Stop()
		kinds := []capture.ActivityKind{capture.ActivityPointer, capture.ActivityScroll, capture.ActivityClick, capture.ActivityKey}
		for i := 0; ; i++ {
			select {
			case <-ticker.C:
				coord.Activity(kinds[i%len(kinds)])
			case <-coord.Done():
				return nil
			case <-gctx.Done():
				return nil
			}
		}
	})
	if len(simNavigate) > 0 {
		g.Go(func() error {
			step := simDuration / time.Duration(len(simNavigate)+1)
			for _, u := range simNavigate {
				select {
				case <-time.After(step):
					lg.Info("navigating", zap.String("url", u))
					coord.Navigate(gctx, u)
				case <-gctx.Done():
					return nil
				}
			}
			return nil
		})
	}
	if rt.metrics != nil && rt.cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return serveHTTP(gctx, lg, &http.Server{Addr: rt.cfg.Metrics.Addr, Handler: newRouter(lg, rt.metrics)})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	coord.Unload(ctx, "simulation finished")
	if sess := p.Session(); sess != nil {
		snap := sess.Snapshot()
		lg.Info("simulation finished",
			zap.String("session_id", snap.SessionID),
			zap.Int64("events", snap.UploadedEvents),
			zap.Int64("bytes", snap.UploadedBytes),
			zap.Stringer("state", coord.State()))
	}
	return nil
}

func parseScreen(s string) (int, int) {
	var w, h int
	if _, err := fmt.Sscanf(s, "%dx%d", &w, &h); err != nil || w <= 0 || h <= 0 {
		return 1280, 720
	}
	return w, h
}
