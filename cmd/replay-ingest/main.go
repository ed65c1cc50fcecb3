package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amoylab/replay/internal/common/cnst"
	"github.com/amoylab/replay/internal/common/config"
	"github.com/amoylab/replay/internal/ingest"
	"github.com/amoylab/replay/pkg/logger"
	"github.com/amoylab/replay/pkg/metrics"
	"github.com/amoylab/replay/pkg/pidfile"
	"github.com/amoylab/replay/pkg/trace"
	"github.com/amoylab/replay/pkg/version"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	configPath string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of replay-ingest",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", cnst.IngestCommandName, version.Get())
		},
	}

	stopCmd = &cobra.Command{
		Use:   "stop",
		Short: "Stop the running replay-ingest through its pid file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := config.LoadConfig[config.IngestConfig](configPath)
			if err != nil {
				return fmt.Errorf("failed to load config %s: %w", cfgPath, err)
			}
			pf := pidfile.New(cfg.PID)
			if err := pf.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("failed to stop %s: %w", cnst.IngestCommandName, err)
			}
			fmt.Printf("sent SIGTERM to %s (pid file %s)\n", cnst.IngestCommandName, pf.Path())
			return nil
		},
	}

	rootCmd = &cobra.Command{
		Use:   cnst.IngestCommandName,
		Short: "Session replay ingest server",
		Long:  `replay-ingest presigns segment uploads, stores uploaded segments and records finalized sessions`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "conf", "c", cnst.IngestYaml, "path to configuration file, like /etc/replay/ingest.yaml")
	rootCmd.AddCommand(versionCmd, stopCmd)
}

func run(ctx context.Context) error {
	cfg, cfgPath, err := config.LoadConfig[config.IngestConfig](configPath)
	if err != nil {
		return fmt.Errorf("failed to load config %s: %w", cfgPath, err)
	}

	lg, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.Sync()
	lg.Info("Starting replay-ingest", zap.String("version", version.Get()), zap.String("config", cfgPath))

	shutdownTracing, err := trace.InitTracing(ctx, &cfg.Tracing, lg)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics)
	}

	gin.SetMode(gin.ReleaseMode)
	srv, err := ingest.NewServer(lg, cfg, m)
	if err != nil {
		return err
	}

	pf := pidfile.New(cfg.PID)
	if err := pf.Write(); err != nil {
		lg.Warn("failed to write pid file", zap.String("path", pf.Path()), zap.Error(err))
	} else {
		defer func() {
			if err := pf.Remove(); err != nil {
				lg.Warn("failed to remove pid file", zap.Error(err))
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		lg.Info("Shutting down replay-ingest")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if tErr := shutdownTracing(shutdownCtx); tErr != nil {
			lg.Warn("failed to shutdown tracing", zap.Error(tErr))
		}
		return err
	})
	return g.Wait()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
