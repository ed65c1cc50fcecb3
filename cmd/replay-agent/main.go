package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amoylab/replay/internal/common/cnst"
	"github.com/amoylab/replay/internal/common/config"
	"github.com/amoylab/replay/pkg/logger"
	"github.com/amoylab/replay/pkg/metrics"
	"github.com/amoylab/replay/pkg/trace"
	"github.com/amoylab/replay/pkg/version"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of replay-agent",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", cnst.AgentCommandName, version.Get())
		},
	}

	rootCmd = &cobra.Command{
		Use:   cnst.AgentCommandName,
		Short: "Session replay capture agent",
		Long:  `replay-agent runs the session replay capture pipeline against a replay API origin, fed by a synthetic recorder or a page connected over websocket`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "conf", "c", cnst.AgentYaml, "path to configuration file, like /etc/replay/agent.yaml")
	rootCmd.AddCommand(versionCmd, simulateCmd, bridgeCmd)
}

// runtime is what every subcommand needs after loading the configuration
type runtime struct {
	cfg      *config.AgentConfig
	logger   *zap.Logger
	metrics  *metrics.Metrics
	shutdown trace.ShutdownFunc
}

func setup(ctx context.Context) (*runtime, error) {
	cfg, cfgPath, err := config.LoadConfig[config.AgentConfig](configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", cfgPath, err)
	}

	lg, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	lg.Info("Loaded configuration", zap.String("path", cfgPath), zap.String("version", version.Get()))

	shutdown, err := trace.InitTracing(ctx, &cfg.Tracing, lg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics)
	}
	return &runtime{cfg: cfg, logger: lg, metrics: m, shutdown: shutdown}, nil
}

func (rt *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.shutdown(ctx); err != nil {
		rt.logger.Warn("failed to shutdown tracing", zap.Error(err))
	}
	_ = rt.logger.Sync()
}

// serveHTTP runs srv until ctx is done and then shuts it down
func serveHTTP(ctx context.Context, lg *zap.Logger, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		lg.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
