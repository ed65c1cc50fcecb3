package capture

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/amoylab/replay/internal/common/cnst"
	"github.com/amoylab/replay/internal/common/config"
	"github.com/amoylab/replay/pkg/metrics"
	"github.com/amoylab/replay/pkg/trace"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// initialized guards against a second pipeline in the same process. It is
// set by New and cleared by Close.
var initialized atomic.Bool

// Deps are the collaborators a pipeline is wired with. Zero values get
// production defaults.
type Deps struct {
	Recorder   Recorder
	HTTPClient *http.Client
	// Uploader replaces the HTTP upload client, mostly for tests
	Uploader   Uploader
	Clock      clock.Clock
	Metrics    *metrics.Metrics
	Random     func() float64
	Compressor Compressor
}

// Pipeline wires the capture components for a single page load
type Pipeline struct {
	logger      *zap.Logger
	cfg         config.CaptureConfig
	startURL    string
	gate        *SamplingGate
	flush       *FlushController
	beacon      *Beacon
	coordinator *Coordinator

	closeOnce sync.Once
}

// New builds the pipeline for the page at startURL. Only one pipeline may
// exist per process until it is closed; a second call returns
// cnst.ErrAlreadyInitialized.
func New(cfg config.CaptureConfig, startURL string, deps Deps, logger *zap.Logger) (*Pipeline, error) {
	if !initialized.CompareAndSwap(false, true) {
		return nil, cnst.ErrAlreadyInitialized
	}
	cfg.ApplyDefaults()
	if cfg.APIOrigin == "" || cfg.SiteID == "" {
		initialized.Store(false)
		return nil, errors.New("capture: site id and api origin are required")
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Transport: trace.Transport(nil)}
	}
	uploader := deps.Uploader
	if uploader == nil {
		uploader = NewUploadClient(logger, cfg.APIOrigin, client)
	}
	var compressor Compressor
	if !cfg.DisableCompression {
		compressor = deps.Compressor
		if compressor == nil {
			compressor = GzipCompressor{}
		}
	}

	normalized := NormalizeURL(startURL)
	gate := NewSamplingGate(cfg.SamplePercentage, cfg.Blacklist, deps.Random)
	flush := NewFlushController(logger, FlushConfig{
		SiteID:           cfg.SiteID,
		SampleRate:       gate.SampleRate(),
		StartURL:         normalized,
		ScreenResolution: cfg.ScreenResolution,
		Interval:         cfg.FlushInterval,
		MaxBufferBytes:   cfg.MaxBufferBytes,
		MinDuration:      cfg.MinDuration,
		FailureThreshold: cfg.FailureThreshold,
		MaxTotalFailures: cfg.MaxTotalFailures,
	}, clk, NewEncoder(logger, compressor), uploader, deps.Metrics)
	beacon := NewBeacon(logger, client, cfg.BeaconTimeout, deps.Metrics)
	finalizer := NewFinalizer(logger, cfg.APIOrigin, beacon, cfg.MinDuration)
	recorder := NewRecorderAdapter(logger, deps.Recorder, clk, cfg.FullSnapshotOnPage)
	coordinator := NewCoordinator(logger, CoordinatorConfig{
		IdleCutoff:      cfg.IdleCutoff,
		MaxDuration:     cfg.MaxDuration,
		CheckInterval:   cfg.CheckInterval,
		ShutdownTimeout: cfg.BeaconTimeout,
	}, clk, gate, recorder, flush, finalizer)

	return &Pipeline{
		logger:      logger.Named("capture"),
		cfg:         cfg,
		startURL:    startURL,
		gate:        gate,
		flush:       flush,
		beacon:      beacon,
		coordinator: coordinator,
	}, nil
}

// Start begins capture for the start url and reports whether the page load
// is being recorded.
func (p *Pipeline) Start(ctx context.Context) bool {
	return p.coordinator.Start(ctx, p.startURL)
}

// Coordinator exposes the host signal surface
func (p *Pipeline) Coordinator() *Coordinator {
	return p.coordinator
}

func (p *Pipeline) Session() *Session {
	return p.flush.Session()
}

// Run starts the pipeline and blocks until the session ends on its own or
// ctx is cancelled, in which case the session is unloaded.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.Start(ctx) {
		return nil
	}
	select {
	case <-p.coordinator.Done():
	case <-ctx.Done():
		p.coordinator.Unload(ctx, "shutdown")
	}
	return nil
}

// Close unloads the session if it is still live, waits for outstanding
// beacons up to the beacon timeout and releases the process guard.
func (p *Pipeline) Close() error {
	var err error
	p.closeOnce.Do(func() {
		defer initialized.Store(false)
		p.coordinator.Unload(context.Background(), "close")

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.BeaconTimeout)
		defer cancel()
		if err = p.beacon.Wait(ctx); err != nil {
			p.logger.Warn("beacons still pending at close", zap.Error(err))
		}
	})
	return err
}

// Sampled reports the sampling decision of this page load
func (p *Pipeline) Sampled() bool {
	return p.gate.Sampled()
}
