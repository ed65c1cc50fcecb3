package capture

import (
	"context"
	"sync"
	"time"

	"github.com/amoylab/replay/internal/common/cnst"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// State of a Coordinator
type State int

const (
	StateNotStarted State = iota
	StateRecording
	StateSuppressed
	StateStopped
	StateDiscarded
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateRecording:
		return "recording"
	case StateSuppressed:
		return "suppressed"
	case StateStopped:
		return "stopped"
	case StateDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

func (s State) live() bool {
	return s == StateRecording || s == StateSuppressed
}

// ActivityKind is a class of user interaction that keeps a session alive
type ActivityKind string

const (
	ActivityMotion  ActivityKind = "motion"
	ActivityKey     ActivityKind = "key"
	ActivityScroll  ActivityKind = "scroll"
	ActivityClick   ActivityKind = "click"
	ActivityPointer ActivityKind = "pointer"
	ActivityTouch   ActivityKind = "touch"
)

// Valid reports whether k is one of the tracked interaction classes
func (k ActivityKind) Valid() bool {
	switch k {
	case ActivityMotion, ActivityKey, ActivityScroll, ActivityClick, ActivityPointer, ActivityTouch:
		return true
	}
	return false
}

// CoordinatorConfig holds the session cutoffs
type CoordinatorConfig struct {
	IdleCutoff      time.Duration
	MaxDuration     time.Duration
	CheckInterval   time.Duration
	ShutdownTimeout time.Duration
}

// Coordinator drives one capture session through its lifecycle in response
// to host signals and its own cutoff checks. None of its host facing methods
// return errors.
type Coordinator struct {
	cfg       CoordinatorConfig
	logger    *zap.Logger
	clock     clock.Clock
	gate      *SamplingGate
	recorder  *RecorderAdapter
	flush     *FlushController
	finalizer *Finalizer

	// op serializes recorder transitions
	op sync.Mutex

	mu           sync.Mutex
	state        State
	startedAt    time.Time
	lastActivity time.Time

	loopStop chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	doneOnce sync.Once
}

func NewCoordinator(
	logger *zap.Logger,
	cfg CoordinatorConfig,
	clk clock.Clock,
	gate *SamplingGate,
	recorder *RecorderAdapter,
	flush *FlushController,
	finalizer *Finalizer,
) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.IdleCutoff <= 0 {
		cfg.IdleCutoff = cnst.DefaultIdleCutoff
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = cnst.DefaultMaxDuration
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = cnst.DefaultCheckInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = cnst.DefaultBeaconTimeout
	}
	c := &Coordinator{
		cfg:       cfg,
		logger:    logger.Named("capture.lifecycle"),
		clock:     clk,
		gate:      gate,
		recorder:  recorder,
		flush:     flush,
		finalizer: finalizer,
		loopStop:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	flush.OnDiscard(c.discard)
	return c
}

// Start evaluates the sampling gate for the page at url and begins
// recording. It reports whether the session is live afterwards; a blacklisted
// start url leaves the session suppressed until a later navigation.
func (c *Coordinator) Start(ctx context.Context, url string) bool {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	if c.state != StateNotStarted {
		live := c.state.live()
		c.mu.Unlock()
		return live
	}
	if !c.gate.Sampled() {
		c.state = StateStopped
		c.mu.Unlock()
		c.logger.Debug("page load not sampled", zap.Float64("sample_rate", c.gate.SampleRate()))
		c.finish()
		return false
	}
	now := c.clock.Now()
	c.startedAt = now
	c.lastActivity = now
	c.state = StateSuppressed
	blacklisted := c.gate.Blacklisted(url)
	c.mu.Unlock()

	c.flush.Start(ctx)
	go c.loop(ctx)

	if blacklisted {
		c.logger.Debug("start url blacklisted, recording suppressed", zap.String("url", url))
		return true
	}
	if !c.startRecorder() {
		c.stopAndFinalize(ctx, "recorder unavailable")
		return false
	}
	c.logger.Info("recording started", zap.String("url", url))
	return true
}

// startRecorder moves a suppressed session to recording. Callers hold op.
func (c *Coordinator) startRecorder() bool {
	if err := c.recorder.Start(c.flush.Capture); err != nil {
		c.logger.Warn("recorder could not be started", zap.Error(err))
		return false
	}
	c.mu.Lock()
	ok := c.state == StateSuppressed
	if ok {
		c.state = StateRecording
	}
	c.mu.Unlock()
	if !ok {
		// the session ended while the recorder was starting
		c.recorder.Stop()
	}
	return ok
}

// State returns the current lifecycle state
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the session has stopped or been discarded
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Activity records a user interaction for the idle cutoff
func (c *Coordinator) Activity(kind ActivityKind) {
	if !kind.Valid() {
		return
	}
	now := c.clock.Now()
	c.mu.Lock()
	live := c.state.live()
	if live && now.After(c.lastActivity) {
		c.lastActivity = now
	}
	c.mu.Unlock()
	if live {
		c.flush.Touch(now)
	}
}

// VisibilityChanged forces a flush when the page is hidden. The session
// keeps going.
func (c *Coordinator) VisibilityChanged(ctx context.Context, hidden bool) {
	if !hidden || !c.State().live() {
		return
	}
	res, err := c.flush.Flush(ctx)
	if err != nil {
		c.logger.Debug("flush on hide failed", zap.Error(err))
		return
	}
	c.logger.Debug("flushed on hide", zap.Stringer("outcome", res.Outcome), zap.Int("events", res.Events))
}

// Navigate handles a same-document route change to url
func (c *Coordinator) Navigate(ctx context.Context, url string) {
	c.op.Lock()
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case StateRecording:
		if !c.gate.Blacklisted(url) {
			c.recorder.PageChanged(url)
			c.op.Unlock()
			return
		}
		c.setStateIf(StateRecording, StateSuppressed)
		c.recorder.Stop()
		c.op.Unlock()
		c.logger.Debug("navigated to blacklisted url, recording suppressed", zap.String("url", url))
		if _, err := c.flush.Flush(ctx); err != nil {
			c.logger.Debug("flush on suppress failed", zap.Error(err))
		}
	case StateSuppressed:
		if !c.gate.Blacklisted(url) && c.startRecorder() {
			c.logger.Debug("recording resumed", zap.String("url", url))
		}
		c.op.Unlock()
	default:
		c.op.Unlock()
	}
}

// Unload stops the session and finalizes it. Repeated calls are no-ops. The
// work is detached from ctx cancellation and bounded by the shutdown timeout.
func (c *Coordinator) Unload(ctx context.Context, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ShutdownTimeout)
	defer cancel()
	c.stopAndFinalize(ctx, reason)
}

func (c *Coordinator) setStateIf(from, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return false
	}
	c.state = to
	return true
}

// stopAndFinalize runs at most once per session
func (c *Coordinator) stopAndFinalize(ctx context.Context, reason string) bool {
	c.mu.Lock()
	if !c.state.live() {
		c.mu.Unlock()
		return false
	}
	c.state = StateStopped
	c.mu.Unlock()

	c.logger.Info("stopping session", zap.String("reason", reason))
	c.stopLoop()
	c.recorder.Stop()
	c.flush.Stop()
	if err := c.flush.FlushAll(ctx); err != nil {
		c.logger.Debug("final drain failed", zap.Error(err))
	}
	c.finalizer.Finalize(ctx, c.flush.Session(), c.clock.Now())
	c.finish()
	return true
}

// discard is called by the flush controller once the session is abandoned
func (c *Coordinator) discard() {
	c.mu.Lock()
	if !c.state.live() {
		c.mu.Unlock()
		return
	}
	c.state = StateDiscarded
	c.mu.Unlock()

	c.logger.Warn("session discarded, recording stopped")
	c.stopLoop()
	c.recorder.Stop()
	c.flush.Stop()
	c.finish()
}

func (c *Coordinator) stopLoop() {
	c.stopOnce.Do(func() { close(c.loopStop) })
}

func (c *Coordinator) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Coordinator) loop(ctx context.Context) {
	ticker := c.clock.Ticker(c.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if reason := c.cutoff(); reason != "" {
				c.Unload(ctx, reason)
				return
			}
		case <-c.loopStop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// cutoff returns the reason the session must end now, if any
func (c *Coordinator) cutoff() string {
	now := c.clock.Now()
	c.mu.Lock()
	live := c.state.live()
	start, last := c.startedAt, c.lastActivity
	c.mu.Unlock()
	if !live {
		return ""
	}

	if now.Sub(last) > c.cfg.IdleCutoff {
		return "idle cutoff"
	}
	if sess := c.flush.Session(); sess != nil {
		if s := sess.StartedAt(); !s.IsZero() {
			start = s
		} else if f := sess.FirstEventAt(); !f.IsZero() {
			start = f
		}
	}
	if now.Sub(start) > c.cfg.MaxDuration {
		return "max duration cutoff"
	}
	return ""
}
