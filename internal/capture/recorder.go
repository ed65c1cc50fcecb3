package capture

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/amoylab/replay/internal/common/cnst"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Recorder is the external capability that turns page activity into events.
// Start begins emitting to emit and returns a handle that stops it.
type Recorder interface {
	Start(emit func(Event)) (stop func(), err error)
}

// FullSnapshotter is implemented by recorders that can re-emit the complete
// page state on demand.
type FullSnapshotter interface {
	TakeFullSnapshot()
}

// RecorderFunc adapts a plain function to Recorder
type RecorderFunc func(emit func(Event)) (func(), error)

func (fn RecorderFunc) Start(emit func(Event)) (func(), error) { return fn(emit) }

// RecorderAdapter guards the start/stop contract of a Recorder. It never
// starts the recorder twice and never lets a recorder failure escape.
// Events emitted by a stopped generation are dropped.
type RecorderAdapter struct {
	logger       *zap.Logger
	clock        clock.Clock
	recorder     Recorder
	fullSnapshot bool

	mu      sync.Mutex
	stop    func()
	onEvent func(Event)
	nextGen uint64
	current atomic.Uint64 // generation allowed to emit, 0 when stopped
}

func NewRecorderAdapter(logger *zap.Logger, rec Recorder, clk clock.Clock, fullSnapshotOnPage bool) *RecorderAdapter {
	if clk == nil {
		clk = clock.New()
	}
	return &RecorderAdapter{
		logger:       logger.Named("capture.recorder"),
		clock:        clk,
		recorder:     rec,
		fullSnapshot: fullSnapshotOnPage,
	}
}

// Start begins recording into onEvent. Starting an active adapter is a no-op.
func (a *RecorderAdapter) Start(onEvent func(Event)) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current.Load() != 0 {
		return nil
	}
	if a.recorder == nil {
		return cnst.ErrRecorderUnavailable
	}

	a.nextGen++
	gen := a.nextGen
	a.onEvent = onEvent
	a.current.Store(gen)

	emit := func(ev Event) {
		if a.current.Load() != gen {
			return
		}
		onEvent(ev)
	}

	defer func() {
		if r := recover(); r != nil {
			a.current.Store(0)
			err = fmt.Errorf("%w: start panicked: %v", cnst.ErrRecorderUnavailable, r)
		}
	}()

	stop, startErr := a.recorder.Start(emit)
	if startErr != nil {
		a.current.Store(0)
		return fmt.Errorf("%w: %w", cnst.ErrRecorderUnavailable, startErr)
	}
	a.stop = stop
	a.logger.Debug("recorder started", zap.Uint64("generation", gen))
	return nil
}

// Stop halts the recorder. A missing or already stopped recorder is fine.
func (a *RecorderAdapter) Stop() {
	a.mu.Lock()
	stop := a.stop
	a.stop = nil
	wasActive := a.current.Swap(0) != 0
	a.mu.Unlock()

	if stop == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Debug("recorder stop panicked", zap.Any("panic", r))
		}
	}()
	stop()
	if wasActive {
		a.logger.Debug("recorder stopped")
	}
}

func (a *RecorderAdapter) Active() bool {
	return a.current.Load() != 0
}

// PageChanged emits a page-change marker for href and, when enabled and
// supported, asks the recorder for a fresh full snapshot.
func (a *RecorderAdapter) PageChanged(href string) {
	a.mu.Lock()
	onEvent := a.onEvent
	active := a.current.Load() != 0
	a.mu.Unlock()
	if !active || onEvent == nil {
		return
	}

	onEvent(PageChangeEvent(href, a.clock.Now()))

	if !a.fullSnapshot {
		return
	}
	if s, ok := a.recorder.(FullSnapshotter); ok {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Debug("full snapshot panicked", zap.Any("panic", r))
			}
		}()
		s.TakeFullSnapshot()
	}
}
