// Package recorder provides recorders for running the capture pipeline
// outside a browser: a synthetic one that fabricates page activity and a
// websocket bridge that relays a real page's recorder.
package recorder

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/amoylab/replay/internal/capture"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// incremental sources emitted by the synthetic recorder
const (
	sourceMouseMove   = 1
	sourceInteraction = 2
	sourceScroll      = 3
)

// Synthetic emits a meta event and a full snapshot on start, then a steady
// stream of pointer, click and scroll events.
type Synthetic struct {
	logger   *zap.Logger
	clock    clock.Clock
	interval time.Duration
	width    int
	height   int
	rand     *rand.Rand

	mu      sync.Mutex
	emit    func(capture.Event)
	stopped chan struct{}
	done    chan struct{}
	nodes   int
}

var (
	_ capture.Recorder        = (*Synthetic)(nil)
	_ capture.FullSnapshotter = (*Synthetic)(nil)
)

// NewSynthetic creates a recorder that emits one incremental event per
// interval for a viewport of the given size.
func NewSynthetic(logger *zap.Logger, clk clock.Clock, interval time.Duration, width, height int, seed uint64) *Synthetic {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Synthetic{
		logger:   logger.Named("recorder.synthetic"),
		clock:    clk,
		interval: interval,
		width:    width,
		height:   height,
		rand:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Start implements capture.Recorder
func (s *Synthetic) Start(emit func(capture.Event)) (func(), error) {
	s.mu.Lock()
	if s.emit != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("synthetic recorder already running")
	}
	s.emit = emit
	stopped := make(chan struct{})
	done := make(chan struct{})
	s.stopped, s.done = stopped, done
	s.mu.Unlock()

	now := s.clock.Now()
	emit(s.event(capture.EventMeta, map[string]any{"href": "", "width": s.width, "height": s.height}, now))
	s.TakeFullSnapshot()

	go s.loop(emit, stopped, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopped)
			<-done
			s.mu.Lock()
			s.emit = nil
			s.mu.Unlock()
			s.logger.Debug("synthetic recorder stopped")
		})
	}, nil
}

// TakeFullSnapshot implements capture.FullSnapshotter
func (s *Synthetic) TakeFullSnapshot() {
	s.mu.Lock()
	emit := s.emit
	s.nodes++
	id := s.nodes
	s.mu.Unlock()
	if emit == nil {
		return
	}
	emit(s.event(capture.EventFullSnapshot, map[string]any{
		"node": map[string]any{
			"type":       0,
			"id":         id,
			"childNodes": []any{map[string]any{"type": 2, "tagName": "html", "id": id + 1}},
		},
		"initialOffset": map[string]int{"top": 0, "left": 0},
	}, s.clock.Now()))
}

func (s *Synthetic) loop(emit func(capture.Event), stopped, done chan struct{}) {
	defer close(done)
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			emit(s.next(s.clock.Now()))
		case <-stopped:
			return
		}
	}
}

func (s *Synthetic) next(at time.Time) capture.Event {
	s.mu.Lock()
	roll := s.rand.IntN(10)
	x, y := s.rand.IntN(max(s.width, 1)), s.rand.IntN(max(s.height, 1))
	s.mu.Unlock()

	switch {
	case roll < 7:
		return s.event(capture.EventIncrementalSnapshot, map[string]any{
			"source":    sourceMouseMove,
			"positions": []map[string]int{{"x": x, "y": y, "id": 1, "timeOffset": 0}},
		}, at)
	case roll < 9:
		return s.event(capture.EventIncrementalSnapshot, map[string]any{
			"source": sourceScroll, "id": 1, "x": 0, "y": y,
		}, at)
	default:
		return s.event(capture.EventIncrementalSnapshot, map[string]any{
			"source": sourceInteraction, "type": 2, "id": 1, "x": x, "y": y,
		}, at)
	}
}

func (s *Synthetic) event(typ capture.EventType, data any, at time.Time) capture.Event {
	raw, _ := json.Marshal(data)
	return capture.Event{Type: typ, Data: raw, Timestamp: at.UnixMilli()}
}
