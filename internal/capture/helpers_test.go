package capture

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amoylab/replay/internal/common/cnst"
	"github.com/amoylab/replay/pkg/wire"
	"github.com/benbjohnson/clock"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func itoa(i int) string { return strconv.Itoa(i) }

var errPutRejected = errors.New("put rejected")

// fakeUploader records every presign and put and decodes the uploaded events
type fakeUploader struct {
	mu        sync.Mutex
	presigns  []wire.PresignRequest
	puts      int
	segments  [][]Event
	encodings []cnst.Encoding

	// failPut decides per put attempt (1-based) whether it fails
	failPut func(attempt int) bool
	// block, when set, holds every put until it is closed or receives
	block chan struct{}

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	entered     chan struct{}
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{entered: make(chan struct{}, 64)}
}

func (u *fakeUploader) Presign(_ context.Context, req wire.PresignRequest) (UploadTarget, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.presigns = append(u.presigns, req)
	return UploadTarget{
		URL:       "http://segments.test/" + itoa(len(u.presigns)),
		SessionID: "sess-" + itoa(len(u.presigns)),
		VisitorID: "visitor-" + itoa(len(u.presigns)),
	}, nil
}

func (u *fakeUploader) Put(ctx context.Context, _ UploadTarget, payload Payload) error {
	n := u.inFlight.Add(1)
	defer u.inFlight.Add(-1)
	for {
		m := u.maxInFlight.Load()
		if n <= m || u.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	select {
	case u.entered <- struct{}{}:
	default:
	}

	if u.block != nil {
		select {
		case <-u.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.puts++
	if u.failPut != nil && u.failPut(u.puts) {
		return errPutRejected
	}
	events, err := decodePayload(payload)
	if err != nil {
		return err
	}
	u.segments = append(u.segments, events)
	u.encodings = append(u.encodings, payload.Encoding())
	return nil
}

func (u *fakeUploader) presignCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.presigns)
}

func (u *fakeUploader) putCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.puts
}

func (u *fakeUploader) uploaded() [][]Event {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([][]Event, len(u.segments))
	copy(out, u.segments)
	return out
}

// uploadedIDs flattens the "i" field of every acknowledged event
func (u *fakeUploader) uploadedIDs(t *testing.T) []int {
	t.Helper()
	var ids []int
	for _, seg := range u.uploaded() {
		for _, ev := range seg {
			var body struct {
				I int `json:"i"`
			}
			require.NoError(t, json.Unmarshal(ev.Data, &body))
			ids = append(ids, body.I)
		}
	}
	return ids
}

func decodePayload(p Payload) ([]Event, error) {
	var r io.Reader = p.Reader()
	if p.Encoding() == cnst.EncodingGzip {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}
	var events []Event
	if err := json.NewDecoder(r).Decode(&events); err != nil {
		return nil, err
	}
	return events, nil
}

// fakeRecorder hands out the emit callback and counts start/stop calls
type fakeRecorder struct {
	mu        sync.Mutex
	emit      func(Event)
	starts    int
	stops     int
	snapshots int
	startErr  error
}

func (r *fakeRecorder) Start(emit func(Event)) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}
	r.starts++
	r.emit = emit
	return func() {
		r.mu.Lock()
		r.stops++
		r.mu.Unlock()
	}, nil
}

func (r *fakeRecorder) TakeFullSnapshot() {
	r.mu.Lock()
	r.snapshots++
	emit := r.emit
	r.mu.Unlock()
	if emit != nil {
		emit(Event{Type: EventFullSnapshot, Data: json.RawMessage(`{"node":{}}`)})
	}
}

// Emit pushes an event through the last emit callback, as a recorder would
// even after being stopped.
func (r *fakeRecorder) Emit(ev Event) {
	r.mu.Lock()
	emit := r.emit
	r.mu.Unlock()
	if emit != nil {
		emit(ev)
	}
}

func (r *fakeRecorder) counts() (starts, stops int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.stops
}

func numberedEvent(i int, at time.Time) Event {
	return Event{
		Type:      EventIncrementalSnapshot,
		Data:      json.RawMessage(`{"source":2,"i":` + itoa(i) + `}`),
		Timestamp: at.UnixMilli(),
	}
}

// finalizeServer counts finalize beacons and the requests behind them
type finalizeServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []wire.FinalizeRequest
	hits     atomic.Int32
}

func newFinalizeServer(t *testing.T) *finalizeServer {
	t.Helper()
	fs := &finalizeServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.hits.Add(1)
		if r.URL.Path == cnst.PathFinalize {
			var req wire.FinalizeRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
				fs.mu.Lock()
				fs.requests = append(fs.requests, req)
				fs.mu.Unlock()
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *finalizeServer) finalized() []wire.FinalizeRequest {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]wire.FinalizeRequest, len(fs.requests))
	copy(out, fs.requests)
	return out
}

// harness wires a coordinator with fakes for the recorder and uploader and a
// real beacon pointed at a local finalize server.
type harness struct {
	clock       *clock.Mock
	uploader    *fakeUploader
	recorder    *fakeRecorder
	server      *finalizeServer
	beacon      *Beacon
	flush       *FlushController
	coordinator *Coordinator
}

type harnessOptions struct {
	percentage float64
	blacklist  []string
	flush      FlushConfig
	lifecycle  CoordinatorConfig
	compressor Compressor
}

func defaultHarnessOptions() harnessOptions {
	return harnessOptions{
		percentage: 100,
		flush: FlushConfig{
			SiteID:           "site-1",
			StartURL:         "https://shop.test/",
			ScreenResolution: "1920x1080",
			Interval:         10 * time.Second,
			MaxBufferBytes:   1 << 20,
			MinDuration:      3 * time.Second,
			FailureThreshold: 3,
			MaxTotalFailures: 10,
		},
		lifecycle: CoordinatorConfig{
			IdleCutoff:      30 * time.Minute,
			MaxDuration:     60 * time.Minute,
			CheckInterval:   time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		compressor: GzipCompressor{},
	}
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	logger := zap.NewNop()
	h := &harness{
		clock:    clock.NewMock(),
		uploader: newFakeUploader(),
		recorder: &fakeRecorder{},
		server:   newFinalizeServer(t),
	}
	h.clock.Set(time.Unix(1_700_000_000, 0))

	gate := NewSamplingGate(opts.percentage, opts.blacklist, func() float64 { return 0.5 })
	opts.flush.SampleRate = gate.SampleRate()
	h.flush = NewFlushController(logger, opts.flush, h.clock, NewEncoder(logger, opts.compressor), h.uploader, nil)
	h.beacon = NewBeacon(logger, h.server.Client(), 5*time.Second, nil)
	finalizer := NewFinalizer(logger, h.server.URL, h.beacon, opts.flush.MinDuration)
	adapter := NewRecorderAdapter(logger, h.recorder, h.clock, true)
	h.coordinator = NewCoordinator(logger, opts.lifecycle, h.clock, gate, adapter, h.flush, finalizer)
	return h
}

// emit sends n numbered events starting at from through the recorder
func (h *harness) emit(from, n int) {
	for i := from; i < from+n; i++ {
		h.recorder.Emit(numberedEvent(i, h.clock.Now()))
	}
}

func (h *harness) waitBeacons(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.beacon.Wait(ctx))
}
