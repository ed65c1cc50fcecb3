package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/amoylab/replay/internal/common/cnst"
	"github.com/amoylab/replay/pkg/metrics"
	"github.com/amoylab/replay/pkg/trace"
	"github.com/amoylab/replay/pkg/wire"
	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const flushKey = "flush"

// FlushConfig holds the flush policy of one session
type FlushConfig struct {
	SiteID           string
	SampleRate       float64
	StartURL         string
	ScreenResolution string
	Interval         time.Duration
	MaxBufferBytes   int
	MinDuration      time.Duration
	FailureThreshold int
	MaxTotalFailures int
}

// FlushOutcome describes what a single flush did
type FlushOutcome int

const (
	// FlushEmpty means there was nothing to send
	FlushEmpty FlushOutcome = iota
	// FlushHeld means the session is still shorter than the minimum duration
	FlushHeld
	// FlushUploaded means a segment was acknowledged
	FlushUploaded
	// FlushRequeued means the upload failed and the events went back to the buffer
	FlushRequeued
	// FlushDiscarded means the session is (now) discarded
	FlushDiscarded
	// FlushDropped means the events could not be encoded and were dropped
	FlushDropped
)

func (o FlushOutcome) String() string {
	switch o {
	case FlushEmpty:
		return "empty"
	case FlushHeld:
		return metrics.FlushHeld
	case FlushUploaded:
		return metrics.FlushUploaded
	case FlushRequeued:
		return metrics.FlushFailed
	case FlushDiscarded:
		return metrics.FlushDiscarded
	case FlushDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// FlushResult reports one flush
type FlushResult struct {
	Outcome FlushOutcome
	Events  int
	Bytes   int
}

// FlushController owns the event buffer and decides when it is drained and
// uploaded. At most one flush runs at a time; triggers that arrive while one
// is in flight join it instead of starting another.
type FlushController struct {
	cfg      FlushConfig
	logger   *zap.Logger
	clock    clock.Clock
	encoder  *Encoder
	uploader Uploader
	metrics  *metrics.Metrics
	tracer   *trace.Builder

	buffer *EventBuffer
	group  singleflight.Group

	mu                  sync.Mutex
	session             *Session
	consecutiveFailures int
	totalFailures       int
	discarded           bool
	onDiscard           func()
	ctx                 context.Context

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewFlushController(
	logger *zap.Logger,
	cfg FlushConfig,
	clk clock.Clock,
	encoder *Encoder,
	uploader Uploader,
	m *metrics.Metrics,
) *FlushController {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Interval < cnst.MinFlushInterval {
		cfg.Interval = cnst.MinFlushInterval
	}
	if cfg.MaxBufferBytes <= 0 {
		cfg.MaxBufferBytes = cnst.DefaultMaxBufferBytes
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = cnst.DefaultFailureThreshold
	}
	if cfg.MaxTotalFailures < cfg.FailureThreshold {
		cfg.MaxTotalFailures = max(cnst.DefaultMaxTotalFailures, cfg.FailureThreshold)
	}
	return &FlushController{
		cfg:      cfg,
		logger:   logger.Named("capture.flush"),
		clock:    clk,
		encoder:  encoder,
		uploader: uploader,
		metrics:  m,
		tracer:   trace.Tracer(cnst.TraceCapture),
		buffer:   NewEventBuffer(),
		ctx:      context.Background(),
		stopCh:   make(chan struct{}),
	}
}

// OnDiscard registers fn to run once when the session gets discarded
func (f *FlushController) OnDiscard(fn func()) {
	f.mu.Lock()
	f.onDiscard = fn
	f.mu.Unlock()
}

// Start runs the periodic flush timer until Stop is called. Timer flushes
// keep ctx values but not its cancellation, so a host shutdown cannot abort
// an upload that the final drain is about to join.
func (f *FlushController) Start(ctx context.Context) {
	f.mu.Lock()
	f.ctx = context.WithoutCancel(ctx)
	f.mu.Unlock()

	ticker := f.clock.Ticker(f.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				f.Trigger()
			case <-f.stopCh:
				return
			}
		}
	}()
}

// Stop ends the periodic timer. Forced flushes keep working.
func (f *FlushController) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
}

// Capture appends ev to the buffer, creating the session on first use, and
// flushes eagerly once the size ceiling is crossed.
func (f *FlushController) Capture(ev Event) {
	f.mu.Lock()
	if f.discarded {
		f.mu.Unlock()
		return
	}
	now := f.clock.Now()
	if f.session == nil {
		f.session = newSession(f.cfg.SiteID, f.cfg.SampleRate, f.cfg.StartURL, now)
	}
	f.session.touch(now)
	ev.capturedAt = now
	size := f.buffer.Append(ev)
	f.mu.Unlock()

	if size >= f.cfg.MaxBufferBytes {
		f.Trigger()
	}
}

// Touch records user activity on the session, if one exists
func (f *FlushController) Touch(at time.Time) {
	f.mu.Lock()
	sess := f.session
	f.mu.Unlock()
	if sess != nil {
		sess.touch(at)
	}
}

// Session returns the current session, nil before the first captured event
func (f *FlushController) Session() *Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *FlushController) Discarded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discarded
}

// Buffered returns the number of events waiting for upload
func (f *FlushController) Buffered() int {
	return f.buffer.Len()
}

// Trigger requests a flush without waiting for it. It is a no-op while a
// flush is in flight.
func (f *FlushController) Trigger() {
	f.mu.Lock()
	ctx := f.ctx
	f.mu.Unlock()
	f.group.DoChan(flushKey, func() (any, error) {
		return f.flushOnce(ctx)
	})
}

// Flush forces a drain. If a flush is already in flight it waits for that one
// and then flushes whatever is buffered, including events the joined flush
// put back after failing. The failure limits still bound the retry.
func (f *FlushController) Flush(ctx context.Context) (FlushResult, error) {
	res, shared, err := f.do(ctx)
	if !shared || ctx.Err() != nil {
		return res, err
	}
	if f.Discarded() || f.buffer.Len() == 0 {
		return res, err
	}
	res, _, err = f.do(ctx)
	return res, err
}

// FlushAll drains until the buffer is empty, stopping early when a flush
// makes no progress (held, failed or discarded).
func (f *FlushController) FlushAll(ctx context.Context) error {
	for {
		res, err := f.Flush(ctx)
		if err != nil {
			return err
		}
		if res.Outcome != FlushUploaded && res.Outcome != FlushDropped {
			return nil
		}
		if f.buffer.Len() == 0 {
			return nil
		}
	}
}

func (f *FlushController) do(ctx context.Context) (FlushResult, bool, error) {
	ch := f.group.DoChan(flushKey, func() (any, error) {
		return f.flushOnce(ctx)
	})
	select {
	case r := <-ch:
		res, _ := r.Val.(FlushResult)
		return res, r.Shared, r.Err
	case <-ctx.Done():
		return FlushResult{}, false, ctx.Err()
	}
}

func (f *FlushController) flushOnce(ctx context.Context) (res FlushResult, err error) {
	start := time.Now()
	defer func() {
		if res.Outcome != FlushEmpty {
			f.metrics.FlushDone(res.Outcome.String(), start)
		}
	}()

	f.mu.Lock()
	if f.discarded {
		f.mu.Unlock()
		return FlushResult{Outcome: FlushDiscarded}, cnst.ErrSessionDiscarded
	}
	sess := f.session
	if sess == nil || f.buffer.Len() == 0 {
		f.mu.Unlock()
		return FlushResult{Outcome: FlushEmpty}, nil
	}
	// Too short to be kept: leave everything in place for a later flush.
	if f.clock.Now().Sub(sess.FirstEventAt()) < f.cfg.MinDuration {
		f.mu.Unlock()
		return FlushResult{Outcome: FlushHeld, Events: f.buffer.Len()}, nil
	}
	events, _ := f.buffer.Drain()
	f.mu.Unlock()

	scope := f.tracer.Start(ctx, cnst.SpanFlush).WithAttrs(
		attribute.String(cnst.AttrSiteID, f.cfg.SiteID),
		attribute.Int(cnst.AttrSegmentEvents, len(events)),
	)
	defer scope.End()

	seg, err := f.encoder.Encode(events)
	if err != nil {
		scope.Fail(err)
		f.logger.Error("dropping segment that cannot be encoded",
			zap.Int("events", len(events)),
			zap.Error(err))
		return FlushResult{Outcome: FlushDropped, Events: len(events)}, nil
	}

	if err := f.upload(scope.Ctx, sess, seg); err != nil {
		scope.Fail(err)
		if ctx.Err() != nil {
			// abandoned by the caller, not rejected by the server
			f.buffer.Requeue(events)
			return FlushResult{Outcome: FlushRequeued, Events: len(events)}, err
		}
		return f.handleFailure(sess, events, err)
	}

	f.mu.Lock()
	f.consecutiveFailures = 0
	f.mu.Unlock()

	sess.recordUpload(len(events), seg.Payload.Len(), segmentStart(events, sess))
	f.metrics.SegmentUploaded(len(events), seg.Payload.Len(), string(seg.Payload.Encoding()))
	f.logger.Debug("segment uploaded",
		zap.Int("events", len(events)),
		zap.Int("bytes", seg.Payload.Len()),
		zap.String("encoding", string(seg.Payload.Encoding())))

	return FlushResult{Outcome: FlushUploaded, Events: len(events), Bytes: seg.Payload.Len()}, nil
}

func (f *FlushController) upload(ctx context.Context, sess *Session, seg Segment) error {
	f.metrics.UploadStart()
	defer f.metrics.UploadDone()

	sessionID, visitorID := sess.IDs()
	target, err := f.uploader.Presign(ctx, wire.PresignRequest{
		SiteID:           f.cfg.SiteID,
		ScreenResolution: f.cfg.ScreenResolution,
		ContentLength:    seg.Payload.Len(),
		ContentEncoding:  string(seg.Payload.Encoding()),
		SessionID:        sessionID,
		VisitorID:        visitorID,
	})
	if err != nil {
		return err
	}
	if sess.assignIDs(target.SessionID, target.VisitorID) {
		f.logger.Info("session assigned",
			zap.String("session_id", target.SessionID),
			zap.String("visitor_id", target.VisitorID))
	}
	return f.uploader.Put(ctx, target, seg.Payload)
}

// handleFailure requeues the events at the front of the buffer or, once the
// failure limits are reached, discards the session.
func (f *FlushController) handleFailure(sess *Session, events []Event, cause error) (FlushResult, error) {
	f.mu.Lock()
	f.consecutiveFailures++
	f.totalFailures++
	consecutive, total := f.consecutiveFailures, f.totalFailures

	if consecutive < f.cfg.FailureThreshold && total < f.cfg.MaxTotalFailures {
		f.buffer.Requeue(events)
		f.mu.Unlock()
		f.logger.Debug("upload failed, events requeued",
			zap.Int("events", len(events)),
			zap.Int("consecutive_failures", consecutive),
			zap.Error(cause))
		return FlushResult{Outcome: FlushRequeued, Events: len(events)}, cause
	}

	f.discarded = true
	dropped := f.buffer.Drop() + len(events)
	onDiscard := f.onDiscard
	f.mu.Unlock()

	sess.discard()
	f.metrics.SessionDiscarded()
	f.logger.Warn("session discarded after repeated upload failures",
		zap.Int("consecutive_failures", consecutive),
		zap.Int("total_failures", total),
		zap.Int("dropped_events", dropped),
		zap.Error(cause))
	if onDiscard != nil {
		onDiscard()
	}
	return FlushResult{Outcome: FlushDiscarded, Events: len(events)}, errors.Join(cnst.ErrSessionDiscarded, cause)
}

// segmentStart is the capture time of the first event, on the same clock as
// FirstEventAt and the finalize end time.
func segmentStart(events []Event, sess *Session) time.Time {
	if len(events) > 0 && !events[0].capturedAt.IsZero() {
		return events[0].capturedAt
	}
	return sess.FirstEventAt()
}
