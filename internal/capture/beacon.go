package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/amoylab/replay/internal/common/cnst"
	"github.com/amoylab/replay/pkg/metrics"
	"github.com/amoylab/replay/pkg/trace"
	"go.uber.org/zap"
)

// Beacon dispatches best-effort requests that must survive teardown of the
// caller. A dispatch is detached from the caller's cancellation, bounded by
// its own timeout, never retried, and reports nothing back.
type Beacon struct {
	logger  *zap.Logger
	client  *http.Client
	timeout time.Duration
	metrics *metrics.Metrics
	tracer  *trace.Builder
	wg      sync.WaitGroup
}

func NewBeacon(logger *zap.Logger, client *http.Client, timeout time.Duration, m *metrics.Metrics) *Beacon {
	if client == nil {
		client = &http.Client{Transport: trace.Transport(nil)}
	}
	if timeout <= 0 {
		timeout = cnst.DefaultBeaconTimeout
	}
	return &Beacon{
		logger:  logger.Named("capture.beacon"),
		client:  client,
		timeout: timeout,
		metrics: m,
		tracer:  trace.Tracer(cnst.TraceCapture),
	}
}

// Send posts body as JSON to url in the background and returns immediately
func (b *Beacon) Send(ctx context.Context, url string, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		b.logger.Warn("dropping beacon with unencodable body", zap.String("url", url), zap.Error(err))
		b.metrics.FinalizeDone("failed")
		return
	}

	detached := context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("beacon dispatch panicked", zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(detached, b.timeout)
		defer cancel()
		scope := b.tracer.Start(ctx, cnst.SpanFinalize)
		defer scope.End()

		req, err := http.NewRequestWithContext(scope.Ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			scope.Fail(err)
			b.metrics.FinalizeDone("failed")
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := b.client.Do(req)
		if err != nil {
			scope.Fail(err)
			b.logger.Debug("beacon failed", zap.String("url", url), zap.Error(err))
			b.metrics.FinalizeDone("failed")
			return
		}
		drainClose(resp.Body)
		b.metrics.FinalizeDone("sent")
	}()
}

// Wait blocks until all outstanding dispatches have settled or ctx is done
func (b *Beacon) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
