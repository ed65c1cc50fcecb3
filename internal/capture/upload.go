package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/amoylab/replay/internal/common/cnst"
	"github.com/amoylab/replay/pkg/trace"
	"github.com/amoylab/replay/pkg/wire"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// maxResponseBody bounds how much of a presign response is read
const maxResponseBody = 64 << 10

// UploadTarget is the one-time write location returned by presign
type UploadTarget struct {
	URL       string
	SessionID string
	VisitorID string
}

// Uploader performs the two network phases of a segment upload
type Uploader interface {
	Presign(ctx context.Context, req wire.PresignRequest) (UploadTarget, error)
	Put(ctx context.Context, target UploadTarget, payload Payload) error
}

// UploadClient talks to the presign endpoint and the presigned write urls.
// It never retries; the flush controller owns that policy.
type UploadClient struct {
	logger *zap.Logger
	origin string
	client *http.Client
	tracer *trace.Builder
}

var _ Uploader = (*UploadClient)(nil)

// NewUploadClient creates a client for the given API origin. A nil client
// gets a traced default transport.
func NewUploadClient(logger *zap.Logger, origin string, client *http.Client) *UploadClient {
	if client == nil {
		client = &http.Client{Transport: trace.Transport(nil)}
	}
	return &UploadClient{
		logger: logger.Named("capture.upload"),
		origin: origin,
		client: client,
		tracer: trace.Tracer(cnst.TraceCapture),
	}
}

// Presign asks the server for a write url for a payload of req.ContentLength bytes
func (c *UploadClient) Presign(ctx context.Context, req wire.PresignRequest) (UploadTarget, error) {
	scope := c.tracer.Start(ctx, cnst.SpanPresign).WithAttrs(
		attribute.String(cnst.AttrSiteID, req.SiteID),
		attribute.Int(cnst.AttrSegmentBytes, req.ContentLength),
	)
	defer scope.End()

	body, err := json.Marshal(req)
	if err != nil {
		return UploadTarget{}, fmt.Errorf("%w: %v", cnst.ErrPresignFailed, err)
	}

	httpReq, err := http.NewRequestWithContext(scope.Ctx, http.MethodPost, c.origin+cnst.PathPresign, bytes.NewReader(body))
	if err != nil {
		scope.Fail(err)
		return UploadTarget{}, fmt.Errorf("%w: %v", cnst.ErrPresignFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		scope.Fail(err)
		return UploadTarget{}, fmt.Errorf("%w: %v", cnst.ErrPresignFailed, err)
	}
	defer drainClose(resp.Body)

	scope.WithAttrs(attribute.Int(cnst.AttrHTTPStatus, resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("%w: status %d", cnst.ErrPresignFailed, resp.StatusCode)
		scope.Fail(err)
		return UploadTarget{}, err
	}

	var out wire.PresignResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&out); err != nil {
		scope.Fail(err)
		return UploadTarget{}, fmt.Errorf("%w: decode response: %v", cnst.ErrPresignFailed, err)
	}
	if out.URL == "" {
		scope.Fail(cnst.ErrEmptyPresignURL)
		return UploadTarget{}, fmt.Errorf("%w: %w", cnst.ErrPresignFailed, cnst.ErrEmptyPresignURL)
	}

	return UploadTarget{URL: out.URL, SessionID: out.SessionID, VisitorID: out.VisitorID}, nil
}

// Put transfers the payload to the presigned url
func (c *UploadClient) Put(ctx context.Context, target UploadTarget, payload Payload) error {
	scope := c.tracer.Start(ctx, cnst.SpanPut).WithAttrs(
		attribute.Int(cnst.AttrSegmentBytes, payload.Len()),
		attribute.String(cnst.AttrEncoding, string(payload.Encoding())),
	)
	defer scope.End()

	httpReq, err := http.NewRequestWithContext(scope.Ctx, http.MethodPut, target.URL, payload.Reader())
	if err != nil {
		scope.Fail(err)
		return fmt.Errorf("%w: %v", cnst.ErrPutFailed, err)
	}
	httpReq.ContentLength = int64(payload.Len())
	httpReq.Header.Set("Content-Type", "application/json")
	if payload.Encoding() != cnst.EncodingNone {
		httpReq.Header.Set("Content-Encoding", string(payload.Encoding()))
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		scope.Fail(err)
		return fmt.Errorf("%w: %v", cnst.ErrPutFailed, err)
	}
	defer drainClose(resp.Body)

	scope.WithAttrs(attribute.Int(cnst.AttrHTTPStatus, resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("%w: status %d", cnst.ErrPutFailed, resp.StatusCode)
		scope.Fail(err)
		return err
	}
	return nil
}

func drainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxResponseBody))
	_ = body.Close()
}
