package handler

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/amoylab/replay/internal/common/cnst"
	"github.com/amoylab/replay/internal/common/errorx"
	"github.com/amoylab/replay/internal/ingest/blob"
	"github.com/amoylab/replay/internal/ingest/database"
	"github.com/amoylab/replay/internal/ingest/token"
	"github.com/amoylab/replay/pkg/metrics"
	"github.com/amoylab/replay/pkg/trace"
	"github.com/amoylab/replay/pkg/wire"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// maxInflateRatio bounds how far a gzip segment may expand while it is inspected
const maxInflateRatio = 64

// Options configure the replay handler
type Options struct {
	PublicURL       string
	Sites           []string
	MaxSegmentBytes int64
}

// Replay serves the presign, segment and finalize endpoints and the session
// read api.
type Replay struct {
	logger  *zap.Logger
	db      database.Database
	blobs   *blob.Disk
	signer  *token.Signer
	nonces  token.NonceStore
	metrics *metrics.Metrics
	errs    *errorx.ErrorHandler
	tracer  *trace.Builder

	publicURL  string
	sites      map[string]struct{}
	maxSegment int64
}

func NewReplay(
	logger *zap.Logger,
	db database.Database,
	blobs *blob.Disk,
	signer *token.Signer,
	nonces token.NonceStore,
	m *metrics.Metrics,
	opts Options,
) *Replay {
	sites := make(map[string]struct{}, len(opts.Sites))
	for _, s := range opts.Sites {
		sites[s] = struct{}{}
	}
	if opts.MaxSegmentBytes <= 0 {
		opts.MaxSegmentBytes = cnst.DefaultMaxSegmentBytes
	}
	return &Replay{
		logger:     logger.Named("ingest.handler"),
		db:         db,
		blobs:      blobs,
		signer:     signer,
		nonces:     nonces,
		metrics:    m,
		errs:       errorx.NewErrorHandler(logger),
		tracer:     trace.Tracer(cnst.TraceIngest),
		publicURL:  strings.TrimRight(opts.PublicURL, "/"),
		sites:      sites,
		maxSegment: opts.MaxSegmentBytes,
	}
}

func (h *Replay) siteAllowed(site string) bool {
	if len(h.sites) == 0 {
		return true
	}
	_, ok := h.sites[site]
	return ok
}

// HandlePresign issues a one-time write url for one segment
func (h *Replay) HandlePresign(c *gin.Context) {
	scope := h.tracer.Start(c.Request.Context(), cnst.SpanIngestPresign)
	defer scope.End()

	var req wire.PresignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		scope.Fail(err)
		h.errs.HandleError(c, errorx.ValidationError("body", err.Error()))
		return
	}
	scope.WithAttrs(attribute.String(cnst.AttrSiteID, req.SiteID), attribute.Int(cnst.AttrSegmentBytes, req.ContentLength))

	switch {
	case req.SiteID == "":
		h.errs.HandleError(c, errorx.MissingField("site_id"))
		return
	case !h.siteAllowed(req.SiteID):
		h.errs.HandleError(c, errorx.ErrUnknownSite.WithDetail("site_id", req.SiteID))
		return
	case req.ContentLength <= 0:
		h.errs.HandleError(c, errorx.ValidationError("content_length", "must be positive"))
		return
	case int64(req.ContentLength) > h.maxSegment:
		h.errs.HandleError(c, errorx.ErrSegmentTooLarge.WithDetail("max_bytes", h.maxSegment))
		return
	}
	encoding := cnst.Encoding(req.ContentEncoding)
	if encoding != cnst.EncodingNone && encoding != cnst.EncodingGzip {
		h.errs.HandleError(c, errorx.ValidationError("content_encoding", "unsupported encoding"))
		return
	}

	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.VisitorID == "" {
		req.VisitorID = uuid.NewString()
	}

	signed, id, err := h.signer.Issue(token.Claims{
		SiteID:        req.SiteID,
		SessionID:     req.SessionID,
		VisitorID:     req.VisitorID,
		ContentLength: int64(req.ContentLength),
		Encoding:      req.ContentEncoding,
	})
	if err != nil {
		scope.Fail(err)
		h.errs.HandleError(c, err)
		return
	}

	h.logger.Debug("segment presigned",
		zap.String("site_id", req.SiteID),
		zap.String("session_id", req.SessionID),
		zap.String("segment_id", id),
		zap.Int("content_length", req.ContentLength))

	c.JSON(http.StatusOK, wire.PresignResponse{
		URL:       h.publicURL + cnst.PathSegment + signed,
		SessionID: req.SessionID,
		VisitorID: req.VisitorID,
	})
}

// HandleSegment stores the body of a presigned upload
func (h *Replay) HandleSegment(c *gin.Context) {
	scope := h.tracer.Start(c.Request.Context(), cnst.SpanIngestSegment)
	defer scope.End()
	ctx := scope.Ctx

	claims, err := h.signer.Verify(c.Param("token"))
	if err != nil {
		reason, apiErr := "invalid", errorx.ErrInvalidUploadToken
		if errors.Is(err, token.ErrExpiredToken) {
			reason, apiErr = "expired", errorx.ErrUploadTokenExpired
		}
		h.metrics.TokenRejected(reason)
		scope.Fail(err)
		h.errs.HandleError(c, apiErr)
		return
	}
	scope.WithAttrs(
		attribute.String(cnst.AttrSiteID, claims.SiteID),
		attribute.String(cnst.AttrSessionID, claims.SessionID),
	)

	if got := c.GetHeader("Content-Encoding"); got != claims.Encoding {
		h.errs.HandleError(c, errorx.ValidationError("content_encoding", fmt.Sprintf("expected %q, got %q", claims.Encoding, got)))
		return
	}

	first, err := h.nonces.Consume(ctx, claims.ID, h.signer.TTL())
	if err != nil {
		scope.Fail(err)
		h.errs.HandleError(c, errorx.ErrInternalServer.WithDetail("original_error", err.Error()))
		return
	}
	if !first {
		h.metrics.TokenRejected("reused")
		h.errs.HandleError(c, errorx.ErrUploadTokenUsed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, claims.ContentLength+1))
	if err != nil {
		h.errs.HandleError(c, errorx.ValidationError("body", err.Error()))
		return
	}
	if int64(len(body)) != claims.ContentLength {
		h.errs.HandleError(c, errorx.ErrContentLengthMismatch.
			WithDetail("expected", claims.ContentLength).
			WithDetail("received", len(body)))
		return
	}

	stats, err := inspect(body, cnst.Encoding(claims.Encoding), h.maxSegment*maxInflateRatio)
	if err != nil {
		h.errs.HandleError(c, errorx.ValidationError("body", err.Error()))
		return
	}

	key, err := blob.Key(claims.SiteID, claims.SessionID, claims.ID, cnst.Encoding(claims.Encoding))
	if err != nil {
		h.errs.HandleError(c, errorx.ValidationError("token", err.Error()))
		return
	}
	if _, err := h.blobs.Write(key, bytes.NewReader(body)); err != nil {
		scope.Fail(err)
		h.errs.HandleError(c, errorx.ErrStorageError.WithDetail("original_error", err.Error()))
		return
	}

	segment := &database.Segment{
		ID:           claims.ID,
		SiteID:       claims.SiteID,
		SessionID:    claims.SessionID,
		VisitorID:    claims.VisitorID,
		Encoding:     claims.Encoding,
		SizeBytes:    claims.ContentLength,
		EventCount:   stats.events,
		FirstEventAt: stats.first,
		LastEventAt:  stats.last,
		BlobKey:      key,
	}
	if err := h.db.SaveSegment(ctx, segment); err != nil {
		scope.Fail(err)
		h.errs.HandleError(c, errorx.ErrDatabaseError.WithDetail("original_error", err.Error()))
		return
	}

	scope.WithAttrs(
		attribute.Int(cnst.AttrSegmentEvents, stats.events),
		attribute.Int64(cnst.AttrSegmentBytes, claims.ContentLength),
	)
	h.metrics.SegmentStored(claims.SiteID, claims.ContentLength)
	h.logger.Info("segment stored",
		zap.String("site_id", claims.SiteID),
		zap.String("session_id", claims.SessionID),
		zap.Int("seq", segment.Seq),
		zap.Int("events", stats.events),
		zap.Int64("bytes", claims.ContentLength))

	c.JSON(http.StatusOK, gin.H{"id": segment.ID, "seq": segment.Seq})
}

// HandleFinalize records the session summary sent on unload
func (h *Replay) HandleFinalize(c *gin.Context) {
	scope := h.tracer.Start(c.Request.Context(), cnst.SpanIngestFinalize)
	defer scope.End()

	var req wire.FinalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		scope.Fail(err)
		h.errs.HandleError(c, errorx.ValidationError("body", err.Error()))
		return
	}
	scope.WithAttrs(attribute.String(cnst.AttrSiteID, req.SiteID), attribute.String(cnst.AttrSessionID, req.SessionID))

	var missing []string
	if req.SiteID == "" {
		missing = append(missing, "site_id")
	}
	if req.SessionID == "" {
		missing = append(missing, "session_id")
	}
	if len(missing) > 0 {
		h.errs.HandleError(c, errorx.MissingField(missing...))
		return
	}
	if !h.siteAllowed(req.SiteID) {
		h.errs.HandleError(c, errorx.ErrUnknownSite.WithDetail("site_id", req.SiteID))
		return
	}
	if req.EndedAt < req.StartedAt {
		h.errs.HandleError(c, errorx.ValidationError("ended_at", "before started_at"))
		return
	}

	summary := &database.SessionSummary{
		SessionID:  req.SessionID,
		SiteID:     req.SiteID,
		VisitorID:  req.VisitorID,
		StartedAt:  time.Unix(req.StartedAt, 0).UTC(),
		EndedAt:    time.Unix(req.EndedAt, 0).UTC(),
		SizeBytes:  req.SizeBytes,
		EventCount: req.EventCount,
		SampleRate: req.SampleRate,
		StartURL:   req.StartURL,
	}
	if err := h.db.UpsertSession(scope.Ctx, summary); err != nil {
		scope.Fail(err)
		h.errs.HandleError(c, errorx.ErrDatabaseError.WithDetail("original_error", err.Error()))
		return
	}

	h.logger.Info("session finalized",
		zap.String("site_id", req.SiteID),
		zap.String("session_id", req.SessionID),
		zap.Duration("duration", summary.Duration()),
		zap.Int64("events", req.EventCount))
	c.Status(http.StatusNoContent)
}

// HandleListSessions lists finalized sessions, optionally for one site
func (h *Replay) HandleListSessions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "20"))

	sessions, total, err := h.db.ListSessions(c.Request.Context(), c.Query("site"), page, pageSize)
	if err != nil {
		h.errs.HandleError(c, errorx.ErrDatabaseError.WithDetail("original_error", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    total,
	})
}

// HandleGetSession returns a session summary with its segment index. A
// session that was never finalized still lists its segments.
func (h *Replay) HandleGetSession(c *gin.Context) {
	sessionID := c.Param("id")
	ctx := c.Request.Context()

	summary, err := h.db.GetSession(ctx, sessionID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		h.errs.HandleError(c, errorx.ErrDatabaseError.WithDetail("original_error", err.Error()))
		return
	}
	segments, err := h.db.ListSegments(ctx, sessionID)
	if err != nil {
		h.errs.HandleError(c, errorx.ErrDatabaseError.WithDetail("original_error", err.Error()))
		return
	}
	if summary == nil && len(segments) == 0 {
		h.errs.HandleError(c, errorx.ErrSessionNotFound.WithDetail("session_id", sessionID))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session":  summary,
		"segments": segments,
	})
}

// HandleGetSegment streams a stored segment body as it was uploaded
func (h *Replay) HandleGetSegment(c *gin.Context) {
	sessionID := c.Param("id")
	seq, err := strconv.Atoi(c.Param("seq"))
	if err != nil {
		h.errs.HandleError(c, errorx.ValidationError("seq", "must be an integer"))
		return
	}

	segment, err := h.db.GetSegment(c.Request.Context(), sessionID, seq)
	if errors.Is(err, database.ErrNotFound) {
		h.errs.HandleError(c, errorx.ErrSessionNotFound.WithDetail("session_id", sessionID).WithDetail("seq", seq))
		return
	}
	if err != nil {
		h.errs.HandleError(c, errorx.ErrDatabaseError.WithDetail("original_error", err.Error()))
		return
	}

	rc, err := h.blobs.Open(segment.BlobKey)
	if err != nil {
		h.errs.HandleError(c, errorx.ErrStorageError.WithDetail("original_error", err.Error()))
		return
	}
	defer rc.Close()

	headers := map[string]string{}
	if segment.Encoding != "" {
		headers["Content-Encoding"] = segment.Encoding
	}
	c.DataFromReader(http.StatusOK, segment.SizeBytes, "application/json", rc, headers)
}

// segmentStats summarize the events of an uploaded segment
type segmentStats struct {
	events int
	first  int64
	last   int64
}

// inspect decodes the body and checks that it is a JSON array of events
func inspect(body []byte, encoding cnst.Encoding, maxDecoded int64) (segmentStats, error) {
	raw := body
	if encoding == cnst.EncodingGzip {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return segmentStats{}, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		raw, err = io.ReadAll(io.LimitReader(zr, maxDecoded+1))
		if err != nil {
			return segmentStats{}, fmt.Errorf("gzip: %w", err)
		}
		if int64(len(raw)) > maxDecoded {
			return segmentStats{}, errors.New("segment inflates beyond the allowed size")
		}
	}

	if !gjson.ValidBytes(raw) {
		return segmentStats{}, errors.New("segment is not valid json")
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsArray() {
		return segmentStats{}, errors.New("segment is not an event array")
	}

	n := int(doc.Get("#").Int())
	stats := segmentStats{events: n}
	if n > 0 {
		stats.first = doc.Get("0.timestamp").Int()
		stats.last = doc.Get(strconv.Itoa(n-1) + ".timestamp").Int()
	}
	return stats, nil
}
