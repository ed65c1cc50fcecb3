package cnst

// Tracer names used across the services
const (
	// TraceCapture is the tracer name for the client side pipeline
	TraceCapture = "replay/capture"
	// TraceIngest is the tracer name for the ingest service
	TraceIngest = "replay/ingest"
)

// Span names
const (
	SpanFlush    = "replay.flush"
	SpanPresign  = "replay.upload.presign"
	SpanPut      = "replay.upload.put"
	SpanFinalize = "replay.finalize"
)

// Common attribute keys
const (
	AttrSiteID        = "replay.site_id"
	AttrSessionID     = "replay.session_id"
	AttrSegmentEvents = "replay.segment.events"
	AttrSegmentBytes  = "replay.segment.bytes"
	AttrEncoding      = "replay.segment.encoding"
	AttrHTTPStatus    = "http.status_code"
)

// Ingest span names
const (
	SpanIngestPresign  = "replay.ingest.presign"
	SpanIngestSegment  = "replay.ingest.segment"
	SpanIngestFinalize = "replay.ingest.finalize"
)
