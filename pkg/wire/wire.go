// Package wire holds the JSON contract between the capture pipeline and the
// replay ingest endpoints.
package wire

// PresignRequest is the body of POST /replay/presign/put
type PresignRequest struct {
	SiteID           string `json:"site_id"`
	ScreenResolution string `json:"screen_resolution"`
	ContentLength    int    `json:"content_length"`
	ContentEncoding  string `json:"content_encoding,omitempty"`
	// Known identifiers are echoed back after the first segment so the server
	// can attribute later segments without cookies.
	SessionID string `json:"session_id,omitempty"`
	VisitorID string `json:"visitor_id,omitempty"`
}

// PresignResponse carries the one-time write url
type PresignResponse struct {
	URL       string `json:"url"`
	SessionID string `json:"session_id,omitempty"`
	VisitorID string `json:"visitor_id,omitempty"`
}

// FinalizeRequest is the body of POST /replay/finalize. Timestamps are epoch seconds.
type FinalizeRequest struct {
	SiteID     string  `json:"site_id"`
	SessionID  string  `json:"session_id"`
	VisitorID  string  `json:"visitor_id"`
	StartedAt  int64   `json:"started_at"`
	EndedAt    int64   `json:"ended_at"`
	SizeBytes  int64   `json:"size_bytes"`
	SampleRate float64 `json:"sample_rate"`
	StartURL   string  `json:"start_url"`
	EventCount int64   `json:"event_count"`
}
