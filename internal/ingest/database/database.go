package database

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a session or segment does not exist
var ErrNotFound = errors.New("record not found")

// Database defines the catalog operations of the ingest service.
type Database interface {
	// Close closes the database connection.
	Close() error

	// SaveSegment records a stored segment and assigns its sequence number
	// within the session.
	SaveSegment(ctx context.Context, segment *Segment) error

	// ListSegments returns the segments of a session in upload order.
	ListSegments(ctx context.Context, sessionID string) ([]*Segment, error)

	// GetSegment returns one segment of a session by sequence number.
	GetSegment(ctx context.Context, sessionID string, seq int) (*Segment, error)

	// UpsertSession creates or replaces the summary of a session.
	UpsertSession(ctx context.Context, summary *SessionSummary) error

	// GetSession returns the summary of a session.
	GetSession(ctx context.Context, sessionID string) (*SessionSummary, error)

	// ListSessions lists finalized sessions of a site, newest first.
	ListSessions(ctx context.Context, siteID string, page, pageSize int) ([]*SessionSummary, int64, error)
}
