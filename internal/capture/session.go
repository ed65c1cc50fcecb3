package capture

import (
	"sync"
	"time"
)

// Session is the mutable state of one capture session. It is created at the
// first captured event and lives until the pipeline stops.
type Session struct {
	mu sync.RWMutex

	siteID     string
	sampleRate float64
	startURL   string

	sessionID string
	visitorID string

	firstEventAt   time.Time
	startedAt      time.Time
	lastActivityAt time.Time

	uploadedEvents int64
	uploadedBytes  int64

	discarded bool
}

// SessionSnapshot is a consistent copy of a Session
type SessionSnapshot struct {
	SiteID         string
	SampleRate     float64
	StartURL       string
	SessionID      string
	VisitorID      string
	FirstEventAt   time.Time
	StartedAt      time.Time
	LastActivityAt time.Time
	UploadedEvents int64
	UploadedBytes  int64
	Discarded      bool
}

func newSession(siteID string, sampleRate float64, startURL string, at time.Time) *Session {
	return &Session{
		siteID:         siteID,
		sampleRate:     sampleRate,
		startURL:       startURL,
		firstEventAt:   at,
		lastActivityAt: at,
	}
}

func (s *Session) SiteID() string { return s.siteID }

// IDs returns the server assigned identifiers, empty until the first presign
func (s *Session) IDs() (sessionID, visitorID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID, s.visitorID
}

// assignIDs stores the identifiers of the first presign response that
// carries them. Later values are ignored.
func (s *Session) assignIDs(sessionID, visitorID string) bool {
	if sessionID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID != "" {
		return false
	}
	s.sessionID = sessionID
	s.visitorID = visitorID
	return true
}

func (s *Session) touch(at time.Time) {
	s.mu.Lock()
	if at.After(s.lastActivityAt) {
		s.lastActivityAt = at
	}
	s.mu.Unlock()
}

// recordUpload advances the counters after an acknowledged put. startedAt is
// only taken from the first acknowledged segment.
func (s *Session) recordUpload(events, bytes int, segmentStart time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		s.startedAt = segmentStart
	}
	s.uploadedEvents += int64(events)
	s.uploadedBytes += int64(bytes)
}

func (s *Session) discard() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discarded {
		return false
	}
	s.discarded = true
	return true
}

func (s *Session) Discarded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.discarded
}

func (s *Session) FirstEventAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firstEventAt
}

// StartedAt is zero until a segment has been acknowledged. It is the capture
// time of that segment's first event, read from the pipeline clock like
// FirstEventAt, never from the recorder's timestamps.
func (s *Session) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

func (s *Session) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionSnapshot{
		SiteID:         s.siteID,
		SampleRate:     s.sampleRate,
		StartURL:       s.startURL,
		SessionID:      s.sessionID,
		VisitorID:      s.visitorID,
		FirstEventAt:   s.firstEventAt,
		StartedAt:      s.startedAt,
		LastActivityAt: s.lastActivityAt,
		UploadedEvents: s.uploadedEvents,
		UploadedBytes:  s.uploadedBytes,
		Discarded:      s.discarded,
	}
}
