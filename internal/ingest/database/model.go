package database

import "time"

// Segment is one stored upload of a session
type Segment struct {
	ID           string    `json:"id" gorm:"primaryKey;type:varchar(64)"` // upload token id
	SiteID       string    `json:"siteId" gorm:"type:varchar(128);index"`
	SessionID    string    `json:"sessionId" gorm:"type:varchar(64);uniqueIndex:idx_session_seq"`
	Seq          int       `json:"seq" gorm:"uniqueIndex:idx_session_seq"`
	VisitorID    string    `json:"visitorId" gorm:"type:varchar(64)"`
	Encoding     string    `json:"encoding" gorm:"type:varchar(16)"`
	SizeBytes    int64     `json:"sizeBytes"`
	EventCount   int       `json:"eventCount"`
	FirstEventAt int64     `json:"firstEventAt"` // epoch milliseconds
	LastEventAt  int64     `json:"lastEventAt"`  // epoch milliseconds
	BlobKey      string    `json:"-" gorm:"type:varchar(512)"`
	CreatedAt    time.Time `json:"createdAt"`
}

// SessionSummary is the finalized record of a session
type SessionSummary struct {
	SessionID  string    `json:"sessionId" gorm:"primaryKey;type:varchar(64)"`
	SiteID     string    `json:"siteId" gorm:"type:varchar(128);index"`
	VisitorID  string    `json:"visitorId" gorm:"type:varchar(64);index"`
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt"`
	SizeBytes  int64     `json:"sizeBytes"`
	EventCount int64     `json:"eventCount"`
	SampleRate float64   `json:"sampleRate"`
	StartURL   string    `json:"startUrl" gorm:"type:text"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Duration of the recorded session
func (s *SessionSummary) Duration() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}
