package capture

import (
	"encoding/json"
	"time"
)

// EventType mirrors the recorder's event kinds. The pipeline only creates
// EventCustom itself.
type EventType int

const (
	EventDomContentLoaded EventType = iota
	EventLoad
	EventFullSnapshot
	EventIncrementalSnapshot
	EventMeta
	EventCustom
	EventPlugin
)

// eventOverhead approximates the JSON envelope around Data
const eventOverhead = 40

// Event is one opaque record emitted by the recorder
type Event struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"` // epoch milliseconds

	capturedAt time.Time
}

// Time returns the emission time of the event
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

func (e Event) approxSize() int {
	return len(e.Data) + eventOverhead
}

const pageChangeTag = "page-change"

type customPayload struct {
	Tag     string `json:"tag"`
	Payload any    `json:"payload"`
}

// PageChangeEvent builds the marker emitted on same-document navigation so
// playback can split a recording by virtual page.
func PageChangeEvent(href string, at time.Time) Event {
	data, _ := json.Marshal(customPayload{
		Tag:     pageChangeTag,
		Payload: map[string]string{"href": href},
	})
	return Event{Type: EventCustom, Data: data, Timestamp: at.UnixMilli()}
}
