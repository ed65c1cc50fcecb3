package recorder

import "github.com/amoylab/replay/internal/capture"

// MessageType tags every frame exchanged with the page shim
type MessageType string

// Page to bridge
const (
	MsgHello      MessageType = "hello"
	MsgEvent      MessageType = "event"
	MsgActivity   MessageType = "activity"
	MsgVisibility MessageType = "visibility"
	MsgNavigate   MessageType = "navigate"
	MsgUnload     MessageType = "unload"
)

// Bridge to page
const (
	MsgReady    MessageType = "ready"
	MsgStart    MessageType = "start"
	MsgStop     MessageType = "stop"
	MsgSnapshot MessageType = "snapshot"
	MsgEnded    MessageType = "ended"
	MsgError    MessageType = "error"
)

// Error codes sent in MsgError frames
const (
	ErrCodeAlreadyInitialized = "already_initialized"
	ErrCodeBadHello           = "bad_hello"
	ErrCodePipeline           = "pipeline"
)

// Message is a single JSON frame of the bridge protocol
type Message struct {
	Type MessageType `json:"type"`

	// hello, navigate
	URL string `json:"url,omitempty"`
	// hello
	Screen string `json:"screen,omitempty"`
	// event
	Events []capture.Event `json:"events,omitempty"`
	// activity
	Kind capture.ActivityKind `json:"kind,omitempty"`
	// visibility
	Hidden bool `json:"hidden,omitempty"`
	// unload
	Reason string `json:"reason,omitempty"`

	// ready
	Recording bool `json:"recording,omitempty"`
	// ended
	State string `json:"state,omitempty"`
	// error
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}
