package cnst

import "errors"

var (
	// ErrAlreadyInitialized is returned when a capture pipeline is already running in this process
	ErrAlreadyInitialized = errors.New("capture pipeline already initialized")
	// ErrSessionDiscarded is returned for work attempted on a discarded session
	ErrSessionDiscarded = errors.New("session discarded")
	// ErrRecorderUnavailable is returned when the external recorder cannot be started
	ErrRecorderUnavailable = errors.New("recorder unavailable")
	// ErrPresignFailed is returned when the presign request is rejected
	ErrPresignFailed = errors.New("presign failed")
	// ErrPutFailed is returned when the segment transfer is rejected
	ErrPutFailed = errors.New("segment put failed")
	// ErrEmptyPresignURL is returned when the presign response carries no write url
	ErrEmptyPresignURL = errors.New("presign response has no url")
	// ErrInvalidDatabaseType is returned for an unsupported database driver
	ErrInvalidDatabaseType = errors.New("invalid database type")
)
