package cnst

import "time"

// Encoding is the content encoding applied to an uploaded segment
type Encoding string

const (
	// EncodingNone means the segment is plain JSON
	EncodingNone Encoding = ""
	// EncodingGzip means the segment is gzip compressed JSON
	EncodingGzip Encoding = "gzip"
)

// Wire endpoints relative to the API origin
const (
	PathPresign  = "/replay/presign/put"
	PathFinalize = "/replay/finalize"
	PathSegment  = "/replay/segments/"
)

// Capture defaults
const (
	DefaultFlushInterval    = 10 * time.Second
	MinFlushInterval        = 2 * time.Second
	DefaultMaxBufferBytes   = 1 << 20
	DefaultFailureThreshold = 3
	DefaultMaxTotalFailures = 10
	DefaultMinDuration      = 3 * time.Second
	DefaultIdleCutoff       = 30 * time.Minute
	DefaultMaxDuration      = 60 * time.Minute
	DefaultCheckInterval    = time.Second
	DefaultBeaconTimeout    = 10 * time.Second
	DefaultScreenResolution = "0x0"
)

// Ingest defaults
const (
	DefaultIngestPort      = 5240
	DefaultTokenTTL        = 5 * time.Minute
	DefaultMaxSegmentBytes = 16 << 20
	DefaultBlobPath        = "data/segments"
	DefaultIngestPID       = "/var/run/replay-ingest.pid"
)

// TokenStoreType selects where consumed upload token ids are tracked
type TokenStoreType string

const (
	TokenStoreMemory TokenStoreType = "memory"
	TokenStoreRedis  TokenStoreType = "redis"
)
