package token

import (
	"context"
	"time"
)

// NonceStore remembers redeemed token ids so each upload url works once
type NonceStore interface {
	// Consume marks id as used for ttl. It reports false when id was
	// already used.
	Consume(ctx context.Context, id string, ttl time.Duration) (bool, error)
	Close() error
}
