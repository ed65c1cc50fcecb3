package token

import (
	"fmt"

	"github.com/amoylab/replay/internal/common/cnst"
	"github.com/amoylab/replay/internal/common/config"
	"go.uber.org/zap"
)

// NewNonceStore creates the nonce store selected by cfg.Type
func NewNonceStore(logger *zap.Logger, cfg *config.TokenConfig) (NonceStore, error) {
	logger = logger.Named("ingest.token")
	switch cnst.TokenStoreType(cfg.Type) {
	case cnst.TokenStoreMemory:
		logger.Info("Initializing memory token store")
		return NewMemoryStore(), nil
	case cnst.TokenStoreRedis:
		logger.Info("Initializing redis token store", zap.String("addr", cfg.Redis.Addr))
		return NewRedisStore(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported token store type: %s", cfg.Type)
	}
}
