package store

import (
	"fmt"

	"github.com/agriboost/agriboost-web/internal/config"
)

// Open returns the credential store backend selected by cfg.
func Open(cfg *config.Config) (Store, error) {
	switch cfg.CredentialStore {
	case config.StoreSQLite:
		return NewSQLite(cfg.DBPath)
	case config.StoreRedis:
		return NewRedis(RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.CredentialRetention,
		})
	case config.StoreMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown credential store %q", cfg.CredentialStore)
	}
}
