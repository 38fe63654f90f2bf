package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Guizzs26/cu-sync-agent/internal/config"
	"github.com/go-redis/redis/v8"
)

// Fixed key namespace of the agent's local state.
const (
	KeyQueue       = "offline_transactions"
	KeyOfflineMode = "offline_mode"
)

var ErrUnknownDriver = errors.New("unknown store driver")

// Store is the local key-value persistence used by the agent. Values are
// JSON serialized. Get reports found=false for a missing key and leaves dst
// untouched.
type Store interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	Close() error
}

// Open builds the store selected by STORE_DRIVER.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, error) {
	switch cfg.StoreDriver {
	case "file", "":
		return NewFileStore(cfg.StoreDir)
	case "memory":
		return NewMemoryStore(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return NewRedisStore(ctx, client, cfg.StoreNamespace, logger)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DatabaseURL, cfg.StoreNamespace, logger)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.StoreDriver)
	}
}

// namespacedKey prefixes key so several agents can share one backend.
func namespacedKey(namespace, key string) string {
	if namespace == "" {
		return key
	}
	return namespace + ":" + key
}
