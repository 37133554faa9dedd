// Package cache deduplicates gateway callbacks and webhook deliveries.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("key not found")

// Provider stores short-lived idempotency markers. A marker is claimed with
// SetIfAbsent and handed back with Release when the work it guarded failed,
// so the next delivery of the same callback is processed again.
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
	// SetIfAbsent stores token only when key is not already present and
	// reports whether it did.
	SetIfAbsent(ctx context.Context, key string, token string, ttl time.Duration) (bool, error)
	// Release removes key only while it still holds token. A marker that
	// expired and was claimed by another delivery is left alone.
	Release(ctx context.Context, key string, token string) error
	Ping(ctx context.Context) error
	Close() error
}

type Config struct {
	Provider              string
	RedisConnectionString string
	KeyPrefix             string
}

func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "memory", "":
		return NewMemoryProvider()
	case "redis":
		return NewRedisProvider(cfg.RedisConnectionString, cfg.KeyPrefix)
	default:
		return nil, fmt.Errorf("unsupported cache provider: %s", cfg.Provider)
	}
}

func WebhookKey(source, eventID string) string {
	return fmt.Sprintf("webhook:%s:%s", source, eventID)
}

// CallbackKey identifies one gateway callback for one order reference and
// outcome, so a retried delivery of the same result is processed once.
func CallbackKey(gateway, reference, outcome string) string {
	return fmt.Sprintf("callback:%s:%s:%s", strings.ToLower(gateway), reference, outcome)
}
