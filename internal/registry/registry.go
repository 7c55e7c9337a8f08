// Package registry is the shared key/value state behind session routing and
// rate limiting. Every value carries a TTL.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
)

var (
	ErrNotFound   = errors.New("registry: key not found")
	ErrInvalidTTL = errors.New("registry: ttl must be positive")
)

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Keys builds registry keys under a common prefix.
type Keys struct {
	Prefix string
}

func (k Keys) Client(id string) string        { return k.Prefix + "client:" + id }
func (k Keys) ClientSession(id string) string { return k.Prefix + "client:" + id + ":session" }
func (k Keys) Session(id string) string       { return k.Prefix + "session:" + id }
func (k Keys) RateLimit(id string) string     { return k.Prefix + "ratelimit:" + id }

// Open selects the backend named by cfg.Backend. busClient is required for
// the nats backend.
func Open(ctx context.Context, cfg config.RegistryConfig, busClient *bus.Client, log *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(nil), nil
	case "redis":
		return NewRedis(ctx, RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPass, DB: cfg.RedisDB})
	case "nats":
		if busClient == nil {
			return nil, errors.New("registry: nats backend requires a bus connection")
		}
		return NewNATSKV(busClient.JetStream(), cfg.NATSBucket, time.Duration(cfg.SessionTTLMS)*time.Millisecond, log)
	}
	return nil, fmt.Errorf("registry: unknown backend %q", cfg.Backend)
}
