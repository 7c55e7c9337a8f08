package registry

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const expiryHeaderLen = 8

// NATSKV stores entries in a JetStream key/value bucket. The bucket max age
// bounds every entry; the per-entry expiry is carried in the value so
// shorter TTLs are honoured on read.
type NATSKV struct {
	kv  nats.KeyValue
	max time.Duration
	now func() time.Time
	log *slog.Logger
}

func NewNATSKV(js nats.JetStreamContext, bucket string, maxAge time.Duration, log *slog.Logger) (*NATSKV, error) {
	if maxAge <= 0 {
		return nil, ErrInvalidTTL
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "avatar session registry",
			TTL:         maxAge,
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", bucket, err)
	}
	return &NATSKV{
		kv:  kv,
		max: maxAge,
		now: time.Now,
		log: log.With(slog.String("component", "registry-natskv")),
	}, nil
}

// encodeKey maps arbitrary keys onto the KV key alphabet.
func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (n *NATSKV) Get(_ context.Context, key string) ([]byte, error) {
	entry, err := n.kv.Get(encodeKey(key))
	if errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrKeyDeleted) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	raw := entry.Value()
	if len(raw) < expiryHeaderLen {
		return nil, ErrNotFound
	}
	expires := time.Unix(0, int64(binary.BigEndian.Uint64(raw[:expiryHeaderLen])))
	if !n.now().Before(expires) {
		if err := n.kv.Delete(encodeKey(key)); err != nil {
			n.log.Debug("failed to drop expired key", slog.String("key", key), slog.String("error", err.Error()))
		}
		return nil, ErrNotFound
	}
	return append([]byte(nil), raw[expiryHeaderLen:]...), nil
}

func (n *NATSKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	if ttl > n.max {
		n.log.Debug("ttl exceeds bucket max age", slog.String("key", key), slog.Duration("ttl", ttl))
		ttl = n.max
	}
	raw := make([]byte, expiryHeaderLen+len(value))
	binary.BigEndian.PutUint64(raw, uint64(n.now().Add(ttl).UnixNano()))
	copy(raw[expiryHeaderLen:], value)
	if _, err := n.kv.Put(encodeKey(key), raw); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

func (n *NATSKV) Delete(_ context.Context, key string) error {
	if err := n.kv.Delete(encodeKey(key)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}
