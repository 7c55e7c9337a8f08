package registry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/natsserver"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// exerciseStore runs the behaviour every backend shares.
func exerciseStore(t *testing.T, store Store, prefix string) {
	ctx := context.Background()
	key := prefix + "client:abc"

	_, err := store.Get(ctx, key)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Set(ctx, key, []byte(`{"id":"abc"}`), time.Minute))
	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"abc"}`, string(got))

	require.NoError(t, store.Set(ctx, key, []byte("v2"), time.Minute))
	got, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))

	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Get(ctx, key)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, store.Delete(ctx, key), "deleting a missing key is not an error")

	require.ErrorIs(t, store.Set(ctx, key, []byte("x"), 0), ErrInvalidTTL)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory(nil), "ws:")
}

func TestMemoryExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	m := NewMemory(clock.now)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), time.Hour))

	clock.advance(999 * time.Millisecond)
	_, err := m.Get(ctx, "a")
	require.NoError(t, err)

	clock.advance(time.Millisecond)
	_, err = m.Get(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Set(ctx, "c", []byte("3"), time.Second))
	clock.advance(2 * time.Second)
	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, 1, m.Len())
}

func TestMemoryRunSweepsExpiredEntries(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	m := NewMemory(clock.now)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, m.Set(ctx, "stale", []byte("1"), time.Second))
	require.NoError(t, m.Set(ctx, "fresh", []byte("2"), time.Hour))
	clock.advance(2 * time.Second)

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx, 5*time.Millisecond)
	}()
	require.Eventually(t, func() bool { return m.Len() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	_, err := m.Get(context.Background(), "fresh")
	require.NoError(t, err)
}

func TestMemoryReturnsCopies(t *testing.T) {
	m := NewMemory(nil)
	ctx := context.Background()
	val := []byte("abc")
	require.NoError(t, m.Set(ctx, "k", val, time.Minute))
	val[0] = 'x'
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestKeys(t *testing.T) {
	k := Keys{Prefix: "ws:"}
	assert.Equal(t, "ws:client:c1", k.Client("c1"))
	assert.Equal(t, "ws:client:c1:session", k.ClientSession("c1"))
	assert.Equal(t, "ws:session:s1", k.Session("s1"))
	assert.Equal(t, "ws:ratelimit:c1", k.RateLimit("c1"))
}

func startJetStream(t *testing.T) nats.JetStreamContext {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1, StoreDir: t.TempDir()}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	js, err := nc.JetStream()
	require.NoError(t, err)
	return js
}

func TestNATSKVStore(t *testing.T) {
	js := startJetStream(t)
	store, err := NewNATSKV(js, "test_registry", time.Hour, discardLogger())
	require.NoError(t, err)
	exerciseStore(t, store, "ws:")

	again, err := NewNATSKV(js, "test_registry", time.Hour, discardLogger())
	require.NoError(t, err, "opening an existing bucket")
	require.NoError(t, again.Set(context.Background(), "ws:session:s1", []byte("x"), time.Minute))
	got, err := store.Get(context.Background(), "ws:session:s1")
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))
}

func TestNATSKVPerEntryExpiry(t *testing.T) {
	js := startJetStream(t)
	store, err := NewNATSKV(js, "expiry_registry", time.Hour, discardLogger())
	require.NoError(t, err)
	clock := &fakeClock{t: time.Unix(1000, 0)}
	store.now = clock.now

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "ws:ratelimit:c1", []byte("1"), time.Minute))
	clock.advance(59 * time.Second)
	_, err = store.Get(ctx, "ws:ratelimit:c1")
	require.NoError(t, err)
	clock.advance(time.Second)
	_, err = store.Get(ctx, "ws:ratelimit:c1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEncodeKeyUsesKVAlphabet(t *testing.T) {
	enc := encodeKey("ws:client:client_1234:session")
	assert.NotContains(t, enc, ":")
	assert.Regexp(t, `^[A-Za-z0-9_-]+$`, enc)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("LOQA_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LOQA_TEST_REDIS_ADDR not set")
	}
	store, err := NewRedis(context.Background(), RedisOptions{Addr: addr})
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store, "loqa-test:"+time.Now().Format("150405.000")+":")
}

func TestOpenSelectsBackend(t *testing.T) {
	store, err := Open(context.Background(), config.RegistryConfig{Backend: "memory"}, nil, discardLogger())
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, store)

	_, err = Open(context.Background(), config.RegistryConfig{Backend: "nats"}, nil, discardLogger())
	require.Error(t, err)

	_, err = Open(context.Background(), config.RegistryConfig{Backend: "etcd"}, nil, discardLogger())
	require.Error(t, err)
}
