package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/natsserver"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/registry"
	"github.com/loqalabs/loqa-avatar/internal/router"
	"github.com/loqalabs/loqa-avatar/internal/sessionstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeConn struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (c *fakeConn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "127.0.0.1:1" }
func (c *fakeConn) UserAgent() string  { return "relay-test" }

func (c *fakeConn) count(typ string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, env := range c.envs {
		if env.Type == typ {
			n++
		}
	}
	return n
}

type allAlive struct{}

func (allAlive) Alive(string) bool { return true }

type node struct {
	router *router.Router
	relay  *Service
}

type cluster struct {
	url     string
	store   registry.Store
	history *sessionstore.Store
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1, StoreDir: t.TempDir()}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	history, err := sessionstore.Open(context.Background(), config.SessionStoreConfig{RetentionMode: sessionstore.RetentionEphemeral}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = history.Close() })

	return &cluster{url: srv.ClientURL(), store: registry.NewMemory(nil), history: history}
}

func (c *cluster) node(t *testing.T, id string) node {
	t.Helper()
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{c.url}, ConnectTimeout: 2000}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	rel := NewService(context.Background(), id, client, c.history, discardLogger())
	r, err := router.New(router.Options{
		NodeID:    id,
		Registry:  c.store,
		KeyPrefix: "ws:",
		Forwarder: rel,
		Liveness:  allAlive{},
		Inbound:   rel,
		Logger:    discardLogger(),
	})
	require.NoError(t, err)
	rel.Attach(r)
	require.NoError(t, rel.Start())
	t.Cleanup(rel.Close)
	require.NoError(t, client.Conn().Flush())
	return node{router: r, relay: rel}
}

func TestStartRequiresRouter(t *testing.T) {
	c := newCluster(t)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{c.url}, ConnectTimeout: 2000}, discardLogger())
	require.NoError(t, err)
	defer client.Close()
	require.Error(t, NewService(context.Background(), "x", client, nil, discardLogger()).Start())
}

func TestForwardBetweenRouters(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	a := c.node(t, "node-a")
	b := c.node(t, "node-b")

	conn := &fakeConn{}
	id, err := a.router.RegisterConnection(ctx, conn)
	require.NoError(t, err)
	require.NoError(t, a.router.BindSession(ctx, id, "s1"))

	env, err := protocol.NewEnvelope(protocol.TypeEmotion, protocol.EmotionData{Emotion: "happy", Confidence: 70})
	require.NoError(t, err)
	require.True(t, b.router.SendToSession(ctx, "s1", env))
	require.Eventually(t, func() bool { return conn.count(protocol.TypeEmotion) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestAvatarEventDeliveredOnce(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	a := c.node(t, "node-a")
	_ = c.node(t, "node-b")

	conn := &fakeConn{}
	id, err := a.router.RegisterConnection(ctx, conn)
	require.NoError(t, err)
	require.NoError(t, a.router.BindSession(ctx, id, "s1"))

	pub, err := nats.Connect(c.url)
	require.NoError(t, err)
	defer pub.Close()

	env, err := protocol.NewEnvelope(protocol.TypeChat, protocol.ChatData{Message: "Nice to meet you", SessionID: "s1"})
	require.NoError(t, err)
	data, err := json.Marshal(protocol.SessionEvent{SessionID: "s1", Envelope: env, Origin: "reply", Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	require.NoError(t, pub.Publish(protocol.SubjectAvatarEvent, data))
	require.NoError(t, pub.Flush())

	require.Eventually(t, func() bool { return conn.count(protocol.TypeChat) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, conn.count(protocol.TypeChat))

	require.Eventually(t, func() bool {
		turns, err := c.history.History(ctx, "s1", 10)
		return err == nil && len(turns) == 1 && turns[0].Role == "assistant"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInboundChatPublished(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	a := c.node(t, "node-a")

	sub, err := nats.Connect(c.url)
	require.NoError(t, err)
	defer sub.Close()
	chats, err := sub.SubscribeSync(protocol.SubjectChat)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	conn := &fakeConn{}
	id, err := a.router.RegisterConnection(ctx, conn)
	require.NoError(t, err)
	raw, err := json.Marshal(protocol.Envelope{Type: protocol.TypeChat, Data: json.RawMessage(`{"message":"hello","sessionId":"s1"}`)})
	require.NoError(t, err)
	a.router.HandleMessage(ctx, id, raw)

	msg, err := chats.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var chat protocol.ChatMessage
	require.NoError(t, json.Unmarshal(msg.Data, &chat))
	assert.Equal(t, "hello", chat.Message)
	assert.Equal(t, "node-a", chat.NodeID)
	assert.Equal(t, id, chat.ConnectionID)

	turns, err := c.history.History(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "user", turns[0].Role)
}
