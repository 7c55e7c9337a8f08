package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/natsserver"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func connect(t *testing.T) *Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1, StoreDir: t.TempDir()}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	c, err := Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestConnectRequiresServers(t *testing.T) {
	_, err := Connect(context.Background(), config.BusConfig{}, discardLogger())
	assert.Error(t, err)
}

func TestNilClientIsUnhealthy(t *testing.T) {
	var c *Client
	assert.False(t, c.Healthy())
	c.Close()
}

func TestPublishSessionEvent(t *testing.T) {
	c := connect(t)
	require.True(t, c.Healthy())
	require.NotNil(t, c.JetStream())

	sub, err := c.Conn().SubscribeSync(protocol.SubjectAvatarEvent)
	require.NoError(t, err)
	require.NoError(t, c.Conn().Flush())

	env, err := protocol.NewEnvelope(protocol.TypeEmotion, protocol.EmotionData{Emotion: "positive", Confidence: 80})
	require.NoError(t, err)
	require.NoError(t, c.PublishSessionEvent("s1", "test", env))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var ev protocol.SessionEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, "test", ev.Origin)
	assert.Equal(t, protocol.TypeEmotion, ev.Envelope.Type)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestPublishJSONRejectsUnmarshalable(t *testing.T) {
	c := connect(t)
	assert.Error(t, c.PublishJSON("x", func() {}))
}
