package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/registry"
	"github.com/loqalabs/loqa-avatar/internal/router"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T, mutate func(*Options), routerOpts func(*router.Options)) (*router.Router, string) {
	t.Helper()
	ro := router.Options{
		NodeID:   "node-a",
		Registry: registry.NewMemory(nil),
		Logger:   discardLogger(),
	}
	if routerOpts != nil {
		routerOpts(&ro)
	}
	r, err := router.New(ro)
	require.NoError(t, err)

	opts := Options{Logger: discardLogger()}
	if mutate != nil {
		mutate(&opts)
	}
	srv := httptest.NewServer(Handler(r, opts))
	t.Cleanup(srv.Close)
	return r, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func next(t *testing.T, c *Client) protocol.Envelope {
	t.Helper()
	select {
	case env, ok := <-c.Envelopes():
		require.True(t, ok, "connection closed")
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}
	return protocol.Envelope{}
}

func TestRoundTrip(t *testing.T) {
	r, url := startServer(t, nil, nil)
	c, err := Dial(context.Background(), url, http.Header{"User-Agent": []string{"sim/1.0"}})
	require.NoError(t, err)
	defer c.Close()

	welcome := next(t, c)
	require.Equal(t, protocol.TypeConnection, welcome.Type)
	var data protocol.ConnectionData
	require.NoError(t, welcome.Decode(&data))
	require.NotEmpty(t, data.ClientID)

	info, ok := r.Connection(data.ClientID)
	require.True(t, ok)
	assert.Equal(t, "sim/1.0", info.UserAgent)

	require.NoError(t, c.SendMessage(protocol.TypePing, nil))
	assert.Equal(t, protocol.TypePong, next(t, c).Type)

	require.NoError(t, c.SendMessage(protocol.TypeSession, protocol.SessionData{Action: "bind", SessionID: "s1"}))
	require.Eventually(t, func() bool {
		info, _ := r.Connection(data.ClientID)
		return len(info.Sessions) == 1
	}, 2*time.Second, 10*time.Millisecond)

	env, err := protocol.NewEnvelope(protocol.TypeEmotion, protocol.EmotionData{Emotion: "happy", Confidence: 90})
	require.NoError(t, err)
	require.True(t, r.SendToSession(context.Background(), "s1", env))
	got := next(t, c)
	assert.Equal(t, protocol.TypeEmotion, got.Type)
}

func TestDisconnectOnClose(t *testing.T) {
	r, url := startServer(t, nil, nil)
	c, err := Dial(context.Background(), url, nil)
	require.NoError(t, err)
	next(t, c)
	require.Equal(t, 1, r.ActiveConnections())

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return r.ActiveConnections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestOriginRejected(t *testing.T) {
	_, url := startServer(t, func(o *Options) { o.AllowedOrigins = []string{"https://app.example"} }, nil)

	_, err := Dial(context.Background(), url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)

	c, err := Dial(context.Background(), url, http.Header{"Origin": []string{"https://app.example"}})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, protocol.TypeConnection, next(t, c).Type)
}

func TestReadLimitClosesConnection(t *testing.T) {
	r, url := startServer(t, func(o *Options) { o.ReadLimit = 64 }, nil)
	c, err := Dial(context.Background(), url, nil)
	require.NoError(t, err)
	defer c.Close()
	next(t, c)

	require.NoError(t, c.SendMessage(protocol.TypeChat, protocol.ChatData{Message: strings.Repeat("x", 256)}))
	require.Eventually(t, func() bool { return r.ActiveConnections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionLimit(t *testing.T) {
	_, url := startServer(t, nil, func(o *router.Options) { o.MaxConnections = 1 })
	first, err := Dial(context.Background(), url, nil)
	require.NoError(t, err)
	defer first.Close()
	next(t, first)

	second, err := Dial(context.Background(), url, nil)
	require.NoError(t, err)
	defer second.Close()
	select {
	case _, ok := <-second.Envelopes():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("second connection was not closed")
	}
	var closeErr *websocket.CloseError
	require.ErrorAs(t, second.Err(), &closeErr)
	assert.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)
}
