package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/transport/ws"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Bus.Host = "127.0.0.1"
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()
	cfg.Node.HeartbeatInterval = 100
	cfg.Node.HeartbeatTimeout = 500
	cfg.SessionStore.RetentionMode = "ephemeral"
	return cfg
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func deleteSession(t *testing.T, base, id string) map[string]bool {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, base+"/api/session/"+id, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]bool
	decodeBody(t, resp, &out)
	return out
}

func TestRuntimeEndToEnd(t *testing.T) {
	rt := New(testConfig(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- rt.Start(ctx) }()
	defer func() {
		cancel()
		select {
		case err := <-errc:
			require.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Fatal("runtime did not stop")
		}
	}()

	require.Eventually(t, rt.Ready, 10*time.Second, 20*time.Millisecond)
	base := "http://" + rt.Addr()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, map[string]bool{"success": true, "existed": false}, deleteSession(t, base, "missing"))

	client, err := ws.Dial(ctx, "ws://"+rt.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer client.Close()
	select {
	case env := <-client.Envelopes():
		require.Equal(t, protocol.TypeConnection, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no welcome")
	}
	require.NoError(t, client.SendMessage(protocol.TypeChat, protocol.ChatData{Message: "hello", SessionID: "s1"}))

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/session/s1/history")
		if err != nil {
			return false
		}
		var out struct {
			Turns []turnView `json:"turns"`
		}
		decodeBody(t, resp, &out)
		return len(out.Turns) == 1 && out.Turns[0].Content == "hello"
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, map[string]bool{"success": true, "existed": true}, deleteSession(t, base, "s1"))

	resp, err = http.Post(base+"/api/tts", "application/json", strings.NewReader(`{"text":"hello there"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var speech struct {
		Audio   string                   `json:"audio_base64"`
		Visemes []protocol.VisemeSegment `json:"visemes"`
	}
	decodeBody(t, resp, &speech)
	assert.NotEmpty(t, speech.Audio)
	assert.NotEmpty(t, speech.Visemes)

	resp, err = http.Get(base + "/api/router/stats")
	require.NoError(t, err)
	var stats struct {
		ActiveConnections int `json:"activeConnections"`
	}
	decodeBody(t, resp, &stats)
	assert.Equal(t, 1, stats.ActiveConnections)
}

func TestRuntimeAnswersChatWithReply(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Enabled = true
	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- rt.Start(ctx) }()
	defer func() {
		cancel()
		select {
		case err := <-errc:
			require.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Fatal("runtime did not stop")
		}
	}()
	require.Eventually(t, rt.Ready, 10*time.Second, 20*time.Millisecond)
	base := "http://" + rt.Addr()

	client, err := ws.Dial(ctx, "ws://"+rt.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.SendMessage(protocol.TypeChat, protocol.ChatData{Message: "hello", SessionID: "s1"}))

	deadline := time.After(5 * time.Second)
	for reply := ""; reply == ""; {
		select {
		case env := <-client.Envelopes():
			if env.Type != protocol.TypeChat {
				continue
			}
			var data protocol.ChatData
			require.NoError(t, env.Decode(&data))
			reply = data.Message
			assert.Equal(t, "You said: hello", reply)
		case <-deadline:
			t.Fatal("no reply")
		}
	}

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/session/s1/history")
		if err != nil {
			return false
		}
		var out struct {
			Turns []turnView `json:"turns"`
		}
		decodeBody(t, resp, &out)
		return len(out.Turns) == 2 && out.Turns[1].Role == "assistant"
	}, 2*time.Second, 20*time.Millisecond)
}
