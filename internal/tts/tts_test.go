package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/lipsync"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMockSynthShapesAudioToTimeline(t *testing.T) {
	synth := NewMockSynth(16000, 1)
	res, err := synth.Synthesize(context.Background(), Request{Text: "hello there"})
	require.NoError(t, err)

	require.NotEmpty(t, res.Visemes)
	assert.Equal(t, 16000, res.SampleRate)
	assert.Equal(t, 1, res.Channels)

	want := lipsync.Duration(res.Visemes) + 100*time.Millisecond
	frames := int(want.Seconds() * 16000)
	assert.Equal(t, frames*2, len(res.Audio))
}

func TestMockSynthRejectsEmptyText(t *testing.T) {
	_, err := NewMockSynth(0, 0).Synthesize(context.Background(), Request{Text: "   "})
	require.Error(t, err)
}

func TestMockSynthHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMockSynth(0, 0).Synthesize(ctx, Request{Text: "hi"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestExecSynthMergesLines(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	cmd := `sh -c 'cat >/dev/null; echo "{\"audio_base64\":\"AAAA\",\"sample_rate\":8000}"; echo "{\"audio_base64\":\"AQE=\",\"final\":true}"'`
	synth, err := NewExecSynth(cmd, 22050, 1)
	require.NoError(t, err)

	res, err := synth.Synthesize(context.Background(), Request{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 1, 1}, res.Audio)
	assert.Equal(t, 22050, res.SampleRate, "last line without a rate falls back to the default")
}

func TestExecSynthCommandFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	synth, err := NewExecSynth(`sh -c 'echo boom >&2; exit 3'`, 22050, 1)
	require.NoError(t, err)
	_, err = synth.Synthesize(context.Background(), Request{Text: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestExecSynthEmptyCommand(t *testing.T) {
	_, err := NewExecSynth("", 22050, 1)
	require.Error(t, err)
}

func TestHTTPSynthRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req.Text)
		assert.Equal(t, "amy", req.VoiceID)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"audio_base64": base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4}),
			"sample_rate":  24000,
		})
	}))
	defer srv.Close()

	synth := NewHTTPSynth(srv.URL, HTTPOptions{Timeout: time.Second, Attempts: 3, SampleRate: 22050, Channels: 1})
	res, err := synth.Synthesize(context.Background(), Request{Text: "hello", VoiceID: "amy"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []byte{1, 2, 3, 4}, res.Audio)
	assert.Equal(t, 24000, res.SampleRate)
	assert.Equal(t, 1, res.Channels)
}

func TestHTTPSynthDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad voice", http.StatusBadRequest)
	}))
	defer srv.Close()

	synth := NewHTTPSynth(srv.URL, HTTPOptions{Timeout: time.Second, Attempts: 3})
	_, err := synth.Synthesize(context.Background(), Request{Text: "hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad voice")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHandlerServesSynthesizer(t *testing.T) {
	srv := httptest.NewServer(Handler(NewMockSynth(8000, 1), "default", time.Second, discardLogger()))
	defer srv.Close()

	synth := NewHTTPSynth(srv.URL, HTTPOptions{Timeout: 2 * time.Second})
	res, err := synth.Synthesize(context.Background(), Request{Text: "ok"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Audio)
	assert.NotEmpty(t, res.Visemes)
	assert.Equal(t, 8000, res.SampleRate)

	resp, err := http.Post(srv.URL, "application/json", strings.NewReader(`{"text":""}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNewSelectsBackend(t *testing.T) {
	synth, err := New(config.TTSConfig{Mode: "mock", SampleRate: 8000, Channels: 1})
	require.NoError(t, err)
	assert.IsType(t, &mockSynth{}, synth)

	synth, err = New(config.TTSConfig{Mode: "http", Endpoint: "http://127.0.0.1:1", TimeoutMS: 100})
	require.NoError(t, err)
	assert.IsType(t, &httpSynth{}, synth)

	_, err = New(config.TTSConfig{Mode: "carrier-pigeon"})
	require.Error(t, err)
}
