package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

type HTTPOptions struct {
	Timeout    time.Duration
	Attempts   int
	SampleRate int
	Channels   int
	Client     *http.Client
}

type httpSynth struct {
	endpoint string
	opts     HTTPOptions
	client   *http.Client
}

// NewHTTPSynth posts {text, voiceId} to endpoint and expects the JSON
// response shape served by Handler.
func NewHTTPSynth(endpoint string, opts HTTPOptions) Synthesizer {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &httpSynth{endpoint: endpoint, opts: opts, client: client}
}

func (h *httpSynth) Synthesize(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}
	var lastErr error
	for attempt := 0; attempt < h.opts.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(time.Duration(200*(1<<(attempt-1))) * time.Millisecond):
			}
		}
		res, retry, err := h.post(ctx, body)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return Result{}, lastErr
}

func (h *httpSynth) post(ctx context.Context, body []byte) (Result, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Result{}, true, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Result{}, true, fmt.Errorf("tts server error: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Result{}, false, fmt.Errorf("tts request rejected: %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	var payload response
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Result{}, false, fmt.Errorf("decode tts response: %w", err)
	}
	res, err := payload.result(h.opts.SampleRate, h.opts.Channels)
	return res, false, err
}

// Handler serves synth over HTTP: POST {text, voiceId} returns base64 audio
// plus visemes.
func Handler(synth Synthesizer, defaultVoice string, timeout time.Duration, log *slog.Logger) http.Handler {
	log = log.With(slog.String("component", "tts-http"))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil || req.Text == "" {
			http.Error(w, "text is required", http.StatusBadRequest)
			return
		}
		if req.VoiceID == "" {
			req.VoiceID = defaultVoice
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		res, err := synth.Synthesize(ctx, req)
		if err != nil {
			log.Warn("synthesis failed", slogError(err))
			http.Error(w, "synthesis failed", http.StatusBadGateway)
			return
		}
		out := response{
			AudioURL:   res.URL,
			SampleRate: res.SampleRate,
			Channels:   res.Channels,
			Visemes:    res.Visemes,
		}
		if len(res.Audio) > 0 {
			out.AudioBase64 = base64.StdEncoding.EncodeToString(res.Audio)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
}
