package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

type httpRecognizer struct {
	endpoint string
	timeout  time.Duration
	client   *http.Client
}

// NewHTTPRecognizer posts the recording to endpoint, as served by Handler.
func NewHTTPRecognizer(endpoint string, timeout time.Duration) Recognizer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &httpRecognizer{endpoint: endpoint, timeout: timeout, client: &http.Client{}}
}

func (h *httpRecognizer) Transcribe(ctx context.Context, blob []byte) (Transcript, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(blob))
	if err != nil {
		return Transcript{}, fail("http", err)
	}
	req.Header.Set("Content-Type", "audio/wav")
	resp, err := h.client.Do(req)
	if err != nil {
		return Transcript{}, fail("http", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Transcript{}, fail("http", fmt.Errorf("unexpected status %s", resp.Status))
	}
	var out Transcript
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Transcript{}, fail("http", fmt.Errorf("decode response: %w", err))
	}
	out.Latency = time.Since(start)
	return out, nil
}

// Handler serves rec over HTTP: the request body is the recording, the
// response is {text, language}.
func Handler(rec Recognizer, maxBytes int64, timeout time.Duration, log *slog.Logger) http.Handler {
	log = log.With(slog.String("component", "stt-http"))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		blob, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
		if err != nil || len(blob) == 0 {
			http.Error(w, "audio body required", http.StatusBadRequest)
			return
		}
		if int64(len(blob)) > maxBytes {
			http.Error(w, "audio too large", http.StatusRequestEntityTooLarge)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		out, err := rec.Transcribe(ctx, blob)
		if err != nil {
			log.Warn("transcription failed", slogError(err))
			http.Error(w, "could not transcribe", http.StatusBadGateway)
			return
		}
		log.Debug("transcribed", slog.Int("bytes", len(blob)), slog.Duration("latency", out.Latency))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
