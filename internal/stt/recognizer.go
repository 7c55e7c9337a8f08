package stt

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

// Transcript captures recognizer output.
type Transcript struct {
	Text     string        `json:"text"`
	Language string        `json:"language,omitempty"`
	Latency  time.Duration `json:"-"`
}

// Recognizer abstracts STT backends. audio is a complete recording, usually
// a WAV blob.
type Recognizer interface {
	Transcribe(ctx context.Context, audio []byte) (Transcript, error)
}

// Error reports a failed transcription. Callers show a generic message and
// do not retry.
type Error struct {
	Backend string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("stt %s: %v", e.Backend, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func fail(backend string, err error) error {
	return &Error{Backend: backend, Err: err}
}

// New builds the backend selected by cfg.Mode.
func New(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "http":
		return NewHTTPRecognizer(cfg.Endpoint, time.Duration(cfg.TimeoutMS)*time.Millisecond), nil
	}
	return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
}
