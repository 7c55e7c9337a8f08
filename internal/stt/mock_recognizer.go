package stt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/audio"
)

type mockRecognizer struct{}

// NewMockRecognizer describes the audio it receives instead of transcribing
// it. WAV blobs are reported by duration, anything else by size.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, blob []byte) (Transcript, error) {
	start := time.Now()
	if len(blob) == 0 {
		return Transcript{}, fail("mock", errors.New("empty audio"))
	}
	if err := ctx.Err(); err != nil {
		return Transcript{}, fail("mock", err)
	}

	text := fmt.Sprintf("[transcript length=%d]", len(blob))
	if audio.IsWAV(blob) {
		pcm, format, err := audio.DecodeWAV(blob)
		if err != nil {
			return Transcript{}, fail("mock", err)
		}
		frames := len(pcm) / (2 * max(format.Channels, 1))
		seconds := float64(frames) / float64(max(format.SampleRate, 1))
		text = fmt.Sprintf("[transcript %.2fs]", seconds)
	}
	return Transcript{
		Text:     text,
		Language: "en",
		Latency:  time.Since(start),
	}, nil
}
