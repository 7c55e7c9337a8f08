package tts

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/lipsync"
)

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth returns a synthesizer that hums a tone shaped by an estimated
// viseme timeline for the text.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	if channels <= 0 {
		channels = 1
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Result{}, errors.New("empty text")
	}
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}

	visemes := lipsync.EstimateTimeline(req.Text, 1)
	duration := lipsync.Duration(visemes) + 100*time.Millisecond
	frames := int(duration.Seconds() * float64(m.sampleRate))
	pcm := make([]byte, frames*m.channels*2)

	seg := 0
	for i := 0; i < frames; i++ {
		t := float64(i) / float64(m.sampleRate)
		for seg < len(visemes) && visemes[seg].End <= t {
			seg++
		}
		var level float64
		if seg < len(visemes) && visemes[seg].Start <= t {
			level = 0.25 * visemes[seg].Weight
		}
		sample := int16(level * math.MaxInt16 * math.Sin(2*math.Pi*180*t))
		for c := 0; c < m.channels; c++ {
			binary.LittleEndian.PutUint16(pcm[(i*m.channels+c)*2:], uint16(sample))
		}
	}

	return Result{
		Audio:      pcm,
		SampleRate: m.sampleRate,
		Channels:   m.channels,
		Visemes:    visemes,
	}, nil
}
