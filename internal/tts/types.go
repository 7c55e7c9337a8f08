package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

// Request contains parameters to synthesize speech.
type Request struct {
	Text    string `json:"text"`
	VoiceID string `json:"voiceId"`
}

// Result is a playable utterance, with a viseme timeline when the backend
// provides one. Audio is PCM16LE unless it carries a WAV header.
type Result struct {
	Audio      []byte
	URL        string
	SampleRate int
	Channels   int
	Visemes    []protocol.VisemeSegment
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Result, error)
}

// response is the JSON shape shared by exec and http backends.
type response struct {
	AudioBase64 string                   `json:"audio_base64,omitempty"`
	AudioURL    string                   `json:"audio_url,omitempty"`
	SampleRate  int                      `json:"sample_rate,omitempty"`
	Channels    int                      `json:"channels,omitempty"`
	Visemes     []protocol.VisemeSegment `json:"visemes,omitempty"`
	Final       bool                     `json:"final,omitempty"`
}

func (r response) result(defaultRate, defaultChannels int) (Result, error) {
	out := Result{
		URL:        r.AudioURL,
		SampleRate: r.SampleRate,
		Channels:   r.Channels,
		Visemes:    r.Visemes,
	}
	if out.SampleRate == 0 {
		out.SampleRate = defaultRate
	}
	if out.Channels == 0 {
		out.Channels = defaultChannels
	}
	if r.AudioBase64 != "" {
		audio, err := base64.StdEncoding.DecodeString(r.AudioBase64)
		if err != nil {
			return Result{}, fmt.Errorf("decode audio: %w", err)
		}
		out.Audio = audio
	}
	if len(out.Audio) == 0 && out.URL == "" {
		return Result{}, fmt.Errorf("synthesizer returned no audio")
	}
	return out, nil
}

// New builds the backend selected by cfg.Mode.
func New(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "http":
		return NewHTTPSynth(cfg.Endpoint, HTTPOptions{
			Timeout:    time.Duration(cfg.TimeoutMS) * time.Millisecond,
			Attempts:   cfg.MaxRetries + 1,
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
		}), nil
	}
	return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
}
