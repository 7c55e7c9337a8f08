// Package audio owns the single audio device of a client: it arbitrates
// between recording and playback, queues synthesized speech and publishes
// playback amplitude.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/vad"
)

var (
	ErrMicrophoneDenied = errors.New("microphone permission denied")
	ErrNoMicrophone     = errors.New("no microphone found")
	ErrRecordingActive  = errors.New("recording in progress")
	ErrNoSynthesizer    = errors.New("no speech synthesizer configured")
)

// Source ranks speech outputs. Higher values outrank lower ones.
type Source int

const (
	SourceNone Source = iota
	SourceAvatar
	SourceChat
)

func (s Source) String() string {
	switch s {
	case SourceAvatar:
		return "avatar"
	case SourceChat:
		return "chat"
	default:
		return "none"
	}
}

func ParseSource(s string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "avatar":
		return SourceAvatar, nil
	case "chat":
		return SourceChat, nil
	}
	return SourceNone, fmt.Errorf("unknown audio source %q", s)
}

type Format struct {
	SampleRate int
	Channels   int
}

// Handle is a playable utterance: a URL, raw bytes (PCM16LE or WAV), or both.
type Handle struct {
	URL     string
	Data    []byte
	Format  Format
	Visemes []protocol.VisemeSegment
}

// InputStream is an open microphone. Read yields PCM16LE and returns io.EOF
// once the stream is closed.
type InputStream interface {
	vad.Analyser
	io.Reader
	Format() Format
	Close() error
}

// Microphone acquires input streams. Implementations report permission and
// missing-device failures by wrapping ErrMicrophoneDenied or ErrNoMicrophone.
type Microphone interface {
	Open(ctx context.Context) (InputStream, error)
}

// Playback is one playing utterance.
type Playback interface {
	// TimeDomainData writes the current waveform window as bytes centred on 128.
	TimeDomainData(dst []byte) (int, error)
	// Position is the elapsed playback time, excluding buffering stalls.
	Position() time.Duration
	// Done closes when playback ends naturally or is stopped.
	Done() <-chan struct{}
	Stop()
}

// Speaker starts playback. Play returns once audio has begun.
type Speaker interface {
	Play(ctx context.Context, h Handle) (Playback, error)
}
