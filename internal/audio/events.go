package audio

import (
	"time"

	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

// Event is published to arbiter subscribers.
type Event interface{ audioEvent() }

// PlayStart marks the beginning of one playback instance. Clock reads that
// instance's playback position and is what renderers align to.
type PlayStart struct {
	Instance  uint64
	StartTime time.Time
	Source    Source
	URL       string
	Visemes   []protocol.VisemeSegment
	Clock     func() time.Duration
}

// PlayEnd marks the end of a playback instance. Interrupted is set when it
// was stopped or preempted rather than finishing.
type PlayEnd struct {
	Instance    uint64
	Source      Source
	Interrupted bool
}

type RecordingStarted struct{}

// RecordingFinished carries the WAV blob, nil when nothing was captured.
type RecordingFinished struct {
	Audio []byte
}

// VoiceLevel is the live input level (0..100) while recording.
type VoiceLevel struct {
	Level float64
}

func (PlayStart) audioEvent()         {}
func (PlayEnd) audioEvent()           {}
func (RecordingStarted) audioEvent()  {}
func (RecordingFinished) audioEvent() {}
func (VoiceLevel) audioEvent()        {}
