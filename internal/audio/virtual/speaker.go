package virtual

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/audio"
)

type SpeakerOptions struct {
	DefaultFormat audio.Format
	Client        *http.Client
	Logger        *slog.Logger
	Now           func() time.Time
}

// Speaker plays handles against the wall clock without an output device.
type Speaker struct {
	opts SpeakerOptions
	log  *slog.Logger
}

func NewSpeaker(opts SpeakerOptions) *Speaker {
	if opts.DefaultFormat.SampleRate <= 0 {
		opts.DefaultFormat.SampleRate = 22050
	}
	if opts.DefaultFormat.Channels <= 0 {
		opts.DefaultFormat.Channels = 1
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Speaker{opts: opts, log: opts.Logger.With(slog.String("component", "virtual-speaker"))}
}

func (s *Speaker) Play(ctx context.Context, h audio.Handle) (audio.Playback, error) {
	data := h.Data
	if len(data) == 0 && h.URL != "" {
		fetched, err := s.fetch(ctx, h.URL)
		if err != nil {
			return nil, err
		}
		data = fetched
	}
	if len(data) == 0 {
		return nil, errors.New("nothing to play")
	}

	format := h.Format
	pcm := data
	if audio.IsWAV(data) {
		decoded, f, err := audio.DecodeWAV(data)
		if err != nil {
			return nil, err
		}
		pcm, format = decoded, f
	}
	if format.SampleRate <= 0 {
		format.SampleRate = s.opts.DefaultFormat.SampleRate
	}
	if format.Channels <= 0 {
		format.Channels = s.opts.DefaultFormat.Channels
	}

	frames := len(pcm) / (format.Channels * 2)
	pb := &playback{
		pcm:      pcm,
		format:   format,
		now:      s.opts.Now,
		start:    s.opts.Now(),
		duration: time.Duration(frames) * time.Second / time.Duration(format.SampleRate),
		done:     make(chan struct{}),
	}
	pb.timer = time.AfterFunc(pb.duration, pb.finish)
	s.log.Debug("playback started", slog.Duration("duration", pb.duration), slog.Int("sample_rate", format.SampleRate))
	return pb, nil
}

func (s *Speaker) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.opts.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch audio: unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

type playback struct {
	pcm      []byte
	format   audio.Format
	now      func() time.Time
	start    time.Time
	duration time.Duration
	timer    *time.Timer

	mu      sync.Mutex
	ended   bool
	endedAt time.Duration
	done    chan struct{}
}

func (p *playback) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLocked(p.duration)
}

func (p *playback) endLocked(at time.Duration) {
	if p.ended {
		return
	}
	p.ended = true
	p.endedAt = at
	close(p.done)
}

func (p *playback) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return p.endedAt
	}
	return p.positionLocked()
}

func (p *playback) positionLocked() time.Duration {
	pos := p.now().Sub(p.start)
	if pos < 0 {
		return 0
	}
	if pos > p.duration {
		return p.duration
	}
	return pos
}

// TimeDomainData writes the mono waveform starting at the current position
// as bytes centred on 128.
func (p *playback) TimeDomainData(dst []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos := p.endedAt
	if !p.ended {
		pos = p.positionLocked()
	}
	fb := p.format.Channels * 2
	first := int(pos.Nanoseconds() * int64(p.format.SampleRate) / int64(time.Second))
	for i := range dst {
		base := (first + i) * fb
		if p.ended || base+fb > len(p.pcm) {
			dst[i] = 128
			continue
		}
		var sum int
		for c := 0; c < p.format.Channels; c++ {
			sum += int(int16(uint16(p.pcm[base+c*2]) | uint16(p.pcm[base+c*2+1])<<8))
		}
		v := 128 + sum/p.format.Channels/256
		dst[i] = byte(max(0, min(255, v)))
	}
	return len(dst), nil
}

func (p *playback) Done() <-chan struct{} { return p.done }

func (p *playback) Stop() {
	p.timer.Stop()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLocked(p.positionLocked())
}
