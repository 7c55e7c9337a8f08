// Package lipsync drives mouth blend channels from a viseme timeline keyed
// to an audio playback clock, with an amplitude-driven fallback.
package lipsync

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/face"
	"github.com/loqalabs/loqa-avatar/internal/frame"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

const (
	DefaultBlendWindow     = 100 * time.Millisecond
	DefaultFallbackChannel = "jawOpen"

	// fallbackRetain is the share of the previous mouth value kept each frame.
	fallbackRetain = 0.7
)

// Clock reports elapsed playback time of the audio being lip-synced.
type Clock func() time.Duration

type Mode int

const (
	ModeIdle Mode = iota
	ModeTimeline
	ModeFallback
)

func (m Mode) String() string {
	switch m {
	case ModeTimeline:
		return "timeline"
	case ModeFallback:
		return "fallback"
	default:
		return "idle"
	}
}

type Options struct {
	FallbackChannel string
	BlendWindow     time.Duration
	// Amplitude feeds fallback mode with a 0..1 level, usually the arbiter's.
	Amplitude  func() float64
	OnComplete func()
	Logger     *slog.Logger
}

type Player struct {
	sched frame.Scheduler
	sink  face.Sink
	opts  Options
	log   *slog.Logger

	mu       sync.Mutex
	mode     Mode
	gen      uint64
	frameID  frame.ID
	timeline []protocol.VisemeSegment
	end      float64
	clock    Clock
	touched  map[string]struct{}
	mouth    float64
}

func NewPlayer(sched frame.Scheduler, sink face.Sink, opts Options) *Player {
	if opts.FallbackChannel == "" {
		opts.FallbackChannel = DefaultFallbackChannel
	}
	if opts.BlendWindow <= 0 {
		opts.BlendWindow = DefaultBlendWindow
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Player{
		sched:   sched,
		sink:    sink,
		opts:    opts,
		log:     log.With(slog.String("component", "lipsync")),
		touched: make(map[string]struct{}),
	}
}

// Start plays timeline against clock. An empty timeline starts fallback mode.
// A nil clock measures wall time from this call.
func (p *Player) Start(timeline []protocol.VisemeSegment, clock Clock) {
	if len(timeline) == 0 {
		p.StartFallback()
		return
	}
	if clock == nil {
		began := time.Now()
		clock = func() time.Duration { return time.Since(began) }
	}
	segs := append([]protocol.VisemeSegment(nil), timeline...)
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].Start < segs[j].Start })

	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelLocked()
	p.mode = ModeTimeline
	p.timeline = segs
	p.clock = clock
	p.end = 0
	for _, s := range segs {
		if s.End > p.end {
			p.end = s.End
		}
		p.touched[s.Viseme] = struct{}{}
	}
	p.mouth = 0
	p.gen++
	p.frameID = p.sched.Request(p.timelineFrame(p.gen))
}

// StartFallback drives the fallback channel from the amplitude source. It is
// ignored while a timeline is playing.
func (p *Player) StartFallback() {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.mode {
	case ModeTimeline:
		p.log.Debug("timeline active, fallback ignored")
		return
	case ModeFallback:
		return
	}
	p.mode = ModeFallback
	p.mouth = 0
	p.touched[p.opts.FallbackChannel] = struct{}{}
	p.gen++
	p.frameID = p.sched.Request(p.fallbackFrame(p.gen))
}

// Stop halts the frame loop and zeroes every channel this player has written.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelLocked()
	p.zeroLocked()
}

func (p *Player) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

func (p *Player) cancelLocked() {
	if p.mode != ModeIdle {
		p.sched.Cancel(p.frameID)
	}
	p.mode = ModeIdle
	p.timeline = nil
	p.clock = nil
	p.gen++
}

func (p *Player) zeroLocked() {
	for ch := range p.touched {
		p.sink.SetInfluence(ch, 0)
	}
	p.mouth = 0
}

func (p *Player) timelineFrame(gen uint64) frame.Callback {
	return func(time.Time) {
		p.mu.Lock()
		if p.gen != gen || p.mode != ModeTimeline {
			p.mu.Unlock()
			return
		}
		t := p.clock().Seconds()
		if t > p.end {
			p.cancelLocked()
			p.zeroLocked()
			onComplete := p.opts.OnComplete
			p.mu.Unlock()
			if onComplete != nil {
				onComplete()
			}
			return
		}
		weights := Sample(p.timeline, t, p.opts.BlendWindow)
		for ch := range weights {
			p.touched[ch] = struct{}{}
		}
		for ch := range p.touched {
			p.sink.SetInfluence(ch, weights[ch])
		}
		p.frameID = p.sched.Request(p.timelineFrame(gen))
		p.mu.Unlock()
	}
}

func (p *Player) fallbackFrame(gen uint64) frame.Callback {
	return func(time.Time) {
		p.mu.Lock()
		if p.gen != gen || p.mode != ModeFallback {
			p.mu.Unlock()
			return
		}
		var target float64
		if p.opts.Amplitude != nil {
			target = p.opts.Amplitude()
		}
		p.mouth = p.mouth*fallbackRetain + target*(1-fallbackRetain)
		p.sink.SetInfluence(p.opts.FallbackChannel, p.mouth)
		p.frameID = p.sched.Request(p.fallbackFrame(gen))
		p.mu.Unlock()
	}
}

// Sample computes channel weights at t seconds. The first segment whose
// [start, end) holds t is current; when the following segment has already
// started, the two are cross-blended linearly over window. Outside every
// segment the result is empty.
func Sample(timeline []protocol.VisemeSegment, t float64, window time.Duration) map[string]float64 {
	out := make(map[string]float64, 2)
	cur := -1
	for i, s := range timeline {
		if t >= s.Start && t < s.End {
			cur = i
			break
		}
	}
	if cur < 0 {
		return out
	}
	seg := timeline[cur]
	if cur+1 < len(timeline) {
		next := timeline[cur+1]
		if t >= next.Start && next.Start < seg.End {
			progress := 1.0
			if w := window.Seconds(); w > 0 {
				progress = min((t-next.Start)/w, 1)
			}
			out[seg.Viseme] += seg.Weight * (1 - progress)
			out[next.Viseme] += next.Weight * progress
			return out
		}
	}
	out[seg.Viseme] = seg.Weight
	return out
}

// Duration is the end of the last segment.
func Duration(timeline []protocol.VisemeSegment) time.Duration {
	var end float64
	for _, s := range timeline {
		if s.End > end {
			end = s.End
		}
	}
	return time.Duration(end * float64(time.Second))
}
