package expression

import (
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/face"
	"github.com/loqalabs/loqa-avatar/internal/frame"
)

const DefaultDuration = 500 * time.Millisecond

// EaseOut is the t*(2-t) curve used for emotion blends.
func EaseOut(t float64) float64 { return t * (2 - t) }

type Options struct {
	Duration time.Duration
	Logger   *slog.Logger
}

// Transitioner animates channels from their current values to an emotion
// target. A new ApplyEmotion replaces any blend in flight.
type Transitioner struct {
	sched    frame.Scheduler
	sink     face.Sink
	duration time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	gen      uint64
	frameID  frame.ID
	active   bool
	kind     Kind
	current  map[string]float64
	emphasis float64
	from     map[string]float64
	to       map[string]float64
	fromEmph float64
	toEmph   float64
	started  time.Time
}

func NewTransitioner(sched frame.Scheduler, sink face.Sink, opts Options) *Transitioner {
	if opts.Duration <= 0 {
		opts.Duration = DefaultDuration
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Transitioner{
		sched:    sched,
		sink:     sink,
		duration: opts.Duration,
		log:      log.With(slog.String("component", "expression")),
		kind:     Neutral,
		current:  make(map[string]float64),
	}
}

func (x *Transitioner) ApplyEmotion(kind Kind, confidence float64) {
	target := ConfigFor(kind, confidence)

	x.mu.Lock()
	defer x.mu.Unlock()
	x.cancelLocked()

	x.from = make(map[string]float64, len(x.current)+len(target.Channels))
	x.to = make(map[string]float64, len(x.current)+len(target.Channels))
	for ch, v := range x.current {
		x.from[ch] = v
		x.to[ch] = 0
	}
	for ch, v := range target.Channels {
		x.from[ch] = x.current[ch]
		x.to[ch] = v
	}
	x.fromEmph = x.emphasis
	x.toEmph = target.Emphasis
	x.kind = kind
	x.started = time.Time{}
	x.active = true
	x.gen++
	x.frameID = x.sched.Request(x.step(x.gen))
	x.log.Debug("emotion transition", slog.String("kind", string(kind)), slog.Float64("confidence", confidence))
}

// Stop cancels any blend and snaps to neutral.
func (x *Transitioner) Stop() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.cancelLocked()
	for ch := range x.current {
		x.sink.SetInfluence(ch, 0)
	}
	x.current = make(map[string]float64)
	x.emphasis = 0
	x.setEmphasis(0)
	x.kind = Neutral
}

func (x *Transitioner) Kind() Kind {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.kind
}

func (x *Transitioner) Active() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.active
}

// Values copies the current channel values and emphasis.
func (x *Transitioner) Values() (map[string]float64, float64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make(map[string]float64, len(x.current))
	for k, v := range x.current {
		out[k] = v
	}
	return out, x.emphasis
}

func (x *Transitioner) cancelLocked() {
	if x.active {
		x.sched.Cancel(x.frameID)
	}
	x.active = false
	x.gen++
}

func (x *Transitioner) step(gen uint64) frame.Callback {
	return func(now time.Time) {
		x.mu.Lock()
		defer x.mu.Unlock()
		if x.gen != gen || !x.active {
			return
		}
		if x.started.IsZero() {
			x.started = now
		}
		progress := min(float64(now.Sub(x.started))/float64(x.duration), 1)
		eased := EaseOut(progress)

		for ch, to := range x.to {
			v := x.from[ch] + (to-x.from[ch])*eased
			x.current[ch] = v
			x.sink.SetInfluence(ch, v)
		}
		x.emphasis = x.fromEmph + (x.toEmph-x.fromEmph)*eased
		x.setEmphasis(x.emphasis)

		if progress < 1 {
			x.frameID = x.sched.Request(x.step(gen))
			return
		}
		x.active = false
		for ch, v := range x.current {
			if v == 0 {
				delete(x.current, ch)
			}
		}
	}
}

func (x *Transitioner) setEmphasis(v float64) {
	if e, ok := x.sink.(face.EmphasisSink); ok {
		e.SetEmphasis(v)
	}
}
