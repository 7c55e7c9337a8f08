// Package vad detects sustained silence on a live microphone stream.
package vad

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/frame"
)

var ErrAlreadyRunning = errors.New("voice activity detection already running")

// Smoothing is the weight of the newest sample in the energy moving average.
const Smoothing = 0.1

// Analyser exposes the current frequency-domain magnitudes of a stream,
// each in 0..255. It returns the number of bins written.
type Analyser interface {
	FrequencyData(dst []byte) (int, error)
}

type Config struct {
	SilenceDuration   time.Duration
	ThresholdDB       float64
	Bins              int
	OnSilenceDetected func()
	OnVoiceActivity   func(level float64)
}

func DefaultConfig() Config {
	return Config{
		SilenceDuration: 2000 * time.Millisecond,
		ThresholdDB:     -50,
		Bins:            128,
	}
}

// Detector samples an Analyser once per frame.
type Detector struct {
	cfg   Config
	sched frame.Scheduler
	log   *slog.Logger

	mu           sync.Mutex
	running      bool
	gen          uint64
	analyser     Analyser
	frameID      frame.ID
	level        float64
	silenceStart time.Time
	buf          []byte
	stopCtx      func() bool
}

func New(sched frame.Scheduler, cfg Config, log *slog.Logger) *Detector {
	def := DefaultConfig()
	if cfg.SilenceDuration <= 0 {
		cfg.SilenceDuration = def.SilenceDuration
	}
	if cfg.ThresholdDB == 0 {
		cfg.ThresholdDB = def.ThresholdDB
	}
	if cfg.Bins <= 0 {
		cfg.Bins = def.Bins
	}
	if log == nil {
		log = slog.Default()
	}
	return &Detector{
		cfg:   cfg,
		sched: sched,
		log:   log.With(slog.String("component", "vad")),
		buf:   make([]byte, cfg.Bins),
	}
}

// Start begins sampling. Cancelling ctx stops detection.
func (d *Detector) Start(ctx context.Context, analyser Analyser) error {
	if analyser == nil {
		return errors.New("vad: nil analyser")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrAlreadyRunning
	}
	d.running = true
	d.gen++
	d.analyser = analyser
	d.level = 0
	d.silenceStart = time.Time{}
	d.frameID = d.sched.Request(d.sample(d.gen))
	gen := d.gen
	d.stopCtx = context.AfterFunc(ctx, func() { d.stopGen(gen) })
	return nil
}

func (d *Detector) stopGen(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gen == gen {
		d.stopLocked()
	}
}

// Stop halts sampling. It is safe to call repeatedly.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

func (d *Detector) stopLocked() {
	if !d.running {
		return
	}
	d.running = false
	d.sched.Cancel(d.frameID)
	d.analyser = nil
	d.silenceStart = time.Time{}
	if d.stopCtx != nil {
		d.stopCtx()
		d.stopCtx = nil
	}
}

func (d *Detector) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// LevelDB returns the smoothed energy in decibels relative to full scale.
func (d *Detector) LevelDB() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Decibels(d.level)
}

func (d *Detector) sample(gen uint64) frame.Callback {
	return func(now time.Time) {
		d.mu.Lock()
		if !d.running || d.gen != gen {
			d.mu.Unlock()
			return
		}
		n, err := d.analyser.FrequencyData(d.buf)
		if err != nil {
			d.stopLocked()
			d.mu.Unlock()
			d.log.Debug("audio stream unavailable, detection stopped", slog.String("error", err.Error()))
			return
		}

		d.level = Smoothing*RMS(d.buf[:n]) + (1-Smoothing)*d.level
		level := math.Min(d.level/255*100, 100)

		silent := false
		if Decibels(d.level) < d.cfg.ThresholdDB {
			if d.silenceStart.IsZero() {
				d.silenceStart = now
			} else if now.Sub(d.silenceStart) >= d.cfg.SilenceDuration {
				silent = true
			}
		} else {
			d.silenceStart = time.Time{}
		}

		if silent {
			d.stopLocked()
		} else {
			d.frameID = d.sched.Request(d.sample(gen))
		}
		onVoice, onSilence := d.cfg.OnVoiceActivity, d.cfg.OnSilenceDetected
		d.mu.Unlock()

		if onVoice != nil {
			onVoice(level)
		}
		if silent {
			d.log.Debug("silence detected", slog.Duration("window", d.cfg.SilenceDuration))
			if onSilence != nil {
				onSilence()
			}
		}
	}
}

// RMS is the root mean square of byte magnitudes.
func RMS(bins []byte) float64 {
	if len(bins) == 0 {
		return 0
	}
	var sum float64
	for _, v := range bins {
		f := float64(v)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(bins)))
}

// Decibels converts a 0..255 magnitude to dBFS. Zero maps to -Inf.
func Decibels(level float64) float64 {
	if level <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(level/255)
}
