// Package virtual provides headless audio devices backed by PCM buffers.
package virtual

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/audio"
)

const (
	DefaultFFTSize = 256
	minDecibels    = -100.0
	maxDecibels    = -30.0
)

type MicOptions struct {
	Format  audio.Format
	FFTSize int
	// Denied makes Open fail as if permission was refused.
	Denied bool
	Now    func() time.Time
}

// Microphone replays PCM16LE in real time. Once the source is exhausted it
// keeps producing silence until the stream is closed.
type Microphone struct {
	pcm  []byte
	opts MicOptions
}

func NewMicrophone(pcm []byte, opts MicOptions) *Microphone {
	if opts.Format.SampleRate <= 0 {
		opts.Format.SampleRate = 16000
	}
	if opts.Format.Channels <= 0 {
		opts.Format.Channels = 1
	}
	if opts.FFTSize <= 0 {
		opts.FFTSize = DefaultFFTSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Microphone{pcm: pcm, opts: opts}
}

// NewMicrophoneFromWAV decodes blob and replays it at its own format.
func NewMicrophoneFromWAV(blob []byte, opts MicOptions) (*Microphone, error) {
	pcm, format, err := audio.DecodeWAV(blob)
	if err != nil {
		return nil, err
	}
	opts.Format = format
	return NewMicrophone(pcm, opts), nil
}

func (m *Microphone) Open(ctx context.Context) (audio.InputStream, error) {
	if m.opts.Denied {
		return nil, audio.ErrMicrophoneDenied
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &stream{
		pcm:     m.pcm,
		format:  m.opts.Format,
		fftSize: m.opts.FFTSize,
		now:     m.opts.Now,
		start:   m.opts.Now(),
		done:    make(chan struct{}),
		window:  blackman(m.opts.FFTSize),
		samples: make([]float64, m.opts.FFTSize),
	}
	return s, nil
}

type stream struct {
	pcm     []byte
	format  audio.Format
	fftSize int
	now     func() time.Time
	start   time.Time

	mu         sync.Mutex
	closed     bool
	readFrames int
	done       chan struct{}
	window     []float64
	samples    []float64
}

func (s *stream) Format() audio.Format { return s.format }

func (s *stream) frameBytes() int { return s.format.Channels * 2 }

func (s *stream) framesAt(t time.Time) int {
	elapsed := t.Sub(s.start)
	if elapsed < 0 {
		return 0
	}
	return int(elapsed.Nanoseconds() * int64(s.format.SampleRate) / int64(time.Second))
}

func (s *stream) Read(p []byte) (int, error) {
	fb := s.frameBytes()
	if len(p) < fb {
		return 0, io.ErrShortBuffer
	}
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, io.EOF
		}
		avail := s.framesAt(s.now()) - s.readFrames
		if avail > 0 {
			n := min(avail, len(p)/fb)
			offset := s.readFrames * fb
			for i := 0; i < n*fb; i++ {
				if offset+i < len(s.pcm) {
					p[i] = s.pcm[offset+i]
				} else {
					p[i] = 0
				}
			}
			s.readFrames += n
			s.mu.Unlock()
			return n * fb, nil
		}
		s.mu.Unlock()

		select {
		case <-s.done:
			return 0, io.EOF
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// FrequencyData analyses the most recent FFT window ending at the current
// position, mapping magnitudes over [-100 dB, -30 dB] onto 0..255.
func (s *stream) FrequencyData(dst []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("input stream closed")
	}
	end := s.framesAt(s.now())
	for i := range s.samples {
		s.samples[i] = s.monoAt(end-s.fftSize+i) * s.window[i]
	}
	n := min(len(dst), s.fftSize/2)
	for k := 0; k < n; k++ {
		var re, im float64
		for i, v := range s.samples {
			angle := 2 * math.Pi * float64(k*i) / float64(s.fftSize)
			re += v * math.Cos(angle)
			im -= v * math.Sin(angle)
		}
		mag := math.Hypot(re, im) / float64(s.fftSize)
		db := 20 * math.Log10(mag)
		scaled := 255 * (db - minDecibels) / (maxDecibels - minDecibels)
		dst[k] = byte(math.Max(0, math.Min(255, scaled)))
	}
	return n, nil
}

func (s *stream) monoAt(frame int) float64 {
	if frame < 0 {
		return 0
	}
	fb := s.frameBytes()
	base := frame * fb
	if base+fb > len(s.pcm) {
		return 0
	}
	var sum float64
	for c := 0; c < s.format.Channels; c++ {
		v := int16(uint16(s.pcm[base+c*2]) | uint16(s.pcm[base+c*2+1])<<8)
		sum += float64(v) / 32768
	}
	return sum / float64(s.format.Channels)
}

func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}

func blackman(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		x := 2 * math.Pi * float64(i) / float64(n)
		w[i] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
	}
	return w
}
