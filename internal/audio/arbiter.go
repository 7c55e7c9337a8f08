package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/frame"
	"github.com/loqalabs/loqa-avatar/internal/tts"
	"github.com/loqalabs/loqa-avatar/internal/vad"
)

var ErrClosed = errors.New("audio arbiter closed")

const (
	DefaultSynthTimeout = 20 * time.Second
	timeDomainWindow    = 256
)

type Options struct {
	Scheduler       frame.Scheduler
	Microphone      Microphone
	Speaker         Speaker
	Synthesizer     tts.Synthesizer
	VoiceID         string
	SilenceDuration time.Duration
	ThresholdDB     float64
	SynthTimeout    time.Duration
	Logger          *slog.Logger
}

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRecording
	PhasePlaying
)

func (p Phase) String() string {
	switch p {
	case PhaseRecording:
		return "recording"
	case PhasePlaying:
		return "playing"
	default:
		return "idle"
	}
}

// State is a snapshot of the arbiter.
type State struct {
	Recording    bool
	Playing      bool
	ActiveSource Source
	Amplitude    float64
}

// PlayResult reports what PlayAudio did with a request.
type PlayResult struct {
	Instance uint64
	Dropped  bool
}

type speechItem struct {
	text   string
	source Source
}

type activePlayback struct {
	instance uint64
	source   Source
	pb       Playback
	frameID  frame.ID
	buf      []byte
}

type subscriber struct {
	id int
	fn func(Event)
}

// Arbiter owns one client's audio device. At most one of recording and
// playback is active; playback obeys source priority and queued speech is
// played one utterance at a time.
type Arbiter struct {
	opts   Options
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	closed        bool
	recording     bool
	acquiring     bool
	recGen        uint64
	stream        InputStream
	detector      *vad.Detector
	captured      *bytes.Buffer
	captureDone   chan struct{}
	lastRecording []byte
	playing       *activePlayback
	starting      bool
	startSource   Source
	playGen       uint64
	instance      uint64
	amplitude     float64
	queue         []speechItem
	draining      bool

	subMu   sync.Mutex
	subs    []subscriber
	nextSub int
}

func NewArbiter(opts Options) *Arbiter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SynthTimeout <= 0 {
		opts.SynthTimeout = DefaultSynthTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Arbiter{
		opts:   opts,
		log:    opts.Logger.With(slog.String("component", "audio-arbiter")),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe registers fn for arbiter events. Events are delivered
// synchronously, in order, without any arbiter lock held.
func (a *Arbiter) Subscribe(fn func(Event)) (cancel func()) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	a.nextSub++
	id := a.nextSub
	a.subs = append(a.subs, subscriber{id: id, fn: fn})
	return func() {
		a.subMu.Lock()
		defer a.subMu.Unlock()
		for i, s := range a.subs {
			if s.id == id {
				a.subs = append(a.subs[:i], a.subs[i+1:]...)
				return
			}
		}
	}
}

func (a *Arbiter) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	a.subMu.Lock()
	subs := append([]subscriber(nil), a.subs...)
	a.subMu.Unlock()
	for _, ev := range events {
		for _, s := range subs {
			s.fn(ev)
		}
	}
}

// StartRecording opens the microphone. Any playback is stopped first and
// queued speech is discarded. Calling it while already recording is a no-op.
func (a *Arbiter) StartRecording(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.recording || a.acquiring {
		a.mu.Unlock()
		a.log.Warn("recording already in progress")
		return nil
	}
	if a.opts.Microphone == nil {
		a.mu.Unlock()
		return ErrNoMicrophone
	}
	events := a.stopPlaybackLocked()
	if n := len(a.queue); n > 0 {
		a.log.Info("barge-in discarded queued speech", slog.Int("items", n))
	}
	a.queue = nil
	a.acquiring = true
	a.recGen++
	gen := a.recGen
	a.mu.Unlock()
	a.emit(events...)

	stream, err := a.opts.Microphone.Open(ctx)

	a.mu.Lock()
	if gen == a.recGen {
		a.acquiring = false
	}
	if err != nil {
		a.mu.Unlock()
		return mapMicrophoneError(err)
	}
	if a.closed || gen != a.recGen {
		a.mu.Unlock()
		_ = stream.Close()
		return nil
	}

	det := vad.New(a.opts.Scheduler, vad.Config{
		SilenceDuration:   a.opts.SilenceDuration,
		ThresholdDB:       a.opts.ThresholdDB,
		OnSilenceDetected: func() { a.stopRecording(gen, false) },
		OnVoiceActivity:   func(level float64) { a.emit(VoiceLevel{Level: level}) },
	}, a.opts.Logger)
	if err := det.Start(a.ctx, stream); err != nil {
		a.mu.Unlock()
		_ = stream.Close()
		return fmt.Errorf("start voice detection: %w", err)
	}

	buf := &bytes.Buffer{}
	done := make(chan struct{})
	a.recording = true
	a.stream = stream
	a.detector = det
	a.captured = buf
	a.captureDone = done
	a.lastRecording = nil
	a.wg.Add(1)
	go a.capture(stream, buf, done)
	a.mu.Unlock()

	a.log.Info("recording started")
	a.emit(RecordingStarted{})
	return nil
}

func mapMicrophoneError(err error) error {
	if errors.Is(err, ErrMicrophoneDenied) || errors.Is(err, ErrNoMicrophone) {
		return err
	}
	return fmt.Errorf("open microphone: %w", err)
}

func (a *Arbiter) capture(stream InputStream, buf *bytes.Buffer, done chan struct{}) {
	defer a.wg.Done()
	defer close(done)
	if _, err := io.Copy(buf, stream); err != nil {
		a.log.Debug("capture ended", slogError(err))
	}
}

// StopRecording ends the current recording and returns it as a WAV blob, nil
// when nothing was captured or no recording was active.
func (a *Arbiter) StopRecording() []byte {
	return a.stopRecording(0, true)
}

func (a *Arbiter) stopRecording(gen uint64, anyGen bool) []byte {
	a.mu.Lock()
	if !anyGen && gen != a.recGen {
		a.mu.Unlock()
		return nil
	}
	if !a.recording {
		if a.acquiring {
			// Abandon the pending acquisition; the stream is closed when it arrives.
			a.acquiring = false
			a.recGen++
		}
		a.mu.Unlock()
		return nil
	}
	a.recording = false
	stream, det, buf, done := a.stream, a.detector, a.captured, a.captureDone
	a.stream, a.detector, a.captured, a.captureDone = nil, nil, nil, nil
	a.mu.Unlock()

	det.Stop()
	if err := stream.Close(); err != nil {
		a.log.Debug("close input stream", slogError(err))
	}
	<-done

	var blob []byte
	if pcm := buf.Bytes(); len(pcm) > 0 {
		wav, err := EncodeWAV(pcm, stream.Format())
		if err != nil {
			a.log.Warn("failed to encode recording", slogError(err))
		} else {
			blob = wav
		}
	}

	a.mu.Lock()
	a.lastRecording = blob
	a.mu.Unlock()

	a.log.Info("recording finished", slog.Int("bytes", len(blob)))
	a.emit(RecordingFinished{Audio: blob})
	a.drain()
	return blob
}

// RecordedAudio returns the blob of the most recent recording.
func (a *Arbiter) RecordedAudio() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastRecording
}

// PlayAudio starts h for source. A playing or starting source of strictly
// higher priority wins and the request is dropped; otherwise current playback
// is stopped. Playback is refused while recording. The speaker is opened
// without the arbiter lock held; if a barge-in or a newer request arrives in
// the meantime the new playback is stopped before it is published.
func (a *Arbiter) PlayAudio(ctx context.Context, h Handle, source Source) (PlayResult, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return PlayResult{}, ErrClosed
	}
	if a.recording || a.acquiring {
		a.mu.Unlock()
		return PlayResult{}, ErrRecordingActive
	}
	if cur, ok := a.activeSourceLocked(); ok && cur > source {
		a.mu.Unlock()
		a.log.Info("dropped lower priority audio",
			slog.String("source", source.String()),
			slog.String("playing", cur.String()))
		return PlayResult{Dropped: true}, nil
	}
	events := a.stopPlaybackLocked()
	a.playGen++
	gen := a.playGen
	a.starting = true
	a.startSource = source
	a.mu.Unlock()
	a.emit(events...)

	pb, err := a.opts.Speaker.Play(ctx, h)

	a.mu.Lock()
	current := gen == a.playGen
	if current {
		a.starting = false
	}
	if err != nil {
		a.mu.Unlock()
		if current {
			a.drain()
		}
		return PlayResult{}, fmt.Errorf("play audio: %w", err)
	}
	if !current || a.closed || a.recording || a.acquiring {
		closed, recording := a.closed, a.recording || a.acquiring
		a.mu.Unlock()
		pb.Stop()
		switch {
		case closed:
			return PlayResult{}, ErrClosed
		case recording:
			return PlayResult{}, ErrRecordingActive
		}
		a.log.Debug("superseded while starting", slog.String("source", source.String()))
		return PlayResult{Dropped: true}, nil
	}
	a.instance++
	p := &activePlayback{
		instance: a.instance,
		source:   source,
		pb:       pb,
		buf:      make([]byte, timeDomainWindow),
	}
	a.playing = p
	a.amplitude = 0
	p.frameID = a.opts.Scheduler.Request(a.trackAmplitude(p))
	a.wg.Add(1)
	go a.watch(p)
	a.mu.Unlock()

	a.emit(PlayStart{
		Instance:  p.instance,
		StartTime: time.Now(),
		Source:    source,
		URL:       h.URL,
		Visemes:   h.Visemes,
		Clock:     pb.Position,
	})
	return PlayResult{Instance: p.instance}, nil
}

func (a *Arbiter) activeSourceLocked() (Source, bool) {
	switch {
	case a.playing != nil:
		return a.playing.source, true
	case a.starting:
		return a.startSource, true
	}
	return 0, false
}

// stopPlaybackLocked stops the current playback, abandons a pending start and
// returns the PlayEnd to emit once the lock is released.
func (a *Arbiter) stopPlaybackLocked() []Event {
	if a.starting {
		a.starting = false
		a.playGen++
	}
	p := a.playing
	if p == nil {
		return nil
	}
	a.playing = nil
	a.amplitude = 0
	a.opts.Scheduler.Cancel(p.frameID)
	p.pb.Stop()
	return []Event{PlayEnd{Instance: p.instance, Source: p.source, Interrupted: true}}
}

// StopAudio stops the current playback. Queued speech continues with the
// next item.
func (a *Arbiter) StopAudio() {
	a.mu.Lock()
	events := a.stopPlaybackLocked()
	a.mu.Unlock()
	a.emit(events...)
	if len(events) > 0 {
		a.drain()
	}
}

func (a *Arbiter) watch(p *activePlayback) {
	defer a.wg.Done()
	select {
	case <-p.pb.Done():
	case <-a.ctx.Done():
		return
	}
	a.mu.Lock()
	if a.playing != p {
		a.mu.Unlock()
		return
	}
	a.playing = nil
	a.amplitude = 0
	a.opts.Scheduler.Cancel(p.frameID)
	a.mu.Unlock()

	a.emit(PlayEnd{Instance: p.instance, Source: p.source})
	a.drain()
}

func (a *Arbiter) trackAmplitude(p *activePlayback) frame.Callback {
	return func(time.Time) {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.playing != p {
			return
		}
		if n, err := p.pb.TimeDomainData(p.buf); err == nil {
			a.amplitude = Amplitude(p.buf[:n])
		}
		p.frameID = a.opts.Scheduler.Request(a.trackAmplitude(p))
	}
}

// Amplitude is the RMS of time-domain bytes centred on 128, clamped to 0..1.
func Amplitude(samples []byte) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		f := (float64(v) - 128) / 128
		sum += f * f
	}
	return math.Min(math.Sqrt(sum/float64(len(samples))), 1)
}

// EnqueueSpeech queues text to be synthesized and played for source.
func (a *Arbiter) EnqueueSpeech(text string, source Source) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.opts.Synthesizer == nil {
		a.mu.Unlock()
		return ErrNoSynthesizer
	}
	a.queue = append(a.queue, speechItem{text: text, source: source})
	a.mu.Unlock()
	a.drain()
	return nil
}

func (a *Arbiter) drain() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.draining || len(a.queue) == 0 || a.playing != nil || a.starting || a.recording || a.acquiring {
		return
	}
	item := a.queue[0]
	a.queue = a.queue[1:]
	a.draining = true
	a.wg.Add(1)
	go a.speak(item)
}

func (a *Arbiter) speak(item speechItem) {
	defer a.wg.Done()

	ctx, cancel := context.WithTimeout(a.ctx, a.opts.SynthTimeout)
	res, err := a.opts.Synthesizer.Synthesize(ctx, tts.Request{Text: item.text, VoiceID: a.opts.VoiceID})
	cancel()
	if err != nil {
		a.log.Warn("speech synthesis failed", slog.String("source", item.source.String()), slogError(err))
	} else {
		h := Handle{
			URL:     res.URL,
			Data:    res.Audio,
			Format:  Format{SampleRate: res.SampleRate, Channels: res.Channels},
			Visemes: res.Visemes,
		}
		if _, err := a.PlayAudio(a.ctx, h, item.source); err != nil {
			a.log.Warn("queued speech not played", slogError(err))
		}
	}

	a.mu.Lock()
	a.draining = false
	a.mu.Unlock()
	a.drain()
}

// QueueLen reports the number of utterances waiting to be synthesized.
func (a *Arbiter) QueueLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

func (a *Arbiter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := State{Recording: a.recording, Amplitude: a.amplitude}
	if a.playing != nil {
		st.Playing = true
		st.ActiveSource = a.playing.source
	}
	return st
}

func (a *Arbiter) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.recording || a.acquiring:
		return PhaseRecording
	case a.playing != nil || a.starting:
		return PhasePlaying
	}
	return PhaseIdle
}

// Amplitude returns the playback amplitude of the last frame.
func (a *Arbiter) Amplitude() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.amplitude
}

// Close stops all audio and waits for background work.
func (a *Arbiter) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.queue = nil
	events := a.stopPlaybackLocked()
	recording := a.recording
	a.mu.Unlock()
	a.emit(events...)

	if recording {
		a.stopRecording(0, true)
	}
	a.cancel()
	a.wg.Wait()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
