package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/audio"
	"github.com/loqalabs/loqa-avatar/internal/audio/virtual"
	"github.com/loqalabs/loqa-avatar/internal/avatar"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/expression"
	"github.com/loqalabs/loqa-avatar/internal/face"
	"github.com/loqalabs/loqa-avatar/internal/frame"
	"github.com/loqalabs/loqa-avatar/internal/lipsync"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/stt"
	"github.com/loqalabs/loqa-avatar/internal/transport/ws"
	"github.com/loqalabs/loqa-avatar/internal/tts"
)

type simOptions struct {
	configPath   string
	audioPath    string
	timelinePath string
	emotion      string
	text         string
	micPath      string
	server       string
	session      string
	channels     string
	printEvery   time.Duration
	maxDuration  time.Duration
}

// snapshot is one JSON line of rig output.
type snapshot struct {
	ElapsedMS  int64              `json:"elapsed_ms"`
	Phase      string             `json:"phase"`
	Lipsync    string             `json:"lipsync"`
	Expression string             `json:"expression"`
	Amplitude  float64            `json:"amplitude"`
	Emphasis   float64            `json:"emphasis"`
	Channels   map[string]float64 `json:"channels"`
}

// pending counts outstanding audio work: requested utterances that have not
// ended and recordings that have not finished.
type pending struct {
	mu sync.Mutex
	n  int
}

func (p *pending) add(n int) {
	p.mu.Lock()
	p.n += n
	if p.n < 0 {
		p.n = 0
	}
	p.mu.Unlock()
}

func (p *pending) idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n == 0
}

func simulate(ctx context.Context, opts simOptions, out io.Writer, log *slog.Logger) error {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return err
		}
	}
	if opts.printEvery <= 0 {
		opts.printEvery = 100 * time.Millisecond
	}
	if opts.maxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.maxDuration)
		defer cancel()
	}

	channels := splitList(opts.channels)
	table, err := face.LoadTable(cfg.Face.MappingFile)
	if err != nil {
		return err
	}
	rig := face.NewRig(channels...)
	var mapping face.Mapping
	if len(channels) > 0 {
		mapping = face.Resolve(table, channels)
		if missing := mapping.Missing(); len(missing) > 0 {
			log.Warn("asset lacks mapped channels", slog.String("missing", strings.Join(missing, ",")))
		}
	}
	sink := face.NewMappedSink(rig, mapping, log)

	ticker := frame.NewTicker(cfg.Audio.FrameRateHz, log)
	ticker.Start(ctx)
	defer ticker.Close()
	if opts.printEvery < ticker.Interval() {
		opts.printEvery = ticker.Interval()
	}

	synth, err := tts.New(cfg.TTS)
	if err != nil {
		return err
	}
	recognizer, err := stt.New(cfg.STT)
	if err != nil {
		return err
	}

	var mic audio.Microphone
	if opts.micPath != "" {
		blob, err := os.ReadFile(opts.micPath)
		if err != nil {
			return fmt.Errorf("read microphone input: %w", err)
		}
		m, err := virtual.NewMicrophoneFromWAV(blob, virtual.MicOptions{FFTSize: cfg.Audio.FFTSize})
		if err != nil {
			return fmt.Errorf("decode microphone input: %w", err)
		}
		mic = m
	}

	arbiter := audio.NewArbiter(audio.Options{
		Scheduler:       ticker,
		Microphone:      mic,
		Speaker:         virtual.NewSpeaker(virtual.SpeakerOptions{Logger: log}),
		Synthesizer:     synth,
		VoiceID:         cfg.TTS.Voice,
		SilenceDuration: time.Duration(cfg.Audio.SilenceDurationMS) * time.Millisecond,
		ThresholdDB:     cfg.Audio.ThresholdDB,
		SynthTimeout:    time.Duration(cfg.TTS.TimeoutMS) * time.Millisecond,
		Logger:          log,
	})
	defer arbiter.Close()

	player := lipsync.NewPlayer(ticker, sink, lipsync.Options{
		FallbackChannel: cfg.Face.FallbackChannel,
		BlendWindow:     time.Duration(cfg.Face.BlendWindowMS) * time.Millisecond,
		Amplitude:       arbiter.Amplitude,
		Logger:          log,
	})
	expr := expression.NewTransitioner(ticker, sink, expression.Options{
		Duration: time.Duration(cfg.Face.TransitionMS) * time.Millisecond,
		Logger:   log,
	})

	var work pending
	stopEvents := arbiter.Subscribe(func(ev audio.Event) {
		switch ev.(type) {
		case audio.PlayEnd, audio.RecordingFinished:
			work.add(-1)
		}
	})
	defer stopEvents()

	var client *ws.Client
	var send func(protocol.Envelope) error
	if opts.server != "" {
		if client, err = ws.Dial(ctx, opts.server, nil); err != nil {
			return err
		}
		defer client.Close()
		send = client.Send
	}

	ctrl := avatar.New(avatar.Options{
		Arbiter:    arbiter,
		Player:     player,
		Expression: expr,
		Recognizer: recognizer,
		Send:       send,
		SessionID:  opts.session,
		AutoSubmit: true,
		OnTranscript: func(text string, err error) {
			if err != nil {
				log.Warn("transcript not submitted", slog.String("text", text), slog.String("error", err.Error()))
				return
			}
			log.Info("transcript submitted", slog.String("text", text))
		},
		Logger: log,
	})
	defer ctrl.Close()

	if client != nil {
		go func() {
			for env := range client.Envelopes() {
				if env.Type == protocol.TypeChat {
					work.add(1)
				}
				if err := ctrl.HandleEnvelope(env); err != nil {
					log.Warn("bad server message", slog.String("error", err.Error()))
				}
			}
		}()
		if err := ctrl.BindSession(); err != nil {
			return err
		}
	}

	if opts.emotion != "" {
		kind, confidence, err := parseEmotion(opts.emotion)
		if err != nil {
			return err
		}
		expr.ApplyEmotion(kind, confidence)
	}
	if opts.audioPath != "" {
		h, err := loadHandle(opts.audioPath, opts.timelinePath)
		if err != nil {
			return err
		}
		work.add(1)
		res, err := arbiter.PlayAudio(ctx, h, audio.SourceChat)
		if err != nil {
			return err
		}
		if res.Dropped {
			work.add(-1)
		}
	}
	if opts.text != "" {
		work.add(1)
		if err := arbiter.EnqueueSpeech(opts.text, audio.SourceChat); err != nil {
			return err
		}
	}
	if mic != nil {
		work.add(1)
		if err := arbiter.StartRecording(ctx); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(out)
	started := time.Now()
	tick := time.NewTicker(opts.printEvery)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-tick.C:
			done := client == nil && work.idle() && arbiter.Phase() == audio.PhaseIdle &&
				player.Mode() == lipsync.ModeIdle && !expr.Active()
			if err := enc.Encode(takeSnapshot(now.Sub(started), rig, arbiter, player, expr)); err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

func takeSnapshot(elapsed time.Duration, rig *face.Rig, a *audio.Arbiter, p *lipsync.Player, x *expression.Transitioner) snapshot {
	values := rig.Snapshot()
	active := make(map[string]float64, len(values))
	for _, name := range rig.Active() {
		active[name] = values[name]
	}
	return snapshot{
		ElapsedMS:  elapsed.Milliseconds(),
		Phase:      a.Phase().String(),
		Lipsync:    p.Mode().String(),
		Expression: string(x.Kind()),
		Amplitude:  a.Amplitude(),
		Emphasis:   rig.Emphasis(),
		Channels:   active,
	}
}

// parseEmotion reads "kind" or "kind:confidence", confidence on a 0..100
// scale. Confidence defaults to 100.
func parseEmotion(s string) (expression.Kind, float64, error) {
	name, conf, found := strings.Cut(s, ":")
	confidence := 100.0
	if found {
		v, err := strconv.ParseFloat(strings.TrimSpace(conf), 64)
		if err != nil {
			return "", 0, fmt.Errorf("invalid emotion confidence %q: %w", conf, err)
		}
		if v < 0 || v > 100 {
			return "", 0, fmt.Errorf("emotion confidence %v out of range [0,100]", v)
		}
		confidence = v
	}
	return expression.ParseKind(name), confidence, nil
}

func loadHandle(audioPath, timelinePath string) (audio.Handle, error) {
	data, err := os.ReadFile(audioPath)
	if err != nil {
		return audio.Handle{}, fmt.Errorf("read audio: %w", err)
	}
	h := audio.Handle{Data: data}
	if timelinePath != "" {
		if h.Visemes, err = loadTimeline(timelinePath); err != nil {
			return audio.Handle{}, err
		}
	}
	return h, nil
}

// loadTimeline accepts either a bare segment array or a visemeTimeline
// message payload.
func loadTimeline(path string) ([]protocol.VisemeSegment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read timeline: %w", err)
	}
	var segs []protocol.VisemeSegment
	if err := json.Unmarshal(data, &segs); err == nil {
		return segs, nil
	}
	var payload protocol.VisemeTimelineData
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse timeline: %w", err)
	}
	return payload.Timeline, nil
}
