// Package avatar wires a client's audio arbiter to lip-sync, expression and
// the server connection.
package avatar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-avatar/internal/audio"
	"github.com/loqalabs/loqa-avatar/internal/expression"
	"github.com/loqalabs/loqa-avatar/internal/lipsync"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/stt"
)

var ErrCouldNotTranscribe = errors.New("could not transcribe audio")

type Options struct {
	Arbiter    *audio.Arbiter
	Player     *lipsync.Player
	Expression *expression.Transitioner
	Recognizer stt.Recognizer
	// Send delivers an envelope to the server. Nil runs the controller offline.
	Send      func(protocol.Envelope) error
	SessionID string
	// AutoSubmit transcribes each finished recording and sends it as chat.
	AutoSubmit   bool
	OnTranscript func(text string, err error)
	Logger       *slog.Logger
}

type Controller struct {
	opts   Options
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	pushed    []protocol.VisemeSegment
	instance  uint64
	clock     lipsync.Clock
	clientID  string
	heartbeat protocol.HeartbeatData
	unsub     func()
}

func New(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		opts:   opts,
		log:    opts.Logger.With(slog.String("component", "avatar")),
		ctx:    ctx,
		cancel: cancel,
	}
	c.unsub = opts.Arbiter.Subscribe(c.handleAudio)
	return c
}

func (c *Controller) handleAudio(ev audio.Event) {
	switch e := ev.(type) {
	case audio.PlayStart:
		c.mu.Lock()
		timeline := e.Visemes
		if len(timeline) == 0 {
			timeline = c.pushed
		}
		c.pushed = nil
		c.instance = e.Instance
		c.clock = e.Clock
		c.mu.Unlock()
		c.opts.Player.Start(timeline, e.Clock)
	case audio.PlayEnd:
		c.mu.Lock()
		current := e.Instance == c.instance
		if current {
			c.instance = 0
			c.clock = nil
		}
		c.mu.Unlock()
		if current {
			c.opts.Player.Stop()
		}
	case audio.RecordingFinished:
		if c.opts.AutoSubmit && len(e.Audio) > 0 {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.submit(e.Audio)
			}()
		}
	}
}

func (c *Controller) submit(blob []byte) {
	text, err := c.Transcribe(c.ctx, blob)
	if err == nil && strings.TrimSpace(text) != "" {
		err = c.SendChat(text)
	}
	if c.opts.OnTranscript != nil {
		c.opts.OnTranscript(text, err)
	}
}

// HandleEnvelope applies a server message to the avatar.
func (c *Controller) HandleEnvelope(env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeEmotion:
		var data protocol.EmotionData
		if err := env.Decode(&data); err != nil {
			return fmt.Errorf("decode emotion: %w", err)
		}
		c.opts.Expression.ApplyEmotion(expression.ParseKind(data.Emotion), data.Confidence)
	case protocol.TypeVisemeTimeline:
		var data protocol.VisemeTimelineData
		if err := env.Decode(&data); err != nil {
			return fmt.Errorf("decode viseme timeline: %w", err)
		}
		c.mu.Lock()
		playing, clock := c.instance != 0, c.clock
		if !playing {
			c.pushed = data.Timeline
		}
		c.mu.Unlock()
		if playing && len(data.Timeline) > 0 {
			c.opts.Player.Start(data.Timeline, clock)
		}
	case protocol.TypeChat:
		var data protocol.ChatData
		if err := env.Decode(&data); err != nil {
			return fmt.Errorf("decode chat: %w", err)
		}
		if err := c.opts.Arbiter.EnqueueSpeech(data.Message, audio.SourceChat); err != nil {
			c.log.Warn("reply not spoken", slogError(err))
		}
	case protocol.TypeConnection:
		var data protocol.ConnectionData
		if err := env.Decode(&data); err != nil {
			return fmt.Errorf("decode connection: %w", err)
		}
		c.mu.Lock()
		c.clientID = data.ClientID
		c.mu.Unlock()
		c.log.Info("connected", slog.String("client_id", data.ClientID))
	case protocol.TypeHeartbeat:
		var data protocol.HeartbeatData
		if err := env.Decode(&data); err != nil {
			return fmt.Errorf("decode heartbeat: %w", err)
		}
		c.mu.Lock()
		c.heartbeat = data
		c.mu.Unlock()
	case protocol.TypeError:
		var data protocol.ErrorData
		if err := env.Decode(&data); err != nil {
			return fmt.Errorf("decode error: %w", err)
		}
		c.log.Warn("server error", slog.String("code", data.Code), slog.String("message", data.Message))
	default:
		c.log.Debug("ignored message", slog.String("type", env.Type))
	}
	return nil
}

// Transcribe converts a recording to text.
func (c *Controller) Transcribe(ctx context.Context, blob []byte) (string, error) {
	if c.opts.Recognizer == nil {
		return "", ErrCouldNotTranscribe
	}
	out, err := c.opts.Recognizer.Transcribe(ctx, blob)
	if err != nil {
		c.log.Warn("transcription failed", slogError(err))
		return "", fmt.Errorf("%w: %v", ErrCouldNotTranscribe, err)
	}
	c.log.Debug("transcribed", slog.String("language", out.Language), slog.Duration("latency", out.Latency))
	return out.Text, nil
}

func (c *Controller) SendChat(text string) error {
	if c.opts.Send == nil {
		return errors.New("no server connection")
	}
	env, err := protocol.NewEnvelope(protocol.TypeChat, protocol.ChatData{Message: text, SessionID: c.opts.SessionID})
	if err != nil {
		return err
	}
	return c.opts.Send(env)
}

// BindSession asks the server to route session traffic to this connection.
func (c *Controller) BindSession() error {
	if c.opts.Send == nil || c.opts.SessionID == "" {
		return nil
	}
	env, err := protocol.NewEnvelope(protocol.TypeSession, protocol.SessionData{Action: "bind", SessionID: c.opts.SessionID})
	if err != nil {
		return err
	}
	return c.opts.Send(env)
}

// EndTurn relaxes the face back to neutral.
func (c *Controller) EndTurn() {
	c.opts.Expression.Stop()
}

func (c *Controller) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

func (c *Controller) LastHeartbeat() protocol.HeartbeatData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeat
}

func (c *Controller) Close() {
	c.unsub()
	c.cancel()
	c.wg.Wait()
	c.opts.Player.Stop()
	c.opts.Expression.Stop()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
