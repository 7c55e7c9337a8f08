package tts

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service answers tts requests on the bus by synthesizing the text and
// publishing the viseme timeline to the session as an avatar event.
type Service struct {
	cfg    config.TTSConfig
	bus    *bus.Client
	synth  Synthesizer
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.TTSConfig, busClient *bus.Client, synth Synthesizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		synth:  synth,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectTTSRequest, "tts", s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		return
	}
	if req.SessionID == "" || req.Text == "" {
		s.logger.Warn("tts request missing session or text")
		return
	}
	if req.Voice == "" {
		req.Voice = s.cfg.Voice
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, time.Duration(s.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()

		res, err := s.synth.Synthesize(ctx, Request{Text: req.Text, VoiceID: req.Voice})
		if err != nil {
			s.logger.Warn("tts synthesis error", slog.String("session_id", req.SessionID), slogError(err))
			return
		}
		s.publishTimeline(req, res)
	}()
}

func (s *Service) publishTimeline(req protocol.TTSRequest, res Result) {
	env, err := protocol.NewEnvelope(protocol.TypeVisemeTimeline, protocol.VisemeTimelineData{
		Timeline:  res.Visemes,
		Timestamp: protocol.Millis(time.Now()),
	})
	if err != nil {
		s.logger.Warn("failed to build viseme envelope", slogError(err))
		return
	}
	if err := s.bus.PublishSessionEvent(req.SessionID, "tts", env); err != nil {
		s.logger.Warn("failed to publish viseme event", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
