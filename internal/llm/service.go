package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/sessionstore"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// History supplies the recent turns of a session, oldest first.
type History interface {
	Recent(ctx context.Context, sessionID string, limit int) ([]sessionstore.Turn, error)
}

// Service answers chat messages published by the routers. Each reply is sent
// back to the session as a chat avatar event.
type Service struct {
	cfg       config.LLMConfig
	bus       *bus.Client
	generator Generator
	history   History
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger
}

func NewService(parent context.Context, cfg config.LLMConfig, busClient *bus.Client, generator Generator, history History, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		generator: generator,
		history:   history,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(slog.String("component", "llm-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectChat, "llm", s.handleChat)
	if err != nil {
		return fmt.Errorf("subscribe chat messages: %w", err)
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

func (s *Service) handleChat(msg *nats.Msg) {
	var chat protocol.ChatMessage
	if err := json.Unmarshal(msg.Data, &chat); err != nil {
		s.logger.Warn("failed to decode chat message", slogError(err))
		return
	}
	if chat.SessionID == "" || strings.TrimSpace(chat.Message) == "" {
		s.logger.Debug("chat without session not answered", slog.String("connection_id", chat.ConnectionID))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, time.Duration(s.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
		if err := s.reply(ctx, chat); err != nil {
			s.logger.Warn("reply failed", slog.String("session_id", chat.SessionID), slogError(err))
		}
	}()
}

func (s *Service) reply(ctx context.Context, chat protocol.ChatMessage) (err error) {
	ctx, span := otel.Tracer("github.com/loqalabs/loqa-avatar/llm").Start(ctx, "llm.reply")
	span.SetAttributes(attribute.String("session.id", chat.SessionID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	req := Request{
		SessionID:   chat.SessionID,
		System:      s.cfg.System,
		Messages:    s.conversation(ctx, chat),
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	}

	start := time.Now()
	var out strings.Builder
	var completion int
	err = s.generator.Generate(ctx, req, func(chunk Chunk) error {
		out.WriteString(chunk.Content)
		if chunk.CompletionTokens > 0 {
			completion = chunk.CompletionTokens
		}
		return nil
	})
	if err != nil {
		return err
	}
	text := strings.TrimSpace(out.String())
	if text == "" {
		return fmt.Errorf("empty reply")
	}
	span.SetAttributes(attribute.Int("llm.completion_tokens", completion))
	s.logger.Info("reply generated",
		slog.String("session_id", chat.SessionID),
		slog.Duration("latency", time.Since(start)),
		slog.Int("completion_tokens", completion))
	return s.publishReply(chat.SessionID, text)
}

// conversation builds the message list from stored history and makes sure
// it ends with the message being answered.
func (s *Service) conversation(ctx context.Context, chat protocol.ChatMessage) []Message {
	var messages []Message
	if s.history != nil && s.cfg.HistoryTurns > 0 {
		turns, err := s.history.Recent(ctx, chat.SessionID, s.cfg.HistoryTurns)
		if err != nil {
			s.logger.Warn("failed to load history", slog.String("session_id", chat.SessionID), slogError(err))
		}
		for _, t := range turns {
			messages = append(messages, Message{Role: t.Role, Content: t.Content})
		}
	}
	if n := len(messages); n == 0 || messages[n-1].Role != "user" || messages[n-1].Content != chat.Message {
		messages = append(messages, Message{Role: "user", Content: chat.Message})
	}
	return messages
}

func (s *Service) publishReply(sessionID, text string) error {
	env, err := protocol.NewEnvelope(protocol.TypeChat, protocol.ChatData{Message: text, SessionID: sessionID})
	if err != nil {
		return err
	}
	return s.bus.PublishSessionEvent(sessionID, "llm", env)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
