// Package relay connects the session router to the bus: it carries envelopes
// between router nodes and publishes inbound chat for the reply pipeline.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

// Deliverer hands an envelope to a session owned by this node.
type Deliverer interface {
	DeliverLocal(ctx context.Context, sessionID string, env protocol.Envelope) bool
}

// History records the conversation turns that pass through the relay.
type History interface {
	TouchSession(ctx context.Context, sessionID, connectionID string) error
	AppendTurn(ctx context.Context, sessionID, role, content string) error
	EndSession(ctx context.Context, sessionID string) (bool, error)
}

type Service struct {
	nodeID     string
	bus        *bus.Client
	history    History
	logger     *slog.Logger
	subEvents  *nats.Subscription
	subDeliver *nats.Subscription
	ctx        context.Context
	cancel     context.CancelFunc

	mu        sync.RWMutex
	deliverer Deliverer
}

// NewService returns a relay for nodeID. history may be nil.
func NewService(parent context.Context, nodeID string, busClient *bus.Client, history History, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		nodeID:  nodeID,
		bus:     busClient,
		history: history,
		logger:  logger.With(slog.String("component", "relay")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Attach sets the router that receives envelopes for local sessions. It must
// be called before Start.
func (s *Service) Attach(d Deliverer) {
	s.mu.Lock()
	s.deliverer = d
	s.mu.Unlock()
}

func (s *Service) Start() error {
	if s.target() == nil {
		return errors.New("relay: no router attached")
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectAvatarEvent, s.handleAvatarEvent)
	if err != nil {
		return err
	}
	s.subEvents = sub

	subDeliver, err := s.bus.Conn().Subscribe(protocol.DeliverSubject(s.nodeID), s.handleDeliver)
	if err != nil {
		_ = s.subEvents.Drain()
		return err
	}
	s.subDeliver = subDeliver
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.subEvents != nil {
		_ = s.subEvents.Drain()
	}
	if s.subDeliver != nil {
		_ = s.subDeliver.Drain()
	}
}

func (s *Service) Healthy() bool {
	return s.subEvents != nil && s.subDeliver != nil && s.bus.Healthy()
}

func (s *Service) target() Deliverer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deliverer
}

// Forward publishes ev to the deliver subject of nodeID.
func (s *Service) Forward(_ context.Context, nodeID string, ev protocol.SessionEvent) error {
	return s.bus.PublishJSON(protocol.DeliverSubject(nodeID), ev)
}

// HandleChat publishes an inbound chat message and records it as a user turn.
func (s *Service) HandleChat(ctx context.Context, msg protocol.ChatMessage) {
	if s.history != nil && msg.SessionID != "" && msg.Message != "" {
		if err := s.history.AppendTurn(ctx, msg.SessionID, "user", msg.Message); err != nil {
			s.logger.Warn("failed to record chat turn", slog.String("session_id", msg.SessionID), slogError(err))
		}
	}
	s.publish(protocol.SubjectChat, msg)
}

// HandleSession publishes a session action. An "end" action closes the
// session history.
func (s *Service) HandleSession(ctx context.Context, action protocol.SessionAction) {
	if s.history != nil && action.SessionID != "" {
		var err error
		if action.Action == "end" {
			_, err = s.history.EndSession(ctx, action.SessionID)
		} else {
			err = s.history.TouchSession(ctx, action.SessionID, action.ConnectionID)
		}
		if err != nil {
			s.logger.Warn("failed to update session history", slog.String("session_id", action.SessionID), slogError(err))
		}
	}
	s.publish(protocol.SubjectSession, action)
}

func (s *Service) publish(subject string, v any) {
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.logger.Warn("failed to publish relay message", slog.String("subject", subject), slogError(err))
	}
}

// handleAvatarEvent runs on every node; only the node owning the session
// delivers it.
func (s *Service) handleAvatarEvent(msg *nats.Msg) {
	ev, ok := s.decode(msg)
	if !ok {
		return
	}
	if !s.target().DeliverLocal(s.ctx, ev.SessionID, ev.Envelope) {
		return
	}
	if ev.Envelope.Type == protocol.TypeChat && s.history != nil {
		var chat protocol.ChatData
		if err := ev.Envelope.Decode(&chat); err == nil && chat.Message != "" {
			if err := s.history.AppendTurn(s.ctx, ev.SessionID, "assistant", chat.Message); err != nil {
				s.logger.Warn("failed to record reply turn", slog.String("session_id", ev.SessionID), slogError(err))
			}
		}
	}
}

func (s *Service) handleDeliver(msg *nats.Msg) {
	ev, ok := s.decode(msg)
	if !ok {
		return
	}
	if !s.target().DeliverLocal(s.ctx, ev.SessionID, ev.Envelope) {
		s.logger.Debug("forwarded envelope had no local owner",
			slog.String("session_id", ev.SessionID),
			slog.String("origin", ev.Origin))
	}
}

func (s *Service) decode(msg *nats.Msg) (protocol.SessionEvent, bool) {
	var ev protocol.SessionEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.logger.Warn("failed to decode session event", slog.String("subject", msg.Subject), slogError(err))
		return ev, false
	}
	if ev.SessionID == "" || ev.Envelope.Type == "" {
		s.logger.Warn("session event missing session or type", slog.String("subject", msg.Subject))
		return ev, false
	}
	return ev, true
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
