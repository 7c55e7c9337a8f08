package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

// HandleMessage processes one raw client frame from connID. Failures are
// answered on the same connection as typed error envelopes; the connection
// stays open.
func (r *Router) HandleMessage(ctx context.Context, connID string, raw []byte) {
	r.mu.RLock()
	rec := r.conns[connID]
	r.mu.RUnlock()
	if rec == nil {
		r.log.Debug("message from unknown connection", slog.String("client_id", connID))
		return
	}

	if !r.CheckRateLimit(ctx, connID) {
		r.metrics.limited(ctx)
		r.log.Debug("rate limit exceeded", slog.String("client_id", connID))
		r.sendError(rec, "rate limit exceeded", protocol.CodeRateLimitExceeded)
		return
	}

	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		r.errors.Add(1)
		r.sendError(rec, "message could not be processed", protocol.CodeProcessingError)
		return
	}
	rec.messages.Add(1)
	r.totalMsgs.Add(1)
	r.metrics.message(ctx, env.Type)

	if err := r.dispatch(ctx, rec, env); err != nil {
		r.errors.Add(1)
		r.log.Warn("message processing failed",
			slog.String("client_id", connID),
			slog.String("type", env.Type),
			slogError(err))
		r.sendError(rec, "message could not be processed", protocol.CodeProcessingError)
	}
}

func (r *Router) dispatch(ctx context.Context, rec *connRecord, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypePing:
		r.send(rec, protocol.TypePong, nil)
	case protocol.TypePong:
		// reply to our ping, nothing to do
	case protocol.TypeHeartbeat:
		r.send(rec, protocol.TypeHeartbeat, r.heartbeat())
	case protocol.TypeChat:
		return r.handleChat(ctx, rec, env)
	case protocol.TypeSession:
		return r.handleSession(ctx, rec, env)
	case protocol.TypeJoinRoom, protocol.TypeLeaveRoom:
		var data protocol.RoomData
		if err := env.Decode(&data); err != nil {
			return err
		}
		if data.RoomID == "" {
			return fmt.Errorf("%s: room id is required", env.Type)
		}
		if env.Type == protocol.TypeJoinRoom {
			r.joinRoom(rec.id, data.RoomID)
			r.send(rec, protocol.TypeRoomJoined, data)
		} else {
			r.leaveRoom(rec.id, data.RoomID)
			r.send(rec, protocol.TypeRoomLeft, data)
		}
	case protocol.TypeBroadcast:
		var data protocol.BroadcastData
		if err := env.Decode(&data); err != nil {
			return err
		}
		data.From = rec.id
		data.Timestamp = protocol.Millis(r.opts.Now())
		out, err := protocol.NewEnvelope(protocol.TypeBroadcast, data)
		if err != nil {
			return err
		}
		r.Broadcast(out, data.TargetRoom)
	default:
		r.send(rec, protocol.TypeError, protocol.ErrorData{
			Message: "unknown message type: " + env.Type,
			Code:    protocol.CodeUnknownType,
		})
	}
	return nil
}

func (r *Router) handleChat(ctx context.Context, rec *connRecord, env protocol.Envelope) error {
	var data protocol.ChatData
	if err := env.Decode(&data); err != nil {
		return err
	}
	if data.SessionID != "" {
		if err := r.BindSession(ctx, rec.id, data.SessionID); err != nil {
			r.log.Warn("chat session bind failed", slog.String("session_id", data.SessionID), slogError(err))
		}
	}
	if r.opts.Inbound != nil {
		r.opts.Inbound.HandleChat(ctx, protocol.ChatMessage{
			NodeID:       r.opts.NodeID,
			ConnectionID: rec.id,
			SessionID:    data.SessionID,
			Message:      data.Message,
			Timestamp:    r.opts.Now().UTC(),
		})
	}
	return nil
}

func (r *Router) handleSession(ctx context.Context, rec *connRecord, env protocol.Envelope) error {
	var data protocol.SessionData
	if err := env.Decode(&data); err != nil {
		return err
	}
	if data.SessionID != "" {
		if err := r.BindSession(ctx, rec.id, data.SessionID); err != nil {
			return err
		}
	}
	if r.opts.Inbound != nil {
		r.opts.Inbound.HandleSession(ctx, protocol.SessionAction{
			NodeID:       r.opts.NodeID,
			ConnectionID: rec.id,
			SessionID:    data.SessionID,
			Action:       data.Action,
			Data:         data.Data,
			Timestamp:    r.opts.Now().UTC(),
		})
	}
	return nil
}

func (r *Router) sendError(rec *connRecord, msg, code string) {
	r.send(rec, protocol.TypeError, protocol.ErrorData{Message: msg, Code: code})
}

func (r *Router) heartbeat() protocol.HeartbeatData {
	return protocol.HeartbeatData{
		Timestamp:         protocol.Millis(r.opts.Now()),
		ActiveConnections: r.ActiveConnections(),
	}
}

// Heartbeat broadcasts a liveness ping with the active connection count to
// every local connection.
func (r *Router) Heartbeat() int {
	env, err := protocol.NewEnvelope(protocol.TypeHeartbeat, r.heartbeat())
	if err != nil {
		return 0
	}
	return r.Broadcast(env, "")
}

// Run sends heartbeats every HeartbeatInterval until ctx is done.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sent := r.Heartbeat()
			r.log.Debug("heartbeat sent", slog.Int("connections", sent))
		}
	}
}
