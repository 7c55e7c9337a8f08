// Package router tracks live connections and routes envelopes to logical
// sessions. Session bindings and rate-limit windows live in a shared
// registry so several router processes can serve one connection pool.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/registry"
)

var (
	ErrUnknownConnection  = errors.New("router: unknown connection")
	ErrTooManyConnections = errors.New("router: connection limit reached")
	ErrClosed             = errors.New("router: closed")
)

// Connection is a live transport endpoint. Send must be safe for concurrent
// use and preserve call order.
type Connection interface {
	Send(env protocol.Envelope) error
	RemoteAddr() string
	UserAgent() string
}

// Forwarder hands an envelope to the router process owning a session.
type Forwarder interface {
	Forward(ctx context.Context, nodeID string, ev protocol.SessionEvent) error
}

// Liveness reports whether a router node is reachable.
type Liveness interface {
	Alive(nodeID string) bool
}

// InboundHandler receives chat and session messages for processing beyond
// routing.
type InboundHandler interface {
	HandleChat(ctx context.Context, msg protocol.ChatMessage)
	HandleSession(ctx context.Context, action protocol.SessionAction)
}

type Options struct {
	NodeID            string
	Registry          registry.Store
	KeyPrefix         string
	SessionTTL        time.Duration
	RateLimitMax      int
	RateLimitWindow   time.Duration
	HeartbeatInterval time.Duration
	MaxConnections    int
	Forwarder         Forwarder
	Liveness          Liveness
	Inbound           InboundHandler
	Meter             metric.Meter
	Logger            *slog.Logger
	Now               func() time.Time
}

type connRecord struct {
	id          string
	conn        Connection
	ip          string
	userAgent   string
	connectedAt time.Time
	rooms       map[string]struct{}
	sessions    map[string]struct{}
	messages    atomic.Int64
}

// clientRecord is the registry view of a connection.
type clientRecord struct {
	ID          string `json:"id"`
	NodeID      string `json:"node_id"`
	IP          string `json:"ip"`
	UserAgent   string `json:"user_agent"`
	ConnectedAt int64  `json:"connected_at"`
}

// binding is the registry view of a session owner.
type binding struct {
	ConnectionID string `json:"connection_id"`
	NodeID       string `json:"node_id"`
	BoundAt      int64  `json:"bound_at"`
}

// Info describes a local connection.
type Info struct {
	ID          string
	IP          string
	UserAgent   string
	ConnectedAt time.Time
	Rooms       []string
	Sessions    []string
	Messages    int64
}

type Stats struct {
	ActiveConnections int   `json:"activeConnections"`
	TotalConnections  int64 `json:"totalConnections"`
	TotalMessages     int64 `json:"totalMessages"`
	ErrorCount        int64 `json:"errorCount"`
}

type Router struct {
	opts    Options
	keys    registry.Keys
	log     *slog.Logger
	metrics *routerMetrics

	mu       sync.RWMutex
	closed   bool
	conns    map[string]*connRecord
	sessions map[string]string
	rooms    map[string]map[string]struct{}

	totalConns atomic.Int64
	totalMsgs  atomic.Int64
	errors     atomic.Int64
}

func New(opts Options) (*Router, error) {
	if opts.Registry == nil {
		return nil, errors.New("router: registry is required")
	}
	if opts.NodeID == "" {
		opts.NodeID = "local"
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = time.Hour
	}
	if opts.RateLimitMax <= 0 {
		opts.RateLimitMax = 100
	}
	if opts.RateLimitWindow <= 0 {
		opts.RateLimitWindow = time.Minute
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Router{
		opts:     opts,
		keys:     registry.Keys{Prefix: opts.KeyPrefix},
		log:      opts.Logger.With(slog.String("component", "router"), slog.String("node_id", opts.NodeID)),
		conns:    make(map[string]*connRecord),
		sessions: make(map[string]string),
		rooms:    make(map[string]map[string]struct{}),
	}
	m, err := newRouterMetrics(opts.Meter, r.ActiveConnections)
	if err != nil {
		return nil, fmt.Errorf("router metrics: %w", err)
	}
	r.metrics = m
	return r, nil
}

func (r *Router) NodeID() string { return r.opts.NodeID }

// RegisterConnection assigns an id to conn and sends it the welcome message.
func (r *Router) RegisterConnection(ctx context.Context, conn Connection) (string, error) {
	now := r.opts.Now()
	rec := &connRecord{
		id:          "client_" + uuid.NewString(),
		conn:        conn,
		ip:          orUnknown(conn.RemoteAddr()),
		userAgent:   orUnknown(conn.UserAgent()),
		connectedAt: now,
		rooms:       make(map[string]struct{}),
		sessions:    make(map[string]struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	if r.opts.MaxConnections > 0 && len(r.conns) >= r.opts.MaxConnections {
		r.mu.Unlock()
		r.log.Warn("connection refused, limit reached", slog.Int("max", r.opts.MaxConnections))
		return "", ErrTooManyConnections
	}
	r.conns[rec.id] = rec
	r.mu.Unlock()
	r.totalConns.Add(1)

	if data, err := json.Marshal(clientRecord{
		ID:          rec.id,
		NodeID:      r.opts.NodeID,
		IP:          rec.ip,
		UserAgent:   rec.userAgent,
		ConnectedAt: protocol.Millis(now),
	}); err == nil {
		if err := r.opts.Registry.Set(ctx, r.keys.Client(rec.id), data, r.opts.SessionTTL); err != nil {
			r.log.Warn("failed to store connection record", slog.String("client_id", rec.id), slogError(err))
		}
	}

	r.log.Info("connection registered", slog.String("client_id", rec.id), slog.String("ip", rec.ip))
	r.send(rec, protocol.TypeConnection, protocol.ConnectionData{
		ClientID:  rec.id,
		Status:    "connected",
		Message:   "Connected to avatar router",
		Timestamp: protocol.Millis(now),
	})
	return rec.id, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// BindSession makes connID the owner of sessionID, locally and in the
// registry. Binding again refreshes the registry TTL; binding from another
// connection moves the session.
func (r *Router) BindSession(ctx context.Context, connID, sessionID string) error {
	if sessionID == "" {
		return errors.New("router: session id is required")
	}
	r.mu.Lock()
	rec, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownConnection
	}
	if prev, ok := r.sessions[sessionID]; ok && prev != connID {
		if old := r.conns[prev]; old != nil {
			delete(old.sessions, sessionID)
		}
	}
	r.sessions[sessionID] = connID
	rec.sessions[sessionID] = struct{}{}
	r.mu.Unlock()

	data, err := json.Marshal(binding{ConnectionID: connID, NodeID: r.opts.NodeID, BoundAt: protocol.Millis(r.opts.Now())})
	if err != nil {
		return err
	}
	if err := r.opts.Registry.Set(ctx, r.keys.Session(sessionID), data, r.opts.SessionTTL); err != nil {
		return fmt.Errorf("store session binding: %w", err)
	}
	if err := r.opts.Registry.Set(ctx, r.keys.ClientSession(connID), []byte(sessionID), r.opts.SessionTTL); err != nil {
		return fmt.Errorf("store connection session: %w", err)
	}
	r.log.Debug("session bound", slog.String("session_id", sessionID), slog.String("client_id", connID))
	return nil
}

// SendToSession delivers env to the connection owning sessionID. It reports
// false when the session has no reachable owner; that is not an error.
func (r *Router) SendToSession(ctx context.Context, sessionID string, env protocol.Envelope) bool {
	return r.route(ctx, sessionID, env, true)
}

// DeliverLocal delivers env only if the owner of sessionID is connected to
// this process.
func (r *Router) DeliverLocal(ctx context.Context, sessionID string, env protocol.Envelope) bool {
	return r.route(ctx, sessionID, env, false)
}

// route treats the registry binding as authoritative. The local map is used
// only when the registry has no usable binding; a local entry for a session
// the registry shows on another node is dropped.
func (r *Router) route(ctx context.Context, sessionID string, env protocol.Envelope, forward bool) bool {
	r.mu.RLock()
	connID, local := r.sessions[sessionID]
	r.mu.RUnlock()

	b, found := r.lookupBinding(ctx, sessionID)
	if !found {
		if local {
			return r.deliver(ctx, connID, env)
		}
		r.log.Debug("session not found", slog.String("session_id", sessionID))
		r.metrics.delivery(ctx, "missed")
		return false
	}
	if b.NodeID == r.opts.NodeID {
		return r.deliver(ctx, b.ConnectionID, env)
	}
	if local {
		r.forgetSession(sessionID, connID)
		r.log.Info("session moved to another node",
			slog.String("session_id", sessionID),
			slog.String("client_id", connID),
			slog.String("owner", b.NodeID))
	}
	if !forward || r.opts.Forwarder == nil {
		r.metrics.delivery(ctx, "missed")
		return false
	}
	if r.opts.Liveness != nil && !r.opts.Liveness.Alive(b.NodeID) {
		r.log.Debug("session owner offline", slog.String("session_id", sessionID), slog.String("owner", b.NodeID))
		r.metrics.delivery(ctx, "missed")
		return false
	}
	err := r.opts.Forwarder.Forward(ctx, b.NodeID, protocol.SessionEvent{
		SessionID: sessionID,
		Envelope:  env,
		Origin:    r.opts.NodeID,
		Timestamp: r.opts.Now().UTC(),
	})
	if err != nil {
		r.log.Warn("forward failed", slog.String("session_id", sessionID), slog.String("owner", b.NodeID), slogError(err))
		r.metrics.delivery(ctx, "missed")
		return false
	}
	r.metrics.delivery(ctx, "forwarded")
	return true
}

func (r *Router) deliver(ctx context.Context, connID string, env protocol.Envelope) bool {
	r.mu.RLock()
	rec := r.conns[connID]
	r.mu.RUnlock()
	if rec == nil {
		r.metrics.delivery(ctx, "missed")
		return false
	}
	if err := rec.conn.Send(env); err != nil {
		r.errors.Add(1)
		r.log.Warn("send failed", slog.String("client_id", connID), slogError(err))
		r.metrics.delivery(ctx, "missed")
		return false
	}
	r.metrics.delivery(ctx, "local")
	return true
}

// Broadcast delivers env to every local connection, or only to members of
// room when it is set. It returns the number of successful sends.
func (r *Router) Broadcast(env protocol.Envelope, room string) int {
	r.mu.RLock()
	targets := make([]*connRecord, 0, len(r.conns))
	if room == "" {
		for _, rec := range r.conns {
			targets = append(targets, rec)
		}
	} else {
		for id := range r.rooms[room] {
			if rec := r.conns[id]; rec != nil {
				targets = append(targets, rec)
			}
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, rec := range targets {
		if err := rec.conn.Send(env); err != nil {
			r.errors.Add(1)
			r.log.Debug("broadcast send failed", slog.String("client_id", rec.id), slogError(err))
			continue
		}
		sent++
	}
	r.log.Debug("broadcast", slog.String("room", room), slog.Int("sent", sent))
	return sent
}

func (r *Router) joinRoom(connID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.conns[connID]
	if rec == nil {
		return false
	}
	members := r.rooms[room]
	if members == nil {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[connID] = struct{}{}
	rec.rooms[room] = struct{}{}
	return true
}

func (r *Router) leaveRoom(connID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec := r.conns[connID]; rec != nil {
		delete(rec.rooms, room)
	}
	r.removeMemberLocked(room, connID)
}

func (r *Router) removeMemberLocked(room, connID string) {
	members := r.rooms[room]
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// RoomMembers lists the local connections in room.
func (r *Router) RoomMembers(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms[room]))
	for id := range r.rooms[room] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Disconnect forgets connID and removes its registry entries, including
// session bindings it still owns.
func (r *Router) Disconnect(ctx context.Context, connID string) {
	r.mu.Lock()
	rec, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	for room := range rec.rooms {
		r.removeMemberLocked(room, connID)
	}
	sessions := make([]string, 0, len(rec.sessions))
	for sid := range rec.sessions {
		if r.sessions[sid] == connID {
			delete(r.sessions, sid)
		}
		sessions = append(sessions, sid)
	}
	r.mu.Unlock()

	for _, sid := range sessions {
		r.dropBinding(ctx, sid, connID)
	}
	for _, key := range []string{r.keys.Client(connID), r.keys.ClientSession(connID), r.keys.RateLimit(connID)} {
		if err := r.opts.Registry.Delete(ctx, key); err != nil {
			r.log.Warn("failed to clear registry key", slog.String("key", key), slogError(err))
		}
	}
	r.log.Info("connection closed",
		slog.String("client_id", connID),
		slog.Int("sessions", len(sessions)),
		slog.Int64("messages", rec.messages.Load()))
}

func (r *Router) lookupBinding(ctx context.Context, sessionID string) (binding, bool) {
	raw, err := r.opts.Registry.Get(ctx, r.keys.Session(sessionID))
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			r.log.Warn("session lookup failed", slog.String("session_id", sessionID), slogError(err))
		}
		return binding{}, false
	}
	var b binding
	if err := json.Unmarshal(raw, &b); err != nil {
		r.log.Warn("corrupt session binding", slog.String("session_id", sessionID), slogError(err))
		return binding{}, false
	}
	return b, true
}

// forgetSession drops the local binding of sessionID if connID still holds
// it. The registry entry belongs to the new owner and is left alone.
func (r *Router) forgetSession(sessionID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[sessionID] != connID {
		return
	}
	delete(r.sessions, sessionID)
	if rec := r.conns[connID]; rec != nil {
		delete(rec.sessions, sessionID)
	}
}

// dropBinding removes the registry binding for sessionID unless another
// connection has taken it over.
func (r *Router) dropBinding(ctx context.Context, sessionID, connID string) {
	key := r.keys.Session(sessionID)
	raw, err := r.opts.Registry.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			r.log.Warn("session lookup failed", slog.String("session_id", sessionID), slogError(err))
		}
		return
	}
	var b binding
	if err := json.Unmarshal(raw, &b); err == nil && (b.ConnectionID != connID || b.NodeID != r.opts.NodeID) {
		return
	}
	if err := r.opts.Registry.Delete(ctx, key); err != nil {
		r.log.Warn("failed to clear session binding", slog.String("session_id", sessionID), slogError(err))
	}
}

func (r *Router) ActiveConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Connection describes a local connection.
func (r *Router) Connection(connID string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.conns[connID]
	if !ok {
		return Info{}, false
	}
	info := Info{
		ID:          rec.id,
		IP:          rec.ip,
		UserAgent:   rec.userAgent,
		ConnectedAt: rec.connectedAt,
		Messages:    rec.messages.Load(),
	}
	for room := range rec.rooms {
		info.Rooms = append(info.Rooms, room)
	}
	for sid := range rec.sessions {
		info.Sessions = append(info.Sessions, sid)
	}
	sort.Strings(info.Rooms)
	sort.Strings(info.Sessions)
	return info, true
}

func (r *Router) Stats() Stats {
	return Stats{
		ActiveConnections: r.ActiveConnections(),
		TotalConnections:  r.totalConns.Load(),
		TotalMessages:     r.totalMsgs.Load(),
		ErrorCount:        r.errors.Load(),
	}
}

// Close disconnects every connection.
func (r *Router) Close(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Disconnect(ctx, id)
	}
}

func (r *Router) send(rec *connRecord, typ string, data any) {
	env, err := protocol.NewEnvelope(typ, data)
	if err != nil {
		r.log.Warn("failed to build envelope", slog.String("type", typ), slogError(err))
		return
	}
	if err := rec.conn.Send(env); err != nil {
		r.errors.Add(1)
		r.log.Debug("send failed", slog.String("client_id", rec.id), slog.String("type", typ), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
