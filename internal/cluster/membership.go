// Package cluster tracks which router nodes are alive on the bus.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

const subjectNodeLeave = "ctrl.node.leave"

type NodeInfo struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	Connections int       `json:"connections"`
	LastSeen    time.Time `json:"last_seen"`
	Healthy     bool      `json:"healthy"`
}

type announceMessage struct {
	NodeID    string    `json:"node_id"`
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID      string    `json:"node_id"`
	Connections int       `json:"connections"`
	Timestamp   time.Time `json:"timestamp"`
}

// Membership announces this node, publishes heartbeats and records peers.
type Membership struct {
	cfg   config.NodeConfig
	log   *slog.Logger
	bus   *bus.Client
	load  func() int
	now   func() time.Time
	meter metric.Meter

	mu     sync.RWMutex
	nodes  map[string]*NodeInfo
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
}

// NewMembership joins the cluster. load reports the local connection count
// carried on each heartbeat; it may be nil.
func NewMembership(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, load func() int, log *slog.Logger) (*Membership, error) {
	if load == nil {
		load = func() int { return 0 }
	}
	ctx, cancel := context.WithCancel(ctx)
	m := &Membership{
		cfg:    cfg,
		log:    log.With(slog.String("component", "cluster")),
		bus:    busClient,
		load:   load,
		now:    time.Now,
		meter:  otel.Meter("github.com/loqalabs/loqa-avatar/cluster"),
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
	}

	if err := m.initMetrics(); err != nil {
		m.log.Warn("failed to initialize metrics", slogError(err))
	}
	if err := m.subscribe(); err != nil {
		cancel()
		return nil, err
	}

	m.wg.Add(1)
	go m.runHeartbeat(ctx)

	if err := m.announce(); err != nil {
		m.log.Warn("failed to announce node", slogError(err))
	}
	return m, nil
}

// Close publishes a leave notice and stops heartbeating.
func (m *Membership) Close() {
	m.cancel()
	m.wg.Wait()
	if payload, err := json.Marshal(heartbeatMessage{NodeID: m.cfg.ID, Timestamp: m.now().UTC()}); err == nil {
		_ = m.bus.Conn().Publish(subjectNodeLeave, payload)
	}
	for _, sub := range m.subs {
		_ = sub.Drain()
	}
}

func (m *Membership) subscribe() error {
	conn := m.bus.Conn()
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectNodeAnnounce, m.handleAnnounce},
		{protocol.SubjectNodeHeartbeat + ".*", m.handleHeartbeat},
		{subjectNodeLeave, m.handleLeave},
	}
	for _, h := range handlers {
		sub, err := conn.Subscribe(h.subject, h.handler)
		if err != nil {
			for _, s := range m.subs {
				_ = s.Unsubscribe()
			}
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		m.subs = append(m.subs, sub)
	}
	return nil
}

func (m *Membership) runHeartbeat(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Duration(m.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.publishHeartbeat(); err != nil {
				m.log.Warn("failed to publish heartbeat", slogError(err))
			}
		}
	}
}

func (m *Membership) announce() error {
	msg := announceMessage{NodeID: m.cfg.ID, Role: m.cfg.Role, Timestamp: m.now().UTC()}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	m.update(msg.NodeID, msg.Role, 0, msg.Timestamp)
	return m.bus.Conn().Publish(protocol.SubjectNodeAnnounce, payload)
}

func (m *Membership) publishHeartbeat() error {
	msg := heartbeatMessage{NodeID: m.cfg.ID, Connections: m.load(), Timestamp: m.now().UTC()}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return m.bus.Conn().Publish(protocol.SubjectNodeHeartbeat+"."+m.cfg.ID, payload)
}

func (m *Membership) handleAnnounce(msg *nats.Msg) {
	var a announceMessage
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.NodeID == "" {
		m.log.Warn("invalid announce message")
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = m.now().UTC()
	}
	known := m.known(a.NodeID)
	m.update(a.NodeID, a.Role, 0, a.Timestamp)
	if !known && a.NodeID != m.cfg.ID {
		m.log.Info("node joined", slog.String("node", a.NodeID), slog.String("role", a.Role))
		// Let the newcomer learn about us without waiting for a heartbeat.
		if err := m.publishHeartbeat(); err != nil {
			m.log.Debug("heartbeat reply failed", slogError(err))
		}
	}
}

func (m *Membership) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		m.log.Warn("invalid heartbeat message")
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = m.now().UTC()
	}
	m.update(hb.NodeID, "", hb.Connections, hb.Timestamp)
}

func (m *Membership) handleLeave(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" || hb.NodeID == m.cfg.ID {
		return
	}
	m.mu.Lock()
	delete(m.nodes, hb.NodeID)
	m.mu.Unlock()
	m.log.Info("node left", slog.String("node", hb.NodeID))
}

func (m *Membership) known(nodeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.nodes[nodeID]
	return ok
}

func (m *Membership) update(nodeID, role string, connections int, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		m.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	node.Connections = connections
	node.LastSeen = ts
}

func (m *Membership) timeout() time.Duration {
	return time.Duration(m.cfg.HeartbeatTimeout) * time.Millisecond
}

// Alive reports whether nodeID has been heard from within the heartbeat
// timeout. The local node is always alive.
func (m *Membership) Alive(nodeID string) bool {
	if nodeID == m.cfg.ID {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.nodes[nodeID]
	return ok && m.now().Sub(node.LastSeen) <= m.timeout()
}

// Healthy reports whether the bus connection is usable.
func (m *Membership) Healthy() bool {
	return m.bus.Healthy()
}

// Nodes lists every known node sorted by id.
func (m *Membership) Nodes() []NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	out := make([]NodeInfo, 0, len(m.nodes))
	for _, node := range m.nodes {
		n := *node
		n.Healthy = n.ID == m.cfg.ID || now.Sub(n.LastSeen) <= m.timeout()
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Membership) initMetrics() error {
	gauge, err := m.meter.Int64ObservableGauge("loqa.cluster.nodes", metric.WithDescription("Router nodes heard from within the heartbeat timeout"))
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		var healthy int64
		for _, n := range m.Nodes() {
			if n.Healthy {
				healthy++
			}
		}
		obs.ObserveInt64(gauge, healthy)
		return nil
	}, gauge)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
