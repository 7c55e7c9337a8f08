package cluster

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/natsserver"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func connect(t *testing.T, url string) *bus.Client {
	t.Helper()
	c, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{url}, ConnectTimeout: 2000}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func nodeConfig(id string) config.NodeConfig {
	return config.NodeConfig{ID: id, Role: "router", HeartbeatInterval: 50, HeartbeatTimeout: 300}
}

func TestMembershipSeesPeers(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1, StoreDir: t.TempDir()}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	ctx := context.Background()
	a, err := NewMembership(ctx, nodeConfig("node-a"), connect(t, srv.ClientURL()), func() int { return 3 }, discardLogger())
	require.NoError(t, err)
	defer a.Close()
	b, err := NewMembership(ctx, nodeConfig("node-b"), connect(t, srv.ClientURL()), nil, discardLogger())
	require.NoError(t, err)

	assert.True(t, a.Alive("node-a"))
	assert.False(t, a.Alive("node-z"))
	require.Eventually(t, func() bool { return a.Alive("node-b") && b.Alive("node-a") }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, n := range b.Nodes() {
			if n.ID == "node-a" && n.Connections == 3 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	b.Close()
	require.Eventually(t, func() bool { return !a.Alive("node-b") }, 2*time.Second, 10*time.Millisecond)
}

func TestAliveHonoursTimeout(t *testing.T) {
	m := &Membership{cfg: nodeConfig("node-a"), nodes: make(map[string]*NodeInfo)}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	m.update("node-b", "router", 0, base)
	require.True(t, m.Alive("node-b"))

	m.now = func() time.Time { return base.Add(301 * time.Millisecond) }
	require.False(t, m.Alive("node-b"))
	nodes := m.Nodes()
	require.Len(t, nodes, 1)
	assert.False(t, nodes[0].Healthy)
}
