// Package natsserver runs the NATS server inside the node process so a single
// binary can serve as its own bus. Several embedded servers join into one
// cluster through routes.
package natsserver

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const (
	defaultServerName = "loqa-avatar"
	defaultStoreDir   = "./data/nats"
	readyTimeout      = 5 * time.Second
)

// EmbeddedServer is a running in-process NATS server with JetStream enabled.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start returns nil when cfg.Embedded is false. Port -1 picks a free port, as
// does ClusterPort -1.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	opts, err := serverOptions(cfg)
	if err != nil {
		return nil, err
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready after %s", readyTimeout)
	}

	log = log.With(slog.String("component", "natsserver"))
	attrs := []any{
		slog.String("server_name", opts.ServerName),
		slog.String("url", ns.ClientURL()),
		slog.String("store_dir", opts.StoreDir),
	}
	if opts.Cluster.Port != 0 {
		attrs = append(attrs,
			slog.String("cluster", opts.Cluster.Name),
			slog.Int("routes", len(opts.Routes)))
	}
	log.Info("embedded NATS server started", attrs...)

	return &EmbeddedServer{ns: ns, log: log}, nil
}

func serverOptions(cfg config.BusConfig) (*server.Options, error) {
	host := cfg.Host
	if host == "" {
		host = "0.0.0.0"
	}
	name := cfg.ServerName
	if name == "" {
		name = defaultServerName
	}
	storeDir := cfg.StoreDir
	if storeDir == "" {
		storeDir = defaultStoreDir
	}

	opts := &server.Options{
		ServerName: name,
		Host:       host,
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   storeDir,
		NoSigs:     true,
	}
	if cfg.ClusterPort == 0 {
		if len(cfg.Routes) > 0 {
			return nil, fmt.Errorf("bus routes need a cluster port")
		}
		return opts, nil
	}
	if cfg.ClusterName == "" {
		return nil, fmt.Errorf("bus cluster name is required with a cluster port")
	}
	opts.Cluster = server.ClusterOpts{
		Name: cfg.ClusterName,
		Host: host,
		Port: cfg.ClusterPort,
	}
	if len(cfg.Routes) > 0 {
		opts.Routes = server.RoutesFromStr(strings.Join(cfg.Routes, ","))
		if len(opts.Routes) != len(cfg.Routes) {
			return nil, fmt.Errorf("invalid bus routes %q", cfg.Routes)
		}
	}
	return opts, nil
}

// ClientURL is the URL clients use to reach the server.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

// RouteURL is the URL other embedded servers list in their routes. It is
// empty when clustering is off.
func (e *EmbeddedServer) RouteURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	addr := e.ns.ClusterAddr()
	if addr == nil {
		return ""
	}
	host := addr.IP.String()
	if addr.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	return "nats://" + net.JoinHostPort(host, strconv.Itoa(addr.Port))
}

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
