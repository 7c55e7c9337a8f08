package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/cluster"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/llm"
	"github.com/loqalabs/loqa-avatar/internal/natsserver"
	"github.com/loqalabs/loqa-avatar/internal/registry"
	"github.com/loqalabs/loqa-avatar/internal/relay"
	"github.com/loqalabs/loqa-avatar/internal/router"
	"github.com/loqalabs/loqa-avatar/internal/sessionstore"
	"github.com/loqalabs/loqa-avatar/internal/stt"
	"github.com/loqalabs/loqa-avatar/internal/transport/ws"
	"github.com/loqalabs/loqa-avatar/internal/tts"
)

const (
	pruneInterval = time.Hour
	sweepInterval = time.Minute
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	addr        atomic.Value
	wg          sync.WaitGroup

	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	registry   registry.Store
	membership *cluster.Membership
	sessions   *sessionstore.Store
	relay      *relay.Service
	router     *router.Router
	ttsService *tts.Service
	llmService *llm.Service

	// live is read by the cluster heartbeat, which starts before the router exists.
	live atomic.Pointer[router.Router]
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Addr is the address the HTTP server listens on once started.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

// Ready reports whether every component has started.
func (r *Runtime) Ready() bool { return r.ready.Load() }

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.shutdown()

	if err := r.startComponents(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	mux.Handle(r.cfg.Router.Path, ws.Handler(r.router, ws.Options{
		ReadLimit:      r.cfg.Router.MaxMessageBytes,
		WriteTimeout:   time.Duration(r.cfg.Router.WriteTimeoutMS) * time.Millisecond,
		PingInterval:   time.Duration(r.cfg.Router.HeartbeatInterval) * time.Millisecond,
		AllowedOrigins: r.cfg.Router.AllowedOrigins,
		Logger:         r.logger,
	}))
	mux.HandleFunc("DELETE /api/session/{id}", r.handleDeleteSession)
	mux.HandleFunc("GET /api/session/{id}/history", r.handleHistory)
	mux.HandleFunc("GET /api/router/stats", r.handleStats)
	mux.HandleFunc("GET /api/cluster/nodes", r.handleNodes)
	if err := r.mountCollaborators(mux); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.addr.Store(ln.Addr().String())
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.router.Run(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.sessions.Run(ctx, pruneInterval)
	}()
	if mem, ok := r.registry.(*registry.Memory); ok {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			mem.Run(ctx, sweepInterval)
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.Addr()),
		slog.String("node_id", r.cfg.Node.ID),
		slog.String("registry", r.cfg.Registry.Backend))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.ServerName == "" {
		busCfg.ServerName = r.cfg.Node.ID
	}
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = busClient

	store, err := registry.Open(ctx, r.cfg.Registry, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	r.registry = store

	sessions, err := sessionstore.Open(ctx, r.cfg.SessionStore, r.logger)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	r.sessions = sessions

	r.relay = relay.NewService(ctx, r.cfg.Node.ID, busClient, sessions, r.logger)

	membership, err := cluster.NewMembership(ctx, r.cfg.Node, busClient, r.activeConnections, r.logger)
	if err != nil {
		return fmt.Errorf("join cluster: %w", err)
	}
	r.membership = membership

	rt, err := router.New(router.Options{
		NodeID:            r.cfg.Node.ID,
		Registry:          store,
		KeyPrefix:         r.cfg.Registry.KeyPrefix,
		SessionTTL:        time.Duration(r.cfg.Registry.SessionTTLMS) * time.Millisecond,
		RateLimitMax:      r.cfg.Router.RateLimitMax,
		RateLimitWindow:   time.Duration(r.cfg.Router.RateLimitWindowMS) * time.Millisecond,
		HeartbeatInterval: time.Duration(r.cfg.Router.HeartbeatInterval) * time.Millisecond,
		MaxConnections:    r.cfg.Router.MaxConnections,
		Forwarder:         r.relay,
		Liveness:          membership,
		Inbound:           r.relay,
		Meter:             otel.Meter("github.com/loqalabs/loqa-avatar/router"),
		Logger:            r.logger,
	})
	if err != nil {
		return err
	}
	r.router = rt
	r.live.Store(rt)

	r.relay.Attach(rt)
	if err := r.relay.Start(); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}
	return nil
}

func (r *Runtime) mountCollaborators(mux *http.ServeMux) error {
	synth, err := tts.New(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("init tts: %w", err)
	}
	ttsTimeout := time.Duration(r.cfg.TTS.TimeoutMS) * time.Millisecond
	mux.Handle("POST /api/tts", tts.Handler(synth, r.cfg.TTS.Voice, ttsTimeout, r.logger))

	r.ttsService = tts.NewService(context.Background(), r.cfg.TTS, r.bus, synth, r.logger)
	if err := r.ttsService.Start(); err != nil {
		return fmt.Errorf("start tts service: %w", err)
	}

	if r.cfg.LLM.Enabled {
		gen, err := llm.New(r.cfg.LLM)
		if err != nil {
			return fmt.Errorf("init llm: %w", err)
		}
		r.llmService = llm.NewService(context.Background(), r.cfg.LLM, r.bus, gen, r.sessions, r.logger)
		if err := r.llmService.Start(); err != nil {
			return fmt.Errorf("start llm service: %w", err)
		}
	}

	rec, err := stt.New(r.cfg.STT)
	if err != nil {
		return fmt.Errorf("init stt: %w", err)
	}
	sttTimeout := time.Duration(r.cfg.STT.TimeoutMS) * time.Millisecond
	mux.Handle("POST /api/stt", stt.Handler(rec, 25<<20, sttTimeout, r.logger))
	return nil
}

func (r *Runtime) activeConnections() int {
	rt := r.live.Load()
	if rt == nil {
		return 0
	}
	return rt.ActiveConnections()
}

// shutdown stops components in reverse start order.
func (r *Runtime) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if r.llmService != nil {
		r.llmService.Close()
	}
	if r.ttsService != nil {
		r.ttsService.Close()
	}
	if r.router != nil {
		r.router.Close(ctx)
	}
	if r.relay != nil {
		r.relay.Close()
	}
	if r.membership != nil {
		r.membership.Close()
	}
	if r.sessions != nil {
		if err := r.sessions.Close(); err != nil {
			r.logger.Warn("session store close error", slog.String("error", err.Error()))
		}
	}
	if c, ok := r.registry.(io.Closer); ok {
		if err := c.Close(); err != nil {
			r.logger.Warn("registry close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
