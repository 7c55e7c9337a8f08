// Package ws carries router envelopes over WebSocket connections.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/router"
)

// Router is the part of router.Router the transport drives.
type Router interface {
	RegisterConnection(ctx context.Context, conn router.Connection) (string, error)
	HandleMessage(ctx context.Context, connID string, raw []byte)
	Disconnect(ctx context.Context, connID string)
}

type Options struct {
	// ReadLimit caps a single inbound frame in bytes.
	ReadLimit      int64
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	AllowedOrigins []string
	Logger         *slog.Logger
}

type server struct {
	router   Router
	opts     Options
	origins  map[string]struct{}
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// Handler upgrades requests and feeds every frame to r until the peer goes
// away. With no AllowedOrigins every origin is accepted.
func Handler(r Router, opts Options) http.Handler {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &server{
		router: r,
		opts:   opts,
		log:    opts.Logger.With(slog.String("component", "ws")),
	}
	if len(opts.AllowedOrigins) > 0 {
		s.origins = make(map[string]struct{}, len(opts.AllowedOrigins))
		for _, o := range opts.AllowedOrigins {
			s.origins[strings.TrimSpace(o)] = struct{}{}
		}
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.originAllowed}
	return s
}

func (s *server) originAllowed(r *http.Request) bool {
	if s.origins == nil {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	_, ok := s.origins[origin]
	return ok
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.originAllowed(r) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", slogError(err))
		return
	}
	conn := &conn{
		ws:           ws,
		writeTimeout: s.opts.WriteTimeout,
		remoteAddr:   r.RemoteAddr,
		userAgent:    r.UserAgent(),
	}
	defer conn.close(websocket.CloseNormalClosure, "")

	ctx := context.WithoutCancel(r.Context())
	id, err := s.router.RegisterConnection(ctx, conn)
	if err != nil {
		s.log.Warn("connection rejected", slog.String("remote", r.RemoteAddr), slogError(err))
		code := websocket.CloseInternalServerErr
		if errors.Is(err, router.ErrTooManyConnections) {
			code = websocket.CloseTryAgainLater
		}
		conn.close(code, err.Error())
		return
	}
	defer s.router.Disconnect(ctx, id)

	ws.SetReadLimit(s.opts.ReadLimit)
	if s.opts.PingInterval > 0 {
		wait := s.opts.PingInterval * 2
		_ = ws.SetReadDeadline(time.Now().Add(wait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wait))
		})
		stop := make(chan struct{})
		defer close(stop)
		go conn.keepalive(s.opts.PingInterval, stop)
	}

	for {
		typ, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.Debug("read failed", slog.String("client_id", id), slogError(err))
			}
			return
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		s.router.HandleMessage(ctx, id, data)
	}
}

// conn adapts a websocket to router.Connection. Writes are serialized.
type conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	remoteAddr   string
	userAgent    string

	mu     sync.Mutex
	closed bool
}

func (c *conn) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) RemoteAddr() string { return c.remoteAddr }
func (c *conn) UserAgent() string  { return c.userAgent }

func (c *conn) keepalive(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *conn) close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.writeTimeout))
	_ = c.ws.Close()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
