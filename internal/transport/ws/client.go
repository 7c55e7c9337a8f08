package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

const defaultDialTimeout = 10 * time.Second

var ErrClientClosed = errors.New("ws: client closed")

// Client is a router connection from the avatar side.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	envs    chan protocol.Envelope
	closing chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial connects to a router endpoint. Without a deadline on ctx the dial
// gives up after ten seconds.
func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		conn: conn,
		envs:    make(chan protocol.Envelope, 64),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Envelopes yields server messages in arrival order. The channel closes when
// the connection ends.
func (c *Client) Envelopes() <-chan protocol.Envelope { return c.envs }

func (c *Client) Send(env protocol.Envelope) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

// SendMessage wraps data in an envelope of type typ and sends it.
func (c *Client) SendMessage(typ string, data any) error {
	env, err := protocol.NewEnvelope(typ, data)
	if err != nil {
		return err
	}
	return c.Send(env)
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	<-c.done
	return nil
}

// Err returns the error that ended the read loop, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.envs)
	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.errMu.Lock()
				c.err = err
				c.errMu.Unlock()
			}
			return
		}
		select {
		case c.envs <- env:
		case <-c.closing:
			return
		}
	}
}
