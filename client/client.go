package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/echocat/slf4g"
	"github.com/gorilla/websocket"

	"example.com/resume_bridge/pkg/protocol"
)

// ErrNotConnected is returned by Emit while no connection is established
var ErrNotConnected = errors.New("not connected")

const (
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

// Client is the websocket implementation of protocol.Channel. Every frame
// is a JSON protocol.Envelope. A dropped connection is redialed with
// backoff; a successful redial raises protocol.EventReconnect.
type Client struct {
	ServerURL string

	header     http.Header
	dialer     *websocket.Dialer
	minBackoff time.Duration
	maxBackoff time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	handlers  map[string][]protocol.Handler
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	writeMu sync.Mutex // separate mutex for WebSocket writes
}

// Option configures a Client
type Option func(*Client)

// WithHeader adds headers sent with every dial
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h.Clone() }
}

// WithBackoff sets the redial backoff bounds
func WithBackoff(min, max time.Duration) Option {
	return func(c *Client) {
		c.minBackoff = min
		c.maxBackoff = max
	}
}

// NewClient creates a client for the gateway at serverURL
func NewClient(serverURL string, opts ...Option) *Client {
	c := &Client{
		ServerURL:  serverURL,
		dialer:     &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
		handlers:   make(map[string][]protocol.Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// On registers a handler for an event. Handlers run on the read loop in
// registration order.
func (c *Client) On(event string, handler protocol.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], handler)
}

// Connect dials the gateway and starts the read loop
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected || c.cancel != nil {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.closed = false
	c.cancel = cancel
	c.mu.Unlock()

	log.With("url", c.ServerURL).Info("Connected to gateway.")
	c.dispatch(protocol.EventConnect, nil)

	c.wg.Add(1)
	go c.run(runCtx, conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.ServerURL, c.header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// run reads frames until the connection drops, then redials
func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		c.readLoop(conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.connected = false
		}
		closed := c.closed
		c.mu.Unlock()

		conn.Close()
		c.dispatch(protocol.EventDisconnect, nil)
		if closed {
			return
		}

		var ok bool
		if conn, ok = c.redial(ctx); !ok {
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("Gateway read failed.")
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.WithError(err).Warn("Dropping malformed frame.")
			continue
		}
		c.dispatch(env.Event, env.Data)
	}
}

func (c *Client) redial(ctx context.Context) (*websocket.Conn, bool) {
	backoff := c.minBackoff
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(backoff):
		}

		conn, err := c.dial(ctx)
		if err != nil {
			log.With("retryIn", backoff).
				WithError(err).
				Info("Gateway unreachable.")
			backoff = min(backoff*2, c.maxBackoff)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return nil, false
		}
		c.conn = conn
		c.connected = true
		c.mu.Unlock()

		log.With("url", c.ServerURL).Info("Reconnected to gateway.")
		c.dispatch(protocol.EventConnect, nil)
		c.dispatch(protocol.EventReconnect, nil)
		return conn, true
	}
}

func (c *Client) dispatch(event string, data json.RawMessage) {
	c.mu.Lock()
	handlers := append([]protocol.Handler(nil), c.handlers[event]...)
	c.mu.Unlock()

	if len(handlers) == 0 {
		log.With("event", event).Trace("No handler for event.")
		return
	}
	for _, h := range handlers {
		h(data)
	}
}

// Emit writes one event frame
func (c *Client) Emit(event string, payload any) error {
	frame, err := protocol.Marshal(event, payload)
	if err != nil {
		return fmt.Errorf("cannot encode %s: %w", event, err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("cannot write %s: %w", event, err)
	}
	return nil
}

// Disconnect closes the connection and stops redialing
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.cancel == nil {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.cancel = nil
	conn := c.conn
	c.mu.Unlock()

	cancel()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}
	c.wg.Wait()

	log.With("url", c.ServerURL).Info("Disconnected from gateway.")
	return nil
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
