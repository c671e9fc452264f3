package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/courier/pkg/conversation"
	"github.com/harun/courier/pkg/registry"
)

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 10 * time.Second
)

// Client represents a connected WebSocket client. All writes go through a
// bounded outbound queue drained by a single writer goroutine.
type Client struct {
	ConnectedAt time.Time
	IPAddress   string
	RateLimiter *ClientRateLimiter

	id           string
	conn         *websocket.Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	logger       zerolog.Logger
	seq          atomic.Int64
	// pending counts frames accepted by Enqueue and not yet written.
	pending atomic.Int64

	mu            sync.RWMutex
	state         ClientState
	authenticated bool
	challenge     string
	authAttempts  int
	userID        string
	subject       string
	lastActivity  time.Time
}

// ClientOptions tune a client's outbound queue.
type ClientOptions struct {
	SendBuffer   int
	WriteTimeout time.Duration
	Limiter      *ClientRateLimiter
	Logger       zerolog.Logger
}

// NewClient wraps conn and starts its writer goroutine.
func NewClient(id string, conn *websocket.Conn, remoteAddr string, opts ClientOptions) *Client {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Limiter == nil {
		opts.Limiter = NewClientRateLimiter()
	}
	now := time.Now()
	c := &Client{
		id:           id,
		ConnectedAt:  now,
		IPAddress:    remoteAddr,
		RateLimiter:  opts.Limiter,
		conn:         conn,
		send:         make(chan []byte, opts.SendBuffer),
		done:         make(chan struct{}),
		writeTimeout: opts.WriteTimeout,
		logger:       opts.Logger.With().Str("clientId", id).Logger(),
		state:        StateConnecting,
		lastActivity: now,
	}
	go c.writePump()
	return c
}

func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			err := c.conn.WriteMessage(websocket.TextMessage, data)
			c.pending.Add(-1)
			if err != nil {
				c.logger.Debug().Err(err).Msg("Write failed, closing connection")
				c.Close()
				return
			}
		}
	}
}

// Enqueue queues a raw frame. It waits until there is room, ctx ends or the
// connection closes.
func (c *Client) Enqueue(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return registry.ErrHandleClosed
	default:
	}
	c.pending.Add(1)
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		c.pending.Add(-1)
		return registry.ErrHandleClosed
	case <-ctx.Done():
		c.pending.Add(-1)
		return fmt.Errorf("outbound queue full: %w", ctx.Err())
	}
}

// SendJSON marshals v and queues it, waiting at most the write timeout.
func (c *Client) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	return c.Enqueue(ctx, data)
}

// SendEvent stamps an event with this connection's sequence and queues it.
func (c *Client) SendEvent(ctx context.Context, msg EventMessage) error {
	msg.Type = "event"
	msg.Seq = c.seq.Add(1)
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return c.Enqueue(ctx, data)
}

// Push delivers a persisted message as a "delivery" event.
func (c *Client) Push(ctx context.Context, msg conversation.Message) error {
	return c.SendEvent(ctx, EventMessage{
		Event: "delivery",
		Data: DeliveryEvent{
			ID:        msg.ID,
			Sender:    msg.Sender,
			Receiver:  msg.Receiver,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
		},
	})
}

// Flush waits until every queued frame has been written to the socket or
// timeout elapses.
func (c *Client) Flush(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for c.pending.Load() > 0 && time.Now().Before(deadline) {
		select {
		case <-c.done:
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Close stops the writer and closes the connection. It is safe to call more
// than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}

// Done is closed once the connection is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ID returns the connection ID.
func (c *Client) ID() string {
	return c.id
}

// IsAuthenticated reports whether the client passed the handshake.
func (c *Client) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Client) markAuthenticated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.state = StateAuthenticated
	c.authAttempts = 0
	c.challenge = ""
}

// State returns the connection state.
func (c *Client) State() ClientState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// UserID returns the identity the connection joined as.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) setUserID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = id
}

// Subject returns the verified token subject, if a token was presented.
func (c *Client) Subject() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subject
}

func (c *Client) setSubject(sub string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subject = sub
}

func (c *Client) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

// Info returns a snapshot for listings.
func (c *Client) Info(now time.Time) ClientInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ClientInfo{
		ID:            c.id,
		UserID:        c.userID,
		Authenticated: c.authenticated,
		ConnectedAt:   c.ConnectedAt,
		LastActivity:  c.lastActivity,
		IPAddress:     c.IPAddress,
		Idle:          now.Sub(c.lastActivity) > 5*time.Minute,
	}
}
