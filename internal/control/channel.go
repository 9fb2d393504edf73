package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"watchkeeper/internal/models"
	"watchkeeper/pkg/logging"
)

// Config configures the control channel.
type Config struct {
	// URL is the engine's control endpoint (http(s) or ws(s) scheme).
	URL string
	// Token is the bearer token presented during the handshake.
	Token string
	// CallTimeout bounds a single Call when the caller's context
	// carries no deadline. Default: 10 seconds.
	CallTimeout time.Duration
	// ReconnectBase/ReconnectMax shape the reconnect schedule.
	// Defaults: 1s base, 30s cap.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	// PingInterval keeps the socket alive. Default: 30 seconds.
	PingInterval time.Duration
	Logger       logging.Logger
}

// Channel maintains exactly one live control connection to the
// broadcast engine. Calls are request/response with id correlation;
// events fan out to subscribers. On disconnect the channel redials
// through a retry policy with exponential backoff and jitter, and
// subscriptions survive the reconnect.
type Channel struct {
	cfg    Config
	logger logging.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	pending   map[string]chan wireMessage
	subs      map[string]map[int]chan Event
	nextSubID int

	writeMu   sync.Mutex
	reconnect *reconnectState
}

// NewChannel creates a control channel. Run must be called to connect.
func NewChannel(cfg Config) *Channel {
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.ReconnectBase == 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	return &Channel{
		cfg:       cfg,
		logger:    cfg.Logger,
		pending:   make(map[string]chan wireMessage),
		subs:      make(map[string]map[int]chan Event),
		reconnect: newReconnectState(cfg.ReconnectBase),
	}
}

// Run maintains the connection until ctx is cancelled. It blocks.
// Dials go through the retry policy; once an established connection
// drops, the schedule starts over from the base delay.
func (c *Channel) Run(ctx context.Context) {
	policy := retrypolicy.NewBuilder[*websocket.Conn]().
		WithBackoff(c.cfg.ReconnectBase, c.cfg.ReconnectMax).
		WithJitterFactor(0.1).
		WithMaxRetries(-1).
		OnRetryScheduled(func(e failsafe.ExecutionScheduledEvent[*websocket.Conn]) {
			c.reconnect.scheduled(e.Attempts(), e.Delay)
			c.logger.WithError(e.LastError()).WithFields(logging.Fields{
				"attempts":   e.Attempts(),
				"next_delay": e.Delay.String(),
			}).Warn("Control channel dial failed; retrying")
		}).
		Build()

	for ctx.Err() == nil {
		conn, err := failsafe.With(policy).WithContext(ctx).Get(func() (*websocket.Conn, error) {
			return c.dial(ctx)
		})
		if err != nil {
			return
		}
		c.reconnect.connected()

		if err := c.serve(ctx, conn); err != nil && ctx.Err() == nil {
			c.logger.WithError(err).Warn("Control channel disconnected")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectBase):
		}
	}
}

// Connected reports whether the channel currently has a live socket.
func (c *Channel) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// BackoffState exposes the reconnect schedule for observation.
func (c *Channel) BackoffState() (attempts int, next time.Duration) {
	return c.reconnect.State()
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := buildWebSocketURL(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid control URL: %w", err)
	}

	headers := make(http.Header)
	if c.cfg.Token != "" {
		headers.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, resp, err := dialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("control handshake failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("control dial failed: %w", err)
	}
	return conn, nil
}

// serve owns an established connection until it drops.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.WithField("url", c.cfg.URL).Info("Control channel connected")
	c.publishChannelState("connected")

	done := make(chan struct{})
	go c.pingLoop(ctx, conn, done)

	readErr := c.readLoop(ctx, conn)
	close(done)

	c.teardown(readErr)
	return readErr
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(512 * 1024)
	_ = conn.SetReadDeadline(time.Now().Add(2 * c.cfg.PingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * c.cfg.PingInterval))
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * c.cfg.PingInterval))

		switch msg.Type {
		case typeResponse:
			c.mu.Lock()
			ch, ok := c.pending[msg.RequestID]
			if ok {
				delete(c.pending, msg.RequestID)
			}
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		case typeEvent:
			c.publish(Event{Kind: msg.Event, Data: msg.Data})
		}
	}
}

func (c *Channel) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// teardown marks the channel disconnected and fails every in-flight call.
func (c *Channel) teardown(cause error) {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	orphaned := c.pending
	c.pending = make(map[string]chan wireMessage)
	c.mu.Unlock()

	for id, ch := range orphaned {
		ch <- wireMessage{Type: typeResponse, RequestID: id, Status: "error", Error: "connection lost"}
	}
	c.publishChannelState("disconnected")
}

// Call sends one request and waits for its response. Returns a channel
// fault when the socket is down or the deadline passes.
func (c *Channel) Call(ctx context.Context, op string, params, result any) error {
	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	c.mu.RUnlock()

	if !connected || conn == nil {
		return models.NewFault(models.FaultChannel, fmt.Sprintf("%s: not connected", op), nil)
	}

	var data json.RawMessage
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", op, err)
		}
		data = raw
	}

	msg := wireMessage{
		Type:      typeRequest,
		RequestID: uuid.New().String(),
		Op:        op,
		Data:      data,
	}

	respCh := make(chan wireMessage, 1)
	c.mu.Lock()
	c.pending[msg.RequestID] = respCh
	c.mu.Unlock()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
		return models.NewFault(models.FaultChannel, fmt.Sprintf("%s: write failed", op), err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
		return models.NewFault(models.FaultChannel, fmt.Sprintf("%s: deadline exceeded", op), ctx.Err())
	case resp := <-respCh:
		if resp.Status != "ok" {
			if resp.Error == "connection lost" {
				return models.NewFault(models.FaultChannel, fmt.Sprintf("%s: connection lost mid-call", op), nil)
			}
			return fmt.Errorf("%s rejected by engine: %s", op, resp.Error)
		}
		if result != nil && len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, result); err != nil {
				return fmt.Errorf("decode %s response: %w", op, err)
			}
		}
		return nil
	}
}

// Subscribe returns a buffered stream of events of one kind and a
// cancel function. Subscriptions survive reconnects; events arriving
// while the buffer is full are dropped.
func (c *Channel) Subscribe(kind string) (<-chan Event, func()) {
	ch := make(chan Event, 16)

	c.mu.Lock()
	if c.subs[kind] == nil {
		c.subs[kind] = make(map[int]chan Event)
	}
	id := c.nextSubID
	c.nextSubID++
	c.subs[kind][id] = ch
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if set, ok := c.subs[kind]; ok {
			delete(set, id)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

func (c *Channel) publish(ev Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ch := range c.subs[ev.Kind] {
		select {
		case ch <- ev:
		default:
			c.logger.WithField("event", ev.Kind).Warn("Event subscriber buffer full, dropping event")
		}
	}
}

func (c *Channel) publishChannelState(state string) {
	data, _ := json.Marshal(map[string]string{"status": state})
	c.publish(Event{Kind: EventChannelState, Data: data})
}

func buildWebSocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" {
		u.Path = "/control"
	}
	return u.String(), nil
}
