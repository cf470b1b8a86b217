package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/fasthttp/websocket"

	"trackchat/models"
)

const (
	DefaultKeepAliveInterval    = 25 * time.Second
	DefaultKeepAliveTimeout     = 10 * time.Second
	DefaultWriteTimeout         = 10 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultReconnectInitial     = 500 * time.Millisecond
	DefaultReconnectMaxInterval = 30 * time.Second
	DefaultMaxMessageSize       = 64 * 1024

	// SocketPath is the live endpoint relative to the backend base URL.
	SocketPath = "/socket"

	subscriberBuffer = 64
)

var (
	// ErrNotConnected indicates the socket is down, typically while reconnecting.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrClosed indicates the client has been shut down.
	ErrClosed = errors.New("transport: client closed")
)

// ConnectionState is the lifecycle state of the live connection.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
	StateReconnecting ConnectionState = "RECONNECTING"
	StateClosed       ConnectionState = "CLOSED"
)

// Config controls the live socket client.
type Config struct {
	BaseURL     string
	UserID      string
	AccessToken string

	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	WriteTimeout      time.Duration
	HandshakeTimeout  time.Duration

	ReconnectInitial     time.Duration
	ReconnectMaxInterval time.Duration
	// ReconnectMaxElapsed stops reconnecting after this long; zero retries forever.
	ReconnectMaxElapsed time.Duration

	Logger *log.Logger
	Debug  bool
}

func (c Config) withDefaults() Config {
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = DefaultReconnectInitial
	}
	if c.ReconnectMaxInterval <= 0 {
		c.ReconnectMaxInterval = DefaultReconnectMaxInterval
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// Client is the persistent live connection of one local user. Inbound
// receiveMessage events are fanned out to every subscriber.
type Client struct {
	config    Config
	socketURL string
	header    http.Header
	dialer    *websocket.Dialer
	logger    *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu sync.RWMutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	stateMu sync.RWMutex
	state   ConnectionState

	subsMu      sync.RWMutex
	subscribers map[int]*subscriber
	nextSubID   int

	closeOnce sync.Once
	done      chan struct{}
}

// subscriber queues events without bound and hands them to events from its
// own goroutine, so a slow reader never blocks the read loop and never loses
// an event.
type subscriber struct {
	events chan models.LiveEvent
	wake   chan struct{}
	stop   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	pending []models.LiveEvent
}

func newSubscriber() *subscriber {
	sub := &subscriber{
		events: make(chan models.LiveEvent, subscriberBuffer),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	go sub.pump()
	return sub
}

func (s *subscriber) push(event models.LiveEvent) {
	s.mu.Lock()
	s.pending = append(s.pending, event)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump closes events once stopped.
func (s *subscriber) pump() {
	defer close(s.events)

	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, event := range batch {
			select {
			case s.events <- event:
			case <-s.stop:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-s.wake:
		case <-s.stop:
			return
		}
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.stop)
	})
}

// Connect dials the backend socket and keeps the connection alive until ctx
// is canceled or Close is called. The first dial must succeed; later drops
// are retried with exponential backoff.
func Connect(ctx context.Context, config Config) (*Client, error) {
	if strings.TrimSpace(config.UserID) == "" {
		return nil, errors.New("transport: user ID is required")
	}
	socketURL, err := SocketURL(config.BaseURL, config.UserID)
	if err != nil {
		return nil, err
	}
	config = config.withDefaults()

	header := http.Header{}
	if config.AccessToken != "" {
		header.Set("Authorization", "Bearer "+config.AccessToken)
	}

	c := &Client{
		config:    config,
		socketURL: socketURL,
		header:    header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		logger:      config.Logger,
		state:       StateConnecting,
		subscribers: make(map[int]*subscriber),
		done:        make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	conn, err := c.dial(c.ctx)
	if err != nil {
		c.cancel()
		return nil, err
	}

	c.wg.Add(1)
	go c.run(conn)

	go func() {
		<-c.ctx.Done()
		c.shutdown()
	}()

	return c, nil
}

// SocketURL builds the websocket endpoint for userID from an http(s) or
// ws(s) base URL.
func SocketURL(baseURL, userID string) (string, error) {
	raw := strings.TrimSpace(baseURL)
	if raw == "" {
		return "", errors.New("transport: base URL is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("transport: parse base URL: %w", err)
	}

	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("transport: unsupported base URL scheme %q", base.Scheme)
	}

	target := base.JoinPath(SocketPath)
	target.RawQuery = url.Values{"userId": {userID}}.Encode()
	return target.String(), nil
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Done is closed once the client has shut down for good.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Subscribe registers a new receiver of live events. The returned function
// unsubscribes and closes the channel; it is safe to call more than once.
// The channel is also closed when the client shuts down. Events are queued
// for a slow reader rather than dropped.
func (c *Client) Subscribe() (<-chan models.LiveEvent, func()) {
	sub := newSubscriber()

	c.subsMu.Lock()
	select {
	case <-c.done:
		c.subsMu.Unlock()
		sub.close()
		return sub.events, func() {}
	default:
	}
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = sub
	c.subsMu.Unlock()

	return sub.events, func() {
		c.subsMu.Lock()
		delete(c.subscribers, id)
		c.subsMu.Unlock()
		sub.close()
	}
}

// SendMessage writes one sendMessage envelope. It fails with ErrNotConnected
// while the socket is down; nothing is queued.
func (c *Client) SendMessage(ctx context.Context, message models.OutboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode %s: %w", models.EventSendMessage, err)
	}
	envelope := models.Envelope{Event: models.EventSendMessage, Data: data}

	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(c.config.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(envelope); err != nil {
		_ = conn.Close()
		return fmt.Errorf("write %s: %w", models.EventSendMessage, err)
	}
	return nil
}

// Close shuts the client down, closing every subscriber channel.
func (c *Client) Close() error {
	c.cancel()
	c.shutdown()
	return nil
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		if conn := c.currentConn(); conn != nil {
			_ = conn.Close()
		}
		c.wg.Wait()

		c.subsMu.Lock()
		close(c.done)
		for id, sub := range c.subscribers {
			delete(c.subscribers, id)
			sub.close()
		}
		c.subsMu.Unlock()
	})
}

func (c *Client) run(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		err := c.serve(conn)
		if c.ctx.Err() != nil {
			return
		}

		c.logger.Printf("transport: connection lost user=%s err=%v", c.config.UserID, err)
		c.setState(StateReconnecting)

		conn, err = c.reconnect()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Printf("transport: giving up reconnect user=%s err=%v", c.config.UserID, err)
				c.cancel()
			}
			return
		}
		c.logger.Printf("transport: reconnected user=%s", c.config.UserID)
	}
}

func (c *Client) reconnect() (*websocket.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.config.ReconnectInitial
	policy.MaxInterval = c.config.ReconnectMaxInterval
	policy.MaxElapsedTime = c.config.ReconnectMaxElapsed

	var conn *websocket.Conn
	operation := func() error {
		if err := c.ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		next, err := c.dial(c.ctx)
		if err != nil {
			return err
		}
		conn = next
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Printf("transport: reconnect failed user=%s retry_in=%s err=%v", c.config.UserID, wait, err)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, c.ctx), notify); err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, ErrClosed
	}
	return conn, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.socketURL, c.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", SocketPath, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", SocketPath, err)
	}
	conn.SetReadLimit(DefaultMaxMessageSize)
	return conn, nil
}

// serve runs one connection until it drops.
func (c *Client) serve(conn *websocket.Conn) error {
	c.setConn(conn)
	c.setState(StateConnected)
	defer func() {
		c.setConn(nil)
		_ = conn.Close()
	}()

	// shutdown may have run between dial and setConn.
	if c.ctx.Err() != nil {
		return c.ctx.Err()
	}

	stop := make(chan struct{})
	defer close(stop)
	go c.keepAliveLoop(conn, stop)

	return c.readLoop(conn)
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	readWait := c.config.KeepAliveInterval + c.config.KeepAliveTimeout
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		event, err := decodeLiveEvent(payload)
		if err != nil {
			if c.config.Debug {
				c.logger.Printf("transport: dropped frame user=%s err=%v", c.config.UserID, err)
			}
			continue
		}
		c.deliver(event)
	}
}

func (c *Client) keepAliveLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.config.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = conn.Close()
				return
			}
		case <-stop:
			return
		}
	}
}

func (c *Client) deliver(event models.LiveEvent) {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()

	for _, sub := range c.subscribers {
		sub.push(event)
	}
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.conn = conn
}

func (c *Client) setState(state ConnectionState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = state
}

var errUnknownEvent = errors.New("transport: unknown event")

// decodeLiveEvent parses one receiveMessage envelope. Frames with other event
// names or undecodable data are rejected.
func decodeLiveEvent(payload []byte) (models.LiveEvent, error) {
	var envelope models.Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return models.LiveEvent{}, fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Event != models.EventReceiveMessage {
		return models.LiveEvent{}, fmt.Errorf("%w %q", errUnknownEvent, envelope.Event)
	}

	var event models.LiveEvent
	if err := json.Unmarshal(envelope.Data, &event); err != nil {
		return models.LiveEvent{}, fmt.Errorf("decode %s: %w", models.EventReceiveMessage, err)
	}
	return event, nil
}
