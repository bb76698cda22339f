package transport

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rendis/flowsync/internal/logging"
	"github.com/rendis/flowsync/pkg/schema"
)

// Status is the connection state of a channel.
type Status int

const (
	StatusConnecting   Status = iota // first dial in progress
	StatusOnline                     // connected to the relay
	StatusReconnecting               // connection lost, retrying with backoff
	StatusOffline                    // attempt ceiling reached; still retrying at the max delay
	StatusClosed                     // Disconnect was called
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusOnline:
		return "online"
	case StatusReconnecting:
		return "reconnecting"
	case StatusOffline:
		return "offline"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrOffline is returned by Send while the channel has no live connection.
var ErrOffline = schema.NewError(schema.ErrCodeOffline, "channel is not connected")

// ErrBackpressure is returned by Send when the outgoing queue is full.
var ErrBackpressure = schema.NewError(schema.ErrCodeTransport, "send queue full")

// Config configures a client channel.
type Config struct {
	// URL is the relay base, e.g. ws://localhost:4200/ws/diagram. The diagram id
	// is appended as the last path segment.
	URL      string
	ClientID string

	Backoff BackoffConfig
	// MaxAttempts is the number of consecutive failed attempts after which the
	// status becomes StatusOffline. Zero never degrades.
	MaxAttempts int

	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults for relayURL.
func DefaultConfig(relayURL, clientID string) Config {
	return Config{
		URL:          relayURL,
		ClientID:     clientID,
		Backoff:      DefaultBackoffConfig(),
		MaxAttempts:  8,
		PingInterval: 15 * time.Second,
		ReadTimeout:  45 * time.Second,
		WriteTimeout: 10 * time.Second,
		SendBuffer:   256,
	}
}

// Channel is a reconnecting duplex connection to the relay for one diagram.
// Frames are fire-and-forget: delivery is at most once per connection and
// ordering across reconnects is not guaranteed.
type Channel struct {
	cfg       Config
	diagramID string
	endpoint  string
	logger    *slog.Logger

	ctx  context.Context // set once by Start, before run
	done chan struct{}
	once sync.Once

	mu        sync.RWMutex
	cancel    context.CancelFunc
	status    Status
	out       chan []byte
	receivers []func(Frame)
	watchers  []func(Status)
}

// New creates a channel for diagramID. Nothing is dialed until Start.
func New(diagramID string, cfg Config) (*Channel, error) {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	endpoint, err := endpointURL(cfg.URL, diagramID, cfg.ClientID)
	if err != nil {
		return nil, err
	}
	return &Channel{
		cfg:       cfg,
		diagramID: diagramID,
		endpoint:  endpoint,
		logger:    logger.With(slog.String("component", "channel")),
		done:      make(chan struct{}),
	}, nil
}

// Connect creates a channel and starts it.
func Connect(ctx context.Context, diagramID string, cfg Config) (*Channel, error) {
	c, err := New(diagramID, cfg)
	if err != nil {
		return nil, err
	}
	c.Start(ctx)
	return c, nil
}

func endpointURL(base, diagramID, clientID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/" + url.PathEscape(diagramID))
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid relay url %q", base).WithCause(err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if clientID != "" {
		q := u.Query()
		q.Set("client", clientID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Start launches the connect loop. It returns immediately.
func (c *Channel) Start(ctx context.Context) {
	c.once.Do(func() {
		runCtx, cancel := context.WithCancel(logging.WithIDs(ctx, c.diagramID, c.cfg.ClientID))
		c.ctx = runCtx
		c.mu.Lock()
		c.cancel = cancel
		c.mu.Unlock()
		go c.run()
	})
}

// OnReceive registers a handler for inbound frames. Handlers run on the reader
// goroutine and must not block.
func (c *Channel) OnReceive(fn func(Frame)) {
	c.mu.Lock()
	c.receivers = append(c.receivers, fn)
	c.mu.Unlock()
}

// OnStatus registers a handler for status transitions.
func (c *Channel) OnStatus(fn func(Status)) {
	c.mu.Lock()
	c.watchers = append(c.watchers, fn)
	c.mu.Unlock()
}

// Status returns the current connection status.
func (c *Channel) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Send queues a frame on the live connection without blocking.
func (c *Channel) Send(f Frame) error {
	c.mu.RLock()
	out := c.out
	c.mu.RUnlock()
	if out == nil {
		return ErrOffline
	}
	select {
	case out <- f.Encode():
		return nil
	default:
		return ErrBackpressure
	}
}

// Disconnect closes the connection, drops queued frames and stops reconnecting.
func (c *Channel) Disconnect() {
	c.once.Do(func() { close(c.done) })
	c.mu.RLock()
	cancel := c.cancel
	c.mu.RUnlock()
	if cancel != nil {
		cancel()
		<-c.done
	}
	c.setStatus(StatusClosed)
}

func (c *Channel) run() {
	defer close(c.done)

	attempt := 0
	for {
		ws, _, err := c.cfg.Dialer.DialContext(c.ctx, c.endpoint, nil)
		if err == nil {
			attempt = 0
			c.serve(ws)
		} else {
			c.logger.WarnContext(c.ctx, "relay dial failed", slog.Int("attempt", attempt+1), slog.String("error", err.Error()))
		}
		if c.ctx.Err() != nil {
			return
		}

		attempt++
		if c.cfg.MaxAttempts > 0 && attempt >= c.cfg.MaxAttempts {
			c.setStatus(StatusOffline)
		} else {
			c.setStatus(StatusReconnecting)
		}
		if err := WaitForBackoff(c.ctx, c.cfg.Backoff.Delay(attempt-1)); err != nil {
			return
		}
	}
}

// serve pumps one connection until it breaks or the channel is closed.
func (c *Channel) serve(ws *websocket.Conn) {
	connCtx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	out := make(chan []byte, c.cfg.SendBuffer)
	c.mu.Lock()
	c.out = out
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.out = nil
		c.mu.Unlock()
	}()

	go func() {
		<-connCtx.Done()
		_ = ws.Close()
	}()

	c.logger.InfoContext(c.ctx, "relay connected")
	c.setStatus(StatusOnline)

	go func() {
		defer cancel()
		ping := c.cfg.PingInterval
		if ping <= 0 {
			ping = 15 * time.Second
		}
		ticker := time.NewTicker(ping)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				return
			case msg := <-out:
				if err := c.write(ws, msg); err != nil {
					c.logger.WarnContext(c.ctx, "relay write failed", slog.String("error", err.Error()))
					return
				}
			case <-ticker.C:
				// empty binary message is a keepalive
				if err := c.write(ws, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if c.cfg.ReadTimeout > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		typ, msg, err := ws.ReadMessage()
		if err != nil {
			if connCtx.Err() == nil {
				c.logger.InfoContext(c.ctx, "relay connection lost", slog.String("error", err.Error()))
			}
			return
		}
		if typ != websocket.BinaryMessage || len(msg) == 0 {
			continue
		}
		f, err := DecodeFrame(msg)
		if err != nil {
			c.logger.WarnContext(c.ctx, "dropping malformed frame", slog.String("error", err.Error()))
			continue
		}
		c.dispatch(f)
	}
}

func (c *Channel) write(ws *websocket.Conn, msg []byte) error {
	if c.cfg.WriteTimeout > 0 {
		_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return ws.WriteMessage(websocket.BinaryMessage, msg)
}

func (c *Channel) dispatch(f Frame) {
	c.mu.RLock()
	fns := append([]func(Frame){}, c.receivers...)
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(f)
	}
}

func (c *Channel) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	fns := append([]func(Status){}, c.watchers...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}
