package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rendis/flowsync/internal/logging"
	"github.com/rendis/flowsync/internal/store"
	"github.com/rendis/flowsync/internal/streaming"
	"github.com/rendis/flowsync/internal/transport"
	"github.com/rendis/flowsync/pkg/schema"
)

// Config configures the relay server.
type Config struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxFrameSize int64
	PresenceTTL  time.Duration
	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string
}

// DefaultConfig returns sensible relay defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval: 15 * time.Second,
		ReadTimeout:  45 * time.Second,
		WriteTimeout: 10 * time.Second,
		MaxFrameSize: 8 << 20,
		PresenceTTL:  time.Minute,
	}
}

// Server relays frames between the clients editing the same diagram. It never
// merges: updates are appended to the diagram's update log as opaque bytes and
// fanned out through the hub.
type Server struct {
	cfg      Config
	store    store.Store
	hub      streaming.Hub
	presence *PresenceCache
	metrics  *Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewServer creates a relay server.
func NewServer(st store.Store, hub streaming.Hub, cfg Config, metrics *Metrics, logger *slog.Logger) *Server {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		store:    st,
		hub:      hub,
		presence: NewPresenceCache(cfg.PresenceTTL),
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "relay")),
	}
	s.base, s.stop = context.WithCancel(context.Background())
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Mount registers the websocket and metrics endpoints on r.
func (s *Server) Mount(r chi.Router) {
	r.Get("/ws/diagram/{diagramID}", s.handleConnect)
	r.Handle("/metrics", s.metrics.Handler())
}

// Wait blocks until every connection handler has returned.
func (s *Server) Wait() { s.wg.Wait() }

// Shutdown closes every live connection and waits for their handlers, or for
// ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	diagramID := chi.URLParam(r, "diagramID")
	clientID := r.URL.Query().Get("client")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	if _, err := s.store.GetDiagram(r.Context(), diagramID); err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			http.Error(w, "diagram not found", http.StatusNotFound)
			return
		}
		s.logger.ErrorContext(r.Context(), "diagram lookup failed", slog.String("diagram_id", diagramID), slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	// The request context is cancelled once the handler returns, and the
	// connection outlives it.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	unlink := context.AfterFunc(s.base, cancel)
	ctx = logging.WithConnID(logging.WithIDs(ctx, diagramID, clientID), uuid.NewString())
	c := &conn{
		srv:       s,
		ws:        ws,
		diagramID: diagramID,
		clientID:  clientID,
		logger:    logging.LogWith(ctx, s.logger),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unlink()
		defer cancel()
		c.serve(ctx)
	}()
}

// conn is one client connection.
type conn struct {
	srv       *Server
	ws        *websocket.Conn
	diagramID string
	clientID  string
	logger    *slog.Logger
	writeMu   sync.Mutex
}

func (c *conn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := c.srv
	s.metrics.Connections.Inc()
	defer s.metrics.Connections.Dec()

	// Subscribe before replaying so nothing published meanwhile is lost.
	// Duplicates between the replay and the live feed are harmless.
	sub, unsubscribe, err := s.hub.Subscribe(ctx, streaming.Filter{DiagramID: c.diagramID, ClientID: c.clientID})
	if err != nil {
		c.logger.ErrorContext(ctx, "hub subscribe failed", slog.String("error", err.Error()))
		_ = c.ws.Close()
		return
	}
	defer unsubscribe()

	c.logger.InfoContext(ctx, "client joined")
	defer func() {
		s.presence.Delete(c.diagramID, c.clientID)
		// An empty awareness payload tells peers the client left.
		_ = s.hub.Publish(context.Background(), streaming.Envelope{
			DiagramID: c.diagramID,
			Frame:     transport.Frame{Type: transport.FrameAwareness, Sender: c.clientID},
		})
		c.logger.InfoContext(ctx, "client left")
	}()

	go func() {
		defer cancel()
		c.writeLoop(ctx, sub)
	}()
	go func() {
		<-ctx.Done()
		_ = c.ws.Close()
	}()

	c.readLoop(ctx)
}

func (c *conn) readLoop(ctx context.Context) {
	s := c.srv
	if s.cfg.MaxFrameSize > 0 {
		c.ws.SetReadLimit(s.cfg.MaxFrameSize)
	}
	for {
		if s.cfg.ReadTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		typ, msg, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.DebugContext(ctx, "read ended", slog.String("error", err.Error()))
			}
			return
		}
		if typ != websocket.BinaryMessage || len(msg) == 0 {
			continue
		}
		f, err := transport.DecodeFrame(msg)
		if err != nil {
			c.logger.WarnContext(ctx, "dropping malformed frame", slog.String("error", err.Error()))
			continue
		}
		f.Sender = c.clientID
		s.metrics.Frames.WithLabelValues(f.Type.String()).Inc()
		c.handle(ctx, f)
	}
}

func (c *conn) handle(ctx context.Context, f transport.Frame) {
	s := c.srv
	switch f.Type {
	case transport.FrameUpdate:
		// The log is appended before fan-out so a peer joining now replays it.
		err := s.store.AppendUpdate(ctx, &store.Update{DiagramID: c.diagramID, ClientID: c.clientID, Data: f.Payload})
		if err != nil {
			s.metrics.LogAppends.WithLabelValues("error").Inc()
			c.logger.ErrorContext(ctx, "append update failed", slog.String("error", err.Error()))
		} else {
			s.metrics.LogAppends.WithLabelValues("ok").Inc()
		}
	case transport.FrameSyncReply:
		if f.Target == "" {
			c.logger.WarnContext(ctx, "dropping untargeted sync reply")
			return
		}
	case transport.FrameAwareness:
		if len(f.Payload) == 0 {
			s.presence.Delete(c.diagramID, c.clientID)
		} else {
			s.presence.Set(c.diagramID, c.clientID, f.Payload)
		}
	case transport.FrameSyncDone:
		// only the relay emits this
		return
	}
	if err := s.hub.Publish(ctx, streaming.Envelope{DiagramID: c.diagramID, Frame: f}); err != nil {
		c.logger.ErrorContext(ctx, "publish failed", slog.String("type", f.Type.String()), slog.String("error", err.Error()))
	}
}

// writeLoop replays the stored log, then forwards live frames until the
// subscription ends or the connection breaks.
func (c *conn) writeLoop(ctx context.Context, sub <-chan streaming.Envelope) {
	s := c.srv
	if err := c.replay(ctx); err != nil {
		c.logger.WarnContext(ctx, "replay failed", slog.String("error", err.Error()))
		return
	}

	ping := s.cfg.PingInterval
	if ping <= 0 {
		ping = 15 * time.Second
	}
	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub:
			if !ok {
				s.metrics.Evictions.Inc()
				c.logger.WarnContext(ctx, "subscriber evicted, closing connection")
				return
			}
			if err := c.write(env.Frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.writeRaw(nil); err != nil {
				return
			}
		}
	}
}

func (c *conn) replay(ctx context.Context) error {
	s := c.srv
	updates, err := s.store.GetUpdates(ctx, c.diagramID, 0)
	if err != nil {
		return err
	}
	for _, u := range updates {
		if err := c.write(transport.Frame{Type: transport.FrameUpdate, Sender: u.ClientID, Payload: u.Data}); err != nil {
			return err
		}
	}
	if err := c.write(transport.SyncDoneFrame()); err != nil {
		return err
	}
	for _, p := range s.presence.List(c.diagramID) {
		if p.ClientID == c.clientID {
			continue
		}
		if err := c.write(transport.Frame{Type: transport.FrameAwareness, Sender: p.ClientID, Payload: p.Payload}); err != nil {
			return err
		}
	}
	c.logger.DebugContext(ctx, "replayed update log", slog.Int("updates", len(updates)))
	return nil
}

func (c *conn) write(f transport.Frame) error {
	return c.writeRaw(f.Encode())
}

func (c *conn) writeRaw(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if t := c.srv.cfg.WriteTimeout; t > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(t))
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, msg)
}
