package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	diagramIDKey ctxKey = iota
	clientIDKey
	connIDKey
)

// WithDiagramID returns a context with the diagram ID set.
func WithDiagramID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, diagramIDKey, id)
}

// WithClientID returns a context with the client ID set.
func WithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientIDKey, id)
}

// WithConnID returns a context with the relay connection ID set.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey, id)
}

// DiagramID extracts the diagram ID from the context, or "" if absent.
func DiagramID(ctx context.Context) string {
	v, _ := ctx.Value(diagramIDKey).(string)
	return v
}

// ClientID extracts the client ID from the context, or "" if absent.
func ClientID(ctx context.Context) string {
	v, _ := ctx.Value(clientIDKey).(string)
	return v
}

// ConnID extracts the connection ID from the context, or "" if absent.
func ConnID(ctx context.Context) string {
	v, _ := ctx.Value(connIDKey).(string)
	return v
}

// WithIDs sets the diagram and client IDs on the context at once.
func WithIDs(ctx context.Context, diagramID, clientID string) context.Context {
	ctx = WithDiagramID(ctx, diagramID)
	ctx = WithClientID(ctx, clientID)
	return ctx
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if v := DiagramID(ctx); v != "" {
		logger = logger.With(slog.String("diagram_id", v))
	}
	if v := ClientID(ctx); v != "" {
		logger = logger.With(slog.String("client_id", v))
	}
	if v := ConnID(ctx); v != "" {
		logger = logger.With(slog.String("conn_id", v))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := DiagramID(ctx); v != "" {
		r.AddAttrs(slog.String("diagram_id", v))
	}
	if v := ClientID(ctx); v != "" {
		r.AddAttrs(slog.String("client_id", v))
	}
	if v := ConnID(ctx); v != "" {
		r.AddAttrs(slog.String("conn_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps a config string to a level. Unknown values mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the process logger: a text handler on w wrapped with correlation
// injection. The level is read from lv on every record so it can change at runtime.
func New(w io.Writer, lv *slog.LevelVar) *slog.Logger {
	return slog.New(NewCorrelationHandler(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
