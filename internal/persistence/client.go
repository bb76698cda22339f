// Package persistence is the HTTP client of the diagram API. Sessions use it to
// load the snapshot a new document is seeded from and to save snapshots back.
package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rendis/flowsync/pkg/schema"
)

// BreakerConfig tunes the circuit breaker guarding the API.
type BreakerConfig struct {
	// MaxRequests is the number of probes allowed while half-open.
	MaxRequests uint32
	// Interval is the closed-state window after which counts reset.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// FailureThreshold is the failure ratio that trips the breaker once
	// MinRequests requests were seen.
	FailureThreshold float64
	MinRequests      uint32
}

// Config configures a Client.
type Config struct {
	// BaseURL is the API root, e.g. http://localhost:8000/api.
	BaseURL string
	// Timeout bounds each request.
	Timeout time.Duration
	// MaxResponseBody caps how much of a response is read.
	MaxResponseBody int64
	Breaker         BreakerConfig
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// DefaultConfig returns sensible defaults for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:         baseURL,
		Timeout:         10 * time.Second,
		MaxResponseBody: 16 << 20,
		Breaker: BreakerConfig{
			MaxRequests:      3,
			Interval:         30 * time.Second,
			Timeout:          15 * time.Second,
			FailureThreshold: 0.6,
			MinRequests:      5,
		},
	}
}

// Client talks to /diagrams on the diagram API.
type Client struct {
	cfg    Config
	base   *url.URL
	http   *http.Client
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid api url %q", cfg.BaseURL).WithCause(err)
	}
	def := DefaultConfig(cfg.BaseURL)
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = def.MaxResponseBody
	}
	if cfg.Breaker == (BreakerConfig{}) {
		cfg.Breaker = def.Breaker
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "persistence"))

	bc := cfg.Breaker
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "diagram-api",
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bc.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= bc.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		// Client errors are answers, not outages.
		IsSuccessful: func(err error) bool {
			return err == nil || !schema.IsRetryable(err)
		},
	})

	return &Client{cfg: cfg, base: base, http: hc, cb: cb, logger: logger}, nil
}

// BreakerState reports the circuit breaker state.
func (c *Client) BreakerState() gobreaker.State { return c.cb.State() }

// List returns every diagram.
func (c *Client) List(ctx context.Context) ([]*schema.Diagram, error) {
	var out []*schema.Diagram
	if err := c.do(ctx, http.MethodGet, "/diagrams/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns one diagram including its json_data.
func (c *Client) Get(ctx context.Context, id string) (*schema.Diagram, error) {
	var out schema.Diagram
	if err := c.do(ctx, http.MethodGet, diagramPath(id), nil, &out); err != nil {
		return nil, withDiagram(err, id)
	}
	return &out, nil
}

// CreateRequest is the body of a create call.
type CreateRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	JSONData    json.RawMessage `json:"json_data,omitempty"`
}

// Create creates a diagram. The server assigns the id.
func (c *Client) Create(ctx context.Context, req CreateRequest) (*schema.Diagram, error) {
	var out schema.Diagram
	if err := c.do(ctx, http.MethodPost, "/diagrams/", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update patches the given fields of a diagram.
func (c *Client) Update(ctx context.Context, id string, patch schema.DiagramPatch) (*schema.Diagram, error) {
	var out schema.Diagram
	if err := c.do(ctx, http.MethodPatch, diagramPath(id), patch, &out); err != nil {
		return nil, withDiagram(err, id)
	}
	return &out, nil
}

// Delete removes a diagram.
func (c *Client) Delete(ctx context.Context, id string) error {
	return withDiagram(c.do(ctx, http.MethodDelete, diagramPath(id), nil, nil), id)
}

// ImportJSON replaces a diagram's content with doc, in flat or nested layout.
func (c *Client) ImportJSON(ctx context.Context, id string, doc json.RawMessage) error {
	return withDiagram(c.do(ctx, http.MethodPost, diagramPath(id)+"import_json/", doc, nil), id)
}

// ExportJSON returns the diagram document in its stored layout.
func (c *Client) ExportJSON(ctx context.Context, id string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, diagramPath(id)+"export_json/", nil, &out); err != nil {
		return nil, withDiagram(err, id)
	}
	return out, nil
}

func diagramPath(id string) string {
	return "/diagrams/" + url.PathEscape(id) + "/"
}

func withDiagram(err error, id string) error {
	var se *schema.SyncError
	if errors.As(err, &se) && se.DiagramID == "" {
		se.DiagramID = id
	}
	return err
}

// apiError is the error body written by the API server.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	_, err := c.cb.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, method, path, in, out)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return schema.NewError(schema.ErrCodePersistence, "diagram api unavailable").WithCause(err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return schema.NewError(schema.ErrCodeValidation, "encode request body").WithCause(err)
		}
		body = bytes.NewReader(b)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, c.base.String()+path, body)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "build request").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return schema.NewError(schema.ErrCodeTimeout, "request cancelled").WithCause(err)
		}
		return schema.NewErrorf(schema.ErrCodePersistence, "%s %s failed", method, path).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBody))
	if err != nil {
		return schema.NewError(schema.ErrCodePersistence, "read response body").WithCause(err)
	}
	c.logger.DebugContext(ctx, "api call",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("took", time.Since(start)),
	)

	if resp.StatusCode >= 300 {
		return statusError(method, path, resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return schema.NewError(schema.ErrCodePersistence, "decode response body").WithCause(err)
	}
	return nil
}

func statusError(method, path string, status int, body []byte) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	msg := ae.Error
	if msg == "" {
		msg = fmt.Sprintf("%s %s: %s", method, path, http.StatusText(status))
	}

	var code string
	switch {
	case status == http.StatusNotFound:
		code = schema.ErrCodeNotFound
	case status == http.StatusConflict:
		code = schema.ErrCodeConflict
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		code = schema.ErrCodeValidation
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		code = schema.ErrCodeTimeout
	default:
		code = schema.ErrCodePersistence
	}
	return schema.NewError(code, msg).WithDetails(map[string]any{
		"status":      status,
		"server_code": ae.Code,
	})
}
