package relay

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/flowsync/internal/crdt"
	"github.com/rendis/flowsync/internal/store"
	"github.com/rendis/flowsync/pkg/schema"
)

// CompactorConfig configures update log compaction.
type CompactorConfig struct {
	Schedule    string `json:"schedule" yaml:"schedule"`
	MinRows     int    `json:"min_rows" yaml:"min_rows"`
	Concurrency int    `json:"concurrency" yaml:"concurrency"`
}

// DefaultCompactorConfig compacts every 15 minutes any log holding 64 rows or more.
func DefaultCompactorConfig() CompactorConfig {
	return CompactorConfig{
		Schedule:    "*/15 * * * *",
		MinRows:     64,
		Concurrency: 2,
	}
}

// Compactor folds each diagram's update log into a single encoded delta.
// It implements scheduler.Job.
type Compactor struct {
	cfg     CompactorConfig
	store   store.Store
	metrics *Metrics
	logger  *slog.Logger
}

// NewCompactor creates a Compactor.
func NewCompactor(st store.Store, cfg CompactorConfig, metrics *Metrics, logger *slog.Logger) *Compactor {
	if cfg.MinRows < 2 {
		cfg.MinRows = 2
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{cfg: cfg, store: st, metrics: metrics, logger: logger.With(slog.String("component", "compactor"))}
}

// Name implements scheduler.Job.
func (c *Compactor) Name() string { return "compact-update-logs" }

// Run compacts every diagram whose log is large enough, at most Concurrency at
// a time. A failing diagram does not stop the others.
func (c *Compactor) Run(ctx context.Context) error {
	stats, err := c.store.UpdateStats(ctx, c.cfg.MinRows)
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		return nil
	}

	var compacted, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.cfg.Concurrency, 1))
	for _, st := range stats {
		diagramID := st.DiagramID
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			res, err := c.CompactDiagram(gctx, diagramID)
			switch {
			case err != nil:
				failed.Add(1)
			case res.Skipped:
				skipped.Add(1)
			default:
				compacted.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "compaction pass finished",
		slog.Int("diagrams", len(stats)),
		slog.Int64("compacted", compacted.Load()),
		slog.Int64("skipped", skipped.Load()),
		slog.Int64("failed", failed.Load()),
	)
	if n := failed.Load(); n > 0 {
		return schema.NewErrorf(schema.ErrCodeStore, "%d of %d diagrams failed to compact", n, len(stats))
	}
	return nil
}

// CompactResult describes one diagram compaction.
type CompactResult struct {
	DiagramID string `json:"diagram_id"`
	Rows      int    `json:"rows"`
	UpTo      int64  `json:"up_to"`
	Bytes     int    `json:"bytes"`
	Skipped   bool   `json:"skipped,omitempty"`
}

// CompactDiagram folds the current log of diagramID. Rows appended while it runs
// are kept after the compacted row.
func (c *Compactor) CompactDiagram(ctx context.Context, diagramID string) (CompactResult, error) {
	start := time.Now()
	defer func() { c.metrics.CompactDuration.Observe(time.Since(start).Seconds()) }()

	res := CompactResult{DiagramID: diagramID}
	doc, upTo, rows, err := ReplayLog(ctx, c.store, diagramID, c.logger)
	if err != nil {
		c.metrics.Compactions.WithLabelValues("error").Inc()
		c.logger.WarnContext(ctx, "compaction failed", slog.String("diagram_id", diagramID), slog.String("error", err.Error()))
		return res, err
	}
	res.Rows, res.UpTo = rows, upTo
	if rows < 2 {
		res.Skipped = true
		c.metrics.Compactions.WithLabelValues("skipped").Inc()
		return res, nil
	}

	data := doc.DiffSince(nil).Encode()
	res.Bytes = len(data)
	if err := c.store.CompactUpdates(ctx, diagramID, upTo, data); err != nil {
		c.metrics.Compactions.WithLabelValues("error").Inc()
		return res, err
	}
	c.metrics.Compactions.WithLabelValues("ok").Inc()
	c.logger.DebugContext(ctx, "compacted update log",
		slog.String("diagram_id", diagramID),
		slog.Int("rows", rows),
		slog.Int("bytes", len(data)),
	)
	return res, nil
}

// ReplayLog rebuilds a document from the stored update log of diagramID. It
// returns the document, the highest sequence folded in and the number of rows
// read. Rows that do not decode are skipped; a log whose ops cannot all be
// placed is an integrity error.
func ReplayLog(ctx context.Context, st store.Store, diagramID string, logger *slog.Logger) (*crdt.Doc, int64, int, error) {
	updates, err := st.GetUpdates(ctx, diagramID, 0)
	if err != nil {
		return nil, 0, 0, err
	}
	doc := crdt.NewDoc(crdt.NewClientID())
	if len(updates) == 0 {
		return doc, 0, 0, nil
	}

	var all crdt.Delta
	for _, u := range updates {
		d, err := crdt.DecodeDelta(u.Data)
		if err != nil {
			if logger != nil {
				logger.WarnContext(ctx, "skipping undecodable update",
					slog.String("diagram_id", diagramID),
					slog.Int64("sequence", u.Sequence),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		all.Ops = append(all.Ops, d.Ops...)
	}
	if _, err := doc.Merge(all, nil); err != nil {
		return nil, 0, 0, schema.NewError(schema.ErrCodeIntegrity, "update log does not replay").
			WithDiagram(diagramID).WithCause(err)
	}
	return doc, updates[len(updates)-1].Sequence, len(updates), nil
}
