// Package api is the reference diagram API: CRUD over diagrams plus JSON
// import and export. Sessions reach it through internal/persistence.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/flowsync/internal/crdt"
	"github.com/rendis/flowsync/internal/expressions"
	"github.com/rendis/flowsync/internal/relay"
	"github.com/rendis/flowsync/internal/store"
	"github.com/rendis/flowsync/internal/streaming"
	"github.com/rendis/flowsync/internal/transport"
	"github.com/rendis/flowsync/internal/validation"
	"github.com/rendis/flowsync/pkg/schema"
)

// ImportSender is the sender stamped on updates written by an import.
const ImportSender = "api"

// originImport tags the replacement transaction of an import.
type originImport struct{}

// CreateInput is the body of a create request.
type CreateInput struct {
	Name        string          `json:"name" validate:"required,min=1,max=255"`
	Description string          `json:"description"`
	JSONData    json.RawMessage `json:"json_data,omitempty"`
}

// ImportResult summarizes an import.
type ImportResult struct {
	DiagramID string `json:"diagram_id"`
	FlowID    string `json:"flow_id"`
	Nodes     int    `json:"nodes"`
	Edges     int    `json:"edges"`
	Sequence  int64  `json:"sequence"`
}

// Service implements the diagram operations shared by the HTTP API and the
// MCP tools.
type Service struct {
	store   store.Store
	hub     streaming.Hub
	linter  *validation.Linter
	querier *expressions.Querier
	logger  *slog.Logger
}

// NewService creates a Service. hub may be nil when no relay shares the store.
func NewService(st store.Store, hub streaming.Hub, logger *slog.Logger) (*Service, error) {
	guards, err := expressions.NewGuards()
	if err != nil {
		return nil, err
	}
	linter, err := validation.NewLinter(guards)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   st,
		hub:     hub,
		linter:  linter,
		querier: expressions.NewQuerier(),
		logger:  logger.With(slog.String("component", "api")),
	}, nil
}

// List returns the diagrams matching filter.
func (s *Service) List(ctx context.Context, filter store.DiagramFilter) ([]*schema.Diagram, error) {
	out, err := s.store.ListDiagrams(ctx, filter)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*schema.Diagram{}
	}
	return out, nil
}

// Get returns one diagram.
func (s *Service) Get(ctx context.Context, id string) (*schema.Diagram, error) {
	return s.store.GetDiagram(ctx, id)
}

// Create stores a new diagram under a fresh uuid. Initial json_data is
// imported so the update log matches it.
func (s *Service) Create(ctx context.Context, in CreateInput) (*schema.Diagram, error) {
	if err := validation.Struct(in); err != nil {
		return nil, err
	}
	d := &schema.Diagram{ID: uuid.NewString(), Name: in.Name, Description: in.Description}
	if err := s.store.CreateDiagram(ctx, d); err != nil {
		return nil, err
	}
	if hasJSON(in.JSONData) {
		if _, err := s.Import(ctx, d.ID, in.JSONData); err != nil {
			_ = s.store.DeleteDiagram(ctx, d.ID)
			return nil, err
		}
		return s.store.GetDiagram(ctx, d.ID)
	}
	return d, nil
}

// Update patches name, description or json_data.
func (s *Service) Update(ctx context.Context, id string, patch schema.DiagramPatch) (*schema.Diagram, error) {
	if err := validation.Struct(patch); err != nil {
		return nil, err
	}
	if hasJSON(patch.JSONData) {
		if _, err := expressions.ExtractDocument(patch.JSONData); err != nil {
			return nil, err
		}
	}
	return s.store.UpdateDiagram(ctx, id, patch)
}

// Delete removes a diagram and its update log.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteDiagram(ctx, id)
}

// Import replaces the content of a diagram with doc. The original document is
// kept as json_data; the records are written to the update log as one update
// that deletes every current record and seeds the new ones, and the update is
// published to connected editors.
func (s *Service) Import(ctx context.Context, id string, raw json.RawMessage) (ImportResult, error) {
	res := ImportResult{DiagramID: id}
	if !hasJSON(raw) {
		return res, schema.NewError(schema.ErrCodeValidation, "json_data is required")
	}
	if _, err := s.store.GetDiagram(ctx, id); err != nil {
		return res, err
	}
	parsed, err := expressions.ExtractDocument(raw)
	if err != nil {
		return res, err
	}
	snap := parsed.Snapshot()
	if err := s.linter.CheckImport(snap); err != nil {
		return res, err
	}

	doc, _, _, err := relay.ReplayLog(ctx, s.store, id, s.logger)
	if err != nil {
		return res, err
	}
	delta := doc.Transact(originImport{}, func(tx *crdt.Txn) {
		for _, seq := range []crdt.Seq{crdt.SeqNodes, crdt.SeqEdges} {
			for _, r := range doc.Records(seq) {
				tx.Delete(seq, r.Item)
			}
			for _, item := range doc.Shadowed(seq) {
				tx.Delete(seq, item)
			}
		}
		crdt.Seed(tx, snap)
	})

	res.FlowID, res.Nodes, res.Edges = parsed.ID, len(snap.Nodes), len(snap.Edges)
	if !delta.Empty() {
		u := &store.Update{DiagramID: id, ClientID: ImportSender, Data: delta.Encode()}
		if err := s.store.AppendUpdate(ctx, u); err != nil {
			return res, err
		}
		res.Sequence = u.Sequence
		s.publish(ctx, id, u.Data)
	}

	if _, err := s.store.UpdateDiagram(ctx, id, schema.DiagramPatch{JSONData: raw}); err != nil {
		return res, err
	}
	s.logger.InfoContext(ctx, "imported diagram",
		slog.String("diagram_id", id),
		slog.Int("nodes", res.Nodes),
		slog.Int("edges", res.Edges),
	)
	return res, nil
}

// Export returns the stored json_data. A diagram that has none gets it
// derived from its update log and saved.
func (s *Service) Export(ctx context.Context, id string) (json.RawMessage, error) {
	d, err := s.store.GetDiagram(ctx, id)
	if err != nil {
		return nil, err
	}
	if hasJSON(d.JSONData) {
		return d.JSONData, nil
	}
	doc, _, rows, err := relay.ReplayLog(ctx, s.store, id, s.logger)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, schema.NewError(schema.ErrCodeNotFound, "No data available").WithDiagram(id)
	}
	out, err := expressions.RestoreDocument(doc.Snapshot(), nil, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.UpdateDiagram(ctx, id, schema.DiagramPatch{JSONData: out}); err != nil {
		return nil, err
	}
	return out, nil
}

// Snapshot returns the live projection of a diagram from its update log.
func (s *Service) Snapshot(ctx context.Context, id string) (schema.Snapshot, error) {
	if _, err := s.store.GetDiagram(ctx, id); err != nil {
		return schema.Snapshot{}, err
	}
	return s.replay(ctx, id)
}

// Lint checks the live projection of a diagram.
func (s *Service) Lint(ctx context.Context, id string) (*schema.ValidationResult, error) {
	snap, err := s.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.linter.Lint(snap), nil
}

// Query returns the nodes of a diagram matching an expr-lang predicate.
func (s *Service) Query(ctx context.Context, id, expression string) ([]schema.NodeRecord, error) {
	snap, err := s.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.querier.Query(ctx, snap, expression)
}

func (s *Service) replay(ctx context.Context, id string) (schema.Snapshot, error) {
	doc, _, _, err := relay.ReplayLog(ctx, s.store, id, s.logger)
	if err != nil {
		return schema.Snapshot{}, err
	}
	return doc.Snapshot(), nil
}

func (s *Service) publish(ctx context.Context, id string, data []byte) {
	if s.hub == nil {
		return
	}
	env := streaming.Envelope{
		DiagramID: id,
		Frame:     transport.Frame{Type: transport.FrameUpdate, Sender: ImportSender, Payload: data},
	}
	if err := s.hub.Publish(ctx, env); err != nil {
		s.logger.WarnContext(ctx, "publish import failed", slog.String("diagram_id", id), slog.String("error", err.Error()))
	}
}

func hasJSON(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && !strings.EqualFold(string(t), "null")
}
