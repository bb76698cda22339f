package store

import (
	"context"

	"github.com/rendis/flowsync/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Diagrams
	CreateDiagram(ctx context.Context, d *schema.Diagram) error
	GetDiagram(ctx context.Context, id string) (*schema.Diagram, error)
	UpdateDiagram(ctx context.Context, id string, patch schema.DiagramPatch) (*schema.Diagram, error)
	ListDiagrams(ctx context.Context, filter DiagramFilter) ([]*schema.Diagram, error)
	DeleteDiagram(ctx context.Context, id string) error

	// Update log (append-only, per-diagram sequence)
	AppendUpdate(ctx context.Context, u *Update) error
	GetUpdates(ctx context.Context, diagramID string, since int64) ([]*Update, error)
	CompactUpdates(ctx context.Context, diagramID string, upTo int64, data []byte) error
	UpdateStats(ctx context.Context, minRows int) ([]UpdateStat, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
