package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/flowsync/internal/crdt"
	"github.com/rendis/flowsync/internal/expressions"
	"github.com/rendis/flowsync/pkg/schema"
)

// Bootstrap settles the initial document state. It waits for the relay to
// finish replaying the diagram's update log, for SyncTimeout, or for the
// transport to give up. A non-empty document is authoritative; otherwise the
// persisted snapshot is loaded and seeded into the document as a replicated,
// non-undoable transaction. Later calls return the current snapshot.
//
// A load failure still settles the session on whatever state it has, so the
// live session keeps working; the error is returned and published as a
// StatusLoadFailed event.
func (s *Session) Bootstrap(ctx context.Context) (schema.Snapshot, error) {
	timer := time.NewTimer(s.cfg.SyncTimeout)
	defer timer.Stop()
	select {
	case <-s.syncDone:
	case <-s.offline:
	case <-timer.C:
		s.logger.WarnContext(s.ctx, "relay replay not finished, bootstrapping anyway", slog.Duration("timeout", s.cfg.SyncTimeout))
	case <-ctx.Done():
		return schema.Snapshot{}, ctx.Err()
	}

	s.mu.Lock()
	needSeed := !s.settled && s.doc.Empty() && !s.organic
	s.mu.Unlock()

	var (
		seed    schema.Snapshot
		loadErr error
	)
	if needSeed {
		seed, loadErr = s.load(ctx)
		if loadErr != nil {
			s.logger.ErrorContext(s.ctx, "loading persisted snapshot failed", slog.String("error", loadErr.Error()))
			s.statuses.emit(StatusEvent{Kind: StatusLoadFailed, Err: loadErr})
		}
	}

	var (
		snap    schema.Snapshot
		settled bool
	)
	_ = s.update(func() error {
		if s.settled {
			snap = s.doc.Snapshot()
			return nil
		}
		// Peers or the user may have filled the document while we were loading.
		if needSeed && loadErr == nil && !seed.Empty() && s.doc.Empty() && !s.organic {
			s.doc.Transact(OriginBootstrap, func(tx *crdt.Txn) { crdt.Seed(tx, seed) })
		}
		s.settled, settled = true, true
		s.pending = nil
		snap = s.doc.Snapshot()
		return nil
	})
	if settled {
		s.changes.emit(ChangeEvent{Snapshot: snap, Origin: OriginBootstrap, Local: true})
		s.flushSoon()
	}
	return snap, loadErr
}

func (s *Session) load(ctx context.Context) (schema.Snapshot, error) {
	d, err := s.store.Get(ctx, s.diagramID)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			return schema.Snapshot{}, nil
		}
		return schema.Snapshot{}, err
	}
	if len(d.JSONData) == 0 {
		return schema.Snapshot{}, nil
	}
	snap, err := expressions.ExtractSnapshot(d.JSONData)
	if err != nil {
		return schema.Snapshot{}, schema.NewError(schema.ErrCodePersistence, "persisted snapshot is unreadable").
			WithDiagram(s.diagramID).WithCause(err)
	}
	return snap, nil
}

// Export returns the current projection of the document.
func (s *Session) Export() schema.Snapshot {
	return s.Snapshot()
}

// Save persists the current projection as the diagram's json_data. A failure
// is returned and published as a StatusSaveFailed event; the live session is
// unaffected.
func (s *Session) Save(ctx context.Context) error {
	data, err := json.Marshal(s.Export())
	if err != nil {
		return schema.NewError(schema.ErrCodePersistence, "encode snapshot").WithCause(err)
	}
	if _, err := s.store.Update(ctx, s.diagramID, schema.DiagramPatch{JSONData: data}); err != nil {
		s.logger.ErrorContext(s.ctx, "saving snapshot failed", slog.String("error", err.Error()))
		s.statuses.emit(StatusEvent{Kind: StatusSaveFailed, Err: err})
		return err
	}
	s.logger.DebugContext(s.ctx, "snapshot saved")
	return nil
}
