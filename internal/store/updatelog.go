package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rendis/flowsync/pkg/schema"
)

// lockWrites forces a write lock on tx. In WAL mode BeginTx alone may start a
// deferred transaction, letting two writers read the same MAX(sequence).
func lockWrites(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}
	return nil
}

// AppendUpdate appends u with the next per-diagram sequence and fills in
// u.ID, u.Sequence and u.CreatedAt.
func (s *LibSQLStore) AppendUpdate(ctx context.Context, u *Update) error {
	if len(u.Data) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "update data is empty")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := lockWrites(ctx, tx); err != nil {
		return err
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM diagram_updates WHERE diagram_id = ?`, u.DiagramID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	u.Sequence = seq
	u.CreatedAt = timeOrNow(u.CreatedAt)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO diagram_updates (diagram_id, sequence, client_id, data, compacted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.DiagramID, seq, nullStr(u.ClientID), u.Data, u.Compacted, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert update: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		u.ID = id
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

// GetUpdates returns updates of a diagram with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetUpdates(ctx context.Context, diagramID string, since int64) ([]*Update, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, diagram_id, sequence, client_id, data, compacted, created_at
		 FROM diagram_updates WHERE diagram_id = ? AND sequence > ? ORDER BY sequence ASC`,
		diagramID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updates []*Update
	for rows.Next() {
		u := &Update{}
		var client sql.NullString
		if err := rows.Scan(&u.ID, &u.DiagramID, &u.Sequence, &client, &u.Data, &u.Compacted, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.ClientID = client.String
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

// CompactUpdates replaces every update with sequence <= upTo by a single
// compacted row carrying data at sequence upTo. Rows appended after upTo are
// left untouched.
func (s *LibSQLStore) CompactUpdates(ctx context.Context, diagramID string, upTo int64, data []byte) error {
	if upTo <= 0 || len(data) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "compaction needs a positive sequence and data")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := lockWrites(ctx, tx); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM diagram_updates WHERE diagram_id = ? AND sequence <= ?`, diagramID, upTo)
	if err != nil {
		return fmt.Errorf("delete compacted range: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storeNotFound("update range of diagram", diagramID)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO diagram_updates (diagram_id, sequence, client_id, data, compacted, created_at)
		 VALUES (?, ?, NULL, ?, 1, ?)`,
		diagramID, upTo, data, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("insert compacted update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit compaction: %w", err)
	}
	return nil
}

// UpdateStats returns per-diagram log statistics for diagrams holding at least
// minRows rows, largest first.
func (s *LibSQLStore) UpdateStats(ctx context.Context, minRows int) ([]UpdateStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT diagram_id, COUNT(*), COALESCE(SUM(LENGTH(data)), 0), MAX(sequence)
		 FROM diagram_updates GROUP BY diagram_id HAVING COUNT(*) >= ?
		 ORDER BY COUNT(*) DESC, diagram_id`, minRows,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []UpdateStat
	for rows.Next() {
		var st UpdateStat
		if err := rows.Scan(&st.DiagramID, &st.Rows, &st.Bytes, &st.MaxSequence); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
