package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowsync/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/flowsync.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Diagrams ---

const diagramColumns = "id, name, description, json_data, created_at, updated_at"

func (s *LibSQLStore) CreateDiagram(ctx context.Context, d *schema.Diagram) error {
	if d.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "diagram id is required")
	}
	d.CreatedAt = timeOrNow(d.CreatedAt)
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO diagrams (`+diagramColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.Description, nullRaw(d.JSONData), d.CreatedAt, d.UpdatedAt,
	)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return schema.NewErrorf(schema.ErrCodeConflict, "diagram %q already exists", d.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetDiagram(ctx context.Context, id string) (*schema.Diagram, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+diagramColumns+` FROM diagrams WHERE id = ?`, id)
	d, err := scanDiagram(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("diagram", id)
	}
	return d, err
}

func (s *LibSQLStore) UpdateDiagram(ctx context.Context, id string, patch schema.DiagramPatch) (*schema.Diagram, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	if patch.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *patch.Description)
	}
	if len(patch.JSONData) > 0 {
		sets = append(sets, "json_data = ?")
		args = append(args, string(patch.JSONData))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE diagrams SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return nil, err
	}
	if err := checkRowsAffected(res, "diagram", id); err != nil {
		return nil, err
	}
	return s.GetDiagram(ctx, id)
}

func (s *LibSQLStore) ListDiagrams(ctx context.Context, filter DiagramFilter) ([]*schema.Diagram, error) {
	var where []string
	var args []any

	if filter.NameContains != "" {
		where = append(where, "name LIKE ?")
		args = append(args, "%"+filter.NameContains+"%")
	}

	query := "SELECT " + diagramColumns + " FROM diagrams"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var diagrams []*schema.Diagram
	for rows.Next() {
		d, err := scanDiagram(rows)
		if err != nil {
			return nil, err
		}
		diagrams = append(diagrams, d)
	}
	return diagrams, rows.Err()
}

func (s *LibSQLStore) DeleteDiagram(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM diagrams WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "diagram", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDiagram(row rowScanner) (*schema.Diagram, error) {
	d := &schema.Diagram{}
	var data sql.NullString
	if err := row.Scan(&d.ID, &d.Name, &d.Description, &data, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.JSONData = rawOrNil(data)
	return d, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.SyncError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
