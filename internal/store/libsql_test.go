package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowsync/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedDiagram(t *testing.T, s *LibSQLStore, name string) *schema.Diagram {
	t.Helper()
	d := &schema.Diagram{
		ID:   uuid.New().String(),
		Name: name,
	}
	require.NoError(t, s.CreateDiagram(context.Background(), d))
	return d
}

func TestCreateAndGetDiagram(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := &schema.Diagram{
		ID:          uuid.New().String(),
		Name:        "onboarding",
		Description: "welcome flow",
		JSONData:    json.RawMessage(`{"nodes":[],"edges":[]}`),
	}
	require.NoError(t, s.CreateDiagram(ctx, d))
	assert.False(t, d.CreatedAt.IsZero())

	got, err := s.GetDiagram(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "onboarding", got.Name)
	assert.Equal(t, "welcome flow", got.Description)
	assert.JSONEq(t, `{"nodes":[],"edges":[]}`, string(got.JSONData))
}

func TestCreateDiagram_Duplicate(t *testing.T) {
	s := newTestStore(t)
	d := seedDiagram(t, s, "dup")

	err := s.CreateDiagram(context.Background(), &schema.Diagram{ID: d.ID, Name: "again"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestGetDiagram_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetDiagram(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestUpdateDiagram(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := seedDiagram(t, s, "before")

	name := "after"
	got, err := s.UpdateDiagram(ctx, d.ID, schema.DiagramPatch{
		Name:     &name,
		JSONData: json.RawMessage(`{"nodes":[{"id":"n1"}],"edges":[]}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "after", got.Name)
	assert.Contains(t, string(got.JSONData), "n1")
	assert.False(t, got.UpdatedAt.Before(d.UpdatedAt))

	// Untouched fields survive a partial patch.
	desc := "described"
	got, err = s.UpdateDiagram(ctx, d.ID, schema.DiagramPatch{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, "after", got.Name)
	assert.Equal(t, "described", got.Description)
	assert.Contains(t, string(got.JSONData), "n1")

	_, err = s.UpdateDiagram(ctx, "missing", schema.DiagramPatch{Name: &name})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestListDiagrams(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDiagram(t, s, "alpha flow")
	seedDiagram(t, s, "beta flow")
	seedDiagram(t, s, "gamma")

	all, err := s.ListDiagrams(ctx, DiagramFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	flows, err := s.ListDiagrams(ctx, DiagramFilter{NameContains: "flow"})
	require.NoError(t, err)
	assert.Len(t, flows, 2)

	page, err := s.ListDiagrams(ctx, DiagramFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestDeleteDiagram_CascadesUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := seedDiagram(t, s, "doomed")
	require.NoError(t, s.AppendUpdate(ctx, &Update{DiagramID: d.ID, Data: []byte{1}}))

	require.NoError(t, s.DeleteDiagram(ctx, d.ID))
	_, err := s.GetDiagram(ctx, d.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	updates, err := s.GetUpdates(ctx, d.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, updates)

	err = s.DeleteDiagram(ctx, d.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
}

func TestVacuum(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Vacuum(context.Background()))
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- only a comment\n;\nCREATE INDEX i ON a(x);")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE INDEX i")
}

func TestLoadMigrations(t *testing.T) {
	embedded, err := loadMigrations(migrationFiles)
	require.NoError(t, err)
	require.NotEmpty(t, embedded)
	assert.Equal(t, 1, embedded[0].Version)
	assert.Equal(t, "initial_schema", embedded[0].Name)

	ordered, err := loadMigrations(fstest.MapFS{
		"migrations/010_later.sql": {Data: []byte("SELECT 2;")},
		"migrations/002_early.sql": {Data: []byte("SELECT 1;")},
	})
	require.NoError(t, err)
	require.Len(t, ordered, 2)
	assert.Equal(t, []int{2, 10}, []int{ordered[0].Version, ordered[1].Version})

	bad := []fstest.MapFS{
		{"migrations/init.sql": {Data: []byte("SELECT 1;")}},
		{"migrations/x_init.sql": {Data: []byte("SELECT 1;")}},
		{"migrations/001_a.sql": {Data: []byte("SELECT 1;")}, "migrations/1_b.sql": {Data: []byte("SELECT 1;")}},
	}
	for _, fsys := range bad {
		_, err := loadMigrations(fsys)
		assert.Error(t, err)
	}
}
