package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowsync/internal/api"
	"github.com/rendis/flowsync/internal/logging"
	"github.com/rendis/flowsync/internal/relay"
	"github.com/rendis/flowsync/internal/scheduler"
	"github.com/rendis/flowsync/internal/store"
	"github.com/rendis/flowsync/internal/streaming"
	"github.com/rendis/flowsync/pkg/schema"
)

// execute runs the CLI with a settings file pointing at a temp database.
func execute(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()
	clearEnv(t)
	settings := writeFile(t, t.TempDir(), "settings.yaml", "db_path: "+dbPath+"\nlog_level: error\n")

	var out bytes.Buffer
	cmd := newRootCmd(io.Discard)
	cmd.SetOut(&out)
	cmd.SetArgs(append([]string{"--config", settings, "--env-file", ""}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, filepath.Join(t.TempDir(), "unused.db"), "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestMigrateCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data", "flowsync.db")
	_, err := execute(t, dbPath, "migrate", "--vacuum")
	require.NoError(t, err)

	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	defer st.Close()
	list, err := st.ListDiagrams(context.Background(), store.DiagramFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCompactCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "flowsync.db")
	_, err := execute(t, dbPath, "migrate")
	require.NoError(t, err)

	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	ctx := context.Background()
	svc, err := api.NewService(st, nil, logging.Discard())
	require.NoError(t, err)
	d, err := svc.Create(ctx, api.CreateInput{Name: "flow"})
	require.NoError(t, err)
	for range 2 {
		_, err = svc.Import(ctx, d.ID, json.RawMessage(`{"nodes":[{"id":"a","position":{"x":0,"y":0},"data":{"label":"A"}}],"edges":[]}`))
		require.NoError(t, err)
	}
	require.NoError(t, st.Close())

	out, err := execute(t, dbPath, "compact", "--diagram", d.ID)
	require.NoError(t, err)
	var res relay.CompactResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, d.ID, res.DiagramID)
	assert.Equal(t, 2, res.Rows)
	assert.False(t, res.Skipped)

	_, err = execute(t, dbPath, "compact", "--min-rows", "2")
	require.NoError(t, err)
}

func TestUnknownCommand(t *testing.T) {
	_, err := execute(t, filepath.Join(t.TempDir(), "unused.db"), "frobnicate")
	require.Error(t, err)
}

func TestRoutes_ToggleAPI(t *testing.T) {
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "routes.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.CreateDiagram(context.Background(), &schema.Diagram{ID: "d1", Name: "d1"}))

	hub := streaming.NewMemoryHub(0)
	svc, err := api.NewService(st, hub, logging.Discard())
	require.NoError(t, err)
	sched := scheduler.NewScheduler(0, logging.Discard())
	require.NoError(t, sched.Add("@hourly", relay.NewCompactor(st, relay.DefaultCompactorConfig(), nil, logging.Discard())))
	rt := routes{
		relay: relay.NewServer(st, hub, relay.DefaultConfig(), relay.NewMetrics(), logging.Discard()),
		api:   api.NewServer(svc, logging.Discard()),
		jobs:  sched,
	}

	swapper := newHandlerSwapper(rt.build(true))
	srv := httptest.NewServer(swapper)
	defer srv.Close()

	status := func(path string) int {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, status("/api/diagrams/d1"))
	assert.Equal(t, http.StatusOK, status("/metrics"))

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	var health struct {
		Status string                `json:"status"`
		Jobs   []scheduler.JobStatus `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health.Status)
	require.Len(t, health.Jobs, 1)
	assert.Equal(t, "compact-update-logs", health.Jobs[0].Name)

	resp, err = http.Post(srv.URL+"/jobs/compact-update-logs/run", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, err = http.Post(srv.URL+"/jobs/missing/run", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	swapper.Swap(rt.build(false))
	assert.Equal(t, http.StatusNotFound, status("/api/diagrams/d1"))
	assert.Equal(t, http.StatusOK, status("/metrics"))
}
