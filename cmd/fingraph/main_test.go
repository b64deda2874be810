package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/fingraph/pkg/dualwrite"
	"github.com/orneryd/fingraph/pkg/wal"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// writeConfig writes a hybrid config with a SQLite primary and an in-memory
// graph store, rooted at dir.
func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	content := fmt.Sprintf(`storage:
  mode: hybrid
  sync_mode: strict
  primary:
    kind: sqlite
    dsn: %s
    pool_size: 2
  secondary:
    kind: memory
    name: graph
wal:
  dir: %s
  sync_mode: none
logging:
  output: none
`, filepath.Join(dir, "kg.db"), filepath.Join(dir, "wal"))
	path := filepath.Join(dir, "fingraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "fingraph v"+version)
}

func TestHealth(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "health", "--config", writeConfig(t, dir))
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite")
	assert.Contains(t, out, "ok")
	assert.Contains(t, out, "0 entities, 0 relations")
}

func TestRecover(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)

	w, err := wal.Open(wal.Config{Dir: filepath.Join(dir, "wal"), SyncMode: wal.SyncNone})
	require.NoError(t, err)
	_, err = w.Append(wal.Begin, "tx-orphan", map[string]any{})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	out, err := execute(t, "recover", "--config", cfgPath, "--policy", "discard")
	require.NoError(t, err)

	var report dualwrite.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, dualwrite.RecoverDiscard, report.Policy)
	assert.Equal(t, []string{"tx-orphan"}, report.Discarded)

	_, err = execute(t, "recover", "--config", cfgPath, "--policy", "maybe")
	assert.Error(t, err)
}

func TestWALInspect(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Open(wal.Config{Dir: dir, SyncMode: wal.SyncNone})
	require.NoError(t, err)
	_, err = w.Append(wal.Begin, "tx-done", map[string]any{})
	require.NoError(t, err)
	_, err = w.Checkpoint("tx-done")
	require.NoError(t, err)
	_, err = w.Append(wal.Begin, "tx-open", map[string]any{})
	require.NoError(t, err)
	_, err = w.Append(wal.Prepare, "tx-open", map[string]any{"participant": "graph"})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	out, err := execute(t, "wal", "inspect", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "4 entries, 0 corrupted, 1 uncommitted")
	assert.Contains(t, out, "tx-open")
	assert.Contains(t, out, string(wal.Prepare))
	assert.NotContains(t, out, "tx-done")
}
