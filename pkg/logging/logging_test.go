package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("json_format", func(t *testing.T) {
		var buf bytes.Buffer
		logger, closer, err := New(Config{Level: "debug", Format: "json"}, &buf)
		require.NoError(t, err)
		defer closer.Close()

		logger.Debug("prepared", "txid", "tx-1")

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "prepared", line["msg"])
		assert.Equal(t, "tx-1", line["txid"])
	})

	t.Run("level_filters_messages", func(t *testing.T) {
		var buf bytes.Buffer
		logger, _, err := New(Config{Level: "warn"}, &buf)
		require.NoError(t, err)

		logger.Info("dropped")
		assert.Empty(t, buf.String())
		logger.Warn("kept")
		assert.Contains(t, buf.String(), "kept")
	})

	t.Run("file_output", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "app.log")
		logger, closer, err := New(Config{Output: path}, nil)
		require.NoError(t, err)
		logger.Info("hello")
		require.NoError(t, closer.Close())
	})

	t.Run("unknown_format", func(t *testing.T) {
		_, _, err := New(Config{Format: "xml"}, &bytes.Buffer{})
		assert.Error(t, err)
	})
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestOrDiscard(t *testing.T) {
	assert.NotNil(t, OrDiscard(nil))
	l := Discard()
	assert.Same(t, l, OrDiscard(l))
}
