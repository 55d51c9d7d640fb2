package logging_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/construct-io/constructd/internal/logging"
)

func TestNewWithoutFilespec(t *testing.T) {
	logger, err := logging.New(logging.DefaultConfig())
	require.NoError(t, err)
	// Must not panic with or without key-value pairs.
	logger.LogInfo("hello")
	logger.LogDebug("detail", "key", "value")
	logger.LogWarn("odd pair count is tolerated", "dangling")
}

func TestNewWritesJSONToFile(t *testing.T) {
	dir := t.TempDir()
	cfg := logging.DefaultConfig()
	cfg.Filespec = filepath.Join(dir, "logs", "constructd.log")

	logger, err := logging.New(cfg)
	require.NoError(t, err)

	logger.LogInfo("federation server listening", "addr", ":8448")

	// The logr queue drains asynchronously; poll briefly for the line.
	var raw []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		raw, _ = os.ReadFile(cfg.Filespec)
		if len(raw) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NotEmpty(t, raw, "log line never reached the file target")

	firstLine, _, _ := bytes.Cut(raw, []byte("\n"))
	var entry map[string]any
	require.NoError(t, json.Unmarshal(firstLine, &entry))
	assert.Equal(t, "federation server listening", entry["msg"])
}
