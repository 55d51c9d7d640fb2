package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/construct-io/constructd/internal/config"
)

func TestLoadDefaultsWithNoFile(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default().Listen, cfg.Listen)
	assert.Equal(t, "localhost", cfg.ServerName)
	assert.Equal(t, 4, cfg.DNSResolverRetryMax)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadOverlaysYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "constructd.yaml")
	yaml := "listen: \":9999\"\nmatrix.server_name: example.org\nircd.net.dns.resolver.retry_max: 2\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Listen)
	assert.Equal(t, "example.org", cfg.ServerName)
	assert.Equal(t, 2, cfg.DNSResolverRetryMax)
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "constructd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("matrix.server_name: from-yaml\n"), 0o600))

	t.Setenv("MATRIX_SERVER_NAME", "from-env")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.ServerName)
}

func TestLoadRejectsInvalidRetryMax(t *testing.T) {
	path := filepath.Join(t.TempDir(), "constructd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ircd.net.dns.resolver.retry_max: 0\n"), 0o600))

	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestStoreSwapRejectsInvalidConfig(t *testing.T) {
	store := config.NewStore(config.Default())
	bad := config.Default()
	bad.ServerName = ""

	err := store.Swap(bad)
	assert.Error(t, err)
	assert.Equal(t, "localhost", store.Get().ServerName)
}

func TestStoreSwapReplacesSnapshot(t *testing.T) {
	store := config.NewStore(config.Default())
	updated := config.Default()
	updated.ServerName = "updated.example"

	require.NoError(t, store.Swap(updated))
	assert.Equal(t, "updated.example", store.Get().ServerName)
}
