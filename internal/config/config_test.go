package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, ":8543", cfg.Server.Addr)
	assert.Equal(t, 6*time.Second, cfg.Chain.BlockInterval)
	assert.Equal(t, uint32(10), cfg.Settlement.MaxFungibleLegs)
	assert.Equal(t, uint32(100), cfg.Settlement.MaxNFTsPerInstr)
	assert.Equal(t, 2048, cfg.Settlement.VenueDetailsMaxLen)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
database:
  driver: postgres
  dsn: postgres://localhost/custodia
chain:
  block_interval: 2s
settlement:
  max_fungible_legs: 5
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 2*time.Second, cfg.Chain.BlockInterval)
	assert.Equal(t, uint32(5), cfg.Settlement.MaxFungibleLegs)
	// Unset keys keep their defaults.
	assert.Equal(t, uint32(10), cfg.Settlement.MaxNFTsPerLeg)
}

func TestValidation(t *testing.T) {
	write := func(body string) string {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		return path
	}

	_, err := Load(write("database:\n  driver: oracle\n"))
	assert.ErrorContains(t, err, "unsupported database driver")

	_, err = Load(write("settlement:\n  max_fungible_legs: 0\n"))
	assert.ErrorContains(t, err, "max_fungible_legs")

	_, err = Load(write("chain:\n  block_interval: 0s\n"))
	assert.ErrorContains(t, err, "block_interval")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
