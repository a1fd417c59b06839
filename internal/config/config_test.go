package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"agrilend/internal/config"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, config.Default().Validate())
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agrilend.toml")
	body := `
[storage]
path = "/var/lib/agrilend/state.db"

[http]
listen_addr = ":9090"

[parameters]
admins = ["admin1"]
ltv_ratio_bps = 5000
reference_idr_per_btc = 600000000
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/agrilend/state.db", cfg.Storage.Path)
	require.Equal(t, ":9090", cfg.HTTP.ListenAddr)
	require.Equal(t, uint64(5000), cfg.Parameters.LTVRatioBps)
	require.Equal(t, []string{"admin1"}, cfg.Parameters.Admins)
	// untouched fields keep their defaults
	require.Equal(t, 120, cfg.HTTP.RateLimitPerMinute)
	require.Equal(t, uint64(1000), cfg.Parameters.ProtocolFeeBps)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestValidateRejectsOutOfRangeRatios(t *testing.T) {
	cfg := config.Default()
	cfg.Parameters.LTVRatioBps = 0
	require.Error(t, cfg.Validate())

	cfg = config.Default()
	cfg.Parameters.LTVRatioBps = 10_001
	require.Error(t, cfg.Validate())

	cfg = config.Default()
	cfg.Parameters.ProtocolFeeBps = 10_001
	require.Error(t, cfg.Validate())

	cfg = config.Default()
	cfg.Storage.Path = ""
	require.Error(t, cfg.Validate())
}
