package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakepool/internal/config"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := config.Defaults()
	require.NoError(t, cfg.Validate())
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "stakepool.toml", `
mode = "api"

[database]
driver = "sqlite"
sqlite_path = "/tmp/pool.db"

[escrow]
lock_ttl = "90s"
sweep_batch = 50

[server]
cors_origins = ["https://app.example"]
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "api", cfg.Mode)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 90*time.Second, cfg.Escrow.LockTTL.Duration)
	assert.Equal(t, 50, cfg.Escrow.SweepBatch)
	assert.Equal(t, []string{"https://app.example"}, cfg.Server.CORSOrigins)
	// Untouched sections keep their defaults.
	assert.Equal(t, time.Minute, cfg.Settlement.PublishInterval.Duration)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "stakepool.yaml", `
mode: worker
settlement:
  chain_id: 8453
  close_interval: 10s
notify:
  events: [root_mismatch]
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "worker", cfg.Mode)
	assert.Equal(t, int64(8453), cfg.Settlement.ChainID)
	assert.Equal(t, 10*time.Second, cfg.Settlement.CloseInterval.Duration)
	assert.Equal(t, []string{"root_mismatch"}, cfg.Notify.Events)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STAKEPOOL_MODE", "worker")
	t.Setenv("STAKEPOOL_DATABASE_PORT", "6543")
	t.Setenv("STAKEPOOL_ESCROW_LOCK_TTL", "2m")
	t.Setenv("STAKEPOOL_SERVER_CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("STAKEPOOL_REDIS_ENABLED", "false")
	t.Setenv("STAKEPOOL_SERVER_PORT", "not-a-number")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "worker", cfg.Mode)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, 2*time.Minute, cfg.Escrow.LockTTL.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 8080, cfg.Server.Port, "unparsable values are ignored")
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "trade"
	cfg.Database.Driver = "mysql"
	cfg.Escrow.SweepBatch = 0
	cfg.Settlement.Attest = true
	cfg.Settlement.ContractAddress = "0x123"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		`unknown driver "mysql"`,
		"sweep_batch",
		"not a hex address",
		"signer: either private_key or encrypted_key_path",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Database.Password = "hunter2"
	cfg.Signer.PrivateKey = "0xabc"
	cfg.Server.GatewaySecret = "s3cret"

	out := config.RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Database.Password)
	assert.Equal(t, "***", out.Signer.PrivateKey)
	assert.Equal(t, "***", out.Server.GatewaySecret)
	assert.Empty(t, out.Redis.Password, "empty secrets stay empty")

	out.Server.CORSOrigins[0] = "changed"
	assert.Equal(t, "*", cfg.Server.CORSOrigins[0])
	assert.Equal(t, "hunter2", cfg.Database.Password)
}
