package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadStageDefaults(t *testing.T) {
	tests := []struct {
		stage      string
		wantRejoin int
		wantExpiry time.Duration
	}{
		{stage: "local", wantRejoin: 1, wantExpiry: 300 * time.Second},
		{stage: "dev", wantRejoin: 1, wantExpiry: 300 * time.Second},
		{stage: "prod", wantRejoin: 4, wantExpiry: 86400 * time.Second},
	}
	for _, tc := range tests {
		t.Run(tc.stage, func(t *testing.T) {
			t.Setenv("STAGE", tc.stage)
			t.Setenv("REPBOT_STORE", DriverMemory)
			cfg, err := Load()
			require.NoError(t, err)
			assert.Equal(t, tc.wantRejoin, cfg.MinPlayersBeforeRejoin)
			assert.Equal(t, tc.wantExpiry, cfg.GameExpiry)
		})
	}
}

func TestLoadPostgresRequiresURL(t *testing.T) {
	t.Setenv("REPBOT_STORE", DriverPostgres)
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repbot.yaml")
	body := "store: memory\nrandom_seed: from-file\npoll_interval: 2s\nmin_players_before_rejoin: 6\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("REPBOT_CONFIG", path)
	t.Setenv("RANDOM_SEED", "from-env")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, "from-env", cfg.RandomSeed)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 6, cfg.MinPlayersBeforeRejoin)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "America/Los_Angeles", cfg.Location().String())
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := Defaults()
	cfg.StoreDriver = "mongo"
	require.Error(t, cfg.Validate())
}
