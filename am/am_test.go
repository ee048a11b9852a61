package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// Isolated viper instance, no user/system config
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	if err != nil {
		t.Fatalf("LoadWithViper() failed: %v", err)
	}

	if cfg.Database.Path != "imgbatch.db" {
		t.Errorf("expected default database path 'imgbatch.db', got %q", cfg.Database.Path)
	}
	if cfg.Server.Port != DefaultServerPort {
		t.Errorf("expected default port %d, got %d", DefaultServerPort, cfg.Server.Port)
	}
	if cfg.Server.MaxUploadBytes != DefaultMaxUploadBytes {
		t.Errorf("expected 2MB upload limit, got %d", cfg.Server.MaxUploadBytes)
	}
	if cfg.Pulse.Workers != 5 {
		t.Errorf("expected default workers 5, got %d", cfg.Pulse.Workers)
	}
	if cfg.Pulse.MaxAttempts != 3 {
		t.Errorf("expected default max attempts 3, got %d", cfg.Pulse.MaxAttempts)
	}
	if cfg.Transform.JPEGQuality != 50 {
		t.Errorf("expected default jpeg quality 50, got %d", cfg.Transform.JPEGQuality)
	}

	assert.Equal(t, 5*time.Second, cfg.FetchTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, ":5000", cfg.ListenAddr())
	assert.Equal(t, time.Minute, cfg.SweepInterval())
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Pulse.Workers = 0 },
			wantErr: "pulse.workers",
		},
		{
			name:    "quality above 100",
			mutate:  func(c *Config) { c.Transform.JPEGQuality = 101 },
			wantErr: "transform.jpeg_quality",
		},
		{
			name:    "relative public base url",
			mutate:  func(c *Config) { c.Server.PublicBaseURL = "/outputs" },
			wantErr: "server.public_base_url",
		},
		{
			name:    "negative rate limit",
			mutate:  func(c *Config) { c.Fetch.RequestsPerSecond = -1 },
			wantErr: "fetch.requests_per_second",
		},
		{
			name:   "sweep disabled",
			mutate: func(c *Config) { c.Pulse.SweepSeconds = 0 },
		},
		{
			name:    "negative sweep",
			mutate:  func(c *Config) { c.Pulse.SweepSeconds = -5 },
			wantErr: "pulse.sweep_seconds",
		},
		{
			name:    "claim lease equal to notify timeout",
			mutate:  func(c *Config) { c.Notify.TimeoutSeconds = 30; c.Notify.ClaimLeaseSeconds = 30 },
			wantErr: "notify.claim_lease_seconds (30) must be longer than notify.timeout_seconds (30)",
		},
		{
			name:    "claim lease shorter than notify timeout",
			mutate:  func(c *Config) { c.Notify.ClaimLeaseSeconds = 5 },
			wantErr: "must be longer than notify.timeout_seconds",
		},
		{
			name:   "claim lease just above notify timeout",
			mutate: func(c *Config) { c.Notify.ClaimLeaseSeconds = c.Notify.TimeoutSeconds + 1 },
		},
		{
			name:    "empty output dir",
			mutate:  func(c *Config) { c.Output.Dir = "" },
			wantErr: "output.dir",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Pulse.Workers = 0
	cfg.Notify.TimeoutSeconds = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pulse.workers")
	assert.Contains(t, err.Error(), "notify.timeout_seconds")
}

func TestLoadFromFile_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "imgbatch.toml")
	content := `
[database]
path = "/var/lib/imgbatch/batches.db"

[pulse]
workers = 12

[transform]
jpeg_quality = 80
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/imgbatch/batches.db", cfg.Database.Path)
	assert.Equal(t, 12, cfg.Pulse.Workers)
	assert.Equal(t, 80, cfg.Transform.JPEGQuality)
	// untouched sections keep defaults
	assert.Equal(t, 3, cfg.Pulse.MaxAttempts)
	assert.Equal(t, "processed", cfg.Output.Dir)
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestWriteFile_RoundTripsAndRotatesBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "imgbatch.toml")

	cfg := Default()
	cfg.Pulse.Workers = 7
	require.NoError(t, WriteFile(path, cfg))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Pulse.Workers)
	assert.Equal(t, cfg.Server.PublicBaseURL, loaded.Server.PublicBaseURL)

	cfg.Pulse.Workers = 9
	require.NoError(t, WriteFile(path, cfg))
	_, err = os.Stat(path + ".back1")
	assert.NoError(t, err, "second write should back up the first")

	unknown, err := UnknownKeys(path)
	require.NoError(t, err)
	assert.Empty(t, unknown, "written config must only contain known keys")
}

func TestCheck_UnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imgbatch.toml")
	content := `
[pulse]
workers = 2
wrokers = 3

[fetch]
timeout_secs = 9
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	unknown, err := UnknownKeys(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch.timeout_secs", "pulse.wrokers"}, unknown)

	cfg, err := Check(path)
	require.Error(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, 2, cfg.Pulse.Workers)
	assert.Contains(t, err.Error(), "2 unknown key(s)")
}

func TestLoadDotEnv(t *testing.T) {
	const fresh, preset = "IMGBATCH_DOTENV_TEST_FRESH", "IMGBATCH_DOTENV_TEST_PRESET"
	t.Setenv(preset, "from-shell")
	t.Cleanup(func() { os.Unsetenv(fresh) })

	path := filepath.Join(t.TempDir(), DotEnvName)
	require.NoError(t, os.WriteFile(path, []byte(fresh+"=from-file\n"+preset+"=from-file\n"), 0644))

	loaded, err := loadDotEnv(path)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, "from-file", os.Getenv(fresh))
	assert.Equal(t, "from-shell", os.Getenv(preset), "the environment wins over .env")

	loaded, err = loadDotEnv(filepath.Join(t.TempDir(), DotEnvName))
	require.NoError(t, err)
	assert.False(t, loaded)
}
