package am

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "imgbatch.db")

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.max_upload_bytes", DefaultMaxUploadBytes)
	v.SetDefault("server.public_base_url", fmt.Sprintf("http://localhost:%d", DefaultServerPort))

	v.SetDefault("pulse.workers", 5)
	v.SetDefault("pulse.poll_interval_ms", 500)
	v.SetDefault("pulse.max_attempts", 3)
	v.SetDefault("pulse.job_lease_seconds", 600)
	v.SetDefault("pulse.item_parallelism", 4)
	v.SetDefault("pulse.sweep_seconds", 60)

	v.SetDefault("fetch.timeout_seconds", 5)
	v.SetDefault("fetch.max_bytes", 20*1024*1024)
	v.SetDefault("fetch.requests_per_second", 0)
	v.SetDefault("fetch.allow_private_networks", false)

	v.SetDefault("transform.jpeg_quality", 50)
	v.SetDefault("transform.max_width", 0)

	v.SetDefault("output.dir", "processed")
	v.SetDefault("reports.dir", "reports")

	v.SetDefault("notify.timeout_seconds", 10)
	v.SetDefault("notify.claim_lease_seconds", 300)
}

// BindSensitiveEnvVars explicitly binds configuration that deployments usually
// inject through the environment
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "IMGBATCH_DATABASE_PATH")
	v.BindEnv("server.port", "IMGBATCH_PORT", "PORT")
	v.BindEnv("server.public_base_url", "IMGBATCH_PUBLIC_BASE_URL")
}

// Default returns the configuration produced by SetDefaults alone
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	if err != nil {
		// Defaults always unmarshal; a failure here is a programming error
		panic(err)
	}
	return cfg
}

// PollInterval returns the worker poll interval as a duration
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Pulse.PollIntervalMS) * time.Millisecond
}

// JobLease returns how long a running task may go without finishing before it is re-queued
func (c *Config) JobLease() time.Duration {
	return time.Duration(c.Pulse.JobLeaseSeconds) * time.Second
}

// FetchTimeout returns the per-input download timeout
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// NotifyTimeout returns the webhook delivery timeout
func (c *Config) NotifyTimeout() time.Duration {
	return time.Duration(c.Notify.TimeoutSeconds) * time.Second
}

// ClaimLease returns how long a notification claim may stay unfinished before the sweep marks it failed
func (c *Config) ClaimLease() time.Duration {
	return time.Duration(c.Notify.ClaimLeaseSeconds) * time.Second
}

// SweepInterval returns how often unsettled batches are re-checked; zero disables the sweep
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Pulse.SweepSeconds) * time.Second
}

// ListenAddr returns the HTTP listen address
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
