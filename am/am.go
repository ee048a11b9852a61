// Package am loads and validates imgbatch configuration.
package am

// Config represents the imgbatch configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" toml:"database"`
	Server    ServerConfig    `mapstructure:"server" toml:"server"`
	Pulse     PulseConfig     `mapstructure:"pulse" toml:"pulse"`
	Fetch     FetchConfig     `mapstructure:"fetch" toml:"fetch"`
	Transform TransformConfig `mapstructure:"transform" toml:"transform"`
	Output    OutputConfig    `mapstructure:"output" toml:"output"`
	Reports   ReportsConfig   `mapstructure:"reports" toml:"reports"`
	Notify    NotifyConfig    `mapstructure:"notify" toml:"notify"`
}

// DatabaseConfig configures the SQLite database holding batches, items and the task queue
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// ServerConfig configures the HTTP ingestion and status boundary
type ServerConfig struct {
	Port           int    `mapstructure:"port" toml:"port"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes" toml:"max_upload_bytes"`
	PublicBaseURL  string `mapstructure:"public_base_url" toml:"public_base_url"` // Prefix for processed image URLs
}

// PulseConfig configures the task queue worker pool
type PulseConfig struct {
	Workers         int `mapstructure:"workers" toml:"workers"`                     // Concurrent tasks (default: 5)
	PollIntervalMS  int `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"`   // Idle poll interval
	MaxAttempts     int `mapstructure:"max_attempts" toml:"max_attempts"`           // Deliveries per task before it fails
	JobLeaseSeconds int `mapstructure:"job_lease_seconds" toml:"job_lease_seconds"` // Running tasks older than this are re-queued on start
	ItemParallelism int `mapstructure:"item_parallelism" toml:"item_parallelism"`   // Concurrent inputs within one task
	SweepSeconds    int `mapstructure:"sweep_seconds" toml:"sweep_seconds"`         // Re-check unsettled batches this often (0 = off)
}

// FetchConfig configures source image downloads
type FetchConfig struct {
	TimeoutSeconds       int     `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	MaxBytes             int64   `mapstructure:"max_bytes" toml:"max_bytes"`
	RequestsPerSecond    float64 `mapstructure:"requests_per_second" toml:"requests_per_second"` // 0 = unlimited
	AllowPrivateNetworks bool    `mapstructure:"allow_private_networks" toml:"allow_private_networks"`
}

// TransformConfig configures the image transform
type TransformConfig struct {
	JPEGQuality int `mapstructure:"jpeg_quality" toml:"jpeg_quality"`
	MaxWidth    int `mapstructure:"max_width" toml:"max_width"` // 0 = keep original size
}

// OutputConfig configures where processed images are written
type OutputConfig struct {
	Dir string `mapstructure:"dir" toml:"dir"`
}

// ReportsConfig configures where summary artifacts are written
type ReportsConfig struct {
	Dir string `mapstructure:"dir" toml:"dir"`
}

// NotifyConfig configures webhook delivery
type NotifyConfig struct {
	TimeoutSeconds    int `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	ClaimLeaseSeconds int `mapstructure:"claim_lease_seconds" toml:"claim_lease_seconds"` // An unfinished claim older than this is marked failed
}

// Server port constants
const (
	DefaultServerPort     = 5000
	DefaultMaxUploadBytes = 2 * 1024 * 1024
)

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
