package am

// Config represents the publisher configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Publish  PublishConfig  `mapstructure:"publish"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// PublishConfig configures the publish scheduler
type PublishConfig struct {
	// Upper bound on concurrently admitted branches (default: logical CPU count, min 1)
	MaxConcurrentThreads int `mapstructure:"max_concurrent_threads"`

	// Convert a cancelled run into a failure so the watermark is left untouched
	HardStop bool `mapstructure:"hard_stop"`

	// Log one line per processed item
	TraceToLog bool `mapstructure:"trace_to_log"`

	// Recurse into children by default
	Deep bool `mapstructure:"deep"`

	// Default publish mode: single, smart, incremental, full
	Mode string `mapstructure:"mode"`

	// Target write throttle; 0 = unlimited
	MaxItemsPerSecond float64 `mapstructure:"max_items_per_second"`

	// Wall-clock budget of a run; 0 = no expiry
	JobExpirySeconds int `mapstructure:"job_expiry_seconds"`

	// Default source and target content databases
	Source string `mapstructure:"source"`
	Target string `mapstructure:"target"`
}

// JobsConfig configures the job registry
type JobsConfig struct {
	Workers      int `mapstructure:"workers"`       // Number of concurrent publish jobs (default: 1)
	HistoryLimit int `mapstructure:"history_limit"` // Finished jobs kept by cleanup (default: 200)
}

// LogConfig configures logger output
type LogConfig struct {
	JSON bool `mapstructure:"json"`
}

// Publish modes accepted by publish.mode
const (
	ModeSingle      = "single"
	ModeSmart       = "smart"
	ModeIncremental = "incremental"
	ModeFull        = "full"
)

// File and directory permissions
const (
	DefaultDirPermissions  = 0750
	DefaultFilePermissions = 0644
)

// ConfigFileName is the file searched for in the project tree, ~/.publish and /etc/publish
const ConfigFileName = "publish.toml"
