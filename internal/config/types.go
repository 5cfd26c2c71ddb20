package config

// Config is the connector's on-disk configuration.
//
// The file may be JSON or YAML (by extension); both are decoded strictly so
// typos and removed legacy keys are caught on reload rather than silently
// ignored. All duration fields are Go duration strings (e.g. "500ms", "10s",
// "1m"); see ParseDurationField.
type Config struct {
	Connector ConnectorConfig `json:"connector"`
	Logging   LoggingConfig   `json:"logging"`
	Simulator SimulatorConfig `json:"simulator"`

	// Runs controls the run orchestrator (concurrency ceiling, timeouts).
	Runs RunsConfig `json:"runs"`

	// License controls the simulator license lease.
	License LicenseConfig `json:"license"`

	// Scheduler controls the periodic trigger scheduler.
	Scheduler SchedulerConfig `json:"scheduler"`

	Storage *StorageConfig `json:"storage,omitempty"`
}

// ConnectorConfig identifies this connector instance to the platform.
//
// Name is the value routine configurations are matched against: a scheduled
// trigger is only created for configurations assigned to this connector.
type ConnectorConfig struct {
	Name      string `json:"name"`
	DataSetID int64  `json:"data_set_id,omitempty"`

	// ModelDir is where downloaded model files live.
	ModelDir string `json:"model_dir,omitempty"`
}

// SimulatorConfig selects and describes the simulator integration.
type SimulatorConfig struct {
	// ExternalID of the simulator definition registered with the platform.
	ExternalID string `json:"external_id"`

	// Engine selects the in-process engine implementation.
	// Currently "heatx" (reference heat-exchanger engine) or empty for none.
	Engine string `json:"engine,omitempty"`
}

// RunsConfig controls the run orchestrator.
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent: 2
//   - default_timeout: "0s" (disabled)
type RunsConfig struct {
	MaxConcurrent int `json:"max_concurrent,omitempty"`

	// DefaultTimeout bounds a single simulation run. "0s" disables it.
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

// LicenseConfig controls the license lease controller.
//
// Defaults (when fields are omitted/zero):
//   - lease_duration: "5m"
//   - status_interval: "1m"
type LicenseConfig struct {
	Enabled bool `json:"enabled"`

	// LeaseDuration is the idle grace period before the license is released.
	LeaseDuration string `json:"lease_duration,omitempty"`

	// StatusInterval is how often the controller logs its lease status.
	StatusInterval string `json:"status_interval,omitempty"`
}

// SchedulerConfig controls the periodic trigger scheduler.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "10s"
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// PollInterval is how often routine configurations are re-read.
	PollInterval string `json:"poll_interval,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Remote  LoggingRemote `json:"remote"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingRemote controls shipping of warning+ log lines to the platform.
type LoggingRemote struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the optional local persistence layer
// (run history + trigger dedup keys).
//
// Example:
//
//	"storage": { "driver": "file", "path": "./simconn_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
