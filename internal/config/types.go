package config

// File is the on-disk settings document (YAML or JSON). Every section is
// optional; omitted fields take defaults.
//
// All durations are Go duration strings (e.g. "500ms", "60s", "15m").
type File struct {
	State    StateConfig    `json:"state"`
	Poll     PollConfig     `json:"poll"`
	X        XConfig        `json:"x"`
	Telegram TelegramConfig `json:"telegram"`
	Health   HealthConfig   `json:"health"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Report   *ReportConfig  `json:"report,omitempty"`
}

type StateConfig struct {
	// Path of the relay record (default "./config.json").
	Path string `json:"path,omitempty"`
}

// PollConfig controls the poll loop delay.
//
// Defaults:
//   - base_interval: "60s"
//   - max_interval: "15m"
type PollConfig struct {
	BaseInterval string `json:"base_interval,omitempty"`
	MaxInterval  string `json:"max_interval,omitempty"`
}

type XConfig struct {
	BaseURL    string  `json:"base_url,omitempty"`
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	// Cooldown applied to a bearer token after HTTP 429 (default "15m").
	Cooldown   string `json:"cooldown,omitempty"`
	MaxResults int    `json:"max_results,omitempty"`
}

type TelegramConfig struct {
	PollTimeout    string  `json:"poll_timeout,omitempty"`
	SendRatePerSec float64 `json:"send_rate_per_sec,omitempty"`
	SendBurst      int     `json:"send_burst,omitempty"`
	CommandWorkers int     `json:"command_workers,omitempty"`
	CommandTimeout string  `json:"command_timeout,omitempty"`
}

type HealthConfig struct {
	// Addr of the liveness endpoint; PORT overrides it (default ":5000").
	Addr string `json:"addr,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console *bool       `json:"console,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./xrelay.sqlite" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	Keep        int    `json:"keep,omitempty"`
}

// ReportConfig enables the scheduled status report to the administrator.
type ReportConfig struct {
	// Schedule is a 5-field cron spec, e.g. "0 9 * * *".
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone,omitempty"`
}
