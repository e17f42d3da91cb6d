package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings and are resolved through the Resolve* helpers.
type Config struct {
	HTTP     HTTPConfig     `json:"http"`
	Logging  LoggingConfig  `json:"logging"`
	Limits   LimitsConfig   `json:"limits"`
	Worker   WorkerConfig   `json:"worker"`
	Executor ExecutorConfig `json:"executor"`
	Stuck    StuckConfig    `json:"stuck"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Alerts   *AlertsConfig  `json:"alerts,omitempty"`
}

type HTTPConfig struct {
	Addr            string `json:"addr"`
	AdminToken      string `json:"admin_token"`
	ReadTimeout     string `json:"read_timeout"`
	WriteTimeout    string `json:"write_timeout"`
	IdleTimeout     string `json:"idle_timeout"`
	ShutdownTimeout string `json:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	JSON    bool   `json:"json"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

// LimitConfig is one hour/day pair. Zero means "use the default";
// a negative value disables that window.
type LimitConfig struct {
	PerHour int `json:"per_hour"`
	PerDay  int `json:"per_day"`
}

type LimitsConfig struct {
	Admission LimitConfig `json:"admission"`
	Dispatch  LimitConfig `json:"dispatch"`
}

type WorkerConfig struct {
	Concurrency  int    `json:"concurrency"`
	PollInterval string `json:"poll_interval"`
	DrainTimeout string `json:"drain_timeout"`
}

type ExecutorConfig struct {
	BaseURL           string `json:"base_url"`
	UserAgent         string `json:"user_agent"`
	Headless          *bool  `json:"headless,omitempty"`
	ChromePath        string `json:"chrome_path"`
	NoSandbox         bool   `json:"no_sandbox"`
	NavigateTimeout   string `json:"navigate_timeout"`
	ShareTimeout      string `json:"share_timeout"`
	RefreshTimeout    string `json:"refresh_timeout"`
	RefreshRatePerSec int    `json:"refresh_rate_per_sec"`
}

type StuckConfig struct {
	Threshold string `json:"threshold"`
	// Schedule is a cron expression, "@every <dur>", or a bare duration.
	// Empty disables the scheduled report.
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone"`
}

// StorageConfig selects the persistence mirror. Nil disables persistence.
type StorageConfig struct {
	Driver      string `json:"driver"` // file | sqlite | postgres | redis
	Path        string `json:"path"`   // file, sqlite
	DSN         string `json:"dsn"`    // postgres, redis
	BusyTimeout string `json:"busy_timeout"`
	KeyPrefix   string `json:"key_prefix"`
}

// AlertsConfig enables Telegram operator alerts. Nil disables them.
type AlertsConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token"`
	ChatID      int64  `json:"chat_id"`
	ThreadID    int    `json:"thread_id"`
	RatePerSec  int    `json:"rate_per_sec"`
	DedupWindow string `json:"dedup_window"`
	QueueSize   int    `json:"queue_size"`
}
