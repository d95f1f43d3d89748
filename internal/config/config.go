// Package config loads Deepr's process configuration from defaults, a
// YAML file, and environment variable overlays, grounded on the
// teacher's pkg/config package (goccy/go-yaml parsing, godotenv for
// local .env loading, go-playground/validator struct-tag validation,
// and an ${VAR} environment-expansion pass over the raw YAML bytes).
package config

import "time"

// Config is the root configuration object.
type Config struct {
	Queue    QueueConfig    `yaml:"queue"`
	Budget   BudgetConfig   `yaml:"budget"`
	API      APIConfig      `yaml:"api"`
	Database DatabaseConfig `yaml:"database"`
	Campaign CampaignConfig `yaml:"campaign"`
}

// QueueConfig controls job admission, polling, and watchdog timing
// (spec §4.2, §4.3).
type QueueConfig struct {
	WorkerCount        int           `yaml:"worker_count" validate:"min=1"`
	MaxInflightJobs    int           `yaml:"max_inflight_jobs" validate:"min=1"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`
	SubmitTimeout      time.Duration `yaml:"submit_timeout"`
	StuckThreshold     time.Duration `yaml:"stuck_threshold"`
	LockTimeout        time.Duration `yaml:"lock_timeout"`
}

// BudgetConfig controls the Budget Governor's ceilings (spec §4.1).
type BudgetConfig struct {
	DailyCapUSD   float64 `yaml:"daily_cap_usd" validate:"min=0"`
	MonthlyCapUSD float64 `yaml:"monthly_cap_usd" validate:"min=0"`
	Timezone      string  `yaml:"timezone"`
}

// APIConfig controls the HTTP API façade (spec §6.3).
type APIConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	APIKeys        []string `yaml:"api_keys" validate:"omitempty"`
	ModelAllowlist []string `yaml:"model_allowlist" validate:"required,min=1"`
}

// DatabaseConfig is the Postgres connection configuration (spec §6.4).
type DatabaseConfig struct {
	Host            string        `yaml:"host" validate:"required"`
	Port            int           `yaml:"port" validate:"required"`
	User            string        `yaml:"user" validate:"required"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database" validate:"required"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"min=1"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CampaignConfig controls campaign execution (spec §4.4).
type CampaignConfig struct {
	MaxParallelPerCampaign int           `yaml:"max_parallel_per_campaign" validate:"min=1"`
	MaxRounds              int           `yaml:"max_rounds" validate:"min=1,max=5"`
	SummaryTokenBudget     int           `yaml:"summary_token_budget" validate:"min=1"`
	RetryBaseDelay         time.Duration `yaml:"retry_base_delay"`
	RetryFactor            float64       `yaml:"retry_factor" validate:"min=1"`
	RetryMaxAttempts       int           `yaml:"retry_max_attempts" validate:"min=1"`
}
