package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/playbook/internal/archive"
	"github.com/rendis/playbook/internal/engine"
	"github.com/rendis/playbook/internal/store"
)

// Duration is a time.Duration read from a Go duration string. Invalid
// values leave the current value untouched.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return nil
	}
	d.set(s)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) set(s string) {
	if v, err := time.ParseDuration(s); err == nil && v > 0 {
		d.Duration = v
	}
}

// Config holds all playbookd configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBDriver           string         `json:"db_driver"`
	DBDSN              string         `json:"db_dsn"`
	LogLevel           string         `json:"log_level"`
	LogFormat          string         `json:"log_format"`
	PoolSize           int            `json:"pool_size"`
	ExecutionTimeout   Duration       `json:"execution_timeout"`
	DefaultStepTimeout Duration       `json:"default_step_timeout"`
	MaxRetries         int            `json:"max_retries"`
	RetryBaseDelay     Duration       `json:"retry_base_delay"`
	RetryMaxDelay      Duration       `json:"retry_max_delay"`
	BreakerThreshold   int            `json:"breaker_threshold"`
	BreakerWindow      Duration       `json:"breaker_window"`
	NotificationURL    string         `json:"notification_url"`
	HTTPTimeout        Duration       `json:"http_timeout"`
	SchedulerInterval  Duration       `json:"scheduler_interval"`
	Archive            archive.Config `json:"archive"`
}

func defaultConfig() Config {
	return Config{
		DBDriver:           store.DriverLibSQL,
		DBDSN:              "file:" + filepath.Join(playbookDir(), "playbook.db"),
		LogLevel:           "info",
		LogFormat:          "text",
		PoolSize:           engine.DefaultPoolSize,
		ExecutionTimeout:   Duration{30 * time.Minute},
		DefaultStepTimeout: Duration{5 * time.Minute},
		MaxRetries:         engine.DefaultMaxRetries,
		RetryBaseDelay:     Duration{engine.DefaultBaseDelay},
		RetryMaxDelay:      Duration{engine.DefaultMaxDelay},
		BreakerThreshold:   engine.DefaultBreakerThreshold,
		BreakerWindow:      Duration{engine.DefaultBreakerWindow},
		HTTPTimeout:        Duration{30 * time.Second},
		SchedulerInterval:  Duration{time.Minute},
	}
}

func playbookDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".playbook"
	}
	return filepath.Join(home, ".playbook")
}

func settingsPath() string {
	return filepath.Join(playbookDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	envString("PLAYBOOK_DB_DRIVER", &cfg.DBDriver)
	envString("PLAYBOOK_DB_DSN", &cfg.DBDSN)
	envString("PLAYBOOK_LOG_LEVEL", &cfg.LogLevel)
	envString("PLAYBOOK_LOG_FORMAT", &cfg.LogFormat)
	envInt("PLAYBOOK_POOL_SIZE", &cfg.PoolSize)
	envDuration("PLAYBOOK_EXECUTION_TIMEOUT", &cfg.ExecutionTimeout)
	envDuration("PLAYBOOK_DEFAULT_STEP_TIMEOUT", &cfg.DefaultStepTimeout)
	envInt("PLAYBOOK_MAX_RETRIES", &cfg.MaxRetries)
	envDuration("PLAYBOOK_RETRY_BASE_DELAY", &cfg.RetryBaseDelay)
	envDuration("PLAYBOOK_RETRY_MAX_DELAY", &cfg.RetryMaxDelay)
	envInt("PLAYBOOK_BREAKER_THRESHOLD", &cfg.BreakerThreshold)
	envDuration("PLAYBOOK_BREAKER_WINDOW", &cfg.BreakerWindow)
	envString("PLAYBOOK_NOTIFICATION_URL", &cfg.NotificationURL)
	envDuration("PLAYBOOK_HTTP_TIMEOUT", &cfg.HTTPTimeout)
	envDuration("PLAYBOOK_SCHEDULER_INTERVAL", &cfg.SchedulerInterval)
	envString("PLAYBOOK_ARCHIVE_ENDPOINT", &cfg.Archive.Endpoint)
	envString("PLAYBOOK_ARCHIVE_ACCESS_KEY", &cfg.Archive.AccessKey)
	envString("PLAYBOOK_ARCHIVE_SECRET_KEY", &cfg.Archive.SecretKey)
	envString("PLAYBOOK_ARCHIVE_BUCKET", &cfg.Archive.Bucket)
	envString("PLAYBOOK_ARCHIVE_REGION", &cfg.Archive.Region)
	if v := os.Getenv("PLAYBOOK_ARCHIVE_USE_SSL"); v != "" {
		cfg.Archive.UseSSL = v == "true" || v == "1"
	}

	// Out-of-range numbers fall back to defaults.
	def := defaultConfig()
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = def.BreakerThreshold
	}
	return cfg
}

// retryPolicy builds the engine retry policy from the configuration.
func (c Config) retryPolicy() engine.RetryPolicy {
	return engine.RetryPolicy{
		MaxRetries: c.MaxRetries,
		BaseDelay:  c.RetryBaseDelay.Duration,
		MaxDelay:   c.RetryMaxDelay.Duration,
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		dst.set(v)
	}
}
