package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server struct {
		Port            string        `yaml:"port"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	// Logging configuration
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	// Database configuration
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	// Playback server configuration (the external session source)
	Playback struct {
		URL   string `yaml:"url"`
		Token string `yaml:"token"`
		// PageSize is the default session page size
		PageSize int `yaml:"page_size"`
		// RequestRate is the minimum time between API requests
		RequestRate time.Duration `yaml:"request_rate"`
		// FinishedStatuses lists the status strings treated as a finished
		// signal. The upstream API has no stable schema for these, so the
		// set is configurable.
		FinishedStatuses []string `yaml:"finished_statuses"`
	} `yaml:"playback"`

	// Scheduler configuration
	Scheduler struct {
		AutoSync               bool    `yaml:"auto_sync"`
		CatalogIntervalHours   float64 `yaml:"catalog_interval_hours"`
		ListeningIntervalHours float64 `yaml:"listening_interval_hours"`
		// TickInterval is how long the worker sleeps between queue polls
		TickInterval time.Duration `yaml:"tick_interval"`
	} `yaml:"scheduler"`

	// Application settings
	App struct {
		// MinDeltaSeconds is the noise threshold below which a position
		// delta is treated as a seek rather than listening time
		MinDeltaSeconds int `yaml:"min_delta_seconds"`
		// MaxDeltaMinutes caps the listening time attributed from a
		// single position delta
		MaxDeltaMinutes float64 `yaml:"max_delta_minutes"`
		// MinutesPerPage converts listening minutes into an estimated
		// page equivalent for the activity ledger (0 disables)
		MinutesPerPage float64 `yaml:"minutes_per_page"`
		// DryRun computes everything but writes nothing
		DryRun bool `yaml:"dry_run"`
	} `yaml:"app"`

	// File paths
	Paths struct {
		DataDir string `yaml:"data_dir"`
	} `yaml:"paths"`
}

// Load loads configuration from a file (if specified) and environment
// variables. Priority: environment variables, then config file, then defaults.
func Load(configFile string) (*Config, error) {
	cfg := &Config{}

	// Defaults first
	cfg.Server.Port = "8080"
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Database.Path = "./data/playsync.db"
	cfg.Playback.PageSize = 50
	cfg.Playback.RequestRate = 200 * time.Millisecond
	cfg.Playback.FinishedStatuses = []string{"finished", "complete", "completed"}
	cfg.Scheduler.AutoSync = true
	cfg.Scheduler.CatalogIntervalHours = 24
	cfg.Scheduler.ListeningIntervalHours = 1
	cfg.Scheduler.TickInterval = 2 * time.Second
	cfg.App.MinDeltaSeconds = 15
	cfg.App.MaxDeltaMinutes = 240
	cfg.App.MinutesPerPage = 1.5
	cfg.Paths.DataDir = "./data"

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	var missing []string

	if c.Playback.URL == "" {
		missing = append(missing, "PLAYBACK_URL")
	}
	if c.Playback.Token == "" {
		missing = append(missing, "PLAYBACK_TOKEN")
	}

	if len(missing) > 0 {
		return &ConfigError{
			Field: strings.Join(missing, ", "),
			Msg:   "required configuration values are missing",
		}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + " " + e.Msg
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(cfg *Config) {
	if url := os.Getenv("PLAYBACK_URL"); url != "" {
		cfg.Playback.URL = strings.TrimSuffix(url, "/")
	}
	if token := os.Getenv("PLAYBACK_TOKEN"); token != "" {
		cfg.Playback.Token = token
	}
	if statuses := os.Getenv("PLAYBACK_FINISHED_STATUSES"); statuses != "" {
		parts := strings.Split(statuses, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			cfg.Playback.FinishedStatuses = out
		}
	}
	if pageSize := getIntFromEnv("PLAYBACK_PAGE_SIZE", 0); pageSize > 0 {
		cfg.Playback.PageSize = pageSize
	}
	if rate := getDurationFromEnv("PLAYBACK_REQUEST_RATE", 0); rate > 0 {
		cfg.Playback.RequestRate = rate
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}
	if timeout := getDurationFromEnv("SHUTDOWN_TIMEOUT", 0); timeout > 0 {
		cfg.Server.ShutdownTimeout = timeout
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	if path := os.Getenv("DATABASE_PATH"); path != "" {
		cfg.Database.Path = path
	}
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		cfg.Paths.DataDir = dataDir
	}

	if autoSync, set := os.LookupEnv("AUTO_SYNC"); set {
		if b, err := strconv.ParseBool(autoSync); err == nil {
			cfg.Scheduler.AutoSync = b
		}
	}
	if hours := getFloat64FromEnv("CATALOG_INTERVAL_HOURS", 0); hours > 0 {
		cfg.Scheduler.CatalogIntervalHours = hours
	}
	if hours := getFloat64FromEnv("LISTENING_INTERVAL_HOURS", 0); hours > 0 {
		cfg.Scheduler.ListeningIntervalHours = hours
	}
	if tick := getDurationFromEnv("SCHEDULER_TICK_INTERVAL", 0); tick > 0 {
		cfg.Scheduler.TickInterval = tick
	}

	if secs := getIntFromEnv("MIN_DELTA_SECONDS", 0); secs > 0 {
		cfg.App.MinDeltaSeconds = secs
	}
	if mins := getFloat64FromEnv("MAX_DELTA_MINUTES", 0); mins > 0 {
		cfg.App.MaxDeltaMinutes = mins
	}
	if mpp := getFloat64FromEnv("MINUTES_PER_PAGE", 0); mpp > 0 {
		cfg.App.MinutesPerPage = mpp
	}
	if dryRun, set := os.LookupEnv("DRY_RUN"); set {
		if b, err := strconv.ParseBool(dryRun); err == nil {
			cfg.App.DryRun = b
		}
	}
}

func getIntFromEnv(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		i, err := strconv.Atoi(value)
		if err != nil {
			return fallback
		}
		return i
	}
	return fallback
}

func getFloat64FromEnv(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fallback
		}
		return f
	}
	return fallback
}

func getDurationFromEnv(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fallback
		}
		return d
	}
	return fallback
}
