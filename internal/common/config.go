package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Logging     LoggingConfig   `toml:"logging"`
	Storage     StorageConfig   `toml:"storage"`
	Remote      RemoteConfig    `toml:"remote"`
	Source      SourceConfig    `toml:"source"`
	Scraper     ScraperConfig   `toml:"scraper"`
	Sync        SyncConfig      `toml:"sync"`
	State       StateConfig     `toml:"state"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"gt=0,lte=65535"`
	Host string `toml:"host" validate:"required"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"` // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"`         // Delete database on startup for clean test runs
}

// RemoteConfig configures the remote storage service client. The remote copy
// of run state and the failed-item ledger is authoritative across restarts.
type RemoteConfig struct {
	BaseURL        string        `toml:"base_url" validate:"required,url"`
	APIKey         string        `toml:"api_key"`
	RequestTimeout time.Duration `toml:"request_timeout" validate:"gt=0"`
	MaxRetries     int           `toml:"max_retries" validate:"gte=0"`
	RetryBackoff   time.Duration `toml:"retry_backoff" validate:"gt=0"`
}

// SourceConfig configures the upstream storefront endpoints. The listing page
// has no stable contract and may change without notice.
type SourceConfig struct {
	ListingURL     string        `toml:"listing_url" validate:"required,url"`    // paginated listing, page number appended as query param
	BundleAPIURL   string        `toml:"bundle_api_url" validate:"required,url"` // primary structured detail endpoint
	BundlePageURL  string        `toml:"bundle_page_url" validate:"required"`    // secondary HTML page, %s = bundle id
	AppAPIURL      string        `toml:"app_api_url" validate:"required,url"`    // tertiary per-app endpoint for fallback enrichment
	Locale         string        `toml:"locale"`                                 // storefront language code
	CountryCode    string        `toml:"country_code"`                           // storefront country code
	UserAgent      string        `toml:"user_agent"`
	RequestTimeout time.Duration `toml:"request_timeout" validate:"gt=0"`
	PageFanout     int           `toml:"page_fanout" validate:"gt=0"`      // listing pages fetched in parallel
	MaxPages       int           `toml:"max_pages" validate:"gt=0"`        // hard ceiling on listing pagination
	RequestsPerSec float64       `toml:"requests_per_sec" validate:"gt=0"` // upstream rate limit
}

// ScraperConfig seeds the adaptive performance manager and the per-item retry
// policy. These are starting points and bounds, not the tuning logic itself.
type ScraperConfig struct {
	InitialDelay   time.Duration `toml:"initial_delay" validate:"gt=0"`
	MinDelay       time.Duration `toml:"min_delay" validate:"gt=0"`
	MaxDelay       time.Duration `toml:"max_delay" validate:"gt=0"`
	InitialWorkers int           `toml:"initial_workers" validate:"gt=0"`
	MinWorkers     int           `toml:"min_workers" validate:"gt=0"`
	MaxWorkers     int           `toml:"max_workers" validate:"gt=0"`

	WindowSize       int `toml:"window_size" validate:"gt=0"`       // rolling window of batch outcomes
	OptimizeInterval int `toml:"optimize_interval" validate:"gt=0"` // optimize every N batches

	ExcellentRate float64 `toml:"excellent_rate"` // aggressive-up threshold
	GoodRate      float64 `toml:"good_rate"`      // gentle-up threshold
	PoorRate      float64 `toml:"poor_rate"`      // hard-down threshold

	BreakerDropFraction float64 `toml:"breaker_drop_fraction"` // success-rate drop that trips the circuit breaker
	BreakerSevereFloor  float64 `toml:"breaker_severe_floor"`  // absolute rate that trips the breaker outright
	RecoveryRate        float64 `toml:"recovery_rate"`         // rate required to exit recovering
	RecoveryMinBatches  int     `toml:"recovery_min_batches" validate:"gt=0"`

	MaxAttempts    int           `toml:"max_attempts" validate:"gt=0"` // per-item attempt ceiling
	InitialBackoff time.Duration `toml:"initial_backoff" validate:"gt=0"`
	AgeGateDelay   time.Duration `toml:"age_gate_delay" validate:"gte=0"` // pause after the age-gate bypass

	RetryPassAttempts int           `toml:"retry_pass_attempts" validate:"gt=0"` // attempt ceiling in the final retry pass
	RetryPassDelay    time.Duration `toml:"retry_pass_delay" validate:"gt=0"`    // fixed delay between sequential retries

	MaxFallbackApps int  `toml:"max_fallback_apps" validate:"gt=0"` // sub-identifiers queried by fallback enrichment
	EnableBrowser   bool `toml:"enable_browser"`                    // chromedp fallback for dynamic prices
	TestLimit       int  `toml:"test_limit" validate:"gte=0"`       // >0 caps items processed, for smoke runs
}

// SyncConfig configures chunked uploads of completed records.
type SyncConfig struct {
	ChunkSize    int           `toml:"chunk_size" validate:"gt=0"` // records per uploaded chunk
	MaxRetries   int           `toml:"max_retries" validate:"gte=0"`
	RetryBackoff time.Duration `toml:"retry_backoff" validate:"gt=0"`
}

// StateConfig configures checkpointing and resume behavior.
type StateConfig struct {
	CheckpointInterval int           `toml:"checkpoint_interval" validate:"gt=0"` // checkpoint every N batches
	MemoryThresholdMB  uint64        `toml:"memory_threshold_mb" validate:"gt=0"` // checkpoint early past this heap size
	StalenessCeiling   time.Duration `toml:"staleness_ceiling" validate:"gt=0"`   // abandoned-run cutoff for resume
}

// SchedulerConfig configures cron-driven periodic runs.
type SchedulerConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"` // cron format
}

// NewDefaultConfig creates a configuration with default values.
// Tuning thresholds default to the values the pipeline was calibrated with;
// the shape of the adaptive rules is fixed in code.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Remote: RemoteConfig{
			BaseURL:        "http://localhost:8090",
			RequestTimeout: 30 * time.Second,
			MaxRetries:     3,
			RetryBackoff:   2 * time.Second,
		},
		Source: SourceConfig{
			ListingURL:     "https://store.steampowered.com/search/results?category1=996",
			BundleAPIURL:   "https://store.steampowered.com/actions/ajaxresolvebundles",
			BundlePageURL:  "https://store.steampowered.com/bundle/%s/",
			AppAPIURL:      "https://store.steampowered.com/api/appdetails",
			Locale:         "english",
			CountryCode:    "US",
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			RequestTimeout: 30 * time.Second,
			PageFanout:     4,
			MaxPages:       200,
			RequestsPerSec: 2.0,
		},
		Scraper: ScraperConfig{
			InitialDelay:   2 * time.Second,
			MinDelay:       500 * time.Millisecond,
			MaxDelay:       10 * time.Second,
			InitialWorkers: 3,
			MinWorkers:     1,
			MaxWorkers:     8,

			WindowSize:       5,
			OptimizeInterval: 3,

			ExcellentRate: 0.98,
			GoodRate:      0.92,
			PoorRate:      0.75,

			BreakerDropFraction: 0.20,
			BreakerSevereFloor:  0.50,
			RecoveryRate:        0.80,
			RecoveryMinBatches:  3,

			MaxAttempts:    3,
			InitialBackoff: 1 * time.Second,
			AgeGateDelay:   500 * time.Millisecond,

			RetryPassAttempts: 2,
			RetryPassDelay:    3 * time.Second,

			MaxFallbackApps: 10,
			EnableBrowser:   false,
		},
		Sync: SyncConfig{
			ChunkSize:    50,
			MaxRetries:   3,
			RetryBackoff: 2 * time.Second,
		},
		State: StateConfig{
			CheckpointInterval: 5,
			MemoryThresholdMB:  256,
			StalenessCeiling:   2 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			Enabled:  false,
			Schedule: "0 0 */6 * * *", // every 6 hours
		},
	}
}

// LoadFromFiles loads configuration from files with priority:
// defaults -> file1 -> file2 -> ... -> env. Later files override earlier ones.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the configuration against struct tags plus the cross-field
// constraints the validator cannot express.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	s := c.Scraper
	if s.MinDelay > s.MaxDelay {
		return fmt.Errorf("invalid configuration: min_delay %v exceeds max_delay %v", s.MinDelay, s.MaxDelay)
	}
	if s.InitialDelay < s.MinDelay || s.InitialDelay > s.MaxDelay {
		return fmt.Errorf("invalid configuration: initial_delay %v outside [%v, %v]", s.InitialDelay, s.MinDelay, s.MaxDelay)
	}
	if s.MinWorkers > s.MaxWorkers {
		return fmt.Errorf("invalid configuration: min_workers %d exceeds max_workers %d", s.MinWorkers, s.MaxWorkers)
	}
	if s.InitialWorkers < s.MinWorkers || s.InitialWorkers > s.MaxWorkers {
		return fmt.Errorf("invalid configuration: initial_workers %d outside [%d, %d]", s.InitialWorkers, s.MinWorkers, s.MaxWorkers)
	}
	if !(s.PoorRate < s.GoodRate && s.GoodRate < s.ExcellentRate) {
		return fmt.Errorf("invalid configuration: rate thresholds must satisfy poor < good < excellent")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("COLLIGO_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("COLLIGO_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("COLLIGO_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Logging configuration
	if level := os.Getenv("COLLIGO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	// Storage configuration
	if badgerPath := os.Getenv("COLLIGO_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Remote storage service
	if baseURL := os.Getenv("COLLIGO_REMOTE_URL"); baseURL != "" {
		config.Remote.BaseURL = baseURL
	}
	if apiKey := os.Getenv("COLLIGO_REMOTE_API_KEY"); apiKey != "" {
		config.Remote.APIKey = apiKey
	}
	if timeout := os.Getenv("COLLIGO_REMOTE_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Remote.RequestTimeout = d
		}
	}

	// Upstream source
	if userAgent := os.Getenv("COLLIGO_SOURCE_USER_AGENT"); userAgent != "" {
		config.Source.UserAgent = userAgent
	}
	if locale := os.Getenv("COLLIGO_SOURCE_LOCALE"); locale != "" {
		config.Source.Locale = locale
	}
	if country := os.Getenv("COLLIGO_SOURCE_COUNTRY"); country != "" {
		config.Source.CountryCode = country
	}

	// Scraper tuning seeds
	if workers := os.Getenv("COLLIGO_SCRAPER_WORKERS"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil {
			config.Scraper.InitialWorkers = w
		}
	}
	if delay := os.Getenv("COLLIGO_SCRAPER_DELAY"); delay != "" {
		if d, err := time.ParseDuration(delay); err == nil {
			config.Scraper.InitialDelay = d
		}
	}
	if limit := os.Getenv("COLLIGO_SCRAPER_TEST_LIMIT"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			config.Scraper.TestLimit = l
		}
	}

	// Scheduler
	if enabled := os.Getenv("COLLIGO_SCHEDULER_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Scheduler.Enabled = e
		}
	}
	if schedule := os.Getenv("COLLIGO_SCHEDULER_SCHEDULE"); schedule != "" {
		config.Scheduler.Schedule = schedule
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}
