// Package config loads webpilot configuration from a YAML file with
// environment overrides. A missing file yields defaults so the worker can
// start with nothing but WEBPILOT_GENAI_API_KEY set.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"webpilot/internal/types"
)

// Config holds all webpilot configuration.
type Config struct {
	Name    string `yaml:"name"`
	Debug   bool   `yaml:"debug"`

	Queue   QueueConfig   `yaml:"queue"`
	Worker  WorkerConfig  `yaml:"worker"`
	Browser BrowserConfig `yaml:"browser"`
	Models  ModelsConfig  `yaml:"models"`
	Storage StorageConfig `yaml:"storage"`
	Limits  LimitsConfig  `yaml:"limits"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// QueueConfig configures the SQLite job queue client.
type QueueConfig struct {
	Path         string        `yaml:"path"`          // sqlite database file
	PollInterval time.Duration `yaml:"poll_interval"` // claim polling cadence
	StaleAfter   time.Duration `yaml:"stale_after"`   // active w/o heartbeat -> orphaned
	ReapInterval time.Duration `yaml:"reap_interval"` // stale reaper cadence
	MaxAttempts  int           `yaml:"max_attempts"`  // retries before dead-letter
	BackoffBase  float64       `yaml:"backoff_base"`  // delay = base^attempts seconds
}

// WorkerConfig configures the scheduler pool.
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PauseTimeout      time.Duration `yaml:"pause_timeout"` // paused run w/o resume -> cancelled
	ActionTimeout     time.Duration `yaml:"action_timeout"`
}

// BrowserConfig configures the rod driver.
type BrowserConfig struct {
	Headless            bool   `yaml:"headless"`
	ViewportWidth       int    `yaml:"viewport_width"`
	ViewportHeight      int    `yaml:"viewport_height"`
	NavigationTimeoutMs int    `yaml:"navigation_timeout_ms"`
	DebuggerURL         string `yaml:"debugger_url"` // attach instead of launch when set
}

// NavigationTimeout returns the navigation timeout.
func (c BrowserConfig) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// ModelsConfig configures the decision strategy backends.
type ModelsConfig struct {
	APIKey         string        `yaml:"api_key"`
	ReasoningModel string        `yaml:"reasoning_model"`
	VisionModel    string        `yaml:"vision_model"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
}

// StorageConfig configures the primary/secondary object stores.
type StorageConfig struct {
	PrimaryRoot   string `yaml:"primary_root"`   // filesystem store root
	SecondaryPath string `yaml:"secondary_path"` // sqlite archive store file
	PublicBaseURL string `yaml:"public_base_url"`
}

// LimitsConfig configures platform-wide ceilings and enforcement.
type LimitsConfig struct {
	Platform    types.PlatformLimits `yaml:"platform"`
	SoftWaitMax time.Duration        `yaml:"soft_wait_max"`
}

// MetricsConfig configures the scrape endpoint and optional OTLP export.
type MetricsConfig struct {
	ListenAddr   string `yaml:"listen_addr"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Name: "webpilot",
		Queue: QueueConfig{
			Path:         "webpilot.db",
			PollInterval: time.Second,
			StaleAfter:   5 * time.Minute,
			ReapInterval: 30 * time.Second,
			MaxAttempts:  3,
			BackoffBase:  2,
		},
		Worker: WorkerConfig{
			Concurrency:       4,
			HeartbeatInterval: 15 * time.Second,
			PauseTimeout:      10 * time.Minute,
			ActionTimeout:     30 * time.Second,
		},
		Browser: BrowserConfig{
			Headless:            true,
			ViewportWidth:       1280,
			ViewportHeight:      800,
			NavigationTimeoutMs: 30000,
		},
		Models: ModelsConfig{
			ReasoningModel: "gemini-2.0-flash",
			VisionModel:    "gemini-2.0-flash",
			CallTimeout:    30 * time.Second,
		},
		Storage: StorageConfig{
			PrimaryRoot:   "artifacts",
			SecondaryPath: "artifacts.db",
			PublicBaseURL: "http://localhost:8089/artifacts",
		},
		Limits: LimitsConfig{
			Platform: types.PlatformLimits{
				MaxConcurrentModelCalls: 8,
				MaxTokensPerHour:        2_000_000,
				MaxQueuedJobs:           1000,
				EnforcementMode:         "full",
			},
			SoftWaitMax: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9097",
		},
	}
}

// Load reads the config file at path (if it exists), applies env
// overrides, and validates. A .env file next to the process is honored.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays WEBPILOT_* environment variables onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("WEBPILOT_GENAI_API_KEY"); v != "" {
		cfg.Models.APIKey = v
	}
	if v := os.Getenv("WEBPILOT_QUEUE_PATH"); v != "" {
		cfg.Queue.Path = v
	}
	if v := os.Getenv("WEBPILOT_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = b
		}
	}
	if v := os.Getenv("WEBPILOT_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headless = b
		}
	}
	if v := os.Getenv("WEBPILOT_ENFORCEMENT_MODE"); v != "" {
		cfg.Limits.Platform.EnforcementMode = v
	}
	if v := os.Getenv("WEBPILOT_OTLP_ENDPOINT"); v != "" {
		cfg.Metrics.OTLPEndpoint = v
	}
}

// Validate rejects configurations the worker cannot run with.
func (c *Config) Validate() error {
	if c.Queue.Path == "" {
		return fmt.Errorf("config: queue.path is required")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("config: worker.concurrency must be >= 1")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("config: queue.max_attempts must be >= 1")
	}
	if c.Queue.BackoffBase < 1 {
		return fmt.Errorf("config: queue.backoff_base must be >= 1")
	}
	switch c.Limits.Platform.EnforcementMode {
	case "shadow", "soft", "full":
	default:
		return fmt.Errorf("config: limits.platform.enforcement_mode must be shadow, soft, or full (got %q)",
			c.Limits.Platform.EnforcementMode)
	}
	return nil
}

// LoadPlatformLimits re-reads only the platform ceiling section from path.
// Used by the limits watcher for explicit reload without touching the rest
// of the process configuration.
func LoadPlatformLimits(path string) (types.PlatformLimits, error) {
	cfg, err := Load(path)
	if err != nil {
		return types.PlatformLimits{}, err
	}
	return cfg.Limits.Platform, nil
}
