package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string            `toml:"environment"` // "development" or "production"
	Server      ServerConfig      `toml:"server"`
	Storage     StorageConfig     `toml:"storage"`
	Queue       QueueConfig       `toml:"queue"`
	Browser     BrowserConfig     `toml:"browser"`
	Auth        AuthConfig        `toml:"auth"`
	Logging     LoggingConfig     `toml:"logging"`
	WebSocket   WebSocketConfig   `toml:"websocket"`
	Integration IntegrationConfig `toml:"integration"`
}

type ServerConfig struct {
	Port       int    `toml:"port"`
	Host       string `toml:"host"`
	PublicURL  string `toml:"public_url"`
	BackendURL string `toml:"backend_url"`
}

type StorageConfig struct {
	Badger  BadgerConfig  `toml:"badger"`
	Objects ObjectsConfig `toml:"objects"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// ObjectsConfig configures the filesystem object store for run artifacts
type ObjectsConfig struct {
	Dir string `toml:"dir"` // Root directory for binary artifacts (screenshots)
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`      // e.g., "1s" - how often workers poll for messages
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g., "15m" - must cover browser init + run duration
	MaxReceive        int    `toml:"max_receive"`        // Max times a message can be received before dead-letter
	RetentionPeriod   string `toml:"retention_period"`   // e.g., "23h" - completed job state retention
	DiscoveryInterval string `toml:"discovery_interval"` // e.g., "10s" - per-user queue discovery loop
}

// BrowserConfig controls the session pool and driver timeouts
type BrowserConfig struct {
	MaxSlotsPerUser int    `toml:"max_slots_per_user"` // Per-user concurrent slot cap (N)
	Headless        bool   `toml:"headless"`
	NoSandbox       bool   `toml:"no_sandbox"`
	UserAgent       string `toml:"user_agent"`
	InitTimeout     string `toml:"init_timeout"`      // Slot ready wait, e.g., "60s"
	PageTimeout     string `toml:"page_timeout"`      // Page availability wait, e.g., "45s"
	DestroyTimeout  string `toml:"destroy_timeout"`   // Teardown budget, e.g., "30s"
	StaleSweepEvery string `toml:"stale_sweep_every"` // GC sweeper interval, e.g., "60s"
}

type AuthConfig struct {
	JWTSecret     string `toml:"jwt_secret"`
	SessionSecret string `toml:"session_secret"`
	CookieName    string `toml:"cookie_name"` // Cookie carrying the bearer token for WS upgrades
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// WebSocketConfig controls the screencast stream and notification namespaces
type WebSocketConfig struct {
	FrameRate      int `toml:"frame_rate"`       // Target screencast fps (default 15)
	MaxFrameWidth  int `toml:"max_frame_width"`  // Screencast frame bound (default 1280)
	MaxFrameHeight int `toml:"max_frame_height"` // Screencast frame bound (default 720)
}

type IntegrationConfig struct {
	PollInterval string `toml:"poll_interval"` // Task processor poll, e.g., "5s"
	TaskBudget   string `toml:"task_budget"`   // Total budget per task map run, e.g., "60s"
	MaxRetries   int    `toml:"max_retries"`
}

// DefaultConfig returns configuration defaults applied before file and env overrides
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger:  BadgerConfig{Path: "./data/marionet"},
			Objects: ObjectsConfig{Dir: "./data/artifacts"},
		},
		Queue: QueueConfig{
			PollInterval:      "1s",
			VisibilityTimeout: "15m",
			MaxReceive:        3,
			RetentionPeriod:   "23h",
			DiscoveryInterval: "10s",
		},
		Browser: BrowserConfig{
			MaxSlotsPerUser: 2,
			Headless:        true,
			NoSandbox:       false,
			UserAgent:       "Marionet/1.0",
			InitTimeout:     "60s",
			PageTimeout:     "45s",
			DestroyTimeout:  "30s",
			StaleSweepEvery: "60s",
		},
		Auth: AuthConfig{
			CookieName: "marionet_token",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
		WebSocket: WebSocketConfig{
			FrameRate:      15,
			MaxFrameWidth:  1280,
			MaxFrameHeight: 720,
		},
		Integration: IntegrationConfig{
			PollInterval: "5s",
			TaskBudget:   "60s",
			MaxRetries:   3,
		},
	}
}

// LoadFromFiles loads configuration from defaults, then each file in order,
// then environment variables. Later sources override earlier ones.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := DefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides maps deployment environment variables onto the config.
// The DB_* variables are retained for parity with legacy deployments: DB_NAME
// selects the embedded store location rather than a network database.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("MARIONET_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.Port = port
		}
	}
	if v := os.Getenv("NODE_ENV"); v != "" {
		config.Environment = v
	}
	if v := os.Getenv("PUBLIC_URL"); v != "" {
		config.Server.PublicURL = v
	}
	if v := os.Getenv("BACKEND_URL"); v != "" {
		config.Server.BackendURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		config.Auth.JWTSecret = v
	}
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		config.Auth.SessionSecret = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		config.Storage.Badger.Path = filepath.Join(filepath.Dir(config.Storage.Badger.Path), v)
	}
}

// ApplyFlagOverrides applies command-line flag values (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Duration parses a duration field, falling back to the given default on
// empty or invalid values.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
