package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config is the complete service configuration. Values are layered:
// compiled defaults, then the YAML file, then CODEX_* environment
// variables. Later layers win.
type Config struct {
	Server     ServerConfig     `yaml:"server" envconfig:"SERVER"`
	Security   SecurityConfig   `yaml:"security" envconfig:"SECURITY"`
	Logging    LoggingConfig    `yaml:"logging" envconfig:"LOGGING"`
	License    LicenseConfig    `yaml:"license" envconfig:"LICENSE"`
	Extraction ExtractionConfig `yaml:"extraction" envconfig:"EXTRACTION"`
	Paths      PathsConfig      `yaml:"paths" envconfig:"PATHS"`
	WebSocket  WebSocketConfig  `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL"`
	Format      string `yaml:"format" envconfig:"FORMAT"`
	Output      string `yaml:"output" envconfig:"OUTPUT"`
	FilePath    string `yaml:"file_path" envconfig:"FILE_PATH"`
	Development bool   `yaml:"development" envconfig:"DEVELOPMENT"`
}

// LicenseConfig contains entitlement subsystem configuration. The signing
// secret and binary hash are env-only on purpose: they must never sit in
// a YAML file that ships alongside the binary.
type LicenseConfig struct {
	SigningSecret     string        `yaml:"-" envconfig:"SIGNING_SECRET"`
	BinaryHash        string        `yaml:"-" envconfig:"BINARY_SHA256"`
	AllowedHosts      []string      `yaml:"allowed_hosts" envconfig:"ALLOWED_HOSTS"`
	VerdictCacheTTL   time.Duration `yaml:"verdict_cache_ttl" envconfig:"VERDICT_CACHE_TTL"`
	VerdictCacheSize  int           `yaml:"verdict_cache_size" envconfig:"VERDICT_CACHE_SIZE"`
	MaxFailedAttempts int           `yaml:"max_failed_attempts" envconfig:"MAX_FAILED_ATTEMPTS"`
	BlockDuration     time.Duration `yaml:"block_duration" envconfig:"BLOCK_DURATION"`
}

// ExtractionConfig contains extraction engine configuration
type ExtractionConfig struct {
	Workers    int           `yaml:"workers" envconfig:"WORKERS"`
	JobTimeout time.Duration `yaml:"job_timeout" envconfig:"JOB_TIMEOUT"`
	MaxInput   int           `yaml:"max_input" envconfig:"MAX_INPUT"`
}

// PathsConfig contains file system paths configuration
type PathsConfig struct {
	ExecutableDir   string `yaml:"executable_dir" envconfig:"EXECUTABLE_DIR"`
	LicenseFile     string `yaml:"license_file" envconfig:"LICENSE_FILE"`
	PayloadFile     string `yaml:"payload_file" envconfig:"PAYLOAD_FILE"`
	ClockAnchorFile string `yaml:"clock_anchor_file" envconfig:"CLOCK_ANCHOR_FILE"`
	DataDir         string `yaml:"data_dir" envconfig:"DATA_DIR"`
	LogsDir         string `yaml:"logs_dir" envconfig:"LOGS_DIR"`
}

// WebSocketConfig contains event stream configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT"`
}

// Load builds the configuration from defaults, the config file and the
// environment, then validates it and anchors relative paths to the
// executable directory.
func Load() (*Config, error) {
	cfg := Default()

	if path := configFilePath(); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process("CODEX", cfg); err != nil {
		return nil, fmt.Errorf("config environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}

	if err := cfg.ValidatePaths(); err != nil {
		return nil, fmt.Errorf("path validation failed: %w", err)
	}

	return cfg, nil
}

// applyFile overlays the YAML file onto c. Keys absent from the file
// leave the current values alone.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// configFilePath picks the config file. CODEX_CONFIG wins and is taken
// verbatim, so a missing explicit file surfaces as a load error instead
// of being skipped. Otherwise the conventional locations are probed.
func configFilePath() string {
	if path := os.Getenv("CODEX_CONFIG"); path != "" {
		return path
	}

	for _, location := range []string{
		"config.yaml",
		"configs/config.yaml",
		"../configs/config.yaml",
	} {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// resolvePaths sets up the executable directory and anchors relative
// file settings there.
func (c *Config) resolvePaths() error {
	paths, err := GetPaths()
	if err != nil {
		return fmt.Errorf("failed to get paths: %w", err)
	}

	c.Paths.ExecutableDir = paths.ExecutableDir

	// Log files follow the executable, not the working directory.
	if c.Logging.FilePath != "" {
		c.Logging.FilePath = paths.GetRelativePath(c.Logging.FilePath)
	}

	return nil
}

// ValidatePaths validates that critical paths exist or can be created
func (c *Config) ValidatePaths() error {
	paths, err := GetPaths()
	if err != nil {
		return fmt.Errorf("failed to get paths: %w", err)
	}

	if err := paths.EnsureDirectories(); err != nil {
		return fmt.Errorf("failed to ensure directories: %w", err)
	}

	paths.LogPathResolution()

	return nil
}

// GetDataDir returns the resolved data directory path
func (c *Config) GetDataDir() string {
	paths, err := GetPaths()
	if err != nil {
		return c.Paths.DataDir
	}
	return paths.DataDir
}

// GetLogsDir returns the resolved logs directory path
func (c *Config) GetLogsDir() string {
	paths, err := GetPaths()
	if err != nil {
		return c.Paths.LogsDir
	}
	return paths.LogsDir
}

// GetLicenseFile returns the resolved entitlement record file path
func (c *Config) GetLicenseFile() string {
	path, err := GetLicensePath()
	if err != nil {
		return c.Paths.LicenseFile
	}
	return path
}

// GetPayloadFile returns the resolved rule-set payload file path
func (c *Config) GetPayloadFile() string {
	path, err := GetPayloadPath()
	if err != nil {
		return c.Paths.PayloadFile
	}
	return path
}

// GetClockAnchorFile returns the resolved clock anchor state file path
func (c *Config) GetClockAnchorFile() string {
	paths, err := GetPaths()
	if err != nil {
		return c.Paths.ClockAnchorFile
	}
	return paths.ClockAnchorFile
}

// validate rejects configurations the server cannot run with and
// normalizes the rest. Values an operator may legitimately tune are
// rejected when wrong; values with exactly one sane shape are coerced.
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}
	if len(c.Security.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin must be specified")
	}
	if c.License.VerdictCacheTTL < 0 {
		return fmt.Errorf("verdict cache TTL must not be negative")
	}

	if c.License.VerdictCacheSize <= 0 {
		c.License.VerdictCacheSize = 1000
	}
	if c.Extraction.Workers <= 0 {
		c.Extraction.Workers = 4
	}

	// Log shippers expect JSON on a stable path
	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output != "both" && c.Logging.Output != "file" {
		c.Logging.Output = "both"
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/codexd.log"
	}

	// Keepalive pings must fire before the pong deadline lapses.
	if c.WebSocket.PongWait <= 0 {
		c.WebSocket.PongWait = 60 * time.Second
	}
	if c.WebSocket.PingPeriod <= 0 || c.WebSocket.PingPeriod >= c.WebSocket.PongWait {
		c.WebSocket.PingPeriod = c.WebSocket.PongWait * 9 / 10
	}

	return nil
}

// Default returns the compiled-in configuration, the base layer under
// the config file and the environment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20, // 1MB
			ShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Output:      "both",
			FilePath:    "logs/codexd.log",
			Development: true,
		},
		License: LicenseConfig{
			VerdictCacheTTL:   30 * time.Second,
			VerdictCacheSize:  1000,
			MaxFailedAttempts: 5,
			BlockDuration:     15 * time.Minute,
		},
		Extraction: ExtractionConfig{
			Workers:    4,
			JobTimeout: 2 * time.Minute,
			MaxInput:   1 << 20,
		},
		Paths: PathsConfig{
			LicenseFile:     "license.json",
			PayloadFile:     "ruleset.bin",
			ClockAnchorFile: "data/clock_anchor.json",
			DataDir:         "data",
			LogsDir:         "logs",
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingPeriod:      30 * time.Second,
			PongWait:        60 * time.Second,
		},
	}
}
