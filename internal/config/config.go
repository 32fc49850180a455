// Package config provides configuration loading and validation for the
// spine server. Values come from an optional YAML file named by
// SPINE_CONFIG, overridden by SPINE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the validated server configuration.
type Config struct {
	// Host and Port form the listen address. Host may be empty to bind
	// all interfaces.
	Host string
	Port string

	// DataDir is the root of the persisted state (jobs/, events/, blobs/).
	DataDir string

	// LeaseDuration is how long a claim holds a job before the reaper may
	// recover it. Heartbeats extend the lease by this amount.
	LeaseDuration time.Duration

	// ReaperInterval is the period of the expired-lease sweep. It should
	// be smaller than LeaseDuration.
	ReaperInterval time.Duration

	// DefaultMaxAttempts is used when a job is created without an
	// explicit maxAttempts.
	DefaultMaxAttempts int

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration

	// LogLevel controls application logging: debug, info, warn, error.
	LogLevel string

	// Token sets per role. Startup fails if any set is empty.
	HeadTokens      []string
	LeftClawTokens  []string
	RightClawTokens []string
}

// fileConfig mirrors Config for the optional YAML file. Pointer fields
// distinguish "absent" from zero values.
type fileConfig struct {
	Host               *string  `yaml:"host"`
	Port               *string  `yaml:"port"`
	DataDir            *string  `yaml:"dataDir"`
	LeaseSeconds       *int64   `yaml:"leaseSeconds"`
	ReaperIntervalMS   *int64   `yaml:"reaperIntervalMs"`
	DefaultMaxAttempts *int     `yaml:"defaultMaxAttempts"`
	ShutdownTimeout    *string  `yaml:"shutdownTimeout"`
	LogLevel           *string  `yaml:"logLevel"`
	HeadTokens         []string `yaml:"headTokens"`
	LeftClawTokens     []string `yaml:"leftClawTokens"`
	RightClawTokens    []string `yaml:"rightClawTokens"`
}

// Load reads configuration from the optional YAML file and environment,
// applies defaults and validates required values.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               "8080",
		LeaseDuration:      300 * time.Second,
		ReaperInterval:     30 * time.Second,
		DefaultMaxAttempts: 3,
		ShutdownTimeout:    30 * time.Second,
		LogLevel:           "info",
	}

	var fc fileConfig
	if path := strings.TrimSpace(os.Getenv("SPINE_CONFIG")); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &fc); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		applyFile(cfg, &fc)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	cfg.HeadTokens = mergeTokens(fc.HeadTokens, "SPINE_HEAD_TOKEN", "SPINE_HEAD_TOKENS")
	cfg.LeftClawTokens = mergeTokens(fc.LeftClawTokens, "SPINE_LEFT_CLAW_TOKEN", "SPINE_LEFT_CLAW_TOKENS")
	cfg.RightClawTokens = mergeTokens(fc.RightClawTokens, "SPINE_RIGHT_CLAW_TOKEN", "SPINE_RIGHT_CLAW_TOKENS")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, fc *fileConfig) {
	if fc.Host != nil {
		cfg.Host = *fc.Host
	}
	if fc.Port != nil {
		cfg.Port = *fc.Port
	}
	if fc.DataDir != nil {
		cfg.DataDir = *fc.DataDir
	}
	if fc.LeaseSeconds != nil {
		cfg.LeaseDuration = time.Duration(*fc.LeaseSeconds) * time.Second
	}
	if fc.ReaperIntervalMS != nil {
		cfg.ReaperInterval = time.Duration(*fc.ReaperIntervalMS) * time.Millisecond
	}
	if fc.DefaultMaxAttempts != nil {
		cfg.DefaultMaxAttempts = *fc.DefaultMaxAttempts
	}
	if fc.ShutdownTimeout != nil {
		if d, err := time.ParseDuration(*fc.ShutdownTimeout); err == nil {
			cfg.ShutdownTimeout = d
		}
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = strings.ToLower(*fc.LogLevel)
	}
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("SPINE_HOST")); v != "" {
		cfg.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("SPINE_PORT")); v != "" {
		cfg.Port = v
	}
	if v := strings.TrimSpace(os.Getenv("SPINE_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("SPINE_LEASE_SECONDS")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid SPINE_LEASE_SECONDS: %w", err)
		}
		cfg.LeaseDuration = time.Duration(n) * time.Second
	}
	if v := strings.TrimSpace(os.Getenv("SPINE_REAPER_INTERVAL_MS")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid SPINE_REAPER_INTERVAL_MS: %w", err)
		}
		cfg.ReaperInterval = time.Duration(n) * time.Millisecond
	}
	if v := strings.TrimSpace(os.Getenv("SPINE_DEFAULT_MAX_ATTEMPTS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SPINE_DEFAULT_MAX_ATTEMPTS: %w", err)
		}
		cfg.DefaultMaxAttempts = n
	}
	if v := strings.TrimSpace(os.Getenv("SPINE_SHUTDOWN_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid SPINE_SHUTDOWN_TIMEOUT: %w", err)
		}
		cfg.ShutdownTimeout = d
	}
	if v := strings.TrimSpace(os.Getenv("SPINE_LOG_LEVEL")); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	return nil
}

// mergeTokens unions the file-supplied tokens, the single env binding and
// the CSV env binding, coalescing duplicates while preserving order.
func mergeTokens(fromFile []string, singleEnv, csvEnv string) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(tok string) {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			return
		}
		if _, ok := seen[tok]; ok {
			return
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	for _, tok := range fromFile {
		add(tok)
	}
	add(os.Getenv(singleEnv))
	for _, tok := range strings.Split(os.Getenv(csvEnv), ",") {
		add(tok)
	}
	return out
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("SPINE_DATA_DIR is required")
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("lease duration must be positive")
	}
	if c.ReaperInterval <= 0 {
		return fmt.Errorf("reaper interval must be positive")
	}
	if c.DefaultMaxAttempts <= 0 {
		return fmt.Errorf("default max attempts must be positive")
	}
	for _, set := range []struct {
		name   string
		tokens []string
	}{
		{"head", c.HeadTokens},
		{"left-claw", c.LeftClawTokens},
		{"right-claw", c.RightClawTokens},
	} {
		if len(set.tokens) == 0 {
			return fmt.Errorf("no tokens configured for role %s", set.name)
		}
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}
