// Package config loads coordinator configuration.
//
// Precedence, highest first:
//  1. CLI flags (MergeWithFlags)
//  2. Environment variables (COORDINATOR_MAX_CONCURRENCY, COORDINATOR_RETRY_MAX_ATTEMPTS, ...)
//  3. YAML file (.coordinator/config.yaml or --config)
//  4. Defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "COORDINATOR_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// defaults is loaded before the file so explicit zeros in the file win.
const defaults = `
max_concurrency: 10
log_level: info
log_dir: .coordinator/logs
dry_run: false
retry:
  max_attempts: 3
  backoff: 1s
  max_backoff: 30s
replan:
  max_per_step: 1
  max_replays: 2
retrospect:
  workers: 4
  timeout: 5m
  rate_per_second: 0
persistence:
  enabled: true
  backend: sqlite
  path: .coordinator/state/coordinator.db
escalation:
  nats_url: ""
  subject_prefix: coordinator.escalations
`

// RetryConfig holds defaults for retry policies that declare no values.
type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	Backoff     time.Duration `koanf:"backoff"`
	MaxBackoff  time.Duration `koanf:"max_backoff"`
}

// ReplanConfig bounds plan mutation.
type ReplanConfig struct {
	// MaxPerStep is the number of replans one step may trigger (negative disables)
	MaxPerStep int `koanf:"max_per_step"`

	// MaxReplays is the number of retrospect replays rooted at one step (negative disables)
	MaxReplays int `koanf:"max_replays"`
}

// RetrospectConfig sizes the background retrospect runner.
type RetrospectConfig struct {
	Workers       int           `koanf:"workers"`
	Timeout       time.Duration `koanf:"timeout"`
	RatePerSecond float64       `koanf:"rate_per_second"`
}

// PersistenceConfig selects where plan versions and checkpoints are stored.
type PersistenceConfig struct {
	Enabled bool   `koanf:"enabled"`
	Backend string `koanf:"backend"` // sqlite or file
	Path    string `koanf:"path"`    // Database file for sqlite, directory for file
}

// EscalationConfig routes escalation events. An empty NATSURL logs them only.
type EscalationConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// CapabilityConfig binds a capability reference to an external command.
type CapabilityConfig struct {
	Name    string        `koanf:"name"`
	Command string        `koanf:"command"`
	CostUSD float64       `koanf:"cost_usd"`
	Timeout time.Duration `koanf:"timeout"`
}

// Config represents coordinator configuration options
type Config struct {
	// MaxConcurrency is the maximum number of steps running at once
	MaxConcurrency int `koanf:"max_concurrency"`

	// LogLevel sets the logging verbosity (trace, debug, info, warn, error)
	LogLevel string `koanf:"log_level"`

	// LogDir is the directory where audit logs will be written
	LogDir string `koanf:"log_dir"`

	// DryRun enables validation-only mode without execution
	DryRun bool `koanf:"dry_run"`

	Retry        RetryConfig        `koanf:"retry"`
	Replan       ReplanConfig       `koanf:"replan"`
	Retrospect   RetrospectConfig   `koanf:"retrospect"`
	Persistence  PersistenceConfig  `koanf:"persistence"`
	Escalation   EscalationConfig   `koanf:"escalation"`
	Capabilities []CapabilityConfig `koanf:"capabilities"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	cfg, err := load(nil, false)
	if err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

// LoadConfig loads configuration from the specified file path, then applies
// environment overrides. A missing file (or empty path) yields defaults.
func LoadConfig(path string) (*Config, error) {
	var content []byte
	if path != "" {
		info, err := os.Stat(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		case info.IsDir():
			return nil, fmt.Errorf("config path %s is a directory", path)
		case info.Size() > maxConfigFileSize:
			return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
		default:
			if content, err = os.ReadFile(path); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}
	return load(content, true)
}

// LoadConfigFromDir loads configuration from .coordinator/config.yaml in dir.
func LoadConfigFromDir(dir string) (*Config, error) {
	return LoadConfig(filepath.Join(dir, ".coordinator", "config.yaml"))
}

func load(content []byte, withEnv bool) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider([]byte(defaults)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if len(content) > 0 {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if withEnv {
		if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
			return nil, fmt.Errorf("failed to load environment variables: %w", err)
		}
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// topLevel lists keys that contain underscores but belong to no section.
var topLevel = map[string]bool{
	"max_concurrency": true,
	"log_level":       true,
	"log_dir":         true,
	"dry_run":         true,
}

// envKey maps COORDINATOR_RETRY_MAX_ATTEMPTS to retry.max_attempts.
// Capabilities cannot be set from the environment.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if topLevel[lower] {
		return lower
	}
	section, field, ok := strings.Cut(lower, "_")
	if !ok || section == "capabilities" {
		return ""
	}
	return section + "." + field
}

// MergeWithFlags merges CLI flags into the configuration.
// Non-nil flag values override configuration values.
func (c *Config) MergeWithFlags(maxConcurrency *int, logLevel *string, logDir *string, dryRun *bool) {
	if maxConcurrency != nil {
		c.MaxConcurrency = *maxConcurrency
	}
	if logLevel != nil {
		c.LogLevel = *logLevel
	}
	if logDir != nil {
		c.LogDir = *logDir
	}
	if dryRun != nil {
		c.DryRun = *dryRun
	}
}

// Capability returns the binding for ref.
func (c *Config) Capability(ref string) (CapabilityConfig, bool) {
	for _, cc := range c.Capabilities {
		if cc.Name == ref {
			return cc, true
		}
	}
	return CapabilityConfig{}, false
}

// Validate validates the configuration values
// Returns an error if any values are invalid
func (c *Config) Validate() error {
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be >= 1, got %d", c.MaxConcurrency)
	}

	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Backoff < 0 || c.Retry.MaxBackoff < 0 {
		return fmt.Errorf("retry backoff must be >= 0")
	}
	if c.Retry.MaxBackoff > 0 && c.Retry.Backoff > c.Retry.MaxBackoff {
		return fmt.Errorf("retry.backoff %v exceeds retry.max_backoff %v", c.Retry.Backoff, c.Retry.MaxBackoff)
	}

	if c.Retrospect.Workers < 1 {
		return fmt.Errorf("retrospect.workers must be >= 1, got %d", c.Retrospect.Workers)
	}
	if c.Retrospect.Timeout < 0 {
		return fmt.Errorf("retrospect.timeout must be >= 0, got %v", c.Retrospect.Timeout)
	}
	if c.Retrospect.RatePerSecond < 0 {
		return fmt.Errorf("retrospect.rate_per_second must be >= 0, got %v", c.Retrospect.RatePerSecond)
	}

	if c.Persistence.Enabled {
		switch c.Persistence.Backend {
		case "sqlite", "file":
		default:
			return fmt.Errorf("persistence.backend must be sqlite or file, got %q", c.Persistence.Backend)
		}
		if c.Persistence.Path == "" {
			return fmt.Errorf("persistence.path cannot be empty when persistence is enabled")
		}
	}

	if c.Escalation.NATSURL != "" && c.Escalation.SubjectPrefix == "" {
		return fmt.Errorf("escalation.subject_prefix cannot be empty when nats_url is set")
	}

	seen := make(map[string]bool, len(c.Capabilities))
	for i, cc := range c.Capabilities {
		switch {
		case cc.Name == "":
			return fmt.Errorf("capabilities[%d]: name is required", i)
		case seen[cc.Name]:
			return fmt.Errorf("capabilities[%d]: duplicate name %s", i, cc.Name)
		case strings.TrimSpace(cc.Command) == "":
			return fmt.Errorf("capability %s: command is required", cc.Name)
		case cc.CostUSD < 0:
			return fmt.Errorf("capability %s: cost_usd must be >= 0", cc.Name)
		case cc.Timeout < 0:
			return fmt.Errorf("capability %s: timeout must be >= 0", cc.Name)
		}
		seen[cc.Name] = true
	}
	return nil
}
