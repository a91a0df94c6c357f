// Package config loads engine configuration from YAML files, expanding
// ${VAR} environment references and parsing duration strings.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/HenryTangIntel/nixl/backend"
)

// Config is the complete on-disk engine configuration.
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Backend  BackendConfig  `yaml:"backend"`
	Progress ProgressConfig `yaml:"progress"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// AgentConfig identifies the local agent.
type AgentConfig struct {
	Name string `yaml:"name"`
}

// BackendConfig holds the string-keyed engine options.
type BackendConfig struct {
	NumWorkers         int    `yaml:"num_workers"`
	DeviceList         string `yaml:"device_list"`
	DeviceOptimize     *bool  `yaml:"device_optimize"`
	PreferredTransport string `yaml:"preferred_transport"`
	ErrHandlingMode    string `yaml:"err_handling_mode"`
	DevicePathPolicy   string `yaml:"device_path_policy"`
}

// ProgressConfig controls the background progress thread.
type ProgressConfig struct {
	Enabled bool          `yaml:"enabled"`
	Delay   time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	DelayRaw string `yaml:"delay"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded, and
// duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure.
func (c *Config) Validate() error {
	if c.Agent.Name == "" {
		return fmt.Errorf("agent.name is required")
	}

	if c.Backend.NumWorkers < 0 {
		return fmt.Errorf("backend.num_workers must not be negative")
	}

	switch c.Backend.DevicePathPolicy {
	case "", "both", "any":
	default:
		return fmt.Errorf("backend.device_path_policy must be %q or %q, got %q",
			"both", "any", c.Backend.DevicePathPolicy)
	}

	if c.Progress.Delay < 0 {
		return fmt.Errorf("progress.delay must not be negative")
	}

	return nil
}

// Params converts the backend section into the option map the engine
// consumes. Unset fields keep the engine defaults.
func (c *Config) Params() backend.Params {
	params := backend.DefaultParams()

	if c.Backend.NumWorkers > 0 {
		params[backend.OptNumWorkers] = strconv.Itoa(c.Backend.NumWorkers)
	}
	if c.Backend.DeviceList != "" {
		params[backend.OptDeviceList] = c.Backend.DeviceList
	}
	if c.Backend.DeviceOptimize != nil {
		params[backend.OptDeviceOptimize] = strconv.FormatBool(*c.Backend.DeviceOptimize)
	}
	if c.Backend.PreferredTransport != "" {
		params[backend.OptPreferredTransport] = c.Backend.PreferredTransport
	}
	if c.Backend.ErrHandlingMode != "" {
		params[backend.OptErrHandlingMode] = c.Backend.ErrHandlingMode
	}
	if c.Backend.DevicePathPolicy != "" {
		params[backend.OptDevicePathPolicy] = c.Backend.DevicePathPolicy
	}

	return params
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Progress.DelayRaw != "" {
		cfg.Progress.Delay, err = time.ParseDuration(cfg.Progress.DelayRaw)
		if err != nil {
			return fmt.Errorf("parsing progress.delay %q: %w", cfg.Progress.DelayRaw, err)
		}
	}

	return nil
}
