// Package config loads the CLI's settings. Precedence, lowest to
// highest: built-in defaults, the YAML config file, OJFORGE_* env vars,
// command-line flags.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL        = "http://127.0.0.1:8080"
	DefaultTimeout        = 30 * time.Second
	DefaultTokenStatePath = "configs/cli_state.json"
	DefaultHistoryPath    = "configs/cli_history"

	envBaseURL = "OJFORGE_BASE_URL"
	envTimeout = "OJFORGE_TIMEOUT"
)

// Config holds CLI configuration.
type Config struct {
	BaseURL        string        `yaml:"baseURL"`
	Timeout        time.Duration `yaml:"timeout"`
	TokenStatePath string        `yaml:"tokenStatePath"`
	HistoryPath    string        `yaml:"historyPath"`
	PrettyJSON     *bool         `yaml:"prettyJSON"`
}

// Overrides carries the flag-level settings main parses. Zero fields
// leave the config untouched.
type Overrides struct {
	BaseURL   string
	Timeout   time.Duration
	StatePath string
	Pretty    bool
}

// Load reads the config file and folds in env vars. A missing file is
// not an error; the CLI runs on defaults so a fresh checkout works
// without setup.
func Load(path string) (Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// fall through to env
	case err != nil:
		return cfg, fmt.Errorf("read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
		cfg.fillEmpty()
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Apply folds flag overrides into the config.
func (c *Config) Apply(o Overrides) {
	if o.BaseURL != "" {
		c.BaseURL = o.BaseURL
	}
	if o.Timeout > 0 {
		c.Timeout = o.Timeout
	}
	if o.StatePath != "" {
		c.TokenStatePath = o.StatePath
	}
	if o.Pretty {
		v := true
		c.PrettyJSON = &v
	}
}

// Pretty reports the effective pretty-print setting.
func (c Config) Pretty() bool {
	return c.PrettyJSON != nil && *c.PrettyJSON
}

func defaults() Config {
	pretty := true
	return Config{
		BaseURL:        DefaultBaseURL,
		Timeout:        DefaultTimeout,
		TokenStatePath: DefaultTokenStatePath,
		HistoryPath:    DefaultHistoryPath,
		PrettyJSON:     &pretty,
	}
}

// fillEmpty restores defaults the YAML file explicitly blanked.
func (c *Config) fillEmpty() {
	d := defaults()
	if c.BaseURL == "" {
		c.BaseURL = d.BaseURL
	}
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.TokenStatePath == "" {
		c.TokenStatePath = d.TokenStatePath
	}
	if c.HistoryPath == "" {
		c.HistoryPath = d.HistoryPath
	}
	if c.PrettyJSON == nil {
		c.PrettyJSON = d.PrettyJSON
	}
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(envBaseURL); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv(envTimeout); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", envTimeout, err)
		}
		c.Timeout = dur
	}
	return nil
}
