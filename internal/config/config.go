// Package config loads and watches the rtecfix configuration file.
//
// Load(path) reads the YAML file, applies defaults (standard slip tunables,
// one worker per CPU, :8080, built-in frequency plans), then validates the
// tunables, channel choices and directories. Watch(ctx, path, logger,
// onChange) reloads the file on write and hands the new Config to onChange.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/star/rtecfix/internal/gnss"
	"github.com/star/rtecfix/internal/slip"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultHTTPAddr      = ":8080"
	DefaultSpoolDebounce = 500 * time.Millisecond
	DefaultAuthTokenEnv  = "RTECFIX_AUTH_TOKEN"
)

// Config is the top-level configuration.
type Config struct {
	Pipeline    PipelineConfig  `yaml:"pipeline"`
	Frequencies FrequencyConfig `yaml:"frequencies"`
	Spool       SpoolConfig     `yaml:"spool"`
	Storage     StorageConfig   `yaml:"storage"`
	Server      ServerConfig    `yaml:"server"`
}

// PipelineConfig holds the correction settings.
type PipelineConfig struct {
	// Workers is the number of satellites corrected in parallel.
	Workers int `yaml:"workers"`

	// Slip holds the detection and gating tunables.
	Slip slip.Config `yaml:"slip"`
}

// FrequencyConfig adjusts the built-in constellation frequency plans.
type FrequencyConfig struct {
	// Channels picks L2 or L3 per constellation, keyed by system name or
	// RINEX letter.
	Channels map[string]string `yaml:"channels"`

	// GlonassChannels maps GLONASS slot numbers to frequency channel
	// numbers. Entries replace the built-in table slot by slot.
	GlonassChannels map[int]int `yaml:"glonass_channels"`

	// Overrides picks L2 or L3 for individual satellites.
	Overrides map[string]string `yaml:"overrides"`
}

// SpoolConfig configures the input directory watcher.
type SpoolConfig struct {
	// InputDir is watched for new observation CSV files. Empty disables
	// the watcher.
	InputDir string `yaml:"input_dir"`

	// OutputDir receives <name>.corrected.csv files. Defaults to InputDir.
	OutputDir string `yaml:"output_dir"`

	// Debounce delays processing after the last write to a file.
	Debounce time.Duration `yaml:"debounce"`
}

// StorageConfig configures the optional SQLite archive.
type StorageConfig struct {
	// Path is the SQLite database file. Empty disables archiving.
	Path string `yaml:"path"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Addr string     `yaml:"addr"`
	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig configures bearer token authentication.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`

	// TokenEnv is the name of the environment variable holding the token.
	TokenEnv string `yaml:"token_env"`
}

// Token returns the bearer token resolved from the environment.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data, applying defaults and validation.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if cfg.Spool.OutputDir == "" {
		cfg.Spool.OutputDir = cfg.Spool.InputDir
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config pre-populated with default values.
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			Workers: runtime.NumCPU(),
			Slip:    slip.DefaultConfig(),
		},
		Spool: SpoolConfig{
			Debounce: DefaultSpoolDebounce,
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
			Auth: AuthConfig{TokenEnv: DefaultAuthTokenEnv},
		},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	if cfg.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be positive, got %d", cfg.Pipeline.Workers)
	}
	if err := cfg.Pipeline.Slip.Validate(); err != nil {
		return fmt.Errorf("pipeline.slip: %w", err)
	}
	if _, err := cfg.Frequencies.Resolver(); err != nil {
		return fmt.Errorf("frequencies: %w", err)
	}
	if cfg.Spool.Debounce < 0 {
		return fmt.Errorf("spool.debounce must not be negative")
	}
	if cfg.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if cfg.Server.Auth.Enabled && cfg.Server.Auth.TokenEnv == "" {
		return fmt.Errorf("server.auth.token_env is required when auth is enabled")
	}
	return nil
}

// Resolver builds the frequency resolver described by f on top of the
// built-in plans.
func (f FrequencyConfig) Resolver() (*gnss.TableResolver, error) {
	plans := gnss.DefaultPlans()
	for name, chName := range f.Channels {
		c, err := gnss.ParseConstellation(name)
		if err != nil {
			return nil, fmt.Errorf("channels: %w", err)
		}
		ch, err := gnss.ParseChannel(chName)
		if err != nil {
			return nil, fmt.Errorf("channels[%s]: %w", name, err)
		}
		plan := plans[c]
		plan.Channel = ch
		plans[c] = plan
	}

	glo := gnss.DefaultGlonassChannels()
	for slot, k := range f.GlonassChannels {
		if slot < 1 {
			return nil, fmt.Errorf("glonass_channels: invalid slot %d", slot)
		}
		glo[slot] = k
	}

	overrides := make(map[gnss.SatID]gnss.Channel, len(f.Overrides))
	for satName, chName := range f.Overrides {
		sat, err := gnss.ParseSatID(satName)
		if err != nil {
			return nil, fmt.Errorf("overrides: %w", err)
		}
		ch, err := gnss.ParseChannel(chName)
		if err != nil {
			return nil, fmt.Errorf("overrides[%s]: %w", sat, err)
		}
		overrides[sat] = ch
	}

	return gnss.NewTableResolver(plans, glo, overrides), nil
}
