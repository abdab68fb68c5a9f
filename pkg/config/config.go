// Package config loads the settings of an optimizer run from a TOML or
// YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/daimatz/gojopt/pkg/lambdainline"
)

const (
	PolicyBase  = "base"
	PolicyShort = "short"

	FormatAuto    = "auto"
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Config is the contents of a gojopt configuration file.
type Config struct {
	// Filter selects the classes whose lambdas are inlined, e.g. "demo/**,!demo/gen/*".
	Filter     string     `toml:"filter" yaml:"filter"`
	Policy     string     `toml:"policy" yaml:"policy"`
	SizeBounds SizeBounds `toml:"size_bounds" yaml:"size_bounds"`
	Log        Log        `toml:"log" yaml:"log"`
}

// SizeBounds configures the short lambda policy.
type SizeBounds struct {
	Enforce                  bool `toml:"enforce" yaml:"enforce"`
	MaxConsumingMethodLength int  `toml:"max_consuming_method_length" yaml:"max_consuming_method_length"`
	MaxLambdaImplLength      int  `toml:"max_lambda_impl_length" yaml:"max_lambda_impl_length"`
}

type Log struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// Load reads a configuration file. The format is chosen by extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse parses configuration content. The path selects the format and is
// used in error messages.
func Parse(data []byte, path string) (*Config, error) {
	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%s: unknown config format %q", path, ext)
	}
	cfg.setDefaults()
	if err := cfg.validate(path); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Policy == "" {
		c.Policy = PolicyBase
	}
	if c.SizeBounds.MaxConsumingMethodLength == 0 {
		c.SizeBounds.MaxConsumingMethodLength = lambdainline.DefaultMaxConsumingMethodLength
	}
	if c.SizeBounds.MaxLambdaImplLength == 0 {
		c.SizeBounds.MaxLambdaImplLength = lambdainline.DefaultMaxLambdaImplLength
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = FormatAuto
	}
}

func (c *Config) validate(path string) error {
	switch c.Policy {
	case PolicyBase, PolicyShort:
	default:
		return fmt.Errorf("%s: policy must be %q or %q, got %q", path, PolicyBase, PolicyShort, c.Policy)
	}
	if c.SizeBounds.Enforce && c.Policy != PolicyShort {
		return fmt.Errorf("%s: size_bounds.enforce requires policy %q", path, PolicyShort)
	}
	if c.SizeBounds.MaxConsumingMethodLength < 0 {
		return fmt.Errorf("%s: size_bounds.max_consuming_method_length must not be negative", path)
	}
	if c.SizeBounds.MaxLambdaImplLength < 0 {
		return fmt.Errorf("%s: size_bounds.max_lambda_impl_length must not be negative", path)
	}
	if _, err := c.Log.ZapLevel(); err != nil {
		return fmt.Errorf("%s: log.level: %w", path, err)
	}
	switch c.Log.Format {
	case FormatAuto, FormatConsole, FormatJSON:
	default:
		return fmt.Errorf("%s: log.format must be auto, console or json, got %q", path, c.Log.Format)
	}
	return nil
}

// NewPolicy builds the inlining policy the configuration names.
func (c *Config) NewPolicy(logger *zap.Logger) lambdainline.Policy {
	if c.Policy == PolicyShort {
		return &lambdainline.ShortLambdaPolicy{
			MaxConsumingMethodLength: c.SizeBounds.MaxConsumingMethodLength,
			MaxLambdaImplLength:      c.SizeBounds.MaxLambdaImplLength,
			Enforce:                  c.SizeBounds.Enforce,
			Logger:                   logger,
		}
	}
	return lambdainline.BasePolicy{Logger: logger}
}

// ZapLevel parses the configured level name.
func (l Log) ZapLevel() (zapcore.Level, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return level, err
	}
	return level, nil
}
