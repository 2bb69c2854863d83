package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [LoadFromReader] before validation.
const (
	DefaultListenAddr          = ":8080"
	DefaultMacroThrottleMS     = 700
	DefaultAbilityUsesPerLevel = 3
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// environment overrides, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in zero values with the documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Session.MacroThrottleMS == 0 {
		cfg.Session.MacroThrottleMS = DefaultMacroThrottleMS
	}
	if cfg.Session.LogVerbosity == "" {
		cfg.Session.LogVerbosity = VerbosityMacros
	}
	if cfg.Session.VisibilityPolicy == "" {
		cfg.Session.VisibilityPolicy = VisibilityReject
	}
	if cfg.Session.AbilityUsesPerLevel == 0 {
		cfg.Session.AbilityUsesPerLevel = DefaultAbilityUsesPerLevel
	}
}

// applyEnvOverrides applies the enumerated environment knobs on top of the
// file values. Unparsable numeric values are left as-is and surface through
// [Validate] only when the file value was also bad.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MACRO_THROTTLE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Session.MacroThrottleMS = ms
		}
	}
	if v := os.Getenv("WS_LOG_VERBOSITY"); v != "" {
		cfg.Session.LogVerbosity = Verbosity(v)
	}
	if v := os.Getenv("VISIBILITY_POLICY"); v != "" {
		cfg.Session.VisibilityPolicy = VisibilityPolicy(v)
	}
	if v := os.Getenv("ABILITY_MAX_USES_PER_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.AbilityUsesPerLevel = n
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Session.MacroThrottleMS < 0 {
		errs = append(errs, fmt.Errorf("session.macro_throttle_ms %d must not be negative", cfg.Session.MacroThrottleMS))
	}
	if !cfg.Session.LogVerbosity.IsValid() {
		errs = append(errs, fmt.Errorf("session.log_verbosity %q is invalid; valid values: macros, minimal, off", cfg.Session.LogVerbosity))
	}
	if !cfg.Session.VisibilityPolicy.IsValid() {
		errs = append(errs, fmt.Errorf("session.visibility_policy %q is invalid; valid values: reject, ignore", cfg.Session.VisibilityPolicy))
	}
	if cfg.Session.AbilityUsesPerLevel < 1 {
		errs = append(errs, fmt.Errorf("session.ability_uses_per_level %d must be at least 1", cfg.Session.AbilityUsesPerLevel))
	}

	return errors.Join(errs...)
}
