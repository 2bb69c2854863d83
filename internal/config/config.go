// Package config provides the configuration schema and loader for the
// party hub server.
package config

import "time"

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Verbosity selects which macro event types are persisted to the message
// log. Broadcasts are always emitted regardless.
type Verbosity string

const (
	// VerbosityMacros persists every macro event.
	VerbosityMacros Verbosity = "macros"

	// VerbosityMinimal persists only dice rolls and initiative events.
	VerbosityMinimal Verbosity = "minimal"

	// VerbosityOff persists no macro events.
	VerbosityOff Verbosity = "off"
)

// IsValid reports whether v is a recognised verbosity mode.
func (v Verbosity) IsValid() bool {
	switch v {
	case VerbosityMacros, VerbosityMinimal, VerbosityOff:
		return true
	}
	return false
}

// VisibilityPolicy decides how Story-Weaver-only commands behave when a
// player invokes them.
type VisibilityPolicy string

const (
	// VisibilityReject replies with a private permission error.
	VisibilityReject VisibilityPolicy = "reject"

	// VisibilityIgnore drops the command silently.
	VisibilityIgnore VisibilityPolicy = "ignore"
)

// IsValid reports whether p is a recognised visibility policy.
func (p VisibilityPolicy) IsValid() bool {
	return p == VisibilityReject || p == VisibilityIgnore
}

// Config is the root configuration structure, typically loaded from a YAML
// file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Session  SessionConfig  `yaml:"session"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	// PostgresDSN is the connection string for the Postgres store. When
	// empty the server falls back to the in-memory store, which is only
	// suitable for local development.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// SessionConfig tunes per-party session behavior.
type SessionConfig struct {
	// MacroThrottleMS is the minimum interval between accepted macros per
	// (party, actor) pair, in milliseconds. Overridable via MACRO_THROTTLE_MS.
	MacroThrottleMS int `yaml:"macro_throttle_ms"`

	// LogVerbosity selects which macro events get persisted.
	// Overridable via WS_LOG_VERBOSITY.
	LogVerbosity Verbosity `yaml:"log_verbosity"`

	// VisibilityPolicy decides how SW-only commands respond to players.
	// Overridable via VISIBILITY_POLICY.
	VisibilityPolicy VisibilityPolicy `yaml:"visibility_policy"`

	// AbilityUsesPerLevel is the ability budget multiplier applied when an
	// encounter ends. Overridable via ABILITY_MAX_USES_PER_LEVEL.
	AbilityUsesPerLevel int `yaml:"ability_uses_per_level"`
}

// ThrottleWindow returns the macro throttle as a duration.
func (s SessionConfig) ThrottleWindow() time.Duration {
	return time.Duration(s.MacroThrottleMS) * time.Millisecond
}
