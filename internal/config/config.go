// Package config loads host-side settings for sl4actl, with environment
// variables as the fallback source when a flag is left at its default.
package config

import "os"

// Config holds the settings needed to drive one device session.
type Config struct {
	// Serial is the device serial passed to every adb invocation.
	Serial string
	// AdbBin is the adb executable to invoke; "adb" if empty.
	AdbBin string
	// AgentPackage is the on-device agent's package name.
	AgentPackage string
	// MaxConnections bounds the RPC Client's connection pool per session.
	MaxConnections int
	// LogLevel is the zap level name ("debug", "info", "warn", "error").
	LogLevel string
	// MetricsAddr, if non-empty, serves Prometheus metrics on this address.
	MetricsAddr string
}

// Default returns a Config with the same defaults sl4actl's flags use.
func Default() Config {
	return Config{
		AdbBin:         "adb",
		AgentPackage:   "com.googlecode.android_scripting",
		MaxConnections: 8,
		LogLevel:       "info",
	}
}

// envOrDefault returns the environment variable named key, or def if unset
// or empty.
func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ApplyEnv replaces each field with its SL4A_* environment variable when that
// variable is set and non-empty. sl4actl calls it before binding its flags,
// so the result serves as the flag defaults and an explicit flag wins.
func (c *Config) ApplyEnv() {
	c.Serial = envOrDefault("SL4A_SERIAL", c.Serial)
	c.AdbBin = envOrDefault("SL4A_ADB_BIN", c.AdbBin)
	c.AgentPackage = envOrDefault("SL4A_AGENT_PACKAGE", c.AgentPackage)
	c.LogLevel = envOrDefault("SL4A_LOG_LEVEL", c.LogLevel)
	c.MetricsAddr = envOrDefault("SL4A_METRICS_ADDR", c.MetricsAddr)
}
