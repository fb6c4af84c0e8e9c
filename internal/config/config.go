// Package config provides file- and environment-based configuration for
// the portico binary. The library itself is configured with functional
// options; this package maps a portico.yaml onto them.
package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the portico server binary.
type Config struct {
	// Server configures the listener and session behavior.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// SSL names the TLS materials. When set, TLS connections are
	// accepted on the same listener via first-byte auto-detection.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl"`

	// Compression lists the response encodings to offer. Empty disables
	// response compression.
	Compression []string `yaml:"compression" mapstructure:"compression" validate:"omitempty,dive,oneof=gzip deflate"`

	// Mounts maps URL prefixes onto filesystem roots for static serving.
	Mounts []MountConfig `yaml:"mounts" mapstructure:"mounts" validate:"omitempty,dive"`

	// Gate is an optional CEL expression gating every registered route.
	// Requests for which it evaluates false are refused with 403.
	Gate string `yaml:"gate" mapstructure:"gate"`

	// Metrics configures the admin listener exposing Prometheus metrics.
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`

	// LogLevel is one of debug, info, warn, error. DevMode forces debug.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// DevMode enables development behavior (verbose logging).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the acceptor and per-session limits.
type ServerConfig struct {
	// Host and Port are the bind parameters.
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port" validate:"omitempty,gte=1,lte=65535"`

	// Backlog is advisory: the Go runtime sizes the listen backlog from
	// the kernel default, so this is recorded but not applied.
	Backlog int `yaml:"backlog" mapstructure:"backlog"`

	// NumThreads bounds the worker threads (GOMAXPROCS). Zero keeps the
	// runtime default.
	NumThreads int `yaml:"num_threads" mapstructure:"num_threads" validate:"omitempty,gte=1"`

	// Timeout is the idle deadline for header and body reads, e.g. "30s".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`

	// MaxHeaderBytes caps the request line plus headers.
	MaxHeaderBytes int `yaml:"max_header_bytes" mapstructure:"max_header_bytes" validate:"omitempty,gte=256"`

	// Name overrides the server identifier on error pages and the
	// Server header.
	Name string `yaml:"name" mapstructure:"name"`
}

// SSLConfig names the TLS certificate materials.
type SSLConfig struct {
	CertFile string `yaml:"cert_file" mapstructure:"cert_file" validate:"omitempty,file"`
	KeyFile  string `yaml:"key_file" mapstructure:"key_file" validate:"omitempty,file"`
	Passwd   string `yaml:"passwd" mapstructure:"passwd"`
}

// Enabled reports whether TLS materials are configured.
func (c SSLConfig) Enabled() bool { return c.CertFile != "" || c.KeyFile != "" }

// MountConfig maps a URL prefix onto a filesystem root.
type MountConfig struct {
	URLPrefix string `yaml:"url_prefix" mapstructure:"url_prefix" validate:"required,startswith=/"`
	FSRoot    string `yaml:"fs_root" mapstructure:"fs_root" validate:"required,dir"`
}

// MetricsConfig configures the Prometheus admin listener.
type MetricsConfig struct {
	// Addr is the host:port for /metrics. Empty disables the listener.
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// SetDefaults fills optional fields.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8808
	}
	if c.Server.Timeout == "" {
		c.Server.Timeout = "30s"
	}
	if c.Server.Name == "" {
		c.Server.Name = "portico"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// SessionTimeout parses the configured idle timeout. Call after
// Validate; an unparseable value falls back to 30 seconds.
func (c *Config) SessionTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// Example renders a starter configuration.
func Example() string {
	cfg := &Config{}
	cfg.SetDefaults()
	cfg.Compression = []string{"gzip", "deflate"}
	cfg.Mounts = []MountConfig{{URLPrefix: "/", FSRoot: "./public"}}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return ""
	}
	return string(out)
}
