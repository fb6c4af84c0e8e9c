package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and
// environment variables. If configFile is empty, portico.yaml/.yml is
// searched in the standard locations. The search requires an explicit
// YAML extension so the binary itself (same base name, no extension)
// never matches.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// Nothing found; ReadInConfig will return
		// ConfigFileNotFoundError, which callers tolerate.
		viper.SetConfigName("portico")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: PORTICO_SERVER_PORT and friends.
	viper.SetEnvPrefix("PORTICO")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for portico.yaml or .yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".portico"),
		"/etc/portico",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "portico"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys so environment variables
// can override them. Arrays (compression, mounts) are file-only.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.host")
	_ = viper.BindEnv("server.port")
	_ = viper.BindEnv("server.backlog")
	_ = viper.BindEnv("server.num_threads")
	_ = viper.BindEnv("server.timeout")
	_ = viper.BindEnv("server.max_header_bytes")
	_ = viper.BindEnv("server.name")
	_ = viper.BindEnv("ssl.cert_file")
	_ = viper.BindEnv("ssl.key_file")
	_ = viper.BindEnv("ssl.passwd")
	_ = viper.BindEnv("gate")
	_ = viper.BindEnv("metrics.addr")
	_ = viper.BindEnv("log_level")
	_ = viper.BindEnv("dev_mode")
}

// Load reads the configuration file, applies environment overrides and
// defaults, and validates the result. A missing config file is not an
// error; the defaults plus environment variables apply.
func Load() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}
