// Package config provides configuration loading for the DataGate gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for datagate.yaml/.yml in standard locations.
// The search requires an explicit YAML extension to avoid matching the binary
// itself, which Viper's built-in SetConfigName would match.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location.
		// Set name/type without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("datagate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: DATAGATE_SERVER_HTTP_ADDR
	viper.SetEnvPrefix("DATAGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a datagate config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	return findConfigFileInPaths([]string{
		".",
		filepath.Join(home, ".datagate"),
		"/etc/datagate",
	})
}

func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "datagate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds config keys for environment variable support.
// Example: DATAGATE_OAUTH_JWT_SECRET overrides oauth.jwt_secret.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")

	_ = viper.BindEnv("oauth.introspection_url")
	_ = viper.BindEnv("oauth.issuer")
	_ = viper.BindEnv("oauth.audience")
	_ = viper.BindEnv("oauth.jwt_secret")
	_ = viper.BindEnv("oauth.algorithm")
	_ = viper.BindEnv("oauth.introspection_timeout")

	_ = viper.BindEnv("mdh.base_url")
	_ = viper.BindEnv("mdh.account_id")
	_ = viper.BindEnv("mdh.username")
	_ = viper.BindEnv("mdh.password")
	_ = viper.BindEnv("mdh.datahub_username")
	_ = viper.BindEnv("mdh.datahub_password")
	_ = viper.BindEnv("mdh.query_timeout")

	_ = viper.BindEnv("security.rule_confidence_threshold")
	_ = viper.BindEnv("security.llm_boost_threshold")
	_ = viper.BindEnv("security.llm_cache_ttl_seconds")
	_ = viper.BindEnv("security.llm_cache_max_entries")
	// Note: security.rate_limits and security.clients are maps; use the
	// config file for these.

	_ = viper.BindEnv("llm.api_key")
	_ = viper.BindEnv("llm.model")
	_ = viper.BindEnv("llm.timeout")

	_ = viper.BindEnv("audit.directory")
	_ = viper.BindEnv("audit.retention_days")

	_ = viper.BindEnv("features.proactive_insights")
	_ = viper.BindEnv("features.follow_up_suggestions")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, applies dev defaults, validates, and returns the Config.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
