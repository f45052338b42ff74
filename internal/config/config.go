// Package config provides runtime configuration for PMD.
// It uses Viper to load settings from files and environment variables.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for PMD.
type Config struct {
	// ── Server ───────────────────────────────────────────────────────────────
	ListenHost string `mapstructure:"listen_host"`
	ListenPort int    `mapstructure:"listen_port"`
	DBPath     string `mapstructure:"db_path"`

	// ── Probing ──────────────────────────────────────────────────────────────
	// PingTimeoutSeconds bounds a single probe; a probe that exceeds it is a
	// lost sample, never an error.
	PingTimeoutSeconds float64 `mapstructure:"ping_timeout_seconds"`
	// FailureThreshold is the consecutive-loss count that triggers a single
	// failure event.
	FailureThreshold int `mapstructure:"failure_threshold"`

	// ── Rollups ──────────────────────────────────────────────────────────────
	// RollupIntervalSeconds is how often the aggregation pipeline recomputes
	// minute/hour buckets from recent samples.
	RollupIntervalSeconds int `mapstructure:"rollup_interval_seconds"`
	// RollupLookbackMinutes is how far behind the watermark each pass
	// re-reads, so late writes in the current bucket are not lost.
	RollupLookbackMinutes int `mapstructure:"rollup_lookback_minutes"`

	// ── Security ─────────────────────────────────────────────────────────────
	// JWTSecret: HS256 signing key for API tokens.
	// Change this in production; the default is a placeholder.
	JWTSecret string `mapstructure:"jwt_secret"`
	AdminUser string `mapstructure:"admin_user"`
	// AdminPass is compared directly when AdminPassHash is empty;
	// set AdminPassHash (bcrypt) in production instead.
	AdminPass       string `mapstructure:"admin_pass"`
	AdminPassHash   string `mapstructure:"admin_pass_hash"`
	TokenTTLMinutes int    `mapstructure:"token_ttl_minutes"`
}

// Load reads config from file (./config.yaml or ~/.pmd/config.yaml)
// and falls back to defaults. Environment variables with prefix PMD_
// override file values.
func Load() (*Config, error) {
	v := viper.New()

	// --- Defaults ---
	v.SetDefault("listen_host", "0.0.0.0")
	v.SetDefault("listen_port", 8742)
	v.SetDefault("db_path", "pingmedaddy.db")

	v.SetDefault("ping_timeout_seconds", 1.0)
	v.SetDefault("failure_threshold", 5)

	v.SetDefault("rollup_interval_seconds", 30)
	v.SetDefault("rollup_lookback_minutes", 5)

	// Security defaults. MUST be overridden in production.
	v.SetDefault("jwt_secret", "super-secret-key")
	v.SetDefault("admin_user", "admin")
	v.SetDefault("admin_pass", "changeme")
	v.SetDefault("admin_pass_hash", "")
	v.SetDefault("token_ttl_minutes", 1440)

	// --- Config file ---
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.pmd")
	if err := v.ReadInConfig(); err != nil {
		// config file is optional; ignore "not found" errors
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// --- Environment Variables ---
	v.SetEnvPrefix("PMD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}
