package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
	Mode    string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Path    string `mapstructure:"path"`
	LogMode bool   `mapstructure:"log_mode"`
}

type SecurityConfig struct {
	BcryptCost int `mapstructure:"bcrypt_cost"`
}

type SessionConfig struct {
	TTLHours               int `mapstructure:"ttl_hours"`
	RevokedRetentionDays   int `mapstructure:"revoked_retention_days"`
	CleanupIntervalMinutes int `mapstructure:"cleanup_interval_minutes"`
}

type BotConfig struct {
	Secret string `mapstructure:"secret"`
}

type RateLimitConfig struct {
	IPLimit                int `mapstructure:"ip_limit"`
	IPWindowSeconds        int `mapstructure:"ip_window_seconds"`
	LoginFailLimit         int `mapstructure:"login_fail_limit"`
	LoginFailWindowSeconds int `mapstructure:"login_fail_window_seconds"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Security  SecurityConfig  `mapstructure:"security"`
	Session   SessionConfig   `mapstructure:"session"`
	Bot       BotConfig       `mapstructure:"bot"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// IsProduction reports whether the server runs in release mode.
// Controls the session cookie Secure flag and gin verbosity.
func (c *Config) IsProduction() bool {
	return c.Server.Mode == "release"
}

// SessionTTL returns the web/bot session lifetime.
func (c *Config) SessionTTL() time.Duration {
	hours := c.Session.TTLHours
	if hours <= 0 {
		hours = 24 * 7
	}
	return time.Duration(hours) * time.Hour
}

// RevokedRetention returns how long revoked sessions are kept before the sweep deletes them.
func (c *Config) RevokedRetention() time.Duration {
	days := c.Session.RevokedRetentionDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

// CleanupInterval returns how often the session sweep runs.
func (c *Config) CleanupInterval() time.Duration {
	minutes := c.Session.CleanupIntervalMinutes
	if minutes <= 0 {
		minutes = 60
	}
	return time.Duration(minutes) * time.Minute
}

var (
	appConfig *Config
	once      sync.Once
)

// Load loads configuration from given file path (e.g. "config.yaml").
// If path is empty, it defaults to "config.yaml" in current working directory.
// Environment variables override file values, e.g. CAL_BOT_SECRET, CAL_SERVER_MODE.
func Load(path string) (*Config, error) {
	var err error
	once.Do(func() {
		v := viper.New()

		if path == "" {
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			v.AddConfigPath(".")
		} else {
			v.SetConfigFile(path)
		}

		v.SetEnvPrefix("CAL")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		setDefaults(v)

		if err = v.ReadInConfig(); err != nil {
			err = fmt.Errorf("read config: %w", err)
			return
		}

		var c Config
		if err = v.Unmarshal(&c); err != nil {
			err = fmt.Errorf("unmarshal config: %w", err)
			return
		}

		appConfig = &c
	})

	if err != nil {
		return nil, err
	}
	return appConfig, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("security.bcrypt_cost", 12)
	v.SetDefault("session.ttl_hours", 24*7)
	v.SetDefault("session.revoked_retention_days", 30)
	v.SetDefault("session.cleanup_interval_minutes", 60)
	v.SetDefault("rate_limit.ip_limit", 10)
	v.SetDefault("rate_limit.ip_window_seconds", 60)
	v.SetDefault("rate_limit.login_fail_limit", 5)
	v.SetDefault("rate_limit.login_fail_window_seconds", 3600)
}

// Get returns the loaded global configuration.
// Call Load() once at application startup.
func Get() *Config {
	return appConfig
}
