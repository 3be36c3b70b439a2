// Package config loads and validates accountd configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Instance  InstanceConfig  `mapstructure:"instance"`
	Server    ServerConfig    `mapstructure:"server"`
	DB        DBConfig        `mapstructure:"db"`
	Accounts  AccountsConfig  `mapstructure:"accounts"`
	Hibernate HibernateConfig `mapstructure:"hibernate"`
	Captcha   CaptchaConfig   `mapstructure:"captcha"`
	ShadowBan ShadowBanConfig `mapstructure:"shadowban"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// InstanceConfig identifies this running process. The id must be unique per
// instance sharing a store; it tags account ownership.
type InstanceConfig struct {
	ID string `mapstructure:"id"`
}

// ServerConfig controls the operational HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DBConfig controls access to the shared Postgres store.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// AccountsConfig governs the source credential list and local snapshot.
type AccountsConfig struct {
	CSVPath         string     `mapstructure:"csv_path"`
	Inline          [][]string `mapstructure:"inline"`
	DefaultPassword string     `mapstructure:"default_password"`
	ReservedLevel   int16      `mapstructure:"reserved_level"`
	Directory       string     `mapstructure:"directory"`
}

// HibernateConfig maps hibernation reasons to cooldowns expressed in days.
// Reasons absent from the map are never auto-reactivated.
type HibernateConfig struct {
	Days map[string]float64 `mapstructure:"days"`
}

// CaptchaConfig bounds how many captchas an account may collect before it is
// swapped out.
type CaptchaConfig struct {
	Allowed int `mapstructure:"allowed"`
}

// ShadowBanConfig tunes the quarantine detector.
type ShadowBanConfig struct {
	Enabled              bool   `mapstructure:"enabled"`
	WindowSeconds        int    `mapstructure:"window_seconds"`
	MinSightings         int    `mapstructure:"min_sightings"`
	MaxEncounterMiss     int    `mapstructure:"max_encounter_miss"`
	CheckCooldownSeconds int    `mapstructure:"check_cooldown_seconds"`
	MaxParallelChecks    int64  `mapstructure:"max_parallel_checks"`
	WebhookURL           string `mapstructure:"webhook_url"`
	CommonPokemonIDs     []int  `mapstructure:"common_pokemon_ids"`
}

// SweepConfig controls the periodic reactivation sweep.
type SweepConfig struct {
	IntervalMinutes int `mapstructure:"interval_minutes"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRAINERVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("accounts.default_password", "")
	v.SetDefault("accounts.reserved_level", 30)
	v.SetDefault("accounts.directory", ".")
	// Only reasons listed here are ever swapped back in; the rest hibernate
	// permanently by omission.
	v.SetDefault("hibernate.days", map[string]float64{
		"banned":       45.0,
		"warn":         45.0,
		"sbanned":      45.0,
		"code3":        45.0,
		"tempdisabled": 0.02083333333, // 30 minutes
	})
	v.SetDefault("captcha.allowed", 3)
	v.SetDefault("shadowban.enabled", true)
	v.SetDefault("shadowban.window_seconds", 10800)
	v.SetDefault("shadowban.min_sightings", 30)
	v.SetDefault("shadowban.max_encounter_miss", 3)
	v.SetDefault("shadowban.check_cooldown_seconds", 300)
	v.SetDefault("shadowban.max_parallel_checks", 2)
	v.SetDefault("shadowban.common_pokemon_ids", []int{
		16, 19, 23, 27, 29, 32, 43, 46, 52, 54, 60, 69, 77, 81, 98, 118,
		120, 129, 177, 183, 187, 191, 194, 209, 218, 293, 304, 320, 325,
		333, 339,
	})
	v.SetDefault("sweep.interval_minutes", 15)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Instance.ID == "" {
		return fmt.Errorf("instance.id must be set and unique per process")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Accounts.ReservedLevel <= 0 {
		return fmt.Errorf("accounts.reserved_level must be > 0")
	}
	if c.ShadowBan.Enabled {
		if c.ShadowBan.WindowSeconds <= 0 {
			return fmt.Errorf("shadowban.window_seconds must be > 0")
		}
		if c.ShadowBan.MinSightings <= 0 {
			return fmt.Errorf("shadowban.min_sightings must be > 0")
		}
		if c.ShadowBan.MaxEncounterMiss <= 0 {
			return fmt.Errorf("shadowban.max_encounter_miss must be > 0")
		}
		if c.ShadowBan.MaxParallelChecks <= 0 {
			return fmt.Errorf("shadowban.max_parallel_checks must be > 0")
		}
	}
	if c.Sweep.IntervalMinutes <= 0 {
		return fmt.Errorf("sweep.interval_minutes must be > 0")
	}
	for reason := range c.Hibernate.Days {
		switch reason {
		case "banned", "warn", "sbanned", "code3", "tempdisabled", "credentials":
		default:
			return fmt.Errorf("hibernate.days: unknown reason %q", reason)
		}
	}
	return nil
}

// DBConnLifetime converts the configured lifetime into a duration.
func (c Config) DBConnLifetime() time.Duration {
	return time.Duration(c.DB.MaxConnLifetimeMinutes) * time.Minute
}

// SweepInterval converts the configured sweep cadence into a duration.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Sweep.IntervalMinutes) * time.Minute
}
