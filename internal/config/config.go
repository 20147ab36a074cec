// Package config loads the house engine configuration.
//
// Values come from, in increasing priority: built-in defaults, a YAML or
// TOML file, a .env file and OPTN_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Redis      RedisConfig      `yaml:"redis" toml:"redis"`
	Oracle     OracleConfig     `yaml:"oracle" toml:"oracle"`
	Settlement SettlementConfig `yaml:"settlement" toml:"settlement"`
	Notify     NotifyConfig     `yaml:"notify" toml:"notify"`
	Archive    ArchiveConfig    `yaml:"archive" toml:"archive"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	Devnet     bool             `yaml:"devnet" toml:"devnet"`
	LogLevel   string           `yaml:"log_level" toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `yaml:"port" toml:"port"`
	CORSOrigins     []string `yaml:"cors_origins" toml:"cors_origins"`
	ReadTimeout     Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout" toml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// DatabaseConfig selects the PostgreSQL store. An empty DSN keeps
// everything in memory.
type DatabaseConfig struct {
	DSN           string `yaml:"dsn" toml:"dsn"`
	RunMigrations bool   `yaml:"run_migrations" toml:"run_migrations"`
}

// RedisConfig enables the read cache, the distributed House lock, the
// price cache and the event bus. An empty URL disables all of them.
type RedisConfig struct {
	URL      string   `yaml:"url" toml:"url"`
	CacheTTL Duration `yaml:"cache_ttl" toml:"cache_ttl"`
	LockTTL  Duration `yaml:"lock_ttl" toml:"lock_ttl"`
}

// OracleConfig configures the price sources.
type OracleConfig struct {
	HermesURL         string   `yaml:"hermes_url" toml:"hermes_url"`
	MaxPriceAge       Duration `yaml:"max_price_age" toml:"max_price_age"`
	DevnetMaxPriceAge Duration `yaml:"devnet_max_price_age" toml:"devnet_max_price_age"`
	DefaultSource     string   `yaml:"default_source" toml:"default_source"`
	PriceCacheTTL     Duration `yaml:"price_cache_ttl" toml:"price_cache_ttl"`
}

// SettlementConfig configures the automatic settlement sweeper. It runs
// only when AdminAddress is set.
type SettlementConfig struct {
	AdminAddress string `yaml:"admin_address" toml:"admin_address"`
	Schedule     string `yaml:"schedule" toml:"schedule"`
	BatchSize    int    `yaml:"batch_size" toml:"batch_size"`
}

// NotifyConfig configures the event sinks besides the WebSocket hub.
type NotifyConfig struct {
	JournalPath  string `yaml:"journal_path" toml:"journal_path"`
	RedisChannel string `yaml:"redis_channel" toml:"redis_channel"`
	RedisStream  string `yaml:"redis_stream" toml:"redis_stream"`
}

// ArchiveConfig configures the closed-bet archive. An empty bucket
// disables it.
type ArchiveConfig struct {
	Bucket         string `yaml:"bucket" toml:"bucket"`
	Region         string `yaml:"region" toml:"region"`
	Endpoint       string `yaml:"endpoint" toml:"endpoint"`
	AccessKey      string `yaml:"access_key" toml:"access_key"`
	SecretKey      string `yaml:"secret_key" toml:"secret_key"`
	ForcePathStyle bool   `yaml:"force_path_style" toml:"force_path_style"`
}

// AuthConfig configures request signature checks.
type AuthConfig struct {
	MaxSkew Duration `yaml:"max_skew" toml:"max_skew"`
}

// Duration decodes strings like "5s" or "2h" from both YAML and TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			CORSOrigins:     []string{"*"},
			ReadTimeout:     Duration{15 * time.Second},
			WriteTimeout:    Duration{15 * time.Second},
			IdleTimeout:     Duration{60 * time.Second},
			ShutdownTimeout: Duration{10 * time.Second},
		},
		Database: DatabaseConfig{
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL: Duration{30 * time.Second},
			LockTTL:  Duration{10 * time.Second},
		},
		Oracle: OracleConfig{
			HermesURL:         "https://hermes.pyth.network",
			MaxPriceAge:       Duration{5 * time.Second},
			DevnetMaxPriceAge: Duration{2 * time.Hour},
			DefaultSource:     "hermes",
			PriceCacheTTL:     Duration{2 * time.Second},
		},
		Settlement: SettlementConfig{
			Schedule:  "*/10 * * * * *",
			BatchSize: 100,
		},
		Notify: NotifyConfig{
			RedisChannel: "optn:events",
			RedisStream:  "optn:events:stream",
		},
		Archive: ArchiveConfig{
			Region: "us-east-1",
		},
		Auth: AuthConfig{
			MaxSkew: Duration{5 * time.Minute},
		},
		LogLevel: "info",
	}
}

// PriceMaxAge is the oracle staleness bound in effect.
func (c *Config) PriceMaxAge() time.Duration {
	if c.Devnet {
		return c.Oracle.DevnetMaxPriceAge.Duration
	}
	return c.Oracle.MaxPriceAge.Duration
}

// Operator is the sweeper's admin address, zero when unset.
func (c *Config) Operator() common.Address {
	if c.Settlement.AdminAddress == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.Settlement.AdminAddress)
}

// Level maps LogLevel to a slog level.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port %d out of range", c.Server.Port))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Oracle.MaxPriceAge.Duration <= 0 || c.Oracle.DevnetMaxPriceAge.Duration <= 0 {
		errs = append(errs, "oracle: price ages must be positive")
	}
	if c.Oracle.DefaultSource == "" {
		errs = append(errs, "oracle: default_source must not be empty")
	}
	if c.Oracle.DefaultSource == "hermes" && c.Oracle.HermesURL == "" {
		errs = append(errs, "oracle: hermes_url must be set when hermes is the default source")
	}
	if a := c.Settlement.AdminAddress; a != "" && !common.IsHexAddress(a) {
		errs = append(errs, fmt.Sprintf("settlement: admin_address %q is not a hex address", a))
	}
	if c.Settlement.BatchSize <= 0 {
		errs = append(errs, "settlement: batch_size must be positive")
	}
	if c.Archive.Bucket != "" && c.Archive.Region == "" {
		errs = append(errs, "archive: region is required when bucket is set")
	}
	if c.Auth.MaxSkew.Duration <= 0 {
		errs = append(errs, "auth: max_skew must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
