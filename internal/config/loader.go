package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load builds the configuration: defaults, then the file at path (skipped
// when path is empty or the file does not exist), then .env, then OPTN_*
// overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// .env is optional
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config: unsupported file type %q", ext)
	}
	return nil
}

// applyEnvOverrides sets every field whose variable is non-empty. The
// unprefixed PORT, DATABASE_URL and REDIS_URL are honoured below their
// OPTN_ forms.
func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "OPTN_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "OPTN_SERVER_CORS_ORIGINS")
	setDuration(&cfg.Server.ShutdownTimeout, "OPTN_SERVER_SHUTDOWN_TIMEOUT")

	setStr(&cfg.Database.DSN, "DATABASE_URL")
	setStr(&cfg.Database.DSN, "OPTN_DATABASE_DSN")
	setBool(&cfg.Database.RunMigrations, "OPTN_DATABASE_RUN_MIGRATIONS")

	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "OPTN_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "OPTN_REDIS_CACHE_TTL")
	setDuration(&cfg.Redis.LockTTL, "OPTN_REDIS_LOCK_TTL")

	setStr(&cfg.Oracle.HermesURL, "OPTN_ORACLE_HERMES_URL")
	setDuration(&cfg.Oracle.MaxPriceAge, "OPTN_ORACLE_MAX_PRICE_AGE")
	setDuration(&cfg.Oracle.DevnetMaxPriceAge, "OPTN_ORACLE_DEVNET_MAX_PRICE_AGE")
	setStr(&cfg.Oracle.DefaultSource, "OPTN_ORACLE_DEFAULT_SOURCE")

	setStr(&cfg.Settlement.AdminAddress, "OPTN_SETTLEMENT_ADMIN_ADDRESS")
	setStr(&cfg.Settlement.Schedule, "OPTN_SETTLEMENT_SCHEDULE")
	setInt(&cfg.Settlement.BatchSize, "OPTN_SETTLEMENT_BATCH_SIZE")

	setStr(&cfg.Notify.JournalPath, "OPTN_NOTIFY_JOURNAL_PATH")
	setStr(&cfg.Notify.RedisChannel, "OPTN_NOTIFY_REDIS_CHANNEL")
	setStr(&cfg.Notify.RedisStream, "OPTN_NOTIFY_REDIS_STREAM")

	setStr(&cfg.Archive.Bucket, "OPTN_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.Region, "OPTN_ARCHIVE_REGION")
	setStr(&cfg.Archive.Endpoint, "OPTN_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.AccessKey, "OPTN_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "OPTN_ARCHIVE_SECRET_KEY")
	setBool(&cfg.Archive.ForcePathStyle, "OPTN_ARCHIVE_FORCE_PATH_STYLE")

	setDuration(&cfg.Auth.MaxSkew, "OPTN_AUTH_MAX_SKEW")

	setBool(&cfg.Devnet, "OPTN_DEVNET")
	setStr(&cfg.LogLevel, "OPTN_LOG_LEVEL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		var out []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}
