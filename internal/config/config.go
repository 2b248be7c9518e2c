// Package config reads server settings from the environment, an optional
// .env file and an optional YAML tier file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/dukerupert/stamptour/internal/archive"
	"github.com/dukerupert/stamptour/internal/middleware"
	"github.com/dukerupert/stamptour/internal/reward"
	"github.com/dukerupert/stamptour/internal/store"
)

const (
	LedgerSQLite = "sqlite"
	LedgerRedis  = "redis"
)

// Config holds server configuration.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	Ledger string
	DBPath string
	Redis  store.RedisConfig

	Table          reward.Table
	Booths         int
	RequiredFields []string

	AdminKey       string
	AllowedOrigins []string
	RegisterLimit  int
	// TrustedProxies are the peers whose forwarding headers are believed.
	TrustedProxies []netip.Prefix

	S3                archive.S3Config
	ArchiveDir        string
	ArchivePassphrase string
}

// Load reads envFile (ignored when missing) and then the process
// environment. Process variables win over file values.
func Load(envFile string) (Config, error) {
	fileVals := map[string]string{}
	if envFile != "" {
		vals, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			fileVals = vals
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read %s: %w", envFile, err)
		}
	}

	return FromEnv(func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return fileVals[key]
	})
}

// FromEnv builds a Config from getenv.
func FromEnv(getenv func(string) string) (Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv("STAMPTOUR_" + key)); v != "" {
			return v
		}
		return def
	}

	cfg := Config{
		Port:      get("PORT", "8080"),
		LogLevel:  get("LOG_LEVEL", "info"),
		LogFormat: get("LOG_FORMAT", "text"),
		Ledger:    strings.ToLower(get("LEDGER", LedgerSQLite)),
		DBPath:    get("DB_PATH", "stamptour.db"),
		Redis: store.RedisConfig{
			Addr:     get("REDIS_ADDR", "localhost:6379"),
			Password: get("REDIS_PASSWORD", ""),
			Key:      get("REDIS_KEY", ""),
		},
		AdminKey:       get("ADMIN_KEY", ""),
		AllowedOrigins: splitList(get("ALLOWED_ORIGINS", "")),
		RequiredFields: splitList(get("REQUIRED_FIELDS", "")),
		S3: archive.S3Config{
			Endpoint:  get("S3_ENDPOINT", ""),
			Bucket:    get("S3_BUCKET", ""),
			Region:    get("S3_REGION", "us-east-1"),
			AccessKey: get("S3_ACCESS_KEY", ""),
			SecretKey: get("S3_SECRET_KEY", ""),
			Prefix:    get("S3_PREFIX", "stamptour"),
		},
		ArchiveDir:        get("ARCHIVE_DIR", ""),
		ArchivePassphrase: get("ARCHIVE_PASSPHRASE", ""),
	}

	var err error
	if cfg.Redis.DB, err = atoi(get("REDIS_DB", "0"), "STAMPTOUR_REDIS_DB"); err != nil {
		return Config{}, err
	}
	if cfg.Booths, err = atoi(get("BOOTHS", "11"), "STAMPTOUR_BOOTHS"); err != nil {
		return Config{}, err
	}
	if cfg.RegisterLimit, err = atoi(get("REGISTER_LIMIT", "10"), "STAMPTOUR_REGISTER_LIMIT"); err != nil {
		return Config{}, err
	}

	if cfg.TrustedProxies, err = middleware.ParseTrustedProxies(splitList(get("TRUSTED_PROXIES", ""))); err != nil {
		return Config{}, fmt.Errorf("STAMPTOUR_TRUSTED_PROXIES: %w", err)
	}

	if cfg.Ledger != LedgerSQLite && cfg.Ledger != LedgerRedis {
		return Config{}, fmt.Errorf("STAMPTOUR_LEDGER: unknown ledger %q", cfg.Ledger)
	}
	if cfg.Booths <= 0 {
		return Config{}, fmt.Errorf("STAMPTOUR_BOOTHS: must be positive")
	}

	if path := get("TIERS_FILE", ""); path != "" {
		if cfg.Table, err = reward.LoadTable(path); err != nil {
			return Config{}, err
		}
	} else {
		cfg.Table = reward.DefaultTable()
	}
	for _, tier := range cfg.Table.Tiers() {
		if tier.Threshold > cfg.Booths {
			return Config{}, fmt.Errorf("tier %q needs %d stamps but STAMPTOUR_BOOTHS is %d", tier.Key, tier.Threshold, cfg.Booths)
		}
	}

	return cfg, nil
}

func atoi(s, name string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a number", name, s)
	}
	return n, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
