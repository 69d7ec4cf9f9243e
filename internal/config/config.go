// Package config loads bakeops process settings from the environment,
// optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Environment variables read by Load.
const (
	EnvStorageDriver      = "BAKEOPS_STORAGE_DRIVER"
	EnvSQLitePath         = "BAKEOPS_SQLITE_PATH"
	EnvPostgresDSN        = "BAKEOPS_POSTGRES_DSN"
	EnvBlobDriver         = "BAKEOPS_BLOB_DRIVER"
	EnvBlobFSRoot         = "BAKEOPS_BLOB_FS_ROOT"
	EnvLockDriver         = "BAKEOPS_LOCK_DRIVER"
	EnvRedisAddress       = "REDIS_ADDRESS"
	EnvLockTTL            = "BAKEOPS_LOCK_TTL"
	EnvLogMode            = "BAKEOPS_LOG_MODE"
	EnvHTTPAddr           = "BAKEOPS_HTTP_ADDR"
	EnvCompletionAttempts = "BAKEOPS_COMPLETION_ATTEMPTS"
	EnvMetrics            = "BAKEOPS_METRICS"
)

// Config is the validated process configuration.
type Config struct {
	StorageDriver      string        `validate:"omitempty,oneof=memory sqlite postgres"`
	SQLitePath         string        `validate:"required_if=StorageDriver sqlite"`
	PostgresDSN        string        `validate:"required_if=StorageDriver postgres"`
	BlobDriver         string        `validate:"omitempty,oneof=fs s3 gcs memory"`
	BlobFSRoot         string        `validate:"required_if=BlobDriver fs"`
	LockDriver         string        `validate:"oneof=none local redis"`
	RedisAddress       string        `validate:"required_if=LockDriver redis"`
	LockTTL            time.Duration `validate:"gt=0"`
	LogMode            string        `validate:"oneof=dev prod production"`
	HTTPAddr           string        `validate:"required"`
	CompletionAttempts int           `validate:"gte=1,lte=20"`
	Metrics            string        `validate:"oneof=none expvar prometheus"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		StorageDriver:      "sqlite",
		SQLitePath:         "bakeops.db",
		BlobDriver:         "fs",
		BlobFSRoot:         "blobdata",
		LockDriver:         "local",
		LockTTL:            30 * time.Second,
		LogMode:            "dev",
		HTTPAddr:           ":8080",
		CompletionAttempts: 3,
		Metrics:            "none",
	}
}

// Load reads the given .env files (".env" when none are named), then the
// process environment, and validates the result. Missing .env files are
// not an error.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary variable source.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str(EnvStorageDriver, &cfg.StorageDriver)
	str(EnvSQLitePath, &cfg.SQLitePath)
	str(EnvPostgresDSN, &cfg.PostgresDSN)
	str(EnvBlobDriver, &cfg.BlobDriver)
	str(EnvBlobFSRoot, &cfg.BlobFSRoot)
	str(EnvLockDriver, &cfg.LockDriver)
	str(EnvRedisAddress, &cfg.RedisAddress)
	str(EnvLogMode, &cfg.LogMode)
	str(EnvHTTPAddr, &cfg.HTTPAddr)
	str(EnvMetrics, &cfg.Metrics)
	cfg.StorageDriver = strings.ToLower(cfg.StorageDriver)
	cfg.BlobDriver = strings.ToLower(cfg.BlobDriver)
	cfg.LockDriver = strings.ToLower(cfg.LockDriver)
	cfg.LogMode = strings.ToLower(cfg.LogMode)
	cfg.Metrics = strings.ToLower(cfg.Metrics)

	if v, ok := lookup(EnvLockTTL); ok && strings.TrimSpace(v) != "" {
		ttl, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvLockTTL, err)
		}
		cfg.LockTTL = ttl
	}
	if v, ok := lookup(EnvCompletionAttempts); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvCompletionAttempts, err)
		}
		cfg.CompletionAttempts = n
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
		}
		return err
	}
	return nil
}
