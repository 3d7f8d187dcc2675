package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables read by ApplyEnv
const (
	EnvEndpoint       = "S3_ENDPOINT"
	EnvRegion         = "S3_REGION"
	EnvAccessKey      = "S3_ACCESS_KEY"
	EnvSecretKey      = "S3_SECRET_KEY"
	EnvSessionToken   = "S3_SESSION_TOKEN"
	EnvForcePathStyle = "S3_FORCE_PATH_STYLE"
	EnvLogLevel       = "S3_LOG_LEVEL"

	// MinIO test harness variables
	EnvMinioHost     = "MINIO_HOST_NAME"
	EnvMinioPort     = "MINIO_HOST_PORT"
	EnvMinioUser     = "MINIO_ROOT_USER"
	EnvMinioPassword = "MINIO_ROOT_PASSWORD"
)

// LoadDotEnv loads variables from the given files (".env" when none) without
// overriding ones already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides cfg with the S3_* variables. When no endpoint is configured
// it falls back to the MinIO harness variables, with the harness default
// credentials minio/minio123.
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv(EnvEndpoint); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv(EnvRegion); v != "" {
		cfg.Region = v
	}
	if v := os.Getenv(EnvAccessKey); v != "" {
		cfg.AccessKeyID = v
	}
	if v := os.Getenv(EnvSecretKey); v != "" {
		cfg.SecretAccessKey = v
	}
	if v := os.Getenv(EnvSessionToken); v != "" {
		cfg.SessionToken = v
	}
	if v := os.Getenv(EnvForcePathStyle); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvForcePathStyle, v, err)
		}
		cfg.ForcePathStyle = &b
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}

	if cfg.Endpoint == "" {
		if host := os.Getenv(EnvMinioHost); host != "" {
			cfg.Endpoint = "http://" + net.JoinHostPort(host, getEnv(EnvMinioPort, "9000"))
			if cfg.AccessKeyID == "" {
				cfg.AccessKeyID = getEnv(EnvMinioUser, "minio")
			}
			if cfg.SecretAccessKey == "" {
				cfg.SecretAccessKey = getEnv(EnvMinioPassword, "minio123")
			}
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
