package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the daemon configuration, resolved from CALHUB_* environment
// variables with workable defaults. An empty Redis address selects the file
// state store; empty S3 settings leave backups disabled.
type Config struct {
	Port     string
	LogLevel string

	APIKey string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	StateRoot     string
	DBPath        string

	SyncInterval    time.Duration
	SyncConcurrency int
	FetchTimeout    time.Duration

	S3Endpoint  string
	S3Bucket    string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3Prefix    string

	BackupPassphrase    string
	BackupInterval      time.Duration
	BackupRetentionDays int
}

func Parse() Config {
	return Config{
		Port:     getString("CALHUB_PORT", "8080"),
		LogLevel: getString("CALHUB_LOG_LEVEL", "info"),

		APIKey: getString("CALHUB_API_KEY", ""),

		RedisAddr:     getString("CALHUB_REDIS_ADDR", ""),
		RedisPassword: getString("CALHUB_REDIS_PASSWORD", ""),
		RedisDB:       getInt("CALHUB_REDIS_DB", 0),
		StateRoot:     getString("CALHUB_STATE_ROOT", "calhub_state"),
		DBPath:        getString("CALHUB_DB_PATH", "calhub.db"),

		SyncInterval:    getDuration("CALHUB_SYNC_INTERVAL", 5*time.Minute),
		SyncConcurrency: getInt("CALHUB_SYNC_CONCURRENCY", 4),
		FetchTimeout:    getDuration("CALHUB_FETCH_TIMEOUT", 30*time.Second),

		S3Endpoint:  getString("CALHUB_S3_ENDPOINT", ""),
		S3Bucket:    getString("CALHUB_S3_BUCKET", ""),
		S3Region:    getString("CALHUB_S3_REGION", "auto"),
		S3AccessKey: getString("CALHUB_S3_ACCESS_KEY", ""),
		S3SecretKey: getString("CALHUB_S3_SECRET_KEY", ""),
		S3Prefix:    getString("CALHUB_S3_PREFIX", "calhub/"),

		BackupPassphrase:    getString("CALHUB_BACKUP_PASSPHRASE", ""),
		BackupInterval:      getDuration("CALHUB_BACKUP_INTERVAL", 24*time.Hour),
		BackupRetentionDays: getInt("CALHUB_BACKUP_RETENTION_DAYS", 30),
	}
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
