package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	MinBatchSize = 1
	MaxBatchSize = 1000
)

type Config struct {
	LogLevel  string
	LogFormat string
	LogFile   string

	HTTPAddr        string
	ShutdownTimeout time.Duration

	BackendURL     string
	BackendAPIKey  string
	BackendTimeout time.Duration

	StoreDriver    string
	StoreDir       string
	StoreNamespace string
	RedisAddr      string
	DatabaseURL    string

	RabbitMQURL string

	BatchSize    int
	SyncInterval time.Duration
	StartOnline  bool

	ImportMaxFileBytes     int64
	ImportAllowedExtension []string
	ImportSessionTTL       time.Duration
}

func Load() *Config {
	_ = godotenv.Load()

	batchSize := getEnvInt("BATCH_SIZE", 100)

	if batchSize > MaxBatchSize {
		slog.Warn("BATCH_SIZE exceeds safety limit. Clamping to maximum", "requested", batchSize, "limit", MaxBatchSize)
		batchSize = MaxBatchSize
	} else if batchSize < MinBatchSize {
		batchSize = MinBatchSize
	}

	syncMinutes := getEnvInt("SYNC_INTERVAL_MIN", 5)
	if syncMinutes < 1 {
		syncMinutes = 1
	}

	sessionTTLMinutes := getEnvInt("IMPORT_SESSION_TTL_MIN", 60)
	if sessionTTLMinutes < 1 {
		sessionTTLMinutes = 1
	}

	return &Config{
		LogLevel:               getEnv("LOG_LEVEL", "INFO"),
		LogFormat:              getEnv("LOG_FORMAT", "TEXT"),
		LogFile:                getEnv("LOG_FILE", ""),
		HTTPAddr:               getEnv("HTTP_ADDR", "127.0.0.1:8787"),
		ShutdownTimeout:        time.Duration(getEnvInt("SHUTDOWN_TIMEOUT_SEC", 10)) * time.Second,
		BackendURL:             strings.TrimRight(getEnv("BACKEND_URL", "http://localhost:54321"), "/"),
		BackendAPIKey:          getEnv("BACKEND_API_KEY", ""),
		BackendTimeout:         time.Duration(getEnvInt("BACKEND_TIMEOUT_SEC", 30)) * time.Second,
		StoreDriver:            strings.ToLower(getEnv("STORE_DRIVER", "file")),
		StoreDir:               getEnv("STORE_DIR", "./data"),
		StoreNamespace:         getEnv("STORE_NAMESPACE", "cu-agent"),
		RedisAddr:              getEnv("REDIS_ADDR", "localhost:6379"),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		RabbitMQURL:            getEnv("RABBITMQ_URL", ""),
		BatchSize:              batchSize,
		SyncInterval:           time.Duration(syncMinutes) * time.Minute,
		StartOnline:            getEnvBool("START_ONLINE", true),
		ImportMaxFileBytes:     int64(getEnvInt("IMPORT_MAX_FILE_BYTES", 5*1024*1024)),
		ImportAllowedExtension: splitList(getEnv("IMPORT_ALLOWED_EXTENSIONS", ".csv,.txt,.tsv")),
		ImportSessionTTL:       time.Duration(sessionTTLMinutes) * time.Minute,
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if !strings.HasPrefix(part, ".") {
			part = "." + part
		}
		out = append(out, part)
	}
	return out
}
