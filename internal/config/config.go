package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr        string
	DatabaseURL string

	PromotionEnabled bool
	// AllowedPaths is a comma-separated list of source:target pairs,
	// e.g. "dev:stage,stage:prod,dev:prod".
	AllowedPaths           []string
	MaxItemsPerBatch       int
	ItemCopyTimeout        time.Duration
	LargeTransferWarnBytes int64
	RollbackWindow         time.Duration

	PayloadBucketBase    string
	VectorIndexURL       string
	VectorCollectionBase string

	KafkaBrokers []string
	KafkaTopic   string

	AuthKeysFile    string
	AllowDebugToken bool
	DebugToken      string
}

const (
	defaultAddr             = ":8074"
	defaultPaths            = "dev:stage,stage:prod,dev:prod"
	defaultMaxItems         = 500
	defaultItemTimeout      = 2 * time.Minute
	defaultVectorCollection = "content"
	defaultKafkaTopic       = "promotion-events"
)

func Load() (Config, error) {
	cfg := Config{
		Addr:                   getEnv("PROMOTER_ADDR", defaultAddr),
		DatabaseURL:            firstNonEmpty(os.Getenv("PROMOTER_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		PromotionEnabled:       getBool("PROMOTER_ENABLED", true),
		AllowedPaths:           splitList(getEnv("PROMOTER_ALLOWED_PATHS", defaultPaths)),
		MaxItemsPerBatch:       getInt("PROMOTER_MAX_ITEMS_PER_BATCH", defaultMaxItems),
		ItemCopyTimeout:        getDuration("PROMOTER_ITEM_COPY_TIMEOUT", defaultItemTimeout),
		LargeTransferWarnBytes: getInt64("PROMOTER_LARGE_TRANSFER_BYTES", 0),
		RollbackWindow:         getDuration("PROMOTER_ROLLBACK_WINDOW", 0),
		PayloadBucketBase:      os.Getenv("PROMOTER_PAYLOAD_BUCKET_BASE"),
		VectorIndexURL:         os.Getenv("PROMOTER_VECTOR_INDEX_URL"),
		VectorCollectionBase:   getEnv("PROMOTER_VECTOR_COLLECTION_BASE", defaultVectorCollection),
		KafkaBrokers:           splitList(os.Getenv("PROMOTER_KAFKA_BROKERS")),
		KafkaTopic:             getEnv("PROMOTER_KAFKA_TOPIC", defaultKafkaTopic),
		AuthKeysFile:           os.Getenv("PROMOTER_AUTH_KEYS_FILE"),
		AllowDebugToken:        getBool("PROMOTER_ALLOW_DEBUG_TOKEN", false),
		DebugToken:             os.Getenv("PROMOTER_DEBUG_TOKEN"),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or PROMOTER_DATABASE_URL required")
	}
	if cfg.AuthKeysFile == "" && !cfg.AllowDebugToken {
		return Config{}, fmt.Errorf("PROMOTER_AUTH_KEYS_FILE required unless PROMOTER_ALLOW_DEBUG_TOKEN=true")
	}
	if cfg.AllowDebugToken && cfg.DebugToken == "" {
		return Config{}, fmt.Errorf("PROMOTER_DEBUG_TOKEN required when PROMOTER_ALLOW_DEBUG_TOKEN=true")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
