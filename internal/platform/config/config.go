package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends selectable through STORE_BACKEND.
const (
	BackendFirestore = "firestore"
	BackendRedis     = "redis"
	BackendSQLite    = "sqlite"
	BackendPostgres  = "postgres"
	BackendMemory    = "memory"
)

// ErrUnknownBackend is returned for an unsupported STORE_BACKEND value.
var ErrUnknownBackend = errors.New("unknown store backend")

// Config holds runtime configuration loaded from environment variables.
type Config struct {
	Port                string
	GinMode             string
	FirebaseProjectID   string
	FirebaseCredsBase64 string
	FirebaseCredsFile   string
	FirestoreEmulator   string
	AllowedOrigins      string

	StoreBackend     string
	StoreTimeout     time.Duration
	SQLDSN           string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	RedisPrefix      string
	RecentSalesCap   int
	LocationDataFile string

	EmpiricalWeight float64
	MinSample       int
	HighSample      int
	ConfidenceCap   int
	ReadTimeout     time.Duration

	EstimatorURL    string
	EstimatorAPIKey string
	EstimatorMock   bool

	KafkaBrokers string
	KafkaTopic   string
	KafkaGroupID string

	TrendingSchedule    string
	TrendingTZ          string
	TrendingSeedGeoKeys []string

	WriteRateLimit float64
	WriteRateBurst int
}

// Load reads environment variables into a Config with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                getEnv("PORT", "8080"),
		GinMode:             getEnv("GIN_MODE", "release"),
		FirebaseProjectID:   strings.TrimSpace(os.Getenv("FIREBASE_PROJECT_ID")),
		FirebaseCredsBase64: strings.TrimSpace(os.Getenv("FIREBASE_CREDS_BASE64")),
		FirebaseCredsFile:   strings.TrimSpace(os.Getenv("FIREBASE_CREDS_FILE")),
		FirestoreEmulator:   strings.TrimSpace(os.Getenv("FIRESTORE_EMULATOR_HOST")),
		AllowedOrigins:      strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS")),
		StoreBackend:        strings.ToLower(getEnv("STORE_BACKEND", BackendFirestore)),
		SQLDSN:              strings.TrimSpace(os.Getenv("SQL_DSN")),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisPrefix:         getEnv("REDIS_PREFIX", "pp"),
		LocationDataFile:    strings.TrimSpace(os.Getenv("LOCATION_DATA_FILE")),
		EstimatorURL:        strings.TrimSpace(os.Getenv("ESTIMATOR_URL")),
		EstimatorAPIKey:     strings.TrimSpace(os.Getenv("ESTIMATOR_API_KEY")),
		KafkaBrokers:        strings.TrimSpace(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:          getEnv("KAFKA_TOPIC", "listing-lifecycle"),
		KafkaGroupID:        getEnv("KAFKA_GROUP_ID", "market-pricing"),
		TrendingSchedule:    getEnv("TRENDING_SCHEDULE", "0 3 * * *"),
		TrendingTZ:          getEnv("TRENDING_TZ", "America/Chicago"),
		TrendingSeedGeoKeys: splitList(os.Getenv("TRENDING_SEED_GEOKEYS")),
	}

	var err error
	if cfg.StoreTimeout, err = parseDurationEnv("STORE_TIMEOUT", 3*time.Second); err != nil {
		return Config{}, fmt.Errorf("parse STORE_TIMEOUT: %w", err)
	}
	if cfg.ReadTimeout, err = parseDurationEnv("PRICING_READ_TIMEOUT", 2*time.Second); err != nil {
		return Config{}, fmt.Errorf("parse PRICING_READ_TIMEOUT: %w", err)
	}
	if cfg.RedisDB, err = parseIntEnv("REDIS_DB", 0); err != nil {
		return Config{}, fmt.Errorf("parse REDIS_DB: %w", err)
	}
	if cfg.RecentSalesCap, err = parseIntEnv("RECENT_SALES_CAP", 10); err != nil {
		return Config{}, fmt.Errorf("parse RECENT_SALES_CAP: %w", err)
	}
	if cfg.EmpiricalWeight, err = parseFloatEnv("PRICING_EMPIRICAL_WEIGHT", 0.7); err != nil {
		return Config{}, fmt.Errorf("parse PRICING_EMPIRICAL_WEIGHT: %w", err)
	}
	if cfg.MinSample, err = parseIntEnv("PRICING_MIN_SAMPLE", 3); err != nil {
		return Config{}, fmt.Errorf("parse PRICING_MIN_SAMPLE: %w", err)
	}
	if cfg.HighSample, err = parseIntEnv("PRICING_HIGH_SAMPLE", 20); err != nil {
		return Config{}, fmt.Errorf("parse PRICING_HIGH_SAMPLE: %w", err)
	}
	if cfg.ConfidenceCap, err = parseIntEnv("PRICING_CONFIDENCE_CAP", 95); err != nil {
		return Config{}, fmt.Errorf("parse PRICING_CONFIDENCE_CAP: %w", err)
	}
	if cfg.EstimatorMock, err = parseBoolEnv("ESTIMATOR_MOCK", false); err != nil {
		return Config{}, fmt.Errorf("parse ESTIMATOR_MOCK: %w", err)
	}
	if cfg.WriteRateLimit, err = parseFloatEnv("WRITE_RATE_LIMIT", 5); err != nil {
		return Config{}, fmt.Errorf("parse WRITE_RATE_LIMIT: %w", err)
	}
	if cfg.WriteRateBurst, err = parseIntEnv("WRITE_RATE_BURST", 10); err != nil {
		return Config{}, fmt.Errorf("parse WRITE_RATE_BURST: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate ensures required fields are present for the selected backend.
func (c Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	switch c.StoreBackend {
	case BackendFirestore:
		if c.FirebaseProjectID == "" {
			return errors.New("FIREBASE_PROJECT_ID is required")
		}
		if c.FirestoreEmulator == "" && c.FirebaseCredsBase64 == "" && c.FirebaseCredsFile == "" {
			return errors.New("provide FIREBASE_CREDS_BASE64 or FIREBASE_CREDS_FILE for Firestore auth (or FIRESTORE_EMULATOR_HOST)")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required for the redis backend")
		}
	case BackendSQLite, BackendPostgres:
		if c.SQLDSN == "" {
			return fmt.Errorf("SQL_DSN is required for the %s backend", c.StoreBackend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%w %q (want firestore, redis, sqlite, postgres or memory)", ErrUnknownBackend, c.StoreBackend)
	}
	if c.EmpiricalWeight <= 0 || c.EmpiricalWeight > 1 {
		return errors.New("PRICING_EMPIRICAL_WEIGHT must be in (0, 1]")
	}
	if c.ConfidenceCap <= 0 || c.ConfidenceCap >= 100 {
		return errors.New("PRICING_CONFIDENCE_CAP must be in [1, 99]")
	}
	return nil
}

// KafkaEnabled reports whether lifecycle events flow through Kafka.
func (c Config) KafkaEnabled() bool {
	return c.KafkaBrokers != ""
}

// FirebaseCredentialsJSON returns the service account JSON bytes and the source used.
func (c Config) FirebaseCredentialsJSON() ([]byte, string, error) {
	if c.FirebaseCredsBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(c.FirebaseCredsBase64)
		if err != nil {
			return nil, "base64", fmt.Errorf("decode FIREBASE_CREDS_BASE64: %w", err)
		}
		return decoded, "base64", nil
	}
	if c.FirebaseCredsFile != "" {
		data, err := os.ReadFile(c.FirebaseCredsFile)
		if err != nil {
			return nil, "file", fmt.Errorf("read FIREBASE_CREDS_FILE: %w", err)
		}
		return data, "file", nil
	}
	return nil, "", errors.New("no firebase credentials found")
}

func getEnv(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

func parseBoolEnv(key string, defaultVal bool) (bool, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal, nil
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return false, err
	}
	return parsed, nil
}

func parseIntEnv(key string, defaultVal int) (int, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(val)
}

func parseFloatEnv(key string, defaultVal float64) (float64, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal, nil
	}
	return strconv.ParseFloat(val, 64)
}

func parseDurationEnv(key string, defaultVal time.Duration) (time.Duration, error) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(val)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
