package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// HTTP
	HTTPPort         string
	RequestTimeoutMS int

	// TimescaleDB
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBMaxConns int32

	// Redis
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	LiveStateTTLSecs  int
	RedisKeyNamespace string

	// Dispatcher channels
	StateChannelSize  int
	NotifyChannelSize int

	// Background workers
	StateWriterWorkers   int
	StateBatchSize       int
	StateFlushIntervalMS int
	NotifierWorkers      int

	// Auth
	AuthEnabled         bool
	AuthCacheTTLSeconds int
	ValidAPIKeys        []string

	// Logging
	LogLevel  string
	LogFormat string

	// Kafka notifications; disabled when no brokers are set
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaClientID string

	// Store-and-forward
	ProcessingLeaseSeconds int
	RetryDelaySeconds      int
	ReplayEnabled          bool
	ReplayIntervalSeconds  int
	ReplayBatchSize        int
	ReplayMaxAttempts      int

	// Per-device serialisation
	DeviceLockEnabled    bool
	DeviceLockTTLSeconds int

	// Detection tuning
	AnomalyConfigPath string
	ColdChainMinC     float64
	ColdChainMaxC     float64

	// Store backend: "postgres" or "memory"
	StoreBackend string
}

// Load reads configuration from the environment. A .env file in the working
// directory, when present, is loaded first and never overrides variables
// already set.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		HTTPPort:               getEnv("HTTP_PORT", "8001"),
		RequestTimeoutMS:       getEnvInt("REQUEST_TIMEOUT_MS", 0),
		DBHost:                 getEnv("DB_HOST", "localhost"),
		DBPort:                 getEnv("DB_PORT", "5432"),
		DBUser:                 getEnv("DB_USER", "fleet_user"),
		DBPassword:             getEnv("DB_PASSWORD", "fleet_password"),
		DBName:                 getEnv("DB_NAME", "fleet_monitor"),
		DBMaxConns:             int32(getEnvInt("DB_MAX_CONNS", 15)),
		RedisAddr:              getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:          getEnv("REDIS_PASSWORD", ""),
		RedisDB:                getEnvInt("REDIS_DB", 0),
		LiveStateTTLSecs:       getEnvInt("LIVE_STATE_TTL_SECONDS", 300),
		RedisKeyNamespace:      getEnv("REDIS_KEY_NAMESPACE", "gateway"),
		StateChannelSize:       getEnvInt("STATE_CHANNEL_SIZE", 50000),
		NotifyChannelSize:      getEnvInt("NOTIFY_CHANNEL_SIZE", 10000),
		StateWriterWorkers:     getEnvInt("STATE_WRITER_WORKERS", 5),
		StateBatchSize:         getEnvInt("STATE_BATCH_SIZE", 100),
		StateFlushIntervalMS:   getEnvInt("STATE_FLUSH_INTERVAL_MS", 50),
		NotifierWorkers:        getEnvInt("NOTIFIER_WORKERS", 3),
		AuthEnabled:            getEnvBool("AUTH_ENABLED", true),
		AuthCacheTTLSeconds:    getEnvInt("AUTH_CACHE_TTL_SECONDS", 300),
		ValidAPIKeys:           splitList(getEnv("VALID_API_KEYS", "")),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		LogFormat:              getEnv("LOG_FORMAT", "json"),
		KafkaBrokers:           splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:             getEnv("KAFKA_TOPIC", "fleet.gateway.notifications"),
		KafkaClientID:          getEnv("KAFKA_CLIENT_ID", "telemetry-gateway"),
		ProcessingLeaseSeconds: getEnvInt("PROCESSING_LEASE_SECONDS", 60),
		RetryDelaySeconds:      getEnvInt("RETRY_DELAY_SECONDS", 30),
		ReplayEnabled:          getEnvBool("REPLAY_ENABLED", true),
		ReplayIntervalSeconds:  getEnvInt("REPLAY_INTERVAL_SECONDS", 10),
		ReplayBatchSize:        getEnvInt("REPLAY_BATCH_SIZE", 50),
		ReplayMaxAttempts:      getEnvInt("REPLAY_MAX_ATTEMPTS", 5),
		DeviceLockEnabled:      getEnvBool("DEVICE_LOCK_ENABLED", false),
		DeviceLockTTLSeconds:   getEnvInt("DEVICE_LOCK_TTL_SECONDS", 10),
		AnomalyConfigPath:      getEnv("ANOMALY_CONFIG_PATH", ""),
		ColdChainMinC:          getEnvFloat("COLD_CHAIN_MIN_C", -25),
		ColdChainMaxC:          getEnvFloat("COLD_CHAIN_MAX_C", 25),
		StoreBackend:           strings.ToLower(getEnv("STORE_BACKEND", "postgres")),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
