package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all proxy configuration values, loaded once at startup.
type Config struct {
	Addr            string
	Env             string
	LogLevel        string
	GracefulTimeout time.Duration

	UpstreamOpenAIBaseURL     string
	UpstreamAnthropicBaseURL  string
	UpstreamAPIKey            string
	UpstreamAnthropicVersion  string
	RequestTimeout            time.Duration

	AdminAPIKey    string
	AllowedModels  []string

	RedisURL string

	DisableConnectionPool    bool
	PoolMinConnections       int
	PoolMaxConnections       int
	PoolAcquireTimeout       time.Duration
	PoolIdleTimeout          time.Duration
	PoolHealthCheckInterval  time.Duration
	PoolWarm                 bool

	PipelineMaxConcurrentPerConn int
	PipelineMaxQueueSize         int
	PipelineQueueTimeout         time.Duration

	RateWindowDuration time.Duration
	RateBucketSize     time.Duration

	CacheEnabled     bool
	CacheMaxSize     int
	CacheDefaultTTL  time.Duration

	BroadcasterMaxSubscriberBuffer int

	TenantStoreBackend string // "file" | "bolt" | "sql"
	DataFile           string
	BoltDBPath         string
	SQLDSN             string

	StreamRequestChunkSize  int
	StreamBufferPoolEnabled bool

	TenantEncryptionKey string

	MaxBodyBytes int64
}

// Load reads configuration from environment variables and an optional .env file.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:            getEnv("ADDR", ":8080"),
		Env:             getEnv("ENV", "development"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		GracefulTimeout: getEnvDuration("GRACEFUL_TIMEOUT", 15*time.Second),

		// No trailing /v1: the inbound request path (e.g. "/v1/chat/completions",
		// "/v1/messages" once the "/anthropic" prefix is stripped) already
		// carries it, and Resolve forwards that path onto BaseURL unchanged.
		UpstreamOpenAIBaseURL:    getEnv("UPSTREAM_OPENAI_BASE_URL", "https://api.openai.com"),
		UpstreamAnthropicBaseURL: getEnv("UPSTREAM_ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		UpstreamAPIKey:           getEnv("UPSTREAM_API_KEY", ""),
		UpstreamAnthropicVersion: getEnv("UPSTREAM_ANTHROPIC_VERSION", "2023-06-01"),
		RequestTimeout:           getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),

		AdminAPIKey:   getEnv("ADMIN_API_KEY", ""),
		AllowedModels: getEnvList("ALLOWED_MODELS", nil),

		RedisURL: getEnv("REDIS_URL", ""),

		DisableConnectionPool:   getEnvBool("DISABLE_CONNECTION_POOL", false),
		PoolMinConnections:      getEnvInt("POOL_MIN_CONNECTIONS", 2),
		PoolMaxConnections:      getEnvInt("POOL_MAX_CONNECTIONS", 10),
		PoolAcquireTimeout:      getEnvDurationMs("POOL_ACQUIRE_TIMEOUT_MS", 5000),
		PoolIdleTimeout:         getEnvDurationMs("POOL_IDLE_TIMEOUT_MS", 60000),
		PoolHealthCheckInterval: getEnvDurationMs("POOL_HEALTH_CHECK_INTERVAL_MS", 30000),
		PoolWarm:                getEnvBool("POOL_WARM", false),

		PipelineMaxConcurrentPerConn: getEnvInt("PIPELINE_MAX_CONCURRENT_PER_CONN", 6),
		PipelineMaxQueueSize:         getEnvInt("PIPELINE_MAX_QUEUE_SIZE", 100),
		PipelineQueueTimeout:         getEnvDurationMs("PIPELINE_QUEUE_TIMEOUT_MS", 10000),

		RateWindowDuration: getEnvDurationMs("RATE_WINDOW_DURATION_MS", 18_000_000),
		RateBucketSize:     getEnvDurationMs("RATE_BUCKET_SIZE_MS", 300_000),

		CacheEnabled:    getEnvBool("CACHE_ENABLED", true),
		CacheMaxSize:    getEnvInt("CACHE_MAX_SIZE", 10000),
		CacheDefaultTTL: getEnvDurationMs("CACHE_DEFAULT_TTL_MS", 60_000),

		BroadcasterMaxSubscriberBuffer: getEnvInt("BROADCASTER_MAX_SUBSCRIBER_BUFFER", 256),

		TenantStoreBackend: getEnv("TENANT_STORE_BACKEND", "file"),
		DataFile:           getEnv("DATA_FILE", "data/tenants.json"),
		BoltDBPath:         getEnv("BOLT_DB_PATH", "data/tenants.bolt"),
		SQLDSN:             getEnv("SQL_DSN", "data/tenants.sqlite"),

		StreamRequestChunkSize:  getEnvInt("STREAM_REQUEST_CHUNK_SIZE", 32768),
		StreamBufferPoolEnabled: getEnvBool("STREAM_BUFFER_POOL_ENABLED", true),

		TenantEncryptionKey: getEnv("TENANT_ENCRYPTION_KEY", ""),

		MaxBodyBytes: int64(getEnvInt("MAX_BODY_BYTES", 2*1024*1024)),
	}
	return cfg
}

func (c *Config) IsDevelopment() bool { return c.Env == "development" }
func (c *Config) IsProduction() bool  { return c.Env == "production" }

// ModelAllowed reports whether model belongs to the configured allow-list.
// An empty allow-list permits every model (useful for local development).
func (c *Config) ModelAllowed(model string) bool {
	if len(c.AllowedModels) == 0 {
		return true
	}
	for _, m := range c.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvDurationMs(key string, fallbackMs int) time.Duration {
	ms := getEnvInt(key, fallbackMs)
	return time.Duration(ms) * time.Millisecond
}

func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
