package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration.
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Engine    EngineConfig
	Sandbox   SandboxConfig
	Retrieval RetrievalConfig
	Crypto    CryptoConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-specific settings.
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings. Redis carries the task
// broker streams, the per-run event channels and TTL locks.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// QueueConfig holds task broker settings.
type QueueConfig struct {
	Type          string // "redis" in production, "memory" in tests
	MaxRetries    int
	RetryBackoff  time.Duration
	BlockInterval time.Duration
	Concurrency   int
}

// EngineConfig holds graph execution settings.
type EngineConfig struct {
	MaxConcurrency  int
	NodeTimeout     time.Duration
	RunTimeout      time.Duration
	EventBufferSize int
}

// SandboxConfig holds fair scheduler and isolation settings.
type SandboxConfig struct {
	MaxQueueSize       int
	PerTenantCap       int
	MinWorkers         int
	MaxWorkers         int
	TargetRPSPerWorker float64
	EMAAlpha           float64
	ScaleCooldown      time.Duration
	AgingTick          time.Duration
	AgingLowToNormal   time.Duration
	AgingNormalToHigh  time.Duration
	DefaultMemoryMB    int
	DefaultCPUSeconds  int
	MaxCPUSeconds      int
	HarnessCommand     []string // jailer argv prefix; empty enables bypass mode
	WorkDir            string
	SandboxURL         string // used by the engine's code node client
}

// RetrievalConfig holds hybrid search and sync settings.
type RetrievalConfig struct {
	TopK                int
	CandidateK          int
	RRFConstant         int
	MultiQueryCount     int
	SimilarityThreshold float64
	RerankMaxTokens     int
	EmbedBatchSize      int
	EmbedMaxTokens      int
	DocumentLockTTL     time.Duration
	OpenAIAPIKey        string
	OpenAIBaseURL       string
	RetrievalURL        string
}

// CryptoConfig holds the symmetric envelope key.
type CryptoConfig struct {
	// SecretKey is the base64url-encoded 32-byte Fernet key.
	SecretKey string
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	EnablePprof   bool
	PprofPort     int
	EnableMetrics bool
	MetricsPort   int
}

// Load loads configuration from environment variables.
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "moduly"),
			User:        getEnv("POSTGRES_USER", "moduly"),
			Password:    getEnv("POSTGRES_PASSWORD", "moduly"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Queue: QueueConfig{
			Type:          getEnv("QUEUE_TYPE", "redis"),
			MaxRetries:    getEnvInt("QUEUE_MAX_RETRIES", 5),
			RetryBackoff:  getEnvDuration("QUEUE_RETRY_BACKOFF", 500*time.Millisecond),
			BlockInterval: getEnvDuration("QUEUE_BLOCK_INTERVAL", 5*time.Second),
			Concurrency:   getEnvInt("QUEUE_CONCURRENCY", 4),
		},
		Engine: EngineConfig{
			MaxConcurrency:  getEnvInt("ENGINE_MAX_CONCURRENCY", 10),
			NodeTimeout:     getEnvDuration("ENGINE_NODE_TIMEOUT", 300*time.Second),
			RunTimeout:      getEnvDuration("ENGINE_RUN_TIMEOUT", 600*time.Second),
			EventBufferSize: getEnvInt("ENGINE_EVENT_BUFFER", 256),
		},
		Sandbox: SandboxConfig{
			MaxQueueSize:       getEnvInt("SANDBOX_MAX_QUEUE_SIZE", 1000),
			PerTenantCap:       getEnvInt("SANDBOX_PER_TENANT_CAP", 3),
			MinWorkers:         getEnvInt("SANDBOX_MIN_WORKERS", 2),
			MaxWorkers:         getEnvInt("SANDBOX_MAX_WORKERS", 16),
			TargetRPSPerWorker: getEnvFloat("SANDBOX_TARGET_RPS_PER_WORKER", 2.0),
			EMAAlpha:           getEnvFloat("SANDBOX_EMA_ALPHA", 0.2),
			ScaleCooldown:      getEnvDuration("SANDBOX_SCALE_COOLDOWN", 30*time.Second),
			AgingTick:          getEnvDuration("SANDBOX_AGING_TICK", 5*time.Second),
			AgingLowToNormal:   getEnvDuration("SANDBOX_AGING_LOW_TO_NORMAL", 15*time.Second),
			AgingNormalToHigh:  getEnvDuration("SANDBOX_AGING_NORMAL_TO_HIGH", 30*time.Second),
			DefaultMemoryMB:    getEnvInt("SANDBOX_DEFAULT_MEMORY_MB", 128),
			DefaultCPUSeconds:  getEnvInt("SANDBOX_DEFAULT_CPU_SECONDS", 10),
			MaxCPUSeconds:      getEnvInt("SANDBOX_MAX_CPU_SECONDS", 60),
			HarnessCommand:     getEnvSlice("SANDBOX_HARNESS_COMMAND", nil),
			WorkDir:            getEnv("SANDBOX_WORK_DIR", os.TempDir()),
			SandboxURL:         getEnv("SANDBOX_URL", "http://localhost:8082"),
		},
		Retrieval: RetrievalConfig{
			TopK:                getEnvInt("RETRIEVAL_TOP_K", 5),
			CandidateK:          getEnvInt("RETRIEVAL_CANDIDATE_K", 20),
			RRFConstant:         getEnvInt("RETRIEVAL_RRF_CONSTANT", 60),
			MultiQueryCount:     getEnvInt("RETRIEVAL_MULTI_QUERY_COUNT", 3),
			SimilarityThreshold: getEnvFloat("RETRIEVAL_SIMILARITY_THRESHOLD", 0.3),
			RerankMaxTokens:     getEnvInt("RETRIEVAL_RERANK_MAX_TOKENS", 512),
			EmbedBatchSize:      getEnvInt("RETRIEVAL_EMBED_BATCH_SIZE", 50),
			EmbedMaxTokens:      getEnvInt("RETRIEVAL_EMBED_MAX_TOKENS", 8000),
			DocumentLockTTL:     getEnvDuration("RETRIEVAL_DOCUMENT_LOCK_TTL", 120*time.Second),
			OpenAIAPIKey:        getEnv("OPENAI_API_KEY", ""),
			OpenAIBaseURL:       getEnv("OPENAI_BASE_URL", ""),
			RetrievalURL:        getEnv("RETRIEVAL_URL", "http://localhost:8083"),
		},
		Crypto: CryptoConfig{
			SecretKey: getEnv("MODULY_SECRET_KEY", ""),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   getEnvBool("ENABLE_PPROF", false),
			PprofPort:     getEnvInt("PPROF_PORT", 6060),
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
			MetricsPort:   getEnvInt("METRICS_PORT", 9090),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid.
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}
	if c.Engine.MaxConcurrency < 1 {
		return fmt.Errorf("engine max concurrency must be positive")
	}
	if c.Sandbox.MinWorkers > c.Sandbox.MaxWorkers {
		return fmt.Errorf("sandbox min_workers must be <= max_workers")
	}
	return nil
}

// DatabaseURL returns the PostgreSQL connection string.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns the host:port pair for Redis.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
