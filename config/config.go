package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Supported job store drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Providers     ProvidersConfig
	Resilience    ResilienceConfig
	Cache         CacheConfig
	Jobs          JobsConfig
	Storage       StorageConfig
	Auth          AuthConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds job store configuration.
// For postgres, ConnectionString (from DATABASE_URL) takes precedence over individual fields.
type DatabaseConfig struct {
	Driver           string
	ConnectionString string
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	Path             string // sqlite file
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// ProvidersConfig holds AI provider configurations
type ProvidersConfig struct {
	OpenAI    ProviderConfig
	Gemini    ProviderConfig
	Anthropic ProviderConfig
}

// ProviderConfig holds the settings of one AI provider.
// An empty APIKey leaves the provider registered but unavailable.
type ProviderConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	ImageModel string
	Timeout    time.Duration
}

// ResilienceConfig holds the default retry and circuit breaker thresholds
type ResilienceConfig struct {
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryStrategy    string // fixed or exponential

	BreakerFailureRate      float64 // percent
	BreakerSlowCallRate     float64 // percent
	BreakerSlowCallDuration time.Duration
	BreakerWindowSize       int
	BreakerMinimumCalls     int
	BreakerOpenCooldown     time.Duration
	BreakerHalfOpenCalls    int

	// PolicyFile is an optional YAML file with per-provider overrides
	PolicyFile string
}

// CacheConfig holds content cache settings
type CacheConfig struct {
	TextTTL         time.Duration
	ImageTTL        time.Duration
	MaxEntries      int
	CleanupInterval time.Duration
}

// JobsConfig holds async job engine settings
type JobsConfig struct {
	Workers          int
	QueueSize        int
	MaxActivePerUser int
	JobTimeout       time.Duration
	Retention        time.Duration
	PurgeInterval    time.Duration
	SyncWait         time.Duration // upper bound for ?wait on generation endpoints
}

// StorageConfig holds generated media storage settings
type StorageConfig struct {
	Dir            string
	PublicBaseURL  string
	PlaceholderURL string
}

// AuthConfig holds bearer token settings.
// An empty JWTSecret enables the X-User-ID development header.
type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

// ObservabilityConfig holds logging configuration
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string // json or console
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 90*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:8080"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Database: loadDatabaseConfig(),
		Providers: ProvidersConfig{
			OpenAI: ProviderConfig{
				APIKey:     getEnv("OPENAI_API_KEY", ""),
				BaseURL:    getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				Model:      getEnv("OPENAI_MODEL", "gpt-4o-mini"),
				ImageModel: getEnv("OPENAI_IMAGE_MODEL", "dall-e-3"),
				Timeout:    getEnvAsDuration("OPENAI_TIMEOUT", 60*time.Second),
			},
			Gemini: ProviderConfig{
				APIKey:  getEnv("GEMINI_API_KEY", ""),
				BaseURL: getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
				Model:   getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
				Timeout: getEnvAsDuration("GEMINI_TIMEOUT", 45*time.Second),
			},
			Anthropic: ProviderConfig{
				APIKey:  getEnv("ANTHROPIC_API_KEY", ""),
				BaseURL: getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
				Model:   getEnv("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
				Timeout: getEnvAsDuration("ANTHROPIC_TIMEOUT", 30*time.Second),
			},
		},
		Resilience: ResilienceConfig{
			RetryMaxAttempts: getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
			RetryBaseDelay:   getEnvAsDuration("RETRY_BASE_DELAY", 2*time.Second),
			RetryMaxDelay:    getEnvAsDuration("RETRY_MAX_DELAY", 30*time.Second),
			RetryStrategy:    strings.ToLower(getEnv("RETRY_STRATEGY", "exponential")),

			BreakerFailureRate:      getEnvAsFloat("BREAKER_FAILURE_RATE", 50),
			BreakerSlowCallRate:     getEnvAsFloat("BREAKER_SLOW_CALL_RATE", 50),
			BreakerSlowCallDuration: getEnvAsDuration("BREAKER_SLOW_CALL_DURATION", 10*time.Second),
			BreakerWindowSize:       getEnvAsInt("BREAKER_WINDOW_SIZE", 10),
			BreakerMinimumCalls:     getEnvAsInt("BREAKER_MINIMUM_CALLS", 5),
			BreakerOpenCooldown:     getEnvAsDuration("BREAKER_OPEN_COOLDOWN", 30*time.Second),
			BreakerHalfOpenCalls:    getEnvAsInt("BREAKER_HALF_OPEN_CALLS", 3),

			PolicyFile: getEnv("PROVIDER_POLICY_FILE", ""),
		},
		Cache: CacheConfig{
			TextTTL:         getEnvAsDuration("CACHE_TEXT_TTL", 6*time.Hour),
			ImageTTL:        getEnvAsDuration("CACHE_IMAGE_TTL", 24*time.Hour),
			MaxEntries:      getEnvAsInt("CACHE_MAX_ENTRIES", 1000),
			CleanupInterval: getEnvAsDuration("CACHE_CLEANUP_INTERVAL", 10*time.Minute),
		},
		Jobs: JobsConfig{
			Workers:          getEnvAsInt("JOB_WORKERS", 4),
			QueueSize:        getEnvAsInt("JOB_QUEUE_SIZE", 100),
			MaxActivePerUser: getEnvAsInt("JOB_MAX_ACTIVE_PER_USER", 5),
			JobTimeout:       getEnvAsDuration("JOB_TIMEOUT", 5*time.Minute),
			Retention:        getEnvAsDuration("JOB_RETENTION", 7*24*time.Hour),
			PurgeInterval:    getEnvAsDuration("JOB_PURGE_INTERVAL", time.Hour),
			SyncWait:         getEnvAsDuration("JOB_SYNC_WAIT_MAX", 60*time.Second),
		},
		Storage: StorageConfig{
			Dir:            getEnv("STORAGE_DIR", "data/media"),
			PublicBaseURL:  strings.TrimSuffix(getEnv("PUBLIC_BASE_URL", ""), "/"),
			PlaceholderURL: getEnv("PLACEHOLDER_IMAGE_URL", "/img/placeholder.png"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			Issuer:    getEnv("JWT_ISSUER", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "json"),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Resilience.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1")
	}
	if c.Resilience.RetryStrategy != "fixed" && c.Resilience.RetryStrategy != "exponential" {
		return fmt.Errorf("retry strategy must be fixed or exponential, got %q", c.Resilience.RetryStrategy)
	}
	if c.Resilience.BreakerFailureRate <= 0 || c.Resilience.BreakerFailureRate > 100 {
		return fmt.Errorf("breaker failure rate must be in (0, 100]")
	}
	if c.Resilience.BreakerSlowCallRate <= 0 || c.Resilience.BreakerSlowCallRate > 100 {
		return fmt.Errorf("breaker slow call rate must be in (0, 100]")
	}
	if c.Resilience.BreakerWindowSize < 1 {
		return fmt.Errorf("breaker window size must be at least 1")
	}

	if c.Jobs.Workers < 1 {
		return fmt.Errorf("job workers must be at least 1")
	}
	if c.Jobs.QueueSize < 1 {
		return fmt.Errorf("job queue size must be at least 1")
	}
	if c.Jobs.MaxActivePerUser < 1 {
		return fmt.Errorf("max active jobs per user must be at least 1")
	}

	if c.Storage.Dir == "" {
		return fmt.Errorf("storage dir is required")
	}

	if c.IsProduction() {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("jwt secret is required in production")
		}
		if c.Providers.OpenAI.APIKey == "" &&
			c.Providers.Gemini.APIKey == "" &&
			c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("at least one AI provider must be configured in production")
		}
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the data source name for the configured driver.
// For postgres, ConnectionString wins over individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == DriverSQLite {
		return fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", c.Path)
	}
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password)
func (c *DatabaseConfig) LogString() string {
	switch c.Driver {
	case DriverSQLite:
		return fmt.Sprintf("driver=sqlite path=%s", c.Path)
	case DriverMemory:
		return "driver=memory"
	}
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("driver=postgres host=%s port=%s database=%s", host, port, db)
		}
		return "driver=postgres host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("driver=postgres host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads the job store config from DB_DRIVER plus DATABASE_URL or DB_* vars
func loadDatabaseConfig() DatabaseConfig {
	cfg := DatabaseConfig{
		Driver:          strings.ToLower(getEnv("DB_DRIVER", DriverSQLite)),
		Path:            getEnv("DB_PATH", "data/adgen.db"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		cfg.ConnectionString = dbURL
		return cfg
	}
	cfg.Host = getEnv("DB_HOST", "localhost")
	cfg.Port = getEnvAsInt("DB_PORT", 5432)
	cfg.User = getEnv("DB_USER", "adgen")
	cfg.Password = getEnv("DB_PASSWORD", "")
	cfg.Database = getEnv("DB_NAME", "adgen")
	cfg.SSLMode = getEnv("DB_SSLMODE", "disable")
	return cfg
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated value, dropping blanks
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
