package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
		check   func(*testing.T, *Config)
	}{
		{
			name: "default configuration",
			envVars: map[string]string{
				"ENVIRONMENT": "development",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "development", cfg.Environment)
				assert.Equal(t, "0.0.0.0", cfg.Server.Host)
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.False(t, cfg.Server.TLS.Enabled)
				assert.Equal(t, DriverSQLite, cfg.Database.Driver)
				assert.Equal(t, "data/adgen.db", cfg.Database.Path)
				assert.Equal(t, 3, cfg.Resilience.RetryMaxAttempts)
				assert.Equal(t, "exponential", cfg.Resilience.RetryStrategy)
				assert.Equal(t, 50.0, cfg.Resilience.BreakerFailureRate)
				assert.Equal(t, 6*time.Hour, cfg.Cache.TextTTL)
				assert.Equal(t, 24*time.Hour, cfg.Cache.ImageTTL)
				assert.Equal(t, 5, cfg.Jobs.MaxActivePerUser)
				assert.Equal(t, 5*time.Minute, cfg.Jobs.JobTimeout)
				assert.Equal(t, 7*24*time.Hour, cfg.Jobs.Retention)
				assert.Equal(t, "gpt-4o-mini", cfg.Providers.OpenAI.Model)
				assert.Empty(t, cfg.Providers.Gemini.APIKey)
				assert.Empty(t, cfg.Auth.JWTSecret)
			},
		},
		{
			name: "production configuration",
			envVars: map[string]string{
				"ENVIRONMENT":    "production",
				"SERVER_PORT":    "9000",
				"DB_DRIVER":      "postgres",
				"DB_HOST":        "prod-db.example.com",
				"DB_PORT":        "5433",
				"JWT_SECRET":     "s3cret",
				"GEMINI_API_KEY": "g-key",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.IsProduction())
				assert.False(t, cfg.IsDevelopment())
				assert.Equal(t, 9000, cfg.Server.Port)
				assert.Equal(t, DriverPostgres, cfg.Database.Driver)
				assert.Equal(t, "prod-db.example.com", cfg.Database.Host)
				assert.Equal(t, 5433, cfg.Database.Port)
				assert.Equal(t, "g-key", cfg.Providers.Gemini.APIKey)
			},
		},
		{
			name: "DATABASE_URL takes precedence",
			envVars: map[string]string{
				"DB_DRIVER":    "postgres",
				"DATABASE_URL": "postgres://u:p@db:5432/ads?sslmode=disable",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "postgres://u:p@db:5432/ads?sslmode=disable", cfg.Database.DSN())
				assert.Equal(t, "driver=postgres host=db port=5432 database=ads", cfg.Database.LogString())
			},
		},
		{
			name: "resilience and jobs overrides",
			envVars: map[string]string{
				"RETRY_MAX_ATTEMPTS":      "5",
				"RETRY_STRATEGY":          "FIXED",
				"BREAKER_FAILURE_RATE":    "65.5",
				"BREAKER_OPEN_COOLDOWN":   "1m",
				"JOB_WORKERS":             "8",
				"JOB_MAX_ACTIVE_PER_USER": "2",
				"CACHE_TEXT_TTL":          "30m",
				"PROVIDER_POLICY_FILE":    "policies.yaml",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 5, cfg.Resilience.RetryMaxAttempts)
				assert.Equal(t, "fixed", cfg.Resilience.RetryStrategy)
				assert.Equal(t, 65.5, cfg.Resilience.BreakerFailureRate)
				assert.Equal(t, time.Minute, cfg.Resilience.BreakerOpenCooldown)
				assert.Equal(t, 8, cfg.Jobs.Workers)
				assert.Equal(t, 2, cfg.Jobs.MaxActivePerUser)
				assert.Equal(t, 30*time.Minute, cfg.Cache.TextTTL)
				assert.Equal(t, "policies.yaml", cfg.Resilience.PolicyFile)
			},
		},
		{
			name: "CORS origins list",
			envVars: map[string]string{
				"CORS_ALLOWED_ORIGINS": "https://a.example.com, ,https://b.example.com",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.AllowedOrigins)
			},
		},
		{
			name: "PORT env var takes precedence over SERVER_PORT",
			envVars: map[string]string{
				"PORT":        "9443",
				"SERVER_PORT": "9000",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9443, cfg.Server.Port)
			},
		},
		{
			name: "unsupported driver",
			envVars: map[string]string{
				"DB_DRIVER": "mongo",
			},
			wantErr: true,
		},
		{
			name: "unknown retry strategy",
			envVars: map[string]string{
				"RETRY_STRATEGY": "linear",
			},
			wantErr: true,
		},
		{
			name: "production without jwt secret",
			envVars: map[string]string{
				"ENVIRONMENT":    "production",
				"OPENAI_API_KEY": "sk-xxxxx",
			},
			wantErr: true,
		},
		{
			name: "production without any provider",
			envVars: map[string]string{
				"ENVIRONMENT": "production",
				"JWT_SECRET":  "s3cret",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Clear environment
			os.Clearenv()

			// Set test environment variables
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg, err := New(context.Background())

			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)

			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		Environment: "development",
		Database:    DatabaseConfig{Driver: DriverMemory},
		Resilience: ResilienceConfig{
			RetryMaxAttempts:    3,
			RetryStrategy:       "exponential",
			BreakerFailureRate:  50,
			BreakerSlowCallRate: 50,
			BreakerWindowSize:   10,
		},
		Jobs:          JobsConfig{Workers: 1, QueueSize: 1, MaxActivePerUser: 1},
		Storage:       StorageConfig{Dir: "media"},
		Observability: ObservabilityConfig{LogLevel: "info"},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid memory config",
			mutate: func(c *Config) {},
		},
		{
			name: "postgres without host",
			mutate: func(c *Config) {
				c.Database = DatabaseConfig{Driver: DriverPostgres, User: "user", Database: "db"}
			},
			wantErr: true,
			errMsg:  "database configuration required",
		},
		{
			name: "postgres without user",
			mutate: func(c *Config) {
				c.Database = DatabaseConfig{Driver: DriverPostgres, Host: "localhost", Database: "db"}
			},
			wantErr: true,
			errMsg:  "database user is required",
		},
		{
			name: "sqlite without path",
			mutate: func(c *Config) {
				c.Database = DatabaseConfig{Driver: DriverSQLite}
			},
			wantErr: true,
			errMsg:  "database path is required",
		},
		{
			name:    "zero retry attempts",
			mutate:  func(c *Config) { c.Resilience.RetryMaxAttempts = 0 },
			wantErr: true,
			errMsg:  "retry max attempts",
		},
		{
			name:    "failure rate above 100",
			mutate:  func(c *Config) { c.Resilience.BreakerFailureRate = 120 },
			wantErr: true,
			errMsg:  "breaker failure rate",
		},
		{
			name:    "no workers",
			mutate:  func(c *Config) { c.Jobs.Workers = 0 },
			wantErr: true,
			errMsg:  "job workers",
		},
		{
			name:    "missing storage dir",
			mutate:  func(c *Config) { c.Storage.Dir = "" },
			wantErr: true,
			errMsg:  "storage dir",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_IsProduction(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		want        bool
	}{
		{"production", "production", true},
		{"prod", "prod", true},
		{"development", "development", false},
		{"staging", "staging", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Environment: tt.environment}
			assert.Equal(t, tt.want, cfg.IsProduction())
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	t.Run("postgres fields", func(t *testing.T) {
		cfg := DatabaseConfig{
			Driver:   DriverPostgres,
			Host:     "localhost",
			Port:     5432,
			User:     "testuser",
			Password: "testpass",
			Database: "testdb",
			SSLMode:  "disable",
		}
		assert.Equal(t, "host=localhost port=5432 user=testuser password=testpass dbname=testdb sslmode=disable", cfg.DSN())
		assert.NotContains(t, cfg.LogString(), "testpass")
	})

	t.Run("sqlite path", func(t *testing.T) {
		cfg := DatabaseConfig{Driver: DriverSQLite, Path: "/tmp/jobs.db"}
		assert.Contains(t, cfg.DSN(), "/tmp/jobs.db?_pragma=journal_mode(WAL)")
		assert.Equal(t, "driver=sqlite path=/tmp/jobs.db", cfg.LogString())
	})
}

func TestServerConfig_Address(t *testing.T) {
	cfg := ServerConfig{Host: "0.0.0.0", Port: 8080}
	assert.Equal(t, "0.0.0.0:8080", cfg.Address())
}

func TestGetEnvAsInt(t *testing.T) {
	tests := []struct {
		name         string
		value        string
		defaultValue int
		want         int
	}{
		{"valid int", "42", 10, 42},
		{"empty value", "", 10, 10},
		{"invalid int", "not-a-number", 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			if tt.value != "" {
				os.Setenv("TEST_INT", tt.value)
			}
			assert.Equal(t, tt.want, getEnvAsInt("TEST_INT", tt.defaultValue))
		})
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	os.Clearenv()
	os.Setenv("TEST_DURATION", "90s")
	assert.Equal(t, 90*time.Second, getEnvAsDuration("TEST_DURATION", time.Second))

	os.Setenv("TEST_DURATION", "soon")
	assert.Equal(t, time.Second, getEnvAsDuration("TEST_DURATION", time.Second))
}
