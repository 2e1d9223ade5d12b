package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config configuración principal de la aplicación
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Engine   EngineConfig
	WhatsApp WhatsAppConfig
	Callback CallbackConfig
	AI       AIConfig
	Archive  ArchiveConfig
}

// ServerConfig configuración del servidor HTTP
type ServerConfig struct {
	Port            string
	Environment     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig configuración de PostgreSQL
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig configuración de Redis
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// EngineConfig parámetros del runtime de flujos
type EngineConfig struct {
	MaxSteps        int
	Workers         int
	MailboxSize     int
	ScriptTimeout   time.Duration
	CallBudget      time.Duration
	CallAttempts    int
	CallRatePerSec  float64
	SessionWindow   time.Duration
	MismatchPolicy  string // queue | drop
	MaxRetries      int
	RetryBackoff    time.Duration
	TimerSweepSpec  string
	GraphCacheTTL   time.Duration
	StarlarkThreads int
}

// WhatsAppConfig credenciales de la Cloud API
type WhatsAppConfig struct {
	PhoneNumberID string
	AccessToken   string
	APIVersion    string
	BaseURL       string
	AppSecret     string
	VerifyToken   string
	Timeout       time.Duration
}

// CallbackConfig firma de URLs de callback asíncronas
type CallbackConfig struct {
	Secret  string
	BaseURL string
	TTL     time.Duration
	Issuer  string
}

// AIConfig proveedor de modelos para nodos ai_prompt
type AIConfig struct {
	OpenAIKey    string
	DefaultModel string
}

// ArchiveConfig destino S3 para el historial de pasos
type ArchiveConfig struct {
	Enabled         bool
	Bucket          string
	Region          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// Load carga la configuración desde variables de entorno
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			Environment:     getEnv("ENVIRONMENT", "development"),
			ReadTimeout:     getDurationEnv("READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getDurationEnv("WRITE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", getEnv("POSTGRES_HOST", "localhost")),
			Port:            getEnv("DB_PORT", getEnv("POSTGRES_PORT", "5432")),
			User:            getEnv("DB_USER", getEnv("POSTGRES_USER", "postgres")),
			Password:        getEnv("DB_PASSWORD", getEnv("POSTGRES_PASSWORD", "postgres")),
			DBName:          getEnv("DB_NAME", getEnv("POSTGRES_DB", "relayflow")),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Engine: LoadEngineConfig(),
		WhatsApp: WhatsAppConfig{
			PhoneNumberID: getEnv("WHATSAPP_PHONE_NUMBER_ID", ""),
			AccessToken:   getEnv("WHATSAPP_ACCESS_TOKEN", ""),
			APIVersion:    getEnv("WHATSAPP_API_VERSION", "v24.0"),
			BaseURL:       getEnv("WHATSAPP_BASE_URL", "https://graph.facebook.com"),
			AppSecret:     getEnv("WHATSAPP_APP_SECRET", ""),
			VerifyToken:   getEnv("WHATSAPP_VERIFY_TOKEN", ""),
			Timeout:       getDurationEnv("WHATSAPP_TIMEOUT", 30*time.Second),
		},
		Callback: CallbackConfig{
			Secret:  getEnv("CALLBACK_SECRET", "default-secret-change-in-production"),
			BaseURL: getEnv("CALLBACK_BASE_URL", "http://localhost:8080"),
			TTL:     getDurationEnv("CALLBACK_TTL", 24*time.Hour),
			Issuer:  getEnv("CALLBACK_ISSUER", "relayflow"),
		},
		AI: AIConfig{
			OpenAIKey:    getEnv("OPENAI_API_KEY", ""),
			DefaultModel: getEnv("AI_DEFAULT_MODEL", "gpt-4o-mini"),
		},
		Archive: ArchiveConfig{
			Enabled:         getBoolEnv("ARCHIVE_ENABLED", false),
			Bucket:          getEnv("ARCHIVE_BUCKET", ""),
			Region:          getEnv("AWS_REGION", "us-east-1"),
			Prefix:          getEnv("ARCHIVE_PREFIX", "steps"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// LoadEngineConfig carga los parámetros del runtime; también lo usa flowctl
func LoadEngineConfig() EngineConfig {
	return EngineConfig{
		MaxSteps:        getIntEnv("ENGINE_MAX_STEPS", 50),
		Workers:         getIntEnv("ENGINE_WORKERS", 16),
		MailboxSize:     getIntEnv("ENGINE_MAILBOX_SIZE", 64),
		ScriptTimeout:   getDurationEnv("ENGINE_SCRIPT_TIMEOUT", 5*time.Second),
		CallBudget:      getDurationEnv("ENGINE_CALL_BUDGET", 30*time.Second),
		CallAttempts:    getIntEnv("ENGINE_CALL_ATTEMPTS", 3),
		CallRatePerSec:  getFloatEnv("ENGINE_CALL_RATE", 50),
		SessionWindow:   getDurationEnv("ENGINE_SESSION_WINDOW", 24*time.Hour),
		MismatchPolicy:  getEnv("ENGINE_MISMATCH_POLICY", "queue"),
		MaxRetries:      getIntEnv("ENGINE_MAX_RETRIES", 0),
		RetryBackoff:    getDurationEnv("ENGINE_RETRY_BACKOFF", 200*time.Millisecond),
		TimerSweepSpec:  getEnv("ENGINE_TIMER_SWEEP", "@every 1s"),
		GraphCacheTTL:   getDurationEnv("ENGINE_GRAPH_CACHE_TTL", 30*time.Minute),
		StarlarkThreads: getIntEnv("ENGINE_STARLARK_THREADS", 8),
	}
}

// Validate valida la configuración
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("DB_HOST is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("DB_USER is required")
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("DB_NAME is required")
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("ARCHIVE_BUCKET is required when ARCHIVE_ENABLED")
	}
	return nil
}

// Validate valida los límites del runtime
func (e *EngineConfig) Validate() error {
	if e.MaxSteps <= 0 {
		return fmt.Errorf("ENGINE_MAX_STEPS must be positive")
	}
	if e.Workers <= 0 {
		return fmt.Errorf("ENGINE_WORKERS must be positive")
	}
	if e.ScriptTimeout <= 0 {
		return fmt.Errorf("ENGINE_SCRIPT_TIMEOUT must be positive")
	}
	switch e.MismatchPolicy {
	case "queue", "drop":
	default:
		return fmt.Errorf("ENGINE_MISMATCH_POLICY must be queue or drop, got %q", e.MismatchPolicy)
	}
	return nil
}

// GetDSN retorna el DSN de PostgreSQL
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// GetAddr retorna la dirección de Redis
func (c *RedisConfig) GetAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intValue int
		if _, err := fmt.Sscanf(value, "%d", &intValue); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%g", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
