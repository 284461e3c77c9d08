package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Checker    CheckerConfig
	Storefront StorefrontConfig
	Browser    BrowserConfig
	Store      StoreConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Logging    LoggingConfig
	Debug      bool
}

type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// CheckerConfig holds the knobs of the resolution pipeline.
type CheckerConfig struct {
	MaxWorkers     int
	RequestTimeout time.Duration
	ChunkSize      int
	ChunkTimeout   time.Duration
	VerifyNotFound bool
	MinDelay       time.Duration
	MaxDelay       time.Duration
}

type StorefrontConfig struct {
	BaseURL   string
	UserAgent string
}

type BrowserConfig struct {
	Enabled  bool
	Headless bool
	Timeout  time.Duration
	Locale   string
}

type StoreConfig struct {
	Driver   string // memory or postgres
	DataFile string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	MaxConns int32
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	// MaxLen caps the stream approximately; zero keeps every entry.
	MaxLen int64
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvInt("PORT", 8080),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDuration("SERVER_WRITE_TIMEOUT", 10*time.Minute),
			ShutdownTimeout: getDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			AllowedOrigins:  getStringSlice("SERVER_ALLOWED_ORIGINS", []string{"http://localhost:*", "https://localhost:*"}),
		},
		Checker: CheckerConfig{
			MaxWorkers:     getEnvInt("MARKSCHECKER_MAX_WORKERS", 4),
			RequestTimeout: time.Duration(getEnvInt("MARKSCHECKER_REQUEST_TIMEOUT", 15)) * time.Second,
			ChunkSize:      getEnvInt("MARKSCHECKER_CHUNK_SIZE", 400),
			ChunkTimeout:   getDuration("MARKSCHECKER_CHUNK_TIMEOUT", 30*time.Minute),
			VerifyNotFound: getEnvBool("MARKSCHECKER_VERIFY_NOT_FOUND", false),
			MinDelay:       getDuration("MARKSCHECKER_MIN_DELAY", 0),
			MaxDelay:       getDuration("MARKSCHECKER_MAX_DELAY", 0),
		},
		Storefront: StorefrontConfig{
			BaseURL:   strings.TrimRight(getEnv("MARKSCHECKER_BASE_URL", "https://voila.ca"), "/"),
			UserAgent: getEnv("MARKSCHECKER_USER_AGENT", defaultUserAgent),
		},
		Browser: BrowserConfig{
			Enabled:  getEnvBool("BROWSER_ENABLED", false),
			Headless: getEnvBool("BROWSER_HEADLESS", true),
			Timeout:  getDuration("BROWSER_TIMEOUT", 30*time.Second),
			Locale:   getEnv("BROWSER_LOCALE", "en-CA"),
		},
		Store: StoreConfig{
			Driver:   getEnv("MARKSCHECKER_STORE", "memory"),
			DataFile: getEnv("MARKSCHECKER_DATA_FILE", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "markschecker"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 10)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Stream:   getEnv("REDIS_STREAM", "stream:markschecker"),
			MaxLen:   int64(getEnvInt("REDIS_STREAM_MAXLEN", 100000)),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Debug: getEnvBool("MARKSCHECKER_DEBUG", false),
	}

	if cfg.Debug {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Checker.MaxWorkers < 1 {
		return fmt.Errorf("MARKSCHECKER_MAX_WORKERS must be at least 1")
	}

	if c.Checker.RequestTimeout <= 0 {
		return fmt.Errorf("MARKSCHECKER_REQUEST_TIMEOUT must be positive")
	}

	if c.Checker.ChunkSize < 1 {
		return fmt.Errorf("MARKSCHECKER_CHUNK_SIZE must be at least 1")
	}

	if c.Checker.ChunkTimeout <= 0 {
		return fmt.Errorf("MARKSCHECKER_CHUNK_TIMEOUT must be positive")
	}

	if c.Checker.MaxDelay > 0 && c.Checker.MinDelay > c.Checker.MaxDelay {
		return fmt.Errorf("MARKSCHECKER_MIN_DELAY cannot be greater than MARKSCHECKER_MAX_DELAY")
	}

	if c.Storefront.BaseURL == "" {
		return fmt.Errorf("storefront base URL is required")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Database.Host == "" || c.Database.Name == "" {
			return fmt.Errorf("database host and name are required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store driver: %q", c.Store.Driver)
	}

	return nil
}

// DSN returns the pgx connection string for the configured database.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/141.0.0.0 Safari/537.36"

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
