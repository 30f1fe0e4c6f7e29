package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	defaultJWTSecret = "your-secret-key"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Reminder  ReminderConfig
	SMTP      SMTPConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host            string        `env:"HOST" env-default:"localhost"`
	Port            string        `env:"PORT" env-default:"8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" env-default:"30s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" env-default:"30s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" env-default:"60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"10s"`
	Environment     string        `env:"ENVIRONMENT" env-default:"development"`
	AllowedOrigins  []string      `env:"CORS_ALLOWED_ORIGINS" env-separator:"," env-default:"*"`
}

type DatabaseConfig struct {
	Driver          string        `env:"DB_DRIVER" env-default:"postgres"`
	Host            string        `env:"DB_HOST" env-default:"localhost"`
	Port            string        `env:"DB_PORT" env-default:"5432"`
	User            string        `env:"DB_USER" env-default:"postgres"`
	Password        string        `env:"DB_PASSWORD"`
	Name            string        `env:"DB_NAME" env-default:"task_manager"`
	SSLMode         string        `env:"DB_SSL_MODE" env-default:"disable"`
	SQLitePath      string        `env:"DB_SQLITE_PATH" env-default:"task_manager.db"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"1h"`
	ConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME" env-default:"30m"`
}

type RedisConfig struct {
	Enabled      bool          `env:"REDIS_ENABLED" env-default:"true"`
	Host         string        `env:"REDIS_HOST" env-default:"localhost"`
	Port         string        `env:"REDIS_PORT" env-default:"6379"`
	Password     string        `env:"REDIS_PASSWORD"`
	DB           int           `env:"REDIS_DB" env-default:"0"`
	PoolSize     int           `env:"REDIS_POOL_SIZE" env-default:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" env-default:"5"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" env-default:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" env-default:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" env-default:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" env-default:"3s"`
}

type AuthConfig struct {
	JWTSecret              string        `env:"JWT_SECRET" env-default:"your-secret-key"`
	Issuer                 string        `env:"JWT_ISSUER" env-default:"task-reminder"`
	AccessTokenTTL         time.Duration `env:"ACCESS_TOKEN_TTL" env-default:"24h"`
	BCryptCost             int           `env:"BCRYPT_COST" env-default:"10"`
	BootstrapAdminName     string        `env:"BOOTSTRAP_ADMIN_NAME" env-default:"Administrator"`
	BootstrapAdminEmail    string        `env:"BOOTSTRAP_ADMIN_EMAIL"`
	BootstrapAdminPassword string        `env:"BOOTSTRAP_ADMIN_PASSWORD"`
}

type RateLimitConfig struct {
	Enabled         bool          `env:"RATE_LIMIT_ENABLED" env-default:"true"`
	RequestsPerMin  int           `env:"RATE_LIMIT_RPM" env-default:"100"`
	BurstSize       int           `env:"RATE_LIMIT_BURST" env-default:"10"`
	CleanupInterval time.Duration `env:"RATE_LIMIT_CLEANUP" env-default:"10m"`
}

type ReminderConfig struct {
	Enabled         bool          `env:"REMINDER_ENABLED" env-default:"true"`
	Interval        time.Duration `env:"REMINDER_INTERVAL" env-default:"60s"`
	Window          time.Duration `env:"REMINDER_WINDOW" env-default:"5m"`
	QueryTimeout    time.Duration `env:"REMINDER_QUERY_TIMEOUT" env-default:"30s"`
	DispatchTimeout time.Duration `env:"REMINDER_DISPATCH_TIMEOUT" env-default:"30s"`
	LockKey         string        `env:"REMINDER_LOCK_KEY" env-default:"reminder:tick"`
}

type SMTPConfig struct {
	Host     string        `env:"SMTP_HOST"`
	Port     string        `env:"SMTP_PORT" env-default:"587"`
	Username string        `env:"SMTP_USER"`
	Password string        `env:"SMTP_PASS"`
	From     string        `env:"SMTP_FROM" env-default:"\"Task Manager\" <noreply@taskmanager.com>"`
	Secure   bool          `env:"SMTP_SECURE" env-default:"false"`
	StartTLS bool          `env:"SMTP_STARTTLS" env-default:"true"`
	Timeout  time.Duration `env:"SMTP_TIMEOUT" env-default:"15s"`

	BreakerMaxFailures      int           `env:"SMTP_BREAKER_MAX_FAILURES" env-default:"5"`
	BreakerTimeout          time.Duration `env:"SMTP_BREAKER_TIMEOUT" env-default:"30s"`
	BreakerHalfOpenMaxCalls int           `env:"SMTP_BREAKER_HALF_OPEN_CALLS" env-default:"3"`
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL" env-default:"info"`
	Format string `env:"LOG_FORMAT" env-default:"json"`
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	config := &Config{}
	if err := cleanenv.ReadEnv(config); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.Database.Password == "" && c.IsProduction() && c.Database.Driver == "postgres" {
		return fmt.Errorf("database password is required in production")
	}

	if c.Auth.JWTSecret == defaultJWTSecret && c.IsProduction() {
		return fmt.Errorf("JWT secret must be set in production")
	}

	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Reminder.Interval <= 0 {
		return fmt.Errorf("reminder interval must be positive")
	}

	if c.Reminder.Window <= 0 {
		return fmt.Errorf("reminder window must be positive")
	}

	return nil
}

func (c *Config) GetDatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.SQLitePath
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Redis.Host, c.Redis.Port)
}

func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

func (c *Config) GetSMTPAddr() string {
	return fmt.Sprintf("%s:%s", c.SMTP.Host, c.SMTP.Port)
}

func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}
