package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"MailCadence/internal/auth"
	"MailCadence/internal/models"
	"MailCadence/internal/scheduler"
	"MailCadence/internal/worker"
)

type Config struct {
	// ----------------------------
	// Default sender (SMTP)
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"noreply@mailcadence.local"`
	SMTPFromName string `envconfig:"SMTP_FROM_NAME" default:"MailCadence"`
	SMTPSecure   bool   `envconfig:"SMTP_SECURE" default:"false"`

	// ----------------------------
	// Dispatch
	// ----------------------------
	WorkerCount          int           `envconfig:"WORKER_COUNT" default:"5"`
	MinDelayMs           int           `envconfig:"SMTP_MIN_DELAY_MS" default:"2000"`
	MaxEmailsPerHour     int           `envconfig:"SMTP_MAX_EMAILS_PER_HOUR" default:"200"`
	RetryAttempts        int           `envconfig:"RETRY_ATTEMPTS" default:"3"`
	RetryBackoffMs       int           `envconfig:"RETRY_BACKOFF_MS" default:"2000"`
	RetryMaxBackoff      time.Duration `envconfig:"RETRY_MAX_BACKOFF" default:"1h"`
	SendTimeout          time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`
	TransportIdleTimeout time.Duration `envconfig:"TRANSPORT_IDLE_TIMEOUT" default:"5m"`
	MaxBatchSize         int           `envconfig:"MAX_BATCH_SIZE" default:"1000"`
	HistoryLimit         int           `envconfig:"HISTORY_LIMIT" default:"200"`
	RateCounter          string        `envconfig:"RATE_COUNTER" default:"database"`
	RecoveryInterval     time.Duration `envconfig:"RECOVERY_INTERVAL" default:"1m"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort         string        `envconfig:"API_PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	FrontendOrigin  string        `envconfig:"FRONTEND_ORIGIN" default:"http://localhost:3000"`
	AuthMode        string        `envconfig:"AUTH_MODE" default:"jwt"`
	JWTSecret       string        `envconfig:"JWT_SECRET" default:""`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Database
	// ----------------------------
	DatabaseDriver string `envconfig:"DATABASE_DRIVER" default:"postgres"`
	DatabaseURL    string `envconfig:"DATABASE_URL" required:"true"`
	MigrateOnStart bool   `envconfig:"MIGRATE_ON_START" default:"true"`

	LogDev bool `envconfig:"LOG_DEV" default:"false"`
}

// Load reads an optional .env file and then the process environment.
func Load(envFiles ...string) (*Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load(envFiles...)

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.WorkerCount <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_COUNT must be positive, got %d", c.WorkerCount))
	}
	if c.MinDelayMs < 0 {
		errs = append(errs, fmt.Errorf("SMTP_MIN_DELAY_MS must not be negative, got %d", c.MinDelayMs))
	}
	if c.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("RETRY_ATTEMPTS must be positive, got %d", c.RetryAttempts))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL must not be empty"))
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver))
	}
	switch c.RateCounter {
	case "database", "memory":
	default:
		errs = append(errs, fmt.Errorf("unsupported RATE_COUNTER %q", c.RateCounter))
	}
	switch c.AuthMode {
	case "jwt", "header":
	default:
		errs = append(errs, fmt.Errorf("unsupported AUTH_MODE %q", c.AuthMode))
	}
	return errors.Join(errs...)
}

// Identity builds the request authenticator. JWT_SECRET is only needed by
// the API server, so it is checked here rather than in Validate.
func (c *Config) Identity() (auth.Provider, error) {
	if c.AuthMode == "header" {
		return auth.HeaderProvider{}, nil
	}
	p, err := auth.NewJWTProvider(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("JWT_SECRET: %w", err)
	}
	return p, nil
}

func (c *Config) Worker() worker.Config {
	return worker.Config{
		Workers:     c.WorkerCount,
		SendTimeout: c.SendTimeout,
	}
}

func (c *Config) Scheduler() scheduler.Config {
	return scheduler.Config{
		MinDelay:         time.Duration(c.MinDelayMs) * time.Millisecond,
		MaxEmailsPerHour: c.MaxEmailsPerHour,
		MaxAttempts:      c.RetryAttempts,
		Backoff:          time.Duration(c.RetryBackoffMs) * time.Millisecond,
		MaxBackoff:       c.RetryMaxBackoff,
		MaxBatchSize:     c.MaxBatchSize,
		HistoryLimit:     c.HistoryLimit,
		DefaultSender:    c.DefaultSender(),
	}
}

// DefaultSender is the template auto-provisioned for users without a sender.
func (c *Config) DefaultSender() models.Sender {
	return models.Sender{
		Name:      c.SMTPFromName,
		FromEmail: c.SMTPFrom,
		Host:      c.SMTPHost,
		Port:      c.SMTPPort,
		Secure:    c.SMTPSecure,
		Username:  c.SMTPUser,
		Password:  c.SMTPPassword,
	}
}
