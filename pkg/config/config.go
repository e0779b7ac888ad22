// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds every setting of the gavel binary
type Config struct {
	DatabaseURL string `validate:"required"`
	RabbitMQURL string `validate:"required"`
	// RedisURL is optional; without it the instance runs standalone
	RedisURL string
	HTTPAddr string `validate:"required"`

	JWTPublicKeyPath string `validate:"required"`
	JWTIssuer        string

	TickInterval        time.Duration `validate:"gt=0"`
	EndingSoonThreshold time.Duration `validate:"gt=0"`
	ExtensionDuration   time.Duration `validate:"gte=1m"`
	// MaxAutoExtensions of 0 means unlimited
	MaxAutoExtensions int `validate:"gte=0"`

	LockTimeout   time.Duration `validate:"gt=0"`
	MaxAttempts   int           `validate:"gte=1"`
	DBLockTimeout time.Duration `validate:"gte=0"`

	SubscriberBuffer int `validate:"gte=1"`
	SchedulerWorkers int `validate:"gte=1"`

	OutboxBatchSize int           `validate:"gte=1"`
	OutboxInterval  time.Duration `validate:"gt=0"`
}

// Load reads .env.local and .env (local overrides .env), then the process environment
func Load() (*Config, error) {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup, applying defaults for unset variables
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	r := reader{lookup: lookup}
	cfg := &Config{
		DatabaseURL:         r.str("DATABASE_URL", ""),
		RabbitMQURL:         r.str("RABBITMQ_URL", ""),
		RedisURL:            r.str("REDIS_URL", ""),
		HTTPAddr:            r.str("HTTP_ADDR", ":8080"),
		JWTPublicKeyPath:    r.str("JWT_PUBLIC_KEY_PATH", ""),
		JWTIssuer:           r.str("JWT_ISSUER", "gavel-auth-service"),
		TickInterval:        r.duration("TICK_INTERVAL", time.Second),
		EndingSoonThreshold: r.duration("ENDING_SOON_THRESHOLD", 5*time.Minute),
		ExtensionDuration:   r.duration("EXTENSION_DURATION", 5*time.Minute),
		MaxAutoExtensions:   r.integer("MAX_AUTO_EXTENSIONS", 10),
		LockTimeout:         r.duration("LOCK_TIMEOUT", 2*time.Second),
		MaxAttempts:         r.integer("MAX_ATTEMPTS", 3),
		DBLockTimeout:       r.duration("DB_LOCK_TIMEOUT", 3*time.Second),
		SubscriberBuffer:    r.integer("SUBSCRIBER_BUFFER", 64),
		SchedulerWorkers:    r.integer("SCHEDULER_WORKERS", 8),
		OutboxBatchSize:     r.integer("OUTBOX_BATCH_SIZE", 10),
		OutboxInterval:      r.duration("OUTBOX_INTERVAL", time.Second),
	}
	if r.err != nil {
		return nil, r.err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// reader keeps the first parse error so FromEnv can report it once
type reader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok && v != "" {
		return v
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d
}
