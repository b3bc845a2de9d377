// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Backend string

const (
	BackendMemory Backend = "memory"
	BackendKafka  Backend = "kafka"
	BackendRedis  Backend = "redis"
	BackendScylla Backend = "scylla"
	BackendBadger Backend = "badger"
)

type Config struct {
	GatewayAddr string `env:"GATEWAY_ADDR" envDefault:":8080"`
	APIAddr     string `env:"API_ADDR"     envDefault:":8081"`

	BusBackend      Backend `env:"BUS_BACKEND"      envDefault:"kafka"`
	HistoryBackend  Backend `env:"HISTORY_BACKEND"  envDefault:"scylla"`
	PresenceBackend Backend `env:"PRESENCE_BACKEND" envDefault:"redis"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:19092" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC"   envDefault:"chat-messages"`

	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`

	ScyllaHosts    []string      `env:"SCYLLA_HOSTS"    envDefault:"localhost:9042" envSeparator:","`
	ScyllaKeyspace string        `env:"SCYLLA_KEYSPACE" envDefault:"chat"`
	ScyllaTimeout  time.Duration `env:"SCYLLA_TIMEOUT"  envDefault:"5s"`

	BadgerPath string `env:"BADGER_PATH" envDefault:"./data/history"`

	// NodeID must be unique per process; it is embedded in message ids.
	NodeID       int64 `env:"NODE_ID"       envDefault:"1"`
	HistoryLimit int   `env:"HISTORY_LIMIT" envDefault:"50"`

	LeaseTTL           time.Duration `env:"LEASE_TTL"            envDefault:"30s"`
	LeaseRenewInterval time.Duration `env:"LEASE_RENEW_INTERVAL" envDefault:"10s"`

	RetryMaxAttempts     uint          `env:"RETRY_MAX_ATTEMPTS"     envDefault:"3"`
	RetryAttemptTimeout  time.Duration `env:"RETRY_ATTEMPT_TIMEOUT"  envDefault:"2s"`
	RetryInitialInterval time.Duration `env:"RETRY_INITIAL_INTERVAL" envDefault:"100ms"`
	RetryMaxInterval     time.Duration `env:"RETRY_MAX_INTERVAL"     envDefault:"1s"`

	JWTSecret     string        `env:"JWT_SECRET"`
	TokenDuration time.Duration `env:"TOKEN_DURATION" envDefault:"24h"`
	AuthRequired  bool          `env:"AUTH_REQUIRED"  envDefault:"false"`

	SendBuffer     int   `env:"SEND_BUFFER"      envDefault:"256"`
	MaxMessageSize int64 `env:"MAX_MESSAGE_SIZE" envDefault:"4096"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile  string `env:"LOG_FILE"`
}

// Load reads an optional .env file and then the process environment.
func Load(dotenv ...string) (Config, error) {
	if err := godotenv.Load(dotenv...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load dotenv: %w", err)
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	check := func(name string, b Backend, allowed ...Backend) {
		for _, a := range allowed {
			if b == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: unsupported backend %q", name, b))
	}
	check("BUS_BACKEND", c.BusBackend, BackendKafka, BackendRedis, BackendMemory)
	check("HISTORY_BACKEND", c.HistoryBackend, BackendScylla, BackendBadger, BackendMemory)
	check("PRESENCE_BACKEND", c.PresenceBackend, BackendRedis, BackendMemory)

	if c.HistoryLimit <= 0 {
		errs = append(errs, errors.New("HISTORY_LIMIT must be positive"))
	}
	if c.LeaseRenewInterval >= c.LeaseTTL {
		errs = append(errs, errors.New("LEASE_RENEW_INTERVAL must be shorter than LEASE_TTL"))
	}
	if c.RetryMaxAttempts == 0 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be at least 1"))
	}
	if c.AuthRequired && c.JWTSecret == "" {
		errs = append(errs, errors.New("AUTH_REQUIRED needs JWT_SECRET"))
	}
	return errors.Join(errs...)
}
