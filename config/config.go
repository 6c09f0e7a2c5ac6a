package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Port     string `validate:"required,numeric"`
	LogLevel string `validate:"omitempty,oneof=debug info warn error"`

	DatabaseURL string
	NATSURL     string
	NATSPrefix  string `validate:"required"`

	HeartbeatInterval time.Duration `validate:"gt=0"`
	HeartbeatTimeout  time.Duration `validate:"gtfield=HeartbeatInterval"`
	DisconnectGrace   time.Duration `validate:"gte=0"`
	StatusInterval    time.Duration `validate:"gt=0"`
	AlertCooldown     time.Duration `validate:"gte=0"`
	DefaultThreshold  float64       `validate:"gte=100,lte=2000"`

	OTLPEndpoint string
	ServiceName  string `validate:"required"`
}

// Load reads .env when present, then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from lookup, applying defaults for unset keys.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	r := reader{lookup: lookup}
	cfg := Config{
		Port:              r.str("PORT", "8080"),
		LogLevel:          r.str("LOG_LEVEL", ""),
		DatabaseURL:       r.str("DATABASE_URL", ""),
		NATSURL:           r.str("NATS_URL", ""),
		NATSPrefix:        r.str("NATS_SUBJECT_PREFIX", "riderconnect.group"),
		HeartbeatInterval: r.duration("HEARTBEAT_INTERVAL", 5*time.Second),
		HeartbeatTimeout:  r.duration("HEARTBEAT_TIMEOUT", 15*time.Second),
		DisconnectGrace:   r.duration("DISCONNECT_GRACE", 10*time.Second),
		StatusInterval:    r.duration("STATUS_INTERVAL", 10*time.Second),
		AlertCooldown:     r.duration("ALERT_COOLDOWN", 60*time.Second),
		DefaultThreshold:  r.float("DEFAULT_DISTANCE_THRESHOLD", 1000),
		OTLPEndpoint:      r.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:       r.str("OTEL_SERVICE_NAME", "riderconnect-server"),
	}
	if err := errors.Join(r.errs...); err != nil {
		return Config{}, err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok && v != "" {
		return v
	}
	return def
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (r *reader) float(key string, def float64) float64 {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}
