package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AgentConfig captures all tunable parameters for the driver agent process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type AgentConfig struct {
	StatusAddr      string
	ShutdownTimeout time.Duration

	AccessToken string
	JWTSecret   string

	StateDir string

	PGDSN string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	StreamURL string
	AMQPURL   string
	AMQPQueue string

	SampleInterval time.Duration
	MinMovementM   float64
	UploadTimeout  time.Duration
	RetryDelay     time.Duration
	MaxRetries     int

	AdmissionRadiusKm float64
	BackfillLimit     int

	PushEndpoint string
	PushKey      string

	StripeAPIKey    string
	StripeAccountID string
	EarningsRefresh time.Duration

	LogLevel string
}

func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		StatusAddr:        ":8081",
		ShutdownTimeout:   15 * time.Second,
		StateDir:          "state",
		RedisGeoKey:       "drivers_geo",
		KafkaTopic:        "driver-locations",
		StreamURL:         "ws://localhost:4000/realtime/rides",
		AMQPQueue:         "rides.lifecycle",
		SampleInterval:    10 * time.Second,
		MinMovementM:      10,
		UploadTimeout:     5 * time.Second,
		RetryDelay:        time.Second,
		MaxRetries:        3,
		AdmissionRadiusKm: 20,
		BackfillLimit:     10,
		EarningsRefresh:   15 * time.Minute,
		LogLevel:          "info",
	}
}

func LoadAgentConfig() (AgentConfig, error) {
	cfg := defaultAgentConfig()
	var errs []error

	setStringFromEnv(&cfg.StatusAddr, "STATUS_ADDR")
	setDurationFromEnv(&cfg.ShutdownTimeout, "SHUTDOWN_TIMEOUT", &errs)

	cfg.AccessToken = strings.TrimSpace(os.Getenv("DRIVER_ACCESS_TOKEN"))
	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	setStringFromEnv(&cfg.StateDir, "STATE_DIR")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	setStringFromEnv(&cfg.StreamURL, "STREAM_URL")
	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPQueue, "AMQP_QUEUE")

	setDurationFromEnv(&cfg.SampleInterval, "SAMPLE_INTERVAL", &errs)
	setFloatFromEnv(&cfg.MinMovementM, "MIN_MOVEMENT_M", &errs)
	setDurationFromEnv(&cfg.UploadTimeout, "UPLOAD_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "RETRY_DELAY", &errs)
	setIntFromEnv(&cfg.MaxRetries, "MAX_RETRIES", &errs)

	setFloatFromEnv(&cfg.AdmissionRadiusKm, "ADMISSION_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.BackfillLimit, "BACKFILL_LIMIT", &errs)

	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	cfg.StripeAccountID = os.Getenv("STRIPE_ACCOUNT_ID")
	setDurationFromEnv(&cfg.EarningsRefresh, "EARNINGS_REFRESH", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.SampleInterval <= 0 {
		errs = append(errs, fmt.Errorf("SAMPLE_INTERVAL must be > 0"))
	}
	if cfg.AdmissionRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("ADMISSION_RADIUS_KM must be > 0"))
	}
	if cfg.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("MAX_RETRIES must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
