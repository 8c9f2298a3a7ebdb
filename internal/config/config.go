package config

import (
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr     string
	PostgresDSN  string
	RedisAddr    string
	KafkaBrokers []string
	JWTSecret    string

	GatewayBaseURL       string
	GatewayKeyID         string
	GatewayKeySecret     string
	GatewayWebhookSecret string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, using default values", "error", err)
	}

	cfg := &Config{
		HTTPAddr:             os.Getenv("HTTP_ADDR"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		KafkaBrokers:         strings.Split(os.Getenv("KAFKA_BROKERS"), ","),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		GatewayBaseURL:       os.Getenv("GATEWAY_BASE_URL"),
		GatewayKeyID:         os.Getenv("GATEWAY_KEY_ID"),
		GatewayKeySecret:     os.Getenv("GATEWAY_KEY_SECRET"),
		GatewayWebhookSecret: os.Getenv("GATEWAY_WEBHOOK_SECRET"),
	}

	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.PostgresDSN == "" {
		cfg.PostgresDSN = "host=localhost user=postgres password=postgres dbname=payments sslmode=disable"
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if len(cfg.KafkaBrokers) == 1 && cfg.KafkaBrokers[0] == "" {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "supersecret"
	}

	slog.Info("config loaded",
		"http_addr", cfg.HTTPAddr,
		"redis_addr", cfg.RedisAddr,
		"kafka_brokers", cfg.KafkaBrokers,
		"gateway_configured", cfg.GatewayConfigured())
	return cfg
}

// GatewayConfigured reports whether the full gateway credential set is
// present, webhook secret included. When it is not, payment features stay
// disabled for the whole process lifetime instead of failing per-request.
// The webhook secret is part of the set: without it every HMAC check would
// run against the empty key, which anyone can sign for.
func (c *Config) GatewayConfigured() bool {
	return c.GatewayKeyID != "" && c.GatewayKeySecret != "" && c.GatewayWebhookSecret != ""
}
