package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultCallSecret = "dev-secret-change-me"

	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Port        string `yaml:"port"`
	Env         string `yaml:"env"`
	LogLevel    string `yaml:"log_level"`
	StoreDriver string `yaml:"store"`
	DatabaseDSN string `yaml:"database_dsn"`
	CORSOrigin  string `yaml:"cors_origin"`

	// Typing indicators are disabled when RedisAddr is empty.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`

	CallAPIKey          string   `yaml:"call_api_key"`
	CallAPISecret       string   `yaml:"call_api_secret"`
	CallServerURL       string   `yaml:"call_server_url"`
	CallTokenTTLMinutes int      `yaml:"call_token_ttl_minutes"`
	RingTimeoutSeconds  int      `yaml:"ring_timeout_seconds"`
	STUNURLs            []string `yaml:"stun_urls"`

	ExpoEndpoint    string `yaml:"expo_endpoint"`
	ExpoAccessToken string `yaml:"expo_access_token"`

	RateLimitPerSecond int `yaml:"rate_limit_per_second"`
	RateLimitBurst     int `yaml:"rate_limit_burst"`
}

func Defaults() Config {
	return Config{
		Port:                "8080",
		Env:                 "dev",
		LogLevel:            "info",
		StoreDriver:         StorePostgres,
		DatabaseDSN:         "host=localhost user=postgres password=postgres dbname=eki_chat port=5432 sslmode=disable TimeZone=UTC",
		CORSOrigin:          "*",
		CallAPIKey:          "devkey",
		CallAPISecret:       DefaultCallSecret,
		CallServerURL:       "ws://localhost:7880",
		CallTokenTTLMinutes: 20,
		RingTimeoutSeconds:  45,
		STUNURLs:            []string{"stun:stun.l.google.com:19302"},
		ExpoEndpoint:        "https://exp.host/--/api/v2/push/send",
		RateLimitPerSecond:  20,
		RateLimitBurst:      40,
	}
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvInt falls back to def when the variable is unset, malformed or not
// positive.
func getenvInt(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// Load builds the configuration from defaults, then the YAML file at path
// (if any), then a .env file in the working directory, then the environment.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg.Port = getenv("APP_PORT", cfg.Port)
	cfg.Env = getenv("APP_ENV", cfg.Env)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.StoreDriver = getenv("STORE_DRIVER", cfg.StoreDriver)
	cfg.DatabaseDSN = getenv("DATABASE_DSN", cfg.DatabaseDSN)
	cfg.CORSOrigin = getenv("CORS_ORIGIN", cfg.CORSOrigin)
	cfg.RedisAddr = getenv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getenv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.CallAPIKey = getenv("CALL_API_KEY", cfg.CallAPIKey)
	cfg.CallAPISecret = getenv("CALL_API_SECRET", cfg.CallAPISecret)
	cfg.CallServerURL = getenv("CALL_SERVER_URL", cfg.CallServerURL)
	cfg.CallTokenTTLMinutes = getenvInt("CALL_TOKEN_TTL_MINUTES", cfg.CallTokenTTLMinutes)
	cfg.RingTimeoutSeconds = getenvInt("CALL_RING_TIMEOUT_SECONDS", cfg.RingTimeoutSeconds)
	if v := os.Getenv("STUN_URLS"); v != "" {
		cfg.STUNURLs = strings.Split(v, ",")
	}
	cfg.ExpoEndpoint = getenv("EXPO_PUSH_ENDPOINT", cfg.ExpoEndpoint)
	cfg.ExpoAccessToken = getenv("EXPO_ACCESS_TOKEN", cfg.ExpoAccessToken)
	cfg.RateLimitPerSecond = getenvInt("RATE_LIMIT_PER_SECOND", cfg.RateLimitPerSecond)
	cfg.RateLimitBurst = getenvInt("RATE_LIMIT_BURST", cfg.RateLimitBurst)
	return cfg, nil
}

// Validate rejects configurations the server cannot run with. The default
// call-token secret is only accepted in dev.
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("port is required")
	}
	switch cfg.StoreDriver {
	case StorePostgres:
		if cfg.DatabaseDSN == "" {
			return errors.New("database dsn is required for the postgres store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if cfg.Env != "dev" && (cfg.CallAPISecret == "" || cfg.CallAPISecret == DefaultCallSecret) {
		return errors.New("CALL_API_SECRET must be set outside dev")
	}
	if cfg.RingTimeoutSeconds <= 0 {
		return errors.New("ring timeout must be positive")
	}
	return nil
}
