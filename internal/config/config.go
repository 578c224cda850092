// Package config loads relay and client configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Broker kinds for Server.Broker.
const (
	BrokerRedis  = "redis"
	BrokerMemory = "memory"
)

// Server is the relay's configuration.
type Server struct {
	Addr      string
	DSN       string
	JWTSecret string
	RedisAddr string
	Broker    string // "redis" for multi-instance fan-out, "memory" for a single instance
	LogLevel  slog.Level
}

// LoadServer reads relay configuration from environment variables.
func LoadServer() (*Server, error) {
	cfg := &Server{
		Addr:      getEnv("ADDR", ":8080"),
		DSN:       getEnv("DB_DSN", ""),
		JWTSecret: getEnv("JWT_SECRET", ""),
		RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
		Broker:    strings.ToLower(getEnv("BROKER", BrokerRedis)),
		LogLevel:  getEnvLevel("LOG_LEVEL", slog.LevelInfo),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Server) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("ADDR cannot be empty")
	}
	if c.DSN == "" {
		return fmt.Errorf("DB_DSN is not set")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is not set")
	}
	switch c.Broker {
	case BrokerRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR cannot be empty with the redis broker")
		}
	case BrokerMemory:
	default:
		return fmt.Errorf("BROKER must be %q or %q, got %q", BrokerRedis, BrokerMemory, c.Broker)
	}
	return nil
}

// Client is the headless client's configuration.
type Client struct {
	ServerURL      string
	KeyPath        string
	CachePath      string // empty disables the offline cache
	RequestTimeout time.Duration
	AutoReconnect  bool
	LogLevel       slog.Level
}

// LoadClient reads client configuration from environment variables. Paths
// default to the user's config directory.
func LoadClient() (*Client, error) {
	dir := defaultClientDir()
	cfg := &Client{
		ServerURL:      getEnv("CIPHERCHAT_SERVER", "http://localhost:8080"),
		KeyPath:        getEnv("CIPHERCHAT_KEY", filepath.Join(dir, "key.pem")),
		CachePath:      getEnv("CIPHERCHAT_CACHE", filepath.Join(dir, "cache.db")),
		RequestTimeout: time.Duration(getEnvInt("CIPHERCHAT_REQUEST_TIMEOUT", 15)) * time.Second,
		AutoReconnect:  getEnvBool("CIPHERCHAT_AUTO_RECONNECT", true),
		LogLevel:       getEnvLevel("LOG_LEVEL", slog.LevelWarn),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Client) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("CIPHERCHAT_SERVER: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("CIPHERCHAT_SERVER must be an http(s) URL, got %q", c.ServerURL)
	}
	if c.KeyPath == "" {
		return fmt.Errorf("CIPHERCHAT_KEY cannot be empty")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("CIPHERCHAT_REQUEST_TIMEOUT must be > 0")
	}
	return nil
}

// WebSocketURL is the realtime endpoint on the same host as ServerURL.
func (c *Client) WebSocketURL() string {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return ""
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

func defaultClientDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "cipherchat")
	}
	return ".cipherchat"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
