package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoadServerRequiresSecrets(t *testing.T) {
	t.Setenv("DB_DSN", "")
	t.Setenv("JWT_SECRET", "")
	if _, err := LoadServer(); err == nil {
		t.Fatal("expected error without DB_DSN")
	}

	t.Setenv("DB_DSN", "postgres://localhost/chat")
	if _, err := LoadServer(); err == nil || !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Fatalf("err = %v, want JWT_SECRET error", err)
	}
}

func TestLoadServerDefaults(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://localhost/chat")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("LoadServer: %v", err)
	}
	if cfg.Broker != BrokerRedis || cfg.RedisAddr != "localhost:6379" || cfg.Addr != ":8080" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.LogLevel)
	}
}

func TestLoadServerRejectsUnknownBroker(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://localhost/chat")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("BROKER", "kafka")
	if _, err := LoadServer(); err == nil {
		t.Fatal("expected error for unknown broker")
	}
}

func TestLoadClient(t *testing.T) {
	t.Setenv("CIPHERCHAT_SERVER", "https://chat.example.com/base/")
	t.Setenv("CIPHERCHAT_KEY", "/tmp/key.pem")
	t.Setenv("CIPHERCHAT_REQUEST_TIMEOUT", "3")
	t.Setenv("CIPHERCHAT_AUTO_RECONNECT", "off")

	cfg, err := LoadClient()
	if err != nil {
		t.Fatalf("LoadClient: %v", err)
	}
	if cfg.RequestTimeout != 3*time.Second || cfg.AutoReconnect {
		t.Fatalf("cfg = %+v", cfg)
	}
	if got, want := cfg.WebSocketURL(), "wss://chat.example.com/base/ws"; got != want {
		t.Fatalf("WebSocketURL = %q, want %q", got, want)
	}
}

func TestLoadClientRejectsBadURL(t *testing.T) {
	t.Setenv("CIPHERCHAT_SERVER", "ftp://example.com")
	if _, err := LoadClient(); err == nil {
		t.Fatal("expected error for non-http server URL")
	}
}
