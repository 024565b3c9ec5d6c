package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	// Clear environment variables that might interfere.
	os.Clearenv()

	config, err := LoadConfig()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if config.ServerPort != "8080" {
		t.Errorf("expected ServerPort to be '8080', got %s", config.ServerPort)
	}
	if config.QueueCapacity != 1000 {
		t.Errorf("expected QueueCapacity to be 1000, got %d", config.QueueCapacity)
	}
	if config.NumWorkers != 1 {
		t.Errorf("expected a single consumer by default, got %d", config.NumWorkers)
	}
	if config.StoreBackend != "memory" {
		t.Errorf("expected StoreBackend to be 'memory', got %s", config.StoreBackend)
	}
	if config.RecordMaxAge != 7*24*time.Hour {
		t.Errorf("expected RecordMaxAge to be 168h, got %s", config.RecordMaxAge)
	}
	if config.RemoteTimeout != 60*time.Second {
		t.Errorf("expected RemoteTimeout to be 60s, got %s", config.RemoteTimeout)
	}
	if config.LogLevel != "info" {
		t.Errorf("expected LogLevel to be 'info', got %s", config.LogLevel)
	}
	if config.RedisAddr() != "localhost:6379" {
		t.Errorf("expected RedisAddr to be 'localhost:6379', got %s", config.RedisAddr())
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	os.Clearenv()
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("QUEUE_CAPACITY", "500")
	t.Setenv("STORE_BACKEND", "SQLite")
	t.Setenv("RECORD_MAX_AGE", "90m")
	t.Setenv("REMOTE_RATE_LIMIT", "2.5")
	t.Setenv("LOG_LEVEL", "debug")

	config, err := LoadConfig()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if config.ServerPort != "9090" {
		t.Errorf("expected ServerPort to be '9090', got %s", config.ServerPort)
	}
	if config.QueueCapacity != 500 {
		t.Errorf("expected QueueCapacity to be 500, got %d", config.QueueCapacity)
	}
	if config.StoreBackend != "sqlite" {
		t.Errorf("expected StoreBackend to be normalized to 'sqlite', got %s", config.StoreBackend)
	}
	if config.RecordMaxAge != 90*time.Minute {
		t.Errorf("expected RecordMaxAge to be 90m, got %s", config.RecordMaxAge)
	}
	if config.RemoteRateLimit != 2.5 {
		t.Errorf("expected RemoteRateLimit to be 2.5, got %v", config.RemoteRateLimit)
	}
	if config.LogLevel != "debug" {
		t.Errorf("expected LogLevel to be 'debug', got %s", config.LogLevel)
	}
}

func TestLoadConfigRejectsUnknownBackend(t *testing.T) {
	os.Clearenv()
	t.Setenv("STORE_BACKEND", "indexeddb")

	_, err := LoadConfig()
	if err == nil {
		t.Fatal("expected an error for an unknown backend")
	}
	if !strings.Contains(err.Error(), "STORE_BACKEND") {
		t.Errorf("expected error to mention STORE_BACKEND, got %v", err)
	}
}
