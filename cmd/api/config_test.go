package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestReadConfigJson(t *testing.T) {
	t.Setenv("CRON_SECRET", "top-secret")

	path := writeConfig(t, `{
		"http_port": 6060,
		"db_conn_string": "host=localhost user=app dbname=reminders",
		"redis_addr": "localhost:6379",
		"whatsapp_api_url": "https://wa.example.com/v1/messages",
		"send_timeout": "15s",
		"send_max_retry": 2,
		"batch_size": 50,
		"item_lock_ttl": "1m",
		"global_lock_ttl": "10m",
		"global_rate_window": "1m",
		"global_rate_max": 1,
		"recipient_rate_window": "1m",
		"recipient_rate_max": 3
	}`)

	cfg, err := ReadConfigJson(path)
	if err != nil {
		t.Fatalf("ReadConfigJson() error: %v", err)
	}

	if cfg.HttpPort != 6060 {
		t.Fatalf("HttpPort = %d, want 6060", cfg.HttpPort)
	}
	if cfg.SendTimeout != 15*time.Second {
		t.Fatalf("SendTimeout = %v, want 15s", cfg.SendTimeout)
	}
	if cfg.ItemLockTTL != time.Minute {
		t.Fatalf("ItemLockTTL = %v, want 1m", cfg.ItemLockTTL)
	}
	if cfg.GlobalLockTTL != 10*time.Minute {
		t.Fatalf("GlobalLockTTL = %v, want 10m", cfg.GlobalLockTTL)
	}
	if cfg.CronSecret != "top-secret" {
		t.Fatalf("CronSecret = %q, want env value", cfg.CronSecret)
	}
}

func TestReadConfigJson_DurationDefaults(t *testing.T) {
	path := writeConfig(t, `{"http_port": 6060}`)

	cfg, err := ReadConfigJson(path)
	if err != nil {
		t.Fatalf("ReadConfigJson() error: %v", err)
	}

	if cfg.SendTimeout != 10*time.Second {
		t.Fatalf("SendTimeout default = %v, want 10s", cfg.SendTimeout)
	}
	if cfg.GlobalLockTTL != 10*time.Minute {
		t.Fatalf("GlobalLockTTL default = %v, want 10m", cfg.GlobalLockTTL)
	}
	if cfg.ItemLockTTL != time.Minute {
		t.Fatalf("ItemLockTTL default = %v, want 1m", cfg.ItemLockTTL)
	}
}

func TestReadConfigJson_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `{"send_timeout": "soon"}`)

	if _, err := ReadConfigJson(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}
