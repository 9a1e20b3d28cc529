package config

import (
	"os"
	"testing"
	"time"
)

// unsetenv clears key for the duration of the test.
func unsetenv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("unsetenv %s: %v", key, err)
	}
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"STORAGE_DRIVER", "BROKER_MODE", "ALLOWED_ORIGINS", "JWT_EXPIRY"} {
		unsetenv(t, key)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StorageDriver != StoragePostgres {
		t.Fatalf("storage driver = %q, want %q", cfg.StorageDriver, StoragePostgres)
	}
	if cfg.BrokerMode != BrokerRedis {
		t.Fatalf("broker mode = %q, want %q", cfg.BrokerMode, BrokerRedis)
	}
	if cfg.JWTExpiry != 24*time.Hour {
		t.Fatalf("jwt expiry = %v, want 24h", cfg.JWTExpiry)
	}
	if cfg.AllowedOrigins != nil {
		t.Fatalf("allowed origins = %v, want nil", cfg.AllowedOrigins)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "sqlite")
	t.Setenv("BROKER_MODE", "local")
	t.Setenv("RESYNC_INTERVAL", "5s")
	t.Setenv("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StorageDriver != StorageSQLite || cfg.BrokerMode != BrokerLocal {
		t.Fatalf("got driver=%q broker=%q", cfg.StorageDriver, cfg.BrokerMode)
	}
	if cfg.ResyncInterval != 5*time.Second {
		t.Fatalf("resync interval = %v, want 5s", cfg.ResyncInterval)
	}
	want := []string{"https://a.example", "https://b.example"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("origins = %v, want %v", cfg.AllowedOrigins, want)
	}
	for i := range want {
		if cfg.AllowedOrigins[i] != want[i] {
			t.Fatalf("origins[%d] = %q, want %q", i, cfg.AllowedOrigins[i], want[i])
		}
	}
}

func TestValidateRejectsUnknownModes(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"storage", Config{StorageDriver: "mongo", BrokerMode: BrokerLocal, AuditBufferSize: 1, AnswerRatePerSecond: 1, AnswerBurst: 1}},
		{"broker", Config{StorageDriver: StorageSQLite, BrokerMode: "nats", AuditBufferSize: 1, AnswerRatePerSecond: 1, AnswerBurst: 1}},
		{"audit buffer", Config{StorageDriver: StorageSQLite, BrokerMode: BrokerLocal, AnswerRatePerSecond: 1, AnswerBurst: 1}},
		{"rate", Config{StorageDriver: StorageSQLite, BrokerMode: BrokerLocal, AuditBufferSize: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
