package config

import (
	"os"
	"testing"
	"time"
)

// baseEnv clears the keys whose presence changes validation so a developer's
// shell cannot leak into the tests.
func baseEnv(extra map[string]string) map[string]string {
	envs := map[string]string{
		"DATABASE_URL":    "",
		"SQLITE_PATH":     "",
		"MQTT_BROKER_URL": "",
		"WATCH_DIR":       "",
		"S3_BUCKET":       "",
		"CORS_ORIGINS":    "",
	}
	for k, v := range extra {
		envs[k] = v
	}
	return envs
}

func TestLoad(t *testing.T) {
	cleanup := setEnvs(t, baseEnv(map[string]string{
		"DATABASE_URL":    "postgres://localhost/test",
		"MQTT_BROKER_URL": "tcp://localhost:1883",
	}))
	defer cleanup()

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":8080" {
			t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
		if cfg.WebhookAckTimeout != 1500*time.Millisecond {
			t.Errorf("WebhookAckTimeout = %v, want 1.5s", cfg.WebhookAckTimeout)
		}
		if cfg.StoreWriteTimeout != 10*time.Second {
			t.Errorf("StoreWriteTimeout = %v, want 10s", cfg.StoreWriteTimeout)
		}
		if cfg.MQTTTopics != "livescribe/sessions/+/segments" {
			t.Errorf("MQTTTopics = %q", cfg.MQTTTopics)
		}
		if cfg.MQTTClientID != "livescribe" {
			t.Errorf("MQTTClientID = %q, want livescribe", cfg.MQTTClientID)
		}
		if cfg.S3.Enabled() {
			t.Error("S3.Enabled() = true, want false")
		}
		if !cfg.S3.LocalCache {
			t.Error("S3.LocalCache = false, want true")
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		cfg, err := Load(Overrides{
			EnvFile:     "nonexistent.env",
			HTTPAddr:    ":9090",
			LogLevel:    "debug",
			DatabaseURL: "postgres://override/db",
			WatchDir:    "/tmp/drop",
			ArchiveDir:  "/tmp/archive",
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":9090" {
			t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
		if cfg.DatabaseURL != "postgres://override/db" {
			t.Errorf("DatabaseURL = %q, want override", cfg.DatabaseURL)
		}
		if cfg.WatchDir != "/tmp/drop" {
			t.Errorf("WatchDir = %q, want /tmp/drop", cfg.WatchDir)
		}
		if cfg.ArchiveDir != "/tmp/archive" {
			t.Errorf("ArchiveDir = %q, want /tmp/archive", cfg.ArchiveDir)
		}
	})

	t.Run("env_vars_read", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.DatabaseURL != "postgres://localhost/test" {
			t.Errorf("DatabaseURL = %q, want postgres://localhost/test", cfg.DatabaseURL)
		}
		if cfg.MQTTBrokerURL != "tcp://localhost:1883" {
			t.Errorf("MQTTBrokerURL = %q, want tcp://localhost:1883", cfg.MQTTBrokerURL)
		}
		if cfg.StoreType() != "postgres" {
			t.Errorf("StoreType() = %q, want postgres", cfg.StoreType())
		}
		modes := cfg.IngestModes()
		if len(modes) != 2 || modes[1] != "mqtt" {
			t.Errorf("IngestModes() = %v, want [webhook mqtt]", modes)
		}
	})

	t.Run("empty_overrides_use_env", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.DatabaseURL != "postgres://localhost/test" {
			t.Errorf("DatabaseURL = %q, want env value", cfg.DatabaseURL)
		}
	})
}

func TestLoadNoBackendIsMemory(t *testing.T) {
	cleanup := setEnvs(t, baseEnv(nil))
	defer cleanup()

	cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoreType() != "memory" {
		t.Errorf("StoreType() = %q, want memory", cfg.StoreType())
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		envs map[string]string
	}{
		{"both_backends", map[string]string{"DATABASE_URL": "postgres://x/y", "SQLITE_PATH": "x.db"}},
		{"s3_without_keys", map[string]string{"S3_BUCKET": "archive"}},
		{"zero_ack_timeout", map[string]string{"WEBHOOK_ACK_TIMEOUT": "0s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanup := setEnvs(t, baseEnv(tt.envs))
			defer cleanup()
			if _, err := Load(Overrides{EnvFile: "nonexistent.env"}); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestCORSOriginList(t *testing.T) {
	cfg := &Config{CORSOrigins: " https://a.example , ,https://b.example"}
	got := cfg.CORSOriginList()
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Errorf("CORSOriginList() = %v", got)
	}
	if (&Config{}).CORSOriginList() != nil {
		t.Error("empty CORS_ORIGINS should yield nil")
	}
}

// setEnvs sets environment variables and returns a cleanup function.
func setEnvs(t *testing.T, envs map[string]string) func() {
	t.Helper()
	originals := make(map[string]string)
	unset := make([]string, 0)

	for k, v := range envs {
		if orig, ok := os.LookupEnv(k); ok {
			originals[k] = orig
		} else {
			unset = append(unset, k)
		}
		os.Setenv(k, v)
	}

	return func() {
		for k, v := range originals {
			os.Setenv(k, v)
		}
		for _, k := range unset {
			os.Unsetenv(k)
		}
	}
}
