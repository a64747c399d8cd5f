package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestDefaultConfig verifies that DefaultConfig returns valid defaults.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected defaults to validate, got: %v", err)
	}

	// Server defaults
	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.SendBuffer != 64 {
		t.Errorf("Expected send buffer 64, got %d", cfg.Server.SendBuffer)
	}
	if cfg.Server.InboundRatePerSecond != 20 || cfg.Server.InboundBurst != 40 {
		t.Errorf("Expected inbound rate 20/40, got %v/%d", cfg.Server.InboundRatePerSecond, cfg.Server.InboundBurst)
	}

	// Broker defaults
	if cfg.Broker.Shards != 32 {
		t.Errorf("Expected 32 shards, got %d", cfg.Broker.Shards)
	}
	if cfg.Broker.GeneratorInterval() != 5*time.Second {
		t.Errorf("Expected generator interval 5s, got %v", cfg.Broker.GeneratorInterval())
	}

	// Tracker defaults
	if cfg.Tracker.FallbackInterval() != 30*time.Second {
		t.Errorf("Expected fallback interval 30s, got %v", cfg.Tracker.FallbackInterval())
	}
	if cfg.Tracker.ProbeTimeout() != 5*time.Second {
		t.Errorf("Expected probe timeout 5s, got %v", cfg.Tracker.ProbeTimeout())
	}
	if cfg.Tracker.HistoryCapacity != 100 {
		t.Errorf("Expected history capacity 100, got %d", cfg.Tracker.HistoryCapacity)
	}

	// Database defaults
	if cfg.Database.Enabled {
		t.Error("Expected database disabled by default")
	}
	if cfg.Database.Port != 5432 {
		t.Errorf("Expected default postgres port 5432, got %d", cfg.Database.Port)
	}

	// Logging defaults
	if cfg.Logging.Level != "info" {
		t.Errorf("Expected info level, got %s", cfg.Logging.Level)
	}
}

// TestLoadNonExistentFile tests that Load returns default config when file doesn't exist.
func TestLoadNonExistentFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.json")
	if err != nil {
		t.Fatalf("Expected no error for non-existent file, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("Expected default config, got nil")
	}
	if cfg.Server.Port != 8080 {
		t.Error("Did not get default config for non-existent file")
	}
}

// TestLoadValidConfig tests loading JSON and YAML files.
func TestLoadValidConfig(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "JSON",
			file: "config.json",
			content: `{
  "server": {"port": 9090},
  "broker": {"shards": 8, "generator_interval_seconds": 1.5},
  "tracker": {"broker_url": "ws://broker.local:9090/ws", "flights": ["AA100", "UA200"]},
  "database": {"enabled": true, "host": "db.example.com", "database": "testdb"}
}`,
		},
		{
			name: "YAML",
			file: "config.yaml",
			content: `server:
  port: 9090
broker:
  shards: 8
  generator_interval_seconds: 1.5
tracker:
  broker_url: ws://broker.local:9090/ws
  flights: [AA100, UA200]
database:
  enabled: true
  host: db.example.com
  database: testdb
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), tt.file)
			if err := os.WriteFile(configPath, []byte(tt.content), 0644); err != nil {
				t.Fatalf("Failed to write test config: %v", err)
			}

			cfg, err := Load(configPath)
			if err != nil {
				t.Fatalf("Failed to load config: %v", err)
			}

			if cfg.Server.Port != 9090 {
				t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
			}
			if cfg.Broker.Shards != 8 {
				t.Errorf("Expected 8 shards, got %d", cfg.Broker.Shards)
			}
			if cfg.Broker.GeneratorInterval() != 1500*time.Millisecond {
				t.Errorf("Expected 1.5s interval, got %v", cfg.Broker.GeneratorInterval())
			}
			if len(cfg.Tracker.Flights) != 2 || cfg.Tracker.Flights[1] != "UA200" {
				t.Errorf("Unexpected flights: %v", cfg.Tracker.Flights)
			}
			if !cfg.Database.Enabled || cfg.Database.Host != "db.example.com" {
				t.Errorf("Unexpected database config: %+v", cfg.Database)
			}

			// Unset fields keep their defaults
			if cfg.Server.SendBuffer != 64 {
				t.Errorf("Expected default send buffer, got %d", cfg.Server.SendBuffer)
			}
			if cfg.Database.Port != 5432 {
				t.Errorf("Expected default database port, got %d", cfg.Database.Port)
			}
		})
	}
}

// TestLoadInvalidJSON tests error handling for malformed JSON.
func TestLoadInvalidJSON(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.json")

	if err := os.WriteFile(configPath, []byte("{ invalid json }"), 0644); err != nil {
		t.Fatalf("Failed to write invalid config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Expected error for invalid JSON, got nil")
	}
	if !strings.Contains(err.Error(), "failed to parse") {
		t.Errorf("Expected parse error, got: %v", err)
	}
}

// TestLoadRejectsInvalidValues tests validation of loaded values.
func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{name: "Port out of range", content: `{"server": {"port": 70000}}`, field: "Port"},
		{name: "Zero shards", content: `{"broker": {"shards": -1}}`, field: "Shards"},
		{name: "Bad log level", content: `{"logging": {"level": "verbose"}}`, field: "Level"},
		{name: "Missing broker URL", content: `{"tracker": {"broker_url": ""}}`, field: "BrokerURL"},
		{name: "Empty flight id", content: `{"tracker": {"flights": ["AA100", ""]}}`, field: "Flights"},
		{name: "Pong shorter than ping", content: `{"server": {"ping_interval_seconds": 90}}`, field: "PongWaitSeconds"},
		{name: "Enabled database without host", content: `{"database": {"enabled": true, "host": ""}}`, field: "Host"},
		{name: "Bad SSL mode", content: `{"database": {"ssl_mode": "sometimes"}}`, field: "SSLMode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), "config.json")
			if err := os.WriteFile(configPath, []byte(tt.content), 0644); err != nil {
				t.Fatalf("Failed to write config: %v", err)
			}

			_, err := Load(configPath)
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("Expected error mentioning %s, got: %v", tt.field, err)
			}
		})
	}
}

// TestSaveConfig tests saving configuration to JSON and YAML files.
func TestSaveConfig(t *testing.T) {
	for _, file := range []string{"saved-config.json", "saved-config.yml"} {
		t.Run(file, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), file)

			cfg := DefaultConfig()
			cfg.Server.Port = 9999
			cfg.Tracker.Flights = []string{"DL300"}

			if err := cfg.Save(configPath); err != nil {
				t.Fatalf("Failed to save config: %v", err)
			}

			loaded, err := Load(configPath)
			if err != nil {
				t.Fatalf("Failed to load saved config: %v", err)
			}
			if loaded.Server.Port != 9999 {
				t.Errorf("Expected port 9999, got %d", loaded.Server.Port)
			}
			if len(loaded.Tracker.Flights) != 1 || loaded.Tracker.Flights[0] != "DL300" {
				t.Errorf("Expected flights [DL300], got %v", loaded.Tracker.Flights)
			}
		})
	}
}

// TestSaveConfigWritesJSON checks the on-disk key names.
func TestSaveConfigWritesJSON(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	if err := DefaultConfig().Save(configPath); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read config: %v", err)
	}
	var raw map[string]map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Saved config is not JSON: %v", err)
	}
	if _, ok := raw["tracker"]["fallback_interval_seconds"]; !ok {
		t.Error("Expected snake_case keys in saved config")
	}
}

// TestSaveConfigCreatesDirectory tests that Save creates missing directories.
func TestSaveConfigCreatesDirectory(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "dir", "config.json")

	if err := DefaultConfig().Save(configPath); err != nil {
		t.Fatalf("Failed to save config with nested directory: %v", err)
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("Config file was not created")
	}
}

// TestEnvironmentOverrides tests environment variable overrides.
func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("FLIGHTWATCH_PORT", "7777")
	t.Setenv("FLIGHTWATCH_BROKER_URL", "wss://env-broker.example/ws")
	t.Setenv("FLIGHTWATCH_DB_PASSWORD", "env-password")
	t.Setenv("FLIGHTWATCH_LOG_LEVEL", "DEBUG")

	configPath := filepath.Join(t.TempDir(), "config.json")
	testCfg := DefaultConfig()
	testCfg.Database.Password = "original-password"
	if err := testCfg.Save(configPath); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 7777 {
		t.Errorf("Expected port 7777 from env, got %d", cfg.Server.Port)
	}
	if cfg.Tracker.BrokerURL != "wss://env-broker.example/ws" {
		t.Errorf("Expected broker URL from env, got %s", cfg.Tracker.BrokerURL)
	}
	if cfg.Database.Password != "env-password" {
		t.Errorf("Expected env-password from env, got %s", cfg.Database.Password)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected debug level from env, got %s", cfg.Logging.Level)
	}
}

// TestEnvironmentOverrideInvalidPort tests that a bad port is reported.
func TestEnvironmentOverrideInvalidPort(t *testing.T) {
	t.Setenv("FLIGHTWATCH_PORT", "eighty")

	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err == nil || !strings.Contains(err.Error(), "FLIGHTWATCH_PORT") {
		t.Errorf("Expected FLIGHTWATCH_PORT error, got: %v", err)
	}
}

// TestFallbackIntervalDisabled tests that 0 disables the fallback probe.
func TestFallbackIntervalDisabled(t *testing.T) {
	tc := TrackerConfig{FallbackIntervalSeconds: 0}
	if tc.FallbackInterval() >= 0 {
		t.Errorf("Expected negative interval for disabled fallback, got %v", tc.FallbackInterval())
	}
}
