package core

import (
	"testing"
	"time"
)

func envMap(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestLoadConfigDefaults(t *testing.T) {
	config := loadConfig(envMap(nil))

	if config.Port != "8090" || config.BackendURL != "http://localhost:8080" || config.SocketURL != "ws://localhost:8080/ws" {
		t.Errorf("endpoints = %s %s %s", config.Port, config.BackendURL, config.SocketURL)
	}
	b := config.Backoff()
	if b.Base != time.Second || b.Factor != 1.5 || b.Max != 30*time.Second || b.Jitter != 500*time.Millisecond || b.MaxAttempts != 10 {
		t.Errorf("Backoff() = %+v", b)
	}
	if config.DebugMode || config.LogLevel != "info" || config.LogTruncateLength != 500 {
		t.Errorf("logging defaults = %+v", config)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	config := loadConfig(envMap(map[string]string{
		"PORT":                     "9000",
		"BACKEND_URL":              "https://agent.internal",
		"SOCKET_URL":               "wss://agent.internal/ws",
		"CONVERSATION_ID":          "conv-42",
		"REQUEST_TIMEOUT":          "60",
		"RECONNECT_BASE_DELAY_MS":  "250",
		"RECONNECT_FACTOR":         "2",
		"RECONNECT_MAX_DELAY_MS":   "8000",
		"RECONNECT_JITTER_MS":      "0",
		"RECONNECT_MAX_ATTEMPTS":   "3",
		"HEARTBEAT_INTERVAL":       "5",
		"PONG_LATENCY_LIMIT_MS":    "800",
		"STALE_TIMEOUT":            "20",
		"CACHE_MAX_AGE_HOURS":      "2",
		"CLEANUP_INTERVAL_MINUTES": "15",
		"LOG_LEVEL":                "debug",
		"DEBUG_MODE":               "TRUE",
	}))

	conn := config.Connection()
	if conn.URL != "wss://agent.internal/ws" || conn.HeartbeatInterval != 5*time.Second ||
		conn.PongLatencyLimit != 800*time.Millisecond || conn.StaleTimeout != 20*time.Second {
		t.Errorf("Connection() = %+v", conn)
	}
	if b := conn.Backoff; b.Base != 250*time.Millisecond || b.Factor != 2 || b.Max != 8*time.Second || b.Jitter != 0 || b.MaxAttempts != 3 {
		t.Errorf("Backoff = %+v", b)
	}
	if config.ConversationID != "conv-42" || config.RequestTimeout != time.Minute || config.Port != "9000" {
		t.Errorf("config = %+v", config)
	}
	if config.CacheMaxAge != 2*time.Hour || config.CleanupInterval != 15*time.Minute {
		t.Errorf("cache = %v/%v", config.CacheMaxAge, config.CleanupInterval)
	}
	if !config.DebugMode || config.LogLevel != "debug" {
		t.Errorf("debug=%v level=%s", config.DebugMode, config.LogLevel)
	}
}

func TestLoadConfigIgnoresInvalidValues(t *testing.T) {
	config := loadConfig(envMap(map[string]string{
		"RECONNECT_FACTOR":       "0.5",
		"RECONNECT_MAX_ATTEMPTS": "-1",
		"RECONNECT_JITTER_MS":    "-20",
		"HEARTBEAT_INTERVAL":     "soon",
		"DEBUG_MODE":             "yes",
	}))
	if config.ReconnectFactor != 1.5 || config.ReconnectMaxAttempts != 10 || config.ReconnectJitter != 500*time.Millisecond {
		t.Errorf("reconnect = %v/%d/%v", config.ReconnectFactor, config.ReconnectMaxAttempts, config.ReconnectJitter)
	}
	if config.HeartbeatInterval != 25*time.Second || config.DebugMode {
		t.Errorf("heartbeat=%v debug=%v", config.HeartbeatInterval, config.DebugMode)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"backend without scheme", func(c *Config) { c.BackendURL = "localhost:8080" }, true},
		{"backend websocket scheme", func(c *Config) { c.BackendURL = "ws://localhost:8080" }, true},
		{"socket http scheme", func(c *Config) { c.SocketURL = "http://localhost:8080/ws" }, true},
		{"socket without host", func(c *Config) { c.SocketURL = "ws:///ws" }, true},
		{"max below base", func(c *Config) { c.ReconnectMaxDelay = 100 * time.Millisecond }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := loadConfig(envMap(nil))
			tt.mutate(config)
			if err := config.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
