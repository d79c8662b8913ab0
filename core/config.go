/*
Package core provides configuration management and logging initialization
for the OpsChat conversation engine.

This file handles:
- Loading configuration from environment variables with defaults
- Translating reconnect and heartbeat settings into component configs
- Structured logging setup with configurable levels

Environment variables win over defaults; command line flags (applied by the
caller after LoadConfig) win over both.
*/
package core

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds all configurable values for the conversation engine.
type Config struct {
	// Bridge API
	Port string // Local bridge API port (default: "8090")

	// Backend endpoints
	BackendURL     string        // Base URL of the agent backend (default: "http://localhost:8080")
	SocketURL      string        // Socket endpoint for out-of-band events (default: "ws://localhost:8080/ws")
	ConversationID string        // Conversation to bind at startup; empty starts a new one
	RequestTimeout time.Duration // Longest silence tolerated between stream frames (default: 300s)

	// Reconnect policy
	ReconnectBaseDelay   time.Duration // First reconnect delay (default: 1000ms)
	ReconnectFactor      float64       // Exponential growth factor (default: 1.5)
	ReconnectMaxDelay    time.Duration // Delay cap, jitter included (default: 30000ms)
	ReconnectJitter      time.Duration // Maximum random jitter (default: 500ms)
	ReconnectMaxAttempts int           // Attempts before reconnect_failed (default: 10)

	// Heartbeat
	HeartbeatInterval time.Duration // Ping interval (default: 25s)
	PongLatencyLimit  time.Duration // Round trip that marks a zombie socket (default: 5000ms)
	StaleTimeout      time.Duration // Silence that forces a reconnect (default: 60s)

	// Parked conversation cache
	CacheMaxAge     time.Duration // How long parked conversations are kept (default: 24h)
	CleanupInterval time.Duration // How often expired entries are removed (default: 1h)

	// Logging and debugging
	LogLevel          string // Minimum log level: debug, info, warn, error (default: "info")
	LogTruncateLength int    // Maximum raw frame length in logs (default: 500)
	DebugMode         bool   // Enables the request/response debug middleware (default: false)
}

// LoadConfig loads configuration from environment variables with defaults.
//
// Environment Variables:
//   - PORT, BACKEND_URL, SOCKET_URL, CONVERSATION_ID (string)
//   - REQUEST_TIMEOUT, HEARTBEAT_INTERVAL, STALE_TIMEOUT (seconds)
//   - RECONNECT_BASE_DELAY_MS, RECONNECT_MAX_DELAY_MS, RECONNECT_JITTER_MS, PONG_LATENCY_LIMIT_MS (milliseconds)
//   - RECONNECT_FACTOR (float), RECONNECT_MAX_ATTEMPTS (integer)
//   - CACHE_MAX_AGE_HOURS, CLEANUP_INTERVAL_MINUTES (integer)
//   - LOG_LEVEL, LOG_TRUNCATE_LENGTH, DEBUG_MODE ("true"/"1")
func LoadConfig() *Config {
	return loadConfig(os.Getenv)
}

func loadConfig(getenv func(string) string) *Config {
	config := &Config{
		Port: "8090",

		BackendURL:     "http://localhost:8080",
		SocketURL:      "ws://localhost:8080/ws",
		RequestTimeout: 300 * time.Second,

		ReconnectBaseDelay:   1000 * time.Millisecond,
		ReconnectFactor:      1.5,
		ReconnectMaxDelay:    30000 * time.Millisecond,
		ReconnectJitter:      500 * time.Millisecond,
		ReconnectMaxAttempts: 10,

		HeartbeatInterval: 25 * time.Second,
		PongLatencyLimit:  5000 * time.Millisecond,
		StaleTimeout:      60 * time.Second,

		CacheMaxAge:     24 * time.Hour,
		CleanupInterval: 1 * time.Hour,

		LogLevel:          "info",
		LogTruncateLength: 500,
	}

	if port := getenv("PORT"); port != "" {
		config.Port = port
	}
	if backend := getenv("BACKEND_URL"); backend != "" {
		config.BackendURL = backend
	}
	if socket := getenv("SOCKET_URL"); socket != "" {
		config.SocketURL = socket
	}
	config.ConversationID = getenv("CONVERSATION_ID")

	positiveInt(getenv, "REQUEST_TIMEOUT", func(v int) { config.RequestTimeout = time.Duration(v) * time.Second })

	positiveInt(getenv, "RECONNECT_BASE_DELAY_MS", func(v int) { config.ReconnectBaseDelay = time.Duration(v) * time.Millisecond })
	positiveInt(getenv, "RECONNECT_MAX_DELAY_MS", func(v int) { config.ReconnectMaxDelay = time.Duration(v) * time.Millisecond })
	positiveInt(getenv, "RECONNECT_MAX_ATTEMPTS", func(v int) { config.ReconnectMaxAttempts = v })
	if factor := getenv("RECONNECT_FACTOR"); factor != "" {
		if val, err := strconv.ParseFloat(factor, 64); err == nil && val >= 1 {
			config.ReconnectFactor = val
		}
	}
	// Zero jitter is a valid choice
	if jitter := getenv("RECONNECT_JITTER_MS"); jitter != "" {
		if val, err := strconv.Atoi(jitter); err == nil && val >= 0 {
			config.ReconnectJitter = time.Duration(val) * time.Millisecond
		}
	}

	positiveInt(getenv, "HEARTBEAT_INTERVAL", func(v int) { config.HeartbeatInterval = time.Duration(v) * time.Second })
	positiveInt(getenv, "PONG_LATENCY_LIMIT_MS", func(v int) { config.PongLatencyLimit = time.Duration(v) * time.Millisecond })
	positiveInt(getenv, "STALE_TIMEOUT", func(v int) { config.StaleTimeout = time.Duration(v) * time.Second })

	positiveInt(getenv, "CACHE_MAX_AGE_HOURS", func(v int) { config.CacheMaxAge = time.Duration(v) * time.Hour })
	positiveInt(getenv, "CLEANUP_INTERVAL_MINUTES", func(v int) { config.CleanupInterval = time.Duration(v) * time.Minute })

	if logLevel := getenv("LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}
	positiveInt(getenv, "LOG_TRUNCATE_LENGTH", func(v int) { config.LogTruncateLength = v })

	// Debug mode parsing (accepts "true", "1", or case variations)
	if debug := getenv("DEBUG_MODE"); debug != "" {
		config.DebugMode = strings.ToLower(debug) == "true" || debug == "1"
	}

	return config
}

// positiveInt applies key when it parses to a positive integer; anything else keeps the default.
func positiveInt(getenv func(string) string, key string, apply func(int)) {
	raw := getenv(key)
	if raw == "" {
		return
	}
	if val, err := strconv.Atoi(raw); err == nil && val > 0 {
		apply(val)
	}
}

// Validate checks the endpoint URLs after flags have been applied.
func (c *Config) Validate() error {
	backend, err := url.Parse(c.BackendURL)
	if err != nil || (backend.Scheme != "http" && backend.Scheme != "https") || backend.Host == "" {
		return fmt.Errorf("invalid backend url %q", c.BackendURL)
	}
	socket, err := url.Parse(c.SocketURL)
	if err != nil || (socket.Scheme != "ws" && socket.Scheme != "wss") || socket.Host == "" {
		return fmt.Errorf("invalid socket url %q", c.SocketURL)
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("reconnect max delay %s is below base delay %s", c.ReconnectMaxDelay, c.ReconnectBaseDelay)
	}
	return nil
}

// Backoff returns the reconnect policy described by the config.
func (c *Config) Backoff() Backoff {
	return Backoff{
		Base:        c.ReconnectBaseDelay,
		Factor:      c.ReconnectFactor,
		Max:         c.ReconnectMaxDelay,
		Jitter:      c.ReconnectJitter,
		MaxAttempts: c.ReconnectMaxAttempts,
	}
}

// Connection returns the socket settings described by the config.
func (c *Config) Connection() ConnectionConfig {
	return ConnectionConfig{
		URL:               c.SocketURL,
		Backoff:           c.Backoff(),
		HeartbeatInterval: c.HeartbeatInterval,
		PongLatencyLimit:  c.PongLatencyLimit,
		StaleTimeout:      c.StaleTimeout,
		DialTimeout:       10 * time.Second,
	}
}

// InitializeLogger configures and returns a structured logger based on the provided configuration.
// The logger uses JSON formatting with RFC3339 timestamps and writes to stdout.
//
// Parameters:
//   - config: Configuration object containing logging preferences
//
// Returns:
//   - *logrus.Logger: Configured logger instance ready for use
func InitializeLogger(config *Config) *logrus.Logger {
	logger := logrus.New()

	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	switch strings.ToLower(config.LogLevel) {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	logger.SetOutput(os.Stdout)

	logger.WithFields(logrus.Fields{
		"backendUrl":           config.BackendURL,
		"socketUrl":            config.SocketURL,
		"conversationId":       config.ConversationID,
		"requestTimeout":       config.RequestTimeout,
		"reconnectBaseDelay":   config.ReconnectBaseDelay,
		"reconnectFactor":      config.ReconnectFactor,
		"reconnectMaxDelay":    config.ReconnectMaxDelay,
		"reconnectMaxAttempts": config.ReconnectMaxAttempts,
		"heartbeatInterval":    config.HeartbeatInterval,
		"pongLatencyLimit":     config.PongLatencyLimit,
		"staleTimeout":         config.StaleTimeout,
		"cacheMaxAge":          config.CacheMaxAge,
		"logTruncateLength":    config.LogTruncateLength,
		"debugMode":            config.DebugMode,
	}).Info("Configuration loaded")

	return logger
}
