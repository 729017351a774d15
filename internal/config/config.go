// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/coachline/internal/identity"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	GRPCPort    string // empty disables the gRPC health listener
	ScriptPath  string // empty serves the lorem coach
	APITokens   identity.Tokens
	SSE         SSEConfig
	Coach       CoachConfig
}

// SSEConfig controls the streaming chat endpoints.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	MaxRequestBodySize int64
}

// CoachConfig bounds one exchange.
type CoachConfig struct {
	// ProcessingCeiling caps how long the server generates a single answer.
	ProcessingCeiling time.Duration
	// IdleTimeout is the longest a client waits between received chunks.
	IdleTimeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	tokens, err := identity.ParseTokens(getEnv("COACH_API_TOKENS", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: COACH_API_TOKENS: %w", err)
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/coach.db"),
		GRPCPort:    getEnv("GRPC_PORT", "9090"),
		ScriptPath:  getEnv("COACH_SCRIPT_PATH", ""),
		APITokens:   tokens,
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 15*time.Second),
			MaxRequestBodySize: int64(getEnvInt("SSE_MAX_REQUEST_BODY_SIZE", 64*1024)),
		},
		Coach: CoachConfig{
			ProcessingCeiling: getEnvDuration("COACH_PROCESSING_CEILING", 120*time.Second),
			IdleTimeout:       getEnvDuration("COACH_IDLE_TIMEOUT", 150*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SSE.KeepaliveInterval <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("SSE_MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.Coach.ProcessingCeiling <= 0 {
		return fmt.Errorf("COACH_PROCESSING_CEILING must be > 0")
	}
	// A client that gives up before the server does would never see the
	// timed-out done event.
	if c.Coach.IdleTimeout <= c.Coach.ProcessingCeiling {
		return fmt.Errorf("COACH_IDLE_TIMEOUT (%s) must exceed COACH_PROCESSING_CEILING (%s)",
			c.Coach.IdleTimeout, c.Coach.ProcessingCeiling)
	}
	if c.SSE.KeepaliveInterval >= c.Coach.IdleTimeout {
		return fmt.Errorf("SSE_KEEPALIVE_INTERVAL must be shorter than COACH_IDLE_TIMEOUT")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
