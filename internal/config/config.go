// Package config loads the client and relay settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/zhouzirui/parley/internal/logging"
	"github.com/zhouzirui/parley/internal/tracing"
)

// ClientConfig configures the conversation client.
type ClientConfig struct {
	RelayURL         string        `env:"PARLEY_RELAY_URL" envDefault:"ws://localhost:8080"`
	StoreURL         string        `env:"PARLEY_STORE_URL"` // empty disables the relationship panel
	UserID           string        `env:"PARLEY_USER_ID" envDefault:"local-user"`
	HandshakeTimeout time.Duration `env:"PARLEY_HANDSHAKE_TIMEOUT" envDefault:"10s"`
	PingInterval     time.Duration `env:"PARLEY_PING_INTERVAL" envDefault:"54s"`
	HistoryLimit     int           `env:"PARLEY_HISTORY_LIMIT" envDefault:"10"`
	RefreshInterval  time.Duration `env:"PARLEY_RELATIONSHIP_REFRESH" envDefault:"30s"`

	Log     logging.Config
	Tracing tracing.Config
}

// RelayConfig configures the development relay.
type RelayConfig struct {
	Port          string        `env:"PORT" envDefault:"8080"`
	CORSOrigins   []string      `env:"CORS_ORIGIN" envDefault:"http://localhost:3000,http://localhost:5173" envSeparator:","`
	ResponseDelay time.Duration `env:"PARLEY_RESPONSE_DELAY" envDefault:"0s"`
	VoiceEnabled  bool          `env:"PARLEY_VOICE_ENABLED" envDefault:"true"`

	// RedisURL selects the Redis relationship repository; empty keeps pairs in memory.
	RedisURL        string        `env:"PARLEY_REDIS_URL"`
	RelationshipTTL time.Duration `env:"PARLEY_RELATIONSHIP_TTL" envDefault:"0s"`

	// Addr is derived from Port.
	Addr string `env:"-"`

	Log     logging.Config
	Tracing tracing.Config
}

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadClient reads and validates ClientConfig.
func LoadClient() (ClientConfig, error) {
	var cfg ClientConfig
	if err := ParseEnv(&cfg); err != nil {
		return ClientConfig{}, err
	}

	u, err := url.Parse(cfg.RelayURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return ClientConfig{}, fmt.Errorf("invalid PARLEY_RELAY_URL value: %q", cfg.RelayURL)
	}
	if cfg.StoreURL != "" {
		u, err := url.Parse(cfg.StoreURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return ClientConfig{}, fmt.Errorf("invalid PARLEY_STORE_URL value: %q", cfg.StoreURL)
		}
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return ClientConfig{}, errors.New("PARLEY_USER_ID must not be blank")
	}
	if cfg.HistoryLimit < 1 {
		cfg.HistoryLimit = 1
	}
	if cfg.RefreshInterval <= 0 {
		return ClientConfig{}, fmt.Errorf("invalid PARLEY_RELATIONSHIP_REFRESH value: %s", cfg.RefreshInterval)
	}
	return cfg, nil
}

// LoadRelay reads RelayConfig and resolves the listen address.
func LoadRelay() (RelayConfig, error) {
	var cfg RelayConfig
	if err := ParseEnv(&cfg); err != nil {
		return RelayConfig{}, err
	}

	addr, err := listenAddr(cfg.Port)
	if err != nil {
		return RelayConfig{}, err
	}
	cfg.Addr = addr

	if cfg.RelationshipTTL < 0 {
		return RelayConfig{}, fmt.Errorf("invalid PARLEY_RELATIONSHIP_TTL value: %s", cfg.RelationshipTTL)
	}

	origins := cfg.CORSOrigins[:0]
	for _, o := range cfg.CORSOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	cfg.CORSOrigins = origins
	return cfg, nil
}

// listenAddr accepts "8080", ":8080" or "127.0.0.1:8080".
func listenAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}
	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}
	if strings.Contains(port, ":") {
		return port, nil
	}
	return ":" + port, nil
}
