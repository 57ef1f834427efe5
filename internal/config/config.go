// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// FileEnvVar names the optional TOML file decoded before the environment.
const FileEnvVar = "VPSDECK_CONFIG"

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	APIURL      string // Backend REST base URL
	HubURL      string // Backend push channel (WebSocket) URL
	TokenPath   string // Persisted credential token, shared by gateway and CLI
	DBPath      string
	Auth        AuthConfig
	Chat        ChatConfig
	Docker      DockerConfig
	SSE         SSEConfig
	Transcript  TranscriptConfig
}

// AuthConfig controls startup credential validation.
type AuthConfig struct {
	ValidateTimeout time.Duration
}

// ChatConfig controls the message-exchange protocol.
type ChatConfig struct {
	ExchangeTimeout time.Duration
	Streaming       bool    // Use push channel chunks instead of a single payload
	RateLimit       float64 // Sends per second per conversation
	RateBurst       int
}

// DockerConfig controls how the gateway reaches each VPS Docker Engine.
type DockerConfig struct {
	Port      int
	TLSVerify bool
	CertPath  string
}

// SSEConfig controls the browser event streams.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
	MaxRequestBodySize int64
}

// TranscriptConfig controls the local transcript cache.
type TranscriptConfig struct {
	Retention time.Duration
}

// fileConfig mirrors the TOML layout. Durations are strings ("2m").
type fileConfig struct {
	Port        string `toml:"port"`
	FrontendURL string `toml:"frontend_url"`
	APIURL      string `toml:"api_url"`
	HubURL      string `toml:"hub_url"`
	TokenPath   string `toml:"token_path"`
	DBPath      string `toml:"db_path"`
	Auth        struct {
		ValidateTimeout string `toml:"validate_timeout"`
	} `toml:"auth"`
	Chat struct {
		ExchangeTimeout string  `toml:"exchange_timeout"`
		Streaming       *bool   `toml:"streaming"`
		RateLimit       float64 `toml:"rate_limit"`
		RateBurst       int     `toml:"rate_burst"`
	} `toml:"chat"`
	Docker struct {
		Port      int    `toml:"port"`
		TLSVerify *bool  `toml:"tls_verify"`
		CertPath  string `toml:"cert_path"`
	} `toml:"docker"`
	Transcript struct {
		Retention string `toml:"retention"`
	} `toml:"transcript"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:      "8080",
		APIURL:    "http://localhost:5000/api",
		TokenPath: defaultTokenPath(),
		DBPath:    "./data/vpsdeck.db",
		Auth: AuthConfig{
			ValidateTimeout: 10 * time.Second,
		},
		Chat: ChatConfig{
			ExchangeTimeout: 2 * time.Minute,
			RateLimit:       1,
			RateBurst:       3,
		},
		Docker: DockerConfig{
			Port: 2375,
		},
		SSE: SSEConfig{
			KeepaliveInterval:  10 * time.Second,
			RetryDelay:         5 * time.Second,
			MaxRequestBodySize: 1 << 20,
		},
		Transcript: TranscriptConfig{
			Retention: 30 * 24 * time.Hour,
		},
	}
}

// Load reads configuration from the optional TOML file and environment variables.
// Environment variables take precedence over the file.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(FileEnvVar); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.FrontendURL = getEnv("FRONTEND_URL", cfg.FrontendURL)
	cfg.APIURL = strings.TrimRight(getEnv("API_URL", cfg.APIURL), "/")
	cfg.HubURL = getEnv("HUB_URL", cfg.HubURL)
	cfg.TokenPath = getEnv("TOKEN_PATH", cfg.TokenPath)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.Auth.ValidateTimeout = getEnvDuration("AUTH_VALIDATE_TIMEOUT", cfg.Auth.ValidateTimeout)
	cfg.Chat.ExchangeTimeout = getEnvDuration("CHAT_EXCHANGE_TIMEOUT", cfg.Chat.ExchangeTimeout)
	cfg.Chat.Streaming = getEnvBool("CHAT_STREAMING", cfg.Chat.Streaming)
	cfg.Chat.RateLimit = getEnvFloat("CHAT_RATE_LIMIT", cfg.Chat.RateLimit)
	cfg.Chat.RateBurst = getEnvInt("CHAT_RATE_BURST", cfg.Chat.RateBurst)
	cfg.Docker.Port = getEnvInt("DOCKER_PORT", cfg.Docker.Port)
	cfg.Docker.TLSVerify = getEnvBool("DOCKER_TLS_VERIFY", cfg.Docker.TLSVerify)
	cfg.Docker.CertPath = getEnv("DOCKER_CERT_PATH", cfg.Docker.CertPath)
	cfg.SSE.KeepaliveInterval = getEnvDuration("SSE_KEEPALIVE", cfg.SSE.KeepaliveInterval)
	cfg.Transcript.Retention = getEnvDuration("TRANSCRIPT_RETENTION", cfg.Transcript.Retention)

	if cfg.HubURL == "" {
		cfg.HubURL = deriveHubURL(cfg.APIURL)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}

	setString(&c.Port, fc.Port)
	setString(&c.FrontendURL, fc.FrontendURL)
	setString(&c.APIURL, fc.APIURL)
	setString(&c.HubURL, fc.HubURL)
	setString(&c.TokenPath, fc.TokenPath)
	setString(&c.DBPath, fc.DBPath)
	setString(&c.Docker.CertPath, fc.Docker.CertPath)

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"auth.validate_timeout", fc.Auth.ValidateTimeout, &c.Auth.ValidateTimeout},
		{"chat.exchange_timeout", fc.Chat.ExchangeTimeout, &c.Chat.ExchangeTimeout},
		{"transcript.retention", fc.Transcript.Retention, &c.Transcript.Retention},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, d.key, err)
		}
		*d.dst = v
	}

	if fc.Chat.Streaming != nil {
		c.Chat.Streaming = *fc.Chat.Streaming
	}
	if fc.Chat.RateLimit > 0 {
		c.Chat.RateLimit = fc.Chat.RateLimit
	}
	if fc.Chat.RateBurst > 0 {
		c.Chat.RateBurst = fc.Chat.RateBurst
	}
	if fc.Docker.Port > 0 {
		c.Docker.Port = fc.Docker.Port
	}
	if fc.Docker.TLSVerify != nil {
		c.Docker.TLSVerify = *fc.Docker.TLSVerify
	}
	return nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.APIURL == "" {
		return fmt.Errorf("API_URL cannot be empty")
	}
	if _, err := url.ParseRequestURI(c.APIURL); err != nil {
		return fmt.Errorf("API_URL is not a valid URL: %w", err)
	}
	if c.TokenPath == "" {
		return fmt.Errorf("TOKEN_PATH cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Auth.ValidateTimeout <= 0 {
		return fmt.Errorf("AUTH_VALIDATE_TIMEOUT must be > 0")
	}
	if c.Chat.ExchangeTimeout <= 0 {
		return fmt.Errorf("CHAT_EXCHANGE_TIMEOUT must be > 0")
	}
	if c.Chat.RateLimit <= 0 || c.Chat.RateBurst <= 0 {
		return fmt.Errorf("CHAT_RATE_LIMIT and CHAT_RATE_BURST must be > 0")
	}
	if c.Docker.Port <= 0 || c.Docker.Port > 65535 {
		return fmt.Errorf("DOCKER_PORT out of range: %d", c.Docker.Port)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// deriveHubURL maps http(s)://host/api to ws(s)://host/hubs/log.
func deriveHubURL(apiURL string) string {
	u, err := url.Parse(apiURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(strings.TrimRight(u.Path, "/"), "/api") + "/hubs/log"
	return u.String()
}

func defaultTokenPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "./data/token"
	}
	return filepath.Join(dir, "vpsdeck", "token")
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
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

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
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
