package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Health    HealthConfig    `yaml:"health"`
	Admission AdmissionConfig `yaml:"admission"`
	Session   SessionConfig   `yaml:"session"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Limits    LimitsConfig    `yaml:"limits"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains WebSocket server configuration
type ServerConfig struct {
	Port           int    `yaml:"port"`
	BindAddress    string `yaml:"bind_address"`
	MaxMessageSize int64  `yaml:"max_message_size"` // bytes
	PingInterval   int    `yaml:"ping_interval"`    // seconds
	PongTimeout    int    `yaml:"pong_timeout"`     // seconds
}

// HealthConfig contains the monitoring HTTP server configuration
type HealthConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AdmissionConfig contains connection admission control parameters
type AdmissionConfig struct {
	MaxConnectionsPerWindow int      `yaml:"max_connections_per_window"`
	RateWindow              int      `yaml:"rate_window"`    // seconds
	SweepInterval           int      `yaml:"sweep_interval"` // seconds
	MaxConcurrentConns      int      `yaml:"max_concurrent_connections"`
	AllowedOrigins          []string `yaml:"allowed_origins"`
	AllowNoOrigin           bool     `yaml:"allow_no_origin"`
}

// SessionConfig contains session registry parameters
type SessionConfig struct {
	MaxSessions     int `yaml:"max_sessions"`
	IdleTimeout     int `yaml:"idle_timeout"`     // seconds
	CleanupInterval int `yaml:"cleanup_interval"` // seconds
}

// UpstreamConfig contains Gemini Live API connection configuration
type UpstreamConfig struct {
	APIKey            string `yaml:"api_key"`
	Endpoint          string `yaml:"endpoint"`
	Model             string `yaml:"model"`
	Voice             string `yaml:"voice"`
	SystemInstruction string `yaml:"system_instruction"`
	PreloadContext    string `yaml:"preload_context"`
	MaxRetries        int    `yaml:"max_retries"`
	RetryBaseDelay    int    `yaml:"retry_base_delay"` // milliseconds
	SendTimeout       int    `yaml:"send_timeout"`     // seconds
	SetupTimeout      int    `yaml:"setup_timeout"`    // seconds
}

// LimitsConfig contains per-message-type payload size caps
type LimitsConfig struct {
	MaxAudioBytes int `yaml:"max_audio_bytes"`
	MaxImageBytes int `yaml:"max_image_bytes"`
	MaxTextChars  int `yaml:"max_text_chars"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.ApplyDefaults()

	// The API key may come from the environment instead of the file
	if config.Upstream.APIKey == "" {
		config.Upstream.APIKey = firstEnv("GEMINI_API_KEY", "GOOGLE_API_KEY")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// ApplyDefaults fills in defaults for unset optional fields
func (c *Config) ApplyDefaults() {
	if c.Server.MaxMessageSize == 0 {
		c.Server.MaxMessageSize = 1024 * 1024 // 1MB
	}
	if c.Server.PingInterval == 0 {
		c.Server.PingInterval = 20
	}
	if c.Server.PongTimeout == 0 {
		c.Server.PongTimeout = 10
	}
	if c.Admission.MaxConnectionsPerWindow == 0 {
		c.Admission.MaxConnectionsPerWindow = 10
	}
	if c.Admission.RateWindow == 0 {
		c.Admission.RateWindow = 60
	}
	if c.Admission.SweepInterval == 0 {
		c.Admission.SweepInterval = 300
	}
	if c.Admission.MaxConcurrentConns == 0 {
		c.Admission.MaxConcurrentConns = 100
	}
	if c.Session.MaxSessions == 0 {
		c.Session.MaxSessions = 1000
	}
	if c.Session.IdleTimeout == 0 {
		c.Session.IdleTimeout = 600
	}
	if c.Session.CleanupInterval == 0 {
		c.Session.CleanupInterval = 300
	}
	if c.Upstream.Endpoint == "" {
		c.Upstream.Endpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"
	}
	if c.Upstream.Voice == "" {
		c.Upstream.Voice = "Puck"
	}
	if c.Upstream.MaxRetries == 0 {
		c.Upstream.MaxRetries = 3
	}
	if c.Upstream.RetryBaseDelay == 0 {
		c.Upstream.RetryBaseDelay = 1000
	}
	if c.Upstream.SendTimeout == 0 {
		c.Upstream.SendTimeout = 5
	}
	if c.Upstream.SetupTimeout == 0 {
		c.Upstream.SetupTimeout = 10
	}
	if c.Limits.MaxAudioBytes == 0 {
		c.Limits.MaxAudioBytes = 10 * 1024 * 1024
	}
	if c.Limits.MaxImageBytes == 0 {
		c.Limits.MaxImageBytes = 5 * 1024 * 1024
	}
	if c.Limits.MaxTextChars == 0 {
		c.Limits.MaxTextChars = 100000
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Health.Validate(); err != nil {
		return fmt.Errorf("health config: %w", err)
	}

	if err := c.Admission.Validate(); err != nil {
		return fmt.Errorf("admission config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("upstream config: %w", err)
	}

	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("limits config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates WebSocket server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.MaxMessageSize < 1024 {
		return fmt.Errorf("max_message_size must be at least 1024 bytes, got %d", s.MaxMessageSize)
	}

	if s.PingInterval < 1 {
		return fmt.Errorf("ping_interval must be at least 1 second, got %d", s.PingInterval)
	}

	if s.PongTimeout < 1 {
		return fmt.Errorf("pong_timeout must be at least 1 second, got %d", s.PongTimeout)
	}

	return nil
}

// Validate validates monitoring server configuration
func (h *HealthConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("health port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("health address cannot be empty when enabled")
		}
	}

	return nil
}

// Validate validates admission control configuration
func (a *AdmissionConfig) Validate() error {
	if a.MaxConnectionsPerWindow < 1 {
		return fmt.Errorf("max_connections_per_window must be at least 1, got %d", a.MaxConnectionsPerWindow)
	}

	if a.RateWindow < 1 {
		return fmt.Errorf("rate_window must be at least 1 second, got %d", a.RateWindow)
	}

	if a.SweepInterval < 1 {
		return fmt.Errorf("sweep_interval must be at least 1 second, got %d", a.SweepInterval)
	}

	if a.MaxConcurrentConns < 1 {
		return fmt.Errorf("max_concurrent_connections must be at least 1, got %d", a.MaxConcurrentConns)
	}

	if len(a.AllowedOrigins) == 0 && !a.AllowNoOrigin {
		return fmt.Errorf("allowed_origins cannot be empty unless allow_no_origin is set")
	}

	for _, origin := range a.AllowedOrigins {
		if strings.TrimSpace(origin) == "" {
			return fmt.Errorf("allowed_origins contains an empty entry")
		}
	}

	return nil
}

// Validate validates session registry configuration
func (s *SessionConfig) Validate() error {
	if s.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", s.MaxSessions)
	}

	if s.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", s.IdleTimeout)
	}

	if s.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", s.CleanupInterval)
	}

	return nil
}

// Validate validates upstream API configuration
func (u *UpstreamConfig) Validate() error {
	if u.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty (set GEMINI_API_KEY or GOOGLE_API_KEY)")
	}

	if u.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if u.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if u.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", u.MaxRetries)
	}

	if u.RetryBaseDelay < 1 {
		return fmt.Errorf("retry_base_delay must be at least 1 millisecond, got %d", u.RetryBaseDelay)
	}

	if u.SendTimeout < 1 {
		return fmt.Errorf("send_timeout must be at least 1 second, got %d", u.SendTimeout)
	}

	if u.SetupTimeout < 1 {
		return fmt.Errorf("setup_timeout must be at least 1 second, got %d", u.SetupTimeout)
	}

	return nil
}

// Validate validates payload limit configuration
func (l *LimitsConfig) Validate() error {
	if l.MaxAudioBytes < 1 {
		return fmt.Errorf("max_audio_bytes must be positive, got %d", l.MaxAudioBytes)
	}

	if l.MaxImageBytes < 1 {
		return fmt.Errorf("max_image_bytes must be positive, got %d", l.MaxImageBytes)
	}

	if l.MaxTextChars < 1 {
		return fmt.Errorf("max_text_chars must be positive, got %d", l.MaxTextChars)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetPingInterval returns the ping interval as a time.Duration
func (s *ServerConfig) GetPingInterval() time.Duration {
	return time.Duration(s.PingInterval) * time.Second
}

// GetPongTimeout returns the pong timeout as a time.Duration
func (s *ServerConfig) GetPongTimeout() time.Duration {
	return time.Duration(s.PongTimeout) * time.Second
}

// GetRateWindow returns the rate limit window as a time.Duration
func (a *AdmissionConfig) GetRateWindow() time.Duration {
	return time.Duration(a.RateWindow) * time.Second
}

// GetSweepInterval returns the rate limiter sweep interval as a time.Duration
func (a *AdmissionConfig) GetSweepInterval() time.Duration {
	return time.Duration(a.SweepInterval) * time.Second
}

// GetIdleTimeout returns the session idle timeout as a time.Duration
func (s *SessionConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetCleanupInterval returns the reaper scan interval as a time.Duration
func (s *SessionConfig) GetCleanupInterval() time.Duration {
	return time.Duration(s.CleanupInterval) * time.Second
}

// GetRetryBaseDelay returns the retry base delay as a time.Duration
func (u *UpstreamConfig) GetRetryBaseDelay() time.Duration {
	return time.Duration(u.RetryBaseDelay) * time.Millisecond
}

// GetSendTimeout returns the upstream send timeout as a time.Duration
func (u *UpstreamConfig) GetSendTimeout() time.Duration {
	return time.Duration(u.SendTimeout) * time.Second
}

// GetSetupTimeout returns the upstream setup timeout as a time.Duration
func (u *UpstreamConfig) GetSetupTimeout() time.Duration {
	return time.Duration(u.SetupTimeout) * time.Second
}

// firstEnv returns the first non-empty value among the named environment variables
func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}
