// Package config loads the gohub runtime configuration from defaults, an
// optional TOML file and environment variables, in that order.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Tyrowin/gohub/internal/hub"
)

// RateLimitConfig defines per-session invocation rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration.
type Config struct {
	Port           string
	AllowedOrigins []string
	// AllowAllOrigins is set by Sanitize when the origin list contains "*".
	AllowAllOrigins bool
	MaxMessageSize  int64
	RateLimit       RateLimitConfig

	QueueSize         int
	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
	ClientTimeout     time.Duration
	ShutdownTimeout   time.Duration

	LogLevel string
	LogJSON  bool
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	settings := hub.DefaultSettings()
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: settings.MaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          settings.RateLimit.Burst,
			RefillInterval: settings.RateLimit.RefillInterval,
		},
		QueueSize:         settings.QueueSize,
		HandshakeTimeout:  settings.HandshakeTimeout,
		KeepAliveInterval: settings.KeepAliveInterval,
		ClientTimeout:     settings.ClientTimeout,
		ShutdownTimeout:   10 * time.Second,
		LogLevel:          "info",
	}
}

// fileConfig maps config.toml keys onto Config.
type fileConfig struct {
	Port            string   `toml:"port"`
	AllowedOrigins  []string `toml:"allowed_origins"`
	MaxMessageSize  int64    `toml:"max_message_size"`
	ShutdownTimeout string   `toml:"shutdown_timeout"`
	LogLevel        string   `toml:"log_level"`
	LogJSON         bool     `toml:"log_json"`

	Hub struct {
		QueueSize         int    `toml:"queue_size"`
		HandshakeTimeout  string `toml:"handshake_timeout"`
		KeepAliveInterval string `toml:"keep_alive_interval"`
		ClientTimeout     string `toml:"client_timeout"`
	} `toml:"hub"`

	RateLimit struct {
		Burst          int    `toml:"burst"`
		RefillInterval string `toml:"refill_interval"`
	} `toml:"rate_limit"`
}

// Load builds the configuration: defaults, then the TOML file at path when
// path is not empty, then the environment. The result is sanitized.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.ApplyEnv()
	return cfg.Sanitize(), nil
}

// LoadFile overlays the keys defined in the TOML file at path.
func (c *Config) LoadFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("port") {
		c.Port = strings.TrimSpace(raw.Port)
	}
	if meta.IsDefined("allowed_origins") {
		c.AllowedOrigins = append([]string(nil), raw.AllowedOrigins...)
	}
	if meta.IsDefined("max_message_size") {
		c.MaxMessageSize = raw.MaxMessageSize
	}
	if meta.IsDefined("log_level") {
		c.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_json") {
		c.LogJSON = raw.LogJSON
	}
	if meta.IsDefined("hub", "queue_size") {
		c.QueueSize = raw.Hub.QueueSize
	}
	if meta.IsDefined("rate_limit", "burst") {
		c.RateLimit.Burst = raw.RateLimit.Burst
	}

	durations := []struct {
		key    []string
		raw    string
		target *time.Duration
	}{
		{[]string{"shutdown_timeout"}, raw.ShutdownTimeout, &c.ShutdownTimeout},
		{[]string{"hub", "handshake_timeout"}, raw.Hub.HandshakeTimeout, &c.HandshakeTimeout},
		{[]string{"hub", "keep_alive_interval"}, raw.Hub.KeepAliveInterval, &c.KeepAliveInterval},
		{[]string{"hub", "client_timeout"}, raw.Hub.ClientTimeout, &c.ClientTimeout},
		{[]string{"rate_limit", "refill_interval"}, raw.RateLimit.RefillInterval, &c.RateLimit.RefillInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("load config: %s: %w", strings.Join(d.key, "."), err)
		}
		*d.target = parsed
	}
	return nil
}

// ApplyEnv overlays the environment variables that are set. Values that do
// not parse are ignored.
func (c *Config) ApplyEnv() {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Port = port
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		c.MaxMessageSize = parseMaxMessageSize(maxSize, c.MaxMessageSize)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		c.RateLimit.Burst = parseIntValue(burst, c.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		c.RateLimit.RefillInterval = parseInterval(interval, c.RateLimit.RefillInterval)
	}
	if size := os.Getenv("HUB_QUEUE_SIZE"); size != "" {
		c.QueueSize = parseIntValue(size, c.QueueSize)
	}
	if timeout := os.Getenv("HUB_HANDSHAKE_TIMEOUT"); timeout != "" {
		c.HandshakeTimeout = parseInterval(timeout, c.HandshakeTimeout)
	}
	if interval := os.Getenv("HUB_KEEP_ALIVE_INTERVAL"); interval != "" {
		c.KeepAliveInterval = parseInterval(interval, c.KeepAliveInterval)
	}
	if timeout := os.Getenv("HUB_CLIENT_TIMEOUT"); timeout != "" {
		c.ClientTimeout = parseInterval(timeout, c.ClientTimeout)
	}
	if level := os.Getenv("GOHUB_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
}

// Sanitize returns a copy with every invalid value replaced by its default
// and the origin list normalized.
func (c Config) Sanitize() Config {
	def := Default()

	if c.Port == "" {
		c.Port = def.Port
	}
	if !strings.Contains(c.Port, ":") {
		c.Port = ":" + c.Port
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = def.KeepAliveInterval
	}
	if c.ClientTimeout <= c.KeepAliveInterval {
		c.ClientTimeout = 2 * c.KeepAliveInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}

	// The wildcard is consumed by the first pass; later passes keep it.
	origins, allowAll := NormalizeOrigins(c.AllowedOrigins)
	c.AllowedOrigins = origins
	c.AllowAllOrigins = c.AllowAllOrigins || allowAll
	return c
}

// HubSettings converts the configuration into per-session hub settings.
func (c Config) HubSettings() hub.Settings {
	settings := hub.DefaultSettings()
	settings.QueueSize = c.QueueSize
	settings.MaxMessageSize = c.MaxMessageSize
	settings.HandshakeTimeout = c.HandshakeTimeout
	settings.KeepAliveInterval = c.KeepAliveInterval
	settings.ClientTimeout = c.ClientTimeout
	settings.RateLimit = hub.RateLimit{
		Burst:          c.RateLimit.Burst,
		RefillInterval: c.RateLimit.RefillInterval,
	}
	return settings
}

// NormalizeOrigins lower-cases scheme and host of every valid origin and
// drops the rest. A "*" entry sets allowAll.
func NormalizeOrigins(origins []string) (normalized []string, allowAll bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized = make([]string, 0, len(origins))
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAll = true
			continue
		}
		if n, ok := NormalizeOrigin(trimmed); ok {
			normalized = append(normalized, n)
		}
	}
	return normalized, allowAll
}

// NormalizeOrigin reduces origin to scheme://host in lower case.
func NormalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseInterval accepts whole seconds ("5") or a Go duration ("500ms").
func parseInterval(value string, defaultValue time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
