// Package config loads service configuration from defaults, an optional YAML
// file and environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/capitalize-ai/chatrelay/internal/provider"
)

// EnvPrefix is the prefix of environment overrides. Nested keys use a double
// underscore: CHATRELAY_SERVER__PORT sets server.port.
const EnvPrefix = "CHATRELAY_"

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Auth      AuthConfig       `koanf:"auth"`
	RateLimit RateLimitConfig  `koanf:"rate_limit"`
	Relay     RelayConfig      `koanf:"relay"`
	Providers []ProviderConfig `koanf:"providers"`
	Storage   StorageConfig    `koanf:"storage"`
	NATS      NATSConfig       `koanf:"nats"`
	Tracing   TracingConfig    `koanf:"tracing"`
	LogLevel  string           `koanf:"log_level"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// AuthConfig holds bearer token verification settings.
type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
}

// RateLimitConfig gates chat-process per user. Zero disables the limit.
type RateLimitConfig struct {
	RequestsPerHour int `koanf:"requests_per_hour"`
}

// RelayConfig holds per-turn defaults for the chat relay.
type RelayConfig struct {
	Timeout      time.Duration `koanf:"timeout"`
	DefaultModel string        `koanf:"default_model"`
	Temperature  float32       `koanf:"temperature"`
	TopP         float32       `koanf:"top_p"`
	HTTPSProxy   string        `koanf:"https_proxy"`
}

// ProviderConfig is one row of the provider rule table. An empty Match makes
// the row the default.
type ProviderConfig struct {
	Name    string   `koanf:"name"`
	Match   []string `koanf:"match"`
	BaseURL string   `koanf:"base_url"`
	APIKey  string   `koanf:"api_key"`
}

// StorageConfig locates the conversation database and the blob directory.
type StorageConfig struct {
	DatabasePath string `koanf:"database_path"`
	BlobDir      string `koanf:"blob_dir"`
}

// NATSConfig configures optional JetStream event publishing.
type NATSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	URL      string `koanf:"url"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
	Token    string `koanf:"token"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Endpoint string `koanf:"endpoint"`
}

// Load builds the configuration. Layers, lowest first: built-in defaults
// (which honour the legacy variable names such as OPENAI_API_KEY and
// TIMEOUT_MS), the YAML file at path if it exists, then CHATRELAY_ variables.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("loading config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, EnvPrefix)),
			"__", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if len(cfg.Providers) == 0 {
		cfg.Providers = DefaultProviders()
	}
	for i := range cfg.Providers {
		cfg.Providers[i].APIKey = expandEnv(cfg.Providers[i].APIKey)
		cfg.Providers[i].BaseURL = expandEnv(cfg.Providers[i].BaseURL)
	}
	cfg.NATS.URL = expandEnv(cfg.NATS.URL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	natsURL := getEnv("NATS_URL", "")
	return &Config{
		Server: ServerConfig{
			Port:         getIntEnv("PORT", 3002),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerHour: getIntEnv("MAX_REQUEST_PER_HOUR", 0),
		},
		Relay: RelayConfig{
			Timeout:      time.Duration(getIntEnv("TIMEOUT_MS", 100*1000)) * time.Millisecond,
			DefaultModel: getEnv("OPENAI_API_MODEL", "gemini-3-flash-preview"),
			Temperature:  0.8,
			TopP:         1,
			HTTPSProxy:   legacyProxy(),
		},
		Storage: StorageConfig{
			DatabasePath: getEnv("DATABASE_PATH", "data/chatrelay.db"),
			BlobDir:      getEnv("UPLOAD_DIR", "data/uploads"),
		},
		NATS: NATSConfig{
			Enabled:  natsURL != "",
			URL:      natsURL,
			CAFile:   getEnv("NATS_CA_FILE", ""),
			CertFile: getEnv("NATS_CERT_FILE", ""),
			KeyFile:  getEnv("NATS_KEY_FILE", ""),
			Token:    getEnv("NATS_TOKEN", ""),
		},
		Tracing: TracingConfig{
			Enabled:  getBoolEnv("TRACING_ENABLED", false),
			Endpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// DefaultProviders is the built-in routing table. Every base URL can be
// overridden with the matching *_API_BASE_URL variable; "/v1" is appended.
func DefaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{
			Name:    "deepseek",
			Match:   []string{"deepseek"},
			BaseURL: versioned(getEnv("DEEPSEEK_API_BASE_URL", "")),
			APIKey:  getEnv("DEEPSEEK_API_KEY", ""),
		},
		{
			Name:    "qwen",
			Match:   []string{"qwen", "qwq"},
			BaseURL: versioned(getEnv("QWEN_API_BASE_URL", "")),
			APIKey:  getEnv("QWEN_API_KEY", ""),
		},
		{
			Name:    "tuzi",
			Match:   []string{"gemini", "gpt-5.1"},
			BaseURL: versioned(getEnv("TUZI_API_BASE_URL", "https://api.tu-zi.com")),
			APIKey:  getEnv("TUZI_API_KEY", ""),
		},
		{
			Name:    "openai",
			BaseURL: versioned(getEnv("OPENAI_API_BASE_URL", "https://api.openai.com")),
			APIKey:  getEnv("OPENAI_API_KEY", ""),
		},
	}
}

// Validate checks invariants the rest of the service relies on.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Relay.Timeout < 0 {
		return fmt.Errorf("relay timeout must not be negative")
	}
	if c.RateLimit.RequestsPerHour < 0 {
		return fmt.Errorf("rate_limit.requests_per_hour must not be negative")
	}
	if _, err := provider.New(c.ProviderRules()); err != nil {
		return fmt.Errorf("providers: %w", err)
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats enabled without url")
	}
	return nil
}

// ProviderRules converts the provider table into router rules.
func (c *Config) ProviderRules() []provider.Rule {
	rules := make([]provider.Rule, 0, len(c.Providers))
	for _, p := range c.Providers {
		rules = append(rules, provider.Rule{
			Name:    p.Name,
			Match:   p.Match,
			BaseURL: p.BaseURL,
			APIKey:  p.APIKey,
		})
	}
	return rules
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Server.Port)
}

func versioned(base string) string {
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/v1"
}

// legacyProxy prefers a SOCKS proxy given as host and port, then HTTPS_PROXY
// and ALL_PROXY.
func legacyProxy() string {
	host, port := os.Getenv("SOCKS_PROXY_HOST"), os.Getenv("SOCKS_PROXY_PORT")
	if host != "" && port != "" {
		u := &url.URL{Scheme: "socks5", Host: net.JoinHostPort(host, port)}
		if user := os.Getenv("SOCKS_PROXY_USERNAME"); user != "" {
			u.User = url.UserPassword(user, os.Getenv("SOCKS_PROXY_PASSWORD"))
		}
		return u.String()
	}
	if p := os.Getenv("HTTPS_PROXY"); p != "" {
		return p
	}
	return os.Getenv("ALL_PROXY")
}

func expandEnv(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
