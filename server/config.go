package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/oauth2/github"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "CMSAUTH_"

// InsecureSessionSecret is the development fallback for signing state cookies.
// Production deployments must override it.
const InsecureSessionSecret = "insecure-dev-secret-change-me"

// Ledger backends for single-use state tracking.
const (
	LedgerMemory = "memory"
	LedgerRedis  = "redis"
	LedgerNone   = "none"
)

// ErrInvalidConfig marks configuration problems that must stop the process.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	GitHub    GitHubConfig    `yaml:"github" envPrefix:"GITHUB_"`
	Client    ClientConfig    `yaml:"client" envPrefix:"CLIENT_"`
	Session   SessionConfig   `yaml:"session" envPrefix:"SESSION_"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	CORS      CORSConfig      `yaml:"cors" envPrefix:"CORS_"`
	Metrics   MetricsConfig   `yaml:"metrics" envPrefix:"METRICS_"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	Host              string    `yaml:"host" env:"HOST"`
	Port              int       `yaml:"port" env:"PORT"`
	DevMode           bool      `yaml:"dev_mode" env:"DEV_MODE"`
	LogLevel          string    `yaml:"log_level" env:"LOG_LEVEL"`
	TrustProxyHeaders bool      `yaml:"trust_proxy_headers" env:"TRUST_PROXY_HEADERS"`
	TLS               TLSConfig `yaml:"tls" envPrefix:"TLS_"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Autocert        bool     `yaml:"autocert" env:"AUTOCERT"`
	Domains         []string `yaml:"domains" env:"DOMAINS" envSeparator:","`
	Email           string   `yaml:"email" env:"EMAIL"`
	CacheDir        string   `yaml:"cache_dir" env:"CACHE_DIR"`
	HTTPListenAddr  string   `yaml:"http_listen_addr" env:"HTTP_LISTEN_ADDR"`
	HTTPSListenAddr string   `yaml:"https_listen_addr" env:"HTTPS_LISTEN_ADDR"`
	HSTSMaxAge      int      `yaml:"hsts_max_age" env:"HSTS_MAX_AGE"`
}

// GitHubConfig holds the OAuth App credentials and the guarded repository.
type GitHubConfig struct {
	ClientID          string        `yaml:"client_id" env:"CLIENT_ID"`
	ClientSecret      string        `yaml:"client_secret" env:"CLIENT_SECRET"`
	CallbackURL       string        `yaml:"callback_url" env:"CALLBACK_URL"`
	Repository        string        `yaml:"repository" env:"REPOSITORY"`
	Scope             string        `yaml:"scope" env:"SCOPE"`
	AuthURL           string        `yaml:"auth_url" env:"AUTH_URL"`
	TokenURL          string        `yaml:"token_url" env:"TOKEN_URL"`
	APIURL            string        `yaml:"api_url" env:"API_URL"`
	UserAgent         string        `yaml:"user_agent" env:"USER_AGENT"`
	Timeout           time.Duration `yaml:"timeout" env:"TIMEOUT"`
	PermissionRetries int           `yaml:"permission_retries" env:"PERMISSION_RETRIES"`
}

// ClientConfig describes the CMS front end that receives the credential.
type ClientConfig struct {
	Origin string `yaml:"origin" env:"ORIGIN"`
}

// SessionConfig governs the signed state cookie and its replay ledger.
type SessionConfig struct {
	Secret string      `yaml:"secret" env:"SECRET"`
	Ledger string      `yaml:"ledger" env:"LEDGER"`
	Redis  RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
}

// RedisConfig locates the shared ledger when several instances run side by side.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// RateLimitConfig caps requests per client address.
type RateLimitConfig struct {
	Max    int           `yaml:"max" env:"MAX"`
	Window time.Duration `yaml:"window" env:"WINDOW"`
}

// CORSConfig lists origins allowed to call the relay from script.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	AllowedMethods []string `yaml:"allowed_methods" env:"ALLOWED_METHODS" envSeparator:","`
	AllowedHeaders []string `yaml:"allowed_headers" env:"ALLOWED_HEADERS" envSeparator:","`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		// An empty file leaves everything to the environment.
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDerivedDefaults()

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     3000,
			DevMode:  true,
			LogLevel: "info",
			TLS: TLSConfig{
				CacheDir:        ".secrets/tls",
				HTTPListenAddr:  ":80",
				HTTPSListenAddr: ":443",
				HSTSMaxAge:      31536000,
			},
		},
		GitHub: GitHubConfig{
			Scope:             "repo",
			AuthURL:           github.Endpoint.AuthURL,
			TokenURL:          github.Endpoint.TokenURL,
			APIURL:            "https://api.github.com",
			UserAgent:         "cmsauth",
			Timeout:           10 * time.Second,
			PermissionRetries: 2,
		},
		Session: SessionConfig{
			Secret: InsecureSessionSecret,
			Ledger: LedgerMemory,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "cmsauth:state:",
			},
		},
		RateLimit: RateLimitConfig{
			Max:    100,
			Window: 15 * time.Minute,
		},
		CORS: CORSConfig{
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

// applyEnvOverrides only touches fields whose variable is set, so YAML values survive.
func applyEnvOverrides(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("%w: parse env: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (c *Config) applyDerivedDefaults() {
	c.Client.Origin = strings.TrimSuffix(strings.TrimSpace(c.Client.Origin), "/")
	if len(c.CORS.AllowedOrigins) == 0 && c.Client.Origin != "" {
		c.CORS.AllowedOrigins = []string{c.Client.Origin}
	}
	c.CORS.AllowedOrigins = splitAndTrim(strings.Join(c.CORS.AllowedOrigins, ","))
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ListenAddr joins host and port for the plain HTTP listener.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// SecureCookies reports whether cookies must carry the Secure attribute.
func (c Config) SecureCookies() bool {
	return !c.Server.DevMode
}

// RepositoryParts splits the guarded repository into owner and name.
func (c GitHubConfig) RepositoryParts() (owner, name string, err error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(c.Repository), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("%w: github.repository must be in owner/name form, got %q", ErrInvalidConfig, c.Repository)
	}
	return owner, name, nil
}

func missing(field string) error {
	slog.Error("Missing required configuration", "field", field)
	return fmt.Errorf("%w: %s is required", ErrInvalidConfig, field)
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"github.client_id", c.GitHub.ClientID},
		{"github.client_secret", c.GitHub.ClientSecret},
		{"github.callback_url", c.GitHub.CallbackURL},
		{"github.repository", c.GitHub.Repository},
		{"client.origin", c.Client.Origin},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return missing(r.field)
		}
	}

	if _, _, err := c.GitHub.RepositoryParts(); err != nil {
		slog.Error("Invalid configuration value", "field", "github.repository", "value", c.GitHub.Repository, "reason", "must contain owner/name")
		return err
	}

	if !isHTTPURL(c.GitHub.CallbackURL) {
		slog.Error("Invalid configuration value", "field", "github.callback_url", "value", c.GitHub.CallbackURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("%w: github.callback_url must start with http:// or https://, got: %s", ErrInvalidConfig, c.GitHub.CallbackURL)
	}

	for field, value := range map[string]string{
		"github.auth_url":  c.GitHub.AuthURL,
		"github.token_url": c.GitHub.TokenURL,
		"github.api_url":   c.GitHub.APIURL,
	} {
		if !isHTTPURL(value) {
			slog.Error("Invalid configuration value", "field", field, "value", value, "reason", "must be a valid HTTP(S) URL")
			return fmt.Errorf("%w: %s must start with http:// or https://, got: %s", ErrInvalidConfig, field, value)
		}
	}

	if c.Client.Origin == "*" || extractOrigin(c.Client.Origin) != c.Client.Origin {
		slog.Error("Invalid configuration value", "field", "client.origin", "value", c.Client.Origin, "reason", "must be a scheme://host[:port] origin")
		return fmt.Errorf("%w: client.origin must be a concrete scheme://host[:port] origin, got: %s", ErrInvalidConfig, c.Client.Origin)
	}

	if c.GitHub.Timeout <= 0 {
		return fmt.Errorf("%w: github.timeout must be positive, got: %s", ErrInvalidConfig, c.GitHub.Timeout)
	}
	if c.GitHub.PermissionRetries < 0 {
		return fmt.Errorf("%w: github.permission_retries must not be negative", ErrInvalidConfig)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		slog.Error("Invalid configuration value", "field", "server.port", "value", c.Server.Port)
		return fmt.Errorf("%w: server.port out of range: %d", ErrInvalidConfig, c.Server.Port)
	}

	if c.Server.TLS.Autocert && !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for autocert", "field", "server.tls.domains")
		return fmt.Errorf("%w: server.tls.domains must be provided when autocert is enabled", ErrInvalidConfig)
	}

	if strings.TrimSpace(c.Session.Secret) == "" {
		return missing("session.secret")
	}

	switch c.Session.Ledger {
	case LedgerMemory, LedgerNone:
	case LedgerRedis:
		if c.Session.Redis.Addr == "" {
			return missing("session.redis.addr")
		}
	default:
		slog.Error("Invalid configuration value", "field", "session.ledger", "value", c.Session.Ledger, "valid_values", []string{LedgerMemory, LedgerRedis, LedgerNone})
		return fmt.Errorf("%w: session.ledger must be one of memory, redis, none; got: %s", ErrInvalidConfig, c.Session.Ledger)
	}

	if c.RateLimit.Max < 0 || (c.RateLimit.Max > 0 && c.RateLimit.Window <= 0) {
		slog.Error("Invalid rate limit", "max", c.RateLimit.Max, "window", c.RateLimit.Window)
		return fmt.Errorf("%w: rate_limit requires a positive window when max is set", ErrInvalidConfig)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("%w: metrics.path must start with /, got: %s", ErrInvalidConfig, c.Metrics.Path)
	}

	if _, err := ParseLevel(c.Server.LogLevel); err != nil {
		return fmt.Errorf("%w: server.log_level: %v", ErrInvalidConfig, err)
	}

	return nil
}

// UsesInsecureSecret reports whether the development signing secret is still in place.
func (c Config) UsesInsecureSecret() bool {
	return c.Session.Secret == InsecureSessionSecret
}

func isHTTPURL(raw string) bool {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return false
	}
	u, err := url.Parse(raw)
	return err == nil && u.Host != ""
}

// extractOrigin extracts the origin (scheme://host:port) from a URL
func extractOrigin(urlStr string) string {
	if urlStr == "" || urlStr == "*" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// ParseLevel maps a textual verbosity onto slog levels.
func ParseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", value)
	}
}
