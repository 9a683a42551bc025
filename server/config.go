package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Token and session defaults.
const (
	DefaultAccessTTL            = time.Hour
	DefaultClientCredentialsTTL = 24 * time.Hour
	DefaultRefreshTTL           = 30 * 24 * time.Hour
	DefaultCodeTTL              = 10 * time.Minute
	DefaultSessionTTL           = 12 * time.Hour
)

// InsecureAPIKeySecret is the development fallback signing secret. Loading a
// non-dev configuration that still carries it is a hard error.
const InsecureAPIKeySecret = "lukhas-dev-secret-change-me"

// CORS defaults.
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type", "X-Api-Key"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Duration wraps time.Duration so YAML values like "90s" or "24h" decode
// directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config captures the full application configuration loaded from YAML plus
// environment overrides.
type Config struct {
	Server        ServerConfig   `yaml:"server"`
	Tokens        TokenConfig    `yaml:"tokens"`
	Sessions      SessionConfig  `yaml:"sessions"`
	Keys          KeyConfig      `yaml:"keys"`
	APIKeys       APIKeyConfig   `yaml:"api_keys"`
	OAuth2Clients []ClientConfig `yaml:"oauth2_clients"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string          `yaml:"public_url"`
	DevListenAddr   string          `yaml:"dev_listen_addr"`
	HTTPListenAddr  string          `yaml:"http_listen_addr"`
	HTTPSListenAddr string          `yaml:"https_listen_addr"`
	DevMode         bool            `yaml:"dev_mode"`
	CookieDomain    string          `yaml:"cookie_domain"`
	SecretsPath     string          `yaml:"secrets_path"`
	TLS             TLSConfig       `yaml:"tls"`
	CORS            CORSConfig      `yaml:"cors"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig lists browser origins allowed to call the endpoints.
type CORSConfig struct {
	ClientOriginURLs []string `yaml:"client_origin_urls"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
}

// RateLimitConfig tunes the per-IP request limiter.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// TokenConfig controls token lifetimes and refresh behaviour.
type TokenConfig struct {
	AccessTTL            Duration `yaml:"access_ttl"`
	ClientCredentialsTTL Duration `yaml:"client_credentials_ttl"`
	RefreshTTL           Duration `yaml:"refresh_ttl"`
	CodeTTL              Duration `yaml:"code_ttl"`
	RotateRefresh        bool     `yaml:"rotate_refresh"`
}

// SessionConfig controls cookie sessions.
type SessionConfig struct {
	TTL Duration `yaml:"ttl"`
}

// KeyConfig controls JWKS persistence and rotation. Retired signing keys stay
// published for retire_after so tokens minted under an old kid keep
// validating; the window must cover the longest JWT lifetime the server
// issues.
type KeyConfig struct {
	JWKSPath       string   `yaml:"jwks_path"`
	RotateInterval Duration `yaml:"rotate_interval"`
	RetireAfter    Duration `yaml:"retire_after"`
	RSABits        int      `yaml:"rsa_bits"`
}

// APIKeyConfig carries the shared HMAC secret and rate limit bounds for the
// structured API-key scheme.
type APIKeyConfig struct {
	Secret            string   `yaml:"secret"`
	RateLimitRequests int      `yaml:"rate_limit_requests"`
	RateLimitWindow   Duration `yaml:"rate_limit_window"`
}

// ClientConfig describes a statically provisioned OAuth client.
type ClientConfig struct {
	ClientID      string   `yaml:"client_id"`
	ClientSecret  string   `yaml:"client_secret"`
	ClientName    string   `yaml:"client_name"`
	RedirectURIs  []string `yaml:"redirect_uris"`
	AllowedScopes []string `yaml:"allowed_scopes"`
	GrantTypes    []string `yaml:"grant_types"`
	ResponseTypes []string `yaml:"response_types"`
	TierLevel     int      `yaml:"tier_level"`
	Trusted       bool     `yaml:"trusted"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
			CORS: CORSConfig{
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 10,
				Burst:             30,
			},
		},
		Tokens: TokenConfig{
			AccessTTL:            Duration(DefaultAccessTTL),
			ClientCredentialsTTL: Duration(DefaultClientCredentialsTTL),
			RefreshTTL:           Duration(DefaultRefreshTTL),
			CodeTTL:              Duration(DefaultCodeTTL),
		},
		Sessions: SessionConfig{TTL: Duration(DefaultSessionTTL)},
		Keys: KeyConfig{
			JWKSPath:    ".secrets/jwks.json",
			RetireAfter: Duration(DefaultClientCredentialsTTL),
			RSABits:     2048,
		},
		APIKeys: APIKeyConfig{
			Secret:            InsecureAPIKeySecret,
			RateLimitRequests: 100,
			RateLimitWindow:   Duration(time.Hour),
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"LUKHASD_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"LUKHASD_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"LUKHASD_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"LUKHASD_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"LUKHASD_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"LUKHASD_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"LUKHASD_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"LUKHASD_SERVER_SECRETS_PATH":      func(v string) { cfg.Server.SecretsPath = v },
		"LUKHASD_TOKENS_ACCESS_TTL":        func(v string) { cfg.Tokens.AccessTTL = Duration(parseDuration(v, cfg.Tokens.AccessTTL.Std())) },
		"LUKHASD_TOKENS_REFRESH_TTL":       func(v string) { cfg.Tokens.RefreshTTL = Duration(parseDuration(v, cfg.Tokens.RefreshTTL.Std())) },
		"LUKHASD_TOKENS_ROTATE_REFRESH":    func(v string) { cfg.Tokens.RotateRefresh = parseBool(v, cfg.Tokens.RotateRefresh) },
		"LUKHASD_API_KEY_SECRET":           func(v string) { cfg.APIKeys.Secret = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
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

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}
	if c.Server.TLS.MinVersion != "" && c.Server.TLS.MinVersion != "1.2" && c.Server.TLS.MinVersion != "1.3" {
		return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
	}

	// The built-in API key secret is fine for local development only.
	if !c.Server.DevMode && c.APIKeys.Secret == InsecureAPIKeySecret {
		return errors.New("api_keys.secret must be set in production (the built-in default is insecure)")
	}
	if c.APIKeys.RateLimitRequests <= 0 {
		return errors.New("api_keys.rate_limit_requests must be positive")
	}

	if c.Keys.RSABits != 0 && c.Keys.RSABits < 2048 {
		return fmt.Errorf("keys.rsa_bits must be at least 2048, got: %d", c.Keys.RSABits)
	}

	for i, client := range c.OAuth2Clients {
		if client.ClientID == "" {
			return fmt.Errorf("oauth2_clients[%d]: client_id is required", i)
		}
		if len(client.RedirectURIs) == 0 {
			return fmt.Errorf("oauth2_clients[%d] (%s): at least one redirect_uri is required", i, client.ClientID)
		}
		for j, uri := range client.RedirectURIs {
			if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
				return fmt.Errorf("oauth2_clients[%d] (%s): redirect_uris[%d] must start with http:// or https://, got: %s", i, client.ClientID, j, uri)
			}
		}
		if client.TierLevel < 0 || client.TierLevel > MaxTier {
			return fmt.Errorf("oauth2_clients[%d] (%s): tier_level must be between 0 and %d", i, client.ClientID, MaxTier)
		}
	}

	return nil
}
