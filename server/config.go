package server

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded token, code and cookie defaults.
const (
	DefaultCodeTTL    = time.Minute
	DefaultSessionTTL = 12 * time.Hour
	DefaultCookieTTL  = 8 * time.Hour
	DefaultCookieName = "authd_sso"
	DefaultLoginScope = "login-password-only"
	DefaultTokenType  = "Bearer"
)

// Hardcoded CORS defaults.
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Duration lets YAML configs express durations as "90s" or "4h" strings.
// It marshals back to the same notation.
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := node.Decode(&ns); err != nil {
		return fmt.Errorf("invalid duration value on line %d", node.Line)
	}
	*d = Duration(ns)
	return nil
}

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Tokens     TokenConfig       `yaml:"tokens"`
	Signatures []SignatureConfig `yaml:"signatures"`
	Cookie     CookieConfig      `yaml:"cookie"`
	// SystemCertificates lists additional signing certificates registered
	// for the system identity, published alongside the configured keys.
	SystemCertificates []string `yaml:"system_certificates"`
}

// ServerConfig controls listener and HTTP concerns.
type ServerConfig struct {
	PublicURL         string     `yaml:"public_url"`
	ListenAddr        string     `yaml:"listen_addr"`
	DevMode           bool       `yaml:"dev_mode"`
	CookieDomain      string     `yaml:"cookie_domain"`
	SystemApplication string     `yaml:"system_application"`
	TrustProxyHeaders bool       `yaml:"trust_proxy_headers"`
	HSTSMaxAge        int        `yaml:"hsts_max_age"`
	CORS              CORSConfig `yaml:"cors"`
}

// CORSConfig lists the origins, methods and headers allowed cross-origin.
type CORSConfig struct {
	ClientOriginURLs []string `yaml:"client_origin_urls"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
}

// TokenConfig controls token issuance behaviour.
type TokenConfig struct {
	// TokenType selects the access token form: the opaque bearer type
	// reuses the session reference token, anything else reuses the signed
	// identity token.
	TokenType string `yaml:"token_type"`
	// CodeTTL is the authorization-code validity window. It is the only
	// anti-replay control on the stateless code.
	CodeTTL Duration `yaml:"code_ttl"`
	// DefaultKey names the signature used when no per-application key is
	// configured.
	DefaultKey string `yaml:"default_key"`
	// AppKeys maps an application name to its signature name.
	AppKeys map[string]string `yaml:"app_keys"`
	// AllowClientOnly permits client_credentials grants without a device
	// principal.
	AllowClientOnly bool `yaml:"allow_client_only"`
	// LoginScope is the only scope granted by the password-reset exchange.
	LoginScope string `yaml:"login_scope"`
	// UnrestrictedPrefix, when set, abbreviates scope values carrying the
	// unrestricted-all policy prefix.
	UnrestrictedPrefix string `yaml:"unrestricted_prefix"`
}

// SignatureConfig describes one configured signing key.
type SignatureConfig struct {
	Name            string `yaml:"name"`
	Algorithm       string `yaml:"algorithm"`
	CertificateFile string `yaml:"certificate_file"`
	KeyFile         string `yaml:"key_file"`
	Secret          string `yaml:"secret"`
}

// CookieConfig controls the encrypted SSO cookie and the blob cipher.
type CookieConfig struct {
	Name   string   `yaml:"name"`
	TTL    Duration `yaml:"ttl"`
	Secret string   `yaml:"secret"`
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
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:         "http://127.0.0.1:8080",
			ListenAddr:        "127.0.0.1:8080",
			DevMode:           true,
			SystemApplication: "system",
			CORS: CORSConfig{
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
		},
		Tokens: TokenConfig{
			TokenType:  DefaultTokenType,
			CodeTTL:    Duration(DefaultCodeTTL),
			DefaultKey: "default",
			LoginScope: DefaultLoginScope,
		},
		Cookie: CookieConfig{
			Name: DefaultCookieName,
			TTL:  Duration(DefaultCookieTTL),
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

// Issuer is the canonical issuer identifier used in every minted token.
func (c Config) Issuer() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/")
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHD_SERVER_PUBLIC_URL":  func(v string) { cfg.Server.PublicURL = v },
		"AUTHD_SERVER_LISTEN_ADDR": func(v string) { cfg.Server.ListenAddr = v },
		"AUTHD_SERVER_DEV_MODE":    func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHD_TOKENS_TOKEN_TYPE":  func(v string) { cfg.Tokens.TokenType = v },
		"AUTHD_TOKENS_CODE_TTL":    func(v string) { cfg.Tokens.CodeTTL = parseDuration(v, cfg.Tokens.CodeTTL) },
		"AUTHD_TOKENS_DEFAULT_KEY": func(v string) { cfg.Tokens.DefaultKey = v },
		"AUTHD_COOKIE_NAME":        func(v string) { cfg.Cookie.Name = v },
		"AUTHD_COOKIE_TTL":         func(v string) { cfg.Cookie.TTL = parseDuration(v, cfg.Cookie.TTL) },
		"AUTHD_COOKIE_SECRET":      func(v string) { cfg.Cookie.Secret = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback Duration) Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return Duration(d)
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

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if c.Tokens.CodeTTL <= 0 {
		return errors.New("tokens.code_ttl must be positive")
	}
	if c.Cookie.TTL <= 0 {
		return errors.New("cookie.ttl must be positive")
	}
	if !c.Server.DevMode && c.Cookie.Secret == "" {
		return errors.New("cookie.secret is required in production mode")
	}

	seen := make(map[string]bool)
	for i, sig := range c.Signatures {
		if sig.Name == "" {
			return fmt.Errorf("signatures[%d]: name is required", i)
		}
		if seen[sig.Name] {
			return fmt.Errorf("signatures[%d]: duplicate name %q", i, sig.Name)
		}
		seen[sig.Name] = true
		switch sig.Algorithm {
		case "RS256", "RS512":
			if sig.CertificateFile == "" {
				return fmt.Errorf("signatures[%d] (%s): certificate_file is required for %s", i, sig.Name, sig.Algorithm)
			}
		case "HS256":
			if sig.Secret == "" {
				return fmt.Errorf("signatures[%d] (%s): secret is required for HS256", i, sig.Name)
			}
		default:
			return fmt.Errorf("signatures[%d] (%s): unsupported algorithm %q", i, sig.Name, sig.Algorithm)
		}
	}

	if !c.Server.DevMode && len(c.Signatures) == 0 {
		return errors.New("at least one signature must be configured in production mode")
	}

	return nil
}
