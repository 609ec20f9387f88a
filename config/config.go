package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Token and session defaults
const (
	DefaultExpiryMargin = 5 * time.Minute
	DefaultVendorTimeout = 30 * time.Second
	DefaultSessionTTL    = 12 * time.Hour
)

// DefaultCredentialScopes is the scope requested by the client-credentials grant.
var DefaultCredentialScopes = []string{"app.core.aiservices.read"}

// DefaultOIDCScopes is the scope requested by the portal login.
var DefaultOIDCScopes = []string{"knowledge.portalmgr.read", "core.aiservices.read", "openid"}

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Credentials CredentialConfig `yaml:"credentials"`
	Knowledge   KnowledgeConfig  `yaml:"knowledge"`
	OIDC        OIDCConfig       `yaml:"oidc"`
	Portal      PortalConfig     `yaml:"portal"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig controls listener, TLS, and HTTP concerns shared by both servers.
type ServerConfig struct {
	ListenAddr      string    `yaml:"listen_addr" env:"KBSEARCH_SERVER_LISTEN_ADDR"`
	HTTPListenAddr  string    `yaml:"http_listen_addr" env:"KBSEARCH_SERVER_HTTP_LISTEN_ADDR"`
	HTTPSListenAddr string    `yaml:"https_listen_addr" env:"KBSEARCH_SERVER_HTTPS_LISTEN_ADDR"`
	DevMode         bool      `yaml:"dev_mode" env:"KBSEARCH_SERVER_DEV_MODE"`
	SecretsPath     string    `yaml:"secrets_path" env:"KBSEARCH_SERVER_SECRETS_PATH"`
	CORSOrigins     []string  `yaml:"cors_origins" env:"KBSEARCH_SERVER_CORS_ORIGINS" envSeparator:","`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains" env:"KBSEARCH_SERVER_TLS_DOMAINS" envSeparator:","`
	Email      string   `yaml:"email" env:"KBSEARCH_SERVER_TLS_EMAIL"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CredentialConfig is the client-credentials identity of the proxy.
type CredentialConfig struct {
	ClientID     string   `yaml:"client_id" env:"KBSEARCH_CLIENT_ID" validate:"required"`
	ClientSecret string   `yaml:"client_secret" env:"KBSEARCH_CLIENT_SECRET" validate:"required"`
	TokenURL     string   `yaml:"token_url" env:"KBSEARCH_TOKEN_URL" validate:"required,url"`
	Scopes       []string `yaml:"scopes" env:"KBSEARCH_SCOPES" envSeparator:" " validate:"min=1"`
	ExpiryMargin string   `yaml:"expiry_margin" env:"KBSEARCH_TOKEN_EXPIRY_MARGIN"`
}

// KnowledgeConfig points at the vendor knowledge API.
type KnowledgeConfig struct {
	APIURL         string `yaml:"api_url" env:"KBSEARCH_API_URL" validate:"required,url"`
	PortalID       string `yaml:"portal_id" env:"KBSEARCH_PORTAL_ID" validate:"required"`
	Language       string `yaml:"language" env:"KBSEARCH_LANGUAGE" validate:"required"`
	AcceptLanguage string `yaml:"accept_language" env:"KBSEARCH_ACCEPT_LANGUAGE"`
	Channel        string `yaml:"channel" env:"KBSEARCH_CHANNEL"`
	Timeout        string `yaml:"timeout" env:"KBSEARCH_API_TIMEOUT"`
}

// OIDCConfig describes the identity provider the portal signs users in with.
// When Discovery is false the endpoints below are used as static metadata.
type OIDCConfig struct {
	Issuer                string   `yaml:"issuer" env:"KBSEARCH_OIDC_ISSUER" validate:"required,url"`
	ClientID              string   `yaml:"client_id" env:"KBSEARCH_OIDC_CLIENT_ID" validate:"required"`
	ClientSecret          string   `yaml:"client_secret" env:"KBSEARCH_OIDC_CLIENT_SECRET"`
	RedirectURI           string   `yaml:"redirect_uri" env:"KBSEARCH_OIDC_REDIRECT_URI" validate:"required,url"`
	PostLogoutRedirectURI string   `yaml:"post_logout_redirect_uri" env:"KBSEARCH_OIDC_POST_LOGOUT_REDIRECT_URI" validate:"omitempty,url"`
	Scopes                []string `yaml:"scopes" env:"KBSEARCH_OIDC_SCOPES" envSeparator:" "`
	Discovery             bool     `yaml:"discovery" env:"KBSEARCH_OIDC_DISCOVERY"`
	AuthorizationEndpoint string   `yaml:"authorization_endpoint" validate:"omitempty,url"`
	TokenEndpoint         string   `yaml:"token_endpoint" validate:"omitempty,url"`
	EndSessionEndpoint    string   `yaml:"end_session_endpoint" validate:"omitempty,url"`
	JWKSURI               string   `yaml:"jwks_uri" validate:"omitempty,url"`
	Algorithms            []string `yaml:"algorithms"`
}

// PortalConfig controls the browser-facing search application.
type PortalConfig struct {
	ListenAddr    string `yaml:"listen_addr" env:"KBSEARCH_PORTAL_LISTEN_ADDR"`
	SessionSecret string `yaml:"session_secret" env:"KBSEARCH_PORTAL_SESSION_SECRET"`
	SessionTTL    string `yaml:"session_ttl"`
	Title         string `yaml:"title"`
	ProviderName  string `yaml:"provider_name"`
}

// TelemetryConfig enables OTLP trace export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint" env:"KBSEARCH_OTEL_ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"KBSEARCH_OTEL_SERVICE_NAME"`
}

// LoadConfig reads the YAML config file (when path is non-empty) and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

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
	normalize(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:3000",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			CORSOrigins:     []string{"*"},
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		Credentials: CredentialConfig{
			Scopes:       append([]string(nil), DefaultCredentialScopes...),
			ExpiryMargin: DefaultExpiryMargin.String(),
		},
		Knowledge: KnowledgeConfig{
			Language:       "en-US",
			AcceptLanguage: "en-US",
			Channel:        "Sample App",
			Timeout:        DefaultVendorTimeout.String(),
		},
		OIDC: OIDCConfig{
			Scopes: append([]string(nil), DefaultOIDCScopes...),
		},
		Portal: PortalConfig{
			ListenAddr:   "127.0.0.1:5173",
			SessionTTL:   DefaultSessionTTL.String(),
			Title:        "AI Search",
			ProviderName: "eGain",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "kbsearch",
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

// applyEnvOverrides layers environment variables over the file values.
// PORT is honoured for parity with common PaaS conventions; the explicit
// KBSEARCH_SERVER_LISTEN_ADDR still wins.
func applyEnvOverrides(cfg *Config) error {
	if port, ok := os.LookupEnv("PORT"); ok && strings.TrimSpace(port) != "" {
		cfg.Server.ListenAddr = ":" + strings.TrimSpace(port)
	}
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func normalize(cfg *Config) {
	cfg.Credentials.Scopes = splitAndTrim(strings.Join(cfg.Credentials.Scopes, ","))
	cfg.OIDC.Scopes = splitAndTrim(strings.Join(cfg.OIDC.Scopes, ","))
	cfg.Server.CORSOrigins = splitAndTrim(strings.Join(cfg.Server.CORSOrigins, ","))
	cfg.Server.TLS.Domains = splitAndTrim(strings.Join(cfg.Server.TLS.Domains, ","))
	cfg.Knowledge.APIURL = strings.TrimSuffix(cfg.Knowledge.APIURL, "/")
	cfg.OIDC.Issuer = strings.TrimSuffix(cfg.OIDC.Issuer, "/")
	if len(cfg.OIDC.Scopes) == 0 {
		cfg.OIDC.Scopes = append([]string(nil), DefaultOIDCScopes...)
	}
}

// ParseDuration parses val, returning fallback when val is empty or malformed.
func ParseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func splitAndTrim(val string) []string {
	parts := strings.FieldsFunc(val, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs the sanity checks shared by every command.
func (c Config) Validate() error {
	if c.Server.ListenAddr == "" {
		slog.Error("Missing required configuration", "field", "server.listen_addr")
		return errors.New("server.listen_addr is required")
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if c.Telemetry.Endpoint != "" {
		if !strings.HasPrefix(c.Telemetry.Endpoint, "http://") && !strings.HasPrefix(c.Telemetry.Endpoint, "https://") {
			return fmt.Errorf("telemetry.endpoint must start with http:// or https://, got: %s", c.Telemetry.Endpoint)
		}
	}

	return nil
}

// ValidateProxy checks everything the backend proxy needs at startup.
func (c Config) ValidateProxy() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := validateStruct("credentials", c.Credentials); err != nil {
		return err
	}
	if err := validateStruct("knowledge", c.Knowledge); err != nil {
		return err
	}
	if c.Credentials.ExpiryMargin != "" {
		d, err := time.ParseDuration(c.Credentials.ExpiryMargin)
		if err != nil {
			return fmt.Errorf("credentials.expiry_margin: invalid duration '%s': %w", c.Credentials.ExpiryMargin, err)
		}
		if d < 0 {
			return fmt.Errorf("credentials.expiry_margin must not be negative, got: %s", d)
		}
	}
	return c.validateTimeout()
}

// ValidatePortal checks everything the browser portal needs at startup.
func (c Config) ValidatePortal() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Portal.ListenAddr == "" {
		slog.Error("Missing required configuration", "field", "portal.listen_addr")
		return errors.New("portal.listen_addr is required")
	}
	if err := validateStruct("oidc", c.OIDC); err != nil {
		return err
	}
	if err := validateStruct("knowledge", c.Knowledge); err != nil {
		return err
	}
	if !c.OIDC.Discovery {
		if c.OIDC.AuthorizationEndpoint == "" || c.OIDC.TokenEndpoint == "" {
			slog.Error("Missing provider metadata", "fields", []string{"oidc.authorization_endpoint", "oidc.token_endpoint"}, "reason", "required when oidc.discovery is false")
			return errors.New("oidc.authorization_endpoint and oidc.token_endpoint are required when oidc.discovery is false")
		}
	}
	if c.Portal.SessionTTL != "" {
		if _, err := time.ParseDuration(c.Portal.SessionTTL); err != nil {
			return fmt.Errorf("portal.session_ttl: invalid duration '%s': %w", c.Portal.SessionTTL, err)
		}
	}
	if !c.Server.DevMode {
		if u, err := url.Parse(c.OIDC.RedirectURI); err != nil || u.Scheme != "https" {
			return fmt.Errorf("oidc.redirect_uri must use https outside dev mode, got: %s", c.OIDC.RedirectURI)
		}
	}
	return c.validateTimeout()
}

func (c Config) validateTimeout() error {
	if c.Knowledge.Timeout == "" {
		return nil
	}
	if _, err := time.ParseDuration(c.Knowledge.Timeout); err != nil {
		slog.Error("Invalid vendor timeout", "timeout", c.Knowledge.Timeout, "error", err)
		return fmt.Errorf("knowledge.timeout: invalid duration '%s': %w", c.Knowledge.Timeout, err)
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validateStruct(section string, v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := section + "." + fe.Field()
		slog.Error("Invalid configuration value", "field", field, "rule", fe.Tag(), "value", fe.Value())
		if fe.Tag() == "required" {
			return fmt.Errorf("%s is required", field)
		}
		return fmt.Errorf("%s failed '%s' validation", field, fe.Tag())
	}
	return fmt.Errorf("%s: %w", section, err)
}

// Margin returns the configured token safety margin.
func (c CredentialConfig) Margin() time.Duration {
	return ParseDuration(c.ExpiryMargin, DefaultExpiryMargin)
}

// RequestTimeout returns the configured vendor request timeout.
func (c KnowledgeConfig) RequestTimeout() time.Duration {
	return ParseDuration(c.Timeout, DefaultVendorTimeout)
}

// TTL returns the configured portal session lifetime cap.
func (c PortalConfig) TTL() time.Duration {
	return ParseDuration(c.SessionTTL, DefaultSessionTTL)
}
