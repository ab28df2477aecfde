package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"whoop-sync/internal/whoop"
)

// ConfigPathEnvVar names an explicit YAML config file
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset
var DefaultConfigPaths = []string{"config.yaml", "/etc/whoop-sync/config.yaml"}

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Logging  LoggingConfig  `koanf:"logging"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Whoop    WhoopConfig    `koanf:"whoop"`
	Webhook  WebhookConfig  `koanf:"webhook"`
	Backfill BackfillConfig `koanf:"backfill"`
	OAuth    OAuthConfig    `koanf:"oauth"`
	Security SecurityConfig `koanf:"security"`
}

type ServerConfig struct {
	Host string `koanf:"host" env:"HOST"`
	Port int    `koanf:"port" env:"PORT" validate:"min=1,max=65535"`
}

type DatabaseConfig struct {
	// URL is "sqlite:<path>", a bare path, or a postgres:// DSN
	URL string `koanf:"url" env:"DATABASE_URL" validate:"required"`
}

type LoggingConfig struct {
	Level string `koanf:"level" env:"LOG_LEVEL" validate:"oneof=debug info warn error"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled" env:"METRICS_ENABLED"`
	Host    string `koanf:"host" env:"METRICS_HOST"`
	Port    int    `koanf:"port" env:"METRICS_PORT" validate:"min=1,max=65535"`
}

type WhoopConfig struct {
	ClientID             string        `koanf:"client_id" env:"WHOOP_CLIENT_ID" validate:"required"`
	ClientSecret         string        `koanf:"client_secret" env:"WHOOP_CLIENT_SECRET" validate:"required"`
	RedirectURI          string        `koanf:"redirect_uri" env:"WHOOP_REDIRECT_URI" validate:"required"`
	APIBaseURL           string        `koanf:"api_base_url" env:"WHOOP_API_BASE_URL"`
	AuthURL              string        `koanf:"auth_url" env:"WHOOP_AUTH_URL"`
	TokenURL             string        `koanf:"token_url" env:"WHOOP_TOKEN_URL"`
	RequestTimeout       time.Duration `koanf:"request_timeout" env:"WHOOP_REQUEST_TIMEOUT"`
	MaxRetries           int           `koanf:"max_retries" env:"WHOOP_MAX_RETRIES" validate:"min=0"`
	RatePerSecond        float64       `koanf:"rate_per_second" env:"WHOOP_RATE_PER_SECOND" validate:"gt=0"`
	MaxConcurrent        int64         `koanf:"max_concurrent" env:"WHOOP_MAX_CONCURRENT" validate:"min=1"`
	MaxConcurrentPerUser int64         `koanf:"max_concurrent_per_user" env:"WHOOP_MAX_CONCURRENT_PER_USER" validate:"min=1"`
}

type WebhookConfig struct {
	Secret     string        `koanf:"secret" env:"WHOOP_WEBHOOK_SECRET" validate:"required"`
	AckTimeout time.Duration `koanf:"ack_timeout" env:"WEBHOOK_ACK_TIMEOUT" validate:"gt=0"`
	// MaxSkew bounds the signature timestamp age; 0 disables the check
	MaxSkew time.Duration `koanf:"max_skew" env:"WEBHOOK_MAX_SKEW" validate:"min=0"`
}

type BackfillConfig struct {
	Days        int `koanf:"days" env:"BACKFILL_DAYS" validate:"min=1"`
	Concurrency int `koanf:"concurrency" env:"BACKFILL_CONCURRENCY" validate:"min=1"`
}

type OAuthConfig struct {
	SuccessURL string `koanf:"success_url" env:"OAUTH_SUCCESS_URL"`
	ErrorURL   string `koanf:"error_url" env:"OAUTH_ERROR_URL"`
}

type SecurityConfig struct {
	InternalAPIKey     string `koanf:"internal_api_key" env:"INTERNAL_API_KEY" validate:"required"`
	TokenEncryptionKey string `koanf:"token_encryption_key" env:"TOKEN_ENCRYPTION_KEY"`
	// IdentityHeader carries the authenticated user id set by the fronting proxy
	IdentityHeader string `koanf:"identity_header" env:"IDENTITY_HEADER" validate:"required"`
}

func defaultConfig() *Config {
	return &Config{
		Server:   ServerConfig{Host: "localhost", Port: 4101},
		Database: DatabaseConfig{URL: "sqlite:./data.db"},
		Logging:  LoggingConfig{Level: "info"},
		Metrics:  MetricsConfig{Enabled: true, Host: "localhost", Port: 9090},
		Whoop: WhoopConfig{
			APIBaseURL:           whoop.DefaultAPIBaseURL,
			AuthURL:              whoop.DefaultAuthURL,
			TokenURL:             whoop.DefaultTokenURL,
			RequestTimeout:       30 * time.Second,
			MaxRetries:           3,
			RatePerSecond:        10,
			MaxConcurrent:        16,
			MaxConcurrentPerUser: 4,
		},
		Webhook: WebhookConfig{
			AckTimeout: 8 * time.Second,
			MaxSkew:    5 * time.Minute,
		},
		Backfill: BackfillConfig{Days: 30, Concurrency: 5},
		OAuth: OAuthConfig{
			SuccessURL: "/settings/integrations?whoop=connected",
			ErrorURL:   "/settings/integrations",
		},
		Security: SecurityConfig{IdentityHeader: "X-User-ID"},
	}
}

// envKeys maps each supported environment variable to its config path
var envKeys = map[string]string{
	"host":                          "server.host",
	"port":                          "server.port",
	"database_url":                  "database.url",
	"log_level":                     "logging.level",
	"metrics_enabled":               "metrics.enabled",
	"metrics_host":                  "metrics.host",
	"metrics_port":                  "metrics.port",
	"whoop_client_id":               "whoop.client_id",
	"whoop_client_secret":           "whoop.client_secret",
	"whoop_redirect_uri":            "whoop.redirect_uri",
	"whoop_api_base_url":            "whoop.api_base_url",
	"whoop_auth_url":                "whoop.auth_url",
	"whoop_token_url":               "whoop.token_url",
	"whoop_request_timeout":         "whoop.request_timeout",
	"whoop_max_retries":             "whoop.max_retries",
	"whoop_rate_per_second":         "whoop.rate_per_second",
	"whoop_max_concurrent":          "whoop.max_concurrent",
	"whoop_max_concurrent_per_user": "whoop.max_concurrent_per_user",
	"whoop_webhook_secret":          "webhook.secret",
	"webhook_ack_timeout":           "webhook.ack_timeout",
	"webhook_max_skew":              "webhook.max_skew",
	"backfill_days":                 "backfill.days",
	"backfill_concurrency":          "backfill.concurrency",
	"oauth_success_url":             "oauth.success_url",
	"oauth_error_url":               "oauth.error_url",
	"internal_api_key":              "security.internal_api_key",
	"token_encryption_key":          "security.token_encryption_key",
	"identity_header":               "security.identity_header",
}

// envTransformFunc maps an environment variable to its config path.
// Variables outside envKeys are ignored.
func envTransformFunc(key string) string {
	return envKeys[strings.ToLower(key)]
}

// Load reads configuration in layers: defaults, then an optional YAML file,
// then environment variables. It fails fast if required values are missing.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by the environment variable that sets them
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("env"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}()

// Validate checks required values and ranges
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	var missing, invalid []string
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			missing = append(missing, fe.Field())
		case "oneof":
			invalid = append(invalid, fmt.Sprintf("%s must be one of: %s", fe.Field(), strings.ReplaceAll(fe.Param(), " ", ", ")))
		default:
			invalid = append(invalid, fmt.Sprintf("%s is invalid (%s=%s)", fe.Field(), fe.Tag(), fe.Param()))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	return errors.New(strings.Join(invalid, "; "))
}

// Addr is the listen address of the public server
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MetricsAddr is the listen address of the metrics server
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.Metrics.Host, c.Metrics.Port)
}

// WhoopClientConfig builds the API client configuration
func (c *Config) WhoopClientConfig() whoop.Config {
	return whoop.Config{
		ClientID:             c.Whoop.ClientID,
		ClientSecret:         c.Whoop.ClientSecret,
		RedirectURI:          c.Whoop.RedirectURI,
		APIBaseURL:           c.Whoop.APIBaseURL,
		AuthURL:              c.Whoop.AuthURL,
		TokenURL:             c.Whoop.TokenURL,
		Timeout:              c.Whoop.RequestTimeout,
		MaxRetries:           c.Whoop.MaxRetries,
		RatePerSecond:        c.Whoop.RatePerSecond,
		MaxConcurrent:        c.Whoop.MaxConcurrent,
		MaxConcurrentPerUser: c.Whoop.MaxConcurrentPerUser,
	}
}
