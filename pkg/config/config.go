package config

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Storage   StorageConfig   `yaml:"storage" envconfig:"STORAGE"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	JWT       JWTConfig       `yaml:"jwt" envconfig:"JWT"`
	Cipher    CipherConfig    `yaml:"cipher" envconfig:"CIPHER"`
	Auth      AuthConfig      `yaml:"auth" envconfig:"AUTH"`
	OAuth     OAuthConfig     `yaml:"oauth" envconfig:"OAUTH"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// ServerConfig contains HTTP server and relying-party configuration
type ServerConfig struct {
	Host     string `yaml:"host" envconfig:"HOST"`
	Port     int    `yaml:"port" envconfig:"PORT"`
	RPID     string `yaml:"rp_id" envconfig:"RP_ID"`
	RPOrigin string `yaml:"rp_origin" envconfig:"RP_ORIGIN"`
	RPName   string `yaml:"rp_name" envconfig:"RP_NAME"`
	BaseURL  string `yaml:"base_url" envconfig:"BASE_URL"`
}

// StorageConfig contains storage configuration
type StorageConfig struct {
	Type    string        `yaml:"type" envconfig:"TYPE"` // memory, mongodb
	MongoDB MongoDBConfig `yaml:"mongodb" envconfig:"MONGODB"`
}

// MongoDBConfig contains MongoDB-specific configuration
type MongoDBConfig struct {
	URI      string `yaml:"uri" envconfig:"URI"`
	Database string `yaml:"database" envconfig:"DATABASE"`
	Timeout  int    `yaml:"timeout" envconfig:"TIMEOUT"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" envconfig:"FORMAT"` // json, text
}

// JWTConfig contains access-token configuration
type JWTConfig struct {
	Secret        string `yaml:"secret" envconfig:"SECRET"`
	ExpiryMinutes int    `yaml:"expiry_minutes" envconfig:"EXPIRY_MINUTES"`
	Issuer        string `yaml:"issuer" envconfig:"ISSUER"`
}

// CipherKeyConfig is one symmetric key for the token cipher. Material is
// base64 (standard encoding) of exactly 32 bytes.
type CipherKeyConfig struct {
	ID        string `yaml:"id"`
	Material  string `yaml:"material"`
	Algorithm string `yaml:"algorithm"` // aes-256-gcm (default), xchacha20-poly1305
}

// CipherConfig contains the token cipher key map and active key id
type CipherConfig struct {
	Keys        []CipherKeyConfig `yaml:"keys"`
	ActiveKeyID string            `yaml:"active_key_id" envconfig:"ACTIVE_KEY_ID"`
}

// AuthConfig contains the lifetimes of the auth core
type AuthConfig struct {
	ChallengeTTLSeconds  int `yaml:"challenge_ttl_seconds" envconfig:"CHALLENGE_TTL_SECONDS"`
	SessionTTLDays       int `yaml:"session_ttl_days" envconfig:"SESSION_TTL_DAYS"`
	StepUpWindowSeconds  int `yaml:"step_up_window_seconds" envconfig:"STEP_UP_WINDOW_SECONDS"`
	UsedTokenTTLHours    int `yaml:"used_token_ttl_hours" envconfig:"USED_TOKEN_TTL_HOURS"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds" envconfig:"SWEEP_INTERVAL_SECONDS"`
}

// OAuthConfig contains PKCE/PAR lifetimes
type OAuthConfig struct {
	RequestURITTLSeconds int `yaml:"request_uri_ttl_seconds" envconfig:"REQUEST_URI_TTL_SECONDS"`
	CodeTTLSeconds       int `yaml:"code_ttl_seconds" envconfig:"CODE_TTL_SECONDS"`
}

// RateLimitConfig contains auth rate limiting configuration. The limiter is
// shared between legacy password attempts and passkey ceremonies.
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled" envconfig:"ENABLED"`
	MaxAttempts    int  `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS"`
	WindowSeconds  int  `yaml:"window_seconds" envconfig:"WINDOW_SECONDS"`
	LockoutSeconds int  `yaml:"lockout_seconds" envconfig:"LOCKOUT_SECONDS"`
}

// SetDefaults fills in zero-valued rate limit settings
func (c *RateLimitConfig) SetDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 10
	}
	if c.WindowSeconds == 0 {
		c.WindowSeconds = 60
	}
	if c.LockoutSeconds == 0 {
		c.LockoutSeconds = 300
	}
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Load from YAML file if provided (overrides defaults)
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// File doesn't exist, that's ok - we'll use defaults and env vars
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("AUTHD", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Set BaseURL if not provided
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible default values
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     8080,
			RPID:     "localhost",
			RPOrigin: "http://localhost:8080",
			RPName:   "Journal Auth",
		},
		Storage: StorageConfig{
			Type: "memory",
			MongoDB: MongoDBConfig{
				URI:      "mongodb://localhost:27017",
				Database: "journal_auth",
				Timeout:  10,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		JWT: JWTConfig{
			ExpiryMinutes: 15,
			Issuer:        "journal-auth",
		},
		Auth: AuthConfig{
			ChallengeTTLSeconds:  300,
			SessionTTLDays:       30,
			StepUpWindowSeconds:  300,
			UsedTokenTTLHours:    72,
			SweepIntervalSeconds: 60,
		},
		OAuth: OAuthConfig{
			RequestURITTLSeconds: 90,
			CodeTTLSeconds:       60,
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			MaxAttempts:    10,
			WindowSeconds:  60,
			LockoutSeconds: 300,
		},
	}
}

// Validate validates the configuration. Configuration errors are fatal at
// startup and never recovered silently.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.RPID == "" {
		return fmt.Errorf("rp_id is required")
	}

	if c.Server.RPOrigin == "" {
		return fmt.Errorf("rp_origin is required")
	}

	if c.Storage.Type != "memory" && c.Storage.Type != "mongodb" {
		return fmt.Errorf("invalid storage type: %s (must be memory or mongodb)", c.Storage.Type)
	}

	if c.Storage.Type == "mongodb" && c.Storage.MongoDB.URI == "" {
		return fmt.Errorf("mongodb uri is required when using mongodb storage")
	}

	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt secret is required")
	}

	if len(c.Cipher.Keys) == 0 {
		return fmt.Errorf("at least one cipher key is required")
	}

	if c.Cipher.ActiveKeyID == "" {
		return fmt.Errorf("cipher active_key_id is required")
	}

	activeFound := false
	for _, k := range c.Cipher.Keys {
		if k.ID == "" {
			return fmt.Errorf("cipher key with empty id")
		}
		material, err := base64.StdEncoding.DecodeString(k.Material)
		if err != nil {
			return fmt.Errorf("cipher key %q: material is not valid base64: %w", k.ID, err)
		}
		if len(material) != 32 {
			return fmt.Errorf("cipher key %q: material must decode to 32 bytes, got %d", k.ID, len(material))
		}
		if k.ID == c.Cipher.ActiveKeyID {
			activeFound = true
		}
	}
	if !activeFound {
		return fmt.Errorf("cipher active_key_id %q not present in key set", c.Cipher.ActiveKeyID)
	}

	return nil
}

// DecodedMaterial returns the raw key bytes for a cipher key entry
func (k *CipherKeyConfig) DecodedMaterial() ([]byte, error) {
	return base64.StdEncoding.DecodeString(k.Material)
}

// Address returns the server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
