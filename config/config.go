// Package config loads and validates the process configuration from a
// YAML file with GATEHOUSE_-prefixed environment overrides. The resulting
// Config is immutable by convention: it is built once at startup and
// passed into each component's constructor.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"gatehouse/authc"
	"gatehouse/cache"
)

const envPrefix = "GATEHOUSE_"

// BoundsConfig mirrors authc.Bounds for one work-factor parameter.
type BoundsConfig struct {
	Min     int `koanf:"min"`
	Default int `koanf:"default"`
	Max     int `koanf:"max"`
}

// HashConfig selects the preferred algorithm and its parameter bounds.
type HashConfig struct {
	Preferred string `koanf:"preferred"`
	Pepper    string `koanf:"pepper"`

	Bcrypt BoundsConfig `koanf:"bcrypt"`

	Argon2 struct {
		Time    BoundsConfig `koanf:"time"`
		Memory  uint32       `koanf:"memory"`
		Threads uint8        `koanf:"threads"`
	} `koanf:"argon2"`

	PBKDF2 BoundsConfig `koanf:"pbkdf2"`
}

// LockoutConfig holds the account-lock threshold. Zero disables tracking.
type LockoutConfig struct {
	Threshold int `koanf:"threshold"`
}

// SessionConfig holds the two expiry windows and the sweep scheduler.
type SessionConfig struct {
	Absolute time.Duration `koanf:"absolute"`
	Idle     time.Duration `koanf:"idle"`
	Sweep    struct {
		Enabled  bool          `koanf:"enabled"`
		Interval time.Duration `koanf:"interval"`
	} `koanf:"sweep"`
}

// CacheConfig holds the per-class TTLs and the Redis endpoint.
type CacheConfig struct {
	TTL struct {
		Credentials time.Duration `koanf:"credentials"`
		AuthzInfo   time.Duration `koanf:"authzinfo"`
		Session     time.Duration `koanf:"session"`
		Absolute    time.Duration `koanf:"absolute"`
	} `koanf:"ttl"`

	Redis struct {
		Addr     string `koanf:"addr"`
		Password string `koanf:"password"`
		DB       int    `koanf:"db"`
	} `koanf:"redis"`
}

// RememberMeConfig holds the symmetric cipher key (base64) and its id.
type RememberMeConfig struct {
	Enabled bool          `koanf:"enabled"`
	KeyID   string        `koanf:"keyid"`
	Key     string        `koanf:"key"`
	MaxAge  time.Duration `koanf:"maxage"`
}

// MFAConfig selects the TOTP dispatcher and its rotation default tag.
type MFAConfig struct {
	Enabled      bool          `koanf:"enabled"`
	DefaultTag   string        `koanf:"defaulttag"`
	Period       uint          `koanf:"period"`
	ChallengeTTL time.Duration `koanf:"challengettl"`
}

// PostgresConfig holds the account-store connection settings.
type PostgresConfig struct {
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"maxopenconns"`
	MaxIdleConns int    `koanf:"maxidleconns"`
}

// AuditConfig holds the webhook audit sink endpoint.
type AuditConfig struct {
	WebhookURL string        `koanf:"webhookurl"`
	Timeout    time.Duration `koanf:"timeout"`
}

// HTTPConfig holds the listen address and the session cookie signing key.
type HTTPConfig struct {
	Addr          string `koanf:"addr"`
	CookieName    string `koanf:"cookiename"`
	CookieSignKey string `koanf:"cookiesignkey"`
}

// Config is the full recognized configuration surface.
type Config struct {
	Hash       HashConfig       `koanf:"hash"`
	Lockout    LockoutConfig    `koanf:"lockout"`
	Session    SessionConfig    `koanf:"session"`
	Cache      CacheConfig      `koanf:"cache"`
	RememberMe RememberMeConfig `koanf:"rememberme"`
	MFA        MFAConfig        `koanf:"mfa"`
	Postgres   PostgresConfig   `koanf:"postgres"`
	Audit      AuditConfig      `koanf:"audit"`
	HTTP       HTTPConfig       `koanf:"http"`
}

// Default returns the configuration used when the file and environment
// leave a knob unset.
func Default() Config {
	var cfg Config
	cfg.Hash.Preferred = authc.AlgorithmArgon2id
	cfg.Hash.Bcrypt = BoundsConfig{Min: 4, Default: authc.DefaultBcryptCost, Max: 31}
	cfg.Hash.Argon2.Time = BoundsConfig{Min: 1, Default: authc.DefaultArgon2Time, Max: 10}
	cfg.Hash.Argon2.Memory = authc.DefaultArgon2Memory
	cfg.Hash.Argon2.Threads = authc.DefaultArgon2Threads
	cfg.Hash.PBKDF2 = BoundsConfig{Min: 100_000, Default: authc.DefaultPBKDF2Rounds, Max: 5_000_000}
	cfg.Session.Absolute = authc.DefaultAbsoluteTimeout
	cfg.Session.Idle = authc.DefaultIdleTimeout
	cfg.Session.Sweep.Interval = authc.DefaultSweepInterval
	cfg.Cache.TTL.Credentials = 5 * time.Minute
	cfg.Cache.TTL.AuthzInfo = 10 * time.Minute
	cfg.Cache.TTL.Session = 30 * time.Minute
	cfg.Cache.TTL.Absolute = time.Hour
	cfg.RememberMe.MaxAge = authc.DefaultRememberMeMaxAge
	cfg.MFA.DefaultTag = authc.DefaultSecretTag
	cfg.MFA.Period = authc.DefaultTOTPPeriod
	cfg.MFA.ChallengeTTL = authc.DefaultChallengeTTL
	cfg.Audit.Timeout = 5 * time.Second
	cfg.HTTP.Addr = ":8080"
	cfg.HTTP.CookieName = "gatehouse_session"
	return cfg
}

// Load reads the YAML file at path (skipped when empty or absent), applies
// GATEHOUSE_ environment overrides, and validates the result. The
// environment key GATEHOUSE_SESSION_IDLE maps to the config path
// session.idle.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("%w: read %s: %v", authc.ErrConfiguration, path, err)
			}
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.TrimPrefix(key, envPrefix)
			return strings.ReplaceAll(strings.ToLower(key), "_", "."), value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("%w: load environment: %v", authc.ErrConfiguration, err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal: %v", authc.ErrConfiguration, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fails fast on invalid bounds or missing required keys.
func (c *Config) Validate() error {
	switch c.Hash.Preferred {
	case authc.AlgorithmBcrypt, authc.AlgorithmArgon2id, authc.AlgorithmPBKDF2SHA256:
	default:
		return fmt.Errorf("%w: unknown preferred algorithm %q", authc.ErrConfiguration, c.Hash.Preferred)
	}
	for _, b := range []struct {
		name   string
		bounds BoundsConfig
	}{
		{"hash.bcrypt", c.Hash.Bcrypt},
		{"hash.argon2.time", c.Hash.Argon2.Time},
		{"hash.pbkdf2", c.Hash.PBKDF2},
	} {
		if b.bounds.Min <= 0 || b.bounds.Min > b.bounds.Default || b.bounds.Default > b.bounds.Max {
			return fmt.Errorf("%w: %s bounds must satisfy 0 < min <= default <= max, got %d/%d/%d",
				authc.ErrConfiguration, b.name, b.bounds.Min, b.bounds.Default, b.bounds.Max)
		}
	}

	if c.Lockout.Threshold < 0 {
		return fmt.Errorf("%w: lockout.threshold must not be negative, got %d", authc.ErrConfiguration, c.Lockout.Threshold)
	}

	if c.Session.Absolute <= 0 || c.Session.Idle <= 0 {
		return fmt.Errorf("%w: session timeouts must be positive", authc.ErrConfiguration)
	}
	if c.Session.Idle > c.Session.Absolute {
		return fmt.Errorf("%w: session.idle %v exceeds session.absolute %v",
			authc.ErrConfiguration, c.Session.Idle, c.Session.Absolute)
	}
	if c.Session.Sweep.Enabled && c.Session.Sweep.Interval <= 0 {
		return fmt.Errorf("%w: session.sweep.interval must be positive when the sweep is enabled", authc.ErrConfiguration)
	}

	if c.RememberMe.Enabled {
		if c.RememberMe.KeyID == "" {
			return fmt.Errorf("%w: rememberme.keyid is required", authc.ErrConfiguration)
		}
		key, err := c.RememberMeKey()
		if err != nil {
			return err
		}
		if len(key) != authc.RememberMeKeyLength {
			return fmt.Errorf("%w: rememberme.key must decode to %d bytes, got %d",
				authc.ErrConfiguration, authc.RememberMeKeyLength, len(key))
		}
	}

	if c.MFA.Enabled && c.MFA.DefaultTag == "" {
		return fmt.Errorf("%w: mfa.defaulttag is required when MFA is enabled", authc.ErrConfiguration)
	}

	return nil
}

// LockoutPolicy converts the configured threshold into the sum type the
// tracker consumes: zero means disabled.
func (c *Config) LockoutPolicy() authc.LockoutPolicy {
	if c.Lockout.Threshold <= 0 {
		return authc.LockoutDisabled()
	}
	return authc.LockoutAfter(c.Lockout.Threshold)
}

// CacheTTLs converts the configured windows into the handler's TTL set.
func (c *Config) CacheTTLs() cache.TTLs {
	return cache.TTLs{
		Credentials: c.Cache.TTL.Credentials,
		AuthzInfo:   c.Cache.TTL.AuthzInfo,
		Session:     c.Cache.TTL.Session,
		Absolute:    c.Cache.TTL.Absolute,
	}
}

// RememberMeKey decodes the configured base64 cipher key.
func (c *Config) RememberMeKey() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.RememberMe.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: rememberme.key is not valid base64: %v", authc.ErrConfiguration, err)
	}
	return key, nil
}

// HashRegistry builds the configured registry.
func (c *Config) HashRegistry() (*authc.Registry, error) {
	opts := []authc.RegistryOption{
		authc.WithPreferredAlgorithm(c.Hash.Preferred),
		authc.WithBcryptSpec(authc.BcryptSpec{
			Cost: authc.Bounds(c.Hash.Bcrypt),
		}),
		authc.WithArgon2Spec(authc.Argon2Spec{
			Time:       authc.Bounds(c.Hash.Argon2.Time),
			Memory:     c.Hash.Argon2.Memory,
			Threads:    c.Hash.Argon2.Threads,
			KeyLen:     authc.DefaultArgon2KeyLen,
			SaltLength: authc.DefaultSaltLength,
		}),
		authc.WithPBKDF2Spec(authc.PBKDF2Spec{
			Rounds:     authc.Bounds(c.Hash.PBKDF2),
			SaltLength: authc.DefaultSaltLength,
			KeyLen:     authc.DefaultPBKDF2KeyLen,
		}),
	}
	if c.Hash.Pepper != "" {
		opts = append(opts, authc.WithPepper([]byte(c.Hash.Pepper)))
	}
	return authc.NewRegistry(opts...)
}
