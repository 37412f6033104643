// Package config holds the process configuration of policyhostd, decoded
// from the environment.
package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ggoodman/policyhost/module"
	"github.com/joeshaw/envdecode"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreFile   = "file"
)

// Config is the policyhostd configuration. Every field has an environment
// variable; defaults are given in the tags.
type Config struct {
	// ListenAddr serves the admin API. ENV: POLICYHOST_LISTEN_ADDR
	ListenAddr string `env:"POLICYHOST_LISTEN_ADDR,default=:8080"`
	// MetricsAddr serves /metrics; empty disables it. ENV: POLICYHOST_METRICS_ADDR
	MetricsAddr string `env:"POLICYHOST_METRICS_ADDR,default=:9090"`

	// Store selects the module catalog backend: memory, redis or file.
	Store string `env:"POLICYHOST_STORE,default=memory"`
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// RedisPrefix prefixes every key policyhost writes. ENV: POLICYHOST_REDIS_PREFIX
	RedisPrefix string `env:"POLICYHOST_REDIS_PREFIX,default=policyhost:"`
	// ModuleDir is the root of the file store. ENV: POLICYHOST_MODULE_DIR
	ModuleDir string `env:"POLICYHOST_MODULE_DIR,default=./modules"`

	// Kinds is a comma-separated list of managed kinds; empty means the
	// three workflow kinds. ENV: POLICYHOST_KINDS
	Kinds string `env:"POLICYHOST_KINDS"`
	// PollInterval reloads every kind periodically; zero disables polling.
	PollInterval time.Duration `env:"POLICYHOST_POLL_INTERVAL,default=0s"`
	// ExternalAuth disables the internal authentication fallback.
	ExternalAuth bool `env:"POLICYHOST_EXTERNAL_AUTH,default=false"`
	// UsersFile lists "username:bcrypt-hash" lines for the internal fallback.
	UsersFile string `env:"POLICYHOST_USERS_FILE"`
	// NodeID identifies this node on the reload broker. Empty picks a
	// random one at startup.
	NodeID string `env:"POLICYHOST_NODE_ID"`

	// InvokeTimeout bounds every module call; zero disables it.
	InvokeTimeout time.Duration `env:"POLICYHOST_INVOKE_TIMEOUT,default=5s"`
	// SessionTTL bounds idle workflow sessions.
	SessionTTL time.Duration `env:"POLICYHOST_SESSION_TTL,default=30m"`
	// SessionMaxItems caps the in-memory session store.
	SessionMaxItems int `env:"POLICYHOST_SESSION_MAX_ITEMS,default=100000"`
	// HandleKey is the base64 ed25519 seed signing session handles. Nodes
	// sharing Redis must share it. ENV: POLICYHOST_HANDLE_KEY
	HandleKey HandleKey `env:"POLICYHOST_HANDLE_KEY"`

	// AdminIssuer enables bearer authentication on the admin API.
	AdminIssuer string `env:"POLICYHOST_ADMIN_ISSUER"`
	// AdminAudience is the audience admin tokens must carry.
	AdminAudience string `env:"POLICYHOST_ADMIN_AUDIENCE"`
	// AdminJWKSURI skips OIDC discovery when set.
	AdminJWKSURI string `env:"POLICYHOST_ADMIN_JWKS_URI"`
	// AdminScope is required on admin tokens.
	AdminScope string `env:"POLICYHOST_ADMIN_SCOPE,default=policyhost:admin"`

	LogLevel  LogLevel `env:"POLICYHOST_LOG_LEVEL,default=info"`
	LogFormat string   `env:"POLICYHOST_LOG_FORMAT,default=json"`
}

// LogLevel is a slog.Level decodable from "debug", "info", "warn", "error"
// or any form slog.Level accepts, such as "debug-4".
type LogLevel slog.Level

func (l *LogLevel) Decode(s string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return err
	}
	*l = LogLevel(lvl)
	return nil
}

// HandleKey is an ed25519 private key decoded from a base64 seed.
type HandleKey ed25519.PrivateKey

func (k *HandleKey) Decode(s string) error {
	seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("handle key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("handle key: seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	*k = HandleKey(ed25519.NewKeyFromSeed(seed))
	return nil
}

// Load decodes the environment into a validated Config.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the environment decoder cannot.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreRedis:
	case StoreFile:
		if strings.TrimSpace(c.ModuleDir) == "" {
			return errors.New("config: POLICYHOST_MODULE_DIR is required for the file store")
		}
	default:
		return fmt.Errorf("config: unknown store %q", c.Store)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	if c.PollInterval < 0 || c.InvokeTimeout < 0 {
		return errors.New("config: durations must not be negative")
	}
	if c.SessionTTL <= 0 {
		return errors.New("config: POLICYHOST_SESSION_TTL must be positive")
	}
	if c.AdminIssuer != "" && c.AdminAudience == "" {
		return errors.New("config: POLICYHOST_ADMIN_AUDIENCE is required with POLICYHOST_ADMIN_ISSUER")
	}
	if _, err := c.ManagedKinds(); err != nil {
		return err
	}
	return nil
}

// ManagedKinds parses Kinds.
func (c *Config) ManagedKinds() ([]module.Kind, error) {
	if strings.TrimSpace(c.Kinds) == "" {
		return slices.Clone(module.WorkflowKinds), nil
	}
	var kinds []module.Kind
	for _, part := range strings.Split(c.Kinds, ",") {
		k, err := module.ParseKind(part)
		if err != nil {
			return nil, fmt.Errorf("config: POLICYHOST_KINDS: %w", err)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// LogHandler builds the process log handler writing to w.
func (c *Config) LogHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: slog.Level(c.LogLevel)}
	if c.LogFormat == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}
