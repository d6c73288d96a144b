// Package config provides YAML configuration loading and validation for the
// notifyd daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/tripwire/notifyd/notify"
)

// Config is the top-level configuration structure for the notifyd daemon.
type Config struct {
	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// ListenAddr is the listen address of the HTTP API, including /healthz
	// and /metrics. Defaults to "127.0.0.1:9000" when omitted.
	ListenAddr string `yaml:"listen_addr"`

	// FollowSymlinks controls symlink resolution for every watch. Defaults
	// to true when omitted.
	FollowSymlinks *bool `yaml:"follow_symlinks"`

	// Subscribe lists the operation names to deliver (e.g. "CREATE",
	// "MOVE"). Empty subscribes to everything.
	Subscribe []string `yaml:"subscribe"`

	// BufferSize is the per-watch receive buffer in bytes. Zero selects the
	// engine default.
	BufferSize int `yaml:"buffer_size"`

	// Watches are the directories watched at startup.
	Watches []WatchConfig `yaml:"watches"`

	// Journal selects where delivered events are recorded.
	Journal JournalConfig `yaml:"journal"`

	// AuditLog is the path of the hash-chained control-plane audit log.
	// Empty disables auditing.
	AuditLog string `yaml:"audit_log"`

	// Auth configures bearer-token verification on the /api/v1 routes.
	Auth AuthConfig `yaml:"auth"`
}

// WatchConfig describes one directory to watch.
type WatchConfig struct {
	// Path is the directory to watch. Required.
	Path string `yaml:"path"`

	// Recursive subscribes the subdirectories of Path.
	Recursive bool `yaml:"recursive"`

	// RecursionLimit bounds how many levels below Path are subscribed when
	// Recursive is set. Zero or a negative value means unlimited.
	RecursionLimit int `yaml:"recursion_limit"`

	// Exclude lists glob patterns; a subdirectory whose path matches any of
	// them is skipped along with everything below it.
	Exclude []string `yaml:"exclude"`
}

// JournalConfig selects the event journal backend.
type JournalConfig struct {
	// Driver is one of "sqlite", "postgres", or "none". Defaults to "none".
	Driver string `yaml:"driver"`

	// DSN is the SQLite file path or the PostgreSQL connection string.
	// Defaults to "notifyd.db" for sqlite; required for postgres.
	DSN string `yaml:"dsn"`
}

// AuthConfig holds the JWT verification settings for the API.
type AuthConfig struct {
	// PublicKeyPath is a PEM-encoded RSA public key. Empty disables
	// authentication.
	PublicKeyPath string `yaml:"public_key_path"`

	// Issuer, when set, must match the token's "iss" claim.
	Issuer string `yaml:"issuer"`

	// Audience, when set, must be present in the token's "aud" claim.
	Audience string `yaml:"audience"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validDrivers is the set of accepted journal drivers.
var validDrivers = map[string]bool{
	"sqlite":   true,
	"postgres": true,
	"none":     true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:9000"
	}
	if cfg.FollowSymlinks == nil {
		follow := true
		cfg.FollowSymlinks = &follow
	}
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = "none"
	}
	if cfg.Journal.Driver == "sqlite" && cfg.Journal.DSN == "" {
		cfg.Journal.DSN = "notifyd.db"
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if !validDrivers[cfg.Journal.Driver] {
		errs = append(errs, fmt.Errorf("journal.driver %q must be one of: sqlite, postgres, none", cfg.Journal.Driver))
	}
	if cfg.Journal.Driver == "postgres" && cfg.Journal.DSN == "" {
		errs = append(errs, errors.New("journal.dsn is required for the postgres driver"))
	}
	if cfg.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("buffer_size %d must not be negative", cfg.BufferSize))
	}
	if _, err := cfg.SubscribeOps(); err != nil {
		errs = append(errs, fmt.Errorf("subscribe: %w", err))
	}

	for i, w := range cfg.Watches {
		prefix := fmt.Sprintf("watches[%d]", i)
		if w.Path == "" {
			errs = append(errs, fmt.Errorf("%s: path is required", prefix))
		} else if !filepath.IsAbs(w.Path) {
			errs = append(errs, fmt.Errorf("%s: path %q must be absolute", prefix, w.Path))
		}
		if !w.Recursive && (w.RecursionLimit != 0 || len(w.Exclude) > 0) {
			errs = append(errs, fmt.Errorf("%s: recursion_limit and exclude require recursive: true", prefix))
		}
		if _, err := CompileExclude(w.Exclude); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
	}

	return errors.Join(errs...)
}

// SubscribeOps folds the Subscribe names into an operation mask. An empty
// list selects every operation.
func (c *Config) SubscribeOps() (notify.Op, error) {
	if len(c.Subscribe) == 0 {
		return notify.AllOps, nil
	}
	return notify.ParseOp(strings.Join(c.Subscribe, "|"))
}

// Notify builds the engine configuration shared by every watch of this
// daemon. Recursion is set per watch with WatchConfig.Apply.
func (c *Config) Notify() (notify.Config, error) {
	ops, err := c.SubscribeOps()
	if err != nil {
		return notify.Config{}, err
	}
	nc := notify.DefaultConfig().WithSubscribe(ops)
	if c.FollowSymlinks != nil {
		nc.FollowSymlinks = *c.FollowSymlinks
	}
	nc.BufferSize = c.BufferSize
	return nc, nil
}

// Limit returns the engine recursion limit for w.
func (w WatchConfig) Limit() int {
	switch {
	case !w.Recursive:
		return 0
	case w.RecursionLimit <= 0:
		return notify.Unlimited
	default:
		return w.RecursionLimit
	}
}

// Apply returns base with w's recursion settings.
func (w WatchConfig) Apply(base notify.Config) (notify.Config, error) {
	if !w.Recursive {
		return base.WithRecursion(0, nil), nil
	}
	filter, err := CompileExclude(w.Exclude)
	if err != nil {
		return notify.Config{}, err
	}
	return base.WithRecursion(w.Limit(), filter), nil
}

// Profile identifies the recursion settings of w. Watches with the same
// profile can share one notifier.
func (w WatchConfig) Profile() string {
	if !w.Recursive {
		return "flat"
	}
	return fmt.Sprintf("recursive:%d:%s", w.Limit(), strings.Join(w.Exclude, "\x00"))
}

// CompileExclude turns exclude patterns into a recursion filter that admits
// a directory only when no pattern matches its path. It returns nil for an
// empty pattern list. Patterns use '/' as the separator, so "**" crosses
// directory levels and "*" does not.
func CompileExclude(patterns []string) (func(path string) bool, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("exclude %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return func(path string) bool {
		slashed := filepath.ToSlash(path)
		for _, g := range globs {
			if g.Match(slashed) {
				return false
			}
		}
		return true
	}, nil
}
