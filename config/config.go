// Package config loads the authenticator configuration from a JSON file and
// SOLO2_* environment overrides, validates it and watches the file for
// replacement. A *Config is never mutated after it is returned; replacement
// swaps the pointer held by a Store.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/joeshaw/envdecode"
)

// SchemaVersion is the only configuration schema version understood.
const SchemaVersion = 1

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the configuration recognised by the core and the application
// shell. Unknown keys in the file are ignored.
type Config struct {
	Version int `json:"version,omitempty" jsonschema:"enum=1,description=Schema version"`

	TOTPPeriodDefault int    `json:"totp_period_default" env:"SOLO2_TOTP_PERIOD_DEFAULT,strict" jsonschema:"minimum=1,default=30,description=TOTP period in seconds for credentials without stored parameters"`
	TOTPDigitsDefault int    `json:"totp_digits_default" env:"SOLO2_TOTP_DIGITS_DEFAULT,strict" jsonschema:"enum=6,enum=8,default=6"`
	RefreshHz         int    `json:"refresh_hz" jsonschema:"enum=1,default=1"`
	SecretEncoding    string `json:"secret_encoding" jsonschema:"enum=base32,default=base32"`

	OperationTimeout Duration `json:"operation_timeout" env:"SOLO2_OPERATION_TIMEOUT" jsonschema:"default=3s,description=Soft deadline for one device operation"`
	ReaderFilter     string   `json:"reader_filter,omitempty" env:"SOLO2_READER_FILTER" jsonschema:"description=Only PC/SC readers whose name contains this substring are considered"`

	EventBroker         string `json:"event_broker" env:"SOLO2_EVENT_BROKER" jsonschema:"enum=memory,enum=redis,default=memory"`
	RedisAddr           string `json:"redis_addr,omitempty" env:"SOLO2_REDIS_ADDR"`
	RedisKeyPrefix      string `json:"redis_key_prefix,omitempty" env:"SOLO2_REDIS_KEY_PREFIX"`
	CredentialStore     string `json:"credential_store" env:"SOLO2_CREDENTIAL_STORE" jsonschema:"enum=memory,enum=redis,default=memory"`
	CredentialStoreSize int    `json:"credential_store_size" env:"SOLO2_CREDENTIAL_STORE_SIZE,strict" jsonschema:"minimum=1,default=256"`

	LogLevel string `json:"log_level,omitempty" env:"SOLO2_LOG_LEVEL" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version:             SchemaVersion,
		TOTPPeriodDefault:   30,
		TOTPDigitsDefault:   6,
		RefreshHz:           1,
		SecretEncoding:      "base32",
		OperationTimeout:    Duration(3 * time.Second),
		EventBroker:         "memory",
		RedisKeyPrefix:      "solo2:",
		CredentialStore:     "memory",
		CredentialStoreSize: 256,
		LogLevel:            "info",
	}
}

// Validate checks c.
func (c *Config) Validate() error {
	var errs []string
	if c.Version > SchemaVersion {
		errs = append(errs, fmt.Sprintf("version %d is newer than supported version %d", c.Version, SchemaVersion))
	}
	if c.TOTPPeriodDefault <= 0 {
		errs = append(errs, fmt.Sprintf("totp_period_default must be positive, got %d", c.TOTPPeriodDefault))
	}
	if c.TOTPDigitsDefault != 6 && c.TOTPDigitsDefault != 8 {
		errs = append(errs, fmt.Sprintf("totp_digits_default must be 6 or 8, got %d", c.TOTPDigitsDefault))
	}
	if c.RefreshHz != 1 {
		errs = append(errs, fmt.Sprintf("refresh_hz is fixed at 1, got %d", c.RefreshHz))
	}
	if !strings.EqualFold(c.SecretEncoding, "base32") {
		errs = append(errs, fmt.Sprintf("secret_encoding is fixed at base32, got %q", c.SecretEncoding))
	}
	if c.OperationTimeout <= 0 {
		errs = append(errs, "operation_timeout must be positive")
	}
	switch c.EventBroker {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("event_broker must be memory or redis, got %q", c.EventBroker))
	}
	switch c.CredentialStore {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("credential_store must be memory or redis, got %q", c.CredentialStore))
	}
	if (c.EventBroker == "redis" || c.CredentialStore == "redis") && c.RedisAddr == "" {
		errs = append(errs, "redis_addr is required when a redis backend is selected")
	}
	if c.CredentialStoreSize <= 0 {
		errs = append(errs, fmt.Sprintf("credential_store_size must be positive, got %d", c.CredentialStoreSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// DefaultPath returns $XDG_CONFIG_HOME/solo2-oath/config.json (or the
// platform equivalent).
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "solo2-oath.json"
	}
	return filepath.Join(dir, "solo2-oath", "config.json")
}

// Load reads path on top of the defaults, then applies environment
// overrides. A missing file is not an error. The result is validated.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := json.Unmarshal(b, c); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	if err := envdecode.Decode(c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Schema reflects the JSON schema of the configuration file.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	s := r.Reflect(new(Config))
	s.Title = "solo2-oath configuration"
	return s
}

// Duration is a time.Duration written as a Go duration string ("3s").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// JSONSchema describes Duration as a string.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
		Description: "Go duration, e.g. 3s or 1500ms",
	}
}

// Store holds the current configuration.
type Store struct {
	p atomic.Pointer[Config]
}

// NewStore returns a Store holding c, or the defaults if c is nil.
func NewStore(c *Config) *Store {
	if c == nil {
		c = Default()
	}
	s := &Store{}
	s.p.Store(c)
	return s
}

// Load returns the current configuration.
func (s *Store) Load() *Config { return s.p.Load() }

// Replace swaps in c and returns the previous configuration.
func (s *Store) Replace(c *Config) *Config { return s.p.Swap(c) }
