// Package config loads the server configuration: a YAML file, then
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/united-manufacturing-hub/umh-utils/env"
	"gopkg.in/yaml.v3"

	"github.com/roach88/tempo/internal/action"
	"github.com/roach88/tempo/internal/validate"
)

// Scopes a token may carry.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
)

// Token is a configured API bearer token.
type Token struct {
	Name   string   `yaml:"name"`
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Has reports whether the token carries scope.
func (t Token) Has(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type Transport struct {
	BPM                float64 `yaml:"bpm"`
	QuarterNotesPerBar float64 `yaml:"quarterNotesPerBar"`
	Autoplay           bool    `yaml:"autoplay"`
}

type Queue struct {
	Capacity int `yaml:"capacity"`
	Retain   int `yaml:"retain"`
}

type Bridge struct {
	Tolerance  time.Duration `yaml:"tolerance"`
	Interval   time.Duration `yaml:"interval"`
	SinkBuffer int           `yaml:"sinkBuffer"`
}

type Validation struct {
	TTL             time.Duration `yaml:"ttl"`
	ConfirmationTTL time.Duration `yaml:"confirmationTtl"`
}

type Events struct {
	RingSize         int `yaml:"ringSize"`
	SubscriberBuffer int `yaml:"subscriberBuffer"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the complete server configuration.
type Config struct {
	Addr         string `yaml:"addr"`
	DBPath       string `yaml:"db"`
	RegistryPath string `yaml:"registry"`

	Transport            Transport       `yaml:"transport"`
	Queue                Queue           `yaml:"queue"`
	Bridge               Bridge          `yaml:"bridge"`
	Validation           Validation      `yaml:"validation"`
	Events               Events          `yaml:"events"`
	HistoryLimit         int             `yaml:"historyLimit"`
	IdempotencyRetention time.Duration   `yaml:"idempotencyRetention"`
	SessionIdleTTL       time.Duration   `yaml:"sessionIdleTtl"`
	Policy               validate.Policy `yaml:"policy"`
	Tokens               []Token         `yaml:"tokens"`
	Logging              Logging         `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr: ":8080",
		Transport: Transport{
			BPM:                120,
			QuarterNotesPerBar: 4,
			Autoplay:           true,
		},
		Queue: Queue{Capacity: 1024, Retain: 1024},
		Bridge: Bridge{
			Tolerance:  5 * time.Millisecond,
			Interval:   2 * time.Millisecond,
			SinkBuffer: 1024,
		},
		Validation: Validation{
			TTL:             validate.DefaultValidationTTL,
			ConfirmationTTL: validate.DefaultConfirmationTTL,
		},
		Events:               Events{RingSize: 1024, SubscriberBuffer: 256},
		HistoryLimit:         100,
		IdempotencyRetention: 24 * time.Hour,
		SessionIdleTTL:       30 * time.Minute,
		Policy:               validate.DefaultPolicy(),
		Logging:              Logging{Level: "PRODUCTION", Format: "JSON"},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from TEMPO_* environment variables.
// TEMPO_API_TOKEN adds a token with read and write scopes.
func (c *Config) ApplyEnv() error {
	var err error
	if c.Addr, err = env.GetAsString("TEMPO_ADDR", false, c.Addr); err != nil {
		return err
	}
	if c.DBPath, err = env.GetAsString("TEMPO_DB", false, c.DBPath); err != nil {
		return err
	}
	if c.RegistryPath, err = env.GetAsString("TEMPO_REGISTRY", false, c.RegistryPath); err != nil {
		return err
	}
	if c.Transport.BPM, err = env.GetAsFloat64("TEMPO_BPM", false, c.Transport.BPM); err != nil {
		return err
	}
	if c.Transport.QuarterNotesPerBar, err = env.GetAsFloat64("TEMPO_QUARTER_NOTES_PER_BAR", false, c.Transport.QuarterNotesPerBar); err != nil {
		return err
	}
	if c.Transport.Autoplay, err = env.GetAsBool("TEMPO_AUTOPLAY", false, c.Transport.Autoplay); err != nil {
		return err
	}
	if c.Queue.Capacity, err = env.GetAsInt("TEMPO_QUEUE_CAPACITY", false, c.Queue.Capacity); err != nil {
		return err
	}
	if c.HistoryLimit, err = env.GetAsInt("TEMPO_HISTORY_LIMIT", false, c.HistoryLimit); err != nil {
		return err
	}
	if c.Logging.Level, err = env.GetAsString("LOGGING_LEVEL", false, c.Logging.Level); err != nil {
		return err
	}
	if c.Logging.Format, err = env.GetAsString("LOGGING_FORMAT", false, c.Logging.Format); err != nil {
		return err
	}

	token, err := env.GetAsString("TEMPO_API_TOKEN", false, "")
	if err != nil {
		return err
	}
	if token != "" {
		c.Tokens = append(c.Tokens, Token{Name: "env", Token: token, Scopes: []string{ScopeRead, ScopeWrite}})
	}
	return nil
}

// Validate rejects impossible values.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Addr != "", "addr must be set")
	check(c.Transport.BPM >= 20 && c.Transport.BPM <= 300, "transport.bpm %v outside [20, 300]", c.Transport.BPM)
	check(c.Transport.QuarterNotesPerBar > 0 && c.Transport.QuarterNotesPerBar <= 16,
		"transport.quarterNotesPerBar %v outside (0, 16]", c.Transport.QuarterNotesPerBar)
	check(c.Queue.Capacity > 0, "queue.capacity must be positive")
	check(c.Queue.Retain >= 0, "queue.retain must not be negative")
	check(c.Bridge.Tolerance > 0, "bridge.tolerance must be positive")
	check(c.Bridge.Interval > 0, "bridge.interval must be positive")
	check(c.Validation.TTL > 0, "validation.ttl must be positive")
	check(c.Validation.ConfirmationTTL > 0, "validation.confirmationTtl must be positive")
	check(c.HistoryLimit > 0, "historyLimit must be positive")
	check(c.SessionIdleTTL > 0, "sessionIdleTtl must be positive")

	for name, r := range map[string]action.Risk{
		"policy.maxRisk":                           c.Policy.MaxRisk,
		"policy.requireDiffForRiskAtLeast":         c.Policy.RequireDiffForRiskAtLeast,
		"policy.requireConfirmationForRiskAtLeast": c.Policy.RequireConfirmationForRiskAtLeast,
	} {
		if r == "" {
			continue
		}
		if _, err := action.ParseRisk(string(r)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	for i, t := range c.Tokens {
		check(t.Token != "", "tokens[%d]: token must be set", i)
		for _, s := range t.Scopes {
			check(s == ScopeRead || s == ScopeWrite, "tokens[%d]: unknown scope %q", i, s)
		}
	}
	return errors.Join(errs...)
}
