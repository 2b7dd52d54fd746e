package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/franz/music-collection/internal/store"
	"github.com/franz/music-collection/internal/util"
)

// EnvPrefix prefixes every environment variable read by viper, e.g. MCOL_DATABASE_PATH
const EnvPrefix = "MCOL"

// Config is the effective configuration of mcol
type Config struct {
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Registry RegistryConfig `mapstructure:"registry" yaml:"registry"`
	Query    QueryConfig    `mapstructure:"query" yaml:"query"`
	Scan     ScanConfig     `mapstructure:"scan" yaml:"scan"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Events   EventsConfig   `mapstructure:"events" yaml:"events"`

	Verbose bool `mapstructure:"verbose" yaml:"verbose"`
	Quiet   bool `mapstructure:"quiet" yaml:"quiet"`
}

// DatabaseConfig selects and tunes the storage backend
type DatabaseConfig struct {
	Driver           string `mapstructure:"driver" yaml:"driver" validate:"oneof=sqlite mysql"`
	Path             string `mapstructure:"path" yaml:"path" validate:"required_if=Driver sqlite"`
	DSN              string `mapstructure:"dsn" yaml:"dsn,omitempty" validate:"required_if=Driver mysql"`
	MaxStatementSize int    `mapstructure:"max_statement_size" yaml:"max_statement_size" validate:"gte=0"`
	BusyRetries      int    `mapstructure:"busy_retries" yaml:"busy_retries" validate:"gte=0,lte=20"`
	// NetworkMode enables network filesystem pragmas: auto detects the mount
	NetworkMode string `mapstructure:"network_mode" yaml:"network_mode" validate:"oneof=auto on off"`
}

// RegistryConfig tunes the in-memory entity cache
type RegistryConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval" validate:"gte=0"`
}

// MarshalYAML writes the interval as a duration string
func (r RegistryConfig) MarshalYAML() (any, error) {
	return map[string]string{"sweep_interval": r.SweepInterval.String()}, nil
}

// QueryConfig tunes the asynchronous query executor
type QueryConfig struct {
	Workers int `mapstructure:"workers" yaml:"workers" validate:"gte=1,lte=64"`
}

// ScanConfig tunes directory scans
type ScanConfig struct {
	Concurrency int      `mapstructure:"concurrency" yaml:"concurrency" validate:"gte=0,lte=64"`
	Extensions  []string `mapstructure:"extensions" yaml:"extensions,omitempty" validate:"dive,required,excludesall=/"`
	UIDProtocol string   `mapstructure:"uid_protocol" yaml:"uid_protocol" validate:"required,excludesall=:/"`
	HashLimit   int64    `mapstructure:"hash_limit" yaml:"hash_limit"`
	FFprobe     bool     `mapstructure:"ffprobe" yaml:"ffprobe"`
}

// MetricsConfig enables the prometheus HTTP listener
type MetricsConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen,omitempty" validate:"omitempty,hostname_port"`
}

// EventsConfig enables the JSONL event log
type EventsConfig struct {
	Path  string `mapstructure:"path" yaml:"path,omitempty"`
	Level string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warning error"`
}

// SetDefaults registers the default of every key so that env variables of
// keys missing from the config file are still picked up
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "mcol.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_statement_size", 0)
	v.SetDefault("database.busy_retries", util.DefaultRetryConfig().MaxAttempts)
	v.SetDefault("database.network_mode", "auto")
	v.SetDefault("registry.sweep_interval", "30s")
	v.SetDefault("query.workers", 4)
	v.SetDefault("scan.concurrency", 8)
	v.SetDefault("scan.extensions", []string{})
	v.SetDefault("scan.uid_protocol", util.DefaultUIDProtocol)
	v.SetDefault("scan.hash_limit", 1<<20)
	v.SetDefault("scan.ffprobe", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("events.path", "")
	v.SetDefault("events.level", "info")
	v.SetDefault("verbose", false)
	v.SetDefault("quiet", false)
}

// Bind sets up environment lookups on v
func Bind(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrInvalidConfig, err)
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	cfg.Events.Level = strings.ToLower(cfg.Events.Level)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field and reports all violations at once
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", util.ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s", util.ErrInvalidConfig, strings.Join(msgs, "; "))
}

// describe renders a validation failure with the config key of the field
func describe(fe validator.FieldError) string {
	key := keyOf(fe.StructNamespace())
	switch fe.Tag() {
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", key, fe.Param(), fe.Value())
	case "required", "required_if":
		return fmt.Sprintf("%s is required", key)
	case "gte":
		return fmt.Sprintf("%s must be at least %s", key, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", key, fe.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be host:port, got %q", key, fe.Value())
	case "excludesall":
		return fmt.Sprintf("%s must not contain any of %q", key, fe.Param())
	}
	return fmt.Sprintf("%s failed %s", key, fe.Tag())
}

var keyNames = map[string]string{
	"MaxStatementSize": "max_statement_size",
	"BusyRetries":      "busy_retries",
	"NetworkMode":      "network_mode",
	"SweepInterval":    "sweep_interval",
	"UIDProtocol":      "uid_protocol",
	"HashLimit":        "hash_limit",
	"DSN":              "dsn",
}

// keyOf turns "Config.Database.BusyRetries" into "database.busy_retries"
func keyOf(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		name, index, _ := strings.Cut(p, "[")
		if k, ok := keyNames[name]; ok {
			name = k
		} else {
			name = strings.ToLower(name)
		}
		if index != "" {
			name += "[" + index
		}
		parts[i] = name
	}
	return strings.Join(parts, ".")
}

// RetryConfig returns the storage retry policy
func (c *Config) RetryConfig() *util.RetryConfig {
	retry := util.DefaultRetryConfig()
	retry.MaxAttempts = max(c.Database.BusyRetries, 1)
	return retry
}

// Target returns the database path or DSN of the configured driver
func (c *Config) Target() string {
	if c.Database.Driver == "mysql" {
		return c.Database.DSN
	}
	return c.Database.Path
}

// Show writes the configuration as YAML with the DSN password masked
func (c *Config) Show(w io.Writer) error {
	shown := *c
	if shown.Database.DSN != "" {
		shown.Database.DSN = store.RedactDSN("mysql", shown.Database.DSN)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&shown); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
