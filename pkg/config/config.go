// Package config loads the worker configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"regexp"

	"github.com/dukex/graphproperty/pkg/identity"
	"github.com/dukex/graphproperty/pkg/metrics"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// UserOption is the configuration key carrying the identity override.
const UserOption = "user"

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrUnknownUser   = errors.New("configured user is not in the users table")
)

var metricNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config is the worker configuration.
type Config struct {
	// User overrides the identity the worker reads the graph as.
	User string `yaml:"user"`

	SystemUser string `validate:"required" yaml:"system_user"`

	// Users maps usernames to their visibility authorizations.
	Users map[string][]string `validate:"dive,keys,required,endkeys,dive,required" yaml:"users"`

	TeeBufferSize int    `validate:"gte=0"                  yaml:"tee_buffer_size"`
	QueueSize     int    `validate:"gte=0"                  yaml:"queue_size"`
	MetricsPrefix string `validate:"omitempty,metric_name"  yaml:"metrics_prefix"`
	TempDir       string `validate:"omitempty,dir"          yaml:"temp_dir"`

	// Analyzers holds per-analyzer options keyed by analyzer id.
	Analyzers map[string]map[string]any `yaml:"analyzers"`

	// Options are passed through to every analyzer.
	Options map[string]any `yaml:"options"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		SystemUser:    identity.DefaultSystemUser,
		MetricsPrefix: metrics.DefaultPrefix,
	}
}

// Load reads and validates a YAML file over Default. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func newValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())

	_ = validate.RegisterValidation("metric_name", func(fl validator.FieldLevel) bool {
		return metricNamePattern.MatchString(fl.Field().String())
	})

	return validate
}

// Validate checks field constraints and that the user override is known.
func (c *Config) Validate() error {
	err := newValidator().Struct(c)
	if err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, validationErrors)
		}

		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if c.User != "" && c.User != c.SystemUser {
		if _, ok := c.Users[c.User]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownUser, c.User)
		}
	}

	return nil
}

// Map returns the options handed to analyzers, with the user override under UserOption.
func (c *Config) Map() map[string]any {
	out := make(map[string]any, len(c.Options)+1)
	maps.Copy(out, c.Options)

	if c.User != "" {
		out[UserOption] = c.User
	}

	return out
}

// IdentityStore builds the user provider and repository described by the file.
func (c *Config) IdentityStore() *identity.StaticStore {
	return identity.NewStaticStore(c.SystemUser, c.Users)
}
