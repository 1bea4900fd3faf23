// Package config loads store settings from a YAML file and the environment.
//
// Values are applied in order: defaults, then the optional YAML file, then
// environment variables prefixed with MVI_. For example:
//
//	store:
//	  id: counter
//	  multi_subscription: throw
//	  reducer_failure: skip
//	  command_kinds: view,async
//	logging:
//	  level: debug
//	telemetry:
//	  exporter: stdout
//
// and MVI_STORE_MULTI_SUBSCRIPTION=log overrides the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/jilio/mvi"
	"github.com/jilio/mvi/otel"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name
const EnvPrefix = "MVI_"

// Config is the file and environment configuration of a store process
type Config struct {
	Store     Store     `yaml:"store" envPrefix:"STORE_"`
	Logging   Logging   `yaml:"logging" envPrefix:"LOG_"`
	Telemetry Telemetry `yaml:"telemetry" envPrefix:"OTEL_"`
}

// Store holds the mvi.Option settings
type Store struct {
	ID                string `yaml:"id" env:"ID"`
	MultiSubscription string `yaml:"multi_subscription" env:"MULTI_SUBSCRIPTION"`
	ReducerFailure    string `yaml:"reducer_failure" env:"REDUCER_FAILURE"`
	CommandKinds      string `yaml:"command_kinds" env:"COMMAND_KINDS"`
}

// Telemetry selects the OpenTelemetry exporter
type Telemetry struct {
	Exporter    string `yaml:"exporter" env:"EXPORTER"`
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Store: Store{
			MultiSubscription: mvi.LogError.String(),
			ReducerFailure:    mvi.SkipFailedIntent.String(),
			CommandKinds:      mvi.AllCommandKinds.String(),
		},
		Logging: Logging{
			Level: "info",
		},
		Telemetry: Telemetry{
			Exporter:    otel.ExporterNone,
			ServiceName: "mvi",
		},
	}
}

// Load reads the YAML file at path, if path is not empty, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, err
		}
	}

	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// ParseEnv applies MVI_ prefixed environment variables to target.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate rejects unknown enum values
func (c *Config) Validate() error {
	var errs []error

	if _, err := mvi.ParseMultiSubscriptionBehaviour(c.Store.MultiSubscription); err != nil {
		errs = append(errs, err)
	}
	if _, err := mvi.ParseReducerFailurePolicy(c.Store.ReducerFailure); err != nil {
		errs = append(errs, err)
	}
	if _, err := mvi.ParseCommandKinds(c.Store.CommandKinds); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Logging.level(); err != nil {
		errs = append(errs, err)
	}

	switch c.Telemetry.Exporter {
	case "", otel.ExporterNone, otel.ExporterStdout:
	case otel.ExporterOTLP:
		if c.Telemetry.Endpoint == "" {
			errs = append(errs, errors.New("config: telemetry endpoint is required for otlp"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown telemetry exporter %q", c.Telemetry.Exporter))
	}

	return errors.Join(errs...)
}

// Options converts the store section into mvi options
func (c *Config) Options() ([]mvi.Option, error) {
	multiSub, err := mvi.ParseMultiSubscriptionBehaviour(c.Store.MultiSubscription)
	if err != nil {
		return nil, err
	}
	failure, err := mvi.ParseReducerFailurePolicy(c.Store.ReducerFailure)
	if err != nil {
		return nil, err
	}
	kinds, err := mvi.ParseCommandKinds(c.Store.CommandKinds)
	if err != nil {
		return nil, err
	}

	opts := []mvi.Option{
		mvi.WithMultiSubscriptionBehaviour(multiSub),
		mvi.WithReducerFailurePolicy(failure),
		mvi.WithCommandKinds(kinds),
	}
	if c.Store.ID != "" {
		opts = append(opts, mvi.WithID(c.Store.ID))
	}
	return opts, nil
}

// ProviderConfig converts the telemetry section for otel.Setup
func (c *Config) ProviderConfig(version string) otel.ProviderConfig {
	return otel.ProviderConfig{
		Exporter:       c.Telemetry.Exporter,
		Endpoint:       c.Telemetry.Endpoint,
		ServiceName:    c.Telemetry.ServiceName,
		ServiceVersion: version,
	}
}
