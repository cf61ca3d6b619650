// loader.go implements the configuration loading lifecycle:
//  1. Enforce UTC timezone.
//  2. Load .env files via godotenv (the default file is optional).
//  3. Use envconfig to populate the Config struct.
//  4. Populate BuildInfo from linker-injected variables.
//  5. Validate the struct using go-playground/validator.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is the diagnostic error returned by LoadConfig.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// LoadConfig loads and validates the configuration. Each name in envFiles is
// loaded with godotenv and must exist; with no names, a .env file in the
// working directory is loaded when present. Dotenv values never override
// variables already set in the environment.
func LoadConfig(envFiles ...string) (*Config, error) {
	time.Local = time.UTC

	if err := loadDotenv(envFiles); err != nil {
		return nil, err
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs the struct validation rules and the cross-field checks.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}
	if cfg.Dataset.RetryMinWait > cfg.Dataset.RetryMaxWait {
		return &ConfigError{
			Type:    ErrValidation,
			Message: fmt.Sprintf("DATASET_RETRY_MIN_WAIT (%s) exceeds DATASET_RETRY_MAX_WAIT (%s)",
				cfg.Dataset.RetryMinWait, cfg.Dataset.RetryMaxWait),
		}
	}
	if cfg.Observability.MetricsBackend == "cloudwatch" && cfg.Environment == "local" && cfg.AWS.EndpointURL == "" {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "METRICS_BACKEND=cloudwatch in local mode requires AWS_ENDPOINT_URL",
		}
	}
	return nil
}

func loadDotenv(files []string) error {
	if len(files) == 0 {
		err := godotenv.Load()
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &ConfigError{Type: ErrDotenv, Message: "failed to read .env", Err: err}
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return &ConfigError{
			Type:    ErrDotenv,
			Message: fmt.Sprintf("failed to read env files %v", files),
			Err:     err,
		}
	}
	return nil
}
