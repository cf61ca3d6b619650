// Package config defines the process configuration for the climdex binaries.
// Configuration is loaded once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> struct tag defaults (Lowest)
//
// A missing required value or an invalid format fails startup.
package config

import (
	"net/netip"
	"strings"
	"time"

	"climdex/internal/types"
)

// SecretString is an alias for types.SecretString so that connection strings
// never reach logs.
type SecretString = types.SecretString

// Config is the top-level configuration. Sub-components receive only the
// subset they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"climdex"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Dataset       DatasetConfig
	Threshold     ThresholdConfig
	Cache         CacheConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not Env.
	Build BuildInfo
}

// ServerConfig holds HTTP server settings for cmd/api.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080" validate:"required,numeric"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
	RequestTimeout  time.Duration `envconfig:"HTTP_REQUEST_TIMEOUT" default:"29s" validate:"gt=0"`
	MaxBodyBytes    int64         `envconfig:"HTTP_MAX_BODY_BYTES" default:"1048576" validate:"gt=0"`

	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// DatabaseConfig holds the Postgres connection used to persist resolved
// percentile fields. An empty URL runs without persistence.
type DatabaseConfig struct {
	URL      SecretString `envconfig:"DATABASE_URL" validate:"omitempty,url"`
	MaxConns int32        `envconfig:"DB_MAX_CONNS" default:"10" validate:"gt=0"`
	// Fields not read for this long are pruned by the maintenance task.
	RetainUnused time.Duration `envconfig:"DB_RETAIN_UNUSED" default:"720h" validate:"gt=0"`
	// Jobs still pending after this long are marked failed.
	JobTimeout time.Duration `envconfig:"DB_JOB_TIMEOUT" default:"1h" validate:"gt=0"`
}

// Enabled reports whether a database is configured.
func (c DatabaseConfig) Enabled() bool {
	return c.URL.Unmask() != ""
}

// AWSConfig holds AWS resource identifiers.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// Queue receiving deferred percentile jobs. Empty resolves inline.
	PercentileJobQueue string `envconfig:"SQS_PERCENTILE_JOBS" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL" validate:"omitempty,url"`
}

// DatasetConfig tunes dataset reads.
type DatasetConfig struct {
	Concurrency  int           `envconfig:"DATASET_CONCURRENCY" default:"8" validate:"gte=1,lte=64"`
	HTTPTimeout  time.Duration `envconfig:"DATASET_HTTP_TIMEOUT" default:"30s"`
	UserAgent    string        `envconfig:"DATASET_USER_AGENT" default:"climdex/1.0"`
	MaxRetries   int           `envconfig:"DATASET_MAX_RETRIES" default:"3" validate:"gte=0,lte=10"`
	RetryMinWait time.Duration `envconfig:"DATASET_RETRY_MIN_WAIT" default:"200ms"`
	RetryMaxWait time.Duration `envconfig:"DATASET_RETRY_MAX_WAIT" default:"5s"`
	MaxRedirects int           `envconfig:"DATASET_MAX_REDIRECTS" default:"3" validate:"gte=0"`

	// Private ranges remote stores may live in, e.g. a MinIO on 10.0.0.0/8.
	AllowedCIDRs []string `envconfig:"DATASET_ALLOWED_CIDRS" validate:"omitempty,dive,cidr"`

	// LocalRoot is the only directory request-supplied local references may
	// read from. Empty disables local references in the service binaries.
	LocalRoot string `envconfig:"DATASET_LOCAL_ROOT"`

	OpenCacheSize int           `envconfig:"DATASET_OPEN_CACHE_SIZE" default:"64" validate:"gte=1"`
	OpenCacheTTL  time.Duration `envconfig:"DATASET_OPEN_CACHE_TTL" default:"5m" validate:"gt=0"`
}

// AllowedPrefixes parses AllowedCIDRs. Entries are validated on load, so
// unparsable ones are skipped.
func (c DatasetConfig) AllowedPrefixes() []netip.Prefix {
	out := make([]netip.Prefix, 0, len(c.AllowedCIDRs))
	for _, s := range c.AllowedCIDRs {
		if p, err := netip.ParsePrefix(strings.TrimSpace(s)); err == nil {
			out = append(out, p.Masked())
		}
	}
	return out
}

// ThresholdConfig holds the defaults applied to percentile thresholds built
// without explicit settings.
type ThresholdConfig struct {
	DefaultWindow        int    `envconfig:"THRESHOLD_DEFAULT_WINDOW" default:"5" validate:"gte=1"`
	DefaultInterpolation string `envconfig:"THRESHOLD_DEFAULT_INTERPOLATION" default:"median_unbiased" validate:"oneof=nearest linear lower higher midpoint median_unbiased"`
	StrictOperator       bool   `envconfig:"THRESHOLD_STRICT_OPERATOR" default:"false"`
	CatalogPath          string `envconfig:"THRESHOLD_CATALOG_PATH"`
	// Upper bound on thresholds resolved concurrently in one batch.
	MaxParallel int `envconfig:"THRESHOLD_MAX_PARALLEL" default:"4" validate:"gte=1"`
}

// CacheConfig sizes the in-memory percentile field cache.
type CacheConfig struct {
	Size int           `envconfig:"FIELD_CACHE_SIZE" default:"256" validate:"gte=1"`
	TTL  time.Duration `envconfig:"FIELD_CACHE_TTL" default:"1h"`
}

// ObservabilityConfig selects the metrics backend.
type ObservabilityConfig struct {
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"prometheus" validate:"oneof=prometheus cloudwatch none"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Climdex"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
	// ErrDotenv indicates an explicitly requested .env file could not be read.
	ErrDotenv ConfigErrorType = "DOTENV_FAILED"
)
