package config

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"s3mirror/pkg/models"
	"s3mirror/pkg/policy"
	"s3mirror/pkg/storage"
)

// DefaultS3Region is used when no region is configured
const DefaultS3Region = "us-east-1"

// EnvPrefix prefixes every environment variable read by Load
const EnvPrefix = "S3MIRROR"

// Endpoint configures one side of the mirror
type Endpoint struct {
	Provider string `mapstructure:"provider" validate:"required,oneof=s3 gcs"`
	Bucket   string `mapstructure:"bucket" validate:"required"`
	// S3 only
	Region         string `mapstructure:"region"`
	EndpointURL    string `mapstructure:"endpoint_url" validate:"omitempty,url"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
	// CredentialsFile is an AWS console CSV for s3 or a service account JSON for gcs
	CredentialsFile string `mapstructure:"credentials_file"`
	// ProjectID is the GCS quota project
	ProjectID string `mapstructure:"project_id"`
}

// Config is the complete configuration of a mirror run, validated once before
// the driver starts
type Config struct {
	Source Endpoint `mapstructure:"source"`
	Dest   Endpoint `mapstructure:"dest"`

	SourcePrefix    string `mapstructure:"source_prefix" validate:"required"`
	DestPrefix      string `mapstructure:"dest_prefix"`
	VolatilePattern string `mapstructure:"volatile_pattern"`
	// NoVolatile disables the volatile override: existing objects are always skipped
	NoVolatile bool `mapstructure:"no_volatile"`

	StagingDir       string `mapstructure:"staging_dir"`
	NamespaceStaging bool   `mapstructure:"namespace_staging"`
	Workers          int    `mapstructure:"workers" validate:"gte=0,lte=256"`
	DryRun           bool   `mapstructure:"dry_run"`
	// ServerSideFilter lists only keys under SourcePrefix instead of the whole bucket
	ServerSideFilter bool `mapstructure:"server_side_filter"`

	Schedule    string `mapstructure:"schedule"`
	MetricsAddr string `mapstructure:"metrics_addr" validate:"omitempty,hostname_port"`

	LogLevel string `mapstructure:"log_level" validate:"omitempty,oneof=panic fatal error warn warning info debug trace"`
	Verbose  bool   `mapstructure:"verbose"`
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("source.provider", string(storage.ProviderS3))
	v.SetDefault("source.region", DefaultS3Region)
	v.SetDefault("dest.provider", string(storage.ProviderGCS))
	v.SetDefault("dest.region", DefaultS3Region)
	v.SetDefault("volatile_pattern", policy.DefaultVolatilePattern)
	v.SetDefault("staging_dir", ".")
	v.SetDefault("workers", 1)
	v.SetDefault("log_level", "warn")
}

// Load reads the configuration from v, applies defaults and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize fills in defaults that depend on other fields
func (c *Config) Normalize() {
	if c.StagingDir == "" {
		c.StagingDir = "."
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Workers > 1 {
		c.NamespaceStaging = true
	}
	if c.VolatilePattern == "" {
		c.VolatilePattern = policy.DefaultVolatilePattern
	}
}

// Validate reports every configuration problem at once
func (c *Config) Validate() error {
	var result *multierror.Error

	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				result = multierror.Append(result, fmt.Errorf("%s: failed %q validation", fe.Namespace(), fe.Tag()))
			}
		} else {
			result = multierror.Append(result, err)
		}
	}

	if _, err := regexp.Compile(c.VolatilePattern); err != nil {
		result = multierror.Append(result, fmt.Errorf("volatile_pattern: %w", err))
	}

	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			result = multierror.Append(result, fmt.Errorf("schedule: %w", err))
		}
	}

	if c.Source.Provider == c.Dest.Provider && c.Source.Bucket == c.Dest.Bucket &&
		c.Source.EndpointURL == c.Dest.EndpointURL && c.SourcePrefix == c.DestPrefix {
		result = multierror.Append(result, fmt.Errorf("source and destination are the same location"))
	}

	return result.ErrorOrNil()
}

// Policy builds the sync policy for this configuration
func (c *Config) Policy() (*policy.Policy, error) {
	p, err := policy.New(c.Mapping(), c.VolatilePattern)
	if err != nil {
		return nil, err
	}
	if c.NoVolatile {
		p.Volatile = nil
	}
	return p, nil
}

// Mapping returns the prefix mapping of the run
func (c *Config) Mapping() models.PrefixMapping {
	return models.PrefixMapping{SourcePrefix: c.SourcePrefix, DestPrefix: c.DestPrefix}
}

// ListPrefix returns the server-side listing prefix
func (c *Config) ListPrefix() string {
	if c.ServerSideFilter {
		return c.SourcePrefix
	}
	return ""
}
