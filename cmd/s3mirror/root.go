package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"s3mirror/pkg/config"
	"s3mirror/pkg/logging"
	"s3mirror/pkg/policy"
)

// flagKeys maps command-line flags to configuration keys
var flagKeys = map[string]string{
	"source-provider":    "source.provider",
	"source-bucket":      "source.bucket",
	"source-region":      "source.region",
	"source-endpoint":    "source.endpoint_url",
	"source-path-style":  "source.force_path_style",
	"source-credentials": "source.credentials_file",
	"source-project":     "source.project_id",
	"dest-provider":      "dest.provider",
	"dest-bucket":        "dest.bucket",
	"dest-region":        "dest.region",
	"dest-endpoint":      "dest.endpoint_url",
	"dest-path-style":    "dest.force_path_style",
	"dest-credentials":   "dest.credentials_file",
	"dest-project":       "dest.project_id",
	"source-prefix":      "source_prefix",
	"dest-prefix":        "dest_prefix",
	"volatile-pattern":   "volatile_pattern",
	"no-volatile":        "no_volatile",
	"staging-dir":        "staging_dir",
	"namespace-staging":  "namespace_staging",
	"workers":            "workers",
	"dry-run":            "dry_run",
	"server-side-filter": "server_side_filter",
	"schedule":           "schedule",
	"metrics-addr":       "metrics_addr",
	"log-level":          "log_level",
	"verbose":            "verbose",
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	var configFile string

	cmd := &cobra.Command{
		Use:   "s3mirror",
		Short: "Mirror objects under a prefix from one bucket to another",
		Long: `s3mirror copies every object under --source-prefix in the source bucket to
the destination bucket, replacing the prefix with --dest-prefix. Objects that
already exist at the destination are skipped unless their key matches the
volatile pattern (head, dev, snapshot and nightly builds by default).

Every flag can also be set through the environment, e.g. S3MIRROR_SOURCE_BUCKET
or S3MIRROR_WORKERS.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				v.SetConfigFile(configFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read config file: %w", err)
				}
			}

			cfg, err := config.Load(v)
			if err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}

			logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.Verbose)
			if err != nil {
				return err
			}
			logger.WithField("config", fmt.Sprintf("%+v", *cfg)).Debug("Loaded configuration")

			app := &app{cfg: cfg, logger: logger, out: cmd.OutOrStdout()}
			return app.run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "YAML, JSON or TOML configuration file")

	flags.String("source-provider", "s3", "Source store: s3 or gcs")
	flags.String("source-bucket", "", "Bucket to copy from")
	flags.String("source-region", config.DefaultS3Region, "Source S3 region")
	flags.String("source-endpoint", "", "Source S3-compatible endpoint URL")
	flags.Bool("source-path-style", false, "Use path-style addressing for the source")
	flags.String("source-credentials", "", "Source credentials: AWS console CSV for s3, service account JSON for gcs")
	flags.String("source-project", "", "Source GCS quota project")

	flags.String("dest-provider", "gcs", "Destination store: s3 or gcs")
	flags.String("dest-bucket", "", "Bucket to copy to")
	flags.String("dest-region", config.DefaultS3Region, "Destination S3 region")
	flags.String("dest-endpoint", "", "Destination S3-compatible endpoint URL")
	flags.Bool("dest-path-style", false, "Use path-style addressing for the destination")
	flags.String("dest-credentials", "", "Destination credentials: AWS console CSV for s3, service account JSON for gcs")
	flags.String("dest-project", "", "Destination GCS quota project")

	flags.String("source-prefix", "", "Key prefix to mirror")
	flags.String("dest-prefix", "", "Prefix replacing --source-prefix in destination keys")
	flags.String("volatile-pattern", policy.DefaultVolatilePattern, "Regexp of destination keys that are always re-copied")
	flags.Bool("no-volatile", false, "Never re-copy existing objects, ignoring --volatile-pattern")
	flags.String("staging-dir", ".", "Directory for staging files")
	flags.Bool("namespace-staging", false, "Prefix staging file names with a key hash")
	flags.Int("workers", 1, "Objects transferred concurrently")
	flags.Bool("dry-run", false, "Report what would be transferred without copying")
	flags.Bool("server-side-filter", false, "List only keys under --source-prefix")

	flags.String("schedule", "", "Cron expression; when set, keep running and mirror on this schedule")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")

	flags.String("log-level", logging.DefaultLevel, "Log level (debug, info, warn, error)")
	flags.BoolP("verbose", "v", false, "Log at debug level")

	bindFlags(v, flags)
	return cmd
}

// bindFlags wires flags and S3MIRROR_* environment variables into v
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	config.SetDefaults(v)
	for name, key := range flagKeys {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}

	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}
