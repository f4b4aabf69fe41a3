package s3store

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"s3mirror/pkg/config"
)

// ClientConfig holds the settings used to build an S3 client
type ClientConfig struct {
	Region          string
	EndpointURL     string
	ForcePathStyle  bool
	CredentialsFile string
	MaxRetries      int
	Timeout         time.Duration
}

// ClientConfigFromEndpoint converts one side of the mirror configuration
func ClientConfigFromEndpoint(ep config.Endpoint) ClientConfig {
	return ClientConfig{
		Region:          ep.Region,
		EndpointURL:     ep.EndpointURL,
		ForcePathStyle:  ep.ForcePathStyle,
		CredentialsFile: ep.CredentialsFile,
		MaxRetries:      3,
		Timeout:         5 * time.Minute,
	}
}

// NewClient creates an S3 client. Credentials come from the CSV file when one
// is configured, otherwise from the environment or the default AWS chain.
func NewClient(ctx context.Context, cfg ClientConfig, logger logrus.FieldLogger) (*s3.Client, error) {
	creds := &config.Credentials{Region: cfg.Region, EndpointURL: cfg.EndpointURL}
	if cfg.CredentialsFile != "" {
		fileCreds, err := config.LoadCSVCredentials(cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
		fileCreds.Region = cfg.Region
		fileCreds.EndpointURL = cfg.EndpointURL
		creds = fileCreds
	}

	// AWS SDK requires a region for signing even when the provider ignores it
	if creds.Region == "" {
		creds.Region = config.DefaultS3Region
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.MaxRetries > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(cfg.MaxRetries))
	}
	if cfg.EndpointURL != "" {
		// S3-compatible providers answer with redirects the SDK must not follow
		opts = append(opts, awsconfig.WithHTTPClient(&http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}))
	}

	awsCfg, err := config.LoadCredentials(ctx, creds, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			// most non-AWS providers only support path-style addressing
			o.UsePathStyle = true
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	logger.WithFields(logrus.Fields{
		"region":   creds.Region,
		"endpoint": cfg.EndpointURL,
	}).Debug("Created S3 client")

	return client, nil
}
