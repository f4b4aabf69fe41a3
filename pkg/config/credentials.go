package config

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// Credentials holds S3-compatible service credentials
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string // Optional, mainly for AWS STS
	Region          string
	EndpointURL     string
}

// LoadCredentials loads credentials from multiple sources in order of priority:
// 1. Explicit credentials provided
// 2. Environment variables
// 3. AWS credentials file (~/.aws/credentials)
// 4. IAM role (for EC2/ECS/Lambda)
func LoadCredentials(ctx context.Context, creds *Credentials, opts ...func(*config.LoadOptions) error) (aws.Config, error) {
	if creds != nil && creds.AccessKeyID != "" && creds.SecretAccessKey != "" {
		return loadFromExplicitCredentials(ctx, creds, opts)
	}

	if envCreds := loadFromEnvironment(); envCreds != nil {
		if creds != nil && creds.Region != "" {
			envCreds.Region = creds.Region
		}
		return loadFromExplicitCredentials(ctx, envCreds, opts)
	}

	// This will try: env vars, credentials file, IAM role
	return loadFromDefaultChain(ctx, creds, opts)
}

func loadFromExplicitCredentials(ctx context.Context, creds *Credentials, opts []func(*config.LoadOptions) error) (aws.Config, error) {
	region := creds.Region
	if region == "" {
		region = DefaultS3Region
	}

	staticProvider := credentials.NewStaticCredentialsProvider(
		creds.AccessKeyID,
		creds.SecretAccessKey,
		creds.SessionToken,
	)

	opts = append([]func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithCredentialsProvider(staticProvider),
	}, opts...)

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load credentials: %w", err)
	}

	return cfg, nil
}

func loadFromEnvironment() *Credentials {
	accessKey := os.Getenv("AWS_ACCESS_KEY_ID")
	secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY")

	if accessKey == "" || secretKey == "" {
		return nil
	}

	return &Credentials{
		AccessKeyID:     accessKey,
		SecretAccessKey: secretKey,
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		Region:          os.Getenv("AWS_REGION"),
		EndpointURL:     os.Getenv("S3_ENDPOINT_URL"),
	}
}

func loadFromDefaultChain(ctx context.Context, creds *Credentials, opts []func(*config.LoadOptions) error) (aws.Config, error) {
	region := DefaultS3Region
	if envRegion := os.Getenv("AWS_REGION"); envRegion != "" {
		region = envRegion
	}
	if creds != nil && creds.Region != "" {
		region = creds.Region
	}

	opts = append([]func(*config.LoadOptions) error{config.WithRegion(region)}, opts...)

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load default credentials: %w", err)
	}

	return cfg, nil
}

// LoadCSVCredentials reads an access key CSV as downloaded from the AWS console.
// The header row names the columns; the first data row is used.
func LoadCSVCredentials(filename string) (*Credentials, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	defer f.Close()

	creds, err := ParseCSVCredentials(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse credentials file %s: %w", filename, err)
	}
	return creds, nil
}

// ParseCSVCredentials parses the AWS console credentials CSV format
func ParseCSVCredentials(r io.Reader) (*Credentials, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("expected a header and at least one row, got %d rows", len(records))
	}

	idx := make(map[string]int)
	for i, name := range records[0] {
		// the console export starts with a UTF-8 BOM
		name = strings.TrimPrefix(name, "\ufeff")
		idx[normalizeHeader(name)] = i
	}

	field := func(names ...string) string {
		for _, name := range names {
			if i, ok := idx[name]; ok && i < len(records[1]) {
				return strings.TrimSpace(records[1][i])
			}
		}
		return ""
	}

	creds := &Credentials{
		AccessKeyID:     field("access_key_id", "aws_access_key_id"),
		SecretAccessKey: field("secret_access_key", "aws_secret_access_key"),
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return nil, fmt.Errorf("missing access key id or secret access key column")
	}
	return creds, nil
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.Join(strings.Fields(h), "_")
}
