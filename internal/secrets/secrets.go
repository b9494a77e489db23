// Package secrets copies key/value pairs from an AWS Secrets Manager secret into the
// process environment before configuration is loaded.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"go.uber.org/zap"
)

const (
	DefaultSecretName = "prod/Context-TA/env-variables/v1"
	DefaultRegion     = "us-east-2"
	versionStage      = "AWSCURRENT"
)

var loadDefaultAWSConfig = config.LoadDefaultConfig

// Fetcher is the Secrets Manager call used here.
type Fetcher interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// ClientOptions configures the Secrets Manager client. Static credentials and a custom
// endpoint are optional; the default credential chain is used otherwise.
type ClientOptions struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// NewClient creates a Secrets Manager client.
func NewClient(ctx context.Context, opts ClientOptions) (*secretsmanager.Client, error) {
	region := opts.Region
	if region == "" {
		region = DefaultRegion
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := loadDefaultAWSConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg, func(o *secretsmanager.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	}), nil
}

// Fetch returns the current version of a JSON secret as string pairs.
func Fetch(ctx context.Context, f Fetcher, name string) (map[string]string, error) {
	out, err := f.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(name),
		VersionStage: aws.String(versionStage),
	})
	if err != nil {
		return nil, fmt.Errorf("get secret %s: %w", name, err)
	}
	if out.SecretString == nil {
		return nil, errors.New("secret has no string value")
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(*out.SecretString), &raw); err != nil {
		return nil, fmt.Errorf("decode secret %s: %w", name, err)
	}
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v := v.(type) {
		case string:
			values[k] = v
		case nil:
			values[k] = ""
		default:
			values[k] = fmt.Sprint(v)
		}
	}
	return values, nil
}

// LoadIntoEnv fetches the secret and sets every key that is not already present in the
// environment. Failures are logged and otherwise ignored. It returns the keys it set.
func LoadIntoEnv(ctx context.Context, f Fetcher, name string, logger *zap.Logger) []string {
	values, err := Fetch(ctx, f, name)
	if err != nil {
		logger.Warn("secrets not loaded", zap.String("secret", name), zap.Error(err))
		return nil
	}
	var set []string
	for k, v := range values {
		if _, exists := os.LookupEnv(k); exists {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			logger.Warn("secret not exported", zap.String("key", k), zap.Error(err))
			continue
		}
		set = append(set, k)
	}
	sort.Strings(set)
	logger.Info("secrets loaded", zap.String("secret", name), zap.Int("keys", len(set)))
	return set
}
