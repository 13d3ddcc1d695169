package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/cubemosaic/internal/platform/env"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

// ConfigFromEnv reads CUBEMOSAIC_MINIO_* for publishing into bucket.
func ConfigFromEnv(bucket string) (Config, error) {
	useSSL, err := env.Bool("CUBEMOSAIC_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("CUBEMOSAIC_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey: env.String("CUBEMOSAIC_MINIO_ACCESS_KEY", ""),
		SecretKey: env.String("CUBEMOSAIC_MINIO_SECRET_KEY", ""),
		Region:    env.String("CUBEMOSAIC_MINIO_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    bucket,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("artifact bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
