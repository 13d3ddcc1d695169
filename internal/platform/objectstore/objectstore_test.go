package objectstore

import "testing"

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Endpoint:  "localhost:9000",
		AccessKey: "a",
		SecretKey: "b",
		Region:    "us-east-1",
		Bucket:    "mosaic-runs",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	invalid := valid
	invalid.Endpoint = "http://localhost:9000"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for scheme in endpoint")
	}

	invalid = valid
	invalid.Bucket = " "
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for empty bucket")
	}
}

func TestConfigFromEnvRequiresKeys(t *testing.T) {
	t.Setenv("CUBEMOSAIC_MINIO_ACCESS_KEY", "")
	t.Setenv("CUBEMOSAIC_MINIO_SECRET_KEY", "")
	if _, err := ConfigFromEnv("mosaic-runs"); err == nil {
		t.Fatalf("expected error without credentials")
	}

	t.Setenv("CUBEMOSAIC_MINIO_ACCESS_KEY", "key")
	t.Setenv("CUBEMOSAIC_MINIO_SECRET_KEY", "secret")
	t.Setenv("CUBEMOSAIC_MINIO_ENDPOINT", "minio.internal:9000")
	cfg, err := ConfigFromEnv("mosaic-runs")
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Endpoint != "minio.internal:9000" || cfg.Bucket != "mosaic-runs" || cfg.UseSSL {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestNewMinIOClient(t *testing.T) {
	client, err := NewMinIOClient(Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b", Region: "us-east-1", Bucket: "runs"})
	if err != nil {
		t.Fatalf("NewMinIOClient() err=%v", err)
	}
	if client.EndpointURL().Host != "localhost:9000" {
		t.Fatalf("endpoint = %v", client.EndpointURL())
	}
}
