package cmd

import (
	"context"
	"flag"
	"log"

	"masterplan-backend/internal/storage"

	"github.com/joho/godotenv"
)

func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	if err := godotenv.Load(configPath); err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

// StorageConfig selects and configures the object store backend shared by the
// API and worker binaries.
type StorageConfig struct {
	Backend string `env:"STORAGE_BACKEND" envDefault:"s3"` // "s3" or "local"

	LocalStorageDir string `env:"LOCAL_STORAGE_DIR" envDefault:"./data/objects"`

	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
	S3Bucket          string `env:"S3_BUCKET" envDefault:"masterplan"`
}

func NewObjectStore(ctx context.Context, cfg StorageConfig) (storage.ObjectStore, error) {
	if cfg.Backend == "local" {
		return storage.NewLocalObjectStore(cfg.LocalStorageDir)
	}

	store, err := storage.NewS3ObjectStore(ctx, storage.S3Config{
		EndpointURL:     cfg.S3EndpointURL,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		Region:          cfg.S3Region,
		Bucket:          cfg.S3Bucket,
	})
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}
