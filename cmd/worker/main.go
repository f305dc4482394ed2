package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"masterplan-backend/cmd"
	"masterplan-backend/internal/database"
	"masterplan-backend/internal/messaging"
	"masterplan-backend/internal/pipeline"
	"masterplan-backend/internal/tiles"

	"github.com/caarlos0/env/v11"
)

type WorkerConfig struct {
	DatabaseURL string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL string `env:"RABBITMQ_URL,notEmpty,required"`
	WorkDir     string `env:"WORK_DIR" envDefault:""`

	TileSize    int    `env:"TILE_SIZE" envDefault:"256"`
	TileOverlap int    `env:"TILE_OVERLAP" envDefault:"0"`
	TileFormat  string `env:"TILE_FORMAT" envDefault:"png"`
	TileQuality int    `env:"TILE_QUALITY" envDefault:"85"`
	TileWorkers int    `env:"TILE_WORKERS" envDefault:"4"`

	Storage cmd.StorageConfig
}

func main() {
	log.Println("Starting worker...")

	cmd.LoadEnvFile()

	var cfg WorkerConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	store, err := cmd.NewObjectStore(context.Background(), cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}

	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	processor := pipeline.NewTaskProcessor(db, store, receiver, cfg.WorkDir, tiles.Options{
		TileSize: cfg.TileSize,
		Overlap:  cfg.TileOverlap,
		Format:   cfg.TileFormat,
		Quality:  cfg.TileQuality,
		Workers:  cfg.TileWorkers,
	})

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down worker...")
		processor.Stop()
	}()

	processor.Start()

	log.Println("Worker stopped.")
}
