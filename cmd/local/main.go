// Single-process mode: sqlite, local object store and an in-memory queue,
// with the API server and the worker running side by side. Useful for
// development and demos without Postgres, RabbitMQ or S3.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"masterplan-backend/cmd"
	"masterplan-backend/internal/api"
	"masterplan-backend/internal/database"
	"masterplan-backend/internal/messaging"
	"masterplan-backend/internal/pipeline"
	"masterplan-backend/internal/storage"
	"masterplan-backend/internal/tiles"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type LocalConfig struct {
	DatabasePath    string `env:"DATABASE_PATH" envDefault:"./data/masterplan.db"`
	LocalStorageDir string `env:"LOCAL_STORAGE_DIR" envDefault:"./data/objects"`
	APIPort         string `env:"API_PORT" envDefault:"8001"`

	TileSize    int    `env:"TILE_SIZE" envDefault:"256"`
	TileFormat  string `env:"TILE_FORMAT" envDefault:"png"`
	TileWorkers int    `env:"TILE_WORKERS" envDefault:"4"`
}

func main() {
	log.Println("Starting in single-process mode...")

	cmd.LoadEnvFile()

	var cfg LocalConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	if err := os.MkdirAll(cfg.LocalStorageDir, os.ModePerm); err != nil {
		log.Fatalf("Failed to create storage directory: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	store, err := storage.NewLocalObjectStore(cfg.LocalStorageDir)
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}

	queue := messaging.NewInMemoryQueue()

	processor := pipeline.NewTaskProcessor(db, store, queue, "", tiles.Options{
		TileSize: cfg.TileSize,
		Format:   cfg.TileFormat,
		Workers:  cfg.TileWorkers,
	})
	go processor.Start()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	apiHandler := api.NewBackendService(db, queue, store)
	apiHandler.AddRoutes(r)

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: r,
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}
		processor.Stop()
	}()

	log.Printf("Listening on port %s", cfg.APIPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v", cfg.APIPort, err)
	}
}
