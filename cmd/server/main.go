package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kanarupandev/bowlingMate/internal/analysis"
	"github.com/kanarupandev/bowlingMate/internal/api"
	"github.com/kanarupandev/bowlingMate/internal/clipper"
	"github.com/kanarupandev/bowlingMate/internal/config"
	"github.com/kanarupandev/bowlingMate/internal/database"
	"github.com/kanarupandev/bowlingMate/internal/detector"
	"github.com/kanarupandev/bowlingMate/internal/logging"
	"github.com/kanarupandev/bowlingMate/internal/scanner"
	"github.com/kanarupandev/bowlingMate/internal/session"
	"github.com/kanarupandev/bowlingMate/internal/storage"
)

func main() {
	// Missing .env is fine; real deployments configure via environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
	log := logging.Component("main")

	store, err := storage.NewLocalStore(cfg.Storage.UploadDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage")
	}

	db, err := database.NewDB(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()
	history := database.NewDeliveryRepo(db)

	clips, err := clipper.New(cfg.Storage.ClipDir, cfg.Clip)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize clip extractor")
	}

	sessions := session.NewManager(cfg.Scan.DedupThreshold)
	scout := detector.NewClient(cfg.Backend)
	coach := analysis.NewClient(cfg.Backend, cfg.Analysis)
	blobs := storage.NewBlobUploader(cfg.Backend)

	queue := analysis.NewQueue(coach, sessions.Current, history, store, cfg.Backend, cfg.Analysis)

	var warm scanner.Warmer
	if cfg.Scan.Prefetch != "none" {
		warm = blobs
	}
	sched := scanner.New(clips, scout, queue, warm, cfg.Scan, cfg.Clip)

	app := &api.App{
		Store:         store,
		Scanner:       sched,
		Sessions:      sessions,
		Queue:         queue,
		History:       history,
		Archiver:      blobs,
		MaxUploadSize: cfg.Server.MaxUploadSize,
		APISecret:     cfg.Backend.APISecret,
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewRouter(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Str("backend", cfg.Backend.BaseURL).Msg("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Shutdown did not complete cleanly")
	}
}
