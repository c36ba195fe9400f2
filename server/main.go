package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mhbvr/photostore"
	"github.com/mhbvr/photostore/db"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

var (
	addr       = flag.String("addr", "localhost:8080", "Address to listen on")
	configPath = flag.String("config", "", "Optional YAML config file")
	dbType     = flag.String("db-type", "", "Database type: bolt or pebble (overrides config)")
	dbDir      = flag.String("db", "", "Directory holding the database (overrides config)")
	maxUpload  = flag.Int64("max-upload", 32<<20, "Maximum photo size in bytes")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

func loadConfig() (photostore.Config, error) {
	cfg := photostore.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = photostore.LoadConfigFile(*configPath); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if *dbType != "" {
		cfg.DBType = *dbType
	}
	if *dbDir != "" {
		cfg.Dir = *dbDir
	}
	return cfg, cfg.Validate()
}

func main() {
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		log.Fatal().Err(err).Msg("Failed to create database directory")
	}

	tracez, cleanup, err := initializeTracing()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}
	defer cleanup()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []photostore.Option{
		photostore.WithLogger(log.Logger),
		photostore.WithMetrics(photostore.NewMetrics(reg)),
	}
	store, mgr, err := db.OpenStore(cfg, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create photo store")
	}
	defer mgr.Close()

	if !store.IsStorageAvailable(context.Background()) {
		log.Warn().Msg("Photo storage is not available yet, will retry on demand")
	}

	sweeper := photostore.NewSweeper(store, cfg.SweepInterval, opts...)
	sweeper.Start()

	server := &http.Server{
		Addr:    *addr,
		Handler: NewPhotoServer(store, *maxUpload, log.Logger).Handler(reg, tracez),
	}

	go func() {
		log.Info().
			Str("addr", *addr).
			Str("db_type", cfg.DBType).
			Str("db_dir", cfg.Dir).
			Int("max_photos", cfg.MaxPhotos).
			Dur("retention", cfg.RetentionWindow).
			Msg("Photo store server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to shut down server gracefully")
	}
	if err := sweeper.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to stop sweeper")
	}
}
