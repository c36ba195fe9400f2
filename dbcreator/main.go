package main

import (
	"context"
	"flag"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/mhbvr/photostore"
	"github.com/mhbvr/photostore/db"
	"github.com/rs/zerolog/log"
)

var photoExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".heic": true,
	".webp": true,
}

// IsPhoto reports whether filename looks like a camera image.
func IsPhoto(filename string) bool {
	return photoExtensions[strings.ToLower(filepath.Ext(filename))]
}

func main() {
	var (
		dbType = flag.String("type", "bolt", "Database type: bolt or pebble")
		dbDir  = flag.String("db", "", "Directory holding the database")
		srcDir = flag.String("src", "", "Source directory containing photo files")
	)
	flag.Parse()

	if *srcDir == "" {
		log.Fatal().Msg("Source directory must be specified with -src flag")
	}
	if *dbDir == "" {
		log.Fatal().Msg("Database directory must be specified with -db flag")
	}

	cfg := photostore.DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatal().Err(err).Msg("Failed to read environment")
	}
	cfg.DBType = *dbType
	cfg.Dir = *dbDir

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		log.Fatal().Err(err).Msg("Failed to create database directory")
	}

	store, mgr, err := db.OpenStore(cfg, photostore.WithLogger(log.Logger))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create photo store")
	}
	defer mgr.Close()

	log.Info().Str("type", cfg.DBType).Str("db", cfg.Dir).Str("src", *srcDir).Msg("Importing photos")

	imported, skipped, err := importDir(context.Background(), store, *srcDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to import photos")
	}

	info, err := store.GetStorageInfo(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read storage info")
	}

	log.Info().
		Int("imported", imported).
		Int("skipped", skipped).
		Int("stored", info.TotalPhotos).
		Int64("stored_bytes", info.TotalSize).
		Msg("Import completed")
}

// importDir saves every photo under src. Older photos may be evicted again
// right away when the directory holds more than the store keeps.
func importDir(ctx context.Context, store *photostore.Store, src string) (imported, skipped int, err error) {
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !IsPhoto(d.Name()) {
			skipped++
			log.Debug().Str("file", path).Msg("Skipping non-photo file")
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		payload, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		photo := photostore.StoredPhoto{
			ID:               uuid.NewString(),
			Payload:          payload,
			Timestamp:        info.ModTime().UnixMilli(),
			OriginalFileName: d.Name(),
			Size:             int64(len(payload)),
		}
		if err := store.SavePhoto(ctx, photo); err != nil {
			return err
		}

		imported++
		log.Info().Str("file", path).Str("id", photo.ID).Int64("size", photo.Size).Msg("Added photo")
		return nil
	})
	return imported, skipped, err
}
