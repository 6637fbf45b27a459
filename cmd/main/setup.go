package main

import (
	"context"
	"fmt"
	"time"

	datasource "smartgrid-relay/src/data_source"
	"smartgrid-relay/src/data_source/kafka"
	"smartgrid-relay/src/helpers"
	"smartgrid-relay/src/interfaces"
	"smartgrid-relay/src/logger"
	"smartgrid-relay/src/models"
	"smartgrid-relay/src/pipeline"
	"smartgrid-relay/src/storage"
)

// -----------------------------------------------------------------------------

// setupStore builds the configured feed store and initializes it with retries.
func setupStore(ctx context.Context, config *models.MConfig, appLogger *logger.Logger) (interfaces.IFeedStore, error) {
	var store interfaces.IFeedStore
	var err error

	switch config.Storage.DBType {
	case "postgres":
		store, err = storage.NewPostgresFeedStore(config, logger.NewLogger(config, "PostgresFeedStore"))
	case "kafka":
		store, err = kafka.NewKafkaFeedStore(config, logger.NewLogger(config, "KafkaFeedStore"))
	default:
		store, err = storage.NewSQLiteFeedStore(config, logger.NewLogger(config, "SQLiteFeedStore"))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s store: %w", config.Storage.DBType, err)
	}

	baseDelay := time.Duration(config.Network.RetryBaseDelayMs) * time.Millisecond
	err = helpers.RetryWithBackoff(ctx, appLogger, "feed store initialize", config.Network.ConnectRetries, baseDelay, func() error {
		return store.Initialize(ctx)
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// -----------------------------------------------------------------------------

// setupMirror connects the optional Redis mirror. A mirror that cannot be
// reached is skipped.
func setupMirror(ctx context.Context, config *models.MConfig, appLogger *logger.Logger) interfaces.ILatestMirror {
	if config.Mirror.RedisAddr == "" {
		return nil
	}
	mirror, err := storage.NewRedisMirror(ctx, config, logger.NewLogger(config, "RedisMirror"))
	if err != nil {
		appLogger.Warning("Running without latest-state mirror: %v", err)
		return nil
	}
	appLogger.Info("Mirroring latest state to Redis at %s", config.Mirror.RedisAddr)
	return mirror
}

// -----------------------------------------------------------------------------

// seedCache primes the cache from the newest stored documents, then from the
// mirror for anything the store could not provide.
func seedCache(ctx context.Context, store interfaces.IFeedStore, pipe *pipeline.Pipeline, config *models.MConfig, appLogger *logger.Logger) {
	if config.Pipeline.SeedFromStore {
		for _, src := range config.Pipeline.Sources {
			source := models.SourceName(src.Name)
			doc, err := store.QueryLatestRecord(ctx, source)
			if err != nil {
				appLogger.Warning("Seeding %s from store failed: %v", source, err)
				continue
			}
			if doc == nil {
				continue
			}
			if err := pipe.Seed(source, doc); err != nil {
				appLogger.Warning("Latest stored %s document rejected: %v", source, err)
			}
		}
	}

	seeded, err := pipe.SeedFromMirror(ctx)
	if err != nil {
		appLogger.Warning("Seeding from mirror failed: %v", err)
	} else if seeded > 0 {
		appLogger.Info("Seeded %d streams from mirror", seeded)
	}
}

// -----------------------------------------------------------------------------

// setupManager wires one watcher per configured source into the pipeline.
func setupManager(store interfaces.IFeedStore, pipe *pipeline.Pipeline, config *models.MConfig, errs *helpers.ErrorHandler) *datasource.MultiSourceManager {
	sources := make([]models.SourceName, 0, len(config.Pipeline.Sources))
	for _, src := range config.Pipeline.Sources {
		sources = append(sources, models.SourceName(src.Name))
	}
	opts := datasource.ManagerOptions{
		Buffer:       config.Pipeline.EventBuffer,
		RestartDelay: time.Duration(config.Pipeline.RestartDelaySeconds) * time.Second,
		Ticks:        pipe,
	}
	return datasource.NewMultiSourceManager(store, sources, pipe, opts, errs, logger.NewLogger(config, "MultiSourceManager"))
}
