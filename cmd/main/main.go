package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"smartgrid-relay/src/config"
	"smartgrid-relay/src/fanout"
	"smartgrid-relay/src/helpers"
	"smartgrid-relay/src/logger"
	"smartgrid-relay/src/models"
	"smartgrid-relay/src/pipeline"
	"smartgrid-relay/src/server"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

// -----------------------------------------------------------------------------

func main() {
	// 1. Parse command line flags
	configPath := pflag.StringP("config", "c", "config/default.yaml", "path to config file")
	port := pflag.IntP("port", "p", 0, "override the HTTP port from the config file")
	pflag.Parse()

	// 2. Load config
	conf, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		conf.Port = *port
		if err := conf.Validate(); err != nil {
			fmt.Printf("Error in --port: %v\n", err)
			os.Exit(1)
		}
	}

	// 3. Setup Logger
	appLogger := logger.NewLogger(conf, conf.Name)
	defer logger.CloseFiles()
	errs := helpers.NewErrorHandler(logger.NewLogger(conf, "Errors"))
	helpers.ApplyMemoryLimit(appLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Upstream store (fatal when unreachable)
	store, err := setupStore(ctx, conf.MConfig, appLogger)
	if err != nil {
		appLogger.Critical("No upstream connectivity: %v", err)
	}
	defer store.Close()

	mirror := setupMirror(ctx, conf.MConfig, appLogger)
	if mirror != nil {
		defer mirror.Close()
	}

	// 5. Pipeline and fanout
	var pipe *pipeline.Pipeline
	hub := fanout.NewHub(func() []models.Envelope { return pipe.Cache.Snapshot() }, errs, logger.NewLogger(conf, "Hub"))
	pipe = pipeline.NewPipeline(hub, mirror, errs, logger.NewLogger(conf, "Pipeline"))

	// 6. Bootstrap the latest-state cache
	seedCache(ctx, store, pipe, conf.MConfig, appLogger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	// 7. Start watchers
	manager := setupManager(store, pipe, conf.MConfig, errs)
	if err := manager.Start(gctx); err != nil {
		appLogger.Critical("Failed to start watchers: %v", err)
	}

	// 8. Start servers
	commander := server.NewModeCommander(store, conf.Pipeline.AllowedModes, logger.NewLogger(conf, "ModeCommander"))
	startServers(gctx, g, conf, hub, pipe, manager, commander, appLogger)

	appLogger.Info("Relay running with %d sources", len(conf.Pipeline.Sources))

	// Wait for cleanup on exit
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("Relay stopped with error: %v", err)
	}
	appLogger.Info("Waiting for watchers to stop...")
	manager.Stop()
	appLogger.Info("Shutdown complete.")
}
