package main

import (
	"context"
	"fmt"
	"net"

	"smartgrid-relay/src/config"
	datasource "smartgrid-relay/src/data_source"
	"smartgrid-relay/src/fanout"
	"smartgrid-relay/src/grpc_control"
	"smartgrid-relay/src/logger"
	"smartgrid-relay/src/pipeline"
	"smartgrid-relay/src/server"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// -----------------------------------------------------------------------------

// startServers adds the HTTP server and, when configured, the gRPC control
// server to g. Both stop when ctx is cancelled.
func startServers(
	ctx context.Context,
	g *errgroup.Group,
	conf *config.Config,
	hub *fanout.Hub,
	pipe *pipeline.Pipeline,
	manager *datasource.MultiSourceManager,
	commander *server.ModeCommander,
	appLogger *logger.Logger,
) {
	// 1. HTTP + WebSocket
	srv := server.NewAPIServer(conf.MConfig, hub, pipe.Cache, pipe, manager, commander, logger.NewLogger(conf, "APIServer"))
	g.Go(func() error {
		return srv.Start(ctx)
	})

	// 2. gRPC Control Server
	addr := conf.GrpcAddr()
	if addr == "" {
		appLogger.Info("gRPC control server disabled")
		return
	}
	g.Go(func() error {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen for gRPC: %w", err)
		}
		grpcServer := grpc.NewServer()
		controlService := grpc_control.NewControlService(pipe.Cache, manager, commander, hub, conf.Pipeline.ViewerBuffer, logger.NewLogger(conf, "ControlService"))
		grpc_control.RegisterControlServer(grpcServer, controlService)

		go func() {
			<-ctx.Done()
			grpcServer.GracefulStop()
		}()

		appLogger.Info("Starting gRPC Control Server on %s", addr)
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("failed to serve gRPC: %w", err)
		}
		return nil
	})
}
