//go:build grpc
// +build grpc

package main

import (
	"net"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	notesv1 "github.com/erauner12/noteflow-api/gen/go/notes/v1"
	"github.com/erauner12/noteflow-api/internal/auth"
	"github.com/erauner12/noteflow-api/internal/config"
	"github.com/erauner12/noteflow-api/internal/grpcapi"
	"github.com/erauner12/noteflow-api/internal/hub"
	"github.com/erauner12/noteflow-api/internal/quota"
	"github.com/erauner12/noteflow-api/internal/repo"
	"github.com/erauner12/noteflow-api/internal/usage"
	"github.com/erauner12/noteflow-api/internal/vector"
)

var grpcServerInstance *grpc.Server

// startGRPCServer initializes and starts the gRPC server
func startGRPCServer(cfg config.Config, store repo.Store, index *vector.Registry, editHub *hub.Hub, engine *quota.Engine, emitter *usage.Emitter, gate *auth.Gate) {
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen for gRPC")
	}

	// Chain interceptors (executed in order)
	grpcServerInstance = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			grpcapi.RecoveryInterceptor(),      // Recover from panics
			grpcapi.CorrelationIDInterceptor(), // Add correlation ID
			grpcapi.AuthInterceptor(gate),      // Resolve credentials
			grpcapi.QuotaInterceptor(engine),   // Enforce tenant quota
			grpcapi.UsageInterceptor(emitter),  // Meter the call
		),
		grpc.ChainStreamInterceptor(
			grpcapi.StreamAuthInterceptor(gate),
		),
	)

	notesv1.RegisterNoteServiceServer(grpcServerInstance, grpcapi.NewServer(store, index, editHub))

	reflection.Register(grpcServerInstance) // Enable reflection for grpcurl testing

	// Start gRPC server in goroutine
	go func() {
		log.Info().Str("addr", cfg.GRPCAddr).Msg("starting gRPC server")
		if err := grpcServerInstance.Serve(lis); err != nil {
			log.Fatal().Err(err).Msg("gRPC server failed")
		}
	}()
}

// stopGRPCServer gracefully stops the gRPC server
func stopGRPCServer() {
	if grpcServerInstance != nil {
		grpcServerInstance.GracefulStop()
		log.Info().Msg("gRPC server stopped")
	}
}
