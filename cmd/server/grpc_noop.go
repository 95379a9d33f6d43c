//go:build !grpc
// +build !grpc

package main

import (
	"github.com/erauner12/noteflow-api/internal/auth"
	"github.com/erauner12/noteflow-api/internal/config"
	"github.com/erauner12/noteflow-api/internal/hub"
	"github.com/erauner12/noteflow-api/internal/quota"
	"github.com/erauner12/noteflow-api/internal/repo"
	"github.com/erauner12/noteflow-api/internal/usage"
	"github.com/erauner12/noteflow-api/internal/vector"
)

// startGRPCServer is a no-op when building without the grpc tag
func startGRPCServer(config.Config, repo.Store, *vector.Registry, *hub.Hub, *quota.Engine, *usage.Emitter, *auth.Gate) {
	// No-op: gRPC server not enabled
}

// stopGRPCServer is a no-op when building without the grpc tag
func stopGRPCServer() {
	// No-op: gRPC server not enabled
}
