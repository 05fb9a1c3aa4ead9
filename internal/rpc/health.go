// Package rpc exposes the standard gRPC health service so orchestrators can
// check the engine without going through the HTTP API.
package rpc

import (
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"order-core/pkg/logger"
)

// ServiceName is reported alongside the overall ("") status.
const ServiceName = "ordercore.Engine"

// HealthServer serves grpc.health.v1. It reports NOT_SERVING until the
// engine has started and again once shutdown begins.
type HealthServer struct {
	srv    *grpc.Server
	health *health.Server
	log    *zap.Logger
}

func NewHealthServer(log *zap.Logger) *HealthServer {
	h := &HealthServer{
		srv:    grpc.NewServer(),
		health: health.NewServer(),
		log:    logger.OrNop(log),
	}
	healthpb.RegisterHealthServer(h.srv, h.health)
	h.SetServing(false)
	return h
}

// SetServing flips both the overall and the engine service status.
func (h *HealthServer) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// Serve blocks until lis fails or Stop is called.
func (h *HealthServer) Serve(lis net.Listener) error {
	h.log.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	return h.srv.Serve(lis)
}

// ListenAndServe listens on addr, e.g. ":9090".
func (h *HealthServer) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return h.Serve(lis)
}

// Stop marks the server NOT_SERVING and drains in-flight RPCs.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.srv.GracefulStop()
}
