package admin

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Health is the gRPC health service. It reports NOT_SERVING until SetServing(true).
type Health struct {
	server *grpc.Server
	status *health.Server
}

func NewHealth() *Health {
	h := &Health{server: grpc.NewServer(), status: health.NewServer()}
	h.status.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	grpc_health_v1.RegisterHealthServer(h.server, h.status)
	return h
}

func (h *Health) SetServing(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	h.status.SetServingStatus("", status)
}

// Serve blocks until Stop.
func (h *Health) Serve(l net.Listener) error {
	return h.server.Serve(l)
}

func (h *Health) Stop() {
	h.status.Shutdown()
	h.server.GracefulStop()
}
