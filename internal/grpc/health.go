// Package grpc exposes leadership over the standard gRPC health protocol.
package grpc

import (
	"github.com/rs/zerolog"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kneutral-org/leader-election/internal/leader"
)

// ServiceName returns the health service name reported for role.
func ServiceName(role string) string {
	return "leader." + role
}

// HealthPublisher flips the health status of leader.<role> as leadership moves.
// Load balancers and peers can Watch it to route leader-only traffic.
type HealthPublisher struct {
	health *health.Server
	logger zerolog.Logger
}

var _ leader.EventPublisher = (*HealthPublisher)(nil)

// NewHealthPublisher registers role as NOT_SERVING until leadership is granted.
func NewHealthPublisher(hs *health.Server, role string, logger zerolog.Logger) *HealthPublisher {
	hs.SetServingStatus(ServiceName(role), healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthPublisher{
		health: hs,
		logger: logger.With().Str("component", "health-publisher").Logger(),
	}
}

// PublishOnGranted implements leader.EventPublisher.
func (p *HealthPublisher) PublishOnGranted(_ any, _ *leader.Context, role string) {
	p.set(role, healthpb.HealthCheckResponse_SERVING)
}

// PublishOnRevoked implements leader.EventPublisher.
func (p *HealthPublisher) PublishOnRevoked(_ any, _ *leader.Context, role string) {
	p.set(role, healthpb.HealthCheckResponse_NOT_SERVING)
}

func (p *HealthPublisher) set(role string, status healthpb.HealthCheckResponse_ServingStatus) {
	service := ServiceName(role)
	p.health.SetServingStatus(service, status)
	p.logger.Debug().
		Str("healthService", service).
		Str("status", status.String()).
		Msg("health status updated")
}
