package gateway

import (
	"context"
	"time"

	"github.com/hydramesh/hydra-router/internal/registry/redis"
)

// RouterMetrics defines the metrics operations the gateway records.
type RouterMetrics interface {
	// Registry client metrics
	redis.ClientMetrics

	// HTTP passthrough metrics
	IncHTTPRequest(ctx context.Context, service string, status int)
	ObserveForwardDuration(ctx context.Context, service string, duration time.Duration)

	// Framed-message metrics
	IncFrameDispatch(ctx context.Context, kind string)
	IncQueueOp(ctx context.Context, operation string)
	SetConnectedClients(ctx context.Context, count int)
}
