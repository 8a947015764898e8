package redis

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/hydramesh/hydra-router/pkg/common/logger"
	"github.com/hydramesh/hydra-router/pkg/common/timeutil"
)

// ConnectWithRetry attempts to establish a connection to the registry with
// exponential backoff. It will retry failed connection attempts for up to
// 5 minutes, starting with 5 second intervals. This helps handle temporary
// network issues or registry unavailability during startup.
func ConnectWithRetry(
	cfg *Config,
	timeProvider timeutil.Provider,
	log *logger.Logger,
	metrics ClientMetrics,
	tracer trace.Tracer,
) (*Client, error) {
	var client *Client

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		var err error
		client, err = NewClient(cfg, timeProvider, log, metrics, tracer)
		if err != nil {
			return err
		}
		return nil
	}

	err := backoff.Retry(operation, expBackoff)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to registry after retries: %w", err)
	}

	return client, nil
}
