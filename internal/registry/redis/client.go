// Package redis implements the registry capability surface on top of the
// shared Redis deployment the service mesh registers itself in. Key and
// channel layouts follow the registry's existing conventions so the router
// interoperates with services already present in the mesh.
package redis

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/hydramesh/hydra-router/internal/registry"
	"github.com/hydramesh/hydra-router/pkg/common/logger"
	"github.com/hydramesh/hydra-router/pkg/common/timeutil"
)

// keyPrefix roots every registry key. The full layout:
//
//	hydra:service:nodes                          hash of node entries
//	hydra:service:<name>:service                 service record
//	hydra:service:<name>:routes                  set of route strings
//	hydra:service:<name>:<instance>:presence     presence marker, short TTL
//	hydra:service:<name>:<instance>:health       health snapshot
//	hydra:service:mc                             broadcast channel
//	hydra:service:<name>:mc                      service channel
//	hydra:service:<name>:<instance>:mc           instance channel
//	hydra:service:<name>:mqrecieved              inbound service queue
const keyPrefix = "hydra:service"

// ClientMetrics records registry operation outcomes.
type ClientMetrics interface {
	IncRegistryCall(ctx context.Context, operation string)
	IncRegistryError(ctx context.Context, operation string)
}

// Config contains the settings for reaching the registry's Redis deployment.
type Config struct {
	// Addr is the host:port of the Redis server.
	Addr string
	// Password authenticates the connection when the server requires it.
	Password string
	// DB selects the logical database holding the registry keys.
	DB int
}

// ConfigFromURL parses a redis:// or rediss:// URL into a Config. The URL
// form carries host, port, credentials, and database in one operator-facing
// string.
func ConfigFromURL(rawURL string) (*Config, error) {
	opts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing registry redis url: %w", err)
	}
	return &Config{Addr: opts.Addr, Password: opts.Password, DB: opts.DB}, nil
}

var _ registry.Client = (*Client)(nil)

// Client talks to the registry over a shared Redis connection. It implements
// the full registry capability surface plus the list primitives the offline
// queue builds on.
type Client struct {
	rdb  *goredis.Client
	http *http.Client

	mu   sync.RWMutex
	info registry.ServiceInfo

	timeProvider timeutil.Provider
	logger       *logger.Logger
	tracer       trace.Tracer
	metrics      ClientMetrics
}

// NewClient connects to the registry's Redis deployment and verifies the
// connection with a ping.
func NewClient(
	cfg *Config,
	timeProvider timeutil.Provider,
	log *logger.Logger,
	metrics ClientMetrics,
	tracer trace.Tracer,
) (*Client, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for redis registry client")
	}

	log = log.With("component", "redis_registry", "addr", cfg.Addr, "db", cfg.DB)

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging registry redis: %w", err)
	}

	return &Client{
		rdb: rdb,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		timeProvider: timeProvider,
		logger:       log,
		tracer:       tracer,
		metrics:      metrics,
	}, nil
}

// Close releases the Redis connection.
func (c *Client) Close() error { return c.rdb.Close() }

func (c *Client) serviceKey(parts ...string) string {
	key := keyPrefix
	for _, part := range parts {
		key += ":" + part
	}
	return key
}

func (c *Client) registeredInfo() registry.ServiceInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}
