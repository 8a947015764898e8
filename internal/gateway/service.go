// Package gateway assembles the router into one service value: the HTTP
// passthrough surface, the persistent client channel, the registry
// subscription, and the admin surface. A single Gateway owns the route
// table, the client directories, the offline queue, and the stats rings;
// every request and frame handler reaches shared state through it.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hydramesh/hydra-router/internal/issuelog"
	"github.com/hydramesh/hydra-router/internal/queue"
	"github.com/hydramesh/hydra-router/internal/registry"
	"github.com/hydramesh/hydra-router/internal/routing"
	"github.com/hydramesh/hydra-router/internal/stats"
	"github.com/hydramesh/hydra-router/internal/umf"
	"github.com/hydramesh/hydra-router/pkg/common/logger"
	"github.com/hydramesh/hydra-router/pkg/common/timeutil"
)

const (
	// defaultRequestTimeout bounds forwarded requests when the config does
	// not set one.
	defaultRequestTimeout = 5 * time.Second

	// shutdownGrace is how long Shutdown waits after announcing departure so
	// the other replicas apply the directory removal first.
	shutdownGrace = time.Second

	// staleNodeAge is the elapsed-time cutoff the admin clear endpoint uses
	// when pruning node entries.
	staleNodeAge = 5 * time.Second
)

// Config carries the gateway's identity and behavior switches. Self is the
// registration record published to the registry; everything else maps onto
// the router section of the config file.
type Config struct {
	Self           registry.ServiceInfo
	Version        string
	RequestTimeout time.Duration

	// CORS is the merged header set stamped on passthrough responses and
	// preflight answers.
	CORS map[string]string

	// ExternalRoutes maps an external base URL to the route patterns that
	// proxy to it, bypassing the registry.
	ExternalRoutes map[string][]string

	ForceMessageSignature bool
	SignatureSharedSecret string

	DisableRouterEndpoint bool
	RouterToken           string
	DashboardDir          string
}

// Option is a functional option for configuring the gateway.
type Option func(*Gateway)

// WithTimeProvider overrides the clock. Tests use this to pin stats slots
// and frame timestamps.
func WithTimeProvider(tp timeutil.Provider) Option {
	return func(g *Gateway) { g.timeProvider = tp }
}

// Gateway is the router service. One value is constructed in run and shared
// by every listener; it is safe for concurrent use.
type Gateway struct {
	cfg Config

	registry registry.Client
	table    *routing.Table
	queue    *queue.OfflineQueue
	fwd      *Forwarder

	local  *LocalDirectory
	global *GlobalDirectory

	httpStats  *stats.Stats
	wsStats    *stats.Stats
	errorStats *stats.Stats
	issues     *issuelog.Log

	upgrader websocket.Upgrader

	timeProvider timeutil.Provider
	logger       *logger.Logger
	metrics      RouterMetrics
	tracer       trace.Tracer
}

// New wires the gateway together. store backs the offline queue and may be a
// different database than the registry client when the config splits them.
func New(
	cfg Config,
	client registry.Client,
	store registry.ListStore,
	issues *issuelog.Log,
	log *logger.Logger,
	metrics RouterMetrics,
	tracer trace.Tracer,
	options ...Option,
) (*Gateway, error) {
	if cfg.Self.ServiceName == "" {
		return nil, fmt.Errorf("gateway requires a service name")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	g := &Gateway{
		cfg:      cfg,
		registry: client,
		table:    routing.NewTable(),
		local:    NewLocalDirectory(),
		global:   NewGlobalDirectory(),
		issues:   issues,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		timeProvider: timeutil.Default(),
		logger:       log.With("component", "gateway"),
		metrics:      metrics,
		tracer:       tracer,
	}

	for _, opt := range options {
		opt(g)
	}

	g.httpStats = stats.New(g.timeProvider)
	g.wsStats = stats.New(g.timeProvider)
	g.errorStats = stats.New(g.timeProvider)
	g.queue = queue.New(store, queue.Config{}, log)
	g.fwd = NewForwarder(client, cfg.Self, cfg.CORS, cfg.RequestTimeout,
		g.httpStats, g.errorStats, g.timeProvider, log, metrics, tracer)

	for baseURL, patterns := range cfg.ExternalRoutes {
		if err := g.table.Update(baseURL, patterns); err != nil {
			return nil, fmt.Errorf("compiling external routes for %s: %w", baseURL, err)
		}
	}

	return g, nil
}

// Run registers the gateway with the registry, loads the route catalog,
// announces itself to the other replicas, and then drives the presence
// keepalive and the registry subscription until ctx is canceled.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.registry.Register(ctx, g.cfg.Self); err != nil {
		return fmt.Errorf("registering with registry: %w", err)
	}
	if err := g.registry.PublishRoutes(ctx, ownRoutes()); err != nil {
		return fmt.Errorf("publishing router routes: %w", err)
	}
	if err := g.refreshRoutes(ctx, ""); err != nil {
		g.logger.Error(ctx, "initial route refresh failed", "error", err)
	}

	// Ask the other replicas for their client directories.
	g.broadcastDirectory(ctx, "wsdir.sha", map[string]any{"routerID": g.cfg.Self.InstanceID})

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return g.presenceLoop(ctx) })
	grp.Go(func() error { return g.subscriptionPump(ctx) })
	return grp.Wait()
}

// Shutdown announces departure, waits out the gossip grace window, and
// closes every client connection.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.broadcastDirectory(ctx, "wsdir.rem", map[string]any{"routerID": g.cfg.Self.InstanceID})

	select {
	case <-ctx.Done():
	case <-time.After(shutdownGrace):
	}

	for _, conn := range g.local.Conns() {
		_ = conn.Close()
	}
	g.metrics.SetConnectedClients(ctx, 0)
}

// presenceLoop refreshes the registry presence entry until ctx is canceled.
func (g *Gateway) presenceLoop(ctx context.Context) error {
	ticker := time.NewTicker(registry.PresenceRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := g.registry.UpdatePresence(ctx); err != nil {
				g.logger.Error(ctx, "presence refresh failed", "error", err)
			}
		}
	}
}

// subscriptionPump consumes the registry's inbound frame stream, recovering
// the subscription whenever it drops.
func (g *Gateway) subscriptionPump(ctx context.Context) error {
	for {
		frames, err := g.subscribeWithRetry(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("subscribing to registry channels: %w", err)
		}

		for msg := range frames {
			g.HandleRegistryFrame(ctx, msg)
		}
		if ctx.Err() != nil {
			return nil
		}
		g.logger.Warn(ctx, "registry subscription closed, resubscribing")
	}
}

func (g *Gateway) subscribeWithRetry(ctx context.Context) (<-chan umf.Message, error) {
	var frames <-chan umf.Message

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = time.Second
	expBackoff.MaxElapsedTime = 0

	operation := func() error {
		var err error
		frames, err = g.registry.Subscribe(ctx)
		if err != nil {
			g.logger.Warn(ctx, "registry subscribe failed, retrying", "error", err)
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, err
	}
	return frames, nil
}

// refreshRoutes reloads route patterns from the registry. An empty service
// name reloads the whole catalog; otherwise only the named service's list is
// replaced.
func (g *Gateway) refreshRoutes(ctx context.Context, service string) error {
	if service != "" {
		routes, err := g.registry.ServiceRoutes(ctx, service)
		if err != nil {
			return fmt.Errorf("fetching %s routes: %w", service, err)
		}
		if err := g.table.Update(service, routes); err != nil {
			g.logger.Warn(ctx, "skipping unparseable route patterns", "service", service, "error", err)
		}
		return nil
	}

	catalog, err := g.registry.AllServiceRoutes(ctx)
	if err != nil {
		return fmt.Errorf("fetching route catalog: %w", err)
	}
	for name, routes := range catalog {
		if err := g.table.Update(name, routes); err != nil {
			g.logger.Warn(ctx, "skipping unparseable route patterns", "service", name, "error", err)
		}
	}
	return nil
}

// broadcastDirectory publishes one directory gossip frame on the mesh
// broadcast channel. Failures are logged and swallowed; gossip converges on
// the next exchange.
func (g *Gateway) broadcastDirectory(ctx context.Context, kind string, body map[string]any) {
	msg := umf.New(g.timeProvider)
	msg.To = fmt.Sprintf("%s:/", g.cfg.Self.ServiceName)
	msg.From = g.selfRoute()
	msg.Type = kind
	msg.Body = body

	if err := g.registry.Broadcast(ctx, msg); err != nil {
		g.logger.Error(ctx, "directory broadcast failed", "kind", kind, "error", err)
	}
}

// selfRoute is the gateway's own instance-qualified address.
func (g *Gateway) selfRoute() string {
	return fmt.Sprintf("%s@%s:/", g.cfg.Self.InstanceID, g.cfg.Self.ServiceName)
}

// ownRoutes is the route list the gateway registers for itself: the
// dashboard, its assets, and the admin endpoints.
func ownRoutes() []string {
	return []string{
		"[get]/",
		"[get]/index.css",
		"[get]/index.js",
		"[get]/v1/router/health",
		"[get]/v1/router/list/:thing",
		"[get]/v1/router/version",
		"[get]/v1/router/clear",
		"[get]/v1/router/refresh",
		"[get]/v1/router/refresh/:service",
		"[get]/v1/router/log",
		"[get]/v1/router/stats",
		"[post]/v1/router/message",
		"[post]/v1/router/send",
		"[post]/v1/router/queue",
	}
}
