package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"maps"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/hydramesh/hydra-router/internal/config"
	"github.com/hydramesh/hydra-router/internal/config/fileloader"
	"github.com/hydramesh/hydra-router/internal/debug"
	"github.com/hydramesh/hydra-router/internal/gateway"
	"github.com/hydramesh/hydra-router/internal/issuelog"
	"github.com/hydramesh/hydra-router/internal/metrics"
	"github.com/hydramesh/hydra-router/internal/registry"
	"github.com/hydramesh/hydra-router/internal/registry/redis"
	"github.com/hydramesh/hydra-router/pkg/common/logger"
	"github.com/hydramesh/hydra-router/pkg/common/otel"
	"github.com/hydramesh/hydra-router/pkg/common/timeutil"
)

var build = "develop"

const serviceType = "hydra-router"

func main() {
	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	ctx := context.Background()

	loader := fileloader.NewFileLoader(config.PathFromEnv())
	cfg, err := loader.Load(ctx)
	if err != nil {
		stdlog.Fatalf("failed to load config: %v", err)
	}

	// The issue log receives every error record the logger emits, so the
	// dashboard's log endpoint reflects operational problems without a
	// separate feed.
	issues := issuelog.New(timeutil.Default())

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			issues.Append("error", r.Message)

			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			maps.Copy(errorAttrs, r.Attributes)

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	minLevel := logger.LevelInfo
	if cfg.Router.DebugLogging {
		minLevel = logger.LevelDebug
	}

	svcName := fmt.Sprintf("HYDRA-ROUTER-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
	}

	log := logger.NewWithMetadata(os.Stdout, minLevel, svcName, traceIDFn, logEvents, metadata)

	if err := run(ctx, log, cfg, issues, hostname); err != nil {
		log.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, cfg *config.Config, issues *issuelog.Log, hostname string) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS

	_, _ = maxprocs.Set()
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0))

	// -------------------------------------------------------------------------
	// Start Tracing Support

	var tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	if cfg.Telemetry.Enabled {
		log.Info(ctx, "startup", "status", "initializing tracing support")

		tp, teardown, err := otel.InitTelemetry(log, otel.Config{
			ServiceName:      serviceType,
			ExporterEndpoint: cfg.Telemetry.Endpoint,
			ExcludedRoutes: map[string]struct{}{
				"/v1/router/health": {},
				"/v1/router/stats":  {},
				"/metrics":          {},
			},
			Probability:      cfg.Telemetry.Probability,
			InsecureExporter: cfg.Telemetry.Insecure,
		})
		if err != nil {
			return fmt.Errorf("starting tracing: %w", err)
		}
		defer teardown(ctx)
		tracerProvider = tp
	}
	tracer := tracerProvider.Tracer(serviceType)

	routerMetrics := metrics.New()

	// -------------------------------------------------------------------------
	// Connect Registry

	log.Info(ctx, "startup", "status", "connecting to registry")

	redisCfg, err := registryConfig(cfg.Hydra.Redis)
	if err != nil {
		return err
	}

	regClient, err := redis.ConnectWithRetry(redisCfg, timeutil.Default(), log, routerMetrics, tracer)
	if err != nil {
		return fmt.Errorf("connecting to registry: %w", err)
	}
	defer regClient.Close()

	// The offline queue can live in its own logical database. The registry
	// connection doubles as the queue store when it does not.
	var store registry.ListStore = regClient
	if cfg.Router.QueuerDB != redisCfg.DB {
		queueCfg := *redisCfg
		queueCfg.DB = cfg.Router.QueuerDB
		queueClient, err := redis.ConnectWithRetry(&queueCfg, timeutil.Default(), log, routerMetrics, tracer)
		if err != nil {
			return fmt.Errorf("connecting to queue store: %w", err)
		}
		defer queueClient.Close()
		store = queueClient
	}

	// -------------------------------------------------------------------------
	// Initialize Gateway

	log.Info(ctx, "startup", "status", "initializing gateway")

	serviceIP, err := resolveServiceIP(cfg.Hydra.ServiceIP, cfg.Router.ServiceInterface)
	if err != nil {
		return fmt.Errorf("resolving service ip: %w", err)
	}

	instanceID := strings.ReplaceAll(uuid.NewString(), "-", "")

	gw, err := gateway.New(gateway.Config{
		Self: registry.ServiceInfo{
			ServiceName:        cfg.Hydra.ServiceName,
			ServiceDescription: cfg.Hydra.ServiceDescription,
			InstanceID:         instanceID,
			IP:                 serviceIP,
			Port:               cfg.Hydra.ServicePort,
			Version:            build,
			HostName:           hostname,
		},
		Version:               build,
		RequestTimeout:        cfg.Router.RequestTimeout(),
		CORS:                  cfg.Router.CORSHeaders(),
		ExternalRoutes:        cfg.Router.ExternalRoutes,
		ForceMessageSignature: cfg.Router.ForceMessageSignature,
		SignatureSharedSecret: cfg.Router.SignatureSharedSecret,
		DisableRouterEndpoint: cfg.Router.DisableRouterEndpoint,
		RouterToken:           cfg.Router.RouterToken,
		DashboardDir:          cfg.Router.DashboardDir,
	}, regClient, store, issues, log, routerMetrics, tracer)
	if err != nil {
		return fmt.Errorf("constructing gateway: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	gatewayErrors := make(chan error, 1)
	go func() {
		gatewayErrors <- gw.Run(runCtx)
	}()

	// -------------------------------------------------------------------------
	// Start Debug Service

	go func() {
		log.Info(ctx, "startup", "status", "debug router started", "host", cfg.Router.DebugHost)

		if err := http.ListenAndServe(cfg.Router.DebugHost, debug.Mux()); err != nil {
			log.Error(ctx, "shutdown", "status", "debug router closed", "host", cfg.Router.DebugHost, "err", err)
		}
	}()

	// -------------------------------------------------------------------------
	// Start Router Service

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// The registered serviceIP is what peers dial; the listener itself takes
	// traffic on every interface.
	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Hydra.ServicePort)
	server := http.Server{
		Addr:        addr,
		Handler:     gw,
		ReadTimeout: cfg.Router.RequestTimeout() + 5*time.Second,
		IdleTimeout: 120 * time.Second,
		ErrorLog:    logger.NewStdLogger(log, logger.LevelError),
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info(ctx, "startup", "status", "router started",
			"host", addr, "instance_id", instanceID, "version", build)
		serverErrors <- server.ListenAndServe()
	}()

	// -------------------------------------------------------------------------
	// Shutdown

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case err := <-gatewayErrors:
		return fmt.Errorf("gateway error: %w", err)

	case sig := <-shutdown:
		log.Info(ctx, "shutdown", "status", "shutdown started", "signal", sig)
		defer log.Info(ctx, "shutdown", "status", "shutdown complete", "signal", sig)

		ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
		defer cancel()

		gw.Shutdown(ctx)
		cancelRun()

		if err := server.Shutdown(ctx); err != nil {
			server.Close()
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	return nil
}

// registryConfig resolves the redis connection settings, preferring the URL
// form when the config carries one.
func registryConfig(r config.Redis) (*redis.Config, error) {
	if r.URL != "" {
		cfg, err := redis.ConfigFromURL(r.URL)
		if err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return &redis.Config{
		Addr:     fmt.Sprintf("%s:%d", r.Host, r.Port),
		Password: r.Password,
		DB:       r.DB,
	}, nil
}

// resolveServiceIP picks the address the router binds and registers:
// the configured IP, then the first address of the configured interface,
// then the address of the default outbound route.
func resolveServiceIP(configured, ifaceName string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	if ifaceName != "" {
		iface, err := net.InterfaceByName(ifaceName)
		if err != nil {
			return "", fmt.Errorf("looking up interface %s: %w", ifaceName, err)
		}
		addrs, err := iface.Addrs()
		if err != nil {
			return "", fmt.Errorf("reading %s addresses: %w", ifaceName, err)
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.To4() != nil {
				return ipNet.IP.String(), nil
			}
		}
		return "", fmt.Errorf("interface %s has no IPv4 address", ifaceName)
	}

	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("detecting outbound address: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
