// Package config defines the router's configuration tree. The yaml keys keep
// the camelCase names mesh operators already use in their router config
// files, so an existing config ports over without renaming keys.
package config

import (
	"strings"
	"time"
)

// Defaults applied to zero fields by Normalize.
const (
	DefaultServiceName        = "hydra-router"
	DefaultServiceDescription = "service router for the mesh"
	DefaultServicePort        = 5353
	DefaultRequestTimeoutSec  = 5
	DefaultRedisHost          = "127.0.0.1"
	DefaultRedisPort          = 6379
	DefaultDebugHost          = "0.0.0.0:6010"
	DefaultDashboardDir       = "public"
	DefaultTraceProbability   = 0.05
)

// Config represents the top-level configuration.
type Config struct {
	Router    Router    `yaml:"hydraRouter"`
	Hydra     Hydra     `yaml:"hydra"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Router holds the settings specific to the router itself.
type Router struct {
	DebugLogging          bool                `yaml:"debugLogging"`
	DisableRouterEndpoint bool                `yaml:"disableRouterEndpoint"`
	RouterToken           string              `yaml:"routerToken" validate:"omitempty,uuid4"`
	RequestTimeoutSec     int                 `yaml:"requestTimeout" validate:"gte=0"`
	ForceMessageSignature bool                `yaml:"forceMessageSignature"`
	SignatureSharedSecret string              `yaml:"signatureSharedSecret" validate:"required_if=ForceMessageSignature true"`
	QueuerDB              int                 `yaml:"queuerDB" validate:"gte=0"`
	ServiceInterface      string              `yaml:"serviceInterface"`
	CORS                  map[string]string   `yaml:"cors"`
	ExternalRoutes        map[string][]string `yaml:"externalRoutes"`
	DashboardDir          string              `yaml:"dashboardDir"`
	DebugHost             string              `yaml:"debugHost"`
}

// Hydra holds the service identity and registry connection settings every
// mesh service carries.
type Hydra struct {
	ServiceName        string `yaml:"serviceName" validate:"required"`
	ServiceDescription string `yaml:"serviceDescription"`
	ServiceIP          string `yaml:"serviceIP" validate:"omitempty,ip"`
	ServicePort        int    `yaml:"servicePort" validate:"gt=0,lte=65535"`
	ServiceVersion     string `yaml:"serviceVersion"`
	Redis              Redis  `yaml:"redis"`
}

// Redis points at the shared registry store. URL wins over the discrete
// fields when both are set.
type Redis struct {
	URL      string `yaml:"url" validate:"omitempty,uri"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"omitempty,gt=0,lte=65535"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Password string `yaml:"password"`
}

// Telemetry configures trace export.
type Telemetry struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Probability float64 `yaml:"probability" validate:"gte=0,lte=1"`
	Insecure    bool    `yaml:"insecure"`
}

// Normalize fills zero fields with their defaults.
func (c *Config) Normalize() {
	if c.Hydra.ServiceName == "" {
		c.Hydra.ServiceName = DefaultServiceName
	}
	if c.Hydra.ServiceDescription == "" {
		c.Hydra.ServiceDescription = DefaultServiceDescription
	}
	if c.Hydra.ServicePort == 0 {
		c.Hydra.ServicePort = DefaultServicePort
	}
	if c.Hydra.Redis.URL == "" && c.Hydra.Redis.Host == "" {
		c.Hydra.Redis.Host = DefaultRedisHost
	}
	if c.Hydra.Redis.URL == "" && c.Hydra.Redis.Port == 0 {
		c.Hydra.Redis.Port = DefaultRedisPort
	}
	if c.Router.RequestTimeoutSec == 0 {
		c.Router.RequestTimeoutSec = DefaultRequestTimeoutSec
	}
	if c.Router.DebugHost == "" {
		c.Router.DebugHost = DefaultDebugHost
	}
	if c.Router.DashboardDir == "" {
		c.Router.DashboardDir = DefaultDashboardDir
	}
	if c.Telemetry.Enabled && c.Telemetry.Probability == 0 {
		c.Telemetry.Probability = DefaultTraceProbability
	}
}

// RequestTimeout returns the forwarding timeout as a duration.
func (r Router) RequestTimeout() time.Duration {
	return time.Duration(r.RequestTimeoutSec) * time.Second
}

// DefaultCORSHeaders returns the preflight headers used when the config does
// not override them.
func DefaultCORSHeaders() map[string]string {
	return map[string]string{
		"access-control-allow-origin":  "*",
		"access-control-allow-methods": "GET, POST, PUT, PATCH, DELETE, HEAD, OPTIONS",
		"access-control-allow-headers": "Accept, Authorization, Content-Type, X-Requested-With, X-Hydra-Tracer",
	}
}

// CORSHeaders returns the preflight headers: the defaults overlaid with any
// configured overrides. Header names compare case-insensitively.
func (r Router) CORSHeaders() map[string]string {
	headers := DefaultCORSHeaders()
	for name, value := range r.CORS {
		headers[strings.ToLower(name)] = value
	}
	return headers
}
