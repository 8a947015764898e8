// Package registry defines the capability surface the router needs from the
// shared discovery registry: route catalogs, instance presence and health,
// the broadcast and directed message channels, the API relay used to reach
// service instances over HTTP, and the list primitives backing the offline
// queue. Implementations live in the redis and memory subpackages.
package registry

import (
	"errors"
	"time"
)

// Instance describes one live service instance as recorded in the registry.
type Instance struct {
	ServiceName string `json:"serviceName"`
	InstanceID  string `json:"instanceID"`
	ProcessID   int    `json:"processID"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	HostName    string `json:"hostName"`
	Version     string `json:"version"`
	UpdatedOn   string `json:"updatedOn"`

	// Elapsed is the number of seconds since the instance last refreshed its
	// node entry. It is computed on read, not stored.
	Elapsed int `json:"elapsed"`
}

// ServiceInfo is the registration record the gateway publishes for itself.
type ServiceInfo struct {
	ServiceName        string
	ServiceDescription string
	InstanceID         string
	IP                 string
	Port               int
	Version            string
	HostName           string
}

// ServiceRecord is the stored registration of one service, as the registry
// keeps it.
type ServiceRecord struct {
	ServiceName        string `json:"serviceName"`
	ServiceDescription string `json:"serviceDescription"`
	RegisteredOn       string `json:"registeredOn"`
}

// APIResponse is the registry's answer to a relayed API request. When the
// upstream instance answered directly, Headers carries its transport headers
// and Payload the raw body. When the registry normalized the failure itself
// Headers is nil and Result carries the reason.
type APIResponse struct {
	StatusCode int
	Headers    map[string]string
	Payload    []byte
	Result     any
}

// Normalized reports whether the response is the registry's own failure
// shape rather than an upstream payload.
func (r APIResponse) Normalized() bool { return r.Headers == nil }

// ErrNoInstances is returned when a service has no live instances.
var ErrNoInstances = errors.New("no live instances available")

// PresenceTTL is how long a presence entry stays valid without a refresh.
const PresenceTTL = 3 * time.Second

// PresenceRefreshInterval is how often a registered service refreshes its
// presence entry.
const PresenceRefreshInterval = 1 * time.Second
