package routing

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
)

// Route is one entry in the table: a compiled pattern owned by a service.
// The literal pattern is stored without the method tag it may have carried
// at registration time.
type Route struct {
	Service string
	Pattern *Pattern
}

// MatchResult is the outcome of a successful lookup.
type MatchResult struct {
	Service string
	Pattern string
	Params  map[string]string
}

// FallbackResult is the outcome of a successful fallback attribution. The
// forwarded URL differs from the request path only when the service name was
// stripped from the first segment.
type FallbackResult struct {
	Service      string
	ForwardedURL string
}

// tableState is one immutable snapshot of the routing table. Updates build a
// new state and swap the pointer, so lookups never observe a service with a
// half-replaced route list.
type tableState struct {
	order  []string
	routes map[string][]*Route
}

// Table maps service names to their compiled route patterns. Reads are
// lock-free against an atomically swapped snapshot; writers serialize on a
// mutex so concurrent refreshes cannot lose each other's services.
type Table struct {
	mu    sync.Mutex
	state atomic.Pointer[tableState]
}

// NewTable returns an empty routing table.
func NewTable() *Table {
	t := &Table{}
	t.state.Store(&tableState{routes: make(map[string][]*Route)})
	return t
}

// Update replaces the route list for service with the given patterns,
// compiling each one. Method tags ("[get]/path") are stripped before
// compilation. Patterns that fail to compile are skipped and reported in the
// joined error; the remaining patterns still take effect.
func (t *Table) Update(service string, patterns []string) error {
	var errs []error

	routes := make([]*Route, 0, len(patterns))
	for _, raw := range patterns {
		p, err := CompilePattern(StripMethodTag(raw))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		routes = append(routes, &Route{Service: service, Pattern: p})
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.state.Load()
	next := &tableState{
		order:  prev.order,
		routes: make(map[string][]*Route, len(prev.routes)+1),
	}
	for name, list := range prev.routes {
		next.routes[name] = list
	}
	if _, known := next.routes[service]; !known {
		next.order = append(append([]string(nil), prev.order...), service)
	}
	next.routes[service] = routes

	t.state.Store(next)

	return errors.Join(errs...)
}

// Lookup returns the first route matching path, scanning services in the
// order they were first registered and each service's patterns in their
// registered order.
func (t *Table) Lookup(path string) (MatchResult, bool) {
	state := t.state.Load()

	for _, service := range state.order {
		for _, route := range state.routes[service] {
			if params, ok := route.Pattern.Match(path); ok {
				return MatchResult{
					Service: service,
					Pattern: route.Pattern.String(),
					Params:  params,
				}, true
			}
		}
	}

	return MatchResult{}, false
}

// FallbackMatch attributes a path that matched no pattern to a known
// service. A referer mentioning "/<service>" wins with the URL unchanged;
// otherwise a first path segment equal to a known service name wins with the
// segment stripped from the forwarded URL. An empty remainder stays empty.
//
// This keeps sub-requests for services hosting small websites routable even
// though their asset URLs are not registered.
func (t *Table) FallbackMatch(referer, path string) (FallbackResult, bool) {
	state := t.state.Load()

	if referer != "" {
		for _, service := range state.order {
			if strings.Contains(referer, "/"+service) {
				return FallbackResult{Service: service, ForwardedURL: path}, true
			}
		}
	}

	trimmed := strings.TrimPrefix(path, "/")
	first, rest := trimmed, ""
	if idx := strings.Index(trimmed, "/"); idx > -1 {
		first, rest = trimmed[:idx], trimmed[idx:]
	}
	if first == "" {
		return FallbackResult{}, false
	}

	if _, known := state.routes[first]; known {
		return FallbackResult{Service: first, ForwardedURL: rest}, true
	}

	return FallbackResult{}, false
}

// KnownService reports whether the service has ever been registered.
func (t *Table) KnownService(name string) bool {
	_, known := t.state.Load().routes[name]
	return known
}

// ServiceNames returns the known service names in registration order.
func (t *Table) ServiceNames() []string {
	state := t.state.Load()
	return append([]string(nil), state.order...)
}

// Snapshot returns the literal patterns per service, for the admin listing.
func (t *Table) Snapshot() map[string][]string {
	state := t.state.Load()

	out := make(map[string][]string, len(state.routes))
	for service, routes := range state.routes {
		patterns := make([]string, len(routes))
		for i, route := range routes {
			patterns[i] = route.Pattern.String()
		}
		out[service] = patterns
	}
	return out
}

// StripMethodTag removes a leading "[method]" tag from a registered route
// string. Route strings without a tag pass through unchanged.
func StripMethodTag(route string) string {
	if strings.HasPrefix(route, "[") {
		if end := strings.Index(route, "]"); end > -1 {
			return route[end+1:]
		}
	}
	return route
}
