package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hydramesh/hydra-router/internal/umf"
)

// RouteSource provides the route and service catalogs the registry keeps.
// Route strings may carry a leading "[method]" tag; stripping it is the
// route table's concern.
type RouteSource interface {
	// AllServiceRoutes returns every registered service's route strings.
	AllServiceRoutes(ctx context.Context) (map[string][]string, error)

	// ServiceRoutes returns the route strings registered for one service.
	ServiceRoutes(ctx context.Context, serviceName string) ([]string, error)

	// Services returns the registration records of every known service.
	Services(ctx context.Context) ([]ServiceRecord, error)
}

// PresenceSource exposes instance liveness as the registry records it.
type PresenceSource interface {
	// Presence returns the live instances of a service in registry order.
	// The first entry is the instance a directed send should target.
	Presence(ctx context.Context, serviceName string) ([]Instance, error)

	// Nodes returns every instance entry the registry knows about,
	// including ones whose presence has lapsed.
	Nodes(ctx context.Context) ([]Instance, error)

	// Health returns the most recent health snapshot of every instance.
	// Snapshots are relayed verbatim; the router does not interpret them.
	Health(ctx context.Context) ([]json.RawMessage, error)

	// PruneStaleNodes removes node entries older than maxAge and returns how
	// many were removed.
	PruneStaleNodes(ctx context.Context, maxAge time.Duration) (int, error)
}

// Messenger sends framed messages through the registry's channels.
type Messenger interface {
	// Send delivers a message to the service or instance addressed by its
	// "to" route.
	Send(ctx context.Context, msg umf.Message) error

	// Broadcast delivers a message to every service listening on the
	// registry's broadcast channel.
	Broadcast(ctx context.Context, msg umf.Message) error

	// Queue appends a message to the addressed service's inbound message
	// queue for later pickup.
	Queue(ctx context.Context, msg umf.Message) error
}

// Subscriber receives the framed messages addressed to this gateway:
// broadcasts, service-wide sends, and instance-directed sends.
type Subscriber interface {
	// Subscribe returns the inbound message stream. The channel closes when
	// ctx is canceled or the subscription shuts down.
	Subscribe(ctx context.Context) (<-chan umf.Message, error)
}

// APIRelay performs a request/response exchange with a live instance of the
// service addressed by the message's "to" route.
type APIRelay interface {
	// MakeAPIRequest resolves an instance, issues the HTTP request described
	// by the message, and returns the response. Failures the relay absorbs
	// (no instances, timeout, transport errors) come back as a normalized
	// APIResponse with a nil error.
	MakeAPIRequest(ctx context.Context, msg umf.Message, timeout time.Duration) (APIResponse, error)
}

// Registrar lets the gateway participate in the registry as a service of its
// own: nodes entry, presence keepalive, and route publication.
type Registrar interface {
	// Register announces the service and creates its node entry.
	Register(ctx context.Context, info ServiceInfo) error

	// PublishRoutes replaces the registered route strings for this service.
	PublishRoutes(ctx context.Context, routes []string) error

	// UpdatePresence refreshes the presence entry and node record.
	UpdatePresence(ctx context.Context) error
}

// ListStore is the minimal list surface of the registry's store. The offline
// queue builds its per-client queues on it.
type ListStore interface {
	// RPush appends value to the list at key.
	RPush(ctx context.Context, key string, value []byte) error

	// LMove atomically moves the head of source to the tail of destination
	// and returns it. A (nil, nil) return means source is empty. Combined
	// with RPush this preserves enqueue order through the move.
	LMove(ctx context.Context, source, destination string) ([]byte, error)

	// LRem removes count occurrences of value from the list at key and
	// returns how many were removed.
	LRem(ctx context.Context, key string, count int, value []byte) (int, error)

	// Expire refreshes the TTL on key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Client is the full registry capability surface the gateway wires together
// at startup.
type Client interface {
	RouteSource
	PresenceSource
	Messenger
	Subscriber
	APIRelay
	Registrar

	// Close releases the registry connection.
	Close() error
}
