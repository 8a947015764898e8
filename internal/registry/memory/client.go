// Package memory implements the registry capability surface in process. It
// backs gateway tests and single-node setups where no shared registry is
// running; behavior mirrors the redis implementation where the difference
// would be observable.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/hydramesh/hydra-router/internal/registry"
	"github.com/hydramesh/hydra-router/internal/umf"
	"github.com/hydramesh/hydra-router/pkg/common/timeutil"
)

// subscriberBuffer bounds the per-subscriber frame backlog. Frames beyond it
// are dropped rather than blocking the publisher.
const subscriberBuffer = 64

// RelayFunc answers relayed API requests in place of a live instance.
type RelayFunc func(ctx context.Context, msg umf.Message, timeout time.Duration) (registry.APIResponse, error)

var (
	_ registry.Client    = (*Client)(nil)
	_ registry.ListStore = (*Client)(nil)
)

// Client is an in-process registry. Tests seed it with routes and instances,
// then inspect what the router sent, broadcast, and queued.
type Client struct {
	timeProvider timeutil.Provider

	mu          sync.RWMutex
	info        registry.ServiceInfo
	registered  bool
	routes      map[string][]string
	records     map[string]registry.ServiceRecord
	instances   map[string][]registry.Instance
	health      []json.RawMessage
	selfHealth  json.RawMessage
	lists       map[string][][]byte
	ttls        map[string]time.Duration
	subscribers []chan umf.Message

	sends      []umf.Message
	broadcasts []umf.Message
	queued     map[string][]umf.Message

	relayFn RelayFunc
	closed  bool
}

// NewClient returns an empty in-process registry.
func NewClient(timeProvider timeutil.Provider) *Client {
	return &Client{
		timeProvider: timeProvider,
		routes:       make(map[string][]string),
		records:      make(map[string]registry.ServiceRecord),
		instances:    make(map[string][]registry.Instance),
		lists:        make(map[string][][]byte),
		ttls:         make(map[string]time.Duration),
		queued:       make(map[string][]umf.Message),
	}
}

// Close closes every subscriber stream.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	for _, sub := range c.subscribers {
		close(sub)
	}
	c.subscribers = nil
	return nil
}

// ---------------------------------------------------------------------------
// Test seeding and inspection.

// SetServiceRoutes replaces the seeded route strings for a service.
func (c *Client) SetServiceRoutes(service string, routes ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[service] = append([]string(nil), routes...)
}

// AddServiceRecord seeds a service registration record returned by Services.
func (c *Client) AddServiceRecord(record registry.ServiceRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[record.ServiceName] = record
}

// AddInstance appends an instance to a service's presence list. Presence
// order is insertion order, so the first added instance is the directed
// send target.
func (c *Client) AddInstance(inst registry.Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inst.UpdatedOn == "" {
		inst.UpdatedOn = umf.FormatTimestamp(c.timeProvider.Now())
	}
	c.instances[inst.ServiceName] = append(c.instances[inst.ServiceName], inst)
}

// RemoveInstance drops an instance from a service's presence list.
func (c *Client) RemoveInstance(service, instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.instances[service][:0]
	for _, inst := range c.instances[service] {
		if inst.InstanceID != instanceID {
			kept = append(kept, inst)
		}
	}
	c.instances[service] = kept
}

// AddHealthSnapshot seeds a health snapshot returned by Health.
func (c *Client) AddHealthSnapshot(raw json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = append(c.health, raw)
}

// SetRelayFunc installs the handler answering relayed API requests.
func (c *Client) SetRelayFunc(fn RelayFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relayFn = fn
}

// Deliver pushes a frame to every subscriber, as if it arrived on one of the
// gateway's channels.
func (c *Client) Deliver(msg umf.Message) {
	c.publish(msg)
}

// Sends returns the directed sends recorded so far.
func (c *Client) Sends() []umf.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]umf.Message(nil), c.sends...)
}

// Broadcasts returns the broadcasts recorded so far.
func (c *Client) Broadcasts() []umf.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]umf.Message(nil), c.broadcasts...)
}

// QueuedFor returns the messages queued for a service so far.
func (c *Client) QueuedFor(service string) []umf.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]umf.Message(nil), c.queued[service]...)
}

// TTL returns the last TTL set on key by Expire, or zero.
func (c *Client) TTL(key string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ttls[key]
}

// ---------------------------------------------------------------------------
// RouteSource.

func (c *Client) AllServiceRoutes(ctx context.Context) (map[string][]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	catalog := make(map[string][]string, len(c.routes))
	for service, routes := range c.routes {
		catalog[service] = append([]string(nil), routes...)
	}
	return catalog, nil
}

func (c *Client) ServiceRoutes(ctx context.Context, serviceName string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.routes[serviceName]...), nil
}

func (c *Client) Services(ctx context.Context) ([]registry.ServiceRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	records := make([]registry.ServiceRecord, 0, len(c.records))
	for _, record := range c.records {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ServiceName < records[j].ServiceName })
	return records, nil
}

// ---------------------------------------------------------------------------
// PresenceSource.

func (c *Client) Presence(ctx context.Context, serviceName string) ([]registry.Instance, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.presenceLocked(serviceName), nil
}

func (c *Client) presenceLocked(serviceName string) []registry.Instance {
	instances := append([]registry.Instance(nil), c.instances[serviceName]...)
	now := c.timeProvider.Now()
	for i := range instances {
		if updated, err := umf.ParseTimestamp(instances[i].UpdatedOn); err == nil {
			instances[i].Elapsed = int(now.Sub(updated).Seconds())
		}
	}
	return instances
}

func (c *Client) Nodes(ctx context.Context) ([]registry.Instance, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var nodes []registry.Instance
	for service := range c.instances {
		nodes = append(nodes, c.presenceLocked(service)...)
	}
	return nodes, nil
}

func (c *Client) Health(ctx context.Context) ([]json.RawMessage, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snapshots := append([]json.RawMessage(nil), c.health...)
	if c.selfHealth != nil {
		snapshots = append(snapshots, c.selfHealth)
	}
	return snapshots, nil
}

func (c *Client) PruneStaleNodes(ctx context.Context, maxAge time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.timeProvider.Now()
	removed := 0
	for service, instances := range c.instances {
		kept := instances[:0]
		for _, inst := range instances {
			updated, err := umf.ParseTimestamp(inst.UpdatedOn)
			if err == nil && now.Sub(updated) > maxAge {
				removed++
				continue
			}
			kept = append(kept, inst)
		}
		c.instances[service] = kept
	}
	return removed, nil
}

// ---------------------------------------------------------------------------
// Messenger and Subscriber.

func (c *Client) Send(ctx context.Context, msg umf.Message) error {
	route, err := umf.ParseRoute(msg.To)
	if err != nil {
		return fmt.Errorf("parsing send route %q: %w", msg.To, err)
	}

	c.mu.Lock()
	c.sends = append(c.sends, msg)
	loopback := c.registered && route.ServiceName == c.info.ServiceName
	c.mu.Unlock()

	// A send addressed to this gateway arrives on its own subscription,
	// matching the channel topology of the shared registry.
	if loopback {
		c.publish(msg)
	}
	return nil
}

func (c *Client) Broadcast(ctx context.Context, msg umf.Message) error {
	c.mu.Lock()
	c.broadcasts = append(c.broadcasts, msg)
	c.mu.Unlock()

	// Broadcasts loop back: the gateway listens on the broadcast channel it
	// publishes to.
	c.publish(msg)
	return nil
}

func (c *Client) Queue(ctx context.Context, msg umf.Message) error {
	route, err := umf.ParseRoute(msg.To)
	if err != nil {
		return fmt.Errorf("parsing queue route %q: %w", msg.To, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.queued[route.ServiceName] = append(c.queued[route.ServiceName], msg)
	return nil
}

func (c *Client) Subscribe(ctx context.Context) (<-chan umf.Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("registry closed")
	}
	sub := make(chan umf.Message, subscriberBuffer)
	c.subscribers = append(c.subscribers, sub)
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.dropSubscriber(sub)
	}()

	return sub, nil
}

func (c *Client) publish(msg umf.Message) {
	c.mu.RLock()
	subs := append([]chan umf.Message(nil), c.subscribers...)
	c.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub <- msg:
		default:
		}
	}
}

func (c *Client) dropSubscriber(sub chan umf.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for i, existing := range c.subscribers {
		if existing == sub {
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

// ---------------------------------------------------------------------------
// APIRelay.

func (c *Client) MakeAPIRequest(ctx context.Context, msg umf.Message, timeout time.Duration) (registry.APIResponse, error) {
	route, err := umf.ParseRoute(msg.To)
	if err != nil {
		return registry.APIResponse{}, fmt.Errorf("parsing request route %q: %w", msg.To, err)
	}

	c.mu.RLock()
	fn := c.relayFn
	live := len(c.instances[route.ServiceName])
	c.mu.RUnlock()

	if live == 0 {
		return registry.APIResponse{
			StatusCode: http.StatusServiceUnavailable,
			Result:     map[string]any{"reason": fmt.Sprintf("No %s instances available", route.ServiceName)},
		}, nil
	}
	if fn != nil {
		return fn(ctx, msg, timeout)
	}
	return registry.APIResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"content-type": "application/json"},
		Payload:    []byte("{}"),
	}, nil
}

// ---------------------------------------------------------------------------
// Registrar.

func (c *Client) Register(ctx context.Context, info registry.ServiceInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.info = info
	c.registered = true
	c.records[info.ServiceName] = registry.ServiceRecord{
		ServiceName:        info.ServiceName,
		ServiceDescription: info.ServiceDescription,
		RegisteredOn:       umf.FormatTimestamp(c.timeProvider.Now()),
	}
	c.instances[info.ServiceName] = append(c.instances[info.ServiceName], registry.Instance{
		ServiceName: info.ServiceName,
		InstanceID:  info.InstanceID,
		IP:          info.IP,
		Port:        info.Port,
		HostName:    info.HostName,
		Version:     info.Version,
		UpdatedOn:   umf.FormatTimestamp(c.timeProvider.Now()),
	})
	c.refreshSelfHealthLocked()
	return nil
}

func (c *Client) PublishRoutes(ctx context.Context, routes []string) error {
	c.mu.Lock()
	if !c.registered {
		c.mu.Unlock()
		return fmt.Errorf("publish routes requires a registered service")
	}
	c.routes[c.info.ServiceName] = append([]string(nil), routes...)
	serviceName := c.info.ServiceName
	c.mu.Unlock()

	refresh := umf.New(c.timeProvider)
	refresh.To = "hydra-router:/"
	refresh.From = fmt.Sprintf("%s:/", serviceName)
	refresh.Type = "refresh"
	refresh.Body = map[string]any{"action": "refresh", "serviceName": serviceName}
	return c.Broadcast(ctx, refresh)
}

func (c *Client) UpdatePresence(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.registered {
		return fmt.Errorf("update presence requires a registered service")
	}
	now := umf.FormatTimestamp(c.timeProvider.Now())
	for i, inst := range c.instances[c.info.ServiceName] {
		if inst.InstanceID == c.info.InstanceID {
			c.instances[c.info.ServiceName][i].UpdatedOn = now
		}
	}
	c.refreshSelfHealthLocked()
	return nil
}

func (c *Client) refreshSelfHealthLocked() {
	snapshot, err := json.Marshal(map[string]any{
		"serviceName": c.info.ServiceName,
		"instanceID":  c.info.InstanceID,
		"hostName":    c.info.HostName,
		"sampledOn":   umf.FormatTimestamp(c.timeProvider.Now()),
	})
	if err != nil {
		return
	}
	c.selfHealth = snapshot
}

// ---------------------------------------------------------------------------
// ListStore.

func (c *Client) RPush(ctx context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lists[key] = append(c.lists[key], append([]byte(nil), value...))
	return nil
}

// LMove moves the head of source to the tail of destination, matching the
// store primitive it stands in for.
func (c *Client) LMove(ctx context.Context, source, destination string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	src := c.lists[source]
	if len(src) == 0 {
		return nil, nil
	}
	value := src[0]
	c.lists[source] = src[1:]
	c.lists[destination] = append(c.lists[destination], value)
	return append([]byte(nil), value...), nil
}

func (c *Client) LRem(ctx context.Context, key string, count int, value []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.lists[key]
	removed := 0
	limit := count
	if limit < 0 {
		limit = -limit
	}

	matches := func(b []byte) bool { return string(b) == string(value) }

	var kept [][]byte
	if count >= 0 {
		for _, item := range list {
			if matches(item) && (count == 0 || removed < limit) {
				removed++
				continue
			}
			kept = append(kept, item)
		}
	} else {
		for i := len(list) - 1; i >= 0; i-- {
			item := list[i]
			if matches(item) && removed < limit {
				removed++
				continue
			}
			kept = append([][]byte{item}, kept...)
		}
	}
	c.lists[key] = kept
	return removed, nil
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttls[key] = ttl
	return nil
}
