package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hydramesh/hydra-router/internal/registry"
	"github.com/hydramesh/hydra-router/internal/umf"
)

// AllServiceRoutes returns every registered service's route strings.
func (c *Client) AllServiceRoutes(ctx context.Context) (map[string][]string, error) {
	ctx, span := c.tracer.Start(ctx, "registry.AllServiceRoutes")
	defer span.End()
	c.metrics.IncRegistryCall(ctx, "all_service_routes")

	routes := make(map[string][]string)

	iter := c.rdb.Scan(ctx, 0, c.serviceKey("*", "routes"), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		serviceName := serviceNameFromKey(key)
		if serviceName == "" {
			continue
		}

		members, err := c.rdb.SMembers(ctx, key).Result()
		if err != nil {
			c.metrics.IncRegistryError(ctx, "all_service_routes")
			return nil, fmt.Errorf("reading routes for %s: %w", serviceName, err)
		}
		sort.Strings(members)
		routes[serviceName] = members
	}
	if err := iter.Err(); err != nil {
		c.metrics.IncRegistryError(ctx, "all_service_routes")
		return nil, fmt.Errorf("scanning route keys: %w", err)
	}

	return routes, nil
}

// ServiceRoutes returns the route strings registered for one service.
func (c *Client) ServiceRoutes(ctx context.Context, serviceName string) ([]string, error) {
	ctx, span := c.tracer.Start(ctx, "registry.ServiceRoutes")
	defer span.End()
	c.metrics.IncRegistryCall(ctx, "service_routes")

	members, err := c.rdb.SMembers(ctx, c.serviceKey(serviceName, "routes")).Result()
	if err != nil {
		c.metrics.IncRegistryError(ctx, "service_routes")
		return nil, fmt.Errorf("reading routes for %s: %w", serviceName, err)
	}
	sort.Strings(members)
	return members, nil
}

// Services returns the registration records of every known service, sorted
// by service name.
func (c *Client) Services(ctx context.Context) ([]registry.ServiceRecord, error) {
	ctx, span := c.tracer.Start(ctx, "registry.Services")
	defer span.End()
	c.metrics.IncRegistryCall(ctx, "services")

	var keys []string
	iter := c.rdb.Scan(ctx, 0, c.serviceKey("*", "service"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.metrics.IncRegistryError(ctx, "services")
		return nil, fmt.Errorf("scanning service records: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	values, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		c.metrics.IncRegistryError(ctx, "services")
		return nil, fmt.Errorf("reading service records: %w", err)
	}

	records := make([]registry.ServiceRecord, 0, len(values))
	for _, value := range values {
		s, ok := value.(string)
		if !ok {
			continue
		}
		var record registry.ServiceRecord
		if err := json.Unmarshal([]byte(s), &record); err != nil {
			c.logger.Warn(ctx, "skipping malformed service record", "error", err)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Presence returns the live instances of a service. Instances are live when
// their presence marker has not expired. The order is the registry's:
// stable, sorted by instance id.
func (c *Client) Presence(ctx context.Context, serviceName string) ([]registry.Instance, error) {
	ctx, span := c.tracer.Start(ctx, "registry.Presence")
	defer span.End()
	c.metrics.IncRegistryCall(ctx, "presence")

	nodes, err := c.nodeEntries(ctx)
	if err != nil {
		c.metrics.IncRegistryError(ctx, "presence")
		return nil, err
	}

	var candidates []registry.Instance
	for _, node := range nodes {
		if node.ServiceName == serviceName {
			candidates = append(candidates, node)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	keys := make([]string, len(candidates))
	for i, node := range candidates {
		keys[i] = c.serviceKey(node.ServiceName, node.InstanceID, "presence")
	}
	markers, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		c.metrics.IncRegistryError(ctx, "presence")
		return nil, fmt.Errorf("reading presence markers: %w", err)
	}

	var live []registry.Instance
	for i, marker := range markers {
		if marker != nil {
			live = append(live, candidates[i])
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].InstanceID < live[j].InstanceID })

	return live, nil
}

// Nodes returns every instance entry the registry knows about.
func (c *Client) Nodes(ctx context.Context) ([]registry.Instance, error) {
	ctx, span := c.tracer.Start(ctx, "registry.Nodes")
	defer span.End()
	c.metrics.IncRegistryCall(ctx, "nodes")

	nodes, err := c.nodeEntries(ctx)
	if err != nil {
		c.metrics.IncRegistryError(ctx, "nodes")
		return nil, err
	}

	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].ServiceName != nodes[j].ServiceName {
			return nodes[i].ServiceName < nodes[j].ServiceName
		}
		return nodes[i].InstanceID < nodes[j].InstanceID
	})
	return nodes, nil
}

// Health returns the most recent health snapshot of every instance.
func (c *Client) Health(ctx context.Context) ([]json.RawMessage, error) {
	ctx, span := c.tracer.Start(ctx, "registry.Health")
	defer span.End()
	c.metrics.IncRegistryCall(ctx, "health")

	var keys []string
	iter := c.rdb.Scan(ctx, 0, c.serviceKey("*", "*", "health"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.metrics.IncRegistryError(ctx, "health")
		return nil, fmt.Errorf("scanning health keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	values, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		c.metrics.IncRegistryError(ctx, "health")
		return nil, fmt.Errorf("reading health snapshots: %w", err)
	}

	snapshots := make([]json.RawMessage, 0, len(values))
	for _, value := range values {
		s, ok := value.(string)
		if !ok {
			continue
		}
		snapshots = append(snapshots, json.RawMessage(s))
	}
	return snapshots, nil
}

// PruneStaleNodes removes node entries whose last refresh is older than
// maxAge. Presence markers expire on their own; this cleans the node hash
// they leave behind.
func (c *Client) PruneStaleNodes(ctx context.Context, maxAge time.Duration) (int, error) {
	ctx, span := c.tracer.Start(ctx, "registry.PruneStaleNodes")
	defer span.End()
	c.metrics.IncRegistryCall(ctx, "prune_stale_nodes")

	nodes, err := c.nodeEntries(ctx)
	if err != nil {
		c.metrics.IncRegistryError(ctx, "prune_stale_nodes")
		return 0, err
	}

	var stale []string
	for _, node := range nodes {
		if time.Duration(node.Elapsed)*time.Second > maxAge {
			stale = append(stale, node.InstanceID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	if err := c.rdb.HDel(ctx, c.serviceKey("nodes"), stale...).Err(); err != nil {
		c.metrics.IncRegistryError(ctx, "prune_stale_nodes")
		return 0, fmt.Errorf("deleting stale nodes: %w", err)
	}
	return len(stale), nil
}

// Register announces the gateway as a service of its own: service record,
// node entry, and first presence marker.
func (c *Client) Register(ctx context.Context, info registry.ServiceInfo) error {
	ctx, span := c.tracer.Start(ctx, "registry.Register")
	defer span.End()
	c.metrics.IncRegistryCall(ctx, "register")

	c.mu.Lock()
	c.info = info
	c.mu.Unlock()

	record, err := json.Marshal(registry.ServiceRecord{
		ServiceName:        info.ServiceName,
		ServiceDescription: info.ServiceDescription,
		RegisteredOn:       umf.FormatTimestamp(c.timeProvider.Now()),
	})
	if err != nil {
		return fmt.Errorf("encoding service record: %w", err)
	}

	if err := c.rdb.Set(ctx, c.serviceKey(info.ServiceName, "service"), record, 0).Err(); err != nil {
		c.metrics.IncRegistryError(ctx, "register")
		return fmt.Errorf("storing service record: %w", err)
	}

	if err := c.UpdatePresence(ctx); err != nil {
		return err
	}

	c.logger.Info(ctx, "registered with registry",
		"service", info.ServiceName, "instance_id", info.InstanceID)
	return nil
}

// PublishRoutes replaces the registered route strings for this service and
// broadcasts a refresh so peers reload them.
func (c *Client) PublishRoutes(ctx context.Context, routes []string) error {
	ctx, span := c.tracer.Start(ctx, "registry.PublishRoutes")
	defer span.End()
	c.metrics.IncRegistryCall(ctx, "publish_routes")

	info := c.registeredInfo()
	key := c.serviceKey(info.ServiceName, "routes")

	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(routes) > 0 {
		members := make([]any, len(routes))
		for i, route := range routes {
			members[i] = route
		}
		pipe.SAdd(ctx, key, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.metrics.IncRegistryError(ctx, "publish_routes")
		return fmt.Errorf("storing routes: %w", err)
	}

	refresh := umf.New(c.timeProvider)
	refresh.To = "hydra-router:/"
	refresh.From = fmt.Sprintf("%s:/", info.ServiceName)
	refresh.Type = "refresh"
	refresh.Body = map[string]any{"action": "refresh", "serviceName": info.ServiceName}

	return c.Broadcast(ctx, refresh)
}

// UpdatePresence refreshes the presence marker, the node entry, and the
// gateway's own health snapshot.
func (c *Client) UpdatePresence(ctx context.Context) error {
	c.metrics.IncRegistryCall(ctx, "update_presence")

	info := c.registeredInfo()
	now := umf.FormatTimestamp(c.timeProvider.Now())

	entry, err := json.Marshal(registry.Instance{
		ServiceName: info.ServiceName,
		InstanceID:  info.InstanceID,
		ProcessID:   os.Getpid(),
		IP:          info.IP,
		Port:        info.Port,
		HostName:    info.HostName,
		Version:     info.Version,
		UpdatedOn:   now,
	})
	if err != nil {
		return fmt.Errorf("encoding node entry: %w", err)
	}

	health, err := json.Marshal(map[string]any{
		"serviceName": info.ServiceName,
		"instanceID":  info.InstanceID,
		"hostName":    info.HostName,
		"sampledOn":   now,
	})
	if err != nil {
		return fmt.Errorf("encoding health snapshot: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.SetEx(ctx, c.serviceKey(info.ServiceName, info.InstanceID, "presence"), info.InstanceID, registry.PresenceTTL)
	pipe.HSet(ctx, c.serviceKey("nodes"), info.InstanceID, entry)
	pipe.SetEx(ctx, c.serviceKey(info.ServiceName, info.InstanceID, "health"), health, 5*registry.PresenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		c.metrics.IncRegistryError(ctx, "update_presence")
		return fmt.Errorf("refreshing presence: %w", err)
	}

	return nil
}

// nodeEntries loads the node hash and computes each entry's elapsed age.
func (c *Client) nodeEntries(ctx context.Context) ([]registry.Instance, error) {
	entries, err := c.rdb.HGetAll(ctx, c.serviceKey("nodes")).Result()
	if err != nil {
		return nil, fmt.Errorf("reading node entries: %w", err)
	}

	now := c.timeProvider.Now()
	nodes := make([]registry.Instance, 0, len(entries))
	for _, raw := range entries {
		var node registry.Instance
		if err := json.Unmarshal([]byte(raw), &node); err != nil {
			c.logger.Warn(ctx, "skipping malformed node entry", "error", err)
			continue
		}
		if updated, err := umf.ParseTimestamp(node.UpdatedOn); err == nil {
			node.Elapsed = int(now.Sub(updated).Seconds())
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// serviceNameFromKey extracts the service segment from a
// "hydra:service:<name>:..." key.
func serviceNameFromKey(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}
