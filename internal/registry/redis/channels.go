package redis

import (
	"context"
	"fmt"

	"github.com/hydramesh/hydra-router/internal/umf"
)

// subscribeBuffer bounds how many inbound frames wait for the router before
// the pump blocks on delivery.
const subscribeBuffer = 64

// Send delivers a message on the channel of the service or instance its
// "to" route addresses.
func (c *Client) Send(ctx context.Context, msg umf.Message) error {
	ctx, span := c.tracer.Start(ctx, "registry.Send")
	defer span.End()
	c.metrics.IncRegistryCall(ctx, "send")

	route, err := umf.ParseRoute(msg.To)
	if err != nil {
		return fmt.Errorf("parsing send route %q: %w", msg.To, err)
	}

	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	channel := c.serviceKey(route.ServiceName, "mc")
	if route.Instance != "" {
		channel = c.serviceKey(route.ServiceName, route.Instance, "mc")
	}

	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		c.metrics.IncRegistryError(ctx, "send")
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	return nil
}

// Broadcast delivers a message to every service listening on the registry's
// broadcast channel.
func (c *Client) Broadcast(ctx context.Context, msg umf.Message) error {
	ctx, span := c.tracer.Start(ctx, "registry.Broadcast")
	defer span.End()
	c.metrics.IncRegistryCall(ctx, "broadcast")

	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	if err := c.rdb.Publish(ctx, c.serviceKey("mc"), payload).Err(); err != nil {
		c.metrics.IncRegistryError(ctx, "broadcast")
		return fmt.Errorf("publishing broadcast: %w", err)
	}
	return nil
}

// Queue appends a message to the addressed service's inbound queue.
// "mqrecieved" is the registry's historical key name; renaming it would
// strand messages for services already in the mesh.
func (c *Client) Queue(ctx context.Context, msg umf.Message) error {
	ctx, span := c.tracer.Start(ctx, "registry.Queue")
	defer span.End()
	c.metrics.IncRegistryCall(ctx, "queue")

	route, err := umf.ParseRoute(msg.To)
	if err != nil {
		return fmt.Errorf("parsing queue route %q: %w", msg.To, err)
	}

	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	if err := c.rdb.LPush(ctx, c.serviceKey(route.ServiceName, "mqrecieved"), payload).Err(); err != nil {
		c.metrics.IncRegistryError(ctx, "queue")
		return fmt.Errorf("queueing for %s: %w", route.ServiceName, err)
	}
	return nil
}

// Subscribe opens the three channels addressed to this gateway: the mesh
// broadcast channel, the service channel, and the instance channel. Register
// must have run first so the channel names are known.
func (c *Client) Subscribe(ctx context.Context) (<-chan umf.Message, error) {
	info := c.registeredInfo()
	if info.ServiceName == "" || info.InstanceID == "" {
		return nil, fmt.Errorf("subscribe requires a registered service")
	}

	channels := []string{
		c.serviceKey("mc"),
		c.serviceKey(info.ServiceName, "mc"),
		c.serviceKey(info.ServiceName, info.InstanceID, "mc"),
	}

	pubsub := c.rdb.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribing to registry channels: %w", err)
	}

	out := make(chan umf.Message, subscribeBuffer)
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()

		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-in:
				if !ok {
					return
				}
				msg, err := umf.Decode([]byte(raw.Payload))
				if err != nil {
					c.logger.Warn(ctx, "dropping malformed frame",
						"channel", raw.Channel, "error", err)
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	c.logger.Info(ctx, "subscribed to registry channels", "channels", channels)
	return out, nil
}
