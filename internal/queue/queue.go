// Package queue implements the offline message queue: messages addressed to
// a client that is not connected are parked per client id and replayed when
// the client returns.
//
// Each client owns two lists under a shared base key:
//
//	<base>:<clientID>:queued        messages waiting for the client
//	<base>:<clientID>:processing    messages handed out but not yet completed
//
// Dequeue atomically moves the oldest entry from queued to processing, so a
// reconnecting client replays its backlog in enqueue order; Complete removes
// the entry from processing once delivery is confirmed. Entries whose
// delivery never completes stay parked in processing and are not handed out
// again.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/hydramesh/hydra-router/internal/registry"
	"github.com/hydramesh/hydra-router/internal/umf"
	"github.com/hydramesh/hydra-router/pkg/common/logger"
)

const (
	// DefaultBaseKey roots the per-client queue keys.
	DefaultBaseKey = "hydra-router:message:queue"

	// DefaultTTL is how long an untouched queue list survives. Every
	// operation on a list refreshes it.
	DefaultTTL = 24 * time.Hour
)

// Config adjusts the queue's key base and retention.
type Config struct {
	BaseKey string
	TTL     time.Duration
}

// Item is one dequeued entry. Raw is the stored payload; Complete needs it
// byte for byte to remove the right list entry.
type Item struct {
	Raw     []byte
	Message umf.Message
}

// OfflineQueue parks and replays messages for disconnected clients.
type OfflineQueue struct {
	store  registry.ListStore
	base   string
	ttl    time.Duration
	logger *logger.Logger
}

// New creates a queue over the given list store. Zero config fields fall
// back to the package defaults.
func New(store registry.ListStore, cfg Config, log *logger.Logger) *OfflineQueue {
	if cfg.BaseKey == "" {
		cfg.BaseKey = DefaultBaseKey
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &OfflineQueue{
		store:  store,
		base:   cfg.BaseKey,
		ttl:    cfg.TTL,
		logger: log.With("component", "offline_queue"),
	}
}

// Enqueue parks a message for a client.
func (q *OfflineQueue) Enqueue(ctx context.Context, clientID string, msg umf.Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encoding queued message: %w", err)
	}

	key := q.queuedKey(clientID)
	if err := q.store.RPush(ctx, key, payload); err != nil {
		return fmt.Errorf("queueing message for %s: %w", clientID, err)
	}
	q.touch(ctx, key)

	q.logger.Debug(ctx, "message queued", "client_id", clientID, "mid", msg.MID)
	return nil
}

// Dequeue hands out the next entry for a client, moving it to the client's
// processing list. Malformed stored entries are dropped, not handed out.
// ok is false when the client has nothing queued.
func (q *OfflineQueue) Dequeue(ctx context.Context, clientID string) (item Item, ok bool, err error) {
	queued := q.queuedKey(clientID)
	processing := q.processingKey(clientID)

	for {
		raw, err := q.store.LMove(ctx, queued, processing)
		if err != nil {
			return Item{}, false, fmt.Errorf("dequeueing for %s: %w", clientID, err)
		}
		if raw == nil {
			return Item{}, false, nil
		}
		q.touch(ctx, queued, processing)

		msg, err := umf.Decode(raw)
		if err != nil {
			q.logger.Warn(ctx, "dropping malformed queued message",
				"client_id", clientID, "error", err)
			if _, err := q.store.LRem(ctx, processing, 1, raw); err != nil {
				return Item{}, false, fmt.Errorf("dropping malformed entry for %s: %w", clientID, err)
			}
			continue
		}
		return Item{Raw: raw, Message: msg}, true, nil
	}
}

// Complete removes a delivered entry from the client's processing list.
func (q *OfflineQueue) Complete(ctx context.Context, clientID string, item Item) error {
	processing := q.processingKey(clientID)

	removed, err := q.store.LRem(ctx, processing, 1, item.Raw)
	if err != nil {
		return fmt.Errorf("completing message for %s: %w", clientID, err)
	}
	if removed == 0 {
		q.logger.Warn(ctx, "completed message not found in processing list",
			"client_id", clientID, "mid", item.Message.MID)
	}
	q.touch(ctx, processing)
	return nil
}

// Drain hands every queued message to deliver, completing each one after it
// returns nil. A delivery failure stops the drain; the failed message stays
// parked in processing. Returns how many messages were delivered.
func (q *OfflineQueue) Drain(ctx context.Context, clientID string, deliver func(umf.Message) error) (int, error) {
	delivered := 0
	for {
		item, ok, err := q.Dequeue(ctx, clientID)
		if err != nil {
			return delivered, err
		}
		if !ok {
			return delivered, nil
		}

		if err := deliver(item.Message); err != nil {
			return delivered, fmt.Errorf("delivering queued message %s: %w", item.Message.MID, err)
		}
		if err := q.Complete(ctx, clientID, item); err != nil {
			return delivered, err
		}
		delivered++
	}
}

// touch refreshes retention on the given keys. A failed refresh leaves an
// entry without expiry rather than losing it, so it only warns.
func (q *OfflineQueue) touch(ctx context.Context, keys ...string) {
	for _, key := range keys {
		if err := q.store.Expire(ctx, key, q.ttl); err != nil {
			q.logger.Warn(ctx, "refreshing queue ttl failed", "key", key, "error", err)
		}
	}
}

func (q *OfflineQueue) queuedKey(clientID string) string {
	return q.base + ":" + clientID + ":queued"
}

func (q *OfflineQueue) processingKey(clientID string) string {
	return q.base + ":" + clientID + ":processing"
}
