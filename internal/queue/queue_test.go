package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydramesh/hydra-router/internal/registry/memory"
	"github.com/hydramesh/hydra-router/internal/umf"
	"github.com/hydramesh/hydra-router/pkg/common/logger"
	"github.com/hydramesh/hydra-router/pkg/common/timeutil"
)

const clientID = "7a3b1f20c4d64b1fa5f0d7f3f0f7e921"

func newTestQueue(t *testing.T) (*OfflineQueue, *memory.Client, *timeutil.Mock) {
	t.Helper()

	clock := timeutil.NewMock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memory.NewClient(clock)
	q := New(store, Config{}, logger.Noop())
	return q, store, clock
}

func newQueuedMessage(clock *timeutil.Mock, value string) umf.Message {
	msg := umf.New(clock)
	msg.To = clientID + "@hydra-router:/"
	msg.From = "imaging:/"
	msg.Body = map[string]any{"value": value}
	return msg
}

func TestEnqueueRefreshesRetention(t *testing.T) {
	q, store, clock := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, clientID, newQueuedMessage(clock, "a")))

	key := DefaultBaseKey + ":" + clientID + ":queued"
	assert.Equal(t, DefaultTTL, store.TTL(key))
}

func TestDequeueCompleteRoundTrip(t *testing.T) {
	q, store, clock := newTestQueue(t)
	ctx := context.Background()

	msg := newQueuedMessage(clock, "a")
	require.NoError(t, q.Enqueue(ctx, clientID, msg))

	item, ok, err := q.Dequeue(ctx, clientID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, msg.MID, item.Message.MID)
	assert.Equal(t, "a", item.Message.BodyString("value"))

	// The entry waits in processing until completed.
	processing := DefaultBaseKey + ":" + clientID + ":processing"
	assert.Equal(t, DefaultTTL, store.TTL(processing))

	require.NoError(t, q.Complete(ctx, clientID, item))

	_, ok, err = q.Dequeue(ctx, clientID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDequeueEmptyQueue(t *testing.T) {
	q, _, _ := newTestQueue(t)

	_, ok, err := q.Dequeue(context.Background(), clientID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDequeueDropsMalformedEntries(t *testing.T) {
	q, store, clock := newTestQueue(t)
	ctx := context.Background()

	queued := DefaultBaseKey + ":" + clientID + ":queued"
	require.NoError(t, store.RPush(ctx, queued, []byte("not json")))
	require.NoError(t, q.Enqueue(ctx, clientID, newQueuedMessage(clock, "good")))

	// The malformed entry is dropped and the valid one handed out.
	item, ok, err := q.Dequeue(ctx, clientID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "good", item.Message.BodyString("value"))
	require.NoError(t, q.Complete(ctx, clientID, item))

	// Nothing lingers in processing.
	processing := DefaultBaseKey + ":" + clientID + ":processing"
	moved, err := store.LMove(ctx, processing, processing+":check")
	require.NoError(t, err)
	assert.Nil(t, moved)
}

func TestDrainDeliversInEnqueueOrder(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, clientID, newQueuedMessage(clock, "first")))
	require.NoError(t, q.Enqueue(ctx, clientID, newQueuedMessage(clock, "second")))

	var values []string
	delivered, err := q.Drain(ctx, clientID, func(msg umf.Message) error {
		values = append(values, msg.BodyString("value"))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, []string{"first", "second"}, values)
}

func TestDrainStopsOnDeliveryFailure(t *testing.T) {
	q, _, clock := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, clientID, newQueuedMessage(clock, "first")))
	require.NoError(t, q.Enqueue(ctx, clientID, newQueuedMessage(clock, "second")))

	failed := errors.New("client went away")
	delivered, err := q.Drain(ctx, clientID, func(umf.Message) error { return failed })
	require.ErrorIs(t, err, failed)
	assert.Equal(t, 0, delivered)

	// The failed message is parked in processing; the other stays queued
	// and a later drain delivers it alone.
	var values []string
	delivered, err = q.Drain(ctx, clientID, func(msg umf.Message) error {
		values = append(values, msg.BodyString("value"))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, []string{"second"}, values)
}

func TestCustomBaseKeyAndTTL(t *testing.T) {
	clock := timeutil.NewMock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memory.NewClient(clock)
	q := New(store, Config{BaseKey: "custom:queue", TTL: time.Hour}, logger.Noop())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, clientID, newQueuedMessage(clock, "a")))
	assert.Equal(t, time.Hour, store.TTL("custom:queue:"+clientID+":queued"))
}
