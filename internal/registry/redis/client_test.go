package redis

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/hydramesh/hydra-router/internal/registry"
	"github.com/hydramesh/hydra-router/internal/umf"
	"github.com/hydramesh/hydra-router/pkg/common/logger"
	"github.com/hydramesh/hydra-router/pkg/common/timeutil"
)

type noopMetrics struct{}

func (noopMetrics) IncRegistryCall(context.Context, string)  {}
func (noopMetrics) IncRegistryError(context.Context, string) {}

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis, *timeutil.Mock) {
	t.Helper()

	mr := miniredis.RunT(t)
	clock := timeutil.NewMock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	client, err := NewClient(
		&Config{Addr: mr.Addr()},
		clock,
		logger.Noop(),
		noopMetrics{},
		noop.NewTracerProvider().Tracer("test"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client, mr, clock
}

func testServiceInfo(port int) registry.ServiceInfo {
	return registry.ServiceInfo{
		ServiceName:        "hydra-router",
		ServiceDescription: "message router",
		InstanceID:         "7a3b1f20c4d64b1fa5f0d7f3f0f7e921",
		IP:                 "127.0.0.1",
		Port:               port,
		Version:            "1.0.0",
		HostName:           "router-host",
	}
}

func hostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()

	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestRegisterCreatesRecordPresenceAndNode(t *testing.T) {
	client, mr, _ := newTestClient(t)
	ctx := context.Background()

	info := testServiceInfo(5353)
	require.NoError(t, client.Register(ctx, info))

	record, err := mr.Get("hydra:service:hydra-router:service")
	require.NoError(t, err)
	assert.Contains(t, record, `"serviceName":"hydra-router"`)
	assert.Contains(t, record, `"serviceDescription":"message router"`)

	assert.True(t, mr.Exists("hydra:service:hydra-router:"+info.InstanceID+":presence"))

	live, err := client.Presence(ctx, "hydra-router")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, info.InstanceID, live[0].InstanceID)
	assert.Equal(t, 5353, live[0].Port)
	assert.Equal(t, "router-host", live[0].HostName)
}

func TestPresenceExcludesExpiredInstances(t *testing.T) {
	client, mr, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Register(ctx, testServiceInfo(5353)))

	mr.FastForward(registry.PresenceTTL + time.Second)

	live, err := client.Presence(ctx, "hydra-router")
	require.NoError(t, err)
	assert.Empty(t, live)

	// Node entries outlive the presence marker until pruned.
	nodes, err := client.Nodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestPresenceOrdersByInstanceID(t *testing.T) {
	client, _, clock := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Register(ctx, testServiceInfo(5353)))

	// A second live instance of the same service, seeded directly.
	peer := registry.Instance{
		ServiceName: "hydra-router",
		InstanceID:  "00aa11bb22cc33dd44ee55ff66aa77bb",
		IP:          "10.0.0.2",
		Port:        5353,
		UpdatedOn:   umf.FormatTimestamp(clock.Now()),
	}
	raw, err := json.Marshal(peer)
	require.NoError(t, err)
	require.NoError(t, client.rdb.HSet(ctx, "hydra:service:nodes", peer.InstanceID, raw).Err())
	require.NoError(t, client.rdb.Set(ctx,
		"hydra:service:hydra-router:"+peer.InstanceID+":presence", peer.InstanceID, 0).Err())

	live, err := client.Presence(ctx, "hydra-router")
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, peer.InstanceID, live[0].InstanceID)
	assert.Equal(t, testServiceInfo(0).InstanceID, live[1].InstanceID)
}

func TestPublishRoutesReplacesAndBroadcasts(t *testing.T) {
	client, _, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Register(ctx, testServiceInfo(5353)))

	pubsub := client.rdb.Subscribe(ctx, "hydra:service:mc")
	defer pubsub.Close()
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, client.PublishRoutes(ctx, []string{
		"[get]/v1/router/version",
		"/v1/router/health",
	}))

	routes, err := client.ServiceRoutes(ctx, "hydra-router")
	require.NoError(t, err)
	assert.Equal(t, []string{"/v1/router/health", "[get]/v1/router/version"}, routes)

	select {
	case raw := <-pubsub.Channel():
		msg, err := umf.Decode([]byte(raw.Payload))
		require.NoError(t, err)
		assert.Equal(t, "refresh", msg.Type)
		assert.Equal(t, "refresh", msg.BodyString("action"))
		assert.Equal(t, "hydra-router", msg.BodyString("serviceName"))
	case <-time.After(2 * time.Second):
		t.Fatal("no refresh broadcast received")
	}

	// A second publication replaces, never appends.
	require.NoError(t, client.PublishRoutes(ctx, []string{"/v2/only"}))
	routes, err = client.ServiceRoutes(ctx, "hydra-router")
	require.NoError(t, err)
	assert.Equal(t, []string{"/v2/only"}, routes)
}

func TestAllServiceRoutes(t *testing.T) {
	client, _, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Register(ctx, testServiceInfo(5353)))
	require.NoError(t, client.PublishRoutes(ctx, []string{"/v1/router/health"}))
	require.NoError(t, client.rdb.SAdd(ctx, "hydra:service:imaging:routes", "/v1/imaging/:id").Err())

	catalog, err := client.AllServiceRoutes(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"hydra-router": {"/v1/router/health"},
		"imaging":      {"/v1/imaging/:id"},
	}, catalog)
}

func TestServicesListsRegistrationRecords(t *testing.T) {
	client, _, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Register(ctx, testServiceInfo(5353)))

	peer, err := json.Marshal(registry.ServiceRecord{
		ServiceName:        "imaging",
		ServiceDescription: "image pipeline",
		RegisteredOn:       "2025-03-01T11:00:00.000Z",
	})
	require.NoError(t, err)
	require.NoError(t, client.rdb.Set(ctx, "hydra:service:imaging:service", peer, 0).Err())

	records, err := client.Services(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "hydra-router", records[0].ServiceName)
	assert.Equal(t, "imaging", records[1].ServiceName)
	assert.Equal(t, "image pipeline", records[1].ServiceDescription)
}

func TestHealthReturnsSnapshots(t *testing.T) {
	client, _, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Register(ctx, testServiceInfo(5353)))

	snapshots, err := client.Health(ctx)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Contains(t, string(snapshots[0]), `"serviceName":"hydra-router"`)
}

func TestPruneStaleNodes(t *testing.T) {
	client, _, clock := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Register(ctx, testServiceInfo(5353)))

	stale := registry.Instance{
		ServiceName: "imaging",
		InstanceID:  "ffeeddccbbaa99887766554433221100",
		UpdatedOn:   umf.FormatTimestamp(clock.Now().Add(-10 * time.Minute)),
	}
	raw, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, client.rdb.HSet(ctx, "hydra:service:nodes", stale.InstanceID, raw).Err())

	removed, err := client.PruneStaleNodes(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	nodes, err := client.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "hydra-router", nodes[0].ServiceName)
}

func TestSendTargetsServiceAndInstanceChannels(t *testing.T) {
	client, _, clock := newTestClient(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		to      string
		channel string
	}{
		{name: "service send", to: "imaging:/", channel: "hydra:service:imaging:mc"},
		{
			name:    "instance send",
			to:      "00aa11bb22cc33dd44ee55ff66aa77bb@imaging:/",
			channel: "hydra:service:imaging:00aa11bb22cc33dd44ee55ff66aa77bb:mc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pubsub := client.rdb.Subscribe(ctx, tt.channel)
			defer pubsub.Close()
			_, err := pubsub.Receive(ctx)
			require.NoError(t, err)

			msg := umf.New(clock)
			msg.To = tt.to
			msg.From = "hydra-router:/"
			msg.Body = map[string]any{"value": tt.name}
			require.NoError(t, client.Send(ctx, msg))

			select {
			case raw := <-pubsub.Channel():
				got, err := umf.Decode([]byte(raw.Payload))
				require.NoError(t, err)
				assert.Equal(t, msg.MID, got.MID)
				assert.Equal(t, tt.name, got.BodyString("value"))
			case <-time.After(2 * time.Second):
				t.Fatal("no frame received")
			}
		})
	}
}

func TestQueueAppendsToServiceQueue(t *testing.T) {
	client, _, clock := newTestClient(t)
	ctx := context.Background()

	msg := umf.New(clock)
	msg.To = "imaging:/"
	msg.From = "hydra-router:/"
	msg.Body = map[string]any{"job": "resize"}
	require.NoError(t, client.Queue(ctx, msg))

	entries, err := client.rdb.LRange(ctx, "hydra:service:imaging:mqrecieved", 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	got, err := umf.Decode([]byte(entries[0]))
	require.NoError(t, err)
	assert.Equal(t, msg.MID, got.MID)
}

func TestSubscribeDeliversAddressedFrames(t *testing.T) {
	client, _, clock := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	info := testServiceInfo(5353)
	require.NoError(t, client.Register(ctx, info))

	stream, err := client.Subscribe(ctx)
	require.NoError(t, err)

	channels := []string{
		"hydra:service:mc",
		"hydra:service:hydra-router:mc",
		"hydra:service:hydra-router:" + info.InstanceID + ":mc",
	}
	sent := make(map[string]bool, len(channels))
	for _, channel := range channels {
		msg := umf.New(clock)
		msg.To = "hydra-router:/"
		msg.From = "imaging:/"
		msg.Body = map[string]any{"channel": channel}
		payload, err := msg.Encode()
		require.NoError(t, err)
		require.NoError(t, client.rdb.Publish(ctx, channel, payload).Err())
		sent[msg.MID] = true
	}

	for range channels {
		select {
		case got := <-stream:
			assert.True(t, sent[got.MID], "unexpected frame %s", got.MID)
		case <-time.After(2 * time.Second):
			t.Fatal("frame not delivered")
		}
	}

	cancel()
	select {
	case _, open := <-stream:
		assert.False(t, open, "stream should close on cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close")
	}
}

func TestSubscribeRequiresRegistration(t *testing.T) {
	client, _, _ := newTestClient(t)

	_, err := client.Subscribe(context.Background())
	require.Error(t, err)
}

func TestMakeAPIRequestNoInstances(t *testing.T) {
	client, _, clock := newTestClient(t)

	msg := umf.New(clock)
	msg.To = "ghost:[get]/v1/anything"
	msg.From = "client:/"
	msg.Body = map[string]any{}

	resp, err := client.MakeAPIRequest(context.Background(), msg, time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.True(t, resp.Normalized())
	assert.Equal(t, map[string]any{"reason": "No ghost instances available"}, resp.Result)
}

func TestMakeAPIRequestRelaysUpstreamResponse(t *testing.T) {
	client, _, clock := newTestClient(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/data", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	host, port := hostPort(t, srv.URL)
	info := testServiceInfo(port)
	info.ServiceName = "data"
	info.IP = host
	require.NoError(t, client.Register(ctx, info))

	msg := umf.New(clock)
	msg.To = "data:[get]/v1/data"
	msg.From = "client:/"
	msg.Authorization = "Bearer tok"
	msg.Body = map[string]any{}

	resp, err := client.MakeAPIRequest(ctx, msg, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, resp.Normalized())
	assert.JSONEq(t, `{"ok":true}`, string(resp.Payload))
	assert.Equal(t, "application/json", resp.Headers["content-type"])
}

func TestMakeAPIRequestPostsBody(t *testing.T) {
	client, _, clock := newTestClient(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "zoe", body["name"])
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	host, port := hostPort(t, srv.URL)
	info := testServiceInfo(port)
	info.ServiceName = "users"
	info.IP = host
	require.NoError(t, client.Register(ctx, info))

	msg := umf.New(clock)
	msg.To = "users:[post]/v1/users"
	msg.From = "client:/"
	msg.Body = map[string]any{"name": "zoe"}

	resp, err := client.MakeAPIRequest(ctx, msg, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestMakeAPIRequestTimesOut(t *testing.T) {
	client, _, clock := newTestClient(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	host, port := hostPort(t, srv.URL)
	info := testServiceInfo(port)
	info.ServiceName = "slow"
	info.IP = host
	require.NoError(t, client.Register(ctx, info))

	msg := umf.New(clock)
	msg.To = "slow:[get]/v1/slow"
	msg.From = "client:/"
	msg.Body = map[string]any{}

	resp, err := client.MakeAPIRequest(ctx, msg, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
	assert.Equal(t, map[string]any{"reason": "API request timed out"}, resp.Result)
}

func TestListStoreRoundTrip(t *testing.T) {
	client, mr, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.RPush(ctx, "q:queued", []byte("a")))
	require.NoError(t, client.RPush(ctx, "q:queued", []byte("b")))

	moved, err := client.LMove(ctx, "q:queued", "q:processing")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), moved)

	removed, err := client.LRem(ctx, "q:processing", 1, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	require.NoError(t, client.Expire(ctx, "q:queued", time.Hour))
	assert.Equal(t, time.Hour, mr.TTL("q:queued"))
}

func TestLMoveEmptySourceReturnsNil(t *testing.T) {
	client, _, _ := newTestClient(t)

	moved, err := client.LMove(context.Background(), "missing:queued", "missing:processing")
	require.NoError(t, err)
	assert.Nil(t, moved)
}

func TestConfigFromURL(t *testing.T) {
	cfg, err := ConfigFromURL("redis://:sekret@registry.internal:6380/4")
	require.NoError(t, err)
	assert.Equal(t, "registry.internal:6380", cfg.Addr)
	assert.Equal(t, "sekret", cfg.Password)
	assert.Equal(t, 4, cfg.DB)

	_, err = ConfigFromURL("http://not-redis")
	require.Error(t, err)
}
