package gateway_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydramesh/hydra-router/internal/gateway"
	"github.com/hydramesh/hydra-router/internal/registry"
	"github.com/hydramesh/hydra-router/internal/umf"
)

// adminRequest builds a request as seen from the local host.
func adminRequest(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, *http.Request) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.RemoteAddr = "127.0.0.1:52000"
	return httptest.NewRecorder(), req
}

// remoteRequest builds a request from a non-local caller.
func remoteRequest(t *testing.T, method, target string) (*httptest.ResponseRecorder, *http.Request) {
	t.Helper()

	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "203.0.113.9:4444"
	return httptest.NewRecorder(), req
}

func decodeServerResponse(t *testing.T, rec *httptest.ResponseRecorder) gateway.ServerResponse {
	t.Helper()

	var resp gateway.ServerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func writeDashboard(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>router dashboard</html>"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.css"), []byte("body { margin: 0 }"), 0o600))
	return dir
}

func TestAdminDisabledEndpointHidesEverythingButAssets(t *testing.T) {
	tg := newTestGateway(t, gateway.Config{
		DisableRouterEndpoint: true,
		DashboardDir:          writeDashboard(t),
	})

	rec, req := adminRequest(t, "GET", "http://router/v1/router/version", "")
	tg.gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, req = adminRequest(t, "GET", "http://router/", "")
	tg.gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, req = adminRequest(t, "GET", "http://router/index.css", "")
	tg.gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "margin")
}

func TestAdminTokenGatesRemoteCallers(t *testing.T) {
	const token = "0087a383-9432-4806-8e04-76741e38f52c"
	tg := newTestGateway(t, gateway.Config{RouterToken: token, Version: "2.1.0"})

	rec, req := remoteRequest(t, "GET", "http://router/v1/router/version")
	tg.gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code, "remote without token")

	rec, req = remoteRequest(t, "GET", "http://router/v1/router/version?token=wrong")
	tg.gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code, "remote with wrong token")

	rec, req = remoteRequest(t, "GET", "http://router/v1/router/version?token="+token)
	tg.gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "remote with matching token")

	rec, req = adminRequest(t, "GET", "http://router/v1/router/version", "")
	tg.gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "local caller bypasses the token")
}

func TestAdminVersionReportsConfiguredVersion(t *testing.T) {
	tg := newTestGateway(t, gateway.Config{Version: "2.1.0"})

	rec, req := adminRequest(t, "GET", "http://router/v1/router/version", "")
	tg.gw.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeServerResponse(t, rec)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "2.1.0", result["version"])
}

func TestDashboardServedAtRoot(t *testing.T) {
	tg := newTestGateway(t, gateway.Config{DashboardDir: writeDashboard(t)})

	rec, req := adminRequest(t, "GET", "http://router/", "")
	tg.gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "router dashboard")
}

func TestServiceAssetPathsBypassDashboard(t *testing.T) {
	tg := newTestGateway(t, gateway.Config{DashboardDir: writeDashboard(t)})

	tg.registry.SetServiceRoutes("red", "[get]/red/app/:file")
	rec, req := adminRequest(t, "GET", "http://router/v1/router/refresh", "")
	tg.gw.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	tg.registry.AddInstance(registry.Instance{ServiceName: "red", InstanceID: "R1"})
	var relayed []string
	tg.registry.SetRelayFunc(func(_ context.Context, msg umf.Message, _ time.Duration) (registry.APIResponse, error) {
		relayed = append(relayed, msg.To)
		return registry.APIResponse{
			StatusCode: http.StatusOK,
			Headers:    map[string]string{"content-type": "text/css"},
			Payload:    []byte("body{}"),
		}, nil
	})

	// A registered route wins over the dashboard even for an asset suffix.
	rec, req = remoteRequest(t, "GET", "http://router/red/app/styles.css")
	tg.gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// An unregistered sub-request reaches the service through the referer
	// fallback instead of the dashboard directory.
	rec, req = remoteRequest(t, "GET", "http://router/red/styles.css")
	req.Header.Set("Referer", "http://router/red/home")
	tg.gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{
		"red:[get]/red/app/styles.css",
		"red:[get]/red/styles.css",
	}, relayed)

	// Root-level assets still belong to the dashboard.
	rec, req = adminRequest(t, "GET", "http://router/index.css", "")
	tg.gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "margin")
	assert.Len(t, relayed, 2)
}

func TestAdminListCatalogs(t *testing.T) {
	tg := newTestGateway(t, gateway.Config{})
	ctx := context.Background()

	tg.registry.SetServiceRoutes("imaging", "[get]/v1/imaging/:id")
	tg.registry.AddServiceRecord(registry.ServiceRecord{
		ServiceName:        "imaging",
		ServiceDescription: "image pipeline",
		RegisteredOn:       "2025-03-01T11:00:00.000Z",
	})
	tg.registry.AddInstance(registry.Instance{ServiceName: "imaging", InstanceID: "I1"})

	local := newFakeConn("tmp-1")
	bindClient(t, tg, local, "abc")
	tg.gw.HandleRegistryFrame(ctx, umf.Message{
		MID: "g-1", To: "hydra-router:/", From: "G1@hydra-router:/",
		Type: "wsdir.add", Body: map[string]any{"routerID": "G1", "clientID": "xyz"},
	})

	rec, req := adminRequest(t, "GET", "http://router/v1/router/list/routes", "")
	tg.gw.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	routes, ok := decodeServerResponse(t, rec).Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"[get]/v1/imaging/:id"}, routes["imaging"])

	rec, req = adminRequest(t, "GET", "http://router/v1/router/list/services", "")
	tg.gw.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	services, ok := decodeServerResponse(t, rec).Result.([]any)
	require.True(t, ok)
	require.Len(t, services, 1)
	record, ok := services[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "imaging", record["serviceName"])
	assert.Equal(t, "image pipeline", record["serviceDescription"])

	rec, req = adminRequest(t, "GET", "http://router/v1/router/list/nodes", "")
	tg.gw.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	nodes, ok := decodeServerResponse(t, rec).Result.([]any)
	require.True(t, ok)
	assert.Len(t, nodes, 1)

	rec, req = adminRequest(t, "GET", "http://router/v1/router/list/wsdir", "")
	tg.gw.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	wsdir, ok := decodeServerResponse(t, rec).Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"abc"}, wsdir["G0"])
	assert.Equal(t, []any{"xyz"}, wsdir["G1"])

	rec, req = adminRequest(t, "GET", "http://router/v1/router/list/bogus", "")
	tg.gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminClearPrunesStaleNodes(t *testing.T) {
	tg := newTestGateway(t, gateway.Config{})

	stale := umf.FormatTimestamp(tg.clock.Now().Add(-10 * time.Second))
	tg.registry.AddInstance(registry.Instance{ServiceName: "old", InstanceID: "O1", UpdatedOn: stale})
	tg.registry.AddInstance(registry.Instance{ServiceName: "fresh", InstanceID: "F1"})

	rec, req := adminRequest(t, "GET", "http://router/v1/router/clear", "")
	tg.gw.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	result, ok := decodeServerResponse(t, rec).Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), result["removed"])

	rec, req = adminRequest(t, "GET", "http://router/v1/router/list/nodes", "")
	tg.gw.ServeHTTP(rec, req)
	nodes, ok := decodeServerResponse(t, rec).Result.([]any)
	require.True(t, ok)
	assert.Len(t, nodes, 1)
}

func TestAdminRefreshReplacesOnlyNamedService(t *testing.T) {
	tg := newTestGateway(t, gateway.Config{})

	tg.registry.SetServiceRoutes("blue", "[get]/v1/blue/old/:id")
	tg.registry.SetServiceRoutes("red", "[get]/v1/red/:id")

	rec, req := adminRequest(t, "GET", "http://router/v1/router/refresh", "")
	tg.gw.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Both catalogs change upstream, but only blue gets refreshed.
	tg.registry.SetServiceRoutes("blue", "[get]/v1/blue/new/:id")
	tg.registry.SetServiceRoutes("red", "[get]/v1/red/changed/:id")

	rec, req = adminRequest(t, "GET", "http://router/v1/router/refresh/blue", "")
	tg.gw.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	tg.registry.AddInstance(registry.Instance{ServiceName: "blue", InstanceID: "B1"})
	tg.registry.AddInstance(registry.Instance{ServiceName: "red", InstanceID: "R1"})
	var relayed []string
	tg.registry.SetRelayFunc(func(_ context.Context, msg umf.Message, _ time.Duration) (registry.APIResponse, error) {
		relayed = append(relayed, msg.To)
		return registry.APIResponse{
			StatusCode: http.StatusOK,
			Headers:    map[string]string{"content-type": "application/json"},
			Payload:    []byte(`{}`),
		}, nil
	})

	for _, path := range []string{"/v1/blue/new/7", "/v1/red/3"} {
		rec, req := adminRequest(t, "GET", "http://router"+path, "")
		tg.gw.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
	assert.Equal(t, []string{"blue:[get]/v1/blue/new/7", "red:[get]/v1/red/3"}, relayed)

	// The replaced blue pattern is gone; red's upstream change never loaded.
	for _, path := range []string{"/v1/blue/old/7", "/v1/red/changed/3"} {
		rec, req := adminRequest(t, "GET", "http://router"+path, "")
		tg.gw.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestAdminLogReturnsIssueEntries(t *testing.T) {
	tg := newTestGateway(t, gateway.Config{})
	tg.issues.Append("error", "registry hiccup")

	rec, req := adminRequest(t, "GET", "http://router/v1/router/log", "")
	tg.gw.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	entries, ok := decodeServerResponse(t, rec).Result.([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)
	entry, ok := entries[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "error", entry["severity"])
	assert.Equal(t, "registry hiccup", entry["message"])
}

func TestAdminStatsSnapshotsAllThreeRings(t *testing.T) {
	tg := newTestGateway(t, gateway.Config{})

	// One channel frame bumps the ws ring for the addressed service.
	conn := newFakeConn("abc")
	frame := umf.Message{MID: "m-1", To: "hydra-router:/", From: "abc", Type: "ping", Body: map[string]any{}}
	tg.gw.HandleClientFrame(context.Background(), conn, encodeFrame(t, frame))

	rec, req := adminRequest(t, "GET", "http://router/v1/router/stats", "")
	tg.gw.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	result, ok := decodeServerResponse(t, rec).Result.(map[string]any)
	require.True(t, ok)
	require.Contains(t, result, "http")
	require.Contains(t, result, "ws")
	require.Contains(t, result, "error")

	ws, ok := result["ws"].(map[string]any)
	require.True(t, ok)
	ring, ok := ws["hydra-router"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), ring["1s"])
}

func TestAdminSendPublishesFrame(t *testing.T) {
	tg := newTestGateway(t, gateway.Config{})

	body := `{"mid":"m-1","to":"imaging:/","frm":"ops","bdy":{"cmd":"restart"}}`
	rec, req := adminRequest(t, "POST", "http://router/v1/router/send", body)
	tg.gw.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	result, ok := decodeServerResponse(t, rec).Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "m-1", result["mid"])

	sends := tg.registry.Sends()
	require.Len(t, sends, 1)
	assert.Equal(t, "imaging:/", sends[0].To)
	assert.Equal(t, "restart", sends[0].BodyString("cmd"))
}

func TestAdminSendRejectsUnroutableFrame(t *testing.T) {
	tg := newTestGateway(t, gateway.Config{})

	rec, req := adminRequest(t, "POST", "http://router/v1/router/send", `{"mid":"m-1","to":":","frm":"ops","bdy":{}}`)
	tg.gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, req = adminRequest(t, "POST", "http://router/v1/router/send", `{"mid":"m-2"}`)
	tg.gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminQueueAppendsFrame(t *testing.T) {
	tg := newTestGateway(t, gateway.Config{})

	body := `{"mid":"m-4","to":"imaging:/","frm":"ops","bdy":{}}`
	rec, req := adminRequest(t, "POST", "http://router/v1/router/queue", body)
	tg.gw.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	result, ok := decodeServerResponse(t, rec).Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "m-4", result["mid"])

	queued := tg.registry.QueuedFor("imaging")
	require.Len(t, queued, 1)
	assert.Equal(t, "m-4", queued[0].MID)
}

func TestAdminMessageForwardsToClient(t *testing.T) {
	tg := newTestGateway(t, gateway.Config{})

	receiver := newFakeConn("tmp-1")
	bindClient(t, tg, receiver, "def")

	body := `{"mid":"m-6","to":"def@hydra-router:/","frm":"ops","forward":"def","bdy":{"note":"hello"}}`
	rec, req := adminRequest(t, "POST", "http://router/v1/router/message", body)
	tg.gw.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	result, ok := decodeServerResponse(t, rec).Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "m-6", result["mid"])

	writes := receiver.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "hello", writes[0].BodyString("note"))
}

func TestAdminMessageRequiresForwardField(t *testing.T) {
	tg := newTestGateway(t, gateway.Config{})

	body := `{"mid":"m-7","to":"def@hydra-router:/","frm":"ops","bdy":{}}`
	rec, req := adminRequest(t, "POST", "http://router/v1/router/message", body)
	tg.gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminDispatchOverChannelFrame(t *testing.T) {
	tg := newTestGateway(t, gateway.Config{Version: "2.1.0"})

	conn := newFakeConn("abc")
	frame := umf.Message{
		MID:  "m-8",
		To:   "hydra-router:[get]/v1/router/version",
		From: "abc",
		Body: map[string]any{},
	}
	tg.gw.HandleClientFrame(context.Background(), conn, encodeFrame(t, frame))

	writes := conn.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "response", writes[0].Type)
	assert.Equal(t, "m-8", writes[0].RMID)
	assert.Equal(t, "abc", writes[0].To)

	body, ok := writes[0].Body.(gateway.ServerResponse)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, body.StatusCode)
	result, ok := body.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "2.1.0", result["version"])
}
