package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/hydramesh/hydra-router/internal/umf"
)

// adminPrefix roots the admin endpoints on the main listener.
const adminPrefix = "/v1/router"

// staticSuffixes are the asset extensions that stay reachable even when the
// admin endpoint is disabled.
var staticSuffixes = []string{".css", ".js", ".ttf", ".woff", ".woff2"}

// handleAdmin serves the dashboard and the admin endpoints.
func (g *Gateway) handleAdmin(w http.ResponseWriter, r *http.Request) {
	if !g.authorizeAdmin(r) {
		writeResponse(w, http.StatusNotFound, g.cfg.CORS, nil)
		return
	}

	if !strings.HasPrefix(r.URL.Path, adminPrefix) {
		g.serveDashboard(w, r)
		return
	}

	var body []byte
	if r.Method == http.MethodPost {
		body = readRequestBody(r, g.logger)
	}

	path := strings.TrimPrefix(r.URL.Path, adminPrefix)
	status, result := g.adminDispatch(r.Context(), strings.ToLower(r.Method), path, body)
	writeResponse(w, status, g.cfg.CORS, result)
}

// authorizeAdmin applies the admin gate. A disabled endpoint hides
// everything but static assets; a configured token admits remote callers
// only on an exact match; local callers always pass.
func (g *Gateway) authorizeAdmin(r *http.Request) bool {
	if g.cfg.DisableRouterEndpoint {
		return staticAsset(r.URL.Path)
	}
	if g.cfg.RouterToken == "" || localRequest(r) {
		return true
	}
	return r.URL.Query().Get("token") == g.cfg.RouterToken
}

// serveDashboard serves the static dashboard files from the configured
// directory. The cleaned path is anchored under it.
func (g *Gateway) serveDashboard(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path == "/" {
		path = "/index.html"
	}
	http.ServeFile(w, r, filepath.Join(g.cfg.DashboardDir, filepath.Clean("/"+path)))
}

// adminFrameReply dispatches a method-tagged frame addressed at the gateway
// itself and frames the outcome as a response. The persistent channel and
// the HTTP surface share the same dispatch.
func (g *Gateway) adminFrameReply(ctx context.Context, msg umf.Message, route umf.Route) umf.Message {
	var body []byte
	if msg.Body != nil {
		body, _ = json.Marshal(msg.Body)
	}

	path := strings.TrimPrefix(route.APIRoute, adminPrefix)
	status, result := g.adminDispatch(ctx, route.HTTPMethod, path, body)

	reply := umf.New(g.timeProvider)
	reply.To = msg.From
	reply.From = g.selfRoute()
	reply.RMID = msg.MID
	reply.Type = "response"
	reply.Body = newServerResponse(status, result)
	return reply
}

// adminDispatch runs one admin operation. path is relative to the admin
// prefix; body carries the raw request payload for the POST operations.
func (g *Gateway) adminDispatch(ctx context.Context, method, path string, body []byte) (int, any) {
	switch {
	case method == "get" && path == "/health":
		snapshots, err := g.registry.Health(ctx)
		if err != nil {
			return http.StatusInternalServerError, map[string]any{"reason": err.Error()}
		}
		return http.StatusOK, snapshots

	case method == "get" && strings.HasPrefix(path, "/list/"):
		return g.adminList(ctx, strings.TrimPrefix(path, "/list/"))

	case method == "get" && path == "/version":
		return http.StatusOK, map[string]any{"version": g.cfg.Version}

	case method == "get" && path == "/clear":
		removed, err := g.registry.PruneStaleNodes(ctx, staleNodeAge)
		if err != nil {
			return http.StatusInternalServerError, map[string]any{"reason": err.Error()}
		}
		return http.StatusOK, map[string]any{"removed": removed}

	case method == "get" && path == "/refresh":
		if err := g.refreshRoutes(ctx, ""); err != nil {
			return http.StatusInternalServerError, map[string]any{"reason": err.Error()}
		}
		return http.StatusOK, map[string]any{"refreshed": "all"}

	case method == "get" && strings.HasPrefix(path, "/refresh/"):
		service := strings.TrimPrefix(path, "/refresh/")
		if err := g.refreshRoutes(ctx, service); err != nil {
			return http.StatusInternalServerError, map[string]any{"reason": err.Error()}
		}
		return http.StatusOK, map[string]any{"refreshed": service}

	case method == "get" && path == "/log":
		return http.StatusOK, g.issues.Entries()

	case method == "get" && path == "/stats":
		return http.StatusOK, map[string]any{
			"http":  g.httpStats.SnapshotAll(),
			"ws":    g.wsStats.SnapshotAll(),
			"error": g.errorStats.SnapshotAll(),
		}

	case method == "post" && path == "/message":
		return g.adminMessage(ctx, body)

	case method == "post" && path == "/send":
		return g.adminSend(ctx, body)

	case method == "post" && path == "/queue":
		return g.adminQueue(ctx, body)
	}

	return http.StatusNotFound, nil
}

// adminList returns one of the registry catalogs or the client directory.
func (g *Gateway) adminList(ctx context.Context, thing string) (int, any) {
	switch thing {
	case "routes":
		catalog, err := g.registry.AllServiceRoutes(ctx)
		if err != nil {
			return http.StatusInternalServerError, map[string]any{"reason": err.Error()}
		}
		return http.StatusOK, catalog
	case "services":
		records, err := g.registry.Services(ctx)
		if err != nil {
			return http.StatusInternalServerError, map[string]any{"reason": err.Error()}
		}
		return http.StatusOK, records
	case "nodes":
		nodes, err := g.registry.Nodes(ctx)
		if err != nil {
			return http.StatusInternalServerError, map[string]any{"reason": err.Error()}
		}
		return http.StatusOK, nodes
	case "wsdir":
		snapshot := g.global.Snapshot()
		snapshot[g.cfg.Self.InstanceID] = g.local.IDs()
		return http.StatusOK, snapshot
	}
	return http.StatusNotFound, nil
}

// adminMessage routes a framed message to the client its forward field
// names, through whichever replica holds it.
func (g *Gateway) adminMessage(ctx context.Context, body []byte) (int, any) {
	msg, err := decodeAdminFrame(body)
	if err != nil {
		return http.StatusBadRequest, map[string]any{"reason": "Invalid UMF message format"}
	}
	if msg.Forward == "" {
		return http.StatusBadRequest, map[string]any{"reason": "message is missing forward field"}
	}

	g.dispatchForward(ctx, msg)
	return http.StatusOK, map[string]any{"mid": msg.MID}
}

// adminSend publishes a framed message on the addressed service's channel.
func (g *Gateway) adminSend(ctx context.Context, body []byte) (int, any) {
	msg, err := decodeAdminFrame(body)
	if err != nil {
		return http.StatusBadRequest, map[string]any{"reason": "Invalid UMF message format"}
	}

	if err := g.registry.Send(ctx, msg); err != nil {
		if errors.Is(err, umf.ErrInvalidRoute) {
			return http.StatusBadRequest, map[string]any{"reason": err.Error()}
		}
		return http.StatusInternalServerError, map[string]any{"reason": err.Error()}
	}
	return http.StatusOK, map[string]any{"mid": msg.MID}
}

// adminQueue appends a framed message to the addressed service's inbound
// queue.
func (g *Gateway) adminQueue(ctx context.Context, body []byte) (int, any) {
	msg, err := decodeAdminFrame(body)
	if err != nil {
		return http.StatusBadRequest, map[string]any{"reason": "Invalid UMF message format"}
	}

	if err := g.registry.Queue(ctx, msg); err != nil {
		if errors.Is(err, umf.ErrInvalidRoute) {
			return http.StatusBadRequest, map[string]any{"reason": err.Error()}
		}
		return http.StatusInternalServerError, map[string]any{"reason": err.Error()}
	}
	return http.StatusOK, map[string]any{"mid": msg.MID}
}

func decodeAdminFrame(body []byte) (umf.Message, error) {
	msg, err := umf.Decode(body)
	if err != nil {
		return umf.Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return umf.Message{}, err
	}
	return msg, nil
}

// staticAsset reports whether the path names a dashboard asset by suffix.
func staticAsset(path string) bool {
	for _, suffix := range staticSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

// localRequest reports whether the request came from the local host.
func localRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	switch host {
	case "127.0.0.1", "::1", "localhost":
		return true
	}
	return false
}
