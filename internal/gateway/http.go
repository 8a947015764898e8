package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hydramesh/hydra-router/internal/umf"
)

// ServeHTTP is the main listener's handler: preflight answers, websocket
// upgrades, the admin surface, and registry passthrough, in that order.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		g.fwd.HandleOptions(w, r)
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		g.handleWebSocket(w, r)
		return
	}
	if adminPath(r.URL.Path) {
		g.handleAdmin(w, r)
		return
	}
	g.handlePassthrough(w, r)
}

// adminPath reports whether the path belongs to the dashboard or the admin
// endpoints rather than a forwarded service. The dashboard owns only the
// root and its root-level assets; a suffix-bearing path under a service
// segment stays routable.
func adminPath(path string) bool {
	if path == "/" || strings.HasPrefix(path, adminPrefix) {
		return true
	}
	return staticAsset(path) && !strings.Contains(path[1:], "/")
}

// handlePassthrough routes a request to its service: a table match, then the
// referer and first-segment fallbacks, then 404.
func (g *Gateway) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if match, ok := g.table.Lookup(path); ok {
		g.forwardMatched(w, r, match.Service, forwardedURL(path, r.URL.RawQuery))
		return
	}
	if fb, ok := g.table.FallbackMatch(r.Header.Get("Referer"), path); ok {
		g.forwardMatched(w, r, fb.Service, forwardedURL(fb.ForwardedURL, r.URL.RawQuery))
		return
	}

	g.logger.Debug(r.Context(), "no route for request", "method", r.Method, "path", path)
	writeResponse(w, http.StatusNotFound, g.cfg.CORS, nil)
}

// forwardMatched hands the request to the forwarder, proxying directly when
// the matched service is an external base URL.
func (g *Gateway) forwardMatched(w http.ResponseWriter, r *http.Request, service, forwarded string) {
	if strings.HasPrefix(service, "http") {
		g.fwd.ProxyExternal(w, r, service, forwarded)
		return
	}
	g.fwd.Forward(w, r, service, forwarded)
}

// forwardedURL rebuilds the path presented to the service, keeping the
// query string.
func forwardedURL(path, rawQuery string) string {
	if rawQuery == "" {
		return path
	}
	return path + "?" + rawQuery
}

// handleWebSocket upgrades the connection, announces the new client to the
// mesh, welcomes it, and runs the read loop until the socket dies.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sock, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error(r.Context(), "websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ctx := r.Context()
	clientID := uuid.NewString()
	conn := NewClientConnection(sock, clientID, clientIP(r))

	g.local.Add(clientID, conn)
	g.metrics.SetConnectedClients(ctx, g.local.Len())
	g.broadcastDirectory(ctx, "wsdir.add", map[string]any{
		"routerID": g.cfg.Self.InstanceID, "clientID": clientID,
	})

	welcome := umf.New(g.timeProvider)
	welcome.To = clientID
	welcome.From = g.selfRoute()
	welcome.Type = "connection"
	welcome.Body = map[string]any{"id": clientID, "ip": conn.IP()}
	g.deliverToConn(ctx, conn, welcome)

	g.logger.Info(ctx, "client connected", "client_id", clientID, "ip", conn.IP())
	g.readLoop(ctx, conn)
}

// readLoop pumps frames off one client socket until it closes, then retires
// the client's binding. A reconnect may have handed the id to a newer
// connection, so the removal is guarded by identity.
func (g *Gateway) readLoop(ctx context.Context, conn *ClientConnection) {
	defer func() {
		departed := conn.ID()
		if g.local.Release(departed, conn) {
			g.broadcastDirectory(ctx, "wsdir.del", map[string]any{
				"routerID": g.cfg.Self.InstanceID, "clientID": departed,
			})
		}
		g.metrics.SetConnectedClients(ctx, g.local.Len())
		_ = conn.Close()
		g.logger.Info(ctx, "client disconnected", "client_id", departed)
	}()

	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Warn(ctx, "client read failed", "client_id", conn.ID(), "error", err)
			}
			return
		}
		g.HandleClientFrame(ctx, conn, raw)
	}
}
