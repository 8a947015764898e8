package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hydramesh/hydra-router/internal/umf"
)

// HandleClientFrame dispatches one frame read from a persistent client
// connection. Malformed or unsigned frames get an error frame and the
// connection is closed; everything else is routed at most once.
func (g *Gateway) HandleClientFrame(ctx context.Context, conn Conn, raw []byte) {
	ctx, span := g.tracer.Start(ctx, "gateway.client_frame")
	defer span.End()

	msg, err := umf.Decode(raw)
	if err == nil {
		err = msg.Validate()
	}
	if err != nil {
		g.metrics.IncFrameDispatch(ctx, "invalid")
		g.logger.Error(ctx, "malformed client frame", "client_id", conn.ID(), "error", err)
		g.deliverToConn(ctx, conn, g.errorFrame(conn.ID(), msg.MID, "Invalid UMF message format"))
		_ = conn.Close()
		return
	}

	if g.cfg.ForceMessageSignature && !msg.VerifySignature(g.cfg.SignatureSharedSecret) {
		g.metrics.IncFrameDispatch(ctx, "unsigned")
		g.logger.Error(ctx, "rejecting unsigned frame", "client_id", conn.ID(), "mid", msg.MID)
		g.deliverToConn(ctx, conn, g.errorFrame(conn.ID(), msg.MID, "Not a signed UMF message"))
		_ = conn.Close()
		return
	}

	route, err := umf.ParseRoute(msg.To)
	if err != nil {
		g.metrics.IncFrameDispatch(ctx, "invalid")
		g.logger.Error(ctx, "unroutable client frame", "client_id", conn.ID(), "to", msg.To, "error", err)
		g.deliverToConn(ctx, conn, g.errorFrame(conn.ID(), msg.MID, "Invalid UMF message format"))
		_ = conn.Close()
		return
	}
	g.wsStats.Log(route.ServiceName)

	// Method-tagged frames relay over HTTP and reply on the same
	// connection. The gateway's own tagged routes dispatch to the admin
	// surface instead.
	if route.HTTPMethod != "" {
		if route.ServiceName == g.cfg.Self.ServiceName {
			g.metrics.IncFrameDispatch(ctx, "admin")
			g.deliverToConn(ctx, conn, g.adminFrameReply(ctx, msg, route))
			return
		}
		g.metrics.IncFrameDispatch(ctx, "relay")
		g.deliverToConn(ctx, conn, g.fwd.RelayFrame(ctx, msg))
		return
	}

	if route.ServiceName == g.cfg.Self.ServiceName {
		g.handleSelfFrame(ctx, conn, msg, route)
		return
	}

	if msg.Forward != "" {
		g.metrics.IncFrameDispatch(ctx, "forward")
		g.dispatchForward(ctx, msg)
		return
	}

	g.dispatchServiceFrame(ctx, conn, msg, route)
}

// handleSelfFrame handles the control frames a client addresses at the
// gateway itself.
func (g *Gateway) handleSelfFrame(ctx context.Context, conn Conn, msg umf.Message, route umf.Route) {
	g.metrics.IncFrameDispatch(ctx, "self")

	// Directory lookups address a wsdir route rather than a control type.
	if strings.Contains(route.APIRoute, "wsdir") {
		g.handleLocateFrame(ctx, conn, msg)
		return
	}

	switch msg.Type {
	case "log":
		g.appendIssue(msg)
	case "ping":
		reply := umf.New(g.timeProvider)
		reply.To = conn.ID()
		reply.From = g.selfRoute()
		reply.RMID = msg.MID
		reply.Type = "pong"
		reply.Body = map[string]any{}
		g.deliverToConn(ctx, conn, reply)
	case "reconnect":
		g.handleReconnect(ctx, conn, msg)
	default:
		// Self-addressed frames carrying a forward field are client-to-client
		// messages, not control frames.
		if msg.Forward != "" {
			g.metrics.IncFrameDispatch(ctx, "forward")
			g.dispatchForward(ctx, msg)
			return
		}
		g.logger.Warn(ctx, "unhandled control frame", "type", msg.Type, "client_id", conn.ID())
	}
}

// appendIssue stores a client-submitted log entry in the issue log.
func (g *Gateway) appendIssue(msg umf.Message) {
	severity := msg.BodyString("severity")
	if severity == "" {
		severity = "info"
	}
	message := msg.BodyString("message")
	if message == "" {
		if encoded, err := json.Marshal(msg.Body); err == nil {
			message = string(encoded)
		}
	}
	g.issues.Append(severity, message)
}

// handleLocateFrame answers a wsdir.loc lookup: which replica holds the
// requested client. An empty routerID in the reply means nobody does.
func (g *Gateway) handleLocateFrame(ctx context.Context, conn Conn, msg umf.Message) {
	clientID := msg.BodyString("clientID")

	var routerID string
	if _, ok := g.local.Get(clientID); ok {
		routerID = g.cfg.Self.InstanceID
	} else if owner, ok := g.global.Locate(clientID); ok {
		routerID = owner
	}

	reply := umf.New(g.timeProvider)
	reply.To = conn.ID()
	reply.From = g.selfRoute()
	reply.RMID = msg.MID
	reply.Type = "wsdir.loc"
	reply.Body = map[string]any{"routerID": routerID, "clientID": clientID}
	g.deliverToConn(ctx, conn, reply)
}

// handleReconnect rebinds the connection to the client id it held before,
// re-announces it to the mesh, and replays the messages parked while it was
// away.
func (g *Gateway) handleReconnect(ctx context.Context, conn Conn, msg umf.Message) {
	claimed := msg.BodyString("id")
	if claimed == "" {
		g.logger.Warn(ctx, "reconnect frame without prior id", "client_id", conn.ID())
		return
	}

	previous := conn.ID()
	g.local.Remove(previous)
	conn.SetID(claimed)
	g.local.Add(claimed, conn)

	g.broadcastDirectory(ctx, "wsdir.del", map[string]any{
		"routerID": g.cfg.Self.InstanceID, "clientID": previous,
	})
	g.broadcastDirectory(ctx, "wsdir.add", map[string]any{
		"routerID": g.cfg.Self.InstanceID, "clientID": claimed,
	})
	g.logger.Info(ctx, "client reconnected", "client_id", claimed, "previous_id", previous)

	g.drainQueue(ctx, claimed, conn)
}

// drainQueue replays a client's parked messages in enqueue order.
func (g *Gateway) drainQueue(ctx context.Context, clientID string, conn Conn) {
	g.metrics.IncQueueOp(ctx, "drain")

	delivered, err := g.queue.Drain(ctx, clientID, func(parked umf.Message) error {
		return conn.WriteFrame(parked)
	})
	if err != nil {
		g.logger.Error(ctx, "offline drain interrupted",
			"client_id", clientID, "delivered", delivered, "error", err)
		return
	}
	if delivered > 0 {
		g.logger.Info(ctx, "drained offline queue", "client_id", clientID, "delivered", delivered)
	}
}

// dispatchForward routes a frame to the client its forward field names:
// locally when connected here, through the owning replica when another
// gateway holds it, into the offline queue when nobody does.
func (g *Gateway) dispatchForward(ctx context.Context, msg umf.Message) {
	clientID := forwardClientID(msg.Forward)
	if clientID == "" {
		g.logger.Warn(ctx, "forward frame without client id", "forward", msg.Forward, "mid", msg.MID)
		return
	}

	if conn, ok := g.local.Get(clientID); ok {
		g.deliverToConn(ctx, conn, msg)
		return
	}

	if replica, ok := g.global.Locate(clientID); ok {
		relayed := msg
		relayed.To = fmt.Sprintf("%s@%s:/", replica, g.cfg.Self.ServiceName)
		err := g.registry.Send(ctx, relayed)
		if err == nil {
			return
		}
		g.logger.Error(ctx, "replica relay failed", "fatal", true,
			"client_id", clientID, "replica", replica, "error", err)
	}

	g.enqueueForClient(ctx, clientID, msg)
}

// dispatchServiceFrame sends a frame to a service over the registry's
// channels, annotating the reply path so the answer finds its way back to
// this replica and client.
func (g *Gateway) dispatchServiceFrame(ctx context.Context, conn Conn, msg umf.Message, route umf.Route) {
	g.metrics.IncFrameDispatch(ctx, "service")

	out := msg
	out.Via = fmt.Sprintf("%s-%s@%s:/", g.cfg.Self.InstanceID, conn.ID(), g.cfg.Self.ServiceName)

	if route.Instance == "" {
		instances, err := g.registry.Presence(ctx, route.ServiceName)
		if err != nil {
			g.errorStats.Log(route.ServiceName)
			g.logger.Error(ctx, "presence lookup failed", "fatal", true,
				"service", route.ServiceName, "error", err)
			g.deliverToConn(ctx, conn, g.errorFrame(conn.ID(), msg.MID, err.Error()))
			return
		}
		if len(instances) == 0 {
			g.errorStats.Log(route.ServiceName)
			g.deliverToConn(ctx, conn, g.errorFrame(conn.ID(), msg.MID,
				fmt.Sprintf("No %s instances available", route.ServiceName)))
			return
		}
		out.To = fmt.Sprintf("%s@%s:%s", instances[0].InstanceID, route.ServiceName, route.APIRoute)
	}

	if err := g.registry.Send(ctx, out); err != nil {
		g.errorStats.Log(route.ServiceName)
		g.logger.Error(ctx, "registry send failed", "fatal", true,
			"service", route.ServiceName, "mid", msg.MID, "error", err)
		g.deliverToConn(ctx, conn, g.errorFrame(conn.ID(), msg.MID, err.Error()))
	}
}

// HandleRegistryFrame dispatches one frame from the registry subscription:
// route refreshes, directory gossip, and messages relayed from the other
// replicas. Handlers log failures and return; a bad frame never stops the
// pump.
func (g *Gateway) HandleRegistryFrame(ctx context.Context, msg umf.Message) {
	ctx, span := g.tracer.Start(ctx, "gateway.registry_frame")
	defer span.End()

	if msg.Via != "" {
		g.deliverViaFrame(ctx, msg)
		return
	}
	if msg.Forward != "" {
		g.metrics.IncFrameDispatch(ctx, "forward")
		g.dispatchForward(ctx, msg)
		return
	}
	if msg.BodyString("action") == "refresh" {
		service := msg.BodyString("serviceName")
		g.metrics.IncFrameDispatch(ctx, "refresh")
		if err := g.refreshRoutes(ctx, service); err != nil {
			g.logger.Error(ctx, "route refresh failed", "service", service, "error", err)
		}
		return
	}
	if strings.HasPrefix(msg.Type, "wsdir") {
		g.handleDirectoryGossip(ctx, msg)
		return
	}

	g.logger.Debug(ctx, "ignoring broadcast frame", "type", msg.Type, "mid", msg.MID)
}

// deliverViaFrame hands a reply relayed through another replica to the
// client the via sub id names, or parks it when the client is gone. The via
// field stays on parked frames so a replay still carries the reply path.
func (g *Gateway) deliverViaFrame(ctx context.Context, msg umf.Message) {
	g.metrics.IncFrameDispatch(ctx, "via")

	via, err := umf.ParseRoute(msg.Via)
	if err != nil || via.SubID == "" {
		g.logger.Warn(ctx, "via frame without client sub id", "via", msg.Via, "mid", msg.MID)
		return
	}

	if conn, ok := g.local.Get(via.SubID); ok {
		out := msg
		out.Via = ""
		g.deliverToConn(ctx, conn, out)
		return
	}
	g.enqueueForClient(ctx, via.SubID, msg)
}

// handleDirectoryGossip applies one wsdir frame from another replica to the
// global directory. Frames carrying this replica's own router id are echoes
// of its broadcasts and are skipped.
func (g *Gateway) handleDirectoryGossip(ctx context.Context, msg umf.Message) {
	senderID := msg.BodyString("routerID")
	if senderID == "" || senderID == g.cfg.Self.InstanceID {
		return
	}
	g.metrics.IncFrameDispatch(ctx, msg.Type)

	switch msg.Type {
	case "wsdir.add":
		clientID := msg.BodyString("clientID")
		if clientID == "" {
			g.logger.Warn(ctx, "directory add without client id", "router_id", senderID)
			return
		}
		g.global.Mark(senderID, clientID)
	case "wsdir.del":
		clientID := msg.BodyString("clientID")
		if clientID == "" {
			g.logger.Warn(ctx, "directory del without client id", "router_id", senderID)
			return
		}
		g.global.Unmark(senderID, clientID)
	case "wsdir.rem":
		g.global.DropSender(senderID)
	case "wsdir.sha":
		reply := umf.New(g.timeProvider)
		reply.To = fmt.Sprintf("%s@%s:/", senderID, g.cfg.Self.ServiceName)
		reply.From = g.selfRoute()
		reply.Type = "wsdir.dir"
		reply.Body = map[string]any{
			"routerID": g.cfg.Self.InstanceID,
			"clients":  g.local.IDs(),
		}
		if err := g.registry.Send(ctx, reply); err != nil {
			g.logger.Error(ctx, "directory share failed", "router_id", senderID, "error", err)
		}
	case "wsdir.dir":
		g.global.ReplaceSender(senderID, gossipClients(msg))
	default:
		g.logger.Debug(ctx, "ignoring directory frame", "type", msg.Type, "router_id", senderID)
	}
}

// enqueueForClient parks a frame in the offline queue. A queue failure means
// the message is dropped; that is logged as fatal and nothing retries.
func (g *Gateway) enqueueForClient(ctx context.Context, clientID string, msg umf.Message) {
	g.metrics.IncQueueOp(ctx, "enqueue")

	if err := g.queue.Enqueue(ctx, clientID, msg); err != nil {
		g.logger.Error(ctx, "parking message failed, dropping", "fatal", true,
			"client_id", clientID, "mid", msg.MID, "error", err)
	}
}

// deliverToConn writes a frame to a client connection, logging delivery
// failures. The read loop notices a dead socket and cleans up.
func (g *Gateway) deliverToConn(ctx context.Context, conn Conn, msg umf.Message) {
	if err := conn.WriteFrame(msg); err != nil {
		g.logger.Error(ctx, "client delivery failed", "client_id", conn.ID(), "mid", msg.MID, "error", err)
	}
}

// errorFrame builds the error reply sent to a client before routing stops.
func (g *Gateway) errorFrame(to, rmid, text string) umf.Message {
	reply := umf.New(g.timeProvider)
	reply.To = to
	reply.From = g.selfRoute()
	reply.RMID = rmid
	reply.Type = "error"
	reply.Body = map[string]any{"error": text}
	return reply
}

// forwardClientID extracts the destination client id from a forward field,
// which may be a bare id or an instance-qualified route.
func forwardClientID(forward string) string {
	route, err := umf.ParseRoute(forward)
	if err != nil {
		return ""
	}
	if route.Instance != "" {
		return route.Instance
	}
	return route.ServiceName
}

// gossipClients reads the client id list out of a wsdir.dir body.
func gossipClients(msg umf.Message) []string {
	body := msg.BodyMap()
	if body == nil {
		return nil
	}
	list, ok := body["clients"].([]any)
	if !ok {
		return nil
	}
	clients := make([]string, 0, len(list))
	for _, entry := range list {
		if id, ok := entry.(string); ok {
			clients = append(clients, id)
		}
	}
	return clients
}
