package gateway

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hydramesh/hydra-router/internal/registry"
	"github.com/hydramesh/hydra-router/internal/stats"
	"github.com/hydramesh/hydra-router/internal/umf"
	"github.com/hydramesh/hydra-router/pkg/common/logger"
	"github.com/hydramesh/hydra-router/pkg/common/otel"
	"github.com/hydramesh/hydra-router/pkg/common/timeutil"
)

// TracerHeader carries the per-request tracer id on both directions of the
// passthrough pipeline.
const TracerHeader = "x-hydra-tracer"

// Forwarder relays HTTP requests through the registry to service instances,
// replies to method-tagged frames from the persistent channel, and proxies
// configured external endpoints. It never retries: every request reaches the
// registry at most once.
type Forwarder struct {
	relay      registry.APIRelay
	self       registry.ServiceInfo
	cors       map[string]string
	timeout    time.Duration
	external   *http.Client
	httpStats  *stats.Stats
	errorStats *stats.Stats

	timeProvider timeutil.Provider
	logger       *logger.Logger
	tracer       trace.Tracer
	metrics      RouterMetrics
}

// NewForwarder builds the passthrough pipeline.
func NewForwarder(
	relay registry.APIRelay,
	self registry.ServiceInfo,
	cors map[string]string,
	timeout time.Duration,
	httpStats, errorStats *stats.Stats,
	timeProvider timeutil.Provider,
	log *logger.Logger,
	metrics RouterMetrics,
	tracer trace.Tracer,
) *Forwarder {
	return &Forwarder{
		relay:      relay,
		self:       self,
		cors:       cors,
		timeout:    timeout,
		external:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		httpStats:  httpStats,
		errorStats: errorStats,

		timeProvider: timeProvider,
		logger:       log.With("component", "forwarder"),
		tracer:       tracer,
		metrics:      metrics,
	}
}

// newTracerID returns the short opaque id attached to one forwarding
// pipeline.
func newTracerID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// HandleOptions answers a CORS preflight with the configured headers. The
// request never reaches the forwarder pipeline.
func (f *Forwarder) HandleOptions(w http.ResponseWriter, r *http.Request) {
	for name, value := range f.cors {
		w.Header().Set(name, value)
	}
	w.WriteHeader(http.StatusNoContent)
}

// Forward relays one HTTP request to a live instance of service through the
// registry. forwardedURL is the path, with query, presented to the instance.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, service, forwardedURL string) {
	ctx, span := otel.AddSpan(r.Context(), f.tracer, "gateway.forward",
		attribute.String("service", service))
	defer span.End()

	started := f.timeProvider.Now()
	tracerID := newTracerID()
	f.httpStats.Log(service)

	msg := f.buildEnvelope(r, service, forwardedURL, tracerID)

	resp, err := f.relay.MakeAPIRequest(ctx, msg, f.timeout)
	if err != nil {
		f.errorStats.Log(service)
		f.metrics.IncHTTPRequest(ctx, service, http.StatusInternalServerError)
		f.logger.Error(ctx, "registry relay failed", "fatal", true,
			"service", service, "url", forwardedURL, "error", err)
		f.writeServerResponse(w, http.StatusInternalServerError, tracerID, map[string]any{"reason": err.Error()})
		return
	}

	f.recordOutcome(ctx, service, forwardedURL, resp)
	f.metrics.IncHTTPRequest(ctx, service, resp.StatusCode)
	f.metrics.ObserveForwardDuration(ctx, service, f.timeProvider.Now().Sub(started))

	f.writeRelayResponse(w, r, tracerID, resp)
}

// recordOutcome bumps the error stats and logs at the severity the upstream
// status calls for.
func (f *Forwarder) recordOutcome(ctx context.Context, service, forwardedURL string, resp registry.APIResponse) {
	if resp.StatusCode > http.StatusCreated {
		f.errorStats.Log(service)
	}

	switch {
	case resp.Normalized() && resp.StatusCode == http.StatusRequestTimeout:
		f.logger.Error(ctx, "API request timed out", "fatal", true,
			"service", service, "url", forwardedURL)
	case resp.Normalized() && resp.StatusCode == http.StatusServiceUnavailable:
		f.logger.Error(ctx, "no live instances", "service", service, "url", forwardedURL)
	case resp.StatusCode >= http.StatusInternalServerError:
		f.logger.Error(ctx, "upstream failure", "fatal", true,
			"service", service, "url", forwardedURL, "status", resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		f.logger.Error(ctx, "upstream error",
			"service", service, "url", forwardedURL, "status", resp.StatusCode)
	}
}

// buildEnvelope wraps the request in the frame the registry relays. The
// authorization header rides in its own field; encoding headers are dropped
// because the body travels decoded.
func (f *Forwarder) buildEnvelope(r *http.Request, service, forwardedURL, tracerID string) umf.Message {
	msg := umf.New(f.timeProvider)
	msg.MID = fmt.Sprintf("%s-%s", msg.MID, tracerID)
	msg.To = fmt.Sprintf("%s:[%s]%s", service, strings.ToLower(r.Method), forwardedURL)
	msg.From = fmt.Sprintf("%s@%s:/", f.self.InstanceID, f.self.ServiceName)
	msg.Authorization = r.Header.Get("Authorization")

	headers := make(map[string]string, len(r.Header)+1)
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if lower == "accept-encoding" || lower == "content-encoding" || lower == "authorization" {
			continue
		}
		if len(values) > 0 {
			headers[lower] = values[0]
		}
	}
	headers[TracerHeader] = tracerID
	msg.Headers = headers

	msg.Body = decodeRequestBody(readRequestBody(r, f.logger), r.Header.Get("Content-Type"))
	return msg
}

// RelayFrame relays a method-tagged frame from the persistent channel
// through the registry and builds the reply addressed back to the sender.
// The reply's rmid is the originating mid.
func (f *Forwarder) RelayFrame(ctx context.Context, msg umf.Message) umf.Message {
	ctx, span := f.tracer.Start(ctx, "gateway.relay_frame")
	defer span.End()

	reply := umf.New(f.timeProvider)
	reply.To = msg.From
	reply.From = fmt.Sprintf("%s@%s:/", f.self.InstanceID, f.self.ServiceName)
	reply.RMID = msg.MID
	reply.Type = "response"

	var service string
	if route, err := umf.ParseRoute(msg.To); err == nil {
		service = route.ServiceName
	}

	resp, err := f.relay.MakeAPIRequest(ctx, msg, f.timeout)
	if err != nil {
		if service != "" {
			f.errorStats.Log(service)
		}
		f.logger.Error(ctx, "registry relay failed", "fatal", true,
			"service", service, "mid", msg.MID, "error", err)
		reply.Body = newServerResponse(http.StatusInternalServerError, map[string]any{"reason": err.Error()})
		return reply
	}

	if resp.StatusCode > http.StatusCreated && service != "" {
		f.errorStats.Log(service)
	}
	reply.Body = newServerResponse(resp.StatusCode, relayResult(resp))
	return reply
}

// ProxyExternal forwards a request directly to a configured external base
// URL. The registry envelope is bypassed; stats, tracer, and timeout apply
// as on the registry path.
func (f *Forwarder) ProxyExternal(w http.ResponseWriter, r *http.Request, baseURL, forwardedURL string) {
	ctx, cancel := context.WithTimeout(r.Context(), f.timeout)
	defer cancel()

	tracerID := newTracerID()
	f.httpStats.Log(baseURL)

	body := readRequestBody(r, f.logger)
	req, err := http.NewRequestWithContext(ctx, r.Method, baseURL+forwardedURL, bytes.NewReader(body))
	if err != nil {
		f.errorStats.Log(baseURL)
		f.writeServerResponse(w, http.StatusBadRequest, tracerID, map[string]any{"reason": err.Error()})
		return
	}
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if lower == "content-encoding" || lower == "host" {
			continue
		}
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	req.Header.Set(TracerHeader, tracerID)

	resp, err := f.external.Do(req)
	if err != nil {
		f.errorStats.Log(baseURL)
		f.logger.Error(ctx, "external endpoint unreachable", "fatal", true,
			"base_url", baseURL, "error", err)
		f.writeServerResponse(w, http.StatusServiceUnavailable, tracerID, map[string]any{"reason": err.Error()})
		return
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		f.errorStats.Log(baseURL)
		f.writeServerResponse(w, http.StatusBadGateway, tracerID, map[string]any{"reason": err.Error()})
		return
	}
	if resp.StatusCode > http.StatusCreated {
		f.errorStats.Log(baseURL)
	}

	header := w.Header()
	for name, values := range resp.Header {
		lower := strings.ToLower(name)
		if lower == "content-length" || lower == "connection" {
			continue
		}
		for _, value := range values {
			header.Add(name, value)
		}
	}
	header.Set(TracerHeader, tracerID)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(payload)
}

// writeRelayResponse re-frames the registry's answer for the HTTP client:
// upstream responses pass through with merged headers, normalized failures
// become the uniform response shape.
func (f *Forwarder) writeRelayResponse(w http.ResponseWriter, r *http.Request, tracerID string, resp registry.APIResponse) {
	if resp.Normalized() {
		f.writeServerResponse(w, resp.StatusCode, tracerID, resp.Result)
		return
	}

	header := w.Header()
	for name, value := range resp.Headers {
		if name == "content-length" || name == "content-encoding" || name == "connection" {
			continue
		}
		header.Set(name, value)
	}
	for name, value := range f.cors {
		header.Set(name, value)
	}
	header.Set(TracerHeader, tracerID)

	payload := resp.Payload
	if strings.Contains(resp.Headers["content-type"], "json") {
		payload = compactJSON(payload)
	}
	if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") && len(payload) > 0 {
		if compressed, err := gzipBytes(payload); err == nil {
			header.Set("content-encoding", "gzip")
			payload = compressed
		}
	}

	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(payload)
}

// writeServerResponse emits the uniform response shape with the CORS headers
// and the tracer id attached.
func (f *Forwarder) writeServerResponse(w http.ResponseWriter, code int, tracerID string, result any) {
	headers := make(map[string]string, len(f.cors)+1)
	for name, value := range f.cors {
		headers[name] = value
	}
	headers[TracerHeader] = tracerID
	writeResponse(w, code, headers, result)
}

// readRequestBody buffers the request body, inflating a gzip content
// encoding. An unreadable or undecodable body is treated as empty.
func readRequestBody(r *http.Request, log *logger.Logger) []byte {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	data, err := io.ReadAll(r.Body)
	if err != nil {
		log.Warn(r.Context(), "reading request body", "error", err)
		return nil
	}
	if !strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		return data
	}

	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		log.Warn(r.Context(), "inflating request body", "error", err)
		return nil
	}
	defer gz.Close()

	inflated, err := io.ReadAll(gz)
	if err != nil {
		log.Warn(r.Context(), "inflating request body", "error", err)
		return nil
	}
	return inflated
}

// decodeRequestBody interprets the buffered body by content type: JSON
// decoded, form decoded, anything else as raw text. An empty body becomes an
// empty object.
func decodeRequestBody(data []byte, contentType string) any {
	if len(data) == 0 {
		return map[string]any{}
	}

	switch {
	case strings.Contains(contentType, "json"):
		var decoded any
		if err := json.Unmarshal(data, &decoded); err == nil {
			return decoded
		}
		return string(data)
	case strings.Contains(contentType, "x-www-form-urlencoded"):
		values, err := url.ParseQuery(string(data))
		if err != nil {
			return string(data)
		}
		form := make(map[string]any, len(values))
		for key, vals := range values {
			if len(vals) == 1 {
				form[key] = vals[0]
			} else {
				form[key] = vals
			}
		}
		return form
	default:
		return string(data)
	}
}

// relayResult extracts the reply body for a framed relay: decoded JSON
// payloads, raw text otherwise, or the registry's normalized result.
func relayResult(resp registry.APIResponse) any {
	if resp.Normalized() {
		return resp.Result
	}
	if strings.Contains(resp.Headers["content-type"], "json") {
		var decoded any
		if err := json.Unmarshal(resp.Payload, &decoded); err == nil {
			return decoded
		}
	}
	return string(resp.Payload)
}

// compactJSON re-serializes a JSON payload. Content that fails to parse
// passes through verbatim.
func compactJSON(payload []byte) []byte {
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return payload
	}
	out, err := json.Marshal(decoded)
	if err != nil {
		return payload
	}
	return out
}

// gzipBytes compresses data with gzip.
func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
