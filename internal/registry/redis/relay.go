package redis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hydramesh/hydra-router/internal/registry"
	"github.com/hydramesh/hydra-router/internal/umf"
)

// MakeAPIRequest resolves a live instance of the service addressed by the
// message's "to" route and issues the HTTP request it describes. Failures
// the relay absorbs (no instances, timeout, transport faults) come back as
// normalized responses with a nil error so the caller relays them like any
// upstream answer.
func (c *Client) MakeAPIRequest(ctx context.Context, msg umf.Message, timeout time.Duration) (registry.APIResponse, error) {
	ctx, span := c.tracer.Start(ctx, "registry.MakeAPIRequest")
	defer span.End()
	c.metrics.IncRegistryCall(ctx, "make_api_request")

	route, err := umf.ParseRoute(msg.To)
	if err != nil {
		return registry.APIResponse{}, fmt.Errorf("parsing request route %q: %w", msg.To, err)
	}

	instances, err := c.Presence(ctx, route.ServiceName)
	if err != nil {
		return registry.APIResponse{}, err
	}
	if len(instances) == 0 {
		return normalizedResponse(http.StatusServiceUnavailable,
			fmt.Sprintf("No %s instances available", route.ServiceName)), nil
	}
	target := instances[0]

	method := strings.ToUpper(route.HTTPMethod)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if msg.Body != nil && method != http.MethodGet && method != http.MethodHead {
		encoded, err := json.Marshal(msg.Body)
		if err != nil {
			return registry.APIResponse{}, fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	apiRoute := route.APIRoute
	if apiRoute != "" && !strings.HasPrefix(apiRoute, "/") {
		apiRoute = "/" + apiRoute
	}
	url := fmt.Sprintf("http://%s:%d%s", target.IP, target.Port, apiRoute)

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, body)
	if err != nil {
		return registry.APIResponse{}, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("content-type", "application/json")
	for name, value := range msg.Headers {
		req.Header.Set(name, value)
	}
	if msg.Authorization != "" {
		req.Header.Set("authorization", msg.Authorization)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.IncRegistryError(ctx, "make_api_request")
		if errors.Is(err, context.DeadlineExceeded) {
			return normalizedResponse(http.StatusRequestTimeout, "API request timed out"), nil
		}
		return normalizedResponse(http.StatusServiceUnavailable, err.Error()), nil
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.IncRegistryError(ctx, "make_api_request")
		return normalizedResponse(http.StatusServiceUnavailable, err.Error()), nil
	}

	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[strings.ToLower(name)] = resp.Header.Get(name)
	}

	return registry.APIResponse{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Payload:    payload,
	}, nil
}

// normalizedResponse is the relay's own failure shape: no transport headers,
// a reason in the result.
func normalizedResponse(status int, reason string) registry.APIResponse {
	return registry.APIResponse{
		StatusCode: status,
		Result:     map[string]any{"reason": reason},
	}
}
