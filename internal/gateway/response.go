package gateway

import (
	"encoding/json"
	"net/http"
)

// ServerResponse is the uniform JSON shape the router's own HTTP edges
// answer with when there is no upstream payload to relay verbatim.
type ServerResponse struct {
	StatusCode        int    `json:"statusCode"`
	StatusMessage     string `json:"statusMessage"`
	StatusDescription string `json:"statusDescription"`
	Result            any    `json:"result"`
}

// statusDescriptions carries the long-form descriptions for the statuses the
// router emits itself. Anything else falls back to the standard status text.
var statusDescriptions = map[int]string{
	http.StatusOK:                  "Request succeeded without error",
	http.StatusCreated:             "Resource created",
	http.StatusNoContent:           "Request succeeded, no content returned",
	http.StatusBadRequest:          "Request is invalid, missing parameters?",
	http.StatusUnauthorized:        "Request failed authorization",
	http.StatusNotFound:            "The requested resource was not found",
	http.StatusRequestTimeout:      "The request took too long to complete",
	http.StatusInternalServerError: "An internal server error occurred",
	http.StatusServiceUnavailable:  "The server is currently unable to handle the request",
}

// newServerResponse builds the uniform response for a status code. A nil
// result becomes an empty object so clients always see a result field.
func newServerResponse(code int, result any) ServerResponse {
	description, ok := statusDescriptions[code]
	if !ok {
		description = http.StatusText(code)
	}
	if result == nil {
		result = map[string]any{}
	}
	return ServerResponse{
		StatusCode:        code,
		StatusMessage:     http.StatusText(code),
		StatusDescription: description,
		Result:            result,
	}
}

// writeResponse emits the uniform response shape as JSON, carrying any extra
// headers.
func writeResponse(w http.ResponseWriter, code int, headers map[string]string, result any) {
	for name, value := range headers {
		w.Header().Set(name, value)
	}
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(newServerResponse(code, result))
}
