package umf

import (
	"errors"
	"strings"
)

// Route is the parsed form of a message address. The grammar is
//
//	[<instance>[-<subID>]@]<service>[:[<method>]<apiRoute>]
//
// where <method> is a lowercase verb in square brackets and <apiRoute> is an
// absolute path. Addresses beginning with http(s) are external endpoints and
// parse with the full URL as the service name.
type Route struct {
	Instance    string
	SubID       string
	ServiceName string
	HTTPMethod  string
	APIRoute    string
}

// ErrInvalidRoute is returned for addresses with no routable segments.
var ErrInvalidRoute = errors.New("route field has invalid number of routable segments")

// ParseRoute splits a message address into its routing parts.
func ParseRoute(value string) (Route, error) {
	if value == "" {
		return Route{}, ErrInvalidRoute
	}

	var r Route

	if strings.HasPrefix(value, "http") {
		// External endpoints keep the whole URL as the service name.
		r.ServiceName = value
		return r, nil
	}

	segments := strings.Split(value, ":")
	r.ServiceName = segments[0]
	r.APIRoute = strings.Join(segments[1:], ":")

	if at := strings.Index(r.ServiceName, "@"); at > -1 {
		r.Instance = r.ServiceName[:at]
		r.ServiceName = r.ServiceName[at+1:]

		// The instance part may carry a sub id after the first dash. Instance
		// ids never contain dashes themselves.
		if dash := strings.Index(r.Instance, "-"); dash > -1 {
			r.SubID = r.Instance[dash+1:]
			r.Instance = r.Instance[:dash]
		}
	}

	if r.ServiceName == "" {
		return Route{}, ErrInvalidRoute
	}

	if strings.HasPrefix(r.APIRoute, "[") {
		if end := strings.Index(r.APIRoute, "]"); end > -1 {
			r.HTTPMethod = r.APIRoute[1:end]
			r.APIRoute = r.APIRoute[end+1:]
		}
	}

	return r, nil
}
