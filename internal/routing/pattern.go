// Package routing holds the route matching core: compiled path patterns and
// the service route table the HTTP dispatch path consults on every request.
package routing

import (
	"fmt"
	"strings"
)

// Pattern is a compiled path template. Templates are absolute paths whose
// segments are either literals or named captures (":name"). Matching is
// segment based and case sensitive; query strings are not part of a path.
type Pattern struct {
	raw      string
	segments []segment
}

type segment struct {
	literal string
	param   string
}

// CompilePattern parses a path template. It fails on templates that are
// empty, relative, or contain a capture with no name.
func CompilePattern(pattern string) (*Pattern, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty route pattern")
	}
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("route pattern %q must begin with /", pattern)
	}

	parts := strings.Split(pattern[1:], "/")
	segments := make([]segment, 0, len(parts))
	for _, part := range parts {
		if strings.HasPrefix(part, ":") {
			name := part[1:]
			if name == "" {
				return nil, fmt.Errorf("route pattern %q has an unnamed capture", pattern)
			}
			segments = append(segments, segment{param: name})
			continue
		}
		segments = append(segments, segment{literal: part})
	}

	return &Pattern{raw: pattern, segments: segments}, nil
}

// Match tests path against the pattern. On success it returns the mapping of
// capture names to the matched segments. Captures never match an empty
// segment.
func (p *Pattern) Match(path string) (map[string]string, bool) {
	if !strings.HasPrefix(path, "/") {
		return nil, false
	}

	parts := strings.Split(path[1:], "/")
	if len(parts) != len(p.segments) {
		return nil, false
	}

	var captures map[string]string
	for i, seg := range p.segments {
		if seg.param != "" {
			if parts[i] == "" {
				return nil, false
			}
			if captures == nil {
				captures = make(map[string]string)
			}
			captures[seg.param] = parts[i]
			continue
		}
		if seg.literal != parts[i] {
			return nil, false
		}
	}

	return captures, true
}

// String returns the literal pattern the matcher was compiled from.
func (p *Pattern) String() string { return p.raw }
