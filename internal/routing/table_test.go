package routing_test

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydramesh/hydra-router/internal/routing"
)

func TestTableLookup(t *testing.T) {
	table := routing.NewTable()
	require.NoError(t, table.Update("red", []string{"[get]/v1/red/hello", "/v1/red/:name"}))
	require.NoError(t, table.Update("blue", []string{"/v1/blue/:id"}))

	tests := []struct {
		name        string
		path        string
		wantService string
		wantPattern string
		wantParams  map[string]string
		wantMiss    bool
	}{
		{
			name:        "literal with stripped method tag",
			path:        "/v1/red/hello",
			wantService: "red",
			wantPattern: "/v1/red/hello",
		},
		{
			name:        "capture",
			path:        "/v1/red/world",
			wantService: "red",
			wantPattern: "/v1/red/:name",
			wantParams:  map[string]string{"name": "world"},
		},
		{
			name:        "second service",
			path:        "/v1/blue/7",
			wantService: "blue",
			wantPattern: "/v1/blue/:id",
			wantParams:  map[string]string{"id": "7"},
		},
		{
			name:     "no match",
			path:     "/v1/green/1",
			wantMiss: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, ok := table.Lookup(tt.path)
			if tt.wantMiss {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.wantService, result.Service)
			assert.Equal(t, tt.wantPattern, result.Pattern)
			assert.Equal(t, tt.wantParams, result.Params)
		})
	}
}

func TestTableLookupFirstRegisteredServiceWins(t *testing.T) {
	table := routing.NewTable()
	require.NoError(t, table.Update("red", []string{"/v1/shared/:x"}))
	require.NoError(t, table.Update("blue", []string{"/v1/shared/:x"}))

	result, ok := table.Lookup("/v1/shared/1")
	require.True(t, ok)
	assert.Equal(t, "red", result.Service)
}

func TestTableUpdateReplacesOnlyThatService(t *testing.T) {
	table := routing.NewTable()
	require.NoError(t, table.Update("red", []string{"/v1/red/hello"}))
	require.NoError(t, table.Update("blue", []string{"/v1/blue/old"}))

	require.NoError(t, table.Update("blue", []string{"/v1/blue/new"}))

	_, ok := table.Lookup("/v1/blue/old")
	assert.False(t, ok)
	_, ok = table.Lookup("/v1/blue/new")
	assert.True(t, ok)

	result, ok := table.Lookup("/v1/red/hello")
	require.True(t, ok)
	assert.Equal(t, "red", result.Service)

	assert.Equal(t, []string{"red", "blue"}, table.ServiceNames())
}

func TestTableUpdateSkipsMalformedPatterns(t *testing.T) {
	table := routing.NewTable()

	err := table.Update("red", []string{"/v1/ok/:id", "bad-pattern", ""})
	assert.Error(t, err)

	_, ok := table.Lookup("/v1/ok/1")
	assert.True(t, ok)
}

func TestTableFallbackMatch(t *testing.T) {
	table := routing.NewTable()
	require.NoError(t, table.Update("blue", []string{"/v1/blue/hello"}))

	tests := []struct {
		name     string
		referer  string
		path     string
		want     routing.FallbackResult
		wantMiss bool
	}{
		{
			name:    "referer attribution keeps url",
			referer: "http://host/blue/index.html",
			path:    "/app.css",
			want:    routing.FallbackResult{Service: "blue", ForwardedURL: "/app.css"},
		},
		{
			name: "first segment attribution strips segment",
			path: "/blue/app.css",
			want: routing.FallbackResult{Service: "blue", ForwardedURL: "/app.css"},
		},
		{
			name: "bare service segment leaves empty remainder",
			path: "/blue",
			want: routing.FallbackResult{Service: "blue", ForwardedURL: ""},
		},
		{
			name:     "unknown segment",
			path:     "/green/app.css",
			wantMiss: true,
		},
		{
			name:     "root path",
			path:     "/",
			wantMiss: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, ok := table.FallbackMatch(tt.referer, tt.path)
			if tt.wantMiss {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want, result)
		})
	}
}

// Concurrent lookups must observe either the old or the new route list for a
// service, never a mix.
func TestTableConcurrentRefresh(t *testing.T) {
	table := routing.NewTable()
	require.NoError(t, table.Update("red", []string{"/v1/red/a0", "/v1/red/b0"}))

	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for gen := 1; gen < 100; gen++ {
			patterns := []string{
				fmt.Sprintf("/v1/red/a%d", gen),
				fmt.Sprintf("/v1/red/b%d", gen),
			}
			if err := table.Update("red", patterns); err != nil {
				t.Error(err)
				return
			}
		}
		close(done)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}

			snapshot := table.Snapshot()["red"]
			if assert.Len(t, snapshot, 2) {
				// Both entries must come from the same generation.
				genA := strings.TrimPrefix(snapshot[0], "/v1/red/a")
				genB := strings.TrimPrefix(snapshot[1], "/v1/red/b")
				assert.Equal(t, genA, genB)
			}
		}
	}()

	wg.Wait()
}
