package issuelog

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydramesh/hydra-router/pkg/common/timeutil"
)

func TestAppendAndEntries(t *testing.T) {
	clock := timeutil.NewMock(time.Date(2025, 3, 1, 12, 30, 45, 123000000, time.UTC))
	log := New(clock)

	log.Append("error", "upstream returned 500")
	clock.Advance(time.Second)
	log.Append("warn", "slow response")

	entries := log.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "error", entries[0].Severity)
	assert.Equal(t, "upstream returned 500", entries[0].Message)
	assert.Equal(t, "2025-03-01T12:30:45.123Z", entries[0].Timestamp)
	assert.Equal(t, "warn", entries[1].Severity)
}

func TestEntriesBoundedToNewest(t *testing.T) {
	log := New(timeutil.NewMock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)))

	for i := 0; i < 120; i++ {
		log.Append("error", fmt.Sprintf("message-%d", i))
	}

	entries := log.Entries()
	require.Len(t, entries, MaxEntries)
	assert.Equal(t, "message-20", entries[0].Message)
	assert.Equal(t, "message-119", entries[99].Message)
}

func TestBacklogStaysBoundedUnderBurst(t *testing.T) {
	log := New(timeutil.NewMock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)))

	// Appends far past the cap within one debounce window: the headroom
	// limit forces trims even while the debounce is closed.
	for i := 0; i < 500; i++ {
		log.Append("error", fmt.Sprintf("message-%d", i))
	}

	entries := log.Entries()
	require.Len(t, entries, MaxEntries)
	assert.Equal(t, "message-400", entries[0].Message)
	assert.Equal(t, "message-499", entries[99].Message)
}

func TestEntriesReturnsCopy(t *testing.T) {
	log := New(timeutil.NewMock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)))

	log.Append("warn", "original")
	entries := log.Entries()
	entries[0].Message = "mutated"

	assert.Equal(t, "original", log.Entries()[0].Message)
}
