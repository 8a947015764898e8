// Package issuelog keeps the router's recent diagnostic entries in memory
// for the admin surface. The log is bounded: appends past the cap trigger a
// debounced trim, with a hard headroom limit so the backlog stays bounded
// even while the debounce window is closed.
package issuelog

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hydramesh/hydra-router/internal/umf"
	"github.com/hydramesh/hydra-router/pkg/common/timeutil"
)

const (
	// MaxEntries is the number of entries a readout returns.
	MaxEntries = 100

	// trimHeadroom is how far past MaxEntries the backlog may grow before a
	// trim runs regardless of the debounce.
	trimHeadroom = 50

	// trimInterval is the debounce window between trims.
	trimInterval = time.Second
)

// Entry is one diagnostic record.
type Entry struct {
	Timestamp string `json:"ts"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
}

// Log is a bounded, concurrency-safe issue log.
type Log struct {
	timeProvider timeutil.Provider

	mu      sync.Mutex
	entries []Entry
	trim    *rate.Limiter
}

// New returns an empty log on the given clock.
func New(timeProvider timeutil.Provider) *Log {
	return &Log{
		timeProvider: timeProvider,
		trim:         rate.NewLimiter(rate.Every(trimInterval), 1),
	}
}

// Append records an entry. Trimming is debounced, so the backlog may briefly
// exceed MaxEntries; readouts never do.
func (l *Log) Append(severity, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, Entry{
		Timestamp: umf.FormatTimestamp(l.timeProvider.Now()),
		Severity:  severity,
		Message:   message,
	})

	if len(l.entries) <= MaxEntries {
		return
	}
	if l.trim.Allow() || len(l.entries) >= MaxEntries+trimHeadroom {
		l.entries = append([]Entry(nil), l.entries[len(l.entries)-MaxEntries:]...)
	}
}

// Entries returns the newest entries, oldest first, at most MaxEntries.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries
	if len(kept) > MaxEntries {
		kept = kept[len(kept)-MaxEntries:]
	}
	return append([]Entry(nil), kept...)
}
