// Package stats tracks per-second hit counts over a one-hour ring. The
// router keeps three independent collections: HTTP traffic, channel
// traffic, and upstream errors, each keyed by target (service name or
// route).
package stats

import (
	"sort"
	"sync"

	"github.com/hydramesh/hydra-router/pkg/common/timeutil"
)

// slotCount is one ring slot per second of the hour.
const slotCount = 3600

// Aggregates are rolling sums ending at the current second.
type Aggregates struct {
	Last1s  int `json:"1s"`
	Last1m  int `json:"1m"`
	Last5m  int `json:"5m"`
	Last15m int `json:"15m"`
	Last30m int `json:"30m"`
	Last1h  int `json:"1h"`
}

// Snapshot is one target's readout: rolling aggregates plus the raw
// counters rotated so the most recent second is last.
type Snapshot struct {
	Aggregates
	Counters []int `json:"counters"`
}

// ring holds one target's counters. cellVisit marks the slots hit in the
// current hour cycle; a slot's counter resets on its first hit after the
// marks are cleared.
type ring struct {
	counter   [slotCount]int
	cellVisit [slotCount]byte
}

// Stats is a concurrency-safe collection of per-target rings.
type Stats struct {
	timeProvider timeutil.Provider

	mu    sync.Mutex
	rings map[string]*ring
}

// New returns an empty collection on the given clock.
func New(timeProvider timeutil.Provider) *Stats {
	return &Stats{
		timeProvider: timeProvider,
		rings:        make(map[string]*ring),
	}
}

// Log records one hit for target in the current second's slot.
func (s *Stats) Log(target string) {
	now := s.timeProvider.Now()
	slot := now.Minute()*60 + now.Second()

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rings[target]
	if r == nil {
		r = &ring{}
		s.rings[target] = r
	}

	if slot == 0 && r.cellVisit[0] != 0 {
		// Slot 0 was marked by a prior cycle: a new hour begins. Clear
		// the visit marks so every slot resets on its first hit of the
		// cycle, and restart the first slot's count.
		r.cellVisit = [slotCount]byte{}
		r.cellVisit[0] = 1
		r.counter[0] = 1
		return
	}
	if r.cellVisit[slot] == 0 {
		r.cellVisit[slot] = 1
		r.counter[slot] = 1
		return
	}
	r.counter[slot]++
}

// Snapshot returns target's readout, or ok=false for an unknown target.
func (s *Stats) Snapshot(target string) (Snapshot, bool) {
	slot := s.currentSlot()

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.rings[target]
	if r == nil {
		return Snapshot{}, false
	}
	return r.snapshotAt(slot), true
}

// SnapshotAll returns every target's readout.
func (s *Stats) SnapshotAll() map[string]Snapshot {
	slot := s.currentSlot()

	s.mu.Lock()
	defer s.mu.Unlock()

	all := make(map[string]Snapshot, len(s.rings))
	for target, r := range s.rings {
		all[target] = r.snapshotAt(slot)
	}
	return all
}

// Targets returns the known target names, sorted.
func (s *Stats) Targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	targets := make([]string, 0, len(s.rings))
	for target := range s.rings {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	return targets
}

func (s *Stats) currentSlot() int {
	now := s.timeProvider.Now()
	return now.Minute()*60 + now.Second()
}

func (r *ring) snapshotAt(slot int) Snapshot {
	counters := make([]int, slotCount)
	for i := range counters {
		counters[i] = r.counter[(slot+1+i)%slotCount]
	}
	return Snapshot{
		Aggregates: Aggregates{
			Last1s:  sumTail(counters, 1),
			Last1m:  sumTail(counters, 60),
			Last5m:  sumTail(counters, 300),
			Last15m: sumTail(counters, 900),
			Last30m: sumTail(counters, 1800),
			Last1h:  sumTail(counters, slotCount),
		},
		Counters: counters,
	}
}

func sumTail(counters []int, n int) int {
	total := 0
	for _, v := range counters[len(counters)-n:] {
		total += v
	}
	return total
}
