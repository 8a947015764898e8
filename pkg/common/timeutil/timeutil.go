// Package timeutil provides a small abstraction over the system clock so
// components can be tested with a controlled notion of "now".
package timeutil

import "time"

// Provider supplies the current time. Components hold a Provider instead of
// calling time.Now directly so tests can substitute a fixed clock.
type Provider interface {
	// Now returns the current time.
	Now() time.Time
}

type realProvider struct{}

func (realProvider) Now() time.Time { return time.Now() }

// Default returns a Provider backed by the system clock.
func Default() Provider { return realProvider{} }

// Mock is a Provider that returns a configurable time. Tests mutate
// CurrentTime (or call Advance) between assertions.
type Mock struct {
	CurrentTime time.Time
}

// NewMock returns a Mock pinned to the given time.
func NewMock(t time.Time) *Mock { return &Mock{CurrentTime: t} }

// Now returns the mock's current time.
func (m *Mock) Now() time.Time { return m.CurrentTime }

// Advance moves the mock clock forward by d.
func (m *Mock) Advance(d time.Duration) { m.CurrentTime = m.CurrentTime.Add(d) }
