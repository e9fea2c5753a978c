// Package clock provides Clock implementations.
package clock

import (
	"sync"
	"time"

	"github.com/artpar/quotagate/ports"
)

// Real reads the wall clock in UTC. Billing periods and rate windows are
// computed in UTC, so local zones never leak into stored keys.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// Fake is a manually driven clock for tests.
type Fake struct {
	mu  sync.RWMutex
	now time.Time
}

// NewFake creates a fake clock set to t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

// Now returns the fake time.
func (f *Fake) Now() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.now
}

// Set jumps to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

var (
	_ ports.Clock = Real{}
	_ ports.Clock = (*Fake)(nil)
)
