// Package clock provides the time source injected into components that
// make scheduling decisions, so tests can drive resets and idle windows
// deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source abstraction.
type Clock interface {
	Now() time.Time
}

// Real reads the system clock.
type Real struct{}

// NewReal returns the production clock.
func NewReal() *Real { return &Real{} }

func (*Real) Now() time.Time { return time.Now() }

// Fake is a manually-advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake pinned to the given instant.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}
