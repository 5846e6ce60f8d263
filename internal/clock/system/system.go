// Package system provides the wall clock used outside of tests.
package system

import "time"

// Clock implements audit.Clock. Times are always UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
