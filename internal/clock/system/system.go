// Package system provides a Clock backed by the wall clock.
package system

import "time"

// Clock implements ingest.Clock using time.Now.
type Clock struct{}

// New returns a system Clock.
func New() *Clock { return &Clock{} }

// Now returns the current time.
func (Clock) Now() time.Time { return time.Now() }
