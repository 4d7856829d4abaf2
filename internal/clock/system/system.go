// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements crawler.Clock with time.Now in UTC.
type Clock struct{}

// New creates a Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Epoch returns the current time in whole seconds since the Unix epoch, the
// resolution run identifiers use.
func (c Clock) Epoch() int64 {
	return c.Now().Unix()
}
