// Package system provides the wall clock used for cache TTLs and access records.
package system

import "time"

// Clock implements fetchproxy.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC, so entries written by workers in
// different time zones compare correctly.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
