// Package clock injects time and id generation so the lifecycle, team,
// persistence and recovery components take timestamps from a Clock and ids
// from NewID instead of calling time.Now or uuid.New directly (spec's
// "reimplement singletons as explicit values" design note).
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock time.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock, backed by time.Now.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time { return time.Now().UTC() }

// Fixed is a Clock that always returns the same instant, for tests.
type Fixed struct {
	At time.Time
}

// Now returns the fixed instant.
func (f Fixed) Now() time.Time { return f.At }

// NewID returns a new random identifier. Centralized so every entity id in
// the system comes from one place.
func NewID() string {
	return uuid.New().String()
}
