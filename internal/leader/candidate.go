// Package leader elects a single leader per role among processes sharing a lock store.
package leader

import (
	"github.com/google/uuid"
)

// Candidate is the participant an Elector campaigns for.
type Candidate interface {
	// Role is the name of the leadership being contended; it is also the lock key.
	Role() string

	// ID identifies this candidate in logs and events.
	ID() string

	// OnGranted is called when leadership is granted. A returned error makes
	// the elector relinquish immediately.
	OnGranted(ctx *Context) error

	// OnRevoked is called after leadership has been released.
	OnRevoked(ctx *Context)
}

// DefaultCandidate is a Candidate with no-op callbacks.
// Use it when leadership is observed through an EventPublisher.
type DefaultCandidate struct {
	role string
	id   string
}

var _ Candidate = (*DefaultCandidate)(nil)

// NewDefaultCandidate creates a candidate for role. An empty id gets a random UUID.
func NewDefaultCandidate(role, id string) *DefaultCandidate {
	if id == "" {
		id = uuid.NewString()
	}
	return &DefaultCandidate{role: role, id: id}
}

// Role implements Candidate.
func (c *DefaultCandidate) Role() string { return c.role }

// ID implements Candidate.
func (c *DefaultCandidate) ID() string { return c.id }

// OnGranted implements Candidate.
func (c *DefaultCandidate) OnGranted(*Context) error { return nil }

// OnRevoked implements Candidate.
func (c *DefaultCandidate) OnRevoked(*Context) {}

// Context is the handle given to candidates and publishers.
// It reflects the elector's state and lets the holder give up leadership.
type Context struct {
	elector *Elector
}

// IsLeader reports whether the elector currently holds leadership.
func (c *Context) IsLeader() bool {
	return c.elector.IsLeader()
}

// Yield gives up leadership if held. It never blocks and is safe to call from callbacks.
func (c *Context) Yield() {
	c.elector.Yield()
}

// Role returns the contended role.
func (c *Context) Role() string {
	return c.elector.Role()
}

// Elector returns the elector this context belongs to.
func (c *Context) Elector() *Elector {
	return c.elector
}
