package transport

import "github.com/wippyai/graphwire/errors"

// Credits accounts for the two resources every work request consumes: a
// local send slot, returned by the signaled completion covering the request,
// and for operations the peer sees, one of the peer's posted receives,
// returned when the peer commits new ones.
type Credits struct {
	send   uint32
	max    uint32
	remote uint32
}

// NewCredits returns an account with send local slots and no peer receives.
func NewCredits(send uint32) *Credits {
	return &Credits{send: send, max: send}
}

// Ready reports whether a request of op can be posted now.
func (c *Credits) Ready(op Op) bool {
	return c.send > 0 && (!op.ConsumesReceive() || c.remote > 0)
}

// Take consumes the credits of one request of op. Ready must hold.
func (c *Credits) Take(op Op) {
	c.send--
	if op.ConsumesReceive() {
		c.remote--
	}
}

// Return gives back n send slots covered by a completion.
func (c *Credits) Return(n uint32) error {
	if c.send+n > c.max {
		return errors.Invariant(errors.PhaseTransport, "completion returns %d credits, only %d in flight", n, c.max-c.send)
	}
	c.send += n
	return nil
}

// Grant adds n peer receives.
func (c *Credits) Grant(n uint32) { c.remote += n }

// Send returns the free local send slots.
func (c *Credits) Send() uint32 { return c.send }

// Remote returns the known free peer receives.
func (c *Credits) Remote() uint32 { return c.remote }

// InFlight returns the send slots held by uncompleted requests.
func (c *Credits) InFlight() uint32 { return c.max - c.send }

// Max returns the send slot capacity.
func (c *Credits) Max() uint32 { return c.max }
