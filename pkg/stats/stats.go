// Package stats holds the supervisor's shared tallies: recorded frame,
// signal and scheduling-event counts, and trace volume. They are
// written from the supervision loop and read concurrently by progress
// reporting, so access is atomic.
package stats

import "sync/atomic"

// Counter is a monotonically increasing event or byte tally.
type Counter struct {
	n atomic.Uint64
}

func (c *Counter) Value() uint64 { return c.n.Load() }

// Inc bumps the tally by one and returns the new total.
func (c *Counter) Inc() uint64 { return c.n.Add(1) }

// Add bumps the tally by n and returns the new total.
func (c *Counter) Add(n uint64) uint64 { return c.n.Add(n) }
