package phy

// Correlator matches set-phy command status events to the connection that
// issued the command. The status event carries no handle, so the oldest
// outstanding entry is always the one that completes. Entries for links that
// have since been removed are left in place and discarded when popped.
type Correlator struct {
	handles []uint16
	limit   int
}

// NewCorrelator creates a correlator holding at most limit outstanding commands
func NewCorrelator(limit int) *Correlator {
	return &Correlator{
		handles: make([]uint16, 0, limit),
		limit:   limit,
	}
}

// Push records a command issued for handle
func (c *Correlator) Push(handle uint16) error {
	if len(c.handles) >= c.limit {
		return ErrCorrelatorFull
	}
	c.handles = append(c.handles, handle)
	return nil
}

// Pop removes and returns the oldest outstanding handle
func (c *Correlator) Pop() (uint16, bool) {
	if len(c.handles) == 0 {
		return 0, false
	}
	h := c.handles[0]
	c.handles = c.handles[1:]
	return h, true
}

// DropNewest forgets the most recent push. Used when the command it was
// pushed for could not be sent.
func (c *Correlator) DropNewest() {
	if len(c.handles) > 0 {
		c.handles = c.handles[:len(c.handles)-1]
	}
}

// Len returns the number of outstanding commands
func (c *Correlator) Len() int {
	return len(c.handles)
}

// Handles returns the outstanding handles, oldest first
func (c *Correlator) Handles() []uint16 {
	return append([]uint16(nil), c.handles...)
}
