// Package conntable holds the fixed-capacity table of active links.
//
// The table is owned by the controller loop and is not safe for concurrent
// use. A slot whose Handle is wire.InvalidConnHandle is free; freed slots are
// zeroed before they can be reused.
package conntable

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"tinygo.org/x/bluetooth"

	"github.com/user/multirole-blue/discovery"
	"github.com/user/multirole-blue/phy"
	"github.com/user/multirole-blue/wire"
	"github.com/user/multirole-blue/wire/l2cap"
)

// Record is the state of one active link
type Record struct {
	Handle   uint16
	Addr     bluetooth.MAC
	AddrType wire.AddrType
	Role     wire.Role

	Disc       discovery.Session
	CharHandle uint16
	MTU        uint16

	PHY    phy.Link
	Params l2cap.ConnectionParameters

	// ParamTimer is the pending connection parameter update of a peripheral
	// link. It is stopped when the record is removed.
	ParamTimer *clock.Timer
	ParamArm   uint64
}

// Purger drops queued work for a handle when its record is removed
type Purger interface {
	Purge(handle uint16)
}

// Table is the connection table
type Table struct {
	slots  []Record
	count  int
	purger Purger
}

// New creates a table with room for capacity links. purger may be nil.
func New(capacity int, purger Purger) *Table {
	t := &Table{
		slots:  make([]Record, capacity),
		purger: purger,
	}
	for i := range t.slots {
		t.slots[i] = Record{Handle: wire.InvalidConnHandle}
	}
	return t
}

// SetPurger replaces the purger called on removal
func (t *Table) SetPurger(p Purger) {
	t.purger = p
}

// Add stores a new link in the first free slot and returns its index
func (t *Table) Add(handle uint16, addr bluetooth.MAC, addrType wire.AddrType, role wire.Role) (int, error) {
	if handle == wire.InvalidConnHandle {
		return -1, ErrInvalidHandle
	}
	if _, err := t.Find(handle); err == nil {
		return -1, fmt.Errorf("%w: handle %d", ErrExists, handle)
	}

	for i := range t.slots {
		if t.slots[i].Handle != wire.InvalidConnHandle {
			continue
		}
		t.slots[i] = Record{
			Handle:   handle,
			Addr:     addr,
			AddrType: addrType,
			Role:     role,
			MTU:      wire.DefaultMTU,
		}
		t.count++
		return i, nil
	}
	return -1, ErrFull
}

// Remove clears the record of handle and returns the slot it occupied. The
// record's parameter update timer is stopped and queued work is purged.
func (t *Table) Remove(handle uint16) (int, error) {
	i, err := t.Find(handle)
	if err != nil {
		return -1, err
	}

	rec := &t.slots[i]
	if rec.ParamTimer != nil {
		rec.ParamTimer.Stop()
		rec.ParamTimer = nil
	}
	if t.purger != nil {
		t.purger.Purge(handle)
	}

	t.slots[i] = Record{Handle: wire.InvalidConnHandle}
	t.count--
	return i, nil
}

// Find returns the slot index of handle
func (t *Table) Find(handle uint16) (int, error) {
	if handle == wire.InvalidConnHandle {
		return -1, ErrNotFound
	}
	for i := range t.slots {
		if t.slots[i].Handle == handle {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: handle %d", ErrNotFound, handle)
}

// Get returns the record of handle
func (t *Table) Get(handle uint16) (*Record, bool) {
	i, err := t.Find(handle)
	if err != nil {
		return nil, false
	}
	return &t.slots[i], true
}

// MustGet returns the record of a handle that is known to be present.
// A missing record is a logic error and panics.
func (t *Table) MustGet(handle uint16) *Record {
	rec, ok := t.Get(handle)
	if !ok {
		panic(fmt.Sprintf("conntable: no record for handle %d", handle))
	}
	return rec
}

// At returns the record in slot index, if that slot is in use
func (t *Table) At(index int) (*Record, bool) {
	if index < 0 || index >= len(t.slots) {
		return nil, false
	}
	rec := &t.slots[index]
	if rec.Handle == wire.InvalidConnHandle {
		return nil, false
	}
	return rec, true
}

// ClearAll removes every record
func (t *Table) ClearAll() {
	for i := range t.slots {
		if t.slots[i].Handle != wire.InvalidConnHandle {
			t.Remove(t.slots[i].Handle)
		}
	}
}

// Records returns the active records in slot order
func (t *Table) Records() []*Record {
	out := make([]*Record, 0, t.count)
	for i := range t.slots {
		if t.slots[i].Handle != wire.InvalidConnHandle {
			out = append(out, &t.slots[i])
		}
	}
	return out
}

// Handles returns the active handles in slot order
func (t *Table) Handles() []uint16 {
	out := make([]uint16, 0, t.count)
	for _, rec := range t.Records() {
		out = append(out, rec.Handle)
	}
	return out
}

// Len returns the number of active links
func (t *Table) Len() int { return t.count }

// Cap returns the number of slots
func (t *Table) Cap() int { return len(t.slots) }

// Full reports whether every slot is in use
func (t *Table) Full() bool { return t.count >= len(t.slots) }
