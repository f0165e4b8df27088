package multirole

import (
	"fmt"
	"sync"
)

// Local profile characteristics
const (
	Char1 uint8 = iota + 1
	Char2
	Char3
	Char4
	Char5
	Char6
)

// Char5Len is the fixed length of the fifth characteristic
const Char5Len = 5

type charDef struct {
	writable bool
	fixedLen int
}

var profileChars = map[uint8]charDef{
	Char1: {writable: true},
	Char2: {},
	Char3: {writable: true},
	Char4: {},
	Char5: {fixedLen: Char5Len},
	Char6: {},
}

// Profile is the local GATT service served to connected peers. Peers write
// it from the stack's context, so unlike the rest of the controller state it
// carries its own lock.
type Profile struct {
	mu       sync.Mutex
	values   map[uint8][]byte
	onChange func(id uint8)
}

// NewProfile returns the profile with its initial values
func NewProfile() *Profile {
	return &Profile{
		values: map[uint8][]byte{
			Char1: {1},
			Char2: {2},
			Char3: {3},
			Char4: {4},
			Char5: {1, 2, 3, 4, 5},
			Char6: nil,
		},
	}
}

// OnChange registers the function told about peer writes
func (p *Profile) OnChange(fn func(id uint8)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = fn
}

// Get returns a copy of a characteristic value
func (p *Profile) Get(id uint8) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := profileChars[id]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChar, id)
	}
	return append([]byte(nil), p.values[id]...), nil
}

// Set stores a value from the application side
func (p *Profile) Set(id uint8, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	def, ok := profileChars[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChar, id)
	}
	if def.fixedLen > 0 && len(value) != def.fixedLen {
		return fmt.Errorf("multirole: char %d needs %d bytes, got %d", id, def.fixedLen, len(value))
	}
	p.values[id] = append([]byte(nil), value...)
	return nil
}

// WriteFromPeer stores a value written by a connected peer and reports the
// change
func (p *Profile) WriteFromPeer(id uint8, value []byte) error {
	p.mu.Lock()
	def, ok := profileChars[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownChar, id)
	}
	if !def.writable {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNotWritable, id)
	}
	p.values[id] = append([]byte(nil), value...)
	fn := p.onChange
	p.mu.Unlock()

	if fn != nil {
		fn(id)
	}
	return nil
}

// Snapshot returns copies of every value indexed by characteristic ID
func (p *Profile) Snapshot() map[uint8][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[uint8][]byte, len(p.values))
	for id, v := range p.values {
		out[id] = append([]byte(nil), v...)
	}
	return out
}
