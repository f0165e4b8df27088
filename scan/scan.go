// Package scan keeps the list of connectable peers found by the last scan
package scan

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"tinygo.org/x/bluetooth"

	"github.com/user/multirole-blue/wire"
	"github.com/user/multirole-blue/wire/advertising"
)

// Entry is one discovered peer
type Entry struct {
	Addr     bluetooth.MAC
	AddrType wire.AddrType
	RSSI     int8
	Name     string
}

func (e Entry) String() string {
	if e.Name != "" {
		return fmt.Sprintf("%s (%s) %q %d dBm", e.Addr.String(), e.AddrType, e.Name, e.RSSI)
	}
	return fmt.Sprintf("%s (%s) %d dBm", e.Addr.String(), e.AddrType, e.RSSI)
}

// List holds at most limit peers advertising the filter service, in the order
// they were first seen. Reports from peers already listed are dropped, as are
// new peers once the list is full.
type List struct {
	cache  *lru.Cache[bluetooth.MAC, Entry]
	limit  int
	filter uint16
}

// New creates a list of at most limit entries accepting peers that advertise
// the 16-bit service serviceUUID
func New(limit int, serviceUUID uint16) (*List, error) {
	cache, err := lru.New[bluetooth.MAC, Entry](limit)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return &List{cache: cache, limit: limit, filter: serviceUUID}, nil
}

// Add offers an advertising report and reports whether it was added
func (l *List) Add(r wire.AdvReport) bool {
	if !advertising.HasService16(r.Data, l.filter) {
		return false
	}
	if l.cache.Contains(r.Addr) || l.cache.Len() >= l.limit {
		return false
	}

	e := Entry{Addr: r.Addr, AddrType: r.AddrType, RSSI: r.RSSI}
	if ads, err := advertising.DecodeADStructures(r.Data); err == nil {
		e.Name = advertising.GetLocalName(ads)
	}
	l.cache.Add(r.Addr, e)
	return true
}

// Entries returns the listed peers in discovery order
func (l *List) Entries() []Entry {
	keys := l.cache.Keys()
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		if e, ok := l.cache.Peek(k); ok {
			out = append(out, e)
		}
	}
	return out
}

// At returns the peer at a discovery-order index
func (l *List) At(index int) (Entry, bool) {
	entries := l.Entries()
	if index < 0 || index >= len(entries) {
		return Entry{}, false
	}
	return entries[index], true
}

// Len returns the number of listed peers
func (l *List) Len() int {
	return l.cache.Len()
}

// Clear empties the list before a new scan
func (l *List) Clear() {
	l.cache.Purge()
}
