package gatt

import (
	"bytes"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/user/multirole-blue/wire/att"
)

// Declaration types (16-bit, little-endian)
var (
	UUIDPrimaryService   = []byte{0x00, 0x28} // 0x2800
	UUIDCharacteristic   = []byte{0x03, 0x28} // 0x2803
	UUIDClientCharConfig = []byte{0x02, 0x29} // 0x2902
)

// Characteristic properties
const (
	PropRead                 = 0x02
	PropWriteWithoutResponse = 0x04
	PropWrite                = 0x08
	PropNotify               = 0x10
	PropIndicate             = 0x20
)

const (
	permRead  = 0x01
	permWrite = 0x02
)

// Attribute is one row of a server's attribute table
type Attribute struct {
	Handle      uint16
	Type        []byte
	Value       []byte
	Permissions uint8
}

// Service is a primary service definition handed to Database.AddService
type Service struct {
	UUID            []byte
	Characteristics []Characteristic
}

// Characteristic is a characteristic definition inside a Service
type Characteristic struct {
	UUID       []byte
	Properties uint8
	Value      []byte
}

// ServiceHandles reports where a service landed in the table
type ServiceHandles struct {
	Range        HandleRange
	ValueHandles map[string]uint16 // hex UUID -> value handle
}

// Database is an attribute table as held by a simulated peer server.
// Handles are assigned sequentially from 0x0001.
type Database struct {
	mu         sync.RWMutex
	attributes map[uint16]*Attribute
	services   []HandleRange
	nextHandle uint16
}

// NewDatabase creates an empty attribute table
func NewDatabase() *Database {
	return &Database{
		attributes: make(map[uint16]*Attribute),
		nextHandle: 0x0001,
	}
}

// BuildDatabase adds every service in order and returns the table
func BuildDatabase(services ...Service) (*Database, []ServiceHandles) {
	db := NewDatabase()
	infos := make([]ServiceHandles, 0, len(services))
	for _, svc := range services {
		infos = append(infos, db.AddService(svc))
	}
	return db, infos
}

func (db *Database) add(attrType, value []byte, perms uint8) uint16 {
	h := db.nextHandle
	db.nextHandle++
	db.attributes[h] = &Attribute{
		Handle:      h,
		Type:        append([]byte{}, attrType...),
		Value:       append([]byte{}, value...),
		Permissions: perms,
	}
	return h
}

// AddService appends a primary service declaration followed by its characteristics.
// Characteristics that notify or indicate get a client configuration descriptor.
func (db *Database) AddService(svc Service) ServiceHandles {
	db.mu.Lock()
	defer db.mu.Unlock()

	info := ServiceHandles{ValueHandles: make(map[string]uint16)}
	start := db.add(UUIDPrimaryService, svc.UUID, permRead)

	for _, char := range svc.Characteristics {
		// Declaration value: [Properties: 1][Value Handle: 2][UUID]
		decl := make([]byte, 3+len(char.UUID))
		decl[0] = char.Properties
		binary.LittleEndian.PutUint16(decl[1:3], db.nextHandle+1)
		copy(decl[3:], char.UUID)
		db.add(UUIDCharacteristic, decl, permRead)

		valueHandle := db.add(char.UUID, char.Value, permissionsFor(char.Properties))
		info.ValueHandles[uuidKey(char.UUID)] = valueHandle

		if char.Properties&(PropNotify|PropIndicate) != 0 {
			db.add(UUIDClientCharConfig, []byte{0x00, 0x00}, permRead|permWrite)
		}
	}

	info.Range = HandleRange{Start: start, End: db.nextHandle - 1}
	db.services = append(db.services, info.Range)
	return info
}

// Read returns a copy of an attribute value
func (db *Database) Read(handle uint16) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	attr, ok := db.attributes[handle]
	if !ok {
		return nil, att.NewError(att.ErrInvalidHandle, att.OpReadRequest, handle)
	}
	if attr.Permissions&permRead == 0 {
		return nil, att.NewError(att.ErrReadNotPermitted, att.OpReadRequest, handle)
	}
	return append([]byte{}, attr.Value...), nil
}

// Write replaces an attribute value
func (db *Database) Write(handle uint16, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	attr, ok := db.attributes[handle]
	if !ok {
		return att.NewError(att.ErrInvalidHandle, att.OpWriteRequest, handle)
	}
	if attr.Permissions&permWrite == 0 {
		return att.NewError(att.ErrWriteNotPermitted, att.OpWriteRequest, handle)
	}
	attr.Value = append([]byte{}, value...)
	return nil
}

// FindServices returns the handle ranges of primary services with the given UUID,
// in handle order. This is the server side of Find By Type Value.
func (db *Database) FindServices(serviceUUID []byte) []HandleRange {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var found []HandleRange
	for _, rng := range db.services {
		if bytes.Equal(db.attributes[rng.Start].Value, serviceUUID) {
			found = append(found, rng)
		}
	}
	return found
}

// Characteristics returns Read By Type attribute data entries for the
// characteristic declarations inside rng whose UUID matches charUUID.
// Each entry is [Handle: 2][Properties: 1][Value Handle: 2][UUID].
func (db *Database) Characteristics(rng HandleRange, charUUID []byte) [][]byte {
	db.mu.RLock()
	defer db.mu.RUnlock()

	handles := make([]uint16, 0, len(db.attributes))
	for h := range db.attributes {
		if rng.Contains(h) {
			handles = append(handles, h)
		}
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	var entries [][]byte
	for _, h := range handles {
		attr := db.attributes[h]
		if !bytes.Equal(attr.Type, UUIDCharacteristic) || len(attr.Value) < 3 {
			continue
		}
		if !bytes.Equal(attr.Value[3:], charUUID) {
			continue
		}
		entry := make([]byte, 2+len(attr.Value))
		binary.LittleEndian.PutUint16(entry[0:2], h)
		copy(entry[2:], attr.Value)
		entries = append(entries, entry)
	}
	return entries
}

// Count returns the number of attributes
func (db *Database) Count() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.attributes)
}

func permissionsFor(props uint8) uint8 {
	var perms uint8
	if props&PropRead != 0 {
		perms |= permRead
	}
	if props&(PropWrite|PropWriteWithoutResponse) != 0 {
		perms |= permWrite
	}
	return perms
}

// UUID16 encodes a 16-bit UUID in little-endian order
func UUID16(val uint16) []byte {
	return []byte{byte(val), byte(val >> 8)}
}

func uuidKey(uuid []byte) string {
	const hex = "0123456789abcdef"
	out := make([]byte, 0, len(uuid)*2)
	for _, b := range uuid {
		out = append(out, hex[b>>4], hex[b&0x0F])
	}
	return string(out)
}

// ValueHandleOf returns the value handle assigned to a characteristic UUID
func (s ServiceHandles) ValueHandleOf(charUUID []byte) (uint16, bool) {
	h, ok := s.ValueHandles[uuidKey(charUUID)]
	return h, ok
}

// NewGenericAttributeService returns the Generic Attribute service with its
// Service Changed characteristic
func NewGenericAttributeService() Service {
	return Service{
		UUID: UUID16(0x1801),
		Characteristics: []Characteristic{
			{UUID: UUID16(0x2A05), Properties: PropIndicate, Value: []byte{0x01, 0x00, 0xFF, 0xFF}},
		},
	}
}

// NewProfileService returns a service with a single read/write characteristic,
// the shape the link manager discovers on its peers
func NewProfileService(serviceUUID, charUUID uint16, initial []byte) Service {
	return Service{
		UUID: UUID16(serviceUUID),
		Characteristics: []Characteristic{
			{UUID: UUID16(charUUID), Properties: PropRead | PropWrite, Value: initial},
		},
	}
}
