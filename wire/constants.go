package wire

import "fmt"

// Role is the GAP role this device plays on a specific link
type Role uint8

const (
	RoleCentral    Role = 0x08 // We initiated the connection
	RolePeripheral Role = 0x04 // The peer initiated the connection
)

func (r Role) String() string {
	switch r {
	case RoleCentral:
		return "central"
	case RolePeripheral:
		return "peripheral"
	default:
		return fmt.Sprintf("role(0x%02X)", uint8(r))
	}
}

// AddrType is the type tag that accompanies a peer address
type AddrType uint8

const (
	AddrTypePublic      AddrType = 0x00
	AddrTypeRandom      AddrType = 0x01
	AddrTypePublicID    AddrType = 0x02
	AddrTypeRandomID    AddrType = 0x03
	AddrTypeRandomNoRPA AddrType = 0xFE
	AddrTypeNone        AddrType = 0xFF
)

func (t AddrType) String() string {
	switch t {
	case AddrTypePublic:
		return "public"
	case AddrTypeRandom:
		return "random"
	case AddrTypePublicID:
		return "public-id"
	case AddrTypeRandomID:
		return "random-id"
	case AddrTypeRandomNoRPA:
		return "random-no-rpa"
	default:
		return "none"
	}
}

const (
	// InvalidConnHandle marks an unused connection slot
	InvalidConnHandle uint16 = 0xFFFF

	// MTU limits
	DefaultMTU = 23  // BLE 4.0 default: 23 bytes total, 20 bytes data + 3 byte header
	MaxMTU     = 517 // Largest ATT_MTU a client may request

	// L2CAPHeaderSize is subtracted from the controller PDU size to get the ATT MTU
	L2CAPHeaderSize = 4

	// DefaultMaxPDUSize is reported by the simulated controller at init
	DefaultMaxPDUSize = 255
)
