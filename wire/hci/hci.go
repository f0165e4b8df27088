// Package hci holds the HCI status codes, command opcodes and PHY encodings
// that the link manager exchanges with the controller.
package hci

import "fmt"

// Status is an HCI error code carried by command status, command complete
// and LE meta events.
type Status uint8

const (
	StatusSuccess                       Status = 0x00
	StatusUnknownConnection             Status = 0x02
	StatusMemoryCapacityExceeded        Status = 0x07
	StatusConnectionTimeout             Status = 0x08
	StatusCommandDisallowed             Status = 0x0C
	StatusRemoteUserTerminated          Status = 0x13
	StatusLocalHostTerminated           Status = 0x16
	StatusUnsupportedRemoteFeature      Status = 0x1A
	StatusInvalidLLParameters           Status = 0x1E
	StatusLLResponseTimeout             Status = 0x22
	StatusLLProcedureCollision          Status = 0x23
	StatusDifferentTransactionCollision Status = 0x2A
)

var statusNames = map[Status]string{
	StatusSuccess:                       "Success",
	StatusUnknownConnection:             "Unknown Connection Identifier",
	StatusMemoryCapacityExceeded:        "Memory Capacity Exceeded",
	StatusConnectionTimeout:             "Connection Timeout",
	StatusCommandDisallowed:             "Command Disallowed",
	StatusRemoteUserTerminated:          "Remote User Terminated Connection",
	StatusLocalHostTerminated:           "Connection Terminated By Local Host",
	StatusUnsupportedRemoteFeature:      "Unsupported Remote Feature",
	StatusInvalidLLParameters:           "Invalid LL Parameters",
	StatusLLResponseTimeout:             "LL Response Timeout",
	StatusLLProcedureCollision:          "LL Procedure Collision",
	StatusDifferentTransactionCollision: "Different Transaction Collision",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(0x%02X)", uint8(s))
}

// Opcode is a packed OGF/OCF command opcode.
type Opcode uint16

const (
	ogfLinkCtl     = 0x01
	ogfStatusParam = 0x05
	ogfLECtrl      = 0x08
	ogfCommandPos  = 10
)

const (
	OpDisconnect                   Opcode = ogfLinkCtl<<ogfCommandPos | 0x0006
	OpReadRSSI                     Opcode = ogfStatusParam<<ogfCommandPos | 0x0005
	OpLEConnUpdate                 Opcode = ogfLECtrl<<ogfCommandPos | 0x0013
	OpLEReadLocalResolvableAddress Opcode = ogfLECtrl<<ogfCommandPos | 0x002C
	OpLEReadPHY                    Opcode = ogfLECtrl<<ogfCommandPos | 0x0030
	OpLESetDefaultPHY              Opcode = ogfLECtrl<<ogfCommandPos | 0x0031
	OpLESetPHY                     Opcode = ogfLECtrl<<ogfCommandPos | 0x0032
)

func (o Opcode) String() string {
	switch o {
	case OpDisconnect:
		return "Disconnect"
	case OpReadRSSI:
		return "Read RSSI"
	case OpLEConnUpdate:
		return "LE Connection Update"
	case OpLEReadLocalResolvableAddress:
		return "LE Read Local Resolvable Address"
	case OpLEReadPHY:
		return "LE Read PHY"
	case OpLESetDefaultPHY:
		return "LE Set Default PHY"
	case OpLESetPHY:
		return "LE Set PHY"
	default:
		return fmt.Sprintf("Opcode(0x%04X)", uint16(o))
	}
}

// PHY is the PHY value reported by the LE PHY Update Complete event.
type PHY uint8

const (
	PHYNone  PHY = 0x00
	PHY1M    PHY = 0x01
	PHY2M    PHY = 0x02
	PHYCoded PHY = 0x03
)

func (p PHY) String() string {
	switch p {
	case PHY1M:
		return "1M"
	case PHY2M:
		return "2M"
	case PHYCoded:
		return "Coded"
	default:
		return "None"
	}
}

// Mask returns the preference bit used by LE Set PHY for this PHY.
func (p PHY) Mask() uint8 {
	switch p {
	case PHY1M:
		return MaskPHY1M
	case PHY2M:
		return MaskPHY2M
	case PHYCoded:
		return MaskPHYCoded
	default:
		return 0
	}
}

// PHY preference bits for LE Set PHY / LE Set Default PHY.
const (
	MaskPHY1M    uint8 = 0x01
	MaskPHY2M    uint8 = 0x02
	MaskPHYCoded uint8 = 0x04
	MaskPHYAll   uint8 = MaskPHY1M | MaskPHY2M | MaskPHYCoded
)

// AllPHYs bits for LE Set PHY.
const (
	AllPHYsNoTxPreference uint8 = 0x01
	AllPHYsNoRxPreference uint8 = 0x02
)

// PHYOption selects the coding used on the Coded PHY.
type PHYOption uint16

const (
	PHYOptionNone PHYOption = 0x0000
	PHYOptionS2   PHYOption = 0x0001
	PHYOptionS8   PHYOption = 0x0002
)
