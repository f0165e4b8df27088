package wire

import (
	"errors"
	"fmt"

	"tinygo.org/x/bluetooth"

	"github.com/user/multirole-blue/wire/gatt"
	"github.com/user/multirole-blue/wire/hci"
	"github.com/user/multirole-blue/wire/l2cap"
)

// Event is anything the stack or the application delivers to the link manager
type Event interface {
	Kind() string
}

// ErrQueueFull is returned by a Sink when the target queue has no room
var ErrQueueFull = errors.New("wire: queue full")

// Sink accepts events from the stack and application producers. Both methods
// are safe to call from any goroutine and never block. On error the release
// function has already been called.
type Sink interface {
	Deliver(ev Event, release func()) error
	Post(tag AppTag, payload any, release func()) error
}

// Envelope carries one queued event together with the function that releases
// its payload
type Envelope struct {
	Event   Event
	release func()
}

// NewEnvelope wraps an event. release may be nil.
func NewEnvelope(ev Event, release func()) *Envelope {
	return &Envelope{Event: ev, release: release}
}

// Release frees the payload; calling it again is a no-op
func (e *Envelope) Release() {
	if e.release == nil {
		return
	}
	r := e.release
	e.release = nil
	r()
}

// ---- device and link lifecycle ----

// DeviceInitDone reports the local identity once the stack is ready
type DeviceInitDone struct {
	Addr       bluetooth.MAC
	MaxPDUSize uint16
}

// LinkEstablished reports a new connection in either role
type LinkEstablished struct {
	Conn     uint16
	Addr     bluetooth.MAC
	AddrType AddrType
	Role     Role
	Params   l2cap.ConnectionParameters
	PHY      hci.PHY
	Status   hci.Status
}

// LinkTerminated reports a closed connection
type LinkTerminated struct {
	Conn   uint16
	Reason hci.Status
}

// ConnectingCancelled reports that a pending connect was abandoned
type ConnectingCancelled struct{}

// ---- GATT client responses ----

// MTUExchanged is the peer's answer to an MTU exchange
type MTUExchanged struct {
	Conn      uint16
	ServerMTU uint16
}

// MTUUpdated reports the effective MTU of a link
type MTUUpdated struct {
	Conn uint16
	MTU  uint16
}

// ServiceFound carries handle ranges from a primary service discovery.
// Complete is set on the final response of the procedure.
type ServiceFound struct {
	Conn     uint16
	Ranges   []gatt.HandleRange
	Complete bool
}

// CharacteristicsFound carries attribute data entries from a characteristic
// discovery
type CharacteristicsFound struct {
	Conn     uint16
	Entries  [][]byte
	Complete bool
}

// ATTError is an Error Response from the peer's server
type ATTError struct {
	Conn          uint16
	RequestOpcode uint8
	Handle        uint16
	Code          uint8
}

// ReadResponse carries a characteristic value read from the peer
type ReadResponse struct {
	Conn   uint16
	Handle uint16
	Value  []byte
}

// WriteResponse acknowledges a characteristic write
type WriteResponse struct {
	Conn   uint16
	Handle uint16
}

// ---- controller events ----

// CommandStatus reports the controller's acceptance of a command
type CommandStatus struct {
	Opcode hci.Opcode
	Status hci.Status
}

// RSSIRead answers a read-RSSI command
type RSSIRead struct {
	Conn   uint16
	Status hci.Status
	RSSI   int8
}

// PHYUpdateComplete reports the outcome of a PHY change on a link
type PHYUpdateComplete struct {
	Conn   uint16
	Status hci.Status
	TxPHY  hci.PHY
	RxPHY  hci.PHY
}

// ---- L2CAP signaling ----

// ParamUpdateComplete reports the end of a connection parameter update,
// successful or not
type ParamUpdateComplete struct {
	Conn   uint16
	Status hci.Status
	Params l2cap.ConnectionParameters
}

// PeerParamRequest is a parameter update requested by the peer
type PeerParamRequest struct {
	Conn       uint16
	Identifier uint8
	Params     l2cap.ConnectionParameters
}

// FlowControlCredits reports how many data packets the controller still holds
type FlowControlCredits struct {
	NumDataPkt int
}

func (DeviceInitDone) Kind() string       { return "device_init_done" }
func (LinkEstablished) Kind() string      { return "link_established" }
func (LinkTerminated) Kind() string       { return "link_terminated" }
func (ConnectingCancelled) Kind() string  { return "connecting_cancelled" }
func (MTUExchanged) Kind() string         { return "mtu_exchanged" }
func (MTUUpdated) Kind() string           { return "mtu_updated" }
func (ServiceFound) Kind() string         { return "service_found" }
func (CharacteristicsFound) Kind() string { return "characteristics_found" }
func (ATTError) Kind() string             { return "att_error" }
func (ReadResponse) Kind() string         { return "read_response" }
func (WriteResponse) Kind() string        { return "write_response" }
func (CommandStatus) Kind() string        { return "command_status" }
func (RSSIRead) Kind() string             { return "rssi_read" }
func (PHYUpdateComplete) Kind() string    { return "phy_update_complete" }
func (ParamUpdateComplete) Kind() string  { return "param_update_complete" }
func (PeerParamRequest) Kind() string     { return "peer_param_request" }
func (FlowControlCredits) Kind() string   { return "flow_control_credits" }

// ---- application queue ----

// AppTag identifies an application-level event
type AppTag uint8

const (
	TagCharChange AppTag = iota + 1
	TagKeyChange
	TagAdvReport
	TagScanEnabled
	TagScanDisabled
	TagSvcDisc
	TagAdv
	TagPairingState
	TagPasscodeNeeded
	TagSendParamUpdate
	TagPeriodic
	TagReadRPA
	TagInsufficientMem
	TagConnEvt
	TagOADReset
)

var appTagNames = map[AppTag]string{
	TagCharChange:      "char_change",
	TagKeyChange:       "key_change",
	TagAdvReport:       "adv_report",
	TagScanEnabled:     "scan_enabled",
	TagScanDisabled:    "scan_disabled",
	TagSvcDisc:         "svc_disc",
	TagAdv:             "adv",
	TagPairingState:    "pairing_state",
	TagPasscodeNeeded:  "passcode_needed",
	TagSendParamUpdate: "send_param_update",
	TagPeriodic:        "periodic",
	TagReadRPA:         "read_rpa",
	TagInsufficientMem: "insufficient_mem",
	TagConnEvt:         "conn_evt",
	TagOADReset:        "oad_reset",
}

func (t AppTag) String() string {
	if name, ok := appTagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

// AppMessage is the event type of every envelope on the application queue
type AppMessage struct {
	Tag     AppTag
	Payload any
}

func (m AppMessage) Kind() string { return m.Tag.String() }

// AdvReport is one advertising report from the scanner
type AdvReport struct {
	Addr     bluetooth.MAC
	AddrType AddrType
	RSSI     int8
	Data     []byte
}

// ConnEventReport is posted after every connection event on a registered link
type ConnEventReport struct {
	Conn    uint16
	Status  hci.Status
	Channel uint8
	PHY     hci.PHY
	RSSI    int8
}

// PairState is a step of the pairing procedure
type PairState uint8

const (
	PairingStarted PairState = iota + 1
	PairingComplete
	PairingEncrypted
	PairingBondSaved
)

func (s PairState) String() string {
	switch s {
	case PairingStarted:
		return "started"
	case PairingComplete:
		return "complete"
	case PairingEncrypted:
		return "encrypted"
	case PairingBondSaved:
		return "bond_saved"
	default:
		return fmt.Sprintf("pair_state(%d)", uint8(s))
	}
}

// PairingStatus reports a pairing state change. IDAddr is set when the peer
// revealed its identity address during pairing.
type PairingStatus struct {
	Conn   uint16
	State  PairState
	Status hci.Status
	IDAddr *bluetooth.MAC
}

// PasscodeRequest asks the application for a passcode
type PasscodeRequest struct {
	Conn      uint16
	UIOutputs bool
}

// ParamUpdateDue reports that a link's parameter update delay expired. Arm
// identifies the timer that fired so a message outliving its link is not
// applied to a new link reusing the handle.
type ParamUpdateDue struct {
	Conn uint16
	Arm  uint64
}

// CharChange reports that a peer wrote one of the local profile values
type CharChange struct {
	ParamID uint8
}

// KeyChange reports button state
type KeyChange struct {
	Keys uint8
}

// Key bits in KeyChange
const (
	KeyLeft  uint8 = 0x01
	KeyRight uint8 = 0x02
)

// AdvEventKind enumerates advertising set events
type AdvEventKind uint8

const (
	AdvStartAfterEnable AdvEventKind = iota + 1
	AdvEndAfterDisable
	AdvSetTerminated
)

// AdvEvent reports an advertising set state change
type AdvEvent struct {
	Kind      AdvEventKind
	SetHandle uint8
	Conn      uint16 // set on AdvSetTerminated
}

// ScanSummary is posted when a scan ends
type ScanSummary struct {
	NumReports int
}

// OADResetWrite is posted when a peer writes the image reset characteristic
type OADResetWrite struct {
	Conn   uint16
	BIMVar uint16
}
