package wire

import (
	"errors"

	"tinygo.org/x/bluetooth"

	"github.com/user/multirole-blue/wire/gatt"
	"github.com/user/multirole-blue/wire/hci"
	"github.com/user/multirole-blue/wire/l2cap"
)

// ErrAlreadyInRequestedMode is returned by UpdateLinkParams while another
// parameter update is still in flight
var ErrAlreadyInRequestedMode = errors.New("wire: already in requested mode")

// ErrUnknownConnection is returned for commands on a handle the stack does not know
var ErrUnknownConnection = errors.New("wire: unknown connection")

// Linker creates and tears down links
type Linker interface {
	Connect(addr bluetooth.MAC, addrType AddrType, initPHY uint8) error
	CancelConnect() error
	TerminateLink(conn uint16, reason hci.Status) error
	RegisterConnEvents(conn uint16) error
	UnregisterConnEvents(conn uint16) error
}

// GATTClient runs client procedures against a peer's server. Responses arrive
// asynchronously through the Sink.
type GATTClient interface {
	ExchangeMTU(conn uint16, clientMTU uint16) error
	DiscoverPrimaryServiceByUUID(conn uint16, uuid bluetooth.UUID) error
	DiscoverCharsByUUID(conn uint16, rng gatt.HandleRange, uuid bluetooth.UUID) error
	ReadCharValue(conn uint16, handle uint16) error
	WriteCharValue(conn uint16, handle uint16, value []byte) error
	SendServiceChanged(conn uint16) error
}

// PHYController changes and measures the radio PHY
type PHYController interface {
	SetPHY(conn uint16, allPHYs, txPHYs, rxPHYs uint8, opts hci.PHYOption) error
	ReadRSSI(conn uint16) error
	SetScanPHY(phys uint8) error
	SetAdvPHY(primary hci.PHY, legacy bool) error
}

// ParamUpdater negotiates connection parameters
type ParamUpdater interface {
	UpdateLinkParams(conn uint16, params l2cap.ConnectionParameters) error
	ReplyLinkParamRequest(conn uint16, identifier uint8, accept bool, params l2cap.ConnectionParameters) error
}

// Scanner discovers advertisers
type Scanner interface {
	StartScan() error
	StopScan() error
}

// Advertiser controls the local advertising set
type Advertiser interface {
	SetAdvertisingData(data []byte) error
	SetAdvertising(enable bool) error
}

// Security answers pairing prompts and exposes the local private address
type Security interface {
	PasscodeReply(conn uint16, status hci.Status, passcode uint32) error
	ReadLocalRPA() (bluetooth.MAC, error)
}

// Resetter drives the controller side of an in-place image update
type Resetter interface {
	RegisterFlowControl() error
	SystemReset() error
}

// Stack is the complete capability set the link manager needs from the radio stack
type Stack interface {
	Linker
	GATTClient
	PHYController
	ParamUpdater
	Scanner
	Advertiser
	Security
	Resetter
}
