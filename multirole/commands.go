package multirole

import (
	"context"
	"fmt"

	"tinygo.org/x/bluetooth"

	"github.com/user/multirole-blue/conntable"
	"github.com/user/multirole-blue/oadreset"
	"github.com/user/multirole-blue/phy"
	"github.com/user/multirole-blue/scan"
	"github.com/user/multirole-blue/wire"
	"github.com/user/multirole-blue/wire/hci"
	"github.com/user/multirole-blue/wire/l2cap"
)

// WriteValues are the values the operator cycles through with GattWrite
var WriteValues = []byte{0x00, 0x55, 0xAA, 0xFF}

// maskAddrTypeID folds identity address types onto public/random
const maskAddrTypeID = 0x01

// AdvPHY selects the advertising PHY
type AdvPHY uint8

const (
	AdvLegacy1M AdvPHY = iota
	AdvExt1M
	AdvExtCoded
)

func (p AdvPHY) String() string {
	switch p {
	case AdvLegacy1M:
		return "legacy-1m"
	case AdvExt1M:
		return "ext-1m"
	case AdvExtCoded:
		return "ext-coded"
	default:
		return fmt.Sprintf("adv-phy(%d)", uint8(p))
	}
}

// Discover clears the scan results and starts a new scan
func (c *Controller) Discover(ctx context.Context) error {
	return c.exec(ctx, "discover", func() error {
		c.scanList.Clear()
		c.metrics.ScanResults.Set(0)
		return c.stack.StartScan()
	})
}

// StopDiscovering ends a running scan
func (c *Controller) StopDiscovering(ctx context.Context) error {
	return c.exec(ctx, "stop discovering", func() error {
		return c.stack.StopScan()
	})
}

// Connect opens a central link to the scan result at index. Advertising is
// paused while the connect command is issued.
func (c *Controller) Connect(ctx context.Context, index int) error {
	return c.exec(ctx, "connect", func() error {
		entry, ok := c.scanList.At(index)
		if !ok {
			return fmt.Errorf("%w: %d", ErrNoSuchPeer, index)
		}
		if c.table.Full() {
			return ErrConnectionLimit
		}

		wasAdvertising := c.advertising
		if wasAdvertising {
			if err := c.stack.SetAdvertising(false); err != nil {
				return err
			}
		}
		err := c.stack.Connect(entry.Addr, entry.AddrType&maskAddrTypeID, c.initPHY)
		if err == nil {
			c.connecting = true
		}
		if wasAdvertising {
			if aerr := c.stack.SetAdvertising(true); aerr != nil && err == nil {
				err = aerr
			}
		}
		return err
	})
}

// CancelConnect abandons a pending connect
func (c *Controller) CancelConnect(ctx context.Context) error {
	return c.exec(ctx, "cancel connect", func() error {
		return c.stack.CancelConnect()
	})
}

// SelectConn makes the link in table slot index the target of per-link
// commands and starts discovery on it when its characteristic is unknown
func (c *Controller) SelectConn(ctx context.Context, index int) error {
	return c.exec(ctx, "select", func() error {
		rec, ok := c.table.At(index)
		if !ok {
			return fmt.Errorf("%w: %d", ErrNoSuchConnection, index)
		}
		c.selected = rec.Handle
		if rec.CharHandle == 0 {
			return c.Post(wire.TagSvcDisc, nil, nil)
		}
		return nil
	})
}

func (c *Controller) selectedRecord() (*conntable.Record, error) {
	if c.selected == wire.InvalidConnHandle {
		return nil, ErrNoSelection
	}
	rec, ok := c.table.Get(c.selected)
	if !ok {
		return nil, ErrNoSelection
	}
	return rec, nil
}

func (c *Controller) discoveredRecord() (*conntable.Record, error) {
	rec, err := c.selectedRecord()
	if err != nil {
		return nil, err
	}
	if rec.CharHandle == 0 {
		return nil, ErrNotDiscovered
	}
	return rec, nil
}

// GattRead reads the discovered characteristic of the selected link
func (c *Controller) GattRead(ctx context.Context) error {
	return c.exec(ctx, "gatt read", func() error {
		rec, err := c.discoveredRecord()
		if err != nil {
			return err
		}
		return c.stack.ReadCharValue(rec.Handle, rec.CharHandle)
	})
}

// GattWrite writes value to the discovered characteristic of the selected link
func (c *Controller) GattWrite(ctx context.Context, value byte) error {
	return c.exec(ctx, "gatt write", func() error {
		rec, err := c.discoveredRecord()
		if err != nil {
			return err
		}
		c.lastWrite = value
		return c.stack.WriteCharValue(rec.Handle, rec.CharHandle, []byte{value})
	})
}

// ConnUpdate requests new parameters on the selected link, alternating the
// supervision timeout so every request changes something
func (c *Controller) ConnUpdate(ctx context.Context) error {
	return c.exec(ctx, "conn update", func() error {
		rec, err := c.selectedRecord()
		if err != nil {
			return err
		}
		params := l2cap.UpdateConnectionParameters()
		if rec.Params.SupervisionTimeout == params.SupervisionTimeout {
			params.SupervisionTimeout = l2cap.UpdateTimeoutAlternate
		}
		return c.stack.UpdateLinkParams(rec.Handle, params)
	})
}

// SetConnPHY applies a PHY preference to the selected link. PrefAuto turns on
// RSSI driven adaptation.
func (c *Controller) SetConnPHY(ctx context.Context, pref phy.Preference) error {
	return c.exec(ctx, "set conn phy", func() error {
		rec, err := c.selectedRecord()
		if err != nil {
			return err
		}

		if pref == phy.PrefAuto {
			if err := c.phy.Manual(rec.Handle, &rec.PHY, pref); err != nil {
				return err
			}
			return c.stack.RegisterConnEvents(rec.Handle)
		}

		wasAuto := rec.PHY.Auto
		if err := c.phy.Manual(rec.Handle, &rec.PHY, pref); err != nil {
			return err
		}
		// A pending update reset still needs the link's connection events
		waiting := c.reset.State() != oadreset.Idle && c.reset.Conn() == rec.Handle
		if wasAuto && !waiting {
			return c.stack.UnregisterConnEvents(rec.Handle)
		}
		return nil
	})
}

// SetInitPHY sets the PHYs used by subsequent connects
func (c *Controller) SetInitPHY(ctx context.Context, mask uint8) error {
	return c.exec(ctx, "set init phy", func() error {
		if mask == 0 || mask&^hci.MaskPHYAll != 0 {
			return fmt.Errorf("%w: initiating mask 0x%02X", ErrInvalidPHY, mask)
		}
		c.initPHY = mask
		return nil
	})
}

// SetScanPHY sets the primary scanning PHYs. Scanning is not possible on 2M.
func (c *Controller) SetScanPHY(ctx context.Context, mask uint8) error {
	return c.exec(ctx, "set scan phy", func() error {
		valid := hci.MaskPHY1M | hci.MaskPHYCoded
		if mask == 0 || mask&^valid != 0 {
			return fmt.Errorf("%w: scanning mask 0x%02X", ErrInvalidPHY, mask)
		}
		return c.stack.SetScanPHY(mask)
	})
}

// SetAdvPHY changes the advertising PHY, restarting advertising around the change
func (c *Controller) SetAdvPHY(ctx context.Context, p AdvPHY) error {
	return c.exec(ctx, "set adv phy", func() error {
		primary, legacy := hci.PHY1M, false
		switch p {
		case AdvLegacy1M:
			legacy = true
		case AdvExt1M:
		case AdvExtCoded:
			primary = hci.PHYCoded
		default:
			return fmt.Errorf("%w: %s", ErrInvalidPHY, p)
		}

		wasAdvertising := c.advertising
		if wasAdvertising {
			if err := c.stack.SetAdvertising(false); err != nil {
				return err
			}
		}
		if err := c.stack.SetAdvPHY(primary, legacy); err != nil {
			return err
		}
		if wasAdvertising {
			return c.stack.SetAdvertising(true)
		}
		return nil
	})
}

// Disconnect terminates the selected link
func (c *Controller) Disconnect(ctx context.Context) error {
	return c.exec(ctx, "disconnect", func() error {
		rec, err := c.selectedRecord()
		if err != nil {
			return err
		}
		return c.stack.TerminateLink(rec.Handle, hci.StatusRemoteUserTerminated)
	})
}

// Advertise toggles advertising. Enabling is refused while the table is full.
func (c *Controller) Advertise(ctx context.Context) error {
	return c.exec(ctx, "advertise", func() error {
		if c.advertising {
			return c.stack.SetAdvertising(false)
		}
		if c.table.Full() {
			return ErrConnectionLimit
		}
		return c.stack.SetAdvertising(true)
	})
}

// LinkStatus describes one active link
type LinkStatus struct {
	Index      int
	Handle     uint16
	Addr       bluetooth.MAC
	AddrType   wire.AddrType
	Role       wire.Role
	MTU        uint16
	CharHandle uint16
	Discovery  string
	PHY        hci.PHY
	AutoPHY    bool
	PHYFails   int
	RSSIAvg    int
	Params     l2cap.ConnectionParameters
}

// Status is a snapshot of the controller
type Status struct {
	Addr        bluetooth.MAC
	RPA         bluetooth.MAC
	Links       []LinkStatus
	MaxLinks    int
	ScanResults []scan.Entry
	Selected    uint16
	Advertising bool
	Scanning    bool
	Connecting  bool
	InitPHY     uint8
	Reset       oadreset.State
	ParamQueue  []uint16
	PHYPending  []uint16
	Profile     map[uint8][]byte
}

// Status takes a snapshot on the loop. Every event queued before the call is
// handled first.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.exec(ctx, "status", func() error {
		st = c.snapshot()
		return nil
	})
	return st, err
}

func (c *Controller) snapshot() Status {
	st := Status{
		Addr:        c.localAddr,
		RPA:         c.rpa,
		MaxLinks:    c.table.Cap(),
		ScanResults: c.scanList.Entries(),
		Selected:    c.selected,
		Advertising: c.advertising,
		Scanning:    c.scanning,
		Connecting:  c.connecting,
		InitPHY:     c.initPHY,
		Reset:       c.reset.State(),
		ParamQueue:  c.params.Queue().Handles(),
		PHYPending:  c.phy.Correlator().Handles(),
		Profile:     c.profile.Snapshot(),
	}
	for i := 0; i < c.table.Cap(); i++ {
		rec, ok := c.table.At(i)
		if !ok {
			continue
		}
		st.Links = append(st.Links, LinkStatus{
			Index:      i,
			Handle:     rec.Handle,
			Addr:       rec.Addr,
			AddrType:   rec.AddrType,
			Role:       rec.Role,
			MTU:        rec.MTU,
			CharHandle: rec.CharHandle,
			Discovery:  rec.Disc.State.String(),
			PHY:        rec.PHY.Current,
			AutoPHY:    rec.PHY.Auto,
			PHYFails:   rec.PHY.FailCount,
			RSSIAvg:    rec.PHY.Average,
			Params:     rec.Params,
		})
	}
	return st
}
