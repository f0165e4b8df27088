// Package oadreset coordinates the device reset that activates a newly
// downloaded firmware image.
//
// The reset cannot happen as soon as the peer enables the image: the
// acknowledgment and anything else already queued must leave the radio first.
// The first flow-control report after the enable write tells how many PDUs are
// still queued in the controller. One PDU leaves per connection event, so the
// coordinator counts connection events down to zero, persists the
// service-changed flag and resets.
package oadreset

import (
	"context"
	"errors"
	"fmt"

	"github.com/user/multirole-blue/imgstore"
	"github.com/user/multirole-blue/logger"
	"github.com/user/multirole-blue/nvstore"
)

// State is the coordinator state
type State uint8

const (
	Idle State = iota
	AwaitingDrain
	ResetIssued
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingDrain:
		return "awaiting-drain"
	case ResetIssued:
		return "reset-issued"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Device is the part of the stack the coordinator drives
type Device interface {
	RegisterFlowControl() error
	RegisterConnEvents(conn uint16) error
	SystemReset() error
}

// Coordinator tracks the reset handshake
type Coordinator struct {
	dev       Device
	nv        nvstore.Store
	img       imgstore.Store
	maxNumPDU int
	prefix    string

	state        State
	pending      int
	conn         uint16
	resetWritten bool
	flowSeen     bool

	serviceChanged bool
}

// New creates a coordinator. maxNumPDU is the controller's outbound PDU
// buffer count.
func New(dev Device, nv nvstore.Store, img imgstore.Store, maxNumPDU int, prefix string) *Coordinator {
	return &Coordinator{
		dev:       dev,
		nv:        nv,
		img:       img,
		maxNumPDU: maxNumPDU,
		prefix:    fmt.Sprintf("%s OADReset", prefix),
	}
}

// Boot reads the service-changed flag left by the previous reset. On first
// boot the flag does not exist yet and is initialized to false.
func (c *Coordinator) Boot(ctx context.Context) error {
	v, err := nvstore.ReadFlag(ctx, c.nv, nvstore.ServiceChangedKey)
	switch {
	case err == nil:
		c.serviceChanged = v
		if v {
			logger.Info(c.prefix, "service changed indication pending from previous boot")
		}
		return nil
	case errors.Is(err, nvstore.ErrNotFound):
		c.serviceChanged = false
		if err := nvstore.WriteFlag(ctx, c.nv, nvstore.ServiceChangedKey, false); err != nil {
			return fmt.Errorf("oadreset: initialize flag: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("oadreset: read flag: %w", err)
	}
}

// ServiceChangedPending reports whether peers must be told the database changed
func (c *Coordinator) ServiceChangedPending() bool {
	return c.serviceChanged
}

// ServiceChangedSent clears the flag once the indication went out
func (c *Coordinator) ServiceChangedSent(ctx context.Context) error {
	if !c.serviceChanged {
		return nil
	}
	c.serviceChanged = false
	return nvstore.WriteFlag(ctx, c.nv, nvstore.ServiceChangedKey, false)
}

// OnResetWrite handles the peer's image enable write. It subscribes to
// flow-control reports and marks the image header valid for the boot loader.
func (c *Coordinator) OnResetWrite(conn uint16, bimVar uint16) error {
	if c.state != Idle {
		logger.Debug(c.prefix, "reset write on conn=%d ignored in %s", conn, c.state)
		return nil
	}

	if err := c.dev.RegisterFlowControl(); err != nil {
		return fmt.Errorf("oadreset: register flow control: %w", err)
	}
	c.conn = conn
	c.resetWritten = true
	logger.Info(c.prefix, "image enabled by conn=%d (bim 0x%04X)", conn, bimVar)

	if err := c.img.Open(); err != nil {
		logger.Warn(c.prefix, "image header not updated: %v", err)
		return nil
	}
	hdr, err := c.img.ReadHeader()
	if err != nil {
		logger.Warn(c.prefix, "image header not updated: %v", err)
		return nil
	}
	if hdr.Validation != 0 && imgstore.EvenBitCount(hdr.Validation) {
		if err := c.img.WriteValidation(hdr.Validation << 1); err != nil {
			return fmt.Errorf("oadreset: %w", err)
		}
		logger.Debug(c.prefix, "validation 0x%08X -> 0x%08X", hdr.Validation, hdr.Validation<<1)
	}
	return nil
}

// OnFlowControl takes the queued PDU count from the first flow-control
// report after the enable write and starts counting connection events.
func (c *Coordinator) OnFlowControl(numDataPkt int) error {
	if !c.resetWritten || c.flowSeen {
		return nil
	}
	c.flowSeen = true

	c.pending = c.maxNumPDU - numDataPkt
	if c.pending < 0 {
		c.pending = 0
	}
	if err := c.dev.RegisterConnEvents(c.conn); err != nil {
		return fmt.Errorf("oadreset: register connection events: %w", err)
	}
	c.state = AwaitingDrain
	logger.Info(c.prefix, "waiting for %d queued PDUs on conn=%d", c.pending, c.conn)
	return nil
}

// OnConnEvent consumes a connection event while a reset is pending. It
// returns false when no reset is in progress and the event is free for other
// uses.
func (c *Coordinator) OnConnEvent(ctx context.Context, conn uint16) bool {
	switch c.state {
	case AwaitingDrain:
		if c.pending > 0 {
			c.pending--
			logger.Trace(c.prefix, "conn event on %d, %d PDUs left", conn, c.pending)
			return true
		}

		c.serviceChanged = true
		if err := nvstore.WriteFlag(ctx, c.nv, nvstore.ServiceChangedKey, true); err != nil {
			logger.Error(c.prefix, "NV write failed: %v", err)
		}
		if err := c.img.Close(); err != nil {
			logger.Warn(c.prefix, "image close: %v", err)
		}
		c.state = ResetIssued
		logger.Info(c.prefix, "queue drained, resetting")
		if err := c.dev.SystemReset(); err != nil {
			logger.Error(c.prefix, "reset failed: %v", err)
		}
		return true
	case ResetIssued:
		return true
	default:
		return false
	}
}

// State returns the current state
func (c *Coordinator) State() State {
	return c.state
}

// Pending returns the PDUs still expected to drain
func (c *Coordinator) Pending() int {
	return c.pending
}

// Conn returns the link that enabled the image
func (c *Coordinator) Conn() uint16 {
	return c.conn
}
