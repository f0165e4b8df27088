// Package discovery resolves the handle of the profile characteristic on a
// newly connected peer: MTU exchange, primary service lookup by UUID, then
// characteristic lookup inside the service's handle range. Each step is
// driven by the response to the previous one. There are no retries.
package discovery

import (
	"fmt"

	"tinygo.org/x/bluetooth"

	"github.com/user/multirole-blue/logger"
	"github.com/user/multirole-blue/wire"
	"github.com/user/multirole-blue/wire/gatt"
)

// State is the discovery step a link is in
type State uint8

const (
	Idle State = iota
	ExchangingMTU
	ResolvingService
	ResolvingCharacteristic
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ExchangingMTU:
		return "exchanging-mtu"
	case ResolvingService:
		return "resolving-service"
	case ResolvingCharacteristic:
		return "resolving-characteristic"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Session is the discovery progress of one link
type Session struct {
	State   State
	Service gatt.HandleRange
	Done    bool
}

// Active reports whether responses are still expected
func (s *Session) Active() bool {
	return s.State != Idle
}

// Client is the part of the stack discovery drives
type Client interface {
	ExchangeMTU(conn uint16, clientMTU uint16) error
	DiscoverPrimaryServiceByUUID(conn uint16, uuid bluetooth.UUID) error
	DiscoverCharsByUUID(conn uint16, rng gatt.HandleRange, uuid bluetooth.UUID) error
}

// Engine runs discovery sessions for every link
type Engine struct {
	client         Client
	localMTU       uint16
	service        bluetooth.UUID
	characteristic bluetooth.UUID
	prefix         string
}

// NewEngine creates an engine looking for the given 16-bit service and characteristic
func NewEngine(client Client, localMTU uint16, service, characteristic uint16, prefix string) *Engine {
	return &Engine{
		client:         client,
		localMTU:       localMTU,
		service:        bluetooth.New16BitUUID(service),
		characteristic: bluetooth.New16BitUUID(characteristic),
		prefix:         fmt.Sprintf("%s Discovery", prefix),
	}
}

// Start begins discovery on a link. stackMaxPDU is the controller's PDU size;
// the MTU requested is the smaller of it (less the L2CAP header) and the
// local MTU.
func (e *Engine) Start(s *Session, conn uint16, stackMaxPDU uint16) error {
	mtu := e.localMTU
	if stackMaxPDU > wire.L2CAPHeaderSize {
		if pduMTU := stackMaxPDU - wire.L2CAPHeaderSize; pduMTU < mtu {
			mtu = pduMTU
		}
	}

	s.Service = gatt.HandleRange{}
	s.Done = false
	if err := e.client.ExchangeMTU(conn, mtu); err != nil {
		s.State = Idle
		return fmt.Errorf("discovery: exchange mtu on conn %d: %w", conn, err)
	}
	s.State = ExchangingMTU
	logger.Debug(e.prefix, "conn=%d exchanging MTU %d", conn, mtu)
	return nil
}

// Handle advances a session with a GATT response for its link. It returns the
// resolved characteristic handle, or 0, when the session finishes.
func (e *Engine) Handle(s *Session, conn uint16, ev wire.Event) (charHandle uint16, done bool) {
	switch s.State {
	case ExchangingMTU:
		e.handleMTU(s, conn, ev)
	case ResolvingService:
		e.handleService(s, conn, ev)
	case ResolvingCharacteristic:
		return e.handleCharacteristic(s, conn, ev)
	}
	return 0, false
}

func (e *Engine) handleMTU(s *Session, conn uint16, ev wire.Event) {
	switch m := ev.(type) {
	case wire.MTUExchanged:
		if err := e.client.DiscoverPrimaryServiceByUUID(conn, e.service); err != nil {
			logger.Warn(e.prefix, "conn=%d service discovery not started: %v", conn, err)
			s.State = Idle
			return
		}
		s.State = ResolvingService
		logger.Debug(e.prefix, "conn=%d server MTU %d, resolving service", conn, m.ServerMTU)
	case wire.ATTError:
		logger.Warn(e.prefix, "conn=%d MTU exchange failed: 0x%02X", conn, m.Code)
		s.State = Idle
	}
}

func (e *Engine) handleService(s *Session, conn uint16, ev wire.Event) {
	final := false
	switch m := ev.(type) {
	case wire.ServiceFound:
		if len(m.Ranges) > 0 && s.Service.IsZero() {
			s.Service = m.Ranges[0]
			logger.Debug(e.prefix, "conn=%d service found at %s", conn, s.Service)
		}
		final = m.Complete
	case wire.ATTError:
		final = true
	default:
		return
	}
	if !final {
		return
	}

	if s.Service.IsZero() {
		logger.Info(e.prefix, "conn=%d service not found", conn)
		s.State = Idle
		return
	}
	if err := e.client.DiscoverCharsByUUID(conn, s.Service, e.characteristic); err != nil {
		logger.Warn(e.prefix, "conn=%d characteristic discovery not started: %v", conn, err)
		s.State = Idle
		return
	}
	s.State = ResolvingCharacteristic
}

func (e *Engine) handleCharacteristic(s *Session, conn uint16, ev wire.Event) (uint16, bool) {
	var handle uint16
	if m, ok := ev.(wire.CharacteristicsFound); ok && len(m.Entries) > 0 {
		h, err := gatt.ValueHandle(m.Entries[0])
		if err != nil {
			logger.Warn(e.prefix, "conn=%d bad characteristic entry: %v", conn, err)
		} else {
			handle = h
		}
	}

	s.State = Idle
	s.Done = true
	if handle != 0 {
		logger.Info(e.prefix, "conn=%d characteristic handle 0x%04X", conn, handle)
	} else {
		logger.Info(e.prefix, "conn=%d characteristic not found", conn)
	}
	return handle, true
}
