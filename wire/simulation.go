package wire

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/user/multirole-blue/logger"
	"github.com/user/multirole-blue/wire/advertising"
	"github.com/user/multirole-blue/wire/att"
	"github.com/user/multirole-blue/wire/debug"
	"github.com/user/multirole-blue/wire/gatt"
	"github.com/user/multirole-blue/wire/hci"
	"github.com/user/multirole-blue/wire/l2cap"
)

// SimulationConfig controls the behavior of the simulated stack
type SimulationConfig struct {
	LocalAddr  bluetooth.MAC
	MaxPDUSize uint16

	// RSSI readings are the peer's base RSSI plus a random offset in
	// [-RSSIVariance, RSSIVariance], clamped to -100..-20 dBm
	RSSIVariance int

	// AutoRespond makes every command produce the events a real controller
	// would send. With it off, tests inject responses themselves.
	AutoRespond bool

	// Deterministic seeds the random source with Seed
	Deterministic bool
	Seed          int64
}

// DefaultSimulationConfig returns a responsive stack with realistic RSSI jitter
func DefaultSimulationConfig() *SimulationConfig {
	return &SimulationConfig{
		LocalAddr:    bluetooth.MAC{0x01, 0x00, 0x00, 0xAA, 0xBB, 0xCC},
		MaxPDUSize:   DefaultMaxPDUSize,
		RSSIVariance: 3,
		AutoRespond:  true,
	}
}

// PerfectSimulationConfig returns a deterministic stack with exact RSSI readings
func PerfectSimulationConfig() *SimulationConfig {
	cfg := DefaultSimulationConfig()
	cfg.RSSIVariance = 0
	cfg.Deterministic = true
	return cfg
}

// SimPeer is a remote device known to the simulated radio
type SimPeer struct {
	Addr     bluetooth.MAC
	AddrType AddrType
	AdvData  []byte
	DB       *gatt.Database
	MTU      uint16
	RSSI     int8

	// SupportedPHYs is a mask of hci.MaskPHY* values; zero means 1M only
	SupportedPHYs uint8

	// RejectPHY answers set-phy with unsupported-remote-feature
	RejectPHY bool
}

// NewProfilePeer returns a peer that advertises and serves the profile service
func NewProfilePeer(addr bluetooth.MAC, serviceUUID, charUUID uint16) *SimPeer {
	db, _ := gatt.BuildDatabase(
		gatt.NewGenericAttributeService(),
		gatt.NewProfileService(serviceUUID, charUUID, []byte{0x00}),
	)
	adv, err := advertising.BuildAdvertisingData(fmt.Sprintf("Peer %02X%02X", addr[1], addr[0]), serviceUUID)
	if err != nil {
		panic(err)
	}
	return &SimPeer{
		Addr:          addr,
		AddrType:      AddrTypePublic,
		AdvData:       adv,
		DB:            db,
		MTU:           247,
		RSSI:          -45,
		SupportedPHYs: hci.MaskPHYAll,
	}
}

// SimCommand is one command received by the simulated stack
type SimCommand struct {
	Op   string
	Conn uint16
	Args string
}

type simLink struct {
	peer       *SimPeer
	role       Role
	params     l2cap.ConnectionParameters
	phy        hci.PHY
	connEvents bool
	events     int
}

// SimStack is an in-process Stack. Responses are delivered synchronously to
// the attached Sink from inside the command that caused them.
type SimStack struct {
	mu  sync.Mutex
	cfg *SimulationConfig
	rng *rand.Rand

	sink     Sink
	peers    []*SimPeer
	links    map[uint16]*simLink
	nextConn uint16
	commands []SimCommand

	pendingConnect *bluetooth.MAC
	scanning       bool
	advertising    bool
	advData        []byte
	paramBusy      uint16
	paramHeld      bool
	holdParams     bool
	heldParams     l2cap.ConnectionParameters
	flowControl    bool
	resets         int
	rpa            bluetooth.MAC
	trace          *debug.Logger
}

var _ Stack = (*SimStack)(nil)

// NewSimStack creates a simulated stack
func NewSimStack(cfg *SimulationConfig) *SimStack {
	if cfg == nil {
		cfg = DefaultSimulationConfig()
	}

	seed := cfg.Seed
	if !cfg.Deterministic {
		seed = time.Now().UnixNano()
	}

	return &SimStack{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(seed)),
		links: make(map[uint16]*simLink),
		rpa:   bluetooth.MAC{0x11, 0x22, 0x33, 0x44, 0x55, 0x40},
	}
}

// Attach sets the sink that receives every event
func (s *SimStack) Attach(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// SetDebugLogger records every simulated ATT exchange
func (s *SimStack) SetDebugLogger(d *debug.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace = d
}

// AddPeer makes a remote device visible to scans and connects
func (s *SimStack) AddPeer(p *SimPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = append(s.peers, p)
}

// Peer returns a known peer by address
func (s *SimStack) Peer(addr bluetooth.MAC) (*SimPeer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.findPeer(addr)
	return p, p != nil
}

func (s *SimStack) findPeer(addr bluetooth.MAC) *SimPeer {
	for _, p := range s.peers {
		if p.Addr == addr {
			return p
		}
	}
	return nil
}

func (s *SimStack) record(op string, conn uint16, format string, args ...interface{}) {
	s.commands = append(s.commands, SimCommand{Op: op, Conn: conn, Args: fmt.Sprintf(format, args...)})
	logger.Trace("sim", "%s conn=%d %s", op, conn, fmt.Sprintf(format, args...))
}

// emitter collects events while the lock is held and sends them after release
type emitter struct {
	sink   Sink
	events []Event
	posts  []AppMessage
	order  []bool // true = post
}

func (s *SimStack) emitter() *emitter {
	return &emitter{sink: s.sink}
}

func (e *emitter) deliver(ev Event) {
	e.events = append(e.events, ev)
	e.order = append(e.order, false)
}

func (e *emitter) post(tag AppTag, payload any) {
	e.posts = append(e.posts, AppMessage{Tag: tag, Payload: payload})
	e.order = append(e.order, true)
}

func (e *emitter) flush() {
	if e.sink == nil {
		return
	}
	var ei, pi int
	for _, isPost := range e.order {
		var err error
		if isPost {
			m := e.posts[pi]
			pi++
			err = e.sink.Post(m.Tag, m.Payload, nil)
		} else {
			err = e.sink.Deliver(e.events[ei], nil)
			ei++
		}
		if err != nil {
			logger.Warn("sim", "event dropped: %v", err)
		}
	}
}

// Init reports the device as ready
func (s *SimStack) Init() {
	s.mu.Lock()
	em := s.emitter()
	em.deliver(DeviceInitDone{Addr: s.cfg.LocalAddr, MaxPDUSize: s.cfg.MaxPDUSize})
	s.mu.Unlock()
	em.flush()
}

func initialParams() l2cap.ConnectionParameters {
	return l2cap.ConnectionParameters{IntervalMin: 24, IntervalMax: 40, SlaveLatency: 0, SupervisionTimeout: 500}
}

func (s *SimStack) openLink(em *emitter, p *SimPeer, role Role, phy hci.PHY) uint16 {
	conn := s.nextConn
	s.nextConn++
	link := &simLink{peer: p, role: role, params: initialParams(), phy: phy}
	s.links[conn] = link

	em.deliver(LinkEstablished{
		Conn:     conn,
		Addr:     p.Addr,
		AddrType: p.AddrType,
		Role:     role,
		Params:   link.params,
		PHY:      phy,
		Status:   hci.StatusSuccess,
	})
	return conn
}

// Connect initiates a central connection. Known peers connect at once; an
// unknown address stays pending until CancelConnect.
func (s *SimStack) Connect(addr bluetooth.MAC, addrType AddrType, initPHY uint8) error {
	s.mu.Lock()
	s.record("Connect", InvalidConnHandle, "addr=%s type=%s phy=0x%02X", addr.String(), addrType, initPHY)
	if s.pendingConnect != nil {
		s.mu.Unlock()
		return fmt.Errorf("wire: connect already pending")
	}

	em := s.emitter()
	p := s.findPeer(addr)
	if p == nil || !s.cfg.AutoRespond {
		a := addr
		s.pendingConnect = &a
		s.mu.Unlock()
		return nil
	}

	phy := hci.PHY1M
	if initPHY == hci.MaskPHYCoded {
		phy = hci.PHYCoded
	}
	s.openLink(em, p, RoleCentral, phy)
	s.mu.Unlock()
	em.flush()
	return nil
}

// CancelConnect abandons a pending connect
func (s *SimStack) CancelConnect() error {
	s.mu.Lock()
	s.record("CancelConnect", InvalidConnHandle, "")
	em := s.emitter()
	if s.pendingConnect != nil {
		s.pendingConnect = nil
		em.deliver(ConnectingCancelled{})
	}
	s.mu.Unlock()
	em.flush()
	return nil
}

// AcceptFrom simulates a peer connecting to our advertising set
func (s *SimStack) AcceptFrom(addr bluetooth.MAC) (uint16, error) {
	s.mu.Lock()
	p := s.findPeer(addr)
	if p == nil {
		s.mu.Unlock()
		return InvalidConnHandle, fmt.Errorf("wire: unknown peer %s", addr.String())
	}
	if !s.advertising {
		s.mu.Unlock()
		return InvalidConnHandle, fmt.Errorf("wire: not advertising")
	}

	em := s.emitter()
	s.advertising = false
	conn := s.openLink(em, p, RolePeripheral, hci.PHY1M)
	em.post(TagAdv, AdvEvent{Kind: AdvSetTerminated, Conn: conn})
	s.mu.Unlock()
	em.flush()
	return conn, nil
}

// TerminateLink disconnects a link
func (s *SimStack) TerminateLink(conn uint16, reason hci.Status) error {
	s.mu.Lock()
	s.record("TerminateLink", conn, "reason=%s", reason)
	if _, ok := s.links[conn]; !ok {
		s.mu.Unlock()
		return ErrUnknownConnection
	}
	delete(s.links, conn)
	if s.paramHeld && s.paramBusy == conn {
		s.paramHeld = false
	}

	em := s.emitter()
	em.deliver(LinkTerminated{Conn: conn, Reason: hci.StatusLocalHostTerminated})
	s.mu.Unlock()
	em.flush()
	return nil
}

// PeerDisconnect simulates the remote side dropping a link
func (s *SimStack) PeerDisconnect(conn uint16, reason hci.Status) {
	s.mu.Lock()
	em := s.emitter()
	if _, ok := s.links[conn]; ok {
		delete(s.links, conn)
		em.deliver(LinkTerminated{Conn: conn, Reason: reason})
	}
	s.mu.Unlock()
	em.flush()
}

// RegisterConnEvents enables connection event reports for a link
func (s *SimStack) RegisterConnEvents(conn uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("RegisterConnEvents", conn, "")
	link, ok := s.links[conn]
	if !ok {
		return ErrUnknownConnection
	}
	link.connEvents = true
	return nil
}

// UnregisterConnEvents disables connection event reports for a link
func (s *SimStack) UnregisterConnEvents(conn uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("UnregisterConnEvents", conn, "")
	if link, ok := s.links[conn]; ok {
		link.connEvents = false
	}
	return nil
}

// ConnEvent runs one connection event on a link, posting a report when the
// link is registered
func (s *SimStack) ConnEvent(conn uint16) bool {
	s.mu.Lock()
	link, ok := s.links[conn]
	if !ok || !link.connEvents {
		s.mu.Unlock()
		return false
	}
	link.events++
	em := s.emitter()
	em.post(TagConnEvt, ConnEventReport{
		Conn:    conn,
		Status:  hci.StatusSuccess,
		Channel: uint8(link.events % 37),
		PHY:     link.phy,
		RSSI:    s.rssiFor(link.peer),
	})
	s.mu.Unlock()
	em.flush()
	return true
}

// ConnEventAll runs one connection event on every registered link in handle order
func (s *SimStack) ConnEventAll() int {
	s.mu.Lock()
	handles := make([]uint16, 0, len(s.links))
	for h, l := range s.links {
		if l.connEvents {
			handles = append(handles, h)
		}
	}
	s.mu.Unlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	n := 0
	for _, h := range handles {
		if s.ConnEvent(h) {
			n++
		}
	}
	return n
}

func (s *SimStack) rssiFor(p *SimPeer) int8 {
	rssi := int(p.RSSI)
	if s.cfg.RSSIVariance > 0 {
		rssi += s.rng.Intn(s.cfg.RSSIVariance*2+1) - s.cfg.RSSIVariance
	}
	if rssi < -100 {
		rssi = -100
	} else if rssi > -20 {
		rssi = -20
	}
	return int8(rssi)
}

// SetPeerRSSI moves a peer closer or further away
func (s *SimStack) SetPeerRSSI(addr bluetooth.MAC, rssi int8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.findPeer(addr); p != nil {
		p.RSSI = rssi
	}
}

func (s *SimStack) link(conn uint16) (*simLink, error) {
	link, ok := s.links[conn]
	if !ok {
		return nil, ErrUnknownConnection
	}
	return link, nil
}

// ExchangeMTU answers with the peer's MTU, then reports the effective MTU
func (s *SimStack) ExchangeMTU(conn uint16, clientMTU uint16) error {
	s.mu.Lock()
	s.record("ExchangeMTU", conn, "mtu=%d", clientMTU)
	link, err := s.link(conn)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	em := s.emitter()
	if s.cfg.AutoRespond {
		serverMTU := link.peer.MTU
		if serverMTU == 0 {
			serverMTU = DefaultMTU
		}
		effective := clientMTU
		if serverMTU < effective {
			effective = serverMTU
		}
		em.deliver(MTUExchanged{Conn: conn, ServerMTU: serverMTU})
		em.deliver(MTUUpdated{Conn: conn, MTU: effective})
	}
	s.mu.Unlock()
	em.flush()
	return nil
}

// DiscoverPrimaryServiceByUUID runs Find By Type Value against the peer's database
func (s *SimStack) DiscoverPrimaryServiceByUUID(conn uint16, uuid bluetooth.UUID) error {
	s.mu.Lock()
	s.record("DiscoverPrimaryServiceByUUID", conn, "uuid=0x%04X", uuid16(uuid))
	link, err := s.link(conn)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	em := s.emitter()
	if s.cfg.AutoRespond {
		var found []gatt.HandleRange
		if link.peer.DB != nil {
			found = link.peer.DB.FindServices(gatt.UUID16(uuid16(uuid)))
		}
		if len(found) == 0 {
			em.deliver(ATTError{Conn: conn, RequestOpcode: att.OpFindByTypeValueRequest, Handle: 0x0001, Code: att.ErrAttributeNotFound})
		} else {
			ranges, perr := gatt.ParseHandlesInformation(gatt.EncodeHandlesInformation(found))
			if perr != nil {
				s.mu.Unlock()
				return perr
			}
			em.deliver(ServiceFound{Conn: conn, Ranges: ranges})
			em.deliver(ServiceFound{Conn: conn, Complete: true})
		}
	}
	s.mu.Unlock()
	em.flush()
	return nil
}

// DiscoverCharsByUUID runs characteristic discovery inside a handle range
func (s *SimStack) DiscoverCharsByUUID(conn uint16, rng gatt.HandleRange, uuid bluetooth.UUID) error {
	s.mu.Lock()
	s.record("DiscoverCharsByUUID", conn, "range=%s uuid=0x%04X", rng, uuid16(uuid))
	link, err := s.link(conn)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	em := s.emitter()
	if s.cfg.AutoRespond {
		var entries [][]byte
		if link.peer.DB != nil {
			entries = link.peer.DB.Characteristics(rng, gatt.UUID16(uuid16(uuid)))
		}
		if len(entries) == 0 {
			em.deliver(ATTError{Conn: conn, RequestOpcode: att.OpReadByTypeRequest, Handle: rng.Start, Code: att.ErrAttributeNotFound})
		} else {
			body, eerr := gatt.EncodeReadByTypeResponse(entries)
			if eerr != nil {
				s.mu.Unlock()
				return eerr
			}
			parsed, perr := gatt.ParseReadByTypeResponse(body)
			if perr != nil {
				s.mu.Unlock()
				return perr
			}
			em.deliver(CharacteristicsFound{Conn: conn, Entries: parsed})
			em.deliver(CharacteristicsFound{Conn: conn, Complete: true})
		}
	}
	s.mu.Unlock()
	em.flush()
	return nil
}

// ReadCharValue reads from the peer's database
func (s *SimStack) ReadCharValue(conn uint16, handle uint16) error {
	s.mu.Lock()
	s.record("ReadCharValue", conn, "handle=0x%04X", handle)
	link, err := s.link(conn)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	em := s.emitter()
	if s.cfg.AutoRespond && link.peer.DB != nil {
		s.trace.LogATT("tx", conn, att.OpReadRequest, handle, nil)
		value, rerr := link.peer.DB.Read(handle)
		if rerr != nil {
			s.trace.LogATTError(conn, att.OpReadRequest, handle, att.Code(rerr))
			em.deliver(ATTError{Conn: conn, RequestOpcode: att.OpReadRequest, Handle: handle, Code: att.Code(rerr)})
		} else {
			s.trace.LogATT("rx", conn, att.OpReadResponse, 0, value)
			em.deliver(ReadResponse{Conn: conn, Handle: handle, Value: value})
		}
	}
	s.mu.Unlock()
	em.flush()
	return nil
}

// WriteCharValue writes into the peer's database
func (s *SimStack) WriteCharValue(conn uint16, handle uint16, value []byte) error {
	s.mu.Lock()
	s.record("WriteCharValue", conn, "handle=0x%04X value=%X", handle, value)
	link, err := s.link(conn)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	em := s.emitter()
	if s.cfg.AutoRespond && link.peer.DB != nil {
		s.trace.LogATT("tx", conn, att.OpWriteRequest, handle, value)
		if werr := link.peer.DB.Write(handle, value); werr != nil {
			s.trace.LogATTError(conn, att.OpWriteRequest, handle, att.Code(werr))
			em.deliver(ATTError{Conn: conn, RequestOpcode: att.OpWriteRequest, Handle: handle, Code: att.Code(werr)})
		} else {
			s.trace.LogATT("rx", conn, att.OpWriteResponse, 0, nil)
			em.deliver(WriteResponse{Conn: conn, Handle: handle})
		}
	}
	s.mu.Unlock()
	em.flush()
	return nil
}

// SendServiceChanged indicates Service Changed to the peer
func (s *SimStack) SendServiceChanged(conn uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("SendServiceChanged", conn, "")
	_, err := s.link(conn)
	return err
}

// SetPHY requests a PHY change. The peer picks the fastest PHY it supports
// from the requested receive mask.
func (s *SimStack) SetPHY(conn uint16, allPHYs, txPHYs, rxPHYs uint8, opts hci.PHYOption) error {
	s.mu.Lock()
	s.record("SetPHY", conn, "all=0x%02X tx=0x%02X rx=0x%02X opts=%d", allPHYs, txPHYs, rxPHYs, opts)
	link, err := s.link(conn)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	em := s.emitter()
	if s.cfg.AutoRespond {
		if link.peer.RejectPHY {
			em.deliver(CommandStatus{Opcode: hci.OpLESetPHY, Status: hci.StatusUnsupportedRemoteFeature})
		} else {
			em.deliver(CommandStatus{Opcode: hci.OpLESetPHY, Status: hci.StatusSuccess})
			link.phy = negotiatePHY(link.phy, rxPHYs, link.peer.SupportedPHYs)
			em.deliver(PHYUpdateComplete{Conn: conn, Status: hci.StatusSuccess, TxPHY: link.phy, RxPHY: link.phy})
		}
	}
	s.mu.Unlock()
	em.flush()
	return nil
}

func negotiatePHY(current hci.PHY, requested, supported uint8) hci.PHY {
	if supported == 0 {
		supported = hci.MaskPHY1M
	}
	both := requested & supported
	switch {
	case both&hci.MaskPHY2M != 0:
		return hci.PHY2M
	case both&hci.MaskPHYCoded != 0:
		return hci.PHYCoded
	case both&hci.MaskPHY1M != 0:
		return hci.PHY1M
	default:
		return current
	}
}

// ReadRSSI samples the link's RSSI
func (s *SimStack) ReadRSSI(conn uint16) error {
	s.mu.Lock()
	s.record("ReadRSSI", conn, "")
	link, err := s.link(conn)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	em := s.emitter()
	if s.cfg.AutoRespond {
		em.deliver(RSSIRead{Conn: conn, Status: hci.StatusSuccess, RSSI: s.rssiFor(link.peer)})
	}
	s.mu.Unlock()
	em.flush()
	return nil
}

// SetScanPHY sets the primary scanning PHYs
func (s *SimStack) SetScanPHY(phys uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("SetScanPHY", InvalidConnHandle, "phys=0x%02X", phys)
	return nil
}

// SetAdvPHY sets the advertising PHY
func (s *SimStack) SetAdvPHY(primary hci.PHY, legacy bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("SetAdvPHY", InvalidConnHandle, "phy=%s legacy=%t", primary, legacy)
	return nil
}

// HoldParamUpdates keeps link parameter updates in flight until
// CompleteParamUpdate is called
func (s *SimStack) HoldParamUpdates(hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdParams = hold
}

// UpdateLinkParams requests new connection parameters. Only one update may be
// in flight at a time.
func (s *SimStack) UpdateLinkParams(conn uint16, params l2cap.ConnectionParameters) error {
	s.mu.Lock()
	s.record("UpdateLinkParams", conn, "min=%d max=%d lat=%d to=%d",
		params.IntervalMin, params.IntervalMax, params.SlaveLatency, params.SupervisionTimeout)
	link, err := s.link(conn)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if s.paramHeld {
		s.mu.Unlock()
		return ErrAlreadyInRequestedMode
	}

	em := s.emitter()
	switch {
	case s.holdParams:
		s.paramHeld = true
		s.paramBusy = conn
		s.heldParams = params
	case s.cfg.AutoRespond:
		link.params = params
		em.deliver(ParamUpdateComplete{Conn: conn, Status: hci.StatusSuccess, Params: params})
	}
	s.mu.Unlock()
	em.flush()
	return nil
}

// CompleteParamUpdate finishes the update held in flight
func (s *SimStack) CompleteParamUpdate(status hci.Status) bool {
	s.mu.Lock()
	if !s.paramHeld {
		s.mu.Unlock()
		return false
	}
	s.paramHeld = false
	conn := s.paramBusy

	em := s.emitter()
	params := s.heldParams
	if link, ok := s.links[conn]; ok {
		if status == hci.StatusSuccess {
			link.params = params
		} else {
			params = link.params
		}
	}
	em.deliver(ParamUpdateComplete{Conn: conn, Status: status, Params: params})
	s.mu.Unlock()
	em.flush()
	return true
}

// ReplyLinkParamRequest answers a peer's parameter request
func (s *SimStack) ReplyLinkParamRequest(conn uint16, identifier uint8, accept bool, params l2cap.ConnectionParameters) error {
	s.mu.Lock()
	s.record("ReplyLinkParamRequest", conn, "id=%d accept=%t", identifier, accept)
	link, err := s.link(conn)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	em := s.emitter()
	if accept && s.cfg.AutoRespond {
		link.params = params
		em.deliver(ParamUpdateComplete{Conn: conn, Status: hci.StatusSuccess, Params: params})
	}
	s.mu.Unlock()
	em.flush()
	return nil
}

// PeerRequest feeds a raw L2CAP connection parameter update request from the peer
func (s *SimStack) PeerRequest(conn uint16, raw []byte) error {
	req, err := l2cap.DecodeConnectionParameterUpdateRequest(raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, err := s.link(conn); err != nil {
		s.mu.Unlock()
		return err
	}
	em := s.emitter()
	em.deliver(PeerParamRequest{Conn: conn, Identifier: req.Identifier, Params: req.Params})
	s.mu.Unlock()
	em.flush()
	return nil
}

// StartScan reports every advertising peer not already connected, then ends the scan
func (s *SimStack) StartScan() error {
	s.mu.Lock()
	s.record("StartScan", InvalidConnHandle, "")
	if s.scanning {
		s.mu.Unlock()
		return fmt.Errorf("wire: scan already running")
	}
	s.scanning = true

	em := s.emitter()
	em.post(TagScanEnabled, nil)
	if s.cfg.AutoRespond {
		n := 0
		for _, p := range s.peers {
			if s.connected(p.Addr) {
				continue
			}
			em.post(TagAdvReport, AdvReport{
				Addr:     p.Addr,
				AddrType: p.AddrType,
				RSSI:     s.rssiFor(p),
				Data:     append([]byte{}, p.AdvData...),
			})
			n++
		}
		s.scanning = false
		em.post(TagScanDisabled, ScanSummary{NumReports: n})
	}
	s.mu.Unlock()
	em.flush()
	return nil
}

func (s *SimStack) connected(addr bluetooth.MAC) bool {
	for _, l := range s.links {
		if l.peer.Addr == addr {
			return true
		}
	}
	return false
}

// StopScan ends a running scan
func (s *SimStack) StopScan() error {
	s.mu.Lock()
	s.record("StopScan", InvalidConnHandle, "")
	em := s.emitter()
	if s.scanning {
		s.scanning = false
		em.post(TagScanDisabled, ScanSummary{})
	}
	s.mu.Unlock()
	em.flush()
	return nil
}

// SetAdvertisingData stores the advertising payload
func (s *SimStack) SetAdvertisingData(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("SetAdvertisingData", InvalidConnHandle, "len=%d", len(data))
	if len(data) > 31 {
		return fmt.Errorf("wire: advertising data too long: %d", len(data))
	}
	s.advData = append([]byte{}, data...)
	return nil
}

// SetAdvertising enables or disables the advertising set
func (s *SimStack) SetAdvertising(enable bool) error {
	s.mu.Lock()
	s.record("SetAdvertising", InvalidConnHandle, "enable=%t", enable)
	em := s.emitter()
	if enable != s.advertising {
		s.advertising = enable
		kind := AdvEndAfterDisable
		if enable {
			kind = AdvStartAfterEnable
		}
		em.post(TagAdv, AdvEvent{Kind: kind})
	}
	s.mu.Unlock()
	em.flush()
	return nil
}

// Advertising reports whether the advertising set is enabled
func (s *SimStack) Advertising() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advertising
}

// PasscodeReply answers a passcode request
func (s *SimStack) PasscodeReply(conn uint16, status hci.Status, passcode uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("PasscodeReply", conn, "status=%s passcode=%06d", status, passcode)
	_, err := s.link(conn)
	return err
}

// ReadLocalRPA returns the current resolvable private address
func (s *SimStack) ReadLocalRPA() (bluetooth.MAC, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rpa, nil
}

// RotateRPA changes the local resolvable private address
func (s *SimStack) RotateRPA(addr bluetooth.MAC) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rpa = addr
}

// RegisterFlowControl subscribes to controller buffer reports
func (s *SimStack) RegisterFlowControl() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("RegisterFlowControl", InvalidConnHandle, "")
	s.flowControl = true
	return nil
}

// FlowControl reports the controller's queued data packet count to a registered listener
func (s *SimStack) FlowControl(numDataPkt int) bool {
	s.mu.Lock()
	if !s.flowControl {
		s.mu.Unlock()
		return false
	}
	em := s.emitter()
	em.deliver(FlowControlCredits{NumDataPkt: numDataPkt})
	s.mu.Unlock()
	em.flush()
	return true
}

// SystemReset records a device reset
func (s *SimStack) SystemReset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("SystemReset", InvalidConnHandle, "")
	s.resets++
	return nil
}

// ResetCount returns how many resets were issued
func (s *SimStack) ResetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Deliver injects a raw stack event
func (s *SimStack) Deliver(ev Event) error {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		return fmt.Errorf("wire: no sink attached")
	}
	return sink.Deliver(ev, nil)
}

// Post injects an application event as a stack callback would
func (s *SimStack) Post(tag AppTag, payload any) error {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		return fmt.Errorf("wire: no sink attached")
	}
	return sink.Post(tag, payload, nil)
}

// LinkParams returns the current parameters of a link
func (s *SimStack) LinkParams(conn uint16) (l2cap.ConnectionParameters, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[conn]
	if !ok {
		return l2cap.ConnectionParameters{}, false
	}
	return link.params, true
}

// LinkPHY returns the current PHY of a link
func (s *SimStack) LinkPHY(conn uint16) (hci.PHY, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[conn]
	if !ok {
		return hci.PHYNone, false
	}
	return link.phy, true
}

// Commands returns a copy of every command received so far
func (s *SimStack) Commands() []SimCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SimCommand{}, s.commands...)
}

// CommandCount counts commands with the given op
func (s *SimStack) CommandCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.commands {
		if c.Op == op {
			n++
		}
	}
	return n
}

// ClearCommands forgets the recorded commands
func (s *SimStack) ClearCommands() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = nil
}

func uuid16(u bluetooth.UUID) uint16 {
	return uint16(u[3])
}
