package multirole

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"

	"github.com/user/multirole-blue/config"
	"github.com/user/multirole-blue/imgstore"
	"github.com/user/multirole-blue/nvstore"
	"github.com/user/multirole-blue/oadreset"
	"github.com/user/multirole-blue/phy"
	"github.com/user/multirole-blue/wire"
	"github.com/user/multirole-blue/wire/hci"
	"github.com/user/multirole-blue/wire/l2cap"
)

const (
	testService = 0xFFF0
	testChar    = 0xFFF6
)

type harness struct {
	t       *testing.T
	ctx     context.Context
	cfg     *config.Config
	simCfg  *wire.SimulationConfig
	sim     *wire.SimStack
	clk     *clock.Mock
	nv      *nvstore.MemoryStore
	imgPath string
	ctrl    *Controller
	peers   []*wire.SimPeer
	done    chan error
}

type harnessOption func(*harness)

func withConfig(fn func(*config.Config)) harnessOption {
	return func(h *harness) { fn(h.cfg) }
}

func withPeers(n int) harnessOption {
	return func(h *harness) {
		for i := 0; i < n; i++ {
			p := wire.NewProfilePeer(bluetooth.MAC{byte(0x10 + i), 0x01, 0x02, 0x03, 0x04, 0x05}, testService, testChar)
			h.peers = append(h.peers, p)
			h.sim.AddPeer(p)
		}
	}
}

func withNV(fn func(*nvstore.MemoryStore)) harnessOption {
	return func(h *harness) { fn(h.nv) }
}

// newHarness starts a controller on a simulated stack and waits until the
// device is initialized
func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		t:       t,
		ctx:     context.Background(),
		cfg:     config.Default(),
		simCfg:  wire.PerfectSimulationConfig(),
		clk:     clock.NewMock(),
		nv:      nvstore.NewMemory(),
		imgPath: filepath.Join(t.TempDir(), "image.bin"),
		done:    make(chan error, 1),
	}
	h.sim = wire.NewSimStack(h.simCfg)
	for _, opt := range opts {
		opt(h)
	}
	require.NoError(t, imgstore.WriteImage(h.imgPath, imgstore.Header{Validation: 0x03}))

	ctrl, err := New(h.cfg, h.sim, h.nv, imgstore.NewFileStore(h.imgPath),
		WithClock(h.clk), WithInstanceID("test-instance"))
	require.NoError(t, err)
	h.ctrl = ctrl
	h.sim.Attach(ctrl)

	ctx, cancel := context.WithCancel(h.ctx)
	go func() { h.done <- ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-h.done)
		require.NoError(t, ctrl.Close())
	})

	h.sim.Init()
	st := h.status()
	require.True(t, st.Advertising)
	return h
}

func (h *harness) status() Status {
	h.t.Helper()
	st, err := h.ctrl.Status(h.ctx)
	require.NoError(h.t, err)
	return st
}

// connectAll scans and opens a central link to every peer
func (h *harness) connectAll() {
	h.t.Helper()
	require.NoError(h.t, h.ctrl.Discover(h.ctx))
	for i := range h.peers {
		require.NoError(h.t, h.ctrl.Connect(h.ctx, i))
	}
	require.Len(h.t, h.status().Links, len(h.peers))
}

// accept lets a peer connect to our advertising set
func (h *harness) accept(i int) uint16 {
	h.t.Helper()
	conn, err := h.sim.AcceptFrom(h.peers[i].Addr)
	require.NoError(h.t, err)
	h.status()
	return conn
}

func (h *harness) link(conn uint16) LinkStatus {
	h.t.Helper()
	for _, l := range h.status().Links {
		if l.Handle == conn {
			return l
		}
	}
	h.t.Fatalf("no link with handle %d", conn)
	return LinkStatus{}
}

func (h *harness) connEvent(conn uint16) {
	h.t.Helper()
	require.True(h.t, h.sim.ConnEvent(conn))
	h.status()
}

func (h *harness) commandConns(op string) []uint16 {
	var out []uint16
	for _, c := range h.sim.Commands() {
		if c.Op == op {
			out = append(out, c.Conn)
		}
	}
	return out
}

func TestScanFiltersAndConnects(t *testing.T) {
	h := newHarness(t, withPeers(2))
	other := wire.NewProfilePeer(bluetooth.MAC{0x99, 0, 0, 0, 0, 0}, 0x180D, 0x2A37)
	h.sim.AddPeer(other)

	require.NoError(t, h.ctrl.Discover(h.ctx))
	st := h.status()
	assert.False(t, st.Scanning)
	require.Len(t, st.ScanResults, 2)
	assert.Equal(t, h.peers[0].Addr, st.ScanResults[0].Addr)
	assert.Equal(t, float64(2), testutil.ToFloat64(h.ctrl.Metrics().ScanResults))

	require.NoError(t, h.ctrl.Connect(h.ctx, 0))
	st = h.status()
	require.Len(t, st.Links, 1)
	assert.Equal(t, wire.RoleCentral, st.Links[0].Role)
	assert.Equal(t, hci.PHY1M, st.Links[0].PHY)
	assert.True(t, st.Advertising, "room left for another link")
	assert.Equal(t, float64(1), testutil.ToFloat64(h.ctrl.Metrics().Connections))

	err := h.ctrl.Connect(h.ctx, 5)
	assert.ErrorIs(t, err, ErrNoSuchPeer)
}

func TestConnectUsesInitiatingPHY(t *testing.T) {
	h := newHarness(t, withPeers(1))
	require.NoError(t, h.ctrl.SetInitPHY(h.ctx, hci.MaskPHYCoded))
	assert.ErrorIs(t, h.ctrl.SetInitPHY(h.ctx, 0x08), ErrInvalidPHY)

	h.connectAll()
	assert.Equal(t, hci.PHYCoded, h.status().Links[0].PHY)
}

func TestSelectDiscoversThenReadsAndWrites(t *testing.T) {
	h := newHarness(t, withPeers(1))
	h.connectAll()

	assert.ErrorIs(t, h.ctrl.GattRead(h.ctx), ErrNoSelection)

	require.NoError(t, h.ctrl.SelectConn(h.ctx, 0))
	l := h.status().Links[0]
	assert.NotZero(t, l.CharHandle)
	assert.Equal(t, "idle", l.Discovery)
	assert.Equal(t, uint16(247), l.MTU)

	require.NoError(t, h.ctrl.GattWrite(h.ctx, 0x55))
	require.NoError(t, h.ctrl.GattRead(h.ctx))
	v, err := h.ctrl.Profile().Get(Char6)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x55}, v)

	// A second select with a known handle does not rediscover
	before := h.sim.CommandCount("ExchangeMTU")
	require.NoError(t, h.ctrl.SelectConn(h.ctx, 0))
	assert.Equal(t, before, h.sim.CommandCount("ExchangeMTU"))

	assert.ErrorIs(t, h.ctrl.SelectConn(h.ctx, 3), ErrNoSuchConnection)
}

func TestReadBeforeDiscovery(t *testing.T) {
	h := newHarness(t, withPeers(1))
	h.connectAll()

	h.simCfg.AutoRespond = false
	require.NoError(t, h.ctrl.SelectConn(h.ctx, 0))
	assert.Equal(t, "exchanging-mtu", h.status().Links[0].Discovery)
	assert.ErrorIs(t, h.ctrl.GattRead(h.ctx), ErrNotDiscovered)
}

func TestStaleDiscoveryResponsesDropped(t *testing.T) {
	h := newHarness(t, withPeers(1))
	h.connectAll()
	conn := h.status().Links[0].Handle

	// Not discovering: the response is ignored
	require.NoError(t, h.sim.Deliver(wire.CharacteristicsFound{Conn: conn, Complete: true}))
	assert.Zero(t, h.link(conn).CharHandle)

	h.simCfg.AutoRespond = false
	require.NoError(t, h.ctrl.SelectConn(h.ctx, 0))
	h.sim.PeerDisconnect(conn, hci.StatusRemoteUserTerminated)
	require.Empty(t, h.status().Links)

	// The link is gone: nothing is sent and nothing panics
	h.sim.ClearCommands()
	require.NoError(t, h.sim.Deliver(wire.MTUExchanged{Conn: conn, ServerMTU: 100}))
	require.NoError(t, h.sim.Deliver(wire.ServiceFound{Conn: conn, Complete: true}))
	st := h.status()
	assert.Empty(t, st.Links)
	assert.Equal(t, wire.InvalidConnHandle, st.Selected)
	assert.Zero(t, h.sim.CommandCount("DiscoverPrimaryServiceByUUID"))
}

func TestPHYCommandStatusResolvedInOrder(t *testing.T) {
	h := newHarness(t, withPeers(3))
	h.connectAll()
	h.simCfg.AutoRespond = false

	for i := 0; i < 3; i++ {
		require.NoError(t, h.ctrl.SelectConn(h.ctx, i))
		require.NoError(t, h.ctrl.SetConnPHY(h.ctx, phy.Pref2M))
	}
	st := h.status()
	require.Equal(t, []uint16{0, 1, 2}, st.PHYPending)

	require.NoError(t, h.sim.Deliver(wire.CommandStatus{Opcode: hci.OpLESetPHY, Status: hci.StatusSuccess}))
	require.NoError(t, h.sim.Deliver(wire.CommandStatus{Opcode: hci.OpLESetPHY, Status: hci.StatusUnsupportedRemoteFeature}))
	require.NoError(t, h.sim.Deliver(wire.CommandStatus{Opcode: hci.OpLESetPHY, Status: hci.StatusSuccess}))

	st = h.status()
	assert.Empty(t, st.PHYPending)
	require.Len(t, st.Links, 3)
	assert.Equal(t, 0, st.Links[0].PHYFails)
	assert.Equal(t, 1, st.Links[1].PHYFails, "the second status belongs to the second link")
	assert.Equal(t, 0, st.Links[2].PHYFails)
}

func TestAutoPHYFollowsRSSI(t *testing.T) {
	h := newHarness(t, withPeers(1))
	h.sim.SetPeerRSSI(h.peers[0].Addr, -25)
	h.connectAll()
	conn := h.status().Links[0].Handle

	require.NoError(t, h.ctrl.SelectConn(h.ctx, 0))
	require.NoError(t, h.ctrl.SetConnPHY(h.ctx, phy.PrefAuto))
	assert.True(t, h.link(conn).AutoPHY)

	h.connEvent(conn)
	assert.Equal(t, hci.PHY2M, h.link(conn).PHY)

	h.sim.SetPeerRSSI(h.peers[0].Addr, -90)
	for i := 0; i < phy.HistoryDepth; i++ {
		h.connEvent(conn)
	}
	l := h.link(conn)
	assert.Equal(t, hci.PHYCoded, l.PHY)
	assert.Equal(t, -90, l.RSSIAvg)

	current, ok := h.sim.LinkPHY(conn)
	require.True(t, ok)
	assert.Equal(t, hci.PHYCoded, current)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.ctrl.Metrics().PHYChanges.WithLabelValues("2M")))
}

func TestAutoPHYStopsAfterRepeatedRejection(t *testing.T) {
	h := newHarness(t, withPeers(1))
	h.peers[0].RejectPHY = true
	h.sim.SetPeerRSSI(h.peers[0].Addr, -25)
	h.connectAll()
	conn := h.status().Links[0].Handle

	require.NoError(t, h.ctrl.SelectConn(h.ctx, 0))
	require.NoError(t, h.ctrl.SetConnPHY(h.ctx, phy.PrefAuto))
	for i := 0; i < 5; i++ {
		h.connEvent(conn)
	}

	assert.Equal(t, phy.MaxFailures, h.sim.CommandCount("SetPHY"))
	l := h.link(conn)
	assert.Equal(t, phy.MaxFailures, l.PHYFails)
	assert.Equal(t, hci.PHY1M, l.PHY)
}

func TestManualPHYTurnsAutoOff(t *testing.T) {
	h := newHarness(t, withPeers(1))
	h.connectAll()
	conn := h.status().Links[0].Handle

	require.NoError(t, h.ctrl.SelectConn(h.ctx, 0))
	require.NoError(t, h.ctrl.SetConnPHY(h.ctx, phy.PrefAuto))
	require.NoError(t, h.ctrl.SetConnPHY(h.ctx, phy.PrefCodedS8))

	l := h.link(conn)
	assert.False(t, l.AutoPHY)
	assert.Equal(t, hci.PHYCoded, l.PHY)
	assert.Equal(t, 1, h.sim.CommandCount("UnregisterConnEvents"))
	assert.False(t, h.sim.ConnEvent(conn), "connection events no longer reported")
}

// queueParamUpdates accepts three peripheral links one second apart and
// lets their update timers fire one by one while the first update is held
func (h *harness) queueParamUpdates() []uint16 {
	h.t.Helper()
	h.sim.HoldParamUpdates(true)

	var conns []uint16
	for i := range h.peers {
		conns = append(conns, h.accept(i))
		h.clk.Add(time.Second)
	}

	h.clk.Add(h.cfg.ParamUpdateDelay - 3*time.Second)
	require.Eventually(h.t, func() bool {
		return len(h.commandConns("UpdateLinkParams")) == 1
	}, time.Second, 5*time.Millisecond)
	h.clk.Add(time.Second)
	require.Eventually(h.t, func() bool {
		return assert.ObjectsAreEqual(conns[1:2], h.status().ParamQueue)
	}, time.Second, 5*time.Millisecond)
	h.clk.Add(time.Second)
	require.Eventually(h.t, func() bool {
		return assert.ObjectsAreEqual(conns[1:3], h.status().ParamQueue)
	}, time.Second, 5*time.Millisecond)
	return conns
}

func TestQueuedParamUpdatesSentInArrivalOrder(t *testing.T) {
	h := newHarness(t, withPeers(3))
	conns := h.queueParamUpdates()
	a, b, c := conns[0], conns[1], conns[2]
	assert.Equal(t, float64(2), testutil.ToFloat64(h.ctrl.Metrics().ParamQueueLength))

	require.True(t, h.sim.CompleteParamUpdate(hci.StatusSuccess))
	assert.Equal(t, []uint16{c}, h.status().ParamQueue)
	require.True(t, h.sim.CompleteParamUpdate(hci.StatusSuccess))
	assert.Empty(t, h.status().ParamQueue)
	require.True(t, h.sim.CompleteParamUpdate(hci.StatusSuccess))

	assert.Equal(t, []uint16{a, b, c, b, c}, h.commandConns("UpdateLinkParams"))
	desired := l2cap.DesiredConnectionParameters()
	for _, conn := range conns {
		assert.Equal(t, desired, h.link(conn).Params)
	}
}

func TestDisconnectPurgesQueuedParamUpdate(t *testing.T) {
	h := newHarness(t, withPeers(3))
	conns := h.queueParamUpdates()
	a, b, c := conns[0], conns[1], conns[2]

	h.sim.PeerDisconnect(b, hci.StatusConnectionTimeout)
	assert.Equal(t, []uint16{c}, h.status().ParamQueue)

	require.True(t, h.sim.CompleteParamUpdate(hci.StatusSuccess))
	h.status()
	assert.Equal(t, []uint16{a, b, c, c}, h.commandConns("UpdateLinkParams"))
}

func TestDisconnectStopsParamTimer(t *testing.T) {
	h := newHarness(t, withPeers(1))
	conn := h.accept(0)
	h.sim.PeerDisconnect(conn, hci.StatusConnectionTimeout)
	h.status()

	h.clk.Add(h.cfg.ParamUpdateDelay * 2)
	time.Sleep(20 * time.Millisecond)
	h.status()
	assert.Zero(t, h.sim.CommandCount("UpdateLinkParams"))
}

func TestCentralLinksKeepTheirParams(t *testing.T) {
	h := newHarness(t, withPeers(1))
	h.connectAll()
	h.clk.Add(h.cfg.ParamUpdateDelay * 2)
	time.Sleep(20 * time.Millisecond)
	h.status()
	assert.Zero(t, h.sim.CommandCount("UpdateLinkParams"))
}

func TestConnUpdateTogglesTimeout(t *testing.T) {
	h := newHarness(t, withPeers(1))
	h.connectAll()
	conn := h.status().Links[0].Handle
	require.NoError(t, h.ctrl.SelectConn(h.ctx, 0))

	require.NoError(t, h.ctrl.ConnUpdate(h.ctx))
	assert.Equal(t, uint16(600), h.link(conn).Params.SupervisionTimeout)
	require.NoError(t, h.ctrl.ConnUpdate(h.ctx))
	assert.Equal(t, uint16(l2cap.UpdateTimeoutAlternate), h.link(conn).Params.SupervisionTimeout)
	require.NoError(t, h.ctrl.ConnUpdate(h.ctx))
	assert.Equal(t, uint16(600), h.link(conn).Params.SupervisionTimeout)
}

func TestPeerParamRequests(t *testing.T) {
	h := newHarness(t, withPeers(1))
	h.connectAll()
	conn := h.status().Links[0].Handle

	params := l2cap.ConnectionParameters{IntervalMin: 80, IntervalMax: 100, SlaveLatency: 0, SupervisionTimeout: 400}
	raw, err := l2cap.EncodeConnectionParameterUpdateRequest(l2cap.ConnectionParameterUpdateRequest{Identifier: 7, Params: params})
	require.NoError(t, err)
	require.NoError(t, h.sim.PeerRequest(conn, raw))
	assert.Equal(t, params, h.link(conn).Params)

	withLatency := params
	withLatency.SlaveLatency = 4
	raw, err = l2cap.EncodeConnectionParameterUpdateRequest(l2cap.ConnectionParameterUpdateRequest{Identifier: 8, Params: withLatency})
	require.NoError(t, err)
	require.NoError(t, h.sim.PeerRequest(conn, raw))
	assert.Equal(t, params, h.link(conn).Params, "latency requests are rejected")
	assert.Equal(t, 2, h.sim.CommandCount("ReplyLinkParamRequest"))
}

func TestUpdateResetAfterDrain(t *testing.T) {
	h := newHarness(t, withPeers(1))
	h.connectAll()
	conn := h.status().Links[0].Handle

	require.NoError(t, h.sim.Post(wire.TagOADReset, wire.OADResetWrite{Conn: conn, BIMVar: 0x0001}))
	h.status()
	require.True(t, h.sim.FlowControl(2))
	st := h.status()
	assert.Equal(t, oadreset.AwaitingDrain, st.Reset)

	for i := 0; i < 3; i++ {
		h.connEvent(conn)
		assert.Zero(t, h.sim.ResetCount())
	}
	h.connEvent(conn)
	assert.Equal(t, 1, h.sim.ResetCount())
	assert.Equal(t, oadreset.ResetIssued, h.status().Reset)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.ctrl.Metrics().Resets))

	flag, err := nvstore.ReadFlag(h.ctx, h.nv, nvstore.ServiceChangedKey)
	require.NoError(t, err)
	assert.True(t, flag)

	img := imgstore.NewFileStore(h.imgPath)
	require.NoError(t, img.Open())
	defer img.Close()
	hdr, err := img.ReadHeader()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x06), hdr.Validation)

	// Further events change nothing
	h.connEvent(conn)
	assert.Equal(t, 1, h.sim.ResetCount())
}

func TestServiceChangedSentOnceAfterFlaggedBoot(t *testing.T) {
	h := newHarness(t, withPeers(2), withNV(func(nv *nvstore.MemoryStore) {
		require.NoError(t, nvstore.WriteFlag(context.Background(), nv, nvstore.ServiceChangedKey, true))
	}))
	h.connectAll()

	assert.Equal(t, 1, h.sim.CommandCount("SendServiceChanged"))
	flag, err := nvstore.ReadFlag(h.ctx, h.nv, nvstore.ServiceChangedKey)
	require.NoError(t, err)
	assert.False(t, flag)
}

func TestAdvertisingFollowsTableCapacity(t *testing.T) {
	h := newHarness(t, withPeers(2), withConfig(func(cfg *config.Config) {
		cfg.MaxConnections = 2
	}))
	h.connectAll()

	st := h.status()
	assert.False(t, st.Advertising)
	assert.False(t, h.sim.Advertising())
	assert.ErrorIs(t, h.ctrl.Advertise(h.ctx), ErrConnectionLimit)
	assert.ErrorIs(t, h.ctrl.Connect(h.ctx, 0), ErrConnectionLimit)

	h.sim.PeerDisconnect(st.Links[0].Handle, hci.StatusRemoteUserTerminated)
	st = h.status()
	assert.Len(t, st.Links, 1)
	assert.True(t, st.Advertising)

	require.NoError(t, h.ctrl.Advertise(h.ctx))
	assert.False(t, h.status().Advertising)
}

func TestLinkBeyondCapacityIsTerminated(t *testing.T) {
	h := newHarness(t, withPeers(1), withConfig(func(cfg *config.Config) {
		cfg.MaxConnections = 1
	}))
	h.connectAll()

	require.NoError(t, h.sim.Deliver(wire.LinkEstablished{
		Conn:   42,
		Addr:   bluetooth.MAC{0xAA},
		Role:   wire.RolePeripheral,
		PHY:    hci.PHY1M,
		Status: hci.StatusSuccess,
	}))
	assert.Len(t, h.status().Links, 1)
	assert.Equal(t, []uint16{42}, h.commandConns("TerminateLink"))
}

func TestSetAdvPHYRestartsAdvertising(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.SetAdvPHY(h.ctx, AdvExtCoded))

	var ops []string
	for _, c := range h.sim.Commands() {
		if c.Op == "SetAdvertising" || c.Op == "SetAdvPHY" {
			ops = append(ops, c.Op+" "+c.Args)
		}
	}
	require.GreaterOrEqual(t, len(ops), 3)
	assert.Equal(t, []string{
		"SetAdvertising enable=false",
		"SetAdvPHY phy=Coded legacy=false",
		"SetAdvertising enable=true",
	}, ops[len(ops)-3:])
	assert.True(t, h.status().Advertising)

	assert.ErrorIs(t, h.ctrl.SetScanPHY(h.ctx, hci.MaskPHY2M), ErrInvalidPHY)
	require.NoError(t, h.ctrl.SetScanPHY(h.ctx, hci.MaskPHY1M|hci.MaskPHYCoded))
}

func TestPeriodicTaskCopiesValue(t *testing.T) {
	h := newHarness(t, withPeers(1))
	h.connectAll()
	require.NoError(t, h.ctrl.Profile().WriteFromPeer(Char3, []byte{0x09}))

	h.clk.Add(h.cfg.PeriodicInterval)
	require.Eventually(t, func() bool {
		v, err := h.ctrl.Profile().Get(Char4)
		return err == nil && len(v) == 1 && v[0] == 0x09
	}, time.Second, 5*time.Millisecond)
}

func TestPairingKeepsIdentityAddress(t *testing.T) {
	h := newHarness(t, withPeers(1))
	h.connectAll()
	conn := h.status().Links[0].Handle
	id := bluetooth.MAC{0xC0, 0xFF, 0xEE, 0x00, 0x00, 0x01}

	require.NoError(t, h.sim.Post(wire.TagPasscodeNeeded, wire.PasscodeRequest{Conn: conn}))
	require.NoError(t, h.sim.Post(wire.TagPairingState, wire.PairingStatus{
		Conn: conn, State: wire.PairingComplete, Status: hci.StatusSuccess, IDAddr: &id,
	}))
	assert.Equal(t, id, h.link(conn).Addr)

	var replies []string
	for _, c := range h.sim.Commands() {
		if c.Op == "PasscodeReply" {
			replies = append(replies, c.Args)
		}
	}
	assert.Equal(t, []string{"status=Success passcode=123456"}, replies)
}

func TestKeyChangesForwarded(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.sim.Post(wire.TagKeyChange, wire.KeyChange{Keys: wire.KeyRight}))
	h.status()

	select {
	case k := <-h.ctrl.Keys():
		assert.Equal(t, wire.KeyRight, k)
	default:
		t.Fatal("key change not forwarded")
	}
}

func TestRPAReadTicker(t *testing.T) {
	rpa := bluetooth.MAC{0x01, 0x02, 0x03, 0x04, 0x05, 0x46}
	h := newHarness(t, withConfig(func(cfg *config.Config) {
		cfg.RPAReadInterval = time.Minute
	}))
	h.sim.RotateRPA(rpa)

	h.clk.Add(time.Minute)
	require.Eventually(t, func() bool {
		return h.status().RPA == rpa
	}, time.Second, 5*time.Millisecond)
}

func TestQueueFullReleasesPayload(t *testing.T) {
	cfg := config.Default()
	cfg.AppQueueDepth = 1
	ctrl, err := New(cfg, wire.NewSimStack(nil), nvstore.NewMemory(), imgstore.NewFileStore("unused"))
	require.NoError(t, err)

	released := 0
	release := func() { released++ }
	require.NoError(t, ctrl.Post(wire.TagPeriodic, nil, release))
	err = ctrl.Post(wire.TagPeriodic, nil, release)
	require.Error(t, err)
	assert.True(t, errors.Is(err, wire.ErrQueueFull))
	assert.Equal(t, 1, released)
	assert.Equal(t, float64(1), testutil.ToFloat64(ctrl.Metrics().Dropped.WithLabelValues("app")))
}

func TestCommandsAfterStop(t *testing.T) {
	cfg := config.Default()
	sim := wire.NewSimStack(wire.PerfectSimulationConfig())
	ctrl, err := New(cfg, sim, nvstore.NewMemory(), imgstore.NewFileStore("unused"), WithClock(clock.NewMock()))
	require.NoError(t, err)
	sim.Attach(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()
	require.NoError(t, ctrl.Advertise(context.Background()))
	cancel()
	require.NoError(t, <-done)

	assert.ErrorIs(t, ctrl.Discover(context.Background()), ErrStopped)
	require.NoError(t, ctrl.Close())
}

// newIdleController returns a controller whose loop is not running, so tests
// decide when queued events are drained
func newIdleController(t *testing.T) (*Controller, *wire.SimStack, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	sim := wire.NewSimStack(wire.PerfectSimulationConfig())
	ctrl, err := New(config.Default(), sim, nvstore.NewMemory(), imgstore.NewFileStore("unused"), WithClock(mock))
	require.NoError(t, err)
	sim.Attach(ctrl)
	t.Cleanup(func() {
		ctrl.shutdown()
		require.NoError(t, ctrl.Close())
	})
	return ctrl, sim, mock
}

func TestUnknownAppTagReleasesPayload(t *testing.T) {
	ctrl, _, _ := newIdleController(t)

	released := 0
	require.NoError(t, ctrl.Post(wire.AppTag(99), "payload", func() { released++ }))
	ctrl.drain()

	assert.Equal(t, 1, released)
	assert.Zero(t, len(ctrl.appQ))
}

func TestEventsCausedByHandlersDrainInOnePass(t *testing.T) {
	ctrl, sim, _ := newIdleController(t)
	peer := wire.NewProfilePeer(bluetooth.MAC{0x10, 0x01, 0x02, 0x03, 0x04, 0x05}, testService, testChar)
	sim.AddPeer(peer)
	sim.Init()
	ctrl.drain()

	conn, err := sim.AcceptFrom(peer.Addr)
	require.NoError(t, err)
	ctrl.drain()
	ctrl.selected = conn

	// discovery runs MTU exchange, service and characteristic lookups, each
	// answered onto the stack queue while the previous event is dispatched
	require.NoError(t, ctrl.Post(wire.TagSvcDisc, nil, nil))
	ctrl.drain()

	assert.NotZero(t, ctrl.table.MustGet(conn).CharHandle)
	assert.Zero(t, len(ctrl.stackQ))
	assert.Zero(t, len(ctrl.appQ))
}

func TestQueuedParamUpdateHoldsItsMessage(t *testing.T) {
	ctrl, sim, _ := newIdleController(t)
	var conns []uint16
	for i := 0; i < 3; i++ {
		peer := wire.NewProfilePeer(bluetooth.MAC{byte(0x10 + i), 0x01, 0x02, 0x03, 0x04, 0x05}, testService, testChar)
		sim.AddPeer(peer)
	}
	sim.Init()
	ctrl.drain()
	for i := 0; i < 3; i++ {
		peer := bluetooth.MAC{byte(0x10 + i), 0x01, 0x02, 0x03, 0x04, 0x05}
		conn, err := sim.AcceptFrom(peer)
		require.NoError(t, err)
		ctrl.drain()
		conns = append(conns, conn)
	}
	a, b, c := conns[0], conns[1], conns[2]
	sim.HoldParamUpdates(true)

	released := map[uint16]int{}
	post := func(conn uint16) {
		due := wire.ParamUpdateDue{Conn: conn, Arm: ctrl.table.MustGet(conn).ParamArm}
		require.NoError(t, ctrl.Post(wire.TagSendParamUpdate, due, func() { released[conn]++ }))
		ctrl.drain()
	}

	post(a)
	assert.Equal(t, 1, released[a], "sent at once")
	post(b)
	post(c)
	assert.Equal(t, []uint16{b, c}, ctrl.params.Queue().Handles())
	assert.Zero(t, released[b], "queued behind the update in flight")
	assert.Zero(t, released[c])

	sim.PeerDisconnect(c, hci.StatusConnectionTimeout)
	ctrl.drain()
	assert.Equal(t, 1, released[c])
	assert.Zero(t, released[b])

	require.True(t, sim.CompleteParamUpdate(hci.StatusSuccess))
	ctrl.drain()
	assert.Equal(t, 1, released[b])
	assert.Empty(t, ctrl.heldParams)
	assert.Equal(t, 4, sim.CommandCount("UpdateLinkParams"), "a, b and c, then b again")
}

func TestStaleParamTimerIgnoredForReusedHandle(t *testing.T) {
	ctrl, sim, mock := newIdleController(t)
	established := wire.LinkEstablished{
		Conn:   5,
		Addr:   bluetooth.MAC{0x10, 0x01, 0x02, 0x03, 0x04, 0x05},
		Role:   wire.RolePeripheral,
		PHY:    hci.PHY1M,
		Status: hci.StatusSuccess,
	}
	require.NoError(t, ctrl.Deliver(established, nil))
	ctrl.drain()
	require.NotNil(t, ctrl.table.MustGet(5).ParamTimer)

	// the timer fires but its message is still queued when the link ends and
	// a new link gets the same handle
	mock.Add(ctrl.cfg.ParamUpdateDelay)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ctrl.Deliver(wire.LinkTerminated{Conn: 5, Reason: hci.StatusConnectionTimeout}, nil))
	require.NoError(t, ctrl.Deliver(established, nil))
	ctrl.drain()

	assert.Zero(t, sim.CommandCount("UpdateLinkParams"))
	assert.NotNil(t, ctrl.table.MustGet(5).ParamTimer, "the new link keeps its own delay")

	mock.Add(ctrl.cfg.ParamUpdateDelay)
	time.Sleep(20 * time.Millisecond)
	ctrl.drain()
	assert.Equal(t, 1, sim.CommandCount("UpdateLinkParams"))
	assert.Nil(t, ctrl.table.MustGet(5).ParamTimer)
}
