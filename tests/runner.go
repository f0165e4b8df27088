package tests

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
	"tinygo.org/x/bluetooth"

	"github.com/user/multirole-blue/config"
	"github.com/user/multirole-blue/imgstore"
	"github.com/user/multirole-blue/logger"
	"github.com/user/multirole-blue/menu"
	"github.com/user/multirole-blue/multirole"
	"github.com/user/multirole-blue/nvstore"
	"github.com/user/multirole-blue/wire"
	"github.com/user/multirole-blue/wire/debug"
	"github.com/user/multirole-blue/wire/hci"
	"github.com/user/multirole-blue/wire/l2cap"
)

const (
	defaultClockStepMs = 250

	// settleDelay lets timer callbacks started by a clock step post their
	// events before the next barrier
	settleDelay = 5 * time.Millisecond

	// bootValidation is the image validation word before an update reset
	bootValidation = 0x03
)

// ScenarioRunner executes a scenario against a controller on the simulated stack
type ScenarioRunner struct {
	scenario *Scenario
	dir      string
	prefix   string

	cfg   *config.Config
	sim   *wire.SimStack
	clk   *clock.Mock
	nv    *nvstore.MemoryStore
	ctrl  *multirole.Controller
	menu  *menu.Menu
	out   bytes.Buffer
	peers map[string]bluetooth.MAC

	elapsedMs        int
	eventLog         []EventLogEntry
	assertionResults []AssertionResult

	cancel context.CancelFunc
	group  *errgroup.Group
}

// EventLogEntry records an event that occurred during the scenario
type EventLogEntry struct {
	TimeMs    int
	Target    string
	EventType string
	Message   string
}

// AssertionResult records the outcome of an assertion
type AssertionResult struct {
	Assertion *Assertion
	Passed    bool
	Message   string
}

// NewScenarioRunner creates a runner keeping its image and journal files in dir
func NewScenarioRunner(scenario *Scenario, dir string) *ScenarioRunner {
	return &ScenarioRunner{
		scenario: scenario,
		dir:      dir,
		prefix:   "replay " + scenario.Name,
		peers:    make(map[string]bluetooth.MAC),
	}
}

// JournalPath is the link event journal written during the run
func (r *ScenarioRunner) JournalPath() string {
	return filepath.Join(r.dir, "link_events.jsonl")
}

// Controller returns the controller under test, nil before Setup
func (r *ScenarioRunner) Controller() *multirole.Controller {
	return r.ctrl
}

// Stack returns the simulated stack, nil before Setup
func (r *ScenarioRunner) Stack() *wire.SimStack {
	return r.sim
}

// Setup builds the peers and starts the controller
func (r *ScenarioRunner) Setup(ctx context.Context) error {
	if errs := r.scenario.Validate(); len(errs) > 0 {
		return fmt.Errorf("scenario validation failed: %v", errs)
	}

	r.cfg = r.config()
	if err := r.cfg.Validate(); err != nil {
		return err
	}

	r.sim = wire.NewSimStack(wire.PerfectSimulationConfig())
	r.sim.SetDebugLogger(debug.NewLogger(r.dir, true))
	for _, pc := range r.scenario.Peers {
		peer, err := r.createPeer(pc)
		if err != nil {
			return fmt.Errorf("failed to create peer %s: %w", pc.ID, err)
		}
		r.sim.AddPeer(peer)
		r.peers[pc.ID] = peer.Addr
	}

	r.nv = nvstore.NewMemory()
	if r.scenario.Config.ServiceChanged {
		if err := nvstore.WriteFlag(ctx, r.nv, nvstore.ServiceChangedKey, true); err != nil {
			return err
		}
	}

	imgPath := filepath.Join(r.dir, "image.bin")
	if err := imgstore.WriteImage(imgPath, imgstore.Header{Validation: bootValidation}); err != nil {
		return err
	}

	id := "replay-" + strings.ReplaceAll(r.scenario.Name, " ", "-")
	r.clk = clock.NewMock()
	ctrl, err := multirole.New(r.cfg, r.sim, r.nv, imgstore.NewFileStore(imgPath),
		multirole.WithClock(r.clk),
		multirole.WithInstanceID(id),
		multirole.WithJournal(wire.NewLinkJournalAt(id, r.JournalPath())))
	if err != nil {
		return err
	}
	r.ctrl = ctrl
	r.menu = menu.New(ctrl, &r.out)
	r.sim.Attach(ctrl)

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.group, runCtx = errgroup.WithContext(runCtx)
	r.group.Go(func() error { return ctrl.Run(runCtx) })

	r.sim.Init()
	if _, err := ctrl.Status(ctx); err != nil {
		return err
	}
	logger.Info(r.prefix, "set up %d peers", len(r.peers))
	return nil
}

func (r *ScenarioRunner) config() *config.Config {
	cfg := config.Default()
	sc := r.scenario.Config
	if sc.MaxConnections > 0 {
		cfg.MaxConnections = sc.MaxConnections
	}
	if sc.MaxScanResults > 0 {
		cfg.MaxScanResults = sc.MaxScanResults
	}
	if sc.ParamUpdateDelayMs > 0 {
		cfg.ParamUpdateDelay = time.Duration(sc.ParamUpdateDelayMs) * time.Millisecond
	}
	if sc.PeriodicIntervalMs > 0 {
		cfg.PeriodicInterval = time.Duration(sc.PeriodicIntervalMs) * time.Millisecond
	}
	if sc.RPAReadIntervalMs > 0 {
		cfg.RPAReadInterval = time.Duration(sc.RPAReadIntervalMs) * time.Millisecond
	}
	return cfg
}

func (r *ScenarioRunner) createPeer(pc PeerConfig) (*wire.SimPeer, error) {
	addr, err := pc.MAC()
	if err != nil {
		return nil, err
	}
	service := pc.ServiceUUID
	if service == 0 {
		service = uint16(r.cfg.ServiceUUID)
	}

	peer := wire.NewProfilePeer(addr, service, uint16(r.cfg.CharacteristicUUID))
	if pc.RSSI != 0 {
		peer.RSSI = pc.RSSI
	}
	if len(pc.SupportedPHYs) > 0 {
		mask, err := phyMask(pc.SupportedPHYs)
		if err != nil {
			return nil, err
		}
		peer.SupportedPHYs = mask
	}
	peer.RejectPHY = pc.RejectPHY
	return peer, nil
}

func phyMask(names []string) (uint8, error) {
	var mask uint8
	for _, name := range names {
		switch strings.ToLower(name) {
		case "1m":
			mask |= hci.MaskPHY1M
		case "2m":
			mask |= hci.MaskPHY2M
		case "coded":
			mask |= hci.MaskPHYCoded
		default:
			return 0, fmt.Errorf("unknown PHY %q", name)
		}
	}
	return mask, nil
}

// Run executes the timeline in time order. A failing event is logged and the
// run continues.
func (r *ScenarioRunner) Run(ctx context.Context) error {
	if r.ctrl == nil {
		return errors.New("runner not set up")
	}

	sort.SliceStable(r.scenario.Timeline, func(i, j int) bool {
		return r.scenario.Timeline[i].TimeMs < r.scenario.Timeline[j].TimeMs
	})

	for i := range r.scenario.Timeline {
		event := &r.scenario.Timeline[i]
		if err := r.advanceTo(ctx, event.TimeMs); err != nil {
			return err
		}
		if err := r.executeEvent(ctx, event); err != nil {
			r.logEvent(event.TimeMs, event.Target, "error", fmt.Sprintf("%s failed: %v", event.Action, err))
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// advanceTo moves the mock clock forward in steps so timers fire in order
func (r *ScenarioRunner) advanceTo(ctx context.Context, timeMs int) error {
	step := r.scenario.Config.ClockStepMs
	if step <= 0 {
		step = defaultClockStepMs
	}
	for r.elapsedMs < timeMs {
		d := timeMs - r.elapsedMs
		if d > step {
			d = step
		}
		r.clk.Add(time.Duration(d) * time.Millisecond)
		r.elapsedMs += d
		time.Sleep(settleDelay)
		if err := r.barrier(ctx); err != nil {
			return err
		}
	}
	return nil
}

// barrier returns once the controller has handled everything queued so far
func (r *ScenarioRunner) barrier(ctx context.Context) error {
	_, err := r.ctrl.Status(ctx)
	return err
}

// executeEvent executes a single timeline event
func (r *ScenarioRunner) executeEvent(ctx context.Context, event *TimelineEvent) error {
	msg := event.Comment
	if msg == "" {
		msg = event.Action
	}
	r.logEvent(event.TimeMs, event.Target, event.Action, msg)

	var err error
	switch event.Action {
	case ActionCommand:
		err = r.command(ctx, event.TimeMs, dataString(event.Data, "line", ""))
	case ActionScan:
		err = r.command(ctx, event.TimeMs, "scan")
	case ActionStopScan:
		err = r.command(ctx, event.TimeMs, "stop")
	case ActionConnect:
		err = r.handleConnect(ctx, event)
	case ActionCancel:
		err = r.command(ctx, event.TimeMs, "cancel")
	case ActionSelect:
		err = r.handleSelect(ctx, event)
	case ActionRead:
		err = r.command(ctx, event.TimeMs, "read")
	case ActionWrite:
		err = r.command(ctx, event.TimeMs, strings.TrimSpace("write "+dataString(event.Data, "value", "")))
	case ActionConnUpdate:
		err = r.command(ctx, event.TimeMs, "update")
	case ActionSetPHY:
		err = r.command(ctx, event.TimeMs, "phy "+dataString(event.Data, "phy", ""))
	case ActionSetInitPHY:
		err = r.command(ctx, event.TimeMs, "initphy "+dataString(event.Data, "phys", ""))
	case ActionSetScanPHY:
		err = r.command(ctx, event.TimeMs, "scanphy "+dataString(event.Data, "phys", ""))
	case ActionSetAdvPHY:
		err = r.command(ctx, event.TimeMs, "advphy "+dataString(event.Data, "kind", ""))
	case ActionDisconnect:
		if event.Target != "" {
			if err = r.handleSelect(ctx, event); err != nil {
				break
			}
		}
		err = r.command(ctx, event.TimeMs, "disconnect")
	case ActionAdvertise:
		err = r.command(ctx, event.TimeMs, "adv")
	case ActionStatusReport:
		err = r.command(ctx, event.TimeMs, "status")
	case ActionPressKeys:
		err = r.handlePressKeys(ctx, event)
	default:
		err = r.executePeerEvent(event)
	}
	if err != nil {
		return err
	}
	return r.barrier(ctx)
}

// executePeerEvent injects radio side behavior through the simulated stack
func (r *ScenarioRunner) executePeerEvent(event *TimelineEvent) error {
	switch event.Action {
	case ActionAccept:
		addr, err := r.peerAddr(event.Target)
		if err != nil {
			return err
		}
		_, err = r.sim.AcceptFrom(addr)
		return err
	case ActionPeerDisconnect:
		conn, err := r.handleOf(event.Target)
		if err != nil {
			return err
		}
		r.sim.PeerDisconnect(conn, hci.Status(dataInt(event.Data, "reason", int(hci.StatusRemoteUserTerminated))))
		return nil
	case ActionSetRSSI:
		addr, err := r.peerAddr(event.Target)
		if err != nil {
			return err
		}
		r.sim.SetPeerRSSI(addr, int8(dataInt(event.Data, "rssi", -45)))
		return nil
	case ActionConnEvents:
		return r.handleConnEvents(event)
	case ActionFlowControl:
		if !r.sim.FlowControl(dataInt(event.Data, "packets", 0)) {
			return errors.New("flow control reports are not registered")
		}
		return nil
	case ActionOADReset:
		conn, err := r.handleOf(event.Target)
		if err != nil {
			return err
		}
		return r.sim.Post(wire.TagOADReset, wire.OADResetWrite{
			Conn:   conn,
			BIMVar: uint16(dataInt(event.Data, "bim_var", 1)),
		})
	case ActionPeerParamRequest:
		return r.handlePeerParamRequest(event)
	case ActionHoldParamUpdates:
		r.sim.HoldParamUpdates(dataBool(event.Data, "hold", true))
		return nil
	case ActionCompleteParamUpdate:
		if !r.sim.CompleteParamUpdate(hci.Status(dataInt(event.Data, "status", int(hci.StatusSuccess)))) {
			return errors.New("no parameter update in flight")
		}
		return nil
	case ActionPairing:
		return r.handlePairing(event)
	case ActionRotateRPA:
		addr, err := bluetooth.ParseMAC(dataString(event.Data, "address", ""))
		if err != nil {
			return err
		}
		r.sim.RotateRPA(addr)
		return nil
	case ActionWait:
		return nil
	default:
		return fmt.Errorf("unknown action: %s", event.Action)
	}
}

// command runs one operator command line through the menu
func (r *ScenarioRunner) command(ctx context.Context, timeMs int, line string) error {
	_, err := r.menu.Exec(ctx, line)
	if out := strings.TrimSpace(r.out.String()); out != "" {
		r.logEvent(timeMs, "", "output", out)
	}
	r.out.Reset()
	return err
}

func (r *ScenarioRunner) handleConnect(ctx context.Context, event *TimelineEvent) error {
	addr, err := r.peerAddr(event.Target)
	if err != nil {
		return err
	}
	st, err := r.ctrl.Status(ctx)
	if err != nil {
		return err
	}
	for i, entry := range st.ScanResults {
		if entry.Addr == addr {
			return r.command(ctx, event.TimeMs, fmt.Sprintf("connect %d", i))
		}
	}
	return fmt.Errorf("%s is not in the scan results", event.Target)
}

func (r *ScenarioRunner) handleSelect(ctx context.Context, event *TimelineEvent) error {
	addr, err := r.peerAddr(event.Target)
	if err != nil {
		return err
	}
	st, err := r.ctrl.Status(ctx)
	if err != nil {
		return err
	}
	for _, l := range st.Links {
		if l.Addr == addr {
			return r.command(ctx, event.TimeMs, fmt.Sprintf("select %d", l.Index))
		}
	}
	return fmt.Errorf("%s is not connected", event.Target)
}

// handlePressKeys posts the key change and feeds what the controller forwards to the menu
func (r *ScenarioRunner) handlePressKeys(ctx context.Context, event *TimelineEvent) error {
	for _, name := range strings.Fields(dataString(event.Data, "keys", "")) {
		var key uint8
		switch name {
		case "left":
			key = wire.KeyLeft
		case "right":
			key = wire.KeyRight
		default:
			return fmt.Errorf("unknown key %q", name)
		}
		if err := r.sim.Post(wire.TagKeyChange, wire.KeyChange{Keys: key}); err != nil {
			return err
		}
		if err := r.barrier(ctx); err != nil {
			return err
		}

		select {
		case keys := <-r.ctrl.Keys():
			r.menu.Key(ctx, keys)
		default:
			return fmt.Errorf("key %s was not forwarded", name)
		}
		if out := strings.TrimSpace(r.out.String()); out != "" {
			r.logEvent(event.TimeMs, "", "output", out)
		}
		r.out.Reset()
	}
	return nil
}

func (r *ScenarioRunner) handleConnEvents(event *TimelineEvent) error {
	count := dataInt(event.Data, "count", 1)
	for i := 0; i < count; i++ {
		if event.Target == "" {
			r.sim.ConnEventAll()
		} else {
			conn, err := r.handleOf(event.Target)
			if err != nil {
				return err
			}
			if !r.sim.ConnEvent(conn) {
				return fmt.Errorf("connection events are not registered on %s", event.Target)
			}
		}
		if err := r.barrier(context.Background()); err != nil {
			return err
		}
	}
	return nil
}

func (r *ScenarioRunner) handlePeerParamRequest(event *TimelineEvent) error {
	conn, err := r.handleOf(event.Target)
	if err != nil {
		return err
	}
	raw, err := l2cap.EncodeConnectionParameterUpdateRequest(l2cap.ConnectionParameterUpdateRequest{
		Identifier: uint8(dataInt(event.Data, "identifier", 1)),
		Params: l2cap.ConnectionParameters{
			IntervalMin:        uint16(dataInt(event.Data, "interval_min", 80)),
			IntervalMax:        uint16(dataInt(event.Data, "interval_max", 100)),
			SlaveLatency:       uint16(dataInt(event.Data, "latency", 0)),
			SupervisionTimeout: uint16(dataInt(event.Data, "timeout", 400)),
		},
	})
	if err != nil {
		return err
	}
	return r.sim.PeerRequest(conn, raw)
}

func (r *ScenarioRunner) handlePairing(event *TimelineEvent) error {
	conn, err := r.handleOf(event.Target)
	if err != nil {
		return err
	}

	var state wire.PairState
	switch dataString(event.Data, "state", "complete") {
	case "started":
		state = wire.PairingStarted
	case "complete":
		state = wire.PairingComplete
	case "encrypted":
		state = wire.PairingEncrypted
	case "bond_saved":
		state = wire.PairingBondSaved
	default:
		return fmt.Errorf("unknown pairing state %q", dataString(event.Data, "state", ""))
	}

	status := wire.PairingStatus{
		Conn:   conn,
		State:  state,
		Status: hci.Status(dataInt(event.Data, "status", int(hci.StatusSuccess))),
	}
	if s := dataString(event.Data, "id_address", ""); s != "" {
		id, err := bluetooth.ParseMAC(s)
		if err != nil {
			return err
		}
		status.IDAddr = &id
	}
	return r.sim.Post(wire.TagPairingState, status)
}

func (r *ScenarioRunner) peerAddr(id string) (bluetooth.MAC, error) {
	addr, ok := r.peers[id]
	if !ok {
		return bluetooth.MAC{}, fmt.Errorf("unknown peer %q", id)
	}
	return addr, nil
}

// handleOf returns the connection handle of a linked peer
func (r *ScenarioRunner) handleOf(id string) (uint16, error) {
	link, err := r.linkOf(context.Background(), id)
	if err != nil {
		return wire.InvalidConnHandle, err
	}
	if link == nil {
		return wire.InvalidConnHandle, fmt.Errorf("%s is not connected", id)
	}
	return link.Handle, nil
}

// linkOf returns the link to a peer, nil when it is not connected
func (r *ScenarioRunner) linkOf(ctx context.Context, id string) (*multirole.LinkStatus, error) {
	addr, err := r.peerAddr(id)
	if err != nil {
		return nil, err
	}
	st, err := r.ctrl.Status(ctx)
	if err != nil {
		return nil, err
	}
	for i := range st.Links {
		if st.Links[i].Addr == addr {
			return &st.Links[i], nil
		}
	}
	return nil, nil
}

// Close stops the controller
func (r *ScenarioRunner) Close() error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	err := r.group.Wait()
	if cerr := r.ctrl.Close(); err == nil {
		err = cerr
	}
	r.cancel = nil
	return err
}

// CheckAssertions validates all assertions against the final state
func (r *ScenarioRunner) CheckAssertions(ctx context.Context) []AssertionResult {
	results := []AssertionResult{}

	for i := range r.scenario.Assertions {
		results = append(results, r.checkAssertion(ctx, &r.scenario.Assertions[i]))
	}

	r.assertionResults = results
	return results
}

// Passed reports whether every checked assertion held
func (r *ScenarioRunner) Passed() bool {
	for _, result := range r.assertionResults {
		if !result.Passed {
			return false
		}
	}
	return true
}

func (r *ScenarioRunner) checkAssertion(ctx context.Context, a *Assertion) AssertionResult {
	passed, msg, err := r.evaluate(ctx, a)
	if err != nil {
		return AssertionResult{Assertion: a, Passed: false, Message: err.Error()}
	}
	return AssertionResult{Assertion: a, Passed: passed, Message: msg}
}

func (r *ScenarioRunner) evaluate(ctx context.Context, a *Assertion) (bool, string, error) {
	st, err := r.ctrl.Status(ctx)
	if err != nil {
		return false, "", err
	}

	switch a.Type {
	case AssertionConnected:
		link, err := r.linkOf(ctx, a.Target)
		if err != nil {
			return false, "", err
		}
		if link == nil {
			return false, a.Target + " not connected", nil
		}
		if role := dataString(a.Data, "role", ""); role != "" && role != link.Role.String() {
			return false, fmt.Sprintf("%s connected as %s, want %s", a.Target, link.Role, role), nil
		}
		return true, fmt.Sprintf("%s connected as %s on handle %d", a.Target, link.Role, link.Handle), nil

	case AssertionDisconnected:
		link, err := r.linkOf(ctx, a.Target)
		if err != nil {
			return false, "", err
		}
		if link != nil {
			return false, fmt.Sprintf("%s still connected on handle %d", a.Target, link.Handle), nil
		}
		return true, a.Target + " not connected", nil

	case AssertionLinkCount:
		want := dataInt(a.Data, "count", 0)
		return len(st.Links) == want, fmt.Sprintf("%d links, want %d", len(st.Links), want), nil

	case AssertionCharDiscovered:
		link, err := r.requireLink(ctx, a.Target)
		if err != nil {
			return false, "", err
		}
		return link.CharHandle != 0, fmt.Sprintf("%s characteristic handle 0x%04X", a.Target, link.CharHandle), nil

	case AssertionPHY:
		link, err := r.requireLink(ctx, a.Target)
		if err != nil {
			return false, "", err
		}
		want := dataString(a.Data, "phy", "")
		ok := strings.EqualFold(link.PHY.String(), want)
		if auto, has := a.Data["auto"]; has {
			ok = ok && auto == link.AutoPHY
		}
		return ok, fmt.Sprintf("%s on %s (auto %t), want %s", a.Target, link.PHY, link.AutoPHY, want), nil

	case AssertionParams:
		link, err := r.requireLink(ctx, a.Target)
		if err != nil {
			return false, "", err
		}
		ok := true
		if want := dataInt(a.Data, "timeout_ms", -1); want >= 0 {
			ok = ok && link.Params.SupervisionTimeoutMs() == uint32(want)
		}
		if want := dataInt(a.Data, "interval_max", -1); want >= 0 {
			ok = ok && link.Params.IntervalMax == uint16(want)
		}
		return ok, fmt.Sprintf("%s interval_max=%d timeout=%dms", a.Target,
			link.Params.IntervalMax, link.Params.SupervisionTimeoutMs()), nil

	case AssertionAdvertising:
		want := dataBool(a.Data, "enabled", true)
		return st.Advertising == want, fmt.Sprintf("advertising %t, want %t", st.Advertising, want), nil

	case AssertionScanResults:
		want := dataInt(a.Data, "count", 0)
		return len(st.ScanResults) == want, fmt.Sprintf("%d scan results, want %d", len(st.ScanResults), want), nil

	case AssertionResetState:
		want := dataString(a.Data, "state", "")
		return st.Reset.String() == want, fmt.Sprintf("reset state %s, want %s", st.Reset, want), nil

	case AssertionResets:
		want := dataInt(a.Data, "count", 0)
		got := r.sim.ResetCount()
		return got == want, fmt.Sprintf("%d resets, want %d", got, want), nil

	case AssertionCommandCount:
		op := dataString(a.Data, "op", "")
		want := dataInt(a.Data, "count", 0)
		got := r.sim.CommandCount(op)
		return got == want, fmt.Sprintf("%d %s commands, want %d", got, op, want), nil

	case AssertionServiceChangedFlag:
		got, err := nvstore.ReadFlag(ctx, r.nv, nvstore.ServiceChangedKey)
		if err != nil && !errors.Is(err, nvstore.ErrNotFound) {
			return false, "", err
		}
		want := dataBool(a.Data, "value", false)
		return got == want, fmt.Sprintf("service changed flag %t, want %t", got, want), nil

	case AssertionProfileValue:
		id := uint8(dataInt(a.Data, "char", 0))
		got, err := r.ctrl.Profile().Get(id)
		if err != nil {
			return false, "", err
		}
		want, err := hex.DecodeString(dataString(a.Data, "value", ""))
		if err != nil {
			return false, "", err
		}
		return bytes.Equal(got, want), fmt.Sprintf("char %d = %X, want %X", id, got, want), nil

	default:
		return false, "", fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

func (r *ScenarioRunner) requireLink(ctx context.Context, id string) (*multirole.LinkStatus, error) {
	link, err := r.linkOf(ctx, id)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, fmt.Errorf("%s is not connected", id)
	}
	return link, nil
}

// logEvent records an event in the log
func (r *ScenarioRunner) logEvent(timeMs int, target, eventType, message string) {
	logger.Debug(r.prefix, "[%dms] %s %s: %s", timeMs, target, eventType, message)
	r.eventLog = append(r.eventLog, EventLogEntry{
		TimeMs:    timeMs,
		Target:    target,
		EventType: eventType,
		Message:   message,
	})
}

// EventLog returns the events recorded so far
func (r *ScenarioRunner) EventLog() []EventLogEntry {
	return r.eventLog
}

// PrintReport writes the scenario execution report
func (r *ScenarioRunner) PrintReport(w io.Writer) {
	fmt.Fprintln(w, "\n=== Scenario Report ===")
	fmt.Fprintf(w, "Name: %s\n", r.scenario.Name)
	fmt.Fprintf(w, "Description: %s\n", r.scenario.Description)
	fmt.Fprintf(w, "Duration: %v\n", r.scenario.Duration())

	fmt.Fprintln(w, "\n--- Event Log ---")
	for _, entry := range r.eventLog {
		target := entry.Target
		if target == "" {
			target = "-"
		}
		fmt.Fprintf(w, "[%dms] [%s] %s: %s\n", entry.TimeMs, target, entry.EventType, entry.Message)
	}

	fmt.Fprintln(w, "\n--- Assertion Results ---")
	passed := 0
	for _, result := range r.assertionResults {
		status := "FAIL"
		if result.Passed {
			status = "PASS"
			passed++
		}
		fmt.Fprintf(w, "%s - %s: %s\n", status, result.Assertion.Type, result.Message)
	}

	fmt.Fprintf(w, "\nTotal: %d/%d assertions passed\n", passed, len(r.assertionResults))
}

// Helper functions

func dataString(data map[string]interface{}, key, def string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%v", v)
	default:
		return def
	}
}

func dataInt(data map[string]interface{}, key string, def int) int {
	switch v := data[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func dataBool(data map[string]interface{}, key string, def bool) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return def
}
