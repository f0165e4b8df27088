package multirole

import (
	"github.com/user/multirole-blue/logger"
	"github.com/user/multirole-blue/oadreset"
	"github.com/user/multirole-blue/wire"
	"github.com/user/multirole-blue/wire/hci"
)

// handleAppMessage routes one application event. It returns true when the
// handler took over releasing the envelope.
func (c *Controller) handleAppMessage(env *wire.Envelope, msg wire.AppMessage) bool {
	switch msg.Tag {
	case wire.TagCharChange:
		if p, ok := msg.Payload.(wire.CharChange); ok {
			c.onCharChange(p.ParamID)
		}
	case wire.TagKeyChange:
		if p, ok := msg.Payload.(wire.KeyChange); ok {
			c.onKeys(p.Keys)
		}
	case wire.TagAdvReport:
		if p, ok := msg.Payload.(wire.AdvReport); ok {
			c.onAdvReport(p)
		}
	case wire.TagScanEnabled:
		c.scanning = true
		logger.Info(c.prefix, "discovering...")
	case wire.TagScanDisabled:
		c.scanning = false
		c.metrics.ScanResults.Set(float64(c.scanList.Len()))
		logger.Info(c.prefix, "%d devices discovered", c.scanList.Len())
	case wire.TagSvcDisc:
		c.startDiscovery()
	case wire.TagAdv:
		if p, ok := msg.Payload.(wire.AdvEvent); ok {
			c.onAdvEvent(p)
		}
	case wire.TagPairingState:
		if p, ok := msg.Payload.(wire.PairingStatus); ok {
			c.onPairingState(p)
		}
	case wire.TagPasscodeNeeded:
		if p, ok := msg.Payload.(wire.PasscodeRequest); ok {
			c.onPasscode(p)
		}
	case wire.TagSendParamUpdate:
		if due, ok := msg.Payload.(wire.ParamUpdateDue); ok {
			return c.sendParamUpdate(env, due)
		}
	case wire.TagPeriodic:
		c.performPeriodicTask()
	case wire.TagReadRPA:
		c.updateRPA()
	case wire.TagInsufficientMem:
		c.onInsufficientMemory()
	case wire.TagConnEvt:
		if p, ok := msg.Payload.(wire.ConnEventReport); ok {
			c.onConnEvent(p)
		}
	case wire.TagOADReset:
		if p, ok := msg.Payload.(wire.OADResetWrite); ok {
			if err := c.reset.OnResetWrite(p.Conn, p.BIMVar); err != nil {
				logger.Error(c.prefix, "%v", err)
			}
		}
	default:
		logger.Debug(c.prefix, "ignoring application event %s", msg.Tag)
	}
	return false
}

func (c *Controller) onCharChange(id uint8) {
	switch id {
	case Char1, Char3:
		v, err := c.profile.Get(id)
		if err != nil || len(v) == 0 {
			return
		}
		logger.Info(c.prefix, "char %d: %d", id, v[0])
	default:
		logger.Debug(c.prefix, "unexpected change of char %d", id)
	}
}

func (c *Controller) onKeys(keys uint8) {
	select {
	case c.keys <- keys:
	default:
		logger.Debug(c.prefix, "key change 0x%02X dropped, no reader", keys)
	}
}

func (c *Controller) onAdvReport(r wire.AdvReport) {
	if c.scanList.Add(r) {
		logger.Info(c.prefix, "discovered: %s %s", r.Addr.String(), r.AddrType)
	}
}

// startDiscovery runs discovery on the selected link
func (c *Controller) startDiscovery() {
	if c.selected == wire.InvalidConnHandle {
		logger.Debug(c.prefix, "service discovery without a selected link")
		return
	}
	rec := c.table.MustGet(c.selected)
	if err := c.disc.Start(&rec.Disc, rec.Handle, c.maxPDUSize); err != nil {
		logger.Warn(c.prefix, "%v", err)
	}
}

func (c *Controller) onAdvEvent(e wire.AdvEvent) {
	switch e.Kind {
	case wire.AdvStartAfterEnable:
		c.advertising = true
		logger.Info(c.prefix, "adv set %d enabled", e.SetHandle)
	case wire.AdvEndAfterDisable:
		c.advertising = false
		logger.Info(c.prefix, "adv set %d disabled", e.SetHandle)
	case wire.AdvSetTerminated:
		c.advertising = false
		logger.Info(c.prefix, "adv set %d disabled after conn %d", e.SetHandle, e.Conn)
	}
}

func (c *Controller) onPairingState(p wire.PairingStatus) {
	c.journal.LogPairing(p.Conn, p.State, p.Status)
	if p.Status != hci.StatusSuccess {
		logger.Warn(c.prefix, "conn=%d pairing %s failed: %s", p.Conn, p.State, p.Status)
		return
	}
	logger.Info(c.prefix, "conn=%d pairing %s", p.Conn, p.State)

	if p.State != wire.PairingComplete || p.IDAddr == nil {
		return
	}
	rec, ok := c.table.Get(p.Conn)
	if !ok {
		return
	}
	// The peer used a private address; keep its identity address instead
	rec.Addr = *p.IDAddr
	logger.Info(c.prefix, "conn=%d addr updated: %s", p.Conn, rec.Addr.String())
}

func (c *Controller) onPasscode(p wire.PasscodeRequest) {
	if p.UIOutputs {
		logger.Info(c.prefix, "passcode: %06d", c.cfg.Passcode)
	}
	if err := c.stack.PasscodeReply(p.Conn, hci.StatusSuccess, c.cfg.Passcode); err != nil {
		logger.Warn(c.prefix, "conn=%d passcode reply: %v", p.Conn, err)
	}
}

// sendParamUpdate requests the desired parameters once a link's delay
// expired. While the request waits behind another update the envelope is
// held, and it is released when the link leaves the queue.
func (c *Controller) sendParamUpdate(env *wire.Envelope, due wire.ParamUpdateDue) bool {
	rec, ok := c.table.Get(due.Conn)
	if !ok || !c.params.Due(rec, due) {
		logger.Debug(c.prefix, "stale param update timer for conn=%d", due.Conn)
		return false
	}
	if err := c.params.Send(rec); err != nil {
		logger.Warn(c.prefix, "%v", err)
	}
	c.updateGauges()

	if !c.params.Queue().Contains(due.Conn) {
		return false
	}
	if held, ok := c.heldParams[due.Conn]; ok {
		held.Release()
	}
	c.heldParams[due.Conn] = env
	return true
}

// releaseHeldParams releases the envelopes of links no longer queued
func (c *Controller) releaseHeldParams() {
	for handle, env := range c.heldParams {
		if !c.params.Queue().Contains(handle) {
			env.Release()
			delete(c.heldParams, handle)
		}
	}
}

// performPeriodicTask copies the third profile value into the fourth
func (c *Controller) performPeriodicTask() {
	v, err := c.profile.Get(Char3)
	if err != nil {
		return
	}
	if err := c.profile.Set(Char4, v); err != nil {
		logger.Warn(c.prefix, "periodic task: %v", err)
	}
}

func (c *Controller) updateRPA() {
	addr, err := c.stack.ReadLocalRPA()
	if err != nil {
		logger.Warn(c.prefix, "read RPA: %v", err)
		return
	}
	if addr != c.rpa {
		c.rpa = addr
		logger.Info(c.prefix, "RP addr: %s", addr.String())
	}
}

func (c *Controller) onInsufficientMemory() {
	logger.Warn(c.prefix, "insufficient memory")
	// A running scan is the largest producer of events
	if c.scanning {
		if err := c.stack.StopScan(); err != nil {
			logger.Warn(c.prefix, "stop scan: %v", err)
		}
	}
}

// onConnEvent hands the event to a pending reset first. Otherwise it samples
// the RSSI of auto-PHY links.
func (c *Controller) onConnEvent(r wire.ConnEventReport) {
	before := c.reset.State()
	if c.reset.OnConnEvent(c.ctx, r.Conn) {
		if before != oadreset.ResetIssued && c.reset.State() == oadreset.ResetIssued {
			c.metrics.Resets.Inc()
		}
		return
	}

	rec, ok := c.table.Get(r.Conn)
	if !ok || !rec.PHY.Auto {
		return
	}
	if err := c.stack.ReadRSSI(r.Conn); err != nil {
		logger.Debug(c.prefix, "conn=%d read RSSI: %v", r.Conn, err)
	}
}
