package multirole

import (
	"errors"

	"github.com/user/multirole-blue/conntable"
	"github.com/user/multirole-blue/logger"
	"github.com/user/multirole-blue/wire"
	"github.com/user/multirole-blue/wire/advertising"
	"github.com/user/multirole-blue/wire/att"
	"github.com/user/multirole-blue/wire/hci"
)

func (c *Controller) handleStackEvent(ev wire.Event) {
	switch e := ev.(type) {
	case wire.DeviceInitDone:
		c.onDeviceInit(e)
	case wire.LinkEstablished:
		c.onLinkEstablished(e)
	case wire.LinkTerminated:
		c.onLinkTerminated(e)
	case wire.ConnectingCancelled:
		c.connecting = false
		logger.Info(c.prefix, "connecting attempt cancelled")

	case wire.MTUExchanged:
		c.onDiscoveryResponse(e.Conn, e)
	case wire.ServiceFound:
		c.onDiscoveryResponse(e.Conn, e)
	case wire.CharacteristicsFound:
		c.onDiscoveryResponse(e.Conn, e)
	case wire.ATTError:
		c.onATTError(e)
	case wire.MTUUpdated:
		c.onMTUUpdated(e)
	case wire.ReadResponse:
		c.onReadResponse(e)
	case wire.WriteResponse:
		logger.Info(c.prefix, "conn=%d write sent: %d", e.Conn, c.lastWrite)

	case wire.CommandStatus:
		c.onCommandStatus(e)
	case wire.RSSIRead:
		c.onRSSIRead(e)
	case wire.PHYUpdateComplete:
		c.onPHYUpdateComplete(e)

	case wire.ParamUpdateComplete:
		c.onParamUpdateComplete(e)
	case wire.PeerParamRequest:
		if _, err := c.params.OnPeerRequest(e.Conn, e.Identifier, e.Params); err != nil {
			logger.Warn(c.prefix, "%v", err)
		}
	case wire.FlowControlCredits:
		if err := c.reset.OnFlowControl(e.NumDataPkt); err != nil {
			logger.Error(c.prefix, "%v", err)
		}

	default:
		logger.Debug(c.prefix, "ignoring stack event %s", ev.Kind())
	}
}

func (c *Controller) onDeviceInit(e wire.DeviceInitDone) {
	c.localAddr = e.Addr
	if e.MaxPDUSize > 0 {
		c.maxPDUSize = e.MaxPDUSize
	}
	logger.Info(c.prefix, "initialized, address %s, max PDU %d", e.Addr.String(), c.maxPDUSize)

	data, err := advertising.BuildAdvertisingData(c.cfg.DeviceName, uint16(c.cfg.ServiceUUID))
	if err != nil {
		logger.Error(c.prefix, "advertising data: %v", err)
		return
	}
	if err := c.stack.SetAdvertisingData(data); err != nil {
		logger.Error(c.prefix, "advertising data: %v", err)
		return
	}
	if err := c.stack.SetAdvertising(true); err != nil {
		logger.Warn(c.prefix, "advertising not started: %v", err)
	}
}

func (c *Controller) onLinkEstablished(e wire.LinkEstablished) {
	c.connecting = false
	if e.Status != hci.StatusSuccess {
		logger.Warn(c.prefix, "link to %s failed: %s", e.Addr.String(), e.Status)
		return
	}

	if _, err := c.table.Add(e.Conn, e.Addr, e.AddrType, e.Role); err != nil {
		if errors.Is(err, conntable.ErrFull) {
			logger.Warn(c.prefix, "conn=%d refused: %v", e.Conn, err)
			if terr := c.stack.TerminateLink(e.Conn, hci.StatusMemoryCapacityExceeded); terr != nil {
				logger.Warn(c.prefix, "conn=%d terminate: %v", e.Conn, terr)
			}
			return
		}
		panic(err)
	}

	rec := c.table.MustGet(e.Conn)
	rec.PHY.Current = e.PHY
	rec.Params = e.Params
	c.params.Arm(rec)
	c.journal.LogLinkEstablished(e)
	c.startPeriodic()
	logger.Info(c.prefix, "connected to %s as %s (conn=%d, %d/%d)",
		e.Addr.String(), e.Role, e.Conn, c.table.Len(), c.table.Cap())

	if c.reset.ServiceChangedPending() {
		if err := c.stack.SendServiceChanged(e.Conn); err != nil {
			logger.Warn(c.prefix, "conn=%d service changed: %v", e.Conn, err)
		} else if err := c.reset.ServiceChangedSent(c.ctx); err != nil {
			logger.Error(c.prefix, "clearing service changed flag: %v", err)
		}
	}

	// Advertise while there is room for another link
	if err := c.stack.SetAdvertising(!c.table.Full()); err != nil {
		logger.Warn(c.prefix, "advertising: %v", err)
	}
	c.updateGauges()
}

func (c *Controller) onLinkTerminated(e wire.LinkTerminated) {
	rec, ok := c.table.Get(e.Conn)
	if !ok {
		logger.Debug(c.prefix, "termination of unknown conn=%d", e.Conn)
		return
	}
	addr := rec.Addr

	// Stops the parameter timer and purges queued work in the same step
	if _, err := c.table.Remove(e.Conn); err != nil {
		panic(err)
	}
	c.releaseHeldParams()
	c.journal.LogLinkTerminated(e.Conn, e.Reason)
	logger.Info(c.prefix, "%s disconnected (conn=%d, %s), %d links left",
		addr.String(), e.Conn, e.Reason, c.table.Len())

	if c.selected == e.Conn {
		c.selected = wire.InvalidConnHandle
	}
	if c.table.Len() == 0 {
		c.stopPeriodic()
	}
	if err := c.stack.SetAdvertising(true); err != nil {
		logger.Warn(c.prefix, "advertising: %v", err)
	}
	c.updateGauges()
}

// onDiscoveryResponse advances discovery for a live link. Responses for
// links that are gone or not discovering are dropped.
func (c *Controller) onDiscoveryResponse(conn uint16, ev wire.Event) {
	rec, ok := c.table.Get(conn)
	if !ok {
		logger.Debug(c.prefix, "dropping %s for removed conn=%d", ev.Kind(), conn)
		return
	}
	if !rec.Disc.Active() {
		logger.Debug(c.prefix, "dropping %s for conn=%d, not discovering", ev.Kind(), conn)
		return
	}

	handle, done := c.disc.Handle(&rec.Disc, conn, ev)
	if done {
		rec.CharHandle = handle
	}
}

func (c *Controller) onATTError(e wire.ATTError) {
	if rec, ok := c.table.Get(e.Conn); ok && rec.Disc.Active() {
		c.onDiscoveryResponse(e.Conn, e)
		return
	}

	switch e.RequestOpcode {
	case att.OpReadRequest:
		logger.Warn(c.prefix, "conn=%d read error: %s", e.Conn, att.ErrorName(e.Code))
	case att.OpWriteRequest:
		logger.Warn(c.prefix, "conn=%d write error: %s", e.Conn, att.ErrorName(e.Code))
	default:
		logger.Debug(c.prefix, "conn=%d %s error: %s", e.Conn, att.OpcodeName(e.RequestOpcode), att.ErrorName(e.Code))
	}
}

func (c *Controller) onMTUUpdated(e wire.MTUUpdated) {
	rec, ok := c.table.Get(e.Conn)
	if !ok {
		return
	}
	rec.MTU = e.MTU
	c.journal.LogMTUUpdated(e.Conn, e.MTU)
	logger.Debug(c.prefix, "conn=%d MTU size %d", e.Conn, e.MTU)
}

func (c *Controller) onReadResponse(e wire.ReadResponse) {
	if _, ok := c.table.Get(e.Conn); !ok {
		return
	}
	if len(e.Value) > 0 {
		logger.Info(c.prefix, "conn=%d read rsp: %d", e.Conn, e.Value[0])
	}
	if err := c.profile.Set(Char6, e.Value); err != nil {
		logger.Warn(c.prefix, "storing read value: %v", err)
	}
}

func (c *Controller) onCommandStatus(e wire.CommandStatus) {
	switch e.Opcode {
	case hci.OpLESetPHY:
		if e.Status == hci.StatusUnsupportedRemoteFeature {
			logger.Warn(c.prefix, "PHY change failure, peer does not support this")
		}
		c.phy.OnCommandStatus(e.Status, c.lookupPHY)
	case hci.OpDisconnect:
	default:
		logger.Debug(c.prefix, "command status %s: %s", e.Opcode, e.Status)
	}
}

func (c *Controller) onRSSIRead(e wire.RSSIRead) {
	if e.Status != hci.StatusSuccess {
		logger.Debug(c.prefix, "conn=%d RSSI read failed: %s", e.Conn, e.Status)
		return
	}
	rec, ok := c.table.Get(e.Conn)
	if !ok {
		logger.Debug(c.prefix, "dropping RSSI for removed conn=%d", e.Conn)
		return
	}

	if target, ok := c.phy.OnSample(e.Conn, &rec.PHY, e.RSSI); ok {
		c.metrics.PHYChanges.WithLabelValues(target.String()).Inc()
	}
}

func (c *Controller) onPHYUpdateComplete(e wire.PHYUpdateComplete) {
	rec, ok := c.table.Get(e.Conn)
	if !ok {
		logger.Debug(c.prefix, "dropping PHY update for removed conn=%d", e.Conn)
		return
	}
	c.phy.OnUpdateComplete(e.Conn, &rec.PHY, e.Status, e.RxPHY)
	c.journal.LogPHYUpdated(e.Conn, e.Status, e.RxPHY)
}

func (c *Controller) onParamUpdateComplete(e wire.ParamUpdateComplete) {
	if rec, ok := c.table.Get(e.Conn); ok {
		if e.Status == hci.StatusSuccess {
			rec.Params = e.Params
			logger.Info(c.prefix, "conn=%d updated, timeout %d ms", e.Conn, e.Params.SupervisionTimeoutMs())
		} else {
			logger.Warn(c.prefix, "conn=%d update failed: %s", e.Conn, e.Status)
		}
		c.journal.LogParamsUpdated(e.Conn, e.Status, e.Params)
	}

	// Any completion frees the slot for the next queued link
	c.params.OnUpdateComplete(c.table.Get)
	c.releaseHeldParams()
	c.updateGauges()
}
