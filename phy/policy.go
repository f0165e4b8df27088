package phy

import (
	"fmt"

	"github.com/user/multirole-blue/logger"
	"github.com/user/multirole-blue/wire/hci"
)

// Commander sends LE Set PHY to the stack
type Commander interface {
	SetPHY(conn uint16, allPHYs, txPHYs, rxPHYs uint8, opts hci.PHYOption) error
}

// Lookup resolves a connection handle to its PHY state
type Lookup func(conn uint16) (*Link, bool)

// Policy decides and issues PHY changes for every link
type Policy struct {
	cmd    Commander
	corr   *Correlator
	prefix string
}

// NewPolicy creates a policy issuing commands through cmd. depth bounds the
// number of outstanding set-phy commands.
func NewPolicy(cmd Commander, depth int, prefix string) *Policy {
	return &Policy{
		cmd:    cmd,
		corr:   NewCorrelator(depth),
		prefix: fmt.Sprintf("%s PHY", prefix),
	}
}

// Correlator exposes the outstanding command queue
func (p *Policy) Correlator() *Correlator {
	return p.corr
}

// Evaluate decides whether the link's average calls for a PHY change. It does
// not modify the link.
func (p *Policy) Evaluate(l *Link) (Target, bool) {
	if l.InProgress {
		return TargetNone, false
	}

	target := Band(l.Average)
	if l.On(target) {
		return target, false
	}

	// A target that already failed twice in a row is not requested again
	if l.Requested == target && l.FailCount >= MaxFailures {
		return target, false
	}
	return target, true
}

// OnSample feeds an RSSI reading for an auto-adapting link and requests a new
// PHY when the band changed. Returns the requested target, if any.
func (p *Policy) OnSample(conn uint16, l *Link, rssi int8) (Target, bool) {
	avg := l.AddSample(rssi)
	logger.Trace(p.prefix, "conn=%d rssi=%d avg=%d", conn, rssi, avg)

	if !l.Auto {
		return TargetNone, false
	}

	target, ok := p.Evaluate(l)
	if !ok {
		return TargetNone, false
	}
	if err := p.issue(conn, target); err != nil {
		logger.Warn(p.prefix, "conn=%d set-phy %s skipped: %v", conn, target, err)
		return TargetNone, false
	}

	if l.Requested != target {
		l.FailCount = 0
	}
	l.Requested = target
	l.InProgress = true
	logger.Info(p.prefix, "conn=%d avg %d dBm, requesting %s", conn, avg, target)
	return target, true
}

// Manual applies an operator preference. Auto turns adaptation on; any other
// preference turns it off and requests that PHY once.
func (p *Policy) Manual(conn uint16, l *Link, pref Preference) error {
	if pref == PrefAuto {
		l.Auto = true
		return nil
	}

	target := pref.Target()
	if target == TargetNone {
		return fmt.Errorf("%w: %d", ErrUnknownPreference, pref)
	}

	l.Auto = false
	if err := p.issue(conn, target); err != nil {
		return err
	}
	l.Requested = target
	return nil
}

// issue pushes the correlation entry and sends the command. Nothing is
// recorded when either step fails.
func (p *Policy) issue(conn uint16, target Target) error {
	if err := p.corr.Push(conn); err != nil {
		return err
	}

	mask := target.PHY().Mask()
	if err := p.cmd.SetPHY(conn, 0, mask, mask, target.Option()); err != nil {
		p.corr.DropNewest()
		return fmt.Errorf("phy: set-phy on conn %d: %w", conn, err)
	}
	return nil
}

// OnCommandStatus resolves a set-phy command status against the oldest
// outstanding request. The returned handle is the link it was resolved to;
// ok is false when the queue was empty or the link is gone.
func (p *Policy) OnCommandStatus(status hci.Status, lookup Lookup) (uint16, bool) {
	conn, ok := p.corr.Pop()
	if !ok {
		logger.Debug(p.prefix, "command status %s with no outstanding set-phy", status)
		return 0, false
	}

	l, ok := lookup(conn)
	if !ok {
		logger.Debug(p.prefix, "discarding set-phy status for removed conn=%d", conn)
		return conn, false
	}

	if status != hci.StatusSuccess {
		l.InProgress = false
		l.FailCount++
		logger.Warn(p.prefix, "conn=%d set-phy rejected: %s (failures=%d)", conn, status, l.FailCount)
	}
	return conn, true
}

// OnUpdateComplete applies a PHY update complete event
func (p *Policy) OnUpdateComplete(conn uint16, l *Link, status hci.Status, rx hci.PHY) {
	l.InProgress = false
	if status == hci.StatusSuccess {
		l.Current = rx
		l.Coding = hci.PHYOptionNone
		if rx == hci.PHYCoded && l.Requested.PHY() == hci.PHYCoded {
			l.Coding = l.Requested.Option()
		}
	}

	if l.Requested.PHY() != rx {
		l.FailCount++
		logger.Warn(p.prefix, "conn=%d wanted %s, got %s (failures=%d)", conn, l.Requested, rx, l.FailCount)
		return
	}

	l.FailCount = 0
	l.Requested = TargetNone
	logger.Info(p.prefix, "conn=%d now on %s", conn, rx)
}
