// Package paramupdate serializes connection parameter updates across links.
//
// A peripheral link asks for its desired parameters once a delay has passed
// after it was established. The controller can only negotiate one update at a
// time; requests refused because another update is in flight wait in a FIFO
// and are sent, one per completion, in the order they were refused.
package paramupdate

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/user/multirole-blue/conntable"
	"github.com/user/multirole-blue/logger"
	"github.com/user/multirole-blue/wire"
	"github.com/user/multirole-blue/wire/l2cap"
)

// Lookup resolves a handle to its record
type Lookup func(handle uint16) (*conntable.Record, bool)

// Arbiter owns the pending update queue and arms the per-link update timers
type Arbiter struct {
	updater wire.ParamUpdater
	clock   clock.Clock
	delay   time.Duration
	desired l2cap.ConnectionParameters
	fire    func(due wire.ParamUpdateDue)
	queue   Queue
	arms    uint64
	prefix  string
}

// NewArbiter creates an arbiter. fire runs on the timer goroutine when a
// link's update delay expires and must only hand the message to the
// controller loop.
func NewArbiter(updater wire.ParamUpdater, clk clock.Clock, delay time.Duration, fire func(due wire.ParamUpdateDue), prefix string) *Arbiter {
	return &Arbiter{
		updater: updater,
		clock:   clk,
		delay:   delay,
		desired: l2cap.DesiredConnectionParameters(),
		fire:    fire,
		prefix:  fmt.Sprintf("%s ParamUpdate", prefix),
	}
}

// Queue exposes the pending update queue
func (a *Arbiter) Queue() *Queue {
	return &a.queue
}

// Purge drops queued work for a removed link
func (a *Arbiter) Purge(handle uint16) {
	a.queue.Purge(handle)
}

// Arm starts the update delay of a peripheral link. Central links choose
// their own parameters and are left alone.
func (a *Arbiter) Arm(rec *conntable.Record) {
	if rec.Role != wire.RolePeripheral {
		return
	}
	if rec.ParamTimer != nil {
		rec.ParamTimer.Stop()
	}

	a.arms++
	due := wire.ParamUpdateDue{Conn: rec.Handle, Arm: a.arms}
	rec.ParamArm = due.Arm
	rec.ParamTimer = a.clock.AfterFunc(a.delay, func() {
		a.fire(due)
	})
	logger.Debug(a.prefix, "conn=%d update armed in %v", due.Conn, a.delay)
}

// Due reports whether a fired timer message still belongs to rec. Messages
// from a stopped timer, or from an earlier link with the same handle, are not.
func (a *Arbiter) Due(rec *conntable.Record, due wire.ParamUpdateDue) bool {
	return rec.ParamTimer != nil && rec.ParamArm == due.Arm
}

// Send requests the desired parameters for a link. If another update is in
// flight the link is queued instead.
func (a *Arbiter) Send(rec *conntable.Record) error {
	if rec.ParamTimer != nil {
		rec.ParamTimer.Stop()
		rec.ParamTimer = nil
	}

	err := a.updater.UpdateLinkParams(rec.Handle, a.desired)
	switch {
	case err == nil:
		logger.Info(a.prefix, "conn=%d requesting interval %d-%d latency %d timeout %d",
			rec.Handle, a.desired.IntervalMin, a.desired.IntervalMax, a.desired.SlaveLatency, a.desired.SupervisionTimeout)
		return nil
	case errors.Is(err, wire.ErrAlreadyInRequestedMode):
		// A queued link refused again goes to the back, behind later arrivals
		if a.queue.Push(rec.Handle) {
			logger.Debug(a.prefix, "conn=%d queued behind update in flight (%d waiting)", rec.Handle, a.queue.Len())
		}
		return nil
	default:
		return fmt.Errorf("paramupdate: conn %d: %w", rec.Handle, err)
	}
}

// OnUpdateComplete sends the next queued update. Called for every update
// complete event regardless of its status.
func (a *Arbiter) OnUpdateComplete(lookup Lookup) {
	for {
		handle, ok := a.queue.Pop()
		if !ok {
			return
		}
		rec, ok := lookup(handle)
		if !ok {
			logger.Debug(a.prefix, "skipping queued update for removed conn=%d", handle)
			continue
		}
		if err := a.Send(rec); err != nil {
			logger.Warn(a.prefix, "queued update failed: %v", err)
		}
		return
	}
}

// OnPeerRequest answers a peer's parameter request. Parameters are accepted
// as requested when they keep every connection event.
func (a *Arbiter) OnPeerRequest(conn uint16, identifier uint8, params l2cap.ConnectionParameters) (bool, error) {
	accept := l2cap.AcceptPeerRequest(params)
	if err := a.updater.ReplyLinkParamRequest(conn, identifier, accept, params); err != nil {
		return accept, fmt.Errorf("paramupdate: reply to conn %d: %w", conn, err)
	}
	if accept {
		logger.Info(a.prefix, "conn=%d accepted peer parameters interval %d-%d", conn, params.IntervalMin, params.IntervalMax)
	} else {
		logger.Warn(a.prefix, "conn=%d rejected peer parameters with latency %d", conn, params.SlaveLatency)
	}
	return accept, nil
}
