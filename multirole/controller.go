// Package multirole is the link manager: a single loop that owns the
// connection table and routes every stack and application event to the
// discovery, PHY, parameter-update and update-reset components.
//
// Stack callbacks, timers and operator commands never touch controller state
// directly. Stack and application events arrive through the wire.Sink methods
// and are queued on bounded channels; operator commands are closures executed
// on the loop between drain passes.
package multirole

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"tinygo.org/x/bluetooth"

	"github.com/user/multirole-blue/config"
	"github.com/user/multirole-blue/conntable"
	"github.com/user/multirole-blue/discovery"
	"github.com/user/multirole-blue/imgstore"
	"github.com/user/multirole-blue/logger"
	"github.com/user/multirole-blue/metrics"
	"github.com/user/multirole-blue/nvstore"
	"github.com/user/multirole-blue/oadreset"
	"github.com/user/multirole-blue/paramupdate"
	"github.com/user/multirole-blue/phy"
	"github.com/user/multirole-blue/scan"
	"github.com/user/multirole-blue/wire"
	"github.com/user/multirole-blue/wire/hci"
)

// Option customizes a Controller
type Option func(*Controller)

// WithClock replaces the wall clock driving timers and tickers
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

// WithMetrics reports into an existing collector set
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithJournal records link events
func WithJournal(j *wire.LinkJournal) Option {
	return func(c *Controller) { c.journal = j }
}

// WithInstanceID fixes the instance ID used in log prefixes and the journal
func WithInstanceID(id string) Option {
	return func(c *Controller) { c.id = id }
}

// WithProfile serves an existing local profile
func WithProfile(p *Profile) Option {
	return func(c *Controller) { c.profile = p }
}

type command struct {
	name string
	fn   func() error
	done chan error
}

// Controller owns all link manager state
type Controller struct {
	cfg     *config.Config
	stack   wire.Stack
	nv      nvstore.Store
	img     imgstore.Store
	clock   clock.Clock
	metrics *metrics.Metrics
	journal *wire.LinkJournal
	profile *Profile

	id     string
	prefix string

	stackQ chan *wire.Envelope
	appQ   chan *wire.Envelope
	cmdQ   chan command
	keys   chan uint8

	stopped  chan struct{}
	running  atomic.Bool
	lowMem   atomic.Bool
	tickers  sync.WaitGroup
	ctx      context.Context
	periodic func()
	rpaRead  func()

	table    *conntable.Table
	disc     *discovery.Engine
	phy      *phy.Policy
	params   *paramupdate.Arbiter
	reset    *oadreset.Coordinator
	scanList *scan.List

	// fired update messages of links waiting in the update queue
	heldParams map[uint16]*wire.Envelope

	localAddr   bluetooth.MAC
	rpa         bluetooth.MAC
	maxPDUSize  uint16
	selected    uint16
	initPHY     uint8
	advertising bool
	scanning    bool
	connecting  bool
	lastWrite   byte
}

// New creates a controller driving stack. The caller attaches the controller
// to the stack as its wire.Sink.
func New(cfg *config.Config, stack wire.Stack, nv nvstore.Store, img imgstore.Store, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:        cfg,
		stack:      stack,
		nv:         nv,
		img:        img,
		clock:      clock.New(),
		stackQ:     make(chan *wire.Envelope, cfg.StackQueueDepth),
		appQ:       make(chan *wire.Envelope, cfg.AppQueueDepth),
		cmdQ:       make(chan command),
		keys:       make(chan uint8, 8),
		heldParams: make(map[uint16]*wire.Envelope),
		stopped:    make(chan struct{}),
		ctx:        context.Background(),
		maxPDUSize: wire.DefaultMaxPDUSize,
		selected:   wire.InvalidConnHandle,
		initPHY:    hci.MaskPHY1M,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.id == "" {
		c.id = uuid.New().String()
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}
	if c.profile == nil {
		c.profile = NewProfile()
	}

	short := c.id
	if len(short) > 8 {
		short = short[:8]
	}
	c.prefix = fmt.Sprintf("%s MultiRole", short)

	list, err := scan.New(cfg.MaxScanResults, uint16(cfg.ServiceUUID))
	if err != nil {
		return nil, err
	}
	c.scanList = list

	c.params = paramupdate.NewArbiter(stack, c.clock, cfg.ParamUpdateDelay, c.fireParamUpdate, short)
	c.table = conntable.New(cfg.MaxConnections, c.params)
	c.disc = discovery.NewEngine(stack, cfg.LocalMTU, uint16(cfg.ServiceUUID), uint16(cfg.CharacteristicUUID), short)
	c.phy = phy.NewPolicy(stack, cfg.CorrelationDepth, short)
	c.reset = oadreset.New(stack, nv, img, cfg.MaxNumPDU, short)

	c.profile.OnChange(func(id uint8) {
		if err := c.Post(wire.TagCharChange, wire.CharChange{ParamID: id}, nil); err != nil {
			logger.Warn(c.prefix, "char change %d dropped: %v", id, err)
		}
	})
	return c, nil
}

// ID returns the instance ID
func (c *Controller) ID() string {
	return c.id
}

// Profile returns the local profile served to peers
func (c *Controller) Profile() *Profile {
	return c.profile
}

// Metrics returns the controller's collectors
func (c *Controller) Metrics() *metrics.Metrics {
	return c.metrics
}

// Keys delivers key change events to the operator front end
func (c *Controller) Keys() <-chan uint8 {
	return c.keys
}

// Deliver queues a stack event. It never blocks; on a full queue the payload
// is released and wire.ErrQueueFull returned.
func (c *Controller) Deliver(ev wire.Event, release func()) error {
	return c.enqueue(c.stackQ, "stack", wire.NewEnvelope(ev, release))
}

// Post queues an application event. It never blocks; on a full queue the
// payload is released and wire.ErrQueueFull returned.
func (c *Controller) Post(tag wire.AppTag, payload any, release func()) error {
	return c.enqueue(c.appQ, "app", wire.NewEnvelope(wire.AppMessage{Tag: tag, Payload: payload}, release))
}

func (c *Controller) enqueue(q chan *wire.Envelope, name string, env *wire.Envelope) error {
	select {
	case q <- env:
		return nil
	default:
		env.Release()
		c.metrics.Dropped.WithLabelValues(name).Inc()
		c.lowMem.Store(true)
		return fmt.Errorf("%s %s: %w", name, env.Event.Kind(), wire.ErrQueueFull)
	}
}

// Run boots the update-reset state and runs the loop until ctx is done. It
// may be called once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("multirole: already running")
	}
	defer close(c.stopped)

	c.ctx = ctx
	if err := c.reset.Boot(ctx); err != nil {
		return fmt.Errorf("multirole: boot: %w", err)
	}
	if c.cfg.RPAReadInterval > 0 {
		c.rpaRead = c.startTicker(c.cfg.RPAReadInterval, wire.TagReadRPA)
	}
	logger.Info(c.prefix, "running with %d connection slots", c.table.Cap())

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case env := <-c.stackQ:
			c.dispatchStack(env)
		case env := <-c.appQ:
			c.dispatchApp(env)
		case cmd := <-c.cmdQ:
			// Events queued before the command are handled first
			c.drain()
			c.execute(cmd)
		}
		c.drain()
	}
}

// drain empties the stack queue, then the application queue, until both are
// empty. Application events posted by handlers are consumed in the same pass.
func (c *Controller) drain() {
	for {
		n := 0
		for done := false; !done; {
			select {
			case env := <-c.stackQ:
				c.dispatchStack(env)
				n++
			default:
				done = true
			}
		}
		for done := false; !done; {
			select {
			case env := <-c.appQ:
				c.dispatchApp(env)
				n++
			default:
				done = true
			}
		}
		if c.lowMem.Swap(false) {
			c.onInsufficientMemory()
			n++
		}
		if n == 0 {
			return
		}
	}
}

func (c *Controller) execute(cmd command) {
	c.metrics.Dispatched.WithLabelValues("command").Inc()
	err := cmd.fn()
	if err != nil {
		logger.Warn(c.prefix, "%s: %v", cmd.name, err)
	} else {
		logger.Debug(c.prefix, "%s done", cmd.name)
	}
	c.drain()
	cmd.done <- err
}

// exec runs fn on the loop and waits for it and every event it caused
func (c *Controller) exec(ctx context.Context, name string, fn func() error) error {
	cmd := command{name: name, fn: fn, done: make(chan error, 1)}
	select {
	case c.cmdQ <- cmd:
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) dispatchStack(env *wire.Envelope) {
	defer env.Release()
	c.metrics.Dispatched.WithLabelValues("stack").Inc()
	logger.Trace(c.prefix, "stack event %s", env.Event.Kind())
	c.handleStackEvent(env.Event)
}

func (c *Controller) dispatchApp(env *wire.Envelope) {
	c.metrics.Dispatched.WithLabelValues("app").Inc()
	msg, ok := env.Event.(wire.AppMessage)
	if !ok {
		logger.Warn(c.prefix, "unexpected %s on the application queue", env.Event.Kind())
		env.Release()
		return
	}
	logger.Trace(c.prefix, "app event %s", msg.Tag)
	if retain := c.handleAppMessage(env, msg); !retain {
		env.Release()
	}
}

func (c *Controller) fireParamUpdate(due wire.ParamUpdateDue) {
	if err := c.Post(wire.TagSendParamUpdate, due, nil); err != nil {
		logger.Warn(c.prefix, "param update for conn=%d dropped: %v", due.Conn, err)
	}
}

// startTicker posts tag every interval until the returned stop function runs
func (c *Controller) startTicker(interval time.Duration, tag wire.AppTag) func() {
	t := c.clock.Ticker(interval)
	quit := make(chan struct{})
	c.tickers.Add(1)
	go func() {
		defer c.tickers.Done()
		for {
			select {
			case <-t.C:
				if err := c.Post(tag, nil, nil); err != nil {
					logger.Debug(c.prefix, "%s tick dropped: %v", tag, err)
				}
			case <-quit:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.Stop()
			close(quit)
		})
	}
}

func (c *Controller) startPeriodic() {
	if c.periodic != nil {
		return
	}
	c.periodic = c.startTicker(c.cfg.PeriodicInterval, wire.TagPeriodic)
}

func (c *Controller) stopPeriodic() {
	if c.periodic == nil {
		return
	}
	c.periodic()
	c.periodic = nil
}

func (c *Controller) shutdown() {
	c.stopPeriodic()
	if c.rpaRead != nil {
		c.rpaRead()
		c.rpaRead = nil
	}
	for _, rec := range c.table.Records() {
		if rec.ParamTimer != nil {
			rec.ParamTimer.Stop()
			rec.ParamTimer = nil
		}
	}
	for handle, env := range c.heldParams {
		env.Release()
		delete(c.heldParams, handle)
	}

	// Queued payloads are still owned by their envelopes
	for {
		select {
		case env := <-c.stackQ:
			env.Release()
		case env := <-c.appQ:
			env.Release()
		default:
			logger.Info(c.prefix, "loop stopped")
			return
		}
	}
}

// Close waits for the ticker goroutines and closes the stores
func (c *Controller) Close() error {
	c.tickers.Wait()
	var err error
	if c.nv != nil {
		err = multierr.Append(err, c.nv.Close())
	}
	if c.img != nil {
		err = multierr.Append(err, c.img.Close())
	}
	return err
}

func (c *Controller) lookupPHY(conn uint16) (*phy.Link, bool) {
	rec, ok := c.table.Get(conn)
	if !ok {
		return nil, false
	}
	return &rec.PHY, true
}

func (c *Controller) updateGauges() {
	c.metrics.Connections.Set(float64(c.table.Len()))
	c.metrics.ParamQueueLength.Set(float64(c.params.Queue().Len()))
}
