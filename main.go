package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"tinygo.org/x/bluetooth"

	"github.com/user/multirole-blue/config"
	"github.com/user/multirole-blue/imgstore"
	"github.com/user/multirole-blue/logger"
	"github.com/user/multirole-blue/menu"
	"github.com/user/multirole-blue/multirole"
	"github.com/user/multirole-blue/nvstore"
	"github.com/user/multirole-blue/util"
	"github.com/user/multirole-blue/wire"
	"github.com/user/multirole-blue/wire/debug"
)

// options are the command line overrides of the environment configuration
type options struct {
	maxConnections int
	peers          int
	logLevel       string
	metricsAddr    string
	journal        bool
	attTrace       bool
	memoryNV       bool
}

func parseFlags() options {
	var o options
	flag.IntVar(&o.maxConnections, "max-connections", 0, "Connection table capacity (overrides MULTIROLE_MAX_CONNECTIONS)")
	flag.IntVar(&o.peers, "peers", 4, "Simulated peers in radio range")
	flag.StringVar(&o.logLevel, "log-level", "", "TRACE, DEBUG, INFO, WARN or ERROR")
	flag.StringVar(&o.metricsAddr, "metrics", "", "Serve Prometheus metrics on this address")
	flag.BoolVar(&o.journal, "journal", false, "Write the link event journal")
	flag.BoolVar(&o.attTrace, "att-trace", false, "Write simulated ATT traffic to the data directory")
	flag.BoolVar(&o.memoryNV, "memory-nv", false, "Keep non-volatile flags in memory")
	flag.Parse()
	return o
}

func newConfig(o options) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if o.maxConnections > 0 {
		cfg.MaxConnections = o.maxConnections
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.metricsAddr != "" {
		cfg.MetricsAddr = o.metricsAddr
	}
	if o.journal {
		cfg.Journal = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

func newNVStore(o options) (nvstore.Store, error) {
	if o.memoryNV {
		return nvstore.NewBadgerInMemory()
	}
	return nvstore.NewBadger(util.GetNVDir())
}

// newImageStore opens the image file, creating a fresh one on first start
func newImageStore() (imgstore.Store, error) {
	path := util.GetImagePath()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(util.GetDataDir(), 0755); err != nil {
			return nil, err
		}
		if err := imgstore.WriteImage(path, imgstore.Header{Validation: 0x03}); err != nil {
			return nil, err
		}
	}
	return imgstore.NewFileStore(path), nil
}

func newStack(cfg *config.Config, o options) *wire.SimStack {
	sim := wire.NewSimStack(wire.DefaultSimulationConfig())
	sim.SetDebugLogger(debug.NewLogger(filepath.Join(util.GetDataDir(), "att"), o.attTrace))
	for i := 0; i < o.peers; i++ {
		addr := bluetooth.MAC{byte(0x10 + i), 0x00, 0x00, 0xEE, 0xFF, 0xC0}
		sim.AddPeer(wire.NewProfilePeer(addr, uint16(cfg.ServiceUUID), uint16(cfg.CharacteristicUUID)))
	}
	return sim
}

func newController(cfg *config.Config, sim *wire.SimStack, nv nvstore.Store, img imgstore.Store) (*multirole.Controller, error) {
	id := uuid.New().String()
	ctrl, err := multirole.New(cfg, sim, nv, img,
		multirole.WithInstanceID(id),
		multirole.WithJournal(wire.NewLinkJournal(id, cfg.Journal)))
	if err != nil {
		return nil, err
	}
	sim.Attach(ctrl)
	return ctrl, nil
}

type lifecycleInput struct {
	fx.In
	LC       fx.Lifecycle
	Shutdown fx.Shutdowner
	Config   *config.Config
	Stack    *wire.SimStack
	Ctrl     *multirole.Controller
}

// registerLifecycle runs the controller loop, the metrics server and the menu
// between start and stop. Leaving the menu stops the application.
func registerLifecycle(in lifecycleInput) {
	var (
		cancel context.CancelFunc
		g      *errgroup.Group
		srv    *http.Server
	)
	prefix := in.Ctrl.ID()[:8] + " main"

	in.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			g, ctx = errgroup.WithContext(ctx)

			g.Go(func() error { return in.Ctrl.Run(ctx) })

			if in.Config.MetricsAddr != "" {
				srv = &http.Server{
					Addr:              in.Config.MetricsAddr,
					Handler:           in.Ctrl.Metrics().Handler(),
					ReadHeaderTimeout: 5 * time.Second,
				}
				g.Go(func() error {
					logger.Info(prefix, "metrics on %s", in.Config.MetricsAddr)
					if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
			}

			g.Go(func() error {
				err := menu.Run(ctx, os.Stdin, os.Stdout, in.Ctrl)
				if ctx.Err() == nil {
					if serr := in.Shutdown.Shutdown(); serr != nil {
						logger.Warn(prefix, "shutdown: %v", serr)
					}
				}
				return err
			})

			in.Stack.Init()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			if srv != nil {
				if err := srv.Shutdown(ctx); err != nil {
					logger.Warn(prefix, "metrics server shutdown: %v", err)
				}
			}
			err := g.Wait()
			if cerr := in.Ctrl.Close(); err == nil {
				err = cerr
			}
			return err
		},
	})
}

func main() {
	o := parseFlags()

	app := fx.New(
		fx.Supply(o),
		fx.Provide(
			newConfig,
			newNVStore,
			newImageStore,
			newStack,
			newController,
		),
		fx.Invoke(registerLifecycle),
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: zap.NewNop()}
		}),
	)
	if err := app.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "multirole: %v\n", err)
		os.Exit(1)
	}

	app.Run()
	if err := logger.Sync(); err != nil {
		logger.Debug("main", "log sync: %v", err)
	}
}
