// Package gateway wires the queue store, broker session, relay, workload
// supervisor, local ingest and status server into one process and runs
// their loops.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tum-esm/ACROPOLIS-edge/internal/archive"
	"github.com/tum-esm/ACROPOLIS-edge/internal/clock"
	"github.com/tum-esm/ACROPOLIS-edge/internal/config"
	"github.com/tum-esm/ACROPOLIS-edge/internal/lockfile"
	"github.com/tum-esm/ACROPOLIS-edge/internal/log"
	"github.com/tum-esm/ACROPOLIS-edge/internal/message"
	"github.com/tum-esm/ACROPOLIS-edge/internal/mqtt"
	"github.com/tum-esm/ACROPOLIS-edge/internal/redis"
	"github.com/tum-esm/ACROPOLIS-edge/internal/relay"
	"github.com/tum-esm/ACROPOLIS-edge/internal/state"
	"github.com/tum-esm/ACROPOLIS-edge/internal/status"
	"github.com/tum-esm/ACROPOLIS-edge/internal/store"
	"github.com/tum-esm/ACROPOLIS-edge/internal/supervisor"
)

// Option customizes a Gateway, mostly for tests.
type Option func(*options)

type options struct {
	clock    clock.Clock
	session  []mqtt.Option
	runtime  supervisor.Runtime
	rebooter func(ctx context.Context) error
	uptime   func() (time.Duration, error)
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithSessionOptions passes options through to the broker session.
func WithSessionOptions(opts ...mqtt.Option) Option {
	return func(o *options) { o.session = append(o.session, opts...) }
}

// WithRuntime replaces the docker workload runtime.
func WithRuntime(rt supervisor.Runtime) Option {
	return func(o *options) { o.runtime = rt }
}

// WithRebooter sets the action taken when a reboot is due. By default the
// gateway only reports it.
func WithRebooter(fn func(ctx context.Context) error) Option {
	return func(o *options) { o.rebooter = fn }
}

// WithUptime replaces the host uptime source.
func WithUptime(fn func() (time.Duration, error)) Option {
	return func(o *options) { o.uptime = fn }
}

// Gateway owns every long-lived component. Build it with New, drive it with
// Run and release it with Close.
type Gateway struct {
	cfg   *config.Config
	log   *log.Logger
	clock clock.Clock

	lock       *lockfile.Lock
	archive    *archive.Archive
	store      *store.Store
	state      *state.Tracker
	forwarder  *log.Forwarder
	session    *mqtt.Session
	relay      *relay.Relay
	supervisor *supervisor.Supervisor
	ingest     *redis.Client
	status     *status.Server
}

// New opens the data directory and builds every component. Nothing runs
// until Run. On error everything opened so far is closed again.
func New(cfg *config.Config, logger *log.Logger, opts ...Option) (g *Gateway, err error) {
	o := options{clock: clock.Real(), uptime: state.Uptime}
	for _, opt := range opts {
		opt(&o)
	}

	g = &Gateway{cfg: cfg, log: logger, clock: o.clock}
	defer func() {
		if err != nil {
			if cerr := g.Close(); cerr != nil {
				logger.Warn("cleanup after failed start: %v", cerr)
			}
			g = nil
		}
	}()

	if err := g.openStorage(); err != nil {
		return g, err
	}

	g.forwarder = log.NewForwarder(g.store, logger.Component("forwarder"), 256)
	logger.AddHook(g.forwarder)

	session, err := mqtt.NewSession(&cfg.MQTT, logger.Component("mqtt"),
		append([]mqtt.Option{mqtt.WithConnectionListener(g.onConnection)}, o.session...)...)
	if err != nil {
		return g, fmt.Errorf("creating MQTT session: %w", err)
	}
	g.session = session

	g.relay = relay.New(relay.Config{
		Queue:     g.store,
		Publisher: session,
		Switch: config.NewRuntimeFile(cfg.Relay.RuntimeFile, config.Runtime{
			SendingEnabled: cfg.Relay.SendingEnabled,
			LogLevel:       logger.Level(),
		}),
		Topics:          message.Topics{Telemetry: cfg.MQTT.TelemetryTopic, Log: cfg.MQTT.LogTopic},
		Clock:           o.clock,
		Logger:          logger.Component("relay"),
		Interval:        cfg.Relay.Interval,
		DisabledBackoff: cfg.Relay.DisabledBackoff,
		AckTimeout:      cfg.Relay.AckTimeout,
	})

	if cfg.Supervisor.Enabled {
		g.supervisor = g.newSupervisor(o)
		session.OnDescriptor(g.supervisor.Update)
	}
	g.registerRPC()

	if cfg.Ingest.Enabled() {
		g.ingest, err = redis.NewClient(&cfg.Ingest, g.store, logger.Component("ingest"))
		if err != nil {
			return g, fmt.Errorf("starting local ingest: %w", err)
		}
	}

	if cfg.Status.Address != "" {
		g.status = status.New(status.Config{
			Address:           cfg.Status.Address,
			ReadHeaderTimeout: cfg.Status.ReadHeaderTimeout,
			HealthWindow:      3 * max(cfg.Relay.Interval, cfg.Relay.DisabledBackoff),
			Session:           session,
			Queue:             g.store,
			Relay:             g.relay,
			Workload:          g.workload(),
			Clock:             o.clock,
			Logger:            logger.Component("status"),
		})
	}
	return g, nil
}

func (g *Gateway) openStorage() error {
	cfg := g.cfg.Store
	lock, err := lockfile.Acquire(cfg.LockPath())
	if err != nil {
		return err
	}
	g.lock = lock

	if cfg.ResetOnStart {
		g.log.Warn("Resetting active queue at %s on operator request", cfg.QueuePath())
		if err := store.Reset(cfg.QueuePath()); err != nil {
			return err
		}
	}

	g.archive, err = archive.Open(cfg.ArchivePath(), g.log.Component("archive"), archive.WithClock(g.clock))
	if err != nil {
		return err
	}
	g.store, err = store.Open(store.Config{
		Path:    cfg.QueuePath(),
		Archive: g.archive,
		Clock:   g.clock,
		Logger:  g.log.Component("store"),
	})
	if err != nil {
		return err
	}
	if _, err := g.store.ReplayDelivered(context.Background()); err != nil {
		return err
	}

	g.state, err = state.Open(cfg.StatePath(), g.clock, g.log.Component("state"))
	return err
}

func (g *Gateway) newSupervisor(o options) *supervisor.Supervisor {
	cfg := g.cfg.Supervisor
	rt := o.runtime
	if rt == nil {
		rt = &supervisor.DockerRuntime{
			Binary:    cfg.DockerBinary,
			Container: cfg.ContainerName,
			Image:     cfg.Image,
			RunArgs:   cfg.RunArgs,
		}
	}
	return supervisor.New(supervisor.Config{
		Runtime:        rt,
		Clock:          o.clock,
		Logger:         g.log.Component("supervisor"),
		Tick:           cfg.Tick,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		Report:         g.reportStatus,
		Reboot: &supervisor.RebootCheck{
			Offline:      g.state.OfflineFor,
			Uptime:       o.uptime,
			OfflineAfter: cfg.OfflineRebootAfter,
			MinUptime:    cfg.MinUptime,
			Rebooter:     o.rebooter,
		},
	})
}

// workload avoids handing status a typed nil.
func (g *Gateway) workload() status.Workload {
	if g.supervisor == nil {
		return nil
	}
	return g.supervisor
}

// Enqueue validates body and appends it to the active queue.
func (g *Gateway) Enqueue(ctx context.Context, body message.Body) (int64, error) {
	out, err := message.New(body)
	if err != nil {
		return 0, err
	}
	return g.store.Enqueue(ctx, out)
}

// reportStatus queues a supervisor status report. It runs under the
// supervisor lock, so failures are only logged.
func (g *Gateway) reportStatus(r message.StatusReport) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := g.Enqueue(ctx, r); err != nil {
		g.log.WithField(log.NoForward, true).Errorf("queueing status report %q: %v", r.Subject, err)
	}
}

func (g *Gateway) onConnection(connected bool, _ error) {
	var err error
	if connected {
		err = g.state.MarkOnline()
	} else {
		err = g.state.MarkOffline()
	}
	if err != nil {
		g.log.Error("recording connection state: %v", err)
	}
}

// Close releases every component in teardown order: broker session first,
// then ingest, store, archive and finally the process lock. It is safe on a
// partially built gateway.
func (g *Gateway) Close() error {
	var errs []error
	if g.session != nil {
		g.session.Disconnect()
	}
	if g.ingest != nil {
		if err := g.ingest.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing ingest: %w", err))
		}
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if g.archive != nil {
		if err := g.archive.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if g.lock != nil {
		if err := g.lock.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
