// Package shutdown runs the gateway teardown under a forced-exit deadline.
//
// Any goroutine may request termination, gracefully or because of a fatal
// error. A single waiter observes the request, arms the deadline and runs the
// registered steps in order. If the steps outlast the deadline the process
// exits with code 1 without waiting for them.
package shutdown

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tum-esm/ACROPOLIS-edge/internal/clock"
	"github.com/tum-esm/ACROPOLIS-edge/internal/log"
)

// Exit codes.
const (
	ExitOK     = 0
	ExitFailed = 1
)

// Config holds the controller parameters.
type Config struct {
	Timeout time.Duration
	Clock   clock.Clock
	Logger  *log.Logger
	Exit    func(code int) // defaults to os.Exit
}

type step struct {
	name string
	fn   func() error
}

// Controller coordinates one shutdown per process.
type Controller struct {
	timeout time.Duration
	clock   clock.Clock
	log     *log.Logger
	exit    func(int)

	mu     sync.Mutex
	steps  []step
	reason string
	cause  error

	once      sync.Once
	requested chan struct{}
	forced    atomic.Bool
}

// New returns an idle controller.
func New(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New()
	}
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
	return &Controller{
		timeout:   cfg.Timeout,
		clock:     cfg.Clock,
		log:       cfg.Logger,
		exit:      cfg.Exit,
		requested: make(chan struct{}),
	}
}

// OnShutdown appends a teardown step. Steps run in registration order and a
// failing step does not prevent the rest.
func (c *Controller) OnShutdown(name string, fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, step{name: name, fn: fn})
}

// Request asks for a graceful shutdown. Only the first request or fatal
// error counts.
func (c *Controller) Request(reason string) {
	c.trigger(reason, nil)
}

// Fatal asks for a shutdown that ends with ExitFailed.
func (c *Controller) Fatal(err error) {
	if err == nil {
		err = errors.New("unspecified fatal error")
	}
	c.trigger("fatal error", err)
}

func (c *Controller) trigger(reason string, cause error) {
	first := false
	c.once.Do(func() {
		c.mu.Lock()
		c.reason, c.cause = reason, cause
		c.mu.Unlock()
		close(c.requested)
		first = true
	})
	if !first {
		if cause != nil {
			c.log.Error("already shutting down, ignoring: %v", cause)
		} else {
			c.log.Info("already shutting down, ignoring %s", reason)
		}
	}
}

// Requested is closed once shutdown has been requested.
func (c *Controller) Requested() <-chan struct{} {
	return c.requested
}

// Wait blocks until shutdown is requested, then runs the teardown and
// returns the exit code. If the deadline passes first, Exit(ExitFailed) is
// called from the timer.
func (c *Controller) Wait() int {
	<-c.requested

	c.mu.Lock()
	reason, cause := c.reason, c.cause
	steps := append([]step(nil), c.steps...)
	c.mu.Unlock()

	code := ExitOK
	if cause != nil {
		code = ExitFailed
		c.log.Error("Shutting down after fatal error: %v", cause)
	} else {
		c.log.Info("Shutting down: %s", reason)
	}

	timer := c.clock.AfterFunc(c.timeout, func() {
		c.forced.Store(true)
		c.log.Error("Shutdown did not complete within %s, forcing exit", c.timeout)
		c.exit(ExitFailed)
	})
	defer timer.Stop()

	for _, s := range steps {
		if err := s.fn(); err != nil {
			c.log.Error("Shutdown step %s failed: %v", s.name, err)
			code = ExitFailed
			continue
		}
		c.log.Debug("Shutdown step %s done", s.name)
	}

	if c.forced.Load() {
		return ExitFailed
	}
	if code == ExitOK {
		c.log.Info("Graceful shutdown completed")
	}
	return code
}
