// Package supervisor keeps the measurement workload container running at
// the version advertised by the control plane.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tum-esm/ACROPOLIS-edge/internal/clock"
	"github.com/tum-esm/ACROPOLIS-edge/internal/log"
	"github.com/tum-esm/ACROPOLIS-edge/internal/message"
)

// State of the supervised workload.
type State string

// Workload states.
const (
	StateAbsent   State = "absent"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStale    State = "stale"
)

// Runtime starts, stops and inspects the workload.
type Runtime interface {
	IsRunning(ctx context.Context) (bool, error)
	RunningVersion(ctx context.Context) (string, error)
	Start(ctx context.Context, version string) error
	Stop(ctx context.Context) error
}

// Reporter receives workload state changes for the broker. It is called
// with the supervisor lock held and must not call back into it.
type Reporter func(message.StatusReport)

// Config holds the supervisor dependencies and timings.
type Config struct {
	Runtime        Runtime
	Clock          clock.Clock
	Logger         *log.Logger
	Tick           time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// StableAfter is how long a launched workload must stay up before its
	// failure count and backoff are cleared. Zero means BackoffMax.
	StableAfter time.Duration
	Report         Reporter
	Reboot         *RebootCheck
}

// Snapshot is the externally visible supervisor state.
type Snapshot struct {
	State       State     `json:"state"`
	Version     string    `json:"version,omitempty"`
	Desired     string    `json:"desired,omitempty"`
	Failures    int       `json:"failures"`
	NextAttempt time.Time `json:"next_attempt,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

// Supervisor reconciles the running workload against the desired
// descriptor. Start and stop run in the background; their outcome is
// observed on the next tick.
type Supervisor struct {
	cfg   Config
	log   *log.Logger
	clock clock.Clock
	wake  chan struct{}
	ops   sync.WaitGroup

	mu          sync.Mutex
	state       State
	version     string
	lastGood    string
	desired     *message.Descriptor
	busy        bool
	restart     bool
	failures    int
	backoff     time.Duration
	nextAttempt time.Time
	launchedAt  time.Time
	upSince     time.Time
	lastErr     error
}

// New returns a supervisor in state absent.
func New(cfg Config) *Supervisor {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New()
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = cfg.BackoffMax
	}
	return &Supervisor{
		cfg:     cfg,
		log:     cfg.Logger,
		clock:   cfg.Clock,
		wake:    make(chan struct{}, 1),
		state:   StateAbsent,
		backoff: cfg.BackoffInitial,
	}
}

// Update records a descriptor from the control plane. A version change
// clears any pending backoff so the update is applied on the next
// reconciliation.
func (s *Supervisor) Update(d message.Descriptor) {
	s.mu.Lock()
	if s.desired == nil || s.desired.Version != d.Version {
		s.nextAttempt = time.Time{}
		s.backoff = s.cfg.BackoffInitial
		s.failures = 0
	}
	s.desired = &d
	s.mu.Unlock()
	s.poke()
}

// Restart requests a stop-then-start of the current target version.
func (s *Supervisor) Restart() error {
	s.mu.Lock()
	if s.target() == "" {
		s.mu.Unlock()
		return fmt.Errorf("no workload version known")
	}
	s.restart = true
	s.nextAttempt = time.Time{}
	s.mu.Unlock()
	s.poke()
	return nil
}

func (s *Supervisor) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Snapshot returns the current state.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:       s.state,
		Version:     s.version,
		Failures:    s.failures,
		NextAttempt: s.nextAttempt,
	}
	if s.desired != nil {
		snap.Desired = s.desired.Version
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}

// Run reconciles on every tick and on every update until ctx is
// cancelled, then waits for a running start or stop to return.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	defer s.ops.Wait()

	s.log.Info("supervisor started (tick %s)", s.cfg.Tick)
	s.Reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("supervisor stopped")
			return nil
		case <-ticker.C:
			s.Reconcile(ctx)
			s.checkReboot(ctx)
		case <-s.wake:
			s.Reconcile(ctx)
		}
	}
}

// Reconcile observes the workload and launches a start or stop when it
// does not match the target version.
func (s *Supervisor) Reconcile(ctx context.Context) {
	s.mu.Lock()
	busy := s.busy
	s.mu.Unlock()
	if busy {
		return
	}

	running, err := s.cfg.Runtime.IsRunning(ctx)
	if err != nil {
		s.log.Warn("inspecting workload: %v", err)
		return
	}
	version := ""
	if running {
		if version, err = s.cfg.Runtime.RunningVersion(ctx); err != nil {
			s.log.Warn("reading workload version: %v", err)
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	target := s.target()
	s.version = version

	switch {
	case running && !s.restart && (target == "" || version == target):
		if s.state != StateRunning {
			s.log.Info("workload running version %s", version)
			s.report(message.SeverityInfo, "workload running", version)
			s.upSince = now
		}
		s.state = StateRunning
		s.lastGood = version
		s.lastErr = nil
		if now.Sub(s.upSince) >= s.cfg.StableAfter {
			s.failures = 0
			s.backoff = s.cfg.BackoffInitial
			s.nextAttempt = time.Time{}
			s.launchedAt = time.Time{}
		}

	case running:
		if now.Before(s.nextAttempt) {
			return
		}
		if s.restart {
			s.log.Info("restarting workload %s on request", version)
		} else {
			s.log.Info("software update available: %s to %s", version, target)
			s.report(message.SeverityInfo, "workload update", version+" -> "+target)
		}
		s.launch(ctx, target, now)

	case target == "":
		s.state = StateAbsent

	default:
		switch s.state {
		case StateRunning:
			s.log.Warn("workload %s expected running but not alive", s.lastGood)
			s.report(message.SeverityWarning, "workload stale", s.lastGood)
			s.state = StateStale
			if s.lastGood != "" {
				target = s.lastGood
			}
			if !s.launchedAt.IsZero() && now.Sub(s.upSince) < s.cfg.StableAfter {
				s.failures++
				if next := now.Add(s.backoff); next.After(s.nextAttempt) {
					s.nextAttempt = next
				}
				s.log.Warn("workload %s exited after %s (failure %d)", target, now.Sub(s.upSince), s.failures)
			}
		case StateStarting:
			s.failures++
			s.state = StateStale
			s.log.Warn("workload %s did not come up (attempt %d)", target, s.failures)
		}
		if now.Before(s.nextAttempt) {
			return
		}
		s.log.Info("launching workload %s", target)
		s.launch(ctx, target, now)
	}
}

// target is the version the workload should run. Caller holds mu.
func (s *Supervisor) target() string {
	if s.desired != nil {
		return s.desired.Version
	}
	return s.lastGood
}

// launch stops any leftover container and starts version in the
// background, arming the backoff for the next attempt. Caller holds mu.
func (s *Supervisor) launch(ctx context.Context, version string, now time.Time) {
	s.state = StateStarting
	s.busy = true
	s.restart = false
	s.launchedAt = now
	s.nextAttempt = now.Add(s.backoff)
	s.backoff *= 2
	if s.backoff > s.cfg.BackoffMax {
		s.backoff = s.cfg.BackoffMax
	}

	s.ops.Add(1)
	go func() {
		defer s.ops.Done()
		err := s.cfg.Runtime.Stop(ctx)
		if err == nil {
			err = s.cfg.Runtime.Start(ctx, version)
		}
		s.mu.Lock()
		s.busy = false
		s.lastErr = err
		s.mu.Unlock()
		if err != nil {
			s.log.Error("starting workload %s: %v", version, err)
		}
	}()
}

func (s *Supervisor) report(sev message.Severity, subject, details string) {
	if s.cfg.Report == nil {
		return
	}
	s.cfg.Report(message.StatusReport{
		Timestamp: s.clock.Now(),
		Severity:  sev,
		Subject:   subject,
		Details:   details,
	})
}
