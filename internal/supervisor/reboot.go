package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/tum-esm/ACROPOLIS-edge/internal/message"
	"github.com/tum-esm/ACROPOLIS-edge/internal/state"
)

// RebootCheck raises a reboot when the gateway has been offline for a
// long time on a host that has not just booted.
type RebootCheck struct {
	Offline      func() time.Duration
	Uptime       func() (time.Duration, error)
	OfflineAfter time.Duration
	MinUptime    time.Duration
	// Rebooter performs the reboot. Nil only logs.
	Rebooter func(ctx context.Context) error

	raised bool
}

func (s *Supervisor) checkReboot(ctx context.Context) {
	rc := s.cfg.Reboot
	if rc == nil || rc.Offline == nil || rc.Uptime == nil {
		return
	}
	offline := rc.Offline()
	if offline == 0 {
		rc.raised = false
		return
	}
	uptime, err := rc.Uptime()
	if err != nil {
		s.log.Warn("reading uptime: %v", err)
		return
	}
	if !state.RebootDue(offline, uptime, rc.OfflineAfter, rc.MinUptime) || rc.raised {
		return
	}
	rc.raised = true

	details := fmt.Sprintf("offline for %s, up for %s", offline.Round(time.Second), uptime.Round(time.Second))
	s.log.Error("reboot due: %s", details)
	s.mu.Lock()
	s.report(message.SeverityError, "reboot due", details)
	s.mu.Unlock()
	if rc.Rebooter == nil {
		return
	}
	if err := rc.Rebooter(ctx); err != nil {
		s.log.Error("reboot failed: %v", err)
	}
}
