// Package state persists the values that must survive gateway restarts,
// currently the time the broker connection was first lost.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tum-esm/ACROPOLIS-edge/internal/atomicfile"
	"github.com/tum-esm/ACROPOLIS-edge/internal/clock"
	"github.com/tum-esm/ACROPOLIS-edge/internal/log"
)

type record struct {
	OfflineTimestamp *int64 `json:"offline_timestamp"`
}

// Tracker records connectivity transitions in state.json.
type Tracker struct {
	path   string
	clock  clock.Clock
	logger *log.Logger

	mu      sync.Mutex
	current record
}

// Open reads path. A missing or unreadable file is replaced by an empty
// record.
func Open(path string, c clock.Clock, logger *log.Logger) (*Tracker, error) {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = log.New()
	}
	t := &Tracker{path: path, clock: c, logger: logger}

	data, err := os.ReadFile(path) // #nosec G304 - path is from config
	switch {
	case err == nil:
		jerr := json.Unmarshal(data, &t.current)
		if jerr == nil {
			return t, nil
		}
		logger.Warn("state file %s is invalid, creating a new one: %v", path, jerr)
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("state file %s is missing, creating a new one", path)
	default:
		return nil, fmt.Errorf("state: reading %s: %w", path, err)
	}
	t.current = record{}
	if err := t.persist(); err != nil {
		return nil, err
	}
	return t, nil
}

// MarkOffline records now as the start of the outage unless one is
// already recorded.
func (t *Tracker) MarkOffline() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current.OfflineTimestamp != nil {
		return nil
	}
	ts := t.clock.Now().Unix()
	t.current.OfflineTimestamp = &ts
	return t.persist()
}

// MarkOnline clears the outage.
func (t *Tracker) MarkOnline() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current.OfflineTimestamp == nil {
		return nil
	}
	t.current.OfflineTimestamp = nil
	return t.persist()
}

// OfflineSince returns the start of the current outage.
func (t *Tracker) OfflineSince() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current.OfflineTimestamp == nil {
		return time.Time{}, false
	}
	return time.Unix(*t.current.OfflineTimestamp, 0).UTC(), true
}

// OfflineFor returns how long the broker has been unreachable, zero when
// connected.
func (t *Tracker) OfflineFor() time.Duration {
	since, ok := t.OfflineSince()
	if !ok {
		return 0
	}
	if d := t.clock.Now().Sub(since); d > 0 {
		return d
	}
	return 0
}

func (t *Tracker) persist() error {
	data, err := json.Marshal(t.current)
	if err != nil {
		return fmt.Errorf("state: encoding: %w", err)
	}
	if err := atomicfile.Write(t.path, data, 0o640); err != nil {
		return fmt.Errorf("state: %w", err)
	}
	return nil
}

// Uptime returns the time since the host booted.
func Uptime() (time.Duration, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, fmt.Errorf("sysinfo: %w", err)
	}
	return time.Duration(info.Uptime) * time.Second, nil
}

// RebootDue reports whether the host should be rebooted: the gateway has
// been offline longer than offlineAfter and the host has been up longer
// than minUptime, so a reboot is not repeated right after booting.
func RebootDue(offline, uptime, offlineAfter, minUptime time.Duration) bool {
	return offline > offlineAfter && uptime > minUptime
}
