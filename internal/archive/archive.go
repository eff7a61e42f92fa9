// Package archive stores delivered messages in one compressed CBOR segment
// per UTC day of delivery.
package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tum-esm/ACROPOLIS-edge/internal/atomicfile"
	"github.com/tum-esm/ACROPOLIS-edge/internal/clock"
	"github.com/tum-esm/ACROPOLIS-edge/internal/log"
	"github.com/tum-esm/ACROPOLIS-edge/internal/message"
)

const (
	filePrefix = "delivered-"
	fileSuffix = ".cbor.zst"
	dayLayout  = "2006-01-02"
)

var (
	// ErrClosed is returned by Append and Read after Close.
	ErrClosed = errors.New("archive: closed")

	errCorruptSegment = errors.New("corrupt segment")
)

// Archive is a directory of day segments. Appends are serialized.
type Archive struct {
	dir    string
	codec  *codec
	clock  clock.Clock
	logger *log.Logger

	mu     sync.Mutex
	closed bool
}

// Option configures an Archive.
type Option func(*Archive)

// WithClock sets the clock used to name quarantined segments.
func WithClock(c clock.Clock) Option {
	return func(a *Archive) { a.clock = c }
}

// Open prepares dir for use, creating it if needed.
func Open(dir string, logger *log.Logger, opts ...Option) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("archive: creating %s: %w", dir, err)
	}
	c, err := newCodec()
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	if logger == nil {
		logger = log.New()
	}
	a := &Archive{dir: dir, codec: c, clock: clock.Real(), logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Dir returns the archive directory.
func (a *Archive) Dir() string { return a.dir }

// Append adds delivered messages to the segments of their delivery day.
// Messages already present in a segment are skipped, so replaying an
// interrupted commit is harmless. Existing entries are never modified.
func (a *Archive) Append(msgs []message.Message) error {
	byDay := make(map[string][]message.Message)
	for i := range msgs {
		m := msgs[i]
		if m.Status != message.StatusDelivered || m.DeliveredAt == nil {
			return fmt.Errorf("archive: %w: message %d is not delivered", message.ErrInvalid, m.ID)
		}
		day := dayKey(*m.DeliveredAt)
		byDay[day] = append(byDay[day], m)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}

	days := make([]string, 0, len(byDay))
	for day := range byDay {
		days = append(days, day)
	}
	sort.Strings(days)
	for _, day := range days {
		if err := a.appendDay(day, byDay[day]); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archive) appendDay(day string, msgs []message.Message) error {
	existing, err := a.readOrQuarantine(day)
	if err != nil {
		return err
	}

	seen := make(map[int64]struct{}, len(existing)+len(msgs))
	for i := range existing {
		seen[existing[i].ID] = struct{}{}
	}
	merged := existing
	added := 0
	for i := range msgs {
		if _, dup := seen[msgs[i].ID]; dup {
			continue
		}
		seen[msgs[i].ID] = struct{}{}
		merged = append(merged, msgs[i])
		added++
	}
	if added == 0 {
		return nil
	}
	sortSegment(merged)

	data, err := a.codec.encode(segment{Version: segmentVersion, Day: day, Messages: merged})
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if err := atomicfile.Write(a.path(day), data, 0o640); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	a.logger.Debug("archived %d messages into %s", added, day)
	return nil
}

// readOrQuarantine loads a segment for appending. A segment that cannot
// be decoded is renamed aside and the day starts over empty.
func (a *Archive) readOrQuarantine(day string) ([]message.Message, error) {
	msgs, err := a.readLocked(day)
	if err == nil {
		return msgs, nil
	}
	if !errors.Is(err, errCorruptSegment) {
		return nil, err
	}
	path := a.path(day)
	aside := path + ".corrupt-" + strconv.FormatInt(a.clock.Now().Unix(), 10)
	if rerr := os.Rename(path, aside); rerr != nil {
		return nil, fmt.Errorf("archive: quarantining %s: %w", path, rerr)
	}
	a.logger.WarnWithFields(map[string]interface{}{"segment": day, "quarantined": aside},
		"archive segment unreadable, rebuilding: %v", err)
	return nil, nil
}

// Read returns the messages archived for the UTC day of t, sorted by
// delivery time then id. A day without a segment yields no messages.
func (a *Archive) Read(t time.Time) ([]message.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	msgs, err := a.readLocked(dayKey(t))
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	return msgs, nil
}

func (a *Archive) readLocked(day string) ([]message.Message, error) {
	data, err := os.ReadFile(a.path(day)) // #nosec G304 - path is built from the archive dir
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading segment %s: %w", day, err)
	}
	s, err := a.codec.decode(data, day)
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", day, err)
	}
	return s.Messages, nil
}

// Days lists the days that have a segment, oldest first.
func (a *Archive) Days() ([]time.Time, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("archive: listing %s: %w", a.dir, err)
	}
	var days []time.Time
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		day, err := time.Parse(dayLayout, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
		if err != nil {
			continue
		}
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

// Close waits for an in-progress append and releases the coders.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.codec.close()
	return nil
}

func (a *Archive) path(day string) string {
	return filepath.Join(a.dir, filePrefix+day+fileSuffix)
}

func dayKey(t time.Time) string { return t.UTC().Format(dayLayout) }

func sortSegment(msgs []message.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		ti, tj := *msgs[i].DeliveredAt, *msgs[j].DeliveredAt
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return msgs[i].ID < msgs[j].ID
	})
}
