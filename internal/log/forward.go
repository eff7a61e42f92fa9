package log

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tum-esm/ACROPOLIS-edge/internal/message"
)

// NoForward marks entries the Forwarder must not enqueue. The forwarder
// sets it on its own diagnostics.
const NoForward = "no_forward"

// Enqueuer accepts validated outbound messages.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg message.Outbound) (int64, error)
}

// Forwarder is a logrus hook that queues warning and error entries for
// publication on the log topic. Fire never blocks: entries are handed to Run
// through a bounded buffer and dropped (and counted) when it is full.
type Forwarder struct {
	sink    Enqueuer
	log     *Logger
	entries chan message.LogEntry
	timeout time.Duration
	dropped atomic.Uint64
}

// NewForwarder returns a hook buffering up to size entries. logger receives the
// forwarder's own failures, tagged NoForward.
func NewForwarder(sink Enqueuer, logger *Logger, size int) *Forwarder {
	if size <= 0 {
		size = 256
	}
	return &Forwarder{
		sink:    sink,
		log:     logger,
		entries: make(chan message.LogEntry, size),
		timeout: 5 * time.Second,
	}
}

// Levels implements logrus.Hook.
func (f *Forwarder) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

// Fire implements logrus.Hook.
func (f *Forwarder) Fire(e *logrus.Entry) error {
	if _, skip := e.Data[NoForward]; skip {
		return nil
	}
	entry := message.LogEntry{
		Timestamp: e.Time.UTC(),
		Severity:  severity(e.Level),
		Message:   text(e),
	}
	select {
	case f.entries <- entry:
	default:
		f.dropped.Add(1)
	}
	return nil
}

// Dropped returns how many entries were lost to a full buffer.
func (f *Forwarder) Dropped() uint64 { return f.dropped.Load() }

// Run enqueues buffered entries until ctx is done, then drains what is
// already buffered.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			f.drain()
			return ctx.Err()
		case entry := <-f.entries:
			f.enqueue(ctx, entry)
		}
	}
}

func (f *Forwarder) drain() {
	for {
		select {
		case entry := <-f.entries:
			f.enqueue(context.Background(), entry)
		default:
			return
		}
	}
}

func (f *Forwarder) enqueue(ctx context.Context, entry message.LogEntry) {
	out, err := message.New(entry)
	if err != nil {
		f.log.WithField(NoForward, true).Debugf("log line not forwardable: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if _, err := f.sink.Enqueue(ctx, out); err != nil {
		f.log.WithField(NoForward, true).Errorf("forwarding log line failed: %v", err)
	}
}

func severity(l logrus.Level) message.Severity {
	switch l {
	case logrus.WarnLevel:
		return message.SeverityWarning
	case logrus.InfoLevel:
		return message.SeverityInfo
	case logrus.DebugLevel, logrus.TraceLevel:
		return message.SeverityDebug
	}
	return message.SeverityError
}

func text(e *logrus.Entry) string {
	if c, ok := e.Data["component"]; ok {
		return fmt.Sprintf("%v: %s", c, e.Message)
	}
	return e.Message
}
