// Package relay drives queued messages from pending through sent to
// delivered and into the archive.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tum-esm/ACROPOLIS-edge/internal/clock"
	"github.com/tum-esm/ACROPOLIS-edge/internal/config"
	"github.com/tum-esm/ACROPOLIS-edge/internal/log"
	"github.com/tum-esm/ACROPOLIS-edge/internal/message"
	"github.com/tum-esm/ACROPOLIS-edge/internal/mqtt"
)

// Publisher is the part of the transport session the relay uses.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) (mqtt.Handle, error)
	IsDelivered(h mqtt.Handle) (bool, error)
	Forget(h mqtt.Handle)
}

// Queue is the part of the queue store the relay uses.
type Queue interface {
	Load(ctx context.Context) (message.ActiveQueue, error)
	Save(ctx context.Context, q message.ActiveQueue) error
	Archive(ctx context.Context, msgs []message.Message) error
}

// Switch supplies the operator switches re-read every iteration.
type Switch interface {
	Current() (config.Runtime, error)
}

// Config holds the relay dependencies.
type Config struct {
	Queue           Queue
	Publisher       Publisher
	Switch          Switch
	Topics          message.Topics
	Clock           clock.Clock
	Logger          *log.Logger
	Interval        time.Duration
	DisabledBackoff time.Duration
	AckTimeout      time.Duration
}

// Result counts what one iteration did.
type Result struct {
	Published   int
	Republished int
	Delivered   int
}

type tracked struct {
	handle mqtt.Handle
	sentAt time.Time
}

// Relay owns the in-flight tracking table. Step and Run must not be called
// concurrently.
type Relay struct {
	cfg      Config
	log      *log.Logger
	clock    clock.Clock
	inflight map[int64]tracked
	lastRun  atomic.Int64
}

// New returns a relay with an empty tracking table, so every sent message
// found on the first iteration is republished.
func New(cfg Config) *Relay {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New()
	}
	return &Relay{
		cfg:      cfg,
		log:      cfg.Logger,
		clock:    cfg.Clock,
		inflight: make(map[int64]tracked),
	}
}

// Run iterates until ctx is cancelled. It returns only store errors, which
// are fatal.
func (r *Relay) Run(ctx context.Context) error {
	r.log.Info("relay loop started (interval %s)", r.cfg.Interval)
	for {
		wait := r.cfg.Interval
		if r.sendingEnabled() {
			res, err := r.Step(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if res != (Result{}) {
				r.log.InfoWithFields(map[string]interface{}{
					"published":   res.Published,
					"republished": res.Republished,
					"delivered":   res.Delivered,
				}, "relay iteration")
			}
		} else {
			r.log.Debug("sending disabled, sleeping %s", r.cfg.DisabledBackoff)
			wait = r.cfg.DisabledBackoff
		}
		r.lastRun.Store(r.clock.Now().UnixNano())

		select {
		case <-ctx.Done():
			r.log.Info("relay loop stopped")
			return nil
		case <-r.clock.After(wait):
		}
	}
}

// LastRun returns when the loop last completed an iteration.
func (r *Relay) LastRun() time.Time {
	n := r.lastRun.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (r *Relay) sendingEnabled() bool {
	if r.cfg.Switch == nil {
		return true
	}
	rt, err := r.cfg.Switch.Current()
	if err != nil {
		r.log.Warn("runtime switches: %v", err)
	}
	if rt.LogLevel != "" && rt.LogLevel != r.log.Level() {
		r.log.SetLevel(rt.LogLevel)
	}
	return rt.SendingEnabled
}

// Step runs one relay iteration: publish pending messages, reconcile sent
// ones against their handles, write the new statuses back and archive
// what was acknowledged. Publish failures are left for the next
// iteration; store failures are returned.
func (r *Relay) Step(ctx context.Context) (Result, error) {
	var res Result
	q, err := r.cfg.Queue.Load(ctx)
	if err != nil {
		return res, fmt.Errorf("relay: load queue: %w", err)
	}

	now := r.clock.Now()
	online := true
	var delivered []message.Message
	present := make(map[int64]struct{}, len(q.Messages))

	for i := range q.Messages {
		m := &q.Messages[i]
		present[m.ID] = struct{}{}
		switch m.Status {
		case message.StatusPending:
			if online && r.publish(ctx, m, now, &online) {
				res.Published++
			}

		case message.StatusSent:
			if t, ok := r.inflight[m.ID]; ok {
				acked, err := r.cfg.Publisher.IsDelivered(t.handle)
				if err == nil && acked {
					at := now
					m.Status = message.StatusDelivered
					m.DeliveredAt = &at
					delivered = append(delivered, *m)
					r.drop(m.ID)
					continue
				}
				if err == nil && now.Sub(t.sentAt) < r.cfg.AckTimeout {
					continue
				}
				if err != nil && !errors.Is(err, mqtt.ErrHandleExpired) {
					r.log.Warn("message %d: %v", m.ID, err)
				}
				r.drop(m.ID)
			}
			if online && r.publish(ctx, m, now, &online) {
				res.Republished++
			}

		case message.StatusDelivered:
			delivered = append(delivered, *m)
		}
	}

	for id := range r.inflight {
		if _, ok := present[id]; !ok {
			r.drop(id)
		}
	}

	if err := r.cfg.Queue.Save(ctx, q); err != nil {
		return res, fmt.Errorf("relay: save queue: %w", err)
	}
	if len(delivered) > 0 {
		if err := r.cfg.Queue.Archive(ctx, delivered); err != nil {
			return res, fmt.Errorf("relay: archive: %w", err)
		}
		res.Delivered = len(delivered)
	}
	return res, nil
}

// publish sends m and records its handle. A failure leaves m unchanged;
// ErrNotConnected also clears online so the rest of the iteration skips
// publishing.
func (r *Relay) publish(ctx context.Context, m *message.Message, now time.Time, online *bool) bool {
	topic, err := r.cfg.Topics.Resolve(m.Kind)
	if err != nil {
		r.log.Error("message %d: %v", m.ID, err)
		return false
	}
	wire, err := message.EncodeWire(*m)
	if err != nil {
		r.log.Error("message %d: encoding: %v", m.ID, err)
		return false
	}

	h, err := r.cfg.Publisher.Publish(ctx, topic, wire)
	if errors.Is(err, mqtt.ErrNotConnected) {
		*online = false
		return false
	}
	if err != nil {
		r.log.Warn("publishing message %d: %v", m.ID, err)
		return false
	}

	r.inflight[m.ID] = tracked{handle: h, sentAt: now}
	m.Topic = topic
	m.Status = message.StatusSent
	return true
}

func (r *Relay) drop(id int64) {
	if t, ok := r.inflight[id]; ok {
		r.cfg.Publisher.Forget(t.handle)
		delete(r.inflight, id)
	}
}

// InFlight returns the size of the tracking table. It must not be called
// while Run is active.
func (r *Relay) InFlight() int { return len(r.inflight) }
