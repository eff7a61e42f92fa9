package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tum-esm/ACROPOLIS-edge/internal/archive"
	"github.com/tum-esm/ACROPOLIS-edge/internal/clock"
	"github.com/tum-esm/ACROPOLIS-edge/internal/config"
	"github.com/tum-esm/ACROPOLIS-edge/internal/log"
	"github.com/tum-esm/ACROPOLIS-edge/internal/message"
	"github.com/tum-esm/ACROPOLIS-edge/internal/mqtt"
	"github.com/tum-esm/ACROPOLIS-edge/internal/store"
)

const (
	telemetryTopic = "v1/devices/me/telemetry"
	logTopic       = "v1/devices/me/logs"
)

var t0 = time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)

type publication struct {
	topic   string
	payload []byte
	handle  mqtt.Handle
}

// fakePublisher acknowledges nothing until told to. reconnect starts a new
// generation, expiring every earlier handle.
type fakePublisher struct {
	mu         sync.Mutex
	online     bool
	generation uuid.UUID
	seq        uint64
	acked      map[uint64]bool
	live       map[uint64]bool
	sent       []publication
	failWith   error
	onPublish  func()
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{generation: uuid.New(), acked: map[uint64]bool{}, live: map[uint64]bool{}}
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload []byte) (mqtt.Handle, error) {
	p.mu.Lock()
	hook := p.onPublish
	if !p.online {
		p.mu.Unlock()
		return mqtt.Handle{}, mqtt.ErrNotConnected
	}
	if p.failWith != nil {
		err := p.failWith
		p.mu.Unlock()
		return mqtt.Handle{}, err
	}
	p.seq++
	h := mqtt.Handle{Generation: p.generation, Seq: p.seq}
	p.live[h.Seq] = true
	p.sent = append(p.sent, publication{topic: topic, payload: payload, handle: h})
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return h, nil
}

func (p *fakePublisher) IsDelivered(h mqtt.Handle) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h.Generation != p.generation || !p.live[h.Seq] {
		return false, mqtt.ErrHandleExpired
	}
	return p.acked[h.Seq], nil
}

func (p *fakePublisher) Forget(h mqtt.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h.Generation == p.generation {
		delete(p.live, h.Seq)
	}
}

func (p *fakePublisher) setOnline(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = v
}

func (p *fakePublisher) ackAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sent {
		p.acked[s.handle.Seq] = true
	}
}

func (p *fakePublisher) reconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generation = uuid.New()
	p.live = map[uint64]bool{}
}

func (p *fakePublisher) publications() []publication {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publication(nil), p.sent...)
}

type staticSwitch struct{ rt config.Runtime }

func (s staticSwitch) Current() (config.Runtime, error) { return s.rt, nil }

type fixture struct {
	dir     string
	store   *store.Store
	archive *archive.Archive
	pub     *fakePublisher
	clock   *clock.FakeClock
	logger  *log.Logger
	relay   *Relay
}

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dir:    t.TempDir(),
		pub:    newFakePublisher(),
		clock:  clock.Fake(t0),
		logger: quietLogger(),
	}
	f.open(t)
	return f
}

// open (re)opens the store and archive and builds a fresh relay, which
// is what a process restart does.
func (f *fixture) open(t *testing.T) {
	t.Helper()
	if f.store != nil {
		require.NoError(t, f.store.Close())
		require.NoError(t, f.archive.Close())
	}
	a, err := archive.Open(filepath.Join(f.dir, "archive"), f.logger, archive.WithClock(f.clock))
	require.NoError(t, err)
	s, err := store.Open(store.Config{
		Path:    filepath.Join(f.dir, "queue.db"),
		Archive: a,
		Clock:   f.clock,
		Logger:  f.logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		_ = a.Close()
	})
	f.store, f.archive = s, a
	f.relay = New(Config{
		Queue:           s,
		Publisher:       f.pub,
		Topics:          message.Topics{Telemetry: telemetryTopic, Log: logTopic},
		Clock:           f.clock,
		Logger:          f.logger,
		Interval:        3 * time.Second,
		DisabledBackoff: time.Minute,
		AckTimeout:      time.Minute,
	})
}

func (f *fixture) enqueue(t *testing.T, body message.Body) int64 {
	t.Helper()
	out, err := message.New(body)
	require.NoError(t, err)
	id, err := f.store.Enqueue(context.Background(), out)
	require.NoError(t, err)
	return id
}

func (f *fixture) step(t *testing.T) Result {
	t.Helper()
	res, err := f.relay.Step(context.Background())
	require.NoError(t, err)
	return res
}

func (f *fixture) load(t *testing.T) message.ActiveQueue {
	t.Helper()
	q, err := f.store.Load(context.Background())
	require.NoError(t, err)
	return q
}

func measurement() message.Measurement {
	return message.Measurement{Timestamp: t0, Values: map[string]float64{"co2": 415.2}}
}

func TestStep_EnqueuedOfflineThenDeliveredAndArchived(t *testing.T) {
	f := newFixture(t)
	id := f.enqueue(t, measurement())
	require.Equal(t, int64(1), id)

	// Offline: nothing is published and the message stays pending.
	assert.Equal(t, Result{}, f.step(t))
	q := f.load(t)
	require.Len(t, q.Messages, 1)
	assert.Equal(t, message.StatusPending, q.Messages[0].Status)

	f.pub.setOnline(true)
	assert.Equal(t, Result{Published: 1}, f.step(t))
	q = f.load(t)
	require.Len(t, q.Messages, 1)
	assert.Equal(t, message.StatusSent, q.Messages[0].Status)
	assert.Equal(t, telemetryTopic, q.Messages[0].Topic)

	pubs := f.pub.publications()
	require.Len(t, pubs, 1)
	assert.Equal(t, telemetryTopic, pubs[0].topic)
	var wire struct {
		TS     int64                      `json:"ts"`
		Values map[string]json.RawMessage `json:"values"`
	}
	require.NoError(t, json.Unmarshal(pubs[0].payload, &wire))
	assert.Equal(t, t0.UnixMilli(), wire.TS)

	// Still unacknowledged: nothing changes.
	assert.Equal(t, Result{}, f.step(t))

	f.pub.ackAll()
	f.clock.Advance(time.Second)
	assert.Equal(t, Result{Delivered: 1}, f.step(t))

	q = f.load(t)
	assert.Empty(t, q.Messages)
	assert.Equal(t, int64(1), q.MaxIdentifier)
	assert.Equal(t, 0, f.relay.InFlight())

	archived, err := f.archive.Read(t0)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, int64(1), archived[0].ID)
	assert.True(t, archived[0].DeliveredAt.Equal(t0.Add(time.Second)))

	// The counter survives a restart and is never reused.
	f.open(t)
	assert.Equal(t, int64(1), f.load(t).MaxIdentifier)
	assert.Equal(t, int64(2), f.enqueue(t, measurement()))
}

func TestStep_RestartRepublishesSentWithSameID(t *testing.T) {
	f := newFixture(t)
	f.pub.setOnline(true)
	f.enqueue(t, measurement())
	f.step(t)

	f.open(t)
	assert.Equal(t, Result{Republished: 1}, f.step(t))

	pubs := f.pub.publications()
	require.Len(t, pubs, 2)
	assert.Equal(t, pubs[0].payload, pubs[1].payload, "resend carries the identical payload")

	q := f.load(t)
	require.Len(t, q.Messages, 1)
	assert.Equal(t, int64(1), q.Messages[0].ID)
	assert.Equal(t, message.StatusSent, q.Messages[0].Status)
	assert.Equal(t, int64(1), q.MaxIdentifier)

	f.pub.ackAll()
	assert.Equal(t, Result{Delivered: 1}, f.step(t))
}

func TestStep_ReconnectRevalidatesHandles(t *testing.T) {
	f := newFixture(t)
	f.pub.setOnline(true)
	f.enqueue(t, measurement())
	f.enqueue(t, message.LogEntry{Timestamp: t0, Severity: message.SeverityWarning, Message: "disk low"})
	assert.Equal(t, Result{Published: 2}, f.step(t))

	f.pub.reconnect()
	assert.Equal(t, Result{Republished: 2}, f.step(t))

	pubs := f.pub.publications()
	require.Len(t, pubs, 4)
	assert.Equal(t, logTopic, pubs[1].topic)
	assert.Equal(t, logTopic, pubs[3].topic)
}

func TestStep_AckTimeoutRepublishes(t *testing.T) {
	f := newFixture(t)
	f.pub.setOnline(true)
	f.enqueue(t, measurement())
	f.step(t)

	f.clock.Advance(59 * time.Second)
	assert.Equal(t, Result{}, f.step(t))

	f.clock.Advance(time.Second)
	assert.Equal(t, Result{Republished: 1}, f.step(t))
}

func TestStep_PublishErrorIsRetried(t *testing.T) {
	f := newFixture(t)
	f.pub.setOnline(true)
	f.pub.failWith = errors.New("write timeout")
	f.enqueue(t, measurement())

	assert.Equal(t, Result{}, f.step(t))
	assert.Equal(t, message.StatusPending, f.load(t).Messages[0].Status)

	f.pub.failWith = nil
	assert.Equal(t, Result{Published: 1}, f.step(t))
}

func TestStep_PreservesConcurrentEnqueue(t *testing.T) {
	f := newFixture(t)
	f.pub.setOnline(true)
	f.enqueue(t, measurement())

	var once sync.Once
	f.pub.onPublish = func() {
		once.Do(func() { f.enqueue(t, measurement()) })
	}
	assert.Equal(t, Result{Published: 1}, f.step(t))

	q := f.load(t)
	require.Len(t, q.Messages, 2)
	assert.Equal(t, message.StatusSent, q.Messages[0].Status)
	assert.Equal(t, message.StatusPending, q.Messages[1].Status)
	assert.Equal(t, int64(2), q.MaxIdentifier)
}

func TestStep_FinishesInterruptedArchiveCommit(t *testing.T) {
	f := newFixture(t)
	id := f.enqueue(t, measurement())
	require.NoError(t, f.store.MarkDelivered(context.Background(), []int64{id}))

	assert.Equal(t, Result{Delivered: 1}, f.step(t))
	assert.Empty(t, f.load(t).Messages)
	archived, err := f.archive.Read(t0)
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

func TestStep_StoreErrorIsFatal(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Close())

	_, err := f.relay.Step(context.Background())
	assert.ErrorIs(t, err, store.ErrClosed)
	assert.ErrorIs(t, f.relay.Run(context.Background()), store.ErrClosed)
}

func TestRun_SendingDisabled(t *testing.T) {
	f := newFixture(t)
	f.pub.setOnline(true)
	f.enqueue(t, measurement())
	f.relay.cfg.Switch = staticSwitch{rt: config.Runtime{SendingEnabled: false}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.relay.Run(ctx) }()

	f.clock.WaitForTimers(1)
	assert.Empty(t, f.pub.publications())
	assert.True(t, f.relay.LastRun().Equal(t0))

	// The disabled backoff is the long one.
	f.clock.Advance(3 * time.Second)
	assert.Equal(t, 1, f.clock.PendingCount())

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, message.StatusPending, f.load(t).Messages[0].Status)
}

func TestRun_RuntimeFileSwitch(t *testing.T) {
	f := newFixture(t)
	f.pub.setOnline(true)
	f.enqueue(t, measurement())

	path := filepath.Join(f.dir, "runtime.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sending_enabled: false\n"), 0o600))
	rf := config.NewRuntimeFile(path, config.Runtime{SendingEnabled: true})
	f.relay.cfg.Switch = rf
	assert.False(t, f.relay.sendingEnabled())

	require.NoError(t, os.Remove(path))
	assert.True(t, f.relay.sendingEnabled())
}

func TestRun_IteratesOnInterval(t *testing.T) {
	f := newFixture(t)
	f.pub.setOnline(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.relay.Run(ctx) }()

	f.clock.WaitForTimers(1)
	f.enqueue(t, measurement())
	f.clock.Advance(3 * time.Second)
	f.clock.WaitForTimers(1)

	assert.Len(t, f.pub.publications(), 1)
	cancel()
	require.NoError(t, <-done)
}
