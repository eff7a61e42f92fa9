package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tum-esm/ACROPOLIS-edge/internal/clock"
	"github.com/tum-esm/ACROPOLIS-edge/internal/log"
	"github.com/tum-esm/ACROPOLIS-edge/internal/message"
)

var t0 = time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)

type memArchive struct {
	mu   sync.Mutex
	msgs map[int64]message.Message
	fail error
}

func newMemArchive() *memArchive { return &memArchive{msgs: map[int64]message.Message{}} }

func (a *memArchive) Append(msgs []message.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != nil {
		return a.fail
	}
	for _, m := range msgs {
		if _, ok := a.msgs[m.ID]; !ok {
			a.msgs[m.ID] = m
		}
	}
	return nil
}

func (a *memArchive) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.msgs)
}

type fixture struct {
	path    string
	store   *Store
	archive *memArchive
	clock   *clock.FakeClock
}

func open(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		path:    filepath.Join(t.TempDir(), "queue.db"),
		archive: newMemArchive(),
		clock:   clock.Fake(t0),
	}
	f.reopen(t)
	return f
}

func (f *fixture) reopen(t *testing.T) {
	t.Helper()
	if f.store != nil {
		require.NoError(t, f.store.Close())
	}
	logger := log.New()
	logger.SetOutput(os.Stderr)
	s, err := Open(Config{Path: f.path, Archive: f.archive, Clock: f.clock, Logger: logger})
	require.NoError(t, err)
	f.store = s
	t.Cleanup(func() { _ = s.Close() })
}

func measurement(t *testing.T) message.Outbound {
	t.Helper()
	out, err := message.New(message.Measurement{Timestamp: t0, Values: map[string]float64{"co2": 415.2}, Revision: 1})
	require.NoError(t, err)
	return out
}

func TestEnqueue_MonotonicAcrossRestart(t *testing.T) {
	f := open(t)
	ctx := context.Background()

	id, err := f.store.Enqueue(ctx, measurement(t))
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	f.reopen(t)
	q, err := f.store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), q.MaxIdentifier)
	require.Len(t, q.Messages, 1)
	assert.Equal(t, message.StatusPending, q.Messages[0].Status)
	assert.Equal(t, message.KindMeasurement, q.Messages[0].Kind)
	assert.True(t, q.Messages[0].CreatedAt.Equal(t0))
	assert.Nil(t, q.Messages[0].DeliveredAt)

	id, err = f.store.Enqueue(ctx, measurement(t))
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
}

func TestEnqueue_IdsNeverReusedAfterArchive(t *testing.T) {
	f := open(t)
	ctx := context.Background()

	id, err := f.store.Enqueue(ctx, measurement(t))
	require.NoError(t, err)
	q, err := f.store.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, f.store.Archive(ctx, q.Messages))

	f.reopen(t)
	next, err := f.store.Enqueue(ctx, measurement(t))
	require.NoError(t, err)
	assert.Greater(t, next, id)
}

func TestEnqueue_Concurrent(t *testing.T) {
	f := open(t)
	ctx := context.Background()

	const producers, each = 4, 25
	ids := make(chan int64, producers*each)
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				id, err := f.store.Enqueue(ctx, measurement(t))
				if err != nil {
					t.Error(err)
					return
				}
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[int64]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, producers*each)

	st, err := f.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(producers*each), st.MaxIdentifier)
	assert.Equal(t, producers*each, st.Pending)
}

func TestEnqueue_ZeroOutbound(t *testing.T) {
	f := open(t)
	_, err := f.store.Enqueue(context.Background(), message.Outbound{})
	assert.ErrorIs(t, err, message.ErrInvalid)
}

func TestSave_MergesWithConcurrentEnqueue(t *testing.T) {
	f := open(t)
	ctx := context.Background()

	_, err := f.store.Enqueue(ctx, measurement(t))
	require.NoError(t, err)
	q, err := f.store.Load(ctx)
	require.NoError(t, err)

	// producer enqueues while the relay holds its snapshot
	_, err = f.store.Enqueue(ctx, measurement(t))
	require.NoError(t, err)

	q.Messages[0].Status = message.StatusSent
	q.Messages[0].Topic = "v1/devices/me/telemetry"
	require.NoError(t, f.store.Save(ctx, q))

	after, err := f.store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, after.Messages, 2)
	assert.Equal(t, message.StatusSent, after.Messages[0].Status)
	assert.Equal(t, "v1/devices/me/telemetry", after.Messages[0].Topic)
	assert.Equal(t, message.StatusPending, after.Messages[1].Status)
	assert.Equal(t, int64(2), after.MaxIdentifier, "stale snapshot must not lower max_identifier")
}

func TestSave_StatusNeverMovesBackwards(t *testing.T) {
	f := open(t)
	ctx := context.Background()

	_, err := f.store.Enqueue(ctx, measurement(t))
	require.NoError(t, err)
	q, err := f.store.Load(ctx)
	require.NoError(t, err)

	q.Messages[0].Status = message.StatusSent
	require.NoError(t, f.store.Save(ctx, q))

	q.Messages[0].Status = message.StatusPending
	require.NoError(t, f.store.Save(ctx, q))

	after, err := f.store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, message.StatusSent, after.Messages[0].Status)
}

func TestSave_DoesNotResurrectArchived(t *testing.T) {
	f := open(t)
	ctx := context.Background()

	_, err := f.store.Enqueue(ctx, measurement(t))
	require.NoError(t, err)
	q, err := f.store.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, f.store.Archive(ctx, q.Messages))

	q.Messages[0].Status = message.StatusSent
	require.NoError(t, f.store.Save(ctx, q))

	after, err := f.store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, after.Messages)
}

func TestSave_RejectsInvalidStatus(t *testing.T) {
	f := open(t)
	err := f.store.Save(context.Background(), message.ActiveQueue{Messages: []message.Message{{ID: 1, Status: "failed"}}})
	assert.ErrorIs(t, err, message.ErrInvalid)
}

func TestArchive_ThreeStepCommit(t *testing.T) {
	f := open(t)
	ctx := context.Background()

	_, err := f.store.Enqueue(ctx, measurement(t))
	require.NoError(t, err)
	q, err := f.store.Load(ctx)
	require.NoError(t, err)

	f.clock.Advance(90 * time.Second)
	require.NoError(t, f.store.Archive(ctx, q.Messages))

	require.Equal(t, 1, f.archive.len())
	archived := f.archive.msgs[1]
	assert.Equal(t, message.StatusDelivered, archived.Status)
	require.NotNil(t, archived.DeliveredAt)
	assert.True(t, archived.DeliveredAt.Equal(t0.Add(90*time.Second)))

	after, err := f.store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, after.Messages)
	assert.Equal(t, int64(1), after.MaxIdentifier)
}

func TestArchive_FailureIsReplayable(t *testing.T) {
	f := open(t)
	ctx := context.Background()

	_, err := f.store.Enqueue(ctx, measurement(t))
	require.NoError(t, err)
	q, err := f.store.Load(ctx)
	require.NoError(t, err)

	f.archive.fail = errors.New("disk full")
	require.Error(t, f.store.Archive(ctx, q.Messages))

	f.reopen(t)
	mid, err := f.store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, mid.Messages, 1)
	assert.Equal(t, message.StatusDelivered, mid.Messages[0].Status)
	stamp := *mid.Messages[0].DeliveredAt

	f.archive.fail = nil
	f.clock.Advance(time.Hour)
	n, err := f.store.ReplayDelivered(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, 1, f.archive.len())
	assert.True(t, f.archive.msgs[1].DeliveredAt.Equal(stamp), "replay keeps the original delivery time")
	after, err := f.store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, after.Messages)
}

func TestRemove_KeepsUndelivered(t *testing.T) {
	f := open(t)
	ctx := context.Background()

	id, err := f.store.Enqueue(ctx, measurement(t))
	require.NoError(t, err)
	require.NoError(t, f.store.Remove(ctx, []int64{id}))

	q, err := f.store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, q.Messages, 1)
}

func execRaw(t *testing.T, path, query string) {
	t.Helper()
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, sqlitex.ExecuteTransient(conn, query, nil))
}

func TestLoad_CorruptRecord(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"unknown status", `UPDATE active_messages SET status = 'failed'`},
		{"unknown kind", `UPDATE active_messages SET kind = 'sms'`},
		{"invalid payload", `UPDATE active_messages SET payload = '{"timestamp":'`},
		{"delivered without time", `UPDATE active_messages SET status = 'delivered'`},
		{"id above counter", `UPDATE meta SET value = 0 WHERE key = 'max_identifier'`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := open(t)
			ctx := context.Background()
			_, err := f.store.Enqueue(ctx, measurement(t))
			require.NoError(t, err)

			execRaw(t, f.path, tt.query)

			_, err = f.store.Load(ctx)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestOpen_NotADatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	require.NoError(t, os.WriteFile(path, []byte("this is definitely not an sqlite file, just some text padding it out"), 0o600))

	_, err := Open(Config{Path: path, Archive: newMemArchive()})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupt)

	data, rerr := os.ReadFile(path)
	require.NoError(t, rerr)
	assert.Contains(t, string(data), "not an sqlite file", "corrupt queue must never be deleted automatically")
}

func TestOpen_RequiresArchive(t *testing.T) {
	_, err := Open(Config{Path: filepath.Join(t.TempDir(), "q.db")})
	assert.Error(t, err)
}

func TestReset(t *testing.T) {
	f := open(t)
	_, err := f.store.Enqueue(context.Background(), measurement(t))
	require.NoError(t, err)
	require.NoError(t, f.store.Close())

	require.NoError(t, Reset(f.path))
	_, err = os.Stat(f.path)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, Reset(f.path), "resetting a missing store is a no-op")

	f.store = nil
	f.reopen(t)
	q, err := f.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), q.MaxIdentifier)
}

func TestClose(t *testing.T) {
	f := open(t)
	require.True(t, f.store.IsOpen())
	require.NoError(t, f.store.Close())
	require.NoError(t, f.store.Close())
	assert.False(t, f.store.IsOpen())

	_, err := f.store.Enqueue(context.Background(), measurement(t))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = f.store.Load(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
