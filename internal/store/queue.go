package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tum-esm/ACROPOLIS-edge/internal/message"
)

// Enqueue appends msg as pending with id max_identifier+1 and persists the
// incremented counter in the same transaction.
func (s *Store) Enqueue(ctx context.Context, msg message.Outbound) (int64, error) {
	if msg.Kind() == "" {
		return 0, fmt.Errorf("%w: zero outbound message", message.ErrInvalid)
	}
	var id int64
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		maxID, err := readMaxIdentifier(conn)
		if err != nil {
			return err
		}
		id = maxID + 1
		err = sqlitex.Execute(conn,
			`INSERT INTO active_messages(id, kind, topic, payload, status, created_at)
			 VALUES (?, ?, '', ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				id, string(msg.Kind()), string(msg.Payload()),
				string(message.StatusPending), toNanos(s.clock.Now()),
			}})
		if err != nil {
			return fmt.Errorf("store: insert message %d: %w", id, err)
		}
		return writeMaxIdentifier(conn, id)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Load returns the whole active queue ordered by id. Any record that fails
// validation fails the entire load with ErrCorrupt.
func (s *Store) Load(ctx context.Context) (message.ActiveQueue, error) {
	var q message.ActiveQueue
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		maxID, err := readMaxIdentifier(conn)
		if err != nil {
			return err
		}
		msgs, err := selectMessages(conn, `SELECT id, kind, topic, payload, status, created_at, delivered_at
			FROM active_messages ORDER BY id`, nil)
		if err != nil {
			return err
		}
		for i := range msgs {
			if msgs[i].ID > maxID {
				return fmt.Errorf("%w: message %d above max_identifier %d", ErrCorrupt, msgs[i].ID, maxID)
			}
		}
		q = message.ActiveQueue{MaxIdentifier: maxID, Messages: msgs}
		return nil
	})
	return q, err
}

// Save merges q into the stored queue. For each message still present it
// updates status, topic and delivered_at, but never moves a status
// backwards. Rows not in q (concurrent enqueues) are untouched, rows
// missing from the store (already archived) are not recreated, and
// max_identifier never decreases.
func (s *Store) Save(ctx context.Context, q message.ActiveQueue) error {
	return s.write(ctx, func(conn *sqlite.Conn) error {
		for i := range q.Messages {
			if err := mergeMessage(conn, &q.Messages[i]); err != nil {
				return err
			}
		}
		maxID, err := readMaxIdentifier(conn)
		if err != nil {
			return err
		}
		if q.MaxIdentifier > maxID {
			return writeMaxIdentifier(conn, q.MaxIdentifier)
		}
		return nil
	})
}

func mergeMessage(conn *sqlite.Conn, m *message.Message) error {
	if m.Status.Rank() == 0 {
		return fmt.Errorf("%w: message %d has status %q", message.ErrInvalid, m.ID, m.Status)
	}
	if m.Status == message.StatusDelivered && m.DeliveredAt == nil {
		return fmt.Errorf("%w: message %d delivered without time", message.ErrInvalid, m.ID)
	}
	current, found, err := selectStatus(conn, m.ID)
	if err != nil || !found {
		return err
	}
	if m.Status.Rank() < current.Rank() {
		return nil
	}
	var deliveredAt any
	if m.DeliveredAt != nil {
		deliveredAt = toNanos(*m.DeliveredAt)
	}
	return sqlitex.Execute(conn,
		`UPDATE active_messages SET status = ?, topic = ?, delivered_at = COALESCE(delivered_at, ?) WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{string(m.Status), m.Topic, deliveredAt, m.ID}})
}

// MarkDelivered moves the given ids to delivered, stamping delivered_at
// with the current time unless it is already set. This is the first step
// of the archive commit.
func (s *Store) MarkDelivered(ctx context.Context, ids []int64) error {
	now := toNanos(s.clock.Now())
	return s.write(ctx, func(conn *sqlite.Conn) error {
		for _, id := range ids {
			err := sqlitex.Execute(conn,
				`UPDATE active_messages SET status = ?, delivered_at = COALESCE(delivered_at, ?) WHERE id = ?`,
				&sqlitex.ExecOptions{Args: []any{string(message.StatusDelivered), now, id}})
			if err != nil {
				return fmt.Errorf("store: mark %d delivered: %w", id, err)
			}
		}
		return nil
	})
}

// Remove deletes delivered rows. Rows in any other status are kept, so a
// caller cannot drop a message that never reached the archive step.
func (s *Store) Remove(ctx context.Context, ids []int64) error {
	return s.write(ctx, func(conn *sqlite.Conn) error {
		for _, id := range ids {
			err := sqlitex.Execute(conn,
				`DELETE FROM active_messages WHERE id = ? AND status = ?`,
				&sqlitex.ExecOptions{Args: []any{id, string(message.StatusDelivered)}})
			if err != nil {
				return fmt.Errorf("store: remove %d: %w", id, err)
			}
		}
		return nil
	})
}

// Archive moves msgs out of the active queue: mark delivered, append to
// the archive, then remove. A crash between steps leaves delivered rows
// that ReplayDelivered finishes; the archive dedupes the repeat append.
func (s *Store) Archive(ctx context.Context, msgs []message.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]int64, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
	}
	if err := s.MarkDelivered(ctx, ids); err != nil {
		return err
	}
	return s.archiveDelivered(ctx, ids)
}

// ReplayDelivered finishes archive commits interrupted by a crash.
func (s *Store) ReplayDelivered(ctx context.Context) (int, error) {
	var ids []int64
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT id FROM active_messages WHERE status = ? ORDER BY id`,
			&sqlitex.ExecOptions{
				Args: []any{string(message.StatusDelivered)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					ids = append(ids, stmt.ColumnInt64(0))
					return nil
				},
			})
	})
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	s.logger.Info("replaying archive commit for %d delivered messages", len(ids))
	return len(ids), s.archiveDelivered(ctx, ids)
}

func (s *Store) archiveDelivered(ctx context.Context, ids []int64) error {
	var delivered []message.Message
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		for _, id := range ids {
			msgs, err := selectMessages(conn, `SELECT id, kind, topic, payload, status, created_at, delivered_at
				FROM active_messages WHERE id = ? AND status = ?`, []any{id, string(message.StatusDelivered)})
			if err != nil {
				return err
			}
			delivered = append(delivered, msgs...)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(delivered) == 0 {
		return nil
	}
	if err := s.archive.Append(delivered); err != nil {
		return fmt.Errorf("store: archive append: %w", err)
	}
	removed := make([]int64, len(delivered))
	for i := range delivered {
		removed[i] = delivered[i].ID
	}
	return s.Remove(ctx, removed)
}

// Stats counts the active queue by status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		maxID, err := readMaxIdentifier(conn)
		if err != nil {
			return err
		}
		st.MaxIdentifier = maxID
		return sqlitex.Execute(conn, `SELECT status, COUNT(*) FROM active_messages GROUP BY status`,
			&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
				n := stmt.ColumnInt(1)
				switch message.Status(stmt.ColumnText(0)) {
				case message.StatusPending:
					st.Pending = n
				case message.StatusSent:
					st.Sent = n
				case message.StatusDelivered:
					st.Delivered = n
				}
				return nil
			}})
	})
	return st, err
}

// Reset deletes the database at path together with its WAL files. It is
// an operator action and must run before Open.
func Reset(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("store: reset %s: %w", p, err)
		}
	}
	return nil
}

func readMaxIdentifier(conn *sqlite.Conn) (int64, error) {
	var (
		maxID int64
		found bool
	)
	err := sqlitex.Execute(conn, `SELECT value FROM meta WHERE key = 'max_identifier'`,
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			maxID = stmt.ColumnInt64(0)
			found = true
			return nil
		}})
	if err != nil {
		return 0, fmt.Errorf("store: read max_identifier: %w", err)
	}
	if !found || maxID < 0 {
		return 0, fmt.Errorf("%w: max_identifier missing or negative", ErrCorrupt)
	}
	return maxID, nil
}

func writeMaxIdentifier(conn *sqlite.Conn, v int64) error {
	err := sqlitex.Execute(conn, `UPDATE meta SET value = ? WHERE key = 'max_identifier'`,
		&sqlitex.ExecOptions{Args: []any{v}})
	if err != nil {
		return fmt.Errorf("store: write max_identifier: %w", err)
	}
	return nil
}

func selectStatus(conn *sqlite.Conn, id int64) (message.Status, bool, error) {
	var (
		raw   string
		found bool
	)
	err := sqlitex.Execute(conn, `SELECT status FROM active_messages WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				raw = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	if err != nil || !found {
		return "", found, err
	}
	st, err := message.ParseStatus(raw)
	if err != nil {
		return "", true, fmt.Errorf("%w: message %d: %v", ErrCorrupt, id, err)
	}
	return st, true, nil
}

func selectMessages(conn *sqlite.Conn, query string, args []any) ([]message.Message, error) {
	var msgs []message.Message
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			m, err := scanMessage(stmt)
			if err != nil {
				return err
			}
			msgs = append(msgs, m)
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func scanMessage(stmt *sqlite.Stmt) (message.Message, error) {
	m := message.Message{
		ID:        stmt.ColumnInt64(0),
		Kind:      message.Kind(stmt.ColumnText(1)),
		Topic:     stmt.ColumnText(2),
		Payload:   json.RawMessage(stmt.ColumnText(3)),
		Status:    message.Status(stmt.ColumnText(4)),
		CreatedAt: fromNanos(stmt.ColumnInt64(5)),
	}
	if !stmt.ColumnIsNull(6) {
		t := fromNanos(stmt.ColumnInt64(6))
		m.DeliveredAt = &t
	}
	if stmt.ColumnInt64(5) == 0 {
		m.CreatedAt = time.Time{}
	}
	if err := m.Validate(); err != nil {
		return message.Message{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return m, nil
}
