package mqtt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotConnected is returned by publishes before the handshake
	// completed or after the connection dropped.
	ErrNotConnected = errors.New("mqtt: not connected")
	// ErrHandleExpired means the handle can no longer report an
	// acknowledgement and the message must be republished.
	ErrHandleExpired = errors.New("mqtt: handle expired")
)

// Handle identifies one tracked publish within a connection generation.
type Handle struct {
	Generation uuid.UUID
	Seq        uint64
}

// Publish sends payload with QoS 1 and returns immediately with a handle
// that reports the broker acknowledgement.
func (s *Session) Publish(_ context.Context, topic string, payload []byte) (Handle, error) {
	s.mu.Lock()
	if !s.ready {
		s.mu.Unlock()
		return Handle{}, ErrNotConnected
	}
	s.seq++
	h := Handle{Generation: s.generation, Seq: s.seq}
	s.mu.Unlock()

	token := s.client.Publish(topic, s.cfg.QoS, false, payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	if h.Generation != s.generation {
		return Handle{}, ErrNotConnected
	}
	s.inflight[h.Seq] = token
	return h, nil
}

// IsDelivered reports whether the broker acknowledged the publish behind
// h. A handle from an earlier connection, an unknown handle or a failed
// publish yields ErrHandleExpired.
func (s *Session) IsDelivered(h Handle) (bool, error) {
	s.mu.RLock()
	if h.Generation != s.generation {
		s.mu.RUnlock()
		return false, ErrHandleExpired
	}
	token, ok := s.inflight[h.Seq]
	s.mu.RUnlock()
	if !ok {
		return false, ErrHandleExpired
	}

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return false, fmt.Errorf("%w: %v", ErrHandleExpired, err)
		}
		return true, nil
	default:
		return false, nil
	}
}

// Forget drops the tracking entry for h.
func (s *Session) Forget(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.Generation == s.generation {
		delete(s.inflight, h.Seq)
	}
}

// InFlight returns the number of tracked publishes on the current
// connection.
func (s *Session) InFlight() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.inflight)
}

// PublishDirect publishes without tracking and waits for the broker
// acknowledgement, the write timeout or ctx.
func (s *Session) PublishDirect(ctx context.Context, topic string, payload []byte) error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	token := s.client.Publish(topic, s.cfg.QoS, false, payload)

	timer := time.NewTimer(s.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("mqtt publish timeout")
	}
}
