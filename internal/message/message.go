// Package message provides the data structures shared by the queue store,
// the relay loop, the transport session and the supervisor.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalid is returned when a message or record fails validation.
var ErrInvalid = errors.New("invalid message")

// Status is the relay state of a queued message.
type Status string

// Relay states. There is no failed state: every failure is retried.
const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
)

// Rank orders statuses along the only legal transition path. Unknown
// statuses rank below pending.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	}
	return 0
}

// ParseStatus validates a persisted status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if st.Rank() == 0 {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalid, s)
	}
	return st, nil
}

// Message is one outbound unit as persisted in the active queue or the
// archive.
type Message struct {
	ID          int64           `json:"id" cbor:"1,keyasint"`
	Kind        Kind            `json:"kind" cbor:"2,keyasint"`
	Topic       string          `json:"topic,omitempty" cbor:"3,keyasint,omitempty"`
	Payload     json.RawMessage `json:"payload" cbor:"4,keyasint"`
	Status      Status          `json:"status" cbor:"5,keyasint"`
	CreatedAt   time.Time       `json:"created_at" cbor:"6,keyasint"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty" cbor:"7,keyasint,omitempty"`
}

// Validate checks that a record read back from storage is complete. A
// record failing validation means the backing store is corrupt.
func (m Message) Validate() error {
	if m.ID <= 0 {
		return fmt.Errorf("%w: non-positive id %d", ErrInvalid, m.ID)
	}
	if _, err := ParseKind(string(m.Kind)); err != nil {
		return fmt.Errorf("message %d: %w", m.ID, err)
	}
	if m.Status.Rank() == 0 {
		return fmt.Errorf("%w: message %d has unknown status %q", ErrInvalid, m.ID, m.Status)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("%w: message %d has no creation time", ErrInvalid, m.ID)
	}
	if m.Status == StatusDelivered && m.DeliveredAt == nil {
		return fmt.Errorf("%w: message %d delivered without delivery time", ErrInvalid, m.ID)
	}
	if m.Status != StatusDelivered && m.DeliveredAt != nil {
		return fmt.Errorf("%w: message %d has delivery time but status %s", ErrInvalid, m.ID, m.Status)
	}
	if _, err := DecodeBody(m.Kind, m.Payload); err != nil {
		return fmt.Errorf("message %d: %w", m.ID, err)
	}
	return nil
}

// ActiveQueue is the set of not-yet-archived messages plus the identifier
// counter, ordered by id.
type ActiveQueue struct {
	MaxIdentifier int64
	Messages      []Message
}

// CountByStatus returns the number of messages in each status.
func (q ActiveQueue) CountByStatus() map[Status]int {
	counts := make(map[Status]int, 3)
	for i := range q.Messages {
		counts[q.Messages[i].Status]++
	}
	return counts
}

// Descriptor is the workload version advertised by the control plane.
type Descriptor struct {
	Title   string `json:"sw_title"`
	URL     string `json:"sw_url"`
	Version string `json:"sw_version"`
}

// Complete reports whether all three fields are present.
func (d Descriptor) Complete() bool {
	return d.Title != "" && d.URL != "" && d.Version != ""
}

// RPCRequest is a decoded server-side RPC call.
type RPCRequest struct {
	RequestID string          `json:"-"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is published back on the response topic for RequestID.
type RPCResponse struct {
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}
