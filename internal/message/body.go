package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Kind tags the variant of a message body.
type Kind string

// Message kinds. Measurement and status go to the telemetry topic, log
// entries to the log topic.
const (
	KindMeasurement Kind = "measurement"
	KindStatus      Kind = "status"
	KindLog         Kind = "log"
)

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindMeasurement, KindStatus, KindLog:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalid, s)
}

// Severity of status and log bodies, using the broker-side vocabulary.
type Severity string

// Severities.
const (
	SeverityDebug   Severity = "DEBUG"
	SeverityInfo    Severity = "INFO"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityDebug, SeverityInfo, SeverityWarning, SeverityError:
		return true
	}
	return false
}

// Body is one of Measurement, StatusReport or LogEntry.
type Body interface {
	Kind() Kind
	Time() time.Time
	validate() error
}

// Measurement is one sensor reading set.
type Measurement struct {
	Timestamp time.Time          `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
	Revision  int                `json:"revision"`
}

// Kind implements Body.
func (Measurement) Kind() Kind { return KindMeasurement }

// Time implements Body.
func (m Measurement) Time() time.Time { return m.Timestamp }

func (m Measurement) validate() error {
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: measurement without timestamp", ErrInvalid)
	}
	if len(m.Values) == 0 {
		return fmt.Errorf("%w: measurement without values", ErrInvalid)
	}
	for k, v := range m.Values {
		if k == "" {
			return fmt.Errorf("%w: measurement value with empty name", ErrInvalid)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: measurement value %s is not finite", ErrInvalid, k)
		}
	}
	if m.Revision < 0 {
		return fmt.Errorf("%w: negative config revision", ErrInvalid)
	}
	return nil
}

// StatusReport is a gateway or workload state change.
type StatusReport struct {
	Timestamp time.Time `json:"timestamp"`
	Severity  Severity  `json:"severity"`
	Subject   string    `json:"subject"`
	Details   string    `json:"details,omitempty"`
}

// Kind implements Body.
func (StatusReport) Kind() Kind { return KindStatus }

// Time implements Body.
func (s StatusReport) Time() time.Time { return s.Timestamp }

func (s StatusReport) validate() error {
	if s.Timestamp.IsZero() {
		return fmt.Errorf("%w: status without timestamp", ErrInvalid)
	}
	if !s.Severity.valid() {
		return fmt.Errorf("%w: status severity %q", ErrInvalid, s.Severity)
	}
	if s.Subject == "" {
		return fmt.Errorf("%w: status without subject", ErrInvalid)
	}
	return nil
}

// LogEntry is a log line forwarded to the broker.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
}

// Kind implements Body.
func (LogEntry) Kind() Kind { return KindLog }

// Time implements Body.
func (l LogEntry) Time() time.Time { return l.Timestamp }

func (l LogEntry) validate() error {
	if l.Timestamp.IsZero() {
		return fmt.Errorf("%w: log entry without timestamp", ErrInvalid)
	}
	if !l.Severity.valid() {
		return fmt.Errorf("%w: log severity %q", ErrInvalid, l.Severity)
	}
	if l.Message == "" {
		return fmt.Errorf("%w: empty log message", ErrInvalid)
	}
	return nil
}

// Outbound is a validated body ready for enqueueing. Its payload is fixed at
// construction.
type Outbound struct {
	kind    Kind
	payload json.RawMessage
}

// New validates body and serializes its payload.
func New(body Body) (Outbound, error) {
	if body == nil {
		return Outbound{}, fmt.Errorf("%w: nil body", ErrInvalid)
	}
	if err := body.validate(); err != nil {
		return Outbound{}, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Outbound{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return Outbound{kind: body.Kind(), payload: payload}, nil
}

// Kind returns the body variant.
func (o Outbound) Kind() Kind { return o.kind }

// Payload returns a copy of the serialized body.
func (o Outbound) Payload() json.RawMessage {
	return append(json.RawMessage(nil), o.payload...)
}

// DecodeBody parses a stored payload back into its variant, rejecting
// unknown fields and invalid content.
func DecodeBody(kind Kind, payload []byte) (Body, error) {
	var body Body
	switch kind {
	case KindMeasurement:
		var m Measurement
		if err := strictUnmarshal(payload, &m); err != nil {
			return nil, err
		}
		body = m
	case KindStatus:
		var s StatusReport
		if err := strictUnmarshal(payload, &s); err != nil {
			return nil, err
		}
		body = s
	case KindLog:
		var l LogEntry
		if err := strictUnmarshal(payload, &l); err != nil {
			return nil, err
		}
		body = l
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalid, kind)
	}
	if err := body.validate(); err != nil {
		return nil, err
	}
	return body, nil
}

func strictUnmarshal(payload []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
