package message

import (
	"fmt"

	"github.com/tum-esm/ACROPOLIS-edge/pkg/jsonfast"
)

// LogPrefix is prepended to every line published on the log topic so the
// broker side can tell gateway logs from workload telemetry.
const LogPrefix = "GATEWAY - "

// Topics maps message kinds to broker topics.
type Topics struct {
	Telemetry string
	Log       string
}

// Resolve returns the topic a message of kind k is published on.
func (t Topics) Resolve(k Kind) (string, error) {
	switch k {
	case KindMeasurement, KindStatus:
		return t.Telemetry, nil
	case KindLog:
		return t.Log, nil
	}
	return "", fmt.Errorf("%w: no topic for kind %q", ErrInvalid, k)
}

// EncodeWire renders a stored message into the broker telemetry format
// {"ts":<unix ms>,"values":{...}}.
func EncodeWire(m Message) ([]byte, error) {
	body, err := DecodeBody(m.Kind, m.Payload)
	if err != nil {
		return nil, err
	}

	values := jsonfast.New(128)
	values.BeginObject()
	switch b := body.(type) {
	case Measurement:
		values.AddFloatMapField("measurement", b.Values)
		values.AddIntField("revision", b.Revision)
	case StatusReport:
		values.AddStringField("severity", string(b.Severity))
		values.AddStringField("subject", b.Subject)
		if b.Details != "" {
			values.AddStringField("details", b.Details)
		}
	case LogEntry:
		values.AddStringField("severity", string(b.Severity))
		values.AddStringField("message", LogPrefix+b.Message)
	}
	values.EndObject()

	out := jsonfast.New(len(values.Bytes()) + 48)
	out.BeginObject()
	out.AddInt64Field("ts", body.Time().UnixMilli())
	out.AddRawJSONField("values", values.Bytes())
	out.EndObject()
	return out.Bytes(), nil
}
