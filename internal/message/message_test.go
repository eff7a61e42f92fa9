package message

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ts = time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		body    Body
		wantErr bool
	}{
		{"measurement ok", Measurement{Timestamp: ts, Values: map[string]float64{"co2": 415}, Revision: 3}, false},
		{"measurement no timestamp", Measurement{Values: map[string]float64{"co2": 415}}, true},
		{"measurement no values", Measurement{Timestamp: ts}, true},
		{"measurement nan", Measurement{Timestamp: ts, Values: map[string]float64{"co2": math.NaN()}}, true},
		{"measurement empty name", Measurement{Timestamp: ts, Values: map[string]float64{"": 1}}, true},
		{"measurement negative revision", Measurement{Timestamp: ts, Values: map[string]float64{"a": 1}, Revision: -1}, true},
		{"status ok", StatusReport{Timestamp: ts, Severity: SeverityInfo, Subject: "workload started"}, false},
		{"status bad severity", StatusReport{Timestamp: ts, Severity: "NOTICE", Subject: "x"}, true},
		{"status no subject", StatusReport{Timestamp: ts, Severity: SeverityInfo}, true},
		{"log ok", LogEntry{Timestamp: ts, Severity: SeverityError, Message: "disk full"}, false},
		{"log empty", LogEntry{Timestamp: ts, Severity: SeverityError}, true},
		{"log lowercase severity", LogEntry{Timestamp: ts, Severity: "error", Message: "x"}, true},
		{"nil body", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := New(tt.body)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalid))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.body.Kind(), out.Kind())
			assert.True(t, json.Valid(out.Payload()))
		})
	}
}

func TestOutbound_PayloadIsCopy(t *testing.T) {
	out, err := New(LogEntry{Timestamp: ts, Severity: SeverityInfo, Message: "hello"})
	require.NoError(t, err)

	p := out.Payload()
	p[0] = 'X'
	assert.Equal(t, byte('{'), out.Payload()[0])
}

func TestDecodeBody_RoundTripAndStrictness(t *testing.T) {
	out, err := New(Measurement{Timestamp: ts, Values: map[string]float64{"co2": 415.5}, Revision: 2})
	require.NoError(t, err)

	body, err := DecodeBody(KindMeasurement, out.Payload())
	require.NoError(t, err)
	m, ok := body.(Measurement)
	require.True(t, ok)
	assert.Equal(t, 415.5, m.Values["co2"])
	assert.True(t, m.Timestamp.Equal(ts))

	_, err = DecodeBody(KindMeasurement, []byte(`{"timestamp":"2026-10-15T09:30:00Z","values":{"a":1},"extra":true}`))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = DecodeBody(KindLog, []byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = DecodeBody("sms", out.Payload())
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestStatusRank(t *testing.T) {
	assert.Less(t, StatusPending.Rank(), StatusSent.Rank())
	assert.Less(t, StatusSent.Rank(), StatusDelivered.Rank())
	assert.Equal(t, 0, Status("failed").Rank())

	_, err := ParseStatus("failed")
	assert.ErrorIs(t, err, ErrInvalid)
	st, err := ParseStatus("sent")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, st)
}

func validMessage(t *testing.T) Message {
	t.Helper()
	out, err := New(LogEntry{Timestamp: ts, Severity: SeverityWarning, Message: "offline"})
	require.NoError(t, err)
	return Message{ID: 1, Kind: out.Kind(), Payload: out.Payload(), Status: StatusPending, CreatedAt: ts}
}

func TestMessageValidate(t *testing.T) {
	delivered := ts.Add(time.Minute)

	tests := []struct {
		name   string
		mutate func(*Message)
		ok     bool
	}{
		{"valid pending", func(*Message) {}, true},
		{"valid delivered", func(m *Message) { m.Status = StatusDelivered; m.DeliveredAt = &delivered }, true},
		{"zero id", func(m *Message) { m.ID = 0 }, false},
		{"unknown kind", func(m *Message) { m.Kind = "sms" }, false},
		{"unknown status", func(m *Message) { m.Status = "failed" }, false},
		{"no created_at", func(m *Message) { m.CreatedAt = time.Time{} }, false},
		{"delivered without time", func(m *Message) { m.Status = StatusDelivered }, false},
		{"pending with delivered time", func(m *Message) { m.DeliveredAt = &delivered }, false},
		{"garbage payload", func(m *Message) { m.Payload = json.RawMessage(`{"severity":`) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validMessage(t)
			tt.mutate(&m)
			err := m.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}

func TestActiveQueue_CountByStatus(t *testing.T) {
	q := ActiveQueue{MaxIdentifier: 3, Messages: []Message{
		{ID: 1, Status: StatusSent},
		{ID: 2, Status: StatusPending},
		{ID: 3, Status: StatusPending},
	}}
	counts := q.CountByStatus()
	assert.Equal(t, 2, counts[StatusPending])
	assert.Equal(t, 1, counts[StatusSent])
	assert.Equal(t, 0, counts[StatusDelivered])
}

func TestDescriptorComplete(t *testing.T) {
	assert.True(t, Descriptor{Title: "acropolis", URL: "https://x", Version: "0.2.0"}.Complete())
	assert.False(t, Descriptor{Title: "acropolis", Version: "0.2.0"}.Complete())
}
