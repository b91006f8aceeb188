package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope is one decrypted conversation event on its way through the
// pipeline. The header fields are parsed once for cheap access; Payload
// keeps the full decoded object because downstream enrichment (storage
// paths, retry bookkeeping) writes additional wire fields into it before
// publish.
type Envelope struct {
	TenantID string
	MsgID    string
	Seq      uint64
	Action   string
	MsgType  string
	// MsgTime is the message timestamp in epoch millis, zero when the
	// wire object omits it.
	MsgTime int64

	Payload map[string]any
}

// ActionSwitch marks pseudo-records emitted by the archive service when a
// conversation switches rooms. They are not real messages: the cursor
// advances past them and nothing else happens.
const ActionSwitch = "switch"

// ErrMissingMsgID is returned when a decrypted object has no msgid field.
var ErrMissingMsgID = errors.New("envelope: missing msgid")

// ParseEnvelope decodes a decrypted plaintext object into an Envelope.
// Switch actions are structurally different and skip the msgid check.
func ParseEnvelope(plaintext []byte) (*Envelope, error) {
	var payload map[string]any
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	e := &Envelope{Payload: payload}
	e.Action, _ = payload["action"].(string)
	e.MsgType, _ = payload["msgtype"].(string)
	if id, ok := payload["msgid"].(string); ok {
		e.MsgID = id
	} else if e.Action != ActionSwitch {
		return nil, ErrMissingMsgID
	}
	if t, ok := asInt64(payload["msgtime"]); ok {
		e.MsgTime = t
	}
	// Re-parsed envelopes (retry lane, sweeps) carry the header fields
	// Marshal synced into the payload.
	e.TenantID, _ = payload["corp_id"].(string)
	if s, ok := asInt64(payload["seq"]); ok {
		e.Seq = uint64(s)
	}
	return e, nil
}

// Marshal syncs the header fields into the payload and renders the wire
// JSON sent to the outbound brokers and the retry lane.
func (e *Envelope) Marshal() ([]byte, error) {
	e.Payload["corp_id"] = e.TenantID
	e.Payload["seq"] = e.Seq
	return json.Marshal(e.Payload)
}

// DateNo returns the yyyymmdd bucket of the message timestamp, falling
// back to today when the wire object had no msgtime.
func (e *Envelope) DateNo() int {
	t := time.Now()
	if e.MsgTime > 0 {
		t = time.UnixMilli(e.MsgTime)
	}
	y, m, d := t.Date()
	return y*10000 + int(m)*100 + d
}

// Str returns a string payload field, "" when absent or not a string.
func (e *Envelope) Str(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// Set writes a payload field.
func (e *Envelope) Set(key string, v any) { e.Payload[key] = v }

// Has reports whether a payload field is present.
func (e *Envelope) Has(key string) bool {
	_, ok := e.Payload[key]
	return ok
}

// Section returns a nested object field (e.g. the "image" or "voice"
// wrapper carrying the attachment descriptor), nil when absent.
func (e *Envelope) Section(name string) map[string]any {
	m, _ := e.Payload[name].(map[string]any)
	return m
}

// TryCount returns the retry attempt counter carried in the payload.
func (e *Envelope) TryCount() int {
	n, _ := asInt64(e.Payload["tryCount"])
	return int(n)
}

// SetTryCount writes the retry attempt counter.
func (e *Envelope) SetTryCount(n int) { e.Payload["tryCount"] = n }

// BigFile reports whether the stall-timeout abort is bypassed for this
// envelope's attachment.
func (e *Envelope) BigFile() bool {
	b, _ := e.Payload["big_file"].(bool)
	return b
}

// Secret returns the tenant secret carried on retry-lane envelopes.
func (e *Envelope) Secret() string { return e.Str("secret") }

// ShardingKey returns the payload field ordering related messages, ""
// when the wire object has none (the dispatcher then picks a bounded
// random key).
func (e *Envelope) ShardingKey() string { return e.Str("from") }

// asInt64 tolerates the numeric types encoding/json produces.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
