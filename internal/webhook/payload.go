package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/capitalize-ai/thrift-inbox/internal/model"
)

// Payload is the loosely typed webhook envelope. The platform varies the
// location of sender and text between API versions, so Data and Entry are
// kept generic and inspected by the strategies below.
type Payload struct {
	Event     string         `json:"event,omitempty"`
	EventID   string         `json:"event_id,omitempty"`
	Timestamp *int64         `json:"timestamp,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Entry     []any          `json:"entry,omitempty"`
}

// Strategy extracts one field from a payload. ok is false when the payload
// does not have the shape the strategy understands.
type Strategy func(p *Payload) (value string, ok bool)

// SenderStrategies are tried in order until one matches.
var SenderStrategies = []Strategy{
	flatSender,
	nestedSender,
	entrySender,
}

// TextStrategies are tried in order until one matches.
var TextStrategies = []Strategy{
	nestedText,
	entryText,
}

// ParsePayload decodes a raw webhook body.
func ParsePayload(body []byte) (*Payload, error) {
	var p Payload
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("invalid webhook payload: %w", err)
	}
	return &p, nil
}

// ResolvedEventID returns the platform event id or a fallback derived from
// the payload timestamp, or from receivedAt when the payload carries none.
func (p *Payload) ResolvedEventID(receivedAt time.Time) string {
	if p.EventID != "" {
		return p.EventID
	}
	ts := receivedAt.Unix()
	if p.Timestamp != nil {
		ts = *p.Timestamp
	}
	return "unknown_" + strconv.FormatInt(ts, 10)
}

const (
	// millisThreshold separates second timestamps from millisecond ones;
	// 1e12 seconds is tens of thousands of years out.
	millisThreshold = 1_000_000_000_000

	// MaxClockSkew is how far past receipt an event time may claim to be.
	MaxClockSkew = 5 * time.Minute
)

// OccurredAt returns when the platform says the event happened. Millisecond
// timestamps are accepted. A missing timestamp, or one further than
// MaxClockSkew after receivedAt, yields receivedAt.
func (p *Payload) OccurredAt(receivedAt time.Time) time.Time {
	receivedAt = receivedAt.UTC()
	if p.Timestamp == nil || *p.Timestamp <= 0 {
		return receivedAt
	}

	var occurred time.Time
	if ts := *p.Timestamp; ts >= millisThreshold {
		occurred = time.UnixMilli(ts).UTC()
	} else {
		occurred = time.Unix(ts, 0).UTC()
	}
	if occurred.After(receivedAt.Add(MaxClockSkew)) {
		return receivedAt
	}
	return occurred
}

// SenderID returns the first sender any strategy finds, or "unknown".
func (p *Payload) SenderID() string {
	return Extract(p, SenderStrategies, model.UnknownSender)
}

// Text returns the first message text any strategy finds, or "".
func (p *Payload) Text() string {
	return Extract(p, TextStrategies, "")
}

// Extract runs strategies in order and returns the first match or fallback.
func Extract(p *Payload, strategies []Strategy, fallback string) string {
	for _, s := range strategies {
		if v, ok := s(p); ok {
			return v
		}
	}
	return fallback
}

// BuildTask turns a decoded payload into the queue task for one event.
func BuildTask(p *Payload, raw []byte, receivedAt time.Time) model.Task {
	return model.Task{
		EventID:    p.ResolvedEventID(receivedAt),
		Event:      p.Event,
		SenderID:   p.SenderID(),
		Text:       p.Text(),
		OccurredAt: p.OccurredAt(receivedAt),
		RawPayload: json.RawMessage(raw),
	}
}

// data.sender_id
func flatSender(p *Payload) (string, bool) {
	return stringField(p.Data, "sender_id")
}

// data.message.from_user_id
func nestedSender(p *Payload) (string, bool) {
	msg, ok := p.Data["message"].(map[string]any)
	if !ok {
		return "", false
	}
	return stringField(msg, "from_user_id")
}

// data.message.{content,text,body}
func nestedText(p *Payload) (string, bool) {
	msg, ok := p.Data["message"].(map[string]any)
	if !ok {
		return "", false
	}
	for _, key := range []string{"content", "text", "body"} {
		if v, ok := stringField(msg, key); ok {
			return v, true
		}
	}
	return "", false
}

// entry[0].changes[0].value.sender
func entrySender(p *Payload) (string, bool) {
	return stringField(firstChangeValue(p), "sender")
}

// entry[0].changes[0].value.text
func entryText(p *Payload) (string, bool) {
	return stringField(firstChangeValue(p), "text")
}

func firstChangeValue(p *Payload) map[string]any {
	if len(p.Entry) == 0 {
		return nil
	}
	first, ok := p.Entry[0].(map[string]any)
	if !ok {
		return nil
	}
	changes, ok := first["changes"].([]any)
	if !ok || len(changes) == 0 {
		return nil
	}
	change, ok := changes[0].(map[string]any)
	if !ok {
		return nil
	}
	value, _ := change["value"].(map[string]any)
	return value
}

// stringField reads m[key] as a string. Numeric ids are accepted as written.
func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}
