package model

import (
	"encoding/json"
	"time"
)

// Task is the queue payload for one inbound event. It is immutable once built
// by the ingress handler and only ever lives as a JSON queue message.
type Task struct {
	EventID    string          `json:"event_id"`
	Event      string          `json:"event,omitempty"`
	SenderID   string          `json:"sender_id"`
	Text       string          `json:"text"`
	OccurredAt time.Time       `json:"occurred_at"`
	RawPayload json.RawMessage `json:"raw_payload,omitempty"`
}

// UnknownSender is the sender id recorded when a payload names nobody.
const UnknownSender = "unknown"

// HasKnownSender reports whether the task can be answered at all.
func (t *Task) HasKnownSender() bool {
	return t.SenderID != "" && t.SenderID != UnknownSender
}
