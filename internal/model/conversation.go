// Package model defines the persisted records and queue payloads of the inbox.
package model

// ListConversationsResponse is the admin response for a user's history.
type ListConversationsResponse struct {
	UserID  string             `json:"user_id"`
	Turns   []ConversationTurn `json:"turns"`
	Total   int64              `json:"total"`
	HasMore bool               `json:"has_more"`
}

// SimulateMessageRequest is the admin request to inject a synthetic inbound event.
type SimulateMessageRequest struct {
	SenderID string `json:"sender_id"`
	Text     string `json:"text"`
	EventID  string `json:"event_id,omitempty"`
}

// SimulateMessageResponse reports the event id the synthetic message was queued under.
type SimulateMessageResponse struct {
	Status  string `json:"status"`
	EventID string `json:"event_id"`
}

// EventStatusResponse describes what the two idempotency layers know about an event.
type EventStatusResponse struct {
	EventID    string          `json:"event_id"`
	Processing bool            `json:"processing"`
	Processed  bool            `json:"processed"`
	Delivered  bool            `json:"delivered"`
	Ledger     *IdempotencyLog `json:"ledger,omitempty"`
}
