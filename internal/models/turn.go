package models

// Status is the lifecycle position of one provider within a turn. Pending → Streaming → Complete, Failed or
// Cancelled; a retry moves Failed or Cancelled back to Pending.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further events are expected for the status.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// Retryable reports whether a retry may be issued from the status.
func (s Status) Retryable() bool {
	return s == StatusFailed || s == StatusCancelled
}

// ProviderState is the transient view of one provider's reply within a turn.
type ProviderState struct {
	Status Status `json:"status"`

	// Text is the reply accumulated so far; for a complete provider it is the persisted content.
	Text   string         `json:"text"`
	Tokens int            `json:"tokens,omitempty"`
	Err    *ProviderError `json:"error,omitempty"`

	// MessageID is set once the reply has been persisted.
	MessageID string `json:"messageId,omitempty"`
	// Attempt counts invocations, starting at 1 and growing with every retry.
	Attempt int `json:"attempt"`
}

// TurnState is the transient state of every provider answering one user message. It is never persisted.
type TurnState struct {
	TurnID    string                       `json:"turnId"`
	RoomID    string                       `json:"roomId"`
	Providers map[ProviderID]ProviderState `json:"providers"`
}

// Settled reports whether every provider has reached a terminal status.
func (t TurnState) Settled() bool {
	for _, st := range t.Providers {
		if !st.Status.Terminal() {
			return false
		}
	}
	return true
}

// TurnUpdate is published to observers whenever one provider's state in a turn changes.
type TurnUpdate struct {
	RoomID   string        `json:"roomId"`
	TurnID   string        `json:"turnId"`
	Provider ProviderID    `json:"provider"`
	State    ProviderState `json:"state"`
}
