package models

import "fmt"

// EventKind discriminates the normalized events every adapter produces.
type EventKind int

const (
	EventTextDelta EventKind = iota
	EventUsage
	EventError
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventTextDelta:
		return "text_delta"
	case EventUsage:
		return "usage"
	case EventError:
		return "error"
	case EventDone:
		return "done"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	// ErrorAuth is a missing or rejected credential. It is fixed in settings, never retried automatically.
	ErrorAuth ErrorKind = "auth_error"
	// ErrorNetwork is a timeout, connection failure or non-2xx status.
	ErrorNetwork ErrorKind = "network_error"
	// ErrorAPI is a structured error body reported by the provider, shown verbatim.
	ErrorAPI ErrorKind = "api_error"
	// ErrorParse is a response that did not match the expected shape.
	ErrorParse ErrorKind = "parse_error"
	// ErrorPersistence is a failed read or write of the conversation or settings store.
	ErrorPersistence ErrorKind = "persistence_error"
)

// ProviderError is the terminal failure of one provider invocation.
type ProviderError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// StreamEvent is the normalized unit flowing from an adapter to the orchestrator. Text is set for
// EventTextDelta, Tokens for EventUsage and Err for EventError.
type StreamEvent struct {
	Kind   EventKind
	Text   string
	Tokens int
	Err    *ProviderError
}

// TextDelta returns an event appending text to the reply.
func TextDelta(text string) StreamEvent {
	return StreamEvent{Kind: EventTextDelta, Text: text}
}

// UsageInfo returns an event reporting the tokens consumed so far.
func UsageInfo(tokens int) StreamEvent {
	return StreamEvent{Kind: EventUsage, Tokens: tokens}
}

// Failure returns a terminal error event.
func Failure(kind ErrorKind, format string, args ...any) StreamEvent {
	return StreamEvent{Kind: EventError, Err: &ProviderError{Kind: kind, Message: fmt.Sprintf(format, args...)}}
}

// Done returns the event marking a successfully completed stream.
func Done() StreamEvent {
	return StreamEvent{Kind: EventDone}
}
