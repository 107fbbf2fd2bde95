package services_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/MegaGrindStone/multichat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func collect(seq iter.Seq[models.StreamEvent]) []models.StreamEvent {
	var events []models.StreamEvent
	for ev := range seq {
		events = append(events, ev)
	}
	return events
}

// text concatenates every TextDelta of events.
func text(events []models.StreamEvent) string {
	var sb strings.Builder
	for _, ev := range events {
		if ev.Kind == models.EventTextDelta {
			sb.WriteString(ev.Text)
		}
	}
	return sb.String()
}

func requireDone(t *testing.T, events []models.StreamEvent) {
	t.Helper()

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, models.EventDone, last.Kind, "last event: %+v", last)
	for _, ev := range events[:len(events)-1] {
		assert.NotEqual(t, models.EventDone, ev.Kind, "Done must be emitted exactly once")
		assert.NotEqual(t, models.EventError, ev.Kind, "unexpected error: %+v", ev.Err)
	}
}

func requireFailure(t *testing.T, events []models.StreamEvent, kind models.ErrorKind) *models.ProviderError {
	t.Helper()

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, models.EventError, last.Kind, "last event: %+v", last)
	require.NotNil(t, last.Err)
	assert.Equal(t, kind, last.Err.Kind, "message: %s", last.Err.Message)
	for _, ev := range events {
		assert.NotEqual(t, models.EventDone, ev.Kind, "failed streams must not emit Done")
	}
	return last.Err
}

func usage(events []models.StreamEvent) int {
	tokens := 0
	for _, ev := range events {
		if ev.Kind == models.EventUsage {
			tokens = ev.Tokens
		}
	}
	return tokens
}

// provider is a fake provider endpoint counting the requests it serves.
type provider struct {
	*httptest.Server
	hits atomic.Int32
}

func newProvider(t *testing.T, handler http.HandlerFunc) *provider {
	t.Helper()

	p := &provider{}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(p.Close)
	return p
}

// writeSSE writes events as a text/event-stream. Each event is "type\ndata", or just data when it has no
// newline.
func writeSSE(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, ev := range events {
		if typ, data, ok := strings.Cut(ev, "\n"); ok {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", typ, data)
		} else {
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

func decodeJSON(t *testing.T, r *http.Request) map[string]any {
	t.Helper()

	var body map[string]any
	assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

func writeStatus(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func chatRequest(msgs ...string) models.ChatRequest {
	req := models.ChatRequest{}
	for i, m := range msgs {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		req.Messages = append(req.Messages, models.ChatMessage{Role: role, Content: m})
	}
	return req
}

func cancelled() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func ptr[T any](v T) *T {
	return &v
}
