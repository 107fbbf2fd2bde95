package handlers_test

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/multichat/internal/handlers"
	"github.com/MegaGrindStone/multichat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	pA = models.ProviderOpenAI
	pB = models.ProviderAnthropic
	pC = models.ProviderGoogle
)

type fixture struct {
	orch     *handlers.Orchestrator
	store    *memStore
	resolver *memResolver
	roomID   string
}

func newFixture(
	t *testing.T,
	adapters map[models.ProviderID]handlers.Adapter,
	opts ...handlers.OrchestratorOption,
) fixture {
	t.Helper()

	store := newMemStore()
	resolver := newMemResolver()
	orch, err := handlers.NewOrchestrator(adapters, store, resolver, discardLogger, opts...)
	require.NoError(t, err)

	room, err := store.CreateRoom(context.Background(), "test", []models.ProviderID{pA, pB, pC})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, orch.Shutdown(ctx))
	})

	return fixture{orch: orch, store: store, resolver: resolver, roomID: room.ID}
}

func (f fixture) wait(t *testing.T, turnID string) models.TurnState {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := f.orch.Wait(ctx, turnID)
	require.NoError(t, err)
	return st
}

// drain waits until every provider goroutine has finished its bookkeeping.
func (f fixture) drain(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Shutdown(ctx))
}

func waitStatus(t *testing.T, orch *handlers.Orchestrator, turnID string, p models.ProviderID, want models.Status) {
	t.Helper()

	require.Eventually(t, func() bool {
		st, err := orch.Snapshot(turnID)
		return err == nil && st.Providers[p].Status == want
	}, 5*time.Second, time.Millisecond, "provider %s never reached %s", p, want)
}

func TestStartTurnIsolatesAuthFailure(t *testing.T) {
	f := newFixture(t, map[models.ProviderID]handlers.Adapter{
		pA: scripted(models.Failure(models.ErrorAuth, "invalid api key")),
		pB: reply("Hel", "lo"),
	})

	turnID, err := f.orch.StartTurn(context.Background(), f.roomID, "hi", "", []models.ProviderID{pA, pB})
	require.NoError(t, err)

	st := f.wait(t, turnID)
	assert.Equal(t, models.StatusFailed, st.Providers[pA].Status)
	require.NotNil(t, st.Providers[pA].Err)
	assert.Equal(t, models.ErrorAuth, st.Providers[pA].Err.Kind)
	assert.Empty(t, st.Providers[pA].Text)

	assert.Equal(t, models.StatusComplete, st.Providers[pB].Status)
	assert.Equal(t, "Hello", st.Providers[pB].Text)
	assert.Equal(t, 2, st.Providers[pB].Tokens)

	msgs, err := f.store.Messages(context.Background(), f.roomID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, turnID, msgs[0].ID)
	assert.True(t, msgs[0].IsUser())
	assert.Equal(t, pB, msgs[1].Provider)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.Equal(t, turnID, msgs[1].TurnLink)
	assert.Equal(t, msgs[1].ID, st.Providers[pB].MessageID)
}

func TestStartTurnEveryProviderTerminates(t *testing.T) {
	f := newFixture(t, map[models.ProviderID]handlers.Adapter{
		pA: reply("a"),
		pB: scripted(models.Failure(models.ErrorAPI, "overloaded")),
		pC: scripted(models.TextDelta("cut short")),
	})

	turnID, err := f.orch.StartTurn(context.Background(), f.roomID, "hi", "", []models.ProviderID{pA, pB, pC})
	require.NoError(t, err)

	st := f.wait(t, turnID)
	require.Len(t, st.Providers, 3)
	assert.Equal(t, models.StatusComplete, st.Providers[pA].Status)
	assert.Equal(t, models.StatusFailed, st.Providers[pB].Status)
	assert.Equal(t, models.ErrorAPI, st.Providers[pB].Err.Kind)
	assert.Equal(t, "overloaded", st.Providers[pB].Err.Message)

	// A stream that ends without Done or Error is a network failure.
	assert.Equal(t, models.StatusFailed, st.Providers[pC].Status)
	assert.Equal(t, models.ErrorNetwork, st.Providers[pC].Err.Kind)
	assert.Empty(t, f.store.replies(f.roomID, pC))
}

func TestStartTurnValidation(t *testing.T) {
	f := newFixture(t, map[models.ProviderID]handlers.Adapter{pA: reply("a")})

	tests := []struct {
		name      string
		roomID    string
		text      string
		providers []models.ProviderID
		wantErr   error
	}{
		{
			name:      "Empty message",
			roomID:    f.roomID,
			text:      "  ",
			providers: []models.ProviderID{pA},
			wantErr:   handlers.ErrEmptyMessage,
		},
		{
			name:    "No providers",
			roomID:  f.roomID,
			text:    "hi",
			wantErr: handlers.ErrNoProviders,
		},
		{
			name:      "Provider without adapter",
			roomID:    f.roomID,
			text:      "hi",
			providers: []models.ProviderID{pA, pB},
			wantErr:   handlers.ErrUnknownProvider,
		},
		{
			name:      "Unknown room",
			roomID:    "missing",
			text:      "hi",
			providers: []models.ProviderID{pA},
			wantErr:   models.ErrRoomNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.StartTurn(context.Background(), tt.roomID, tt.text, "", tt.providers)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	msgs, err := f.store.Messages(context.Background(), f.roomID)
	require.NoError(t, err)
	assert.Empty(t, msgs, "rejected turns must not persist the user message")
}

func TestTurnTimeout(t *testing.T) {
	silent := adapterFunc(func(ctx context.Context, _ models.ChatRequest, _ models.ProviderConfig) iter.Seq[models.StreamEvent] {
		return func(func(models.StreamEvent) bool) {
			<-ctx.Done()
		}
	})
	f := newFixture(t, map[models.ProviderID]handlers.Adapter{
		pA: silent,
		pB: reply("fast"),
	}, handlers.WithTurnTimeout(50*time.Millisecond))

	turnID, err := f.orch.StartTurn(context.Background(), f.roomID, "hi", "", []models.ProviderID{pA, pB})
	require.NoError(t, err)

	st := f.wait(t, turnID)
	assert.Equal(t, models.StatusFailed, st.Providers[pA].Status)
	assert.Equal(t, models.ErrorNetwork, st.Providers[pA].Err.Kind)
	assert.Equal(t, "request timed out", st.Providers[pA].Err.Message)
	assert.Equal(t, models.StatusComplete, st.Providers[pB].Status)
}

func TestRetryPersistsExactlyOnce(t *testing.T) {
	a := &sequence{adapters: []adapterFunc{
		scripted(models.TextDelta("half"), models.Failure(models.ErrorNetwork, "connection reset")),
		reply("wh", "ole"),
	}}
	f := newFixture(t, map[models.ProviderID]handlers.Adapter{pA: a, pB: reply("b")})

	turnID, err := f.orch.StartTurn(context.Background(), f.roomID, "hi", "", []models.ProviderID{pA, pB})
	require.NoError(t, err)

	st := f.wait(t, turnID)
	require.Equal(t, models.StatusFailed, st.Providers[pA].Status)
	bState := st.Providers[pB]

	require.NoError(t, f.orch.Retry(turnID, pA))

	st = f.wait(t, turnID)
	assert.Equal(t, models.StatusComplete, st.Providers[pA].Status)
	assert.Equal(t, "whole", st.Providers[pA].Text)
	assert.Equal(t, 2, st.Providers[pA].Attempt)
	assert.Nil(t, st.Providers[pA].Err)
	assert.Equal(t, bState, st.Providers[pB], "retry must not touch siblings")

	replies := f.store.replies(f.roomID, pA)
	require.Len(t, replies, 1)
	assert.Equal(t, "whole", replies[0].Content)
	assert.Len(t, f.store.replies(f.roomID, pB), 1)
}

func TestRetryInvalidTransitions(t *testing.T) {
	f := newFixture(t, map[models.ProviderID]handlers.Adapter{pA: reply("a"), pB: hanging()})

	turnID, err := f.orch.StartTurn(context.Background(), f.roomID, "hi", "", []models.ProviderID{pA, pB})
	require.NoError(t, err)
	waitStatus(t, f.orch, turnID, pA, models.StatusComplete)
	waitStatus(t, f.orch, turnID, pB, models.StatusStreaming)

	assert.ErrorIs(t, f.orch.Retry(turnID, pA), handlers.ErrInvalidTransition)
	assert.ErrorIs(t, f.orch.Retry(turnID, pB), handlers.ErrInvalidTransition)
	assert.ErrorIs(t, f.orch.Cancel(turnID, pA), handlers.ErrInvalidTransition)
	assert.ErrorIs(t, f.orch.Retry(turnID, pC), handlers.ErrProviderNotInTurn)
	assert.ErrorIs(t, f.orch.Retry("missing", pA), handlers.ErrTurnNotFound)
	assert.ErrorIs(t, f.orch.Cancel("missing", pA), handlers.ErrTurnNotFound)
	_, err = f.orch.Snapshot("missing")
	assert.ErrorIs(t, err, handlers.ErrTurnNotFound)
}

func TestCancelIsolatesProvider(t *testing.T) {
	release := make(chan struct{})
	gated := adapterFunc(func(context.Context, models.ChatRequest, models.ProviderConfig) iter.Seq[models.StreamEvent] {
		return func(yield func(models.StreamEvent) bool) {
			<-release
			if !yield(models.TextDelta("b")) {
				return
			}
			yield(models.Done())
		}
	})
	f := newFixture(t, map[models.ProviderID]handlers.Adapter{pA: hanging(), pB: gated})

	turnID, err := f.orch.StartTurn(context.Background(), f.roomID, "hi", "", []models.ProviderID{pA, pB})
	require.NoError(t, err)
	waitStatus(t, f.orch, turnID, pA, models.StatusStreaming)

	require.NoError(t, f.orch.Cancel(turnID, pA))

	st, err := f.orch.Snapshot(turnID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, st.Providers[pA].Status)
	assert.Empty(t, st.Providers[pA].Text, "cancel discards the partial reply")
	assert.Equal(t, models.StatusPending, st.Providers[pB].Status)

	close(release)
	st = f.wait(t, turnID)
	assert.Equal(t, models.StatusCancelled, st.Providers[pA].Status)
	assert.Equal(t, models.StatusComplete, st.Providers[pB].Status)

	f.drain(t)
	assert.Empty(t, f.store.replies(f.roomID, pA))
	assert.ErrorIs(t, f.orch.Cancel(turnID, pA), handlers.ErrInvalidTransition)
}

func TestCancelledInvocationNeverPersists(t *testing.T) {
	release := make(chan struct{})
	// This adapter ignores its context, as a misbehaving provider client might.
	stubborn := adapterFunc(func(context.Context, models.ChatRequest, models.ProviderConfig) iter.Seq[models.StreamEvent] {
		return func(yield func(models.StreamEvent) bool) {
			<-release
			yield(models.Done())
		}
	})
	f := newFixture(t, map[models.ProviderID]handlers.Adapter{pA: stubborn})

	turnID, err := f.orch.StartTurn(context.Background(), f.roomID, "hi", "", []models.ProviderID{pA})
	require.NoError(t, err)

	require.NoError(t, f.orch.Cancel(turnID, pA))
	close(release)
	f.drain(t)

	st, err := f.orch.Snapshot(turnID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, st.Providers[pA].Status)
	assert.Empty(t, st.Providers[pA].Text)
	assert.Empty(t, f.store.replies(f.roomID, pA))
}

func TestRetryAfterCancel(t *testing.T) {
	a := &sequence{adapters: []adapterFunc{hanging(), reply("second")}}
	f := newFixture(t, map[models.ProviderID]handlers.Adapter{pA: a})

	turnID, err := f.orch.StartTurn(context.Background(), f.roomID, "hi", "", []models.ProviderID{pA})
	require.NoError(t, err)
	waitStatus(t, f.orch, turnID, pA, models.StatusStreaming)

	require.NoError(t, f.orch.Cancel(turnID, pA))
	require.NoError(t, f.orch.Retry(turnID, pA))

	st := f.wait(t, turnID)
	assert.Equal(t, models.StatusComplete, st.Providers[pA].Status)
	assert.Equal(t, "second", st.Providers[pA].Text)

	f.drain(t)
	replies := f.store.replies(f.roomID, pA)
	require.Len(t, replies, 1)
	assert.Equal(t, "second", replies[0].Content)
}

func TestPersistenceFailure(t *testing.T) {
	f := newFixture(t, map[models.ProviderID]handlers.Adapter{pA: reply("a"), pB: reply("b")})
	f.store.failFor = pA

	turnID, err := f.orch.StartTurn(context.Background(), f.roomID, "hi", "", []models.ProviderID{pA, pB})
	require.NoError(t, err)

	st := f.wait(t, turnID)
	assert.Equal(t, models.StatusFailed, st.Providers[pA].Status)
	assert.Equal(t, models.ErrorPersistence, st.Providers[pA].Err.Kind)
	assert.Equal(t, models.StatusComplete, st.Providers[pB].Status)
	assert.True(t, st.Providers[pA].Status.Retryable())
}

func TestResolveFailureKinds(t *testing.T) {
	f := newFixture(t, map[models.ProviderID]handlers.Adapter{pA: reply("a"), pB: reply("b"), pC: reply("c")})
	f.resolver.mu.Lock()
	f.resolver.failFor = map[models.ProviderID]error{
		pA: fmt.Errorf("%w: openai: wrong passphrase", models.ErrCredentialUnreadable),
		pB: errors.New("settings unavailable"),
	}
	f.resolver.mu.Unlock()

	turnID, err := f.orch.StartTurn(context.Background(), f.roomID, "hi", "", []models.ProviderID{pA, pB, pC})
	require.NoError(t, err)

	st := f.wait(t, turnID)
	require.NotNil(t, st.Providers[pA].Err)
	assert.Equal(t, models.ErrorAuth, st.Providers[pA].Err.Kind)
	require.NotNil(t, st.Providers[pB].Err)
	assert.Equal(t, models.ErrorPersistence, st.Providers[pB].Err.Kind)
	assert.Equal(t, models.StatusComplete, st.Providers[pC].Status)
}

func TestProviderHistoryExcludesSiblings(t *testing.T) {
	a := &recorder{next: reply("answer from a")}
	b := &recorder{next: reply("answer from b")}
	f := newFixture(t, map[models.ProviderID]handlers.Adapter{pA: a, pB: b})

	first, err := f.orch.StartTurn(context.Background(), f.roomID, "first", "", []models.ProviderID{pA, pB})
	require.NoError(t, err)
	f.wait(t, first)

	second, err := f.orch.StartTurn(context.Background(), f.roomID, "second", "", []models.ProviderID{pA, pB})
	require.NoError(t, err)
	f.wait(t, second)

	assert.Equal(t, []models.ChatMessage{
		{Role: models.RoleUser, Content: "first"},
		{Role: models.RoleAssistant, Content: "answer from a"},
		{Role: models.RoleUser, Content: "second"},
	}, a.last().Messages)
	assert.Equal(t, []models.ChatMessage{
		{Role: models.RoleUser, Content: "first"},
		{Role: models.RoleAssistant, Content: "answer from b"},
		{Role: models.RoleUser, Content: "second"},
	}, b.last().Messages)
}

func TestObserverSeesOrderedUpdates(t *testing.T) {
	var (
		mu      sync.Mutex
		updates []models.TurnUpdate
	)
	observe := func(u models.TurnUpdate) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, u)
	}
	f := newFixture(t, map[models.ProviderID]handlers.Adapter{pA: reply("x", "y")}, handlers.WithObserver(observe))

	turnID, err := f.orch.StartTurn(context.Background(), f.roomID, "hi", "", []models.ProviderID{pA})
	require.NoError(t, err)
	f.wait(t, turnID)
	f.drain(t)

	mu.Lock()
	defer mu.Unlock()

	var statuses []models.Status
	var texts []string
	for _, u := range updates {
		assert.Equal(t, turnID, u.TurnID)
		assert.Equal(t, f.roomID, u.RoomID)
		statuses = append(statuses, u.State.Status)
		texts = append(texts, u.State.Text)
	}
	assert.Equal(t, []models.Status{
		models.StatusPending,
		models.StatusStreaming,
		models.StatusStreaming,
		models.StatusStreaming,
		models.StatusComplete,
	}, statuses)
	assert.Equal(t, []string{"", "x", "xy", "xy", "xy"}, texts)
}

func TestSettledTurnsAreEvicted(t *testing.T) {
	f := newFixture(t, map[models.ProviderID]handlers.Adapter{pA: reply("a")}, handlers.WithRetainedTurns(1))

	first, err := f.orch.StartTurn(context.Background(), f.roomID, "one", "", []models.ProviderID{pA})
	require.NoError(t, err)
	f.wait(t, first)
	f.drain(t)

	second, err := f.orch.StartTurn(context.Background(), f.roomID, "two", "", []models.ProviderID{pA})
	require.NoError(t, err)
	f.wait(t, second)
	f.drain(t)

	_, err = f.orch.Snapshot(first)
	assert.ErrorIs(t, err, handlers.ErrTurnNotFound)
	_, err = f.orch.Snapshot(second)
	assert.NoError(t, err)
}

func TestForgetRoomCancelsTurns(t *testing.T) {
	f := newFixture(t, map[models.ProviderID]handlers.Adapter{pA: hanging()})

	turnID, err := f.orch.StartTurn(context.Background(), f.roomID, "hi", "", []models.ProviderID{pA})
	require.NoError(t, err)
	waitStatus(t, f.orch, turnID, pA, models.StatusStreaming)

	f.orch.ForgetRoom(f.roomID)
	f.drain(t)

	_, err = f.orch.Snapshot(turnID)
	assert.ErrorIs(t, err, handlers.ErrTurnNotFound)
	assert.Empty(t, f.store.replies(f.roomID, pA))
}

func TestWaitHonorsContext(t *testing.T) {
	f := newFixture(t, map[models.ProviderID]handlers.Adapter{pA: hanging()})

	turnID, err := f.orch.StartTurn(context.Background(), f.roomID, "hi", "", []models.ProviderID{pA})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	st, err := f.orch.Wait(ctx, turnID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, st.Settled())
}
