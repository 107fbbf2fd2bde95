package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/multichat/internal/models"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrTurnNotFound is returned for a turn that never existed or has been forgotten.
	ErrTurnNotFound = errors.New("turn not found")
	// ErrProviderNotInTurn is returned when a provider was not asked to answer the turn.
	ErrProviderNotInTurn = errors.New("provider is not part of the turn")
	// ErrInvalidTransition is returned for a cancel of a settled provider or a retry of an unfinished or
	// completed one.
	ErrInvalidTransition = errors.New("invalid provider state transition")
	// ErrUnknownProvider is returned when no adapter is registered for a provider.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrNoProviders is returned when a turn is started without any provider.
	ErrNoProviders = errors.New("at least one provider is required")
	// ErrEmptyMessage is returned when a turn is started without text.
	ErrEmptyMessage = errors.New("message is required")
)

const (
	// DefaultTurnTimeout bounds every provider invocation.
	DefaultTurnTimeout = 5 * time.Minute

	defaultRetainedTurns = 256
	persistTimeout       = 30 * time.Second
)

// Orchestrator fans one user message out to several providers and fans their event streams back into one
// TurnState. Every provider of a turn runs in its own goroutine and owns its own slot, so cancelling, retrying or
// failing one provider never touches its siblings.
type Orchestrator struct {
	adapters map[models.ProviderID]Adapter
	store    Store
	resolver ConfigResolver
	timeout  time.Duration
	observe  func(models.TurnUpdate)
	logger   *slog.Logger

	mu    sync.Mutex
	turns map[string]*turn

	// settled holds the IDs of turns whose providers are all terminal. Evicting one forgets the turn, so only
	// the most recent settled turns remain retryable; active turns are never in it.
	settled  *lru.Cache[string, struct{}]
	retained int

	tasks sync.WaitGroup
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithTurnTimeout sets the maximum duration of one provider invocation.
func WithTurnTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithObserver registers a callback receiving every provider state change. It is called synchronously while
// the provider's slot is locked, so it must not block or call back into the orchestrator.
func WithObserver(fn func(models.TurnUpdate)) OrchestratorOption {
	return func(o *Orchestrator) {
		o.observe = fn
	}
}

// WithRetainedTurns sets how many settled turns are kept for retry.
func WithRetainedTurns(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.retained = n
		}
	}
}

type turn struct {
	id     string
	roomID string

	// requests and slots are fixed when the turn starts; only slot contents change afterwards.
	requests map[models.ProviderID]models.ChatRequest
	slots    map[models.ProviderID]*slot

	notifyMu sync.Mutex
	changed  chan struct{}
}

type slot struct {
	mu         sync.Mutex
	state      models.ProviderState
	invocation string
	cancel     context.CancelFunc
}

// NewOrchestrator creates an orchestrator dispatching each provider to its adapter from the lookup table.
func NewOrchestrator(
	adapters map[models.ProviderID]Adapter,
	store Store,
	resolver ConfigResolver,
	logger *slog.Logger,
	opts ...OrchestratorOption,
) (*Orchestrator, error) {
	o := &Orchestrator{
		adapters: adapters,
		store:    store,
		resolver: resolver,
		timeout:  DefaultTurnTimeout,
		logger:   logger.With(slog.String("module", "orchestrator")),
		turns:    make(map[string]*turn),
		retained: defaultRetainedTurns,
	}
	for _, opt := range opts {
		opt(o)
	}

	settled, err := lru.NewWithEvict[string, struct{}](o.retained, o.evict)
	if err != nil {
		return nil, fmt.Errorf("failed to create settled turn cache: %w", err)
	}
	o.settled = settled

	return o, nil
}

func (o *Orchestrator) evict(turnID string, _ struct{}) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.turns[turnID]
	if !ok {
		return
	}
	// A retry may have revived the turn between being settled and being evicted.
	if t.snapshot().Settled() {
		delete(o.turns, turnID)
	}
}

// StartTurn persists the user message synchronously, then starts one invocation per provider and returns the
// turn ID, which is the user message's ID. Provider outcomes are observed asynchronously.
func (o *Orchestrator) StartTurn(
	ctx context.Context,
	roomID, text, image string,
	providers []models.ProviderID,
) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}
	providers = slices.Compact(slices.Sorted(slices.Values(providers)))
	if len(providers) == 0 {
		return "", ErrNoProviders
	}
	for _, p := range providers {
		if _, ok := o.adapters[p]; !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownProvider, p)
		}
	}

	history, err := o.store.Messages(ctx, roomID)
	if err != nil {
		return "", fmt.Errorf("failed to get messages: %w", err)
	}
	userMsg, err := o.store.AppendUserMessage(ctx, roomID, text, image)
	if err != nil {
		return "", fmt.Errorf("failed to add user message: %w", err)
	}

	t := &turn{
		id:       userMsg.ID,
		roomID:   roomID,
		requests: make(map[models.ProviderID]models.ChatRequest, len(providers)),
		slots:    make(map[models.ProviderID]*slot, len(providers)),
		changed:  make(chan struct{}),
	}
	for _, p := range providers {
		t.requests[p] = providerRequest(history, userMsg, p)
		t.slots[p] = &slot{}
	}

	o.mu.Lock()
	o.turns[t.id] = t
	o.mu.Unlock()

	o.logger.Info("Starting turn",
		slog.String("roomID", roomID),
		slog.String("turnID", t.id),
		slog.Any("providers", providers))

	for _, p := range providers {
		s := t.slots[p]
		s.mu.Lock()
		ctx, inv := o.begin(t, p, s)
		s.mu.Unlock()
		o.spawn(ctx, t, p, inv)
	}

	return t.id, nil
}

// providerRequest builds the history a provider sees: every earlier user message, each followed by this
// provider's own latest reply to it, then the new user message. Sibling providers' replies are never included.
func providerRequest(history []models.Message, userMsg models.Message, p models.ProviderID) models.ChatRequest {
	replies := make(map[string]string)
	for _, m := range history {
		if m.Provider == p {
			replies[m.TurnLink] = m.Content
		}
	}

	var msgs []models.ChatMessage
	for _, m := range history {
		if !m.IsUser() {
			continue
		}
		msgs = append(msgs, models.ChatMessage{Role: models.RoleUser, Content: m.Content, Image: m.Image})
		if reply, ok := replies[m.ID]; ok {
			msgs = append(msgs, models.ChatMessage{Role: models.RoleAssistant, Content: reply})
		}
	}
	msgs = append(msgs, models.ChatMessage{Role: models.RoleUser, Content: userMsg.Content, Image: userMsg.Image})

	return models.ChatRequest{Messages: msgs}
}

// begin resets the slot for a new invocation and returns its context and identifier. s.mu must be held.
func (o *Orchestrator) begin(t *turn, p models.ProviderID, s *slot) (context.Context, string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	s.invocation = uuid.New().String()
	s.cancel = cancel
	s.state = models.ProviderState{
		Status:  models.StatusPending,
		Attempt: s.state.Attempt + 1,
	}
	o.publish(t, p, s.state)
	return ctx, s.invocation
}

func (o *Orchestrator) spawn(ctx context.Context, t *turn, p models.ProviderID, inv string) {
	o.tasks.Add(1)
	go func() {
		defer o.tasks.Done()
		o.run(ctx, t, p, inv)
	}()
}

func (o *Orchestrator) run(ctx context.Context, t *turn, p models.ProviderID, inv string) {
	logger := o.logger.With(
		slog.String("turnID", t.id),
		slog.String("provider", string(p)),
		slog.String("invocation", inv))

	// The config is read once here; edits made while this invocation streams apply from the next one.
	cfg, err := o.resolver.Resolve(ctx, p)
	if err != nil {
		logger.Error("Failed to resolve provider config", slog.String(errLoggerKey, err.Error()))
		kind := models.ErrorPersistence
		if errors.Is(err, models.ErrCredentialUnreadable) {
			kind = models.ErrorAuth
		}
		o.finish(t, p, inv, &models.ProviderError{Kind: kind, Message: err.Error()})
		return
	}

	var buf strings.Builder
	for ev := range o.adapters[p].Stream(ctx, t.requests[p], cfg) {
		switch ev.Kind {
		case models.EventTextDelta:
			buf.WriteString(ev.Text)
			text := buf.String()
			if !o.update(t, p, inv, func(st *models.ProviderState) {
				st.Status = models.StatusStreaming
				st.Text = text
			}) {
				return
			}
		case models.EventUsage:
			if !o.update(t, p, inv, func(st *models.ProviderState) {
				st.Tokens = ev.Tokens
			}) {
				return
			}
		case models.EventError:
			perr := ev.Err
			if perr == nil {
				perr = &models.ProviderError{Kind: models.ErrorAPI, Message: "provider reported an unknown error"}
			}
			logger.Warn("Provider failed",
				slog.String("kind", string(perr.Kind)),
				slog.String(errLoggerKey, perr.Message))
			o.finish(t, p, inv, perr)
			return
		case models.EventDone:
			o.complete(ctx, t, p, inv, buf.String(), logger)
			return
		}
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		o.finish(t, p, inv, &models.ProviderError{Kind: models.ErrorNetwork, Message: "request timed out"})
		return
	}
	o.finish(t, p, inv, &models.ProviderError{
		Kind:    models.ErrorNetwork,
		Message: "stream ended without completion",
	})
}

// update applies fn to the provider's state if inv is still its live invocation. It reports false once the
// invocation has been cancelled or superseded, telling the caller to stop consuming.
func (o *Orchestrator) update(t *turn, p models.ProviderID, inv string, fn func(*models.ProviderState)) bool {
	s := t.slots[p]
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.invocation != inv || s.state.Status.Terminal() {
		return false
	}
	fn(&s.state)
	o.publish(t, p, s.state)
	return true
}

func (o *Orchestrator) finish(t *turn, p models.ProviderID, inv string, perr *models.ProviderError) {
	s := t.slots[p]
	s.mu.Lock()
	if s.invocation != inv || s.state.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state.Status = models.StatusFailed
	s.state.Text = ""
	s.state.Err = perr
	s.cancel()
	o.publish(t, p, s.state)
	s.mu.Unlock()

	o.settle(t)
}

// complete performs the single persistence write of a provider's reply. The slot stays locked during the write
// so a concurrent cancel cannot interleave with it.
func (o *Orchestrator) complete(
	ctx context.Context,
	t *turn,
	p models.ProviderID,
	inv, text string,
	logger *slog.Logger,
) {
	s := t.slots[p]
	s.mu.Lock()
	if s.invocation != inv || s.state.Status.Terminal() {
		s.mu.Unlock()
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	msg, err := o.store.AppendProviderMessage(pctx, t.roomID, t.id, p, text)
	cancel()
	if err != nil {
		logger.Error("Failed to persist reply", slog.String(errLoggerKey, err.Error()))
		s.state.Status = models.StatusFailed
		s.state.Text = ""
		s.state.Err = &models.ProviderError{Kind: models.ErrorPersistence, Message: "failed to save the reply"}
	} else {
		s.state.Status = models.StatusComplete
		s.state.Text = msg.Content
		s.state.MessageID = msg.ID
	}
	s.cancel()
	o.publish(t, p, s.state)
	s.mu.Unlock()

	o.settle(t)
}

// Cancel stops a pending or streaming provider. Text received so far is discarded and nothing is persisted.
func (o *Orchestrator) Cancel(turnID string, p models.ProviderID) error {
	t, s, err := o.slot(turnID, p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state.Status.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot cancel %s provider", ErrInvalidTransition, s.state.Status)
	}
	s.cancel()
	s.state = models.ProviderState{
		Status:  models.StatusCancelled,
		Attempt: s.state.Attempt,
	}
	o.publish(t, p, s.state)
	s.mu.Unlock()

	o.logger.Info("Cancelled provider", slog.String("turnID", turnID), slog.String("provider", string(p)))
	o.settle(t)
	return nil
}

// Retry restarts a failed or cancelled provider from the same user message with a fresh invocation.
func (o *Orchestrator) Retry(turnID string, p models.ProviderID) error {
	t, s, err := o.slot(turnID, p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if !s.state.Status.Retryable() {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot retry %s provider", ErrInvalidTransition, s.state.Status)
	}
	ctx, inv := o.begin(t, p, s)
	s.mu.Unlock()

	o.settled.Remove(turnID)
	o.logger.Info("Retrying provider", slog.String("turnID", turnID), slog.String("provider", string(p)))
	o.spawn(ctx, t, p, inv)
	return nil
}

// Snapshot returns the current state of every provider of a turn.
func (o *Orchestrator) Snapshot(turnID string) (models.TurnState, error) {
	t, err := o.turn(turnID)
	if err != nil {
		return models.TurnState{}, err
	}
	return t.snapshot(), nil
}

// Wait blocks until every provider of the turn is terminal, or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, turnID string) (models.TurnState, error) {
	t, err := o.turn(turnID)
	if err != nil {
		return models.TurnState{}, err
	}
	for {
		t.notifyMu.Lock()
		ch := t.changed
		t.notifyMu.Unlock()

		st := t.snapshot()
		if st.Settled() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ch:
		}
	}
}

// ForgetRoom cancels every unfinished provider of the room's turns and forgets them. It is called when a room is
// deleted.
func (o *Orchestrator) ForgetRoom(roomID string) {
	o.mu.Lock()
	var forgotten []*turn
	for id, t := range o.turns {
		if t.roomID == roomID {
			forgotten = append(forgotten, t)
			delete(o.turns, id)
		}
	}
	o.mu.Unlock()

	for _, t := range forgotten {
		o.cancelAll(t)
		o.settled.Remove(t.id)
	}
}

// Shutdown cancels every running invocation and waits for their goroutines to exit.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	turns := make([]*turn, 0, len(o.turns))
	for _, t := range o.turns {
		turns = append(turns, t)
	}
	o.mu.Unlock()

	for _, t := range turns {
		o.cancelAll(t)
	}

	done := make(chan struct{})
	go func() {
		o.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) turn(turnID string) (*turn, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.turns[turnID]
	if !ok {
		return nil, ErrTurnNotFound
	}
	return t, nil
}

func (o *Orchestrator) slot(turnID string, p models.ProviderID) (*turn, *slot, error) {
	t, err := o.turn(turnID)
	if err != nil {
		return nil, nil, err
	}
	s, ok := t.slots[p]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrProviderNotInTurn, p)
	}
	return t, s, nil
}

// publish notifies observers and waiters of a state change. The slot of p must be locked.
func (o *Orchestrator) publish(t *turn, p models.ProviderID, st models.ProviderState) {
	if o.observe != nil {
		o.observe(models.TurnUpdate{
			RoomID:   t.roomID,
			TurnID:   t.id,
			Provider: p,
			State:    st,
		})
	}

	t.notifyMu.Lock()
	close(t.changed)
	t.changed = make(chan struct{})
	t.notifyMu.Unlock()
}

func (o *Orchestrator) settle(t *turn) {
	if !t.snapshot().Settled() {
		return
	}
	o.mu.Lock()
	_, live := o.turns[t.id]
	o.mu.Unlock()
	if live {
		o.logger.Debug("Turn settled", slog.String("turnID", t.id))
		o.settled.Add(t.id, struct{}{})
	}
}

func (t *turn) snapshot() models.TurnState {
	st := models.TurnState{
		TurnID:    t.id,
		RoomID:    t.roomID,
		Providers: make(map[models.ProviderID]models.ProviderState, len(t.slots)),
	}
	for p, s := range t.slots {
		s.mu.Lock()
		st.Providers[p] = s.state
		s.mu.Unlock()
	}
	return st
}

func (o *Orchestrator) cancelAll(t *turn) {
	for p, s := range t.slots {
		s.mu.Lock()
		if !s.state.Status.Terminal() {
			s.cancel()
			s.state = models.ProviderState{Status: models.StatusCancelled, Attempt: s.state.Attempt}
			o.publish(t, p, s.state)
		}
		s.mu.Unlock()
	}
}
