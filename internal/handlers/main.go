package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/multichat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Adapter translates a provider-neutral request into one provider's wire protocol and streams back normalized
// events. Ranging over the returned sequence issues exactly one request; cancelling ctx ends it.
type Adapter interface {
	Stream(ctx context.Context, req models.ChatRequest, cfg models.ProviderConfig) iter.Seq[models.StreamEvent]
}

// Store defines the interface for conversation persistence. Message writes are append-only; a provider reply must
// link to a user message of the same room.
type Store interface {
	CreateRoom(ctx context.Context, title string, providers []models.ProviderID) (models.ChatRoom, error)
	Room(ctx context.Context, roomID string) (models.ChatRoom, error)
	Rooms(ctx context.Context) ([]models.ChatRoom, error)
	DeleteRoom(ctx context.Context, roomID string) error

	AppendUserMessage(ctx context.Context, roomID, text, image string) (models.Message, error)
	AppendProviderMessage(
		ctx context.Context,
		roomID, turnLink string,
		provider models.ProviderID,
		text string,
	) (models.Message, error)
	Messages(ctx context.Context, roomID string) ([]models.Message, error)
}

// ConfigResolver resolves provider configuration at the time of use.
type ConfigResolver interface {
	Resolve(ctx context.Context, provider models.ProviderID) (models.ProviderConfig, error)
	Update(ctx context.Context, cfg models.ProviderConfig) error
	Providers(ctx context.Context) ([]models.ProviderConfig, error)
}

// Main handles the core functionality of the application: it owns the turn orchestrator and exposes rooms, turns
// and provider settings over HTTP, pushing live turn updates to subscribed clients through server-sent events.
type Main struct {
	sseSrv       *sse.Server
	orchestrator *Orchestrator
	renderer     renderer

	store    Store
	resolver ConfigResolver

	logger *slog.Logger
}

const errLoggerKey = "err"

var turnSSEType = sse.Type("turn")

// NewMain creates a new Main instance. Every provider state change of the orchestrator is republished to the SSE
// topic of the room the turn belongs to.
func NewMain(
	adapters map[models.ProviderID]Adapter,
	store Store,
	resolver ConfigResolver,
	logger *slog.Logger,
	opts ...OrchestratorOption,
) (Main, error) {
	sseSrv := &sse.Server{
		OnSession: func(s *sse.Session) (sse.Subscription, bool) {
			topics := []string{sse.DefaultTopic}

			// Clients watching a room receive the turn updates of that room only.
			if roomID := s.Req.URL.Query().Get("room_id"); roomID != "" {
				topics = append(topics, roomTopic(roomID))
			}

			return sse.Subscription{
				Client:      s,
				LastEventID: s.LastEventID,
				Topics:      topics,
			}, true
		},
	}

	m := Main{
		sseSrv:   sseSrv,
		renderer: newRenderer(),
		store:    store,
		resolver: resolver,
		logger:   logger.With(slog.String("module", "main")),
	}

	opts = append(opts, WithObserver(m.publishTurnUpdate))
	orchestrator, err := NewOrchestrator(adapters, store, resolver, logger, opts...)
	if err != nil {
		return Main{}, err
	}
	m.orchestrator = orchestrator

	return m, nil
}

// Orchestrator returns the turn orchestrator owned by m.
func (m Main) Orchestrator() *Orchestrator {
	return m.orchestrator
}

func roomTopic(roomID string) string {
	return fmt.Sprintf("room-%s", roomID)
}

func (m Main) publishTurnUpdate(u models.TurnUpdate) {
	data, err := json.Marshal(u)
	if err != nil {
		m.logger.Error("Failed to marshal turn update", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := &sse.Message{Type: turnSSEType}
	msg.AppendData(string(data))
	if err := m.sseSrv.Publish(msg, roomTopic(u.RoomID)); err != nil {
		m.logger.Warn("Failed to publish turn update",
			slog.String("turnID", u.TurnID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// Shutdown cancels running provider invocations, then terminates the SSE server. It broadcasts a close message
// to all connected clients and waits up to 5 seconds for connections to terminate.
func (m Main) Shutdown(ctx context.Context) error {
	if err := m.orchestrator.Shutdown(ctx); err != nil {
		m.logger.Warn("Provider invocations did not stop in time", slog.String(errLoggerKey, err.Error()))
	}

	e := &sse.Message{Type: sse.Type("close")}
	// SSE requires every event to carry data.
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
