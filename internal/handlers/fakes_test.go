package handlers_test

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/MegaGrindStone/multichat/internal/models"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type adapterFunc func(ctx context.Context, req models.ChatRequest, cfg models.ProviderConfig) iter.Seq[models.StreamEvent]

func (f adapterFunc) Stream(
	ctx context.Context,
	req models.ChatRequest,
	cfg models.ProviderConfig,
) iter.Seq[models.StreamEvent] {
	return f(ctx, req, cfg)
}

// scripted replays events, stopping early when the consumer does.
func scripted(events ...models.StreamEvent) adapterFunc {
	return func(context.Context, models.ChatRequest, models.ProviderConfig) iter.Seq[models.StreamEvent] {
		return func(yield func(models.StreamEvent) bool) {
			for _, ev := range events {
				if !yield(ev) {
					return
				}
			}
		}
	}
}

// reply streams text split into deltas, then usage and done.
func reply(chunks ...string) adapterFunc {
	events := make([]models.StreamEvent, 0, len(chunks)+2)
	for _, c := range chunks {
		events = append(events, models.TextDelta(c))
	}
	events = append(events, models.UsageInfo(len(chunks)), models.Done())
	return scripted(events...)
}

// hanging emits one delta and then blocks until its context ends, reporting the cancellation like a real
// adapter does.
func hanging() adapterFunc {
	return func(ctx context.Context, _ models.ChatRequest, _ models.ProviderConfig) iter.Seq[models.StreamEvent] {
		return func(yield func(models.StreamEvent) bool) {
			if !yield(models.TextDelta("partial")) {
				return
			}
			<-ctx.Done()
			yield(models.Failure(models.ErrorNetwork, "request cancelled"))
		}
	}
}

// sequence uses the n-th adapter on the n-th invocation, repeating the last one.
type sequence struct {
	calls    atomic.Int32
	adapters []adapterFunc
}

func (s *sequence) Stream(
	ctx context.Context,
	req models.ChatRequest,
	cfg models.ProviderConfig,
) iter.Seq[models.StreamEvent] {
	n := int(s.calls.Add(1)) - 1
	n = min(n, len(s.adapters)-1)
	return s.adapters[n](ctx, req, cfg)
}

// recorder captures every request it receives before delegating.
type recorder struct {
	mu       sync.Mutex
	requests []models.ChatRequest
	next     adapterFunc
}

func (r *recorder) Stream(
	ctx context.Context,
	req models.ChatRequest,
	cfg models.ProviderConfig,
) iter.Seq[models.StreamEvent] {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	return r.next(ctx, req, cfg)
}

func (r *recorder) last() models.ChatRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[len(r.requests)-1]
}

type memStore struct {
	mu       sync.Mutex
	seq      int
	rooms    map[string]models.ChatRoom
	messages map[string][]models.Message

	// failFor makes AppendProviderMessage fail for the provider.
	failFor models.ProviderID
}

func newMemStore() *memStore {
	return &memStore{
		rooms:    make(map[string]models.ChatRoom),
		messages: make(map[string][]models.Message),
	}
}

func (s *memStore) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s%d", prefix, s.seq)
}

func (s *memStore) CreateRoom(_ context.Context, title string, providers []models.ProviderID) (models.ChatRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := models.ChatRoom{
		ID:        s.nextID("room"),
		Title:     title,
		Providers: slices.Clone(providers),
		CreatedAt: models.Now(),
	}
	s.rooms[room.ID] = room
	s.messages[room.ID] = nil
	return room, nil
}

func (s *memStore) Room(_ context.Context, roomID string) (models.ChatRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return models.ChatRoom{}, models.ErrRoomNotFound
	}
	return room, nil
}

func (s *memStore) Rooms(context.Context) ([]models.ChatRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rooms []models.ChatRoom
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	return rooms, nil
}

func (s *memStore) DeleteRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; !ok {
		return models.ErrRoomNotFound
	}
	delete(s.rooms, roomID)
	delete(s.messages, roomID)
	return nil
}

func (s *memStore) AppendUserMessage(_ context.Context, roomID, text, image string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; !ok {
		return models.Message{}, models.ErrRoomNotFound
	}
	msg := models.Message{ID: s.nextID("msg"), RoomID: roomID, Content: text, Image: image}
	msg.TurnLink = msg.ID
	s.messages[roomID] = append(s.messages[roomID], msg)
	return msg, nil
}

func (s *memStore) AppendProviderMessage(
	_ context.Context,
	roomID, turnLink string,
	provider models.ProviderID,
	text string,
) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if provider == s.failFor {
		return models.Message{}, errors.New("disk full")
	}
	if _, ok := s.rooms[roomID]; !ok {
		return models.Message{}, models.ErrRoomNotFound
	}
	if !slices.ContainsFunc(s.messages[roomID], func(m models.Message) bool {
		return m.ID == turnLink && m.IsUser()
	}) {
		return models.Message{}, models.ErrInvalidTurnLink
	}
	msg := models.Message{
		ID:       s.nextID("msg"),
		RoomID:   roomID,
		Content:  text,
		TurnLink: turnLink,
		Provider: provider,
	}
	s.messages[roomID] = append(s.messages[roomID], msg)
	return msg, nil
}

func (s *memStore) Messages(_ context.Context, roomID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, ok := s.messages[roomID]
	if !ok {
		return nil, models.ErrRoomNotFound
	}
	return slices.Clone(msgs), nil
}

func (s *memStore) replies(roomID string, provider models.ProviderID) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []models.Message
	for _, m := range s.messages[roomID] {
		if m.Provider == provider {
			res = append(res, m)
		}
	}
	return res
}

type memResolver struct {
	mu      sync.Mutex
	configs map[models.ProviderID]models.ProviderConfig
	failFor map[models.ProviderID]error
}

func newMemResolver() *memResolver {
	r := &memResolver{configs: make(map[models.ProviderID]models.ProviderConfig)}
	for _, p := range models.Providers() {
		r.configs[p] = models.ProviderConfig{
			Provider: p,
			Enabled:  true,
			Token:    "secret-" + string(p),
			Model:    "model-" + string(p),
		}
	}
	return r
}

func (r *memResolver) Resolve(_ context.Context, provider models.ProviderID) (models.ProviderConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.failFor[provider]; err != nil {
		return models.ProviderConfig{}, err
	}
	cfg, ok := r.configs[provider]
	if !ok {
		return models.ProviderConfig{}, fmt.Errorf("unknown provider %q", provider)
	}
	return cfg, nil
}

func (r *memResolver) Update(_ context.Context, cfg models.ProviderConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cfg.Token == "" {
		cfg.Token = r.configs[cfg.Provider].Token
	}
	r.configs[cfg.Provider] = cfg
	return nil
}

func (r *memResolver) Providers(ctx context.Context) ([]models.ProviderConfig, error) {
	var res []models.ProviderConfig
	for _, p := range models.Providers() {
		cfg, err := r.Resolve(ctx, p)
		if err != nil {
			return nil, err
		}
		res = append(res, cfg)
	}
	return res, nil
}
