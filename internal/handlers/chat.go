package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/MegaGrindStone/multichat/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxRequestBody = 16 << 20

type createRoomRequest struct {
	Title     string              `json:"title"`
	Providers []models.ProviderID `json:"providers"`

	// Text optionally starts the first turn; the room is then titled after it.
	Text  string `json:"text"`
	Image string `json:"image"`
}

type createRoomResponse struct {
	Room   models.ChatRoom `json:"room"`
	TurnID string          `json:"turnId,omitempty"`
}

type startTurnRequest struct {
	Text      string              `json:"text"`
	Image     string              `json:"image"`
	Providers []models.ProviderID `json:"providers"`
}

type startTurnResponse struct {
	TurnID string `json:"turnId"`
}

type message struct {
	models.Message
	HTML string `json:"html"`
}

// settingsView is a provider configuration as shown to the user. The credential itself never leaves the server:
// the always-empty Token shadows the embedded one.
type settingsView struct {
	models.ProviderConfig
	Token    string `json:"token,omitempty"`
	HasToken bool   `json:"hasToken"`
}

// Routes returns the chi router serving the JSON API and the SSE stream.
func (m Main) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/sse", m.sseSrv.ServeHTTP)

	r.Route("/rooms", func(r chi.Router) {
		r.Get("/", m.HandleRooms)
		r.Post("/", m.HandleCreateRoom)
		r.Delete("/{roomID}", m.HandleDeleteRoom)
		r.Get("/{roomID}/messages", m.HandleMessages)
		r.Post("/{roomID}/turns", m.HandleStartTurn)
	})

	r.Route("/turns/{turnID}", func(r chi.Router) {
		r.Get("/", m.HandleTurn)
		r.Post("/providers/{provider}/cancel", m.HandleCancel)
		r.Post("/providers/{provider}/retry", m.HandleRetry)
	})

	r.Route("/settings", func(r chi.Router) {
		r.Get("/", m.HandleSettings)
		r.Get("/{provider}", m.HandleProviderSettings)
		r.Put("/{provider}", m.HandleUpdateSettings)
	})

	return r
}

// HandleRooms lists every chat room, newest first.
func (m Main) HandleRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := m.store.Rooms(r.Context())
	if err != nil {
		m.logger.Error("Failed to get rooms", slog.String(errLoggerKey, err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "Failed to get rooms")
		return
	}
	if rooms == nil {
		rooms = []models.ChatRoom{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

// HandleCreateRoom creates a room answered by the given providers. When the request carries text, the room is
// titled after it and the first turn starts right away.
func (m Main) HandleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if !m.decode(w, r, &req) {
		return
	}

	providers, err := validProviders(req.Providers)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(providers) == 0 {
		writeJSONError(w, http.StatusBadRequest, ErrNoProviders.Error())
		return
	}
	if req.Image != "" {
		if _, _, err := models.ParseDataURL(req.Image); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = models.RoomTitle(req.Text)
	}
	if title == "" {
		title = "New chat"
	}

	room, err := m.store.CreateRoom(r.Context(), title, providers)
	if err != nil {
		m.logger.Error("Failed to create room", slog.String(errLoggerKey, err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "Failed to create room")
		return
	}

	res := createRoomResponse{Room: room}
	if strings.TrimSpace(req.Text) != "" {
		res.TurnID, err = m.startTurn(r, room, req.Text, req.Image, nil)
		if err != nil {
			// The room only exists to carry this message.
			if derr := m.store.DeleteRoom(r.Context(), room.ID); derr != nil {
				m.logger.Error("Failed to remove room after failed turn",
					slog.String("roomID", room.ID),
					slog.String(errLoggerKey, derr.Error()))
			}
			m.writeTurnError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, res)
}

// HandleDeleteRoom deletes a room with all its messages and stops any reply still streaming into it.
func (m Main) HandleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	m.orchestrator.ForgetRoom(roomID)
	if err := m.store.DeleteRoom(r.Context(), roomID); err != nil {
		if errors.Is(err, models.ErrRoomNotFound) {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		m.logger.Error("Failed to delete room",
			slog.String("roomID", roomID),
			slog.String(errLoggerKey, err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "Failed to delete room")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleMessages returns the persisted messages of a room, oldest first, each with its Markdown rendered to HTML.
func (m Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	msgs, err := m.store.Messages(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, models.ErrRoomNotFound) {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		m.logger.Error("Failed to get messages",
			slog.String("roomID", roomID),
			slog.String(errLoggerKey, err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "Failed to get messages")
		return
	}

	res := make([]message, len(msgs))
	for i, msg := range msgs {
		html, err := m.renderer.render(msg.Content)
		if err != nil {
			m.logger.Error("Failed to render message",
				slog.String("messageID", msg.ID),
				slog.String(errLoggerKey, err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "Failed to render message")
			return
		}
		res[i] = message{Message: msg, HTML: html}
	}

	writeJSON(w, http.StatusOK, res)
}

// HandleStartTurn sends a user message to the requested providers, or to the room's enabled providers when none
// are given, and returns the new turn ID without waiting for any reply.
func (m Main) HandleStartTurn(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")

	var req startTurnRequest
	if !m.decode(w, r, &req) {
		return
	}
	if req.Image != "" {
		if _, _, err := models.ParseDataURL(req.Image); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	providers, err := validProviders(req.Providers)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	room, err := m.store.Room(r.Context(), roomID)
	if err != nil {
		m.writeTurnError(w, err)
		return
	}

	turnID, err := m.startTurn(r, room, req.Text, req.Image, providers)
	if err != nil {
		m.writeTurnError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, startTurnResponse{TurnID: turnID})
}

func (m Main) startTurn(
	r *http.Request,
	room models.ChatRoom,
	text, image string,
	providers []models.ProviderID,
) (string, error) {
	if len(providers) == 0 {
		for _, p := range room.Providers {
			cfg, err := m.resolver.Resolve(r.Context(), p)
			if err != nil {
				return "", err
			}
			if cfg.Enabled {
				providers = append(providers, p)
			}
		}
	}
	return m.orchestrator.StartTurn(r.Context(), room.ID, text, image, providers)
}

// HandleTurn returns the current state of every provider of a turn.
func (m Main) HandleTurn(w http.ResponseWriter, r *http.Request) {
	st, err := m.orchestrator.Snapshot(chi.URLParam(r, "turnID"))
	if err != nil {
		m.writeTurnError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleCancel cancels one provider of a turn.
func (m Main) HandleCancel(w http.ResponseWriter, r *http.Request) {
	turnID := chi.URLParam(r, "turnID")
	provider := models.ProviderID(chi.URLParam(r, "provider"))

	if err := m.orchestrator.Cancel(turnID, provider); err != nil {
		m.writeTurnError(w, err)
		return
	}
	m.writeSnapshot(w, turnID)
}

// HandleRetry retries one failed or cancelled provider of a turn.
func (m Main) HandleRetry(w http.ResponseWriter, r *http.Request) {
	turnID := chi.URLParam(r, "turnID")
	provider := models.ProviderID(chi.URLParam(r, "provider"))

	if err := m.orchestrator.Retry(turnID, provider); err != nil {
		m.writeTurnError(w, err)
		return
	}
	m.writeSnapshot(w, turnID)
}

func (m Main) writeSnapshot(w http.ResponseWriter, turnID string) {
	st, err := m.orchestrator.Snapshot(turnID)
	if err != nil {
		m.writeTurnError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleSettings lists the configuration of every provider.
func (m Main) HandleSettings(w http.ResponseWriter, r *http.Request) {
	cfgs, err := m.resolver.Providers(r.Context())
	if err != nil {
		m.logger.Error("Failed to resolve providers", slog.String(errLoggerKey, err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "Failed to resolve providers")
		return
	}

	views := make([]settingsView, len(cfgs))
	for i, cfg := range cfgs {
		views[i] = newSettingsView(cfg)
	}
	writeJSON(w, http.StatusOK, views)
}

// HandleProviderSettings returns the configuration of one provider.
func (m Main) HandleProviderSettings(w http.ResponseWriter, r *http.Request) {
	provider := models.ProviderID(chi.URLParam(r, "provider"))
	if !provider.Valid() {
		writeJSONError(w, http.StatusNotFound, ErrUnknownProvider.Error())
		return
	}

	cfg, err := m.resolver.Resolve(r.Context(), provider)
	if err != nil {
		m.logger.Error("Failed to resolve provider",
			slog.String("provider", string(provider)),
			slog.String(errLoggerKey, err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "Failed to resolve provider")
		return
	}
	writeJSON(w, http.StatusOK, newSettingsView(cfg))
}

// HandleUpdateSettings replaces the configuration of one provider. It takes effect from the next invocation on.
func (m Main) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	provider := models.ProviderID(chi.URLParam(r, "provider"))
	if !provider.Valid() {
		writeJSONError(w, http.StatusNotFound, ErrUnknownProvider.Error())
		return
	}

	var cfg models.ProviderConfig
	if !m.decode(w, r, &cfg) {
		return
	}
	cfg.Provider = provider

	if err := m.resolver.Update(r.Context(), cfg); err != nil {
		m.logger.Error("Failed to update provider",
			slog.String("provider", string(provider)),
			slog.String(errLoggerKey, err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "Failed to update provider")
		return
	}

	m.HandleProviderSettings(w, r)
}

func newSettingsView(cfg models.ProviderConfig) settingsView {
	return settingsView{
		ProviderConfig: cfg,
		HasToken:       cfg.Token != "",
	}
}

func validProviders(providers []models.ProviderID) ([]models.ProviderID, error) {
	var res []models.ProviderID
	for _, p := range providers {
		if !p.Valid() {
			return nil, errors.Join(ErrUnknownProvider, errors.New(string(p)))
		}
		if !slices.Contains(res, p) {
			res = append(res, p)
		}
	}
	return res, nil
}

func (m Main) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v); err != nil {
		m.logger.Debug("Invalid request body", slog.String(errLoggerKey, err.Error()))
		writeJSONError(w, http.StatusBadRequest, "Invalid JSON")
		return false
	}
	return true
}

func (m Main) writeTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrRoomNotFound), errors.Is(err, ErrTurnNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrProviderNotInTurn),
		errors.Is(err, ErrUnknownProvider),
		errors.Is(err, ErrNoProviders),
		errors.Is(err, ErrEmptyMessage):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		m.logger.Error("Turn request failed", slog.String(errLoggerKey, err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    http.StatusText(status),
			"message": message,
		},
	})
}
