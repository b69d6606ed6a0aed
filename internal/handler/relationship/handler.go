package relationship

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	model "github.com/zhouzirui/parley/internal/model/relationship"
	relationshipService "github.com/zhouzirui/parley/internal/service/relationship"
	"github.com/zhouzirui/parley/pkg/utils"
)

// Handler serves the relationship store API.
type Handler struct {
	svc    *relationshipService.Service
	logger zerolog.Logger
}

// New creates a relationship handler.
func New(svc *relationshipService.Service, logger zerolog.Logger) *Handler {
	return &Handler{
		svc:    svc,
		logger: logger.With().Str("component", "store_api").Logger(),
	}
}

// RegisterRoutes mounts the per-pair routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/relationships/{personaID}/{userID}", func(r chi.Router) {
		r.Get("/", h.handleGetRelationship)
		r.Get("/memories", h.handleGetMemories)
		r.Post("/memories", h.handleAddMemory)
		r.Put("/preferences", h.handleUpdatePreferences)
	})
}

func pairParams(r *http.Request) (string, string) {
	return chi.URLParam(r, "personaID"), chi.URLParam(r, "userID")
}

func (h *Handler) handleGetRelationship(w http.ResponseWriter, r *http.Request) {
	personaID, userID := pairParams(r)
	record, err := h.svc.GetRelationship(r.Context(), personaID, userID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, record)
}

func (h *Handler) handleGetMemories(w http.ResponseWriter, r *http.Request) {
	personaID, userID := pairParams(r)
	memories, err := h.svc.GetMemories(r.Context(), personaID, userID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"memories": memories})
}

func (h *Handler) handleAddMemory(w http.ResponseWriter, r *http.Request) {
	var payload model.NewMemory
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	personaID, userID := pairParams(r)
	memory, err := h.svc.AddMemory(r.Context(), personaID, userID, payload)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, memory)
}

func (h *Handler) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Preferences map[string]any `json:"preferences"`
	}
	if err := utils.DecodeJSON(w, r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	personaID, userID := pairParams(r)
	if err := h.svc.UpdatePreferences(r.Context(), personaID, userID, payload.Preferences); err != nil {
		h.respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, relationshipService.ErrPersonaNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, relationshipService.ErrRepository):
		h.logger.Error().Err(err).Msg("repository failure")
		utils.RespondError(w, http.StatusServiceUnavailable, "relationship store unavailable")
	case errors.Is(err, relationshipService.ErrUserRequired),
		errors.Is(err, relationshipService.ErrPreferencesRequired):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		// Remaining service errors are memory validation failures.
		h.logger.Debug().Err(err).Msg("rejected request")
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	}
}
