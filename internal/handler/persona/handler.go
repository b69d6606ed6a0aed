package persona

import (
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/parley/internal/model/persona"
	"github.com/zhouzirui/parley/pkg/utils"
)

// Handler serves the persona catalogue.
type Handler struct {
	personas persona.Store
}

// New creates a persona handler.
func New(personas persona.Store) *Handler {
	return &Handler{
		personas: personas,
	}
}

// RegisterRoutes registers the catalogue routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/personas", h.handleListPersonas)
	r.Get("/personas/{personaID}", h.handleGetPersona)
}

// handleListPersonas returns the catalogue. ?ids=a,b selects personas in the
// given order and ?category= filters by category.
func (h *Handler) handleListPersonas(w http.ResponseWriter, r *http.Request) {
	items := h.personas.List()

	if raw := r.URL.Query().Get("ids"); raw != "" {
		found, missing := persona.Resolve(h.personas, splitIDs(raw))
		if len(missing) > 0 {
			utils.RespondError(w, http.StatusNotFound, "unknown personas: "+strings.Join(missing, ","))
			return
		}
		items = found
	}

	if category := strings.TrimSpace(r.URL.Query().Get("category")); category != "" {
		items = slices.DeleteFunc(items, func(p persona.Persona) bool {
			return !strings.EqualFold(p.Category, category)
		})
	}

	if items == nil {
		items = []persona.Persona{}
	}
	utils.RespondJSON(w, http.StatusOK, items)
}

func splitIDs(raw string) []string {
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func (h *Handler) handleGetPersona(w http.ResponseWriter, r *http.Request) {
	p, ok := h.personas.FindByID(chi.URLParam(r, "personaID"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "persona not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, p)
}
