package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/parley/internal/handler/persona"
	"github.com/zhouzirui/parley/internal/handler/relationship"
	"github.com/zhouzirui/parley/internal/handler/relay"
	"github.com/zhouzirui/parley/internal/middleware"
	personaModel "github.com/zhouzirui/parley/internal/model/persona"
	aiService "github.com/zhouzirui/parley/internal/service/ai"
	relationshipService "github.com/zhouzirui/parley/internal/service/relationship"
	speechService "github.com/zhouzirui/parley/internal/service/speech"
	"github.com/zhouzirui/parley/pkg/utils"
)

// Dependencies groups everything the relay router serves.
type Dependencies struct {
	Personas      personaModel.Store
	Relationships *relationshipService.Service // nil disables /api/relationships
	Responder     aiService.Responder
	Voice         speechService.Voice
	Relay         relay.Options
	CORSOrigins   []string
	Logger        zerolog.Logger
}

// NewRouter wires HTTP and WebSocket routes to core services.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	responder := deps.Responder
	if responder == nil {
		responder = aiService.EchoResponder{}
	}
	wsHandler := relay.NewWebSocketHandler(responder, deps.Voice, deps.Relay, deps.Logger)
	wsHandler.RegisterRoutes(r)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		if deps.Relationships != nil {
			if err := deps.Relationships.Ping(r.Context()); err != nil {
				deps.Logger.Warn().Err(err).Msg("health check failed")
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}
		utils.RespondJSON(w, code, map[string]any{
			"status":          status,
			"active_sessions": wsHandler.ActiveSessions(),
			"timestamp":       time.Now().UTC().Format(time.RFC3339),
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		if deps.Personas != nil {
			persona.New(deps.Personas).RegisterRoutes(api)
		}
		if deps.Relationships != nil {
			relationship.New(deps.Relationships, deps.Logger).RegisterRoutes(api)
		}
	})

	return r
}
