package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	CORSOrigins []string
	// Push serves the websocket endpoint at /ws when set.
	Push http.Handler
}

// NewRouter creates and configures the HTTP router.
func NewRouter(h *Handler, opts RouterOptions, logger *zap.Logger) *chi.Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", UserHeader},
		ExposedHeaders: []string{"X-Cache"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)
	if opts.Push != nil {
		r.Handle("/ws", opts.Push)
	}

	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", h.ListConversations)
		r.Get("/{peer}/messages", h.History)
		r.Post("/{peer}/read", h.MarkConversationRead)
	})
	r.Post("/messages", h.SendMessage)

	r.Route("/listings", func(r chi.Router) {
		r.Get("/", h.ListListings)
		r.Get("/stats", h.ListingStats)
		r.Get("/{id}", h.GetListing)
		r.Put("/{id}", h.PutListing)
	})

	return r
}
