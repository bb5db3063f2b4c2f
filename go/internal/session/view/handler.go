package view

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const (
	ViewPath   = "/api/session/view"
	HealthPath = "/health"
)

// Handler serves the session view over HTTP
type Handler struct {
	view *View
}

func NewHandler(v *View) *Handler {
	return &Handler{view: v}
}

// HandleGetView handles GET /api/session/view
func (h *Handler) HandleGetView(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.view.Snapshot()); err != nil {
		log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("failed to encode session view response")
	}
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		log.Error().Err(err).Msg("failed to write health check response")
	}
}

// Routes mounts the view and health routes
func (h *Handler) Routes(r chi.Router) {
	r.Get(ViewPath, h.HandleGetView)
	r.Get(HealthPath, h.HandleHealth)
}

// NewRouter builds the router with request IDs, panic recovery, a request timeout and
// CORS for the browser UI
func NewRouter(v *View) http.Handler {
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	r.Use(c.Handler)
	NewHandler(v).Routes(r)
	return r
}

// NewServer serves the router over HTTP/2 without TLS
func NewServer(port string, v *View) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           h2c.NewHandler(NewRouter(v), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
