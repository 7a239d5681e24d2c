// Package httpapi serves the portfolio REST API and the notification ingress.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/qvcloud/portfolio/internal/project"
)

// Deps are the collaborators the API serves. Projects may be nil, in which
// case the project routes are not mounted.
type Deps struct {
	Producer Publisher
	Projects project.Store
	Logger   *slog.Logger

	// Hub, when set, is mounted at HubPath outside the rate limiter.
	Hub     http.HandlerFunc
	HubPath string

	AllowedOrigins []string
	RateLimit      float64
	RateBurst      int
}

// New builds the API handler. ctx bounds the rate limiter's housekeeping.
func New(ctx context.Context, d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthz).Methods(http.MethodGet)
	r.HandleFunc("/portfolio", portfolio).Methods(http.MethodGet)
	if d.Hub != nil && d.HubPath != "" {
		r.HandleFunc(d.HubPath, d.Hub).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(RateLimit(ctx, d.RateLimit, d.RateBurst))

	n := &notificationHandler{producer: d.Producer, logger: logger.With(slog.String("handler", "notification"))}
	api.HandleFunc("/notification", n.send).Methods(http.MethodPost)

	if d.Projects != nil {
		p := &projectHandler{store: d.Projects, logger: logger.With(slog.String("handler", "projects"))}
		p.register(api)
	}

	return CORS(d.AllowedOrigins, r)
}

func healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func portfolio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Portfolio API is running successfully."})
}
