package server

import (
	"context"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/gokatarajesh/daily-quiz/internal/auth"
	"github.com/gokatarajesh/daily-quiz/internal/config"
	"github.com/gokatarajesh/daily-quiz/internal/leaderboard"
	"github.com/gokatarajesh/daily-quiz/internal/live"
	"github.com/gokatarajesh/daily-quiz/internal/logging"
)

// Pinger reports whether a dependency is reachable.
type Pinger func(ctx context.Context) error

// Routes carries the handlers mounted by the API server.
type Routes struct {
	Tokens      auth.TokenValidator
	AdminKey    string
	Live        *live.HTTPHandlers
	WebSocket   *live.Handler
	Leaderboard *leaderboard.HTTPHandler
	Ping        []Pinger
}

// NewUpgrader returns a WebSocket upgrader that accepts the listed origins, or any origin
// when the list is empty.
func NewUpgrader(allowed []string) websocket.Upgrader {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o != "" {
			set[o] = true
		}
	}
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(set) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return set[u.Scheme+"://"+u.Host]
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// NewHandler wires every route onto a mux.
func NewHandler(logger zerolog.Logger, routes Routes) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/ping", func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.IntoContext(r.Context(), logger)
		for _, ping := range routes.Ping {
			if err := ping(ctx); err != nil {
				log := logging.FromContext(ctx)
				log.Error().Err(err).Str("path", r.URL.Path).Msg("dependency ping failed")
				http.Error(w, "upstream error", http.StatusBadGateway)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pong":true}`))
	})

	authn := auth.AuthMiddleware(routes.Tokens, logger)
	authed := func(h http.HandlerFunc) http.Handler {
		return authn(auth.RequireAuth(h))
	}
	admin := auth.AdminGuard(routes.AdminKey, logger)

	if routes.Live != nil {
		mux.Handle("POST /v1/quizzes/{id}/join", authed(routes.Live.Join))
		mux.HandleFunc("GET /v1/quizzes/{id}", routes.Live.GetQuiz)
		mux.Handle("GET /v1/users/me/history", authed(routes.Live.History))
		mux.Handle("POST /v1/admin/quizzes/{id}/start", admin(http.HandlerFunc(routes.Live.AdminStart)))
		mux.Handle("POST /v1/admin/quizzes/{id}/end", admin(http.HandlerFunc(routes.Live.AdminEnd)))
	}

	if routes.WebSocket != nil {
		mux.HandleFunc("GET /ws/quizzes", routes.WebSocket.HandleWebSocket)
	}

	if routes.Leaderboard != nil {
		mux.HandleFunc("GET /v1/quizzes/{id}/results", routes.Leaderboard.HandleResults)
		mux.HandleFunc("GET /v1/leaderboards/{window}", routes.Leaderboard.HandleWindow)
	}

	return mux
}

// NewHTTPServer builds the API server.
func NewHTTPServer(cfg *config.App, logger zerolog.Logger, routes Routes) *http.Server {
	return &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: NewHandler(logger, routes),
	}
}
