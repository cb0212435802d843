// Package api serves a read-only view of the signaling state
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/isqad/livelook-meet/internal/auth"
	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/signal"
)

type Inspector interface {
	Stats() signal.Stats
	Rooms() []string
	RoomMembers(roomID string) []core.ConnID
	FindProducer(id string) (signal.ProducerInfo, bool)
	Session(id core.ConnID) (signal.Snapshot, bool)
}

// AppOptions is options of the application
type AppOptions struct {
	Inspector Inspector
	Resolver  auth.Resolver

	router         *chi.Mux
	authMiddleware func(http.Handler) http.Handler
}

// App is application for API
type App struct {
	AppOptions
}

// NewApp creates a new API application
func NewApp(options AppOptions) *App {
	options.router = chi.NewRouter()

	tokenAuth := auth.NewTokenAuth(options.Resolver)
	tokenAuth.AuthFailFunc = authFailedFunc

	options.authMiddleware = tokenAuth.Middleware

	app := &App{
		options,
	}
	return app
}

// Router is function for construct http router
func (app *App) Router() http.Handler {
	app.router.With(app.authMiddleware).Route("/", func(r chi.Router) {
		// GET /api/v1/stats
		r.Get("/stats", StatsHandler(app.Inspector))
		// GET /api/v1/rooms
		r.Get("/rooms", RoomsHandler(app.Inspector))
		// GET /api/v1/rooms/{id}
		r.Get("/rooms/{id}", RoomHandler(app.Inspector))
		// GET /api/v1/producers/{id}
		r.Get("/producers/{id}", ProducerHandler(app.Inspector))
		// GET /api/v1/connections/{id}
		r.Get("/connections/{id}", ConnectionHandler(app.Inspector))
	})

	return app.router
}

func authFailedFunc(w http.ResponseWriter, r *http.Request, err error) {
	w.WriteHeader(http.StatusUnauthorized)
}
