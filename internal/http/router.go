package httpx

import (
	"log/slog"
	"net/http"

	"github.com/UpstreetAI/multiplayer/internal/app"
	"github.com/UpstreetAI/multiplayer/internal/room"
	"github.com/UpstreetAI/multiplayer/pkg/metrics"
)

// NewRouter wires up all HTTP routes, middleware, and handlers
func NewRouter(cfg app.Config, logger *slog.Logger, hub *room.Hub) http.Handler {
	mw := NewMiddleware(cfg)
	api := &RoomsAPI{Log: logger}

	mux := http.NewServeMux()

	// Health / readiness / metrics
	mux.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) }))
	mux.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) }))
	mux.Handle("/metrics", metrics.Handler())

	// Room allocation
	mux.Handle("POST /api/room", http.HandlerFunc(api.Create))

	// Websocket attach; playerId may be absent
	mux.Handle("/api/room/{name}/websocket", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if !validRoomName(name) {
			http.NotFound(w, r)
			return
		}
		hub.ServeWS(w, r, name, r.URL.Query().Get("playerId"))
	}))

	return mw.Wrap(mux)
}
