package room

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"log/slog"
	"nhooyr.io/websocket"

	"github.com/UpstreetAI/multiplayer/internal/store"
	"github.com/UpstreetAI/multiplayer/pkg/metrics"
)

// Hub owns the room-name to room mapping, the one structure shared
// across rooms. Entries are created under single-flight semantics and
// never replaced while live.
type Hub struct {
	ctx context.Context
	log *slog.Logger
	db  store.KV

	mu     sync.Mutex
	rooms  map[string]*Room
	flight singleflight.Group
}

// NewHub sets up the hub; ctx bounds the lifetime of every room it
// creates.
func NewHub(ctx context.Context, log *slog.Logger, db store.KV) *Hub {
	return &Hub{ctx: ctx, log: log, db: db, rooms: map[string]*Room{}}
}

// Run garbage-collects rooms that have been empty for a while. Their
// durable state survives, so the next attach simply rebuilds them.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.sweep(5 * time.Minute)
		}
	}
}

func (h *Hub) sweep(idleTTL time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, rm := range h.rooms {
		rm.mu.Lock()
		if len(rm.sessions) == 0 && !rm.idleSince.IsZero() && time.Since(rm.idleSince) > idleTTL {
			// Cancel under rm.mu: an attach in flight either inserted its
			// session before this check, or will observe the dead context.
			rm.cancel()
			delete(h.rooms, name)
			metrics.ActiveRooms.Dec()
			h.log.Info("room.gc", "room", name)
		}
		rm.mu.Unlock()
	}
}

// roomFor returns the named room with its shared state initialized.
// Concurrent first attaches share one in-flight initialization; storage
// sees at most one read per key for the room's lifetime.
func (h *Hub) roomFor(name string) (*Room, error) {
	h.mu.Lock()
	rm := h.rooms[name]
	if rm == nil {
		rm = newRoom(h.ctx, name, h.log, h.db)
		h.rooms[name] = rm
		metrics.ActiveRooms.Inc()
		h.log.Info("room.create", "room", name)
	}
	h.mu.Unlock()

	if rm.ready() {
		return rm, nil
	}
	_, err, _ := h.flight.Do(name, func() (any, error) {
		if rm.ready() {
			return nil, nil
		}
		return nil, rm.loadState()
	})
	if err != nil {
		return nil, err
	}
	return rm, nil
}

// ServeWS handles an upgraded connection for a named room. Blocks until
// the session ends.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, roomName, playerID string) {
	conn, err := Accept(w, r)
	if err != nil {
		h.log.Error("ws.accept", "room", roomName, "err", err)
		return
	}
	_ = h.attachLink(r.Context(), conn, roomName, playerID)
}

// attachLink runs the full session lifecycle on an accepted transport:
// buffer inbound frames, initialize shared room state, send snapshots,
// join, replay, steady-state dispatch, cleanup. Setup failures are
// surfaced to the client before the socket closes with 1011.
func (h *Hub) attachLink(ctx context.Context, l link, roomName, playerID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := newSession(l, playerID, cancel, h.log)
	go s.writeLoop(ctx)
	go s.readLoop(ctx)

	for attempt := 0; attempt < 3; attempt++ {
		rm, err := h.roomFor(roomName)
		if err != nil {
			h.log.Error("room.init", "room", roomName, "err", err)
			h.rejectLink(l, err)
			return err
		}
		if err := rm.attach(s); err != nil {
			// Lost the race with the GC sweep; the name now maps to a
			// fresh room, so resolve it again.
			h.log.Warn("room.attach.retry", "room", roomName, "err", err)
			continue
		}
		s.dispatchLoop(ctx, rm)
		s.close()
		return nil
	}
	h.rejectLink(l, errRoomClosed)
	return errRoomClosed
}

// rejectLink surfaces a setup failure to the client and closes with 1011.
func (h *Hub) rejectLink(l link, err error) {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = l.Write(wctx, websocket.MessageText, b)
	wcancel()
	_ = l.Close(websocket.StatusInternalError, "room setup failed")
}
