package room

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"
	"nhooyr.io/websocket"

	"github.com/UpstreetAI/multiplayer/pkg/metrics"
)

// HandKey is one parsed dead-hand entry: a whole array, or one map in it.
type HandKey struct {
	ArrayID      string
	ArrayIndexID string
	HasIndex     bool
}

// parseHandKey parses "<arrayId>" or "<arrayId>.<arrayIndexId>".
func parseHandKey(k string) (HandKey, error) {
	if k == "" {
		return HandKey{}, errors.New("empty dead-hand key")
	}
	parts := strings.SplitN(k, ".", 2)
	if parts[0] == "" {
		return HandKey{}, errors.New("dead-hand key without array id")
	}
	if len(parts) == 1 {
		return HandKey{ArrayID: parts[0]}, nil
	}
	if parts[1] == "" {
		return HandKey{}, errors.New("dead-hand key with empty index")
	}
	return HandKey{ArrayID: parts[0], ArrayIndexID: parts[1], HasIndex: true}, nil
}

// Session is one live client connection within a room.
type Session struct {
	ws       link
	playerID string
	log      *slog.Logger
	cancel   context.CancelFunc

	quit atomic.Bool

	mu sync.Mutex // guards rm
	rm *Room

	// deadHands and obs are guarded by the room's serial loop.
	deadHands map[string]HandKey
	obs       *handTracker

	inbox     chan []byte // inbound frames, buffered through attach
	out       chan []byte // outbound binary frames
	errQ      chan []byte // out-of-band JSON error reports
	closeOnce sync.Once
}

func newSession(ws link, playerID string, cancel context.CancelFunc, log *slog.Logger) *Session {
	return &Session{
		ws:        ws,
		playerID:  playerID,
		log:       log,
		cancel:    cancel,
		deadHands: map[string]HandKey{},
		inbox:     make(chan []byte, 256),
		out:       make(chan []byte, 256),
		errQ:      make(chan []byte, 8),
	}
}

func (s *Session) setRoom(rm *Room) {
	s.mu.Lock()
	s.rm = rm
	s.mu.Unlock()
}

func (s *Session) room() *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rm
}

// send queues one outbound binary frame without blocking. Reports false
// when the client cannot keep up and the frame is dropped.
func (s *Session) send(b []byte) bool {
	select {
	case s.out <- b:
		return true
	default:
		return false
	}
}

// sendError reports a problem on this transport as a JSON {error} text
// frame, without dropping the session. Delivery is queued through the
// write loop so callers holding the room lock never block on the socket.
func (s *Session) sendError(msg string) {
	b, _ := json.Marshal(map[string]string{"error": msg})
	select {
	case s.errQ <- b:
	default:
		s.log.Warn("session.errq.full", "player", s.playerID)
	}
}

// readLoop pulls frames off the socket into the inbox. Frames queue here
// until the attach sequence finishes and the dispatch loop starts
// draining, so a client never observes its own traffic racing the
// snapshots. Exits, closing the session, on the first read error.
func (s *Session) readLoop(ctx context.Context) {
	defer s.close()
	for {
		typ, data, err := s.ws.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			s.sendError("binary frames only")
			continue
		}
		select {
		case s.inbox <- data:
		default:
			s.log.Error("session.inbox.full", "player", s.playerID)
			metrics.DroppedInbound.Inc()
		}
	}
}

// writeLoop sends outbound frames + periodic pings, exits with ctx.
func (s *Session) writeLoop(ctx context.Context) {
	t := time.NewTicker(20 * time.Second)
	defer t.Stop()
	for {
		select {
		case b := <-s.out:
			if err := s.ws.Write(ctx, websocket.MessageBinary, b); err != nil {
				s.log.Warn("ws.send", "player", s.playerID, "err", err)
			}
		case b := <-s.errQ:
			if err := s.ws.Write(ctx, websocket.MessageText, b); err != nil {
				s.log.Warn("ws.send.error", "player", s.playerID, "err", err)
			}
		case <-t.C:
			_ = s.ws.Ping(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// dispatchLoop replays buffered frames and then serves steady-state
// dispatch in arrival order until the session ends.
func (s *Session) dispatchLoop(ctx context.Context, rm *Room) {
	for {
		select {
		case b := <-s.inbox:
			rm.dispatch(s, b)
		case <-ctx.Done():
			return
		}
	}
}

// close serves both transport close and error and is idempotent.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.quit.Store(true)
		s.cancel()
		if rm := s.room(); rm != nil {
			rm.detach(s)
		}
		_ = s.ws.Close(websocket.StatusNormalClosure, "")
	})
}

// handTracker mirrors ownership events into the session's dead-hand
// table, filtered to this session's player. Registered during attach and
// deregistered on close.
type handTracker struct {
	s *Session
}

func (h *handTracker) DeadHand(keys []string, player string) {
	if player != h.s.playerID {
		return
	}
	for _, k := range keys {
		hk, err := parseHandKey(k)
		if err != nil {
			h.s.sendError("bad dead-hand key: " + k)
			continue
		}
		h.s.deadHands[k] = hk
	}
}

func (h *handTracker) LiveHand(keys []string, player string) {
	if player != h.s.playerID {
		return
	}
	for _, k := range keys {
		delete(h.s.deadHands, k)
	}
}
