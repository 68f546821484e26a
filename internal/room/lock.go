package room

import (
	"log/slog"

	"github.com/UpstreetAI/multiplayer/internal/wire"
)

// LockClient is the distributed-mutex state machine. A lock is either
// free or held by one player, with a FIFO queue of waiters. Responses are
// emitted on the room's broadcast channel so every peer observes the
// outcome. Only touched from within the room's serial loop.
type LockClient struct {
	log   *slog.Logger
	emit  func(frame []byte)
	locks map[string]*lockState
}

type lockState struct {
	holder string
	queue  []string
}

func NewLockClient(log *slog.Logger, emit func(frame []byte)) *LockClient {
	return &LockClient{log: log, emit: emit, locks: map[string]*lockState{}}
}

// HandlesMethod reports whether m belongs to the lock class.
func (lc *LockClient) HandlesMethod(m uint64) bool {
	return m >= wire.MethodLockRequest && m <= wire.MethodLockRelease
}

// Handle translates one inbound lock frame into a state-machine event.
// Frames carry {playerId, lockName}.
func (lc *LockClient) Handle(msg *wire.Message) {
	player, name := msg.String(0), msg.String(1)
	switch msg.Method {
	case wire.MethodLockRequest:
		lc.request(player, name)
	case wire.MethodLockRelease:
		lc.release(player, name)
	default:
		lc.log.Warn("lock.unknown", "method", msg.Method, "player", player, "lock", name)
	}
}

func (lc *LockClient) request(player, name string) {
	if player == "" || name == "" {
		// Sessions without a player ID never hold locks.
		lc.log.Warn("lock.request.ignored", "player", player, "lock", name)
		return
	}
	st := lc.locks[name]
	if st == nil {
		st = &lockState{}
		lc.locks[name] = st
	}
	switch {
	case st.holder == "":
		st.holder = player
		lc.respond(player, name)
	case st.holder == player:
		// Idempotent re-request by the holder.
		lc.respond(player, name)
	default:
		st.queue = append(st.queue, player)
	}
}

func (lc *LockClient) release(player, name string) {
	st := lc.locks[name]
	if st == nil || st.holder != player || player == "" {
		lc.log.Warn("lock.release.ignored", "player", player, "lock", name)
		return
	}
	lc.promote(name, st)
}

// promote hands the lock to the head of the queue, or frees it.
func (lc *LockClient) promote(name string, st *lockState) {
	if len(st.queue) == 0 {
		st.holder = ""
		delete(lc.locks, name)
		return
	}
	st.holder = st.queue[0]
	st.queue = st.queue[1:]
	lc.respond(st.holder, name)
}

func (lc *LockClient) respond(player, name string) {
	lc.emit(wire.Encode(wire.MethodLockResponse, wire.String(player), wire.String(name)))
}

// Holder returns the current holder of a lock, "" when free.
func (lc *LockClient) Holder(name string) string {
	if st := lc.locks[name]; st != nil {
		return st.holder
	}
	return ""
}

// ReleaseSession synthesizes releases for everything a departing player
// holds or waits on, driving waiters through the normal transitions.
func (lc *LockClient) ReleaseSession(player string) {
	if player == "" {
		return
	}
	for name, st := range lc.locks {
		kept := st.queue[:0]
		for _, q := range st.queue {
			if q != player {
				kept = append(kept, q)
			}
		}
		st.queue = kept
		if st.holder == player {
			lc.log.Debug("lock.session.release", "player", player, "lock", name)
			lc.promote(name, st)
		}
	}
}
