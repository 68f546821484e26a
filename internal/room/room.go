package room

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"log/slog"

	"github.com/UpstreetAI/multiplayer/internal/store"
	"github.com/UpstreetAI/multiplayer/internal/wire"
	"github.com/UpstreetAI/multiplayer/pkg/metrics"
)

// docKey is the fixed storage key of the document CRDT.
const docKey = "crdt"

// Room is one long-lived multiplayer session: the session table, the
// three shared state clients, and the serial loop that guards them. All
// dispatch for a room runs under mu, so no two handlers for the same
// room ever run in parallel.
type Room struct {
	name   string
	log    *slog.Logger
	db     store.KV
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	sessions  []*Session
	data      *DataClient
	doc       *DocClient
	locks     *LockClient
	idleSince time.Time

	saveQ chan []byte // latest-wins document snapshot queue

	// dataPending holds the newest encoded value per storage key, drained
	// in order by a single persistLoop goroutine.
	dataMu      sync.Mutex
	dataPending map[string][]byte
	dataKick    chan struct{}
}

func newRoom(parent context.Context, name string, log *slog.Logger, db store.KV) *Room {
	ctx, cancel := context.WithCancel(parent)
	return &Room{
		name:      name,
		log:       log,
		db:        db,
		ctx:       ctx,
		cancel:    cancel,
		idleSince: time.Now(),
		saveQ:     make(chan []byte, 1),

		dataPending: map[string][]byte{},
		dataKick:    make(chan struct{}, 1),
	}
}

func (rm *Room) ready() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.data != nil
}

// loadState builds the three per-room clients from durable storage. Runs
// at most once per room under the hub's single-flight guard.
func (rm *Room) loadState() error {
	data := NewDataClient(rm.log)
	if err := data.Load(rm.ctx, rm.db, rm.name); err != nil {
		return err
	}
	docInit, err := rm.db.Get(rm.ctx, rm.name, docKey)
	if err != nil {
		return err
	}
	doc := NewDocClient(docInit)
	doc.OnUpdate(rm.queueDocSave)

	rm.mu.Lock()
	rm.data = data
	rm.doc = doc
	rm.locks = NewLockClient(rm.log, rm.reflectMessageToPeers)
	rm.mu.Unlock()

	go rm.saveLoop()
	go rm.persistLoop()
	rm.log.Info("room.init", "room", rm.name)
	return nil
}

type netInit struct {
	PlayerIDs []string `json:"playerIds"`
}

// errRoomClosed reports an attach that lost the race with room GC. The
// room is already gone from the hub map, so the caller re-resolves the
// name and lands on a fresh room.
var errRoomClosed = errors.New("room torn down")

// attach wires a new session into the room: snapshots first, then the
// session list, then the join broadcast. The caller replays the session's
// buffered frames only after this returns, so the client always sees its
// initial state before any live update. The liveness check and the
// session insert are atomic with respect to the hub sweep, which cancels
// the room context under this same lock.
func (rm *Room) attach(s *Session) error {
	s.setRoom(rm)
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.ctx.Err() != nil {
		return errRoomClosed
	}
	if s.quit.Load() {
		return nil
	}

	s.send(rm.data.EncodeImport())
	s.send(rm.doc.EncodeInit())
	s.send(wire.Encode(wire.MethodInitPlayers, wire.JSON(netInit{PlayerIDs: rm.playerIDsLocked()})))

	if s.playerID != "" {
		s.obs = &handTracker{s: s}
		rm.data.Subscribe(s.obs)
	}

	rm.sessions = append(rm.sessions, s)
	rm.idleSince = time.Time{}
	metrics.ActiveSessions.Inc()

	if s.playerID != "" {
		join := wire.Encode(wire.MethodJoin, wire.String(s.playerID))
		rm.proxyMessageToPeers(s, join)
		if msg, err := wire.Decode(join); err == nil {
			rm.data.Apply(msg)
		}
	}
	rm.log.Info("session.join", "room", rm.name, "player", s.playerID, "sessions", len(rm.sessions))
	return nil
}

// detach removes a terminated session and runs dead-hand cleanup followed
// by lock cleanup. Safe to call more than once.
func (rm *Room) detach(s *Session) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	idx := -1
	for i, t := range rm.sessions {
		if t == s {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	rm.sessions = append(rm.sessions[:idx], rm.sessions[idx+1:]...)
	metrics.ActiveSessions.Dec()

	if s.obs != nil {
		rm.data.Unsubscribe(s.obs)
		s.obs = nil
	}

	if s.playerID != "" {
		leave := wire.Encode(wire.MethodLeave, wire.String(s.playerID))
		rm.proxyMessageToPeers(s, leave)
		if msg, err := wire.Decode(leave); err == nil {
			rm.data.Apply(msg)
		}
	}

	rm.deadHandCleanup(s)
	rm.locks.ReleaseSession(s.playerID)

	if len(rm.sessions) == 0 {
		rm.idleSince = time.Now()
	}
	rm.log.Info("session.leave", "room", rm.name, "player", s.playerID, "sessions", len(rm.sessions))
}

// deadHandCleanup synthesizes removes for everything the departing
// session owned and sends them through the normal broadcast path. The
// local replica is not mutated here; peers converge through their own
// update handling.
func (rm *Room) deadHandCleanup(s *Session) {
	keys := make([]string, 0, len(s.deadHands))
	for k := range s.deadHands {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		hk := s.deadHands[k]
		if hk.HasIndex {
			if rm.data.HasMap(hk.ArrayID, hk.ArrayIndexID) {
				rm.proxyMessageToPeers(s, rm.data.SynthesizeRemove(hk.ArrayID, hk.ArrayIndexID))
			}
			continue
		}
		for _, indexID := range rm.data.MapsIn(hk.ArrayID) {
			rm.proxyMessageToPeers(s, rm.data.SynthesizeRemove(hk.ArrayID, indexID))
		}
	}
}

func (rm *Room) playerIDsLocked() []string {
	ids := make([]string, 0, len(rm.sessions))
	for _, s := range rm.sessions {
		if s.playerID != "" {
			ids = append(ids, s.playerID)
		}
	}
	return ids
}

// respondToSelf sends to the originator only.
func (rm *Room) respondToSelf(s *Session, b []byte) {
	rm.deliver(s, b)
}

// proxyMessageToPeers sends to every session except the originator.
func (rm *Room) proxyMessageToPeers(from *Session, b []byte) {
	for _, s := range rm.sessions {
		if s != from {
			rm.deliver(s, b)
		}
	}
}

// reflectMessageToPeers sends to every session, originator included.
func (rm *Room) reflectMessageToPeers(b []byte) {
	for _, s := range rm.sessions {
		rm.deliver(s, b)
	}
}

// deliver queues a frame for one session. Failures never abort the
// calling broadcast loop.
func (rm *Room) deliver(s *Session, b []byte) {
	if s.quit.Load() {
		return
	}
	if !s.send(b) {
		metrics.DroppedSends.Inc()
		rm.log.Warn("ws.send.drop", "room", rm.name, "player", s.playerID)
	}
}

// persistData stages the mutated array index and map for write-back.
// Snapshots are encoded inside the room loop, so staging order matches
// apply order; per key only the newest snapshot survives, and a single
// drain goroutine writes them out. The room loop never suspends on
// storage, and storage never observes a newer value overwritten by an
// older one.
func (rm *Room) persistData(u *DataUpdate) {
	if u.ArrayID == "" {
		return
	}
	rm.dataMu.Lock()
	rm.dataPending[u.ArrayID] = rm.data.EncodeArrayIndex(u.ArrayID)
	if u.ArrayIndexID != "" {
		if mb, ok := rm.data.EncodeMap(u.ArrayID, u.ArrayIndexID); ok {
			rm.dataPending[u.ArrayIndexID] = mb
		}
	}
	rm.dataMu.Unlock()
	select {
	case rm.dataKick <- struct{}{}:
	default:
	}
}

// persistLoop is the only writer of staged data-model snapshots. On
// shutdown it flushes whatever is still pending.
func (rm *Room) persistLoop() {
	for {
		select {
		case <-rm.dataKick:
			rm.flushData(rm.ctx)
		case <-rm.ctx.Done():
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			rm.flushData(ctx)
			cancel()
			return
		}
	}
}

func (rm *Room) flushData(ctx context.Context) {
	for {
		rm.dataMu.Lock()
		if len(rm.dataPending) == 0 {
			rm.dataMu.Unlock()
			return
		}
		batch := rm.dataPending
		rm.dataPending = map[string][]byte{}
		rm.dataMu.Unlock()

		keys := make([]string, 0, len(batch))
		for k := range batch {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := rm.db.Put(ctx, rm.name, k, batch[k]); err != nil {
				rm.log.Error("data.persist", "room", rm.name, "key", k, "err", err)
			}
		}
	}
}

// queueDocSave replaces any pending snapshot with the latest one.
func (rm *Room) queueDocSave(state []byte) {
	for {
		select {
		case rm.saveQ <- state:
			return
		default:
			select {
			case <-rm.saveQ:
			default:
			}
		}
	}
}

// saveLoop persists document snapshots off the room loop. On shutdown it
// flushes whatever is still pending.
func (rm *Room) saveLoop() {
	for {
		select {
		case b := <-rm.saveQ:
			if err := rm.db.Put(rm.ctx, rm.name, docKey, b); err != nil {
				rm.log.Error("doc.persist", "room", rm.name, "err", err)
			}
		case <-rm.ctx.Done():
			select {
			case b := <-rm.saveQ:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := rm.db.Put(ctx, rm.name, docKey, b); err != nil {
					rm.log.Error("doc.persist.final", "room", rm.name, "err", err)
				}
				cancel()
			default:
			}
			return
		}
	}
}
