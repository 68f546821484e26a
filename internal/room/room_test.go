package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/UpstreetAI/multiplayer/internal/store"
	"github.com/UpstreetAI/multiplayer/internal/wire"
	"github.com/UpstreetAI/multiplayer/pkg/metrics"
)

// fakeLink is an in-memory transport standing in for a websocket.
type fakeLink struct {
	mu           sync.Mutex
	in           chan inFrame
	binaryFrames [][]byte
	textFrames   [][]byte
	closed       bool
	closeCode    websocket.StatusCode
}

type inFrame struct {
	typ  websocket.MessageType
	data []byte
}

func newFakeLink() *fakeLink {
	return &fakeLink{in: make(chan inFrame, 64)}
}

func (l *fakeLink) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case f, ok := <-l.in:
		if !ok {
			return 0, nil, net.ErrClosed
		}
		return f.typ, f.data, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (l *fakeLink) Write(_ context.Context, typ websocket.MessageType, p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := append([]byte(nil), p...)
	if typ == websocket.MessageBinary {
		l.binaryFrames = append(l.binaryFrames, cp)
	} else {
		l.textFrames = append(l.textFrames, cp)
	}
	return nil
}

func (l *fakeLink) Ping(context.Context) error { return nil }

func (l *fakeLink) Close(code websocket.StatusCode, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		l.closeCode = code
		close(l.in)
	}
	return nil
}

func (l *fakeLink) send(frame []byte) { l.in <- inFrame{websocket.MessageBinary, frame} }
func (l *fakeLink) sendText(s string) { l.in <- inFrame{websocket.MessageText, []byte(s)} }
func (l *fakeLink) disconnect()       { _ = l.Close(websocket.StatusNormalClosure, "") }

func (l *fakeLink) binary() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.binaryFrames))
	copy(out, l.binaryFrames)
	return out
}

func (l *fakeLink) texts() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.textFrames))
	copy(out, l.textFrames)
	return out
}

// countingKV wraps the memory store and tallies reads per key.
type countingKV struct {
	inner *store.Memory
	mu    sync.Mutex
	gets  map[string]int
}

func newCountingKV() *countingKV {
	return &countingKV{inner: store.NewMemory(), gets: map[string]int{}}
}

func (c *countingKV) Get(ctx context.Context, room, key string) ([]byte, error) {
	c.mu.Lock()
	c.gets[room+"/"+key]++
	c.mu.Unlock()
	time.Sleep(5 * time.Millisecond) // widen the init window
	return c.inner.Get(ctx, room, key)
}

func (c *countingKV) Put(ctx context.Context, room, key string, value []byte) error {
	return c.inner.Put(ctx, room, key, value)
}

func (c *countingKV) reads(room, key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gets[room+"/"+key]
}

func startHub(t *testing.T, kv store.KV) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewHub(ctx, testLogger(), kv)
}

func attachPlayer(t *testing.T, h *Hub, roomName, playerID string) *fakeLink {
	t.Helper()
	l := newFakeLink()
	go func() { _ = h.attachLink(context.Background(), l, roomName, playerID) }()
	waitFrameCount(t, l, 3) // data import, doc init, network init
	return l
}

func waitFrameCount(t *testing.T, l *fakeLink, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(l.binary()) >= n },
		2*time.Second, 5*time.Millisecond, "waiting for %d frames", n)
}

func waitFrame(t *testing.T, l *fakeLink, what string, pred func(*wire.Message) bool) *wire.Message {
	t.Helper()
	var found *wire.Message
	require.Eventually(t, func() bool {
		for _, raw := range l.binary() {
			if msg, err := wire.Decode(raw); err == nil && pred(msg) {
				found = msg
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "waiting for %s", what)
	return found
}

func waitStored(t *testing.T, kv store.KV, room, key string, pred func([]byte) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		b, err := kv.Get(context.Background(), room, key)
		return err == nil && pred(b)
	}, 2*time.Second, 5*time.Millisecond, "waiting for %s/%s", room, key)
}

func importSnapshot(t *testing.T, raw []byte) dataSnapshot {
	t.Helper()
	msg, err := wire.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, wire.MethodMapImport, msg.Method)
	var snap dataSnapshot
	require.NoError(t, msg.Unmarshal(0, &snap))
	return snap
}

func TestAttachSnapshotOrder(t *testing.T) {
	h := startHub(t, store.NewMemory())
	l := attachPlayer(t, h, "r1", "a")

	frames := l.binary()
	first, err := wire.Decode(frames[0])
	require.NoError(t, err)
	second, err := wire.Decode(frames[1])
	require.NoError(t, err)
	third, err := wire.Decode(frames[2])
	require.NoError(t, err)

	assert.Equal(t, wire.MethodMapImport, first.Method)
	assert.Equal(t, wire.MethodDocUpdate, second.Method)
	assert.Equal(t, wire.MethodInitPlayers, third.Method)
}

func TestJoinBroadcastAndNetworkInit(t *testing.T) {
	h := startHub(t, store.NewMemory())
	a := attachPlayer(t, h, "r1", "a")
	b := attachPlayer(t, h, "r1", "b")

	// The earlier session observes the newcomer's join.
	join := waitFrame(t, a, "join frame", func(m *wire.Message) bool {
		return m.Method == wire.MethodJoin && m.String(0) == "b"
	})
	require.NotNil(t, join)

	// The newcomer's network init lists the sessions already attached.
	var init struct {
		PlayerIDs []string `json:"playerIds"`
	}
	third, err := wire.Decode(b.binary()[2])
	require.NoError(t, err)
	require.NoError(t, third.Unmarshal(0, &init))
	assert.Equal(t, []string{"a"}, init.PlayerIDs)

	// The newcomer never sees its own join.
	for _, raw := range b.binary() {
		if m, err := wire.Decode(raw); err == nil && m.Method == wire.MethodJoin {
			t.Fatalf("session saw its own join frame: %v", m)
		}
	}
}

func TestSingleFlightInit(t *testing.T) {
	kv := newCountingKV()
	ctx := context.Background()
	require.NoError(t, kv.Put(ctx, "r1", "worldApps", []byte(`["x1"]`)))
	require.NoError(t, kv.Put(ctx, "r1", "x1", []byte(`{"fields":{"color":{"ts":1,"value":"cmVk"}}}`)))
	require.NoError(t, kv.Put(ctx, "r1", "crdt", []byte("U1")))

	h := startHub(t, kv)

	const n = 8
	links := make([]*fakeLink, n)
	for i := range links {
		links[i] = newFakeLink()
		go func(l *fakeLink, player string) {
			_ = h.attachLink(context.Background(), l, "r1", player)
		}(links[i], fmt.Sprintf("p%d", i))
	}
	for _, l := range links {
		waitFrameCount(t, l, 3)
	}

	// One storage read per key across all concurrent attaches.
	assert.Equal(t, 1, kv.reads("r1", "worldApps"))
	assert.Equal(t, 1, kv.reads("r1", "x1"))
	assert.Equal(t, 1, kv.reads("r1", "crdt"))

	// Everyone observed the same initialized state.
	for _, l := range links {
		snap := importSnapshot(t, l.binary()[0])
		assert.Contains(t, snap.Arrays["worldApps"], "x1")
	}
}

func TestChatReflectsMediaProxies(t *testing.T) {
	h := startHub(t, store.NewMemory())
	a := attachPlayer(t, h, "r1", "a")
	b := attachPlayer(t, h, "r1", "b")
	waitFrameCount(t, a, 4) // a saw b's join

	a.send(wire.Encode(wire.MethodChat, wire.String("a"), wire.String("hello")))
	waitFrame(t, a, "own chat echo", func(m *wire.Message) bool { return m.Method == wire.MethodChat })
	waitFrame(t, b, "peer chat", func(m *wire.Message) bool { return m.Method == wire.MethodChat })

	before := len(a.binary())
	a.send(wire.Encode(wire.MethodAudio, wire.Bytes([]byte{1, 2, 3})))
	waitFrame(t, b, "peer audio", func(m *wire.Message) bool { return m.Method == wire.MethodAudio })

	// Media is never reflected back to the originator.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, a.binary(), before)
}

func TestMapScopeDeadHandCleanup(t *testing.T) {
	kv := store.NewMemory()
	h := startHub(t, kv)
	a := attachPlayer(t, h, "r1", "a")

	a.send(wire.Encode(wire.MethodMapCreate, wire.String("worldApps"), wire.String("x1")))
	a.send(wire.Encode(wire.MethodMapSet,
		wire.String("worldApps"), wire.String("x1"), wire.String("owner"),
		wire.Int(1), wire.Bytes([]byte("a"))))
	waitStored(t, kv, "r1", "x1", func(b []byte) bool { return b != nil })

	// The late joiner's snapshot already contains the map.
	b := attachPlayer(t, h, "r1", "b")
	snap := importSnapshot(t, b.binary()[0])
	require.Contains(t, snap.Arrays["worldApps"], "x1")

	// Owner disconnects; the peer converges through a synthesized remove.
	a.disconnect()
	waitFrame(t, b, "dead-hand remove", func(m *wire.Message) bool {
		return m.Method == wire.MethodMapRemove && m.String(1) == "x1"
	})
	waitFrame(t, b, "leave frame", func(m *wire.Message) bool {
		return m.Method == wire.MethodLeave && m.String(0) == "a"
	})
}

func TestArrayScopeDeadHandCleanup(t *testing.T) {
	kv := store.NewMemory()
	h := startHub(t, kv)
	a := attachPlayer(t, h, "r1", "a")

	// Claim the whole array, then populate two maps.
	a.send(wire.Encode(wire.MethodMapSet,
		wire.String("worldApps"), wire.String(""), wire.String("owner"),
		wire.Int(1), wire.Bytes([]byte("a"))))
	a.send(wire.Encode(wire.MethodMapCreate, wire.String("worldApps"), wire.String("x1")))
	a.send(wire.Encode(wire.MethodMapCreate, wire.String("worldApps"), wire.String("x2")))
	waitStored(t, kv, "r1", "worldApps", func(b []byte) bool {
		var ids []string
		return json.Unmarshal(b, &ids) == nil && len(ids) == 2
	})

	b := attachPlayer(t, h, "r1", "b")
	a.disconnect()

	waitFrame(t, b, "remove x1", func(m *wire.Message) bool {
		return m.Method == wire.MethodMapRemove && m.String(1) == "x1"
	})
	waitFrame(t, b, "remove x2", func(m *wire.Message) bool {
		return m.Method == wire.MethodMapRemove && m.String(1) == "x2"
	})
}

func TestRollbackGoesToOriginatorOnly(t *testing.T) {
	kv := store.NewMemory()
	h := startHub(t, kv)
	a := attachPlayer(t, h, "r1", "a")

	a.send(wire.Encode(wire.MethodMapSet,
		wire.String("worldApps"), wire.String("x1"), wire.String("color"),
		wire.Int(10), wire.Bytes([]byte("red"))))
	waitStored(t, kv, "r1", "x1", func(b []byte) bool { return b != nil })

	b := attachPlayer(t, h, "r1", "b")
	waitFrameCount(t, a, 4) // join of b
	aFrames := len(a.binary())

	// Stale write from b: only b hears about it.
	b.send(wire.Encode(wire.MethodMapSet,
		wire.String("worldApps"), wire.String("x1"), wire.String("color"),
		wire.Int(3), wire.Bytes([]byte("blue"))))
	rb := waitFrame(t, b, "rollback", func(m *wire.Message) bool {
		return m.Method == wire.MethodMapSet && m.Int(3) == 10
	})
	assert.Equal(t, []byte("red"), rb.Bytes(4))

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, a.binary(), aFrames)
}

func TestLockHandoffOverWire(t *testing.T) {
	h := startHub(t, store.NewMemory())
	a := attachPlayer(t, h, "r1", "a")
	b := attachPlayer(t, h, "r1", "b")

	a.send(wire.Encode(wire.MethodLockRequest, wire.String("a"), wire.String("L")))
	waitFrame(t, a, "grant to a", func(m *wire.Message) bool {
		return m.Method == wire.MethodLockResponse && m.String(0) == "a"
	})
	// Lock outcomes are visible to every peer.
	waitFrame(t, b, "grant visible to b", func(m *wire.Message) bool {
		return m.Method == wire.MethodLockResponse && m.String(0) == "a"
	})

	b.send(wire.Encode(wire.MethodLockRequest, wire.String("b"), wire.String("L")))
	time.Sleep(50 * time.Millisecond)

	// Holder disconnects; the queued waiter is promoted without asking again.
	a.disconnect()
	waitFrame(t, b, "grant to b", func(m *wire.Message) bool {
		return m.Method == wire.MethodLockResponse && m.String(0) == "b" && m.String(1) == "L"
	})
}

func TestDocDurabilityAcrossRoomTeardown(t *testing.T) {
	kv := store.NewMemory()
	h := startHub(t, kv)

	a := attachPlayer(t, h, "r6", "a")
	a.send(wire.Encode(wire.MethodDocUpdate, wire.Bytes([]byte("U1"))))
	waitStored(t, kv, "r6", "crdt", func(b []byte) bool { return string(b) == "U1" })
	a.disconnect()

	// Tear the room down; durable state survives.
	require.Eventually(t, func() bool {
		h.sweep(0)
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.rooms) == 0
	}, 2*time.Second, 5*time.Millisecond)

	b := attachPlayer(t, h, "r6", "b")
	docInit, err := wire.Decode(b.binary()[1])
	require.NoError(t, err)
	require.Equal(t, wire.MethodDocUpdate, docInit.Method)
	assert.Equal(t, []byte("U1"), docInit.Bytes(0))
}

func TestTextFrameRejectedWithoutDrop(t *testing.T) {
	h := startHub(t, store.NewMemory())
	a := attachPlayer(t, h, "r1", "a")

	a.sendText("not binary")
	require.Eventually(t, func() bool { return len(a.texts()) >= 1 },
		2*time.Second, 5*time.Millisecond)

	var report struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(a.texts()[0], &report))
	assert.NotEmpty(t, report.Error)

	// The session is still live and dispatching.
	a.send(wire.Encode(wire.MethodChat, wire.String("a"), wire.String("still here")))
	waitFrame(t, a, "chat after text rejection", func(m *wire.Message) bool {
		return m.Method == wire.MethodChat
	})
}

func TestUnknownMethodSilentlyDropped(t *testing.T) {
	h := startHub(t, store.NewMemory())
	a := attachPlayer(t, h, "r1", "a")
	b := attachPlayer(t, h, "r1", "b")
	waitFrameCount(t, a, 4)

	before := len(b.binary())
	a.send(wire.Encode(99, wire.String("junk")))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, b.binary(), before)
	assert.Empty(t, a.texts())
}

type failingKV struct{}

func (failingKV) Get(context.Context, string, string) ([]byte, error) {
	return nil, errors.New("storage down")
}
func (failingKV) Put(context.Context, string, string, []byte) error {
	return errors.New("storage down")
}

// recordingKV wraps the memory store, slows writes down, and keeps the
// full sequence of values stored per key.
type recordingKV struct {
	inner *store.Memory
	mu    sync.Mutex
	puts  map[string][][]byte
	delay time.Duration
}

func newRecordingKV(delay time.Duration) *recordingKV {
	return &recordingKV{inner: store.NewMemory(), puts: map[string][][]byte{}, delay: delay}
}

func (r *recordingKV) Get(ctx context.Context, room, key string) ([]byte, error) {
	return r.inner.Get(ctx, room, key)
}

func (r *recordingKV) Put(ctx context.Context, room, key string, value []byte) error {
	time.Sleep(r.delay)
	r.mu.Lock()
	r.puts[room+"/"+key] = append(r.puts[room+"/"+key], append([]byte(nil), value...))
	r.mu.Unlock()
	return r.inner.Put(ctx, room, key, value)
}

func (r *recordingKV) history(room, key string) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.puts[room+"/"+key]))
	copy(out, r.puts[room+"/"+key])
	return out
}

func TestDataWriteBackKeepsApplyOrder(t *testing.T) {
	kv := newRecordingKV(3 * time.Millisecond)
	h := startHub(t, kv)
	a := attachPlayer(t, h, "r1", "a")

	// Rapid-fire writes to the same field, each newer than the last.
	for ts := 1; ts <= 5; ts++ {
		a.send(wire.Encode(wire.MethodMapSet,
			wire.String("worldApps"), wire.String("x1"), wire.String("color"),
			wire.Int(int64(ts)), wire.Bytes([]byte(fmt.Sprintf("v%d", ts)))))
	}

	colorTS := func(b []byte) (int64, bool) {
		var ms MapState
		if b == nil || json.Unmarshal(b, &ms) != nil {
			return 0, false
		}
		f, ok := ms.Fields["color"]
		return f.TS, ok
	}
	waitStored(t, kv, "r1", "x1", func(b []byte) bool {
		ts, ok := colorTS(b)
		return ok && ts == 5
	})

	// Nothing staged behind the final write regresses it.
	time.Sleep(100 * time.Millisecond)
	stored, err := kv.Get(context.Background(), "r1", "x1")
	require.NoError(t, err)
	ts, ok := colorTS(stored)
	require.True(t, ok)
	assert.EqualValues(t, 5, ts)

	// The stored sequence only ever moves forward.
	var last int64
	for _, snap := range kv.history("r1", "x1") {
		ts, ok := colorTS(snap)
		require.True(t, ok)
		require.GreaterOrEqual(t, ts, last)
		last = ts
	}

	// The array index caught up too.
	idx, err := kv.Get(context.Background(), "r1", "worldApps")
	require.NoError(t, err)
	var ids []string
	require.NoError(t, json.Unmarshal(idx, &ids))
	assert.Equal(t, []string{"x1"}, ids)
}

func TestRoomSweepDoesNotSplitRoom(t *testing.T) {
	h := startHub(t, store.NewMemory())

	rm, err := h.roomFor("r1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		h.sweep(0)
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.rooms) == 0
	}, 2*time.Second, 5*time.Millisecond)

	// Attaching into the collected room fails instead of landing a
	// session in an orphan invisible to later joiners.
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newSession(newFakeLink(), "z", cancel, testLogger())
	require.ErrorIs(t, rm.attach(s), errRoomClosed)

	// The lifecycle path re-resolves the name; both sessions end up in
	// the same room and see each other's traffic.
	a := attachPlayer(t, h, "r1", "a")
	b := attachPlayer(t, h, "r1", "b")
	a.send(wire.Encode(wire.MethodChat, wire.String("a"), wire.String("hello")))
	waitFrame(t, b, "chat after sweep", func(m *wire.Message) bool {
		return m.Method == wire.MethodChat && m.String(1) == "hello"
	})
}

func TestInboxOverflowCountsInboundDrops(t *testing.T) {
	inboundBefore := testutil.ToFloat64(metrics.DroppedInbound)
	sendsBefore := testutil.ToFloat64(metrics.DroppedSends)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := newFakeLink()
	s := newSession(l, "a", cancel, testLogger())
	go s.readLoop(ctx)

	// No dispatcher drains the inbox, so everything past its capacity
	// must be dropped and counted.
	frame := wire.Encode(wire.MethodChat, wire.String("a"), wire.String("x"))
	for i := 0; i < cap(s.inbox)+8; i++ {
		l.send(frame)
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.DroppedInbound) >= inboundBefore+8
	}, 2*time.Second, 5*time.Millisecond)

	// Inbound drops never pollute the outbound counter.
	assert.Equal(t, sendsBefore, testutil.ToFloat64(metrics.DroppedSends))
}

func TestSendErrorNeverBlocksCaller(t *testing.T) {
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newSession(newFakeLink(), "a", cancel, testLogger())

	// No write loop is draining; every call must still return at once.
	start := time.Now()
	for i := 0; i < 64; i++ {
		s.sendError("slow client")
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestMalformedFrameReportsError(t *testing.T) {
	h := startHub(t, store.NewMemory())
	a := attachPlayer(t, h, "r1", "a")

	a.send([]byte{0xff})
	require.Eventually(t, func() bool { return len(a.texts()) >= 1 },
		2*time.Second, 5*time.Millisecond)

	var report struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(a.texts()[0], &report))
	assert.Contains(t, report.Error, "malformed")

	// The session survives the bad frame.
	a.send(wire.Encode(wire.MethodChat, wire.String("a"), wire.String("ok")))
	waitFrame(t, a, "chat after bad frame", func(m *wire.Message) bool {
		return m.Method == wire.MethodChat
	})
}

func TestInitFailureSurfacesToClient(t *testing.T) {
	h := startHub(t, failingKV{})
	l := newFakeLink()

	err := h.attachLink(context.Background(), l, "r1", "a")
	require.Error(t, err)

	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.closed
	}, 2*time.Second, 5*time.Millisecond)

	require.NotEmpty(t, l.texts())
	var report struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(l.texts()[0], &report))
	assert.Contains(t, report.Error, "storage down")
	assert.Equal(t, websocket.StatusInternalError, l.closeCode)
}
