package room

import (
	"context"
	"encoding/json"
	"sort"

	"log/slog"

	"github.com/UpstreetAI/multiplayer/internal/store"
	"github.com/UpstreetAI/multiplayer/internal/wire"
)

// schemaArrays is the fixed set of named arrays in the data model.
var schemaArrays = []string{"worldApps"}

// ownerField is the reserved map field that carries ownership. Writing a
// player ID claims the map (dead hand), clearing it releases (live hand).
const ownerField = "owner"

// Field is one last-writer-wins cell: a value and its logical timestamp.
type Field struct {
	TS    int64  `json:"ts"`
	Value []byte `json:"value"`
}

// MapState is one replicated map: field name to timestamped value.
type MapState struct {
	Fields map[string]Field `json:"fields"`
}

func newMapState() *MapState { return &MapState{Fields: map[string]Field{}} }

// Version is the highest timestamp across the map's fields.
func (m *MapState) Version() int64 {
	var v int64
	for _, f := range m.Fields {
		if f.TS > v {
			v = f.TS
		}
	}
	return v
}

func (m *MapState) owner() string {
	return string(m.Fields[ownerField].Value)
}

// HandObserver receives ownership-transfer events. Keys use the grammar
// "<arrayId>.<arrayIndexId>" for a single map and "<arrayId>" for a whole
// array.
type HandObserver interface {
	DeadHand(keys []string, player string)
	LiveHand(keys []string, player string)
}

// DataUpdate describes an applied mutation, for peers and persistence.
type DataUpdate struct {
	Method       uint64
	ArrayID      string
	ArrayIndexID string
	PlayerID     string
}

// ApplyResult is the outcome of applying one inbound data frame. Rollback,
// when set, is a corrective frame for the originator only. Update, when
// set, means the mutation took and the original frame should reach peers.
type ApplyResult struct {
	Rollback []byte
	Update   *DataUpdate
}

// DataClient is the room's replica of the map-of-maps model. It is only
// touched from within the room's serial loop.
type DataClient struct {
	log     *slog.Logger
	arrays  map[string]map[string]*MapState
	meta    map[string]*MapState // per-array meta map, carries array-scope ownership
	players map[string][]byte    // presence + latest player data payload
	subs    []HandObserver
}

func NewDataClient(log *slog.Logger) *DataClient {
	dc := &DataClient{
		log:     log,
		arrays:  map[string]map[string]*MapState{},
		meta:    map[string]*MapState{},
		players: map[string][]byte{},
	}
	for _, id := range schemaArrays {
		dc.arrays[id] = map[string]*MapState{}
		dc.meta[id] = newMapState()
	}
	return dc
}

// HandlesMethod reports whether m belongs to the data class.
func (dc *DataClient) HandlesMethod(m uint64) bool {
	switch m {
	case wire.MethodSetPlayerData, wire.MethodJoin, wire.MethodLeave,
		wire.MethodMapCreate, wire.MethodMapSet, wire.MethodMapRemove:
		return true
	}
	return false
}

func (dc *DataClient) Subscribe(o HandObserver) {
	dc.subs = append(dc.subs, o)
}

func (dc *DataClient) Unsubscribe(o HandObserver) {
	for i, s := range dc.subs {
		if s == o {
			dc.subs = append(dc.subs[:i], dc.subs[i+1:]...)
			return
		}
	}
}

func (dc *DataClient) emitDeadHand(keys []string, player string) {
	for _, s := range dc.subs {
		s.DeadHand(keys, player)
	}
}

func (dc *DataClient) emitLiveHand(keys []string, player string) {
	for _, s := range dc.subs {
		s.LiveHand(keys, player)
	}
}

// Apply runs one inbound data frame against the replica. Ownership events
// fire synchronously as a side effect of the mutation.
func (dc *DataClient) Apply(msg *wire.Message) ApplyResult {
	switch msg.Method {
	case wire.MethodJoin:
		p := msg.String(0)
		if p == "" {
			return ApplyResult{}
		}
		if _, ok := dc.players[p]; !ok {
			dc.players[p] = nil
		}
		return ApplyResult{Update: &DataUpdate{Method: msg.Method, PlayerID: p}}

	case wire.MethodLeave:
		p := msg.String(0)
		if p == "" {
			return ApplyResult{}
		}
		delete(dc.players, p)
		return ApplyResult{Update: &DataUpdate{Method: msg.Method, PlayerID: p}}

	case wire.MethodSetPlayerData:
		p := msg.String(0)
		if p == "" {
			return ApplyResult{}
		}
		payload := msg.Bytes(1)
		buf := make([]byte, len(payload))
		copy(buf, payload)
		dc.players[p] = buf
		return ApplyResult{Update: &DataUpdate{Method: msg.Method, PlayerID: p}}

	case wire.MethodMapCreate:
		return dc.applyCreate(msg.String(0), msg.String(1))

	case wire.MethodMapSet:
		return dc.applySet(msg.String(0), msg.String(1), msg.String(2), msg.Int(3), msg.Bytes(4))

	case wire.MethodMapRemove:
		return dc.applyRemove(msg.String(0), msg.String(1), msg.Int(2))
	}
	return ApplyResult{}
}

func (dc *DataClient) applyCreate(arrayID, indexID string) ApplyResult {
	arr, ok := dc.arrays[arrayID]
	if !ok || indexID == "" {
		dc.log.Warn("data.create.ignored", "array", arrayID, "index", indexID)
		return ApplyResult{}
	}
	if _, exists := arr[indexID]; !exists {
		arr[indexID] = newMapState()
	}
	// Idempotent, never rolls back.
	return ApplyResult{Update: &DataUpdate{Method: wire.MethodMapCreate, ArrayID: arrayID, ArrayIndexID: indexID}}
}

func (dc *DataClient) applySet(arrayID, indexID, field string, ts int64, value []byte) ApplyResult {
	var m *MapState
	if indexID == "" {
		// Array meta map: carries array-scope ownership.
		m = dc.meta[arrayID]
		if m == nil {
			dc.log.Warn("data.set.ignored", "array", arrayID)
			return ApplyResult{}
		}
	} else {
		arr, ok := dc.arrays[arrayID]
		if !ok {
			dc.log.Warn("data.set.ignored", "array", arrayID)
			return ApplyResult{}
		}
		m = arr[indexID]
		if m == nil {
			m = newMapState()
			arr[indexID] = m
		}
	}

	cur, exists := m.Fields[field]
	if exists && ts <= cur.TS {
		// Stale write: incumbent wins, send the corrective frame back.
		rollback := wire.Encode(wire.MethodMapSet,
			wire.String(arrayID), wire.String(indexID), wire.String(field),
			wire.Int(cur.TS), wire.Bytes(cur.Value))
		return ApplyResult{Rollback: rollback}
	}

	prevOwner := ""
	if field == ownerField {
		prevOwner = m.owner()
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	m.Fields[field] = Field{TS: ts, Value: buf}

	if field == ownerField {
		newOwner := string(buf)
		if newOwner != prevOwner {
			key := handKey(arrayID, indexID)
			if prevOwner != "" {
				dc.emitLiveHand([]string{key}, prevOwner)
			}
			if newOwner != "" {
				dc.emitDeadHand([]string{key}, newOwner)
			}
		}
	}
	return ApplyResult{Update: &DataUpdate{Method: wire.MethodMapSet, ArrayID: arrayID, ArrayIndexID: indexID}}
}

func (dc *DataClient) applyRemove(arrayID, indexID string, ts int64) ApplyResult {
	arr, ok := dc.arrays[arrayID]
	if !ok || indexID == "" {
		return ApplyResult{}
	}
	m := arr[indexID]
	if m == nil {
		// Removing an absent map is a no-op, not an error.
		return ApplyResult{}
	}
	if ts < m.Version() {
		// Stale remove: resend the whole model to the originator.
		return ApplyResult{Rollback: dc.EncodeImport()}
	}
	owner := m.owner()
	delete(arr, indexID)
	if owner != "" {
		dc.emitLiveHand([]string{handKey(arrayID, indexID)}, owner)
	}
	return ApplyResult{Update: &DataUpdate{Method: wire.MethodMapRemove, ArrayID: arrayID, ArrayIndexID: indexID}}
}

// handKey builds the composite ownership key.
func handKey(arrayID, indexID string) string {
	if indexID == "" {
		return arrayID
	}
	return arrayID + "." + indexID
}

// HasMap reports whether arrayID currently contains indexID.
func (dc *DataClient) HasMap(arrayID, indexID string) bool {
	_, ok := dc.arrays[arrayID][indexID]
	return ok
}

// MapsIn lists the map keys of an array in stable order.
func (dc *DataClient) MapsIn(arrayID string) []string {
	arr := dc.arrays[arrayID]
	out := make([]string, 0, len(arr))
	for id := range arr {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SynthesizeRemove builds a remove frame for a map that wins against the
// map's current version, used by dead-hand cleanup.
func (dc *DataClient) SynthesizeRemove(arrayID, indexID string) []byte {
	var ts int64
	if m := dc.arrays[arrayID][indexID]; m != nil {
		ts = m.Version()
	}
	return wire.Encode(wire.MethodMapRemove,
		wire.String(arrayID), wire.String(indexID), wire.Int(ts))
}

type dataSnapshot struct {
	Arrays  map[string]map[string]*MapState `json:"arrays"`
	Meta    map[string]*MapState            `json:"meta"`
	Players map[string][]byte               `json:"players"`
}

// EncodeImport produces the full-model snapshot frame sent to a joining
// session before any live updates.
func (dc *DataClient) EncodeImport() []byte {
	snap := dataSnapshot{Arrays: dc.arrays, Meta: dc.meta, Players: dc.players}
	return wire.Encode(wire.MethodMapImport, wire.JSON(snap))
}

// EncodeArrayIndex serializes an array's key set for persistence.
func (dc *DataClient) EncodeArrayIndex(arrayID string) []byte {
	b, _ := json.Marshal(dc.MapsIn(arrayID))
	return b
}

// EncodeMap serializes one map for persistence; ok is false when the map
// no longer exists.
func (dc *DataClient) EncodeMap(arrayID, indexID string) ([]byte, bool) {
	m := dc.arrays[arrayID][indexID]
	if m == nil {
		return nil, false
	}
	b, _ := json.Marshal(m)
	return b, true
}

// Load populates the replica from durable storage: one read per schema
// array, one per referenced map. Missing or unreadable maps repair to the
// empty (0, {}) state.
func (dc *DataClient) Load(ctx context.Context, kv store.KV, room string) error {
	for _, arrayID := range schemaArrays {
		b, err := kv.Get(ctx, room, arrayID)
		if err != nil {
			return err
		}
		if b == nil {
			continue
		}
		var ids []string
		if err := json.Unmarshal(b, &ids); err != nil {
			dc.log.Warn("data.load.badindex", "room", room, "array", arrayID, "err", err)
			continue
		}
		for _, id := range ids {
			if id == "" {
				continue
			}
			mb, err := kv.Get(ctx, room, id)
			if err != nil {
				return err
			}
			m := newMapState()
			if mb != nil {
				if err := json.Unmarshal(mb, m); err != nil || m.Fields == nil {
					m = newMapState()
				}
			}
			dc.arrays[arrayID][id] = m
		}
	}
	return nil
}
