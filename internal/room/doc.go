package room

import (
	"github.com/UpstreetAI/multiplayer/internal/wire"
)

// DocClient replicates the opaque document CRDT. Updates are commutative
// op payloads merged by append; the state-as-update encoding is the full
// merged log, so replaying it on a fresh replica converges.
type DocClient struct {
	state    []byte
	onUpdate func(state []byte)
}

// NewDocClient builds the replica from the last persisted snapshot, which
// may be nil on a fresh room.
func NewDocClient(initial []byte) *DocClient {
	d := &DocClient{}
	if len(initial) > 0 {
		d.state = append(d.state, initial...)
	}
	return d
}

// HandlesMethod reports whether m belongs to the document CRDT class.
func (d *DocClient) HandlesMethod(m uint64) bool { return m == wire.MethodDocUpdate }

// OnUpdate registers the single persistence hook, fired after every
// applied mutation with the current state-as-update.
func (d *DocClient) OnUpdate(fn func(state []byte)) { d.onUpdate = fn }

// ApplyUpdate merges one update into the replica.
func (d *DocClient) ApplyUpdate(update []byte) {
	if len(update) == 0 {
		return
	}
	d.state = append(d.state, update...)
	if d.onUpdate != nil {
		d.onUpdate(d.StateAsUpdate())
	}
}

// StateAsUpdate encodes the whole document as one update. Nil on a room
// that has never seen a mutation.
func (d *DocClient) StateAsUpdate() []byte {
	if d.state == nil {
		return nil
	}
	out := make([]byte, len(d.state))
	copy(out, d.state)
	return out
}

// EncodeInit produces the initial-snapshot frame for a joining session.
func (d *DocClient) EncodeInit() []byte {
	return wire.Encode(wire.MethodDocUpdate, wire.Bytes(d.state))
}
