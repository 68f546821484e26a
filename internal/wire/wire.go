// Package wire implements the length-prefixed binary framing shared with
// clients. A frame is a method tag followed by an ordered argument list;
// the coordinator routes on the tag and mostly forwards the raw bytes.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Handshake-layer method tags. Higher layers reuse JOIN/LEAVE and
// SET_PLAYER_DATA for presence tracking.
const (
	MethodSetPlayerData uint64 = 1
	MethodInitPlayers   uint64 = 2
	MethodJoin          uint64 = 3
	MethodLeave         uint64 = 4
	MethodChat          uint64 = 5
	MethodLog           uint64 = 6
	MethodAudio         uint64 = 7
	MethodAudioStart    uint64 = 8
	MethodAudioEnd      uint64 = 9
	MethodVideo         uint64 = 10
	MethodVideoStart    uint64 = 11
	MethodVideoEnd      uint64 = 12
)

// Data-model method tags.
const (
	MethodMapCreate uint64 = 20
	MethodMapSet    uint64 = 21
	MethodMapRemove uint64 = 22
	MethodMapImport uint64 = 23
)

// Document CRDT method tag.
const MethodDocUpdate uint64 = 30

// Lock-service method tags.
const (
	MethodLockRequest  uint64 = 40
	MethodLockResponse uint64 = 41
	MethodLockRelease  uint64 = 42
)

// Argument kinds.
const (
	kindBytes byte = 0
	kindText  byte = 1
	kindInt   byte = 2
	kindJSON  byte = 3
)

var ErrTruncated = errors.New("wire: truncated frame")

// Arg is one typed argument of a frame.
type Arg struct {
	kind byte
	data []byte
}

func Bytes(b []byte) Arg  { return Arg{kind: kindBytes, data: b} }
func String(s string) Arg { return Arg{kind: kindText, data: []byte(s)} }

func Int(v int64) Arg {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutVarint(buf, v)
	return Arg{kind: kindInt, data: buf[:n]}
}

// JSON marshals v into a JSON argument. Marshal failures become empty
// arguments; callers pass plain structs and string maps.
func JSON(v any) Arg {
	b, err := json.Marshal(v)
	if err != nil {
		return Arg{kind: kindJSON, data: []byte("null")}
	}
	return Arg{kind: kindJSON, data: b}
}

// Message is a decoded frame.
type Message struct {
	Method uint64
	Args   []Arg
}

// String returns argument i as text, or "" if absent.
func (m *Message) String(i int) string {
	if i >= len(m.Args) {
		return ""
	}
	return string(m.Args[i].data)
}

// Bytes returns argument i raw, or nil if absent.
func (m *Message) Bytes(i int) []byte {
	if i >= len(m.Args) {
		return nil
	}
	return m.Args[i].data
}

// Int returns argument i as a signed varint, or 0 if absent.
func (m *Message) Int(i int) int64 {
	if i >= len(m.Args) {
		return 0
	}
	v, n := binary.Varint(m.Args[i].data)
	if n <= 0 {
		return 0
	}
	return v
}

// Unmarshal decodes a JSON argument into v.
func (m *Message) Unmarshal(i int, v any) error {
	if i >= len(m.Args) {
		return fmt.Errorf("wire: no argument %d", i)
	}
	return json.Unmarshal(m.Args[i].data, v)
}

// Encode builds a frame: uvarint method, uvarint argc, then each argument
// as a kind byte, uvarint length, and payload.
func Encode(method uint64, args ...Arg) []byte {
	buf := make([]byte, 0, 64)
	buf = binary.AppendUvarint(buf, method)
	buf = binary.AppendUvarint(buf, uint64(len(args)))
	for _, a := range args {
		buf = append(buf, a.kind)
		buf = binary.AppendUvarint(buf, uint64(len(a.data)))
		buf = append(buf, a.data...)
	}
	return buf
}

// Decode parses a frame. The argument payloads alias the input slice.
func Decode(b []byte) (*Message, error) {
	method, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, ErrTruncated
	}
	b = b[n:]
	argc, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, ErrTruncated
	}
	b = b[n:]
	if argc > 1<<16 {
		return nil, fmt.Errorf("wire: absurd argument count %d", argc)
	}
	msg := &Message{Method: method, Args: make([]Arg, 0, argc)}
	for i := uint64(0); i < argc; i++ {
		if len(b) < 1 {
			return nil, ErrTruncated
		}
		kind := b[0]
		b = b[1:]
		size, n := binary.Uvarint(b)
		if n <= 0 {
			return nil, ErrTruncated
		}
		b = b[n:]
		if uint64(len(b)) < size {
			return nil, ErrTruncated
		}
		msg.Args = append(msg.Args, Arg{kind: kind, data: b[:size]})
		b = b[size:]
	}
	return msg, nil
}

// IsChat reports whether m is reflected to every session, originator
// included.
func IsChat(m uint64) bool { return m == MethodChat || m == MethodLog }

// IsMedia reports whether m is an audio or video sub-protocol frame,
// proxied opaquely to peers.
func IsMedia(m uint64) bool { return m >= MethodAudio && m <= MethodVideoEnd }
