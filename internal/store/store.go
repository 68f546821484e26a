// Package store provides the durable key-value state behind rooms.
// Keys are scoped per room; a missing key reads as nil.
package store

import (
	"context"
	"sync"
)

// KV is the storage contract the room coordinator depends on.
type KV interface {
	// Get returns the value under key in room, or nil if absent.
	Get(ctx context.Context, room, key string) ([]byte, error)
	// Put writes value under key in room, replacing any previous value.
	Put(ctx context.Context, room, key string, value []byte) error
}

// Memory is an in-process KV used in dev and tests.
type Memory struct {
	mu    sync.RWMutex
	rooms map[string]map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{rooms: map[string]map[string][]byte{}}
}

func (m *Memory) Get(_ context.Context, room, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.rooms[room][key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Put(_ context.Context, room, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rooms[room]
	if r == nil {
		r = map[string][]byte{}
		m.rooms[room] = r
	}
	v := make([]byte, len(value))
	copy(v, value)
	r[key] = v
	return nil
}
