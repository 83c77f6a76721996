// ABOUTME: In-memory dialogue store for tests and single-process runs
// ABOUTME: Stores encoded documents so codec behaviour matches the Redis store

package dialogue

import (
	"context"
	"sync"
)

// MemoryStore implements Store with a mutex-guarded map.
type MemoryStore struct {
	mu    sync.RWMutex
	codec *Codec
	data  map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore(codec *Codec) *MemoryStore {
	return &MemoryStore{codec: codec, data: make(map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, scope string, chatID int64) (State, bool, error) {
	m.mu.RLock()
	raw, ok := m.data[Key(scope, chatID)]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	state, err := m.codec.Decode(raw)
	if err != nil {
		return nil, false, err
	}
	return state, true, nil
}

func (m *MemoryStore) Set(_ context.Context, scope string, chatID int64, state State) error {
	raw, err := m.codec.Encode(state)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[Key(scope, chatID)] = raw
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, scope string, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := Key(scope, chatID)
	if _, ok := m.data[key]; !ok {
		return ErrNotFound
	}
	delete(m.data, key)
	return nil
}

// SetRaw stores a pre-encoded document, bypassing the codec.
func (m *MemoryStore) SetRaw(scope string, chatID int64, raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[Key(scope, chatID)] = raw
}
