package crdtstore

import (
	"context"
	"sync"
	"time"

	"github.com/diaryx-org/diaryx-go/internal/crdt"
)

// MemoryStore is an in-memory crdt.Store for ephemeral modes and tests.
// Safe for concurrent use.
type MemoryStore struct {
	mu     sync.Mutex
	states map[crdt.DocKey][]byte
	logs   map[crdt.DocKey][]crdt.UpdateRecord
	nextID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[crdt.DocKey][]byte),
		logs:   make(map[crdt.DocKey][]crdt.UpdateRecord),
	}
}

// Close is a no-op for the in-memory backend.
func (s *MemoryStore) Close() error { return nil }

// LoadDoc returns the state blob for key, or ok=false if absent.
func (s *MemoryStore) LoadDoc(_ context.Context, key crdt.DocKey) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[key]
	if !ok {
		return nil, false, nil
	}

	out := make([]byte, len(state))
	copy(out, state)

	return out, true, nil
}

// SaveDoc replaces the state blob for key.
func (s *MemoryStore) SaveDoc(_ context.Context, key crdt.DocKey, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(state))
	copy(cp, state)
	s.states[key] = cp

	return nil
}

// AppendUpdate appends one entry to key's log.
func (s *MemoryStore) AppendUpdate(_ context.Context, key crdt.DocKey, update []byte, origin crdt.UpdateOrigin, deviceID, deviceName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(update))
	copy(cp, update)

	s.nextID++
	s.logs[key] = append(s.logs[key], crdt.UpdateRecord{
		ID:         s.nextID,
		Update:     cp,
		Origin:     origin,
		DeviceID:   deviceID,
		DeviceName: deviceName,
		InsertedAt: time.Now().UnixMilli(),
	})

	return nil
}

// LoadUpdates returns key's log entries in insertion order.
func (s *MemoryStore) LoadUpdates(_ context.Context, key crdt.DocKey) ([]crdt.UpdateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]crdt.UpdateRecord, len(s.logs[key]))
	copy(out, s.logs[key])

	return out, nil
}

// Compact merges state with the log and truncates it.
func (s *MemoryStore) Compact(_ context.Context, key crdt.DocKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.logs[key]) == 0 {
		return nil
	}

	blobs := [][]byte{s.states[key]}
	for _, rec := range s.logs[key] {
		blobs = append(blobs, rec.Update)
	}

	merged, err := crdt.MergeUpdates(blobs...)
	if err != nil {
		return err
	}

	s.states[key] = merged
	delete(s.logs, key)

	return nil
}

// UpdateCount returns the number of log entries for key. Test helper.
func (s *MemoryStore) UpdateCount(key crdt.DocKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.logs[key])
}

// QueryActiveFiles rebuilds the workspace document and lists live entries.
func (s *MemoryStore) QueryActiveFiles(ctx context.Context, workspaceID string) ([]crdt.ActiveFileRow, error) {
	return queryActiveFiles(ctx, s, workspaceID)
}
