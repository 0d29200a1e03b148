package crdt

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubStore is a minimal in-package Store for manager tests.
type stubStore struct {
	mu     sync.Mutex
	states map[DocKey][]byte
	logs   map[DocKey][]UpdateRecord
	nextID int64
}

func newStubStore() *stubStore {
	return &stubStore{
		states: map[DocKey][]byte{},
		logs:   map[DocKey][]UpdateRecord{},
	}
}

func (s *stubStore) Close() error { return nil }

func (s *stubStore) LoadDoc(_ context.Context, key DocKey) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[key]

	return state, ok, nil
}

func (s *stubStore) SaveDoc(_ context.Context, key DocKey, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[key] = state

	return nil
}

func (s *stubStore) AppendUpdate(_ context.Context, key DocKey, update []byte, origin UpdateOrigin, deviceID, deviceName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.logs[key] = append(s.logs[key], UpdateRecord{
		ID: s.nextID, Update: update, Origin: origin,
		DeviceID: deviceID, DeviceName: deviceName,
	})

	return nil
}

func (s *stubStore) LoadUpdates(_ context.Context, key DocKey) ([]UpdateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]UpdateRecord(nil), s.logs[key]...), nil
}

func (s *stubStore) Compact(context.Context, DocKey) error { return nil }

func (s *stubStore) QueryActiveFiles(context.Context, string) ([]ActiveFileRow, error) {
	return nil, nil
}

func (s *stubStore) logLen(key DocKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.logs[key])
}

func TestManager_LazyMaterialization(t *testing.T) {
	mgr := NewBodyDocManager(newStubStore(), "ws", 1, "dev", "laptop", nil)
	ctx := context.Background()

	assert.False(t, mgr.Loaded("a.md"))

	doc, err := mgr.GetOrCreate(ctx, "a.md")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.True(t, mgr.Loaded("a.md"))
	assert.Empty(t, doc.Text())

	// Same handle on repeat access.
	again, err := mgr.GetOrCreate(ctx, "a.md")
	require.NoError(t, err)
	assert.Same(t, doc, again)
}

func TestManager_SetBodyPersistsUpdates(t *testing.T) {
	store := newStubStore()
	mgr := NewBodyDocManager(store, "ws", 1, "dev", "laptop", nil)
	ctx := context.Background()

	require.NoError(t, mgr.SetBody(ctx, "a.md", "hello"))

	key := BodyKey("ws", "a.md")
	assert.Equal(t, 1, store.logLen(key))

	// The persisted update carries the local origin and device identity.
	updates, err := store.LoadUpdates(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, OriginLocal, updates[0].Origin)
	assert.Equal(t, "dev", updates[0].DeviceID)
}

func TestManager_LoadsPersistedStateOnFirstTouch(t *testing.T) {
	store := newStubStore()

	first := NewBodyDocManager(store, "ws", 1, "dev", "laptop", nil)
	require.NoError(t, first.SetBody(context.Background(), "a.md", "persisted"))

	second := NewBodyDocManager(store, "ws", 2, "dev2", "desktop", nil)

	body, err := second.GetBody(context.Background(), "a.md")
	require.NoError(t, err)
	assert.Equal(t, "persisted", body)
}

func TestManager_ObserveAllCoversExistingAndFutureDocs(t *testing.T) {
	mgr := NewBodyDocManager(newStubStore(), "ws", 1, "dev", "laptop", nil)
	ctx := context.Background()

	// Materialize one doc before registering.
	require.NoError(t, mgr.SetBody(ctx, "before.md", "x"))

	var mu sync.Mutex
	seen := map[string]int{}

	mgr.ObserveAll(func(path string, update []byte) {
		mu.Lock()
		seen[path]++
		mu.Unlock()

		assert.Greater(t, len(update), EmptyUpdateLen)
	})

	require.NoError(t, mgr.SetBody(ctx, "before.md", "x edited"))
	require.NoError(t, mgr.SetBody(ctx, "after.md", "y"))

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, 1, seen["before.md"])
	assert.Equal(t, 1, seen["after.md"])
}

func TestManager_DiffAndApplyAcrossManagers(t *testing.T) {
	ctx := context.Background()

	a := NewBodyDocManager(newStubStore(), "ws", 1, "dev-a", "laptop", nil)
	b := NewBodyDocManager(newStubStore(), "ws", 2, "dev-b", "desktop", nil)

	require.NoError(t, a.SetBody(ctx, "a.md", "shared text"))

	bSV, err := b.StateVector(ctx, "a.md")
	require.NoError(t, err)

	diff, err := a.Diff(ctx, "a.md", bSV)
	require.NoError(t, err)
	require.Greater(t, len(diff), EmptyUpdateLen)

	changed, err := b.ApplyUpdate(ctx, "a.md", diff, OriginSync)
	require.NoError(t, err)
	assert.True(t, changed)

	body, err := b.GetBody(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, "shared text", body)
}
