package crdt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// BodyDocManager lazily materializes body documents, one per markdown
// file. Documents load from the store on first touch and live for the
// process lifetime. The map is guarded by a reader-writer lock; each doc
// is itself a sharable handle.
type BodyDocManager struct {
	mu   sync.RWMutex
	docs map[string]*BodyDoc

	store       Store
	workspaceID string
	actor       ActorID
	deviceID    string
	deviceName  string
	logger      *slog.Logger

	globalObservers []func(path string, update []byte)
}

// NewBodyDocManager creates a manager backed by store for workspaceID.
func NewBodyDocManager(store Store, workspaceID string, actor ActorID, deviceID, deviceName string, logger *slog.Logger) *BodyDocManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &BodyDocManager{
		docs:        make(map[string]*BodyDoc),
		store:       store,
		workspaceID: workspaceID,
		actor:       actor,
		deviceID:    deviceID,
		deviceName:  deviceName,
		logger:      logger,
	}
}

// GetOrCreate returns the body doc for path, loading persisted state on
// first touch and starting empty otherwise.
func (m *BodyDocManager) GetOrCreate(ctx context.Context, path string) (*BodyDoc, error) {
	m.mu.RLock()
	doc, ok := m.docs[path]
	m.mu.RUnlock()

	if ok {
		return doc, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Lost the race: another goroutine materialized it first.
	if doc, ok = m.docs[path]; ok {
		return doc, nil
	}

	doc = NewBodyDoc(path, m.actor)
	key := BodyKey(m.workspaceID, path)

	if err := replayDoc(ctx, m.store, key, func(update []byte) error {
		_, applyErr := doc.ApplyUpdate(update, OriginSync)
		return applyErr
	}); err != nil {
		return nil, fmt.Errorf("crdt: materializing body doc %s: %w", path, err)
	}

	// The persist hook outlives the materializing call, so it must not
	// inherit that call's cancellation.
	doc.SetPersist(func(update []byte, origin UpdateOrigin) error {
		return m.store.AppendUpdate(context.WithoutCancel(ctx), key, update, origin, m.deviceID, m.deviceName)
	})

	for _, fn := range m.globalObservers {
		doc.Observe(wrapGlobalObserver(path, fn))
	}

	m.logger.Debug("body doc materialized", "path", path)

	m.docs[path] = doc

	return doc, nil
}

// ObserveAll registers fn on every body doc, present and future. The live
// engine uses this to broadcast local edits regardless of which file they
// touch.
func (m *BodyDocManager) ObserveAll(fn func(path string, update []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.globalObservers = append(m.globalObservers, fn)

	for path, doc := range m.docs {
		doc.Observe(wrapGlobalObserver(path, fn))
	}
}

func wrapGlobalObserver(path string, fn func(path string, update []byte)) Observer {
	return func(update []byte, _ []string) {
		fn(path, update)
	}
}

// Loaded reports whether a body doc for path is already in memory.
func (m *BodyDocManager) Loaded(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.docs[path]

	return ok
}

// SetBody replaces the text for path, materializing the doc if needed.
func (m *BodyDocManager) SetBody(ctx context.Context, path, text string) error {
	doc, err := m.GetOrCreate(ctx, path)
	if err != nil {
		return err
	}

	return doc.SetText(text)
}

// GetBody returns the current text for path.
func (m *BodyDocManager) GetBody(ctx context.Context, path string) (string, error) {
	doc, err := m.GetOrCreate(ctx, path)
	if err != nil {
		return "", err
	}

	return doc.Text(), nil
}

// StateVector returns the knowledge summary for path's body doc.
func (m *BodyDocManager) StateVector(ctx context.Context, path string) ([]byte, error) {
	doc, err := m.GetOrCreate(ctx, path)
	if err != nil {
		return nil, err
	}

	return doc.EncodeStateVector(), nil
}

// Diff returns the update a peer with the given vector lacks for path.
func (m *BodyDocManager) Diff(ctx context.Context, path string, peerSV []byte) ([]byte, error) {
	doc, err := m.GetOrCreate(ctx, path)
	if err != nil {
		return nil, err
	}

	return doc.EncodeDiff(peerSV)
}

// ApplyUpdate merges an update into path's body doc, reporting whether the
// visible text changed.
func (m *BodyDocManager) ApplyUpdate(ctx context.Context, path string, update []byte, origin UpdateOrigin) (bool, error) {
	doc, err := m.GetOrCreate(ctx, path)
	if err != nil {
		return false, err
	}

	return doc.ApplyUpdate(update, origin)
}

// Observe registers fn on path's body doc.
func (m *BodyDocManager) Observe(ctx context.Context, path string, fn Observer) error {
	doc, err := m.GetOrCreate(ctx, path)
	if err != nil {
		return err
	}

	doc.Observe(fn)

	return nil
}
