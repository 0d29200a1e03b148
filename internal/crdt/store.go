package crdt

import (
	"context"
	"fmt"
	"sort"
)

// DocKey identifies a persisted document: "workspace:<ws_id>" for the
// workspace doc, "body:<ws_id>/<path>" for a body doc.
type DocKey string

// WorkspaceKey builds the doc key for a workspace document.
func WorkspaceKey(workspaceID string) DocKey {
	return DocKey("workspace:" + workspaceID)
}

// BodyKey builds the doc key for a body document.
func BodyKey(workspaceID, path string) DocKey {
	return DocKey("body:" + workspaceID + "/" + path)
}

// UpdateRecord is one entry of a document's append-only update log.
type UpdateRecord struct {
	ID         int64
	Update     []byte
	Origin     UpdateOrigin
	DeviceID   string
	DeviceName string
	InsertedAt int64 // Unix milliseconds
}

// ActiveFileRow is one row of the handshake manifest query.
type ActiveFileRow struct {
	Path   string
	Title  string
	PartOf string
}

// Store is the durable backing for CRDT state plus a typed update log.
// Implementations serialize operations per document so readers never see a
// torn snapshot mid-compaction.
type Store interface {
	// LoadDoc returns the compacted state blob, or ok=false if none exists.
	LoadDoc(ctx context.Context, key DocKey) (state []byte, ok bool, err error)

	// SaveDoc atomically replaces the state blob.
	SaveDoc(ctx context.Context, key DocKey, state []byte) error

	// AppendUpdate appends one log entry.
	AppendUpdate(ctx context.Context, key DocKey, update []byte, origin UpdateOrigin, deviceID, deviceName string) error

	// LoadUpdates returns all log entries newer than the stored state, in
	// insertion order.
	LoadUpdates(ctx context.Context, key DocKey) ([]UpdateRecord, error)

	// Compact merges the stored state with all newer log entries and
	// truncates the log. Idempotent.
	Compact(ctx context.Context, key DocKey) error

	// QueryActiveFiles yields (path, title, part_of) for every non-deleted
	// entry of the workspace document, for the handshake file manifest.
	QueryActiveFiles(ctx context.Context, workspaceID string) ([]ActiveFileRow, error)

	Close() error
}

// MergeUpdates combines encoded updates into one, deduplicating operations
// by ID and preserving per-actor sequence order. Because an update is an
// operation list, merge is concatenation plus dedup — commutative,
// associative, and idempotent like the documents themselves. Store
// implementations use this for compaction.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	seen := make(map[OpID]bool)
	perActor := make(map[ActorID][]*op)

	for _, u := range updates {
		if len(u) == 0 {
			continue
		}

		ops, err := decodeOps(u)
		if err != nil {
			return nil, fmt.Errorf("crdt: merging updates: %w", err)
		}

		for _, o := range ops {
			id := OpID{Actor: o.Actor, Seq: o.Seq}
			if seen[id] {
				continue
			}

			seen[id] = true
			perActor[o.Actor] = append(perActor[o.Actor], o)
		}
	}

	actors := make([]ActorID, 0, len(perActor))
	for a := range perActor {
		actors = append(actors, a)
	}

	sort.Slice(actors, func(i, j int) bool { return actors[i] < actors[j] })

	var merged []*op

	for _, a := range actors {
		ops := perActor[a]
		sort.Slice(ops, func(i, j int) bool { return ops[i].Seq < ops[j].Seq })
		merged = append(merged, ops...)
	}

	return encodeOps(merged)
}

// LoadWorkspaceDoc reconstructs a workspace document from the store: the
// compacted state first, then every newer log entry. The persist hook is
// wired only after replay so loading never re-appends.
func LoadWorkspaceDoc(ctx context.Context, store Store, workspaceID string, actor ActorID, deviceID, deviceName string) (*WorkspaceDoc, error) {
	key := WorkspaceKey(workspaceID)
	doc := NewWorkspaceDoc(actor)

	if err := replayDoc(ctx, store, key, func(update []byte) error {
		_, err := doc.ApplyUpdate(update, OriginSync)
		return err
	}); err != nil {
		return nil, err
	}

	// The persist hook outlives the loading call, so it must not inherit
	// that call's cancellation.
	doc.SetPersist(func(update []byte, origin UpdateOrigin) error {
		return store.AppendUpdate(context.WithoutCancel(ctx), key, update, origin, deviceID, deviceName)
	})

	return doc, nil
}

// replayDoc feeds the stored state and log entries through apply.
func replayDoc(ctx context.Context, store Store, key DocKey, apply func([]byte) error) error {
	state, ok, err := store.LoadDoc(ctx, key)
	if err != nil {
		return fmt.Errorf("crdt: loading %s: %w", key, err)
	}

	if ok && len(state) > 0 {
		if err := apply(state); err != nil {
			return fmt.Errorf("crdt: replaying state for %s: %w", key, err)
		}
	}

	updates, err := store.LoadUpdates(ctx, key)
	if err != nil {
		return fmt.Errorf("crdt: loading update log for %s: %w", key, err)
	}

	for _, rec := range updates {
		if err := apply(rec.Update); err != nil {
			return fmt.Errorf("crdt: replaying update %d for %s: %w", rec.ID, key, err)
		}
	}

	return nil
}
