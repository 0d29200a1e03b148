package crdt

import (
	"fmt"
	"sort"
	"sync"
)

// Observer receives the encoded outbound update and the canonical paths it
// touched, for every non-Sync mutation. Callbacks run with the document
// unlocked so they may call back into the document.
type Observer func(update []byte, changedPaths []string)

// PersistFunc durably appends an encoded update before observers fire.
// A nil PersistFunc means the document is ephemeral.
type PersistFunc func(update []byte, origin UpdateOrigin) error

// wsEntry is the current winner for one path, with enough of the winning
// op's identity to re-run conflict resolution against late arrivals.
type wsEntry struct {
	meta       *FileMetadata // nil when tombstoned
	deleted    bool
	modifiedAt int64
	lamport    uint64
	actor      ActorID
}

// WorkspaceDoc is the single CRDT aggregating all file metadata, keyed by
// canonical path. Concurrent set/delete across devices converge: same-kind
// conflicts resolve last-writer-wins by (lamport, actor); a set revives a
// tombstone only when its modified_at exceeds the tombstone's.
type WorkspaceDoc struct {
	mu sync.Mutex

	actor   ActorID
	clock   uint64
	nextSeq uint64

	logs    map[ActorID][]*op
	applied StateVector
	pending []*op

	entries map[string]*wsEntry

	persist   PersistFunc
	observers []Observer
}

// NewWorkspaceDoc creates an empty workspace document for the given actor.
func NewWorkspaceDoc(actor ActorID) *WorkspaceDoc {
	return &WorkspaceDoc{
		actor:   actor,
		logs:    make(map[ActorID][]*op),
		applied: make(StateVector),
		entries: make(map[string]*wsEntry),
	}
}

// SetPersist installs the durable append hook. Must be called before the
// document is shared across goroutines.
func (d *WorkspaceDoc) SetPersist(fn PersistFunc) {
	d.persist = fn
}

// Observe registers a callback for every non-Sync mutation.
func (d *WorkspaceDoc) Observe(fn Observer) {
	d.mu.Lock()
	d.observers = append(d.observers, fn)
	d.mu.Unlock()
}

// Get returns a copy of the live metadata for path, or nil if the path is
// absent or tombstoned.
func (d *WorkspaceDoc) Get(path string) *FileMetadata {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[path]
	if !ok || e.deleted {
		return nil
	}

	return e.meta.Clone()
}

// Set records metadata for path as a local mutation and notifies observers.
func (d *WorkspaceDoc) Set(path string, meta *FileMetadata) error {
	return d.localOp(OriginLocal, func() (*op, []string) {
		o := d.newOp(opSet)
		o.Path = path
		o.Meta = meta.Clone()

		d.integrateLocked(o)

		return o, []string{path}
	})
}

// Delete tombstones path as a local mutation. modifiedAt orders the
// tombstone against later revivals.
func (d *WorkspaceDoc) Delete(path string, modifiedAt int64) error {
	return d.localOp(OriginLocal, func() (*op, []string) {
		o := d.newOp(opDelete)
		o.Path = path
		o.ModifiedAt = modifiedAt

		d.integrateLocked(o)

		return o, []string{path}
	})
}

// ListFiles returns the live (non-tombstoned) entries sorted by path.
func (d *WorkspaceDoc) ListFiles() []FileEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]FileEntry, 0, len(d.entries))

	for path, e := range d.entries {
		if e.deleted {
			continue
		}

		out = append(out, FileEntry{Path: path, Meta: e.meta.Clone()})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	return out
}

// FileEntry pairs a canonical path with its metadata.
type FileEntry struct {
	Path string
	Meta *FileMetadata
}

// Tombstones returns the set of deleted paths.
func (d *WorkspaceDoc) Tombstones() map[string]bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]bool)

	for path, e := range d.entries {
		if e.deleted {
			out[path] = true
		}
	}

	return out
}

// EncodeStateVector yields the document's knowledge summary.
func (d *WorkspaceDoc) EncodeStateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	return EncodeStateVector(d.applied)
}

// EncodeDiff yields the minimal update bringing a peer with the given state
// vector up to date. An empty peer vector (nil bytes) yields the full state.
func (d *WorkspaceDoc) EncodeDiff(peerSV []byte) ([]byte, error) {
	sv, err := DecodeStateVector(peerSV)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return encodeOps(d.diffOpsLocked(sv))
}

// EncodeStateAsUpdate yields the full document as one update.
func (d *WorkspaceDoc) EncodeStateAsUpdate() ([]byte, error) {
	return d.EncodeDiff(nil)
}

// ApplyResult reports the effect of applying an update.
type ApplyResult struct {
	// ChangedPaths are paths whose visible metadata changed.
	ChangedPaths []string
	// CreatedPaths are paths that did not exist before (subset of changed).
	CreatedPaths []string
}

// ApplyUpdate merges an encoded update. Origin decides persistence tagging
// and whether observers fire: Sync-origin updates never re-broadcast.
func (d *WorkspaceDoc) ApplyUpdate(update []byte, origin UpdateOrigin) (*ApplyResult, error) {
	ops, err := decodeOps(update)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()

	changed := make(map[string]bool)
	created := make(map[string]bool)

	for _, o := range ops {
		for _, eff := range d.integrateLocked(o) {
			changed[eff.path] = true

			if eff.created {
				created[eff.path] = true
			}
		}
	}

	res := &ApplyResult{
		ChangedPaths: sortedKeys(changed),
		CreatedPaths: sortedKeys(created),
	}

	observers := d.observers
	d.mu.Unlock()

	if len(res.ChangedPaths) == 0 {
		return res, nil
	}

	if d.persist != nil {
		if pErr := d.persist(update, origin); pErr != nil {
			return res, pErr
		}
	}

	if origin != OriginSync {
		for _, fn := range observers {
			fn(update, res.ChangedPaths)
		}
	}

	return res, nil
}

// ActiveFile is one row of the handshake file manifest.
type ActiveFile struct {
	Path   string
	Title  string
	PartOf string
}

// ActiveFiles returns (path, title, part_of) for every live entry, the
// shape sent as the file manifest at handshake.
func (d *WorkspaceDoc) ActiveFiles() []ActiveFile {
	files := d.ListFiles()
	out := make([]ActiveFile, 0, len(files))

	for _, f := range files {
		af := ActiveFile{Path: f.Path}

		if f.Meta.Title != nil {
			af.Title = *f.Meta.Title
		}

		if f.Meta.PartOf != nil {
			af.PartOf = *f.Meta.PartOf
		}

		out = append(out, af)
	}

	return out
}

// --- internals ---

// localOp runs a local mutation under the lock, persists the encoded
// update, and fires observers outside the lock.
func (d *WorkspaceDoc) localOp(origin UpdateOrigin, mutate func() (*op, []string)) error {
	d.mu.Lock()

	o, paths := mutate()

	update, err := encodeOps([]*op{o})
	if err != nil {
		d.mu.Unlock()
		return err
	}

	observers := d.observers
	d.mu.Unlock()

	if d.persist != nil {
		if pErr := d.persist(update, origin); pErr != nil {
			return fmt.Errorf("crdt: persisting workspace update: %w", pErr)
		}
	}

	if origin != OriginSync {
		for _, fn := range observers {
			fn(update, paths)
		}
	}

	return nil
}

// newOp allocates a local op with the next sequence number and a bumped
// lamport clock. Caller holds the lock.
func (d *WorkspaceDoc) newOp(kind opKind) *op {
	d.clock++
	d.nextSeq++

	return &op{
		Kind:    kind,
		Actor:   d.actor,
		Seq:     d.nextSeq,
		Lamport: d.clock,
	}
}

// effect describes one visible change produced by integrating an op.
type effect struct {
	path    string
	created bool
}

// integrateLocked applies one op if it is new and its predecessor sequence
// has been seen; gapped ops park in the pending queue. Returns the visible
// effects including any unblocked pending ops.
func (d *WorkspaceDoc) integrateLocked(o *op) []effect {
	if d.applied[o.Actor] >= o.endSeq() {
		return nil // already seen
	}

	if o.Seq != d.applied[o.Actor]+1 {
		d.pending = append(d.pending, o)
		return nil
	}

	effects := d.applyPayloadLocked(o)

	d.logs[o.Actor] = append(d.logs[o.Actor], o)
	d.applied[o.Actor] = o.endSeq()

	if o.Lamport > d.clock {
		d.clock = o.Lamport
	}

	if o.Actor == d.actor && o.endSeq() > d.nextSeq {
		d.nextSeq = o.endSeq()
	}

	effects = append(effects, d.drainPendingLocked()...)

	return effects
}

// drainPendingLocked retries parked ops until a full pass makes no progress.
func (d *WorkspaceDoc) drainPendingLocked() []effect {
	var effects []effect

	for {
		progressed := false
		remaining := d.pending[:0]

		for _, p := range d.pending {
			if d.applied[p.Actor] >= p.endSeq() {
				progressed = true
				continue // duplicate
			}

			if p.Seq == d.applied[p.Actor]+1 {
				effects = append(effects, d.applyPayloadLocked(p)...)

				d.logs[p.Actor] = append(d.logs[p.Actor], p)
				d.applied[p.Actor] = p.endSeq()

				if p.Lamport > d.clock {
					d.clock = p.Lamport
				}

				progressed = true

				continue
			}

			remaining = append(remaining, p)
		}

		d.pending = remaining

		if !progressed {
			return effects
		}
	}
}

// applyPayloadLocked resolves one op against the current entry for its path.
func (d *WorkspaceDoc) applyPayloadLocked(o *op) []effect {
	cur, exists := d.entries[o.Path]

	incoming := &wsEntry{
		deleted:    o.Kind == opDelete,
		lamport:    o.Lamport,
		actor:      o.Actor,
		modifiedAt: o.ModifiedAt,
	}

	if o.Kind == opSet {
		incoming.meta = o.Meta
		incoming.modifiedAt = o.Meta.ModifiedAt
	}

	if exists && !entryWins(incoming, cur) {
		return nil
	}

	visiblyChanged := !exists || cur.deleted != incoming.deleted || o.Kind == opSet

	d.entries[o.Path] = incoming

	if !visiblyChanged {
		return nil
	}

	return []effect{{path: o.Path, created: !exists}}
}

// entryWins decides whether the incoming entry replaces the current one.
// Same-kind conflicts go last-writer-wins by (lamport, actor). A set beats
// a tombstone only when its modified_at exceeds the tombstone's; the
// comparison depends only on op content so application order cannot change
// the outcome.
func entryWins(incoming, cur *wsEntry) bool {
	if incoming.deleted == cur.deleted {
		if incoming.lamport != cur.lamport {
			return incoming.lamport > cur.lamport
		}

		return incoming.actor > cur.actor
	}

	if cur.deleted {
		// Revival: the set must carry a strictly newer modified_at.
		return incoming.modifiedAt > cur.modifiedAt
	}

	// Tombstone vs live set: the delete wins unless the set is newer.
	return cur.modifiedAt <= incoming.modifiedAt
}

// diffOpsLocked collects the ops a peer with vector sv lacks, per-actor in
// sequence order so the peer applies them gap-free.
func (d *WorkspaceDoc) diffOpsLocked(sv StateVector) []*op {
	var out []*op

	actors := make([]ActorID, 0, len(d.logs))
	for a := range d.logs {
		actors = append(actors, a)
	}

	sort.Slice(actors, func(i, j int) bool { return actors[i] < actors[j] })

	for _, a := range actors {
		seen := sv[a]

		for _, o := range d.logs[a] {
			if o.endSeq() > seen {
				out = append(out, o)
			}
		}
	}

	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}
