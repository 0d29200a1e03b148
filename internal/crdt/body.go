package crdt

import (
	"fmt"
	"strings"
	"sync"
)

// bodyElem is one character of the body sequence. Tombstoned elements stay
// in place as anchors for later inserts.
type bodyElem struct {
	id      OpID
	lamport uint64
	r       rune
	deleted bool
}

// BodyDoc is the per-file CRDT holding a markdown body as a replicated
// character sequence. Inserts are addressed by the ID of the preceding
// character; concurrent inserts at the same anchor order by descending
// (lamport, actor), so any interleaving of updates converges to the same
// text.
type BodyDoc struct {
	mu sync.Mutex

	actor   ActorID
	clock   uint64
	nextSeq uint64

	elems   []bodyElem
	logs    map[ActorID][]*op
	applied StateVector
	pending []*op

	persist   PersistFunc
	observers []Observer

	path string
}

// NewBodyDoc creates an empty body document for path owned by actor.
func NewBodyDoc(path string, actor ActorID) *BodyDoc {
	return &BodyDoc{
		actor:   actor,
		path:    path,
		logs:    make(map[ActorID][]*op),
		applied: make(StateVector),
	}
}

// Path returns the canonical path this body belongs to.
func (d *BodyDoc) Path() string { return d.path }

// SetPersist installs the durable append hook.
func (d *BodyDoc) SetPersist(fn PersistFunc) { d.persist = fn }

// Observe registers a callback for every non-Sync mutation.
func (d *BodyDoc) Observe(fn Observer) {
	d.mu.Lock()
	d.observers = append(d.observers, fn)
	d.mu.Unlock()
}

// Text returns the current body text.
func (d *BodyDoc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.textLocked()
}

func (d *BodyDoc) textLocked() string {
	var b strings.Builder

	for i := range d.elems {
		if !d.elems[i].deleted {
			b.WriteRune(d.elems[i].r)
		}
	}

	return b.String()
}

// SetText replaces the body with newText as a local mutation. The edit is
// expressed as a minimal delete+insert around the common prefix and suffix
// so concurrent edits elsewhere in the file survive.
func (d *BodyDoc) SetText(newText string) error {
	d.mu.Lock()

	ops := d.editOpsLocked(newText)
	if len(ops) == 0 {
		d.mu.Unlock()
		return nil
	}

	update, err := encodeOps(ops)
	if err != nil {
		d.mu.Unlock()
		return err
	}

	observers := d.observers
	d.mu.Unlock()

	if d.persist != nil {
		if pErr := d.persist(update, OriginLocal); pErr != nil {
			return fmt.Errorf("crdt: persisting body update for %s: %w", d.path, pErr)
		}
	}

	for _, fn := range observers {
		fn(update, []string{d.path})
	}

	return nil
}

// EncodeStateVector yields the document's knowledge summary.
func (d *BodyDoc) EncodeStateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	return EncodeStateVector(d.applied)
}

// EncodeDiff yields the update a peer with the given vector lacks.
func (d *BodyDoc) EncodeDiff(peerSV []byte) ([]byte, error) {
	sv, err := DecodeStateVector(peerSV)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*op

	for _, log := range d.logs {
		for _, o := range log {
			if o.endSeq() > sv[o.Actor] {
				out = append(out, o)
			}
		}
	}

	return encodeOps(out)
}

// EncodeStateAsUpdate yields the full document as one update.
func (d *BodyDoc) EncodeStateAsUpdate() ([]byte, error) {
	return d.EncodeDiff(nil)
}

// ApplyUpdate merges an encoded update and reports whether the visible
// text changed.
func (d *BodyDoc) ApplyUpdate(update []byte, origin UpdateOrigin) (bool, error) {
	ops, err := decodeOps(update)
	if err != nil {
		return false, err
	}

	d.mu.Lock()

	before := d.textLocked()

	for _, o := range ops {
		d.integrateLocked(o)
	}

	changed := d.textLocked() != before
	observers := d.observers
	d.mu.Unlock()

	if !changed {
		return false, nil
	}

	if d.persist != nil {
		if pErr := d.persist(update, origin); pErr != nil {
			return changed, pErr
		}
	}

	if origin != OriginSync {
		for _, fn := range observers {
			fn(update, []string{d.path})
		}
	}

	return changed, nil
}

// --- internals ---

// editOpsLocked computes delete+insert ops transforming the current text
// into newText. Caller holds the lock; ops are integrated before return.
func (d *BodyDoc) editOpsLocked(newText string) []*op {
	oldRunes := []rune(d.textLocked())
	newRunes := []rune(newText)

	prefix := 0
	for prefix < len(oldRunes) && prefix < len(newRunes) && oldRunes[prefix] == newRunes[prefix] {
		prefix++
	}

	suffix := 0
	for suffix < len(oldRunes)-prefix && suffix < len(newRunes)-prefix &&
		oldRunes[len(oldRunes)-1-suffix] == newRunes[len(newRunes)-1-suffix] {
		suffix++
	}

	var ops []*op

	// Delete the replaced middle, grouped into runs of consecutive IDs.
	if del := len(oldRunes) - prefix - suffix; del > 0 {
		ops = append(ops, d.deleteRangeLocked(prefix, del)...)
	}

	// Insert the new middle after the last surviving prefix character.
	if ins := string(newRunes[prefix : len(newRunes)-suffix]); ins != "" {
		ops = append(ops, d.insertAfterVisibleLocked(prefix, ins))
	}

	return ops
}

// deleteRangeLocked tombstones count visible characters starting at visible
// offset start, producing one opRemove per run of consecutive element IDs.
func (d *BodyDoc) deleteRangeLocked(start, count int) []*op {
	var ops []*op

	visible := 0
	var run *op

	for i := range d.elems {
		e := &d.elems[i]
		if e.deleted {
			continue
		}

		if visible >= start && visible < start+count {
			if run != nil && e.id.Actor == run.Target.Actor && e.id.Seq == run.Target.Seq+run.Count {
				run.Count++
			} else {
				run = d.newOpLocked(opRemove)
				run.Target = e.id
				run.Count = 1
				ops = append(ops, run)
			}

			e.deleted = true
		}

		visible++

		if visible >= start+count {
			break
		}
	}

	for _, o := range ops {
		d.commitLocalLocked(o)
	}

	return ops
}

// insertAfterVisibleLocked inserts text after the visible character at
// offset-1 (document head when offset is 0) and integrates it.
func (d *BodyDoc) insertAfterVisibleLocked(offset int, text string) *op {
	after := OpID{}

	if offset > 0 {
		visible := 0

		for i := range d.elems {
			if d.elems[i].deleted {
				continue
			}

			visible++

			if visible == offset {
				after = d.elems[i].id
				break
			}
		}
	}

	o := d.newOpLocked(opInsert)
	o.After = after
	o.Text = text

	// Inserts consume one sequence number per rune.
	d.nextSeq = o.endSeq()

	d.integratePayloadLocked(o)
	d.commitLocalLocked(o)

	return o
}

func (d *BodyDoc) newOpLocked(kind opKind) *op {
	d.clock++
	d.nextSeq++

	return &op{
		Kind:    kind,
		Actor:   d.actor,
		Seq:     d.nextSeq,
		Lamport: d.clock,
	}
}

// commitLocalLocked records a locally-created, already-applied op.
func (d *BodyDoc) commitLocalLocked(o *op) {
	d.logs[o.Actor] = append(d.logs[o.Actor], o)
	d.applied[o.Actor] = o.endSeq()
}

// integrateLocked applies one remote op, parking it when its dependencies
// (sequence predecessor, insert anchor, delete target) are missing.
func (d *BodyDoc) integrateLocked(o *op) {
	if d.applied[o.Actor] >= o.endSeq() {
		return // already seen
	}

	if o.Seq != d.applied[o.Actor]+1 || !d.depsPresentLocked(o) {
		d.pending = append(d.pending, o)
		return
	}

	d.integratePayloadLocked(o)

	d.logs[o.Actor] = append(d.logs[o.Actor], o)
	d.applied[o.Actor] = o.endSeq()

	if o.Lamport > d.clock {
		d.clock = o.Lamport
	}

	if o.Actor == d.actor && o.endSeq() > d.nextSeq {
		d.nextSeq = o.endSeq()
	}

	d.drainPendingLocked()
}

func (d *BodyDoc) drainPendingLocked() {
	for {
		progressed := false
		remaining := d.pending[:0]

		for _, p := range d.pending {
			switch {
			case d.applied[p.Actor] >= p.endSeq():
				progressed = true // duplicate

			case p.Seq == d.applied[p.Actor]+1 && d.depsPresentLocked(p):
				d.integratePayloadLocked(p)

				d.logs[p.Actor] = append(d.logs[p.Actor], p)
				d.applied[p.Actor] = p.endSeq()

				if p.Lamport > d.clock {
					d.clock = p.Lamport
				}

				progressed = true

			default:
				remaining = append(remaining, p)
			}
		}

		d.pending = remaining

		if !progressed {
			return
		}
	}
}

// depsPresentLocked reports whether the elements an op references exist.
func (d *BodyDoc) depsPresentLocked(o *op) bool {
	switch o.Kind {
	case opInsert:
		return o.After.IsZero() || d.findElemLocked(o.After) >= 0
	case opRemove:
		return d.findElemLocked(o.Target) >= 0
	default:
		return true
	}
}

func (d *BodyDoc) findElemLocked(id OpID) int {
	for i := range d.elems {
		if d.elems[i].id == id {
			return i
		}
	}

	return -1
}

// integratePayloadLocked mutates the element sequence for an op whose
// dependencies are present.
func (d *BodyDoc) integratePayloadLocked(o *op) {
	switch o.Kind {
	case opInsert:
		after := o.After

		for i, r := range []rune(o.Text) {
			id := OpID{Actor: o.Actor, Seq: o.Seq + uint64(i)}
			d.integrateCharLocked(after, bodyElem{id: id, lamport: o.Lamport, r: r})
			after = id
		}

	case opRemove:
		for i := range o.Count {
			idx := d.findElemLocked(OpID{Actor: o.Target.Actor, Seq: o.Target.Seq + i})
			if idx >= 0 {
				d.elems[idx].deleted = true
			}
		}
	}
}

// integrateCharLocked places one character after its anchor, skipping past
// concurrent inserts with higher (lamport, actor) precedence. Descendants
// always carry larger lamports than their anchors, so skipping a higher-
// precedence element skips its subtree too.
func (d *BodyDoc) integrateCharLocked(after OpID, e bodyElem) {
	pos := 0

	if !after.IsZero() {
		pos = d.findElemLocked(after) + 1
	}

	for pos < len(d.elems) {
		m := &d.elems[pos]

		if m.lamport < e.lamport || (m.lamport == e.lamport && m.id.Actor < e.id.Actor) {
			break
		}

		pos++
	}

	d.elems = append(d.elems, bodyElem{})
	copy(d.elems[pos+1:], d.elems[pos:])
	d.elems[pos] = e
}
