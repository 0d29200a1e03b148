// Package crdt implements the replicated documents behind live sync: a
// workspace document mapping canonical paths to file metadata, and per-file
// body documents holding markdown text. Both converge under concurrent
// edits from any number of devices — merge is commutative, associative,
// and idempotent, and a diff against a peer's state vector yields exactly
// the operations the peer lacks.
package crdt

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// UpdateOrigin tags where an update entered the system. The origin decides
// whether observers fire (Sync-origin updates are already known to the
// network and must not be re-broadcast).
type UpdateOrigin string

// Update origins as stored in the update log.
const (
	OriginLocal  UpdateOrigin = "local"  // user edit on this device
	OriginSync   UpdateOrigin = "sync"   // arrived from the sync server
	OriginRemote UpdateOrigin = "remote" // arrived from another transport (cloud import)
)

// ActorID identifies a device within a document's operation history.
// Derived from the device UUID so two devices never collide.
type ActorID uint64

// ActorFromUUID folds a device UUID into an ActorID.
func ActorFromUUID(id uuid.UUID) ActorID {
	return ActorID(binary.BigEndian.Uint64(id[:8]))
}

// OpID addresses a single operation (or, for text inserts, the first
// character of a run). The zero OpID addresses the document head.
type OpID struct {
	Actor ActorID
	Seq   uint64
}

// IsZero reports whether the ID is the head sentinel.
func (id OpID) IsZero() bool {
	return id.Actor == 0 && id.Seq == 0
}

func (id OpID) String() string {
	return fmt.Sprintf("%d@%d", id.Seq, uint64(id.Actor))
}

// StateVector summarizes which operations a peer has seen: the highest
// contiguous sequence number applied per actor.
type StateVector map[ActorID]uint64

// Clone returns an independent copy of the vector.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for a, s := range sv {
		out[a] = s
	}

	return out
}

// Covers reports whether the vector has seen the given op ID.
func (sv StateVector) Covers(id OpID) bool {
	return sv[id.Actor] >= id.Seq
}

// opKind discriminates operation payloads on the wire.
type opKind byte

const (
	opSet    opKind = 0x01 // workspace: set path metadata
	opDelete opKind = 0x02 // workspace: tombstone path
	opInsert opKind = 0x03 // body: insert text run after an element
	opRemove opKind = 0x04 // body: tombstone a run of elements
)

// op is the unit of replication. Inserts consume one sequence number per
// inserted rune (the op's Seq addresses the first); every other kind
// consumes exactly one.
type op struct {
	Kind    opKind
	Actor   ActorID
	Seq     uint64
	Lamport uint64

	// Workspace payload.
	Path string
	Meta *FileMetadata // opSet only
	// ModifiedAt rides on opDelete so tombstones order against revivals.
	ModifiedAt int64

	// Body payload.
	After  OpID   // opInsert: predecessor element (zero = head)
	Text   string // opInsert: inserted runes
	Target OpID   // opRemove: first element of the removed run
	Count  uint64 // opRemove: run length
}

// endSeq returns the last sequence number the op consumes.
func (o *op) endSeq() uint64 {
	if o.Kind == opInsert {
		n := uint64(len([]rune(o.Text)))
		if n == 0 {
			return o.Seq
		}

		return o.Seq + n - 1
	}

	return o.Seq
}
