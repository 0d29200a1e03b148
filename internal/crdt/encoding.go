package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// encodingVersion is the leading byte of every encoded update and state
// vector. Bump only with a migration story for persisted update logs.
const encodingVersion = 0x01

// EmptyUpdateLen is the size of an update carrying zero operations: the
// version byte plus a zero op count. Senders treat len > EmptyUpdateLen as
// "has real content".
const EmptyUpdateLen = 2

// ErrBadEncoding is returned when update or state-vector bytes do not parse.
var ErrBadEncoding = errors.New("crdt: malformed encoding")

// EncodeStateVector serializes a state vector.
func EncodeStateVector(sv StateVector) []byte {
	buf := make([]byte, 0, 2+len(sv)*(2*binary.MaxVarintLen64))
	buf = append(buf, encodingVersion)
	buf = binary.AppendUvarint(buf, uint64(len(sv)))

	// Map order is random but the decode side doesn't care.
	for actor, seq := range sv {
		buf = binary.AppendUvarint(buf, uint64(actor))
		buf = binary.AppendUvarint(buf, seq)
	}

	return buf
}

// DecodeStateVector parses state-vector bytes. A nil or empty input decodes
// to the empty vector so a brand-new peer can hand over nothing.
func DecodeStateVector(b []byte) (StateVector, error) {
	sv := make(StateVector)
	if len(b) == 0 {
		return sv, nil
	}

	r := &byteReader{buf: b}

	ver, err := r.byte()
	if err != nil || ver != encodingVersion {
		return nil, fmt.Errorf("%w: state vector version", ErrBadEncoding)
	}

	n, err := r.uvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: state vector count", ErrBadEncoding)
	}

	for range n {
		actor, aErr := r.uvarint()
		seq, sErr := r.uvarint()

		if aErr != nil || sErr != nil {
			return nil, fmt.Errorf("%w: state vector entry", ErrBadEncoding)
		}

		sv[ActorID(actor)] = seq
	}

	return sv, nil
}

// encodeOps serializes a batch of operations as an update.
func encodeOps(ops []*op) ([]byte, error) {
	buf := make([]byte, 0, 64*len(ops)+2)
	buf = append(buf, encodingVersion)
	buf = binary.AppendUvarint(buf, uint64(len(ops)))

	for _, o := range ops {
		buf = append(buf, byte(o.Kind))
		buf = binary.AppendUvarint(buf, uint64(o.Actor))
		buf = binary.AppendUvarint(buf, o.Seq)
		buf = binary.AppendUvarint(buf, o.Lamport)

		switch o.Kind {
		case opSet:
			meta, err := o.Meta.encode()
			if err != nil {
				return nil, err
			}

			buf = appendString(buf, o.Path)
			buf = appendBytes(buf, meta)

		case opDelete:
			buf = appendString(buf, o.Path)
			buf = binary.AppendUvarint(buf, uint64(o.ModifiedAt))

		case opInsert:
			buf = binary.AppendUvarint(buf, uint64(o.After.Actor))
			buf = binary.AppendUvarint(buf, o.After.Seq)
			buf = appendString(buf, o.Text)

		case opRemove:
			buf = binary.AppendUvarint(buf, uint64(o.Target.Actor))
			buf = binary.AppendUvarint(buf, o.Target.Seq)
			buf = binary.AppendUvarint(buf, o.Count)

		default:
			return nil, fmt.Errorf("crdt: encoding unknown op kind %#x", byte(o.Kind))
		}
	}

	return buf, nil
}

// decodeOps parses an update into operations.
func decodeOps(b []byte) ([]*op, error) {
	if len(b) < EmptyUpdateLen {
		return nil, fmt.Errorf("%w: update too short", ErrBadEncoding)
	}

	r := &byteReader{buf: b}

	ver, err := r.byte()
	if err != nil || ver != encodingVersion {
		return nil, fmt.Errorf("%w: update version", ErrBadEncoding)
	}

	n, err := r.uvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: op count", ErrBadEncoding)
	}

	ops := make([]*op, 0, n)

	for i := range n {
		o, decErr := decodeOp(r)
		if decErr != nil {
			return nil, fmt.Errorf("%w: op %d: %v", ErrBadEncoding, i, decErr)
		}

		ops = append(ops, o)
	}

	return ops, nil
}

func decodeOp(r *byteReader) (*op, error) {
	kind, err := r.byte()
	if err != nil {
		return nil, err
	}

	actor, err := r.uvarint()
	if err != nil {
		return nil, err
	}

	seq, err := r.uvarint()
	if err != nil {
		return nil, err
	}

	lamport, err := r.uvarint()
	if err != nil {
		return nil, err
	}

	o := &op{
		Kind:    opKind(kind),
		Actor:   ActorID(actor),
		Seq:     seq,
		Lamport: lamport,
	}

	switch o.Kind {
	case opSet:
		if o.Path, err = r.string(); err != nil {
			return nil, err
		}

		raw, bErr := r.bytes()
		if bErr != nil {
			return nil, bErr
		}

		if o.Meta, err = decodeMetadata(raw); err != nil {
			return nil, err
		}

	case opDelete:
		if o.Path, err = r.string(); err != nil {
			return nil, err
		}

		mod, mErr := r.uvarint()
		if mErr != nil {
			return nil, mErr
		}

		o.ModifiedAt = int64(mod)

	case opInsert:
		afterActor, aErr := r.uvarint()
		if aErr != nil {
			return nil, aErr
		}

		afterSeq, sErr := r.uvarint()
		if sErr != nil {
			return nil, sErr
		}

		o.After = OpID{Actor: ActorID(afterActor), Seq: afterSeq}

		if o.Text, err = r.string(); err != nil {
			return nil, err
		}

	case opRemove:
		targetActor, aErr := r.uvarint()
		if aErr != nil {
			return nil, aErr
		}

		targetSeq, sErr := r.uvarint()
		if sErr != nil {
			return nil, sErr
		}

		o.Target = OpID{Actor: ActorID(targetActor), Seq: targetSeq}

		if o.Count, err = r.uvarint(); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unknown op kind %#x", kind)
	}

	return o, nil
}

func appendString(buf []byte, s string) []byte {
	return appendBytes(buf, []byte(s))
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

// byteReader is a minimal cursor over update bytes.
type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, ErrBadEncoding
	}

	b := r.buf[r.pos]
	r.pos++

	return b, nil
}

func (r *byteReader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, ErrBadEncoding
	}

	r.pos += n

	return v, nil
}

func (r *byteReader) bytes() ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}

	if uint64(len(r.buf)-r.pos) < n {
		return nil, ErrBadEncoding
	}

	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)

	return b, nil
}

func (r *byteReader) string() (string, error) {
	b, err := r.bytes()
	if err != nil {
		return "", err
	}

	return string(b), nil
}
