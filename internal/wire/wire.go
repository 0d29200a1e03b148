// Package wire implements the sync protocol codec: binary CRDT messages,
// the multiplexed body-channel framing, and the JSON control messages that
// ride on text frames.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// MessageType is the leading byte of a binary CRDT message.
type MessageType byte

// Binary message types.
const (
	MsgSyncStep1 MessageType = 0x00 // payload: sender's state vector
	MsgSyncStep2 MessageType = 0x01 // payload: update the receiver lacks
	MsgUpdate    MessageType = 0x02 // payload: incremental update
)

// ErrMalformed is returned for frames that do not parse. Callers drop the
// frame, log, and continue — a malformed frame never kills a connection.
var ErrMalformed = errors.New("wire: malformed frame")

// maxPathLen bounds the path field of a multiplexed frame. Anything larger
// is a corrupt length prefix, not a real path.
const maxPathLen = 4096

// Message is a decoded binary CRDT message.
type Message struct {
	Type    MessageType
	Payload []byte
}

// Encode serializes the message as [type_byte, payload...].
func Encode(t MessageType, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(t)
	copy(out[1:], payload)

	return out
}

// Decode parses a binary CRDT message.
func Decode(b []byte) (*Message, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}

	t := MessageType(b[0])

	switch t {
	case MsgSyncStep1, MsgSyncStep2, MsgUpdate:
	default:
		return nil, fmt.Errorf("%w: unknown message type %#x", ErrMalformed, b[0])
	}

	return &Message{Type: t, Payload: b[1:]}, nil
}

// FrameBody wraps a CRDT message for the multiplexed body channel:
// path_len (u32 big-endian) || path UTF-8 || inner message.
func FrameBody(path string, inner []byte) []byte {
	out := make([]byte, 4+len(path)+len(inner))
	binary.BigEndian.PutUint32(out, uint32(len(path)))
	copy(out[4:], path)
	copy(out[4+len(path):], inner)

	return out
}

// UnframeBody splits a multiplexed frame into its path and inner message.
func UnframeBody(b []byte) (path string, inner []byte, err error) {
	if len(b) < 4 {
		return "", nil, fmt.Errorf("%w: frame shorter than length prefix", ErrMalformed)
	}

	n := binary.BigEndian.Uint32(b)
	if n > maxPathLen || uint32(len(b)-4) < n {
		return "", nil, fmt.Errorf("%w: path length %d exceeds frame", ErrMalformed, n)
	}

	path = string(b[4 : 4+n])
	if !utf8.ValidString(path) {
		return "", nil, fmt.Errorf("%w: path is not valid UTF-8", ErrMalformed)
	}

	return path, b[4+n:], nil
}

// Control message type tags.
const (
	ControlSyncProgress = "sync_progress"
	ControlSyncComplete = "sync_complete"
	ControlPeerJoined   = "peer_joined"
	ControlPeerLeft     = "peer_left"
)

// ControlMessage is a JSON control frame. Unknown Type values decode
// successfully and are treated as no-ops, so newer servers never break
// older clients.
type ControlMessage struct {
	Type        string `json:"type"`
	Completed   int    `json:"completed,omitempty"`
	Total       int    `json:"total,omitempty"`
	FilesSynced int    `json:"files_synced,omitempty"`
	GuestID     string `json:"guest_id,omitempty"`
	PeerCount   int    `json:"peer_count,omitempty"`
}

// DecodeControl parses a text frame into a control message.
func DecodeControl(text string) (*ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal([]byte(text), &msg); err != nil {
		return nil, fmt.Errorf("%w: control json: %v", ErrMalformed, err)
	}

	return &msg, nil
}

// Known reports whether the control type is one the engine acts on.
func (m *ControlMessage) Known() bool {
	switch m.Type {
	case ControlSyncProgress, ControlSyncComplete, ControlPeerJoined, ControlPeerLeft:
		return true
	default:
		return false
	}
}
