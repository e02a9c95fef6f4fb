// Package protocol implements the wire codec: length-prefixed frames whose
// first varint is a kind tag. This is a small, fully-specified format with
// no ecosystem library behind it (no generated protobuf package travels
// with this system), so it's hand-written rather than borrowed.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Kind identifies what a Frame's payload means.
type Kind uint64

const (
	KindSyncStep1  Kind = 0 // remote state vector
	KindSyncStep2  Kind = 1 // CRDT update bytes (also used for client updates)
	KindAwareness  Kind = 2 // awareness update bytes, never persisted
	KindAuthReq    Kind = 3 // server -> client, optional bearer prompt
	KindAuthReply  Kind = 4 // client -> server, bearer token
)

// Frame is one decoded wire unit: a kind tag plus its opaque payload.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// ErrMalformedFrame is returned for any frame protocol parsing failure. The
// gateway closes the session with WebSocket code 1003 on this error.
var ErrMalformedFrame = fmt.Errorf("protocol: malformed frame")

// Encode serializes a single frame as varint(kind) || varint(len(payload)) || payload.
func Encode(f Frame) []byte {
	buf := make([]byte, 0, binary.MaxVarintLen64*2+len(f.Payload))
	buf = appendUvarint(buf, uint64(f.Kind))
	buf = appendUvarint(buf, uint64(len(f.Payload)))
	buf = append(buf, f.Payload...)
	return buf
}

// EncodeComposite packs multiple frames back-to-back, for server-originated
// composite messages (e.g. sync-step-2 followed by an awareness update).
func EncodeComposite(frames ...Frame) []byte {
	var buf []byte
	for _, f := range frames {
		buf = append(buf, Encode(f)...)
	}
	return buf
}

// Decode parses every frame packed into b. It returns ErrMalformedFrame if
// any varint or payload is truncated or a trailing tag has no matching
// length+payload.
func Decode(b []byte) ([]Frame, error) {
	var frames []Frame
	for len(b) > 0 {
		kind, n := binary.Uvarint(b)
		if n <= 0 {
			return nil, ErrMalformedFrame
		}
		b = b[n:]

		length, n := binary.Uvarint(b)
		if n <= 0 {
			return nil, ErrMalformedFrame
		}
		b = b[n:]

		if uint64(len(b)) < length {
			return nil, ErrMalformedFrame
		}
		payload := b[:length]
		b = b[length:]

		frames = append(frames, Frame{Kind: Kind(kind), Payload: payload})
	}
	return frames, nil
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}
