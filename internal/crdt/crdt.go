// Package crdt provides the reference CRDT document the rest of this
// module treats as opaque: merge(updates) → state and diff(state, since) →
// update. Updates are deduplicated by content hash, which makes Merge
// trivially associative, commutative, and idempotent — the property the
// gateway, worker, and API client all depend on without inspecting it.
//
// This stands in for a real CRDT algebra the way the filesystem storage
// driver stands in for a real object store: a production deployment would
// swap this package for something like Yjs/Automerge bindings without
// touching any caller.
package crdt

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"sort"
)

// Update is one opaque client-origin change. The codec and transport layers
// never interpret its contents.
type Update []byte

// State is the merged result of a set of updates: a deduplicated,
// deterministically-ordered list of the updates that compose it.
//
// Encode/Decode give State a stable byte representation so it can be written
// to storage and reconstructed by any replica, which is all persistDoc and
// retrieveDoc require.
type State struct {
	updates map[[32]byte]Update
}

// NewState returns the empty document.
func NewState() *State {
	return &State{updates: make(map[[32]byte]Update)}
}

func hashOf(u Update) [32]byte { return sha256.Sum256(u) }

// Apply merges a single update into the state. Applying the same update
// twice is a no-op, which is what makes redelivery from stream replay or a
// reconnect safe.
func (s *State) Apply(u Update) {
	s.updates[hashOf(u)] = append(Update(nil), u...)
}

// Merge combines updates into state, in any order, any number of times,
// without changing the outcome.
func Merge(state *State, updates []Update) *State {
	if state == nil {
		state = NewState()
	}
	for _, u := range updates {
		state.Apply(u)
	}
	return state
}

// MergeStates combines two states produced by independent replicas, e.g. two
// snapshot references surviving a compaction race.
func MergeStates(a, b *State) *State {
	out := NewState()
	for k, v := range a.all() {
		out.updates[k] = v
	}
	for k, v := range b.all() {
		out.updates[k] = v
	}
	return out
}

func (s *State) all() map[[32]byte]Update {
	if s == nil {
		return nil
	}
	return s.updates
}

// Updates returns the state's updates in a deterministic order (sorted by
// content hash), suitable for hashing or comparison in tests.
func (s *State) Updates() []Update {
	if s == nil {
		return nil
	}
	keys := make([][32]byte, 0, len(s.updates))
	for k := range s.updates {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })

	out := make([]Update, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.updates[k])
	}
	return out
}

// Len reports how many distinct updates compose the state.
func (s *State) Len() int {
	if s == nil {
		return 0
	}
	return len(s.updates)
}

// StateVector summarizes what a replica has seen: here, the sorted list of
// content hashes it holds. Diff uses it to compute what's missing.
type StateVector [][32]byte

// Vector returns the state's vector.
func (s *State) Vector() StateVector {
	if s == nil {
		return nil
	}
	sv := make(StateVector, 0, len(s.updates))
	for k := range s.updates {
		sv = append(sv, k)
	}
	sort.Slice(sv, func(i, j int) bool { return bytes.Compare(sv[i][:], sv[j][:]) < 0 })
	return sv
}

// Diff returns the updates in state not represented in since, i.e. the
// minimal set a peer holding since's vector still needs.
func Diff(state *State, since StateVector) []Update {
	have := make(map[[32]byte]struct{}, len(since))
	for _, h := range since {
		have[h] = struct{}{}
	}
	var out []Update
	for h, u := range state.all() {
		if _, ok := have[h]; !ok {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i], out[j]) < 0 })
	return out
}

// EncodeStateVector serializes a StateVector as a length-prefixed
// concatenation of its hashes, for use on the wire as sync-step-1's payload.
func EncodeStateVector(sv StateVector) []byte {
	buf := make([]byte, 0, 4+len(sv)*32)
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(sv)))
	buf = append(buf, countBuf[:]...)
	for _, h := range sv {
		buf = append(buf, h[:]...)
	}
	return buf
}

// DecodeStateVector parses the format written by EncodeStateVector.
func DecodeStateVector(b []byte) (StateVector, error) {
	if len(b) < 4 {
		return nil, errShortStateVector
	}
	count := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint64(len(b)) != uint64(count)*32 {
		return nil, errShortStateVector
	}
	sv := make(StateVector, 0, count)
	for i := uint32(0); i < count; i++ {
		var h [32]byte
		copy(h[:], b[i*32:(i+1)*32])
		sv = append(sv, h)
	}
	return sv, nil
}

// Encode serializes state as a length-prefixed concatenation of its updates,
// the wire/storage format persistDoc writes and retrieveDoc reads back.
func (s *State) Encode() []byte {
	updates := s.Updates()
	var buf bytes.Buffer
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(updates)))
	buf.Write(countBuf[:])
	for _, u := range updates {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(u)))
		buf.Write(lenBuf[:])
		buf.Write(u)
	}
	return buf.Bytes()
}

// Decode parses the format written by Encode.
func Decode(b []byte) (*State, error) {
	if len(b) < 4 {
		return nil, errShortState
	}
	count := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	s := NewState()
	for i := uint32(0); i < count; i++ {
		if len(b) < 4 {
			return nil, errShortState
		}
		n := binary.BigEndian.Uint32(b[:4])
		b = b[4:]
		if uint64(len(b)) < uint64(n) {
			return nil, errShortState
		}
		s.Apply(Update(b[:n]))
		b = b[n:]
	}
	return s, nil
}

type crdtError string

func (e crdtError) Error() string { return string(e) }

const (
	errShortState       crdtError = "crdt: truncated state encoding"
	errShortStateVector crdtError = "crdt: truncated state vector encoding"
)
