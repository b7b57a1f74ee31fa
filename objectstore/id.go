// Package objectstore implements the core's content-addressed blob store
// (spec §4.1): every persisted artifact (value, tree node, commit record) is
// named by a deterministic identifier derived from its bytes.
package objectstore

import (
	"fmt"

	"github.com/multiformats/go-multibase"
	"lukechampine.com/blake3"
)

// IDSize is the width of an object id in bytes (spec §3: "16 bytes, or a
// configurable fixed width").
const IDSize = 16

// ObjectID is a content-derived identifier. Two puts of the same framed
// bytes always produce the same id (spec §8, invariant 1).
type ObjectID [IDSize]byte

// Nil is the zero-value ObjectID, used to mean "absent child" in tree nodes
// (spec §3, TreeNode) and "no parent" for the root commit (spec §4.3).
var Nil ObjectID

// IsNil reports whether id is the zero value.
func (id ObjectID) IsNil() bool {
	return id == Nil
}

// String renders the id as a multibase-tagged, filesystem-safe string, the
// same role CIDToFilename plays for content-addressed ids.
func (id ObjectID) String() string {
	s, err := multibase.Encode(multibase.Base32, id[:])
	if err != nil {
		// multibase.Encode only fails for unknown encodings; Base32 is
		// always valid, so this is unreachable.
		panic(err)
	}
	return s
}

// ParseObjectID parses the string form produced by ObjectID.String.
func ParseObjectID(s string) (ObjectID, error) {
	var id ObjectID
	_, data, err := multibase.Decode(s)
	if err != nil {
		return id, fmt.Errorf("parse object id %q: %w", s, err)
	}
	if len(data) != IDSize {
		return id, fmt.Errorf("parse object id %q: want %d bytes, got %d", s, IDSize, len(data))
	}
	copy(id[:], data)
	return id, nil
}

// Kind distinguishes the serialized framing of an object sharing the
// flat id space (spec §6.4): commits, tree nodes, and values are tagged
// so a reader can tell them apart without a side table.
type Kind byte

const (
	KindValue Kind = iota
	KindTreeNode
	KindCommit
)

func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindTreeNode:
		return "tree-node"
	case KindCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// frame prepends the one-byte kind tag to payload, per spec §6.4.
func frame(kind Kind, payload []byte) []byte {
	framed := make([]byte, 1+len(payload))
	framed[0] = byte(kind)
	copy(framed[1:], payload)
	return framed
}

// unframe splits framed bytes back into their kind and payload.
func unframe(framed []byte) (Kind, []byte, error) {
	if len(framed) < 1 {
		return 0, nil, fmt.Errorf("object too short to carry a kind tag")
	}
	return Kind(framed[0]), framed[1:], nil
}

// computeID derives the content-addressed id of already-framed bytes.
func computeID(framed []byte) ObjectID {
	digest := blake3.Sum256(framed)
	var id ObjectID
	copy(id[:], digest[:IDSize])
	return id
}

// ComputeID derives the id a Put of payload under kind would produce,
// without writing anything. Callers use this to compute well-known sentinel
// ids (e.g. the empty tree root) deterministically at init time.
func ComputeID(kind Kind, payload []byte) ObjectID {
	return computeID(frame(kind, payload))
}
