// Package graph holds the label DAG entities and the closure engine that
// keeps the reachability index consistent with the edge relation.
package graph

import (
	"bytes"

	"github.com/google/uuid"
)

// Root is the reserved sentinel meaning "no parent". It is never a label id.
var Root = uuid.Nil

// SlugTokenLength is the fixed wire length of the client-derived name
// fingerprint.
const SlugTokenLength = 52

// Cipher is an opaque encrypted payload. The server stores and returns it
// verbatim; only the client can decrypt.
type Cipher struct {
	Data  []byte `json:"data"`
	Nonce []byte `json:"nonce"`
	Tag   []byte `json:"tag,omitempty"`
}

// Label is one node of the DAG. SlugToken is a deterministic fingerprint of
// the plaintext name, computed client-side, used for sibling uniqueness.
type Label struct {
	ID        uuid.UUID
	Name      Cipher
	SlugToken string
}

// ClosureEntry records that Descendant is reachable from Ancestor. Depth is
// the minimum observed path length; every label carries a self-entry at
// depth zero.
type ClosureEntry struct {
	Ancestor   uuid.UUID
	Descendant uuid.UUID
	Depth      int
}

// Less orders ids byte-wise, matching Postgres UUID ordering so keyset
// pagination behaves identically on both backends.
func Less(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
