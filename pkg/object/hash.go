package object

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
)

// DeriveNode computes the identity of a revision from its data and parent
// nodes. Parents are hashed in sorted order so a swapped parent pair yields
// the same node. Copy metadata does not participate: a copied file keeps
// the content lineage of its source.
func DeriveNode(data []byte, p1, p2 Node) Node {
	if bytes.Compare(p2[:], p1[:]) < 0 {
		p1, p2 = p2, p1
	}
	h := sha1.New()
	h.Write(p1[:])
	h.Write(p2[:])
	h.Write(data)
	var n Node
	copy(n[:], h.Sum(nil))
	return n
}

// PathHash returns the lowercase hex SHA-1 of path. Revisions of one path
// share a pathhash, which buckets them together on disk.
func PathHash(path string) string {
	sum := sha1.Sum([]byte(path))
	return hex.EncodeToString(sum[:])
}
