package object

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// NodeSize is the width of a Node in bytes.
const NodeSize = 20

// Node is a 20-byte revision identity: the SHA-1 of a revision's sorted
// parent nodes followed by its data.
type Node [NodeSize]byte

// NullNode is the zero Node. It stands for an absent parent and, as a delta
// base, marks a full-text pack entry.
var NullNode Node

// ParseNode decodes a 40-character hex string into a Node.
func ParseNode(s string) (Node, error) {
	var n Node
	if len(s) != NodeSize*2 {
		return n, fmt.Errorf("parse node %q: want %d hex characters", s, NodeSize*2)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return n, fmt.Errorf("parse node %q: %w", s, err)
	}
	copy(n[:], b)
	return n, nil
}

// String returns the lowercase hex form of n.
func (n Node) String() string { return hex.EncodeToString(n[:]) }

// IsNull reports whether n is NullNode.
func (n Node) IsNull() bool { return n == NullNode }

// Key names one file revision: the file's path plus the revision's node.
type Key struct {
	Path string
	Node Node
}

// ParseKey parses the "path@node" form used on the command line. The split
// is on the last '@' so paths containing '@' still parse.
func ParseKey(s string) (Key, error) {
	i := strings.LastIndex(s, "@")
	if i < 0 {
		return Key{}, fmt.Errorf("parse key %q: want path@node", s)
	}
	node, err := ParseNode(s[i+1:])
	if err != nil {
		return Key{}, err
	}
	return Key{Path: s[:i], Node: node}, nil
}

// String renders the key as "path@node".
func (k Key) String() string { return k.Path + "@" + k.Node.String() }

// SortKeys orders keys by path, then node. Store scans and repack output
// use this order so identical key sets always serialize identically.
func SortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Path != keys[j].Path {
			return keys[i].Path < keys[j].Path
		}
		return bytes.Compare(keys[i].Node[:], keys[j].Node[:]) < 0
	})
}

// NodeInfo is the history metadata attached to one revision.
type NodeInfo struct {
	P1       Node
	P2       Node
	Linknode Node
	CopyFrom string // source path when the revision was created by a copy
}

// ErrNotFound reports that no layer of the store holds the requested key.
var ErrNotFound = errors.New("object not found")
