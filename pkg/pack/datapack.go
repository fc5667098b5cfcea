package pack

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/edsrzf/mmap-go"

	"github.com/odvcencio/revpack/pkg/object"
)

// maxDeltaDepth bounds chain resolution. Writers cap chains far below
// this, so hitting the bound means the pack is damaged or hand-made.
const maxDeltaDepth = 64

// DataPack is a memory-mapped data pack plus its index. It is immutable
// and safe for concurrent readers.
type DataPack struct {
	path string
	name string
	f    *os.File
	m    mmap.MMap
	ix   *index
}

// OpenData maps a data pack and its sibling index, validating both. A
// structural problem yields a *CorruptError.
func OpenData(path string) (*DataPack, error) {
	name := filepath.Base(path)
	f, m, err := openMap(path)
	if err != nil {
		return nil, err
	}
	p := &DataPack{
		path: path,
		name: strings.TrimSuffix(name, KindData.PackSuffix()),
		f:    f,
		m:    m,
	}
	if err := validatePackHeader(name, m, KindData); err != nil {
		p.Close()
		return nil, err
	}
	ix, err := openIndex(IndexPathFor(path), KindData)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.ix = ix
	if !bytes.Equal(ix.packSum(), m[len(m)-packTrailerSize:]) {
		p.Close()
		return nil, corruptf(name, "index references a different pack")
	}
	return p, nil
}

func validatePackHeader(name string, m mmap.MMap, kind Kind) error {
	if len(m) < packHeaderSize+packTrailerSize {
		return corruptf(name, "pack too short (%d bytes)", len(m))
	}
	if !bytes.Equal(m[:4], packMagic(kind)) {
		return corruptf(name, "bad pack magic %q", m[:4])
	}
	if m[4] != formatVersion {
		return corruptf(name, "unsupported pack version %d", m[4])
	}
	return nil
}

// Name returns the pack's base name (its content checksum).
func (p *DataPack) Name() string { return p.name }

// Path returns the pack file's location.
func (p *DataPack) Path() string { return p.path }

// Count returns the number of revisions in the pack.
func (p *DataPack) Count() int { return p.ix.count }

// VerifyChecksum rehashes the whole pack against its trailer.
func (p *DataPack) VerifyChecksum() error {
	return verifyPackTrailer(filepath.Base(p.path), p.m)
}

// Close unmaps the pack and index. No reads may follow.
func (p *DataPack) Close() error {
	var err error
	if p.ix != nil {
		err = p.ix.close()
		p.ix = nil
	}
	if p.m != nil {
		if merr := p.m.Unmap(); err == nil {
			err = merr
		}
		p.m = nil
	}
	if p.f != nil {
		if ferr := p.f.Close(); err == nil {
			err = ferr
		}
		p.f = nil
	}
	return err
}

// entryAt slices and parses the record the index points at.
func (p *DataPack) entryAt(offset uint64, length uint32) (dataEntry, error) {
	end := offset + uint64(length)
	if offset < packHeaderSize || end > uint64(len(p.m)-packTrailerSize) {
		return dataEntry{}, corruptf(p.name, "entry [%d, %d) out of range", offset, end)
	}
	ent, n, err := parseDataEntry(p.m[offset:end])
	if err != nil {
		return dataEntry{}, corruptf(p.name, "entry at %d: %v", offset, err)
	}
	if n != int(length) {
		return dataEntry{}, corruptf(p.name, "entry at %d: length %d, index says %d", offset, n, length)
	}
	return ent, nil
}

// entryFor locates the record for key, walking an equal-node run until the
// path matches.
func (p *DataPack) entryFor(key object.Key) (dataEntry, bool, error) {
	pos, ok := p.ix.find(key.Node)
	if !ok {
		return dataEntry{}, false, nil
	}
	for ; pos < p.ix.count && bytes.Equal(p.ix.nodeAt(pos), key.Node[:]); pos++ {
		offset, length := p.ix.rowAt(pos)
		ent, err := p.entryAt(offset, length)
		if err != nil {
			return dataEntry{}, false, err
		}
		if ent.node != key.Node {
			return dataEntry{}, false, corruptf(p.name, "index points %s at a record for %s", key.Node, ent.node)
		}
		if ent.path == key.Path {
			return ent, true, nil
		}
	}
	return dataEntry{}, false, nil
}

// Contains reports whether the pack holds key.
func (p *DataPack) Contains(key object.Key) bool {
	_, ok, err := p.entryFor(key)
	return err == nil && ok
}

// Get returns the full text of key, resolving its delta chain. Chains are
// bounded and cycle-checked; violations report the pack as corrupt.
func (p *DataPack) Get(key object.Key) ([]byte, error) {
	ent, ok, err := p.entryFor(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("pack %s get %s: %w", p.name, key, object.ErrNotFound)
	}

	// Walk to the chain's full-text root, collecting delta streams.
	var deltas [][]byte
	visited := map[object.Node]bool{key.Node: true}
	for !ent.deltaBase.IsNull() {
		if len(deltas) >= maxDeltaDepth {
			return nil, corruptf(p.name, "delta chain for %s exceeds depth %d", key, maxDeltaDepth)
		}
		if visited[ent.deltaBase] {
			return nil, corruptf(p.name, "delta cycle at %s", ent.deltaBase)
		}
		visited[ent.deltaBase] = true

		delta, err := decompressPayload(ent.payload)
		if err != nil {
			return nil, corruptf(p.name, "inflate delta for %s: %v", ent.node, err)
		}
		deltas = append(deltas, delta)

		base, ok, err := p.entryFor(object.Key{Path: key.Path, Node: ent.deltaBase})
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, corruptf(p.name, "missing delta base %s for %s", ent.deltaBase, key)
		}
		ent = base
	}

	text, err := decompressPayload(ent.payload)
	if err != nil {
		return nil, corruptf(p.name, "inflate %s: %v", ent.node, err)
	}
	for i := len(deltas) - 1; i >= 0; i-- {
		text, err = ApplyDelta(text, deltas[i])
		if err != nil {
			return nil, corruptf(p.name, "apply delta for %s: %v", key, err)
		}
	}
	return text, nil
}

// Meta describes a stored revision without materializing it.
type Meta struct {
	Size uint64
}

// Meta returns the full-text size of key. Delta entries record their result
// size in the stream header, so no chain is applied.
func (p *DataPack) Meta(key object.Key) (Meta, error) {
	ent, ok, err := p.entryFor(key)
	if err != nil {
		return Meta{}, err
	}
	if !ok {
		return Meta{}, fmt.Errorf("pack %s meta %s: %w", p.name, key, object.ErrNotFound)
	}
	payload, err := decompressPayload(ent.payload)
	if err != nil {
		return Meta{}, corruptf(p.name, "inflate %s: %v", ent.node, err)
	}
	if ent.deltaBase.IsNull() {
		return Meta{Size: uint64(len(payload))}, nil
	}
	size, err := deltaResultSize(payload)
	if err != nil {
		return Meta{}, corruptf(p.name, "delta header for %s: %v", ent.node, err)
	}
	return Meta{Size: size}, nil
}

// Keys lists every revision in the pack in entry order.
func (p *DataPack) Keys() ([]object.Key, error) {
	out := make([]object.Key, 0, p.ix.count)
	off := packHeaderSize
	end := len(p.m) - packTrailerSize
	for off < end {
		ent, n, err := parseDataEntry(p.m[off:end])
		if err != nil {
			return nil, corruptf(p.name, "entry at %d: %v", off, err)
		}
		out = append(out, object.Key{Path: ent.path, Node: ent.node})
		off += n
	}
	return out, nil
}
