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

// HistoryPack is a memory-mapped history pack plus its index. It is
// immutable and safe for concurrent readers.
type HistoryPack struct {
	path string
	name string
	f    *os.File
	m    mmap.MMap
	ix   *index
}

// OpenHistory maps a history pack and its sibling index, validating both.
func OpenHistory(path string) (*HistoryPack, error) {
	name := filepath.Base(path)
	f, m, err := openMap(path)
	if err != nil {
		return nil, err
	}
	p := &HistoryPack{
		path: path,
		name: strings.TrimSuffix(name, KindHistory.PackSuffix()),
		f:    f,
		m:    m,
	}
	if err := validatePackHeader(name, m, KindHistory); err != nil {
		p.Close()
		return nil, err
	}
	ix, err := openIndex(IndexPathFor(path), KindHistory)
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

// Name returns the pack's base name (its content checksum).
func (p *HistoryPack) Name() string { return p.name }

// Path returns the pack file's location.
func (p *HistoryPack) Path() string { return p.path }

// Count returns the number of revisions in the pack.
func (p *HistoryPack) Count() int { return p.ix.count }

// VerifyChecksum rehashes the whole pack against its trailer.
func (p *HistoryPack) VerifyChecksum() error {
	return verifyPackTrailer(filepath.Base(p.path), p.m)
}

// Close unmaps the pack and index. No reads may follow.
func (p *HistoryPack) Close() error {
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

func (p *HistoryPack) entryAt(offset uint64, length uint32) (histEntry, error) {
	end := offset + uint64(length)
	if offset < packHeaderSize || end > uint64(len(p.m)-packTrailerSize) {
		return histEntry{}, corruptf(p.name, "entry [%d, %d) out of range", offset, end)
	}
	ent, n, err := parseHistEntry(p.m[offset:end])
	if err != nil {
		return histEntry{}, corruptf(p.name, "entry at %d: %v", offset, err)
	}
	if n != int(length) {
		return histEntry{}, corruptf(p.name, "entry at %d: length %d, index says %d", offset, n, length)
	}
	return ent, nil
}

func (p *HistoryPack) entryFor(key object.Key) (histEntry, bool, error) {
	pos, ok := p.ix.find(key.Node)
	if !ok {
		return histEntry{}, false, nil
	}
	for ; pos < p.ix.count && bytes.Equal(p.ix.nodeAt(pos), key.Node[:]); pos++ {
		offset, length := p.ix.rowAt(pos)
		ent, err := p.entryAt(offset, length)
		if err != nil {
			return histEntry{}, false, err
		}
		if ent.node != key.Node {
			return histEntry{}, false, corruptf(p.name, "index points %s at a record for %s", key.Node, ent.node)
		}
		if ent.path == key.Path {
			return ent, true, nil
		}
	}
	return histEntry{}, false, nil
}

// Contains reports whether the pack holds history for key.
func (p *HistoryPack) Contains(key object.Key) bool {
	_, ok, err := p.entryFor(key)
	return err == nil && ok
}

// GetNodeInfo returns the history metadata of key.
func (p *HistoryPack) GetNodeInfo(key object.Key) (object.NodeInfo, error) {
	ent, ok, err := p.entryFor(key)
	if err != nil {
		return object.NodeInfo{}, err
	}
	if !ok {
		return object.NodeInfo{}, fmt.Errorf("pack %s history %s: %w", p.name, key, object.ErrNotFound)
	}
	return ent.info, nil
}

// Keys lists every revision in the pack in entry order.
func (p *HistoryPack) Keys() ([]object.Key, error) {
	out := make([]object.Key, 0, p.ix.count)
	off := packHeaderSize
	end := len(p.m) - packTrailerSize
	for off < end {
		ent, n, err := parseHistEntry(p.m[off:end])
		if err != nil {
			return nil, corruptf(p.name, "entry at %d: %v", off, err)
		}
		out = append(out, object.Key{Path: ent.path, Node: ent.node})
		off += n
	}
	return out, nil
}
