package pack

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"

	"github.com/odvcencio/revpack/pkg/object"
)

// index is a memory-mapped pack index. Lookups binary-search the row region
// inside the bounds the fanout table gives for the node's first byte.
type index struct {
	path  string
	f     *os.File
	m     mmap.MMap
	count int
}

func openIndex(path string, kind Kind) (*index, error) {
	name := filepath.Base(path)
	f, m, err := openMap(path)
	if err != nil {
		return nil, err
	}
	ix := &index{path: path, f: f, m: m}
	if err := ix.validate(name, kind); err != nil {
		ix.close()
		return nil, err
	}
	return ix, nil
}

func (ix *index) validate(name string, kind Kind) error {
	m := ix.m
	if len(m) < idxHeaderSize+fanoutSize+idxTrailerSize {
		return corruptf(name, "index too short (%d bytes)", len(m))
	}
	if !bytes.Equal(m[:4], idxMagic(kind)) {
		return corruptf(name, "bad index magic %q", m[:4])
	}
	if m[4] != formatVersion {
		return corruptf(name, "unsupported index version %d", m[4])
	}
	if Kind(m[5]) != kind {
		return corruptf(name, "index kind %d, want %d", m[5], kind)
	}

	fanout := m[idxHeaderSize : idxHeaderSize+fanoutSize]
	var prev uint32
	for i := 0; i < 256; i++ {
		v := binary.BigEndian.Uint32(fanout[i*4:])
		if v < prev {
			return corruptf(name, "fanout not monotonic at byte %#02x", i)
		}
		prev = v
	}
	ix.count = int(prev)

	want := idxHeaderSize + fanoutSize + ix.count*idxEntrySize + idxTrailerSize
	if len(m) != want {
		return corruptf(name, "index size %d, want %d for %d entries", len(m), want, ix.count)
	}

	sum := sha1.Sum(m[:len(m)-sha1.Size])
	if !bytes.Equal(sum[:], m[len(m)-sha1.Size:]) {
		return corruptf(name, "index checksum mismatch")
	}

	// Equal neighbors are allowed: the same content under two paths shares
	// a node and occupies adjacent rows.
	rows := m[idxHeaderSize+fanoutSize:]
	for i := 1; i < ix.count; i++ {
		a := rows[(i-1)*idxEntrySize : (i-1)*idxEntrySize+object.NodeSize]
		b := rows[i*idxEntrySize : i*idxEntrySize+object.NodeSize]
		if bytes.Compare(a, b) > 0 {
			return corruptf(name, "index rows not sorted at %d", i)
		}
	}
	return nil
}

func (ix *index) close() error {
	var err error
	if ix.m != nil {
		err = ix.m.Unmap()
		ix.m = nil
	}
	if ix.f != nil {
		if cerr := ix.f.Close(); err == nil {
			err = cerr
		}
		ix.f = nil
	}
	return err
}

// packSum returns the paired pack's content checksum recorded in the
// trailer.
func (ix *index) packSum() []byte {
	return ix.m[len(ix.m)-idxTrailerSize : len(ix.m)-sha1.Size]
}

func (ix *index) nodeAt(pos int) []byte {
	base := idxHeaderSize + fanoutSize + pos*idxEntrySize
	return ix.m[base : base+object.NodeSize]
}

func (ix *index) rowAt(pos int) (offset uint64, length uint32) {
	base := idxHeaderSize + fanoutSize + pos*idxEntrySize + object.NodeSize
	return binary.BigEndian.Uint64(ix.m[base:]), binary.BigEndian.Uint32(ix.m[base+8:])
}

// find returns the position of the first row with the given node.
func (ix *index) find(node object.Node) (int, bool) {
	fanout := ix.m[idxHeaderSize : idxHeaderSize+fanoutSize]
	b0 := node[0]
	lo := 0
	if b0 > 0 {
		lo = int(binary.BigEndian.Uint32(fanout[(int(b0)-1)*4:]))
	}
	hi := int(binary.BigEndian.Uint32(fanout[int(b0)*4:])) - 1

	for lo <= hi {
		mid := (lo + hi) / 2
		switch bytes.Compare(node[:], ix.nodeAt(mid)) {
		case 0:
			// Walk back to the first row of an equal-node run.
			for mid > 0 && bytes.Equal(ix.nodeAt(mid-1), node[:]) {
				mid--
			}
			return mid, true
		case -1:
			hi = mid - 1
		default:
			lo = mid + 1
		}
	}
	return 0, false
}
