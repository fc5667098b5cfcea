// Package pack implements immutable pack files for file revisions and the
// indexes that make them searchable.
//
// A data pack stores revision payloads:
//
//	header   magic "rpdk" | version
//	entry    pathlen u16 | path | node | deltabase | payloadlen u32 | zstd(payload)
//	trailer  SHA-1 over all preceding bytes
//
// A deltabase of NullNode marks a full text; anything else names an earlier
// entry of the same pack whose text the payload's delta stream rebuilds. A
// history pack stores revision metadata:
//
//	header   magic "rphk" | version
//	entry    pathlen u16 | path | node | p1 | p2 | linknode | copylen u16 | copyfrom
//	trailer  SHA-1 over all preceding bytes
//
// Each pack has a sibling index ("rpdx"/"rphx") holding a 256-way fanout
// table over the first node byte and one fixed-width row per entry
// (node | offset u64 | length u32), sorted by node. The index trailer
// records the pack's content checksum and then the index's own checksum,
// so a mismatched pair is detected at open. All integers are big-endian.
// Pack files are named by their content checksum and never modified after
// the rename that publishes them.
package pack

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/edsrzf/mmap-go"

	"github.com/odvcencio/revpack/pkg/object"
)

const (
	formatVersion = 1

	packHeaderSize  = 5 // magic + version
	packTrailerSize = sha1.Size

	idxHeaderSize  = 6 // magic + version + kind
	fanoutSize     = 256 * 4
	idxEntrySize   = object.NodeSize + 8 + 4
	idxTrailerSize = 2 * sha1.Size // pack checksum + index checksum
)

var (
	dataPackMagic = []byte("rpdk")
	histPackMagic = []byte("rphk")
	dataIdxMagic  = []byte("rpdx")
	histIdxMagic  = []byte("rphx")
)

func packMagic(k Kind) []byte {
	if k == KindHistory {
		return histPackMagic
	}
	return dataPackMagic
}

func idxMagic(k Kind) []byte {
	if k == KindHistory {
		return histIdxMagic
	}
	return dataIdxMagic
}

func openMap(path string) (*os.File, mmap.MMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, m, nil
}

// verifyPackTrailer rehashes everything before the trailer and compares.
// Open validates structure only, so this is the deep check behind verify.
func verifyPackTrailer(name string, m mmap.MMap) error {
	sum := sha1.Sum(m[:len(m)-packTrailerSize])
	if !bytes.Equal(sum[:], m[len(m)-packTrailerSize:]) {
		return corruptf(name, "pack content does not match its checksum")
	}
	return nil
}

// appendDataEntry serializes one data pack record onto buf.
func appendDataEntry(buf []byte, path string, node, deltaBase object.Node, payload []byte) ([]byte, error) {
	if len(path) > int(^uint16(0)) {
		return nil, fmt.Errorf("pack entry path too long (%d bytes)", len(path))
	}
	if len(payload) > int(^uint32(0)) {
		return nil, fmt.Errorf("pack entry payload too large (%d bytes)", len(payload))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(path)))
	buf = append(buf, path...)
	buf = append(buf, node[:]...)
	buf = append(buf, deltaBase[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return buf, nil
}

// dataEntry is one parsed data pack record. The payload slice aliases the
// mapped file and stays compressed.
type dataEntry struct {
	path      string
	node      object.Node
	deltaBase object.Node
	payload   []byte
}

// parseDataEntry decodes the record at the start of b and returns the bytes
// consumed.
func parseDataEntry(b []byte) (dataEntry, int, error) {
	var ent dataEntry
	if len(b) < 2 {
		return ent, 0, fmt.Errorf("truncated entry header")
	}
	pathLen := int(binary.BigEndian.Uint16(b[:2]))
	need := 2 + pathLen + 2*object.NodeSize + 4
	if len(b) < need {
		return ent, 0, fmt.Errorf("truncated entry (%d bytes, need %d)", len(b), need)
	}
	ent.path = string(b[2 : 2+pathLen])
	off := 2 + pathLen
	copy(ent.node[:], b[off:off+object.NodeSize])
	off += object.NodeSize
	copy(ent.deltaBase[:], b[off:off+object.NodeSize])
	off += object.NodeSize
	payloadLen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if len(b) < off+payloadLen {
		return ent, 0, fmt.Errorf("truncated payload (%d bytes, need %d)", len(b)-off, payloadLen)
	}
	ent.payload = b[off : off+payloadLen]
	return ent, off + payloadLen, nil
}

// appendHistEntry serializes one history pack record onto buf.
func appendHistEntry(buf []byte, path string, node object.Node, info object.NodeInfo) ([]byte, error) {
	if len(path) > int(^uint16(0)) {
		return nil, fmt.Errorf("pack entry path too long (%d bytes)", len(path))
	}
	if len(info.CopyFrom) > int(^uint16(0)) {
		return nil, fmt.Errorf("pack entry copy source too long (%d bytes)", len(info.CopyFrom))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(path)))
	buf = append(buf, path...)
	buf = append(buf, node[:]...)
	buf = append(buf, info.P1[:]...)
	buf = append(buf, info.P2[:]...)
	buf = append(buf, info.Linknode[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(info.CopyFrom)))
	buf = append(buf, info.CopyFrom...)
	return buf, nil
}

// histEntry is one parsed history pack record.
type histEntry struct {
	path string
	node object.Node
	info object.NodeInfo
}

// parseHistEntry decodes the record at the start of b and returns the bytes
// consumed.
func parseHistEntry(b []byte) (histEntry, int, error) {
	var ent histEntry
	if len(b) < 2 {
		return ent, 0, fmt.Errorf("truncated entry header")
	}
	pathLen := int(binary.BigEndian.Uint16(b[:2]))
	need := 2 + pathLen + 4*object.NodeSize + 2
	if len(b) < need {
		return ent, 0, fmt.Errorf("truncated entry (%d bytes, need %d)", len(b), need)
	}
	ent.path = string(b[2 : 2+pathLen])
	off := 2 + pathLen
	copy(ent.node[:], b[off:off+object.NodeSize])
	off += object.NodeSize
	copy(ent.info.P1[:], b[off:off+object.NodeSize])
	off += object.NodeSize
	copy(ent.info.P2[:], b[off:off+object.NodeSize])
	off += object.NodeSize
	copy(ent.info.Linknode[:], b[off:off+object.NodeSize])
	off += object.NodeSize
	copyLen := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	if len(b) < off+copyLen {
		return ent, 0, fmt.Errorf("truncated copy source (%d bytes, need %d)", len(b)-off, copyLen)
	}
	ent.info.CopyFrom = string(b[off : off+copyLen])
	return ent, off + copyLen, nil
}

// indexEntry is one row destined for a pack index.
type indexEntry struct {
	node   object.Node
	offset uint64
	length uint32
}

// buildIndex assembles the full index file for a pack whose content
// checksum is packSum. Rows are sorted by node; the fanout table holds
// cumulative counts per first node byte.
func buildIndex(kind Kind, entries []indexEntry, packSum []byte) []byte {
	sorted := make([]indexEntry, len(entries))
	copy(sorted, entries)
	sortIndexEntries(sorted)

	size := idxHeaderSize + fanoutSize + len(sorted)*idxEntrySize + idxTrailerSize
	buf := make([]byte, 0, size)
	buf = append(buf, idxMagic(kind)...)
	buf = append(buf, formatVersion, byte(kind))

	var counts [256]uint32
	for _, e := range sorted {
		counts[e.node[0]]++
	}
	var total uint32
	for i := 0; i < 256; i++ {
		total += counts[i]
		buf = binary.BigEndian.AppendUint32(buf, total)
	}

	for _, e := range sorted {
		buf = append(buf, e.node[:]...)
		buf = binary.BigEndian.AppendUint64(buf, e.offset)
		buf = binary.BigEndian.AppendUint32(buf, e.length)
	}

	buf = append(buf, packSum...)
	sum := sha1.Sum(buf)
	buf = append(buf, sum[:]...)
	return buf
}

func sortIndexEntries(entries []indexEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].node[:], entries[j].node[:]) < 0
	})
}
