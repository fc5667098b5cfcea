package pack

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/odvcencio/revpack/pkg/object"
)

// countingWriter tracks the byte offset of the pack stream so index rows
// can point into it.
type countingWriter struct {
	w io.Writer
	n uint64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += uint64(n)
	return n, err
}

// packWriter streams entries into a hidden temp file, then publishes the
// pack and its index under their content-checksum name. Until the renames
// in flush, nothing a store scan can see exists.
type packWriter struct {
	kind     Kind
	dir      string
	tmp      *os.File
	tmpName  string
	counter  *countingWriter
	hasher   hash.Hash
	w        io.Writer
	entries  []indexEntry
	seen     map[object.Key]bool
	finished bool
}

func newPackWriter(dir string, kind Kind) (*packWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pack writer mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("pack writer tmpfile: %w", err)
	}
	pw := &packWriter{
		kind:    kind,
		dir:     dir,
		tmp:     tmp,
		tmpName: tmp.Name(),
		counter: &countingWriter{w: tmp},
		hasher:  sha1.New(),
		seen:    make(map[object.Key]bool),
	}
	pw.w = io.MultiWriter(pw.counter, pw.hasher)

	header := append([]byte{}, packMagic(kind)...)
	header = append(header, formatVersion)
	if _, err := pw.w.Write(header); err != nil {
		pw.abort()
		return nil, fmt.Errorf("write pack header: %w", err)
	}
	return pw, nil
}

// add writes one serialized record and indexes it under node.
func (pw *packWriter) add(node object.Node, record []byte) error {
	if pw.finished {
		return fmt.Errorf("pack writer already finished")
	}
	offset := pw.counter.n
	if _, err := pw.w.Write(record); err != nil {
		return fmt.Errorf("write pack entry: %w", err)
	}
	length := pw.counter.n - offset
	if length > uint64(^uint32(0)) {
		return fmt.Errorf("pack entry too large (%d bytes)", length)
	}
	pw.entries = append(pw.entries, indexEntry{node: node, offset: offset, length: uint32(length)})
	return nil
}

func (pw *packWriter) count() int   { return len(pw.entries) }
func (pw *packWriter) size() uint64 { return pw.counter.n }

// abort removes the temp file. Safe to call after flush, where it does
// nothing.
func (pw *packWriter) abort() {
	if pw.finished {
		return
	}
	pw.finished = true
	if pw.tmp != nil {
		pw.tmp.Close()
		os.Remove(pw.tmpName)
	}
}

// flush writes the trailer, builds the index, and publishes both files by
// rename. It returns the pack's base name. If an identical pack already
// exists the temps are discarded and the existing name is returned.
func (pw *packWriter) flush() (string, error) {
	if pw.finished {
		return "", fmt.Errorf("pack writer already finished")
	}
	if len(pw.entries) == 0 {
		return "", fmt.Errorf("flush of empty pack")
	}
	pw.finished = true

	sum := pw.hasher.Sum(nil)
	tmpRemoved := false
	defer func() {
		if !tmpRemoved {
			os.Remove(pw.tmpName)
		}
	}()

	if _, err := pw.tmp.Write(sum); err != nil {
		pw.tmp.Close()
		return "", fmt.Errorf("write pack trailer: %w", err)
	}
	if err := pw.tmp.Sync(); err != nil {
		pw.tmp.Close()
		return "", fmt.Errorf("sync pack: %w", err)
	}
	if err := pw.tmp.Close(); err != nil {
		return "", fmt.Errorf("close pack temp: %w", err)
	}

	name := hex.EncodeToString(sum)
	packPath := filepath.Join(pw.dir, name+pw.kind.PackSuffix())
	idxPath := filepath.Join(pw.dir, name+pw.kind.IndexSuffix())

	idxTmp, err := os.CreateTemp(pw.dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create index temp: %w", err)
	}
	idxTmpName := idxTmp.Name()
	idxTmpRemoved := false
	defer func() {
		if !idxTmpRemoved {
			os.Remove(idxTmpName)
		}
	}()

	if _, err := idxTmp.Write(buildIndex(pw.kind, pw.entries, sum)); err != nil {
		idxTmp.Close()
		return "", fmt.Errorf("write index temp: %w", err)
	}
	if err := idxTmp.Sync(); err != nil {
		idxTmp.Close()
		return "", fmt.Errorf("sync index temp: %w", err)
	}
	if err := idxTmp.Close(); err != nil {
		return "", fmt.Errorf("close index temp: %w", err)
	}

	// Published packs are read-only.
	if err := os.Chmod(pw.tmpName, 0o444); err != nil {
		return "", fmt.Errorf("chmod pack temp: %w", err)
	}
	if err := os.Chmod(idxTmpName, 0o444); err != nil {
		return "", fmt.Errorf("chmod index temp: %w", err)
	}

	// Identical content was packed before: same checksum, same files.
	if _, err := os.Stat(packPath); err == nil {
		if _, err := os.Stat(idxPath); err == nil {
			return name, nil
		}
	}

	if err := os.Rename(pw.tmpName, packPath); err != nil {
		return "", fmt.Errorf("rename pack: %w", err)
	}
	tmpRemoved = true
	if err := os.Rename(idxTmpName, idxPath); err != nil {
		os.Remove(packPath)
		return "", fmt.Errorf("rename index: %w", err)
	}
	idxTmpRemoved = true
	return name, nil
}

// DataWriter accumulates revision payloads into a data pack. Consecutive
// revisions of one path are delta-compressed against each other when that
// wins space, with chains capped at deltaDepth.
type DataWriter struct {
	pw         *packWriter
	deltaDepth int
	tip        *dataTip
}

// dataTip remembers the previous entry as a delta base candidate.
type dataTip struct {
	path  string
	node  object.Node
	text  []byte
	depth int
}

// NewDataWriter starts a data pack in dir. A deltaDepth of zero disables
// delta compression.
func NewDataWriter(dir string, deltaDepth int) (*DataWriter, error) {
	pw, err := newPackWriter(dir, KindData)
	if err != nil {
		return nil, err
	}
	return &DataWriter{pw: pw, deltaDepth: deltaDepth}, nil
}

// Add appends one revision. Duplicate keys are dropped, which is what makes
// folding overlapping sources into one pack safe.
func (w *DataWriter) Add(key object.Key, data []byte) error {
	if w.pw.seen[key] {
		return nil
	}

	deltaBase := object.NullNode
	payload := data
	depth := 0
	if w.deltaDepth > 0 && w.tip != nil && w.tip.path == key.Path && w.tip.depth < w.deltaDepth {
		if delta := BuildDelta(w.tip.text, data); len(delta) < len(data) {
			deltaBase = w.tip.node
			payload = delta
			depth = w.tip.depth + 1
		}
	}

	record, err := appendDataEntry(nil, key.Path, key.Node, deltaBase, compressPayload(payload))
	if err != nil {
		return fmt.Errorf("pack add %s: %w", key, err)
	}
	if err := w.pw.add(key.Node, record); err != nil {
		return fmt.Errorf("pack add %s: %w", key, err)
	}
	w.pw.seen[key] = true
	w.tip = &dataTip{path: key.Path, node: key.Node, text: data, depth: depth}
	return nil
}

// Count returns the number of revisions added so far.
func (w *DataWriter) Count() int { return w.pw.count() }

// Size returns the bytes written to the pack stream so far.
func (w *DataWriter) Size() uint64 { return w.pw.size() }

// Flush publishes the pack and index, returning the pack's base name.
func (w *DataWriter) Flush() (string, error) { return w.pw.flush() }

// Abort discards the pack. A no-op after Flush.
func (w *DataWriter) Abort() { w.pw.abort() }

// HistoryWriter accumulates revision metadata into a history pack.
type HistoryWriter struct {
	pw *packWriter
}

// NewHistoryWriter starts a history pack in dir.
func NewHistoryWriter(dir string) (*HistoryWriter, error) {
	pw, err := newPackWriter(dir, KindHistory)
	if err != nil {
		return nil, err
	}
	return &HistoryWriter{pw: pw}, nil
}

// Add appends history for one revision. Duplicate keys are dropped.
func (w *HistoryWriter) Add(key object.Key, info object.NodeInfo) error {
	if w.pw.seen[key] {
		return nil
	}
	record, err := appendHistEntry(nil, key.Path, key.Node, info)
	if err != nil {
		return fmt.Errorf("pack add history %s: %w", key, err)
	}
	if err := w.pw.add(key.Node, record); err != nil {
		return fmt.Errorf("pack add history %s: %w", key, err)
	}
	w.pw.seen[key] = true
	return nil
}

// Count returns the number of revisions added so far.
func (w *HistoryWriter) Count() int { return w.pw.count() }

// Size returns the bytes written to the pack stream so far.
func (w *HistoryWriter) Size() uint64 { return w.pw.size() }

// Flush publishes the pack and index, returning the pack's base name.
func (w *HistoryWriter) Flush() (string, error) { return w.pw.flush() }

// Abort discards the pack. A no-op after Flush.
func (w *HistoryWriter) Abort() { w.pw.abort() }
