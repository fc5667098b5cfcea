package pack

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/odvcencio/revpack/pkg/object"
)

type testRevision struct {
	path string
	data string
	info object.NodeInfo
}

func (r testRevision) key() object.Key {
	return object.Key{
		Path: r.path,
		Node: object.DeriveNode([]byte(r.data), r.info.P1, r.info.P2),
	}
}

// noiseBlock returns n deterministic but incompressible bytes, so size
// assertions measure delta wins rather than zstd wins.
func noiseBlock(seed uint32, n int) string {
	b := make([]byte, n)
	state := seed | 1
	for i := range b {
		state ^= state << 13
		state ^= state >> 17
		state ^= state << 5
		b[i] = byte(state)
	}
	return string(b)
}

// chainedRevisions builds n revisions of one path, each child of the last,
// sharing most of their content.
func chainedRevisions(path string, n int) []testRevision {
	revs := make([]testRevision, 0, n)
	var parent object.Node
	body := noiseBlock(0x9e3779b9, 4096)
	for i := 0; i < n; i++ {
		rev := testRevision{
			path: path,
			data: body + "edit " + strings.Repeat("x", i) + "\n",
			info: object.NodeInfo{P1: parent},
		}
		revs = append(revs, rev)
		parent = rev.key().Node
	}
	return revs
}

func writeDataPack(t *testing.T, dir string, deltaDepth int, revs []testRevision) string {
	t.Helper()
	w, err := NewDataWriter(dir, deltaDepth)
	if err != nil {
		t.Fatalf("NewDataWriter error: %v", err)
	}
	defer w.Abort()
	for _, rev := range revs {
		if err := w.Add(rev.key(), []byte(rev.data)); err != nil {
			t.Fatalf("Add(%s) error: %v", rev.key(), err)
		}
	}
	name, err := w.Flush()
	if err != nil {
		t.Fatalf("Flush error: %v", err)
	}
	return name
}

func writeHistoryPack(t *testing.T, dir string, revs []testRevision) string {
	t.Helper()
	w, err := NewHistoryWriter(dir)
	if err != nil {
		t.Fatalf("NewHistoryWriter error: %v", err)
	}
	defer w.Abort()
	for _, rev := range revs {
		if err := w.Add(rev.key(), rev.info); err != nil {
			t.Fatalf("Add(%s) error: %v", rev.key(), err)
		}
	}
	name, err := w.Flush()
	if err != nil {
		t.Fatalf("Flush error: %v", err)
	}
	return name
}

func TestDataWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	revs := []testRevision{
		{path: "a.txt", data: "content of a"},
		{path: "dir/b.txt", data: "content of b"},
		{path: "a.txt", data: "second revision of a"},
	}
	name := writeDataPack(t, dir, 10, revs)

	p, err := OpenData(filepath.Join(dir, name+KindData.PackSuffix()))
	if err != nil {
		t.Fatalf("OpenData error: %v", err)
	}
	defer p.Close()

	if p.Count() != len(revs) {
		t.Fatalf("Count = %d, want %d", p.Count(), len(revs))
	}
	for _, rev := range revs {
		got, err := p.Get(rev.key())
		if err != nil {
			t.Fatalf("Get(%s) error: %v", rev.key(), err)
		}
		if string(got) != rev.data {
			t.Fatalf("Get(%s) = %q, want %q", rev.key(), got, rev.data)
		}
	}
}

func TestDataWriterDeltaChainsRoundTrip(t *testing.T) {
	for _, depth := range []int{0, 1, 2, 32} {
		dir := t.TempDir()
		revs := chainedRevisions("chained.txt", 8)
		name := writeDataPack(t, dir, depth, revs)

		p, err := OpenData(filepath.Join(dir, name+KindData.PackSuffix()))
		if err != nil {
			t.Fatalf("depth %d: OpenData error: %v", depth, err)
		}
		for _, rev := range revs {
			got, err := p.Get(rev.key())
			if err != nil {
				t.Fatalf("depth %d: Get(%s) error: %v", depth, rev.key(), err)
			}
			if string(got) != rev.data {
				t.Fatalf("depth %d: Get(%s) mismatch", depth, rev.key())
			}
		}
		p.Close()
	}
}

func TestDataWriterDeltasSaveSpace(t *testing.T) {
	revs := chainedRevisions("big.txt", 10)

	plainDir := t.TempDir()
	plainName := writeDataPack(t, plainDir, 0, revs)
	deltaDir := t.TempDir()
	deltaName := writeDataPack(t, deltaDir, 10, revs)

	plainInfo, err := os.Stat(filepath.Join(plainDir, plainName+KindData.PackSuffix()))
	if err != nil {
		t.Fatal(err)
	}
	deltaInfo, err := os.Stat(filepath.Join(deltaDir, deltaName+KindData.PackSuffix()))
	if err != nil {
		t.Fatal(err)
	}
	if deltaInfo.Size() >= plainInfo.Size() {
		t.Fatalf("delta pack %d bytes, full-text pack %d bytes", deltaInfo.Size(), plainInfo.Size())
	}
}

func TestWriterDeterministicNaming(t *testing.T) {
	revs := chainedRevisions("x.txt", 3)
	name1 := writeDataPack(t, t.TempDir(), 4, revs)
	name2 := writeDataPack(t, t.TempDir(), 4, revs)
	if name1 != name2 {
		t.Fatalf("same revisions produced packs %s and %s", name1, name2)
	}
}

func TestWriterRepublishIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	revs := chainedRevisions("x.txt", 3)
	name1 := writeDataPack(t, dir, 4, revs)
	name2 := writeDataPack(t, dir, 4, revs)
	if name1 != name2 {
		t.Fatalf("republish produced %s, want %s", name2, name1)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("pack dir after republish = %v, want exactly pack and index", names)
	}
}

func TestWriterTempFilesInvisibleUntilFlush(t *testing.T) {
	dir := t.TempDir()
	w, err := NewDataWriter(dir, 0)
	if err != nil {
		t.Fatalf("NewDataWriter error: %v", err)
	}
	defer w.Abort()

	rev := testRevision{path: "x.txt", data: "payload"}
	if err := w.Add(rev.key(), []byte(rev.data)); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".tmp-") {
			t.Fatalf("unflushed writer left visible file %q", e.Name())
		}
	}
}

func TestWriterAbortRemovesTemp(t *testing.T) {
	dir := t.TempDir()
	w, err := NewDataWriter(dir, 0)
	if err != nil {
		t.Fatalf("NewDataWriter error: %v", err)
	}
	rev := testRevision{path: "x.txt", data: "payload"}
	if err := w.Add(rev.key(), []byte(rev.data)); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	w.Abort()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("pack dir after Abort has %d entries", len(entries))
	}
}

func TestFlushEmptyPackFails(t *testing.T) {
	w, err := NewDataWriter(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewDataWriter error: %v", err)
	}
	defer w.Abort()
	if _, err := w.Flush(); err == nil {
		t.Fatal("Flush of empty pack succeeded")
	}
}

func TestDuplicateAddIgnored(t *testing.T) {
	dir := t.TempDir()
	w, err := NewDataWriter(dir, 0)
	if err != nil {
		t.Fatalf("NewDataWriter error: %v", err)
	}
	defer w.Abort()

	rev := testRevision{path: "x.txt", data: "payload"}
	for i := 0; i < 3; i++ {
		if err := w.Add(rev.key(), []byte(rev.data)); err != nil {
			t.Fatalf("Add error: %v", err)
		}
	}
	if w.Count() != 1 {
		t.Fatalf("Count after duplicate adds = %d, want 1", w.Count())
	}
}

func TestPublishedFilesReadOnly(t *testing.T) {
	dir := t.TempDir()
	name := writeDataPack(t, dir, 0, []testRevision{{path: "x.txt", data: "payload"}})

	for _, suffix := range []string{KindData.PackSuffix(), KindData.IndexSuffix()} {
		fi, err := os.Stat(filepath.Join(dir, name+suffix))
		if err != nil {
			t.Fatal(err)
		}
		if fi.Mode().Perm() != 0o444 {
			t.Fatalf("%s mode = %v, want 0444", suffix, fi.Mode().Perm())
		}
	}
}

func TestHistoryWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	base := testRevision{path: "x.txt", data: "first"}
	child := testRevision{
		path: "x.txt",
		data: "second",
		info: object.NodeInfo{
			P1:       base.key().Node,
			Linknode: object.DeriveNode([]byte("commit"), object.NullNode, object.NullNode),
			CopyFrom: "w.txt",
		},
	}
	revs := []testRevision{base, child}
	name := writeHistoryPack(t, dir, revs)

	p, err := OpenHistory(filepath.Join(dir, name+KindHistory.PackSuffix()))
	if err != nil {
		t.Fatalf("OpenHistory error: %v", err)
	}
	defer p.Close()

	for _, rev := range revs {
		got, err := p.GetNodeInfo(rev.key())
		if err != nil {
			t.Fatalf("GetNodeInfo(%s) error: %v", rev.key(), err)
		}
		if got != rev.info {
			t.Fatalf("GetNodeInfo(%s) = %+v, want %+v", rev.key(), got, rev.info)
		}
	}
}
