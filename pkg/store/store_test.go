package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/odvcencio/revpack/pkg/object"
	"github.com/odvcencio/revpack/pkg/pack"
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

// noiseBlock returns n deterministic but incompressible bytes. Corruption
// tests flip bytes mid-file and need the flip to land in payload, not in
// zstd framing that a tiny compressible body would leave dominant.
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

func openStore(t *testing.T, root string, opts Options) *Store {
	t.Helper()
	s, err := Open(root, opts)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func putRevisions(t *testing.T, s *Store, revs []testRevision) {
	t.Helper()
	for _, rev := range revs {
		if err := s.Put(rev.key(), []byte(rev.data), rev.info); err != nil {
			t.Fatalf("Put(%s) error: %v", rev.key(), err)
		}
	}
}

// packRevisions publishes revs as one data pack and one history pack, then
// refreshes the snapshot.
func packRevisions(t *testing.T, s *Store, revs []testRevision) (dataName, histName string) {
	t.Helper()
	dw, err := pack.NewDataWriter(s.PackDir(), 0)
	if err != nil {
		t.Fatalf("NewDataWriter error: %v", err)
	}
	defer dw.Abort()
	hw, err := pack.NewHistoryWriter(s.PackDir())
	if err != nil {
		t.Fatalf("NewHistoryWriter error: %v", err)
	}
	defer hw.Abort()
	for _, rev := range revs {
		if err := dw.Add(rev.key(), []byte(rev.data)); err != nil {
			t.Fatalf("data Add(%s) error: %v", rev.key(), err)
		}
		if err := hw.Add(rev.key(), rev.info); err != nil {
			t.Fatalf("history Add(%s) error: %v", rev.key(), err)
		}
	}
	dataName, err = dw.Flush()
	if err != nil {
		t.Fatalf("data Flush error: %v", err)
	}
	histName, err = hw.Flush()
	if err != nil {
		t.Fatalf("history Flush error: %v", err)
	}
	if err := s.Refresh(); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	return dataName, histName
}

func looseFilePath(root string, key object.Key) string {
	ph := object.PathHash(key.Path)
	return filepath.Join(root, ph[:2], ph[2:], key.Node.String())
}

// corruptFile flips a byte in the middle of path, working around the
// read-only mode published packs carry.
func corruptFile(t *testing.T, path string) {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)/2] ^= 0xff
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestGetServesLooseRevisions(t *testing.T) {
	s := openStore(t, t.TempDir(), Options{})
	rev := testRevision{path: "dir/a.txt", data: "loose body"}
	putRevisions(t, s, []testRevision{rev})

	got, err := s.Get(rev.key())
	if err != nil {
		t.Fatalf("Get(%s) error: %v", rev.key(), err)
	}
	if string(got) != rev.data {
		t.Fatalf("Get = %q, want %q", got, rev.data)
	}
	info, err := s.GetNodeInfo(rev.key())
	if err != nil {
		t.Fatalf("GetNodeInfo error: %v", err)
	}
	if info != rev.info {
		t.Fatalf("GetNodeInfo = %+v, want %+v", info, rev.info)
	}
}

func TestGetIdenticalBeforeAndAfterPacking(t *testing.T) {
	root := t.TempDir()
	s := openStore(t, root, Options{})

	base := testRevision{path: "src/main.c", data: "int main() { return 0; }\n"}
	child := testRevision{
		path: "src/main.c",
		data: "int main() { return 1; }\n",
		info: object.NodeInfo{P1: base.key().Node},
	}
	revs := []testRevision{base, child}
	putRevisions(t, s, revs)

	before := make([][]byte, len(revs))
	for i, rev := range revs {
		data, err := s.Get(rev.key())
		if err != nil {
			t.Fatalf("loose Get(%s) error: %v", rev.key(), err)
		}
		before[i] = data
	}

	packRevisions(t, s, revs)
	keys := []object.Key{base.key(), child.key()}
	if err := s.Loose().Remove(keys); err != nil {
		t.Fatalf("Remove error: %v", err)
	}

	// A fresh store has an empty cache, so these reads come from the pack.
	s2 := openStore(t, root, Options{})
	for i, rev := range revs {
		if s2.Loose().Contains(rev.key()) {
			t.Fatalf("%s still loose after prune", rev.key())
		}
		got, err := s2.Get(rev.key())
		if err != nil {
			t.Fatalf("packed Get(%s) error: %v", rev.key(), err)
		}
		if string(got) != string(before[i]) {
			t.Fatalf("packed Get(%s) differs from loose read", rev.key())
		}
		info, err := s2.GetNodeInfo(rev.key())
		if err != nil {
			t.Fatalf("packed GetNodeInfo(%s) error: %v", rev.key(), err)
		}
		if info != rev.info {
			t.Fatalf("packed GetNodeInfo = %+v, want %+v", info, rev.info)
		}
	}
}

func TestGetMissingRevisionNotFound(t *testing.T) {
	s := openStore(t, t.TempDir(), Options{})
	key := object.Key{
		Path: "ghost.txt",
		Node: object.DeriveNode([]byte("ghost"), object.NullNode, object.NullNode),
	}
	if _, err := s.Get(key); !errors.Is(err, object.ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
	if _, err := s.GetNodeInfo(key); !errors.Is(err, object.ErrNotFound) {
		t.Fatalf("GetNodeInfo missing = %v, want ErrNotFound", err)
	}
	if s.Contains(key) {
		t.Fatal("Contains reported a missing key")
	}
}

func TestRefreshPicksUpAndDropsPacks(t *testing.T) {
	root := t.TempDir()
	s := openStore(t, root, Options{})
	rev := testRevision{path: "a.txt", data: "packed body"}

	dw, err := pack.NewDataWriter(s.PackDir(), 0)
	if err != nil {
		t.Fatalf("NewDataWriter error: %v", err)
	}
	defer dw.Abort()
	hw, err := pack.NewHistoryWriter(s.PackDir())
	if err != nil {
		t.Fatalf("NewHistoryWriter error: %v", err)
	}
	defer hw.Abort()
	if err := dw.Add(rev.key(), []byte(rev.data)); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if err := hw.Add(rev.key(), rev.info); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	dataName, err := dw.Flush()
	if err != nil {
		t.Fatalf("Flush error: %v", err)
	}
	histName, err := hw.Flush()
	if err != nil {
		t.Fatalf("Flush error: %v", err)
	}

	if s.ContainsPacked(rev.key()) {
		t.Fatal("pack visible before Refresh")
	}
	if err := s.Refresh(); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if !s.ContainsPacked(rev.key()) {
		t.Fatal("pack not visible after Refresh")
	}

	for _, name := range []string{
		dataName + pack.KindData.PackSuffix(),
		dataName + pack.KindData.IndexSuffix(),
		histName + pack.KindHistory.PackSuffix(),
		histName + pack.KindHistory.IndexSuffix(),
	} {
		if err := os.Remove(filepath.Join(s.PackDir(), name)); err != nil {
			t.Fatalf("remove %s: %v", name, err)
		}
	}
	if err := s.Refresh(); err != nil {
		t.Fatalf("Refresh after removal error: %v", err)
	}
	if s.ContainsPacked(rev.key()) {
		t.Fatal("pack still visible after its files were removed")
	}
	if _, err := s.Get(rev.key()); !errors.Is(err, object.ErrNotFound) {
		t.Fatalf("Get after pack removal = %v, want ErrNotFound", err)
	}
}

func TestCorruptDataPackFallsBackToLoose(t *testing.T) {
	root := t.TempDir()
	setup := openStore(t, root, Options{})
	rev := testRevision{path: "x.txt", data: noiseBlock(7, 2000)}
	putRevisions(t, setup, []testRevision{rev})
	dataName, _ := packRevisions(t, setup, []testRevision{rev})
	setup.Close()

	corruptFile(t, filepath.Join(root, "packs", dataName+pack.KindData.PackSuffix()))

	s := openStore(t, root, Options{})
	got, err := s.Get(rev.key())
	if err != nil {
		t.Fatalf("Get with corrupt pack error: %v", err)
	}
	if string(got) != rev.data {
		t.Fatalf("Get served wrong bytes after pack corruption")
	}
}

func TestCorruptDataPackFailsStrict(t *testing.T) {
	root := t.TempDir()
	setup := openStore(t, root, Options{})
	rev := testRevision{path: "x.txt", data: noiseBlock(11, 2000)}
	putRevisions(t, setup, []testRevision{rev})
	dataName, _ := packRevisions(t, setup, []testRevision{rev})
	keys := []object.Key{rev.key()}
	if err := setup.Loose().Remove(keys); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	setup.Close()

	corruptFile(t, filepath.Join(root, "packs", dataName+pack.KindData.PackSuffix()))

	s, err := Open(root, Options{Strict: true})
	if err != nil {
		// The flip hit structural bytes and failed the open scan, which
		// is also a correct strict outcome.
		return
	}
	defer s.Close()
	if _, err := s.Get(rev.key()); err == nil {
		t.Fatal("strict Get from corrupt pack succeeded")
	}
}

func TestGetNeverServesMismatchedContent(t *testing.T) {
	root := t.TempDir()
	s := openStore(t, root, Options{})
	rev1 := testRevision{path: "dir/f.txt", data: "first revision"}
	rev2 := testRevision{path: "dir/f.txt", data: "second revision"}
	putRevisions(t, s, []testRevision{rev1, rev2})

	// Overwrite rev1's loose file with rev2's bytes. The envelope still
	// records the right path, so only node re-derivation can catch it.
	raw, err := os.ReadFile(looseFilePath(root, rev2.key()))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(looseFilePath(root, rev1.key()), raw, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Get(rev1.key()); err == nil {
		t.Fatal("Get returned content that does not derive its node")
	}
	got, err := s.Get(rev2.key())
	if err != nil {
		t.Fatalf("Get(%s) error: %v", rev2.key(), err)
	}
	if string(got) != rev2.data {
		t.Fatalf("Get = %q, want %q", got, rev2.data)
	}
}

func TestGetAncestorsFollowsCopies(t *testing.T) {
	s := openStore(t, t.TempDir(), Options{})

	origin := testRevision{path: "old/name.txt", data: "origin"}
	copied := testRevision{
		path: "new/name.txt",
		data: "origin with edits",
		info: object.NodeInfo{P1: origin.key().Node, CopyFrom: "old/name.txt"},
	}
	tip := testRevision{
		path: "new/name.txt",
		data: "origin with more edits",
		info: object.NodeInfo{P1: copied.key().Node},
	}
	putRevisions(t, s, []testRevision{origin, copied, tip})

	revs, err := s.GetAncestors(tip.key(), 0)
	if err != nil {
		t.Fatalf("GetAncestors error: %v", err)
	}
	want := []object.Key{tip.key(), copied.key(), origin.key()}
	if len(revs) != len(want) {
		t.Fatalf("GetAncestors returned %d revisions, want %d", len(revs), len(want))
	}
	for i, rev := range revs {
		if rev.Key != want[i] {
			t.Fatalf("ancestor %d = %s, want %s", i, rev.Key, want[i])
		}
	}

	limited, err := s.GetAncestors(tip.key(), 2)
	if err != nil {
		t.Fatalf("GetAncestors limited error: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("GetAncestors limit 2 returned %d revisions", len(limited))
	}
}

func TestGetAncestorsStopsWhereChainLeavesStore(t *testing.T) {
	s := openStore(t, t.TempDir(), Options{})

	absent := testRevision{path: "f.txt", data: "never stored"}
	child := testRevision{
		path: "f.txt",
		data: "stored child",
		info: object.NodeInfo{P1: absent.key().Node},
	}
	putRevisions(t, s, []testRevision{child})

	revs, err := s.GetAncestors(child.key(), 0)
	if err != nil {
		t.Fatalf("GetAncestors error: %v", err)
	}
	if len(revs) != 1 || revs[0].Key != child.key() {
		t.Fatalf("GetAncestors = %d revisions, want just the child", len(revs))
	}
}

func TestPackedKeysListsUnion(t *testing.T) {
	root := t.TempDir()
	s := openStore(t, root, Options{})
	a := testRevision{path: "a.txt", data: "alpha"}
	b := testRevision{path: "b.txt", data: "beta"}
	c := testRevision{path: "c.txt", data: "gamma"}
	putRevisions(t, s, []testRevision{a, b, c})

	// Two pack pairs with an overlapping member.
	packRevisions(t, s, []testRevision{a, b})
	packRevisions(t, s, []testRevision{b, c})

	keys, err := s.PackedKeys()
	if err != nil {
		t.Fatalf("PackedKeys error: %v", err)
	}
	want := []object.Key{a.key(), b.key(), c.key()}
	object.SortKeys(want)
	if len(keys) != len(want) {
		t.Fatalf("PackedKeys returned %d keys, want %d", len(keys), len(want))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("PackedKeys[%d] = %s, want %s", i, keys[i], want[i])
		}
	}
	if !s.ContainsPacked(a.key()) {
		t.Fatal("ContainsPacked missed a packed key")
	}
}

func TestGetMetaAcrossLayers(t *testing.T) {
	root := t.TempDir()
	s := openStore(t, root, Options{})
	looseRev := testRevision{path: "loose.txt", data: "only loose"}
	packedRev := testRevision{path: "packed.txt", data: "only packed"}
	putRevisions(t, s, []testRevision{looseRev, packedRev})
	packRevisions(t, s, []testRevision{packedRev})
	if err := s.Loose().Remove([]object.Key{packedRev.key()}); err != nil {
		t.Fatalf("Remove error: %v", err)
	}

	for _, rev := range []testRevision{looseRev, packedRev} {
		meta, err := s.GetMeta(rev.key())
		if err != nil {
			t.Fatalf("GetMeta(%s) error: %v", rev.key(), err)
		}
		if meta.Size != uint64(len(rev.data)) {
			t.Fatalf("GetMeta(%s).Size = %d, want %d", rev.key(), meta.Size, len(rev.data))
		}
	}
}

func TestCacheDisabled(t *testing.T) {
	s := openStore(t, t.TempDir(), Options{CacheSize: -1})
	rev := testRevision{path: "a.txt", data: "no cache"}
	putRevisions(t, s, []testRevision{rev})
	for i := 0; i < 2; i++ {
		got, err := s.Get(rev.key())
		if err != nil {
			t.Fatalf("Get error: %v", err)
		}
		if string(got) != rev.data {
			t.Fatalf("Get = %q, want %q", got, rev.data)
		}
	}
}

func TestInfoCountsLayers(t *testing.T) {
	root := t.TempDir()
	s := openStore(t, root, Options{})
	a := testRevision{path: "a.txt", data: "alpha"}
	b := testRevision{path: "b.txt", data: "beta"}
	putRevisions(t, s, []testRevision{a, b})
	packRevisions(t, s, []testRevision{a, b})
	if err := s.Loose().Remove([]object.Key{b.key()}); err != nil {
		t.Fatalf("Remove error: %v", err)
	}

	info, err := s.Info()
	if err != nil {
		t.Fatalf("Info error: %v", err)
	}
	if info.Loose.Objects != 1 {
		t.Fatalf("Info.Loose.Objects = %d, want 1", info.Loose.Objects)
	}
	if info.DataPacks != 1 || info.HistoryPacks != 1 {
		t.Fatalf("Info packs = %d data, %d history, want 1 and 1",
			info.DataPacks, info.HistoryPacks)
	}
	if info.PackedRevisions != 2 {
		t.Fatalf("Info.PackedRevisions = %d, want 2", info.PackedRevisions)
	}
	if info.PackBytes == 0 {
		t.Fatal("Info.PackBytes = 0 with published packs on disk")
	}
}
