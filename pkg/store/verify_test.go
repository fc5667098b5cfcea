package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/odvcencio/revpack/pkg/object"
	"github.com/odvcencio/revpack/pkg/pack"
)

func TestVerifyCleanStore(t *testing.T) {
	root := t.TempDir()
	s := openStore(t, root, Options{})
	looseRev := testRevision{path: "loose.txt", data: "stays loose"}
	packedA := testRevision{path: "packed.txt", data: "packed body"}
	packedB := testRevision{
		path: "packed.txt",
		data: "packed body, edited",
		info: object.NodeInfo{P1: packedA.key().Node},
	}
	putRevisions(t, s, []testRevision{looseRev, packedA, packedB})
	packRevisions(t, s, []testRevision{packedA, packedB})
	if err := s.Loose().Remove([]object.Key{packedA.key(), packedB.key()}); err != nil {
		t.Fatalf("Remove error: %v", err)
	}

	report, err := s.Verify()
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if !report.OK() {
		t.Fatalf("Verify found problems in a clean store: %v", report.Problems)
	}
	if report.LooseRevisions != 1 {
		t.Fatalf("LooseRevisions = %d, want 1", report.LooseRevisions)
	}
	if report.DataPacks != 1 || report.HistoryPacks != 1 {
		t.Fatalf("packs = %d data, %d history, want 1 and 1",
			report.DataPacks, report.HistoryPacks)
	}
	if report.PackedRevisions != 2 {
		t.Fatalf("PackedRevisions = %d, want 2", report.PackedRevisions)
	}
}

func TestVerifyReportsCorruptPack(t *testing.T) {
	root := t.TempDir()
	s := openStore(t, root, Options{})
	rev := testRevision{path: "x.txt", data: noiseBlock(3, 2000)}
	putRevisions(t, s, []testRevision{rev})
	dataName, _ := packRevisions(t, s, []testRevision{rev})

	corruptFile(t, filepath.Join(root, "packs", dataName+pack.KindData.PackSuffix()))

	report, err := s.Verify()
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if report.OK() {
		t.Fatal("Verify missed a corrupt data pack")
	}
	found := false
	for _, p := range report.Problems {
		if strings.Contains(p, dataName) {
			found = true
		}
	}
	if !found {
		t.Fatalf("Problems do not name the corrupt pack: %v", report.Problems)
	}
}

func TestVerifyReportsMissingHistory(t *testing.T) {
	root := t.TempDir()
	s := openStore(t, root, Options{})
	rev := testRevision{path: "x.txt", data: "payload without history"}

	// A data pack with no matching history pack and no loose copy.
	dw, err := pack.NewDataWriter(s.PackDir(), 0)
	if err != nil {
		t.Fatalf("NewDataWriter error: %v", err)
	}
	defer dw.Abort()
	if err := dw.Add(rev.key(), []byte(rev.data)); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if _, err := dw.Flush(); err != nil {
		t.Fatalf("Flush error: %v", err)
	}

	report, err := s.Verify()
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if report.OK() {
		t.Fatal("Verify missed a revision with no history metadata")
	}
	found := false
	for _, p := range report.Problems {
		if strings.Contains(p, "history metadata") {
			found = true
		}
	}
	if !found {
		t.Fatalf("Problems do not mention missing history: %v", report.Problems)
	}
}

func TestVerifyReportsOrphanIndex(t *testing.T) {
	root := t.TempDir()
	s := openStore(t, root, Options{})
	rev := testRevision{path: "x.txt", data: "orphan fodder"}
	putRevisions(t, s, []testRevision{rev})
	dataName, _ := packRevisions(t, s, []testRevision{rev})

	packFile := filepath.Join(root, "packs", dataName+pack.KindData.PackSuffix())
	if err := os.Remove(packFile); err != nil {
		t.Fatalf("remove pack file: %v", err)
	}

	report, err := s.Verify()
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	found := false
	for _, p := range report.Problems {
		if strings.Contains(p, "pack file missing") {
			found = true
		}
	}
	if !found {
		t.Fatalf("Problems do not report the orphan index: %v", report.Problems)
	}
}

func TestVerifyReportsTamperedLoose(t *testing.T) {
	root := t.TempDir()
	s := openStore(t, root, Options{})
	rev1 := testRevision{path: "f.txt", data: "first"}
	rev2 := testRevision{path: "f.txt", data: "second"}
	putRevisions(t, s, []testRevision{rev1, rev2})

	raw, err := os.ReadFile(looseFilePath(root, rev2.key()))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(looseFilePath(root, rev1.key()), raw, 0o644); err != nil {
		t.Fatal(err)
	}

	report, err := s.Verify()
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if report.OK() {
		t.Fatal("Verify missed a loose file whose content derives another node")
	}
	found := false
	for _, p := range report.Problems {
		if strings.Contains(p, rev1.key().Node.String()) {
			found = true
		}
	}
	if !found {
		t.Fatalf("Problems do not name the tampered revision: %v", report.Problems)
	}
}
