package scenario

import (
	"errors"
	"testing"
)

func TestSymbolTablePrunesAfterSnapshotSeq(t *testing.T) {
	tbl := newSymbolTable()
	tbl.define("a", "0x01", "A", nil)
	tbl.recordSnapshot("before", "0x1")
	tbl.define("b", "0x02", "B", nil)
	tbl.define("c", "0x03", "C", nil)

	snap, ok := tbl.takeSnapshot("before")
	if !ok {
		t.Fatal("snapshot not found")
	}
	tbl.pruneAfter(snap.seq)

	if _, err := tbl.resolve("a"); err != nil {
		t.Errorf("pre-snapshot symbol pruned: %v", err)
	}
	for _, name := range []string{"b", "c"} {
		if _, err := tbl.resolve(name); !errors.Is(err, ErrUnknownSymbol) {
			t.Errorf("resolve(%q) = %v, want ErrUnknownSymbol", name, err)
		}
	}
}

func TestSymbolTableTakeSnapshotIsLIFO(t *testing.T) {
	tbl := newSymbolTable()
	tbl.recordSnapshot("s1", "0x1")
	tbl.recordSnapshot("s2", "0x2")
	tbl.recordSnapshot("s3", "0x3")

	// Taking s2 discards s3 as well: the chain cannot revert past a
	// snapshot and later return to it.
	snap, ok := tbl.takeSnapshot("s2")
	if !ok || snap.chainID != "0x2" {
		t.Fatalf("takeSnapshot(s2) = %+v, %v", snap, ok)
	}
	if _, ok := tbl.takeSnapshot("s3"); ok {
		t.Error("s3 survived reverting to s2")
	}
	if snap, ok := tbl.takeSnapshot(""); !ok || snap.chainID != "0x1" {
		t.Errorf("latest snapshot = %+v, want s1", snap)
	}
}

func TestSymbolTableClearExceptKeepsOnlyNamed(t *testing.T) {
	tbl := newSymbolTable()
	tbl.define("a", "0x01", "A", nil)
	tbl.define("b", "0x02", "B", nil)
	tbl.recordSnapshot("s", "0x1")

	tbl.clearExcept([]string{"b"})

	if _, err := tbl.resolve("b"); err != nil {
		t.Errorf("kept symbol gone: %v", err)
	}
	if _, err := tbl.resolve("a"); err == nil {
		t.Error("unkept symbol survived")
	}
	if _, ok := tbl.takeSnapshot(""); ok {
		t.Error("snapshots survived a fork")
	}
}
