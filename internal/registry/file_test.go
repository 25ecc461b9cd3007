package registry

import (
	"os"
	"path/filepath"
	"testing"

	"aictl/pkg/types"
)

func TestPutLookupRemove(t *testing.T) {
	f := New(t.TempDir())
	if _, ok := f.Lookup("/proj"); ok {
		t.Fatal("expected empty registry")
	}
	e := types.RegistryEntry{Port: 4545, URL: "http://127.0.0.1:4545", OwnerPID: 12, WriterPID: 34, Timestamp: 1700000000}
	if err := f.Put("/proj", e); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok := f.Lookup("/proj")
	if !ok || got != e {
		t.Fatalf("lookup = %+v ok=%v", got, ok)
	}
	if err := f.Remove("/proj"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := f.Lookup("/proj"); ok {
		t.Fatal("expected entry gone")
	}
	// removing again is a no-op
	if err := f.Remove("/proj"); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}

func TestLastWriterWins(t *testing.T) {
	dir := t.TempDir()
	a := New(dir)
	b := New(dir)
	_ = a.Put("/proj", types.RegistryEntry{Port: 1, URL: "http://127.0.0.1:1"})
	_ = b.Put("/proj", types.RegistryEntry{Port: 2, URL: "http://127.0.0.1:2"})
	got, ok := a.Lookup("/proj")
	if !ok || got.Port != 2 {
		t.Fatalf("expected last writer's entry, got %+v", got)
	}
}

func TestCorruptFileTreatedAsEmpty(t *testing.T) {
	dir := t.TempDir()
	f := New(dir)
	if err := os.WriteFile(filepath.Join(dir, "servers.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}
	if _, ok := f.Lookup("/proj"); ok {
		t.Fatal("corrupt registry must read as empty")
	}
	// a write recovers the file
	if err := f.Put("/proj", types.RegistryEntry{Port: 9}); err != nil {
		t.Fatalf("put over corrupt file: %v", err)
	}
	if got, ok := f.Lookup("/proj"); !ok || got.Port != 9 {
		t.Fatalf("lookup after recovery = %+v ok=%v", got, ok)
	}
}

func TestEntriesAreIsolatedByDir(t *testing.T) {
	f := New(t.TempDir())
	_ = f.Put("/a", types.RegistryEntry{Port: 1})
	_ = f.Put("/b", types.RegistryEntry{Port: 2})
	all := f.All()
	if len(all) != 2 || all["/a"].Port != 1 || all["/b"].Port != 2 {
		t.Fatalf("all = %+v", all)
	}
}
