// Package registry persists the cross-instance map of working directory to
// running assistant server. The file is shared by every aictl process on the
// machine and is deliberately lock-free: writers overwrite, the last writer
// wins, and stale entries are reclaimed lazily by health checks rather than
// by mutual exclusion.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"aictl/internal/common/fsutil"
	"aictl/pkg/types"
)

// File is a handle to the registry file. It holds no in-memory cache; every
// operation re-reads the file so concurrent writers are observed.
type File struct {
	path string
}

// New returns a registry handle rooted at dataDir.
func New(dataDir string) *File {
	return &File{path: filepath.Join(dataDir, "servers.json")}
}

// Path returns the backing file path.
func (f *File) Path() string { return f.path }

// load reads the registry map. A missing or unreadable file yields an empty
// map; corruption is treated as an empty registry, never an error, because
// the table is only ever a best-effort hint.
func (f *File) load() map[string]types.RegistryEntry {
	out := make(map[string]types.RegistryEntry)
	b, err := os.ReadFile(f.path)
	if err != nil {
		return out
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return make(map[string]types.RegistryEntry)
	}
	return out
}

func (f *File) store(m map[string]types.RegistryEntry) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	return fsutil.WriteFileAtomic(f.path, b, 0o644)
}

// Lookup returns the entry for a working directory, if present.
func (f *File) Lookup(dir string) (types.RegistryEntry, bool) {
	e, ok := f.load()[dir]
	return e, ok
}

// All returns a snapshot of every entry.
func (f *File) All() map[string]types.RegistryEntry {
	return f.load()
}

// Put records the entry for a working directory, overwriting any prior one.
func (f *File) Put(dir string, e types.RegistryEntry) error {
	m := f.load()
	m[dir] = e
	return f.store(m)
}

// Remove deletes the entry for a working directory. Removing an absent entry
// is a no-op.
func (f *File) Remove(dir string) error {
	m := f.load()
	if _, ok := m[dir]; !ok {
		return nil
	}
	delete(m, dir)
	return f.store(m)
}
