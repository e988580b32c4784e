// Package filetable holds the ordered, mutex-protected collection of file
// entries shared by the peer (its local table) and the tracker (the merged
// global table). Insertion order is preserved so serialisation is
// deterministic; lookups are linear by name.
package filetable

import (
	"log"
	"sync"

	"github.com/michael4d45/dartsync/internal/types"
)

// Table is an ordered sequence of file entries under a single mutex. All
// public operations acquire the mutex for their full duration; no method is
// reentrant and callers must never invoke one table method from inside
// another table's critical section.
type Table struct {
	mu      sync.Mutex
	entries []types.FileEntry
}

// New returns an empty table.
func New() *Table {
	return &Table{}
}

// FromEntries builds a table from a decoded wire entry list. Duplicate names
// are dropped, keeping the entry with the greater timestamp.
func FromEntries(entries []types.FileEntry) *Table {
	t := New()
	for i := range entries {
		e := entries[i].Clone()
		if prev, ok := t.Search(e.Name); ok {
			if e.Timestamp > prev.Timestamp {
				t.Update(e.Name, e)
			}
			continue
		}
		t.Append(e)
	}
	return t
}

// Append adds entry at the tail. The caller is responsible for name
// uniqueness; use Search first or FromEntries for untrusted input.
func (t *Table) Append(e types.FileEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, e)
}

// Search returns a copy of the entry with the given name.
func (t *Table) Search(name string) (types.FileEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].Name == name {
			return t.entries[i].Clone(), true
		}
	}
	return types.FileEntry{}, false
}

// Delete removes the entry with the given name, reporting whether it was
// present.
func (t *Table) Delete(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].Name == name {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Update replaces the size, timestamp, mode and sources of the named entry
// in place. The name itself never changes. Returns false when absent.
func (t *Table) Update(name string, from types.FileEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].Name == name {
			t.entries[i].Size = from.Size
			t.entries[i].Timestamp = from.Timestamp
			t.entries[i].Mode = from.Mode
			t.entries[i].Sources = append([]string(nil), from.Sources...)
			return true
		}
	}
	return false
}

// Mutate runs fn against the stored entry under the table mutex. It is the
// escape hatch for the tracker's merge, which edits source lists in place;
// fn must not call back into the table.
func (t *Table) Mutate(name string, fn func(e *types.FileEntry)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].Name == name {
			fn(&t.entries[i])
			return true
		}
	}
	return false
}

// Snapshot returns a deep copy of the table contents in insertion order,
// suitable for serialisation or traversal without holding the mutex.
func (t *Table) Snapshot() []types.FileEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.FileEntry, 0, len(t.entries))
	for i := range t.entries {
		out = append(out, t.entries[i].Clone())
	}
	return out
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Log prints the table for diagnostics.
func (t *Table) Log(prefix string) {
	for _, e := range t.Snapshot() {
		log.Printf("%s %s", prefix, e.String())
	}
}
