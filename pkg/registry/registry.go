// Package registry holds the server's name-to-dataset mapping. The
// in-memory implementation is safe for concurrent readers during a merge;
// merges serialize with respect to each other.
package registry

import (
	"sort"
	"sync"

	"github.com/arbordata/arbor/pkg/datashape"
	"github.com/arbordata/arbor/pkg/engine"
)

// Registry is a read view over hosted datasets.
type Registry interface {
	engine.Members
	Names() []string
	Snapshot() map[string]engine.Dataset
}

// Mutable is a registry that accepts merged updates after startup. A
// registry that does not implement Mutable rejects the /add endpoint.
type Mutable interface {
	Registry
	Merge(entries map[string]engine.Dataset)
}

// Memory is the standard mutable in-memory registry. It also implements
// engine.Dataset, so nested registries (directory trees resolved by the
// spider) can be hosted as members of an outer registry.
type Memory struct {
	mu   sync.RWMutex
	data map[string]engine.Dataset
}

func NewMemory(data map[string]engine.Dataset) *Memory {
	if data == nil {
		data = make(map[string]engine.Dataset)
	}
	return &Memory{data: data}
}

func (m *Memory) Member(name string) (engine.Dataset, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ds, ok := m.data[name]
	return ds, ok
}

func (m *Memory) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.data))
	for name := range m.data {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Memory) Snapshot() map[string]engine.Dataset {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]engine.Dataset, len(m.data))
	for name, ds := range m.data {
		out[name] = ds
	}
	return out
}

// Merge installs every entry, overwriting existing names. Last writer wins
// per key; readers never observe a torn entry.
func (m *Memory) Merge(entries map[string]engine.Dataset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ds := range entries {
		m.data[name] = ds
	}
}

// Shape describes the registry as a record of its members' shapes.
func (m *Memory) Shape() datashape.DataShape {
	snapshot := m.Snapshot()
	generic := make(map[string]any, len(snapshot))
	for name, ds := range snapshot {
		generic[name] = ds
	}
	ds, err := datashape.Discover(generic)
	if err != nil {
		return datashape.DataShape{}
	}
	return ds
}

// Fixed is an immutable registry wrapper used when the server is started
// over data that must not accept updates.
type Fixed struct {
	inner *Memory
}

func NewFixed(data map[string]engine.Dataset) *Fixed {
	return &Fixed{inner: NewMemory(data)}
}

func (f *Fixed) Member(name string) (engine.Dataset, bool) { return f.inner.Member(name) }
func (f *Fixed) Names() []string                           { return f.inner.Names() }
func (f *Fixed) Snapshot() map[string]engine.Dataset       { return f.inner.Snapshot() }
func (f *Fixed) Shape() datashape.DataShape                { return f.inner.Shape() }
