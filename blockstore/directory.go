package blockstore

import (
	"sync"
)

// A Location identifies the node holding a block.
type Location struct {
	NodeID string
	Addr   string
}

// A Directory tracks the location of every block.
type Directory interface {
	// Register records that a node holds a block,
	// replacing any previous location.
	Register(key Key, loc Location)

	// Lookup returns the node holding a block.
	Lookup(key Key) (Location, bool)

	// Unregister forgets a block if it is still recorded
	// as living on the given node.
	Unregister(key Key, nodeID string)
}

// MemoryDirectory is a Directory shared in-process by all
// of the nodes of a cluster.
type MemoryDirectory struct {
	mu        sync.RWMutex
	locations map[Key]Location
}

// NewMemoryDirectory creates an empty MemoryDirectory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{locations: map[Key]Location{}}
}

func (m *MemoryDirectory) Register(key Key, loc Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[key] = loc
}

func (m *MemoryDirectory) Lookup(key Key) (Location, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.locations[key]
	return loc, ok
}

func (m *MemoryDirectory) Unregister(key Key, nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if loc, ok := m.locations[key]; ok && loc.NodeID == nodeID {
		delete(m.locations, key)
	}
}

// Len returns the number of registered blocks.
func (m *MemoryDirectory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.locations)
}

// Keys returns every registered key in a namespace.
func (m *MemoryDirectory) Keys(namespace string) []Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []Key
	for k := range m.locations {
		if k.Namespace == namespace {
			res = append(res, k)
		}
	}
	return res
}
