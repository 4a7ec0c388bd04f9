package structure

import (
	"sync"

	"conductor/pkg/proto"
)

// Store holds the current structure snapshot shared between the web layer
// and the push channel. The structurer replaces it wholesale; everyone
// else only reads. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	tree proto.Tree
}

// NewStore creates a store holding an empty snapshot.
func NewStore() *Store {
	return &Store{tree: proto.Tree{}}
}

// Set replaces the snapshot. The tree is cloned so later mutations by the
// caller cannot alias the published state.
func (s *Store) Set(tree proto.Tree) {
	cloned := Clone(tree)
	if cloned == nil {
		cloned = proto.Tree{}
	}
	s.mu.Lock()
	s.tree = cloned
	s.mu.Unlock()
}

// Snapshot returns a deep copy of the current snapshot, never nil.
func (s *Store) Snapshot() proto.Tree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Clone(s.tree)
}

// Clear resets the snapshot to empty.
func (s *Store) Clear() {
	s.Set(proto.Tree{})
}

// FileCount returns the number of file leaves in the snapshot.
func (s *Store) FileCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CountFiles(s.tree)
}
