package sri

import (
	"sync"

	"github.com/ridgedb/ridge/internal/statuscode"
)

// Registry tracks the live iterators for one shard, enforcing at most one
// active iterator per readId at a time.
type Registry struct {
	mu    sync.Mutex
	byID  map[uint64]*Iterator
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[uint64]*Iterator)}
}

// Open registers it under req's readId, or returns ALREADY_EXISTS if that
// readId already has a live iterator on this shard.
func (r *Registry) Open(readID uint64, it *Iterator) *statuscode.Classified {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[readID]; exists {
		return statuscode.New(statuscode.AlreadyExists, nil)
	}
	r.byID[readID] = it
	return nil
}

// Close removes readID's iterator, allowing it to be reopened.
func (r *Registry) Close(readID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, readID)
}

func (r *Registry) Get(readID uint64) (*Iterator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.byID[readID]
	return it, ok
}
