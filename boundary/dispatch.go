package boundary

import (
	"context"
	"sync"

	"github.com/yairchu/inline-wat/funcptr"
)

// Callable is a host function value the guest can invoke through the
// dispatch intrinsic. Args arrive in raw stack representation, one
// u64 per declared parameter; the result uses the same encoding. A
// returned error crosses back as a HostException carrying that exact
// error value.
type Callable struct {
	Sig funcptr.Signature
	Fn  func(ctx context.Context, args []uint64) (uint64, error)
}

// CallableRegistry maps dispatch ids to host callables. The id is the
// managed side of a guest "function pointer".
type CallableRegistry struct {
	mu   sync.RWMutex
	byID map[uint32]*Callable
	next uint32
}

func NewCallableRegistry() *CallableRegistry {
	return &CallableRegistry{byID: make(map[uint32]*Callable)}
}

// Register adds a callable and returns its dispatch id.
func (r *CallableRegistry) Register(c *Callable) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.byID[r.next] = c
	return r.next
}

// Get looks up a callable by dispatch id.
func (r *CallableRegistry) Get(id uint32) (*Callable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// Remove drops a callable. Guest code holding the id will fail its
// next dispatch.
func (r *CallableRegistry) Remove(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// Len returns the number of registered callables.
func (r *CallableRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
