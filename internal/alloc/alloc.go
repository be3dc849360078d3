// Package alloc hands out query identifiers for a worker. The 16-bit ID
// space eventually rolls over; old IDs may still be referenced by caches, so
// the owner installs a cleanup hook that is invoked, whitelist-verified, on
// every rollover.
package alloc

import (
	"sync"

	"github.com/vk/warden/internal/fnwlist"
)

// CleanupFunc is called when the ID space rolls over. Implementations are
// registered under fnwlist.AllocCleanup.
type CleanupFunc func(arg any)

// IDPool allocates query IDs for one worker.
type IDPool struct {
	mu      sync.Mutex
	next    uint32
	cleanup CleanupFunc
	arg     any
}

// New creates a pool. cleanup may not be nil; a pool without a rollover hook
// would silently reuse IDs that caches still reference.
func New(cleanup CleanupFunc, arg any) *IDPool {
	if cleanup == nil {
		panic("alloc: nil cleanup func")
	}
	return &IDPool{cleanup: cleanup, arg: arg}
}

// NextID returns the next query ID. On rollover of the 16-bit space it runs
// the cleanup hook before reusing any ID.
func (p *IDPool) NextID() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next > 0xffff {
		p.next = 0
		fnwlist.Check(fnwlist.AllocCleanup, p.cleanup)
		p.cleanup(p.arg)
	}
	id := uint16(p.next)
	p.next++
	return id
}
