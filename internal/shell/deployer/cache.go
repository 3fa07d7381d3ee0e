// Package deployer composes contract building, deduplication, registry
// binding and the delegation pattern into the single deploy-and-register
// operation every bootstrap state reuses.
package deployer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/artpar/ledgerboot/internal/core/domain"
	"github.com/artpar/ledgerboot/internal/shell/contract"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"
)

// Outcome says how a resolution was satisfied.
type Outcome int

const (
	// OutcomeDeployed means this call submitted the deployment.
	OutcomeDeployed Outcome = iota
	// OutcomeCached means the handle already existed or another in-flight
	// call for the same name deployed it.
	OutcomeCached
	// OutcomeAbstract means the artifact has no bytecode; nothing was
	// deployed and no handle exists.
	OutcomeAbstract
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDeployed:
		return "deployed"
	case OutcomeCached:
		return "cached"
	case OutcomeAbstract:
		return "abstract"
	default:
		return "unknown"
	}
}

// Result is the outcome of a resolution. Handle is nil for OutcomeAbstract.
type Result struct {
	Handle  *contract.Handle
	Outcome Outcome
}

// Deployed reports whether a handle exists.
func (r Result) Deployed() bool {
	return r.Handle != nil
}

// =============================================================================
// Cache
// =============================================================================

// Cache maps logical names to deployed handles for one run. Resolve is a
// single-flight barrier: concurrent resolutions of one name run the create
// function once.
type Cache struct {
	mu      sync.RWMutex
	handles map[string]*contract.Handle
	group   singleflight.Group
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{handles: make(map[string]*contract.Handle)}
}

// Lookup returns the handle cached under name.
func (c *Cache) Lookup(name string) (*contract.Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handles[name]
	return h, ok
}

// Store caches h under its name. Storing a different address under a name
// that is already cached is a precondition error.
func (c *Cache) Store(h *contract.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.handles[h.Name]; ok && prev.Address != h.Address {
		return fmt.Errorf("%w: %s cached at %s, not %s", domain.ErrPrecondition, h.Name, prev.Address.Hex(), h.Address.Hex())
	}
	c.handles[h.Name] = h
	return nil
}

// Resolve returns the handle cached under name, or runs create once for all
// concurrent callers and caches its handle. A nil handle from create means
// the contract is abstract; nothing is cached. Errors are not cached.
func (c *Cache) Resolve(ctx context.Context, name string, create func(ctx context.Context) (*contract.Handle, error)) (Result, error) {
	if h, ok := c.Lookup(name); ok {
		return Result{Handle: h, Outcome: OutcomeCached}, nil
	}

	leader := false
	v, err, _ := c.group.Do(name, func() (interface{}, error) {
		if h, ok := c.Lookup(name); ok {
			return Result{Handle: h, Outcome: OutcomeCached}, nil
		}
		leader = true
		h, err := create(ctx)
		if err != nil {
			return Result{}, err
		}
		if h == nil {
			return Result{Outcome: OutcomeAbstract}, nil
		}
		if err := c.Store(h); err != nil {
			return Result{}, err
		}
		return Result{Handle: h, Outcome: OutcomeDeployed}, nil
	})
	if err != nil {
		return Result{}, err
	}

	res := v.(Result)
	if !leader && res.Outcome == OutcomeDeployed {
		res.Outcome = OutcomeCached
	}
	return res, nil
}

// Names returns the cached names in sorted order.
func (c *Cache) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.handles))
	for name := range c.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns name → address for every cached handle.
func (c *Cache) Snapshot() map[string]common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]common.Address, len(c.handles))
	for name, h := range c.handles {
		out[name] = h.Address
	}
	return out
}

// Len returns the number of cached handles.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handles)
}
