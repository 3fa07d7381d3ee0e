package deployer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/artpar/ledgerboot/internal/core/domain"
	"github.com/artpar/ledgerboot/internal/core/registry"
	"github.com/artpar/ledgerboot/internal/shell/contract"
	"github.com/ethereum/go-ethereum/common"
)

// RegistryBinder writes name → address bindings into the registry
// contract. Writes to one key are serialized; distinct keys proceed in
// parallel. Every key maps to at most one address for the binder's
// lifetime.
type RegistryBinder struct {
	setValue string
	logger   *slog.Logger

	mu       sync.Mutex
	registry *contract.Handle
	locks    map[registry.Key]*sync.Mutex
	bound    map[registry.Key]common.Address
}

// NewRegistryBinder creates a binder that writes through the registry's
// setValue method.
func NewRegistryBinder(setValue string, logger *slog.Logger) *RegistryBinder {
	if logger == nil {
		logger = slog.Default()
	}
	return &RegistryBinder{
		setValue: setValue,
		logger:   logger.With("component", "registry_binder"),
		locks:    make(map[registry.Key]*sync.Mutex),
		bound:    make(map[registry.Key]common.Address),
	}
}

// Bind attaches the deployed registry. Registrations sign with h's
// identity.
func (r *RegistryBinder) Bind(h *contract.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registry = h
}

// Registry returns the bound registry handle.
func (r *RegistryBinder) Registry() (*contract.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registry == nil {
		return nil, domain.ErrRegistryNotDeployed
	}
	return r.registry, nil
}

// Register binds name to addr in the registry. Registering the same
// address twice is a no-op; a different address for a bound key is a
// precondition error.
func (r *RegistryBinder) Register(ctx context.Context, name string, addr common.Address) error {
	reg, err := r.Registry()
	if err != nil {
		return domain.NewDeployError("register", name, "", err)
	}
	key, err := registry.NewKey(name)
	if err != nil {
		return domain.NewDeployError("register", name, "", err)
	}

	lock := r.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if prev, ok := r.lookup(key); ok {
		if prev == addr {
			return nil
		}
		return domain.NewDeployError("register", name,
			fmt.Sprintf("bound to %s, refusing %s", prev.Hex(), addr.Hex()), domain.ErrRegistryConflict)
	}

	if _, err := reg.Transact(ctx, nil, r.setValue, key, addr); err != nil {
		return err
	}

	r.mu.Lock()
	r.bound[key] = addr
	r.mu.Unlock()

	r.logger.Debug("registered", "name", name, "address", addr.Hex())
	return nil
}

// Bindings returns every registration made through the binder.
func (r *RegistryBinder) Bindings() map[string]common.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]common.Address, len(r.bound))
	for k, addr := range r.bound {
		out[k.String()] = addr
	}
	return out
}

func (r *RegistryBinder) keyLock(key registry.Key) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

func (r *RegistryBinder) lookup(key registry.Key) (common.Address, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr, ok := r.bound[key]
	return addr, ok
}
