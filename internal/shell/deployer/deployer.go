package deployer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/artpar/ledgerboot/internal/core/artifact"
	"github.com/artpar/ledgerboot/internal/core/domain"
	"github.com/artpar/ledgerboot/internal/core/identity"
	"github.com/artpar/ledgerboot/internal/core/plan"
	"github.com/artpar/ledgerboot/internal/core/registry"
	"github.com/artpar/ledgerboot/internal/shell/contract"
	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Request describes one deploy-or-reuse resolution.
type Request struct {
	// Name is the logical name the handle is cached and registered under.
	Name string

	// Source and Contract locate the artifact. Contract defaults to Name.
	Source   string
	Contract string

	// Args are the constructor arguments.
	Args []interface{}

	// ABI, when set, is bound to the deployed handle instead of the
	// artifact's own ABI.
	ABI *abi.ABI
}

func (r Request) contractName() string {
	if r.Contract != "" {
		return r.Contract
	}
	return r.Name
}

// DeployObserver is notified of every resolution outcome. failed is true
// when the resolution returned an error.
type DeployObserver func(name string, outcome Outcome, failed bool)

// Option configures a Deployer.
type Option func(*Deployer)

// WithDeployObserver installs a resolution observer.
func WithDeployObserver(fn DeployObserver) Option {
	return func(d *Deployer) { d.observe = fn }
}

// WithCache replaces the deployer's empty cache, for example with one
// seeded from an earlier run.
func WithCache(c *Cache) Option {
	return func(d *Deployer) { d.cache = c }
}

// Deployer resolves logical contracts to deployed handles.
type Deployer struct {
	builder   *contract.Builder
	store     *artifact.Store
	cache     *Cache
	binder    *RegistryBinder
	delegator artifact.Artifact
	signer    identity.Identity
	observe   DeployObserver
	logger    *slog.Logger
}

// New creates a deployer that signs every deployment with signer and
// fronts delegated contracts with the delegator artifact.
func New(builder *contract.Builder, store *artifact.Store, binder *RegistryBinder, delegator artifact.Artifact, signer identity.Identity, logger *slog.Logger, opts ...Option) *Deployer {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Deployer{
		builder:   builder,
		store:     store,
		cache:     NewCache(),
		binder:    binder,
		delegator: delegator,
		signer:    signer,
		observe:   func(string, Outcome, bool) {},
		logger:    logger.With("component", "deployer"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Cache returns the deployer's cache.
func (d *Deployer) Cache() *Cache {
	return d.cache
}

// Binder returns the deployer's registry binder.
func (d *Deployer) Binder() *RegistryBinder {
	return d.binder
}

// Handle returns the deployed handle for name.
func (d *Deployer) Handle(name string) (*contract.Handle, error) {
	h, ok := d.cache.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotDeployed, name)
	}
	return h, nil
}

// =============================================================================
// Resolution
// =============================================================================

// Resolve returns the cached handle for req.Name or deploys it. An
// abstract artifact yields OutcomeAbstract and no error; a missing
// artifact is a configuration error.
func (d *Deployer) Resolve(ctx context.Context, req Request) (Result, error) {
	return d.resolve(ctx, req, false)
}

// ResolveAndRegister is Resolve followed by registering the new handle
// under req.Name. Both happen inside the single-flight barrier, so a
// handle is only ever observed after it is registered.
func (d *Deployer) ResolveAndRegister(ctx context.Context, req Request) (Result, error) {
	return d.resolve(ctx, req, true)
}

func (d *Deployer) resolve(ctx context.Context, req Request, register bool) (Result, error) {
	res, err := d.cache.Resolve(ctx, req.Name, func(ctx context.Context) (*contract.Handle, error) {
		a, err := d.store.Get(req.Source, req.contractName())
		if err != nil {
			return nil, domain.NewDeployError("resolve", req.Name, "", err)
		}
		if a.IsAbstract() {
			d.logger.Debug("skipping abstract contract", "contract", req.Name, "artifact", a.ID.String())
			return nil, nil
		}

		h, err := d.builder.Deploy(ctx, req.Name, a, d.signer, req.Args...)
		if err != nil {
			return nil, err
		}
		if req.ABI != nil {
			h = h.Bind(*req.ABI)
		}
		if register {
			if err := d.binder.Register(ctx, req.Name, h.Address); err != nil {
				return nil, err
			}
		}
		return h, nil
	})
	d.observe(req.Name, res.Outcome, err != nil)
	return res, err
}

// ResolveDelegated deploys the implementation of name under its target
// name, registers it, then deploys a delegator proxy pointing at the
// target's registry key and registers the proxy under name. The returned
// handle is the proxy bound with the implementation's ABI. An abstract
// implementation yields OutcomeAbstract and deploys nothing.
func (d *Deployer) ResolveDelegated(ctx context.Context, source, name string) (Result, error) {
	if h, ok := d.cache.Lookup(name); ok {
		d.observe(name, OutcomeCached, false)
		return Result{Handle: h, Outcome: OutcomeCached}, nil
	}

	targetName := registry.TargetName(name)
	targetKey, err := registry.NewKey(targetName)
	if err != nil {
		return Result{}, domain.NewDeployError("delegate", name, "", err)
	}

	target, err := d.ResolveAndRegister(ctx, Request{Name: targetName, Source: source, Contract: name})
	if err != nil {
		return Result{}, err
	}
	if !target.Deployed() {
		return target, nil
	}

	reg, err := d.binder.Registry()
	if err != nil {
		return Result{}, domain.NewDeployError("delegate", name, "", err)
	}
	targetABI := target.Handle.ABI
	return d.ResolveAndRegister(ctx, Request{
		Name:     name,
		Source:   d.delegator.Source,
		Contract: d.delegator.Name,
		Args:     []interface{}{reg.Address, targetKey},
		ABI:      &targetABI,
	})
}

// Apply resolves one planned deployment according to its kind.
func (d *Deployer) Apply(ctx context.Context, dep plan.Deployment) (Result, error) {
	switch k := dep.Kind.(type) {
	case plan.Delegated:
		return d.ResolveDelegated(ctx, dep.Artifact.Source, k.ProxyName)
	default:
		return d.ResolveAndRegister(ctx, Request{Name: dep.Name, Source: dep.Artifact.Source, Contract: dep.Artifact.Name})
	}
}

// DeployRegistry deploys the registry artifact and binds it to the
// deployer's registry binder.
func (d *Deployer) DeployRegistry(ctx context.Context, a artifact.Artifact) (*contract.Handle, error) {
	res, err := d.Resolve(ctx, Request{Name: a.Name, Source: a.Source, Contract: a.Name})
	if err != nil {
		return nil, err
	}
	if !res.Deployed() {
		return nil, domain.NewDeployError("deploy", a.Name, "registry artifact is abstract", domain.ErrInvalidArtifact)
	}
	d.binder.Bind(res.Handle)
	return res.Handle, nil
}
