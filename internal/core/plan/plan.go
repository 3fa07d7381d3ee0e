package plan

import (
	"fmt"
	"strings"

	"github.com/artpar/ledgerboot/internal/core/artifact"
	"github.com/artpar/ledgerboot/internal/core/domain"
	"github.com/artpar/ledgerboot/internal/core/registry"
)

// =============================================================================
// Deployment Kinds
// =============================================================================

// Kind selects how a contract is deployed. It is either Plain or Delegated.
type Kind interface {
	isKind()
}

// Plain deploys the implementation and registers it under its own name.
type Plain struct{}

// Delegated deploys the implementation under TargetName and fronts it with a
// delegator proxy registered under ProxyName.
type Delegated struct {
	TargetName string
	ProxyName  string
}

func (Plain) isKind()     {}
func (Delegated) isKind() {}

// Deployment is one entry of the DeployAll state.
type Deployment struct {
	Name     string
	Artifact artifact.Artifact
	Kind     Kind
}

// =============================================================================
// Initializers
// =============================================================================

// InitMethod is the method used to hand a contract the registry address.
type InitMethod string

const (
	InitSetController InitMethod = "setController"
	InitInitialize    InitMethod = "initialize"
)

// Initializer binds a deployed contract to its resolved init method.
type Initializer struct {
	Name   string
	Method InitMethod
}

// ResolveInitMethod picks setController over initialize based on the ABI.
func ResolveInitMethod(a artifact.Artifact) (InitMethod, error) {
	switch {
	case a.HasMethod(string(InitSetController)):
		return InitSetController, nil
	case a.HasMethod(string(InitInitialize)):
		return InitInitialize, nil
	default:
		return "", fmt.Errorf("%w: %s", domain.ErrMissingInitializer, a.Name)
	}
}

// =============================================================================
// Plan
// =============================================================================

// Plan is the fully resolved bootstrap plan.
type Plan struct {
	Config       Config
	Registry     artifact.Artifact
	Delegator    artifact.Artifact
	Deployments  []Deployment
	Whitelist    []string
	Initializers []Initializer

	byName map[string]Deployment
}

// Deployment returns the planned deployment for a logical name.
func (p *Plan) Deployment(name string) (Deployment, bool) {
	d, ok := p.byName[name]
	return d, ok
}

// Build resolves cfg against the artifact store.
//
// The registry and delegator artifacts are excluded from Deployments since
// they are deployed by their own states. Abstract artifacts are dropped.
// Every failure is a configuration error and is reported before any
// transaction is sent.
//
// Example:
//
//	p, err := plan.Build(store, plan.DefaultConfig())
//	if err != nil {
//	    return err // errors.Is(err, domain.ErrConfiguration)
//	}
func Build(store *artifact.Store, cfg Config) (*Plan, error) {
	reg, err := concrete(store, cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	for _, m := range []string{cfg.RegistryMethods.Owner, cfg.RegistryMethods.SetValue, cfg.RegistryMethods.Whitelist} {
		if !reg.HasMethod(m) {
			return nil, fmt.Errorf("%w: registry %s lacks %q", domain.ErrMissingMethod, reg.Name, m)
		}
	}
	del, err := concrete(store, cfg.Delegator)
	if err != nil {
		return nil, fmt.Errorf("delegator: %w", err)
	}

	p := &Plan{
		Config:    cfg,
		Registry:  reg,
		Delegator: del,
		byName:    make(map[string]Deployment),
	}

	delegated := make(map[string]bool, len(cfg.Delegated))
	for _, name := range cfg.Delegated {
		delegated[name] = true
	}

	for _, a := range store.All() {
		if a.Source == cfg.Registry.Source || a.Source == cfg.Delegator.Source || a.IsAbstract() {
			continue
		}
		if prev, dup := p.byName[a.Name]; dup {
			return nil, fmt.Errorf("%w: contract name %q defined in %s and %s", domain.ErrConfiguration, a.Name, prev.Artifact.Source, a.Source)
		}
		if _, err := registry.NewKey(a.Name); err != nil {
			return nil, err
		}

		d := Deployment{Name: a.Name, Artifact: a, Kind: Plain{}}
		if delegated[a.Name] {
			target := registry.TargetName(a.Name)
			if _, err := registry.NewKey(target); err != nil {
				return nil, err
			}
			d.Kind = Delegated{TargetName: target, ProxyName: a.Name}
		}
		p.byName[a.Name] = d
		p.Deployments = append(p.Deployments, d)
	}

	for _, name := range cfg.Delegated {
		if _, ok := p.byName[name]; !ok {
			return nil, fmt.Errorf("%w: delegated contract %q has no concrete artifact", domain.ErrConfiguration, name)
		}
	}

	if cfg.WhitelistGroup != "" {
		for _, source := range store.Sources() {
			if !strings.Contains(source, cfg.WhitelistGroup) {
				continue
			}
			name := artifact.ID{Source: source}.FileName()
			if _, ok := p.byName[name]; ok {
				p.Whitelist = append(p.Whitelist, name)
			}
		}
	}

	for _, entry := range cfg.Initialize {
		initializer, err := p.resolveInitializer(entry)
		if err != nil {
			return nil, err
		}
		p.Initializers = append(p.Initializers, initializer)
	}

	for _, name := range append([]string{cfg.Authority, cfg.Cash, cfg.Genesis, cfg.MarketCreation, cfg.FeeCalculator}, cfg.ApproveTokens...) {
		if name == "" {
			continue
		}
		if _, ok := p.byName[name]; !ok {
			return nil, fmt.Errorf("%w: required contract %q is not deployable", domain.ErrArtifactNotFound, name)
		}
	}
	if cfg.MarketType != "" {
		if _, err := store.MustFindByName(cfg.MarketType); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *Plan) resolveInitializer(entry InitializeEntry) (Initializer, error) {
	d, ok := p.byName[entry.Name]
	if !ok {
		return Initializer{}, fmt.Errorf("%w: initialize target %q is not deployable", domain.ErrArtifactNotFound, entry.Name)
	}
	if entry.Method == "" {
		m, err := ResolveInitMethod(d.Artifact)
		if err != nil {
			return Initializer{}, err
		}
		return Initializer{Name: entry.Name, Method: m}, nil
	}
	if !d.Artifact.HasMethod(string(entry.Method)) {
		return Initializer{}, fmt.Errorf("%w: %s.%s", domain.ErrMissingMethod, entry.Name, entry.Method)
	}
	return Initializer{Name: entry.Name, Method: entry.Method}, nil
}

func concrete(store *artifact.Store, ref ContractRef) (artifact.Artifact, error) {
	a, err := store.Get(ref.Source, ref.Name)
	if err != nil {
		return artifact.Artifact{}, err
	}
	if a.IsAbstract() {
		return artifact.Artifact{}, fmt.Errorf("%w: %s has no bytecode", domain.ErrInvalidArtifact, a.ID)
	}
	return a, nil
}
