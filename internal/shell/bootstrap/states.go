package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/artpar/ledgerboot/internal/core/domain"
	"github.com/artpar/ledgerboot/internal/core/identity"
	coremarket "github.com/artpar/ledgerboot/internal/core/market"
	"github.com/artpar/ledgerboot/internal/core/plan"
	"github.com/artpar/ledgerboot/internal/core/registry"
	"github.com/artpar/ledgerboot/internal/shell/contract"
	"github.com/artpar/ledgerboot/internal/shell/deployer"
	"github.com/artpar/ledgerboot/internal/shell/market"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// UnlimitedApproval is the allowance granted to the authority contract:
// 2^256 - 1, the largest uint256.
var UnlimitedApproval = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// =============================================================================
// ProvisionAccounts
// =============================================================================

func (s *Sequencer) provisionAccounts(ctx context.Context, r *run) error {
	ids, err := identity.Derive(r.secrets, s.config.Identity)
	if err != nil {
		return err
	}
	if _, err := ids.At(s.plan.Config.FundingIdentity); err != nil {
		return fmt.Errorf("funding identity: %w", err)
	}
	r.ids = ids

	var builderOpts []contract.Option
	if s.hooks.OnTransaction != nil {
		builderOpts = append(builderOpts, contract.WithTxObserver(s.hooks.OnTransaction))
	}
	r.builder = contract.NewBuilder(s.client, s.config.Contract, r.logger, builderOpts...)

	cache, err := s.seedCache(r.builder, ids.Deployer())
	if err != nil {
		return err
	}
	deployerOpts := []deployer.Option{deployer.WithCache(cache)}
	if s.hooks.OnResolution != nil {
		deployerOpts = append(deployerOpts, deployer.WithDeployObserver(s.hooks.OnResolution))
	}
	binder := deployer.NewRegistryBinder(s.plan.Config.RegistryMethods.SetValue, r.logger)
	r.deployer = deployer.New(r.builder, s.store, binder, s.plan.Delegator, ids.Deployer(), r.logger, deployerOpts...)

	r.logger.Info("accounts provisioned", "count", len(ids), "deployer", ids.Deployer().Address.Hex())
	return nil
}

// seedCache binds known contracts to the ABI their logical name implies.
func (s *Sequencer) seedCache(b *contract.Builder, signer identity.Identity) (*deployer.Cache, error) {
	cache := deployer.NewCache()
	for name, addr := range s.known {
		contractABI, ok := s.abiFor(name)
		if !ok {
			return nil, fmt.Errorf("%w: known contract %q is not part of the plan", domain.ErrConfiguration, name)
		}
		if err := cache.Store(b.At(name, contractABI, addr, signer)); err != nil {
			return nil, err
		}
	}
	return cache, nil
}

func (s *Sequencer) abiFor(name string) (abi.ABI, bool) {
	if name == s.plan.Registry.Name {
		return s.plan.Registry.ABI, true
	}
	if name == genesisName(s.plan.Config) {
		if d, ok := s.plan.Deployment(s.plan.Config.Genesis); ok {
			return d.Artifact.ABI, true
		}
	}
	if d, ok := s.plan.Deployment(name); ok {
		return d.Artifact.ABI, true
	}
	if base, ok := strings.CutSuffix(name, registry.TargetSuffix); ok {
		if d, ok := s.plan.Deployment(base); ok {
			if _, delegated := d.Kind.(plan.Delegated); delegated {
				return d.Artifact.ABI, true
			}
		}
	}
	return abi.ABI{}, false
}

// =============================================================================
// DeployRegistry
// =============================================================================

func (s *Sequencer) deployRegistry(ctx context.Context, r *run) error {
	reg, err := r.deployer.DeployRegistry(ctx, s.plan.Registry)
	if err != nil {
		return err
	}
	owner, err := reg.CallAddress(ctx, s.plan.Config.RegistryMethods.Owner)
	if err != nil {
		return err
	}
	if want := r.ids.Deployer().Address; owner != want {
		return domain.NewDeployError("verify", reg.Name,
			fmt.Sprintf("owner %s, deployer %s", owner.Hex(), want.Hex()), domain.ErrRegistryOwnerMismatch)
	}
	r.registry = reg
	return nil
}

// =============================================================================
// DeployAll
// =============================================================================

// deployAll resolves every planned deployment with bounded concurrency.
// After the first failure no further deployment starts; those already
// running finish, and every failure is returned joined.
func (s *Sequencer) deployAll(ctx context.Context, r *run) error {
	var (
		g       errgroup.Group
		failed  atomic.Bool
		skipped atomic.Int32
		mu      sync.Mutex
		errs    []error
	)
	g.SetLimit(s.config.MaxInFlight)

	for _, dep := range s.plan.Deployments {
		g.Go(func() error {
			if failed.Load() {
				skipped.Add(1)
				return nil
			}
			if s.hooks.TrackInFlight != nil {
				defer s.hooks.TrackInFlight()()
			}
			res, err := r.deployer.Apply(ctx, dep)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed.Store(true)
				errs = append(errs, err)
				return nil
			}
			if res.Deployed() {
				r.fresh[dep.Name] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		r.logger.Warn("deployments failed", "failed", len(errs), "skipped", skipped.Load())
		return errors.Join(errs...)
	}
	r.logger.Info("contracts deployed", "count", r.deployer.Cache().Len())
	return nil
}

// =============================================================================
// Whitelist
// =============================================================================

func (s *Sequencer) whitelist(ctx context.Context, r *run) error {
	for _, name := range s.plan.Whitelist {
		h, ok := r.deployer.Cache().Lookup(name)
		if !ok {
			r.logger.Debug("not whitelisting undeployed contract", "contract", name)
			continue
		}
		if _, err := r.registry.Transact(ctx, nil, s.plan.Config.RegistryMethods.Whitelist, h.Address); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Initialize
// =============================================================================

// controllerGetter reads the registry a contract was initialized with.
const controllerGetter = "getController"

// initialize hands the registry to every contract this run deployed.
// Reused contracts are initialized only when they report no controller.
func (s *Sequencer) initialize(ctx context.Context, r *run) error {
	for _, in := range s.plan.Initializers {
		h, err := r.deployer.Handle(in.Name)
		if err != nil {
			return domain.NewDeployError("initialize", in.Name, "", err)
		}
		if !h.Has(string(in.Method)) {
			return domain.NewDeployError("initialize", in.Name, string(in.Method), domain.ErrMissingInitializer)
		}
		if !r.fresh[in.Name] {
			done, err := initialized(ctx, h)
			if err != nil {
				return domain.NewDeployError("initialize", in.Name, controllerGetter, err)
			}
			if done {
				r.logger.Info("contract already initialized", "contract", in.Name, "address", h.Address.Hex())
				continue
			}
		}
		if _, err := h.Transact(ctx, nil, string(in.Method), r.registry.Address); err != nil {
			return err
		}
	}
	return nil
}

// initialized reports whether a reused contract already has a controller.
// A contract without a getter is assumed initialized.
func initialized(ctx context.Context, h *contract.Handle) (bool, error) {
	if !h.Has(controllerGetter) {
		return true, nil
	}
	controller, err := h.CallAddress(ctx, controllerGetter)
	if err != nil {
		return false, err
	}
	return controller != (common.Address{}), nil
}

// =============================================================================
// ApproveAuthority
// =============================================================================

func (s *Sequencer) approveAuthority(ctx context.Context, r *run) error {
	authority, err := r.deployer.Handle(s.plan.Config.Authority)
	if err != nil {
		return err
	}
	for _, tokenName := range s.plan.Config.ApproveTokens {
		token, err := r.deployer.Handle(tokenName)
		if err != nil {
			return err
		}
		for _, id := range r.ids {
			if _, err := token.As(id).Transact(ctx, nil, "approve", authority.Address, UnlimitedApproval); err != nil {
				return err
			}
		}
	}
	return nil
}

// =============================================================================
// CreateGenesisState
// =============================================================================

func genesisName(cfg plan.Config) string {
	return "Genesis" + cfg.Genesis
}

// createGenesisState deploys a delegator fronting the genesis contract
// and initializes it with null parent references.
func (s *Sequencer) createGenesisState(ctx context.Context, r *run) error {
	cfg := s.plan.Config
	impl, ok := s.plan.Deployment(cfg.Genesis)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrArtifactNotFound, cfg.Genesis)
	}
	key, err := registry.NewKey(cfg.Genesis)
	if err != nil {
		return err
	}

	implABI := impl.Artifact.ABI
	res, err := r.deployer.Resolve(ctx, deployer.Request{
		Name:     genesisName(cfg),
		Source:   s.plan.Delegator.Source,
		Contract: s.plan.Delegator.Name,
		Args:     []interface{}{r.registry.Address, key},
		ABI:      &implABI,
	})
	if err != nil {
		return err
	}
	universe := res.Handle

	if res.Outcome == deployer.OutcomeDeployed {
		initMethod, ok := universe.ABI.Methods["initialize"]
		if !ok {
			return domain.NewDeployError("initialize", universe.Name, "", domain.ErrMissingInitializer)
		}
		if _, err := universe.Transact(ctx, nil, "initialize", contract.ZeroArgs(initMethod.Inputs)...); err != nil {
			return err
		}
	}
	r.universe = universe
	r.logger.Info("genesis state created", "address", universe.Address.Hex())
	return nil
}

// =============================================================================
// SeedFunds
// =============================================================================

func (s *Sequencer) seedFunds(ctx context.Context, r *run) error {
	cfg := s.plan.Config
	cash, err := r.deployer.Handle(cfg.Cash)
	if err != nil {
		return err
	}
	funder, err := r.ids.At(cfg.FundingIdentity)
	if err != nil {
		return err
	}
	if _, err := cash.As(funder).Transact(ctx, cfg.FundingAmount, "depositEther"); err != nil {
		return err
	}
	r.logger.Info("funds seeded", "from", funder.Address.Hex(), "amount", cfg.FundingAmount.String())
	return nil
}

// =============================================================================
// CreateSampleMarkets
// =============================================================================

func (s *Sequencer) createSampleMarkets(ctx context.Context, r *run) error {
	cfg := s.plan.Config
	creation, err := r.deployer.Handle(cfg.MarketCreation)
	if err != nil {
		return err
	}
	feeCalc, err := r.deployer.Handle(cfg.FeeCalculator)
	if err != nil {
		return err
	}
	cash, err := r.deployer.Handle(cfg.Cash)
	if err != nil {
		return err
	}
	marketArtifact, err := s.store.MustFindByName(cfg.MarketType)
	if err != nil {
		return err
	}
	genesis, err := s.client.BlockTime(ctx, 0)
	if err != nil {
		return fmt.Errorf("genesis block time: %w", err)
	}

	factory := market.NewFactory(r.builder, creation, feeCalc, marketArtifact.ABI, s.config.Market, r.logger)
	anchor := coremarket.Anchor{
		Universe:          r.universe.Address,
		DenominationToken: cash.Address,
		Reporter:          r.ids.Deployer().Address,
		Genesis:           genesis,
	}

	for _, sample := range []struct {
		params coremarket.Parameters
		out    *common.Address
	}{
		{coremarket.ReasonableBinary(anchor), &r.markets.Binary},
		{coremarket.ReasonableCategorical(anchor, coremarket.SampleCategoricalOutcomes), &r.markets.Categorical},
		{coremarket.ReasonableScalar(anchor), &r.markets.Scalar},
	} {
		m, err := factory.CreateMarket(ctx, r.universe, sample.params)
		if err != nil {
			return err
		}
		*sample.out = m.Handle.Address
	}
	return nil
}
