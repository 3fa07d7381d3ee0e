// Package bootstrap drives a complete bootstrap run: accounts, registry,
// every contract, whitelisting, initialization, approvals, genesis state,
// funding and sample markets, in that order.
//
// A Sequencer is built once from an artifact store and a plan
// configuration; every configuration error surfaces from New before a
// transaction is sent. Run executes the states against a ledger client.
// States never retry and never roll back: the first failure stops the run
// and is returned as a *StateError.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/ledgerboot/internal/core/artifact"
	"github.com/artpar/ledgerboot/internal/core/domain"
	"github.com/artpar/ledgerboot/internal/core/identity"
	"github.com/artpar/ledgerboot/internal/core/plan"
	"github.com/artpar/ledgerboot/internal/shell/contract"
	"github.com/artpar/ledgerboot/internal/shell/deployer"
	"github.com/artpar/ledgerboot/internal/shell/ledger"
	"github.com/artpar/ledgerboot/internal/shell/market"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Config configures a Sequencer.
type Config struct {
	Plan     plan.Config
	Contract contract.Config
	Market   market.Config
	Identity identity.Options

	// MaxInFlight bounds concurrent deployments in DeployAll.
	// Default: 4
	MaxInFlight int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Plan:        plan.DefaultConfig(),
		Contract:    contract.DefaultConfig(),
		Market:      market.DefaultConfig(),
		MaxInFlight: 4,
	}
}

// Hooks observe a run. Nil hooks are skipped.
type Hooks struct {
	OnState       func(state plan.State, err error, elapsed time.Duration)
	OnTransaction contract.TxObserver
	OnResolution  deployer.DeployObserver
	TrackInFlight func() (done func())
	OnRun         func(err error)
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithHooks installs run observers.
func WithHooks(h Hooks) Option {
	return func(s *Sequencer) { s.hooks = h }
}

// WithKnownContracts seeds the deployment cache with contracts deployed by
// an earlier run. Known names are reused instead of deployed again.
func WithKnownContracts(known map[string]common.Address) Option {
	return func(s *Sequencer) { s.known = known }
}

// WithRunID fixes the run ID instead of generating one.
func WithRunID(id string) Option {
	return func(s *Sequencer) { s.runID = id }
}

// Sequencer runs the bootstrap states.
type Sequencer struct {
	store  *artifact.Store
	client ledger.Client
	config Config
	plan   *plan.Plan
	hooks  Hooks
	known  map[string]common.Address
	runID  string
	logger *slog.Logger
}

// New plans a run. Every configuration error is reported here.
func New(store *artifact.Store, client ledger.Client, config Config, logger *slog.Logger, opts ...Option) (*Sequencer, error) {
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = DefaultConfig().MaxInFlight
	}
	if config.Plan.FundingAmount == nil || config.Plan.FundingAmount.Sign() <= 0 {
		return nil, domain.NewDeployError("plan", config.Plan.Cash, "funding amount must be positive", domain.ErrConfiguration)
	}
	if config.Plan.FundingIdentity < 0 {
		return nil, domain.NewDeployError("plan", "", fmt.Sprintf("funding identity %d", config.Plan.FundingIdentity), domain.ErrConfiguration)
	}
	if config.Market.MarketType == "" {
		config.Market.MarketType = config.Plan.MarketType
	}
	if config.Market.CreatedEvent == "" {
		config.Market.CreatedEvent = config.Plan.MarketCreatedEvent
	}
	if config.Market.AddressField == "" {
		config.Market.AddressField = market.DefaultConfig().AddressField
	}

	p, err := plan.Build(store, config.Plan)
	if err != nil {
		return nil, domain.NewDeployError("plan", "", "", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	s := &Sequencer{
		store:  store,
		client: client,
		config: config,
		plan:   p,
		logger: logger.With("component", "bootstrap"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Plan returns the resolved plan.
func (s *Sequencer) Plan() *plan.Plan {
	return s.plan
}

// run is the explicit state threaded through every bootstrap state.
type run struct {
	id        string
	secrets   []string
	ids       identity.Set
	builder   *contract.Builder
	deployer  *deployer.Deployer
	registry  *contract.Handle
	universe  *contract.Handle
	markets   Markets
	completed map[plan.State]bool
	fresh     map[string]bool
	logger    *slog.Logger
}

// Run executes every state in order and returns the addresses it
// produced. On failure the partial result is returned with a *StateError.
func (s *Sequencer) Run(ctx context.Context, secrets []string) (*Result, error) {
	id := s.runID
	if id == "" {
		id = uuid.NewString()
	}
	r := &run{
		id:        id,
		secrets:   secrets,
		completed: make(map[plan.State]bool),
		fresh:     make(map[string]bool),
		logger:    s.logger.With("run_id", id),
	}
	r.logger.Info("bootstrap started", "contracts", len(s.plan.Deployments), "max_in_flight", s.config.MaxInFlight)

	var runErr error
	for _, state := range plan.OrderStates() {
		if ok, reason := plan.CanEnter(state, r.completed); !ok {
			runErr = newStateError(state, fmt.Errorf("%w: %s", domain.ErrPrecondition, reason))
			break
		}
		if err := s.enter(ctx, r, state); err != nil {
			runErr = err
			break
		}
	}

	if s.hooks.OnRun != nil {
		s.hooks.OnRun(runErr)
	}
	result := s.result(r)
	if runErr != nil {
		r.logger.Error("bootstrap failed", "error", runErr, "completed", len(result.Completed))
		return result, runErr
	}
	r.logger.Info("bootstrap complete", "registry", result.Registry.Hex(), "contracts", len(result.Contracts))
	return result, nil
}

func (s *Sequencer) enter(ctx context.Context, r *run, state plan.State) error {
	logger := r.logger.With("state", state.String())
	logger.Info("state started")
	start := time.Now()

	err := s.step(state)(ctx, r)
	elapsed := time.Since(start)
	if s.hooks.OnState != nil {
		s.hooks.OnState(state, err, elapsed)
	}
	if err != nil {
		logger.Error("state failed", "error", err, "duration", elapsed)
		return newStateError(state, err)
	}

	r.completed[state] = true
	logger.Info("state complete", "duration", elapsed)
	return nil
}

func (s *Sequencer) step(state plan.State) func(context.Context, *run) error {
	switch state {
	case plan.StateProvisionAccounts:
		return s.provisionAccounts
	case plan.StateDeployRegistry:
		return s.deployRegistry
	case plan.StateDeployAll:
		return s.deployAll
	case plan.StateWhitelist:
		return s.whitelist
	case plan.StateInitialize:
		return s.initialize
	case plan.StateApproveAuthority:
		return s.approveAuthority
	case plan.StateCreateGenesisState:
		return s.createGenesisState
	case plan.StateSeedFunds:
		return s.seedFunds
	case plan.StateCreateSampleMarkets:
		return s.createSampleMarkets
	}
	return func(context.Context, *run) error {
		return fmt.Errorf("%w: no step for %s", domain.ErrConfiguration, state)
	}
}

func (s *Sequencer) result(r *run) *Result {
	res := &Result{
		RunID:     r.id,
		Contracts: map[string]common.Address{},
		Markets:   r.markets,
	}
	for _, state := range plan.OrderStates() {
		if r.completed[state] {
			res.Completed = append(res.Completed, state)
		}
	}
	if r.registry != nil {
		res.Registry = r.registry.Address
	}
	if r.universe != nil {
		res.Universe = r.universe.Address
	}
	if r.deployer != nil {
		res.Contracts = r.deployer.Cache().Snapshot()
		if cash, ok := r.deployer.Cache().Lookup(s.plan.Config.Cash); ok {
			res.Cash = cash.Address
		}
	}
	return res
}
