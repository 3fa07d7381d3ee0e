package bootstrap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/artpar/ledgerboot/internal/core/domain"
	"github.com/artpar/ledgerboot/internal/core/identity"
	"github.com/artpar/ledgerboot/internal/core/plan"
	"github.com/artpar/ledgerboot/internal/shell/contract"
	"github.com/artpar/ledgerboot/internal/shell/deployer"
	"github.com/artpar/ledgerboot/internal/shell/ledger/ledgertest"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Helpers
// =============================================================================

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

var testSecrets = []string{"0x01", testMnemonic}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Contract = contract.Config{
		ReceiptTimeout:  2 * time.Second,
		PollInterval:    time.Millisecond,
		MaxPollInterval: 2 * time.Millisecond,
	}
	return cfg
}

// tickingClock returns a clock that advances one millisecond per reading.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

type env struct {
	ctx     context.Context
	ledger  *ledgertest.Ledger
	fixture *ledgertest.Fixture
}

func newEnv(opts ledgertest.FixtureOptions, ledgerOpts ...ledgertest.Option) *env {
	l := ledgertest.New(append([]ledgertest.Option{ledgertest.WithClock(tickingClock())}, ledgerOpts...)...)
	f := ledgertest.NewFixture(opts)
	f.Install(l)
	return &env{ctx: context.Background(), ledger: l, fixture: f}
}

func (e *env) sequencer(t *testing.T, cfg Config, opts ...Option) *Sequencer {
	t.Helper()
	s, err := New(e.fixture.Store, e.ledger, cfg, testLogger(), opts...)
	require.NoError(t, err)
	return s
}

func (e *env) bind(t *testing.T, name string, addr common.Address) *contract.Handle {
	t.Helper()
	a, err := e.fixture.Store.MustFindByName(name)
	require.NoError(t, err)
	ids, err := identity.Derive(testSecrets, identity.Options{})
	require.NoError(t, err)
	return contract.NewBuilder(e.ledger, testConfig().Contract, testLogger()).At(name, a.ABI, addr, ids.Deployer())
}

func (e *env) sends(method string) []ledgertest.Record {
	var out []ledgertest.Record
	for _, r := range e.ledger.Records() {
		if r.Kind == ledgertest.KindSend && r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// =============================================================================
// Run
// =============================================================================

func TestRun_FullBootstrap(t *testing.T) {
	e := newEnv(ledgertest.FixtureOptions{})
	s := e.sequencer(t, testConfig(), WithRunID("run-1"))

	res, err := s.Run(e.ctx, testSecrets)
	require.NoError(t, err)

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, plan.OrderStates(), res.Completed)
	assert.NotEqual(t, common.Address{}, res.Registry)
	assert.NotEqual(t, common.Address{}, res.Universe)
	assert.Equal(t, res.Contracts["Cash"], res.Cash)
	assert.Equal(t, res.Contracts["GenesisUniverse"], res.Universe)

	for _, name := range []string{"Controller", "Augur", "Cash", "Orders", "OrdersTarget", "TradingEscapeHatch", "TradingEscapeHatchTarget", "OrdersFetcher", "Universe"} {
		assert.Contains(t, res.Contracts, name)
	}
	assert.NotContains(t, res.Contracts, "IOrders")
	assert.NotContains(t, res.Contracts, "ITrade")

	markets := []common.Address{res.Markets.Binary, res.Markets.Categorical, res.Markets.Scalar}
	for _, m := range markets {
		assert.Equal(t, "Market", e.ledger.ProgramAt(m))
	}
	assert.NotEqual(t, markets[0], markets[1])
	assert.NotEqual(t, markets[1], markets[2])
}

func TestRun_OnChainState(t *testing.T) {
	e := newEnv(ledgertest.FixtureOptions{})
	s := e.sequencer(t, testConfig())

	res, err := s.Run(e.ctx, testSecrets)
	require.NoError(t, err)
	ids, err := identity.Derive(testSecrets, identity.Options{})
	require.NoError(t, err)

	reg := e.bind(t, "Controller", res.Registry)

	// Delegated contracts are registered as proxies, targets under the suffixed key.
	orders, err := reg.CallAddress(e.ctx, "lookup", "Orders")
	require.NoError(t, err)
	target, err := reg.CallAddress(e.ctx, "lookup", "OrdersTarget")
	require.NoError(t, err)
	assert.Equal(t, res.Contracts["Orders"], orders)
	assert.Equal(t, res.Contracts["OrdersTarget"], target)
	assert.NotEqual(t, orders, target)

	// Trading contracts are whitelisted.
	listed, err := reg.CallBool(e.ctx, "whitelist", orders)
	require.NoError(t, err)
	assert.True(t, listed)

	// Initialized contracts point at the registry.
	for _, name := range []string{"Augur", "CreateOrder", "OrdersFetcher"} {
		controller, err := e.bind(t, name, res.Contracts[name]).CallAddress(e.ctx, "getController")
		require.NoError(t, err)
		assert.Equal(t, res.Registry, controller, name)
	}

	// Every identity approved the authority.
	cash := e.bind(t, "Cash", res.Cash)
	for _, id := range ids {
		allowance, err := cash.CallBig(e.ctx, "allowance", id.Address, res.Contracts["Augur"])
		require.NoError(t, err)
		assert.Equal(t, UnlimitedApproval.String(), allowance.String())
	}

	// The funding identity deposited.
	funder, err := ids.At(9)
	require.NoError(t, err)
	balance, err := cash.CallBig(e.ctx, "balanceOf", funder.Address)
	require.NoError(t, err)
	assert.Equal(t, "1", balance.String())

	// The genesis universe is a proxy with no parent.
	universe := e.bind(t, "Universe", res.Universe)
	assert.Equal(t, "Delegator", e.ledger.ProgramAt(res.Universe))
	parent, err := universe.CallAddress(e.ctx, "getParentUniverse")
	require.NoError(t, err)
	assert.Equal(t, common.Address{}, parent)

	// Markets end one day after genesis.
	end, err := e.bind(t, "Market", res.Markets.Binary).CallBig(e.ctx, "getEndTime")
	require.NoError(t, err)
	assert.Equal(t, ledgertest.DefaultGenesisTime.Add(24*time.Hour).Unix(), end.Int64())
}

func TestRun_StateOrdering(t *testing.T) {
	e := newEnv(ledgertest.FixtureOptions{})
	var states []plan.State
	s := e.sequencer(t, testConfig(), WithHooks(Hooks{
		OnState: func(state plan.State, err error, _ time.Duration) {
			assert.NoError(t, err)
			states = append(states, state)
		},
	}))

	_, err := s.Run(e.ctx, testSecrets)
	require.NoError(t, err)
	assert.Equal(t, plan.OrderStates(), states)

	records := e.ledger.Records()
	whitelist := e.sends("addToWhitelist")
	require.NotEmpty(t, whitelist)
	firstWhitelist := whitelist[0]

	// Only the genesis delegator is deployed after whitelisting starts.
	var lateDeploys []string
	for _, r := range records {
		if r.Kind == ledgertest.KindDeploy && r.At.After(firstWhitelist.At) {
			lateDeploys = append(lateDeploys, r.Program)
		}
	}
	assert.Equal(t, []string{"Delegator"}, lateDeploys)

	// Genesis is initialized before any market is created.
	var genesisInit, firstMarket time.Time
	for _, r := range records {
		if r.Kind != ledgertest.KindSend {
			continue
		}
		if r.Program == "Universe" && r.Method == "initialize" && genesisInit.IsZero() {
			genesisInit = r.At
		}
		if r.Method == "createMarket" && firstMarket.IsZero() {
			firstMarket = r.At
		}
	}
	require.False(t, genesisInit.IsZero())
	require.False(t, firstMarket.IsZero())
	assert.True(t, genesisInit.Before(firstMarket))
}

func TestRun_RegistryOwnerMismatch(t *testing.T) {
	e := newEnv(ledgertest.FixtureOptions{RegistryOwner: common.HexToAddress("0xbad")})
	var entered []plan.State
	s := e.sequencer(t, testConfig(), WithHooks(Hooks{
		OnState: func(state plan.State, _ error, _ time.Duration) { entered = append(entered, state) },
	}))

	res, err := s.Run(e.ctx, testSecrets)
	require.Error(t, err)

	var se *StateError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, plan.StateDeployRegistry, se.State)
	assert.Equal(t, "Controller", se.Contract)
	assert.ErrorIs(t, err, domain.ErrRegistryOwnerMismatch)
	assert.ErrorIs(t, err, domain.ErrPrecondition)
	assert.Contains(t, err.Error(), "registry owner mismatch")

	assert.Equal(t, []plan.State{plan.StateProvisionAccounts, plan.StateDeployRegistry}, entered)
	assert.Equal(t, []plan.State{plan.StateProvisionAccounts}, res.Completed)

	var deployed []string
	for _, r := range e.ledger.Records() {
		if r.Kind == ledgertest.KindDeploy {
			deployed = append(deployed, r.Program)
		}
	}
	assert.Equal(t, []string{"Controller"}, deployed)
}

func TestRun_ReceiptTimeoutIsRetryable(t *testing.T) {
	e := newEnv(ledgertest.FixtureOptions{})
	e.ledger.HoldReceipts(true)
	cfg := testConfig()
	cfg.Contract.ReceiptTimeout = 20 * time.Millisecond
	s := e.sequencer(t, cfg)

	_, err := s.Run(e.ctx, testSecrets)
	require.ErrorIs(t, err, domain.ErrTransactionTimeout)
	assert.True(t, domain.IsRetryable(err))

	var se *StateError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, plan.StateDeployRegistry, se.State)
}

func TestRun_DeployAllFailureStopsRun(t *testing.T) {
	e := newEnv(ledgertest.FixtureOptions{})
	e.ledger.RevertOn("Trade", "constructor")
	cfg := testConfig()
	cfg.MaxInFlight = 1
	s := e.sequencer(t, cfg)

	res, err := s.Run(e.ctx, testSecrets)
	require.ErrorIs(t, err, domain.ErrTransactionReverted)

	var se *StateError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, plan.StateDeployAll, se.State)
	assert.Equal(t, "Trade", se.Contract)

	assert.Empty(t, e.sends("addToWhitelist"), "no state after DeployAll runs")
	assert.Equal(t, 0, e.ledger.Deployments("TradingEscapeHatch"), "deployments after the failure are skipped")
	assert.Equal(t, 1, e.ledger.Deployments("Cash"), "deployments before the failure stand")
	assert.Contains(t, res.Contracts, "Cash")
	assert.NotContains(t, res.Contracts, "Trade")
}

func TestRun_TooFewIdentitiesForFunding(t *testing.T) {
	e := newEnv(ledgertest.FixtureOptions{})
	s := e.sequencer(t, testConfig())

	_, err := s.Run(e.ctx, []string{"0x01"})
	require.ErrorIs(t, err, domain.ErrConfiguration)

	var se *StateError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, plan.StateProvisionAccounts, se.State)
	assert.Empty(t, e.ledger.Records())
}

func TestRun_KnownContractsAreReused(t *testing.T) {
	e := newEnv(ledgertest.FixtureOptions{})
	ids, err := identity.Derive(testSecrets, identity.Options{})
	require.NoError(t, err)
	b := contract.NewBuilder(e.ledger, testConfig().Contract, testLogger())

	controller, err := e.fixture.Store.MustFindByName("Controller")
	require.NoError(t, err)
	reg, err := b.Deploy(e.ctx, "Controller", controller, ids.Deployer())
	require.NoError(t, err)
	cashArtifact, err := e.fixture.Store.MustFindByName("Cash")
	require.NoError(t, err)
	cash, err := b.Deploy(e.ctx, "Cash", cashArtifact, ids.Deployer())
	require.NoError(t, err)
	_, err = reg.Transact(e.ctx, nil, "setValue", "Cash", cash)
	require.NoError(t, err)

	s := e.sequencer(t, testConfig(), WithKnownContracts(map[string]common.Address{
		"Controller": reg.Address,
		"Cash":       cash.Address,
	}))
	res, err := s.Run(e.ctx, testSecrets)
	require.NoError(t, err)

	assert.Equal(t, reg.Address, res.Registry)
	assert.Equal(t, cash.Address, res.Cash)
	assert.Equal(t, 1, e.ledger.Deployments("Controller"))
	assert.Equal(t, 1, e.ledger.Deployments("Cash"))

	controllerOfCash, err := e.bind(t, "Cash", cash.Address).CallAddress(e.ctx, "getController")
	require.NoError(t, err)
	assert.Equal(t, reg.Address, controllerOfCash, "reused contract without a controller is initialized")
}

func TestRun_ResumeSkipsInitializedContracts(t *testing.T) {
	e := newEnv(ledgertest.FixtureOptions{})
	first, err := e.sequencer(t, testConfig()).Run(e.ctx, testSecrets)
	require.NoError(t, err)
	initialized := len(e.sends("setController"))
	require.NotZero(t, initialized)
	before := len(e.ledger.Records())

	s := e.sequencer(t, testConfig(), WithKnownContracts(first.Contracts))
	second, err := s.Run(e.ctx, testSecrets)
	require.NoError(t, err)

	assert.Equal(t, first.Registry, second.Registry)
	assert.Equal(t, first.Universe, second.Universe)
	assert.Equal(t, first.Cash, second.Cash)
	assert.Len(t, e.sends("setController"), initialized)
	assert.Equal(t, 1, e.ledger.Deployments("Cash"))
	for _, r := range e.ledger.Records()[before:] {
		assert.False(t, r.Reverted, "%s %s.%s reverted", r.Kind, r.Program, r.Method)
	}
}

func TestRun_UnknownKnownContract(t *testing.T) {
	e := newEnv(ledgertest.FixtureOptions{})
	s := e.sequencer(t, testConfig(), WithKnownContracts(map[string]common.Address{"Nope": {1}}))

	_, err := s.Run(e.ctx, testSecrets)
	require.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Empty(t, e.ledger.Records())
}

func TestRun_Hooks(t *testing.T) {
	e := newEnv(ledgertest.FixtureOptions{})
	var (
		mu        sync.Mutex
		txs       int
		resolved  = map[string]int{}
		inFlight  int
		maxFlight int
		runErr    = errors.New("unset")
	)
	cfg := testConfig()
	cfg.MaxInFlight = 3
	s := e.sequencer(t, cfg, WithHooks(Hooks{
		OnTransaction: func(kind, outcome string, _ time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			txs++
		},
		OnResolution: func(name string, outcome deployer.Outcome, failed bool) {
			mu.Lock()
			defer mu.Unlock()
			resolved[outcome.String()]++
		},
		TrackInFlight: func() func() {
			mu.Lock()
			defer mu.Unlock()
			inFlight++
			if inFlight > maxFlight {
				maxFlight = inFlight
			}
			return func() {
				mu.Lock()
				defer mu.Unlock()
				inFlight--
			}
		},
		OnRun: func(err error) { runErr = err },
	}))

	_, err := s.Run(e.ctx, testSecrets)
	require.NoError(t, err)

	assert.NoError(t, runErr)
	assert.Equal(t, len(e.ledger.Records())-len(callRecords(e)), txs)
	assert.Positive(t, resolved["deployed"])
	assert.Zero(t, inFlight)
	assert.LessOrEqual(t, maxFlight, 3)
}

func callRecords(e *env) []ledgertest.Record {
	var out []ledgertest.Record
	for _, r := range e.ledger.Records() {
		if r.Kind == ledgertest.KindCall {
			out = append(out, r)
		}
	}
	return out
}

// =============================================================================
// New
// =============================================================================

func TestNew_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing registry", func(c *Config) { c.Plan.Registry.Name = "Missing" }},
		{"no initializer", func(c *Config) {
			c.Plan.Initialize = append(c.Plan.Initialize, plan.InitializeEntry{Name: "Orders"})
		}},
		{"funding amount", func(c *Config) { c.Plan.FundingAmount = big.NewInt(0) }},
		{"negative funding identity", func(c *Config) { c.Plan.FundingIdentity = -1 }},
		{"unknown market type", func(c *Config) { c.Plan.MarketType = "Nope" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(ledgertest.FixtureOptions{})
			cfg := testConfig()
			tt.mutate(&cfg)

			_, err := New(e.fixture.Store, e.ledger, cfg, nil)
			assert.ErrorIs(t, err, domain.ErrConfiguration)
			assert.Empty(t, e.ledger.Records())
		})
	}
}

func TestStateError(t *testing.T) {
	cause := domain.NewDeployError("deploy", "Trade", "constructor args []", domain.ErrTransactionReverted)
	se := newStateError(plan.StateDeployAll, cause)

	assert.Equal(t, "Trade", se.Contract)
	assert.Equal(t, "bootstrap DeployAll (Trade): deploy Trade: constructor args []: transaction reverted", se.Error())
	assert.ErrorIs(t, se, domain.ErrTransactionReverted)

	plain := newStateError(plan.StateProvisionAccounts, domain.ErrInvalidSecret)
	assert.Equal(t, "bootstrap ProvisionAccounts: configuration error: invalid secret", plain.Error())
}
