package contract

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/artpar/ledgerboot/internal/core/artifact"
	"github.com/artpar/ledgerboot/internal/core/domain"
	"github.com/artpar/ledgerboot/internal/core/identity"
	"github.com/artpar/ledgerboot/internal/core/registry"
	"github.com/artpar/ledgerboot/internal/shell/ledger"
	"github.com/artpar/ledgerboot/internal/shell/ledger/ledgertest"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Helpers
// =============================================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() Config {
	return Config{
		ReceiptTimeout:  200 * time.Millisecond,
		PollInterval:    time.Millisecond,
		MaxPollInterval: 5 * time.Millisecond,
	}
}

type env struct {
	ctx     context.Context
	ledger  *ledgertest.Ledger
	store   *artifact.Store
	builder *Builder
	ids     identity.Set
}

func newEnv(t *testing.T, cfg Config, opts ...ledgertest.Option) *env {
	t.Helper()
	ids, err := identity.Derive([]string{"0x01", "0x02"}, identity.Options{})
	require.NoError(t, err)

	l := ledgertest.New(opts...)
	f := ledgertest.StandardFixture()
	f.Install(l)
	return &env{
		ctx:     context.Background(),
		ledger:  l,
		store:   f.Store,
		builder: NewBuilder(l, cfg, testLogger()),
		ids:     ids,
	}
}

func (e *env) artifact(t *testing.T, name string) artifact.Artifact {
	t.Helper()
	a, err := e.store.MustFindByName(name)
	require.NoError(t, err)
	return a
}

// =============================================================================
// Builder
// =============================================================================

func TestNewBuilder_Defaults(t *testing.T) {
	b := NewBuilder(ledgertest.New(), Config{PollInterval: time.Minute}, nil)
	cfg := b.Config()

	assert.Equal(t, uint64(6_000_000), cfg.Gas)
	assert.Equal(t, 2*time.Minute, cfg.ReceiptTimeout)
	assert.Equal(t, time.Minute, cfg.MaxPollInterval, "max poll interval never below the first interval")
	assert.Equal(t, 1, cfg.SubmitBurst)
}

func TestDeploy_BindsSignerAndAddress(t *testing.T) {
	e := newEnv(t, fastConfig())

	h, err := e.builder.Deploy(e.ctx, "Controller", e.artifact(t, "Controller"), e.ids.Deployer())
	require.NoError(t, err)

	assert.Equal(t, "Controller", h.Name)
	assert.NotEqual(t, common.Address{}, h.Address)
	assert.NotEqual(t, common.Hash{}, h.TxHash)
	assert.Equal(t, e.ids.Deployer().Address, h.Identity.Address)
	assert.Equal(t, "Controller", e.ledger.ProgramAt(h.Address))

	owner, err := h.CallAddress(e.ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, e.ids.Deployer().Address, owner)
}

func TestDeploy_ConstructorArgsAreConverted(t *testing.T) {
	e := newEnv(t, fastConfig())
	reg, err := e.builder.Deploy(e.ctx, "Controller", e.artifact(t, "Controller"), e.ids.Deployer())
	require.NoError(t, err)

	// A handle stands in for an address and a plain string for a bytes32 key.
	proxy, err := e.builder.Deploy(e.ctx, "Orders", e.artifact(t, "Delegator"), e.ids.Deployer(), reg, "OrdersTarget")
	require.NoError(t, err)

	key, ok := e.ledger.Slot(proxy.Address, "key")
	require.True(t, ok)
	assert.Equal(t, [32]byte(registry.MustKey("OrdersTarget")), key)
}

func TestDeploy_AbstractArtifact(t *testing.T) {
	e := newEnv(t, fastConfig())

	_, err := e.builder.Deploy(e.ctx, "IOrders", e.artifact(t, "IOrders"), e.ids.Deployer())
	assert.ErrorIs(t, err, domain.ErrInvalidArtifact)
	assert.Empty(t, e.ledger.Records())
}

func TestDeploy_WrongArgumentCount(t *testing.T) {
	e := newEnv(t, fastConfig())

	_, err := e.builder.Deploy(e.ctx, "Orders", e.artifact(t, "Delegator"), e.ids.Deployer())
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Empty(t, e.ledger.Records())
}

func TestDeploy_RevertNamesContract(t *testing.T) {
	e := newEnv(t, fastConfig())
	e.ledger.RevertOn("Orders", "constructor")

	_, err := e.builder.Deploy(e.ctx, "Orders", e.artifact(t, "Orders"), e.ids.Deployer())
	require.ErrorIs(t, err, domain.ErrTransactionReverted)

	var de *domain.DeployError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "deploy", de.Op)
	assert.Equal(t, "Orders", de.Contract)
}

func TestWaitMined_PendingThenMined(t *testing.T) {
	e := newEnv(t, fastConfig(), ledgertest.WithPendingPolls(3))

	_, err := e.builder.Deploy(e.ctx, "Cash", e.artifact(t, "Cash"), e.ids.Deployer())
	require.NoError(t, err)
	assert.Equal(t, 4, e.ledger.ReceiptPolls())
}

func TestWaitMined_Timeout(t *testing.T) {
	cfg := fastConfig()
	cfg.ReceiptTimeout = 30 * time.Millisecond
	e := newEnv(t, cfg)
	e.ledger.HoldReceipts(true)

	_, err := e.builder.Deploy(e.ctx, "Cash", e.artifact(t, "Cash"), e.ids.Deployer())
	require.ErrorIs(t, err, domain.ErrTransactionTimeout)
	assert.True(t, domain.IsRetryable(err))
	assert.Greater(t, e.ledger.ReceiptPolls(), 1)
}

// failingReceipts fails every receipt lookup the way a broken node does.
type failingReceipts struct {
	*ledgertest.Ledger
	polls int
}

func (f *failingReceipts) Receipt(ctx context.Context, hash common.Hash) (ledger.Receipt, error) {
	f.polls++
	return ledger.Receipt{}, errors.New("internal error: database closed")
}

func TestWaitMined_ReceiptErrorIsNotRetryable(t *testing.T) {
	e := newEnv(t, fastConfig())
	client := &failingReceipts{Ledger: e.ledger}
	b := NewBuilder(client, fastConfig(), testLogger())

	_, err := b.Deploy(e.ctx, "Cash", e.artifact(t, "Cash"), e.ids.Deployer())
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrTransactionTimeout)
	assert.False(t, domain.IsRetryable(err))
	assert.Contains(t, err.Error(), "database closed")
	assert.Equal(t, 1, client.polls)
}

func TestWaitMined_ContextCancelled(t *testing.T) {
	e := newEnv(t, Config{ReceiptTimeout: time.Minute, PollInterval: time.Millisecond})
	e.ledger.HoldReceipts(true)

	ctx, cancel := context.WithTimeout(e.ctx, 20*time.Millisecond)
	defer cancel()

	_, err := e.builder.Deploy(ctx, "Cash", e.artifact(t, "Cash"), e.ids.Deployer())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTxObserver(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	observer := WithTxObserver(func(kind, outcome string, _ time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		seen[kind+"/"+outcome]++
	})

	e := newEnv(t, fastConfig())
	e.builder = NewBuilder(e.ledger, fastConfig(), testLogger(), observer)

	reg, err := e.builder.Deploy(e.ctx, "Controller", e.artifact(t, "Controller"), e.ids.Deployer())
	require.NoError(t, err)
	_, err = reg.Transact(e.ctx, nil, "addToWhitelist", e.ids[1].Address)
	require.NoError(t, err)
	_, err = reg.As(e.ids[1]).Transact(e.ctx, nil, "addToWhitelist", e.ids[1].Address)
	require.Error(t, err)

	assert.Equal(t, map[string]int{"deploy/mined": 1, "send/mined": 1, "send/reverted": 1}, seen)
}

// =============================================================================
// Handle
// =============================================================================

func TestHandle_TransactAndCall(t *testing.T) {
	e := newEnv(t, fastConfig())
	reg, err := e.builder.Deploy(e.ctx, "Controller", e.artifact(t, "Controller"), e.ids.Deployer())
	require.NoError(t, err)
	cash, err := e.builder.Deploy(e.ctx, "Cash", e.artifact(t, "Cash"), e.ids.Deployer())
	require.NoError(t, err)

	receipt, err := reg.Transact(e.ctx, nil, "setValue", registry.MustKey("Cash"), cash)
	require.NoError(t, err)
	assert.NotZero(t, receipt.BlockNumber)

	got, err := reg.CallAddress(e.ctx, "lookup", "Cash")
	require.NoError(t, err)
	assert.Equal(t, cash.Address, got)
}

func TestHandle_AsChangesSigner(t *testing.T) {
	e := newEnv(t, fastConfig())
	reg, err := e.builder.Deploy(e.ctx, "Controller", e.artifact(t, "Controller"), e.ids.Deployer())
	require.NoError(t, err)

	other := reg.As(e.ids[1])
	assert.Equal(t, e.ids.Deployer().Address, reg.Identity.Address, "original handle unchanged")

	_, err = other.Transact(e.ctx, nil, "addToWhitelist", e.ids[1].Address)
	require.ErrorIs(t, err, domain.ErrTransactionReverted)

	var de *domain.DeployError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "transact", de.Op)
	assert.Equal(t, "Controller", de.Contract)
}

func TestHandle_MissingMethod(t *testing.T) {
	e := newEnv(t, fastConfig())
	cash, err := e.builder.Deploy(e.ctx, "Cash", e.artifact(t, "Cash"), e.ids.Deployer())
	require.NoError(t, err)

	assert.False(t, cash.Has("initialize"))
	assert.True(t, cash.Has("approve"))

	_, err = cash.Transact(e.ctx, nil, "initialize")
	assert.ErrorIs(t, err, domain.ErrMissingMethod)
	_, err = cash.Call(e.ctx, "initialize")
	assert.ErrorIs(t, err, domain.ErrMissingMethod)
}

func TestHandle_BindProxyWithTargetABI(t *testing.T) {
	e := newEnv(t, fastConfig())
	deployer := e.ids.Deployer()
	reg, err := e.builder.Deploy(e.ctx, "Controller", e.artifact(t, "Controller"), deployer)
	require.NoError(t, err)
	target, err := e.builder.Deploy(e.ctx, "OrdersTarget", e.artifact(t, "Orders"), deployer)
	require.NoError(t, err)
	_, err = reg.Transact(e.ctx, nil, "setValue", "OrdersTarget", target)
	require.NoError(t, err)

	proxy, err := e.builder.Deploy(e.ctx, "Orders", e.artifact(t, "Delegator"), deployer, reg, "OrdersTarget")
	require.NoError(t, err)
	assert.False(t, proxy.Has("saveOrder"))

	orders := proxy.Bind(e.artifact(t, "Orders").ABI)
	_, err = orders.Transact(e.ctx, nil, "saveOrder", 7)
	require.NoError(t, err)

	count, err := orders.CallBig(e.ctx, "getOrderCount")
	require.NoError(t, err)
	assert.Equal(t, "1", count.String())

	direct, err := target.CallBig(e.ctx, "getOrderCount")
	require.NoError(t, err)
	assert.Equal(t, "0", direct.String(), "proxy keeps its own storage")
}

func TestHandle_SimulateDoesNotPersist(t *testing.T) {
	e := newEnv(t, fastConfig())
	orders, err := e.builder.Deploy(e.ctx, "Orders", e.artifact(t, "Orders"), e.ids.Deployer())
	require.NoError(t, err)

	_, err = orders.Simulate(e.ctx, nil, "saveOrder", big.NewInt(1))
	require.NoError(t, err)

	count, err := orders.CallBig(e.ctx, "getOrderCount")
	require.NoError(t, err)
	assert.Equal(t, "0", count.String())
}

func TestHandle_CallWithoutCode(t *testing.T) {
	e := newEnv(t, fastConfig())
	a := e.artifact(t, "ITyped")
	h := e.builder.At("Ghost", a.ABI, common.HexToAddress("0xdead"), e.ids.Deployer())

	_, err := h.CallBytes32(e.ctx, "getTypeName")
	require.Error(t, err)

	var de *domain.DeployError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "decode getTypeName", de.Message)
}

func TestHandle_CallBool(t *testing.T) {
	e := newEnv(t, fastConfig())
	reg, err := e.builder.Deploy(e.ctx, "Controller", e.artifact(t, "Controller"), e.ids.Deployer())
	require.NoError(t, err)

	listed, err := reg.CallBool(e.ctx, "whitelist", e.ids[1].Address)
	require.NoError(t, err)
	assert.False(t, listed)

	_, err = reg.Transact(e.ctx, nil, "addToWhitelist", e.ids[1].Address)
	require.NoError(t, err)

	listed, err = reg.CallBool(e.ctx, "whitelist", e.ids[1].Address)
	require.NoError(t, err)
	assert.True(t, listed)
}

func TestHandle_TypedReadMismatch(t *testing.T) {
	e := newEnv(t, fastConfig())
	reg, err := e.builder.Deploy(e.ctx, "Controller", e.artifact(t, "Controller"), e.ids.Deployer())
	require.NoError(t, err)

	_, err = reg.CallBig(e.ctx, "owner")
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}
