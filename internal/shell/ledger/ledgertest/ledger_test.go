package ledgertest

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/artpar/ledgerboot/internal/core/domain"
	"github.com/artpar/ledgerboot/internal/core/identity"
	"github.com/artpar/ledgerboot/internal/shell/ledger"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Helpers
// =============================================================================

type harness struct {
	t       *testing.T
	ctx     context.Context
	ledger  *Ledger
	fixture *Fixture
	owner   identity.Identity
	other   identity.Identity
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	ids, err := identity.Derive([]string{"0x01", "0x02"}, identity.Options{})
	require.NoError(t, err)

	l := New(opts...)
	f := StandardFixture()
	f.Install(l)
	return &harness{t: t, ctx: context.Background(), ledger: l, fixture: f, owner: ids[0], other: ids[1]}
}

func (h *harness) program(name string) *Program {
	for _, p := range h.fixture.Programs {
		if p.Name == name {
			return p
		}
	}
	h.t.Fatalf("no program %s", name)
	return nil
}

func (h *harness) deploy(name string, args ...interface{}) common.Address {
	h.t.Helper()
	p := h.program(name)
	data := p.Bytecode()
	if len(args) > 0 {
		packed, err := p.ABI.Pack("", args...)
		require.NoError(h.t, err)
		data = append(data, packed...)
	}
	hash, err := h.ledger.Deploy(h.ctx, ledger.DeployRequest{Data: data, From: h.owner, Gas: 1})
	require.NoError(h.t, err)
	r, err := h.ledger.Receipt(h.ctx, hash)
	require.NoError(h.t, err)
	require.Equal(h.t, ledger.StatusMined, r.Status)
	return r.ContractAddress
}

func (h *harness) send(from identity.Identity, to common.Address, a abi.ABI, method string, value *big.Int, args ...interface{}) ledger.Receipt {
	h.t.Helper()
	data, err := a.Pack(method, args...)
	require.NoError(h.t, err)
	hash, err := h.ledger.Send(h.ctx, ledger.SendRequest{To: to, Data: data, From: from, Gas: 1, Value: value})
	require.NoError(h.t, err)
	r, err := h.ledger.Receipt(h.ctx, hash)
	require.NoError(h.t, err)
	return r
}

func (h *harness) call(to common.Address, a abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := a.Pack(method, args...)
	require.NoError(h.t, err)
	out, err := h.ledger.Call(h.ctx, ledger.CallRequest{From: h.owner.Address, To: to, Data: data})
	if err != nil {
		return nil, err
	}
	return a.Unpack(method, out)
}

func assertBig(t *testing.T, want int64, got interface{}) {
	t.Helper()
	v, ok := got.(*big.Int)
	require.True(t, ok, "want *big.Int, got %T", got)
	assert.Equal(t, big.NewInt(want).String(), v.String())
}

func key(name string) [32]byte {
	var k [32]byte
	copy(k[:], name)
	return k
}

// =============================================================================
// Tests
// =============================================================================

func TestLedger_DeployAndCall(t *testing.T) {
	h := newHarness(t)
	controller := h.deploy("Controller")
	abiC := h.program("Controller").ABI

	out, err := h.call(controller, abiC, "owner")
	require.NoError(t, err)
	assert.Equal(t, h.owner.Address, out[0])
	assert.Equal(t, "Controller", h.ledger.ProgramAt(controller))
	assert.Equal(t, 1, h.ledger.Deployments("Controller"))
}

func TestLedger_OnlyOwnerReverts(t *testing.T) {
	h := newHarness(t)
	controller := h.deploy("Controller")
	abiC := h.program("Controller").ABI

	r := h.send(h.other, controller, abiC, "setValue", nil, key("Cash"), common.HexToAddress("0x05"))
	assert.Equal(t, ledger.StatusReverted, r.Status)

	r = h.send(h.owner, controller, abiC, "setValue", nil, key("Cash"), common.HexToAddress("0x05"))
	assert.Equal(t, ledger.StatusMined, r.Status)

	out, err := h.call(controller, abiC, "lookup", key("Cash"))
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x05"), out[0])
}

func TestLedger_ProxyDispatchesToTargetWithOwnStorage(t *testing.T) {
	h := newHarness(t)
	controller := h.deploy("Controller")
	abiC := h.program("Controller").ABI
	target := h.deploy("Orders")
	h.send(h.owner, controller, abiC, "setValue", nil, key("OrdersTarget"), target)
	proxy := h.deploy("Delegator", controller, key("OrdersTarget"))
	abiO := h.program("Orders").ABI

	r := h.send(h.owner, proxy, abiO, "saveOrder", nil, big.NewInt(7))
	require.Equal(t, ledger.StatusMined, r.Status)

	out, err := h.call(proxy, abiO, "getOrderCount")
	require.NoError(t, err)
	assertBig(t, 1, out[0])

	out, err = h.call(target, abiO, "getOrderCount")
	require.NoError(t, err)
	assertBig(t, 0, out[0])

	assert.Equal(t, "Delegator", h.ledger.ProgramAt(proxy))
	last := h.ledger.Records()[len(h.ledger.Records())-1]
	assert.Equal(t, "Orders", last.Program)
}

func TestLedger_ProxyWithoutTargetReverts(t *testing.T) {
	h := newHarness(t)
	controller := h.deploy("Controller")
	proxy := h.deploy("Delegator", controller, key("Missing"))

	_, err := h.call(proxy, h.program("Orders").ABI, "getOrderCount")
	assert.ErrorIs(t, err, domain.ErrTransactionReverted)
}

func TestLedger_CallDoesNotPersist(t *testing.T) {
	h := newHarness(t)
	orders := h.deploy("Orders")
	abiO := h.program("Orders").ABI

	_, err := h.call(orders, abiO, "saveOrder", big.NewInt(1))
	require.NoError(t, err)

	out, err := h.call(orders, abiO, "getOrderCount")
	require.NoError(t, err)
	assertBig(t, 0, out[0])
}

func TestLedger_CallToEmptyAccount(t *testing.T) {
	h := newHarness(t)
	out, err := h.ledger.Call(h.ctx, ledger.CallRequest{To: common.HexToAddress("0xdead"), Data: []byte{1, 2, 3, 4}})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestLedger_NonPayableRejectsValue(t *testing.T) {
	h := newHarness(t)
	orders := h.deploy("Orders")
	r := h.send(h.owner, orders, h.program("Orders").ABI, "saveOrder", big.NewInt(1), big.NewInt(1))
	assert.Equal(t, ledger.StatusReverted, r.Status)
}

func TestLedger_UnknownBytecodeReverts(t *testing.T) {
	h := newHarness(t)
	hash, err := h.ledger.Deploy(h.ctx, ledger.DeployRequest{Data: []byte{0xfe}, From: h.owner})
	require.NoError(t, err)
	r, err := h.ledger.Receipt(h.ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusReverted, r.Status)
	assert.Equal(t, common.Address{}, r.ContractAddress)
}

func TestLedger_ReceiptPolicies(t *testing.T) {
	h := newHarness(t, WithPendingPolls(2))
	p := h.program("Orders")
	hash, err := h.ledger.Deploy(h.ctx, ledger.DeployRequest{Data: p.Bytecode(), From: h.owner})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		r, err := h.ledger.Receipt(h.ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusPending, r.Status)
	}
	r, err := h.ledger.Receipt(h.ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusMined, r.Status)

	h.ledger.HoldReceipts(true)
	r, err = h.ledger.Receipt(h.ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, r.Status)
	assert.Equal(t, 4, h.ledger.ReceiptPolls())

	_, err = h.ledger.Receipt(h.ctx, common.HexToHash("0x01"))
	assert.Error(t, err)
}

func TestLedger_RevertOn(t *testing.T) {
	h := newHarness(t)
	orders := h.deploy("Orders")
	h.ledger.RevertOn("Orders", "saveOrder")

	r := h.send(h.owner, orders, h.program("Orders").ABI, "saveOrder", nil, big.NewInt(1))
	assert.Equal(t, ledger.StatusReverted, r.Status)
}

func TestLedger_RecordsAreOrdered(t *testing.T) {
	tick := time.Unix(0, 0)
	h := newHarness(t, WithClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}))
	orders := h.deploy("Orders")
	h.send(h.owner, orders, h.program("Orders").ABI, "saveOrder", nil, big.NewInt(1))
	_, err := h.call(orders, h.program("Orders").ABI, "getOrderCount")
	require.NoError(t, err)

	records := h.ledger.Records()
	require.Len(t, records, 3)
	assert.Equal(t, []RecordKind{KindDeploy, KindSend, KindCall}, []RecordKind{records[0].Kind, records[1].Kind, records[2].Kind})
	for i := 1; i < len(records); i++ {
		assert.Greater(t, records[i].Seq, records[i-1].Seq)
		assert.True(t, records[i].At.After(records[i-1].At))
	}
	assert.Equal(t, "saveOrder", records[1].Method)
	require.Len(t, records[1].Args, 1)
	assertBig(t, 1, records[1].Args[0])
}

func TestLedger_BlockTime(t *testing.T) {
	genesis := time.Unix(1_600_000_000, 0).UTC()
	h := newHarness(t, WithGenesisTime(genesis))

	bt, err := h.ledger.BlockTime(h.ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, genesis, bt)

	_, err = h.ledger.BlockTime(h.ctx, 5)
	assert.Error(t, err)
}

func TestLedger_MarketCreationFlow(t *testing.T) {
	h := newHarness(t)
	controller := h.deploy("Controller")
	abiC := h.program("Controller").ABI
	universeImpl := h.deploy("Universe")
	h.send(h.owner, controller, abiC, "setValue", nil, key("Universe"), universeImpl)
	universe := h.deploy("Delegator", controller, key("Universe"))
	abiU := h.program("Universe").ABI
	creation := h.deploy("MarketCreation")
	abiMC := h.program("MarketCreation").ABI

	require.Equal(t, ledger.StatusMined, h.send(h.owner, universe, abiU, "initialize", nil, common.Address{}, [32]byte{}).Status)

	end := big.NewInt(1_500_000_000)
	args := []interface{}{universe, end, uint8(2), big.NewInt(1), common.HexToAddress("0x0c"), big.NewInt(100), h.owner.Address}

	// window missing
	r := h.send(h.owner, creation, abiMC, "createMarket", MarketCreationCost, args...)
	assert.Equal(t, ledger.StatusReverted, r.Status)

	require.Equal(t, ledger.StatusMined, h.send(h.owner, universe, abiU, "getReportingWindowByMarketEndTime", nil, end, true).Status)

	// fee too low
	r = h.send(h.owner, creation, abiMC, "createMarket", big.NewInt(1), args...)
	assert.Equal(t, ledger.StatusReverted, r.Status)

	r = h.send(h.owner, creation, abiMC, "createMarket", MarketCreationCost, args...)
	require.Equal(t, ledger.StatusMined, r.Status)
	require.Len(t, r.Logs, 1)
	assert.Equal(t, abiMC.Events["MarketCreated"].ID, r.Logs[0].Topics[0])

	values := map[string]interface{}{}
	require.NoError(t, abiMC.Events["MarketCreated"].Inputs.UnpackIntoMap(values, r.Logs[0].Data))
	market := values["market"].(common.Address)

	out, err := h.call(market, h.program("Market").ABI, "getTypeName")
	require.NoError(t, err)
	assert.Equal(t, key("Market"), out[0])
}
