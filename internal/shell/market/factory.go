// Package market creates markets on a bootstrapped ledger and verifies
// that what was created is really a market.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/artpar/ledgerboot/internal/core/domain"
	coremarket "github.com/artpar/ledgerboot/internal/core/market"
	"github.com/artpar/ledgerboot/internal/core/registry"
	"github.com/artpar/ledgerboot/internal/shell/contract"
	"github.com/artpar/ledgerboot/internal/shell/ledger"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Config names the market contracts' entry points.
type Config struct {
	// MarketType is the type name created markets must report.
	MarketType string

	// CreatedEvent is the creation contract's event carrying the new
	// market's address in its AddressField. Empty disables log decoding.
	CreatedEvent string
	AddressField string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MarketType:   "Market",
		CreatedEvent: "MarketCreated",
		AddressField: "market",
	}
}

// Market is a created and verified market.
type Market struct {
	Handle          *contract.Handle
	Params          coremarket.Parameters
	Fee             *big.Int
	ReportingWindow common.Address
	DryRunAddress   common.Address
	TxHash          common.Hash
}

// Factory creates markets through the market creation contract, paying
// the fee the fee calculator quotes.
type Factory struct {
	builder   *contract.Builder
	creation  *contract.Handle
	feeCalc   *contract.Handle
	marketABI abi.ABI
	config    Config
	logger    *slog.Logger
}

// NewFactory creates a factory. Transactions are signed with creation's
// identity.
func NewFactory(builder *contract.Builder, creation, feeCalculator *contract.Handle, marketABI abi.ABI, config Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MarketType == "" {
		config.MarketType = DefaultConfig().MarketType
	}
	return &Factory{
		builder:   builder,
		creation:  creation,
		feeCalc:   feeCalculator,
		marketABI: marketABI,
		config:    config,
		logger:    logger.With("component", "market_factory"),
	}
}

// CreateMarket creates a market in universe.
//
// The universe's current, previous and end-time reporting windows are
// forced into existence first. The fee is quoted against the current
// window, creation is dry-run, and only then submitted with the fee
// attached. The market address comes from the creation event when
// available and from the dry run otherwise; either way the created
// contract must report the market type tag.
func (f *Factory) CreateMarket(ctx context.Context, universe *contract.Handle, p coremarket.Parameters) (*Market, error) {
	name := string(p.Kind) + "Market"
	if p.DesignatedReporter == (common.Address{}) {
		p.DesignatedReporter = f.creation.Identity.Address
	}
	if err := p.Validate(); err != nil {
		return nil, domain.NewDeployError("create", name, "", err)
	}
	if p.Universe != universe.Address {
		return nil, domain.NewDeployError("create", name,
			fmt.Sprintf("universe %s does not match handle %s", p.Universe.Hex(), universe.Address.Hex()), domain.ErrInvalidMarketParams)
	}
	end := p.EndTimestamp()
	logger := f.logger.With("market", name, "end_time", end.String())

	// Reporting windows are created lazily on first access.
	for _, step := range []struct {
		method string
		args   []interface{}
	}{
		{"getCurrentReportingWindow", nil},
		{"getPreviousReportingWindow", nil},
		{"getReportingWindowByMarketEndTime", []interface{}{end, true}},
	} {
		if _, err := universe.Transact(ctx, nil, step.method, step.args...); err != nil {
			return nil, err
		}
	}

	window, err := universe.CallAddress(ctx, "getCurrentReportingWindow")
	if err != nil {
		return nil, err
	}
	fee, err := f.feeCalc.CallBig(ctx, "getMarketCreationCost", window)
	if err != nil {
		return nil, err
	}
	logger.Debug("market creation cost", "window", window.Hex(), "fee", fee.String())

	args := []interface{}{p.Universe, end, p.NumOutcomes, p.FeePerUnit, p.DenominationToken, p.NumTicks, p.DesignatedReporter}

	dry, err := f.creation.Simulate(ctx, fee, "createMarket", args...)
	if err != nil {
		return nil, err
	}
	dryAddr, ok := firstAddress(dry)
	if !ok || dryAddr == (common.Address{}) {
		return nil, domain.NewDeployError("create", name, "dry run returned no market address", domain.ErrMarketVerification)
	}

	receipt, err := f.creation.Transact(ctx, fee, "createMarket", args...)
	if err != nil {
		return nil, err
	}

	addr, fromLog := f.createdAddress(receipt)
	if !fromLog {
		logger.Warn("market address not found in logs, using dry run address", "dry_run", dryAddr.Hex())
		addr = dryAddr
	} else if addr != dryAddr {
		logger.Info("dry run address differs from created market", "dry_run", dryAddr.Hex(), "created", addr.Hex())
	}

	h := f.builder.At(name, f.marketABI, addr, f.creation.Identity)
	if err := f.verify(ctx, h); err != nil {
		return nil, err
	}

	logger.Info("market created", "address", addr.Hex(), "tx", receipt.TxHash.Hex(), "fee", fee.String())
	return &Market{
		Handle:          h,
		Params:          p,
		Fee:             fee,
		ReportingWindow: window,
		DryRunAddress:   dryAddr,
		TxHash:          receipt.TxHash,
	}, nil
}

// verify compares the created contract's type tag to the market type.
func (f *Factory) verify(ctx context.Context, h *contract.Handle) error {
	tag, err := h.CallBytes32(ctx, "getTypeName")
	if err != nil {
		return domain.NewDeployError("verify", h.Name, "at "+h.Address.Hex(),
			fmt.Errorf("%w: %v", domain.ErrMarketVerification, err))
	}
	want := registry.TypeTag(f.config.MarketType)
	if registry.Key(tag) != want {
		return domain.NewDeployError("verify", h.Name,
			fmt.Sprintf("at %s: type %q, want %q", h.Address.Hex(), registry.Key(tag).String(), want.String()),
			domain.ErrMarketVerification)
	}
	return nil
}

// createdAddress decodes the creation event emitted by the creation
// contract in receipt.
func (f *Factory) createdAddress(receipt ledger.Receipt) (common.Address, bool) {
	if f.config.CreatedEvent == "" {
		return common.Address{}, false
	}
	event, ok := f.creation.ABI.Events[f.config.CreatedEvent]
	if !ok {
		return common.Address{}, false
	}

	var indexed abi.Arguments
	for _, in := range event.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}

	for _, l := range receipt.Logs {
		if l.Address != f.creation.Address || len(l.Topics) == 0 || l.Topics[0] != event.ID {
			continue
		}
		fields := make(map[string]interface{})
		if err := f.creation.ABI.UnpackIntoMap(fields, event.Name, l.Data); err != nil {
			f.logger.Debug("undecodable creation event", "error", err)
			continue
		}
		if err := abi.ParseTopicsIntoMap(fields, indexed, l.Topics[1:]); err != nil {
			f.logger.Debug("undecodable creation event topics", "error", err)
			continue
		}
		if addr, ok := fields[f.config.AddressField].(common.Address); ok {
			return addr, true
		}
	}
	return common.Address{}, false
}

func firstAddress(out []interface{}) (common.Address, bool) {
	if len(out) == 0 {
		return common.Address{}, false
	}
	addr, ok := out[0].(common.Address)
	return addr, ok
}
