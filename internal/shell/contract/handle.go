package contract

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/artpar/ledgerboot/internal/core/domain"
	"github.com/artpar/ledgerboot/internal/core/identity"
	"github.com/artpar/ledgerboot/internal/shell/ledger"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Handle is a deployed contract bound to an ABI, a signing identity and a
// gas budget. Handles are values: As and Bind return modified copies.
type Handle struct {
	Name     string
	Address  common.Address
	ABI      abi.ABI
	Identity identity.Identity
	Gas      uint64
	TxHash   common.Hash // creation transaction, zero for bound handles

	b *Builder
}

// As returns a copy of h that signs with id.
func (h *Handle) As(id identity.Identity) *Handle {
	c := *h
	c.Identity = id
	return &c
}

// Bind returns a copy of h that encodes calls with a instead of h's ABI.
// Proxies are bound with their target's ABI this way.
func (h *Handle) Bind(a abi.ABI) *Handle {
	c := *h
	c.ABI = a
	return &c
}

// Has reports whether the bound ABI declares method.
func (h *Handle) Has(method string) bool {
	_, ok := h.ABI.Methods[method]
	return ok
}

func (h *Handle) pack(method string, args []interface{}) ([]byte, error) {
	m, ok := h.ABI.Methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", domain.ErrMissingMethod, h.Name, method)
	}
	converted, err := convertArgs(m.Inputs, args)
	if err != nil {
		return nil, err
	}
	data, err := h.ABI.Pack(method, converted...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	return data, nil
}

// Call runs method read-only and decodes its outputs.
func (h *Handle) Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	return h.Simulate(ctx, nil, method, args...)
}

// Simulate runs method read-only with value attached, as a dry run of a
// payable transaction. Nothing it does persists.
func (h *Handle) Simulate(ctx context.Context, value *big.Int, method string, args ...interface{}) ([]interface{}, error) {
	data, err := h.pack(method, args)
	if err != nil {
		return nil, domain.NewDeployError("call", h.Name, method, err)
	}
	out, err := h.b.client.Call(ctx, ledger.CallRequest{
		From:  h.Identity.Address,
		To:    h.Address,
		Data:  data,
		Value: value,
	})
	if err != nil {
		return nil, domain.NewDeployError("call", h.Name, method, err)
	}
	values, err := h.ABI.Unpack(method, out)
	if err != nil {
		return nil, domain.NewDeployError("call", h.Name, "decode "+method, err)
	}
	return values, nil
}

// Transact submits method as a transaction and waits for it to be mined.
// A reverted transaction returns an error wrapping
// domain.ErrTransactionReverted; the receipt is returned either way.
//
// Example:
//
//	_, err := registry.Transact(ctx, nil, "setValue", registry.MustKey("Cash"), cash)
//	_, err := cash.As(funder).Transact(ctx, amount, "depositEther")
func (h *Handle) Transact(ctx context.Context, value *big.Int, method string, args ...interface{}) (ledger.Receipt, error) {
	data, err := h.pack(method, args)
	if err != nil {
		return ledger.Receipt{}, domain.NewDeployError("transact", h.Name, method, err)
	}

	if err := h.b.limiter.Wait(ctx); err != nil {
		return ledger.Receipt{}, domain.NewDeployError("transact", h.Name, method, err)
	}
	start := time.Now()
	hash, err := h.b.client.Send(ctx, ledger.SendRequest{
		To:    h.Address,
		Data:  data,
		From:  h.Identity,
		Gas:   h.Gas,
		Value: value,
	})
	if err != nil {
		h.b.observe("send", "error", time.Since(start))
		return ledger.Receipt{}, domain.NewDeployError("transact", h.Name, method, err)
	}
	h.b.logger.Debug("transaction submitted", "contract", h.Name, "method", method, "tx", hash.Hex(), "from", h.Identity.Address.Hex())

	receipt, err := h.b.WaitMined(ctx, hash)
	h.b.observe("send", outcome(err), time.Since(start))
	if err != nil {
		return receipt, domain.NewDeployError("transact", h.Name, method, err)
	}
	return receipt, nil
}

// =============================================================================
// Typed reads
// =============================================================================

// CallAddress calls a method returning a single address.
func (h *Handle) CallAddress(ctx context.Context, method string, args ...interface{}) (common.Address, error) {
	out, err := h.Call(ctx, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	return single[common.Address](h, method, out)
}

// CallBytes32 calls a method returning a single bytes32.
func (h *Handle) CallBytes32(ctx context.Context, method string, args ...interface{}) ([32]byte, error) {
	out, err := h.Call(ctx, method, args...)
	if err != nil {
		return [32]byte{}, err
	}
	return single[[32]byte](h, method, out)
}

// CallBig calls a method returning a single integer wider than 64 bits.
func (h *Handle) CallBig(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	out, err := h.Call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	return single[*big.Int](h, method, out)
}

// CallBool calls a method returning a single bool.
func (h *Handle) CallBool(ctx context.Context, method string, args ...interface{}) (bool, error) {
	out, err := h.Call(ctx, method, args...)
	if err != nil {
		return false, err
	}
	return single[bool](h, method, out)
}

func single[T any](h *Handle, method string, out []interface{}) (T, error) {
	var zero T
	if len(out) != 1 {
		return zero, domain.NewDeployError("call", h.Name, method,
			fmt.Errorf("%w: want 1 output, got %d", domain.ErrConfiguration, len(out)))
	}
	v, ok := out[0].(T)
	if !ok {
		return zero, domain.NewDeployError("call", h.Name, method,
			fmt.Errorf("%w: output is %T, want %T", domain.ErrConfiguration, out[0], zero))
	}
	return v, nil
}
