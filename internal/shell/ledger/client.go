// Package ledger defines the boundary between the orchestrator and the
// execution environment it deploys onto.
//
// The orchestrator never talks to a node directly: it submits deployments
// and state-changing transactions, polls receipts, and issues read-only
// calls through Client. RPCClient implements Client over JSON-RPC; the
// ledgertest subpackage provides an instrumented in-memory implementation.
package ledger

import (
	"context"
	"math/big"
	"time"

	"github.com/artpar/ledgerboot/internal/core/identity"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// =============================================================================
// Types
// =============================================================================

// TxStatus is the state of a submitted transaction.
type TxStatus int

const (
	StatusPending TxStatus = iota
	StatusMined
	StatusReverted
)

func (s TxStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusMined:
		return "mined"
	case StatusReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// Receipt is the observed outcome of a transaction.
type Receipt struct {
	TxHash          common.Hash
	Status          TxStatus
	ContractAddress common.Address // set for mined deployments
	Logs            []*types.Log
	GasUsed         uint64
	BlockNumber     uint64
}

// DeployRequest creates a contract. Data is the bytecode followed by the
// ABI-encoded constructor arguments.
type DeployRequest struct {
	Data  []byte
	From  identity.Identity
	Gas   uint64
	Value *big.Int
}

// SendRequest is a state-changing call.
type SendRequest struct {
	To    common.Address
	Data  []byte
	From  identity.Identity
	Gas   uint64
	Value *big.Int
}

// CallRequest is a read-only call or simulation. Nothing it does persists.
type CallRequest struct {
	From  common.Address
	To    common.Address
	Data  []byte
	Value *big.Int
}

// =============================================================================
// Client
// =============================================================================

// Client is everything the orchestrator needs from the execution
// environment.
//
// Deploy and Send return as soon as the transaction is accepted; Receipt
// reports StatusPending until it is mined. Call returns an error wrapping
// domain.ErrTransactionReverted when execution fails.
type Client interface {
	Deploy(ctx context.Context, req DeployRequest) (common.Hash, error)
	Send(ctx context.Context, req SendRequest) (common.Hash, error)
	Receipt(ctx context.Context, tx common.Hash) (Receipt, error)
	Call(ctx context.Context, req CallRequest) ([]byte, error)
	BlockTime(ctx context.Context, number uint64) (time.Time, error)
}

// =============================================================================
// Helpers
// =============================================================================

// ValueOrZero returns v, or zero when v is nil.
func ValueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
