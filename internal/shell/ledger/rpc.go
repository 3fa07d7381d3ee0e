package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/artpar/ledgerboot/internal/core/domain"
	"github.com/artpar/ledgerboot/internal/core/identity"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/lmittmann/w3"
	"github.com/lmittmann/w3/module/eth"
	"github.com/lmittmann/w3/w3types"
)

// RPCConfig configures the JSON-RPC client.
type RPCConfig struct {
	// URL of the node's JSON-RPC endpoint.
	URL string

	// ChainID used for transaction signing. Zero means ask the node.
	ChainID uint64

	// GasPrice for legacy transactions. Nil means ask the node once at dial.
	GasPrice *big.Int
}

// RPCClient implements Client over JSON-RPC.
type RPCClient struct {
	client   *w3.Client
	signer   types.Signer
	gasPrice *big.Int
	nonces   *nonceTracker
	logger   *slog.Logger
}

// Dial connects to the node and resolves chain id and gas price.
func Dial(ctx context.Context, cfg RPCConfig, logger *slog.Logger) (*RPCClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: ledger rpc url not set", domain.ErrConfiguration)
	}

	client, err := w3.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	chainID := cfg.ChainID
	if chainID == 0 {
		if err := client.CallCtx(ctx, eth.ChainID().Returns(&chainID)); err != nil {
			client.Close()
			return nil, fmt.Errorf("get chain id: %w", err)
		}
	}

	gasPrice := cfg.GasPrice
	if gasPrice == nil {
		if err := client.CallCtx(ctx, eth.GasPrice().Returns(&gasPrice)); err != nil {
			client.Close()
			return nil, fmt.Errorf("get gas price: %w", err)
		}
	}

	c := &RPCClient{
		client:   client,
		signer:   types.LatestSignerForChainID(new(big.Int).SetUint64(chainID)),
		gasPrice: gasPrice,
		logger:   logger.With("component", "ledger_rpc"),
	}
	c.nonces = newNonceTracker(c.fetchNonce)

	c.logger.Info("connected to ledger",
		"chain_id", chainID,
		"gas_price", gasPrice.String(),
	)
	return c, nil
}

// Close releases the underlying connection.
func (c *RPCClient) Close() error {
	return c.client.Close()
}

func (c *RPCClient) fetchNonce(ctx context.Context, addr common.Address) (uint64, error) {
	var nonce uint64
	if err := c.client.CallCtx(ctx, eth.Nonce(addr, nil).Returns(&nonce)); err != nil {
		return 0, fmt.Errorf("get nonce: %w", err)
	}
	return nonce, nil
}

// Deploy submits a contract creation transaction.
func (c *RPCClient) Deploy(ctx context.Context, req DeployRequest) (common.Hash, error) {
	return c.submit(ctx, req.From, nil, req.Data, req.Gas, req.Value)
}

// Send submits a state-changing call.
func (c *RPCClient) Send(ctx context.Context, req SendRequest) (common.Hash, error) {
	to := req.To
	return c.submit(ctx, req.From, &to, req.Data, req.Gas, req.Value)
}

func (c *RPCClient) submit(ctx context.Context, from identity.Identity, to *common.Address, data []byte, gas uint64, value *big.Int) (common.Hash, error) {
	var hash common.Hash
	err := c.nonces.with(ctx, from.Address, func(nonce uint64) error {
		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: c.gasPrice,
			Gas:      gas,
			To:       to,
			Value:    ValueOrZero(value),
			Data:     data,
		})
		signed, err := types.SignTx(tx, c.signer, from.PrivateKey)
		if err != nil {
			return fmt.Errorf("sign tx: %w", err)
		}
		if err := c.client.CallCtx(ctx, eth.SendTx(signed).Returns(&hash)); err != nil {
			return fmt.Errorf("send tx: %w", err)
		}
		hash = signed.Hash()
		return nil
	})
	return hash, err
}

// Receipt fetches a receipt. A receipt the node does not have yet is
// reported as pending; every other failure is returned.
func (c *RPCClient) Receipt(ctx context.Context, tx common.Hash) (Receipt, error) {
	var r *types.Receipt
	if err := c.client.CallCtx(ctx, eth.TxReceipt(tx).Returns(&r)); err != nil {
		if !receiptNotFound(err) {
			return Receipt{}, fmt.Errorf("get receipt %s: %w", tx.Hex(), err)
		}
		c.logger.Debug("receipt not available", "tx", tx.Hex())
		return Receipt{TxHash: tx, Status: StatusPending}, nil
	}
	if r == nil {
		return Receipt{TxHash: tx, Status: StatusPending}, nil
	}

	status := StatusMined
	if r.Status != types.ReceiptStatusSuccessful {
		status = StatusReverted
	}
	out := Receipt{
		TxHash:          tx,
		Status:          status,
		ContractAddress: r.ContractAddress,
		Logs:            r.Logs,
		GasUsed:         r.GasUsed,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out, nil
}

// Call runs a read-only call against the latest block.
func (c *RPCClient) Call(ctx context.Context, req CallRequest) ([]byte, error) {
	to := req.To
	msg := &w3types.Message{
		From:  req.From,
		To:    &to,
		Input: req.Data,
		Value: req.Value,
	}
	var out []byte
	if err := c.client.CallCtx(ctx, eth.Call(msg, nil, nil).Returns(&out)); err != nil {
		if strings.Contains(err.Error(), "revert") {
			return nil, fmt.Errorf("%w: %v", domain.ErrTransactionReverted, err)
		}
		return nil, fmt.Errorf("call %s: %w", to.Hex(), err)
	}
	return out, nil
}

// BlockTime returns the timestamp of block number.
func (c *RPCClient) BlockTime(ctx context.Context, number uint64) (time.Time, error) {
	var h *types.Header
	if err := c.client.CallCtx(ctx, eth.HeaderByNumber(new(big.Int).SetUint64(number)).Returns(&h)); err != nil {
		return time.Time{}, fmt.Errorf("get block %d: %w", number, err)
	}
	return time.Unix(int64(h.Time), 0).UTC(), nil
}

// receiptNotFound reports whether err is w3's null-result error for a
// single call, or the node still indexing transactions.
func receiptNotFound(err error) bool {
	var callErrs w3.CallErrors
	if !errors.As(err, &callErrs) || len(callErrs) != 1 || callErrs[0] == nil {
		return false
	}
	msg := callErrs[0].Error()
	return msg == "not found" || strings.Contains(msg, "indexing is in progress")
}

var _ Client = (*RPCClient)(nil)
