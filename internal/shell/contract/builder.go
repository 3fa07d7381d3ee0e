// Package contract turns artifacts into callable handles on a ledger.
//
// Builder deploys artifacts or binds ABIs to existing addresses; the
// resulting Handle is bound to a signing identity and gas budget and can
// call, simulate and transact. Every submission goes through a shared rate
// limiter and every receipt is awaited with bounded exponential backoff.
package contract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/ledgerboot/internal/core/artifact"
	"github.com/artpar/ledgerboot/internal/core/domain"
	"github.com/artpar/ledgerboot/internal/core/identity"
	"github.com/artpar/ledgerboot/internal/shell/ledger"
	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"
)

// Config configures a Builder.
type Config struct {
	// Gas is the gas budget of every transaction.
	// Default: 6,000,000.
	Gas uint64

	// ReceiptTimeout bounds the wait for one receipt.
	// Default: 2 minutes.
	ReceiptTimeout time.Duration

	// PollInterval is the first receipt poll delay; it grows exponentially
	// up to MaxPollInterval.
	// Default: 250ms, max 5s.
	PollInterval    time.Duration
	MaxPollInterval time.Duration

	// SubmitRate limits transaction submissions per second across all
	// handles of the builder. Zero means unlimited.
	SubmitRate  float64
	SubmitBurst int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Gas:             6_000_000,
		ReceiptTimeout:  2 * time.Minute,
		PollInterval:    250 * time.Millisecond,
		MaxPollInterval: 5 * time.Second,
	}
}

// TxObserver is notified once per submitted transaction with its kind
// (deploy or send), outcome (mined, reverted, timeout, error) and the time
// from submission to outcome.
type TxObserver func(kind, outcome string, elapsed time.Duration)

// Option configures a Builder.
type Option func(*Builder)

// WithTxObserver installs a transaction observer.
func WithTxObserver(fn TxObserver) Option {
	return func(b *Builder) { b.observe = fn }
}

// Builder creates handles.
type Builder struct {
	client  ledger.Client
	config  Config
	limiter *rate.Limiter
	observe TxObserver
	logger  *slog.Logger
}

// NewBuilder creates a builder. Zero config fields take their defaults.
func NewBuilder(client ledger.Client, config Config, logger *slog.Logger, opts ...Option) *Builder {
	def := DefaultConfig()
	if config.Gas == 0 {
		config.Gas = def.Gas
	}
	if config.ReceiptTimeout == 0 {
		config.ReceiptTimeout = def.ReceiptTimeout
	}
	if config.PollInterval == 0 {
		config.PollInterval = def.PollInterval
	}
	if config.MaxPollInterval == 0 {
		config.MaxPollInterval = def.MaxPollInterval
	}
	if config.MaxPollInterval < config.PollInterval {
		config.MaxPollInterval = config.PollInterval
	}

	limit := rate.Inf
	if config.SubmitRate > 0 {
		limit = rate.Limit(config.SubmitRate)
	}
	if config.SubmitBurst <= 0 {
		config.SubmitBurst = 1
	}

	if logger == nil {
		logger = slog.Default()
	}

	b := &Builder{
		client:  client,
		config:  config,
		limiter: rate.NewLimiter(limit, config.SubmitBurst),
		observe: func(string, string, time.Duration) {},
		logger:  logger.With("component", "contract_builder"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Config returns the effective configuration.
func (b *Builder) Config() Config {
	return b.config
}

// Client returns the ledger client.
func (b *Builder) Client() ledger.Client {
	return b.client
}

// Deploy creates a new instance of a and binds it to signer. Constructor
// arguments are converted to the ABI's input types first.
//
// Example:
//
//	h, err := b.Deploy(ctx, "Orders", a, ids.Deployer())
//	h, err := b.Deploy(ctx, "Orders", delegator, ids.Deployer(), registryAddr, key)
func (b *Builder) Deploy(ctx context.Context, name string, a artifact.Artifact, signer identity.Identity, args ...interface{}) (*Handle, error) {
	if a.IsAbstract() {
		return nil, domain.NewDeployError("deploy", name, "artifact "+a.ID.String()+" has no bytecode", domain.ErrInvalidArtifact)
	}

	converted, err := convertArgs(a.ABI.Constructor.Inputs, args)
	if err != nil {
		return nil, domain.NewDeployError("deploy", name, "constructor arguments", err)
	}
	packed, err := a.ABI.Pack("", converted...)
	if err != nil {
		return nil, domain.NewDeployError("deploy", name, "constructor arguments", fmt.Errorf("%w: %v", domain.ErrConfiguration, err))
	}
	data := append(append([]byte(nil), a.Bytecode...), packed...)

	if err := b.limiter.Wait(ctx); err != nil {
		return nil, domain.NewDeployError("deploy", name, "rate limit", err)
	}
	start := time.Now()
	hash, err := b.client.Deploy(ctx, ledger.DeployRequest{Data: data, From: signer, Gas: b.config.Gas})
	if err != nil {
		b.observe("deploy", "error", time.Since(start))
		return nil, domain.NewDeployError("deploy", name, "submit", err)
	}
	b.logger.Debug("deployment submitted", "contract", name, "tx", hash.Hex(), "args", len(args))

	receipt, err := b.WaitMined(ctx, hash)
	b.observe("deploy", outcome(err), time.Since(start))
	if err != nil {
		return nil, domain.NewDeployError("deploy", name, fmt.Sprintf("constructor args %v", args), err)
	}

	b.logger.Info("contract deployed",
		"contract", name,
		"address", receipt.ContractAddress.Hex(),
		"tx", hash.Hex(),
		"gas_used", receipt.GasUsed,
	)
	h := b.At(name, a.ABI, receipt.ContractAddress, signer)
	h.TxHash = hash
	return h, nil
}

// At binds an ABI to an existing address without deploying.
func (b *Builder) At(name string, contractABI abi.ABI, addr common.Address, signer identity.Identity) *Handle {
	return &Handle{
		Name:     name,
		Address:  addr,
		ABI:      contractABI,
		Identity: signer,
		Gas:      b.config.Gas,
		b:        b,
	}
}

var errPending = errors.New("receipt pending")

// WaitMined polls for the receipt of hash until it is mined, reverts, or
// the receipt timeout elapses. A timeout wraps domain.ErrTransactionTimeout;
// a revert wraps domain.ErrTransactionReverted.
func (b *Builder) WaitMined(ctx context.Context, hash common.Hash) (ledger.Receipt, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.config.PollInterval
	bo.MaxInterval = b.config.MaxPollInterval
	bo.MaxElapsedTime = b.config.ReceiptTimeout
	bo.RandomizationFactor = 0.2

	receipt, err := backoff.RetryWithData(func() (ledger.Receipt, error) {
		r, err := b.client.Receipt(ctx, hash)
		if err != nil {
			return r, backoff.Permanent(fmt.Errorf("receipt %s: %w", hash.Hex(), err))
		}
		switch r.Status {
		case ledger.StatusPending:
			return r, errPending
		case ledger.StatusReverted:
			return r, backoff.Permanent(fmt.Errorf("%w: tx %s", domain.ErrTransactionReverted, hash.Hex()))
		}
		return r, nil
	}, backoff.WithContext(bo, ctx))

	if errors.Is(err, errPending) {
		return receipt, fmt.Errorf("%w: tx %s after %s", domain.ErrTransactionTimeout, hash.Hex(), b.config.ReceiptTimeout)
	}
	return receipt, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "mined"
	case errors.Is(err, domain.ErrTransactionReverted):
		return "reverted"
	case errors.Is(err, domain.ErrTransactionTimeout):
		return "timeout"
	default:
		return "error"
	}
}
