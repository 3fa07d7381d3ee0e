// Package domain holds the error taxonomy shared by the planning core and
// the ledger-facing shell.
//
// Every failure a bootstrap run can produce unwraps to exactly one of the
// taxonomy sentinels below, so callers classify failures with errors.Is:
//
//	if errors.Is(err, domain.ErrTransactionTimeout) {
//	    // safe to re-run the whole bootstrap
//	}
package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// Taxonomy
// =============================================================================

var (
	// ErrConfiguration covers build-time defects: a missing artifact, a
	// contract lacking a required method, malformed secrets. Never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrPrecondition signals an ordering bug: the registry is used before it
	// exists, or its owner is not the deployer.
	ErrPrecondition = errors.New("precondition violated")

	// ErrTransactionTimeout means a submitted transaction was not mined
	// within the receipt timeout. The caller may re-run.
	ErrTransactionTimeout = errors.New("transaction not mined before timeout")

	// ErrTransactionReverted means the ledger mined the transaction but
	// execution failed.
	ErrTransactionReverted = errors.New("transaction reverted")

	// ErrVerification means a transaction succeeded but the resulting
	// on-chain object is not what was requested.
	ErrVerification = errors.New("verification failed")
)

// =============================================================================
// Specific errors
// =============================================================================

var (
	ErrArtifactNotFound    = fmt.Errorf("%w: artifact not found", ErrConfiguration)
	ErrInvalidArtifact     = fmt.Errorf("%w: invalid artifact", ErrConfiguration)
	ErrMissingInitializer  = fmt.Errorf("%w: contract has neither setController nor initialize", ErrConfiguration)
	ErrMissingMethod       = fmt.Errorf("%w: method not in contract ABI", ErrConfiguration)
	ErrInvalidSecret       = fmt.Errorf("%w: invalid secret", ErrConfiguration)
	ErrInvalidMarketParams = fmt.Errorf("%w: invalid market parameters", ErrConfiguration)
	ErrNameTooLong         = fmt.Errorf("%w: name does not fit in 32 bytes", ErrConfiguration)

	ErrRegistryNotDeployed   = fmt.Errorf("%w: registry not deployed", ErrPrecondition)
	ErrRegistryOwnerMismatch = fmt.Errorf("%w: registry owner mismatch", ErrPrecondition)
	ErrRegistryConflict      = fmt.Errorf("%w: key already registered to a different address", ErrPrecondition)
	ErrNotDeployed           = fmt.Errorf("%w: contract not deployed", ErrPrecondition)

	ErrMarketVerification = fmt.Errorf("%w: market creation verification failed", ErrVerification)
)

// IsRetryable reports whether re-running the operation that produced err
// could succeed without any change to configuration or artifacts.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionTimeout)
}

// =============================================================================
// DeployError
// =============================================================================

// DeployError wraps a taxonomy error with the operation and the logical
// contract it concerns.
type DeployError struct {
	Op       string // Operation that failed (deploy, register, call, ...)
	Contract string // Logical contract name if applicable
	Message  string
	Err      error
}

func (e *DeployError) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Contract != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Contract, msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *DeployError) Unwrap() error {
	return e.Err
}

// NewDeployError creates a new DeployError.
func NewDeployError(op, contract, message string, err error) *DeployError {
	return &DeployError{
		Op:       op,
		Contract: contract,
		Message:  message,
		Err:      err,
	}
}
