package bootstrap

import (
	"errors"
	"fmt"

	"github.com/artpar/ledgerboot/internal/core/domain"
	"github.com/artpar/ledgerboot/internal/core/plan"
	"github.com/ethereum/go-ethereum/common"
)

// Markets holds the sample market addresses.
type Markets struct {
	Binary      common.Address
	Categorical common.Address
	Scalar      common.Address
}

// Result is what a bootstrap run produced. A failed run returns the part
// that completed.
type Result struct {
	RunID     string
	Registry  common.Address
	Contracts map[string]common.Address
	Universe  common.Address
	Cash      common.Address
	Markets   Markets
	Completed []plan.State
}

// StateError reports the bootstrap state that failed, the logical contract
// involved when known, and the cause.
type StateError struct {
	State    plan.State
	Contract string
	Err      error
}

func newStateError(state plan.State, err error) *StateError {
	se := &StateError{State: state, Err: err}
	var de *domain.DeployError
	if errors.As(err, &de) {
		se.Contract = de.Contract
	}
	return se
}

func (e *StateError) Error() string {
	if e.Contract != "" {
		return fmt.Sprintf("bootstrap %s (%s): %v", e.State, e.Contract, e.Err)
	}
	return fmt.Sprintf("bootstrap %s: %v", e.State, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}
