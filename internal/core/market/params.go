// Package market describes market creation requests.
//
// Parameters fully determine a market and are immutable once creation is
// requested. The Reasonable* constructors build the sample markets created
// at the end of a bootstrap run.
package market

import (
	"fmt"
	"math/big"
	"time"

	"github.com/artpar/ledgerboot/internal/core/domain"
	"github.com/ethereum/go-ethereum/common"
)

// Kind is the market flavour.
type Kind string

const (
	KindBinary      Kind = "binary"
	KindCategorical Kind = "categorical"
	KindScalar      Kind = "scalar"
)

const (
	MinOutcomes = 2
	MaxOutcomes = 8

	// SampleOffset is how far after genesis sample markets end.
	SampleOffset = 24 * time.Hour

	// SampleCategoricalOutcomes is the outcome count of the sample
	// categorical market.
	SampleCategoricalOutcomes = 3
)

var (
	// SampleFeePerUnit is 10^16 per 10^18 units of value (1%).
	SampleFeePerUnit = pow10(16)

	SampleBinaryTicks      = pow10(18)
	SampleCategoricalTicks = new(big.Int).Mul(big.NewInt(3), pow10(17))
	SampleScalarTicks      = new(big.Int).Mul(big.NewInt(40), pow10(18))
)

// Parameters fully determine a market.
type Parameters struct {
	Kind               Kind
	Universe           common.Address
	NumOutcomes        uint8
	EndTime            time.Time
	FeePerUnit         *big.Int
	DenominationToken  common.Address
	DesignatedReporter common.Address
	NumTicks           *big.Int
}

// Validate checks the parameters before any transaction is sent.
func (p Parameters) Validate() error {
	switch {
	case p.Kind != KindBinary && p.Kind != KindCategorical && p.Kind != KindScalar:
		return fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidMarketParams, p.Kind)
	case p.NumOutcomes < MinOutcomes || p.NumOutcomes > MaxOutcomes:
		return fmt.Errorf("%w: %d outcomes, want %d..%d", domain.ErrInvalidMarketParams, p.NumOutcomes, MinOutcomes, MaxOutcomes)
	case p.Kind != KindCategorical && p.NumOutcomes != 2:
		return fmt.Errorf("%w: %s market needs exactly 2 outcomes", domain.ErrInvalidMarketParams, p.Kind)
	case p.NumTicks == nil || p.NumTicks.Sign() <= 0:
		return fmt.Errorf("%w: numTicks must be positive", domain.ErrInvalidMarketParams)
	case p.FeePerUnit == nil || p.FeePerUnit.Sign() < 0:
		return fmt.Errorf("%w: fee must be non-negative", domain.ErrInvalidMarketParams)
	case p.EndTime.IsZero():
		return fmt.Errorf("%w: end time not set", domain.ErrInvalidMarketParams)
	case p.Universe == (common.Address{}):
		return fmt.Errorf("%w: universe not set", domain.ErrInvalidMarketParams)
	case p.DenominationToken == (common.Address{}):
		return fmt.Errorf("%w: denomination token not set", domain.ErrInvalidMarketParams)
	}
	return nil
}

// EndTimestamp returns the end time as unix seconds.
func (p Parameters) EndTimestamp() *big.Int {
	return big.NewInt(p.EndTime.Unix())
}

// =============================================================================
// Sample markets
// =============================================================================

// Anchor carries what every sample market shares.
type Anchor struct {
	Universe          common.Address
	DenominationToken common.Address
	Reporter          common.Address
	Genesis           time.Time
}

func (a Anchor) base(kind Kind, outcomes uint8, ticks *big.Int) Parameters {
	return Parameters{
		Kind:               kind,
		Universe:           a.Universe,
		NumOutcomes:        outcomes,
		EndTime:            a.Genesis.Add(SampleOffset),
		FeePerUnit:         new(big.Int).Set(SampleFeePerUnit),
		DenominationToken:  a.DenominationToken,
		DesignatedReporter: a.Reporter,
		NumTicks:           new(big.Int).Set(ticks),
	}
}

// ReasonableBinary returns a two-outcome market ending one day after genesis.
func ReasonableBinary(a Anchor) Parameters {
	return a.base(KindBinary, 2, SampleBinaryTicks)
}

// ReasonableCategorical returns a market with the given outcome count.
func ReasonableCategorical(a Anchor, outcomes uint8) Parameters {
	return a.base(KindCategorical, outcomes, SampleCategoricalTicks)
}

// ReasonableScalar returns a two-outcome market with a wide price range.
func ReasonableScalar(a Anchor) Parameters {
	return a.base(KindScalar, 2, SampleScalarTicks)
}

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}
