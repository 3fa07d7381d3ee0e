package plan

import "math/big"

// =============================================================================
// Plan Configuration
// =============================================================================

// ContractRef names an artifact by source path and contract name.
type ContractRef struct {
	Source string `mapstructure:"source" yaml:"source"`
	Name   string `mapstructure:"name" yaml:"name"`
}

// RegistryMethods names the registry contract's entry points.
type RegistryMethods struct {
	Owner     string `mapstructure:"owner"`
	SetValue  string `mapstructure:"set_value"`
	Whitelist string `mapstructure:"whitelist"`
}

// InitializeEntry is one contract in the Initialize state. Method may be
// left empty to resolve it from the contract's ABI.
type InitializeEntry struct {
	Name   string     `mapstructure:"name"`
	Method InitMethod `mapstructure:"method"`
}

// Config holds every name the bootstrap run depends on.
type Config struct {
	Registry        ContractRef       `mapstructure:"registry"`
	RegistryMethods RegistryMethods   `mapstructure:"registry_methods"`
	Delegator       ContractRef       `mapstructure:"delegator"`
	Delegated       []string          `mapstructure:"delegated"`
	WhitelistGroup  string            `mapstructure:"whitelist_group"`
	Initialize      []InitializeEntry `mapstructure:"initialize"`

	ApproveTokens []string `mapstructure:"approve_tokens"`
	Authority     string   `mapstructure:"authority"`

	Genesis         string   `mapstructure:"genesis"`
	Cash            string   `mapstructure:"cash"`
	FundingIdentity int      `mapstructure:"funding_identity"`
	FundingAmount   *big.Int `mapstructure:"-"`

	MarketCreation     string `mapstructure:"market_creation"`
	FeeCalculator      string `mapstructure:"fee_calculator"`
	MarketType         string `mapstructure:"market_type"`
	MarketCreatedEvent string `mapstructure:"market_created_event"`
}

// DefaultInitialize is the default Initialize list.
var DefaultInitialize = []string{
	"Augur", "Cash", "CompleteSets", "CreateOrder", "FillOrder",
	"CancelOrder", "Trade", "ClaimProceeds", "OrdersFetcher",
}

// DefaultConfig returns the default plan configuration.
func DefaultConfig() Config {
	entries := make([]InitializeEntry, len(DefaultInitialize))
	for i, name := range DefaultInitialize {
		entries[i] = InitializeEntry{Name: name}
	}
	return Config{
		Registry: ContractRef{Source: "Controller.sol", Name: "Controller"},
		RegistryMethods: RegistryMethods{
			Owner:     "owner",
			SetValue:  "setValue",
			Whitelist: "addToWhitelist",
		},
		Delegator:          ContractRef{Source: "libraries/Delegator.sol", Name: "Delegator"},
		Delegated:          []string{"Orders", "TradingEscapeHatch"},
		WhitelistGroup:     "trading/",
		Initialize:         entries,
		ApproveTokens:      []string{"Cash"},
		Authority:          "Augur",
		Genesis:            "Universe",
		Cash:               "Cash",
		FundingIdentity:    9,
		FundingAmount:      big.NewInt(1),
		MarketCreation:     "MarketCreation",
		FeeCalculator:      "MarketFeeCalculator",
		MarketType:         "Market",
		MarketCreatedEvent: "MarketCreated",
	}
}
