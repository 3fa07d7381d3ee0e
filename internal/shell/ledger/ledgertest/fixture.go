package ledgertest

import (
	"math/big"

	"github.com/artpar/ledgerboot/internal/core/artifact"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MarketCreationCost is what the fixture fee calculator charges.
var MarketCreationCost = big.NewInt(12_345_000_000_000_000)

// FixtureOptions alters fixture behaviour for failure scenarios.
type FixtureOptions struct {
	// RegistryOwner, when set, is recorded as the registry owner instead of
	// the deploying account.
	RegistryOwner common.Address

	// MarketTypeName is what created markets report from getTypeName.
	// Defaults to "Market".
	MarketTypeName string

	// SkewDryRunAddress makes simulated createMarket return an address that
	// differs from the one the mined transaction creates.
	SkewDryRunAddress bool

	// OmitMarketCreatedEvent drops the creation event from the ABI.
	OmitMarketCreatedEvent bool
}

// Fixture is a complete contract system: programs to install in a Ledger and
// the matching artifact store.
type Fixture struct {
	Programs []*Program
	Store    *artifact.Store
}

// Install installs the fixture's programs into l.
func (f *Fixture) Install(l *Ledger) {
	l.Install(f.Programs...)
}

// StandardFixture returns the default contract system.
func StandardFixture() *Fixture {
	return NewFixture(FixtureOptions{})
}

// NewFixture builds the contract system with opts applied.
func NewFixture(opts FixtureOptions) *Fixture {
	if opts.MarketTypeName == "" {
		opts.MarketTypeName = "Market"
	}

	programs := []*Program{
		controllerProgram(opts),
		delegatorProgram(),
		controlledProgram("Augur.sol", "Augur", "setController"),
		cashProgram(),
		ordersProgram(),
		escapeHatchProgram(),
		controlledProgram("trading/CompleteSets.sol", "CompleteSets", "setController"),
		controlledProgram("trading/CreateOrder.sol", "CreateOrder", "setController"),
		controlledProgram("trading/FillOrder.sol", "FillOrder", "setController"),
		controlledProgram("trading/CancelOrder.sol", "CancelOrder", "setController"),
		controlledProgram("trading/Trade.sol", "Trade", "setController"),
		controlledProgram("trading/ClaimProceeds.sol", "ClaimProceeds", "setController"),
		controlledProgram("trading/OrdersFetcher.sol", "OrdersFetcher", "initialize"),
		universeProgram(),
		reportingWindowProgram(),
		feeCalculatorProgram(),
		marketCreationProgram(opts),
		marketProgram(opts),
	}

	artifacts := []artifact.Artifact{
		{ID: artifact.ID{Source: "trading/Orders.sol", Name: "IOrders"}, ABI: MustABI(Function("getOrderCount", "", "uint256", "view"))},
		{ID: artifact.ID{Source: "trading/ITrade.sol", Name: "ITrade"}, ABI: MustABI(Function("publicTrade", "uint256", "", "nonpayable"))},
		{ID: artifact.ID{Source: "reporting/ITyped.sol", Name: "ITyped"}, ABI: MustABI(Function("getTypeName", "", "bytes32", "view"))},
	}
	for _, p := range programs {
		artifacts = append(artifacts, artifact.Artifact{
			ID:       artifact.ID{Source: p.Source, Name: p.Name},
			ABI:      p.ABI,
			Bytecode: p.Bytecode(),
		})
	}

	store, err := artifact.NewStore(artifacts...)
	if err != nil {
		panic(err)
	}
	return &Fixture{Programs: programs, Store: store}
}

// =============================================================================
// Helpers
// =============================================================================

func typeName(name string) Method {
	return func(c *Context, args []interface{}) ([]interface{}, error) {
		var tag [32]byte
		copy(tag[:], name)
		return []interface{}{tag}, nil
	}
}

func onlyOwner(c *Context) error {
	if c.Sender != c.Address("owner") {
		return Revert("sender %s is not owner", c.Sender.Hex())
	}
	return nil
}

func slotKey(prefix string, parts ...interface{}) string {
	key := prefix
	for _, p := range parts {
		switch v := p.(type) {
		case common.Address:
			key += ":" + v.Hex()
		case [32]byte:
			key += ":" + common.Hash(v).Hex()
		case *big.Int:
			key += ":" + v.String()
		}
	}
	return key
}

// =============================================================================
// Registry and delegator
// =============================================================================

func controllerProgram(opts FixtureOptions) *Program {
	return &Program{
		Source: "Controller.sol",
		Name:   "Controller",
		ABI: MustABI(
			Function("owner", "", "address", "view"),
			Function("setValue", "bytes32 key,address value", "bool", "nonpayable"),
			Function("lookup", "bytes32 key", "address", "view"),
			Function("addToWhitelist", "address target", "bool", "nonpayable"),
			Function("whitelist", "address target", "bool", "view"),
		),
		Constructor: func(c *Context, args []interface{}) ([]interface{}, error) {
			owner := c.Sender
			if opts.RegistryOwner != (common.Address{}) {
				owner = opts.RegistryOwner
			}
			c.Store("owner", owner)
			return nil, nil
		},
		Methods: map[string]Method{
			"owner": func(c *Context, args []interface{}) ([]interface{}, error) {
				return []interface{}{c.Address("owner")}, nil
			},
			"setValue": func(c *Context, args []interface{}) ([]interface{}, error) {
				if err := onlyOwner(c); err != nil {
					return nil, err
				}
				c.Store(slotKey("value", args[0]), args[1].(common.Address))
				return []interface{}{true}, nil
			},
			"lookup": func(c *Context, args []interface{}) ([]interface{}, error) {
				return []interface{}{c.Address(slotKey("value", args[0]))}, nil
			},
			"addToWhitelist": func(c *Context, args []interface{}) ([]interface{}, error) {
				if err := onlyOwner(c); err != nil {
					return nil, err
				}
				c.Store(slotKey("whitelist", args[0]), true)
				return []interface{}{true}, nil
			},
			"whitelist": func(c *Context, args []interface{}) ([]interface{}, error) {
				return []interface{}{c.Bool(slotKey("whitelist", args[0]))}, nil
			},
		},
	}
}

func delegatorProgram() *Program {
	return &Program{
		Source: "libraries/Delegator.sol",
		Name:   "Delegator",
		ABI:    MustABI(Constructor("address controller,bytes32 controllerLookupName")),
		Proxy:  true,
		Constructor: func(c *Context, args []interface{}) ([]interface{}, error) {
			c.Store("registry", args[0].(common.Address))
			c.Store("key", args[1].([32]byte))
			return nil, nil
		},
		Methods: map[string]Method{},
	}
}

// =============================================================================
// Trading
// =============================================================================

func controlledMethods(initMethod string) map[string]Method {
	return map[string]Method{
		initMethod: func(c *Context, args []interface{}) ([]interface{}, error) {
			if c.Address("controller") != (common.Address{}) {
				return nil, Revert("controller already set")
			}
			c.Store("controller", args[0].(common.Address))
			return []interface{}{true}, nil
		},
		"getController": func(c *Context, args []interface{}) ([]interface{}, error) {
			return []interface{}{c.Address("controller")}, nil
		},
	}
}

func controlledABI(initMethod string, extra ...string) []string {
	return append([]string{
		Function(initMethod, "address controller", "bool", "nonpayable"),
		Function("getController", "", "address", "view"),
	}, extra...)
}

func controlledProgram(source, name, initMethod string) *Program {
	methods := controlledMethods(initMethod)
	methods["getTypeName"] = typeName(name)
	return &Program{
		Source:  source,
		Name:    name,
		ABI:     MustABI(controlledABI(initMethod, Function("getTypeName", "", "bytes32", "view"))...),
		Methods: methods,
	}
}

func cashProgram() *Program {
	methods := controlledMethods("setController")
	methods["getTypeName"] = typeName("Cash")
	methods["depositEther"] = func(c *Context, args []interface{}) ([]interface{}, error) {
		if c.Value.Sign() <= 0 {
			return nil, Revert("no value attached")
		}
		key := slotKey("balance", c.Sender)
		c.Store(key, new(big.Int).Add(c.Int(key), c.Value))
		c.Store("supply", new(big.Int).Add(c.Int("supply"), c.Value))
		return []interface{}{true}, nil
	}
	methods["approve"] = func(c *Context, args []interface{}) ([]interface{}, error) {
		c.Store(slotKey("allowance", c.Sender, args[0]), new(big.Int).Set(args[1].(*big.Int)))
		return []interface{}{true}, nil
	}
	methods["allowance"] = func(c *Context, args []interface{}) ([]interface{}, error) {
		return []interface{}{c.Int(slotKey("allowance", args[0], args[1]))}, nil
	}
	methods["balanceOf"] = func(c *Context, args []interface{}) ([]interface{}, error) {
		return []interface{}{c.Int(slotKey("balance", args[0]))}, nil
	}
	methods["totalSupply"] = func(c *Context, args []interface{}) ([]interface{}, error) {
		return []interface{}{c.Int("supply")}, nil
	}
	return &Program{
		Source: "trading/Cash.sol",
		Name:   "Cash",
		ABI: MustABI(controlledABI("setController",
			Function("getTypeName", "", "bytes32", "view"),
			Function("depositEther", "", "bool", "payable"),
			Function("approve", "address spender,uint256 value", "bool", "nonpayable"),
			Function("allowance", "address owner,address spender", "uint256", "view"),
			Function("balanceOf", "address owner", "uint256", "view"),
			Function("totalSupply", "", "uint256", "view"),
		)...),
		Methods: methods,
	}
}

func ordersProgram() *Program {
	return &Program{
		Source: "trading/Orders.sol",
		Name:   "Orders",
		ABI: MustABI(
			Function("saveOrder", "uint256 orderId", "bool", "nonpayable"),
			Function("getOrderCount", "", "uint256", "view"),
			Function("getTypeName", "", "bytes32", "view"),
		),
		Methods: map[string]Method{
			"saveOrder": func(c *Context, args []interface{}) ([]interface{}, error) {
				key := slotKey("order", args[0])
				if c.Bool(key) {
					return nil, Revert("order exists")
				}
				c.Store(key, true)
				c.Store("count", new(big.Int).Add(c.Int("count"), big.NewInt(1)))
				return []interface{}{true}, nil
			},
			"getOrderCount": func(c *Context, args []interface{}) ([]interface{}, error) {
				return []interface{}{c.Int("count")}, nil
			},
			"getTypeName": typeName("Orders"),
		},
	}
}

func escapeHatchProgram() *Program {
	return &Program{
		Source: "trading/TradingEscapeHatch.sol",
		Name:   "TradingEscapeHatch",
		ABI: MustABI(
			Function("isOn", "", "bool", "view"),
			Function("getTypeName", "", "bytes32", "view"),
		),
		Methods: map[string]Method{
			"isOn": func(c *Context, args []interface{}) ([]interface{}, error) {
				return []interface{}{c.Bool("on")}, nil
			},
			"getTypeName": typeName("TradingEscapeHatch"),
		},
	}
}

// =============================================================================
// Reporting
// =============================================================================

func universeProgram() *Program {
	requireInit := func(c *Context) error {
		if !c.Bool("initialized") {
			return Revert("universe not initialized")
		}
		return nil
	}
	window := func(c *Context, key string, endTime *big.Int, create bool) (common.Address, error) {
		if addr := c.Address(key); addr != (common.Address{}) || !create {
			return addr, nil
		}
		addr, err := c.Create("ReportingWindow")
		if err != nil {
			return common.Address{}, err
		}
		if _, err := c.Call(addr, "initialize", c.Self, endTime); err != nil {
			return common.Address{}, err
		}
		c.Store(key, addr)
		return addr, nil
	}

	return &Program{
		Source: "reporting/Universe.sol",
		Name:   "Universe",
		ABI: MustABI(
			Function("initialize", "address parentUniverse,bytes32 parentPayoutDistributionHash", "bool", "nonpayable"),
			Function("getParentUniverse", "", "address", "view"),
			Function("getCurrentReportingWindow", "", "address", "nonpayable"),
			Function("getPreviousReportingWindow", "", "address", "nonpayable"),
			Function("getReportingWindowByMarketEndTime", "uint256 endTime,bool createIfNotExists", "address", "nonpayable"),
			Function("getTypeName", "", "bytes32", "view"),
		),
		Methods: map[string]Method{
			"initialize": func(c *Context, args []interface{}) ([]interface{}, error) {
				if c.Bool("initialized") {
					return nil, Revert("already initialized")
				}
				c.Store("initialized", true)
				c.Store("parent", args[0].(common.Address))
				return []interface{}{true}, nil
			},
			"getParentUniverse": func(c *Context, args []interface{}) ([]interface{}, error) {
				return []interface{}{c.Address("parent")}, nil
			},
			"getCurrentReportingWindow": func(c *Context, args []interface{}) ([]interface{}, error) {
				if err := requireInit(c); err != nil {
					return nil, err
				}
				addr, err := window(c, "window:current", big.NewInt(1), true)
				return []interface{}{addr}, err
			},
			"getPreviousReportingWindow": func(c *Context, args []interface{}) ([]interface{}, error) {
				if err := requireInit(c); err != nil {
					return nil, err
				}
				addr, err := window(c, "window:previous", big.NewInt(0), true)
				return []interface{}{addr}, err
			},
			"getReportingWindowByMarketEndTime": func(c *Context, args []interface{}) ([]interface{}, error) {
				if err := requireInit(c); err != nil {
					return nil, err
				}
				end := args[0].(*big.Int)
				addr, err := window(c, slotKey("window:end", end), end, args[1].(bool))
				return []interface{}{addr}, err
			},
			"getTypeName": typeName("Universe"),
		},
	}
}

func reportingWindowProgram() *Program {
	return &Program{
		Source: "reporting/ReportingWindow.sol",
		Name:   "ReportingWindow",
		ABI: MustABI(
			Function("initialize", "address universe,uint256 endTime", "bool", "nonpayable"),
			Function("getUniverse", "", "address", "view"),
			Function("getEndTime", "", "uint256", "view"),
			Function("getTypeName", "", "bytes32", "view"),
		),
		Methods: map[string]Method{
			"initialize": func(c *Context, args []interface{}) ([]interface{}, error) {
				if c.Address("universe") != (common.Address{}) {
					return nil, Revert("already initialized")
				}
				c.Store("universe", args[0].(common.Address))
				c.Store("end", new(big.Int).Set(args[1].(*big.Int)))
				return []interface{}{true}, nil
			},
			"getUniverse": func(c *Context, args []interface{}) ([]interface{}, error) {
				return []interface{}{c.Address("universe")}, nil
			},
			"getEndTime": func(c *Context, args []interface{}) ([]interface{}, error) {
				return []interface{}{c.Int("end")}, nil
			},
			"getTypeName": typeName("ReportingWindow"),
		},
	}
}

func feeCalculatorProgram() *Program {
	return &Program{
		Source: "reporting/MarketFeeCalculator.sol",
		Name:   "MarketFeeCalculator",
		ABI: MustABI(
			Function("getMarketCreationCost", "address reportingWindow", "uint256", "view"),
		),
		Methods: map[string]Method{
			"getMarketCreationCost": func(c *Context, args []interface{}) ([]interface{}, error) {
				if _, err := c.Call(args[0].(common.Address), "getTypeName"); err != nil {
					return nil, Revert("unknown reporting window: %v", err)
				}
				return []interface{}{new(big.Int).Set(MarketCreationCost)}, nil
			},
		},
	}
}

func marketCreationProgram(opts FixtureOptions) *Program {
	entries := []string{
		Function("createMarket",
			"address universe,uint256 endTime,uint8 numOutcomes,uint256 feePerEthInWei,address denominationToken,uint256 numTicks,address designatedReporter",
			"address", "payable"),
	}
	if !opts.OmitMarketCreatedEvent {
		entries = append(entries, Event("MarketCreated", "address indexed universe,address market,address indexed creator"))
	}

	return &Program{
		Source: "reporting/MarketCreation.sol",
		Name:   "MarketCreation",
		ABI:    MustABI(entries...),
		Methods: map[string]Method{
			"createMarket": func(c *Context, args []interface{}) ([]interface{}, error) {
				universe := args[0].(common.Address)
				end := args[1].(*big.Int)
				outcomes := args[2].(uint8)
				if c.Value.Cmp(MarketCreationCost) < 0 {
					return nil, Revert("creation fee %s below cost %s", c.Value, MarketCreationCost)
				}
				if outcomes < 2 || outcomes > 8 {
					return nil, Revert("bad outcome count %d", outcomes)
				}
				out, err := c.Call(universe, "getReportingWindowByMarketEndTime", end, false)
				if err != nil {
					return nil, err
				}
				if out[0].(common.Address) == (common.Address{}) {
					return nil, Revert("reporting window for end time %s missing", end)
				}

				market, err := c.Create("Market")
				if err != nil {
					return nil, err
				}
				if _, err := c.Call(market, "initialize", universe, end, outcomes, args[3], args[4], args[5], args[6]); err != nil {
					return nil, err
				}
				if !opts.OmitMarketCreatedEvent {
					if err := c.Emit("MarketCreated", universe, market, c.Sender); err != nil {
						return nil, err
					}
				}
				if c.Static && opts.SkewDryRunAddress {
					return []interface{}{crypto.CreateAddress(c.Self, 1_000_000)}, nil
				}
				return []interface{}{market}, nil
			},
		},
	}
}

func marketProgram(opts FixtureOptions) *Program {
	return &Program{
		Source: "reporting/Market.sol",
		Name:   "Market",
		ABI: MustABI(
			Function("initialize", "address universe,uint256 endTime,uint8 numOutcomes,uint256 feePerEthInWei,address denominationToken,uint256 numTicks,address designatedReporter", "bool", "nonpayable"),
			Function("getTypeName", "", "bytes32", "view"),
			Function("getUniverse", "", "address", "view"),
			Function("getEndTime", "", "uint256", "view"),
			Function("getNumberOfOutcomes", "", "uint8", "view"),
			Function("getNumTicks", "", "uint256", "view"),
			Function("getDenominationToken", "", "address", "view"),
			Function("getDesignatedReporter", "", "address", "view"),
		),
		Methods: map[string]Method{
			"initialize": func(c *Context, args []interface{}) ([]interface{}, error) {
				if c.Address("universe") != (common.Address{}) {
					return nil, Revert("already initialized")
				}
				c.Store("universe", args[0].(common.Address))
				c.Store("end", new(big.Int).Set(args[1].(*big.Int)))
				c.Store("outcomes", args[2].(uint8))
				c.Store("fee", new(big.Int).Set(args[3].(*big.Int)))
				c.Store("token", args[4].(common.Address))
				c.Store("ticks", new(big.Int).Set(args[5].(*big.Int)))
				c.Store("reporter", args[6].(common.Address))
				return []interface{}{true}, nil
			},
			"getTypeName": typeName(opts.MarketTypeName),
			"getUniverse": func(c *Context, args []interface{}) ([]interface{}, error) {
				return []interface{}{c.Address("universe")}, nil
			},
			"getEndTime": func(c *Context, args []interface{}) ([]interface{}, error) {
				return []interface{}{c.Int("end")}, nil
			},
			"getNumberOfOutcomes": func(c *Context, args []interface{}) ([]interface{}, error) {
				v, ok := c.Load("outcomes")
				if !ok {
					return []interface{}{uint8(0)}, nil
				}
				return []interface{}{v.(uint8)}, nil
			},
			"getNumTicks": func(c *Context, args []interface{}) ([]interface{}, error) {
				return []interface{}{c.Int("ticks")}, nil
			},
			"getDenominationToken": func(c *Context, args []interface{}) ([]interface{}, error) {
				return []interface{}{c.Address("token")}, nil
			},
			"getDesignatedReporter": func(c *Context, args []interface{}) ([]interface{}, error) {
				return []interface{}{c.Address("reporter")}, nil
			},
		},
	}
}
