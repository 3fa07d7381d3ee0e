package ledgertest

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// =============================================================================
// Programs
// =============================================================================

// Method is the Go behaviour behind one ABI method. Arguments and results use
// the Go types go-ethereum's ABI codec produces (*big.Int for uint256,
// [32]byte for bytes32, common.Address, uint8, bool).
type Method func(c *Context, args []interface{}) ([]interface{}, error)

// Program is the behaviour of one contract artifact.
type Program struct {
	Source string
	Name   string
	ABI    abi.ABI

	// Constructor runs once at creation; may be nil.
	Constructor Method
	Methods     map[string]Method

	// Proxy marks the delegator program: calls are dispatched to the
	// implementation registered under the proxy's key, against the proxy's
	// own storage.
	Proxy bool
}

// Bytecode is the program's synthetic creation code. It is 32 bytes long and
// unique per program name, so deployment data always splits unambiguously
// into code and constructor arguments.
func (p *Program) Bytecode() []byte {
	return crypto.Keccak256([]byte("ledgertest:" + p.Source + ":" + p.Name))
}

// =============================================================================
// Call context
// =============================================================================

// ErrRevert is wrapped by every error produced through Revert.
var ErrRevert = errors.New("execution reverted")

// Revert returns an error that reverts the current transaction.
func Revert(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrRevert, fmt.Sprintf(format, args...))
}

// Context is what a running Method sees.
type Context struct {
	ledger *Ledger
	j      *journal
	depth  int

	Sender common.Address
	Self   common.Address
	Value  *big.Int
	// Static is true for read-only calls and simulations; all effects are
	// discarded when the call returns.
	Static bool
}

// Load reads a storage slot of the executing contract.
func (c *Context) Load(key string) (interface{}, bool) {
	return c.ledger.load(c.j, c.Self, key)
}

// Store writes a storage slot of the executing contract.
func (c *Context) Store(key string, value interface{}) {
	c.j.write(c.Self, key, value)
}

// Address reads an address slot, zero when unset.
func (c *Context) Address(key string) common.Address {
	v, ok := c.Load(key)
	if !ok {
		return common.Address{}
	}
	return v.(common.Address)
}

// Int reads an integer slot, zero when unset. The result is a copy.
func (c *Context) Int(key string) *big.Int {
	v, ok := c.Load(key)
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(v.(*big.Int))
}

// Bool reads a boolean slot.
func (c *Context) Bool(key string) bool {
	v, ok := c.Load(key)
	return ok && v.(bool)
}

// Call invokes a method on another contract as Self.
func (c *Context) Call(to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	return c.ledger.invoke(c.j, c.Self, to, nil, c.Static, method, args, c.depth+1)
}

// Create instantiates a program by name from inside a contract.
func (c *Context) Create(program string, args ...interface{}) (common.Address, error) {
	p, ok := c.ledger.programNamed(program)
	if !ok {
		return common.Address{}, Revert("unknown program %s", program)
	}
	nonce := c.ledger.contractNonce(c.j, c.Self)
	c.j.nonces[c.Self] = nonce + 1
	addr := crypto.CreateAddress(c.Self, nonce)
	if err := c.ledger.construct(c.j, c.Self, addr, p, nil, args, c.depth+1); err != nil {
		return common.Address{}, err
	}
	return addr, nil
}

// Emit appends an event log declared in the executing program's ABI.
func (c *Context) Emit(event string, args ...interface{}) error {
	_, prog, err := c.ledger.resolve(c.j, c.Self, c.depth)
	if err != nil {
		return err
	}
	ev, ok := prog.ABI.Events[event]
	if !ok {
		return fmt.Errorf("event %s not in %s ABI", event, prog.Name)
	}
	if len(args) != len(ev.Inputs) {
		return fmt.Errorf("event %s: want %d args, got %d", event, len(ev.Inputs), len(args))
	}

	topics := []common.Hash{ev.ID}
	var data []interface{}
	for i, in := range ev.Inputs {
		if in.Indexed {
			topics = append(topics, topicFor(args[i]))
		} else {
			data = append(data, args[i])
		}
	}
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		return fmt.Errorf("event %s: %w", event, err)
	}
	c.j.logs = append(c.j.logs, &types.Log{Address: c.Self, Topics: topics, Data: packed})
	return nil
}

func topicFor(v interface{}) common.Hash {
	switch x := v.(type) {
	case common.Address:
		return common.BytesToHash(x.Bytes())
	case *big.Int:
		return common.BigToHash(x)
	case [32]byte:
		return common.Hash(x)
	case bool:
		if x {
			return common.BigToHash(big.NewInt(1))
		}
		return common.Hash{}
	default:
		panic(fmt.Sprintf("ledgertest: unsupported indexed type %T", v))
	}
}

// =============================================================================
// ABI construction
// =============================================================================

// Function describes one ABI function. Params are comma separated
// "type [name]" pairs; mutability is view, pure, payable or nonpayable.
func Function(name, inputs, outputs, mutability string) string {
	return fmt.Sprintf(`{"type":"function","name":%q,"inputs":%s,"outputs":%s,"stateMutability":%q}`,
		name, params(inputs), params(outputs), mutability)
}

// Event describes one ABI event. Params may carry the "indexed" keyword.
func Event(name, inputs string) string {
	return fmt.Sprintf(`{"type":"event","name":%q,"inputs":%s,"anonymous":false}`, name, params(inputs))
}

// Constructor describes the ABI constructor.
func Constructor(inputs string) string {
	return fmt.Sprintf(`{"type":"constructor","inputs":%s,"stateMutability":"nonpayable"}`, params(inputs))
}

// MustABI parses entries built with Function, Event and Constructor.
func MustABI(entries ...string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader("[" + strings.Join(entries, ",") + "]"))
	if err != nil {
		panic(fmt.Sprintf("ledgertest: bad abi: %v", err))
	}
	return parsed
}

func params(spec string) string {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "[]"
	}
	var out []string
	for _, p := range strings.Split(spec, ",") {
		fields := strings.Fields(p)
		typ, name, indexed := fields[0], "", false
		for _, f := range fields[1:] {
			if f == "indexed" {
				indexed = true
			} else {
				name = f
			}
		}
		out = append(out, fmt.Sprintf(`{"type":%q,"name":%q,"indexed":%t}`, typ, name, indexed))
	}
	return "[" + strings.Join(out, ",") + "]"
}
