package contract

import (
	"fmt"
	"math/big"
	"reflect"

	"github.com/artpar/ledgerboot/internal/core/domain"
	"github.com/artpar/ledgerboot/internal/core/registry"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var bigType = reflect.TypeOf((*big.Int)(nil))

// convertArgs converts loosely typed Go values to the exact types the ABI
// encoder expects for inputs: plain integers become the sized integer or
// *big.Int the input declares, registry keys and short strings become
// bytes32, and handles become their address.
func convertArgs(inputs abi.Arguments, args []interface{}) ([]interface{}, error) {
	if len(args) != len(inputs) {
		return nil, fmt.Errorf("%w: want %d arguments, got %d", domain.ErrConfiguration, len(inputs), len(args))
	}
	out := make([]interface{}, len(args))
	for i, in := range inputs {
		v, err := convert(in.Type, args[i])
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d (%s %s): %v", domain.ErrConfiguration, i, in.Type.String(), in.Name, err)
		}
		out[i] = v
	}
	return out, nil
}

func convert(t abi.Type, v interface{}) (interface{}, error) {
	switch t.T {
	case abi.IntTy, abi.UintTy:
		n, ok := toBig(v)
		if !ok {
			return v, nil
		}
		if t.T == abi.UintTy && n.Sign() < 0 {
			return nil, fmt.Errorf("negative value %s", n)
		}
		if outOfRange(t, n) {
			return nil, fmt.Errorf("value %s overflows %s", n, t.String())
		}
		goType := t.GetType()
		if goType == bigType {
			return n, nil
		}
		target := reflect.New(goType).Elem()
		if t.T == abi.UintTy {
			target.SetUint(n.Uint64())
		} else {
			target.SetInt(n.Int64())
		}
		return target.Interface(), nil

	case abi.AddressTy:
		switch a := v.(type) {
		case *Handle:
			return a.Address, nil
		case string:
			if !common.IsHexAddress(a) {
				return nil, fmt.Errorf("%q is not an address", a)
			}
			return common.HexToAddress(a), nil
		}

	case abi.FixedBytesTy:
		if t.Size != 32 {
			return v, nil
		}
		switch k := v.(type) {
		case registry.Key:
			return [32]byte(k), nil
		case common.Hash:
			return [32]byte(k), nil
		case string:
			key, err := registry.NewKey(k)
			if err != nil {
				return nil, err
			}
			return [32]byte(key), nil
		}
	}
	return v, nil
}

// outOfRange reports whether n does not fit t. Signed widths hold
// -2^(size-1) through 2^(size-1)-1.
func outOfRange(t abi.Type, n *big.Int) bool {
	if t.T == abi.UintTy {
		return n.BitLen() > t.Size
	}
	limit := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
	if n.Sign() < 0 {
		return n.Cmp(new(big.Int).Neg(limit)) < 0
	}
	return n.Cmp(limit) >= 0
}

func toBig(v interface{}) (*big.Int, bool) {
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return new(big.Int), true
		}
		return n, true
	case int:
		return big.NewInt(int64(n)), true
	case int64:
		return big.NewInt(n), true
	case int32:
		return big.NewInt(int64(n)), true
	case uint:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint64:
		return new(big.Int).SetUint64(n), true
	case uint32:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint16:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint8:
		return new(big.Int).SetUint64(uint64(n)), true
	}
	return nil, false
}

// ZeroArgs returns the zero value of every input of method, ready to pack.
// Integer inputs wider than 64 bits get a zero *big.Int rather than nil.
func ZeroArgs(inputs abi.Arguments) []interface{} {
	out := make([]interface{}, len(inputs))
	for i, in := range inputs {
		goType := in.Type.GetType()
		if goType == bigType {
			out[i] = new(big.Int)
			continue
		}
		out[i] = reflect.Zero(goType).Interface()
	}
	return out
}
