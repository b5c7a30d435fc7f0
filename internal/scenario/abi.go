package scenario

import (
	"encoding/json"
	"fmt"
	"math/big"
	"math/rand"
	"reflect"
	"strings"

	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

func parseABI(raw json.RawMessage) (*gethabi.ABI, error) {
	parsed, err := gethabi.JSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("parsing contract abi: %w", err)
	}
	return &parsed, nil
}

// encodeCall packs a function invocation with YAML-typed arguments.
func encodeCall(a *gethabi.ABI, fn string, args []any) ([]byte, error) {
	method, ok := a.Methods[fn]
	if !ok {
		return nil, fmt.Errorf("function %q is not in the contract abi", fn)
	}
	converted, err := convertArgs(method.Inputs, args)
	if err != nil {
		return nil, fmt.Errorf("function %s: %w", fn, err)
	}
	return a.Pack(fn, converted...)
}

// encodeConstructor appends packed constructor arguments to creation
// bytecode.
func encodeConstructor(a *gethabi.ABI, bytecode []byte, args []any) ([]byte, error) {
	if len(a.Constructor.Inputs) == 0 && len(args) == 0 {
		return bytecode, nil
	}
	converted, err := convertArgs(a.Constructor.Inputs, args)
	if err != nil {
		return nil, fmt.Errorf("constructor: %w", err)
	}
	packed, err := a.Pack("", converted...)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, bytecode...), packed...), nil
}

// decodeReturn unpacks return data into normalized plain values.
func decodeReturn(a *gethabi.ABI, fn string, data []byte) ([]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	values, err := a.Unpack(fn, data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s return data: %w", fn, err)
	}
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = normalizeValue(v)
	}
	return out, nil
}

func convertArgs(inputs gethabi.Arguments, args []any) ([]any, error) {
	if len(args) != len(inputs) {
		return nil, fmt.Errorf("want %d arguments, got %d", len(inputs), len(args))
	}
	out := make([]any, len(args))
	for i, arg := range args {
		v, err := toABIValue(arg, inputs[i].Type)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// toABIValue converts a value as YAML delivers it (int, string, bool, list)
// into the Go representation go-ethereum's packer expects for the target
// solidity type.
func toABIValue(v any, t gethabi.Type) (any, error) {
	switch t.T {
	case gethabi.UintTy, gethabi.IntTy:
		bi, err := toBigInt(v)
		if err != nil {
			return nil, err
		}
		if err := checkIntRange(bi, t); err != nil {
			return nil, err
		}
		if t.Size > 64 {
			return bi, nil
		}
		rv := reflect.New(t.GetType()).Elem()
		if t.T == gethabi.UintTy {
			rv.SetUint(bi.Uint64())
		} else {
			rv.SetInt(bi.Int64())
		}
		return rv.Interface(), nil
	case gethabi.BoolTy:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("want bool, got %T", v)
		}
		return b, nil
	case gethabi.StringTy:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("want string, got %T", v)
		}
		return s, nil
	case gethabi.AddressTy:
		s, ok := v.(string)
		if !ok || !common.IsHexAddress(s) {
			return nil, fmt.Errorf("want hex address, got %v", v)
		}
		return common.HexToAddress(s), nil
	case gethabi.BytesTy:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("want hex string for bytes, got %T", v)
		}
		return hexutil.Decode(s)
	case gethabi.FixedBytesTy:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("want hex string for bytes%d, got %T", t.Size, v)
		}
		raw, err := hexutil.Decode(s)
		if err != nil {
			return nil, err
		}
		if len(raw) != t.Size {
			return nil, fmt.Errorf("want %d bytes, got %d", t.Size, len(raw))
		}
		rv := reflect.New(t.GetType()).Elem()
		reflect.Copy(rv, reflect.ValueOf(raw))
		return rv.Interface(), nil
	case gethabi.SliceTy, gethabi.ArrayTy:
		items, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("want list, got %T", v)
		}
		if t.T == gethabi.ArrayTy && len(items) != t.Size {
			return nil, fmt.Errorf("want %d elements, got %d", t.Size, len(items))
		}
		elemType := t.Elem.GetType()
		var rv reflect.Value
		if t.T == gethabi.SliceTy {
			rv = reflect.MakeSlice(reflect.SliceOf(elemType), len(items), len(items))
		} else {
			rv = reflect.New(reflect.ArrayOf(t.Size, elemType)).Elem()
		}
		for i, item := range items {
			elem, err := toABIValue(item, *t.Elem)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			rv.Index(i).Set(reflect.ValueOf(elem))
		}
		return rv.Interface(), nil
	default:
		return nil, fmt.Errorf("unsupported abi type %s", t.String())
	}
}

// checkIntRange rejects values that do not fit the solidity type's width.
// Without it the narrowing below would silently truncate.
func checkIntRange(bi *big.Int, t gethabi.Type) error {
	if t.T == gethabi.UintTy {
		if bi.Sign() < 0 || bi.BitLen() > t.Size {
			return fmt.Errorf("value %s out of range for uint%d", bi, t.Size)
		}
		return nil
	}
	bound := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
	upper := new(big.Int).Sub(bound, big.NewInt(1))
	lower := new(big.Int).Neg(bound)
	if bi.Cmp(lower) < 0 || bi.Cmp(upper) > 0 {
		return fmt.Errorf("value %s out of range for int%d", bi, t.Size)
	}
	return nil
}

func toBigInt(v any) (*big.Int, error) {
	switch n := v.(type) {
	case int:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return nil, fmt.Errorf("non-integral number %v", n)
		}
		return big.NewInt(int64(n)), nil
	case *big.Int:
		return n, nil
	case string:
		bi, ok := new(big.Int).SetString(strings.TrimPrefix(n, "0x"), pickBase(n))
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", n)
		}
		return bi, nil
	default:
		return nil, fmt.Errorf("want integer, got %T", v)
	}
}

func pickBase(s string) int {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return 16
	}
	return 10
}

// normalizeValue maps decoded abi values to the small set of shapes the
// assert comparators understand: *big.Int, bool, string, and lists thereof.
// Addresses and byte blobs become lowercase 0x-hex strings.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case common.Address:
		return strings.ToLower(n.Hex())
	case []byte:
		return hexutil.Encode(n)
	case *big.Int, bool, string:
		return n
	case int, int8, int16, int32, int64:
		return big.NewInt(reflect.ValueOf(n).Int())
	case uint, uint8, uint16, uint32, uint64:
		return new(big.Int).SetUint64(reflect.ValueOf(n).Uint())
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			raw := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(raw), rv)
			return hexutil.Encode(raw)
		}
		fallthrough
	case reflect.Slice:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = normalizeValue(rv.Index(i).Interface())
		}
		return out
	}
	return v
}

// compareValues evaluates an ordering or equality predicate over two
// normalized values.
func compareValues(pred string, got, want any) (bool, error) {
	gotN, gotErr := toBigInt(got)
	wantN, wantErr := toBigInt(want)
	if gotErr == nil && wantErr == nil {
		c := gotN.Cmp(wantN)
		switch pred {
		case "eq":
			return c == 0, nil
		case "ne":
			return c != 0, nil
		case "gt":
			return c > 0, nil
		case "ge":
			return c >= 0, nil
		case "lt":
			return c < 0, nil
		case "le":
			return c <= 0, nil
		case "contains":
			return false, fmt.Errorf("contains does not apply to numbers")
		}
	}

	switch pred {
	case "eq":
		return renderValue(got) == renderValue(want), nil
	case "ne":
		return renderValue(got) != renderValue(want), nil
	case "contains":
		if items, ok := got.([]any); ok {
			for _, item := range items {
				if renderValue(item) == renderValue(want) {
					return true, nil
				}
			}
			return false, nil
		}
		gs, gok := got.(string)
		ws, wok := want.(string)
		if gok && wok {
			return strings.Contains(gs, ws), nil
		}
		return false, fmt.Errorf("contains wants a string or list, got %T", got)
	default:
		return false, fmt.Errorf("predicate %q needs numeric operands, got %T and %T", pred, got, want)
	}
}

// renderValue prints a value the way reports and comparisons see it.
func renderValue(v any) string {
	switch n := v.(type) {
	case *big.Int:
		return n.String()
	case string:
		return strings.ToLower(n)
	case []any:
		parts := make([]string, len(n))
		for i, item := range n {
			parts[i] = renderValue(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("%v", v)
	}
}

// randomABIValue draws a pseudo-random value of the given solidity type.
func randomABIValue(r *rand.Rand, t gethabi.Type) (any, error) {
	switch t.T {
	case gethabi.UintTy, gethabi.IntTy:
		bits := t.Size
		if bits > 64 {
			bits = 64
		}
		n := r.Uint64()
		if bits < 64 {
			n &= (1 << uint(bits)) - 1
		}
		bi := new(big.Int).SetUint64(n)
		if t.T == gethabi.IntTy {
			bi.Rsh(bi, 1)
			if r.Intn(2) == 0 {
				bi.Neg(bi)
			}
		}
		return toABIValue(bi, t)
	case gethabi.BoolTy:
		return r.Intn(2) == 0, nil
	case gethabi.StringTy:
		const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
		buf := make([]byte, r.Intn(16))
		for i := range buf {
			buf[i] = alphabet[r.Intn(len(alphabet))]
		}
		return string(buf), nil
	case gethabi.AddressTy:
		var addr common.Address
		r.Read(addr[:])
		return addr, nil
	case gethabi.BytesTy:
		buf := make([]byte, r.Intn(32))
		r.Read(buf)
		return buf, nil
	case gethabi.FixedBytesTy:
		buf := make([]byte, t.Size)
		r.Read(buf)
		return toABIValue(hexutil.Encode(buf), t)
	default:
		return nil, fmt.Errorf("cannot generate values of type %s", t.String())
	}
}
