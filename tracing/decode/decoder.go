package decode

import (
	"fmt"
	"math/big"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/polareth/evmstate/tracing/layout"
)

// Window extracts the width bytes of a value stored at the given byte offset
// within a slot. EVM slots are big-endian: offset 0 is the rightmost byte.
func Window(raw common.Hash, offset, width int) ([]byte, error) {
	if width <= 0 || offset < 0 || offset+width > 32 {
		return nil, fmt.Errorf("invalid slot window offset=%d width=%d", offset, width)
	}
	lo := 32 - offset - width
	hi := 32 - offset
	out := make([]byte, width)
	copy(out, raw[lo:hi])
	return out, nil
}

// Value interprets the window of a slot as the given in-place type. Dynamic
// types (mapping, dynamic array, bytes) have no single-slot value and are
// rejected.
func Value(raw common.Hash, td *layout.TypeDef, offset int) (interface{}, error) {
	if td == nil {
		return nil, fmt.Errorf("missing type definition")
	}
	switch td.Kind() {
	case layout.KindPrimitive:
	default:
		return nil, fmt.Errorf("type %q has no in-place value", td.Label)
	}

	width := int(td.NumberOfBytes)
	window, err := Window(raw, offset, width)
	if err != nil {
		return nil, err
	}

	switch {
	case td.IsBool():
		for _, b := range window {
			if b != 0 {
				return true, nil
			}
		}
		return false, nil
	case td.IsAddress():
		return common.BytesToAddress(window), nil
	case td.IsEnum():
		return new(big.Int).SetBytes(window).Uint64(), nil
	case td.IsFixedBytes():
		return hexutil.Encode(window), nil
	case td.IsSigned():
		return signedFromWindow(window), nil
	case strings.HasPrefix(td.Label, "uint"):
		return new(big.Int).SetBytes(window), nil
	default:
		// Unknown primitive labels fall back to the raw window.
		return hexutil.Encode(window), nil
	}
}

// signedFromWindow sign-extends a two's-complement window.
func signedFromWindow(window []byte) *big.Int {
	v := new(big.Int).SetBytes(window)
	bits := uint(len(window) * 8)
	if v.Bit(int(bits-1)) == 1 {
		max := new(big.Int).Lsh(big.NewInt(1), bits)
		v.Sub(v, max)
	}
	return v
}

// Uint256 interprets a full slot as an unsigned integer.
func Uint256(raw common.Hash) *big.Int {
	return new(big.Int).SetBytes(raw[:])
}

// BytesHeader is the parsed header slot of a Solidity bytes/string value.
type BytesHeader struct {
	Long   bool
	Length uint64
}

// ParseBytesHeader decodes the header word: even low byte means a short value
// (payload in the same slot, length = low/2), odd means a long value
// (header = 2*len + 1, payload at keccak256(headerSlot)).
func ParseBytesHeader(raw common.Hash) BytesHeader {
	if raw[31]%2 == 0 {
		return BytesHeader{Long: false, Length: uint64(raw[31] / 2)}
	}
	n := new(big.Int).SetBytes(raw[:])
	n.Sub(n, big.NewInt(1))
	n.Rsh(n, 1)
	if !n.IsUint64() {
		// Corrupt header; clamp rather than overflow.
		return BytesHeader{Long: true, Length: ^uint64(0)}
	}
	return BytesHeader{Long: true, Length: n.Uint64()}
}

// ShortContent extracts the payload of a short bytes value from its header
// slot. The payload occupies the leftmost length bytes.
func ShortContent(raw common.Hash, length uint64) []byte {
	if length > 31 {
		length = 31
	}
	out := make([]byte, length)
	copy(out, raw[:length])
	return out
}

// AssembleLong concatenates continuation slots in order and truncates to the
// declared length.
func AssembleLong(parts []common.Hash, length uint64) []byte {
	out := make([]byte, 0, len(parts)*32)
	for _, p := range parts {
		out = append(out, p[:]...)
	}
	if uint64(len(out)) > length {
		out = out[:length]
	}
	return out
}

// BytesValue renders assembled content as the decoded value of a bytes or
// string variable. Strings must be valid UTF-8.
func BytesValue(content []byte, isString bool) (interface{}, error) {
	if !isString {
		return hexutil.Encode(content), nil
	}
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("invalid UTF-8 in string content")
	}
	return string(content), nil
}
