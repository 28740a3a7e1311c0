package explore

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// SegmentKind tags a path segment variant.
type SegmentKind string

const (
	SegmentMappingKey  SegmentKind = "mapping_key"
	SegmentArrayIndex  SegmentKind = "array_index"
	SegmentArrayLength SegmentKind = "array_length"
	SegmentBytesLength SegmentKind = "bytes_length"
	SegmentStructField SegmentKind = "struct_field"
)

// PathSegment is one step from a declared variable down to an accessed slot.
type PathSegment struct {
	Kind       SegmentKind `json:"kind"`
	Key        string      `json:"key,omitempty"`
	KeyDecoded interface{} `json:"keyDecoded,omitempty"`
	KeyType    string      `json:"keyType,omitempty"`
	Index      uint64      `json:"index,omitempty"`
	Field      string      `json:"field,omitempty"`
}

// Value is a raw slot (or reassembled content) value with its decoded form
// when decoding succeeded.
type Value struct {
	Hex     string      `json:"hex"`
	Decoded interface{} `json:"decoded,omitempty"`
}

// AccessRecord is one observation of a variable: the slots it covers, the
// path into the variable, and the current/next values.
type AccessRecord struct {
	Slots          []common.Hash `json:"slots"`
	Path           []PathSegment `json:"path"`
	FullExpression string        `json:"fullExpression"`
	Current        *Value        `json:"current,omitempty"`
	Next           *Value        `json:"next,omitempty"`
	Modified       bool          `json:"modified"`
	Note           string        `json:"note,omitempty"`
}

// VariableKind classifies a labeled variable.
type VariableKind string

const (
	VariablePrimitive    VariableKind = "primitive"
	VariableMapping      VariableKind = "mapping"
	VariableDynamicArray VariableKind = "dynamic_array"
	VariableStaticArray  VariableKind = "static_array"
	VariableStruct       VariableKind = "struct"
	VariableBytes        VariableKind = "bytes"
)

// LabeledVariable groups every access record attributed to one declared
// variable (or one synthetic unlabeled slot).
type LabeledVariable struct {
	Name     string         `json:"name"`
	TypeName string         `json:"typeName,omitempty"`
	Kind     VariableKind   `json:"kind"`
	Trace    []AccessRecord `json:"trace"`
}

// SlotValue is the observed (pre, post) pair of one storage slot. Next is nil
// when the slot was only read.
type SlotValue struct {
	Current common.Hash
	Next    *common.Hash
}

// Modified reports a genuine value change.
func (v SlotValue) Modified() bool {
	return v.Next != nil && *v.Next != v.Current
}

// Effective returns the post value when modified, else the pre value.
func (v SlotValue) Effective() common.Hash {
	if v.Modified() {
		return *v.Next
	}
	return v.Current
}

// Observed is the accessed slot set handed to the explorer.
type Observed map[common.Hash]SlotValue

// Config bounds the explorer's key/index search.
type Config struct {
	MaxMappingDepth   int    `json:"maxMappingDepth"`
	MaxExploredStates int    `json:"maxExploredStates"`
	MaxDynArraySweep  uint64 `json:"maxDynArraySweep"`
}

// DefaultConfig returns the stock budgets.
func DefaultConfig() Config {
	return Config{
		MaxMappingDepth:   4,
		MaxExploredStates: 5000,
		MaxDynArraySweep:  16,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxMappingDepth <= 0 {
		c.MaxMappingDepth = d.MaxMappingDepth
	}
	if c.MaxExploredStates <= 0 {
		c.MaxExploredStates = d.MaxExploredStates
	}
	if c.MaxDynArraySweep == 0 {
		c.MaxDynArraySweep = d.MaxDynArraySweep
	}
	return c
}

// renderPath composes the canonical Solidity expression suffix for a path:
// `[k]` for keys and indices, `.field` for struct members, `._length` for the
// synthetic length segments.
func renderPath(path []PathSegment) string {
	var sb strings.Builder
	for _, seg := range path {
		switch seg.Kind {
		case SegmentMappingKey:
			sb.WriteString("[")
			sb.WriteString(renderKey(seg))
			sb.WriteString("]")
		case SegmentArrayIndex:
			fmt.Fprintf(&sb, "[%d]", seg.Index)
		case SegmentArrayLength, SegmentBytesLength:
			sb.WriteString("._length")
		case SegmentStructField:
			sb.WriteString(".")
			sb.WriteString(seg.Field)
		}
	}
	return sb.String()
}

func renderKey(seg PathSegment) string {
	switch k := seg.KeyDecoded.(type) {
	case common.Address:
		return strings.ToLower(k.Hex())
	case *big.Int:
		return k.String()
	case bool:
		if k {
			return "true"
		}
		return "false"
	case common.Hash:
		return strings.ToLower(k.Hex())
	case string:
		return k
	default:
		return strings.ToLower(seg.Key)
	}
}
