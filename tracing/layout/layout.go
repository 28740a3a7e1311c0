package layout

import (
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Encoding is the storage encoding tag emitted by solc for each type.
type Encoding string

const (
	EncodingInplace      Encoding = "inplace"
	EncodingMapping      Encoding = "mapping"
	EncodingDynamicArray Encoding = "dynamic_array"
	EncodingBytes        Encoding = "bytes"
)

// Kind classifies a type for the explorer's dispatch.
type Kind string

const (
	KindPrimitive    Kind = "primitive"
	KindBytes        Kind = "bytes"
	KindStaticArray  Kind = "static_array"
	KindDynamicArray Kind = "dynamic_array"
	KindMapping      Kind = "mapping"
	KindStruct       Kind = "struct"
)

// StorageLayout is the normalized solc storage layout for one contract:
// declared variables in declaration order plus the type table they reference.
type StorageLayout struct {
	Storage []Variable          `json:"storage"`
	Types   map[string]*TypeDef `json:"types"`
}

// Variable is one declared storage variable (or struct member): a label, the
// base slot, the byte offset within that slot and a reference into the type
// table.
type Variable struct {
	Label  string     `json:"label"`
	Slot   SlotNumber `json:"slot"`
	Offset int        `json:"offset"`
	Type   string     `json:"type"`
}

// TypeDef is one entry of the solc type table.
type TypeDef struct {
	Encoding      Encoding   `json:"encoding"`
	Label         string     `json:"label"`
	NumberOfBytes ByteCount  `json:"numberOfBytes"`
	Key           string     `json:"key,omitempty"`
	Value         string     `json:"value,omitempty"`
	Base          string     `json:"base,omitempty"`
	Members       []Variable `json:"members,omitempty"`
}

// SlotNumber is a base slot. Solc emits it as a decimal string; merged proxy
// pseudo-variables carry full 32-byte values.
type SlotNumber struct {
	n *big.Int
}

func NewSlotNumber(n *big.Int) SlotNumber {
	return SlotNumber{n: new(big.Int).Set(n)}
}

func (s SlotNumber) Big() *big.Int {
	if s.n == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(s.n)
}

// Hash returns the slot as a 32-byte big-endian storage key.
func (s SlotNumber) Hash() common.Hash {
	return common.BigToHash(s.Big())
}

func (s SlotNumber) String() string {
	return s.Big().String()
}

func (s *SlotNumber) UnmarshalJSON(data []byte) error {
	var raw json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		var str string
		if err2 := json.Unmarshal(data, &str); err2 != nil {
			return fmt.Errorf("invalid slot number %s", string(data))
		}
		raw = json.Number(str)
	}
	n, ok := new(big.Int).SetString(raw.String(), 10)
	if !ok {
		return fmt.Errorf("invalid slot number %q", raw.String())
	}
	s.n = n
	return nil
}

func (s SlotNumber) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ByteCount is a byte width. Solc emits it as a decimal string.
type ByteCount uint64

func (b *ByteCount) UnmarshalJSON(data []byte) error {
	var raw json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		var str string
		if err2 := json.Unmarshal(data, &str); err2 != nil {
			return fmt.Errorf("invalid byte count %s", string(data))
		}
		raw = json.Number(str)
	}
	v, err := raw.Int64()
	if err != nil || v < 0 {
		return fmt.Errorf("invalid byte count %q", raw.String())
	}
	*b = ByteCount(v)
	return nil
}

func (b ByteCount) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("%d", uint64(b)))
}

// ParseJSON parses a solc storage layout (the `storageLayout` object of the
// standard JSON output) and validates its type references.
func ParseJSON(data []byte) (*StorageLayout, error) {
	var lay StorageLayout
	if err := json.Unmarshal(data, &lay); err != nil {
		return nil, fmt.Errorf("unable to parse storage layout: %w", err)
	}
	if err := lay.Validate(); err != nil {
		return nil, err
	}
	return &lay, nil
}

// Validate checks that every referenced type id resolves in the type table.
func (l *StorageLayout) Validate() error {
	var check func(typeID string, seen map[string]bool) error
	check = func(typeID string, seen map[string]bool) error {
		if seen[typeID] {
			return nil
		}
		seen[typeID] = true
		td := l.Type(typeID)
		if td == nil {
			return fmt.Errorf("unresolved type id %q", typeID)
		}
		for _, ref := range []string{td.Key, td.Value, td.Base} {
			if ref != "" {
				if err := check(ref, seen); err != nil {
					return err
				}
			}
		}
		for _, m := range td.Members {
			if err := check(m.Type, seen); err != nil {
				return err
			}
		}
		return nil
	}

	seen := make(map[string]bool)
	for _, v := range l.Storage {
		if err := check(v.Type, seen); err != nil {
			return fmt.Errorf("variable %q: %w", v.Label, err)
		}
	}
	return nil
}

// Type resolves a type id. Returns nil when unknown.
func (l *StorageLayout) Type(typeID string) *TypeDef {
	if l == nil || l.Types == nil {
		return nil
	}
	return l.Types[typeID]
}

var staticArrayLen = regexp.MustCompile(`\[(\d+)\]$`)

// KindOf classifies a type id.
func (l *StorageLayout) KindOf(typeID string) Kind {
	td := l.Type(typeID)
	if td == nil {
		return KindPrimitive
	}
	return td.Kind()
}

// Kind classifies the type def.
func (t *TypeDef) Kind() Kind {
	switch t.Encoding {
	case EncodingMapping:
		return KindMapping
	case EncodingDynamicArray:
		return KindDynamicArray
	case EncodingBytes:
		return KindBytes
	case EncodingInplace:
		if len(t.Members) > 0 {
			return KindStruct
		}
		if t.Base != "" {
			return KindStaticArray
		}
		return KindPrimitive
	}
	return KindPrimitive
}

// StaticLength returns the element count of a static array type, parsed from
// the label suffix (`uint256[5]` -> 5).
func (t *TypeDef) StaticLength() (uint64, bool) {
	m := staticArrayLen.FindStringSubmatch(t.Label)
	if m == nil {
		return 0, false
	}
	var n uint64
	if _, err := fmt.Sscanf(m[1], "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

// IsString reports whether a bytes-encoded type holds UTF-8 text.
func (t *TypeDef) IsString() bool {
	return t.Label == "string" || strings.HasPrefix(t.Label, "string ")
}

// IsSigned reports a signed integer label (intN).
func (t *TypeDef) IsSigned() bool {
	return strings.HasPrefix(t.Label, "int")
}

// IsAddress reports address-shaped labels, including contract types.
func (t *TypeDef) IsAddress() bool {
	return t.Label == "address" || t.Label == "address payable" || strings.HasPrefix(t.Label, "contract ")
}

// IsEnum reports enum labels.
func (t *TypeDef) IsEnum() bool {
	return strings.HasPrefix(t.Label, "enum ")
}

// IsBool reports the bool label.
func (t *TypeDef) IsBool() bool {
	return t.Label == "bool"
}

// IsFixedBytes reports bytesN labels.
func (t *TypeDef) IsFixedBytes() bool {
	if !strings.HasPrefix(t.Label, "bytes") {
		return false
	}
	return t.Label != "bytes" && t.Encoding == EncodingInplace
}

// Proxy slot constants per EIP-1967.
var (
	ProxyImplementationSlot = common.HexToHash("0x360894a13ba1a3210667c828492db98dca3e2076cc3735a920a3ca505d382bbc")
	ProxyAdminSlot          = common.HexToHash("0xb53127684a568b3173ae13b9f8a6016e019b2c8e8cbb2a6e0a23387fdaa12345")
)

const addressTypeID = "t_address"

// WithProxySlots returns a copy of the layout with the EIP-1967
// `__implementation` and `__admin` pseudo-variables merged in. A nil receiver
// yields a layout containing only the proxy entries.
func (l *StorageLayout) WithProxySlots() *StorageLayout {
	merged := &StorageLayout{Types: map[string]*TypeDef{
		addressTypeID: {Encoding: EncodingInplace, Label: "address", NumberOfBytes: 20},
	}}
	if l != nil {
		merged.Storage = append(merged.Storage, l.Storage...)
		for id, td := range l.Types {
			merged.Types[id] = td
		}
	}
	merged.Storage = append(merged.Storage,
		Variable{Label: "__implementation", Slot: NewSlotNumber(ProxyImplementationSlot.Big()), Offset: 0, Type: addressTypeID},
		Variable{Label: "__admin", Slot: NewSlotNumber(ProxyAdminSlot.Big()), Offset: 0, Type: addressTypeID},
	)
	return merged
}
