package preimage

import (
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/polareth/evmstate/tracing/layout"
)

// Preimage is one candidate 32-byte key or index value extracted from a
// transaction, with its decoded form when the source was typed.
type Preimage struct {
	Hex     common.Hash `json:"hex"`
	Type    string      `json:"type,omitempty"`
	Decoded interface{} `json:"decoded,omitempty"`
}

// Typed reports whether the entry carries type information.
func (p Preimage) Typed() bool { return p.Type != "" }

// Pool is the deduplicated, ordered candidate set shared by every account in
// one trace. It is read-only after Finalize.
type Pool struct {
	entries   []Preimage
	byHex     map[common.Hash]int
	finalized bool
}

func NewPool() *Pool {
	return &Pool{byHex: make(map[common.Hash]int)}
}

// Add inserts a candidate, deduplicating by hex. A typed duplicate upgrades
// an existing untyped entry; it never downgrades a typed one.
func (p *Pool) Add(h common.Hash, typ string, decoded interface{}) {
	if p.finalized {
		return
	}
	if i, ok := p.byHex[h]; ok {
		if typ != "" && p.entries[i].Type == "" {
			p.entries[i].Type = typ
			p.entries[i].Decoded = decoded
		}
		return
	}
	p.byHex[h] = len(p.entries)
	p.entries = append(p.entries, Preimage{Hex: h, Type: typ, Decoded: decoded})
}

// AddUntyped inserts a bare stack value.
func (p *Pool) AddUntyped(h common.Hash) {
	p.Add(h, "", nil)
}

// AddAddress inserts a touched address, left-padded to 32 bytes.
func (p *Pool) AddAddress(addr common.Address) {
	p.Add(common.BytesToHash(addr.Bytes()), "address", addr)
}

// AddStackValues inserts every observed stack word in first-seen order.
func (p *Pool) AddStackValues(values []common.Hash) {
	for _, v := range values {
		p.AddUntyped(v)
	}
}

// AddABIArguments inserts decoded function arguments as typed candidates.
// Composite arguments contribute their elements.
func (p *Pool) AddABIArguments(args abi.Arguments, values []interface{}) {
	for i, arg := range args {
		if i >= len(values) {
			break
		}
		p.addABIValue(arg.Type, values[i])
	}
}

func (p *Pool) addABIValue(t abi.Type, v interface{}) {
	switch t.T {
	case abi.AddressTy:
		if addr, ok := v.(common.Address); ok {
			p.AddAddress(addr)
		}
	case abi.UintTy, abi.IntTy:
		switch n := v.(type) {
		case *big.Int:
			p.Add(wordFromBig(n), t.String(), n)
		case uint8:
			p.Add(common.BigToHash(new(big.Int).SetUint64(uint64(n))), t.String(), new(big.Int).SetUint64(uint64(n)))
		case uint16:
			p.Add(common.BigToHash(new(big.Int).SetUint64(uint64(n))), t.String(), new(big.Int).SetUint64(uint64(n)))
		case uint32:
			p.Add(common.BigToHash(new(big.Int).SetUint64(uint64(n))), t.String(), new(big.Int).SetUint64(uint64(n)))
		case uint64:
			p.Add(common.BigToHash(new(big.Int).SetUint64(n)), t.String(), new(big.Int).SetUint64(n))
		case int8:
			p.Add(wordFromBig(big.NewInt(int64(n))), t.String(), big.NewInt(int64(n)))
		case int16:
			p.Add(wordFromBig(big.NewInt(int64(n))), t.String(), big.NewInt(int64(n)))
		case int32:
			p.Add(wordFromBig(big.NewInt(int64(n))), t.String(), big.NewInt(int64(n)))
		case int64:
			p.Add(wordFromBig(big.NewInt(n)), t.String(), big.NewInt(n))
		}
	case abi.BoolTy:
		if b, ok := v.(bool); ok {
			word := common.Hash{}
			if b {
				word[31] = 1
			}
			p.Add(word, "bool", b)
		}
	case abi.FixedBytesTy:
		// bytesN map keys are right-padded.
		raw := fixedBytes(v)
		if raw != nil {
			var word common.Hash
			copy(word[:], raw)
			p.Add(word, t.String(), word)
		}
	case abi.SliceTy, abi.ArrayTy:
		p.addSlice(t, v)
	}
}

func (p *Pool) addSlice(t abi.Type, v interface{}) {
	switch vv := v.(type) {
	case []common.Address:
		for _, a := range vv {
			p.AddAddress(a)
		}
	case []*big.Int:
		for _, n := range vv {
			p.Add(wordFromBig(n), t.Elem.String(), n)
		}
	}
}

func fixedBytes(v interface{}) []byte {
	switch b := v.(type) {
	case [1]byte:
		return b[:]
	case [4]byte:
		return b[:]
	case [8]byte:
		return b[:]
	case [16]byte:
		return b[:]
	case [32]byte:
		return b[:]
	}
	return nil
}

// wordFromBig left-pads a (possibly negative) integer into a 32-byte
// two's-complement word.
func wordFromBig(n *big.Int) common.Hash {
	if n.Sign() >= 0 {
		return common.BigToHash(n)
	}
	mod := new(big.Int).Lsh(big.NewInt(1), 256)
	return common.BigToHash(new(big.Int).Add(mod, n))
}

// Finalize freezes the pool and establishes the canonical ordering: typed
// addresses first, then other typed entries, then untyped, each group in
// insertion order.
func (p *Pool) Finalize() {
	if p.finalized {
		return
	}
	rank := func(e Preimage) int {
		switch {
		case e.Type == "address":
			return 0
		case e.Type != "":
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(p.entries, func(i, j int) bool {
		return rank(p.entries[i]) < rank(p.entries[j])
	})
	p.byHex = make(map[common.Hash]int, len(p.entries))
	for i, e := range p.entries {
		p.byHex[e.Hex] = i
	}
	p.finalized = true
}

// Entries returns the pool in canonical order.
func (p *Pool) Entries() []Preimage {
	return p.entries
}

// Len returns the candidate count.
func (p *Pool) Len() int { return len(p.entries) }

// Candidates returns key candidates for the given declared key type, in
// search order: exact type matches, then same-class typed entries, then
// untyped entries. An unknown key type yields the whole pool.
func (p *Pool) Candidates(keyType *layout.TypeDef) []Preimage {
	if keyType == nil {
		return p.entries
	}
	wantLabel := keyType.Label
	wantClass := classOfLabel(wantLabel)

	var exact, class, untyped []Preimage
	for _, e := range p.entries {
		switch {
		case !e.Typed():
			untyped = append(untyped, e)
		case e.Type == wantLabel || (wantClass == "address" && classOfLabel(e.Type) == "address"):
			exact = append(exact, e)
		case wantClass != "" && classOfLabel(e.Type) == wantClass:
			class = append(class, e)
		}
	}
	out := make([]Preimage, 0, len(exact)+len(class)+len(untyped))
	out = append(out, exact...)
	out = append(out, class...)
	out = append(out, untyped...)
	return out
}

// AddressCandidates returns the typed address entries in pool order.
func (p *Pool) AddressCandidates() []Preimage {
	var out []Preimage
	for _, e := range p.entries {
		if classOfLabel(e.Type) == "address" {
			out = append(out, e)
		}
	}
	return out
}

const maxIndexCandidate = uint64(1) << 32

// CandidateIndices returns plausible array indices drawn from the numeric
// candidates (values up to 2^32), sorted ascending.
func (p *Pool) CandidateIndices() []uint64 {
	seen := make(map[uint64]struct{})
	for _, e := range p.entries {
		if e.Typed() && classOfLabel(e.Type) != "numeric" {
			continue
		}
		n := new(big.Int).SetBytes(e.Hex[:])
		if !n.IsUint64() {
			continue
		}
		v := n.Uint64()
		if v > maxIndexCandidate {
			continue
		}
		seen[v] = struct{}{}
	}
	out := make([]uint64, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func classOfLabel(label string) string {
	switch {
	case label == "":
		return ""
	case label == "address" || label == "address payable" || strings.HasPrefix(label, "contract "):
		return "address"
	case strings.HasPrefix(label, "uint"), strings.HasPrefix(label, "int"), strings.HasPrefix(label, "enum "):
		return "numeric"
	case label == "bool":
		return "bool"
	case strings.HasPrefix(label, "bytes"):
		return "bytes"
	default:
		return ""
	}
}
