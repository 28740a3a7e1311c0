package preimage

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// builtinFunctions covers the selectors most commonly hit by traced
// transactions, so calldata keys decode even without a user-supplied ABI.
const builtinFunctions = `[
	{"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}]},
	{"type":"function","name":"transferFrom","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}]},
	{"type":"function","name":"approve","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}]},
	{"type":"function","name":"allowance","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}]},
	{"type":"function","name":"balanceOf","inputs":[{"name":"owner","type":"address"}]},
	{"type":"function","name":"mint","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}]},
	{"type":"function","name":"burn","inputs":[{"name":"amount","type":"uint256"}]},
	{"type":"function","name":"safeTransferFrom","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}]},
	{"type":"function","name":"setApprovalForAll","inputs":[{"name":"operator","type":"address"},{"name":"approved","type":"bool"}]},
	{"type":"function","name":"ownerOf","inputs":[{"name":"tokenId","type":"uint256"}]},
	{"type":"function","name":"deposit","inputs":[]},
	{"type":"function","name":"withdraw","inputs":[{"name":"amount","type":"uint256"}]}
]`

// FunctionRegistry maps 4-byte selectors to known function definitions so
// calldata can be decoded into typed preimages.
type FunctionRegistry struct {
	methods map[[4]byte]abi.Method
}

// NewFunctionRegistry builds a registry seeded with the builtin selectors.
func NewFunctionRegistry() *FunctionRegistry {
	r := &FunctionRegistry{methods: make(map[[4]byte]abi.Method)}
	if parsed, err := abi.JSON(strings.NewReader(builtinFunctions)); err == nil {
		r.RegisterABI(&parsed)
	}
	return r
}

// RegisterABI adds every method of a contract ABI to the registry,
// overriding builtin entries on selector collision.
func (r *FunctionRegistry) RegisterABI(contractABI *abi.ABI) {
	if contractABI == nil {
		return
	}
	for _, method := range contractABI.Methods {
		var sel [4]byte
		copy(sel[:], method.ID)
		r.methods[sel] = method
	}
}

// DecodeCalldata resolves the selector of the given calldata and unpacks its
// arguments. Returns false when the selector is unknown or the arguments do
// not unpack.
func (r *FunctionRegistry) DecodeCalldata(data []byte) (*abi.Method, []interface{}, bool) {
	if len(data) < 4 {
		return nil, nil, false
	}
	var sel [4]byte
	copy(sel[:], data[:4])
	method, ok := r.methods[sel]
	if !ok {
		return nil, nil, false
	}
	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, false
	}
	return &method, values, true
}

// AddCalldata decodes calldata against the registry and feeds the decoded
// arguments into the pool as typed candidates.
func (p *Pool) AddCalldata(registry *FunctionRegistry, data []byte) bool {
	if registry == nil {
		return false
	}
	method, values, ok := registry.DecodeCalldata(data)
	if !ok {
		return false
	}
	p.AddABIArguments(method.Inputs, values)
	return true
}
