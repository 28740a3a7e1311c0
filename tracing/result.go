package tracing

import (
	"encoding/json"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/polareth/evmstate/tracing/explore"
)

// BalanceChange is the pre/post wei balance of one account. A nil side means
// the account did not exist in that snapshot.
type BalanceChange struct {
	Current  *big.Int `json:"current,omitempty"`
	Next     *big.Int `json:"next,omitempty"`
	Modified bool     `json:"modified"`
}

// NonceChange is the pre/post nonce of one account.
type NonceChange struct {
	Current  *uint64 `json:"current,omitempty"`
	Next     *uint64 `json:"next,omitempty"`
	Modified bool    `json:"modified"`
}

// CodeChange is the pre/post code of one account.
type CodeChange struct {
	Current  hexutil.Bytes `json:"current,omitempty"`
	Next     hexutil.Bytes `json:"next,omitempty"`
	Modified bool          `json:"modified"`
}

// IntrinsicsDiff groups the non-storage account fields.
type IntrinsicsDiff struct {
	Balance *BalanceChange `json:"balance,omitempty"`
	Nonce   *NonceChange   `json:"nonce,omitempty"`
	Code    *CodeChange    `json:"code,omitempty"`
}

// AccountState is the labeled trace of one account: records grouped by
// variable name plus the intrinsic field diffs.
type AccountState struct {
	Storage    map[string]*explore.LabeledVariable `json:"storage"`
	Intrinsics IntrinsicsDiff                      `json:"intrinsics"`
}

// Result is the address-keyed outcome of one trace. Addresses are normalized
// to lowercase hex on insert and lookup.
type Result struct {
	accounts map[string]*AccountState
}

func NewResult() *Result {
	return &Result{accounts: make(map[string]*AccountState)}
}

// NormalizeAddress lowercases an address string and ensures the 0x prefix.
func NormalizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") {
		addr = "0x" + addr
	}
	return addr
}

// Put stores the state for an account.
func (r *Result) Put(addr common.Address, state *AccountState) {
	r.accounts[strings.ToLower(addr.Hex())] = state
}

// Account looks an account up by hex string, normalizing first.
func (r *Result) Account(addr string) (*AccountState, bool) {
	state, ok := r.accounts[NormalizeAddress(addr)]
	return state, ok
}

// AccountByAddress looks an account up by address.
func (r *Result) AccountByAddress(addr common.Address) (*AccountState, bool) {
	return r.Account(addr.Hex())
}

// Addresses returns every traced account in sorted order.
func (r *Result) Addresses() []string {
	out := make([]string, 0, len(r.accounts))
	for addr := range r.accounts {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Len reports the traced account count.
func (r *Result) Len() int { return len(r.accounts) }

func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.accounts)
}

func (r *Result) UnmarshalJSON(data []byte) error {
	r.accounts = make(map[string]*AccountState)
	return json.Unmarshal(data, &r.accounts)
}
