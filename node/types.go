package node

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Account is one account snapshot as reported by the prestate tracer.
type Account struct {
	Balance *hexutil.Big                `json:"balance,omitempty"`
	Nonce   uint64                      `json:"nonce,omitempty"`
	Code    hexutil.Bytes               `json:"code,omitempty"`
	Storage map[common.Hash]common.Hash `json:"storage,omitempty"`
}

// DiffTrace is the diffMode result of the prestate tracer: the accounts
// touched by a transaction before and after execution. Accounts created
// during the transaction appear only in Post; self-destructed accounts only
// in Pre.
type DiffTrace struct {
	Pre  map[common.Address]*Account `json:"pre"`
	Post map[common.Address]*Account `json:"post"`
}

// CallParams describes a call to simulate via debug_traceCall.
type CallParams struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to,omitempty"`
	Data  hexutil.Bytes   `json:"data,omitempty"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Gas   *hexutil.Uint64 `json:"gas,omitempty"`
}

type structLog struct {
	Pc    uint64   `json:"pc"`
	Op    string   `json:"op"`
	Depth int      `json:"depth"`
	Stack []string `json:"stack"`
}

type structLogResult struct {
	StructLogs []structLog `json:"structLogs"`
}
