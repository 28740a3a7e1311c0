package tracing

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"

	"github.com/polareth/evmstate/node"
	"github.com/polareth/evmstate/tracing/explore"
	"github.com/polareth/evmstate/tracing/layout"
	"github.com/polareth/evmstate/tracing/preimage"
	"github.com/polareth/evmstate/tracing/utils"
)

// TraceParams selects exactly one trace shape: raw calldata simulation, ABI
// call simulation, or replay of a mined transaction.
type TraceParams struct {
	// With data: simulate from raw fields.
	From  common.Address
	To    *common.Address
	Data  hexutil.Bytes
	Value *big.Int

	// With ABI: simulate an encoded function call.
	ABIJSON      string
	FunctionName string
	Args         []interface{}

	// Replay: re-execute a mined transaction.
	TxHash *common.Hash

	// Common options.
	StorageLayouts      map[common.Address]*layout.StorageLayout
	Explorers           *layout.ExplorerConfig // per-trace explorer endpoints
	FetchContracts      *bool                  // proxy detection via storage reads, default true
	FetchStorageLayouts *bool                  // explorer layout fetch, default true
	Config              *explore.Config
}

type traceMode int

const (
	modeInvalid traceMode = iota
	modeData
	modeABI
	modeReplay
)

// Validate enforces the exactly-one-shape rule of the params.
func (p *TraceParams) Validate() (traceMode, error) {
	hasReplay := p.TxHash != nil
	// A bare ABI is a decoding aid for any mode; a function name selects the
	// ABI call shape.
	hasABI := p.FunctionName != "" || len(p.Args) > 0
	hasData := len(p.Data) > 0

	switch {
	case hasReplay:
		if hasABI || hasData || p.From != (common.Address{}) || p.To != nil || p.Value != nil {
			return modeInvalid, utils.NewInvalidParamsError("tx_hash cannot be combined with call fields")
		}
		return modeReplay, nil
	case hasABI:
		if p.ABIJSON == "" || p.FunctionName == "" {
			return modeInvalid, utils.NewInvalidParamsError("abi and function_name are both required for an ABI call")
		}
		if hasData {
			return modeInvalid, utils.NewInvalidParamsError("data cannot be combined with an ABI call")
		}
		if p.From == (common.Address{}) || p.To == nil {
			return modeInvalid, utils.NewInvalidParamsError("from and to are required for an ABI call")
		}
		return modeABI, nil
	default:
		if p.From == (common.Address{}) {
			return modeInvalid, utils.NewInvalidParamsError("from is required")
		}
		return modeData, nil
	}
}

func (p *TraceParams) fetchContracts() bool {
	return p.FetchContracts == nil || *p.FetchContracts
}

func (p *TraceParams) fetchStorageLayouts() bool {
	return p.FetchStorageLayouts == nil || *p.FetchStorageLayouts
}

// StateTracer runs the full pipeline: diff adapter, preimage pool, layout
// resolution, explorer, result assembly.
type StateTracer struct {
	client   node.EthClient
	layouts  *layout.Manager
	adapter  *DiffAdapter
	registry *preimage.FunctionRegistry
	metrics  *utils.MetricsCollector

	chainID *big.Int
}

func NewStateTracer(client node.EthClient, layouts *layout.Manager) *StateTracer {
	return &StateTracer{
		client:   client,
		layouts:  layouts,
		adapter:  NewDiffAdapter(client),
		registry: preimage.NewFunctionRegistry(),
		metrics:  utils.NewMetricsCollector(),
	}
}

// Metrics exposes the tracer's counters.
func (t *StateTracer) Metrics() *utils.MetricsCollector { return t.metrics }

// TraceState observes a transaction (simulated or replayed) and labels every
// accessed storage slot per touched account.
func (t *StateTracer) TraceState(params TraceParams) (*Result, error) {
	mode, err := params.Validate()
	if err != nil {
		return nil, err
	}

	started := time.Now()
	t.metrics.RecordTraceStart()
	log.Info("trace state start", "mode", modeName(mode))

	diff, calldata, contractABI, err := t.runDiff(mode, params)
	if err != nil {
		t.metrics.RecordTraceFailure()
		return nil, err
	}

	pool := t.buildPool(mode, params, diff, calldata, contractABI)
	log.Info("candidate preimages", "count", pool.Len())
	t.metrics.RecordPreimages(pool.Len())

	cfg := explore.DefaultConfig()
	if params.Config != nil {
		cfg = *params.Config
	}

	result := NewResult()
	unexploredTotal := 0
	for _, addr := range diff.Touched {
		acct := diff.Accounts[addr]

		lay := t.resolveLayout(addr, params)
		explorer := explore.New(lay, acct.Storage, pool, cfg)
		variables := explorer.Explore()
		if explorer.BudgetExhausted() {
			t.metrics.RecordBudgetExhausted()
		}
		t.metrics.RecordExplorerStates(explorer.StatesUsed())
		t.metrics.RecordSlotsObserved(len(acct.Storage))
		unexploredTotal += len(explorer.UnexploredSlots())

		storage := make(map[string]*explore.LabeledVariable, len(variables))
		for _, v := range variables {
			storage[v.Name] = v
		}
		result.Put(addr, &AccountState{
			Storage:    storage,
			Intrinsics: acct.Intrinsics(),
		})
	}

	t.metrics.RecordAccountsLabeled(result.Len())
	t.metrics.RecordSlotsUnexplored(unexploredTotal)
	t.metrics.RecordTraceComplete(time.Since(started))
	log.Info("trace state end", "accounts", result.Len(), "unexploredSlots", unexploredTotal)
	return result, nil
}

func modeName(m traceMode) string {
	switch m {
	case modeData:
		return "data"
	case modeABI:
		return "abi"
	case modeReplay:
		return "replay"
	default:
		return "invalid"
	}
}

// runDiff drives the diff oracle for the selected mode and returns the diff,
// the calldata that produced it, and the parsed user ABI when one was given.
func (t *StateTracer) runDiff(mode traceMode, params TraceParams) (*TraceDiff, []byte, *abi.ABI, error) {
	var contractABI *abi.ABI
	if params.ABIJSON != "" {
		parsed, err := abi.JSON(strings.NewReader(params.ABIJSON))
		if err != nil {
			return nil, nil, nil, utils.NewInvalidParamsError("invalid abi json").AddContext("parse_error", err.Error())
		}
		contractABI = &parsed
	}

	switch mode {
	case modeReplay:
		diff, err := t.adapter.TraceTransaction(*params.TxHash)
		if err != nil {
			return nil, nil, nil, err
		}
		var calldata []byte
		if tx, err := t.client.TxByHash(*params.TxHash); err == nil {
			calldata = tx.Data()
		}
		return diff, calldata, contractABI, nil

	case modeABI:
		calldata, err := contractABI.Pack(params.FunctionName, params.Args...)
		if err != nil {
			return nil, nil, nil, utils.NewInvalidParamsError("failed to encode function call").
				AddContext("function", params.FunctionName).
				AddContext("pack_error", err.Error())
		}
		diff, err := t.adapter.TraceCall(t.callParams(params, calldata), nil)
		if err != nil {
			return nil, nil, nil, err
		}
		return diff, calldata, contractABI, nil

	default:
		diff, err := t.adapter.TraceCall(t.callParams(params, params.Data), nil)
		if err != nil {
			return nil, nil, nil, err
		}
		return diff, params.Data, contractABI, nil
	}
}

func (t *StateTracer) callParams(params TraceParams, calldata []byte) node.CallParams {
	call := node.CallParams{
		From: params.From,
		To:   params.To,
		Data: calldata,
	}
	if params.Value != nil {
		call.Value = (*hexutil.Big)(params.Value)
	}
	return call
}

// buildPool constructs the candidate key set in the spec's priority order:
// typed ABI arguments, registry-decoded calldata, raw stack values, touched
// addresses.
func (t *StateTracer) buildPool(mode traceMode, params TraceParams, diff *TraceDiff, calldata []byte, contractABI *abi.ABI) *preimage.Pool {
	pool := preimage.NewPool()

	if contractABI != nil {
		t.registry.RegisterABI(contractABI)
	}
	if mode == modeABI && contractABI != nil {
		if method, ok := contractABI.Methods[params.FunctionName]; ok {
			pool.AddABIArguments(method.Inputs, params.Args)
		}
	}
	if len(calldata) > 0 {
		pool.AddCalldata(t.registry, calldata)
	}

	pool.AddStackValues(diff.StackValues)

	for _, addr := range diff.Touched {
		pool.AddAddress(addr)
	}
	if params.From != (common.Address{}) {
		pool.AddAddress(params.From)
	}

	pool.Finalize()
	return pool
}

// resolveLayout picks the layout for one account: user-supplied first, then
// the manager's cache/fetch path with optional proxy detection.
func (t *StateTracer) resolveLayout(addr common.Address, params TraceParams) *layout.StorageLayout {
	if lay, ok := params.StorageLayouts[addr]; ok {
		return lay
	}

	chainID := t.resolveChainID()
	layouts := t.layouts
	if params.Explorers != nil {
		layouts = layouts.WithExplorers(*params.Explorers)
	}
	var reader layout.StorageReader
	if params.fetchContracts() {
		reader = t.client
	}
	if !params.fetchStorageLayouts() {
		// Cache-only resolution still honors previously supplied layouts.
		lay, err := layouts.GetLayout(chainID, addr)
		if err != nil {
			return nil
		}
		return lay
	}

	lay, err := layouts.ResolveWithProxy(chainID, addr, reader)
	if err != nil {
		t.metrics.RecordLayoutCacheMiss()
		return nil
	}
	t.metrics.RecordLayoutCacheHit()
	return lay
}

func (t *StateTracer) resolveChainID() *big.Int {
	if t.chainID != nil {
		return t.chainID
	}
	id, err := t.client.ChainID()
	if err != nil {
		log.Info("chain id lookup failed", "err", err)
		return nil
	}
	t.chainID = id
	return id
}
