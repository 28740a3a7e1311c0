package tracing

import (
	"bytes"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/polareth/evmstate/node"
	"github.com/polareth/evmstate/tracing/explore"
	"github.com/polareth/evmstate/tracing/utils"
)

// AccountDiff is the explorer-ready view of one touched account: observed
// slot pairs plus intrinsic field changes.
type AccountDiff struct {
	Storage   explore.Observed
	Balance   *BalanceChange
	Nonce     *NonceChange
	Code      *CodeChange
	Created   bool
	Destroyed bool
}

// Intrinsics bundles the account's non-storage diffs.
func (d *AccountDiff) Intrinsics() IntrinsicsDiff {
	return IntrinsicsDiff{Balance: d.Balance, Nonce: d.Nonce, Code: d.Code}
}

// TraceDiff is the diff adapter's output for one transaction or simulated
// call: per-account diffs plus the candidate stack values.
type TraceDiff struct {
	Accounts    map[common.Address]*AccountDiff
	Touched     []common.Address
	Created     []common.Address
	StackValues []common.Hash
}

// DiffAdapter consumes the node's diff oracle and produces explorer inputs.
type DiffAdapter struct {
	client node.EthClient
}

func NewDiffAdapter(client node.EthClient) *DiffAdapter {
	return &DiffAdapter{client: client}
}

// TraceTransaction replays a mined transaction through the diff oracle.
func (a *DiffAdapter) TraceTransaction(hash common.Hash) (*TraceDiff, error) {
	diff, err := a.client.DiffTraceTransaction(hash)
	if err != nil {
		return nil, utils.NewProviderError("diff trace failed", err).AddContext("tx", hash.Hex())
	}

	stack, err := a.client.StackValues(hash)
	if err != nil {
		// Stack capture only narrows the preimage pool; the trace proceeds.
		log.Info("stack value capture failed", "tx", hash.Hex(), "err", err)
		stack = nil
	}

	return assembleDiff(diff, stack), nil
}

// TraceCall simulates a call through the diff oracle.
func (a *DiffAdapter) TraceCall(call node.CallParams, blockNumber *big.Int) (*TraceDiff, error) {
	diff, err := a.client.DiffTraceCall(call, blockNumber)
	if err != nil {
		return nil, utils.NewProviderError("diff trace call failed", err)
	}

	stack, err := a.client.StackValuesForCall(call, blockNumber)
	if err != nil {
		log.Info("stack value capture failed for call", "err", err)
		stack = nil
	}

	return assembleDiff(diff, stack), nil
}

func assembleDiff(diff *node.DiffTrace, stack []common.Hash) *TraceDiff {
	out := &TraceDiff{
		Accounts:    make(map[common.Address]*AccountDiff),
		StackValues: stack,
	}

	addresses := make(map[common.Address]struct{})
	for addr := range diff.Pre {
		addresses[addr] = struct{}{}
	}
	for addr := range diff.Post {
		addresses[addr] = struct{}{}
	}

	for addr := range addresses {
		pre := diff.Pre[addr]
		post := diff.Post[addr]

		acct := &AccountDiff{
			Storage:   make(explore.Observed),
			Created:   pre == nil && post != nil,
			Destroyed: pre != nil && post == nil,
		}

		slotSet := make(map[common.Hash]struct{})
		if pre != nil {
			for slot := range pre.Storage {
				slotSet[slot] = struct{}{}
			}
		}
		if post != nil {
			for slot := range post.Storage {
				slotSet[slot] = struct{}{}
			}
		}
		for slot := range slotSet {
			var sv explore.SlotValue
			if pre != nil {
				sv.Current = pre.Storage[slot]
			}
			// diffMode omits zeroed slots from post; an absent post entry for
			// a diffed slot means it was cleared.
			next := common.Hash{}
			if post != nil {
				if v, ok := post.Storage[slot]; ok {
					next = v
				}
			}
			sv.Next = &next
			acct.Storage[slot] = sv
		}

		acct.Balance = balanceChange(pre, post)
		acct.Nonce = nonceChange(pre, post)
		acct.Code = codeChange(pre, post)

		out.Accounts[addr] = acct
		out.Touched = append(out.Touched, addr)
		if acct.Created {
			out.Created = append(out.Created, addr)
		}
	}

	sort.Slice(out.Touched, func(i, j int) bool {
		return bytes.Compare(out.Touched[i][:], out.Touched[j][:]) < 0
	})
	sort.Slice(out.Created, func(i, j int) bool {
		return bytes.Compare(out.Created[i][:], out.Created[j][:]) < 0
	})
	return out
}

func balanceChange(pre, post *node.Account) *BalanceChange {
	change := &BalanceChange{}
	if pre != nil && pre.Balance != nil {
		change.Current = (*big.Int)(pre.Balance)
	}
	if post != nil && post.Balance != nil {
		change.Next = (*big.Int)(post.Balance)
	}
	if change.Current == nil && change.Next == nil {
		return nil
	}
	change.Modified = change.Current != nil && change.Next != nil && change.Current.Cmp(change.Next) != 0
	return change
}

func nonceChange(pre, post *node.Account) *NonceChange {
	change := &NonceChange{}
	if pre != nil {
		n := pre.Nonce
		change.Current = &n
	}
	if post != nil {
		n := post.Nonce
		change.Next = &n
	}
	if change.Current == nil && change.Next == nil {
		return nil
	}
	change.Modified = change.Current != nil && change.Next != nil && *change.Current != *change.Next
	return change
}

func codeChange(pre, post *node.Account) *CodeChange {
	change := &CodeChange{}
	if pre != nil {
		change.Current = pre.Code
	}
	if post != nil {
		change.Next = post.Code
	}
	if len(change.Current) == 0 && len(change.Next) == 0 {
		return nil
	}
	change.Modified = pre != nil && post != nil && !bytes.Equal(change.Current, change.Next)
	return change
}
