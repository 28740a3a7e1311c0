package tracing

import (
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polareth/evmstate/node"
	"github.com/polareth/evmstate/tracing/explore"
	"github.com/polareth/evmstate/tracing/layout"
	"github.com/polareth/evmstate/tracing/slots"
)

// mockEthClient is an in-memory node.EthClient for pipeline tests.
type mockEthClient struct {
	mu sync.Mutex

	chainID  *big.Int
	head     *types.Header
	ranges   map[uint64][]types.Header
	txs      map[common.Hash]*types.Transaction
	blockTxs map[uint64][]*types.Transaction
	diffs    map[common.Hash]*node.DiffTrace
	callDiff *node.DiffTrace
	stack    []common.Hash
	storage  map[common.Address]map[common.Hash]common.Hash
}

func newMockEthClient() *mockEthClient {
	return &mockEthClient{
		chainID:  big.NewInt(1),
		ranges:   make(map[uint64][]types.Header),
		txs:      make(map[common.Hash]*types.Transaction),
		blockTxs: make(map[uint64][]*types.Transaction),
		diffs:    make(map[common.Hash]*node.DiffTrace),
		storage:  make(map[common.Address]map[common.Hash]common.Hash),
	}
}

func (m *mockEthClient) ChainID() (*big.Int, error) { return m.chainID, nil }

func (m *mockEthClient) BlockHeaderByNumber(n *big.Int) (*types.Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.head == nil {
		return nil, ethereum.NotFound
	}
	return m.head, nil
}

func (m *mockEthClient) BlockHeaderByHash(hash common.Hash) (*types.Header, error) {
	return nil, ethereum.NotFound
}

func (m *mockEthClient) BlockHeadersByRange(start, end *big.Int, chainId uint) ([]types.Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ranges[start.Uint64()], nil
}

func (m *mockEthClient) TxByHash(hash common.Hash) (*types.Transaction, error) {
	if tx, ok := m.txs[hash]; ok {
		return tx, nil
	}
	return nil, ethereum.NotFound
}

func (m *mockEthClient) TransactionsInBlock(blockNumber *big.Int) ([]*types.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blockTxs[blockNumber.Uint64()], nil
}

func (m *mockEthClient) TransactionsToAtBlock(addr common.Address, blockNumber *big.Int) ([]*types.Transaction, error) {
	var hits []*types.Transaction
	txs, _ := m.TransactionsInBlock(blockNumber)
	for _, tx := range txs {
		if to := tx.To(); to != nil && *to == addr {
			hits = append(hits, tx)
		}
	}
	return hits, nil
}

func (m *mockEthClient) StorageAt(addr common.Address, slot common.Hash, blockNumber *big.Int) (common.Hash, error) {
	if acct, ok := m.storage[addr]; ok {
		return acct[slot], nil
	}
	return common.Hash{}, nil
}

func (m *mockEthClient) DiffTraceTransaction(hash common.Hash) (*node.DiffTrace, error) {
	if diff, ok := m.diffs[hash]; ok {
		return diff, nil
	}
	return nil, ethereum.NotFound
}

func (m *mockEthClient) DiffTraceCall(call node.CallParams, blockNumber *big.Int) (*node.DiffTrace, error) {
	if m.callDiff == nil {
		return nil, ethereum.NotFound
	}
	return m.callDiff, nil
}

func (m *mockEthClient) StackValues(hash common.Hash) ([]common.Hash, error) {
	return m.stack, nil
}

func (m *mockEthClient) StackValuesForCall(call node.CallParams, blockNumber *big.Int) ([]common.Hash, error) {
	return m.stack, nil
}

func (m *mockEthClient) Close() {}

const balancesLayout = `{
	"storage": [
		{"label": "balances", "offset": 0, "slot": "0", "type": "t_mapping(t_address,t_uint256)"}
	],
	"types": {
		"t_address": {"encoding": "inplace", "label": "address", "numberOfBytes": "20"},
		"t_uint256": {"encoding": "inplace", "label": "uint256", "numberOfBytes": "32"},
		"t_mapping(t_address,t_uint256)": {"encoding": "mapping", "key": "t_address", "label": "mapping(address => uint256)", "numberOfBytes": "32", "value": "t_uint256"}
	}
}`

func newTestTracer(t *testing.T, client node.EthClient) *StateTracer {
	t.Helper()
	layouts := layout.NewManager(t.TempDir(), layout.ExplorerConfig{}, false)
	return NewStateTracer(client, layouts)
}

func TestTraceStateReplayLabelsMapping(t *testing.T) {
	client := newMockEthClient()
	tracer := newTestTracer(t, client)

	contract := common.HexToAddress("0x9967407a5B9177E234d7B493AF8ff4A46771BEdf")
	holder := common.HexToAddress("0xCAFECAFECAFECAFECAFECAFECAFECAFECAFECAFE")
	keyWord := common.BytesToHash(holder.Bytes())
	slot := slots.MappingSlot(common.BigToHash(big.NewInt(0)), keyWord)

	txHash := common.HexToHash("0x2a65254b41b42f39331a0bcc9f893518d6b106e80d9a476b8ca3816325f4a150")
	client.txs[txHash] = types.NewTransaction(0, contract, big.NewInt(0), 21000, big.NewInt(1), nil)
	client.diffs[txHash] = &node.DiffTrace{
		Pre: map[common.Address]*node.Account{
			contract: {Storage: map[common.Hash]common.Hash{slot: {}}},
		},
		Post: map[common.Address]*node.Account{
			contract: {Storage: map[common.Hash]common.Hash{slot: common.BigToHash(big.NewInt(1000))}},
		},
	}
	// The holder address appeared on the stack during execution.
	client.stack = []common.Hash{keyWord}

	lay, err := layout.ParseJSON([]byte(balancesLayout))
	require.NoError(t, err)

	result, err := tracer.TraceState(TraceParams{
		TxHash:         &txHash,
		StorageLayouts: map[common.Address]*layout.StorageLayout{contract: lay},
	})
	require.NoError(t, err)

	state, ok := result.AccountByAddress(contract)
	require.True(t, ok)
	balances, ok := state.Storage["balances"]
	require.True(t, ok)
	require.Len(t, balances.Trace, 1)

	rec := balances.Trace[0]
	assert.True(t, rec.Modified)
	assert.Equal(t, []common.Hash{slot}, rec.Slots)
	assert.Equal(t, int64(1000), rec.Next.Decoded.(*big.Int).Int64())
	require.Len(t, rec.Path, 1)
	assert.Equal(t, explore.SegmentMappingKey, rec.Path[0].Kind)
}

func TestTraceStateReplayWithoutLayout(t *testing.T) {
	client := newMockEthClient()
	tracer := newTestTracer(t, client)

	contract := common.HexToAddress("0x95e92b09b89cf31fa9f1eca4109a85f88eb08531")
	slot := common.BigToHash(big.NewInt(4))

	txHash := common.HexToHash("0x01")
	client.diffs[txHash] = &node.DiffTrace{
		Pre: map[common.Address]*node.Account{
			contract: {Storage: map[common.Hash]common.Hash{slot: common.BigToHash(big.NewInt(1))}},
		},
		Post: map[common.Address]*node.Account{
			contract: {Storage: map[common.Hash]common.Hash{slot: common.BigToHash(big.NewInt(2))}},
		},
	}

	result, err := tracer.TraceState(TraceParams{TxHash: &txHash})
	require.NoError(t, err)

	state, ok := result.AccountByAddress(contract)
	require.True(t, ok)
	require.Len(t, state.Storage, 1)
	for name, v := range state.Storage {
		assert.Contains(t, name, "slot_0x")
		require.Len(t, v.Trace, 1)
		assert.Contains(t, v.Trace[0].Note, "no layout was found")
	}
}

func TestTraceStateABICall(t *testing.T) {
	client := newMockEthClient()
	tracer := newTestTracer(t, client)

	contract := common.HexToAddress("0x9967407a5B9177E234d7B493AF8ff4A46771BEdf")
	sender := common.HexToAddress("0x1111111111111111111111111111111111111111")
	receiver := common.HexToAddress("0xCAFECAFECAFECAFECAFECAFECAFECAFECAFECAFE")
	slot := slots.MappingSlot(common.BigToHash(big.NewInt(0)), common.BytesToHash(receiver.Bytes()))

	client.callDiff = &node.DiffTrace{
		Pre: map[common.Address]*node.Account{
			contract: {Storage: map[common.Hash]common.Hash{slot: {}}},
		},
		Post: map[common.Address]*node.Account{
			contract: {Storage: map[common.Hash]common.Hash{slot: common.BigToHash(big.NewInt(500))}},
		},
	}

	lay, err := layout.ParseJSON([]byte(balancesLayout))
	require.NoError(t, err)

	result, err := tracer.TraceState(TraceParams{
		From:           sender,
		To:             &contract,
		ABIJSON:        `[{"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}]}]`,
		FunctionName:   "transfer",
		Args:           []interface{}{receiver, big.NewInt(500)},
		StorageLayouts: map[common.Address]*layout.StorageLayout{contract: lay},
	})
	require.NoError(t, err)

	state, ok := result.AccountByAddress(contract)
	require.True(t, ok)
	balances, ok := state.Storage["balances"]
	require.True(t, ok)
	require.Len(t, balances.Trace, 1)

	rec := balances.Trace[0]
	// The receiver came in as a typed ABI argument.
	assert.Equal(t, "address", rec.Path[0].KeyType)
	assert.Equal(t, receiver, rec.Path[0].KeyDecoded)
	assert.Equal(t, int64(500), rec.Next.Decoded.(*big.Int).Int64())
}

func TestTraceStateInvalidParams(t *testing.T) {
	client := newMockEthClient()
	tracer := newTestTracer(t, client)

	hash := common.HexToHash("0x01")
	_, err := tracer.TraceState(TraceParams{TxHash: &hash, Data: []byte{0x01}})
	require.Error(t, err)
}
