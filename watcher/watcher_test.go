package watcher

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polareth/evmstate/node"
	"github.com/polareth/evmstate/tracing/layout"
)

// stubEthClient drives one block past the initial head through the watcher.
type stubEthClient struct {
	mu        sync.Mutex
	headCalls int

	genesis types.Header
	next    types.Header
	tx      *types.Transaction
	diff    *node.DiffTrace
}

func newStubEthClient(watched common.Address) *stubEthClient {
	s := &stubEthClient{}
	s.genesis = types.Header{Number: big.NewInt(100), Difficulty: big.NewInt(1)}
	s.next = types.Header{Number: big.NewInt(101), ParentHash: s.genesis.Hash(), Difficulty: big.NewInt(1)}
	s.tx = types.NewTransaction(0, watched, big.NewInt(0), 21000, big.NewInt(1), nil)
	s.diff = &node.DiffTrace{
		Pre: map[common.Address]*node.Account{
			watched: {Storage: map[common.Hash]common.Hash{
				common.BigToHash(big.NewInt(0)): common.BigToHash(big.NewInt(1)),
			}},
		},
		Post: map[common.Address]*node.Account{
			watched: {Storage: map[common.Hash]common.Hash{
				common.BigToHash(big.NewInt(0)): common.BigToHash(big.NewInt(2)),
			}},
		},
	}
	return s
}

func (s *stubEthClient) ChainID() (*big.Int, error) { return big.NewInt(1), nil }

func (s *stubEthClient) BlockHeaderByNumber(n *big.Int) (*types.Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headCalls++
	if s.headCalls == 1 {
		h := s.genesis
		return &h, nil
	}
	h := s.next
	return &h, nil
}

func (s *stubEthClient) BlockHeaderByHash(hash common.Hash) (*types.Header, error) {
	return nil, ethereum.NotFound
}

func (s *stubEthClient) BlockHeadersByRange(start, end *big.Int, chainId uint) ([]types.Header, error) {
	if start.Int64() <= 101 && end.Int64() >= 101 {
		return []types.Header{s.next}, nil
	}
	return nil, nil
}

func (s *stubEthClient) TxByHash(hash common.Hash) (*types.Transaction, error) {
	if s.tx.Hash() == hash {
		return s.tx, nil
	}
	return nil, ethereum.NotFound
}

func (s *stubEthClient) TransactionsInBlock(blockNumber *big.Int) ([]*types.Transaction, error) {
	if blockNumber.Int64() == 101 {
		return []*types.Transaction{s.tx}, nil
	}
	return nil, nil
}

func (s *stubEthClient) TransactionsToAtBlock(addr common.Address, blockNumber *big.Int) ([]*types.Transaction, error) {
	return s.TransactionsInBlock(blockNumber)
}

func (s *stubEthClient) StorageAt(addr common.Address, slot common.Hash, blockNumber *big.Int) (common.Hash, error) {
	return common.Hash{}, nil
}

func (s *stubEthClient) DiffTraceTransaction(hash common.Hash) (*node.DiffTrace, error) {
	return s.diff, nil
}

func (s *stubEthClient) DiffTraceCall(call node.CallParams, blockNumber *big.Int) (*node.DiffTrace, error) {
	return nil, ethereum.NotFound
}

func (s *stubEthClient) StackValues(hash common.Hash) ([]common.Hash, error) {
	return nil, nil
}

func (s *stubEthClient) StackValuesForCall(call node.CallParams, blockNumber *big.Int) ([]common.Hash, error) {
	return nil, nil
}

func (s *stubEthClient) Close() {}

func TestWatcherEmitsStateChange(t *testing.T) {
	watched := common.HexToAddress("0xCcdaC991C3AB71dA4bB2510E79eA4B90e41128CB")
	client := newStubEthClient(watched)
	layouts := layout.NewManager(t.TempDir(), layout.ExplorerConfig{}, false)

	changes := make(chan *LabeledState, 4)
	unsubscribe, err := WatchState(client, layouts, Config{
		Address:       watched,
		PollInterval:  10 * time.Millisecond,
		BlockStep:     10,
		OnStateChange: func(state *LabeledState) { changes <- state },
		OnError:       func(err error) { t.Logf("watch error: %v", err) },
	})
	require.NoError(t, err)
	defer unsubscribe()

	select {
	case state := <-changes:
		assert.Equal(t, watched, state.Address)
		assert.Equal(t, int64(101), state.BlockNumber.Int64())
		assert.Equal(t, client.tx.Hash(), state.TxHash)
		// No layout is configured, so the slot surfaces unlabeled.
		require.Len(t, state.Storage, 1)
		for name := range state.Storage {
			assert.Contains(t, name, "slot_0x")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no state change observed")
	}
}

func TestWatcherUnsubscribeStops(t *testing.T) {
	watched := common.HexToAddress("0xCcdaC991C3AB71dA4bB2510E79eA4B90e41128CB")
	client := newStubEthClient(watched)
	layouts := layout.NewManager(t.TempDir(), layout.ExplorerConfig{}, false)

	w, err := NewWatcher(client, layouts, Config{
		Address:       watched,
		PollInterval:  10 * time.Millisecond,
		OnStateChange: func(*LabeledState) {},
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())

	assert.False(t, w.Stopped())
	w.Unsubscribe()
	assert.True(t, w.Stopped())

	// A second unsubscribe is a no-op.
	w.Unsubscribe()
	assert.True(t, w.Stopped())
}

func TestNewWatcherValidation(t *testing.T) {
	watched := common.HexToAddress("0x01")
	client := newStubEthClient(watched)
	layouts := layout.NewManager(t.TempDir(), layout.ExplorerConfig{}, false)

	_, err := NewWatcher(client, layouts, Config{Address: watched})
	assert.Error(t, err)

	_, err = NewWatcher(client, layouts, Config{OnStateChange: func(*LabeledState) {}})
	assert.Error(t, err)
}
