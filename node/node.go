package node

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
)

const (
	defaultDialTimeout = 5 * time.Second

	defaultRequestTimeout = 100 * time.Second

	// debug_traceTransaction with struct logs can be slow on large txs.
	defaultTraceTimeout = "60s"
)

type EthClient interface {
	ChainID() (*big.Int, error)

	BlockHeaderByNumber(*big.Int) (*types.Header, error)
	BlockHeaderByHash(hash common.Hash) (*types.Header, error)
	BlockHeadersByRange(*big.Int, *big.Int, uint) ([]types.Header, error)

	TxByHash(hash common.Hash) (*types.Transaction, error)
	TransactionsInBlock(blockNumber *big.Int) ([]*types.Transaction, error)
	TransactionsToAtBlock(addr common.Address, blockNumber *big.Int) ([]*types.Transaction, error)

	StorageAt(addr common.Address, slot common.Hash, blockNumber *big.Int) (common.Hash, error)

	DiffTraceTransaction(hash common.Hash) (*DiffTrace, error)
	DiffTraceCall(call CallParams, blockNumber *big.Int) (*DiffTrace, error)
	StackValues(hash common.Hash) ([]common.Hash, error)
	StackValuesForCall(call CallParams, blockNumber *big.Int) ([]common.Hash, error)

	Close()
}

type client struct {
	rpc RPC
}

func DialEthClient(ctx context.Context, rpcUrl string) (EthClient, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	rpcClient, err := rpc.DialContext(ctx, rpcUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to dial address (%s): %w", rpcUrl, err)
	}

	return &client{
		rpc: NewRPC(rpcClient),
	}, nil
}

func (c *client) ChainID() (*big.Int, error) {
	ctxwt, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()

	var id hexutil.Big
	if err := c.rpc.CallContext(ctxwt, &id, "eth_chainId"); err != nil {
		return nil, errors.Wrap(err, "eth_chainId")
	}
	return (*big.Int)(&id), nil
}

func (c *client) BlockHeaderByNumber(b *big.Int) (*types.Header, error) {
	ctxwt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	var header *types.Header
	err := c.rpc.CallContext(ctxwt, &header, "eth_getBlockByNumber", toBlockNumArg(b), false)
	if err != nil {
		log.Error("Call eth_getBlockByNumber method fail", "err", err)
		return nil, err
	} else if header == nil {
		return nil, ethereum.NotFound
	}
	return header, nil
}

func (c *client) BlockHeaderByHash(hash common.Hash) (*types.Header, error) {
	ctxwt, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()

	var header *types.Header
	err := c.rpc.CallContext(ctxwt, &header, "eth_getBlockByHash", hash, false)
	if err != nil {
		return nil, err
	} else if header == nil {
		return nil, ethereum.NotFound
	}

	if header.Hash() != hash {
		return nil, errors.New("header mismatch")
	}

	return header, nil
}

func (c *client) BlockHeadersByRange(startHeight *big.Int, endHeight *big.Int, chainId uint) ([]types.Header, error) {
	if startHeight.Cmp(endHeight) == 0 {
		header, err := c.BlockHeaderByNumber(startHeight)
		if err != nil {
			return nil, err
		}
		return []types.Header{*header}, nil
	}

	count := new(big.Int).Sub(endHeight, startHeight).Uint64() + 1
	headers := make([]types.Header, count)
	batchElems := make([]rpc.BatchElem, count)

	for i := uint64(0); i < count; i++ {
		height := new(big.Int).Add(startHeight, new(big.Int).SetUint64(i))
		batchElems[i] = rpc.BatchElem{
			Method: "eth_getBlockByNumber",
			Args:   []interface{}{toBlockNumArg(height), false},
			Result: &headers[i],
		}
	}

	ctxwt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	err := c.rpc.BatchCallContext(ctxwt, batchElems)
	if err != nil {
		return nil, err
	}

	size := 0
	for i, batchElem := range batchElems {
		header, ok := batchElem.Result.(*types.Header)
		if !ok {
			return nil, fmt.Errorf("unable to transform rpc response %v into types.Header", batchElem.Result)
		}
		if batchElem.Error != nil {
			return nil, batchElem.Error
		}
		headers[i] = *header
		size = size + 1
	}
	headers = headers[:size]

	return headers, nil
}

func (c *client) TxByHash(hash common.Hash) (*types.Transaction, error) {
	ctxwt, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()

	var tx *types.Transaction
	err := c.rpc.CallContext(ctxwt, &tx, "eth_getTransactionByHash", hash)
	if err != nil {
		return nil, err
	} else if tx == nil {
		return nil, ethereum.NotFound
	}

	return tx, nil
}

func (c *client) TransactionsInBlock(blockNumber *big.Int) ([]*types.Transaction, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()
	var block *types.Block
	if err := c.rpc.CallContext(
		ctx,
		&block,
		"eth_getBlockByNumber",
		toBlockNumArg(blockNumber),
		true,
	); err != nil {
		return nil, err
	}
	if block == nil {
		return nil, fmt.Errorf("block %s not found", blockNumber.String())
	}
	return block.Transactions(), nil
}

func (c *client) TransactionsToAtBlock(addr common.Address, blockNumber *big.Int) ([]*types.Transaction, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()
	var block *types.Block
	if err := c.rpc.CallContext(
		ctx,
		&block,
		"eth_getBlockByNumber",
		toBlockNumArg(blockNumber),
		true,
	); err != nil {
		return nil, err
	}
	if block == nil {
		return nil, fmt.Errorf("block %s not found", blockNumber.String())
	}

	var hits []*types.Transaction
	for _, tx := range block.Transactions() {
		if to := tx.To(); to != nil && *to == addr {
			hits = append(hits, tx)
		}
	}

	return hits, nil
}

func (c *client) StorageAt(addr common.Address, slot common.Hash, blockNumber *big.Int) (common.Hash, error) {
	ctxwt, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()

	var value hexutil.Bytes
	err := c.rpc.CallContext(ctxwt, &value, "eth_getStorageAt", addr, slot, toBlockNumArg(blockNumber))
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "eth_getStorageAt")
	}
	return common.BytesToHash(value), nil
}

// DiffTraceTransaction replays a mined transaction under the prestate tracer
// in diff mode, yielding pre and post account snapshots.
func (c *client) DiffTraceTransaction(hash common.Hash) (*DiffTrace, error) {
	ctxwt, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()

	cfg := map[string]interface{}{
		"tracer": "prestateTracer",
		"tracerConfig": map[string]interface{}{
			"diffMode": true,
		},
		"timeout": defaultTraceTimeout,
	}

	var diff DiffTrace
	if err := c.rpc.CallContext(ctxwt, &diff, "debug_traceTransaction", hash, cfg); err != nil {
		return nil, errors.Wrap(err, "debug_traceTransaction prestateTracer")
	}
	return &diff, nil
}

// DiffTraceCall simulates a call at the given block under the prestate tracer
// in diff mode.
func (c *client) DiffTraceCall(call CallParams, blockNumber *big.Int) (*DiffTrace, error) {
	ctxwt, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()

	cfg := map[string]interface{}{
		"tracer": "prestateTracer",
		"tracerConfig": map[string]interface{}{
			"diffMode": true,
		},
		"timeout": defaultTraceTimeout,
	}

	var diff DiffTrace
	if err := c.rpc.CallContext(ctxwt, &diff, "debug_traceCall", call, toBlockNumArg(blockNumber), cfg); err != nil {
		return nil, errors.Wrap(err, "debug_traceCall prestateTracer")
	}
	return &diff, nil
}

// StackValues replays a transaction with the default struct logger and
// returns every unique 32-byte value that appeared on the EVM stack, in
// first-seen order.
func (c *client) StackValues(hash common.Hash) ([]common.Hash, error) {
	ctxwt, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()

	cfg := map[string]interface{}{
		"enableMemory":     false,
		"disableStorage":   true,
		"disableStack":     false,
		"enableReturnData": false,
		"timeout":          defaultTraceTimeout,
	}

	var res structLogResult
	if err := c.rpc.CallContext(ctxwt, &res, "debug_traceTransaction", hash, cfg); err != nil {
		return nil, errors.Wrap(err, "debug_traceTransaction structLogs")
	}
	return collectStackValues(res.StructLogs), nil
}

func (c *client) StackValuesForCall(call CallParams, blockNumber *big.Int) ([]common.Hash, error) {
	ctxwt, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()

	cfg := map[string]interface{}{
		"enableMemory":     false,
		"disableStorage":   true,
		"disableStack":     false,
		"enableReturnData": false,
		"timeout":          defaultTraceTimeout,
	}

	var res structLogResult
	if err := c.rpc.CallContext(ctxwt, &res, "debug_traceCall", call, toBlockNumArg(blockNumber), cfg); err != nil {
		return nil, errors.Wrap(err, "debug_traceCall structLogs")
	}
	return collectStackValues(res.StructLogs), nil
}

func collectStackValues(logs []structLog) []common.Hash {
	seen := make(map[common.Hash]struct{})
	var values []common.Hash
	for _, slog := range logs {
		for _, item := range slog.Stack {
			h := common.HexToHash(item)
			if _, ok := seen[h]; ok {
				continue
			}
			seen[h] = struct{}{}
			values = append(values, h)
		}
	}
	return values
}

func (c *client) Close() {
	c.rpc.Close()
}

type RPC interface {
	Close()
	CallContext(ctx context.Context, result any, method string, args ...any) error
	BatchCallContext(ctx context.Context, b []rpc.BatchElem) error
}

type rpcClient struct {
	rpc *rpc.Client
}

func NewRPC(client *rpc.Client) RPC {
	return &rpcClient{client}
}

func (c *rpcClient) Close() {
	c.rpc.Close()
}

func (c *rpcClient) CallContext(ctx context.Context, result any, method string, args ...any) error {
	return c.rpc.CallContext(ctx, result, method, args...)
}

func (c *rpcClient) BatchCallContext(ctx context.Context, b []rpc.BatchElem) error {
	return c.rpc.BatchCallContext(ctx, b)
}

func toBlockNumArg(b *big.Int) string {
	if b == nil {
		return "latest"
	}
	if b.Sign() >= 0 {
		return hexutil.EncodeBig(b)
	}
	return rpc.BlockNumber(b.Int64()).String()
}
