package evmstate

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"

	"github.com/polareth/evmstate/config"
	"github.com/polareth/evmstate/node"
	"github.com/polareth/evmstate/tracing"
	"github.com/polareth/evmstate/tracing/layout"
	"github.com/polareth/evmstate/watcher"
)

// EvmState is the process entrypoint: one client, one shared layout manager,
// one state tracer, and the watch subscriptions configured at startup.
type EvmState struct {
	cfg     *config.Config
	client  node.EthClient
	layouts *layout.Manager
	tracer  *tracing.StateTracer

	mu            sync.Mutex
	subscriptions []func()
	stopped       atomic.Bool
}

func NewEvmState(ctx context.Context, cfg *config.Config) (*EvmState, error) {
	ethClient, err := node.DialEthClient(ctx, cfg.Chain.ChainRpcUrl)
	if err != nil {
		log.Error("new eth client fail", "err", err)
		return nil, err
	}

	layouts := layout.NewManager(cfg.LayoutCacheDir, cfg.Explorers, true)

	return &EvmState{
		cfg:     cfg,
		client:  ethClient,
		layouts: layouts,
		tracer:  tracing.NewStateTracer(ethClient, layouts),
	}, nil
}

// TraceState runs one trace through the shared tracer.
func (e *EvmState) TraceState(params tracing.TraceParams) (*tracing.Result, error) {
	if params.Config == nil {
		cfg := e.cfg.Explore
		params.Config = &cfg
	}
	return e.tracer.TraceState(params)
}

// WatchState opens a watch subscription and returns its unsubscribe handle.
func (e *EvmState) WatchState(cfg watcher.Config) (func(), error) {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = e.cfg.Chain.MainLoopInterval
	}
	if cfg.BlockStep == 0 {
		cfg.BlockStep = e.cfg.Chain.BlockStep
	}
	unsubscribe, err := watcher.WatchState(e.client, e.layouts, cfg)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.subscriptions = append(e.subscriptions, unsubscribe)
	e.mu.Unlock()
	return unsubscribe, nil
}

// Start opens a watch subscription per configured contract, logging every
// labeled state change.
func (e *EvmState) Start(ctx context.Context) error {
	for _, contract := range e.cfg.Chain.Contracts {
		addr := contract
		_, err := e.WatchState(watcher.Config{
			Address: addr,
			OnStateChange: func(state *watcher.LabeledState) {
				log.Info("state change",
					"address", state.Address.Hex(),
					"tx", state.TxHash.Hex(),
					"block", state.BlockNumber,
					"variables", len(state.Storage))
			},
			OnError: func(err error) {
				log.Error("watch error", "address", addr.Hex(), "err", err)
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *EvmState) Stop(ctx context.Context) error {
	e.mu.Lock()
	subs := e.subscriptions
	e.subscriptions = nil
	e.mu.Unlock()

	for _, unsubscribe := range subs {
		unsubscribe()
	}
	e.client.Close()
	e.stopped.Store(true)
	return nil
}

func (e *EvmState) Stopped() bool {
	return e.stopped.Load()
}

// TraceState dials an RPC endpoint and runs a single trace with an ephemeral
// client. Explorer endpoints, if any, come in through the params.
func TraceState(ctx context.Context, rpcUrl string, params tracing.TraceParams) (*tracing.Result, error) {
	client, err := node.DialEthClient(ctx, rpcUrl)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	layouts := layout.NewManager("", layout.ExplorerConfig{}, true)
	return tracing.NewStateTracer(client, layouts).TraceState(params)
}

// WatchState dials an RPC endpoint and opens one watch subscription. The
// returned handle tears down the subscription and the client.
func WatchState(ctx context.Context, rpcUrl string, cfg watcher.Config) (func(), error) {
	client, err := node.DialEthClient(ctx, rpcUrl)
	if err != nil {
		return nil, err
	}

	layouts := layout.NewManager("", layout.ExplorerConfig{}, true)
	unsubscribe, err := watcher.WatchState(client, layouts, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	return func() {
		unsubscribe()
		client.Close()
	}, nil
}
