package watcher

import (
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/polareth/evmstate/common/tasks"
	"github.com/polareth/evmstate/node"
	"github.com/polareth/evmstate/tracing"
	"github.com/polareth/evmstate/tracing/explore"
	"github.com/polareth/evmstate/tracing/layout"
	"github.com/polareth/evmstate/tracing/utils"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultBlockStep    = 10
)

// LabeledState is one watched-account change: the labeled storage trace of a
// single transaction for a single address.
type LabeledState struct {
	TxHash      common.Hash                         `json:"txHash"`
	BlockNumber *big.Int                            `json:"blockNumber"`
	Address     common.Address                      `json:"address"`
	Storage     map[string]*explore.LabeledVariable `json:"storage"`
	Intrinsics  tracing.IntrinsicsDiff              `json:"intrinsics"`
}

// Config describes one watch subscription.
type Config struct {
	Address       common.Address
	ABIJSON       string
	StorageLayout *layout.StorageLayout
	PollInterval  time.Duration
	BlockStep     uint64
	OnStateChange func(*LabeledState)
	OnError       func(error)
}

// Watcher follows new blocks, replays every transaction in them, and invokes
// the callback once per (tx, watched address) that touched the subscription's
// account. Callbacks are sequentialized; Unsubscribe stops the loop at its
// next quiescent point.
type Watcher struct {
	id     uuid.UUID
	client node.EthClient
	tracer *tracing.StateTracer
	cfg    Config

	tasks    tasks.Group
	done     chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
}

// NewWatcher validates the subscription and prepares the watch loop.
func NewWatcher(client node.EthClient, layouts *layout.Manager, cfg Config) (*Watcher, error) {
	if cfg.OnStateChange == nil {
		return nil, utils.NewInvalidParamsError("on_state_change callback is required")
	}
	if cfg.Address == (common.Address{}) {
		return nil, utils.NewInvalidParamsError("watched address is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BlockStep == 0 {
		cfg.BlockStep = defaultBlockStep
	}

	w := &Watcher{
		id:     uuid.New(),
		client: client,
		tracer: tracing.NewStateTracer(client, layouts),
		cfg:    cfg,
		done:   make(chan struct{}),
	}
	w.tasks.HandleCrit = func(err error) {
		log.Error("critical error in watcher", "id", w.id, "err", err)
		w.reportError(err)
	}
	return w, nil
}

// ID returns the subscription id.
func (w *Watcher) ID() uuid.UUID { return w.id }

// Start launches the watch loop from the current chain head.
func (w *Watcher) Start() error {
	latestHeader, err := w.client.BlockHeaderByNumber(nil)
	if err != nil {
		return utils.NewProviderError("unable to query chain head", err)
	}
	cursor := newBlockCursor(w.client, latestHeader)

	log.Info("watch state start", "id", w.id, "address", w.cfg.Address.Hex(), "fromBlock", latestHeader.Number)

	ticker := time.NewTicker(w.cfg.PollInterval)
	w.tasks.Go(func() error {
		defer ticker.Stop()
		for {
			select {
			case <-w.done:
				return nil
			case <-ticker.C:
				w.poll(cursor)
			}
		}
	})
	return nil
}

func (w *Watcher) poll(cursor *blockCursor) {
	headers, err := cursor.nextHeaders(w.cfg.BlockStep)
	if err != nil {
		w.reportError(err)
		return
	}
	for i := range headers {
		select {
		case <-w.done:
			return
		default:
		}
		w.processBlock(&headers[i])
	}
}

// processBlock replays each transaction of the block and emits one state
// change per transaction that touched the watched address, in tx-index order.
func (w *Watcher) processBlock(header *types.Header) {
	txs, err := w.client.TransactionsInBlock(header.Number)
	if err != nil {
		w.reportError(err)
		return
	}

	for _, tx := range txs {
		hash := tx.Hash()
		params := tracing.TraceParams{
			TxHash:  &hash,
			ABIJSON: w.cfg.ABIJSON,
		}
		if w.cfg.StorageLayout != nil {
			params.StorageLayouts = map[common.Address]*layout.StorageLayout{
				w.cfg.Address: w.cfg.StorageLayout,
			}
		}

		result, err := w.tracer.TraceState(params)
		if err != nil {
			w.reportError(err)
			continue
		}
		state, ok := result.AccountByAddress(w.cfg.Address)
		if !ok {
			continue
		}
		w.cfg.OnStateChange(&LabeledState{
			TxHash:      hash,
			BlockNumber: header.Number,
			Address:     w.cfg.Address,
			Storage:     state.Storage,
			Intrinsics:  state.Intrinsics,
		})
	}
}

func (w *Watcher) reportError(err error) {
	if w.cfg.OnError != nil {
		w.cfg.OnError(err)
		return
	}
	log.Error("watcher error", "id", w.id, "err", err)
}

// Unsubscribe stops the loop and waits for it to drain.
func (w *Watcher) Unsubscribe() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.tasks.Wait()
		w.stopped.Store(true)
		log.Info("watch state stopped", "id", w.id, "address", w.cfg.Address.Hex())
	})
}

// Stopped reports whether the subscription has been torn down.
func (w *Watcher) Stopped() bool { return w.stopped.Load() }

// WatchState starts a subscription and returns its unsubscribe handle.
func WatchState(client node.EthClient, layouts *layout.Manager, cfg Config) (func(), error) {
	w, err := NewWatcher(client, layouts, cfg)
	if err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		return nil, err
	}
	return w.Unsubscribe, nil
}
