package watcher

import (
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/polareth/evmstate/node"
	"github.com/polareth/evmstate/tracing/utils"
)

// blockCursor walks the chain head-to-head for one watch subscription. It
// yields at most the subscription's block step per poll so a single slow
// poll cannot queue up an unbounded replay backlog, and it re-anchors itself
// at the head when a reorg invalidates the blocks it already handed out.
type blockCursor struct {
	client node.EthClient
	last   *types.Header
}

func newBlockCursor(client node.EthClient, from *types.Header) *blockCursor {
	return &blockCursor{client: client, last: from}
}

// nextHeaders returns up to maxSize new headers past the cursor, oldest
// first. A nil slice means the cursor is at head.
func (c *blockCursor) nextHeaders(maxSize uint64) ([]types.Header, error) {
	head, err := c.client.BlockHeaderByNumber(nil)
	if err != nil {
		return nil, utils.NewProviderError("unable to query chain head", err)
	}
	if head == nil {
		return nil, utils.NewProviderError("chain head unreported", nil)
	}

	start := big.NewInt(0)
	if c.last != nil {
		if c.last.Number.Cmp(head.Number) >= 0 {
			return nil, nil
		}
		start = new(big.Int).Add(c.last.Number, big.NewInt(1))
	}

	end := new(big.Int).Add(start, new(big.Int).SetUint64(maxSize-1))
	if end.Cmp(head.Number) > 0 {
		end = head.Number
	}

	headers, err := c.client.BlockHeadersByRange(start, end, 0)
	if err != nil {
		return nil, utils.NewProviderError("unable to query block range", err)
	}
	if len(headers) == 0 {
		return nil, nil
	}

	if c.last != nil && headers[0].ParentHash != c.last.Hash() {
		// The chain reorganized past blocks already replayed. Re-anchor at
		// the head and surface the gap to the subscriber.
		reorged := c.last.Number
		c.last = head
		return nil, utils.NewProviderError("chain reorg past watch cursor", nil).
			AddContext("last_replayed", reorged.String()).
			AddContext("reanchored_at", head.Number.String())
	}

	c.last = &headers[len(headers)-1]
	return headers, nil
}
