package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"ofzlend/services/lending/engine"
)

// WaitConfirmed polls for the receipt of hash until it is mined with the
// configured number of confirmations. A failed receipt is replayed at its
// block to recover the revert reason.
func (c *Client) WaitConfirmed(ctx context.Context, hash common.Hash) error {
	if hash == (common.Hash{}) {
		return fmt.Errorf("tx hash required")
	}
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		done, err := c.checkReceipt(ctx, hash)
		if done {
			if err == nil {
				c.forget(hash)
			}
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// checkReceipt reports done once the receipt is final; err is the outcome.
func (c *Client) checkReceipt(ctx context.Context, hash common.Hash) (bool, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		// Not mined yet, or a transient RPC failure: keep polling.
		return false, nil
	}
	if receipt == nil {
		return false, nil
	}
	if c.cfg.Confirmations > 1 {
		head, err := c.backend.BlockNumber(ctx)
		if err != nil || receipt.BlockNumber == nil {
			return false, nil
		}
		mined := receipt.BlockNumber.Uint64()
		if head < mined || head-mined+1 < c.cfg.Confirmations {
			return false, nil
		}
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		err := c.replayRevert(ctx, hash, receipt.BlockNumber)
		c.forget(hash)
		return true, err
	}
	return true, nil
}

// replayRevert re-executes a failed transaction as a call against the state
// of the block before the one it was mined in to extract the revert reason.
// Transactions earlier in the same block are not replayed.
func (c *Client) replayRevert(ctx context.Context, hash common.Hash, block *big.Int) error {
	c.mu.Lock()
	msg, ok := c.sent[hash]
	c.mu.Unlock()
	if !ok {
		tx, _, err := c.backend.TransactionByHash(ctx, hash)
		if err != nil || tx == nil {
			return &engine.RevertError{}
		}
		msg = ethereum.CallMsg{From: c.Address(), To: tx.To(), Data: tx.Data(), Value: tx.Value()}
	}
	_, err := c.backend.CallContract(ctx, msg, parentBlock(block))
	if err == nil {
		return &engine.RevertError{}
	}
	var revert *engine.RevertError
	if errors.As(decodeCallError(err), &revert) {
		return revert
	}
	return &engine.RevertError{}
}

func parentBlock(block *big.Int) *big.Int {
	if block == nil || block.Sign() <= 0 {
		return block
	}
	return new(big.Int).Sub(block, big.NewInt(1))
}

func (c *Client) forget(hash common.Hash) {
	c.mu.Lock()
	delete(c.sent, hash)
	c.mu.Unlock()
}

// decodeCallError turns revert payloads carried by RPC errors into
// *engine.RevertError and passes everything else through.
func decodeCallError(err error) error {
	if err == nil {
		return nil
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw, ok := revertBytes(dataErr.ErrorData()); ok {
			reason, unpackErr := abi.UnpackRevert(raw)
			if unpackErr != nil {
				reason = ""
			}
			return &engine.RevertError{Reason: reason}
		}
	}
	return err
}

func revertBytes(data interface{}) ([]byte, bool) {
	switch v := data.(type) {
	case string:
		raw, err := hexutil.Decode(v)
		if err != nil || len(raw) < 4 {
			return nil, false
		}
		return raw, true
	case []byte:
		if len(v) < 4 {
			return nil, false
		}
		return v, true
	}
	return nil, false
}
