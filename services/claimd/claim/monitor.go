package claim

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/SamiiBou/Bloom-sub000/services/claimd/chain"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/events"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/ledger"
)

// StartMonitor launches a background monitor for the submitted claim unless
// one is already running for that exact claim. The registry is keyed per
// (user, nonce): a replacement claim after a stuck-claim clear carries a fresh
// nonce and gets its own monitor while the superseded one drains. Duplicate
// monitors across processes are harmless, since the conditional settlement
// write lets only one of them land, but within a process there is no reason
// to poll the same claim twice.
func (c *Coordinator) StartMonitor(userID, nonce, txID string) bool {
	key := userID + "|" + nonce
	c.mu.Lock()
	if _, running := c.active[key]; running {
		c.mu.Unlock()
		return false
	}
	c.active[key] = struct{}{}
	c.mu.Unlock()

	c.metrics.MonitorStarted()
	c.wg.Add(1)
	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.active, key)
			c.mu.Unlock()
			c.metrics.MonitorStopped()
			c.wg.Done()
		}()
		c.runMonitor(c.monitorCtx, userID, nonce, txID)
	}()
	return true
}

// runMonitor drives one (user, nonce, txID) triple to a terminal state.
// Transient errors from the status service or the receipt endpoint are
// retried indefinitely at the poll interval; only an explicit failed status
// or a reverted receipt releases the pending claim without settling it.
func (c *Coordinator) runMonitor(ctx context.Context, userID, nonce, txID string) {
	logger := c.logger.With("user", userID, "nonce", nonce, "tx", txID)
	start := c.now()
	for {
		if c.claimSuperseded(ctx, userID, nonce, txID) {
			logger.Info("pending claim superseded, monitor stopped")
			return
		}
		status, err := c.status.TransactionStatus(ctx, txID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.metrics.RecordMonitorError("status")
			logger.Warn("transaction status lookup", "error", err)
			if !c.wait(ctx) {
				return
			}
			continue
		}
		c.metrics.RecordPoll(string(status.State))
		switch status.State {
		case chain.StatePending:
			if !c.wait(ctx) {
				return
			}
		case chain.StateFailed:
			c.finishFailed(userID, nonce, txID, logger)
			return
		case chain.StateConfirmed:
			hash, ok := resolveHash(status.Hash, txID)
			if !ok {
				// Confirmed without a hash yet; the portal fills it in on a
				// later poll.
				logger.Warn("confirmed status without transaction hash")
				if !c.wait(ctx) {
					return
				}
				continue
			}
			c.awaitReceipt(ctx, userID, nonce, txID, hash, start, logger)
			return
		default:
			if !c.wait(ctx) {
				return
			}
		}
	}
}

// awaitReceipt polls the chain for the receipt, then applies the exactly-once
// settlement.
func (c *Coordinator) awaitReceipt(ctx context.Context, userID, nonce, txID string, hash common.Hash, start time.Time, logger *slog.Logger) {
	for {
		if c.claimSuperseded(ctx, userID, nonce, txID) {
			logger.Info("pending claim superseded, monitor stopped")
			return
		}
		receipt, err := c.receipts.TransactionReceipt(ctx, hash)
		if err != nil || receipt == nil {
			if ctx.Err() != nil {
				return
			}
			c.metrics.RecordMonitorError("receipt")
			if !c.wait(ctx) {
				return
			}
			continue
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			c.finishFailed(userID, nonce, txID, logger)
			return
		}
		settled, amount, err := c.store.SettleClaim(context.Background(), userID, nonce, txID, hash.Hex(), c.now())
		if err != nil {
			c.metrics.RecordMonitorError("settle")
			logger.Warn("settle claim", "error", err)
			if !c.wait(ctx) {
				return
			}
			continue
		}
		if !settled {
			// Another execution won the conditional write; this monitor must
			// not re-apply any mutation.
			logger.Info("claim already settled by a concurrent monitor")
			return
		}
		c.metrics.RecordClaim("settled")
		c.metrics.ObserveSettlementLatency(c.now().Sub(start))
		logger.Info("claim settled", "amount", ledger.FromUnits(amount), "hash", hash.Hex())
		c.publish(events.Event{
			UserID: userID,
			Type:   events.TypeClaimSettled,
			Amount: ledger.FromUnits(amount),
			TxHash: hash.Hex(),
		})
		return
	}
}

// finishFailed releases the pending claim if and only if it still matches this
// monitor's nonce and transaction id.
func (c *Coordinator) finishFailed(userID, nonce, txID string, logger *slog.Logger) {
	cleared, err := c.store.ClearSubmittedClaim(context.Background(), userID, nonce, txID)
	if err != nil {
		logger.Warn("clear failed claim", "error", err)
		return
	}
	if !cleared {
		logger.Info("failed claim already released")
		return
	}
	c.metrics.RecordClaim("failed")
	logger.Info("claim transaction failed, pending claim released")
	c.publish(events.Event{
		UserID: userID,
		Type:   events.TypeClaimFailed,
	})
}

// claimSuperseded reports whether the stored pending claim no longer matches
// this monitor's nonce and transaction id, which happens when the request path
// clears a stuck claim and replaces it. A transient read error keeps the
// monitor alive; supersession must be positively observed.
func (c *Coordinator) claimSuperseded(ctx context.Context, userID, nonce, txID string) bool {
	acct, err := c.store.Account(ctx, userID)
	if err != nil {
		return false
	}
	pending := acct.Pending
	return pending == nil || pending.Nonce != nonce || pending.TxID != txID
}

func (c *Coordinator) publish(evt events.Event) {
	if c.notifier == nil {
		return
	}
	evt.Timestamp = c.now().UTC()
	c.notifier.Publish(evt)
}

func (c *Coordinator) wait(ctx context.Context) bool {
	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// resolveHash prefers the hash reported by the status service and falls back
// to the transaction id when it is itself a hash (direct submissions).
func resolveHash(reported common.Hash, txID string) (common.Hash, bool) {
	if reported != (common.Hash{}) {
		return reported, true
	}
	trimmed := strings.TrimSpace(txID)
	if strings.HasPrefix(trimmed, "0x") && len(trimmed) == 66 {
		return common.HexToHash(trimmed), true
	}
	return common.Hash{}, false
}
