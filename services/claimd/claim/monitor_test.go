package claim

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/SamiiBou/Bloom-sub000/services/claimd/chain"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/events"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/ledger"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/voucher"
)

const settledHash = "0x1111111111111111111111111111111111111111111111111111111111111111"

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %s", timeout)
}

func TestMonitorSettlesConfirmedClaim(t *testing.T) {
	h := newHarness(t, "monitorsettle", nil)
	h.seed(t, "user-1", 3)

	eventsCh, cancel := h.broker.Subscribe("user-1")
	defer cancel()

	offer, err := h.coord.Request(context.Background(), "user-1", testWallet)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	nonce := offer.Voucher.Nonce.String()
	h.status.set("tx-1", chain.TxStatus{State: chain.StateConfirmed, Hash: common.HexToHash(settledHash)})
	if _, err := h.coord.Confirm(context.Background(), "user-1", nonce, "tx-1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		count, err := h.store.ClaimCount(context.Background(), "user-1")
		return err == nil && count == 1
	})

	acct, err := h.store.Account(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	if acct.Balance != 0 || acct.Pending != nil {
		t.Fatalf("settlement must debit and clear: %+v", acct)
	}
	history, err := h.store.ClaimHistory(context.Background(), "user-1", 1)
	if err != nil || len(history) != 1 {
		t.Fatalf("claim history: %v (%d entries)", err, len(history))
	}
	if history[0].TxHash != settledHash || history[0].Amount != 3_000_000 {
		t.Fatalf("history entry unexpected: %+v", history[0])
	}

	select {
	case evt := <-eventsCh:
		if evt.Type != events.TypeClaimSettled || evt.Amount != 3 || evt.TxHash != settledHash {
			t.Fatalf("settled event unexpected: %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a settled event")
	}
}

func TestMonitorFallsBackToTxIDHash(t *testing.T) {
	h := newHarness(t, "monitorhash", nil)
	h.seed(t, "user-1", 1)

	offer, err := h.coord.Request(context.Background(), "user-1", testWallet)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	nonce := offer.Voucher.Nonce.String()
	// The relayer reports confirmed without a hash; the tx id is itself a
	// 0x-prefixed hash and settles under it.
	h.status.set(settledHash, chain.TxStatus{State: chain.StateConfirmed})
	if _, err := h.coord.Confirm(context.Background(), "user-1", nonce, settledHash); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		count, err := h.store.ClaimCount(context.Background(), "user-1")
		return err == nil && count == 1
	})
	history, err := h.store.ClaimHistory(context.Background(), "user-1", 1)
	if err != nil || len(history) != 1 {
		t.Fatalf("claim history: %v", err)
	}
	if history[0].TxHash != settledHash {
		t.Fatalf("settled hash = %s, want %s", history[0].TxHash, settledHash)
	}
}

func TestMonitorReleasesFailedClaim(t *testing.T) {
	h := newHarness(t, "monitorfailed", nil)
	h.seed(t, "user-1", 2)

	eventsCh, cancel := h.broker.Subscribe("user-1")
	defer cancel()

	offer, err := h.coord.Request(context.Background(), "user-1", testWallet)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	nonce := offer.Voucher.Nonce.String()
	h.status.set("tx-failed", chain.TxStatus{State: chain.StateFailed})
	if _, err := h.coord.Confirm(context.Background(), "user-1", nonce, "tx-failed"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		acct, err := h.store.Account(context.Background(), "user-1")
		return err == nil && acct.Pending == nil
	})
	acct, err := h.store.Account(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	if acct.Balance != 2_000_000 {
		t.Fatalf("failed transaction must not move the balance, got %d", acct.Balance)
	}
	count, err := h.store.ClaimCount(context.Background(), "user-1")
	if err != nil || count != 0 {
		t.Fatalf("failed claim must not enter history, count=%d err=%v", count, err)
	}

	select {
	case evt := <-eventsCh:
		if evt.Type != events.TypeClaimFailed {
			t.Fatalf("expected failed event, got %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a failed event")
	}
}

func TestMonitorReleasesRevertedReceipt(t *testing.T) {
	reverted := chain.ReceiptFunc(func(context.Context, common.Hash) (*types.Receipt, error) {
		return &types.Receipt{Status: types.ReceiptStatusFailed}, nil
	})
	h := newHarness(t, "monitorreverted", reverted)
	h.seed(t, "user-1", 2)

	offer, err := h.coord.Request(context.Background(), "user-1", testWallet)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	nonce := offer.Voucher.Nonce.String()
	h.status.set("tx-revert", chain.TxStatus{State: chain.StateConfirmed, Hash: common.HexToHash(settledHash)})
	if _, err := h.coord.Confirm(context.Background(), "user-1", nonce, "tx-revert"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		acct, err := h.store.Account(context.Background(), "user-1")
		return err == nil && acct.Pending == nil
	})
	acct, err := h.store.Account(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	if acct.Balance != 2_000_000 {
		t.Fatalf("reverted receipt must not move the balance, got %d", acct.Balance)
	}
}

// A stuck submitted claim gets cleared by the request path; the replacement
// claim must get its own monitor and settle while the superseded monitor
// drains instead of holding the registry slot.
func TestStuckClaimReplacementSettles(t *testing.T) {
	h := newHarness(t, "monitorreplace", nil)
	h.seed(t, "user-1", 2)

	offer, err := h.coord.Request(context.Background(), "user-1", testWallet)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	nonce := offer.Voucher.Nonce.String()
	if _, err := h.coord.Confirm(context.Background(), "user-1", nonce, pendingForever); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	h.clock.Advance(16 * time.Minute)
	fresh, err := h.coord.Request(context.Background(), "user-1", "")
	if err != nil {
		t.Fatalf("request after stuck age: %v", err)
	}
	freshNonce := fresh.Voucher.Nonce.String()
	if freshNonce == nonce {
		t.Fatalf("stuck claim must be replaced with a fresh nonce")
	}
	h.status.set("tx-replacement", chain.TxStatus{State: chain.StateConfirmed, Hash: common.HexToHash(settledHash)})
	if _, err := h.coord.Confirm(context.Background(), "user-1", freshNonce, "tx-replacement"); err != nil {
		t.Fatalf("confirm replacement: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		count, err := h.store.ClaimCount(context.Background(), "user-1")
		return err == nil && count == 1
	})
	acct, err := h.store.Account(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	if acct.Balance != 0 || acct.Pending != nil {
		t.Fatalf("replacement claim must settle: %+v", acct)
	}

	// The monitor still polling the abandoned transaction notices the claim
	// was superseded and exits.
	waitFor(t, 2*time.Second, func() bool {
		h.coord.mu.Lock()
		running := len(h.coord.active)
		h.coord.mu.Unlock()
		return running == 0
	})
}

// Two coordinators over the same store model a live monitor racing one armed
// by crash recovery. The settlement conditional write lets exactly one land.
func TestConcurrentMonitorsSettleOnce(t *testing.T) {
	h := newHarness(t, "monitorrace", nil)
	h.seed(t, "user-1", 5)

	offer, err := h.coord.Request(context.Background(), "user-1", testWallet)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	nonce := offer.Voucher.Nonce.String()
	h.status.set("tx-race", chain.TxStatus{State: chain.StateConfirmed, Hash: common.HexToHash(settledHash)})

	second := newSiblingCoordinator(t, h)
	if _, err := h.coord.Confirm(context.Background(), "user-1", nonce, "tx-race"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	second.StartMonitor("user-1", nonce, "tx-race")

	waitFor(t, 2*time.Second, func() bool {
		count, err := h.store.ClaimCount(context.Background(), "user-1")
		return err == nil && count == 1
	})
	// Both monitors had time to run; the debit must have landed exactly once.
	time.Sleep(50 * time.Millisecond)
	acct, err := h.store.Account(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	if acct.Balance != 0 {
		t.Fatalf("balance = %d, want 0 after a single debit", acct.Balance)
	}
	count, err := h.store.ClaimCount(context.Background(), "user-1")
	if err != nil || count != 1 {
		t.Fatalf("claim count = %d err=%v, want exactly 1", count, err)
	}
}

// newSiblingCoordinator builds a second coordinator over the same store and
// status source, standing in for another process working the same claim.
func newSiblingCoordinator(t *testing.T, h *testHarness) *Coordinator {
	t.Helper()
	rewards, err := ledger.New(h.store, ledger.Rates{}, ledger.WithClock(h.clock.Now))
	if err != nil {
		t.Fatalf("sibling ledger: %v", err)
	}
	signer, err := voucher.NewLocalSigner(testSignerKey)
	if err != nil {
		t.Fatalf("sibling signer: %v", err)
	}
	contract, err := voucher.ParseAddress(testContract)
	if err != nil {
		t.Fatalf("parse contract: %v", err)
	}
	issuer, err := voucher.NewIssuer(480, contract, signer, voucher.WithClock(h.clock.Now))
	if err != nil {
		t.Fatalf("sibling issuer: %v", err)
	}
	coord, err := New(h.store, rewards, issuer, h.status, successfulReceipts(), nil,
		WithClock(h.clock.Now),
		WithPollInterval(5*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("sibling coordinator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})
	return coord
}

func TestResumeSubmittedArmsMonitors(t *testing.T) {
	h := newHarness(t, "resume", nil)
	h.seed(t, "user-1", 4)

	// Leave a submitted claim behind with no running monitor, as a crash
	// between confirm and settlement would.
	now := h.clock.Now()
	if _, _, _, err := h.store.CreatePendingClaim(context.Background(), "user-1", "777", now); err != nil {
		t.Fatalf("create pending claim: %v", err)
	}
	if _, err := h.store.AttachTransaction(context.Background(), "user-1", "777", "tx-resume", now); err != nil {
		t.Fatalf("attach: %v", err)
	}
	h.status.set("tx-resume", chain.TxStatus{State: chain.StateConfirmed, Hash: common.HexToHash(settledHash)})

	restarted := newSiblingCoordinator(t, h)
	resumed, err := restarted.ResumeSubmitted(context.Background())
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed != 1 {
		t.Fatalf("resumed = %d, want 1", resumed)
	}

	waitFor(t, 2*time.Second, func() bool {
		count, err := h.store.ClaimCount(context.Background(), "user-1")
		return err == nil && count == 1
	})
	acct, err := h.store.Account(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	if acct.Balance != 0 || acct.Pending != nil {
		t.Fatalf("resumed claim must settle: %+v", acct)
	}
}
