package claim

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/SamiiBou/Bloom-sub000/services/claimd/chain"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/ledger"
)

// End-to-end lifecycle: accrue a balance through watches, issue a voucher,
// confirm the submitted transaction, settle against a confirmed receipt, and
// verify a retried confirm after settlement finds nothing to act on.
func TestClaimLifecycleEndToEnd(t *testing.T) {
	h := newHarness(t, "scenario", nil)
	ctx := context.Background()

	// Thirty watches at 0.1 tokens each build a 3.0 token balance.
	rewards := ledgerForHarness(t, h)
	for i := 0; i < 30; i++ {
		_, _, err := rewards.RegisterWatch(ctx, "user-1", "content-"+strconv.Itoa(i))
		require.NoError(t, err)
	}
	acct, err := h.store.Account(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(3_000_000), acct.Balance)

	offer, err := h.coord.Request(ctx, "user-1", testWallet)
	require.NoError(t, err)
	require.Equal(t, int64(3_000_000), offer.Amount)
	require.Equal(t, 0, offer.Voucher.Amount.Cmp(ledger.UnitsToWei(3_000_000)))

	nonce := offer.Voucher.Nonce.String()
	h.status.set("tx-e2e", chain.TxStatus{State: chain.StateConfirmed, Hash: common.HexToHash(settledHash)})
	_, err = h.coord.Confirm(ctx, "user-1", nonce, "tx-e2e")
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		count, err := h.store.ClaimCount(ctx, "user-1")
		return err == nil && count == 1
	})

	acct, err = h.store.Account(ctx, "user-1")
	require.NoError(t, err)
	require.Zero(t, acct.Balance)
	require.Nil(t, acct.Pending)

	history, err := h.store.ClaimHistory(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, settledHash, history[0].TxHash)
	require.Equal(t, int64(3_000_000), history[0].Amount)

	// A retried confirm after settlement has no claim left to attach to.
	_, err = h.coord.Confirm(ctx, "user-1", nonce, "tx-e2e")
	require.ErrorIs(t, err, ErrNoMatchingPendingClaim)

	// Fresh credits open the next cycle under a new nonce.
	h.clock.Advance(time.Minute)
	_, _, err = rewards.RegisterWatch(ctx, "user-1", "content-next")
	require.NoError(t, err)
	next, err := h.coord.Request(ctx, "user-1", "")
	require.NoError(t, err)
	require.Equal(t, int64(100_000), next.Amount)
	require.NotEqual(t, nonce, next.Voucher.Nonce.String())
}

func ledgerForHarness(t *testing.T, h *testHarness) *ledger.Ledger {
	t.Helper()
	led, err := ledger.New(h.store, ledger.Rates{WatchCredit: 100_000}, ledger.WithClock(h.clock.Now))
	require.NoError(t, err)
	return led
}
