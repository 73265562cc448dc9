package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/SamiiBou/Bloom-sub000/observability"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/chain"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/events"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/ledger"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/storage"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/voucher"
)

// Coordinator drives the per-user claim state machine: Idle, VoucherIssued,
// Submitted, then terminal settlement or failure. All transitions are
// conditional writes against the ledger store; the coordinator itself holds no
// authoritative state, so request retries, duplicate confirms, and racing
// monitors resolve through the store rather than through in-process locks.
type Coordinator struct {
	store    *storage.Storage
	ledger   *ledger.Ledger
	issuer   *voucher.Issuer
	status   chain.StatusClient
	receipts chain.ReceiptClient
	notifier *events.Broker
	metrics  *observability.ClaimdMetrics
	logger   *slog.Logger

	pollInterval time.Duration
	stuckAfter   time.Duration
	now          func() time.Time

	monitorCtx     context.Context
	cancelMonitors context.CancelFunc
	wg             sync.WaitGroup
	mu             sync.Mutex
	active         map[string]struct{}
}

// Option customises the coordinator instance.
type Option func(*Coordinator)

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.now = clock }
}

// WithPollInterval configures the monitor polling cadence.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Coordinator) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// WithStuckClaimAge configures how old a submitted claim must be before a new
// request may clear it and issue a fresh voucher.
func WithStuckClaimAge(age time.Duration) Option {
	return func(c *Coordinator) {
		if age > 0 {
			c.stuckAfter = age
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New constructs a claim coordinator.
func New(store *storage.Storage, rewards *ledger.Ledger, issuer *voucher.Issuer, status chain.StatusClient, receipts chain.ReceiptClient, notifier *events.Broker, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("claim: storage required")
	}
	if rewards == nil {
		return nil, fmt.Errorf("claim: ledger required")
	}
	if issuer == nil {
		return nil, fmt.Errorf("claim: voucher issuer required")
	}
	if status == nil {
		return nil, fmt.Errorf("claim: status client required")
	}
	if receipts == nil {
		return nil, fmt.Errorf("claim: receipt client required")
	}
	monitorCtx, cancel := context.WithCancel(context.Background())
	coord := &Coordinator{
		store:          store,
		ledger:         rewards,
		issuer:         issuer,
		status:         status,
		receipts:       receipts,
		notifier:       notifier,
		metrics:        observability.Claimd(),
		logger:         slog.Default(),
		pollInterval:   5 * time.Second,
		stuckAfter:     15 * time.Minute,
		now:            time.Now,
		monitorCtx:     monitorCtx,
		cancelMonitors: cancel,
		active:         make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(coord)
	}
	return coord, nil
}

// Offer is the response to a claim request: a signed voucher over the
// snapshotted claimable amount.
type Offer struct {
	Voucher   voucher.Voucher
	Signature []byte
	Amount    int64
}

// Request accrues outstanding periodic credits, then issues (or re-issues) a
// claim voucher over the full claimable balance. Re-requesting while an
// unexpired voucher is outstanding returns the identical voucher, so client
// retries never mint a second authorization for the same balance.
func (c *Coordinator) Request(ctx context.Context, userID, wallet string) (Offer, error) {
	now := c.now()
	if err := c.store.EnsureAccount(ctx, userID, now); err != nil {
		return Offer{}, err
	}
	var walletHex string
	if wallet != "" {
		addr, err := voucher.ParseAddress(wallet)
		if err != nil {
			return Offer{}, err
		}
		walletHex = addr.Hex()
	}
	if err := c.ledger.Accrue(ctx, userID); err != nil {
		return Offer{}, err
	}
	acct, err := c.store.Account(ctx, userID)
	if err != nil {
		return Offer{}, err
	}

	if pending := acct.Pending; pending != nil {
		switch pending.State {
		case storage.ClaimStateSubmitted:
			// A submitted claim normally resolves through its monitor; the
			// request path only unblocks the user once the claim looks stuck.
			if now.Sub(pending.CreatedAt) <= c.stuckAfter {
				return Offer{}, ErrPendingClaimConflict
			}
			cleared, err := c.store.ClearSubmittedClaim(ctx, userID, pending.Nonce, pending.TxID)
			if err != nil {
				return Offer{}, err
			}
			if !cleared {
				return Offer{}, ErrPendingClaimConflict
			}
			c.logger.Warn("cleared stuck submitted claim",
				"user", userID, "nonce", pending.Nonce, "age", now.Sub(pending.CreatedAt).String())
		case storage.ClaimStateVoucherIssued:
			if now.Sub(pending.CreatedAt) <= c.issuer.TTL() {
				// The outstanding voucher stays bound to the wallet it was
				// issued for; a wallet change only applies to the next claim.
				return c.reissue(pending)
			}
			if _, err := c.store.ClearUnsubmittedClaim(ctx, userID, pending.Nonce); err != nil {
				return Offer{}, err
			}
		}
	}

	if walletHex != "" && walletHex != acct.Wallet {
		if err := c.store.SetWallet(ctx, userID, walletHex); err != nil {
			return Offer{}, err
		}
		acct.Wallet = walletHex
	}
	if acct.Wallet == "" {
		return Offer{}, ErrWalletRequired
	}
	if acct.Balance <= 0 {
		return Offer{}, ErrInsufficientBalance
	}
	nonce := strconv.FormatInt(now.UnixMilli(), 10)
	amount, bound, created, err := c.store.CreatePendingClaim(ctx, userID, nonce, now)
	if err != nil {
		return Offer{}, err
	}
	if !created {
		// Lost a race against a concurrent request. The winner's voucher is
		// the voucher; hand it back instead of failing the retry.
		acct, err := c.store.Account(ctx, userID)
		if err != nil {
			return Offer{}, err
		}
		if acct.Pending != nil && acct.Pending.State == storage.ClaimStateVoucherIssued {
			return c.reissue(acct.Pending)
		}
		return Offer{}, ErrInsufficientBalance
	}
	destination, err := voucher.ParseAddress(bound)
	if err != nil {
		return Offer{}, err
	}
	offer, err := c.issue(destination, amount, nonce, now.Add(c.issuer.TTL()))
	if err != nil {
		return Offer{}, err
	}
	c.metrics.RecordClaim("requested")
	return offer, nil
}

// reissue reproduces the voucher for an in-flight claim from its snapshotted
// amount and wallet, so retries return byte-identical signatures.
func (c *Coordinator) reissue(pending *storage.PendingClaim) (Offer, error) {
	destination, err := voucher.ParseAddress(pending.Wallet)
	if err != nil {
		return Offer{}, err
	}
	return c.issue(destination, pending.Amount, pending.Nonce, pending.CreatedAt.Add(c.issuer.TTL()))
}

func (c *Coordinator) issue(destination common.Address, amount int64, nonce string, deadline time.Time) (Offer, error) {
	nonceValue, err := strconv.ParseInt(nonce, 10, 64)
	if err != nil {
		return Offer{}, fmt.Errorf("claim: malformed nonce %q: %w", nonce, err)
	}
	v, sig, err := c.issuer.Issue(destination, ledger.UnitsToWei(amount), nonceValue, deadline)
	if err != nil {
		return Offer{}, err
	}
	return Offer{Voucher: v, Signature: sig, Amount: amount}, nil
}

// ConfirmResult reports the outcome of attaching a transaction id.
type ConfirmResult struct {
	// AlreadyPending is set when the status service already reports the
	// transaction as in flight at confirm time.
	AlreadyPending bool
}

// Confirm attaches the submitted transaction id to the pending claim and
// starts its monitor. Duplicate confirms with the same id succeed
// idempotently; a different id is a protocol violation and mutates nothing.
func (c *Coordinator) Confirm(ctx context.Context, userID, nonce, txID string) (ConfirmResult, error) {
	now := c.now()
	result, err := c.store.AttachTransaction(ctx, userID, nonce, txID, now)
	if err != nil {
		return ConfirmResult{}, err
	}
	switch result {
	case storage.AttachAccepted:
		c.metrics.RecordClaim("confirmed")
	case storage.AttachDuplicate:
		// Nothing to store, but make sure a monitor exists: a crash between
		// the original confirm and now would otherwise leave the claim
		// unwatched until the next boot's recovery scan.
	case storage.AttachNoMatch:
		return ConfirmResult{}, ErrNoMatchingPendingClaim
	case storage.AttachConflict:
		return ConfirmResult{}, ErrTransactionIDConflict
	}
	c.StartMonitor(userID, nonce, txID)

	confirm := ConfirmResult{}
	if st, statusErr := c.status.TransactionStatus(ctx, txID); statusErr == nil && st.State == chain.StatePending {
		confirm.AlreadyPending = true
	}
	return confirm, nil
}

// Cancel abandons a voucher that was never submitted. Once a transaction id is
// attached the claim can only resolve through its monitor.
func (c *Coordinator) Cancel(ctx context.Context, userID, nonce string) error {
	cleared, err := c.store.ClearUnsubmittedClaim(ctx, userID, nonce)
	if err != nil {
		return err
	}
	if cleared {
		c.metrics.RecordClaim("cancelled")
		return nil
	}
	acct, err := c.store.Account(ctx, userID)
	if err != nil {
		return err
	}
	if acct.Pending != nil && acct.Pending.Nonce == nonce && acct.Pending.State == storage.ClaimStateSubmitted {
		return ErrCannotCancelSubmitted
	}
	return ErrNoMatchingPendingClaim
}

// Summary is the read-only claim status view.
type Summary struct {
	Balance      float64
	BalanceUnits int64
	CanClaim     bool
	HasPending   bool
	PendingState string
	PendingSince time.Time
	LastClaim    time.Time
	TotalClaims  int
	Verified     bool
	Recent       []storage.HistoryEntry
}

// Status reports the current ledger view. It performs a best-effort periodic
// accrual first so the reported balance is current, but triggers no claim
// state transition and never creates an account: an unknown user reads as an
// empty summary.
func (c *Coordinator) Status(ctx context.Context, userID string) (Summary, error) {
	if _, err := c.store.Account(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			return Summary{}, nil
		}
		return Summary{}, err
	}
	if err := c.ledger.Accrue(ctx, userID); err != nil {
		c.logger.Warn("status accrual", "user", userID, "error", err)
	}
	acct, err := c.store.Account(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	total, err := c.store.ClaimCount(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	recent, err := c.store.ClaimHistory(ctx, userID, 10)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{
		Balance:      ledger.FromUnits(acct.Balance),
		BalanceUnits: acct.Balance,
		CanClaim:     acct.Balance > 0 && acct.Pending == nil,
		LastClaim:    acct.LastClaimAt,
		TotalClaims:  total,
		Verified:     acct.Verified,
		Recent:       recent,
	}
	if acct.Pending != nil {
		summary.HasPending = true
		summary.PendingState = acct.Pending.State.String()
		summary.PendingSince = acct.Pending.CreatedAt
	}
	return summary, nil
}

// Shutdown stops all monitors and waits for them to drain, bounded by ctx.
// In-flight claims left behind are re-armed by the recovery scan on the next
// boot.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.cancelMonitors()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
