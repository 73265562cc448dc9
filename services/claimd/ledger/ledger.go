package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/SamiiBou/Bloom-sub000/observability"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/storage"
)

// Rates configures the three credit sources feeding the reward balance.
// Amounts are scaled integer units (see ToUnits).
type Rates struct {
	// WatchCredit is granted once per (user, content) watch event. Verified
	// users receive double.
	WatchCredit int64
	// Period and PeriodicRate drive the lazy time-based accrual: PeriodicRate
	// units per whole elapsed Period.
	Period       time.Duration
	PeriodicRate int64
	// VerifyBonus is the one-time credit for completing human verification.
	VerifyBonus int64
}

// Ledger maintains per-user reward balances. It never touches the pending
// claim; claim lifecycle transitions belong to the coordinator.
type Ledger struct {
	store   *storage.Storage
	rates   Rates
	metrics *observability.ClaimdMetrics
	now     func() time.Time
}

// Option customises the ledger instance.
type Option func(*Ledger)

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.now = clock }
}

// New constructs a reward ledger over the supplied store.
func New(store *storage.Storage, rates Rates, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger: storage required")
	}
	ledger := &Ledger{
		store:   store,
		rates:   rates,
		metrics: observability.Claimd(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(ledger)
	}
	return ledger, nil
}

// Rates returns the configured credit rates.
func (l *Ledger) Rates() Rates { return l.rates }

// RegisterWatch credits the watch reward for the content item, once per user
// per item. Returns the credited amount (zero for a replay) and the resulting
// balance.
func (l *Ledger) RegisterWatch(ctx context.Context, userID, contentID string) (int64, int64, error) {
	now := l.now()
	if err := l.store.EnsureAccount(ctx, userID, now); err != nil {
		return 0, 0, err
	}
	credited, amount, err := l.store.CreditWatch(ctx, userID, contentID, l.rates.WatchCredit, now)
	if err != nil {
		return 0, 0, err
	}
	if credited {
		l.metrics.RecordWatchCredit()
	} else {
		amount = 0
	}
	acct, err := l.store.Account(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	return amount, acct.Balance, nil
}

// MarkVerified records human verification and applies the one-time bonus.
// Returns whether the flag flipped (false on replay) and the resulting
// balance.
func (l *Ledger) MarkVerified(ctx context.Context, userID string) (bool, int64, error) {
	now := l.now()
	if err := l.store.EnsureAccount(ctx, userID, now); err != nil {
		return false, 0, err
	}
	flipped, err := l.store.MarkVerified(ctx, userID, l.rates.VerifyBonus, now)
	if err != nil {
		return false, 0, err
	}
	acct, err := l.store.Account(ctx, userID)
	if err != nil {
		return false, 0, err
	}
	return flipped, acct.Balance, nil
}

// Accrue applies any whole elapsed accrual periods to the balance. Redundant
// and concurrent calls are harmless; the store's single conditional update
// advances the cursor at most once per elapsed period.
func (l *Ledger) Accrue(ctx context.Context, userID string) error {
	now := l.now()
	if err := l.store.EnsureAccount(ctx, userID, now); err != nil {
		return err
	}
	_, err := l.store.AccruePeriodic(ctx, userID, l.rates.Period, l.rates.PeriodicRate, now)
	return err
}
