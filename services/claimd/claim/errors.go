package claim

import "errors"

var (
	// ErrInsufficientBalance rejects a claim request while the reward balance
	// is zero.
	ErrInsufficientBalance = errors.New("claim: insufficient balance")
	// ErrPendingClaimConflict rejects a claim request while a submitted claim
	// is still resolving.
	ErrPendingClaimConflict = errors.New("claim: claim already submitted")
	// ErrNoMatchingPendingClaim is returned when the supplied nonce does not
	// match any in-flight claim.
	ErrNoMatchingPendingClaim = errors.New("claim: no matching pending claim")
	// ErrTransactionIDConflict is returned when a confirm carries a different
	// transaction id than the one already stored. The stored id is never
	// overwritten.
	ErrTransactionIDConflict = errors.New("claim: transaction id conflict")
	// ErrCannotCancelSubmitted rejects cancellation once a transaction id is
	// attached; a submitted claim only resolves through its monitor.
	ErrCannotCancelSubmitted = errors.New("claim: cannot cancel submitted claim")
	// ErrWalletRequired is returned when no destination wallet is known for
	// the user.
	ErrWalletRequired = errors.New("claim: destination wallet required")
)
