package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
)

// Storage wraps the claimd persistence layer. Every mutation of the pending
// claim or the balance is expressed as a conditional statement keyed on the
// expected prior state, so concurrent callers (a live monitor, a resumed
// monitor, a retried confirm) can never both win the same transition.
type Storage struct {
	db *sql.DB
}

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("claimd storage path must be configured")

	// ErrAccountNotFound is returned when the ledger account does not exist.
	ErrAccountNotFound = errors.New("ledger account not found")
)

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(path string) (*Storage, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ClaimState tags the lifecycle position of a user's pending claim.
type ClaimState uint8

const (
	ClaimStateIdle ClaimState = iota
	ClaimStateVoucherIssued
	ClaimStateSubmitted
)

func (s ClaimState) String() string {
	switch s {
	case ClaimStateIdle:
		return "idle"
	case ClaimStateVoucherIssued:
		return "voucher_issued"
	case ClaimStateSubmitted:
		return "submitted"
	default:
		return "unknown"
	}
}

// PendingClaim captures the in-flight claim attached to an account. Amount is
// snapshotted at voucher issuance and never recomputed from the live balance.
type PendingClaim struct {
	State     ClaimState
	Amount    int64
	Nonce     string
	TxID      string
	Wallet    string
	CreatedAt time.Time
}

// Account is the per-user ledger record.
type Account struct {
	UserID        string
	Wallet        string
	Balance       int64
	Verified      bool
	AccrualCursor time.Time
	Pending       *PendingClaim
	LastClaimAt   time.Time
}

// HistoryEntry records one settled claim. Entries are append-only and the
// transaction hash is unique for all time.
type HistoryEntry struct {
	Amount    int64
	TxHash    string
	SettledAt time.Time
}

// SubmittedClaim identifies a pending claim that already carries a
// transaction id and therefore needs an active monitor.
type SubmittedClaim struct {
	UserID string
	Nonce  string
	TxID   string
}

// EnsureAccount creates the ledger account if it does not exist yet. The
// accrual cursor starts at the creation instant so periodic credits only
// accumulate from first contact.
func (s *Storage) EnsureAccount(ctx context.Context, userID string, now time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id required")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO ledger_accounts(user_id, accrual_cursor, created_at, updated_at)
        VALUES(?, ?, ?, ?)
        ON CONFLICT(user_id) DO NOTHING
    `, userID, now.UTC().Unix(), now.UTC(), now.UTC())
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

// SetWallet records the destination wallet for the account.
func (s *Storage) SetWallet(ctx context.Context, userID, wallet string) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return fmt.Errorf("wallet required")
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE ledger_accounts SET wallet = ? WHERE user_id = ?
    `, wallet, strings.TrimSpace(userID))
	if err != nil {
		return fmt.Errorf("set wallet: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// Account loads the full ledger record for the user.
func (s *Storage) Account(ctx context.Context, userID string) (Account, error) {
	acct := Account{UserID: strings.TrimSpace(userID)}
	if s == nil {
		return acct, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT wallet, balance, verified, accrual_cursor,
               pending_amount, pending_nonce, pending_tx_id, pending_wallet, pending_created_at,
               last_claim_at
        FROM ledger_accounts
        WHERE user_id = ?
    `, acct.UserID)
	var (
		verified         int
		cursor           int64
		pendingAmount    sql.NullInt64
		pendingNonce     sql.NullString
		pendingTxID      sql.NullString
		pendingWallet    sql.NullString
		pendingCreatedAt sql.NullInt64
		lastClaimAt      sql.NullInt64
	)
	if err := row.Scan(&acct.Wallet, &acct.Balance, &verified, &cursor,
		&pendingAmount, &pendingNonce, &pendingTxID, &pendingWallet, &pendingCreatedAt, &lastClaimAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return acct, ErrAccountNotFound
		}
		return acct, fmt.Errorf("query account: %w", err)
	}
	acct.Verified = verified != 0
	acct.AccrualCursor = time.Unix(cursor, 0).UTC()
	if lastClaimAt.Valid && lastClaimAt.Int64 > 0 {
		acct.LastClaimAt = time.Unix(lastClaimAt.Int64, 0).UTC()
	}
	acct.Pending = pendingFromRow(pendingAmount, pendingNonce, pendingTxID, pendingWallet, pendingCreatedAt)
	return acct, nil
}

// pendingFromRow collapses the nullable columns into a tagged state so callers
// never see an invalid combination such as a transaction id without a nonce.
func pendingFromRow(amount sql.NullInt64, nonce, txID, wallet sql.NullString, createdAt sql.NullInt64) *PendingClaim {
	if !nonce.Valid || strings.TrimSpace(nonce.String) == "" {
		return nil
	}
	pending := &PendingClaim{
		State:  ClaimStateVoucherIssued,
		Amount: amount.Int64,
		Nonce:  nonce.String,
	}
	if wallet.Valid {
		pending.Wallet = wallet.String
	}
	if createdAt.Valid && createdAt.Int64 > 0 {
		pending.CreatedAt = time.Unix(createdAt.Int64, 0).UTC()
	}
	if txID.Valid && strings.TrimSpace(txID.String) != "" {
		pending.State = ClaimStateSubmitted
		pending.TxID = txID.String
	}
	return pending
}

// CreditWatch applies the per-content watch credit, deduplicated per
// (user, content) pair. The dedupe insert and the balance increment commit in
// one transaction; a replayed watch event credits nothing.
func (s *Storage) CreditWatch(ctx context.Context, userID, contentID string, baseAmount int64, now time.Time) (bool, int64, error) {
	if s == nil {
		return false, 0, fmt.Errorf("storage not configured")
	}
	userID = strings.TrimSpace(userID)
	contentID = strings.TrimSpace(contentID)
	if userID == "" || contentID == "" {
		return false, 0, fmt.Errorf("user id and content id required")
	}
	if baseAmount <= 0 {
		return false, 0, fmt.Errorf("watch credit must be positive")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `
        INSERT INTO watch_credits(user_id, content_id, credited_at)
        VALUES(?, ?, ?)
        ON CONFLICT(user_id, content_id) DO NOTHING
    `, userID, contentID, now.UTC())
	if err != nil {
		return false, 0, fmt.Errorf("record watch: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return false, 0, nil
	}
	var verified int
	if err := tx.QueryRowContext(ctx, `
        SELECT verified FROM ledger_accounts WHERE user_id = ?
    `, userID).Scan(&verified); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, 0, ErrAccountNotFound
		}
		return false, 0, fmt.Errorf("query verified: %w", err)
	}
	amount := baseAmount
	if verified != 0 {
		amount *= 2
	}
	if _, err := tx.ExecContext(ctx, `
        UPDATE ledger_accounts
        SET balance = balance + ?, updated_at = ?
        WHERE user_id = ?
    `, amount, now.UTC(), userID); err != nil {
		return false, 0, fmt.Errorf("credit watch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("commit watch credit: %w", err)
	}
	return true, amount, nil
}

// AccruePeriodic advances the accrual cursor by whole elapsed periods and
// credits the balance accordingly, as a single atomic increment-and-advance.
// Safe to call redundantly and concurrently: losers of the race simply find
// zero whole periods remaining.
func (s *Storage) AccruePeriodic(ctx context.Context, userID string, period time.Duration, ratePerPeriod int64, now time.Time) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("storage not configured")
	}
	if period <= 0 || ratePerPeriod <= 0 {
		return false, nil
	}
	periodSecs := int64(period / time.Second)
	if periodSecs <= 0 {
		return false, nil
	}
	nowUnix := now.UTC().Unix()
	res, err := s.db.ExecContext(ctx, `
        UPDATE ledger_accounts
        SET balance = balance + ((? - accrual_cursor) / ?) * ?,
            accrual_cursor = accrual_cursor + ((? - accrual_cursor) / ?) * ?,
            updated_at = ?
        WHERE user_id = ? AND (? - accrual_cursor) >= ?
    `, nowUnix, periodSecs, ratePerPeriod,
		nowUnix, periodSecs, periodSecs,
		now.UTC(), strings.TrimSpace(userID), nowUnix, periodSecs)
	if err != nil {
		return false, fmt.Errorf("accrue periodic: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// MarkVerified flips the verification flag and applies the one-time bonus.
// Returns false when the account was already verified.
func (s *Storage) MarkVerified(ctx context.Context, userID string, bonus int64, now time.Time) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("storage not configured")
	}
	if bonus < 0 {
		bonus = 0
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE ledger_accounts
        SET verified = 1, balance = balance + ?, updated_at = ?
        WHERE user_id = ? AND verified = 0
    `, bonus, now.UTC(), strings.TrimSpace(userID))
	if err != nil {
		return false, fmt.Errorf("mark verified: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// CreatePendingClaim snapshots the current balance and destination wallet into
// a fresh pending claim. The write only lands when no claim is in flight and
// the balance is positive; the snapshotted amount and wallet are returned.
// Later wallet changes never rebind a claim that is already in flight.
func (s *Storage) CreatePendingClaim(ctx context.Context, userID, nonce string, now time.Time) (int64, string, bool, error) {
	if s == nil {
		return 0, "", false, fmt.Errorf("storage not configured")
	}
	nonce = strings.TrimSpace(nonce)
	if nonce == "" {
		return 0, "", false, fmt.Errorf("nonce required")
	}
	userID = strings.TrimSpace(userID)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, "", false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `
        UPDATE ledger_accounts
        SET pending_amount = balance,
            pending_nonce = ?,
            pending_tx_id = NULL,
            pending_wallet = wallet,
            pending_created_at = ?,
            updated_at = ?
        WHERE user_id = ? AND pending_nonce IS NULL AND balance > 0
    `, nonce, now.UTC().Unix(), now.UTC(), userID)
	if err != nil {
		return 0, "", false, fmt.Errorf("create pending claim: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, "", false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return 0, "", false, nil
	}
	var (
		amount int64
		wallet string
	)
	if err := tx.QueryRowContext(ctx, `
        SELECT pending_amount, pending_wallet FROM ledger_accounts WHERE user_id = ?
    `, userID).Scan(&amount, &wallet); err != nil {
		return 0, "", false, fmt.Errorf("read pending claim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, "", false, fmt.Errorf("commit pending claim: %w", err)
	}
	return amount, wallet, true, nil
}

// ClearUnsubmittedClaim removes a pending claim that never received a
// transaction id. Used for cancellation and voucher-expiry cleanup.
func (s *Storage) ClearUnsubmittedClaim(ctx context.Context, userID, nonce string) (bool, error) {
	return s.clearPending(ctx, `
        UPDATE ledger_accounts
        SET pending_amount = NULL, pending_nonce = NULL, pending_tx_id = NULL, pending_wallet = NULL, pending_created_at = NULL
        WHERE user_id = ? AND pending_nonce = ? AND pending_tx_id IS NULL
    `, strings.TrimSpace(userID), strings.TrimSpace(nonce))
}

// ClearSubmittedClaim removes a pending claim in submitted state, matching on
// both nonce and transaction id so a superseding transition cannot be undone.
// The balance is untouched: a failed transaction never moved funds.
func (s *Storage) ClearSubmittedClaim(ctx context.Context, userID, nonce, txID string) (bool, error) {
	return s.clearPending(ctx, `
        UPDATE ledger_accounts
        SET pending_amount = NULL, pending_nonce = NULL, pending_tx_id = NULL, pending_wallet = NULL, pending_created_at = NULL
        WHERE user_id = ? AND pending_nonce = ? AND pending_tx_id = ?
    `, strings.TrimSpace(userID), strings.TrimSpace(nonce), strings.TrimSpace(txID))
}

func (s *Storage) clearPending(ctx context.Context, query string, args ...any) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("storage not configured")
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("clear pending claim: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// AttachResult reports the outcome of AttachTransaction.
type AttachResult uint8

const (
	// AttachAccepted means the transaction id was stored and the claim moved
	// to submitted state.
	AttachAccepted AttachResult = iota
	// AttachDuplicate means the same transaction id was already stored; the
	// confirm call is a retry and succeeds idempotently.
	AttachDuplicate
	// AttachNoMatch means no pending claim carries the supplied nonce.
	AttachNoMatch
	// AttachConflict means the claim already carries a different transaction
	// id. The stored id is never overwritten.
	AttachConflict
)

// AttachTransaction moves the claim from voucher-issued to submitted by
// attaching the transaction id, conditionally on the nonce matching and no id
// being present yet.
func (s *Storage) AttachTransaction(ctx context.Context, userID, nonce, txID string, now time.Time) (AttachResult, error) {
	if s == nil {
		return AttachNoMatch, fmt.Errorf("storage not configured")
	}
	userID = strings.TrimSpace(userID)
	nonce = strings.TrimSpace(nonce)
	txID = strings.TrimSpace(txID)
	if nonce == "" || txID == "" {
		return AttachNoMatch, fmt.Errorf("nonce and transaction id required")
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE ledger_accounts
        SET pending_tx_id = ?, last_claim_at = ?, updated_at = ?
        WHERE user_id = ? AND pending_nonce = ? AND pending_tx_id IS NULL
    `, txID, now.UTC().Unix(), now.UTC(), userID, nonce)
	if err != nil {
		return AttachNoMatch, fmt.Errorf("attach transaction: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return AttachNoMatch, fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return AttachAccepted, nil
	}
	var storedNonce, storedTxID sql.NullString
	if err := s.db.QueryRowContext(ctx, `
        SELECT pending_nonce, pending_tx_id FROM ledger_accounts WHERE user_id = ?
    `, userID).Scan(&storedNonce, &storedTxID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AttachNoMatch, ErrAccountNotFound
		}
		return AttachNoMatch, fmt.Errorf("inspect pending claim: %w", err)
	}
	if !storedNonce.Valid || storedNonce.String != nonce {
		return AttachNoMatch, nil
	}
	if storedTxID.Valid && storedTxID.String == txID {
		return AttachDuplicate, nil
	}
	return AttachConflict, nil
}

// SettleClaim applies the exactly-once settlement: in a single transaction it
// debits the snapshotted pending amount, clears the pending claim, and appends
// the history entry, all conditional on the pending claim still matching the
// supplied nonce and transaction id. A zero-row match means another execution
// already settled this claim; the caller must apply no further mutation.
func (s *Storage) SettleClaim(ctx context.Context, userID, nonce, txID, txHash string, now time.Time) (bool, int64, error) {
	if s == nil {
		return false, 0, fmt.Errorf("storage not configured")
	}
	userID = strings.TrimSpace(userID)
	nonce = strings.TrimSpace(nonce)
	txID = strings.TrimSpace(txID)
	txHash = strings.TrimSpace(txHash)
	if nonce == "" || txID == "" || txHash == "" {
		return false, 0, fmt.Errorf("nonce, transaction id, and hash required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	var amount int64
	if err := tx.QueryRowContext(ctx, `
        SELECT pending_amount FROM ledger_accounts
        WHERE user_id = ? AND pending_nonce = ? AND pending_tx_id = ?
    `, userID, nonce, txID).Scan(&amount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("read pending amount: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
        UPDATE ledger_accounts
        SET balance = balance - pending_amount,
            pending_amount = NULL,
            pending_nonce = NULL,
            pending_tx_id = NULL,
            pending_wallet = NULL,
            pending_created_at = NULL,
            updated_at = ?
        WHERE user_id = ? AND pending_nonce = ? AND pending_tx_id = ?
    `, now.UTC(), userID, nonce, txID)
	if err != nil {
		return false, 0, fmt.Errorf("debit balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, 0, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return false, 0, nil
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO claim_history(user_id, amount, tx_hash, settled_at)
        VALUES(?, ?, ?, ?)
    `, userID, amount, txHash, now.UTC()); err != nil {
		// A unique violation on tx_hash means the hash was settled through a
		// different pending record; the rollback keeps the ledger untouched.
		return false, 0, fmt.Errorf("append claim history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("commit settlement: %w", err)
	}
	return true, amount, nil
}

// SubmittedClaims lists every pending claim that already carries a transaction
// id, for monitor recovery at process start.
func (s *Storage) SubmittedClaims(ctx context.Context) ([]SubmittedClaim, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT user_id, pending_nonce, pending_tx_id
        FROM ledger_accounts
        WHERE pending_tx_id IS NOT NULL
    `)
	if err != nil {
		return nil, fmt.Errorf("query submitted claims: %w", err)
	}
	defer rows.Close()
	var claims []SubmittedClaim
	for rows.Next() {
		var claim SubmittedClaim
		if err := rows.Scan(&claim.UserID, &claim.Nonce, &claim.TxID); err != nil {
			return nil, fmt.Errorf("scan submitted claim: %w", err)
		}
		claims = append(claims, claim)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submitted claims: %w", err)
	}
	return claims, nil
}

// ClaimCount returns the number of settled claims for the user.
func (s *Storage) ClaimCount(ctx context.Context, userID string) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM claim_history WHERE user_id = ?
    `, strings.TrimSpace(userID)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count claims: %w", err)
	}
	return count, nil
}

// ClaimHistory returns the most recent settled claims for the user, newest
// first.
func (s *Storage) ClaimHistory(ctx context.Context, userID string, limit int) ([]HistoryEntry, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT amount, tx_hash, settled_at
        FROM claim_history
        WHERE user_id = ?
        ORDER BY id DESC
        LIMIT ?
    `, strings.TrimSpace(userID), limit)
	if err != nil {
		return nil, fmt.Errorf("query claim history: %w", err)
	}
	defer rows.Close()
	var entries []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		if err := rows.Scan(&entry.Amount, &entry.TxHash, &entry.SettledAt); err != nil {
			return nil, fmt.Errorf("scan claim history: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claim history: %w", err)
	}
	return entries, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS ledger_accounts (
    user_id TEXT PRIMARY KEY,
    wallet TEXT NOT NULL DEFAULT '',
    balance INTEGER NOT NULL DEFAULT 0,
    verified INTEGER NOT NULL DEFAULT 0,
    accrual_cursor INTEGER NOT NULL,
    pending_amount INTEGER,
    pending_nonce TEXT,
    pending_tx_id TEXT,
    pending_wallet TEXT,
    pending_created_at INTEGER,
    last_claim_at INTEGER,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_submitted ON ledger_accounts(pending_tx_id) WHERE pending_tx_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS claim_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    amount INTEGER NOT NULL,
    tx_hash TEXT NOT NULL UNIQUE,
    settled_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_claim_history_user ON claim_history(user_id, settled_at);

CREATE TABLE IF NOT EXISTS watch_credits (
    user_id TEXT NOT NULL,
    content_id TEXT NOT NULL,
    credited_at TIMESTAMP NOT NULL,
    PRIMARY KEY (user_id, content_id)
);
`
