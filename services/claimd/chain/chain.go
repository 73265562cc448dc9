package chain

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TxState is the relayer's view of a submitted transaction.
type TxState string

const (
	StatePending   TxState = "pending"
	StateConfirmed TxState = "confirmed"
	StateFailed    TxState = "failed"
)

// TxStatus pairs the reported state with the on-chain hash once known. The
// relayer may report a confirmed state slightly before the receipt is
// queryable from the chain.
type TxStatus struct {
	State TxState
	Hash  common.Hash
}

// ErrStatusUnavailable wraps transient failures from the transaction-status
// service. The monitor retries these indefinitely and never mutates the
// ledger on their account.
var ErrStatusUnavailable = errors.New("transaction status unavailable")

// StatusClient looks up the relayer's status for a submitted transaction id.
type StatusClient interface {
	TransactionStatus(ctx context.Context, txID string) (TxStatus, error)
}

// ReceiptClient fetches the on-chain receipt for a transaction hash.
type ReceiptClient interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// StatusFunc adapts a callback to the StatusClient interface.
type StatusFunc func(ctx context.Context, txID string) (TxStatus, error)

// TransactionStatus delegates to the callback.
func (f StatusFunc) TransactionStatus(ctx context.Context, txID string) (TxStatus, error) {
	if f == nil {
		return TxStatus{}, ErrStatusUnavailable
	}
	return f(ctx, txID)
}

// ReceiptFunc adapts a callback to the ReceiptClient interface.
type ReceiptFunc func(ctx context.Context, hash common.Hash) (*types.Receipt, error)

// TransactionReceipt delegates to the callback.
func (f ReceiptFunc) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if f == nil {
		return nil, ErrStatusUnavailable
	}
	return f(ctx, hash)
}
