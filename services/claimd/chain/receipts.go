package chain

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// RPCReceipts fetches transaction receipts over a chain JSON-RPC endpoint.
type RPCReceipts struct {
	client *ethclient.Client
}

// DialReceipts connects to the chain RPC endpoint.
func DialReceipts(ctx context.Context, rawURL string) (*RPCReceipts, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, fmt.Errorf("chain rpc url required")
	}
	client, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	return &RPCReceipts{client: client}, nil
}

// TransactionReceipt implements ReceiptClient. A not-yet-available receipt
// surfaces as an error the monitor retries; only a present receipt with a
// non-success status is terminal.
func (r *RPCReceipts) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if r == nil || r.client == nil {
		return nil, fmt.Errorf("receipt client not configured")
	}
	return r.client.TransactionReceipt(ctx, hash)
}

// Close releases the underlying RPC connection.
func (r *RPCReceipts) Close() {
	if r != nil && r.client != nil {
		r.client.Close()
	}
}
