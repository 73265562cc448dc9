package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PortalClient queries the transaction relayer portal for the status of a
// submitted transaction id.
type PortalClient struct {
	endpoint string
	appID    string
	apiKey   string
	client   *http.Client
}

// NewPortalClient builds a status client for the relayer portal API.
func NewPortalClient(endpoint, appID, apiKey string) (*PortalClient, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("portal endpoint required")
	}
	if strings.TrimSpace(appID) == "" {
		return nil, fmt.Errorf("portal app id required")
	}
	return &PortalClient{
		endpoint: trimmed,
		appID:    strings.TrimSpace(appID),
		apiKey:   strings.TrimSpace(apiKey),
		client:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type portalTransaction struct {
	Status string `json:"transactionStatus"`
	Hash   string `json:"transactionHash"`
}

// TransactionStatus implements StatusClient against the portal API. Transport
// failures and non-2xx responses surface as ErrStatusUnavailable so the
// monitor keeps polling instead of treating them as terminal.
func (c *PortalClient) TransactionStatus(ctx context.Context, txID string) (TxStatus, error) {
	txID = strings.TrimSpace(txID)
	if txID == "" {
		return TxStatus{}, fmt.Errorf("transaction id required")
	}
	query := url.Values{}
	query.Set("app_id", c.appID)
	query.Set("type", "transaction")
	target := fmt.Sprintf("%s/api/v2/minikit/transaction/%s?%s", c.endpoint, url.PathEscape(txID), query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return TxStatus{}, fmt.Errorf("build status request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return TxStatus{}, fmt.Errorf("%w: %v", ErrStatusUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return TxStatus{}, fmt.Errorf("%w: portal returned %d", ErrStatusUnavailable, resp.StatusCode)
	}
	var payload portalTransaction
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return TxStatus{}, fmt.Errorf("%w: decode response: %v", ErrStatusUnavailable, err)
	}
	status := TxStatus{State: StatePending}
	switch strings.ToLower(strings.TrimSpace(payload.Status)) {
	case "mined", "confirmed", "success":
		status.State = StateConfirmed
	case "failed", "reverted":
		status.State = StateFailed
	}
	if hash := strings.TrimSpace(payload.Hash); hash != "" {
		status.Hash = common.HexToHash(hash)
	}
	return status, nil
}
