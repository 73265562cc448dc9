package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/SamiiBou/Bloom-sub000/services/claimd/chain"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/claim"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/ledger"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/storage"
)

type voucherPayload struct {
	To       string `json:"to"`
	Amount   string `json:"amount"`
	Nonce    string `json:"nonce"`
	Deadline int64  `json:"deadline"`
}

func (s *Server) handleClaimRequest(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}
	var payload struct {
		Wallet string `json:"wallet"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_payload", "invalid payload")
			return
		}
	}
	offer, err := s.coordinator.Request(r.Context(), user, strings.TrimSpace(payload.Wallet))
	if err != nil {
		s.writeClaimError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"voucher": voucherPayload{
			To:       offer.Voucher.To.Hex(),
			Amount:   offer.Voucher.Amount.String(),
			Nonce:    offer.Voucher.Nonce.String(),
			Deadline: offer.Voucher.Deadline.Int64(),
		},
		"signature":     hexutil.Encode(offer.Signature),
		"claimedAmount": ledger.FromUnits(offer.Amount),
	})
}

func (s *Server) handleClaimConfirm(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}
	var payload struct {
		Nonce string `json:"nonce"`
		TxID  string `json:"txId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_payload", "invalid payload")
		return
	}
	nonce := strings.TrimSpace(payload.Nonce)
	txID := strings.TrimSpace(payload.TxID)
	if nonce == "" || txID == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_payload", "nonce and txId required")
		return
	}
	result, err := s.coordinator.Confirm(r.Context(), user, nonce, txID)
	if err != nil {
		s.writeClaimError(w, err)
		return
	}
	if result.AlreadyPending {
		s.writeJSON(w, http.StatusAccepted, map[string]any{"status": "pending"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
}

func (s *Server) handleClaimCancel(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}
	var payload struct {
		Nonce string `json:"nonce"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_payload", "invalid payload")
		return
	}
	if strings.TrimSpace(payload.Nonce) == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_payload", "nonce required")
		return
	}
	if err := s.coordinator.Cancel(r.Context(), user, strings.TrimSpace(payload.Nonce)); err != nil {
		s.writeClaimError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleClaimStatus(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}
	summary, err := s.coordinator.Status(r.Context(), user)
	if err != nil {
		s.writeClaimError(w, err)
		return
	}
	response := map[string]any{
		"canClaim":    summary.CanClaim,
		"balance":     summary.Balance,
		"hasPending":  summary.HasPending,
		"totalClaims": summary.TotalClaims,
		"verified":    summary.Verified,
	}
	if summary.HasPending {
		response["pendingState"] = summary.PendingState
		response["pendingSince"] = summary.PendingSince.UTC().Format(time.RFC3339)
	}
	if !summary.LastClaim.IsZero() {
		response["lastClaimTime"] = summary.LastClaim.UTC().Format(time.RFC3339)
	}
	if len(summary.Recent) > 0 {
		recent := make([]map[string]any, 0, len(summary.Recent))
		for _, entry := range summary.Recent {
			recent = append(recent, map[string]any{
				"amount":    ledger.FromUnits(entry.Amount),
				"txHash":    entry.TxHash,
				"settledAt": entry.SettledAt.UTC().Format(time.RFC3339),
			})
		}
		response["recentClaims"] = recent
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleRewardsWatch(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}
	var payload struct {
		ContentID string `json:"contentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_payload", "invalid payload")
		return
	}
	contentID := strings.TrimSpace(payload.ContentID)
	if contentID == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_payload", "contentId required")
		return
	}
	credited, balance, err := s.rewards.RegisterWatch(r.Context(), user, contentID)
	if err != nil {
		s.writeClaimError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"credited": ledger.FromUnits(credited),
		"balance":  ledger.FromUnits(balance),
	})
}

func (s *Server) handleRewardsVerify(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}
	verified, balance, err := s.rewards.MarkVerified(r.Context(), user)
	if err != nil {
		s.writeClaimError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"verified": true,
		"applied":  verified,
		"balance":  ledger.FromUnits(balance),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]any{"error": code, "message": message})
}

// writeClaimError maps the claim error taxonomy onto HTTP statuses. Unknown
// errors surface as 500 without leaking internals.
func (s *Server) writeClaimError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, claim.ErrInsufficientBalance):
		s.writeError(w, http.StatusConflict, "insufficient_balance", "no claimable balance")
	case errors.Is(err, claim.ErrPendingClaimConflict):
		s.writeError(w, http.StatusConflict, "pending_claim_conflict", "a submitted claim is still resolving")
	case errors.Is(err, claim.ErrNoMatchingPendingClaim):
		s.writeError(w, http.StatusNotFound, "no_matching_pending_claim", "no pending claim matches the supplied nonce")
	case errors.Is(err, claim.ErrTransactionIDConflict):
		s.writeError(w, http.StatusConflict, "transaction_id_conflict", "a different transaction id is already attached")
	case errors.Is(err, claim.ErrCannotCancelSubmitted):
		s.writeError(w, http.StatusConflict, "cannot_cancel_submitted", "submitted claims cannot be cancelled")
	case errors.Is(err, claim.ErrWalletRequired):
		s.writeError(w, http.StatusBadRequest, "wallet_required", "a destination wallet address is required")
	case errors.Is(err, storage.ErrAccountNotFound):
		s.writeError(w, http.StatusNotFound, "account_not_found", "ledger account not found")
	case errors.Is(err, chain.ErrStatusUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, "external_service_unavailable", "transaction status service unavailable")
	default:
		s.logger.Error("claim handler", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
