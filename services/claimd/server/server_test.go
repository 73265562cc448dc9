package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/SamiiBou/Bloom-sub000/services/claimd/chain"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/claim"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/events"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/ledger"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/storage"
	"github.com/SamiiBou/Bloom-sub000/services/claimd/voucher"
)

const (
	testSignerKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testWallet    = "0x9965507D1a55bcC2695C58ba16FB37d819B0A4dc"
	testContract  = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
)

type serverFixture struct {
	server *Server
	store  *storage.Storage
	router http.Handler
}

func newServerFixture(t *testing.T, name string, cfg Config) *serverFixture {
	t.Helper()
	store, err := storage.Open("file:claimd_server_" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	rewards, err := ledger.New(store, ledger.Rates{WatchCredit: 100_000, VerifyBonus: 2_000_000})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	signer, err := voucher.NewLocalSigner(testSignerKey)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	contract, err := voucher.ParseAddress(testContract)
	if err != nil {
		t.Fatalf("parse contract: %v", err)
	}
	issuer, err := voucher.NewIssuer(480, contract, signer)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	status := chain.StatusFunc(func(context.Context, string) (chain.TxStatus, error) {
		return chain.TxStatus{State: chain.StatePending}, nil
	})
	receipts := chain.ReceiptFunc(func(context.Context, common.Hash) (*types.Receipt, error) {
		return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
	})
	coordinator, err := claim.New(store, rewards, issuer, status, receipts, events.NewBroker(nil, nil))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = coordinator.Shutdown(ctx)
	})

	srv, err := New(cfg, coordinator, rewards, events.NewBroker(nil, nil), nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &serverFixture{server: srv, store: store, router: srv.Router()}
}

func (f *serverFixture) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload *bytes.Buffer
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		payload = bytes.NewBuffer(encoded)
	} else {
		payload = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, payload)
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var decoded map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return decoded
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t, "health", Config{})
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}

func TestRequiresUserIdentity(t *testing.T) {
	f := newServerFixture(t, "identity", Config{})
	rec := f.do(t, http.MethodGet, "/v1/claim/status", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing identity = %d, want 401", rec.Code)
	}
}

func TestClaimLifecycleOverHTTP(t *testing.T) {
	f := newServerFixture(t, "lifecycle", Config{})

	// Empty balance rejects the request with a conflict.
	rec := f.do(t, http.MethodPost, "/v1/claim/request", "user-1", map[string]string{"wallet": testWallet})
	if rec.Code != http.StatusConflict {
		t.Fatalf("empty balance request = %d, want 409", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "insufficient_balance" {
		t.Fatalf("error code unexpected: %s", rec.Body.String())
	}

	// Accrue some balance through watches, then request a voucher.
	for _, content := range []string{"v1", "v2", "v3"} {
		rec = f.do(t, http.MethodPost, "/v1/rewards/watch", "user-1", map[string]string{"contentId": content})
		if rec.Code != http.StatusOK {
			t.Fatalf("watch = %d: %s", rec.Code, rec.Body.String())
		}
	}
	rec = f.do(t, http.MethodPost, "/v1/claim/request", "user-1", map[string]string{"wallet": testWallet})
	if rec.Code != http.StatusOK {
		t.Fatalf("request = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["claimedAmount"].(float64) != 0.3 {
		t.Fatalf("claimed amount = %v, want 0.3", body["claimedAmount"])
	}
	voucherBody, ok := body["voucher"].(map[string]any)
	if !ok || voucherBody["nonce"] == "" {
		t.Fatalf("voucher missing from response: %s", rec.Body.String())
	}
	nonce := voucherBody["nonce"].(string)

	// Confirm with the status service reporting pending yields 202.
	rec = f.do(t, http.MethodPost, "/v1/claim/confirm", "user-1", map[string]string{"nonce": nonce, "txId": "tx-1"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("confirm = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["status"] != "pending" {
		t.Fatalf("confirm body unexpected: %s", rec.Body.String())
	}

	// A conflicting transaction id is refused.
	rec = f.do(t, http.MethodPost, "/v1/claim/confirm", "user-1", map[string]string{"nonce": nonce, "txId": "tx-2"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("conflicting confirm = %d, want 409", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "transaction_id_conflict" {
		t.Fatalf("conflict error unexpected: %s", rec.Body.String())
	}

	// Submitted claims cannot be cancelled.
	rec = f.do(t, http.MethodPost, "/v1/claim/cancel", "user-1", map[string]string{"nonce": nonce})
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancel submitted = %d, want 409", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "cannot_cancel_submitted" {
		t.Fatalf("cancel error unexpected: %s", rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/v1/claim/status", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	statusBody := decodeBody(t, rec)
	if statusBody["pendingState"] != "submitted" || statusBody["canClaim"] != false {
		t.Fatalf("status body unexpected: %s", rec.Body.String())
	}
}

func TestConfirmUnknownNonce(t *testing.T) {
	f := newServerFixture(t, "unknownnonce", Config{})
	rec := f.do(t, http.MethodPost, "/v1/claim/confirm", "user-1", map[string]string{"nonce": "12345", "txId": "tx-1"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown nonce confirm = %d, want 404", rec.Code)
	}
	if decodeBody(t, rec)["error"] != "no_matching_pending_claim" {
		t.Fatalf("error unexpected: %s", rec.Body.String())
	}
}

func TestConfirmRejectsMissingFields(t *testing.T) {
	f := newServerFixture(t, "badconfirm", Config{})
	rec := f.do(t, http.MethodPost, "/v1/claim/confirm", "user-1", map[string]string{"nonce": "1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing txId confirm = %d, want 400", rec.Code)
	}
}

func TestRewardsEndpoints(t *testing.T) {
	f := newServerFixture(t, "rewards", Config{})

	rec := f.do(t, http.MethodPost, "/v1/rewards/watch", "user-1", map[string]string{"contentId": "video-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("watch = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["credited"].(float64) != 0.1 || body["balance"].(float64) != 0.1 {
		t.Fatalf("watch body unexpected: %s", rec.Body.String())
	}

	// Replay credits nothing.
	rec = f.do(t, http.MethodPost, "/v1/rewards/watch", "user-1", map[string]string{"contentId": "video-1"})
	body = decodeBody(t, rec)
	if body["credited"].(float64) != 0 || body["balance"].(float64) != 0.1 {
		t.Fatalf("replayed watch body unexpected: %s", rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/v1/rewards/verify", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify = %d", rec.Code)
	}
	body = decodeBody(t, rec)
	if body["applied"] != true || body["balance"].(float64) != 2.1 {
		t.Fatalf("verify body unexpected: %s", rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/v1/rewards/verify", "user-1", nil)
	body = decodeBody(t, rec)
	if body["applied"] != false || body["balance"].(float64) != 2.1 {
		t.Fatalf("replayed verify body unexpected: %s", rec.Body.String())
	}
}

func TestRateLimitEnforced(t *testing.T) {
	f := newServerFixture(t, "ratelimit", Config{RateLimit: RateLimit{RequestsPerMinute: 60, Burst: 2}})
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := f.do(t, http.MethodPost, "/v1/claim/request", "user-1", map[string]string{"wallet": testWallet})
		codes = append(codes, rec.Code)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("third burst request = %d, want 429 (codes %v)", codes[2], codes)
	}
	// Reads stay unthrottled.
	rec := f.do(t, http.MethodGet, "/v1/claim/status", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status during throttle = %d", rec.Code)
	}
}

func TestJWTAuthentication(t *testing.T) {
	secret := "test-secret"
	cfg := Config{Auth: AuthConfig{
		Enabled:    true,
		HMACSecret: secret,
		Issuer:     "bloom-sessions",
		Audience:   "claimd",
	}}
	f := newServerFixture(t, "jwt", cfg)

	rec := f.do(t, http.MethodGet, "/v1/claim/status", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", rec.Code)
	}

	sign := func(claims jwt.MapClaims, key string) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := token.SignedString([]byte(key))
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		return signed
	}
	valid := sign(jwt.MapClaims{
		"sub": "user-1",
		"iss": "bloom-sessions",
		"aud": "claimd",
		"exp": time.Now().Add(time.Hour).Unix(),
	}, secret)

	req := httptest.NewRequest(http.MethodGet, "/v1/claim/status", nil)
	req.Header.Set("Authorization", "Bearer "+valid)
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("valid token = %d: %s", recorder.Code, recorder.Body.String())
	}

	forged := sign(jwt.MapClaims{
		"sub": "user-1",
		"iss": "bloom-sessions",
		"aud": "claimd",
		"exp": time.Now().Add(time.Hour).Unix(),
	}, "wrong-secret")
	req = httptest.NewRequest(http.MethodGet, "/v1/claim/status", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	recorder = httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("forged token = %d, want 401", recorder.Code)
	}

	wrongAudience := sign(jwt.MapClaims{
		"sub": "user-1",
		"iss": "bloom-sessions",
		"aud": "other-service",
		"exp": time.Now().Add(time.Hour).Unix(),
	}, secret)
	req = httptest.NewRequest(http.MethodGet, "/v1/claim/status", nil)
	req.Header.Set("Authorization", "Bearer "+wrongAudience)
	recorder = httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("wrong audience = %d, want 401", recorder.Code)
	}

	// X-User-Id is ignored once real authentication is on.
	rec = f.do(t, http.MethodGet, "/v1/claim/status", "user-1", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("header identity with auth enabled = %d, want 401", rec.Code)
	}
}
