package voucher

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Voucher is a signed authorization permitting the bearer to execute one
// on-chain claim of a specific amount, bound to a nonce and an expiry.
type Voucher struct {
	To       common.Address `json:"to"`
	Amount   *big.Int       `json:"amount"`
	Nonce    *big.Int       `json:"nonce"`
	Deadline *big.Int       `json:"deadline"`
}

// Issuer signs claim vouchers as EIP-712 typed data, domain-separated by the
// claim contract and chain id so a signature can never be replayed against a
// different deployment.
type Issuer struct {
	domainName    string
	domainVersion string
	chainID       int64
	contract      common.Address
	signer        Signer
	ttl           time.Duration
	now           func() time.Time
}

// IssuerOption customises the issuer instance.
type IssuerOption func(*Issuer)

// WithClock sets the function used to derive the voucher deadline.
func WithClock(clock func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = clock }
}

// WithTTL overrides the default one hour voucher validity window.
func WithTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// NewIssuer constructs a voucher issuer bound to the claim contract.
func NewIssuer(chainID int64, contract common.Address, signer Signer, opts ...IssuerOption) (*Issuer, error) {
	if signer == nil {
		return nil, fmt.Errorf("signer required")
	}
	if chainID <= 0 {
		return nil, fmt.Errorf("chain id required")
	}
	issuer := &Issuer{
		domainName:    "BloomClaim",
		domainVersion: "1",
		chainID:       chainID,
		contract:      contract,
		signer:        signer,
		ttl:           time.Hour,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(issuer)
	}
	return issuer, nil
}

// TTL returns the voucher validity window.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Address returns the signer's address, for on-chain verifier configuration.
func (i *Issuer) Address() common.Address { return i.signer.Address() }

// Issue signs a voucher for the supplied destination, amount, and nonce. The
// deadline is now + TTL. Signing over identical inputs yields an identical
// signature, which makes voucher re-issuance on client retry byte-stable as
// long as the caller supplies the stored deadline.
func (i *Issuer) Issue(to common.Address, amount *big.Int, nonce int64, deadline time.Time) (Voucher, []byte, error) {
	if amount == nil || amount.Sign() <= 0 {
		return Voucher{}, nil, fmt.Errorf("amount must be positive")
	}
	if deadline.IsZero() {
		deadline = i.now().Add(i.ttl)
	}
	v := Voucher{
		To:       to,
		Amount:   new(big.Int).Set(amount),
		Nonce:    big.NewInt(nonce),
		Deadline: big.NewInt(deadline.Unix()),
	}
	hash, err := i.Hash(v)
	if err != nil {
		return Voucher{}, nil, err
	}
	sig, err := i.signer.SignHash(hash)
	if err != nil {
		return Voucher{}, nil, err
	}
	return v, sig, nil
}

// Hash computes the EIP-712 digest for the voucher under the issuer's domain.
func (i *Issuer) Hash(v Voucher) ([]byte, error) {
	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Claim": []apitypes.Type{
				{Name: "to", Type: "address"},
				{Name: "amount", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		PrimaryType: "Claim",
		Domain: apitypes.TypedDataDomain{
			Name:              i.domainName,
			Version:           i.domainVersion,
			ChainId:           math.NewHexOrDecimal256(i.chainID),
			VerifyingContract: i.contract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"to":       v.To.Hex(),
			"amount":   v.Amount.String(),
			"nonce":    v.Nonce.String(),
			"deadline": v.Deadline.String(),
		},
	}
	hash, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return nil, fmt.Errorf("hash voucher: %w", err)
	}
	return hash, nil
}

// RecoverSigner returns the address that produced the supplied voucher
// signature under the issuer's domain.
func (i *Issuer) RecoverSigner(v Voucher, sig []byte) (common.Address, error) {
	hash, err := i.Hash(v)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := ethcrypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover pubkey: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// ParseAddress validates and normalises a destination wallet address.
func ParseAddress(addr string) (common.Address, error) {
	trimmed := strings.TrimSpace(addr)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid wallet address %q", trimmed)
	}
	return common.HexToAddress(trimmed), nil
}
