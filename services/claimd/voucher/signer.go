package voucher

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer produces claim authorization signatures. The key material never
// leaves the signer implementation, so ledger and coordinator logic stays
// testable with a deterministic fake.
type Signer interface {
	SignHash(hash []byte) ([]byte, error)
	Address() common.Address
}

type localSigner struct {
	key *ecdsa.PrivateKey
}

// NewLocalSigner wraps an in-memory secp256k1 key loaded from its hex
// encoding. Missing key material is a boot-time failure, never a per-request
// one.
func NewLocalSigner(privKeyHex string) (Signer, error) {
	pkHex := strings.TrimPrefix(strings.TrimSpace(privKeyHex), "0x")
	if pkHex == "" {
		return nil, fmt.Errorf("empty private key")
	}
	key, err := ethcrypto.HexToECDSA(pkHex)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}
	return &localSigner{key: key}, nil
}

func (s *localSigner) SignHash(hash []byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(hash, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign claim voucher: %w", err)
	}
	return sig, nil
}

func (s *localSigner) Address() common.Address {
	return ethcrypto.PubkeyToAddress(s.key.PublicKey)
}
