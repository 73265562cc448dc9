package ledger

import (
	"fmt"
	"math"
	"math/big"
)

// amountScale is the number of integer units per whole token. Balances are
// kept as scaled int64 units so the store can mutate them with atomic integer
// arithmetic.
const amountScale = 1_000_000

// weiPerUnit scales a ledger unit up to the token's 18-decimal on-chain
// representation.
var weiPerUnit = big.NewInt(1_000_000_000_000)

// ToUnits converts a decimal token amount into scaled integer units.
func ToUnits(amount float64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("amount must be positive")
	}
	scaled := math.Round(amount * float64(amountScale))
	units := int64(scaled)
	if units <= 0 {
		return 0, fmt.Errorf("amount must be positive")
	}
	if !withinTolerance(amount, units) {
		return 0, fmt.Errorf("amount precision exceeds supported scale")
	}
	return units, nil
}

// FromUnits converts scaled integer units back into a decimal token amount.
func FromUnits(units int64) float64 {
	return float64(units) / float64(amountScale)
}

// UnitsToWei converts scaled integer units into the 18-decimal integer amount
// used in on-chain transfers and voucher signatures.
func UnitsToWei(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), weiPerUnit)
}

func withinTolerance(value float64, units int64) bool {
	recon := float64(units) / float64(amountScale)
	diff := math.Abs(value - recon)
	tolerance := 1.0 / float64(amountScale*10)
	return diff <= tolerance
}
