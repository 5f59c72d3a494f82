package settlement

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"
)

// Picker returns a uniformly distributed index in [0, n).
type Picker func(n int) (int, error)

// CryptoPicker draws from crypto/rand.
func CryptoPicker(n int) (int, error) {
	if n <= 0 {
		return 0, errors.New("pick from empty set")
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

// SpendID derives the payout idempotency token for (tier, cycle).
// The same inputs always produce the same 64-char hex token.
func SpendID(key []byte, tier string, cycle int64) (string, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		return "", fmt.Errorf("spend id key: %w", err)
	}
	h.Write([]byte("luckypool/payout\x00"))
	h.Write([]byte(tier))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(cycle, 10)))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Prize is amount x (1 - cut), truncated to precision decimal places.
func Prize(amount, cut decimal.Decimal, precision int32) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(1).Sub(cut)).Truncate(precision)
}
