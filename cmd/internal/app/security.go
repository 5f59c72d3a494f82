package app

import (
	"errors"
	"fmt"
)

const (
	minSpendKeyBytes = 32
	maxSpendKeyBytes = 64
)

// ValidateSecurityConfig enforces the payout-token policy at startup.
//
// The spend key feeds the keyed BLAKE2b payout token, which is limited to 64 bytes.
// Rotating the key changes every future token, so it must not be changed while a
// prize is held.
func ValidateSecurityConfig(cfg Config) error {
	n := len(cfg.SpendKey)
	if n > maxSpendKeyBytes {
		return fmt.Errorf("security policy: LUCKYPOOL_SPEND_KEY is too long (max %d bytes)", maxSpendKeyBytes)
	}
	if !cfg.RequireSpendKey {
		return nil
	}
	switch {
	case n == 0:
		return errors.New("security policy: LUCKYPOOL_REQUIRE_SPEND_KEY=true but LUCKYPOOL_SPEND_KEY is missing")
	case n < minSpendKeyBytes:
		return fmt.Errorf("security policy: LUCKYPOOL_REQUIRE_SPEND_KEY=true but LUCKYPOOL_SPEND_KEY is too short (min %d bytes)", minSpendKeyBytes)
	}
	return nil
}
