// Package validation provides input validators for payment requirements,
// addresses, and settlement references shared by the middleware and the
// client settlement engine.
package validation

import (
	"fmt"
	"math/big"
	"regexp"

	"github.com/agentgate/agentgate-go"
)

var (
	// evmAddressRegex matches Ethereum-style addresses (0x followed by 40 hex chars)
	evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

	// txHashRegex matches 0x-prefixed 32-byte transaction hashes
	txHashRegex = regexp.MustCompile(`^0[xX][a-fA-F0-9]{64}$`)
)

// ValidateUnits validates that a smallest-unit amount string is a positive
// decimal integer. Returns an error if the amount is empty, malformed, or
// not greater than zero.
func ValidateUnits(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}

	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return fmt.Errorf("invalid amount format: %s", amount)
	}

	if amt.Sign() <= 0 {
		return fmt.Errorf("amount must be greater than 0, got: %s", amount)
	}

	return nil
}

// ValidateAddress validates an EVM address.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !evmAddressRegex.MatchString(address) {
		return fmt.Errorf("invalid address format: %s (expected 0x followed by 40 hex characters)", address)
	}
	return nil
}

// ValidateTxHash validates a transaction hash.
func ValidateTxHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("transaction hash cannot be empty")
	}
	if !txHashRegex.MatchString(hash) {
		return fmt.Errorf("invalid transaction hash: %s (expected 0x followed by 64 hex characters)", hash)
	}
	return nil
}

// ValidateRequirement checks that a parsed 402 challenge carries everything
// the client needs to settle it. A requirement failing this check is a
// non-retryable invalid challenge.
func ValidateRequirement(req *agentgate.PaymentRequirement) error {
	if req == nil {
		return fmt.Errorf("requirement cannot be nil")
	}

	if err := ValidateUnits(req.AmountRequired); err != nil {
		return fmt.Errorf("invalid requirement: %w", err)
	}

	if err := ValidateAddress(req.RecipientAddress); err != nil {
		return fmt.Errorf("invalid requirement: recipient %w", err)
	}

	if err := ValidateAddress(req.TokenAddress); err != nil {
		return fmt.Errorf("invalid requirement: token %w", err)
	}

	if req.ChainID == 0 {
		return fmt.Errorf("invalid requirement: chain id cannot be zero")
	}

	if req.Expiry <= 0 {
		return fmt.Errorf("invalid requirement: expiry cannot be zero")
	}

	return nil
}
