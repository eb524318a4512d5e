package agentgate

import (
	"errors"
	"fmt"
)

// Standard protocol error definitions

var (
	// ErrInvalidAmount indicates a non-positive or over-precise amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidHeader indicates a malformed X-Payment header.
	ErrInvalidHeader = errors.New("invalid payment header")

	// ErrInvalidChallenge indicates a 402 body missing required fields.
	ErrInvalidChallenge = errors.New("invalid payment challenge")

	// ErrReplay indicates a settlement reference that was already used.
	ErrReplay = errors.New("settlement reference already used")

	// ErrExpired indicates the payment requirement has expired.
	ErrExpired = errors.New("payment requirement expired")

	// ErrTxReverted indicates the settlement transaction did not execute
	// successfully.
	ErrTxReverted = errors.New("settlement transaction reverted")

	// ErrNoMatchingTransfer indicates the receipt holds no transfer to the
	// required recipient from the required token contract.
	ErrNoMatchingTransfer = errors.New("no matching transfer in receipt")

	// ErrInsufficient indicates the transferred value is below the
	// required amount.
	ErrInsufficient = errors.New("transferred value below required amount")

	// ErrMemoMismatch indicates the on-chain memo differs from the
	// required one.
	ErrMemoMismatch = errors.New("memo mismatch")

	// ErrRPCUnavailable indicates the ledger RPC could not serve the
	// verification read.
	ErrRPCUnavailable = errors.New("ledger rpc unavailable")

	// ErrInsufficientBalance indicates the payer cannot cover the
	// required amount (client-side precheck).
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrTimeout indicates the client deadline elapsed.
	ErrTimeout = errors.New("payment deadline exceeded")

	// ErrSignerFailed indicates the signer could not submit the transfer.
	ErrSignerFailed = errors.New("signer failed")

	// ErrExhausted indicates the client retry budget ran out.
	ErrExhausted = errors.New("retry attempts exhausted")

	// ErrBatchUnsupported indicates the signer has no atomic multi-call
	// capability.
	ErrBatchUnsupported = errors.New("signer does not support batch submission")

	// ErrInvalidKey indicates an unusable private key.
	ErrInvalidKey = errors.New("invalid private key")

	// ErrInvalidKeystore indicates an unreadable or undecryptable
	// keystore file.
	ErrInvalidKeystore = errors.New("invalid keystore")

	// ErrInvalidMnemonic indicates an invalid BIP-39 mnemonic phrase.
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
)

// ErrorCode is the machine-readable error identifier carried in 402 bodies.
type ErrorCode string

const (
	ErrCodeExpired             ErrorCode = "PAYMENT_EXPIRED"
	ErrCodeTxReverted          ErrorCode = "TX_REVERTED"
	ErrCodeInsufficient        ErrorCode = "INSUFFICIENT"
	ErrCodeNoMatch             ErrorCode = "NO_MATCH"
	ErrCodeMemoMismatch        ErrorCode = "MEMO_MISMATCH"
	ErrCodeRPCUnavailable      ErrorCode = "RPC_UNAVAILABLE"
	ErrCodeInvalidHeader       ErrorCode = "INVALID_HEADER"
	ErrCodeReplay              ErrorCode = "REPLAY"
	ErrCodeInvalidChallenge    ErrorCode = "INVALID_CHALLENGE"
	ErrCodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
	ErrCodeTimeout             ErrorCode = "TIMEOUT"
	ErrCodeSignerFailed        ErrorCode = "SIGNER_FAILED"
)

// PaymentError wraps a protocol error with its wire code and context.
type PaymentError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// NewPaymentError creates a coded payment error wrapping err.
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	return &PaymentError{Code: code, Message: message, Err: err}
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// CodeOf extracts the wire code from err, or RPC_UNAVAILABLE when err is not
// a coded payment error (ledger-read failures surface as retryable).
func CodeOf(err error) ErrorCode {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrCodeRPCUnavailable
}

// Retryable reports whether the client should retry after err. Balance and
// challenge failures are terminal; everything else is assumed transient.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrInvalidChallenge),
		errors.Is(err, ErrInvalidAmount):
		return false
	}
	return true
}
