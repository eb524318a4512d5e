package agentgate

import (
	"errors"
	"fmt"
	"testing"
)

func TestPaymentErrorWrapping(t *testing.T) {
	err := NewPaymentError(ErrCodeInsufficient, "transferred value below required amount", ErrInsufficient)

	if !errors.Is(err, ErrInsufficient) {
		t.Error("PaymentError should unwrap to its sentinel")
	}
	if CodeOf(err) != ErrCodeInsufficient {
		t.Errorf("Expected INSUFFICIENT, got %s", CodeOf(err))
	}

	wrapped := fmt.Errorf("verify: %w", err)
	if CodeOf(wrapped) != ErrCodeInsufficient {
		t.Error("CodeOf should see through wrapping")
	}
}

func TestCodeOfUncodedError(t *testing.T) {
	if got := CodeOf(errors.New("connection refused")); got != ErrCodeRPCUnavailable {
		t.Errorf("Uncoded errors default to RPC_UNAVAILABLE, got %s", got)
	}
}

func TestRetryable(t *testing.T) {
	terminal := []error{
		ErrInsufficientBalance,
		ErrInvalidChallenge,
		ErrInvalidAmount,
		NewPaymentError(ErrCodeInsufficientBalance, "balance short", ErrInsufficientBalance),
	}
	for _, err := range terminal {
		if Retryable(err) {
			t.Errorf("Expected %v to be terminal", err)
		}
	}

	transient := []error{
		ErrRPCUnavailable,
		ErrTimeout,
		errors.New("connection reset"),
		NewPaymentError(ErrCodeSignerFailed, "transfer submission failed", ErrSignerFailed),
	}
	for _, err := range transient {
		if !Retryable(err) {
			t.Errorf("Expected %v to be retryable", err)
		}
	}
}
