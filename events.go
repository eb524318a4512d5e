package agentgate

import "time"

// PaymentEventType identifies a step in the client settlement flow.
type PaymentEventType string

const (
	// PaymentEventRequired fires when a 402 challenge is parsed.
	PaymentEventRequired PaymentEventType = "payment_required"

	// PaymentEventSending fires just before the transfer is submitted.
	PaymentEventSending PaymentEventType = "payment_sending"

	// PaymentEventConfirmed fires once the transfer has confirmed.
	PaymentEventConfirmed PaymentEventType = "payment_confirmed"

	// PaymentEventRetrying fires before a backoff sleep after a
	// transient failure.
	PaymentEventRetrying PaymentEventType = "retrying"

	// PaymentEventFailed fires when settlement fails terminally.
	PaymentEventFailed PaymentEventType = "payment_failed"
)

// PaymentEvent describes one step of a settlement attempt.
type PaymentEvent struct {
	Type      PaymentEventType
	Timestamp time.Time

	// URL is the priced endpoint being paid for.
	URL string

	// Endpoint is the server's "METHOD path" identifier, when known.
	Endpoint string

	// Amount is the required amount in smallest units.
	Amount string

	// Token is the settlement token contract address.
	Token string

	// Recipient is the payment recipient address.
	Recipient string

	// TxHash is set on payment_confirmed.
	TxHash string

	// Attempt is the zero-based retry attempt.
	Attempt int

	// Err is set on retrying and payment_failed.
	Err error
}

// PaymentCallback receives settlement lifecycle events. Callbacks run
// synchronously on the settlement path and should return quickly.
type PaymentCallback func(PaymentEvent)
