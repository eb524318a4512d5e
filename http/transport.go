package http

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agentgate/agentgate-go"
)

// Transport is a RoundTripper that settles 402 challenges transparently,
// for dropping into an existing *http.Client. It performs a single
// settle-and-retry per request; use Client when you want deadlines,
// backoff, and the multi-request calls.
type Transport struct {
	// Base is the underlying RoundTripper (http.DefaultTransport when
	// nil).
	Base http.RoundTripper

	// Signer submits the settlement transfers.
	Signer agentgate.Signer

	// OnEvent receives settlement lifecycle events.
	OnEvent agentgate.PaymentCallback
}

// RoundTrip implements http.RoundTripper. It makes the initial request
// and, on a 402, pays the challenge and retries once with the settlement
// reference attached.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := base.RoundTrip(cloneWithBody(req, body, ""))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	challenge, err := parseChallenge(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}

	t.emit(challenge, req, agentgate.PaymentEventRequired, common.Hash{}, nil)

	amount, err := challenge.Amount()
	if err != nil {
		return nil, agentgate.NewPaymentError(agentgate.ErrCodeInvalidChallenge, "bad amount in challenge", err)
	}

	t.emit(challenge, req, agentgate.PaymentEventSending, common.Hash{}, nil)
	txHash, err := t.Signer.SubmitTransfer(req.Context(),
		common.HexToAddress(challenge.TokenAddress),
		common.HexToAddress(challenge.RecipientAddress),
		amount,
		challenge.MemoHash())
	if err != nil {
		err = agentgate.NewPaymentError(agentgate.ErrCodeSignerFailed, "transfer submission failed", err)
		t.emit(challenge, req, agentgate.PaymentEventFailed, common.Hash{}, err)
		return nil, err
	}
	t.emit(challenge, req, agentgate.PaymentEventConfirmed, txHash, nil)

	ref := agentgate.SettlementRef{TxHash: txHash.Hex(), ChainID: challenge.ChainID}
	return base.RoundTrip(cloneWithBody(req, body, ref.Header()))
}

func (t *Transport) emit(challenge *agentgate.PaymentRequirement, req *http.Request, typ agentgate.PaymentEventType, txHash common.Hash, err error) {
	if t.OnEvent == nil {
		return
	}
	event := agentgate.PaymentEvent{
		Type:      typ,
		Timestamp: time.Now(),
		URL:       req.URL.String(),
		Endpoint:  challenge.Endpoint,
		Amount:    challenge.AmountRequired,
		Token:     challenge.TokenAddress,
		Recipient: challenge.RecipientAddress,
		Err:       err,
	}
	if txHash != (common.Hash{}) {
		event.TxHash = txHash.Hex()
	}
	t.OnEvent(event)
}

// cloneWithBody clones a request with a replayed body and, optionally, the
// settlement header.
func cloneWithBody(req *http.Request, body []byte, paymentHeader string) *http.Request {
	clone := req.Clone(req.Context())
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.ContentLength = int64(len(body))
	}
	if paymentHeader != "" {
		clone.Header.Set(agentgate.PaymentHeader, paymentHeader)
	}
	return clone
}
