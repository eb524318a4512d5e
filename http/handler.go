package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/agentgate/agentgate-go"
	"github.com/agentgate/agentgate-go/validation"
)

// PaymentInstructions is the human-readable half of the 402 body, telling
// a client how to settle without parsing the requirement JSON.
type PaymentInstructions struct {
	Header string   `json:"header"`
	Format string   `json:"format"`
	Steps  []string `json:"steps"`
}

// ChallengeBody is the JSON body of a 402 response.
type ChallengeBody struct {
	Error        string                        `json:"error"`
	Code         agentgate.ErrorCode           `json:"code,omitempty"`
	Payment      *agentgate.PaymentRequirement `json:"payment,omitempty"`
	Instructions *PaymentInstructions          `json:"instructions,omitempty"`
}

// errorBody is the JSON body of 400 and 409 rejections.
type errorBody struct {
	Error string              `json:"error"`
	Code  agentgate.ErrorCode `json:"code"`
}

func buildInstructions(req *agentgate.PaymentRequirement) *PaymentInstructions {
	return &PaymentInstructions{
		Header: agentgate.PaymentHeader,
		Format: "<txHash>:<chainId>",
		Steps: []string{
			fmt.Sprintf("Transfer %s %s (%s smallest units) to %s on chain %d",
				req.AmountHuman, req.TokenSymbol, req.AmountRequired, req.RecipientAddress, req.ChainID),
			fmt.Sprintf("Include the header %s: <txHash>:%d on your retry", agentgate.PaymentHeader, req.ChainID),
			"Retry the request before the requirement expires",
		},
	}
}

// writeChallenge sends the 402 challenge with the flat shortcut headers for
// clients that do not parse JSON on error bodies.
func writeChallenge(w http.ResponseWriter, req *agentgate.PaymentRequirement) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Payment-Amount", req.AmountRequired)
	w.Header().Set("X-Payment-Token", req.TokenAddress)
	w.Header().Set("X-Payment-Recipient", req.RecipientAddress)
	w.WriteHeader(http.StatusPaymentRequired)

	body := ChallengeBody{
		Error:        "Payment Required",
		Payment:      req,
		Instructions: buildInstructions(req),
	}
	_ = json.NewEncoder(w).Encode(body)
}

// writeVerificationFailure sends a retryable 402 with a machine-readable
// code and a fresh challenge so the client can re-pay.
func writeVerificationFailure(w http.ResponseWriter, code agentgate.ErrorCode, message string, req *agentgate.PaymentRequirement) {
	w.Header().Set("Content-Type", "application/json")
	if req != nil {
		w.Header().Set("X-Payment-Amount", req.AmountRequired)
		w.Header().Set("X-Payment-Token", req.TokenAddress)
		w.Header().Set("X-Payment-Recipient", req.RecipientAddress)
	}
	w.WriteHeader(http.StatusPaymentRequired)

	body := ChallengeBody{Error: message, Code: code}
	if req != nil {
		body.Payment = req
		body.Instructions = buildInstructions(req)
	}
	_ = json.NewEncoder(w).Encode(body)
}

// writeError sends a terminal JSON rejection (400 malformed, 409 replay).
func writeError(w http.ResponseWriter, status int, code agentgate.ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: message, Code: code})
}

// parseChallenge reads a 402 response body into a payment requirement.
// A body that does not validate is a non-retryable invalid challenge.
func parseChallenge(body io.Reader) (*agentgate.PaymentRequirement, error) {
	var challenge ChallengeBody
	if err := json.NewDecoder(body).Decode(&challenge); err != nil {
		return nil, agentgate.NewPaymentError(agentgate.ErrCodeInvalidChallenge, "unparseable 402 body", agentgate.ErrInvalidChallenge)
	}
	if challenge.Payment == nil {
		return nil, agentgate.NewPaymentError(agentgate.ErrCodeInvalidChallenge, "402 body missing payment requirement", agentgate.ErrInvalidChallenge)
	}
	if err := validation.ValidateRequirement(challenge.Payment); err != nil {
		return nil, agentgate.NewPaymentError(agentgate.ErrCodeInvalidChallenge, err.Error(), agentgate.ErrInvalidChallenge)
	}
	return challenge.Payment, nil
}
