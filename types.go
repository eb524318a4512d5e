// Package agentgate implements the wire protocol for an HTTP 402
// challenge/settle payment gateway. A server issues a machine-readable
// payment requirement on priced endpoints; a client settles the amount with
// an on-chain token transfer and retries the request carrying a settlement
// reference, which the server verifies directly against the ledger.
package agentgate

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// PaymentHeader is the request header carrying the settlement reference.
const PaymentHeader = "X-Payment"

// DefaultExpiryWindow is the validity period of an issued requirement.
const DefaultExpiryWindow = 300 * time.Second

// PaymentRequirement describes what payment is owed for one priced call.
// It is issued by the server inside the 402 response body.
type PaymentRequirement struct {
	// RecipientAddress is the address the transfer must pay.
	RecipientAddress string `json:"recipientAddress"`

	// TokenAddress is the contract whose Transfer event settles the call.
	TokenAddress string `json:"tokenAddress"`

	// TokenSymbol is informational (e.g. "USDC").
	TokenSymbol string `json:"tokenSymbol"`

	// AmountRequired is the amount in smallest units, as a decimal string
	// to avoid precision loss in JSON.
	AmountRequired string `json:"amountRequired"`

	// AmountHuman is the display-unit amount (e.g. "0.005").
	AmountHuman string `json:"amountHuman"`

	// Endpoint identifies the priced call as "METHOD path".
	Endpoint string `json:"endpoint"`

	// Nonce is an opaque unique string, one per issued requirement.
	Nonce string `json:"nonce"`

	// Expiry is the unix time after which the requirement is void.
	Expiry int64 `json:"expiry"`

	// ChainID identifies the ledger the transfer must land on.
	ChainID uint64 `json:"chainId"`

	// Memo is the 0x-prefixed 32-byte request fingerprint. A transfer may
	// embed it for reconciliation; when embedded it must match exactly.
	Memo string `json:"memo"`

	// Description is an optional human-readable note.
	Description string `json:"description,omitempty"`
}

// Amount returns the required amount in smallest units.
func (r *PaymentRequirement) Amount() (*big.Int, error) {
	amt, ok := new(big.Int).SetString(r.AmountRequired, 10)
	if !ok || amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return amt, nil
}

// MemoHash decodes the requirement's memo field. A zero hash means the
// requirement carries no memo constraint.
func (r *PaymentRequirement) MemoHash() common.Hash {
	return common.HexToHash(r.Memo)
}

// Expired reports whether the requirement is past its expiry at t.
func (r *PaymentRequirement) Expired(t time.Time) bool {
	return t.Unix() > r.Expiry
}

// TokenConfig describes the settlement token a gateway accepts.
type TokenConfig struct {
	// Address is the token contract address.
	Address string

	// Symbol is the token symbol (e.g. "USDC").
	Symbol string

	// Decimals is the number of display decimal places.
	Decimals int
}

// RequirementSpec carries the inputs for building a requirement.
type RequirementSpec struct {
	Recipient   string
	Token       TokenConfig
	Amount      string // display units, e.g. "0.01"
	Endpoint    string // "METHOD path"
	BodyHash    [32]byte
	ChainID     uint64
	Expiry      time.Duration // validity window; DefaultExpiryWindow when zero
	Description string
}

// NewRequirement builds a populated payment requirement. The display amount
// is scaled to smallest units with integer arithmetic, a fresh nonce is
// drawn, and the memo fingerprint is computed over (endpoint, bodyHash,
// nonce, expiry).
func NewRequirement(spec RequirementSpec) (*PaymentRequirement, error) {
	units, err := AmountToUnits(spec.Amount, spec.Token.Decimals)
	if err != nil {
		return nil, err
	}
	if units.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	window := spec.Expiry
	if window <= 0 {
		window = DefaultExpiryWindow
	}
	expiry := time.Now().Add(window).Unix()
	nonce := uuid.NewString()
	memo := ComputeMemo(spec.Endpoint, spec.BodyHash, nonce, uint64(expiry))

	return &PaymentRequirement{
		RecipientAddress: spec.Recipient,
		TokenAddress:     spec.Token.Address,
		TokenSymbol:      spec.Token.Symbol,
		AmountRequired:   units.String(),
		AmountHuman:      UnitsToAmount(units, spec.Token.Decimals),
		Endpoint:         spec.Endpoint,
		Nonce:            nonce,
		Expiry:           expiry,
		ChainID:          spec.ChainID,
		Memo:             memo.Hex(),
		Description:      spec.Description,
	}, nil
}

// Settlement describes one verified on-chain transfer bound to one admitted
// request. LogIndex disambiguates multiple transfers inside a batch receipt.
type Settlement struct {
	From        common.Address
	To          common.Address
	Amount      *big.Int
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
}

// PricingEntry prices one endpoint.
type PricingEntry struct {
	// Amount is the price in display units (e.g. "0.005").
	Amount string

	// Description is surfaced in the requirement and discovery document.
	Description string

	// TokenAddress optionally overrides the gateway token for this entry.
	TokenAddress string
}

// String implements fmt.Stringer for diagnostics.
func (e PricingEntry) String() string {
	return fmt.Sprintf("%s (%s)", e.Amount, e.Description)
}

// PricingTable maps "METHOD path" to a price. Lookup is exact match; path
// parameters are not wildcarded. The table is read-only during request
// service.
type PricingTable map[string]PricingEntry

// Lookup returns the entry for an exact "METHOD path" key.
func (t PricingTable) Lookup(method, path string) (PricingEntry, bool) {
	entry, ok := t[EndpointKey(method, path)]
	return entry, ok
}

// EndpointKey canonicalizes a method and path into a pricing key.
func EndpointKey(method, path string) string {
	return strings.ToUpper(method) + " " + path
}
