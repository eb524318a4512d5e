// Package http provides the paywall middleware gating priced endpoints
// behind verified on-chain payment, and the client settlement engine that
// transparently pays 402 challenges.
package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/agentgate/agentgate-go"
	"github.com/agentgate/agentgate-go/verify"
)

// SettlementVerifier checks a settlement transaction against a requirement
// and returns the matching receipt logs, best candidate first.
// *verify.Verifier satisfies it; tests inject fakes.
type SettlementVerifier interface {
	Verify(ctx context.Context, txHash common.Hash, req *agentgate.PaymentRequirement) ([]agentgate.Settlement, error)
}

// PaymentHook observes each admitted payment. It runs after the settlement
// reference is claimed and never blocks admission: a panic or slow hook is
// logged and the request proceeds.
type PaymentHook func(settlement agentgate.Settlement, endpoint string)

// Config holds the configuration for the paywall middleware.
type Config struct {
	// Recipient is the address payments must be sent to.
	Recipient string

	// Token is the settlement token (contract address, symbol, decimals).
	Token agentgate.TokenConfig

	// Prices maps "METHOD path" to a price. Unlisted paths bypass the
	// paywall entirely.
	Prices agentgate.PricingTable

	// ChainID is the ledger payments must land on.
	ChainID uint64

	// RPCURL is the ledger RPC endpoint, used to build a verifier when
	// Verifier is nil.
	RPCURL string

	// Verifier overrides the ledger verifier (tests, custom policy).
	Verifier SettlementVerifier

	// ExpiryWindow is the validity period of issued requirements.
	// Defaults to agentgate.DefaultExpiryWindow.
	ExpiryWindow time.Duration

	// Used is the replay-defense set, shared when several middleware
	// instances must agree. A fresh set is created when nil.
	Used *ReferenceSet

	// Revenue receives operational counters. Created when nil.
	Revenue *RevenueCounters

	// OnPayment is called once per admitted request.
	OnPayment PaymentHook

	// Logger receives middleware diagnostics; slog.Default when nil.
	Logger *slog.Logger
}

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// SettlementContextKey is the context key under which the claimed
// settlement is stored for downstream handlers.
const SettlementContextKey = contextKey("agentgate_settlement")

// SettlementFromContext returns the settlement that paid for this request,
// if the paywall admitted it.
func SettlementFromContext(ctx context.Context) (agentgate.Settlement, bool) {
	s, ok := ctx.Value(SettlementContextKey).(agentgate.Settlement)
	return s, ok
}

// NewPaymentMiddleware creates the paywall middleware. Requests to unpriced
// paths pass straight through; priced requests without an X-Payment header
// receive a 402 challenge, and retries carrying a settlement reference are
// verified against the ledger before the downstream handler runs.
func NewPaymentMiddleware(config *Config) (func(http.Handler) http.Handler, error) {
	if config.Recipient == "" {
		return nil, fmt.Errorf("recipient address is required")
	}
	if config.Token.Address == "" {
		return nil, fmt.Errorf("token configuration is required")
	}

	verifier := config.Verifier
	if verifier == nil {
		if config.RPCURL == "" {
			return nil, fmt.Errorf("either Verifier or RPCURL is required")
		}
		client, err := ethclient.Dial(config.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial ledger rpc: %w", err)
		}
		verifier = &verify.Verifier{Client: client, Logger: config.Logger}
	}

	used := config.Used
	if used == nil {
		used = NewReferenceSet()
	}
	revenue := config.Revenue
	if revenue == nil {
		revenue = NewRevenueCounters()
	}
	window := config.ExpiryWindow
	if window <= 0 {
		window = agentgate.DefaultExpiryWindow
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mw := &paywall{
		config:   config,
		verifier: verifier,
		used:     used,
		revenue:  revenue,
		window:   window,
		logger:   logger,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mw.serve(w, r, next)
		})
	}, nil
}

type paywall struct {
	config   *Config
	verifier SettlementVerifier
	used     *ReferenceSet
	revenue  *RevenueCounters
	window   time.Duration
	logger   *slog.Logger
}

func (p *paywall) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	// CORS preflight never pays.
	if r.Method == http.MethodOptions {
		next.ServeHTTP(w, r)
		return
	}

	entry, priced := p.config.Prices.Lookup(r.Method, r.URL.Path)
	if !priced {
		next.ServeHTTP(w, r)
		return
	}

	endpoint := agentgate.EndpointKey(r.Method, r.URL.Path)
	p.revenue.RecordRequest()

	header := r.Header.Get(agentgate.PaymentHeader)
	if header == "" {
		p.challenge(w, r, entry, endpoint)
		return
	}

	ref, ok := agentgate.ParseSettlementHeader(header)
	if !ok {
		p.logger.Warn("malformed payment header", "endpoint", endpoint)
		writeError(w, http.StatusBadRequest, agentgate.ErrCodeInvalidHeader,
			"Invalid payment header, expected <txHash>:<chainId>")
		return
	}

	req, err := p.verificationRequirement(entry, endpoint)
	if err != nil {
		p.logger.Error("pricing entry unusable", "endpoint", endpoint, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	if ref.ChainID != p.config.ChainID {
		writeVerificationFailure(w, agentgate.ErrCodeNoMatch,
			fmt.Sprintf("payment settled on chain %d, expected %d", ref.ChainID, p.config.ChainID), req)
		return
	}

	// Ledger round trip runs outside any lock; the used set is touched
	// only afterwards, on the claim.
	candidates, err := p.verifier.Verify(r.Context(), common.HexToHash(ref.TxHash), req)
	if err != nil {
		if r.Context().Err() != nil {
			// Caller went away mid-verification; nothing was claimed.
			return
		}
		code := agentgate.CodeOf(err)
		p.logger.Warn("payment verification failed", "endpoint", endpoint, "tx", ref.TxHash, "code", code)
		writeVerificationFailure(w, code, err.Error(), req)
		return
	}

	// Claim before the hook and before the handler. Two concurrent
	// retries of one reference race here and exactly one wins.
	var claimed *agentgate.Settlement
	for i := range candidates {
		if p.used.Claim(ref.TxHash, candidates[i].LogIndex) {
			claimed = &candidates[i]
			break
		}
	}
	if claimed == nil {
		p.logger.Warn("settlement reference replayed", "endpoint", endpoint, "tx", ref.TxHash)
		writeError(w, http.StatusConflict, agentgate.ErrCodeReplay,
			"Settlement reference already used")
		return
	}

	p.revenue.RecordSettlement(*claimed, endpoint)
	p.notify(*claimed, endpoint)
	p.logger.Info("payment admitted",
		"endpoint", endpoint,
		"tx", ref.TxHash,
		"logIndex", claimed.LogIndex,
		"payer", claimed.From,
		"amount", claimed.Amount)

	ctx := context.WithValue(r.Context(), SettlementContextKey, *claimed)
	next.ServeHTTP(w, r.WithContext(ctx))
}

// challenge issues the 402 body with a freshly built requirement.
func (p *paywall) challenge(w http.ResponseWriter, r *http.Request, entry agentgate.PricingEntry, endpoint string) {
	bodyHash, err := hashAndRestoreBody(r)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	req, err := agentgate.NewRequirement(agentgate.RequirementSpec{
		Recipient:   p.config.Recipient,
		Token:       p.tokenFor(entry),
		Amount:      entry.Amount,
		Endpoint:    endpoint,
		BodyHash:    bodyHash,
		ChainID:     p.config.ChainID,
		Expiry:      p.window,
		Description: entry.Description,
	})
	if err != nil {
		p.logger.Error("pricing entry unusable", "endpoint", endpoint, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	p.logger.Info("payment required", "endpoint", endpoint, "amount", req.AmountRequired)
	writeChallenge(w, req)
}

// verificationRequirement rebuilds what must be true of the settlement from
// the pricing entry alone. Verification is stateless: the server never
// stores issued requirements, so the rebuilt requirement carries a fresh
// expiry inside the window and no memo constraint.
func (p *paywall) verificationRequirement(entry agentgate.PricingEntry, endpoint string) (*agentgate.PaymentRequirement, error) {
	token := p.tokenFor(entry)
	units, err := agentgate.AmountToUnits(entry.Amount, token.Decimals)
	if err != nil {
		return nil, err
	}
	return &agentgate.PaymentRequirement{
		RecipientAddress: p.config.Recipient,
		TokenAddress:     token.Address,
		TokenSymbol:      token.Symbol,
		AmountRequired:   units.String(),
		AmountHuman:      agentgate.UnitsToAmount(units, token.Decimals),
		Endpoint:         endpoint,
		Expiry:           time.Now().Add(p.window).Unix(),
		ChainID:          p.config.ChainID,
	}, nil
}

func (p *paywall) tokenFor(entry agentgate.PricingEntry) agentgate.TokenConfig {
	token := p.config.Token
	if entry.TokenAddress != "" {
		token.Address = entry.TokenAddress
	}
	return token
}

// notify runs the payment-observed hook outside any lock. Hook failures are
// logged and never re-reject the request.
func (p *paywall) notify(s agentgate.Settlement, endpoint string) {
	if p.config.OnPayment == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("payment hook panicked", "endpoint", endpoint, "panic", rec)
		}
	}()
	p.config.OnPayment(s, endpoint)
}

// hashAndRestoreBody fingerprints the request body for memo derivation and
// restores it so the downstream handler can still read it.
func hashAndRestoreBody(r *http.Request) ([32]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return agentgate.BodyHash(nil), nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return [32]byte{}, err
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return agentgate.BodyHash(body), nil
}
