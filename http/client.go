package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/agentgate/agentgate-go"
	"github.com/agentgate/agentgate-go/retry"
)

// DefaultFetchTimeout bounds one Fetch call end to end, settlement
// included.
const DefaultFetchTimeout = 60 * time.Second

// DefaultMaxRetries is the retry budget for transient failures.
const DefaultMaxRetries = 3

// Client is an HTTP client that settles 402 challenges automatically: it
// detects the challenge, submits the token transfer through its signer,
// and retries the request with the settlement reference attached.
type Client struct {
	hc           *http.Client
	signer       agentgate.Signer
	timeout      time.Duration
	maxRetries   int
	checkBalance bool
	backoff      retry.Config
	callback     agentgate.PaymentCallback
	logger       *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client) error

// NewClient creates a settlement-capable HTTP client. A signer is
// required.
func NewClient(opts ...ClientOption) (*Client, error) {
	c := &Client{
		hc:         &http.Client{},
		timeout:    DefaultFetchTimeout,
		maxRetries: DefaultMaxRetries,
		backoff:    retry.DefaultConfig,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.signer == nil {
		return nil, fmt.Errorf("a signer is required")
	}
	return c, nil
}

// WithSigner sets the signer that submits settlement transfers.
func WithSigner(signer agentgate.Signer) ClientOption {
	return func(c *Client) error {
		c.signer = signer
		return nil
	}
}

// WithHTTPClient sets a custom underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("http client cannot be nil")
		}
		c.hc = hc
		return nil
	}
}

// WithTimeout bounds one Fetch call end to end.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive")
		}
		c.timeout = d
		return nil
	}
}

// WithMaxRetries sets the retry budget for transient failures.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) error {
		if n < 0 {
			return fmt.Errorf("max retries cannot be negative")
		}
		c.maxRetries = n
		return nil
	}
}

// WithBalanceCheck enables the pre-settlement balance check. When the
// payer's balance cannot cover the challenge, Fetch fails without
// submitting a transfer.
func WithBalanceCheck() ClientOption {
	return func(c *Client) error {
		c.checkBalance = true
		return nil
	}
}

// WithEventCallback streams settlement lifecycle events to the caller.
func WithEventCallback(cb agentgate.PaymentCallback) ClientOption {
	return func(c *Client) error {
		c.callback = cb
		return nil
	}
}

// WithBackoff overrides the transient-failure backoff schedule.
func WithBackoff(config retry.Config) ClientOption {
	return func(c *Client) error {
		c.backoff = config
		return nil
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// Result pairs one response with its error for the multi-request calls.
// Exactly one of Response and Err is set; output index i corresponds to
// input index i.
type Result struct {
	Response *http.Response
	Err      error
}

// Do submits the request, settling a 402 challenge if one comes back. The
// request body is buffered so retries can replay it. Transient transport
// and ledger failures back off exponentially until the retry budget or the
// deadline runs out; balance and challenge failures are terminal.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.timeout)
	ctx, cancel := context.WithDeadline(req.Context(), deadline)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if time.Now().After(deadline) {
			return nil, agentgate.NewPaymentError(agentgate.ErrCodeTimeout, "payment deadline exceeded", agentgate.ErrTimeout)
		}

		resp, err := c.send(ctx, req, body, "")
		if err != nil {
			lastErr = err
			if waitErr := c.retryDelay(ctx, req.URL.String(), attempt, err); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		if resp.StatusCode != http.StatusPaymentRequired {
			return resp, nil
		}

		challenge, err := c.readChallenge(resp, req.URL.String())
		if err != nil {
			return nil, err
		}

		ref, err := c.settle(ctx, req.URL.String(), challenge, attempt)
		if err != nil {
			if !agentgate.Retryable(err) {
				c.emit(agentgate.PaymentEvent{
					Type: agentgate.PaymentEventFailed, Timestamp: time.Now(),
					URL: req.URL.String(), Endpoint: challenge.Endpoint, Attempt: attempt, Err: err,
				})
				return nil, err
			}
			lastErr = err
			if waitErr := c.retryDelay(ctx, req.URL.String(), attempt, err); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		// The payment already happened; return whatever the retry
		// brings back, success or not.
		return c.send(ctx, req, body, ref.Header())
	}

	return nil, agentgate.NewPaymentError(agentgate.ErrCodeTimeout, "retry attempts exhausted",
		fmt.Errorf("%w: %w", agentgate.ErrExhausted, lastErr))
}

// Get fetches a URL, paying for it if challenged.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post posts a body to a URL, paying for it if challenged.
func (c *Client) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// FetchMany runs the requests concurrently and settles every 402 that
// comes back, one transfer per challenged request. When the signer's
// ledger account admits only one pending transaction at a time the
// settlements run as a sequential pipeline instead. Output order matches
// input order; the order in which transfers land on chain is undefined.
func (c *Client) FetchMany(ctx context.Context, reqs []*http.Request) []Result {
	results, pending := c.initialRound(ctx, reqs)
	if len(pending) == 0 {
		return results
	}

	settleOne := func(p *pendingSettlement) {
		ref, err := c.settle(ctx, p.req.URL.String(), p.challenge, 0)
		if err != nil {
			results[p.index] = Result{Err: err}
			return
		}
		resp, err := c.send(ctx, p.req, p.body, ref.Header())
		results[p.index] = Result{Response: resp, Err: err}
	}

	if c.signer.SupportsConcurrent() {
		var g errgroup.Group
		for i := range pending {
			p := &pending[i]
			g.Go(func() error {
				settleOne(p)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		// Strict-nonce ledger: one pending transaction per account.
		for i := range pending {
			settleOne(&pending[i])
		}
	}

	return results
}

// FetchBatch runs the requests concurrently and settles every 402 with a
// single atomic multi-transfer when the signer supports it: one
// transaction, one hash, and every retry carries the same X-Payment
// header. Servers key replay defense on (txHash, logIndex), so each
// request claims its own log inside the shared receipt. Signers without
// batch capability fall back to parallel individual settlement.
func (c *Client) FetchBatch(ctx context.Context, reqs []*http.Request) []Result {
	batcher, ok := c.signer.(agentgate.BatchSigner)
	if !ok {
		return c.FetchMany(ctx, reqs)
	}

	results, pending := c.initialRound(ctx, reqs)
	if len(pending) == 0 {
		return results
	}

	token := common.HexToAddress(pending[0].challenge.TokenAddress)
	transfers := make([]agentgate.BatchTransfer, 0, len(pending))
	for i := range pending {
		ch := pending[i].challenge
		if common.HexToAddress(ch.TokenAddress) != token {
			// Mixed tokens cannot share one batch call.
			return c.settleIndividually(ctx, results, pending)
		}
		amount, err := ch.Amount()
		if err != nil {
			results[pending[i].index] = Result{Err: agentgate.NewPaymentError(agentgate.ErrCodeInvalidChallenge, "bad amount in challenge", err)}
			continue
		}
		transfers = append(transfers, agentgate.BatchTransfer{
			Recipient: common.HexToAddress(ch.RecipientAddress),
			Amount:    amount,
			Memo:      ch.MemoHash(),
		})
	}

	c.emitPending(pending, agentgate.PaymentEventSending)
	txHash, err := batcher.SubmitBatch(ctx, token, transfers)
	if err != nil {
		if errors.Is(err, agentgate.ErrBatchUnsupported) {
			// Signer exposes the interface but has no batch contract
			// configured; settle one transfer per challenge instead.
			return c.settleIndividually(ctx, results, pending)
		}
		err = agentgate.NewPaymentError(agentgate.ErrCodeSignerFailed, "batch submission failed", err)
		for i := range pending {
			if results[pending[i].index].Err == nil && results[pending[i].index].Response == nil {
				results[pending[i].index] = Result{Err: err}
			}
		}
		return results
	}
	c.emitPendingConfirmed(pending, txHash)

	for i := range pending {
		p := &pending[i]
		if results[p.index].Err != nil {
			continue
		}
		ref := agentgate.SettlementRef{TxHash: txHash.Hex(), ChainID: p.challenge.ChainID}
		resp, err := c.send(ctx, p.req, p.body, ref.Header())
		results[p.index] = Result{Response: resp, Err: err}
	}
	return results
}

// pendingSettlement is one challenged request awaiting payment.
type pendingSettlement struct {
	index     int
	req       *http.Request
	body      []byte
	challenge *agentgate.PaymentRequirement
}

// initialRound fires all requests concurrently and partitions the
// responses into done results and pending settlements.
func (c *Client) initialRound(ctx context.Context, reqs []*http.Request) ([]Result, []pendingSettlement) {
	results := make([]Result, len(reqs))
	bodies := make([][]byte, len(reqs))
	challenged := make([]*agentgate.PaymentRequirement, len(reqs))

	var g errgroup.Group
	for i, req := range reqs {
		g.Go(func() error {
			body, err := bufferBody(req)
			if err != nil {
				results[i] = Result{Err: err}
				return nil
			}
			bodies[i] = body

			resp, err := c.send(ctx, req, body, "")
			if err != nil {
				results[i] = Result{Err: err}
				return nil
			}
			if resp.StatusCode != http.StatusPaymentRequired {
				results[i] = Result{Response: resp}
				return nil
			}

			challenge, err := c.readChallenge(resp, req.URL.String())
			if err != nil {
				results[i] = Result{Err: err}
				return nil
			}
			challenged[i] = challenge
			return nil
		})
	}
	_ = g.Wait()

	var pending []pendingSettlement
	for i, challenge := range challenged {
		if challenge != nil {
			pending = append(pending, pendingSettlement{
				index: i, req: reqs[i], body: bodies[i], challenge: challenge,
			})
		}
	}
	return results, pending
}

// settleIndividually is the batch fallback path.
func (c *Client) settleIndividually(ctx context.Context, results []Result, pending []pendingSettlement) []Result {
	for i := range pending {
		p := &pending[i]
		ref, err := c.settle(ctx, p.req.URL.String(), p.challenge, 0)
		if err != nil {
			results[p.index] = Result{Err: err}
			continue
		}
		resp, err := c.send(ctx, p.req, p.body, ref.Header())
		results[p.index] = Result{Response: resp, Err: err}
	}
	return results
}

// settle pays one challenge and returns the settlement reference.
func (c *Client) settle(ctx context.Context, url string, challenge *agentgate.PaymentRequirement, attempt int) (agentgate.SettlementRef, error) {
	amount, err := challenge.Amount()
	if err != nil {
		return agentgate.SettlementRef{}, agentgate.NewPaymentError(agentgate.ErrCodeInvalidChallenge, "bad amount in challenge", err)
	}
	token := common.HexToAddress(challenge.TokenAddress)
	recipient := common.HexToAddress(challenge.RecipientAddress)

	if c.checkBalance {
		balance, err := c.signer.Balance(ctx, token)
		if err != nil {
			return agentgate.SettlementRef{}, agentgate.NewPaymentError(agentgate.ErrCodeSignerFailed, "balance check failed", err)
		}
		if balance.Cmp(amount) < 0 {
			return agentgate.SettlementRef{}, agentgate.NewPaymentError(agentgate.ErrCodeInsufficientBalance,
				fmt.Sprintf("balance %s below required %s", balance, amount), agentgate.ErrInsufficientBalance)
		}
	}

	c.emit(agentgate.PaymentEvent{
		Type: agentgate.PaymentEventSending, Timestamp: time.Now(),
		URL: url, Endpoint: challenge.Endpoint,
		Amount: challenge.AmountRequired, Token: challenge.TokenAddress,
		Recipient: challenge.RecipientAddress, Attempt: attempt,
	})

	txHash, err := c.signer.SubmitTransfer(ctx, token, recipient, amount, challenge.MemoHash())
	if err != nil {
		return agentgate.SettlementRef{}, agentgate.NewPaymentError(agentgate.ErrCodeSignerFailed, "transfer submission failed",
			fmt.Errorf("%w: %w", agentgate.ErrSignerFailed, err))
	}

	c.logger.Info("payment confirmed", "url", url, "tx", txHash, "amount", challenge.AmountRequired)
	c.emit(agentgate.PaymentEvent{
		Type: agentgate.PaymentEventConfirmed, Timestamp: time.Now(),
		URL: url, Endpoint: challenge.Endpoint,
		Amount: challenge.AmountRequired, Token: challenge.TokenAddress,
		Recipient: challenge.RecipientAddress, TxHash: txHash.Hex(), Attempt: attempt,
	})

	return agentgate.SettlementRef{TxHash: txHash.Hex(), ChainID: challenge.ChainID}, nil
}

// readChallenge parses a 402 response and emits payment_required.
func (c *Client) readChallenge(resp *http.Response, url string) (*agentgate.PaymentRequirement, error) {
	defer resp.Body.Close()
	challenge, err := parseChallenge(resp.Body)
	if err != nil {
		return nil, err
	}

	c.emit(agentgate.PaymentEvent{
		Type: agentgate.PaymentEventRequired, Timestamp: time.Now(),
		URL: url, Endpoint: challenge.Endpoint,
		Amount: challenge.AmountRequired, Token: challenge.TokenAddress,
		Recipient: challenge.RecipientAddress,
	})
	return challenge, nil
}

// retryDelay emits the retrying event and sleeps the backoff for attempt.
// It returns a terminal error when the context ends first.
func (c *Client) retryDelay(ctx context.Context, url string, attempt int, cause error) error {
	c.logger.Warn("transient settlement failure, backing off", "url", url, "attempt", attempt, "error", cause)
	c.emit(agentgate.PaymentEvent{
		Type: agentgate.PaymentEventRetrying, Timestamp: time.Now(),
		URL: url, Attempt: attempt, Err: cause,
	})

	select {
	case <-time.After(c.backoff.Delay(attempt)):
		return nil
	case <-ctx.Done():
		return agentgate.NewPaymentError(agentgate.ErrCodeTimeout, "payment deadline exceeded", agentgate.ErrTimeout)
	}
}

// send submits one fresh clone of the request, optionally with the
// settlement header attached.
func (c *Client) send(ctx context.Context, req *http.Request, body []byte, paymentHeader string) (*http.Response, error) {
	clone := req.Clone(ctx)
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.ContentLength = int64(len(body))
	}
	if paymentHeader != "" {
		clone.Header.Set(agentgate.PaymentHeader, paymentHeader)
	}
	return c.hc.Do(clone)
}

func (c *Client) emit(event agentgate.PaymentEvent) {
	if c.callback != nil {
		c.callback(event)
	}
}

func (c *Client) emitPending(pending []pendingSettlement, typ agentgate.PaymentEventType) {
	for i := range pending {
		ch := pending[i].challenge
		c.emit(agentgate.PaymentEvent{
			Type: typ, Timestamp: time.Now(),
			URL: pending[i].req.URL.String(), Endpoint: ch.Endpoint,
			Amount: ch.AmountRequired, Token: ch.TokenAddress, Recipient: ch.RecipientAddress,
		})
	}
}

func (c *Client) emitPendingConfirmed(pending []pendingSettlement, txHash common.Hash) {
	for i := range pending {
		ch := pending[i].challenge
		c.emit(agentgate.PaymentEvent{
			Type: agentgate.PaymentEventConfirmed, Timestamp: time.Now(),
			URL: pending[i].req.URL.String(), Endpoint: ch.Endpoint,
			Amount: ch.AmountRequired, Token: ch.TokenAddress, Recipient: ch.RecipientAddress,
			TxHash: txHash.Hex(),
		})
	}
}

// bufferBody drains and buffers a request body so it can be replayed on
// retries. Requests without a body return nil.
func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("buffer request body: %w", err)
	}
	req.Body.Close()
	return body, nil
}
