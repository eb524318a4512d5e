package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agentgate/agentgate-go"
)

// sponsorshipDeclinedCode is the API error code returned when the custody
// service refuses to cover gas for a transfer.
const sponsorshipDeclinedCode = "SPONSORSHIP_DECLINED"

// transferPollInterval is how often pending transfers are polled.
const transferPollInterval = 2 * time.Second

// defaultTransferTimeout bounds the wait for transfer confirmation.
const defaultTransferTimeout = 120 * time.Second

// Signer submits settlement transfers through a remote custody wallet.
// The custody service manages account nonces itself, so concurrent
// submission from one wallet is safe.
type Signer struct {
	client      *Client
	walletID    string
	address     common.Address
	sponsorGas  bool
	confirmWait time.Duration
	logger      *slog.Logger
}

// SignerOption configures a Signer.
type SignerOption func(*Signer) error

// NewSigner creates a custody-backed signer for the given wallet and
// resolves the wallet's address from the API.
func NewSigner(walletID string, opts ...SignerOption) (*Signer, error) {
	s := &Signer{
		walletID:    walletID,
		confirmWait: defaultTransferTimeout,
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.client == nil {
		return nil, fmt.Errorf("custody credentials are required (use WithCredentials)")
	}
	if s.walletID == "" {
		return nil, fmt.Errorf("wallet id is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	address, err := s.resolveAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve wallet address: %w", err)
	}
	s.address = address

	return s, nil
}

// WithCredentials sets the custody API endpoint and app credentials.
func WithCredentials(baseURL, appID, appSecret string) SignerOption {
	return func(s *Signer) error {
		if baseURL == "" || appID == "" || appSecret == "" {
			return fmt.Errorf("base url, app id, and app secret are all required")
		}
		s.client = NewClient(baseURL, appID, appSecret)
		return nil
	}
}

// WithClient injects a preconfigured API client (tests).
func WithClient(client *Client) SignerOption {
	return func(s *Signer) error {
		s.client = client
		return nil
	}
}

// WithSponsoredGas asks the custody service to cover gas fees. When the
// service declines sponsorship for a transfer, the signer retries that
// transfer once at the wallet's own expense.
func WithSponsoredGas() SignerOption {
	return func(s *Signer) error {
		s.sponsorGas = true
		return nil
	}
}

// WithConfirmationTimeout bounds the wait for transfer confirmation.
func WithConfirmationTimeout(d time.Duration) SignerOption {
	return func(s *Signer) error {
		if d <= 0 {
			return fmt.Errorf("confirmation timeout must be positive")
		}
		s.confirmWait = d
		return nil
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(logger *slog.Logger) SignerOption {
	return func(s *Signer) error {
		s.logger = logger
		return nil
	}
}

// Address implements agentgate.Signer.
func (s *Signer) Address() common.Address {
	return s.address
}

// SupportsConcurrent implements agentgate.Signer.
func (s *Signer) SupportsConcurrent() bool {
	return true
}

// walletResponse is the API shape of GET /v1/wallets/{id}.
type walletResponse struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

func (s *Signer) resolveAddress(ctx context.Context) (common.Address, error) {
	var wallet walletResponse
	if err := s.client.do(ctx, http.MethodGet, "/v1/wallets/"+s.walletID, nil, &wallet); err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(wallet.Address) {
		return common.Address{}, fmt.Errorf("custody returned invalid address %q", wallet.Address)
	}
	return common.HexToAddress(wallet.Address), nil
}

// balanceResponse is the API shape of the wallet balance endpoint.
type balanceResponse struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// Balance implements agentgate.Signer.
func (s *Signer) Balance(ctx context.Context, token common.Address) (*big.Int, error) {
	var balance balanceResponse
	path := "/v1/wallets/" + s.walletID + "/balances/" + token.Hex()
	if err := s.client.do(ctx, http.MethodGet, path, nil, &balance); err != nil {
		return nil, err
	}
	amount, ok := new(big.Int).SetString(balance.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("custody returned invalid balance %q", balance.Amount)
	}
	return amount, nil
}

// transferRequest is the API shape of the transfer submission.
type transferRequest struct {
	TokenAddress string `json:"tokenAddress"`
	Recipient    string `json:"recipient"`
	Amount       string `json:"amount"`
	Memo         string `json:"memo,omitempty"`
	SponsorGas   bool   `json:"sponsorGas"`
}

// transferResponse is the API shape of a submitted transfer.
type transferResponse struct {
	ID     string `json:"id"`
	TxHash string `json:"txHash"`
	Status string `json:"status"` // pending | confirmed | failed
}

// SubmitTransfer implements agentgate.Signer. It returns once the custody
// service reports the transfer confirmed.
func (s *Signer) SubmitTransfer(ctx context.Context, token, recipient common.Address, amount *big.Int, memo common.Hash) (common.Hash, error) {
	req := transferRequest{
		TokenAddress: token.Hex(),
		Recipient:    recipient.Hex(),
		Amount:       amount.String(),
		SponsorGas:   s.sponsorGas,
	}
	if memo != (common.Hash{}) {
		req.Memo = memo.Hex()
	}

	transfer, err := s.submit(ctx, req)
	if err != nil {
		var apiErr *APIError
		if s.sponsorGas && errors.As(err, &apiErr) && apiErr.Code == sponsorshipDeclinedCode {
			// Sponsorship declined for this transfer; pay gas from
			// the wallet instead, once.
			s.logger.Info("gas sponsorship declined, retrying unsponsored", "wallet", s.walletID)
			req.SponsorGas = false
			transfer, err = s.submit(ctx, req)
		}
		if err != nil {
			return common.Hash{}, err
		}
	}

	confirmed, err := s.awaitConfirmation(ctx, transfer)
	if err != nil {
		return common.Hash{}, err
	}
	return common.HexToHash(confirmed.TxHash), nil
}

func (s *Signer) submit(ctx context.Context, req transferRequest) (transferResponse, error) {
	var transfer transferResponse
	path := "/v1/wallets/" + s.walletID + "/transfers"
	if err := s.client.do(ctx, http.MethodPost, path, req, &transfer); err != nil {
		return transferResponse{}, err
	}
	return transfer, nil
}

// awaitConfirmation polls the transfer until the custody service reports
// it confirmed or failed.
func (s *Signer) awaitConfirmation(ctx context.Context, transfer transferResponse) (transferResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.confirmWait)
	defer cancel()

	ticker := time.NewTicker(transferPollInterval)
	defer ticker.Stop()

	for {
		switch transfer.Status {
		case "confirmed":
			s.logger.Info("custody transfer confirmed", "wallet", s.walletID, "tx", transfer.TxHash)
			return transfer, nil
		case "failed":
			return transferResponse{}, fmt.Errorf("%w: custody transfer %s failed", agentgate.ErrSignerFailed, transfer.ID)
		}

		select {
		case <-ctx.Done():
			return transferResponse{}, fmt.Errorf("transfer confirmation: %w", ctx.Err())
		case <-ticker.C:
		}

		path := "/v1/wallets/" + s.walletID + "/transfers/" + transfer.ID
		var updated transferResponse
		if err := s.client.do(ctx, http.MethodGet, path, nil, &updated); err != nil {
			return transferResponse{}, err
		}
		transfer = updated
	}
}
