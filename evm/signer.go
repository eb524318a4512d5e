// Package evm implements the signer backend for a locally held private
// key: it builds, signs, and submits ERC-20 transfer transactions directly
// against an EVM RPC endpoint and waits for confirmation.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/agentgate/agentgate-go"
)

// defaultConfirmationTimeout bounds the wait for the first confirmation.
const defaultConfirmationTimeout = 90 * time.Second

// receiptPollInterval is how often the signer polls for the receipt.
const receiptPollInterval = 1 * time.Second

// Backend is the subset of the EVM RPC surface the signer uses.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Signer submits settlement transfers signed with a locally held key.
type Signer struct {
	privateKey    *ecdsa.PrivateKey
	address       common.Address
	backend       Backend
	chainID       *big.Int
	batchContract common.Address
	confirmWait   time.Duration
	logger        *slog.Logger
}

// SignerOption configures a Signer.
type SignerOption func(*Signer) error

// NewSigner creates a local-key signer. A key (WithPrivateKey,
// WithKeystore, or WithMnemonic) and a backend (WithRPC or WithBackend)
// are required; the chain id is queried from the backend unless
// WithChainID set it.
func NewSigner(opts ...SignerOption) (*Signer, error) {
	s := &Signer{
		confirmWait: defaultConfirmationTimeout,
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.privateKey == nil {
		return nil, agentgate.ErrInvalidKey
	}
	if s.backend == nil {
		return nil, fmt.Errorf("an rpc backend is required")
	}

	s.address = crypto.PubkeyToAddress(s.privateKey.PublicKey)

	if s.chainID == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		chainID, err := s.backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("query chain id: %w", err)
		}
		s.chainID = chainID
	}

	return s, nil
}

// WithRPC dials the EVM RPC endpoint.
func WithRPC(url string) SignerOption {
	return func(s *Signer) error {
		client, err := ethclient.Dial(url)
		if err != nil {
			return fmt.Errorf("dial rpc: %w", err)
		}
		s.backend = client
		return nil
	}
}

// WithBackend injects a backend directly (tests, shared clients).
func WithBackend(backend Backend) SignerOption {
	return func(s *Signer) error {
		s.backend = backend
		return nil
	}
}

// WithChainID pins the chain id instead of querying the backend.
func WithChainID(chainID uint64) SignerOption {
	return func(s *Signer) error {
		s.chainID = new(big.Int).SetUint64(chainID)
		return nil
	}
}

// WithBatchContract enables atomic multi-transfer settlement through a
// disperse-style contract. The contract must hold an allowance from the
// payer for the settlement token.
func WithBatchContract(address string) SignerOption {
	return func(s *Signer) error {
		if !common.IsHexAddress(address) {
			return fmt.Errorf("invalid batch contract address: %s", address)
		}
		s.batchContract = common.HexToAddress(address)
		return nil
	}
}

// WithConfirmationTimeout bounds the wait for the first confirmation.
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

// SupportsConcurrent implements agentgate.Signer. EVM accounts use strict
// monotonic nonces, so only one pending transaction is safe at a time and
// parallel settlement falls back to a sequential pipeline.
func (s *Signer) SupportsConcurrent() bool {
	return false
}

// Balance implements agentgate.Signer.
func (s *Signer) Balance(ctx context.Context, token common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", s.address)
	if err != nil {
		return nil, err
	}
	out, err := s.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf call: %w", err)
	}
	return unpackBalance(out)
}

// SubmitTransfer implements agentgate.Signer. It returns after the
// transaction has at least one confirmation.
func (s *Signer) SubmitTransfer(ctx context.Context, token, recipient common.Address, amount *big.Int, memo common.Hash) (common.Hash, error) {
	data, err := packTransfer(recipient, amount, memo)
	if err != nil {
		return common.Hash{}, err
	}
	return s.submit(ctx, token, data)
}

// SubmitBatch implements agentgate.BatchSigner. All transfers land in one
// transaction through the configured batch contract; without one the
// signer reports agentgate.ErrBatchUnsupported and callers fall back to
// individual settlement.
func (s *Signer) SubmitBatch(ctx context.Context, token common.Address, transfers []agentgate.BatchTransfer) (common.Hash, error) {
	if s.batchContract == (common.Address{}) {
		return common.Hash{}, agentgate.ErrBatchUnsupported
	}
	if len(transfers) == 0 {
		return common.Hash{}, fmt.Errorf("empty batch")
	}
	data, err := packBatchTransfer(token, transfers)
	if err != nil {
		return common.Hash{}, err
	}
	return s.submit(ctx, s.batchContract, data)
}

// submit signs, sends, and awaits confirmation of one contract call.
func (s *Signer) submit(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	nonce, err := s.backend.PendingNonceAt(ctx, s.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}

	head, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain head: %w", err)
	}
	tipCap, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas tip: %w", err)
	}
	// feeCap = 2*baseFee + tip keeps the tx marketable across a few
	// base-fee doublings.
	feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: s.address,
		To:   &to,
		Data: data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}

	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}

	s.logger.Info("settlement transaction sent", "tx", signed.Hash(), "to", to, "nonce", nonce)
	if err := s.waitConfirmed(ctx, signed.Hash()); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}

// waitConfirmed polls for the receipt until the transaction has one
// confirmation or the wait times out.
func (s *Signer) waitConfirmed(ctx context.Context, txHash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, s.confirmWait)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.backend.TransactionReceipt(ctx, txHash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("%w: tx %s", agentgate.ErrTxReverted, txHash)
			}
			return nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			s.logger.Warn("receipt poll failed", "tx", txHash, "error", err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("confirmation wait: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
