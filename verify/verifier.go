// Package verify checks settlement references against an EVM-compatible
// ledger. The verifier is stateless with respect to prior requirements: it
// reconstructs what must be true from the supplied requirement and checks
// the transaction receipt against it.
package verify

import (
	"context"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/agentgate/agentgate-go"
)

// Event identifiers for the two transfer shapes the verifier decodes.
var (
	// transferTopic is keccak256("Transfer(address,address,uint256)").
	transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

	// transferWithMemoTopic is
	// keccak256("TransferWithMemo(address,address,uint256,bytes32)").
	transferWithMemoTopic = crypto.Keccak256Hash([]byte("TransferWithMemo(address,address,uint256,bytes32)"))
)

// ReceiptFetcher reads transaction receipts from the ledger.
// *ethclient.Client satisfies it.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Verifier validates settlement transactions against payment requirements.
type Verifier struct {
	// Client reads receipts from the ledger RPC.
	Client ReceiptFetcher

	// StrictMemo rejects transfers that do not embed the required memo.
	// The default (permissive) treats the memo as a reconciliation aid: a
	// plain Transfer satisfies a requirement that carries a memo.
	StrictMemo bool

	// Logger receives verification diagnostics; slog.Default when nil.
	Logger *slog.Logger

	// Now overrides the expiry clock in tests.
	Now func() time.Time
}

// Verify checks txHash against the requirement and returns every receipt
// log that satisfies it, best candidate first: memo-matching transfers
// precede plain ones, and equal candidates order by ascending log index.
// The caller binds the request to one candidate by claiming its
// (txHash, logIndex) pair.
//
// All failures are coded payment errors; ledger-read problems surface as
// RPC_UNAVAILABLE so the client re-pays or resubmits instead of treating
// the gateway as down.
func (v *Verifier) Verify(ctx context.Context, txHash common.Hash, req *agentgate.PaymentRequirement) ([]agentgate.Settlement, error) {
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	if req.Expired(now()) {
		return nil, agentgate.NewPaymentError(agentgate.ErrCodeExpired, "payment requirement expired", agentgate.ErrExpired)
	}

	required, err := req.Amount()
	if err != nil {
		return nil, agentgate.NewPaymentError(agentgate.ErrCodeInvalidChallenge, "requirement amount unparseable", err)
	}

	receipt, err := v.Client.TransactionReceipt(ctx, txHash)
	if err != nil {
		v.logger().Warn("receipt fetch failed", "tx", txHash, "error", err)
		return nil, agentgate.NewPaymentError(agentgate.ErrCodeRPCUnavailable, "receipt unavailable", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, agentgate.NewPaymentError(agentgate.ErrCodeTxReverted, "settlement transaction reverted", agentgate.ErrTxReverted)
	}

	token := common.HexToAddress(req.TokenAddress)
	recipient := common.HexToAddress(req.RecipientAddress)
	memo := req.MemoHash()
	wantMemo := memo != (common.Hash{})

	var memoMatches, plain []agentgate.Settlement
	underpaid := false
	memoMismatch := false

	for _, log := range receipt.Logs {
		transfer, hasMemo, ok := decodeTransferLog(log)
		if !ok || log.Address != token || transfer.To != recipient {
			continue
		}
		if transfer.Amount.Cmp(required) < 0 {
			underpaid = true
			continue
		}
		switch {
		case hasMemo && wantMemo:
			if transfer.memo == memo {
				memoMatches = append(memoMatches, transfer.Settlement)
			} else {
				memoMismatch = true
			}
		case hasMemo && !wantMemo:
			// No memo constraint; a memo-carrying transfer still pays.
			plain = append(plain, transfer.Settlement)
		default:
			plain = append(plain, transfer.Settlement)
		}
	}

	if v.StrictMemo && wantMemo && len(plain) > 0 {
		// Strict policy: a transfer that omits the required memo cannot
		// settle the call.
		plain = nil
		memoMismatch = true
	}

	sort.Slice(memoMatches, func(i, j int) bool { return memoMatches[i].LogIndex < memoMatches[j].LogIndex })
	sort.Slice(plain, func(i, j int) bool { return plain[i].LogIndex < plain[j].LogIndex })
	candidates := append(memoMatches, plain...)

	if len(candidates) == 0 {
		switch {
		case memoMismatch:
			return nil, agentgate.NewPaymentError(agentgate.ErrCodeMemoMismatch, "transfer memo does not match requirement", agentgate.ErrMemoMismatch)
		case underpaid:
			return nil, agentgate.NewPaymentError(agentgate.ErrCodeInsufficient, "transferred value below required amount", agentgate.ErrInsufficient)
		default:
			return nil, agentgate.NewPaymentError(agentgate.ErrCodeNoMatch, "no matching transfer in receipt", agentgate.ErrNoMatchingTransfer)
		}
	}

	v.logger().Debug("settlement verified",
		"tx", txHash,
		"candidates", len(candidates),
		"payer", candidates[0].From,
		"amount", candidates[0].Amount)
	return candidates, nil
}

func (v *Verifier) logger() *slog.Logger {
	if v.Logger != nil {
		return v.Logger
	}
	return slog.Default()
}

// decodedTransfer pairs a settlement with the memo it carried, if any.
type decodedTransfer struct {
	agentgate.Settlement
	memo common.Hash
}

// decodeTransferLog decodes a receipt log as Transfer or TransferWithMemo.
// Both shapes index from and to; value (and memo, for the extended event)
// travel in the data segment.
func decodeTransferLog(log *types.Log) (decodedTransfer, bool, bool) {
	if len(log.Topics) != 3 {
		return decodedTransfer{}, false, false
	}

	base := agentgate.Settlement{
		From:        common.BytesToAddress(log.Topics[1].Bytes()),
		To:          common.BytesToAddress(log.Topics[2].Bytes()),
		TxHash:      log.TxHash,
		BlockNumber: log.BlockNumber,
		LogIndex:    log.Index,
	}

	switch log.Topics[0] {
	case transferTopic:
		if len(log.Data) != 32 {
			return decodedTransfer{}, false, false
		}
		base.Amount = new(big.Int).SetBytes(log.Data)
		return decodedTransfer{Settlement: base}, false, true

	case transferWithMemoTopic:
		if len(log.Data) != 64 {
			return decodedTransfer{}, false, false
		}
		base.Amount = new(big.Int).SetBytes(log.Data[:32])
		return decodedTransfer{
			Settlement: base,
			memo:       common.BytesToHash(log.Data[32:]),
		}, true, true
	}

	return decodedTransfer{}, false, false
}
