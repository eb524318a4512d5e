package agentgate

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Signer submits settlement transfers on behalf of a payer. Implementations
// cover a locally held private key (evm package) and a remote custody API
// (custody package); callers never branch on the backend.
type Signer interface {
	// Address returns the payer address transfers are sent from.
	Address() common.Address

	// Balance returns the payer's balance of the given token in smallest
	// units.
	Balance(ctx context.Context, token common.Address) (*big.Int, error)

	// SubmitTransfer sends amount of token to recipient, embedding memo
	// when it is non-zero, and returns the transaction hash after at
	// least one confirmation.
	SubmitTransfer(ctx context.Context, token, recipient common.Address, amount *big.Int, memo common.Hash) (common.Hash, error)

	// SupportsConcurrent reports whether the backing ledger account
	// admits more than one pending transaction at a time. Strict-nonce
	// backends return false and the client settles sequentially.
	SupportsConcurrent() bool
}

// BatchTransfer is one leg of an atomic multi-transfer.
type BatchTransfer struct {
	Recipient common.Address
	Amount    *big.Int
	Memo      common.Hash
}

// BatchSigner is the optional atomic multi-call capability. Probe with a
// type assertion; signers without it fall back to individual settlement.
type BatchSigner interface {
	Signer

	// SubmitBatch submits all transfers in a single transaction and
	// returns its hash after at least one confirmation. Either every
	// transfer lands or none do.
	SubmitBatch(ctx context.Context, token common.Address, transfers []BatchTransfer) (common.Hash, error)
}
