package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/agentgate/agentgate-go"
)

// Minimal ABI fragments for the calls the signer makes. transferWithMemo is
// the extended transfer that embeds the 32-byte request fingerprint;
// standard tokens only expose transfer.
const erc20ABIJSON = `[
	{"name":"transfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"transferWithMemo","type":"function","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"memo","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// batchABIJSON is the disperse-style contract used for atomic
// multi-transfer settlement. The contract pulls the total via
// transferFrom, so it needs an allowance from the payer.
const batchABIJSON = `[
	{"name":"batchTransfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"recipients","type":"address[]"},{"name":"values","type":"uint256[]"},{"name":"memos","type":"bytes32[]"}],"outputs":[]}
]`

var (
	erc20ABI = mustABI(erc20ABIJSON)
	batchABI = mustABI(batchABIJSON)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded ABI: %v", err))
	}
	return parsed
}

// packTransfer builds calldata for a single transfer, using the memo
// variant only when a memo is present.
func packTransfer(recipient common.Address, amount *big.Int, memo common.Hash) ([]byte, error) {
	if memo == (common.Hash{}) {
		return erc20ABI.Pack("transfer", recipient, amount)
	}
	return erc20ABI.Pack("transferWithMemo", recipient, amount, [32]byte(memo))
}

// packBatchTransfer builds calldata for the batch contract.
func packBatchTransfer(token common.Address, transfers []agentgate.BatchTransfer) ([]byte, error) {
	recipients := make([]common.Address, len(transfers))
	values := make([]*big.Int, len(transfers))
	memos := make([][32]byte, len(transfers))
	for i, t := range transfers {
		recipients[i] = t.Recipient
		values[i] = t.Amount
		memos[i] = t.Memo
	}
	return batchABI.Pack("batchTransfer", token, recipients, values, memos)
}

// unpackBalance decodes the balanceOf return value.
func unpackBalance(data []byte) (*big.Int, error) {
	out, err := erc20ABI.Unpack("balanceOf", data)
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf return type %T", out[0])
	}
	return balance, nil
}
