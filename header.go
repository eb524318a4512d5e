package agentgate

import (
	"strconv"
	"strings"
)

// SettlementRef identifies the on-chain transaction paying for one call. It
// travels in the X-Payment header as "<txHash>:<chainId>".
type SettlementRef struct {
	// TxHash is the 0x-prefixed 32-byte transaction hash. Hex case is not
	// significant; comparisons are case-insensitive.
	TxHash string

	// ChainID is the ledger the transaction landed on.
	ChainID uint64
}

// Header formats the reference for the X-Payment header.
func (ref SettlementRef) Header() string {
	return ref.TxHash + ":" + strconv.FormatUint(ref.ChainID, 10)
}

// ParseSettlementHeader parses an X-Payment header value. The value splits
// on the last colon: the tx hash never contains colons, and the chain id is
// always a decimal integer. Returns false for anything that is not a
// 0x-prefixed 32-byte hex hash followed by a decimal chain id.
func ParseSettlementHeader(value string) (SettlementRef, bool) {
	i := strings.LastIndexByte(value, ':')
	if i <= 0 || i == len(value)-1 {
		return SettlementRef{}, false
	}

	txHash, chainPart := value[:i], value[i+1:]
	if !validTxHash(txHash) {
		return SettlementRef{}, false
	}
	chainID, err := strconv.ParseUint(chainPart, 10, 64)
	if err != nil {
		return SettlementRef{}, false
	}

	return SettlementRef{TxHash: txHash, ChainID: chainID}, true
}

func validTxHash(s string) bool {
	if len(s) != 66 || s[0] != '0' || (s[1] != 'x' && s[1] != 'X') {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
