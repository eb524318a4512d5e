package agentgate

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Memo encoding type tags. Each field is encoded as tag, big-endian uint32
// length, payload, so no two field sequences can collide under
// concatenation.
const (
	memoTagString = 0x01
	memoTagBytes  = 0x02
	memoTagUint64 = 0x03
)

// ComputeMemo derives the 32-byte request fingerprint embedded (optionally)
// in the on-chain transfer. The hash is keccak256 over a deterministic
// type-tagged, length-prefixed encoding of (endpoint, bodyHash, nonce,
// expiry); identical inputs always produce the identical memo.
func ComputeMemo(endpoint string, bodyHash [32]byte, nonce string, expiry uint64) common.Hash {
	buf := make([]byte, 0, len(endpoint)+len(nonce)+32+4*5+8)
	buf = appendMemoString(buf, endpoint)
	buf = appendMemoBytes(buf, bodyHash[:])
	buf = appendMemoString(buf, nonce)
	buf = appendMemoUint64(buf, expiry)
	return crypto.Keccak256Hash(buf)
}

// BodyHash fingerprints a request body for memo derivation. An empty body
// hashes to the keccak256 of zero bytes, which is still a fixed, non-zero
// digest.
func BodyHash(body []byte) [32]byte {
	return crypto.Keccak256Hash(body)
}

func appendMemoString(buf []byte, s string) []byte {
	buf = append(buf, memoTagString)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendMemoBytes(buf []byte, b []byte) []byte {
	buf = append(buf, memoTagBytes)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func appendMemoUint64(buf []byte, v uint64) []byte {
	buf = append(buf, memoTagUint64)
	buf = binary.BigEndian.AppendUint32(buf, 8)
	return binary.BigEndian.AppendUint64(buf, v)
}
