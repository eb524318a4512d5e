package verify

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/agentgate/agentgate-go"
)

var (
	testToken     = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	testRecipient = common.HexToAddress("0x209693Bc6afc0C5328bA36FaF03C514EF312287C")
	testPayer     = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	testTx        = common.HexToHash("0x4a76c6e0f1e1a00e6518e6b5e4c70e8dd7e18e0b7d2c78c3c6b7e85b1c3f9a21")
	otherToken    = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

type fakeFetcher struct {
	receipt *types.Receipt
	err     error
}

func (f *fakeFetcher) TransactionReceipt(_ context.Context, _ common.Hash) (*types.Receipt, error) {
	return f.receipt, f.err
}

func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

func transferLog(token common.Address, from, to common.Address, amount *big.Int, index uint) *types.Log {
	return &types.Log{
		Address: token,
		Topics:  []common.Hash{transferTopic, addressTopic(from), addressTopic(to)},
		Data:    common.LeftPadBytes(amount.Bytes(), 32),
		TxHash:  testTx,
		Index:   index,
	}
}

func memoTransferLog(token common.Address, from, to common.Address, amount *big.Int, memo common.Hash, index uint) *types.Log {
	data := append(common.LeftPadBytes(amount.Bytes(), 32), memo.Bytes()...)
	return &types.Log{
		Address: token,
		Topics:  []common.Hash{transferWithMemoTopic, addressTopic(from), addressTopic(to)},
		Data:    data,
		TxHash:  testTx,
		Index:   index,
	}
}

func okReceipt(logs ...*types.Log) *types.Receipt {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, Logs: logs}
}

func testRequirement(memo string) *agentgate.PaymentRequirement {
	return &agentgate.PaymentRequirement{
		RecipientAddress: testRecipient.Hex(),
		TokenAddress:     testToken.Hex(),
		AmountRequired:   "5000",
		Endpoint:         "GET /weather",
		Expiry:           time.Now().Add(5 * time.Minute).Unix(),
		ChainID:          84532,
		Memo:             memo,
	}
}

func verifyWith(t *testing.T, fetcher ReceiptFetcher, req *agentgate.PaymentRequirement, strict bool) ([]agentgate.Settlement, error) {
	t.Helper()
	v := &Verifier{Client: fetcher, StrictMemo: strict}
	return v.Verify(context.Background(), testTx, req)
}

func expectCode(t *testing.T, err error, code agentgate.ErrorCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected %s, got success", code)
	}
	if got := agentgate.CodeOf(err); got != code {
		t.Errorf("Expected code %s, got %s (%v)", code, got, err)
	}
}

func TestVerifyAcceptsExactPayment(t *testing.T) {
	fetcher := &fakeFetcher{receipt: okReceipt(
		transferLog(testToken, testPayer, testRecipient, big.NewInt(5000), 0),
	)}

	candidates, err := verifyWith(t, fetcher, testRequirement(""), false)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("Expected 1 candidate, got %d", len(candidates))
	}
	s := candidates[0]
	if s.From != testPayer || s.To != testRecipient {
		t.Errorf("Wrong parties: %s -> %s", s.From, s.To)
	}
	if s.Amount.Cmp(big.NewInt(5000)) != 0 {
		t.Errorf("Expected amount 5000, got %s", s.Amount)
	}
	if s.LogIndex != 0 {
		t.Errorf("Expected log index 0, got %d", s.LogIndex)
	}
}

func TestVerifyAcceptsOverpayment(t *testing.T) {
	fetcher := &fakeFetcher{receipt: okReceipt(
		transferLog(testToken, testPayer, testRecipient, big.NewInt(5001), 2),
	)}

	candidates, err := verifyWith(t, fetcher, testRequirement(""), false)
	if err != nil {
		t.Fatalf("Overpayment should verify: %v", err)
	}
	if candidates[0].Amount.Cmp(big.NewInt(5001)) != 0 {
		t.Errorf("Expected amount 5001, got %s", candidates[0].Amount)
	}
}

func TestVerifyRejectsUnderpaymentByOne(t *testing.T) {
	fetcher := &fakeFetcher{receipt: okReceipt(
		transferLog(testToken, testPayer, testRecipient, big.NewInt(4999), 0),
	)}

	_, err := verifyWith(t, fetcher, testRequirement(""), false)
	expectCode(t, err, agentgate.ErrCodeInsufficient)
	if !errors.Is(err, agentgate.ErrInsufficient) {
		t.Errorf("Expected ErrInsufficient, got %v", err)
	}
}

func TestVerifyRejectsExpiredRequirement(t *testing.T) {
	req := testRequirement("")
	req.Expiry = time.Now().Add(-time.Minute).Unix()

	// The expiry check must run before any ledger read.
	fetcher := &fakeFetcher{err: errors.New("should not be called")}
	_, err := verifyWith(t, fetcher, req, false)
	expectCode(t, err, agentgate.ErrCodeExpired)
}

func TestVerifyRejectsRevertedTransaction(t *testing.T) {
	fetcher := &fakeFetcher{receipt: &types.Receipt{
		Status: types.ReceiptStatusFailed,
		Logs:   []*types.Log{transferLog(testToken, testPayer, testRecipient, big.NewInt(5000), 0)},
	}}

	_, err := verifyWith(t, fetcher, testRequirement(""), false)
	expectCode(t, err, agentgate.ErrCodeTxReverted)
}

func TestVerifyRPCFailureIsRetryable(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("connection refused")}

	_, err := verifyWith(t, fetcher, testRequirement(""), false)
	expectCode(t, err, agentgate.ErrCodeRPCUnavailable)
	if !agentgate.Retryable(err) {
		t.Error("RPC failure must stay retryable")
	}
}

func TestVerifyIgnoresUnrelatedLogs(t *testing.T) {
	fetcher := &fakeFetcher{receipt: okReceipt(
		transferLog(otherToken, testPayer, testRecipient, big.NewInt(5000), 0),
		transferLog(testToken, testPayer, common.HexToAddress("0x2222222222222222222222222222222222222222"), big.NewInt(5000), 1),
	)}

	_, err := verifyWith(t, fetcher, testRequirement(""), false)
	expectCode(t, err, agentgate.ErrCodeNoMatch)
}

func TestVerifyEmptyReceipt(t *testing.T) {
	fetcher := &fakeFetcher{receipt: okReceipt()}

	_, err := verifyWith(t, fetcher, testRequirement(""), false)
	expectCode(t, err, agentgate.ErrCodeNoMatch)
}

func TestVerifyPermissiveMemoAcceptsPlainTransfer(t *testing.T) {
	memo := agentgate.ComputeMemo("GET /weather", agentgate.BodyHash(nil), "nonce", 1700000000)
	req := testRequirement(memo.Hex())

	fetcher := &fakeFetcher{receipt: okReceipt(
		transferLog(testToken, testPayer, testRecipient, big.NewInt(5000), 0),
	)}

	candidates, err := verifyWith(t, fetcher, req, false)
	if err != nil {
		t.Fatalf("Permissive mode should accept a plain transfer: %v", err)
	}
	if len(candidates) != 1 {
		t.Errorf("Expected 1 candidate, got %d", len(candidates))
	}
}

func TestVerifyStrictMemoRejectsPlainTransfer(t *testing.T) {
	memo := agentgate.ComputeMemo("GET /weather", agentgate.BodyHash(nil), "nonce", 1700000000)
	req := testRequirement(memo.Hex())

	fetcher := &fakeFetcher{receipt: okReceipt(
		transferLog(testToken, testPayer, testRecipient, big.NewInt(5000), 0),
	)}

	_, err := verifyWith(t, fetcher, req, true)
	expectCode(t, err, agentgate.ErrCodeMemoMismatch)
}

func TestVerifyRejectsWrongMemo(t *testing.T) {
	memo := agentgate.ComputeMemo("GET /weather", agentgate.BodyHash(nil), "nonce", 1700000000)
	wrong := agentgate.ComputeMemo("GET /weather", agentgate.BodyHash(nil), "other", 1700000000)
	req := testRequirement(memo.Hex())

	fetcher := &fakeFetcher{receipt: okReceipt(
		memoTransferLog(testToken, testPayer, testRecipient, big.NewInt(5000), wrong, 0),
	)}

	_, err := verifyWith(t, fetcher, req, false)
	expectCode(t, err, agentgate.ErrCodeMemoMismatch)
	if !errors.Is(err, agentgate.ErrMemoMismatch) {
		t.Errorf("Expected ErrMemoMismatch, got %v", err)
	}
}

func TestVerifyMemoMatchesPrecedePlain(t *testing.T) {
	memo := agentgate.ComputeMemo("GET /weather", agentgate.BodyHash(nil), "nonce", 1700000000)
	req := testRequirement(memo.Hex())

	fetcher := &fakeFetcher{receipt: okReceipt(
		transferLog(testToken, testPayer, testRecipient, big.NewInt(5000), 0),
		memoTransferLog(testToken, testPayer, testRecipient, big.NewInt(5000), memo, 3),
	)}

	candidates, err := verifyWith(t, fetcher, req, false)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("Expected 2 candidates, got %d", len(candidates))
	}
	if candidates[0].LogIndex != 3 {
		t.Errorf("Memo-matching transfer should rank first, got log %d", candidates[0].LogIndex)
	}
	if candidates[1].LogIndex != 0 {
		t.Errorf("Plain transfer should rank second, got log %d", candidates[1].LogIndex)
	}
}

func TestVerifyBatchCandidatesOrderedByLogIndex(t *testing.T) {
	// One batch transaction paying the same recipient three times yields
	// three claimable candidates, ascending by log index.
	fetcher := &fakeFetcher{receipt: okReceipt(
		transferLog(testToken, testPayer, testRecipient, big.NewInt(5000), 7),
		transferLog(testToken, testPayer, testRecipient, big.NewInt(5000), 2),
		transferLog(testToken, testPayer, testRecipient, big.NewInt(5000), 5),
	)}

	candidates, err := verifyWith(t, fetcher, testRequirement(""), false)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(candidates) != 3 {
		t.Fatalf("Expected 3 candidates, got %d", len(candidates))
	}
	for i, want := range []uint{2, 5, 7} {
		if candidates[i].LogIndex != want {
			t.Errorf("Candidate %d: expected log %d, got %d", i, want, candidates[i].LogIndex)
		}
	}
}

func TestDecodeTransferLogShapes(t *testing.T) {
	good := transferLog(testToken, testPayer, testRecipient, big.NewInt(5000), 0)
	if _, _, ok := decodeTransferLog(good); !ok {
		t.Error("Well-formed Transfer log should decode")
	}

	memo := common.HexToHash("0xdeadbeef")
	withMemo := memoTransferLog(testToken, testPayer, testRecipient, big.NewInt(5000), memo, 0)
	decoded, hasMemo, ok := decodeTransferLog(withMemo)
	if !ok || !hasMemo {
		t.Fatal("TransferWithMemo log should decode with a memo")
	}
	if decoded.memo != memo {
		t.Errorf("Expected memo %s, got %s", memo, decoded.memo)
	}

	truncated := transferLog(testToken, testPayer, testRecipient, big.NewInt(5000), 0)
	truncated.Data = truncated.Data[:16]
	if _, _, ok := decodeTransferLog(truncated); ok {
		t.Error("Truncated data should not decode")
	}

	twoTopics := transferLog(testToken, testPayer, testRecipient, big.NewInt(5000), 0)
	twoTopics.Topics = twoTopics.Topics[:2]
	if _, _, ok := decodeTransferLog(twoTopics); ok {
		t.Error("Log with missing topics should not decode")
	}
}
