package http

import (
	"context"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agentgate/agentgate-go"
)

// fakeSigner settles transfers instantly with deterministic hashes.
type fakeSigner struct {
	mu         sync.Mutex
	transfers  int
	batches    int
	concurrent bool
	balance    *big.Int
	batchErr   error
}

func (s *fakeSigner) Address() common.Address {
	return common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
}

func (s *fakeSigner) Balance(_ context.Context, _ common.Address) (*big.Int, error) {
	if s.balance == nil {
		return big.NewInt(1_000_000), nil
	}
	return s.balance, nil
}

func (s *fakeSigner) SubmitTransfer(_ context.Context, _, _ common.Address, _ *big.Int, _ common.Hash) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers++
	return common.BigToHash(big.NewInt(int64(s.transfers))), nil
}

func (s *fakeSigner) SupportsConcurrent() bool {
	return s.concurrent
}

// fakeBatchSigner adds atomic multi-transfer capability.
type fakeBatchSigner struct {
	fakeSigner
}

func (s *fakeBatchSigner) SubmitBatch(_ context.Context, _ common.Address, transfers []agentgate.BatchTransfer) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batchErr != nil {
		return common.Hash{}, s.batchErr
	}
	s.batches++
	return common.HexToHash(testTxHash), nil
}

// challengeServer answers 402 until a payment header arrives, recording
// every header it sees.
type challengeServer struct {
	mu      sync.Mutex
	headers []string
}

func (cs *challengeServer) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(agentgate.PaymentHeader)
		if header == "" {
			req, err := agentgate.NewRequirement(agentgate.RequirementSpec{
				Recipient: "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
				Token:     agentgate.BaseSepolia.USDC,
				Amount:    "0.005",
				Endpoint:  agentgate.EndpointKey(r.Method, r.URL.Path),
				BodyHash:  agentgate.BodyHash(nil),
				ChainID:   agentgate.BaseSepolia.ChainID,
			})
			if err != nil {
				t.Errorf("Building challenge failed: %v", err)
				http.Error(w, "oops", http.StatusInternalServerError)
				return
			}
			writeChallenge(w, req)
			return
		}

		if _, ok := agentgate.ParseSettlementHeader(header); !ok {
			t.Errorf("Client sent malformed payment header %q", header)
		}
		cs.mu.Lock()
		cs.headers = append(cs.headers, header)
		cs.mu.Unlock()

		w.WriteHeader(http.StatusOK)
		w.Write([]byte("paid content"))
	})
}

func (cs *challengeServer) seen() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]string(nil), cs.headers...)
}

func newTestClient(t *testing.T, signer agentgate.Signer, opts ...ClientOption) *Client {
	t.Helper()
	client, err := NewClient(append([]ClientOption{WithSigner(signer)}, opts...)...)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestClientSettlesChallenge(t *testing.T) {
	cs := &challengeServer{}
	server := httptest.NewServer(cs.handler(t))
	defer server.Close()

	signer := &fakeSigner{}
	var events []agentgate.PaymentEventType
	client := newTestClient(t, signer, WithEventCallback(func(e agentgate.PaymentEvent) {
		events = append(events, e.Type)
	}))

	resp, err := client.Get(context.Background(), server.URL+"/weather")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "paid content" {
		t.Errorf("Expected paid content, got %q", body)
	}
	if signer.transfers != 1 {
		t.Errorf("Expected 1 transfer, got %d", signer.transfers)
	}

	headers := cs.seen()
	if len(headers) != 1 {
		t.Fatalf("Expected 1 settled request, got %d", len(headers))
	}
	if !strings.HasSuffix(headers[0], ":84532") {
		t.Errorf("Header should carry the challenge chain id, got %q", headers[0])
	}

	want := []agentgate.PaymentEventType{
		agentgate.PaymentEventRequired,
		agentgate.PaymentEventSending,
		agentgate.PaymentEventConfirmed,
	}
	if len(events) != len(want) {
		t.Fatalf("Expected %d events, got %d: %v", len(want), len(events), events)
	}
	for i, typ := range want {
		if events[i] != typ {
			t.Errorf("Event %d: expected %s, got %s", i, typ, events[i])
		}
	}
}

func TestClientPassesFreeContentThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("free"))
	}))
	defer server.Close()

	signer := &fakeSigner{}
	client := newTestClient(t, signer)

	resp, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if signer.transfers != 0 {
		t.Errorf("No payment should happen for free content, got %d transfers", signer.transfers)
	}
}

func TestClientBalancePrecheckIsTerminal(t *testing.T) {
	cs := &challengeServer{}
	server := httptest.NewServer(cs.handler(t))
	defer server.Close()

	signer := &fakeSigner{balance: big.NewInt(10)} // well below 5000
	client := newTestClient(t, signer, WithBalanceCheck())

	_, err := client.Get(context.Background(), server.URL+"/weather")
	if err == nil {
		t.Fatal("Expected balance failure")
	}
	if !errors.Is(err, agentgate.ErrInsufficientBalance) {
		t.Errorf("Expected ErrInsufficientBalance, got %v", err)
	}
	if agentgate.CodeOf(err) != agentgate.ErrCodeInsufficientBalance {
		t.Errorf("Expected INSUFFICIENT_BALANCE, got %s", agentgate.CodeOf(err))
	}
	if signer.transfers != 0 {
		t.Error("No transfer should be submitted when the balance is short")
	}
}

func TestClientRejectsInvalidChallenge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"error": "Payment Required"}`)) // no payment block
	}))
	defer server.Close()

	client := newTestClient(t, &fakeSigner{})

	_, err := client.Get(context.Background(), server.URL)
	if !errors.Is(err, agentgate.ErrInvalidChallenge) {
		t.Errorf("Expected ErrInvalidChallenge, got %v", err)
	}
}

func TestClientReplaysPostBody(t *testing.T) {
	var bodies []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()

		if r.Header.Get(agentgate.PaymentHeader) == "" {
			req, _ := agentgate.NewRequirement(agentgate.RequirementSpec{
				Recipient: "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
				Token:     agentgate.BaseSepolia.USDC,
				Amount:    "0.05",
				Endpoint:  "POST /analyze",
				BodyHash:  agentgate.BodyHash(body),
				ChainID:   agentgate.BaseSepolia.ChainID,
			})
			writeChallenge(w, req)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t, &fakeSigner{})

	resp, err := client.Post(context.Background(), server.URL+"/analyze", "application/json", strings.NewReader(`{"q":"hello"}`))
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	resp.Body.Close()

	if len(bodies) != 2 {
		t.Fatalf("Expected 2 requests, got %d", len(bodies))
	}
	if bodies[0] != bodies[1] || bodies[1] != `{"q":"hello"}` {
		t.Errorf("Body must replay identically, got %q then %q", bodies[0], bodies[1])
	}
}

func TestFetchManySequentialSigner(t *testing.T) {
	cs := &challengeServer{}
	server := httptest.NewServer(cs.handler(t))
	defer server.Close()

	signer := &fakeSigner{concurrent: false}
	client := newTestClient(t, signer)

	ctx := context.Background()
	var reqs []*http.Request
	for _, path := range []string{"/a", "/b", "/c"} {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+path, nil)
		reqs = append(reqs, req)
	}

	results := client.FetchMany(ctx, reqs)
	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	for i, res := range results {
		if res.Err != nil {
			t.Errorf("Result %d failed: %v", i, res.Err)
			continue
		}
		if res.Response.StatusCode != http.StatusOK {
			t.Errorf("Result %d: expected 200, got %d", i, res.Response.StatusCode)
		}
		res.Response.Body.Close()
	}
	if signer.transfers != 3 {
		t.Errorf("Expected one transfer per challenge, got %d", signer.transfers)
	}
}

func TestFetchBatchSharesOneTransaction(t *testing.T) {
	cs := &challengeServer{}
	server := httptest.NewServer(cs.handler(t))
	defer server.Close()

	signer := &fakeBatchSigner{}
	client := newTestClient(t, signer)

	ctx := context.Background()
	var reqs []*http.Request
	for _, path := range []string{"/a", "/b", "/c"} {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+path, nil)
		reqs = append(reqs, req)
	}

	results := client.FetchBatch(ctx, reqs)
	for i, res := range results {
		if res.Err != nil {
			t.Fatalf("Result %d failed: %v", i, res.Err)
		}
		if res.Response.StatusCode != http.StatusOK {
			t.Errorf("Result %d: expected 200, got %d", i, res.Response.StatusCode)
		}
		res.Response.Body.Close()
	}

	if signer.batches != 1 {
		t.Errorf("Expected 1 batch submission, got %d", signer.batches)
	}
	if signer.transfers != 0 {
		t.Errorf("Batch settlement should submit no individual transfers, got %d", signer.transfers)
	}

	headers := cs.seen()
	if len(headers) != 3 {
		t.Fatalf("Expected 3 settled requests, got %d", len(headers))
	}
	for _, h := range headers {
		if h != headers[0] {
			t.Errorf("All batch retries must share one reference: %q vs %q", h, headers[0])
		}
	}
}

func TestFetchBatchFallsBackWithoutBatchContract(t *testing.T) {
	cs := &challengeServer{}
	server := httptest.NewServer(cs.handler(t))
	defer server.Close()

	signer := &fakeBatchSigner{}
	signer.batchErr = agentgate.ErrBatchUnsupported
	client := newTestClient(t, signer)

	ctx := context.Background()
	var reqs []*http.Request
	for _, path := range []string{"/a", "/b"} {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+path, nil)
		reqs = append(reqs, req)
	}

	results := client.FetchBatch(ctx, reqs)
	for i, res := range results {
		if res.Err != nil {
			t.Fatalf("Result %d failed: %v", i, res.Err)
		}
		res.Response.Body.Close()
	}
	if signer.transfers != 2 {
		t.Errorf("Expected fallback to individual transfers, got %d", signer.transfers)
	}
}

func TestNewClientRequiresSigner(t *testing.T) {
	if _, err := NewClient(); err == nil {
		t.Error("Expected error when no signer is configured")
	}
}
