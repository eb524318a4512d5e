package gin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ginfw "github.com/gin-gonic/gin"

	"github.com/agentgate/agentgate-go"
	httpgate "github.com/agentgate/agentgate-go/http"
)

type staticVerifier struct {
	candidates []agentgate.Settlement
}

func (v *staticVerifier) Verify(_ context.Context, txHash common.Hash, _ *agentgate.PaymentRequirement) ([]agentgate.Settlement, error) {
	out := make([]agentgate.Settlement, len(v.candidates))
	copy(out, v.candidates)
	for i := range out {
		out[i].TxHash = txHash
	}
	return out, nil
}

func testEngine(t *testing.T, verifier httpgate.SettlementVerifier) *ginfw.Engine {
	t.Helper()
	ginfw.SetMode(ginfw.TestMode)

	config := &httpgate.Config{
		Recipient: "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		Token:     agentgate.BaseSepolia.USDC,
		ChainID:   agentgate.BaseSepolia.ChainID,
		Verifier:  verifier,
		Prices: agentgate.PricingTable{
			"GET /premium": {Amount: "0.005"},
		},
	}

	paywall, err := NewPaywall(config)
	if err != nil {
		t.Fatalf("NewPaywall failed: %v", err)
	}

	r := ginfw.New()
	r.Use(paywall)
	r.GET(httpgate.DiscoveryPath, DiscoveryHandler(config, "test-gateway", "0.1.0"))
	r.GET("/premium", func(c *ginfw.Context) {
		if _, ok := httpgate.SettlementFromContext(c.Request.Context()); !ok {
			t.Error("Admitted request should carry the settlement in context")
		}
		c.String(http.StatusOK, "premium")
	})
	r.GET("/free", func(c *ginfw.Context) {
		c.String(http.StatusOK, "free")
	})
	return r
}

func TestGinPaywallChallengesAndAborts(t *testing.T) {
	r := testEngine(t, &staticVerifier{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/premium", nil))
	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("Expected 402, got %d", rec.Code)
	}
	if rec.Body.String() == "premium" {
		t.Error("Handler must not run behind an unpaid paywall")
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/free", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "free" {
		t.Errorf("Expected free passthrough, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestGinPaywallAdmitsPayment(t *testing.T) {
	verifier := &staticVerifier{candidates: []agentgate.Settlement{{
		From:   common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
		Amount: common.Big1,
	}}}
	r := testEngine(t, verifier)

	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	ref := agentgate.SettlementRef{
		TxHash:  "0x4a76c6e0f1e1a00e6518e6b5e4c70e8dd7e18e0b7d2c78c3c6b7e85b1c3f9a21",
		ChainID: agentgate.BaseSepolia.ChainID,
	}
	req.Header.Set(agentgate.PaymentHeader, ref.Header())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "premium" {
		t.Errorf("Expected premium body, got %q", rec.Body.String())
	}
}
