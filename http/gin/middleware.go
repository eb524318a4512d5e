// Package gin provides Gin-compatible paywall middleware. It translates
// gin.Context to the stdlib middleware and aborts the handler chain when
// the paywall rejects a request.
package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	httpgate "github.com/agentgate/agentgate-go/http"
)

// NewPaywall creates a Gin-compatible paywall middleware.
//
// Example usage:
//
//	config := &httpgate.Config{
//	    Recipient: "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
//	    Token:     agentgate.BaseSepolia.USDC,
//	    ChainID:   agentgate.BaseSepolia.ChainID,
//	    RPCURL:    "https://sepolia.base.org",
//	    Prices: agentgate.PricingTable{
//	        "POST /api/chat": {Amount: "0.005", Description: "Chat completion"},
//	    },
//	}
//	r := gin.Default()
//	paywall, err := gin.NewPaywall(config)
//	if err != nil { ... }
//	r.Use(paywall)
//	r.POST("/api/chat", chatHandler)
//
// Downstream handlers read the claimed settlement with
// httpgate.SettlementFromContext(c.Request.Context()).
func NewPaywall(config *httpgate.Config) (gin.HandlerFunc, error) {
	mw, err := httpgate.NewPaymentMiddleware(config)
	if err != nil {
		return nil, err
	}

	return func(c *gin.Context) {
		admitted := false
		gate := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// The paywall admitted the request; hand control back
			// to Gin with the settlement on the request context.
			admitted = true
			c.Request = r
		}))

		gate.ServeHTTP(c.Writer, c.Request)
		if !admitted {
			c.Abort()
			return
		}
		c.Next()
	}, nil
}

// DiscoveryHandler wraps the discovery document for a Gin route:
//
//	r.GET(httpgate.DiscoveryPath, gin.DiscoveryHandler(config, "my-gateway", "1.0.0"))
func DiscoveryHandler(config *httpgate.Config, name, version string) gin.HandlerFunc {
	handler := httpgate.NewDiscoveryHandler(config, name, version)
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}
