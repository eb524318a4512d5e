// Package chi provides Chi-compatible paywall middleware. It is a thin
// adapter: Chi middleware already uses the stdlib func(http.Handler)
// http.Handler shape, so this package only adds construction sugar and
// discovery mounting.
package chi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	httpgate "github.com/agentgate/agentgate-go/http"
)

// NewPaywall creates a Chi-compatible paywall middleware.
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
//	r := chi.NewRouter()
//	paywall, err := chi.NewPaywall(config)
//	if err != nil { ... }
//	r.Use(paywall)
//	r.Post("/api/chat", chatHandler)
func NewPaywall(config *httpgate.Config) (func(http.Handler) http.Handler, error) {
	return httpgate.NewPaymentMiddleware(config)
}

// MountDiscovery registers the discovery document on a Chi router at the
// well-known path.
func MountDiscovery(r chi.Router, config *httpgate.Config, name, version string) {
	r.Method(http.MethodGet, httpgate.DiscoveryPath, httpgate.NewDiscoveryHandler(config, name, version))
}
