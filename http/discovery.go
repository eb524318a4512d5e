package http

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/agentgate/agentgate-go"
)

// DiscoveryPath is the well-known location of the gateway's discovery
// document.
const DiscoveryPath = "/.well-known/x-agentgate.json"

// DiscoveryChain names the ledger payments settle on.
type DiscoveryChain struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

// DiscoveryToken describes the settlement token.
type DiscoveryToken struct {
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
	Decimals int    `json:"decimals"`
}

// DiscoveryEndpoint is one priced endpoint; prices are decimal strings in
// the token's display unit.
type DiscoveryEndpoint struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Price       string `json:"price"`
	Description string `json:"description,omitempty"`
}

// DiscoveryDocument is the machine- and human-readable description of the
// gateway served at DiscoveryPath.
type DiscoveryDocument struct {
	Name      string              `json:"name"`
	Version   string              `json:"version"`
	Chain     DiscoveryChain      `json:"chain"`
	Token     DiscoveryToken      `json:"token"`
	Recipient string              `json:"recipient"`
	Endpoints []DiscoveryEndpoint `json:"endpoints"`
}

// NewDiscoveryHandler serves the discovery document for a paywall
// configuration. Mount it at DiscoveryPath.
func NewDiscoveryHandler(config *Config, name, version string) http.Handler {
	chainName := ""
	if chain, err := agentgate.ChainByID(config.ChainID); err == nil {
		chainName = chain.Name
	}

	endpoints := make([]DiscoveryEndpoint, 0, len(config.Prices))
	for key, entry := range config.Prices {
		method, path, ok := strings.Cut(key, " ")
		if !ok {
			continue
		}
		endpoints = append(endpoints, DiscoveryEndpoint{
			Method:      method,
			Path:        path,
			Price:       entry.Amount,
			Description: entry.Description,
		})
	}
	sort.Slice(endpoints, func(i, j int) bool {
		if endpoints[i].Path != endpoints[j].Path {
			return endpoints[i].Path < endpoints[j].Path
		}
		return endpoints[i].Method < endpoints[j].Method
	})

	doc := DiscoveryDocument{
		Name:      name,
		Version:   version,
		Chain:     DiscoveryChain{ID: config.ChainID, Name: chainName},
		Token: DiscoveryToken{
			Symbol:   config.Token.Symbol,
			Address:  config.Token.Address,
			Decimals: config.Token.Decimals,
		},
		Recipient: config.Recipient,
		Endpoints: endpoints,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	})
}
