package http

import (
	"math/big"
	"sync"
	"time"

	"github.com/agentgate/agentgate-go"
)

// recentSettlementCap bounds the ring buffer of recent settlements.
const recentSettlementCap = 100

// SettlementRecord is one accepted settlement, kept for introspection.
type SettlementRecord struct {
	TxHash   string    `json:"txHash"`
	LogIndex uint      `json:"logIndex"`
	From     string    `json:"from"`
	Endpoint string    `json:"endpoint"`
	Amount   string    `json:"amount"`
	Time     time.Time `json:"time"`
}

// RevenueSnapshot is a point-in-time copy of the counters.
type RevenueSnapshot struct {
	Requests    uint64             `json:"requests"`
	Paid        uint64             `json:"paid"`
	TotalAmount string             `json:"totalAmount"`
	Recent      []SettlementRecord `json:"recent"`
}

// RevenueCounters tracks operational payment totals. The counters are not
// protocol-critical: they are updated after admission and an update failure
// never re-rejects a request.
type RevenueCounters struct {
	mu       sync.Mutex
	requests uint64
	paid     uint64
	total    big.Int
	recent   []SettlementRecord
	next     int
}

// NewRevenueCounters creates zeroed counters.
func NewRevenueCounters() *RevenueCounters {
	return &RevenueCounters{}
}

// RecordRequest counts one priced request, paid or not.
func (c *RevenueCounters) RecordRequest() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests++
}

// RecordSettlement counts one admitted payment and appends it to the
// bounded ring of recent settlements.
func (c *RevenueCounters) RecordSettlement(s agentgate.Settlement, endpoint string) {
	record := SettlementRecord{
		TxHash:   s.TxHash.Hex(),
		LogIndex: s.LogIndex,
		From:     s.From.Hex(),
		Endpoint: endpoint,
		Amount:   s.Amount.String(),
		Time:     time.Now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.paid++
	c.total.Add(&c.total, s.Amount)
	if len(c.recent) < recentSettlementCap {
		c.recent = append(c.recent, record)
	} else {
		c.recent[c.next] = record
		c.next = (c.next + 1) % recentSettlementCap
	}
}

// Snapshot copies the counters, most recent settlement last.
func (c *RevenueCounters) Snapshot() RevenueSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	recent := make([]SettlementRecord, 0, len(c.recent))
	if len(c.recent) == recentSettlementCap {
		recent = append(recent, c.recent[c.next:]...)
		recent = append(recent, c.recent[:c.next]...)
	} else {
		recent = append(recent, c.recent...)
	}

	return RevenueSnapshot{
		Requests:    c.requests,
		Paid:        c.paid,
		TotalAmount: c.total.String(),
		Recent:      recent,
	}
}
