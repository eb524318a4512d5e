package http

import (
	"strings"
	"sync"
	"time"
)

// refKey identifies one claimed ledger log record. Keying on
// (txHash, logIndex) rather than txHash alone lets a single batch
// transaction settle several distinct requests, one log each.
type refKey struct {
	txHash   string // lowercase hex
	logIndex uint
}

// UsedReference is one accepted settlement reference, exported for
// persistence by an embedding server.
type UsedReference struct {
	TxHash    string
	LogIndex  uint
	ClaimedAt time.Time
}

// ReferenceSet is the process-wide set of settlement references already
// spent on admitted requests. It is safe for concurrent use; the critical
// section covers exactly the contains-and-insert pair so that two
// concurrent retries of the same reference admit exactly once.
type ReferenceSet struct {
	mu   sync.Mutex
	used map[refKey]time.Time
}

// NewReferenceSet creates an empty reference set.
func NewReferenceSet() *ReferenceSet {
	return &ReferenceSet{used: make(map[refKey]time.Time)}
}

// Claim atomically records (txHash, logIndex) as used and reports whether
// it was newly added. A false return means a replay.
func (s *ReferenceSet) Claim(txHash string, logIndex uint) bool {
	key := refKey{txHash: strings.ToLower(txHash), logIndex: logIndex}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.used[key]; ok {
		return false
	}
	s.used[key] = time.Now()
	return true
}

// Contains reports whether (txHash, logIndex) has been claimed.
func (s *ReferenceSet) Contains(txHash string, logIndex uint) bool {
	key := refKey{txHash: strings.ToLower(txHash), logIndex: logIndex}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.used[key]
	return ok
}

// Len returns the number of claimed references.
func (s *ReferenceSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.used)
}

// Snapshot returns every claimed reference, for persistence or inspection.
func (s *ReferenceSet) Snapshot() []UsedReference {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]UsedReference, 0, len(s.used))
	for key, at := range s.used {
		out = append(out, UsedReference{TxHash: key.txHash, LogIndex: key.logIndex, ClaimedAt: at})
	}
	return out
}

// Restore re-inserts previously persisted references, typically at startup.
func (s *ReferenceSet) Restore(refs []UsedReference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ref := range refs {
		key := refKey{txHash: strings.ToLower(ref.TxHash), logIndex: ref.LogIndex}
		s.used[key] = ref.ClaimedAt
	}
}

// Prune drops references claimed before the retention cutoff. Only call
// with a retention no shorter than the maximum requirement expiry window,
// otherwise replay defense weakens.
func (s *ReferenceSet) Prune(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, at := range s.used {
		if at.Before(cutoff) {
			delete(s.used, key)
			removed++
		}
	}
	return removed
}
