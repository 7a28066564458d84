// Package storage provides the result cache, transaction sources and job archive
// together with their database connections.
package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/wallet-cluster-engine/internal/types"
)

// TransactionSource supplies the raw transaction history of a wallet.
// An unknown wallet yields an empty history, not an error.
type TransactionSource interface {
	Transactions(ctx context.Context, address string) ([]types.TransactionRecord, error)
}

// MemorySource holds collaborator-delivered transactions in process
type MemorySource struct {
	mu      sync.RWMutex
	records map[string][]types.TransactionRecord
	seen    map[string]map[string]struct{}
}

// NewMemorySource creates an empty in-memory source
func NewMemorySource() *MemorySource {
	return &MemorySource{
		records: make(map[string][]types.TransactionRecord),
		seen:    make(map[string]map[string]struct{}),
	}
}

// Append adds records for address, skipping hashes already held.
// Returns the number of records actually added.
func (s *MemorySource) Append(address string, records []types.TransactionRecord) int {
	key := strings.ToLower(address)

	s.mu.Lock()
	defer s.mu.Unlock()

	seen, ok := s.seen[key]
	if !ok {
		seen = make(map[string]struct{})
		s.seen[key] = seen
	}

	added := 0
	for _, r := range records {
		hash := strings.ToLower(r.Hash)
		if hash != "" {
			if _, dup := seen[hash]; dup {
				continue
			}
			seen[hash] = struct{}{}
		}
		s.records[key] = append(s.records[key], r)
		added++
	}
	return added
}

// Transactions returns a copy of address's history ordered by timestamp
func (s *MemorySource) Transactions(ctx context.Context, address string) ([]types.TransactionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := append([]types.TransactionRecord(nil), s.records[strings.ToLower(address)]...)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// Addresses returns every address with at least one record, sorted
func (s *MemorySource) Addresses() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.records))
	for a := range s.records {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
