package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryLedger is an in-process Ledger used when no database is configured
// and in tests. Records are kept in append order; the watermark is the number
// of records ever appended.
type MemoryLedger struct {
	mu      sync.RWMutex
	bySig   map[string]int
	records []TransactionMetadata
	now     func() time.Time
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		bySig: make(map[string]int),
		now:   time.Now,
	}
}

// Append stores tx unless a record with the same signature already exists.
func (m *MemoryLedger) Append(ctx context.Context, tx TransactionMetadata) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := tx.Validate(); err != nil {
		return false, fmt.Errorf("invalid transaction %s: %w", tx.Signature, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.bySig[tx.Signature]; exists {
		return false, nil
	}

	tx.Seq = uint64(len(m.records) + 1)
	tx.AppendedAt = m.now().UTC()
	m.bySig[tx.Signature] = len(m.records)
	m.records = append(m.records, tx)
	return true, nil
}

// Get returns the record for signature or ErrNotFound.
func (m *MemoryLedger) Get(ctx context.Context, signature string) (*TransactionMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, ok := m.bySig[signature]
	if !ok {
		return nil, ErrNotFound
	}
	rec := m.records[idx]
	return &rec, nil
}

// List returns matching records, newest timestamp first.
func (m *MemoryLedger) List(ctx context.Context, filter ListFilter) ([]TransactionMetadata, error) {
	m.mu.RLock()
	out := make([]TransactionMetadata, 0)
	for i := range m.records {
		if filter.Matches(&m.records[i]) {
			out = append(out, m.records[i])
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Seq > out[j].Seq
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// LatestSignature returns the most recently appended signature for wallet.
func (m *MemoryLedger) LatestSignature(ctx context.Context, wallet string) (*string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.records) - 1; i >= 0; i-- {
		rec := m.records[i]
		if rec.Origin == OriginWallet && rec.OriginWallet != nil && *rec.OriginWallet == wallet {
			sig := rec.Signature
			return &sig, nil
		}
	}
	return nil, nil
}

// Watermark returns the number of records appended so far.
func (m *MemoryLedger) Watermark(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.records)), nil
}

// Snapshot copies every record together with the watermark they correspond to.
func (m *MemoryLedger) Snapshot(ctx context.Context) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]TransactionMetadata, len(m.records))
	copy(records, m.records)
	return &Snapshot{
		Records:   records,
		Watermark: uint64(len(m.records)),
	}, nil
}
