package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StoredWallet is the persisted part of a monitored wallet.
type StoredWallet struct {
	Address           string
	AddedAt           time.Time
	LastSeenSignature *string
}

// Store persists the set of monitored wallets so loops can be restored at boot.
type Store interface {
	SaveWallet(ctx context.Context, w StoredWallet) error
	UpdateLastSeen(ctx context.Context, address, signature string) error
	DeleteWallet(ctx context.Context, address string) error
	ListWallets(ctx context.Context) ([]StoredWallet, error)
}

// MemoryStore keeps wallets in process memory, in insertion order.
type MemoryStore struct {
	mu      sync.Mutex
	wallets []StoredWallet
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SaveWallet adds w unless the address is already stored.
func (s *MemoryStore) SaveWallet(ctx context.Context, w StoredWallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.wallets {
		if existing.Address == w.Address {
			return nil
		}
	}
	s.wallets = append(s.wallets, w)
	return nil
}

func (s *MemoryStore) UpdateLastSeen(ctx context.Context, address, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.wallets {
		if s.wallets[i].Address == address {
			sig := signature
			s.wallets[i].LastSeenSignature = &sig
		}
	}
	return nil
}

func (s *MemoryStore) DeleteWallet(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.wallets {
		if s.wallets[i].Address == address {
			s.wallets = append(s.wallets[:i], s.wallets[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) ListWallets(ctx context.Context) ([]StoredWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoredWallet, len(s.wallets))
	copy(out, s.wallets)
	return out, nil
}

// PostgresStore keeps wallets in the monitored_wallets table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store backed by pool. The schema is created by
// ledger.Migrate.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) SaveWallet(ctx context.Context, w StoredWallet) error {
	const query = `
		INSERT INTO monitored_wallets (address, added_at, last_seen_signature)
		VALUES ($1, $2, $3)
		ON CONFLICT (address) DO NOTHING`

	var lastSeen pgtype.Text
	if w.LastSeenSignature != nil {
		lastSeen = pgtype.Text{String: *w.LastSeenSignature, Valid: true}
	}
	_, err := s.pool.Exec(ctx, query, w.Address, pgtype.Timestamptz{Time: w.AddedAt, Valid: true}, lastSeen)
	if err != nil {
		return fmt.Errorf("save wallet %s: %w", w.Address, err)
	}
	return nil
}

func (s *PostgresStore) UpdateLastSeen(ctx context.Context, address, signature string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE monitored_wallets SET last_seen_signature = $2 WHERE address = $1`,
		address, signature,
	)
	if err != nil {
		return fmt.Errorf("update last seen for %s: %w", address, err)
	}
	return nil
}

func (s *PostgresStore) DeleteWallet(ctx context.Context, address string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM monitored_wallets WHERE address = $1`, address); err != nil {
		return fmt.Errorf("delete wallet %s: %w", address, err)
	}
	return nil
}

// ListWallets returns every stored wallet in the order it was first added.
func (s *PostgresStore) ListWallets(ctx context.Context) ([]StoredWallet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT address, added_at, last_seen_signature FROM monitored_wallets ORDER BY seq`,
	)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (StoredWallet, error) {
		var (
			w        StoredWallet
			addedAt  pgtype.Timestamptz
			lastSeen pgtype.Text
		)
		if err := row.Scan(&w.Address, &addedAt, &lastSeen); err != nil {
			return StoredWallet{}, err
		}
		w.AddedAt = addedAt.Time.UTC()
		if lastSeen.Valid {
			s := lastSeen.String
			w.LastSeenSignature = &s
		}
		return w, nil
	})
}
