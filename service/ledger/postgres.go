package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const transactionColumns = `seq, signature, delivery_method, cost_lamports, jito_tip_lamports,
	jito_refund_lamports, success, block_time, response_time_ms, confirmation_time_ms,
	error, origin_wallet, origin, slot, appended_at`

// PostgresLedger stores transaction metadata in the transactions table.
// The watermark is the number of committed rows; seq order can differ from
// commit order.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger creates a ledger backed by the given connection pool.
// The schema must already be migrated (see Migrate).
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

// Append inserts tx; an existing signature leaves the table untouched.
func (l *PostgresLedger) Append(ctx context.Context, tx TransactionMetadata) (bool, error) {
	return insertTransaction(ctx, l.pool, tx)
}

// rowQuerier is satisfied by *pgxpool.Pool and pgx.Tx.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertTransaction(ctx context.Context, q rowQuerier, tx TransactionMetadata) (bool, error) {
	if err := tx.Validate(); err != nil {
		return false, fmt.Errorf("invalid transaction %s: %w", tx.Signature, err)
	}

	const query = `
		INSERT INTO transactions (
			signature, delivery_method, cost_lamports, jito_tip_lamports, jito_refund_lamports,
			success, block_time, response_time_ms, confirmation_time_ms, error,
			origin_wallet, origin, slot
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (signature) DO NOTHING
		RETURNING seq`

	var seq int64
	err := q.QueryRow(ctx, query,
		tx.Signature,
		string(tx.DeliveryMethod),
		int64(tx.CostLamports),
		pgint8FromUint64Ptr(tx.JitoTipLamports),
		pgint8FromUint64Ptr(tx.JitoRefundLamports),
		tx.Success,
		pgtype.Timestamptz{Time: tx.Timestamp, Valid: true},
		pgfloat8FromPtr(tx.ResponseTimeMs),
		pgfloat8FromPtr(tx.ConfirmationTimeMs),
		pgtextFromStringPtr(tx.Error),
		pgtextFromStringPtr(tx.OriginWallet),
		string(tx.Origin),
		int64(tx.Slot),
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		// ON CONFLICT DO NOTHING returns no row for duplicates.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert transaction %s: %w", tx.Signature, err)
	}
	return true, nil
}

// Get retrieves a transaction by its signature.
func (l *PostgresLedger) Get(ctx context.Context, signature string) (*TransactionMetadata, error) {
	rows, err := l.pool.Query(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE signature = $1`, signature)
	if err != nil {
		return nil, fmt.Errorf("query transaction: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanTransaction)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	return &rec, nil
}

// List returns matching transactions ordered by block time, newest first.
func (l *PostgresLedger) List(ctx context.Context, filter ListFilter) ([]TransactionMetadata, error) {
	const query = `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE ($1::timestamptz IS NULL OR block_time >= $1)
		  AND ($2::timestamptz IS NULL OR block_time < $2)
		  AND ($3::text IS NULL OR origin_wallet = $3)
		  AND ($4::text IS NULL OR origin = $4)
		ORDER BY block_time DESC, seq DESC
		LIMIT $5`

	var limit pgtype.Int8
	if filter.Limit > 0 {
		limit = pgtype.Int8{Int64: int64(filter.Limit), Valid: true}
	}
	var origin pgtype.Text
	if filter.Origin != nil {
		origin = pgtype.Text{String: string(*filter.Origin), Valid: true}
	}

	rows, err := l.pool.Query(ctx, query,
		pgtimestamptzFromPtr(filter.Start),
		pgtimestamptzFromPtr(filter.End),
		pgtextFromStringPtr(filter.Wallet),
		origin,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return pgx.CollectRows(rows, scanTransaction)
}

// LatestSignature returns the newest appended signature discovered for wallet, or nil.
func (l *PostgresLedger) LatestSignature(ctx context.Context, wallet string) (*string, error) {
	const query = `
		SELECT signature FROM transactions
		WHERE origin_wallet = $1 AND origin = $2
		ORDER BY seq DESC
		LIMIT 1`

	var sig string
	err := l.pool.QueryRow(ctx, query, wallet, string(OriginWallet)).Scan(&sig)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest signature: %w", err)
	}
	return &sig, nil
}

const watermarkQuery = `SELECT count(*) FROM transactions`

// Watermark returns the number of records in the ledger.
func (l *PostgresLedger) Watermark(ctx context.Context) (uint64, error) {
	var wm int64
	if err := l.pool.QueryRow(ctx, watermarkQuery).Scan(&wm); err != nil {
		return 0, fmt.Errorf("query watermark: %w", err)
	}
	return uint64(wm), nil
}

// Snapshot reads the watermark and every record inside one repeatable-read
// transaction so both reflect the same point in time.
func (l *PostgresLedger) Snapshot(ctx context.Context) (*Snapshot, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback(ctx)

	var wm int64
	if err := tx.QueryRow(ctx, watermarkQuery).Scan(&wm); err != nil {
		return nil, fmt.Errorf("query watermark: %w", err)
	}

	rows, err := tx.Query(ctx, `SELECT `+transactionColumns+` FROM transactions ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	records, err := pgx.CollectRows(rows, scanTransaction)
	if err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}

	return &Snapshot{Records: records, Watermark: uint64(wm)}, nil
}

func scanTransaction(row pgx.CollectableRow) (TransactionMetadata, error) {
	var (
		seq, cost, slot           int64
		signature, method, origin string
		tip, refund               pgtype.Int8
		success                   bool
		blockTime, appendedAt     pgtype.Timestamptz
		responseTime, confirmTime pgtype.Float8
		errMsg, originWallet      pgtype.Text
	)
	if err := row.Scan(
		&seq, &signature, &method, &cost, &tip,
		&refund, &success, &blockTime, &responseTime, &confirmTime,
		&errMsg, &originWallet, &origin, &slot, &appendedAt,
	); err != nil {
		return TransactionMetadata{}, err
	}

	return TransactionMetadata{
		Seq:                uint64(seq),
		Signature:          signature,
		DeliveryMethod:     ParseDeliveryMethod(method),
		CostLamports:       uint64(cost),
		JitoTipLamports:    uint64PtrFromPgint8(tip),
		JitoRefundLamports: uint64PtrFromPgint8(refund),
		Success:            success,
		Timestamp:          blockTime.Time,
		ResponseTimeMs:     floatPtrFromPgfloat8(responseTime),
		ConfirmationTimeMs: floatPtrFromPgfloat8(confirmTime),
		Error:              stringPtrFromPgtext(errMsg),
		OriginWallet:       stringPtrFromPgtext(originWallet),
		Origin:             Origin(origin),
		Slot:               uint64(slot),
		AppendedAt:         appendedAt.Time,
	}, nil
}

// Helper functions to convert between pgtype values and domain types

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

func pgint8FromUint64Ptr(v *uint64) pgtype.Int8 {
	if v == nil {
		return pgtype.Int8{Valid: false}
	}
	return pgtype.Int8{Int64: int64(*v), Valid: true}
}

func uint64PtrFromPgint8(v pgtype.Int8) *uint64 {
	if !v.Valid {
		return nil
	}
	u := uint64(v.Int64)
	return &u
}

func pgfloat8FromPtr(v *float64) pgtype.Float8 {
	if v == nil {
		return pgtype.Float8{Valid: false}
	}
	return pgtype.Float8{Float64: *v, Valid: true}
}

func floatPtrFromPgfloat8(v pgtype.Float8) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

func pgtimestamptzFromPtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}
