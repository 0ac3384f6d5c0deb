package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/gatewatch/service/ledger"
	"github.com/brojonat/gatewatch/service/metrics"
	"github.com/brojonat/gatewatch/service/solana"
	"github.com/cenkalti/backoff/v4"
	solanago "github.com/gagliardetto/solana-go"
)

// Status is the lifecycle state of a wallet's discovery loop.
type Status string

const (
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusError    Status = "error"
	StatusStopped  Status = "stopped"
)

// StatusReporter receives the outcome of every poll. lastSeen is the cursor after
// the poll; err is set when status is StatusError.
type StatusReporter func(status Status, lastSeen *string, err error)

// Fetcher returns the transactions newer than a cursor, oldest first.
// *solana.Client satisfies it.
type Fetcher interface {
	GetTransactionsSince(ctx context.Context, params solana.GetTransactionsSinceParams) ([]*solana.Transaction, error)
}

// Config controls polling cadence.
type Config struct {
	PollInterval time.Duration
	MaxBackoff   time.Duration
	FetchLimit   int
	TipAccounts  solana.TipAccounts
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.MaxBackoff < c.PollInterval {
		c.MaxBackoff = c.PollInterval
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = 100
	}
	if c.TipAccounts == nil {
		c.TipAccounts = solana.DefaultTipAccounts()
	}
	return c
}

// Monitor discovers transactions for one wallet and appends them to the ledger.
// A Monitor is driven by a single goroutine; it is not safe for concurrent use.
type Monitor struct {
	address string
	wallet  solanago.PublicKey
	fetcher Fetcher
	ledger  ledger.Ledger
	cfg     Config
	report  StatusReporter
	metrics *metrics.Metrics
	logger  *slog.Logger

	sleep      func(ctx context.Context, d time.Duration) error
	newBackOff func() backoff.BackOff

	cursor *solanago.Signature
	seeded bool
}

// New creates a monitor for address. report may be nil.
func New(
	address string,
	fetcher Fetcher,
	led ledger.Ledger,
	cfg Config,
	report StatusReporter,
	m *metrics.Metrics,
	logger *slog.Logger,
) (*Monitor, error) {
	wallet, err := solanago.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet address: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if report == nil {
		report = func(Status, *string, error) {}
	}
	cfg = cfg.withDefaults()

	mon := &Monitor{
		address: address,
		wallet:  wallet,
		fetcher: fetcher,
		ledger:  led,
		cfg:     cfg,
		report:  report,
		metrics: m,
		logger:  logger.With("wallet", address),
		sleep:   sleepContext,
	}
	mon.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.PollInterval
		b.MaxInterval = cfg.MaxBackoff
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
	return mon, nil
}

// Run polls until ctx is cancelled and then returns ctx.Err(). Failed polls are
// reported as StatusError and retried with exponential backoff capped at
// MaxBackoff; a successful poll resets the backoff.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "wallet monitor started",
		"poll_interval", m.cfg.PollInterval,
		"max_backoff", m.cfg.MaxBackoff,
	)
	b := m.newBackOff()

	for {
		_, err := m.safePoll(ctx)
		if ctx.Err() != nil {
			m.logger.InfoContext(ctx, "wallet monitor stopped")
			return ctx.Err()
		}

		wait := m.cfg.PollInterval
		if err != nil {
			wait = b.NextBackOff()
			if wait == backoff.Stop || wait > m.cfg.MaxBackoff {
				wait = m.cfg.MaxBackoff
			}
			m.logger.WarnContext(ctx, "poll failed, backing off",
				"error", err,
				"retry_in", wait,
			)
			m.report(StatusError, m.lastSeen(), err)
		} else {
			b.Reset()
		}

		if err := m.sleep(ctx, wait); err != nil {
			m.logger.InfoContext(ctx, "wallet monitor stopped")
			return err
		}
	}
}

// safePoll runs one Poll, converting a panic into an error.
func (m *Monitor) safePoll(ctx context.Context) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorContext(ctx, "panic during poll", "panic", r)
			err = fmt.Errorf("panic during poll: %v", r)
		}
	}()
	return m.Poll(ctx)
}

// Poll runs one discovery iteration and returns how many new records were
// appended. The cursor only moves past a transaction once its record is in the
// ledger (or it was skipped as malformed), so an append failure is retried on
// the next poll.
func (m *Monitor) Poll(ctx context.Context) (int, error) {
	start := time.Now()
	appended, err := m.poll(ctx)

	status := "success"
	if err != nil {
		status = "error"
	}
	m.metrics.RecordPoll(status, time.Since(start).Seconds())

	if err == nil {
		m.report(StatusActive, m.lastSeen(), nil)
	}
	return appended, err
}

func (m *Monitor) poll(ctx context.Context) (int, error) {
	if err := m.seedCursor(ctx); err != nil {
		return 0, err
	}

	// On a fetch error the fetcher may still hand back the oldest transactions
	// it managed to load. They are committed before the error is returned.
	txns, fetchErr := m.fetcher.GetTransactionsSince(ctx, solana.GetTransactionsSinceParams{
		Wallet:        m.wallet,
		LastSignature: m.cursor,
		Limit:         m.cfg.FetchLimit,
	})
	m.metrics.RecordTransactionsDiscovered(m.address, len(txns))

	appended := 0
	for _, txn := range txns {
		if err := ctx.Err(); err != nil {
			return appended, err
		}
		inserted, err := m.process(ctx, txn)
		if err != nil {
			return appended, err
		}
		if inserted {
			appended++
		}
	}
	if fetchErr != nil {
		return appended, fmt.Errorf("fetch transactions: %w", fetchErr)
	}

	if len(txns) > 0 {
		m.logger.DebugContext(ctx, "poll complete",
			"discovered", len(txns),
			"appended", appended,
			"cursor", m.lastSeen(),
		)
	}
	return appended, nil
}

// process classifies and appends one transaction, then advances the cursor.
func (m *Monitor) process(ctx context.Context, txn *solana.Transaction) (bool, error) {
	class, err := solana.Classify(txn, m.cfg.TipAccounts)
	if errors.Is(err, solana.ErrMalformedRecord) {
		m.logger.WarnContext(ctx, "skipping malformed transaction",
			"signature", txn.Signature,
			"error", err,
		)
		m.metrics.RecordMalformed(m.address)
		m.advance(txn.Signature)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("classify %s: %w", txn.Signature, err)
	}

	rec := class.Metadata(m.address)
	inserted, err := m.ledger.Append(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("append %s: %w", rec.Signature, err)
	}
	m.metrics.RecordAppend(string(rec.Origin), string(rec.DeliveryMethod), inserted)
	m.advance(rec.Signature)
	return inserted, nil
}

// seedCursor resumes from the newest signature already in the ledger for this wallet.
func (m *Monitor) seedCursor(ctx context.Context) error {
	if m.seeded {
		return nil
	}
	latest, err := m.ledger.LatestSignature(ctx, m.address)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	if latest != nil {
		sig, err := solanago.SignatureFromBase58(*latest)
		if err != nil {
			m.logger.WarnContext(ctx, "ignoring unparseable stored cursor",
				"signature", *latest,
				"error", err,
			)
		} else {
			m.cursor = &sig
		}
	}
	m.seeded = true
	return nil
}

func (m *Monitor) advance(signature string) {
	sig, err := solanago.SignatureFromBase58(signature)
	if err != nil {
		return
	}
	m.cursor = &sig
}

func (m *Monitor) lastSeen() *string {
	if m.cursor == nil {
		return nil
	}
	s := m.cursor.String()
	return &s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
