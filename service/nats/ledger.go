package nats

import (
	"context"
	"log/slog"

	"github.com/brojonat/gatewatch/service/ledger"
)

// PublishingLedger wraps a ledger and publishes an event for every record that
// is appended for the first time. Publishing is best effort: a failed publish
// is logged and the append still succeeds.
type PublishingLedger struct {
	ledger.Ledger
	publisher Publisher
	logger    *slog.Logger
}

var _ ledger.Ledger = (*PublishingLedger)(nil)

func NewPublishingLedger(inner ledger.Ledger, publisher Publisher, logger *slog.Logger) *PublishingLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &PublishingLedger{Ledger: inner, publisher: publisher, logger: logger}
}

func (l *PublishingLedger) Append(ctx context.Context, tx ledger.TransactionMetadata) (bool, error) {
	inserted, err := l.Ledger.Append(ctx, tx)
	if err != nil || !inserted {
		return inserted, err
	}

	// Re-read to pick up the sequence number the ledger assigned.
	rec := &tx
	if stored, err := l.Ledger.Get(ctx, tx.Signature); err == nil {
		rec = stored
	}

	event := FromLedgerRecord(rec)
	if err := l.publisher.PublishTransaction(ctx, event); err != nil {
		l.logger.WarnContext(ctx, "failed to publish transaction event",
			"signature", tx.Signature,
			"subject", event.Subject(),
			"error", err,
		)
	}
	return true, nil
}
