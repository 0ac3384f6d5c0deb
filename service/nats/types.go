package nats

import (
	"time"

	"github.com/brojonat/gatewatch/service/ledger"
)

// SubjectPrefix prefixes every transaction subject. Wallet-discovered records
// go to "txns.<wallet>", synthetic demo records to "txns.demo".
const SubjectPrefix = "txns."

// DemoSubject receives every record appended by the demo driver.
const DemoSubject = SubjectPrefix + "demo"

// FilterSubject maps a stream target onto a subject filter: "" matches every
// event, "demo" matches demo runs and anything else is a wallet address.
func FilterSubject(target string) string {
	switch target {
	case "":
		return StreamSubjects
	case "demo":
		return DemoSubject
	}
	return SubjectPrefix + target
}

// TransactionEvent is the JSON payload published for each new ledger record.
type TransactionEvent struct {
	Signature      string `json:"signature"`
	Seq            uint64 `json:"seq"`
	Slot           uint64 `json:"slot,omitempty"`
	Origin         string `json:"origin"`
	WalletAddress  string `json:"wallet_address,omitempty"`
	DeliveryMethod string `json:"delivery_method"`

	CostLamports       uint64   `json:"cost_lamports"`
	JitoTipLamports    *uint64  `json:"jito_tip_lamports,omitempty"`
	JitoRefundLamports *uint64  `json:"jito_refund_lamports,omitempty"`
	Success            bool     `json:"success"`
	Error              *string  `json:"error,omitempty"`
	ResponseTimeMs     *float64 `json:"response_time_ms,omitempty"`
	ConfirmationTimeMs *float64 `json:"confirmation_time_ms,omitempty"`

	Timestamp   time.Time `json:"timestamp"`
	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the subject the event is published on.
func (e *TransactionEvent) Subject() string {
	if e.Origin == string(ledger.OriginDemo) || e.WalletAddress == "" {
		return DemoSubject
	}
	return SubjectPrefix + e.WalletAddress
}

// FromLedgerRecord converts a ledger record into an event.
func FromLedgerRecord(rec *ledger.TransactionMetadata) *TransactionEvent {
	event := &TransactionEvent{
		Signature:          rec.Signature,
		Seq:                rec.Seq,
		Slot:               rec.Slot,
		Origin:             string(rec.Origin),
		DeliveryMethod:     string(rec.DeliveryMethod),
		CostLamports:       rec.CostLamports,
		JitoTipLamports:    rec.JitoTipLamports,
		JitoRefundLamports: rec.JitoRefundLamports,
		Success:            rec.Success,
		Error:              rec.Error,
		ResponseTimeMs:     rec.ResponseTimeMs,
		ConfirmationTimeMs: rec.ConfirmationTimeMs,
		Timestamp:          rec.Timestamp,
		PublishedAt:        time.Now().UTC(),
	}
	if rec.OriginWallet != nil {
		event.WalletAddress = *rec.OriginWallet
	}
	return event
}
