package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a signature is not present in the ledger.
var ErrNotFound = errors.New("transaction not found")

// DeliveryMethod identifies the relay path a transaction was delivered through.
type DeliveryMethod string

const (
	DeliveryRPC           DeliveryMethod = "rpc"
	DeliveryJito          DeliveryMethod = "jito"
	DeliveryTriton        DeliveryMethod = "triton"
	DeliveryPaladin       DeliveryMethod = "paladin"
	DeliverySanctumSender DeliveryMethod = "sanctum-sender"
	DeliveryUnknown       DeliveryMethod = "unknown"
)

// AllDeliveryMethods returns every delivery method in display order.
func AllDeliveryMethods() []DeliveryMethod {
	return []DeliveryMethod{
		DeliveryRPC,
		DeliveryJito,
		DeliveryTriton,
		DeliveryPaladin,
		DeliverySanctumSender,
		DeliveryUnknown,
	}
}

// ParseDeliveryMethod maps a gateway or database string onto a DeliveryMethod.
// Anything unrecognised is reported as DeliveryUnknown.
func ParseDeliveryMethod(s string) DeliveryMethod {
	switch DeliveryMethod(s) {
	case DeliveryRPC, DeliveryJito, DeliveryTriton, DeliveryPaladin, DeliverySanctumSender:
		return DeliveryMethod(s)
	}
	// The gateway reports sender deliveries with an underscore in some responses.
	if s == "sanctum_sender" || s == "sender" {
		return DeliverySanctumSender
	}
	return DeliveryUnknown
}

// Origin tags where a ledger record came from.
type Origin string

const (
	// OriginWallet marks transactions discovered on-chain for a monitored wallet.
	OriginWallet Origin = "wallet"
	// OriginDemo marks synthetic transactions submitted by the demo driver.
	OriginDemo Origin = "demo"
)

// ParseOrigin validates an origin string. The empty string is rejected.
func ParseOrigin(s string) (Origin, error) {
	switch Origin(s) {
	case OriginWallet, OriginDemo:
		return Origin(s), nil
	}
	return "", fmt.Errorf("invalid origin %q: must be wallet or demo", s)
}

// TransactionMetadata is a single immutable ledger record.
type TransactionMetadata struct {
	Signature          string
	DeliveryMethod     DeliveryMethod
	CostLamports       uint64
	JitoTipLamports    *uint64
	JitoRefundLamports *uint64
	Success            bool
	Timestamp          time.Time
	ResponseTimeMs     *float64
	ConfirmationTimeMs *float64
	Error              *string
	OriginWallet       *string
	Origin             Origin
	Slot               uint64

	// Assigned by the ledger on first append.
	Seq        uint64
	AppendedAt time.Time
}

// Validate checks the invariants a record must satisfy before it is appended.
func (t *TransactionMetadata) Validate() error {
	if t.Signature == "" {
		return errors.New("signature is required")
	}
	if t.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if t.ResponseTimeMs != nil && *t.ResponseTimeMs < 0 {
		return errors.New("response time cannot be negative")
	}
	if t.ConfirmationTimeMs != nil && *t.ConfirmationTimeMs < 0 {
		return errors.New("confirmation time cannot be negative")
	}
	if _, err := ParseOrigin(string(t.Origin)); err != nil {
		return err
	}
	return nil
}

// TipLamports returns the jito tip or zero when none was paid.
func (t *TransactionMetadata) TipLamports() uint64 {
	if t.JitoTipLamports == nil {
		return 0
	}
	return *t.JitoTipLamports
}

// Snapshot is a consistent view of the whole ledger at one watermark.
type Snapshot struct {
	Records   []TransactionMetadata
	Watermark uint64
}

// ListFilter narrows List results. Zero values mean "no constraint".
type ListFilter struct {
	Start  *time.Time
	End    *time.Time
	Wallet *string
	Origin *Origin
	Limit  int
}

// Matches reports whether a record satisfies the filter's predicates (Limit is ignored).
func (f ListFilter) Matches(t *TransactionMetadata) bool {
	if f.Start != nil && t.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && !t.Timestamp.Before(*f.End) {
		return false
	}
	if f.Wallet != nil && (t.OriginWallet == nil || *t.OriginWallet != *f.Wallet) {
		return false
	}
	if f.Origin != nil && t.Origin != *f.Origin {
		return false
	}
	return true
}

// Ledger is the append-only transaction store shared by the monitors, the demo
// driver and the aggregator. Appends are keyed by signature: the first writer wins
// and later appends of the same signature are no-ops.
type Ledger interface {
	Append(ctx context.Context, tx TransactionMetadata) (bool, error)
	Get(ctx context.Context, signature string) (*TransactionMetadata, error)
	List(ctx context.Context, filter ListFilter) ([]TransactionMetadata, error)
	LatestSignature(ctx context.Context, wallet string) (*string, error)
	Watermark(ctx context.Context) (uint64, error)
	Snapshot(ctx context.Context) (*Snapshot, error)
}
