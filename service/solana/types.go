package solana

import (
	"errors"
	"time"

	"github.com/brojonat/gatewatch/service/ledger"
	"github.com/gagliardetto/solana-go/rpc"
)

// ErrMalformedRecord is returned when a transaction's data cannot be classified.
// Callers skip the transaction and keep going.
var ErrMalformedRecord = errors.New("malformed transaction record")

// ErrUpstreamUnavailable is returned when the RPC node cannot serve a
// transaction's details after retries. The work is retried on a later poll.
var ErrUpstreamUnavailable = errors.New("solana rpc unavailable")

// Transaction is one signature discovered for a wallet together with whatever
// detail the RPC node returned for it.
type Transaction struct {
	Signature string
	Slot      uint64
	BlockTime time.Time // zero when the node did not report one
	Err       *string   // signature-level error from getSignaturesForAddress

	// Result is the full transaction. GetTransactionsSince always sets it;
	// without it Classify can only use the signature metadata.
	Result *rpc.GetTransactionResult
}

// Classification is the delivery path and cost derived from one transaction.
type Classification struct {
	Signature        string
	Slot             uint64
	BlockTime        time.Time
	DeliveryMethod   ledger.DeliveryMethod
	FeeLamports      uint64
	TipLamports      uint64
	CostLamports     uint64
	ComputeUnitPrice *uint64 // micro-lamports per CU, nil when not set
	FeePayer         *string
	Success          bool
	Error            *string
}

// Metadata converts the classification into a ledger record attributed to wallet.
func (c *Classification) Metadata(wallet string) ledger.TransactionMetadata {
	rec := ledger.TransactionMetadata{
		Signature:      c.Signature,
		DeliveryMethod: c.DeliveryMethod,
		CostLamports:   c.CostLamports,
		Success:        c.Success,
		Timestamp:      c.BlockTime,
		Error:          c.Error,
		OriginWallet:   &wallet,
		Origin:         ledger.OriginWallet,
		Slot:           c.Slot,
	}
	if c.TipLamports > 0 {
		tip := c.TipLamports
		rec.JitoTipLamports = &tip
	}
	return rec
}
