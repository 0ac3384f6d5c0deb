package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/gatewatch/service/ledger"
)

// ErrUpstreamUnavailable marks failures to reach the Gateway at all
// (transport errors, HTTP 429 and 5xx). Callers retry these with backoff.
var ErrUpstreamUnavailable = errors.New("gateway unavailable")

// Tier is a coarse preference level for compute-unit price and tip.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// ParseTier validates a tier string.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierLow, TierMedium, TierHigh:
		return Tier(s), nil
	}
	return "", fmt.Errorf("invalid tier %q: must be low, medium or high", s)
}

// Options are the delivery preferences sent with each transaction.
type Options struct {
	CUPriceRange    Tier                    `json:"cuPriceRange,omitempty"`
	TipRange        Tier                    `json:"jitoTipRange,omitempty"`
	DeliveryDelayMs int                     `json:"deliveryDelayMs,omitempty"`
	ExpireInSlots   int                     `json:"expireInSlots,omitempty"`
	DeliveryMethods []ledger.DeliveryMethod `json:"deliveryMethods,omitempty"`
}

// DefaultOptions returns medium price and tip tiers with every delivery method allowed.
func DefaultOptions() Options {
	return Options{
		CUPriceRange:  TierMedium,
		TipRange:      TierMedium,
		ExpireInSlots: 150,
	}
}

// Validate rejects options the Gateway would refuse.
func (o Options) Validate() error {
	if o.CUPriceRange != "" {
		if _, err := ParseTier(string(o.CUPriceRange)); err != nil {
			return fmt.Errorf("cu price range: %w", err)
		}
	}
	if o.TipRange != "" {
		if _, err := ParseTier(string(o.TipRange)); err != nil {
			return fmt.Errorf("tip range: %w", err)
		}
	}
	if o.DeliveryDelayMs < 0 {
		return errors.New("delivery delay cannot be negative")
	}
	if o.ExpireInSlots < 0 {
		return errors.New("expire in slots cannot be negative")
	}
	for _, m := range o.DeliveryMethods {
		if m == ledger.DeliveryUnknown || ledger.ParseDeliveryMethod(string(m)) == ledger.DeliveryUnknown {
			return fmt.Errorf("unsupported delivery method %q", m)
		}
	}
	return nil
}

// Result is a successful submission as reported by the Gateway.
type Result struct {
	Signature          string
	DeliveryMethod     ledger.DeliveryMethod
	CostLamports       uint64
	JitoTipLamports    *uint64
	JitoRefundLamports *uint64
	Timestamp          time.Time
}

// Error is a structured Gateway failure.
type Error struct {
	Code         int    // JSON-RPC error code, or HTTP status for transport failures
	Message      string
	ProviderCode string // relay-specific code, when the Gateway forwards one
	Signature    string // set when the transaction was signed and broadcast before failing

	upstream bool
}

func (e *Error) Error() string {
	if e.ProviderCode != "" {
		return fmt.Sprintf("gateway error %d (provider %s): %s", e.Code, e.ProviderCode, e.Message)
	}
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

// Unwrap lets errors.Is match ErrUpstreamUnavailable.
func (e *Error) Unwrap() error {
	if e.upstream {
		return ErrUpstreamUnavailable
	}
	return nil
}

// Temporary reports whether resubmitting later may succeed.
func (e *Error) Temporary() bool {
	return e.upstream || e.Code == codeRateLimited || e.Code == codeInternal
}

// JSON-RPC error codes the Gateway uses.
const (
	codeInvalidParams = -32602
	codeInternal      = -32603
	codeRateLimited   = -32429
)

// Submitter sends one transaction through the Gateway. Implementations never retry.
type Submitter interface {
	SendTransaction(ctx context.Context, txBase64 string, opts Options) (*Result, error)
}
