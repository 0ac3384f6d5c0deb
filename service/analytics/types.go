package analytics

import (
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/gatewatch/service/ledger"
)

// LamportsPerSOL converts lamports to SOL.
const LamportsPerSOL = 1_000_000_000

// MaxBuckets bounds custom trend windows.
const MaxBuckets = 500

// ErrInvalidQuery is returned for unknown metrics, bucket sizes or bucket counts.
var ErrInvalidQuery = errors.New("invalid analytics query")

// Filter narrows every aggregate to one origin. A nil Origin means all origins.
type Filter struct {
	Origin *ledger.Origin
}

func (f Filter) key() string {
	if f.Origin == nil {
		return "*"
	}
	return string(*f.Origin)
}

func (f Filter) matches(rec *ledger.TransactionMetadata) bool {
	return f.Origin == nil || rec.Origin == *f.Origin
}

// Snapshot is the overview of the ledger at one watermark.
type Snapshot struct {
	TotalTransactions      int     `json:"total_transactions"`
	SuccessfulTransactions int     `json:"successful_transactions"`
	FailedTransactions     int     `json:"failed_transactions"`
	SuccessRate            float64 `json:"success_rate"`  // percent, 0 when empty
	SuccessRatio           float64 `json:"success_ratio"` // successful/total in [0, 1]
	TotalCostLamports      uint64  `json:"total_cost_lamports"`
	TotalCostSOL           float64 `json:"total_cost_sol"`
	TotalTipsLamports      uint64  `json:"total_tips_lamports"`
	TotalTipsSOL           float64 `json:"total_tips_sol"`
	AvgResponseTimeMs      float64 `json:"avg_response_time_ms"`
	// Nil when no record carries a confirmation time.
	AvgConfirmationTimeMs *float64 `json:"avg_confirmation_time_ms"`

	UniqueWallets      uint64 `json:"unique_wallets"`
	WalletTransactions int    `json:"wallet_transactions"`
	DemoTransactions   int    `json:"demo_transactions"`

	HasData     bool      `json:"has_data"`
	Watermark   uint64    `json:"watermark"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Metric is a trend series value.
type Metric string

const (
	MetricTransactions      Metric = "transactions"
	MetricSuccessRate       Metric = "success_rate"
	MetricCostSOL           Metric = "cost_sol"
	MetricTipsSOL           Metric = "tips_sol"
	MetricAvgResponseTimeMs Metric = "avg_response_time_ms"
)

// ParseMetric validates a metric name.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case MetricTransactions, MetricSuccessRate, MetricCostSOL, MetricTipsSOL, MetricAvgResponseTimeMs:
		return Metric(s), nil
	}
	return "", fmt.Errorf("%w: unknown metric %q", ErrInvalidQuery, s)
}

// Bucket is a trend granularity.
type Bucket string

const (
	BucketMinute Bucket = "minute"
	BucketHour   Bucket = "hour"
	BucketDay    Bucket = "day"
)

// ParseBucket validates a bucket name.
func ParseBucket(s string) (Bucket, error) {
	switch Bucket(s) {
	case BucketMinute, BucketHour, BucketDay:
		return Bucket(s), nil
	}
	return "", fmt.Errorf("%w: unknown bucket %q", ErrInvalidQuery, s)
}

// Duration is the width of one bucket.
func (b Bucket) Duration() time.Duration {
	switch b {
	case BucketMinute:
		return time.Minute
	case BucketDay:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// DefaultWindow is the number of buckets returned when none is requested:
// an hour of minutes, a day of hours, a month of days.
func (b Bucket) DefaultWindow() int {
	switch b {
	case BucketMinute:
		return 60
	case BucketDay:
		return 30
	default:
		return 24
	}
}

// TrendQuery selects a trend series. Buckets of 0 uses the bucket's default window.
type TrendQuery struct {
	Metric  Metric
	Bucket  Bucket
	Buckets int
	Filter  Filter
}

func (q TrendQuery) normalize() (TrendQuery, error) {
	if _, err := ParseMetric(string(q.Metric)); err != nil {
		return q, err
	}
	if q.Bucket == "" {
		q.Bucket = BucketHour
	}
	if _, err := ParseBucket(string(q.Bucket)); err != nil {
		return q, err
	}
	if q.Buckets == 0 {
		q.Buckets = q.Bucket.DefaultWindow()
	}
	if q.Buckets < 1 || q.Buckets > MaxBuckets {
		return q, fmt.Errorf("%w: buckets must be between 1 and %d", ErrInvalidQuery, MaxBuckets)
	}
	return q, nil
}

// TrendPoint is one bucket of a series. Timestamp is the bucket start.
type TrendPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Count     int       `json:"count"`
}

// TrendSeries is a gap-free, oldest-first series of equally sized buckets.
type TrendSeries struct {
	Metric    Metric       `json:"metric"`
	Bucket    Bucket       `json:"bucket"`
	Start     time.Time    `json:"start"`
	End       time.Time    `json:"end"`
	Points    []TrendPoint `json:"points"`
	Watermark uint64       `json:"watermark"`
}

// MethodStats is one delivery method's share of the ledger.
type MethodStats struct {
	Method       ledger.DeliveryMethod `json:"method"`
	Count        int                   `json:"count"`
	SuccessCount int                   `json:"success_count"`
	SuccessRate  float64               `json:"success_rate"`
	SuccessRatio float64               `json:"success_ratio"`
	CostLamports uint64                `json:"cost_lamports"`
	CostSOL      float64               `json:"cost_sol"`
	CostShare    float64               `json:"cost_share"`  // percent of total cost
	CountShare   float64               `json:"count_share"` // percent of total transactions
}

// Breakdown covers every delivery method, including those with no transactions.
type Breakdown struct {
	Methods           []MethodStats `json:"methods"`
	TotalTransactions int           `json:"total_transactions"`
	TotalCostLamports uint64        `json:"total_cost_lamports"`
	Watermark         uint64        `json:"watermark"`
}

// MethodCost compares average costs for one delivery method.
type MethodCost struct {
	Method            ledger.DeliveryMethod `json:"method"`
	Count             int                   `json:"count"`
	AvgCostLamports   float64               `json:"avg_cost_lamports"`
	AvgCostSOL        float64               `json:"avg_cost_sol"`
	AvgTipLamports    float64               `json:"avg_tip_lamports"`
	AvgRefundLamports float64               `json:"avg_refund_lamports"`
	AvgResponseTimeMs float64               `json:"avg_response_time_ms"`
	// Percent cheaper than the most expensive method.
	SavingsPct float64 `json:"savings_pct"`
	// Percent difference from the rpc baseline; nil when the baseline has no data.
	VsBaselinePct *float64 `json:"vs_baseline_pct"`
}

// CostComparison lists methods that have at least one transaction.
type CostComparison struct {
	Methods             []MethodCost           `json:"methods"`
	Baseline            ledger.DeliveryMethod  `json:"baseline"`
	CheapestMethod      *ledger.DeliveryMethod `json:"cheapest_method"`
	MostExpensiveMethod *ledger.DeliveryMethod `json:"most_expensive_method"`
	Watermark           uint64                 `json:"watermark"`
}
