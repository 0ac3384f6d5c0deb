package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/gatewatch/service/ledger"
	"github.com/brojonat/gatewatch/service/metrics"
)

// cacheEntry holds every view derived from one ledger snapshot for one filter.
// It is replaced wholesale when the watermark moves.
type cacheEntry struct {
	watermark uint64
	records   []ledger.TransactionMetadata
	overview  *Snapshot
	breakdown *Breakdown
	costs     *CostComparison
}

// Aggregator computes analytics from the ledger on read. Results are pure
// functions of the ledger contents; the optional cache is keyed by
// (watermark, filter) and dropped as soon as the watermark advances.
type Aggregator struct {
	ledger  ledger.Ledger
	cache   bool
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

// NewAggregator creates an aggregator over led. With cache disabled every
// query re-reads a full ledger snapshot.
func NewAggregator(led ledger.Ledger, cache bool, m *metrics.Metrics, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		ledger:  led,
		cache:   cache,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*cacheEntry),
	}
}

// Overview returns totals, success rate and averages. An empty ledger yields a
// zero snapshot with HasData false.
func (a *Aggregator) Overview(ctx context.Context, f Filter) (*Snapshot, error) {
	start := time.Now()
	e, err := a.entry(ctx, f)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if e.overview == nil {
		s := computeOverview(e.records)
		s.Watermark = e.watermark
		s.GeneratedAt = a.now().UTC()
		e.overview = &s
		a.metrics.RecordAnalyticsCompute("overview", time.Since(start).Seconds())
	}
	out := *e.overview
	return &out, nil
}

// Trends returns a gap-free series for q. The window ends with the bucket
// containing the current time, so it is never served from cache across
// bucket boundaries.
func (a *Aggregator) Trends(ctx context.Context, q TrendQuery) (*TrendSeries, error) {
	q, err := q.normalize()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	e, err := a.entry(ctx, q.Filter)
	if err != nil {
		return nil, err
	}

	series := computeTrend(e.records, q, a.now())
	series.Watermark = e.watermark
	a.metrics.RecordAnalyticsCompute("trends", time.Since(start).Seconds())
	return &series, nil
}

// DeliveryMethodBreakdown returns count and cost share for every delivery method.
func (a *Aggregator) DeliveryMethodBreakdown(ctx context.Context, f Filter) (*Breakdown, error) {
	start := time.Now()
	e, err := a.entry(ctx, f)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if e.breakdown == nil {
		b := computeBreakdown(e.records)
		b.Watermark = e.watermark
		e.breakdown = &b
		a.metrics.RecordAnalyticsCompute("delivery_methods", time.Since(start).Seconds())
	}
	out := *e.breakdown
	out.Methods = append([]MethodStats(nil), e.breakdown.Methods...)
	return &out, nil
}

// CostComparison compares average costs across the delivery methods in use.
func (a *Aggregator) CostComparison(ctx context.Context, f Filter) (*CostComparison, error) {
	start := time.Now()
	e, err := a.entry(ctx, f)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if e.costs == nil {
		c := computeCostComparison(e.records)
		c.Watermark = e.watermark
		e.costs = &c
		a.metrics.RecordAnalyticsCompute("cost_comparison", time.Since(start).Seconds())
	}
	out := *e.costs
	out.Methods = append([]MethodCost(nil), e.costs.Methods...)
	return &out, nil
}

// entry returns the cached records for f if the ledger has not moved since they
// were read, otherwise it takes a fresh snapshot.
func (a *Aggregator) entry(ctx context.Context, f Filter) (*cacheEntry, error) {
	key := f.key()

	if a.cache {
		wm, err := a.ledger.Watermark(ctx)
		if err != nil {
			return nil, fmt.Errorf("read watermark: %w", err)
		}
		a.mu.Lock()
		e, ok := a.entries[key]
		a.mu.Unlock()
		if ok && e.watermark == wm {
			a.metrics.RecordCacheLookup(true)
			return e, nil
		}
		a.metrics.RecordCacheLookup(false)
	}

	snap, err := a.ledger.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger snapshot: %w", err)
	}
	records := make([]ledger.TransactionMetadata, 0, len(snap.Records))
	for i := range snap.Records {
		if f.matches(&snap.Records[i]) {
			records = append(records, snap.Records[i])
		}
	}
	e := &cacheEntry{watermark: snap.Watermark, records: records}

	if a.cache {
		a.mu.Lock()
		// Keep whichever entry is newer if another query raced us.
		if cur, ok := a.entries[key]; !ok || cur.watermark <= e.watermark {
			a.entries[key] = e
		}
		a.mu.Unlock()
		a.logger.DebugContext(ctx, "analytics cache refreshed",
			"filter", key,
			"watermark", e.watermark,
			"records", len(records),
		)
	}
	return e, nil
}
