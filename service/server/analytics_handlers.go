package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/brojonat/gatewatch/service/analytics"
)

// Analytics is the read side of *analytics.Aggregator.
type Analytics interface {
	Overview(ctx context.Context, f analytics.Filter) (*analytics.Snapshot, error)
	Trends(ctx context.Context, q analytics.TrendQuery) (*analytics.TrendSeries, error)
	DeliveryMethodBreakdown(ctx context.Context, f analytics.Filter) (*analytics.Breakdown, error)
	CostComparison(ctx context.Context, f analytics.Filter) (*analytics.CostComparison, error)
}

func parseFilter(r *http.Request) (analytics.Filter, error) {
	origin, err := parseOrigin(r.URL.Query().Get("origin"))
	if err != nil {
		return analytics.Filter{}, err
	}
	return analytics.Filter{Origin: origin}, nil
}

// Aggregation failures are 500s so the dashboard can tell them apart from an
// empty, zero-filled result.
func writeAnalyticsError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, view string, err error) {
	if errors.Is(err, analytics.ErrInvalidQuery) {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	logger.ErrorContext(r.Context(), "analytics query failed", "view", view, "error", err)
	writeError(w, "failed to compute "+view, http.StatusInternalServerError)
}

// GET /api/v1/analytics/overview?origin=
func handleOverview(agg Analytics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, err := parseFilter(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		snap, err := agg.Overview(r.Context(), f)
		if err != nil {
			writeAnalyticsError(w, r, logger, "overview", err)
			return
		}
		writeJSON(w, snap, http.StatusOK)
	})
}

// handleTrends serves a gap-free trend series. When bucket is omitted the
// hourly series uses defaultBuckets buckets.
// GET /api/v1/analytics/trends?metric=&bucket=&buckets=&origin=
func handleTrends(agg Analytics, defaultBuckets int, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, err := parseFilter(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		query := r.URL.Query()

		q := analytics.TrendQuery{
			Metric: analytics.MetricTransactions,
			Filter: f,
		}
		if m := query.Get("metric"); m != "" {
			q.Metric = analytics.Metric(m)
		}
		if b := query.Get("bucket"); b != "" {
			q.Bucket = analytics.Bucket(b)
		} else {
			q.Bucket = analytics.BucketHour
			q.Buckets = defaultBuckets
		}
		if s := query.Get("buckets"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 {
				writeError(w, "invalid buckets parameter: must be a positive integer", http.StatusBadRequest)
				return
			}
			q.Buckets = n
		}

		series, err := agg.Trends(r.Context(), q)
		if err != nil {
			writeAnalyticsError(w, r, logger, "trends", err)
			return
		}
		writeJSON(w, series, http.StatusOK)
	})
}

// GET /api/v1/analytics/delivery-methods?origin=
func handleDeliveryMethods(agg Analytics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, err := parseFilter(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		b, err := agg.DeliveryMethodBreakdown(r.Context(), f)
		if err != nil {
			writeAnalyticsError(w, r, logger, "delivery method breakdown", err)
			return
		}
		writeJSON(w, b, http.StatusOK)
	})
}

// GET /api/v1/analytics/cost-comparison?origin=
func handleCostComparison(agg Analytics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, err := parseFilter(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		c, err := agg.CostComparison(r.Context(), f)
		if err != nil {
			writeAnalyticsError(w, r, logger, "cost comparison", err)
			return
		}
		writeJSON(w, c, http.StatusOK)
	})
}
