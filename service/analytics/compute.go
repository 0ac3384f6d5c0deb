package analytics

import (
	"time"

	"github.com/axiomhq/hyperloglog"
	"github.com/brojonat/gatewatch/service/ledger"
)

func toSOL(lamports uint64) float64 {
	return float64(lamports) / LamportsPerSOL
}

// percent returns num/den*100, or 0 when den is 0.
func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

func percent(num, den float64) float64 {
	return ratio(num, den) * 100
}

func mean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// computeOverview derives the overview from records already narrowed by the filter.
func computeOverview(records []ledger.TransactionMetadata) Snapshot {
	var (
		s                Snapshot
		respSum, confSum float64
		respN, confN     int
		wallets          = hyperloglog.New14()
		sawWalletAddress bool
	)

	for i := range records {
		rec := &records[i]
		s.TotalTransactions++
		if rec.Success {
			s.SuccessfulTransactions++
		}
		s.TotalCostLamports += rec.CostLamports
		s.TotalTipsLamports += rec.TipLamports()
		if rec.ResponseTimeMs != nil {
			respSum += *rec.ResponseTimeMs
			respN++
		}
		if rec.ConfirmationTimeMs != nil {
			confSum += *rec.ConfirmationTimeMs
			confN++
		}
		switch rec.Origin {
		case ledger.OriginDemo:
			s.DemoTransactions++
		case ledger.OriginWallet:
			s.WalletTransactions++
		}
		if rec.OriginWallet != nil {
			wallets.Insert([]byte(*rec.OriginWallet))
			sawWalletAddress = true
		}
	}

	s.FailedTransactions = s.TotalTransactions - s.SuccessfulTransactions
	s.SuccessRatio = ratio(float64(s.SuccessfulTransactions), float64(s.TotalTransactions))
	s.SuccessRate = s.SuccessRatio * 100
	s.TotalCostSOL = toSOL(s.TotalCostLamports)
	s.TotalTipsSOL = toSOL(s.TotalTipsLamports)
	s.AvgResponseTimeMs = mean(respSum, respN)
	if confN > 0 {
		avg := confSum / float64(confN)
		s.AvgConfirmationTimeMs = &avg
	}
	if sawWalletAddress {
		s.UniqueWallets = wallets.Estimate()
	}
	s.HasData = s.TotalTransactions > 0
	return s
}

type bucketAcc struct {
	count, success int
	cost, tips     uint64
	respSum        float64
	respN          int
}

func (b *bucketAcc) value(m Metric) float64 {
	switch m {
	case MetricSuccessRate:
		return percent(float64(b.success), float64(b.count))
	case MetricCostSOL:
		return toSOL(b.cost)
	case MetricTipsSOL:
		return toSOL(b.tips)
	case MetricAvgResponseTimeMs:
		return mean(b.respSum, b.respN)
	default:
		return float64(b.count)
	}
}

// computeTrend buckets records into q.Buckets windows of q.Bucket ending with
// the bucket that contains now. Empty buckets are reported with value 0.
func computeTrend(records []ledger.TransactionMetadata, q TrendQuery, now time.Time) TrendSeries {
	width := q.Bucket.Duration()
	end := now.UTC().Truncate(width).Add(width)
	start := end.Add(-time.Duration(q.Buckets) * width)

	accs := make([]bucketAcc, q.Buckets)
	for i := range records {
		rec := &records[i]
		ts := rec.Timestamp.UTC()
		if ts.Before(start) || !ts.Before(end) {
			continue
		}
		acc := &accs[int(ts.Sub(start)/width)]
		acc.count++
		if rec.Success {
			acc.success++
		}
		acc.cost += rec.CostLamports
		acc.tips += rec.TipLamports()
		if rec.ResponseTimeMs != nil {
			acc.respSum += *rec.ResponseTimeMs
			acc.respN++
		}
	}

	points := make([]TrendPoint, q.Buckets)
	for i := range accs {
		points[i] = TrendPoint{
			Timestamp: start.Add(time.Duration(i) * width),
			Value:     accs[i].value(q.Metric),
			Count:     accs[i].count,
		}
	}
	return TrendSeries{
		Metric: q.Metric,
		Bucket: q.Bucket,
		Start:  start,
		End:    end,
		Points: points,
	}
}

type methodAcc struct {
	count, success      int
	cost, tips, refunds uint64
	respSum             float64
	respN               int
}

func accumulateMethods(records []ledger.TransactionMetadata) map[ledger.DeliveryMethod]*methodAcc {
	accs := make(map[ledger.DeliveryMethod]*methodAcc)
	for _, m := range ledger.AllDeliveryMethods() {
		accs[m] = &methodAcc{}
	}
	for i := range records {
		rec := &records[i]
		acc, ok := accs[rec.DeliveryMethod]
		if !ok {
			acc = accs[ledger.DeliveryUnknown]
		}
		acc.count++
		if rec.Success {
			acc.success++
		}
		acc.cost += rec.CostLamports
		acc.tips += rec.TipLamports()
		if rec.JitoRefundLamports != nil {
			acc.refunds += *rec.JitoRefundLamports
		}
		if rec.ResponseTimeMs != nil {
			acc.respSum += *rec.ResponseTimeMs
			acc.respN++
		}
	}
	return accs
}

func computeBreakdown(records []ledger.TransactionMetadata) Breakdown {
	accs := accumulateMethods(records)

	var b Breakdown
	for _, acc := range accs {
		b.TotalTransactions += acc.count
		b.TotalCostLamports += acc.cost
	}
	for _, m := range ledger.AllDeliveryMethods() {
		acc := accs[m]
		successRatio := ratio(float64(acc.success), float64(acc.count))
		b.Methods = append(b.Methods, MethodStats{
			Method:       m,
			Count:        acc.count,
			SuccessCount: acc.success,
			SuccessRate:  successRatio * 100,
			SuccessRatio: successRatio,
			CostLamports: acc.cost,
			CostSOL:      toSOL(acc.cost),
			CostShare:    percent(float64(acc.cost), float64(b.TotalCostLamports)),
			CountShare:   percent(float64(acc.count), float64(b.TotalTransactions)),
		})
	}
	return b
}

func computeCostComparison(records []ledger.TransactionMetadata) CostComparison {
	accs := accumulateMethods(records)
	c := CostComparison{Methods: []MethodCost{}, Baseline: ledger.DeliveryRPC}

	var maxAvg float64
	for _, m := range ledger.AllDeliveryMethods() {
		acc := accs[m]
		if acc.count == 0 {
			continue
		}
		avg := mean(float64(acc.cost), acc.count)
		c.Methods = append(c.Methods, MethodCost{
			Method:            m,
			Count:             acc.count,
			AvgCostLamports:   avg,
			AvgCostSOL:        avg / LamportsPerSOL,
			AvgTipLamports:    mean(float64(acc.tips), acc.count),
			AvgRefundLamports: mean(float64(acc.refunds), acc.count),
			AvgResponseTimeMs: mean(acc.respSum, acc.respN),
		})

		method := m
		if c.MostExpensiveMethod == nil || avg > maxAvg {
			maxAvg = avg
			c.MostExpensiveMethod = &method
		}
	}

	var (
		baseline    *float64
		cheapestAvg float64
	)
	for i := range c.Methods {
		mc := &c.Methods[i]
		if mc.Method == ledger.DeliveryRPC {
			v := mc.AvgCostLamports
			baseline = &v
		}
		if c.CheapestMethod == nil || mc.AvgCostLamports < cheapestAvg {
			method := mc.Method
			c.CheapestMethod = &method
			cheapestAvg = mc.AvgCostLamports
		}
		mc.SavingsPct = percent(maxAvg-mc.AvgCostLamports, maxAvg)
	}
	if baseline != nil && *baseline > 0 {
		for i := range c.Methods {
			v := percent(c.Methods[i].AvgCostLamports-*baseline, *baseline)
			c.Methods[i].VsBaselinePct = &v
		}
	}
	return c
}
