package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/brojonat/gatewatch/client"
	"github.com/brojonat/gatewatch/service/analytics"
	"github.com/urfave/cli/v2"
)

func originFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "origin",
		Usage: "Restrict to one origin (wallet or demo)",
	}
}

func analyticsCommands() *cli.Command {
	return &cli.Command{
		Name:    "analytics",
		Aliases: []string{"stats"},
		Usage:   "Query delivery method analytics",
		Subcommands: []*cli.Command{
			{
				Name:   "overview",
				Usage:  "Headline totals",
				Flags:  []cli.Flag{originFlag()},
				Action: overview,
			},
			{
				Name:  "trends",
				Usage: "Time series of one metric",
				Flags: []cli.Flag{
					originFlag(),
					&cli.StringFlag{Name: "metric", Usage: "transactions, success_rate, cost_sol, tips_sol or avg_response_time_ms", Value: string(analytics.MetricTransactions)},
					&cli.StringFlag{Name: "bucket", Usage: "minute, hour or day (server default hour)"},
					&cli.IntFlag{Name: "buckets", Usage: "Number of buckets (server default depends on bucket)"},
				},
				Action: trends,
			},
			{
				Name:   "methods",
				Usage:  "Per delivery method breakdown",
				Flags:  []cli.Flag{originFlag()},
				Action: deliveryMethods,
			},
			{
				Name:   "costs",
				Usage:  "Average cost per delivery method against the rpc baseline",
				Flags:  []cli.Flag{originFlag()},
				Action: costComparison,
			},
		},
	}
}

func overview(c *cli.Context) error {
	snap, err := newClient(c).Overview(c.Context, c.String("origin"))
	if err != nil {
		return fmt.Errorf("failed to get overview: %w", err)
	}
	return render(c, snap, func(w io.Writer) error {
		if !snap.HasData {
			fmt.Fprintln(w, "No transactions recorded yet")
			return nil
		}
		tw := newTable(w)
		fmt.Fprintf(tw, "Transactions:\t%d (%d ok, %d failed)\n", snap.TotalTransactions, snap.SuccessfulTransactions, snap.FailedTransactions)
		fmt.Fprintf(tw, "Success rate:\t%.1f%%\n", snap.SuccessRate)
		fmt.Fprintf(tw, "Total cost:\t%.9f SOL\n", snap.TotalCostSOL)
		fmt.Fprintf(tw, "Total tips:\t%.9f SOL\n", snap.TotalTipsSOL)
		fmt.Fprintf(tw, "Avg response:\t%.0fms\n", snap.AvgResponseTimeMs)
		fmt.Fprintf(tw, "Avg confirmation:\t%s\n", formatMs(snap.AvgConfirmationTimeMs))
		fmt.Fprintf(tw, "Wallets:\t~%d unique (%d wallet, %d demo transactions)\n", snap.UniqueWallets, snap.WalletTransactions, snap.DemoTransactions)
		return tw.Flush()
	})
}

func trends(c *cli.Context) error {
	series, err := newClient(c).Trends(c.Context, client.TrendQuery{
		Metric:  c.String("metric"),
		Bucket:  c.String("bucket"),
		Buckets: c.Int("buckets"),
		Origin:  c.String("origin"),
	})
	if err != nil {
		return fmt.Errorf("failed to get trends: %w", err)
	}
	return render(c, series, func(w io.Writer) error {
		fmt.Fprintf(w, "%s per %s\n", series.Metric, series.Bucket)
		tw := newTable(w)
		fmt.Fprintln(tw, "BUCKET\tVALUE\tCOUNT")
		for _, p := range series.Points {
			fmt.Fprintf(tw, "%s\t%g\t%d\n", formatTime(p.Timestamp), p.Value, p.Count)
		}
		return tw.Flush()
	})
}

func deliveryMethods(c *cli.Context) error {
	b, err := newClient(c).DeliveryMethods(c.Context, c.String("origin"))
	if err != nil {
		return fmt.Errorf("failed to get delivery methods: %w", err)
	}
	return render(c, b, func(w io.Writer) error {
		tw := newTable(w)
		fmt.Fprintln(tw, "METHOD\tCOUNT\tSHARE\tSUCCESS\tCOST (SOL)\tCOST SHARE")
		for _, m := range b.Methods {
			fmt.Fprintf(tw, "%s\t%d\t%.1f%%\t%.1f%%\t%.9f\t%.1f%%\n",
				m.Method, m.Count, m.CountShare, m.SuccessRate, m.CostSOL, m.CostShare)
		}
		fmt.Fprintf(tw, "TOTAL\t%d\t\t\t%.9f\t\n", b.TotalTransactions, lamportsToSOL(b.TotalCostLamports))
		return tw.Flush()
	})
}

func costComparison(c *cli.Context) error {
	cc, err := newClient(c).CostComparison(c.Context, c.String("origin"))
	if err != nil {
		return fmt.Errorf("failed to get cost comparison: %w", err)
	}
	return render(c, cc, func(w io.Writer) error {
		if len(cc.Methods) == 0 {
			fmt.Fprintln(w, "No transactions recorded yet")
			return nil
		}
		tw := newTable(w)
		fmt.Fprintf(tw, "METHOD\tCOUNT\tAVG COST (SOL)\tAVG TIP\tAVG RESPONSE\tSAVINGS\tVS %s\n", strings.ToUpper(string(cc.Baseline)))
		for _, m := range cc.Methods {
			vs := "-"
			if m.VsBaselinePct != nil {
				vs = fmt.Sprintf("%+.1f%%", *m.VsBaselinePct)
			}
			fmt.Fprintf(tw, "%s\t%d\t%.9f\t%.0f\t%.0fms\t%.1f%%\t%s\n",
				m.Method, m.Count, m.AvgCostSOL, m.AvgTipLamports, m.AvgResponseTimeMs, m.SavingsPct, vs)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if cc.CheapestMethod != nil {
			fmt.Fprintf(w, "Cheapest: %s\n", *cc.CheapestMethod)
		}
		return nil
	})
}
