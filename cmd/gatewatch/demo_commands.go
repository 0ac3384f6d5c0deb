package main

import (
	"fmt"
	"io"
	"time"

	"github.com/brojonat/gatewatch/service/demo"
	"github.com/urfave/cli/v2"
)

func demoCommands() *cli.Command {
	return &cli.Command{
		Name:  "demo",
		Usage: "Run synthetic transactions through the gateway",
		Subcommands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start a demo run",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "count", Usage: fmt.Sprintf("Transactions to submit (%d-%d, server default %d)", demo.MinCount, demo.MaxCount, demo.DefaultCount)},
					&cli.IntFlag{Name: "interval", Usage: fmt.Sprintf("Milliseconds between submissions (%d-%d, server default %d)", demo.MinIntervalMs, demo.MaxIntervalMs, demo.DefaultIntervalMs)},
					&cli.BoolFlag{Name: "wait", Usage: "Wait for the run to finish, printing progress"},
					&cli.DurationFlag{Name: "poll", Usage: "Status poll interval with --wait", Value: time.Second},
				},
				Action: startDemo,
			},
			{
				Name:   "status",
				Usage:  "Show the current or most recent run",
				Action: demoStatus,
			},
		},
	}
}

func startDemo(c *cli.Context) error {
	cl := newClient(c)
	res, err := cl.StartDemo(c.Context, c.Int("count"), c.Int("interval"))
	if err != nil {
		return fmt.Errorf("failed to start demo: %w", err)
	}

	if !c.Bool("wait") {
		return render(c, res, func(w io.Writer) error {
			fmt.Fprintf(w, "✓ Demo %s started: %d transactions every %dms (~%.0fs)\n",
				res.RunID, res.Count, res.IntervalMs, res.EstimatedDurationSeconds)
			return nil
		})
	}

	human := !c.Bool("json") && c.String("jq") == ""
	if human {
		fmt.Fprintf(c.App.Writer, "Demo %s started, waiting for %d transactions...\n", res.RunID, res.Count)
	}
	last := -1
	st, err := cl.WaitForDemo(c.Context, c.Duration("poll"), func(s *demo.Status) {
		if human && s.Progress != last {
			last = s.Progress
			fmt.Fprintf(c.App.Writer, "  %d/%d (%.0f%%)\n", s.Progress, s.Total, s.Percentage)
		}
	})
	if err != nil {
		return fmt.Errorf("failed waiting for demo: %w", err)
	}
	return render(c, st, func(w io.Writer) error {
		return printDemoStatus(w, st)
	})
}

func demoStatus(c *cli.Context) error {
	st, err := newClient(c).DemoStatus(c.Context)
	if err != nil {
		return fmt.Errorf("failed to get demo status: %w", err)
	}
	return render(c, st, func(w io.Writer) error {
		return printDemoStatus(w, st)
	})
}

func printDemoStatus(w io.Writer, st *demo.Status) error {
	if st.RunID == "" {
		fmt.Fprintln(w, "No demo has run yet")
		return nil
	}
	state := "finished"
	if st.IsRunning {
		state = "running"
	}
	tw := newTable(w)
	fmt.Fprintf(tw, "Run:\t%s (%s)\n", st.RunID, state)
	fmt.Fprintf(tw, "Progress:\t%d/%d (%.0f%%)\n", st.Progress, st.Total, st.Percentage)
	fmt.Fprintf(tw, "Succeeded:\t%d\n", st.Succeeded)
	fmt.Fprintf(tw, "Failed:\t%d\n", st.Failed)
	if st.StartedAt != nil {
		fmt.Fprintf(tw, "Started:\t%s\n", formatTime(*st.StartedAt))
	}
	if st.FinishedAt != nil {
		fmt.Fprintf(tw, "Finished:\t%s\n", formatTime(*st.FinishedAt))
	}
	if st.LastError != nil {
		fmt.Fprintf(tw, "Last error:\t%s\n", *st.LastError)
	}
	return tw.Flush()
}
