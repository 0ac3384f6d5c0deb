package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/brojonat/gatewatch/client"
	"github.com/urfave/cli/v2"
)

func walletCommands() *cli.Command {
	return &cli.Command{
		Name:  "wallet",
		Usage: "Manage monitored wallets",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Start monitoring a wallet",
				ArgsUsage: "<address>",
				Action:    addWallet,
			},
			{
				Name:      "remove",
				Aliases:   []string{"rm"},
				Usage:     "Stop monitoring a wallet",
				ArgsUsage: "<address>",
				Action:    removeWallet,
			},
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List monitored wallets",
				Action:  listWallets,
			},
		},
	}
}

func addressArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one wallet address")
	}
	return c.Args().First(), nil
}

func addWallet(c *cli.Context) error {
	address, err := addressArg(c)
	if err != nil {
		return err
	}
	res, err := newClient(c).AddWallet(c.Context, address)
	if err != nil {
		return fmt.Errorf("failed to add wallet: %w", err)
	}
	return render(c, res, func(w io.Writer) error {
		if res.AlreadyMonitored {
			fmt.Fprintf(w, "Wallet %s is already monitored (status: %s)\n", address, res.Wallet.Status)
			return nil
		}
		fmt.Fprintf(w, "✓ Monitoring %s\n", address)
		return nil
	})
}

func removeWallet(c *cli.Context) error {
	address, err := addressArg(c)
	if err != nil {
		return err
	}
	if err := newClient(c).RemoveWallet(c.Context, address); err != nil {
		if errors.Is(err, client.ErrNotFound) {
			return fmt.Errorf("wallet %s is not monitored", address)
		}
		return fmt.Errorf("failed to remove wallet: %w", err)
	}
	result := map[string]any{"success": true, "address": address}
	return render(c, result, func(w io.Writer) error {
		fmt.Fprintf(w, "✓ Stopped monitoring %s\n", address)
		return nil
	})
}

func listWallets(c *cli.Context) error {
	wallets, err := newClient(c).ListWallets(c.Context)
	if err != nil {
		return fmt.Errorf("failed to list wallets: %w", err)
	}
	return render(c, wallets, func(w io.Writer) error {
		if len(wallets) == 0 {
			fmt.Fprintln(w, "No wallets monitored")
			return nil
		}
		tw := newTable(w)
		fmt.Fprintln(tw, "ADDRESS\tSTATUS\tADDED\tLAST POLL\tLAST ERROR")
		for _, wallet := range wallets {
			lastPoll := "-"
			if wallet.LastPollAt != nil {
				lastPoll = wallet.LastPollAt.Local().Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				wallet.Address, wallet.Status, formatTime(wallet.AddedAt), lastPoll, derefString(wallet.LastError))
		}
		return tw.Flush()
	})
}

func transactionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "transactions",
		Aliases: []string{"txns"},
		Usage:   "List recorded transactions, newest first",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "wallet", Usage: "Only transactions observed on this wallet"},
			&cli.StringFlag{Name: "origin", Usage: "Filter by origin (wallet or demo)"},
			&cli.DurationFlag{Name: "since", Usage: "Only transactions newer than this (e.g. 24h)"},
			&cli.IntFlag{Name: "limit", Usage: "Maximum transactions to return", Value: 20},
		},
		Action: listTransactions,
	}
}

func listTransactions(c *cli.Context) error {
	q := client.TransactionQuery{
		Wallet: c.String("wallet"),
		Origin: c.String("origin"),
		Limit:  c.Int("limit"),
	}
	if d := c.Duration("since"); d > 0 {
		q.Since = time.Now().Add(-d)
	}

	txns, err := newClient(c).ListTransactions(c.Context, q)
	if err != nil {
		return fmt.Errorf("failed to list transactions: %w", err)
	}
	return render(c, txns, func(w io.Writer) error {
		if len(txns) == 0 {
			fmt.Fprintln(w, "No transactions")
			return nil
		}
		tw := newTable(w)
		fmt.Fprintln(tw, "TIME\tSIGNATURE\tMETHOD\tORIGIN\tCOST (SOL)\tOK\tRESPONSE")
		for _, t := range txns {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.9f\t%t\t%s\n",
				formatTime(t.Timestamp), shortSignature(t.Signature), t.DeliveryMethod, t.Origin,
				lamportsToSOL(t.CostLamports), t.Success, formatMs(t.ResponseTimeMs))
		}
		return tw.Flush()
	})
}

func shortSignature(sig string) string {
	if len(sig) <= 16 {
		return sig
	}
	return sig[:8] + "…" + sig[len(sig)-8:]
}
