package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/gatewatch/client"
	"github.com/brojonat/gatewatch/service/ledger"
	"github.com/brojonat/gatewatch/service/registry"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func dbCommands() *cli.Command {
	return &cli.Command{
		Name:  "db",
		Usage: "Direct database access (bypasses the server)",
		Subcommands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "Apply pending schema migrations",
				Action: migrateDB,
			},
			{
				Name:   "wallets",
				Usage:  "List persisted wallets",
				Action: dbWallets,
			},
			{
				Name:  "transactions",
				Usage: "List ledger records, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "wallet", Usage: "Only records observed on this wallet"},
					&cli.StringFlag{Name: "origin", Usage: "Filter by origin (wallet or demo)"},
					&cli.IntFlag{Name: "limit", Usage: "Maximum records to return", Value: 20},
				},
				Action: dbTransactions,
			},
		},
	}
}

func databaseURL(c *cli.Context) (string, error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		return "", fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}
	return dbURL, nil
}

func getPool(c *cli.Context) (*pgxpool.Pool, error) {
	dbURL, err := databaseURL(c)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(c.Context, dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(c.Context); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

func migrateDB(c *cli.Context) error {
	dbURL, err := databaseURL(c)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(c.App.ErrWriter, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if err := ledger.Migrate(c.Context, dbURL, logger); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	fmt.Fprintln(c.App.Writer, "✓ Database is up to date")
	return nil
}

func dbWallets(c *cli.Context) error {
	pool, err := getPool(c)
	if err != nil {
		return err
	}
	defer pool.Close()

	wallets, err := registry.NewPostgresStore(pool).ListWallets(c.Context)
	if err != nil {
		return fmt.Errorf("failed to list wallets: %w", err)
	}

	type row struct {
		Address           string    `json:"address"`
		AddedAt           time.Time `json:"added_at"`
		LastSeenSignature *string   `json:"last_seen_signature,omitempty"`
	}
	rows := make([]row, 0, len(wallets))
	for _, w := range wallets {
		rows = append(rows, row{Address: w.Address, AddedAt: w.AddedAt, LastSeenSignature: w.LastSeenSignature})
	}

	return render(c, rows, func(w io.Writer) error {
		tw := newTable(w)
		fmt.Fprintln(tw, "ADDRESS\tADDED\tLAST SEEN")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Address, formatTime(r.AddedAt), derefString(r.LastSeenSignature))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(c.App.ErrWriter, "\nTotal: %d wallets\n", len(rows))
		return nil
	})
}

func dbTransactions(c *cli.Context) error {
	filter := ledger.ListFilter{Limit: c.Int("limit")}
	if wallet := c.String("wallet"); wallet != "" {
		filter.Wallet = &wallet
	}
	if s := c.String("origin"); s != "" {
		origin, err := ledger.ParseOrigin(s)
		if err != nil {
			return err
		}
		filter.Origin = &origin
	}

	pool, err := getPool(c)
	if err != nil {
		return err
	}
	defer pool.Close()

	records, err := ledger.NewPostgresLedger(pool).List(c.Context, filter)
	if err != nil {
		return fmt.Errorf("failed to list transactions: %w", err)
	}
	txns := make([]client.Transaction, 0, len(records))
	for i := range records {
		txns = append(txns, toClientTransaction(&records[i]))
	}
	return render(c, txns, func(w io.Writer) error {
		tw := newTable(w)
		fmt.Fprintln(tw, "SEQ\tTIME\tSIGNATURE\tMETHOD\tORIGIN\tCOST (SOL)\tOK")
		for _, r := range txns {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%.9f\t%t\n",
				r.Seq, formatTime(r.Timestamp), shortSignature(r.Signature), r.DeliveryMethod, r.Origin,
				lamportsToSOL(r.CostLamports), r.Success)
		}
		return tw.Flush()
	})
}

func toClientTransaction(r *ledger.TransactionMetadata) client.Transaction {
	return client.Transaction{
		Signature:          r.Signature,
		DeliveryMethod:     string(r.DeliveryMethod),
		CostLamports:       r.CostLamports,
		JitoTipLamports:    r.JitoTipLamports,
		JitoRefundLamports: r.JitoRefundLamports,
		Success:            r.Success,
		Timestamp:          r.Timestamp,
		ResponseTimeMs:     r.ResponseTimeMs,
		ConfirmationTimeMs: r.ConfirmationTimeMs,
		Error:              r.Error,
		OriginWallet:       r.OriginWallet,
		Origin:             string(r.Origin),
		Slot:               r.Slot,
		Seq:                r.Seq,
	}
}
