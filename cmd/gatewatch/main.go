package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/brojonat/gatewatch/client"
	"github.com/urfave/cli/v2"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "gatewatch",
		Usage:   "Monitor Solana wallets and compare transaction delivery methods",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "gatewatch server URL",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "PostgreSQL connection string (db commands only)",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output as JSON",
			},
			&cli.StringFlag{
				Name:  "jq",
				Usage: "Filter JSON output with a jq expression (string results are printed raw)",
			},
		},
		Commands: []*cli.Command{
			walletCommands(),
			transactionsCommand(),
			demoCommands(),
			analyticsCommands(),
			streamCommand(),
			natsCommands(),
			dbCommands(),
			serverCommands(),
		},
	}
}

// newClient builds an API client from the global flags. Client logs stay
// quiet so they do not mix with command output.
func newClient(c *cli.Context) *client.Client {
	logger := slog.New(slog.NewTextHandler(c.App.ErrWriter, &slog.HandlerOptions{Level: slog.LevelError}))
	return client.NewClient(c.String("server-url"), nil, logger)
}
