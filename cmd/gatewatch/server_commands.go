package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

func serverCommands() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "Check the gatewatch server",
		Subcommands: []*cli.Command{
			{
				Name:  "health",
				Usage: "Check server health",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "timeout", Usage: "Request timeout", Value: 5 * time.Second},
				},
				Action: health,
			},
			{
				Name:   "version",
				Usage:  "Show client and server versions",
				Action: showVersion,
			},
		},
	}
}

func health(c *cli.Context) error {
	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	if err := newClient(c).Health(ctx); err != nil {
		return fmt.Errorf("server is unhealthy: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "✓ Server is healthy (%s)\n", c.String("server-url"))
	return nil
}

func showVersion(c *cli.Context) error {
	serverVersion, err := newClient(c).Version(c.Context)
	if err != nil {
		serverVersion = fmt.Sprintf("unavailable (%v)", err)
	}
	fmt.Fprintf(c.App.Writer, "gatewatch %s\n", version)
	fmt.Fprintf(c.App.Writer, "  Commit: %s\n", commit)
	fmt.Fprintf(c.App.Writer, "  Built:  %s\n", date)
	fmt.Fprintf(c.App.Writer, "  Server: %s\n", serverVersion)
	return nil
}
