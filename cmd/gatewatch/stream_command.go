package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	natspkg "github.com/brojonat/gatewatch/service/nats"
	"github.com/urfave/cli/v2"
)

func streamCommand() *cli.Command {
	return &cli.Command{
		Name:      "stream",
		Usage:     "Stream new transactions as they are recorded",
		ArgsUsage: "[wallet_address|demo]",
		Action:    stream,
	}
}

func stream(c *cli.Context) error {
	target := c.Args().First()
	endpoint := strings.TrimRight(c.String("server-url"), "/") + "/api/v1/stream/transactions"
	if target != "" {
		endpoint += "/" + url.PathEscape(target)
	}
	jsonOutput := c.Bool("json")

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	out := c.App.Writer
	status := c.App.ErrWriter
	err = readEvents(resp.Body, func(event, data string) error {
		return handleStreamEvent(out, status, event, data, jsonOutput)
	})
	if err != nil && ctx.Err() != nil {
		if !jsonOutput {
			fmt.Fprintln(status, "\nDisconnected")
		}
		return nil
	}
	return err
}

// readEvents parses a server-sent event stream and calls handle once per
// complete event. Comment lines (keepalives) are skipped. Handler errors end
// the stream.
func readEvents(r io.Reader, handle func(event, data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var event string
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" && len(data) > 0 {
				if err := handle(event, strings.Join(data, "\n")); err != nil {
					return err
				}
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading stream: %w", err)
	}
	return nil
}

func handleStreamEvent(out, status io.Writer, event, data string, jsonOutput bool) error {
	switch event {
	case "connected":
		if jsonOutput {
			return nil
		}
		var info struct {
			Subject string `json:"subject"`
		}
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			return err
		}
		fmt.Fprintf(status, "✓ Streaming %s (Ctrl+C to stop)\n\n", info.Subject)
		return nil

	case "transaction":
		if jsonOutput {
			fmt.Fprintln(out, data)
			return nil
		}
		var ev natspkg.TransactionEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			fmt.Fprintf(status, "skipping malformed event: %v\n", err)
			return nil
		}
		printEvent(out, ev)
		return nil

	case "error":
		var info struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal([]byte(data), &info)
		return fmt.Errorf("server error: %s", info.Error)
	}
	return nil
}

func printEvent(w io.Writer, ev natspkg.TransactionEvent) {
	fmt.Fprintln(w, strings.Repeat("━", 72))
	fmt.Fprintf(w, "Signature:  %s\n", ev.Signature)
	fmt.Fprintf(w, "Origin:     %s\n", ev.Origin)
	if ev.WalletAddress != "" {
		fmt.Fprintf(w, "Wallet:     %s\n", ev.WalletAddress)
	}
	fmt.Fprintf(w, "Method:     %s\n", ev.DeliveryMethod)
	fmt.Fprintf(w, "Cost:       %.9f SOL\n", lamportsToSOL(ev.CostLamports))
	if ev.Success {
		fmt.Fprintln(w, "Status:     ok")
	} else {
		fmt.Fprintf(w, "Status:     failed (%s)\n", derefString(ev.Error))
	}
	fmt.Fprintf(w, "Response:   %s\n", formatMs(ev.ResponseTimeMs))
	fmt.Fprintf(w, "Recorded:   %s\n", ev.Timestamp.Local().Format(time.RFC3339))
	fmt.Fprintln(w)
}
