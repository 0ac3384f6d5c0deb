package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	natspkg "github.com/brojonat/gatewatch/service/nats"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

func natsURLFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "nats-url",
		Usage:   "NATS server URL",
		EnvVars: []string{"NATS_URL"},
		Value:   "nats://localhost:4222",
	}
}

func natsCommands() *cli.Command {
	return &cli.Command{
		Name:  "nats",
		Usage: "Read the transaction stream directly from JetStream",
		Subcommands: []*cli.Command{
			{
				Name:      "subscribe",
				Usage:     "Print transaction events as they are published",
				ArgsUsage: "[wallet_address|demo]",
				Description: `Consumes the JetStream stream the server publishes every new ledger
record to. Wallet records go to txns.<address>, demo records to txns.demo.

Example:
  gatewatch nats subscribe demo --json`,
				Flags: []cli.Flag{
					natsURLFlag(),
					&cli.BoolFlag{
						Name:    "durable",
						Aliases: []string{"d"},
						Usage:   "Create a durable consumer that resumes where it left off",
					},
					&cli.StringFlag{
						Name:  "consumer-name",
						Usage: "Durable consumer name",
						Value: "gatewatch-cli",
					},
					&cli.BoolFlag{
						Name:  "all",
						Usage: "Replay retained events instead of only new ones",
					},
				},
				Action: natsSubscribe,
			},
			{
				Name:   "inspect",
				Usage:  "Show stream state and configuration",
				Flags:  []cli.Flag{natsURLFlag()},
				Action: natsInspect,
			},
		},
	}
}

func jetStream(c *cli.Context) (jetstream.JetStream, func(), error) {
	nc, err := natspkg.Connect(c.String("nats-url"), "gatewatch-cli")
	if err != nil {
		return nil, nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return js, nc.Close, nil
}

func consumerConfig(target string, durable bool, name string, replay bool) jetstream.ConsumerConfig {
	cfg := jetstream.ConsumerConfig{
		FilterSubject: natspkg.FilterSubject(target),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	}
	if replay {
		cfg.DeliverPolicy = jetstream.DeliverAllPolicy
	}
	if durable {
		cfg.Durable = name
		cfg.Name = name
	}
	return cfg
}

func natsSubscribe(c *cli.Context) error {
	target := c.Args().First()
	jsonOutput := c.Bool("json")

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	js, closeConn, err := jetStream(c)
	if err != nil {
		return err
	}
	defer closeConn()

	cfg := consumerConfig(target, c.Bool("durable"), c.String("consumer-name"), c.Bool("all"))
	cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, cfg)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	out := c.App.Writer
	status := c.App.ErrWriter
	if !jsonOutput {
		fmt.Fprintf(status, "Subscribed to %s on %s (Ctrl+C to stop)\n\n", cfg.FilterSubject, c.String("nats-url"))
	}

	msgs := make(chan jetstream.Msg, 10)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		select {
		case msgs <- msg:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	defer cc.Stop()

	count := 0
	for {
		select {
		case msg := <-msgs:
			if err := handleStreamEvent(out, status, "transaction", string(msg.Data()), jsonOutput); err != nil {
				return err
			}
			count++
			_ = msg.Ack()
		case <-ctx.Done():
			if !jsonOutput {
				fmt.Fprintf(status, "\nReceived %d transactions\n", count)
			}
			return nil
		}
	}
}

type streamSummary struct {
	Name      string   `json:"name"`
	Subjects  []string `json:"subjects"`
	Messages  uint64   `json:"messages"`
	Bytes     uint64   `json:"bytes"`
	FirstSeq  uint64   `json:"first_seq"`
	LastSeq   uint64   `json:"last_seq"`
	Consumers int      `json:"consumers"`
	MaxAge    string   `json:"max_age"`
	Storage   string   `json:"storage"`
}

func natsInspect(c *cli.Context) error {
	js, closeConn, err := jetStream(c)
	if err != nil {
		return err
	}
	defer closeConn()

	stream, err := js.Stream(c.Context, natspkg.StreamName)
	if err != nil {
		return fmt.Errorf("failed to get stream: %w", err)
	}
	info, err := stream.Info(c.Context)
	if err != nil {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	summary := streamSummary{
		Name:      info.Config.Name,
		Subjects:  info.Config.Subjects,
		Messages:  info.State.Msgs,
		Bytes:     info.State.Bytes,
		FirstSeq:  info.State.FirstSeq,
		LastSeq:   info.State.LastSeq,
		Consumers: info.State.Consumers,
		MaxAge:    info.Config.MaxAge.String(),
		Storage:   info.Config.Storage.String(),
	}
	return render(c, summary, func(w io.Writer) error {
		tw := newTable(w)
		fmt.Fprintf(tw, "Stream:\t%s\n", summary.Name)
		fmt.Fprintf(tw, "Subjects:\t%v\n", summary.Subjects)
		fmt.Fprintf(tw, "Messages:\t%d (%d bytes)\n", summary.Messages, summary.Bytes)
		fmt.Fprintf(tw, "Sequence:\t%d..%d\n", summary.FirstSeq, summary.LastSeq)
		fmt.Fprintf(tw, "Consumers:\t%d\n", summary.Consumers)
		fmt.Fprintf(tw, "Max age:\t%s\n", summary.MaxAge)
		fmt.Fprintf(tw, "Storage:\t%s\n", summary.Storage)
		return tw.Flush()
	})
}

