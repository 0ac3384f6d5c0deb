package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/gatewatch/service/metrics"
	natspkg "github.com/brojonat/gatewatch/service/nats"
	"github.com/brojonat/gatewatch/service/registry"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const sseKeepalive = 10 * time.Second

// SSEPublisher streams ledger change events from JetStream to HTTP clients.
type SSEPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSSEPublisher connects to NATS for the streaming endpoints.
func NewSSEPublisher(natsURL string, logger *slog.Logger) (*SSEPublisher, error) {
	nc, err := natspkg.Connect(natsURL, "gatewatch-sse")
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("SSE publisher initialized", "nats_url", natsURL)
	return &SSEPublisher{nc: nc, js: js, logger: logger}, nil
}

// Close closes the NATS connection.
func (p *SSEPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("SSE publisher closed")
	}
	return nil
}

// streamSubject maps the optional path value onto a JetStream filter subject.
// "" streams everything, "demo" streams demo runs, anything else must be a
// wallet address.
func streamSubject(address string) (string, error) {
	if address != "" && address != "demo" {
		if err := registry.ValidateAddress(address); err != nil {
			return "", err
		}
	}
	return natspkg.FilterSubject(address), nil
}

// handleStreamTransactions streams new ledger records as server-sent events.
// GET /api/v1/stream/transactions[/{address}]
func handleStreamTransactions(publisher *SSEPublisher, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		subject, err := streamSubject(r.PathValue("address"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		// Streams outlive the server's write timeout.
		rc := http.NewResponseController(w)
		_ = rc.SetWriteDeadline(time.Time{})
		flush := func() { _ = rc.Flush() }

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flush()

		cons, err := publisher.js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, jetstream.ConsumerConfig{
			FilterSubject: subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: jetstream.DeliverNewPolicy,
		})
		if err != nil {
			logger.ErrorContext(ctx, "failed to create consumer", "subject", subject, "error", err)
			fmt.Fprintf(w, "event: error\ndata: {\"error\": \"failed to subscribe\"}\n\n")
			flush()
			return
		}

		m.RecordSSEConnectionChange(1)
		defer m.RecordSSEConnectionChange(-1)
		logger.DebugContext(ctx, "SSE client connected", "subject", subject, "remote_addr", r.RemoteAddr)

		msgs := make(chan jetstream.Msg, 10)
		consumeDone := make(chan struct{})
		go func() {
			defer close(consumeDone)
			cc, err := cons.Consume(func(msg jetstream.Msg) {
				select {
				case msgs <- msg:
				case <-ctx.Done():
				}
			})
			if err != nil {
				logger.ErrorContext(ctx, "failed to start consuming messages", "error", err)
				return
			}
			<-ctx.Done()
			cc.Stop()
		}()

		connected, _ := json.Marshal(map[string]string{"subject": subject})
		fmt.Fprintf(w, "event: connected\ndata: %s\n\n", connected)
		flush()

		keepalive := time.NewTicker(sseKeepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flush()

			case msg := <-msgs:
				var event natspkg.TransactionEvent
				if err := json.Unmarshal(msg.Data(), &event); err != nil {
					logger.WarnContext(ctx, "dropping undecodable event", "error", err)
					_ = msg.Ack()
					continue
				}
				fmt.Fprintf(w, "event: transaction\ndata: %s\n\n", msg.Data())
				flush()
				_ = msg.Ack()
				m.RecordSSEEventSent("transaction")

			case <-ctx.Done():
				logger.DebugContext(ctx, "SSE client disconnected", "subject", subject)
				return

			case <-consumeDone:
				return
			}
		}
	})
}
