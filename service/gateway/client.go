package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/brojonat/gatewatch/service/ledger"
	"github.com/brojonat/gatewatch/service/metrics"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// Caller is the JSON-RPC transport. jsonrpc.NewClient satisfies it.
type Caller interface {
	CallForInto(ctx context.Context, out interface{}, method string, params []interface{}) error
}

// Client submits transactions to the Gateway's sendTransaction method.
type Client struct {
	caller  Caller
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewClient creates a Gateway client for endpoint. A non-empty apiKey is sent
// as the apiKey query parameter.
func NewClient(endpoint, apiKey string, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("gateway url %q must be http or https", endpoint)
	}
	if apiKey != "" {
		q := u.Query()
		q.Set("apiKey", apiKey)
		u.RawQuery = q.Encode()
	}
	return NewClientWithCaller(jsonrpc.NewClient(u.String()), m, logger), nil
}

// NewClientWithCaller creates a client over an existing JSON-RPC transport.
func NewClientWithCaller(caller Caller, m *metrics.Metrics, logger *slog.Logger) *Client {
	return &Client{
		caller:  caller,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// sendOptions is the second sendTransaction parameter.
type sendOptions struct {
	Encoding string `json:"encoding"`
	Options
}

// sendResult is the sendTransaction result payload.
type sendResult struct {
	Signature      string  `json:"signature"`
	DeliveryMethod string  `json:"deliveryMethod"`
	Cost           uint64  `json:"cost"`
	JitoTip        *uint64 `json:"jitoTip"`
	JitoRefund     *uint64 `json:"jitoRefund"`
	Timestamp      int64   `json:"timestamp"` // unix milliseconds
}

// SendTransaction submits one base64-encoded transaction. It does not retry.
func (c *Client) SendTransaction(ctx context.Context, txBase64 string, opts Options) (*Result, error) {
	if txBase64 == "" {
		return nil, &Error{Code: codeInvalidParams, Message: "transaction is empty"}
	}
	if err := opts.Validate(); err != nil {
		return nil, &Error{Code: codeInvalidParams, Message: err.Error()}
	}

	start := time.Now()
	var out sendResult
	err := c.caller.CallForInto(ctx, &out, "sendTransaction", []interface{}{
		txBase64,
		sendOptions{Encoding: "base64", Options: opts},
	})
	duration := time.Since(start).Seconds()

	if err != nil {
		gwErr := toError(err)
		outcome := "error"
		if gwErr.upstream {
			outcome = "unavailable"
		}
		c.metrics.RecordGatewaySubmission(outcome, string(ledger.DeliveryUnknown), duration)
		c.logger.WarnContext(ctx, "gateway submission failed",
			"code", gwErr.Code,
			"provider_code", gwErr.ProviderCode,
			"temporary", gwErr.Temporary(),
			"error", gwErr.Message,
		)
		return nil, gwErr
	}
	if out.Signature == "" {
		c.metrics.RecordGatewaySubmission("error", string(ledger.DeliveryUnknown), duration)
		return nil, &Error{Code: codeInternal, Message: "gateway returned no signature"}
	}

	res := &Result{
		Signature:          out.Signature,
		DeliveryMethod:     ledger.ParseDeliveryMethod(out.DeliveryMethod),
		CostLamports:       out.Cost,
		JitoTipLamports:    out.JitoTip,
		JitoRefundLamports: out.JitoRefund,
		Timestamp:          c.now().UTC(),
	}
	if out.Timestamp > 0 {
		res.Timestamp = time.UnixMilli(out.Timestamp).UTC()
	}

	c.metrics.RecordGatewaySubmission("success", string(res.DeliveryMethod), duration)
	c.logger.DebugContext(ctx, "gateway submission succeeded",
		"signature", res.Signature,
		"delivery_method", res.DeliveryMethod,
		"cost_lamports", res.CostLamports,
	)
	return res, nil
}

// toError maps transport and JSON-RPC failures onto *Error.
func toError(err error) *Error {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		gwErr := &Error{Code: rpcErr.Code, Message: rpcErr.Message}
		// data: {"providerCode": <string|number>, "signature": <string>}
		if data, ok := rpcErr.Data.(map[string]interface{}); ok {
			if pc, ok := data["providerCode"]; ok && pc != nil {
				gwErr.ProviderCode = fmt.Sprint(pc)
			}
			if sig, ok := data["signature"].(string); ok {
				gwErr.Signature = sig
			}
		}
		return gwErr
	}

	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		return &Error{
			Code:     httpErr.Code,
			Message:  httpErr.Error(),
			upstream: httpErr.Code == 429 || httpErr.Code >= 500,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Message: err.Error(), upstream: true}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Message: err.Error()}
	}
	// Anything else is a transport failure we could not classify.
	return &Error{Message: err.Error(), upstream: true}
}
