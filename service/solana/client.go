package solana

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/brojonat/gatewatch/service/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/ratelimit"
)

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetSignaturesForAddress(
		ctx context.Context,
		address solana.PublicKey,
		opts *rpc.GetSignaturesForAddressOpts,
	) ([]*rpc.TransactionSignature, error)

	GetTransaction(
		ctx context.Context,
		signature solana.Signature,
		opts *rpc.GetTransactionOpts,
	) (*rpc.GetTransactionResult, error)

	GetLatestBlockhash(
		ctx context.Context,
		commitment rpc.CommitmentType,
	) (*rpc.GetLatestBlockhashResult, error)
}

const defaultMaxAttempts = 3

// Client provides rate-limited, retrying access to the Solana RPC methods
// the wallet monitors and the demo driver need.
type Client struct {
	rpc         RPCClient
	limiter     ratelimit.Limiter
	logger      *slog.Logger
	metrics     *metrics.Metrics
	maxAttempts int
	newBackOff  func() backoff.BackOff
}

// NewClient creates a new Solana client. rps <= 0 disables rate limiting.
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, rps int, m *metrics.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	limiter := ratelimit.NewUnlimited()
	if rps > 0 {
		limiter = ratelimit.New(rps)
	}
	return &Client{
		rpc:         rpcClient,
		limiter:     limiter,
		logger:      logger,
		metrics:     m,
		maxAttempts: defaultMaxAttempts,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 16 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// GetTransactionsSinceParams contains parameters for fetching transactions.
type GetTransactionsSinceParams struct {
	Wallet             solana.PublicKey
	LastSignature      *solana.Signature
	Limit              int
	ExistingSignatures []string
}

// GetTransactionsSince returns the transactions for a wallet that are newer than
// LastSignature, ordered OLDEST FIRST so callers can advance a cursor as they go.
//
// With no LastSignature only the most recent Limit signatures are returned. With a
// cursor, older pages are followed back until the cursor is reached so no
// signature between the cursor and the tip is skipped.
//
// If a transaction's details cannot be fetched after retries, the transactions
// before it are returned together with an error wrapping ErrUpstreamUnavailable.
// Callers can commit that prefix and retry the rest from there.
func (c *Client) GetTransactionsSince(
	ctx context.Context,
	params GetTransactionsSinceParams,
) ([]*Transaction, error) {
	sigs, err := c.fetchSignatures(ctx, params)
	if err != nil {
		return nil, err
	}

	existing := make(map[string]struct{}, len(params.ExistingSignatures))
	for _, s := range params.ExistingSignatures {
		existing[s] = struct{}{}
	}

	// The node returns newest first.
	slices.Reverse(sigs)

	transactions := make([]*Transaction, 0, len(sigs))
	for _, sig := range sigs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, seen := existing[sig.Signature.String()]; seen {
			c.logger.DebugContext(ctx, "skipping already processed transaction",
				"signature", sig.Signature.String(),
			)
			continue
		}

		txn := signatureToTransaction(sig)
		result, err := c.getTransaction(ctx, sig.Signature)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.WarnContext(ctx, "failed to get transaction details after retries",
				"signature", sig.Signature.String(),
				"fetched", len(transactions),
				"error", err,
			)
			return transactions, fmt.Errorf("get transaction %s: %w: %w", sig.Signature, ErrUpstreamUnavailable, err)
		}
		txn.Result = result
		transactions = append(transactions, txn)
	}

	c.logger.DebugContext(ctx, "fetched transactions",
		"wallet", params.Wallet.String(),
		"signatures", len(sigs),
		"count", len(transactions),
	)
	return transactions, nil
}

func (c *Client) fetchSignatures(ctx context.Context, params GetTransactionsSinceParams) ([]*rpc.TransactionSignature, error) {
	limit := params.Limit
	var all []*rpc.TransactionSignature
	var before solana.Signature

	for page := 0; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		opts := &rpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Commitment: rpc.CommitmentConfirmed,
		}
		if params.LastSignature != nil {
			opts.Until = *params.LastSignature
		}
		if page > 0 {
			opts.Before = before
		}

		c.limiter.Take()
		start := time.Now()
		sigs, err := c.rpc.GetSignaturesForAddress(ctx, params.Wallet, opts)
		c.metrics.RecordRPCCall("getSignaturesForAddress", rpcStatus(err), time.Since(start).Seconds())
		if err != nil {
			if isRateLimited(err) {
				c.metrics.RecordRateLimitHit()
			}
			return nil, fmt.Errorf("get signatures for %s: %w", params.Wallet, err)
		}
		c.metrics.RecordRPCSignaturesPerCall(len(sigs))
		all = append(all, sigs...)

		// Without a cursor we only want the newest page.
		if params.LastSignature == nil || limit <= 0 || len(sigs) < limit {
			if page > 0 {
				c.logger.InfoContext(ctx, "caught up signature backlog",
					"wallet", params.Wallet.String(),
					"pages", page+1,
					"signatures", len(all),
				)
			}
			return all, nil
		}
		before = sigs[len(sigs)-1].Signature
	}
}

func (c *Client) getTransaction(ctx context.Context, sig solana.Signature) (*rpc.GetTransactionResult, error) {
	maxVersion := uint64(0)
	opts := &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	}

	var result *rpc.GetTransactionResult
	attempt := 0
	op := func() error {
		attempt++
		c.limiter.Take()
		start := time.Now()
		res, err := c.rpc.GetTransaction(ctx, sig, opts)
		c.metrics.RecordRPCCall("getTransaction", rpcStatus(err), time.Since(start).Seconds())
		if err != nil {
			return err
		}
		if res == nil {
			return fmt.Errorf("transaction %s not found", sig)
		}
		result = res
		return nil
	}
	notify := func(err error, wait time.Duration) {
		reason := "error"
		if isRateLimited(err) {
			reason = "rate_limit"
			c.metrics.RecordRateLimitHit()
		}
		c.metrics.RecordRPCRetry("getTransaction", reason)
		c.logger.WarnContext(ctx, "get transaction failed, retrying",
			"signature", sig.String(),
			"attempt", attempt,
			"reason", reason,
			"backoff", wait,
			"error", err,
		)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(c.newBackOff(), uint64(c.maxAttempts-1)),
		ctx,
	)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return result, nil
}

// LatestBlockhash returns the most recent confirmed blockhash.
func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	c.limiter.Take()
	start := time.Now()
	res, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	c.metrics.RecordRPCCall("getLatestBlockhash", rpcStatus(err), time.Since(start).Seconds())
	if err != nil {
		return solana.Hash{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	if res == nil || res.Value == nil {
		return solana.Hash{}, fmt.Errorf("get latest blockhash: empty response")
	}
	return res.Value.Blockhash, nil
}

func signatureToTransaction(sig *rpc.TransactionSignature) *Transaction {
	txn := &Transaction{
		Signature: sig.Signature.String(),
		Slot:      sig.Slot,
	}
	if sig.BlockTime != nil {
		txn.BlockTime = sig.BlockTime.Time().UTC()
	}
	if sig.Err != nil {
		msg := fmt.Sprintf("transaction failed: %v", sig.Err)
		txn.Err = &msg
	}
	return txn
}

func isRateLimited(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "429") || strings.Contains(strings.ToLower(err.Error()), "too many requests"))
}

func rpcStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
