package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Wallet is a wallet the server is monitoring.
type Wallet struct {
	Address           string     `json:"address"`
	AddedAt           time.Time  `json:"added_at"`
	LastSeenSignature *string    `json:"last_seen_signature,omitempty"`
	Status            string     `json:"status"` // starting, active, error, stopped
	LastError         *string    `json:"last_error,omitempty"`
	LastPollAt        *time.Time `json:"last_poll_at,omitempty"`
}

// AddWalletResult is the server's answer to AddWallet.
type AddWalletResult struct {
	Message          string `json:"message"`
	AlreadyMonitored bool   `json:"already_monitored"`
	Wallet           Wallet `json:"wallet"`
}

// Transaction is one ledger record.
type Transaction struct {
	Signature          string    `json:"signature"`
	DeliveryMethod     string    `json:"delivery_method"`
	CostLamports       uint64    `json:"cost_lamports"`
	JitoTipLamports    *uint64   `json:"jito_tip_lamports,omitempty"`
	JitoRefundLamports *uint64   `json:"jito_refund_lamports,omitempty"`
	Success            bool      `json:"success"`
	Timestamp          time.Time `json:"timestamp"`
	ResponseTimeMs     *float64  `json:"response_time_ms,omitempty"`
	ConfirmationTimeMs *float64  `json:"confirmation_time_ms,omitempty"`
	Error              *string   `json:"error,omitempty"`
	OriginWallet       *string   `json:"origin_wallet,omitempty"`
	Origin             string    `json:"origin"`
	Slot               uint64    `json:"slot,omitempty"`
	Seq                uint64    `json:"seq"`
}

// TransactionQuery filters ListTransactions. Zero values are omitted.
type TransactionQuery struct {
	Wallet string
	Origin string
	Since  time.Time
	Until  time.Time
	Limit  int
}

func (q TransactionQuery) encode() string {
	v := url.Values{}
	if q.Wallet != "" {
		v.Set("wallet", q.Wallet)
	}
	if q.Origin != "" {
		v.Set("origin", q.Origin)
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		v.Set("until", q.Until.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

// AddWallet starts monitoring address. Adding a monitored wallet succeeds
// with AlreadyMonitored set.
func (c *Client) AddWallet(ctx context.Context, address string) (*AddWalletResult, error) {
	var out AddWalletResult
	_, err := c.do(ctx, http.MethodPost, "/api/v1/wallets",
		map[string]string{"address": address}, &out,
		http.StatusCreated, http.StatusOK)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("wallet added", "address", address, "already_monitored", out.AlreadyMonitored)
	return &out, nil
}

// RemoveWallet stops monitoring address. It returns an error matching
// ErrNotFound when the wallet was not monitored.
func (c *Client) RemoveWallet(ctx context.Context, address string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/v1/wallets/"+url.PathEscape(address), nil, nil)
	return err
}

// ListWallets returns monitored wallets in the order they were added.
func (c *Client) ListWallets(ctx context.Context) ([]Wallet, error) {
	var out struct {
		Wallets []Wallet `json:"wallets"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/wallets", nil, &out); err != nil {
		return nil, err
	}
	return out.Wallets, nil
}

// ListTransactions returns ledger records, newest first.
func (c *Client) ListTransactions(ctx context.Context, q TransactionQuery) ([]Transaction, error) {
	var out struct {
		Transactions []Transaction `json:"transactions"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/transactions"+q.encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}
