package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/gatewatch/service/ledger"
	"github.com/brojonat/gatewatch/service/registry"
)

const (
	maxRequestBodySize = 1 << 20
	defaultListLimit   = 100
	maxListLimit       = 1000
)

// WalletRegistry is the part of *registry.Registry the handlers use.
type WalletRegistry interface {
	Add(ctx context.Context, address string) (registry.AddResult, error)
	Remove(ctx context.Context, address string) (bool, error)
	List() []registry.MonitoredWallet
}

type walletResponse struct {
	Address           string     `json:"address"`
	AddedAt           time.Time  `json:"added_at"`
	LastSeenSignature *string    `json:"last_seen_signature,omitempty"`
	Status            string     `json:"status"`
	LastError         *string    `json:"last_error,omitempty"`
	LastPollAt        *time.Time `json:"last_poll_at,omitempty"`
}

func walletToResponse(w registry.MonitoredWallet) walletResponse {
	return walletResponse{
		Address:           w.Address,
		AddedAt:           w.AddedAt,
		LastSeenSignature: w.LastSeenSignature,
		Status:            string(w.Status),
		LastError:         w.LastError,
		LastPollAt:        w.LastPollAt,
	}
}

// handleAddWallet starts monitoring a wallet.
// POST /api/v1/wallets {"address": "..."}
// 201 when newly added, 200 when it was already monitored.
func handleAddWallet(reg WalletRegistry, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Address string `json:"address"`
		}
		if !decodeBody(w, r, &req, false, logger) {
			return
		}

		address := strings.TrimSpace(req.Address)
		if address == "" {
			writeError(w, "address is required", http.StatusBadRequest)
			return
		}

		res, err := reg.Add(r.Context(), address)
		if err != nil {
			if errors.Is(err, registry.ErrInvalidAddress) {
				logger.DebugContext(r.Context(), "invalid address", "address", address, "error", err)
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			logger.ErrorContext(r.Context(), "failed to add wallet", "address", address, "error", err)
			writeError(w, "failed to start monitoring wallet", http.StatusInternalServerError)
			return
		}

		status := http.StatusCreated
		message := "wallet monitoring started"
		if res.AlreadyMonitored {
			status = http.StatusOK
			message = "wallet is already monitored"
		} else {
			logger.InfoContext(r.Context(), "wallet added", "address", address)
		}

		writeJSON(w, map[string]any{
			"success":           true,
			"message":           message,
			"already_monitored": res.AlreadyMonitored,
			"wallet":            walletToResponse(res.Wallet),
		}, status)
	})
}

// handleRemoveWallet stops monitoring a wallet.
// DELETE /api/v1/wallets/{address}
func handleRemoveWallet(reg WalletRegistry, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := registry.ValidateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		removed, err := reg.Remove(r.Context(), address)
		if err != nil && !removed {
			logger.ErrorContext(r.Context(), "failed to remove wallet", "address", address, "error", err)
			writeError(w, "failed to stop monitoring wallet", http.StatusInternalServerError)
			return
		}
		if err != nil {
			// Monitoring has stopped; only the stored row lingers.
			logger.WarnContext(r.Context(), "wallet removed with store error", "address", address, "error", err)
		}
		if !removed {
			writeError(w, "wallet not monitored", http.StatusNotFound)
			return
		}

		logger.InfoContext(r.Context(), "wallet removed", "address", address)
		writeJSON(w, map[string]any{
			"success": true,
			"message": "wallet monitoring stopped",
			"address": address,
		}, http.StatusOK)
	})
}

// handleListWallets returns monitored wallets in insertion order.
// GET /api/v1/wallets
func handleListWallets(reg WalletRegistry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wallets := reg.List()
		resp := make([]walletResponse, len(wallets))
		for i, mw := range wallets {
			resp[i] = walletToResponse(mw)
		}
		writeJSON(w, map[string]any{
			"wallets": resp,
			"count":   len(resp),
		}, http.StatusOK)
	})
}

type transactionResponse struct {
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

func transactionToResponse(t *ledger.TransactionMetadata) transactionResponse {
	return transactionResponse{
		Signature:          t.Signature,
		DeliveryMethod:     string(t.DeliveryMethod),
		CostLamports:       t.CostLamports,
		JitoTipLamports:    t.JitoTipLamports,
		JitoRefundLamports: t.JitoRefundLamports,
		Success:            t.Success,
		Timestamp:          t.Timestamp,
		ResponseTimeMs:     t.ResponseTimeMs,
		ConfirmationTimeMs: t.ConfirmationTimeMs,
		Error:              t.Error,
		OriginWallet:       t.OriginWallet,
		Origin:             string(t.Origin),
		Slot:               t.Slot,
		Seq:                t.Seq,
	}
}

// handleListTransactions lists ledger records, newest first.
// GET /api/v1/transactions?wallet=&origin=&since=&until=&limit=
func handleListTransactions(led ledger.Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		filter := ledger.ListFilter{Limit: defaultListLimit}

		if wallet := query.Get("wallet"); wallet != "" {
			if err := registry.ValidateAddress(wallet); err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			filter.Wallet = &wallet
		}

		origin, err := parseOrigin(query.Get("origin"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		filter.Origin = origin

		if filter.Start, err = parseTime(query.Get("since"), "since"); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if filter.End, err = parseTime(query.Get("until"), "until"); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if filter.Start != nil && filter.End != nil && !filter.Start.Before(*filter.End) {
			writeError(w, "since must be before until", http.StatusBadRequest)
			return
		}

		if limitStr := query.Get("limit"); limitStr != "" {
			limit, err := strconv.Atoi(limitStr)
			if err != nil {
				writeError(w, "invalid limit parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if limit < 1 || limit > maxListLimit {
				writeError(w, fmt.Sprintf("limit must be between 1 and %d", maxListLimit), http.StatusBadRequest)
				return
			}
			filter.Limit = limit
		}

		txns, err := led.List(r.Context(), filter)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list transactions", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]transactionResponse, len(txns))
		for i := range txns {
			resp[i] = transactionToResponse(&txns[i])
		}
		writeJSON(w, map[string]any{
			"transactions": resp,
			"count":        len(resp),
			"limit":        filter.Limit,
		}, http.StatusOK)
	})
}

// decodeBody reads a JSON request body into dst. When allowEmpty is set an
// empty body leaves dst untouched. It writes the error response itself and
// reports whether the handler should continue.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool, logger *slog.Logger) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil {
		return true
	}
	if allowEmpty && errors.Is(err, io.EOF) {
		return true
	}

	logger.DebugContext(r.Context(), "failed to decode request body", "error", err)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
		return false
	}
	writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
	return false
}

func parseOrigin(s string) (*ledger.Origin, error) {
	if s == "" || s == "all" {
		return nil, nil
	}
	o, err := ledger.ParseOrigin(s)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func parseTime(s, name string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: must be an RFC3339 timestamp", name)
	}
	return &t, nil
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, map[string]string{"error": message}, statusCode)
}
