package demo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brojonat/gatewatch/service/gateway"
	"github.com/brojonat/gatewatch/service/ledger"
	"github.com/brojonat/gatewatch/service/metrics"
	"github.com/google/uuid"
)

// Run bounds and defaults.
const (
	MinCount          = 1
	MaxCount          = 50
	MinIntervalMs     = 1000
	MaxIntervalMs     = 10000
	DefaultCount      = 10
	DefaultIntervalMs = 3000
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAlreadyRunning  = errors.New("demo already running")
	ErrNotConfigured   = errors.New("demo transaction source not configured")
	ErrClosed          = errors.New("demo driver closed")
)

// AlreadyRunningError carries the progress of the run that blocked a Start.
type AlreadyRunningError struct {
	RunID    string
	Progress int
	Total    int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("demo already running (%d/%d)", e.Progress, e.Total)
}

func (e *AlreadyRunningError) Unwrap() error { return ErrAlreadyRunning }

// StartResult acknowledges an accepted run.
type StartResult struct {
	Accepted                 bool    `json:"accepted"`
	RunID                    string  `json:"run_id"`
	Count                    int     `json:"count"`
	IntervalMs               int     `json:"interval_ms"`
	EstimatedDurationSeconds float64 `json:"estimated_duration_seconds"`
}

// Status is the state of the current or most recent run.
type Status struct {
	RunID      string     `json:"run_id,omitempty"`
	IsRunning  bool       `json:"is_running"`
	Progress   int        `json:"progress"`
	Total      int        `json:"total"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	LastError  *string    `json:"last_error,omitempty"`
	Percentage float64    `json:"percentage"`
}

// ValidateParams checks count and interval bounds.
func ValidateParams(count, intervalMs int) error {
	if count < MinCount || count > MaxCount {
		return fmt.Errorf("%w: count must be between %d and %d, got %d", ErrInvalidArgument, MinCount, MaxCount, count)
	}
	if intervalMs < MinIntervalMs || intervalMs > MaxIntervalMs {
		return fmt.Errorf("%w: interval must be between %d and %d ms, got %d", ErrInvalidArgument, MinIntervalMs, MaxIntervalMs, intervalMs)
	}
	return nil
}

// Driver runs at most one synthetic submission sequence at a time.
type Driver struct {
	submitter gateway.Submitter
	source    TransactionSource
	ledger    ledger.Ledger
	opts      gateway.Options
	metrics   *metrics.Metrics
	logger    *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	running atomic.Bool

	mu     sync.Mutex
	status Status
	done   chan struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDriver creates a driver. A nil source makes Start fail with ErrNotConfigured.
func NewDriver(
	submitter gateway.Submitter,
	source TransactionSource,
	led ledger.Ledger,
	opts gateway.Options,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		submitter: submitter,
		source:    source,
		ledger:    led,
		opts:      opts,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepContext,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start validates the parameters and launches a run in the background. It
// returns as soon as the run is accepted.
func (d *Driver) Start(count, intervalMs int) (*StartResult, error) {
	if err := ValidateParams(count, intervalMs); err != nil {
		return nil, err
	}
	if d.source == nil {
		return nil, ErrNotConfigured
	}

	runID := uuid.NewString()
	startedAt := d.now().UTC()

	// The flag flips under mu so a rejected Start always sees the winner's status.
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	if !d.running.CompareAndSwap(false, true) {
		st := d.status
		d.mu.Unlock()
		return nil, &AlreadyRunningError{RunID: st.RunID, Progress: st.Progress, Total: st.Total}
	}
	d.status = Status{
		RunID:     runID,
		IsRunning: true,
		Total:     count,
		StartedAt: &startedAt,
	}
	done := make(chan struct{})
	d.done = done
	d.wg.Add(1)
	d.mu.Unlock()

	d.metrics.SetDemoProgress(0, count)
	d.logger.Info("demo run started", "run_id", runID, "count", count, "interval_ms", intervalMs)

	go d.run(runID, count, time.Duration(intervalMs)*time.Millisecond, done)

	return &StartResult{
		Accepted:                 true,
		RunID:                    runID,
		Count:                    count,
		IntervalMs:               intervalMs,
		EstimatedDurationSeconds: float64(count*intervalMs) / 1000,
	}, nil
}

// Status returns a copy of the current run state.
func (d *Driver) Status() Status {
	d.mu.Lock()
	st := d.status
	d.mu.Unlock()

	if st.Total > 0 {
		st.Percentage = float64(st.Progress) / float64(st.Total) * 100
	}
	return st
}

// Wait blocks until the current run, if any, has finished.
func (d *Driver) Wait(ctx context.Context) error {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close aborts any run in progress and waits for it to exit.
func (d *Driver) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

func (d *Driver) run(runID string, count int, interval time.Duration, done chan struct{}) {
	ctx := d.ctx
	logger := d.logger.With("run_id", runID)
	result := "completed"

	defer d.wg.Done()
	defer func() {
		if p := recover(); p != nil {
			logger.Error("demo run panicked", "panic", p)
			msg := fmt.Sprintf("panic: %v", p)
			d.mu.Lock()
			d.status.LastError = &msg
			d.mu.Unlock()
			result = "panicked"
		}

		finishedAt := d.now().UTC()
		d.mu.Lock()
		d.status.IsRunning = false
		d.status.FinishedAt = &finishedAt
		st := d.status
		d.running.Store(false)
		d.mu.Unlock()
		close(done)

		d.metrics.RecordDemoRun(result)
		logger.Info("demo run finished",
			"result", result,
			"progress", st.Progress,
			"succeeded", st.Succeeded,
			"failed", st.Failed,
		)
	}()

	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			result = "aborted"
			return
		}

		ok := d.attempt(ctx, logger)

		d.mu.Lock()
		d.status.Progress++
		if ok {
			d.status.Succeeded++
		} else {
			d.status.Failed++
		}
		progress := d.status.Progress
		d.mu.Unlock()
		d.metrics.SetDemoProgress(progress, count)

		if i == count-1 {
			break
		}
		if err := d.sleep(ctx, interval); err != nil {
			result = "aborted"
			return
		}
	}
}

// attempt builds and submits one transaction and records the outcome in the
// ledger. It reports whether the submission succeeded.
func (d *Driver) attempt(ctx context.Context, logger *slog.Logger) bool {
	// The record for an in-flight attempt is written even if the run is aborted.
	writeCtx := context.WithoutCancel(ctx)

	txB64, err := d.source.Next(ctx)
	if err != nil {
		d.recordFailure(writeCtx, logger, "", fmt.Errorf("build transaction: %w", err), nil)
		return false
	}

	start := time.Now()
	res, err := d.submitter.SendTransaction(ctx, txB64, d.opts)
	elapsed := float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		var gwErr *gateway.Error
		sig := ""
		if errors.As(err, &gwErr) {
			sig = gwErr.Signature
		}
		d.recordFailure(writeCtx, logger, sig, err, &elapsed)
		return false
	}

	rec := ledger.TransactionMetadata{
		Signature:          res.Signature,
		DeliveryMethod:     res.DeliveryMethod,
		CostLamports:       res.CostLamports,
		JitoTipLamports:    res.JitoTipLamports,
		JitoRefundLamports: res.JitoRefundLamports,
		Success:            true,
		Timestamp:          res.Timestamp,
		ResponseTimeMs:     &elapsed,
		Origin:             ledger.OriginDemo,
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = d.now().UTC()
	}
	d.append(writeCtx, logger, rec)
	return true
}

func (d *Driver) recordFailure(ctx context.Context, logger *slog.Logger, signature string, cause error, elapsed *float64) {
	if signature == "" {
		signature = "demo-failed-" + uuid.NewString()
	}
	msg := cause.Error()

	d.mu.Lock()
	d.status.LastError = &msg
	d.mu.Unlock()

	logger.WarnContext(ctx, "demo submission failed", "signature", signature, "error", cause)
	d.append(ctx, logger, ledger.TransactionMetadata{
		Signature:      signature,
		DeliveryMethod: ledger.DeliveryUnknown,
		Success:        false,
		Timestamp:      d.now().UTC(),
		ResponseTimeMs: elapsed,
		Error:          &msg,
		Origin:         ledger.OriginDemo,
	})
}

func (d *Driver) append(ctx context.Context, logger *slog.Logger, rec ledger.TransactionMetadata) {
	inserted, err := d.ledger.Append(ctx, rec)
	if err != nil {
		logger.ErrorContext(ctx, "failed to record demo transaction", "signature", rec.Signature, "error", err)
		return
	}
	d.metrics.RecordAppend(string(rec.Origin), string(rec.DeliveryMethod), inserted)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
