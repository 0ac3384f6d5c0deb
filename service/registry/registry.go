package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/gatewatch/service/ledger"
	"github.com/brojonat/gatewatch/service/metrics"
	"github.com/brojonat/gatewatch/service/monitor"
	solanago "github.com/gagliardetto/solana-go"
)

var (
	// ErrInvalidAddress is returned for strings that are not base58 32-byte public keys.
	ErrInvalidAddress = errors.New("invalid wallet address")
	// ErrClosed is returned by Add after Close.
	ErrClosed = errors.New("registry is closed")
)

// MonitoredWallet is a wallet under observation and the state of its loop.
type MonitoredWallet struct {
	Address           string
	AddedAt           time.Time
	LastSeenSignature *string
	Status            monitor.Status
	LastError         *string
	LastPollAt        *time.Time
}

// AddResult reports the outcome of Add.
type AddResult struct {
	Accepted         bool
	AlreadyMonitored bool
	Wallet           MonitoredWallet
}

// Runner is a discovery loop. It must return promptly once ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// MonitorFactory builds the loop for one wallet. report must be called with the
// outcome of every poll.
type MonitorFactory func(address string, report monitor.StatusReporter) (Runner, error)

// NewMonitorFactory returns a factory producing monitor.Monitor loops.
func NewMonitorFactory(fetcher monitor.Fetcher, led ledger.Ledger, cfg monitor.Config, m *metrics.Metrics, logger *slog.Logger) MonitorFactory {
	return func(address string, report monitor.StatusReporter) (Runner, error) {
		return monitor.New(address, fetcher, led, cfg, report, m, logger)
	}
}

type entry struct {
	wallet MonitoredWallet // guarded by Registry.mu
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry owns the set of monitored wallets and one discovery loop per wallet.
//
// Add and Remove for the same address are serialized; different addresses
// proceed independently. List and Get only take the registry's read lock,
// which is never held across network I/O or while joining a loop.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	closed  bool

	locks      *keyedMutex
	store      Store
	newMonitor MonitorFactory
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup
}

// New creates an empty registry. Call Restore to resume persisted wallets.
func New(store Store, factory MonitorFactory, m *metrics.Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		entries:    make(map[string]*entry),
		locks:      newKeyedMutex(),
		store:      store,
		newMonitor: factory,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
		baseCtx:    ctx,
		cancelBase: cancel,
	}
}

// ValidateAddress checks that address is a base58-encoded 32-byte public key.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidAddress)
	}
	if _, err := solanago.PublicKeyFromBase58(address); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return nil
}

// Add starts monitoring address. Adding a wallet that is already monitored is
// accepted and changes nothing.
func (r *Registry) Add(ctx context.Context, address string) (AddResult, error) {
	if err := ValidateAddress(address); err != nil {
		return AddResult{}, err
	}

	unlock := r.locks.Lock(address)
	defer unlock()

	if w, ok := r.Get(address); ok {
		return AddResult{Accepted: true, AlreadyMonitored: true, Wallet: w}, nil
	}
	if r.isClosed() {
		return AddResult{}, ErrClosed
	}

	addedAt := r.now().UTC()
	if err := r.store.SaveWallet(ctx, StoredWallet{Address: address, AddedAt: addedAt}); err != nil {
		return AddResult{}, fmt.Errorf("persist wallet: %w", err)
	}

	w, err := r.start(StoredWallet{Address: address, AddedAt: addedAt})
	if err != nil {
		if delErr := r.store.DeleteWallet(ctx, address); delErr != nil {
			r.logger.ErrorContext(ctx, "failed to roll back wallet", "wallet", address, "error", delErr)
		}
		return AddResult{}, err
	}

	r.logger.InfoContext(ctx, "wallet added", "wallet", address)
	return AddResult{Accepted: true, Wallet: w}, nil
}

// Remove stops the wallet's loop, waits for it to exit and then forgets the
// wallet. It returns false when the address is not monitored. Once Remove
// returns true the loop has exited and will not write to the ledger again.
//
// Once the loop has been cancelled the removal always completes, whatever
// happens to ctx. If only the stored row could not be deleted, Remove returns
// true with an error; removing the address again retries the delete.
func (r *Registry) Remove(ctx context.Context, address string) (bool, error) {
	unlock := r.locks.Lock(address)
	defer unlock()

	r.mu.RLock()
	e, ok := r.entries[address]
	r.mu.RUnlock()
	if !ok {
		// Clears a row left behind by an earlier failed delete.
		if err := r.store.DeleteWallet(ctx, address); err != nil {
			r.logger.WarnContext(ctx, "failed to delete stored wallet", "wallet", address, "error", err)
		}
		return false, nil
	}

	// Cancellation reaches the loop's in-flight poll, so this wait is bounded
	// by one iteration.
	e.cancel()
	<-e.done

	r.mu.Lock()
	e.wallet.Status = monitor.StatusStopped
	delete(r.entries, address)
	for i, a := range r.order {
		if a == address {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	n := len(r.entries)
	r.mu.Unlock()

	r.metrics.ForgetWallet(address)
	r.metrics.SetMonitoredWallets(n)

	if err := r.store.DeleteWallet(context.WithoutCancel(ctx), address); err != nil {
		r.logger.ErrorContext(ctx, "wallet stopped but stored row was not deleted", "wallet", address, "error", err)
		return true, fmt.Errorf("delete stored wallet: %w", err)
	}
	r.logger.InfoContext(ctx, "wallet removed", "wallet", address)
	return true, nil
}

// List returns every monitored wallet in insertion order.
func (r *Registry) List() []MonitoredWallet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]MonitoredWallet, 0, len(r.order))
	for _, address := range r.order {
		out = append(out, r.entries[address].wallet)
	}
	return out
}

// Get returns the wallet for address, if monitored.
func (r *Registry) Get(address string) (MonitoredWallet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[address]
	if !ok {
		return MonitoredWallet{}, false
	}
	return e.wallet, true
}

// Len returns the number of monitored wallets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Restore starts loops for every persisted wallet not already running and
// returns how many were started.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	stored, err := r.store.ListWallets(ctx)
	if err != nil {
		return 0, fmt.Errorf("list stored wallets: %w", err)
	}

	restored := 0
	for _, sw := range stored {
		if err := ValidateAddress(sw.Address); err != nil {
			r.logger.WarnContext(ctx, "skipping invalid stored wallet", "wallet", sw.Address, "error", err)
			continue
		}
		started, err := r.restoreOne(sw)
		if err != nil {
			return restored, err
		}
		if started {
			restored++
		}
	}

	r.logger.InfoContext(ctx, "restored monitored wallets", "count", restored)
	return restored, nil
}

func (r *Registry) restoreOne(sw StoredWallet) (bool, error) {
	unlock := r.locks.Lock(sw.Address)
	defer unlock()

	if _, ok := r.Get(sw.Address); ok {
		return false, nil
	}
	if r.isClosed() {
		return false, ErrClosed
	}
	if _, err := r.start(sw); err != nil {
		return false, err
	}
	return true, nil
}

// Close stops every loop and waits for all of them to exit.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancelBase()
	r.wg.Wait()
}

func (r *Registry) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// start registers the wallet and launches its loop. The caller holds the
// address lock.
func (r *Registry) start(sw StoredWallet) (MonitoredWallet, error) {
	e := &entry{
		wallet: MonitoredWallet{
			Address:           sw.Address,
			AddedAt:           sw.AddedAt,
			LastSeenSignature: sw.LastSeenSignature,
			Status:            monitor.StatusStarting,
		},
		done: make(chan struct{}),
	}

	loopCtx, cancel := context.WithCancel(r.baseCtx)
	e.cancel = cancel

	runner, err := r.newMonitor(sw.Address, r.reporter(loopCtx, e))
	if err != nil {
		cancel()
		return MonitoredWallet{}, fmt.Errorf("create monitor: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return MonitoredWallet{}, ErrClosed
	}
	r.entries[sw.Address] = e
	r.order = append(r.order, sw.Address)
	n := len(r.entries)
	w := e.wallet
	// Added under mu so Close never races the WaitGroup.
	r.wg.Add(1)
	r.mu.Unlock()

	r.metrics.SetWalletStatus(sw.Address, string(monitor.StatusStarting))
	r.metrics.SetMonitoredWallets(n)

	go r.run(loopCtx, sw.Address, e, runner)
	return w, nil
}

func (r *Registry) run(ctx context.Context, address string, e *entry, runner Runner) {
	defer r.wg.Done()
	defer close(e.done)
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("wallet loop panicked", "wallet", address, "panic", p)
		}
	}()

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("wallet loop exited", "wallet", address, "error", err)
	}
}

// reporter folds poll outcomes into the entry. It only runs on the loop's
// goroutine, so it can never fire after Remove has joined the loop.
func (r *Registry) reporter(ctx context.Context, e *entry) monitor.StatusReporter {
	return func(status monitor.Status, lastSeen *string, err error) {
		now := r.now().UTC()

		r.mu.Lock()
		address := e.wallet.Address
		prev := e.wallet.LastSeenSignature
		e.wallet.Status = status
		e.wallet.LastPollAt = &now
		if lastSeen != nil {
			s := *lastSeen
			e.wallet.LastSeenSignature = &s
		}
		if err != nil {
			msg := err.Error()
			e.wallet.LastError = &msg
		} else {
			e.wallet.LastError = nil
		}
		r.mu.Unlock()

		r.metrics.SetWalletStatus(address, string(status))

		if lastSeen != nil && (prev == nil || *prev != *lastSeen) {
			if err := r.store.UpdateLastSeen(ctx, address, *lastSeen); err != nil && ctx.Err() == nil {
				r.logger.WarnContext(ctx, "failed to persist cursor", "wallet", address, "error", err)
			}
		}
	}
}
