package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/gatewatch/service/ledger"
	"github.com/brojonat/gatewatch/service/monitor"
	"github.com/brojonat/gatewatch/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func addr(n byte) string {
	return solanago.PublicKey{n, 0xaa, 0xbb}.String()
}

// fakeRunner ticks until cancelled, counting iterations as "writes".
type fakeRunner struct {
	report  monitor.StatusReporter
	writes  atomic.Int64
	exited  atomic.Bool
	started chan struct{}
	// exitDelay is how long Run takes to return once cancelled.
	exitDelay time.Duration
}

func (f *fakeRunner) Run(ctx context.Context) error {
	defer f.exited.Store(true)
	close(f.started)
	for {
		select {
		case <-ctx.Done():
			time.Sleep(f.exitDelay)
			return ctx.Err()
		case <-time.After(time.Millisecond):
			f.writes.Add(1)
		}
	}
}

type fakeFactory struct {
	mu      sync.Mutex
	runners map[string]*fakeRunner
	calls     int
	err       error
	exitDelay time.Duration
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{runners: make(map[string]*fakeRunner)}
}

func (f *fakeFactory) build(address string, report monitor.StatusReporter) (Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	r := &fakeRunner{report: report, started: make(chan struct{}), exitDelay: f.exitDelay}
	f.runners[address] = r
	return r, nil
}

func (f *fakeFactory) runner(address string) *fakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runners[address]
}

func newTestRegistry(t *testing.T, store Store, f *fakeFactory) *Registry {
	t.Helper()
	r := New(store, f.build, nil, testLogger())
	t.Cleanup(r.Close)
	return r
}

func TestAdd_RejectsInvalidAddresses(t *testing.T) {
	r := newTestRegistry(t, nil, newFakeFactory())

	tests := []struct {
		name    string
		address string
	}{
		{"empty", ""},
		{"not base58", "0OIl-not-base58"},
		{"too short", "1111"},
		{"signature length", solanago.Signature{1, 2, 3}.String()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Add(context.Background(), tt.address)
			assert.ErrorIs(t, err, ErrInvalidAddress)
		})
	}
	assert.Zero(t, r.Len())
}

func TestAdd_StartsLoopAsStarting(t *testing.T) {
	f := newFakeFactory()
	store := NewMemoryStore()
	r := newTestRegistry(t, store, f)

	res, err := r.Add(context.Background(), addr(1))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.False(t, res.AlreadyMonitored)
	assert.Equal(t, monitor.StatusStarting, res.Wallet.Status)
	assert.False(t, res.Wallet.AddedAt.IsZero())

	select {
	case <-f.runner(addr(1)).started:
	case <-time.After(2 * time.Second):
		t.Fatal("loop was not started")
	}

	stored, err := store.ListWallets(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, addr(1), stored[0].Address)
}

func TestAdd_DuplicateIsAcceptedNoOp(t *testing.T) {
	f := newFakeFactory()
	r := newTestRegistry(t, nil, f)
	ctx := context.Background()

	_, err := r.Add(ctx, addr(1))
	require.NoError(t, err)

	res, err := r.Add(ctx, addr(1))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.AlreadyMonitored)
	assert.Equal(t, 1, f.calls)
	assert.Equal(t, 1, r.Len())
}

func TestAdd_ConcurrentSameAddressStartsOneLoop(t *testing.T) {
	f := newFakeFactory()
	r := newTestRegistry(t, nil, f)

	var wg sync.WaitGroup
	var already atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Add(context.Background(), addr(7))
			assert.NoError(t, err)
			if res.AlreadyMonitored {
				already.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.calls)
	assert.Equal(t, int32(19), already.Load())
	assert.Equal(t, 1, r.Len())
	assert.Zero(t, r.locks.size())
}

func TestAdd_FactoryErrorRollsBack(t *testing.T) {
	f := newFakeFactory()
	f.err = errors.New("no fetcher")
	store := NewMemoryStore()
	r := newTestRegistry(t, store, f)

	_, err := r.Add(context.Background(), addr(1))
	require.Error(t, err)
	assert.Zero(t, r.Len())

	stored, _ := store.ListWallets(context.Background())
	assert.Empty(t, stored)
}

func TestList_InsertionOrder(t *testing.T) {
	r := newTestRegistry(t, nil, newFakeFactory())
	ctx := context.Background()

	for _, n := range []byte{5, 2, 9, 1} {
		_, err := r.Add(ctx, addr(n))
		require.NoError(t, err)
	}
	_, err := r.Remove(ctx, addr(9))
	require.NoError(t, err)
	_, err = r.Add(ctx, addr(9))
	require.NoError(t, err)

	var got []string
	for _, w := range r.List() {
		got = append(got, w.Address)
	}
	assert.Equal(t, []string{addr(5), addr(2), addr(1), addr(9)}, got)
}

func TestRemove_Unknown(t *testing.T) {
	r := newTestRegistry(t, nil, newFakeFactory())
	removed, err := r.Remove(context.Background(), addr(1))
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRemove_JoinsLoopBeforeReturning(t *testing.T) {
	f := newFakeFactory()
	store := NewMemoryStore()
	r := newTestRegistry(t, store, f)
	ctx := context.Background()

	_, err := r.Add(ctx, addr(3))
	require.NoError(t, err)
	runner := f.runner(addr(3))
	require.Eventually(t, func() bool { return runner.writes.Load() > 0 }, 2*time.Second, time.Millisecond)

	removed, err := r.Remove(ctx, addr(3))
	require.NoError(t, err)
	require.True(t, removed)

	assert.True(t, runner.exited.Load(), "loop must have exited when Remove returns")
	after := runner.writes.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, runner.writes.Load())

	_, ok := r.Get(addr(3))
	assert.False(t, ok)
	stored, _ := store.ListWallets(ctx)
	assert.Empty(t, stored)
}

func TestRemove_FinishesWhenCallerContextExpires(t *testing.T) {
	f := newFakeFactory()
	f.exitDelay = 50 * time.Millisecond
	store := NewMemoryStore()
	r := newTestRegistry(t, store, f)

	_, err := r.Add(context.Background(), addr(4))
	require.NoError(t, err)
	first := f.runner(addr(4))
	<-first.started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	removed, err := r.Remove(ctx, addr(4))
	require.NoError(t, err)
	require.True(t, removed)
	assert.True(t, first.exited.Load())

	_, ok := r.Get(addr(4))
	assert.False(t, ok)
	assert.Empty(t, r.List())
	stored, _ := store.ListWallets(context.Background())
	assert.Empty(t, stored)

	res, err := r.Add(context.Background(), addr(4))
	require.NoError(t, err)
	assert.False(t, res.AlreadyMonitored)
	f.mu.Lock()
	assert.Equal(t, 2, f.calls)
	f.mu.Unlock()
	second := f.runner(addr(4))
	require.NotSame(t, first, second)
	require.Eventually(t, func() bool { return second.writes.Load() > 0 }, 2*time.Second, time.Millisecond)
}

// flakyDeleteStore fails DeleteWallet while failDelete is set.
type flakyDeleteStore struct {
	*MemoryStore
	failDelete atomic.Bool
}

func (s *flakyDeleteStore) DeleteWallet(ctx context.Context, address string) error {
	if s.failDelete.Load() {
		return errors.New("connection reset")
	}
	return s.MemoryStore.DeleteWallet(ctx, address)
}

func TestRemove_StoreFailureStillStopsMonitoring(t *testing.T) {
	f := newFakeFactory()
	store := &flakyDeleteStore{MemoryStore: NewMemoryStore()}
	r := newTestRegistry(t, store, f)
	ctx := context.Background()

	_, err := r.Add(ctx, addr(6))
	require.NoError(t, err)
	runner := f.runner(addr(6))
	<-runner.started

	store.failDelete.Store(true)
	removed, err := r.Remove(ctx, addr(6))
	require.Error(t, err)
	assert.True(t, removed)
	assert.True(t, runner.exited.Load())
	_, ok := r.Get(addr(6))
	assert.False(t, ok)
	assert.Zero(t, r.Len())

	stored, _ := store.ListWallets(ctx)
	require.Len(t, stored, 1)

	store.failDelete.Store(false)
	removed, err = r.Remove(ctx, addr(6))
	require.NoError(t, err)
	assert.False(t, removed)
	stored, _ = store.ListWallets(ctx)
	assert.Empty(t, stored)
}

func TestRemove_ListDoesNotBlockOnLoops(t *testing.T) {
	r := newTestRegistry(t, nil, newFakeFactory())
	ctx := context.Background()
	for n := byte(1); n <= 10; n++ {
		_, err := r.Add(ctx, addr(n))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for n := byte(1); n <= 10; n++ {
		wg.Add(2)
		go func(n byte) {
			defer wg.Done()
			_, _ = r.Remove(ctx, addr(n))
		}(n)
		go func() {
			defer wg.Done()
			_ = r.List()
		}()
	}
	wg.Wait()
	assert.Zero(t, r.Len())
	assert.Empty(t, r.List())
}

func TestReporter_UpdatesWallet(t *testing.T) {
	f := newFakeFactory()
	store := NewMemoryStore()
	r := newTestRegistry(t, store, f)
	fixed := time.Date(2025, 5, 5, 5, 5, 5, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	_, err := r.Add(context.Background(), addr(4))
	require.NoError(t, err)
	report := f.runner(addr(4)).report

	report(monitor.StatusError, nil, errors.New("rpc down"))
	w, ok := r.Get(addr(4))
	require.True(t, ok)
	assert.Equal(t, monitor.StatusError, w.Status)
	require.NotNil(t, w.LastError)
	assert.Equal(t, "rpc down", *w.LastError)
	require.NotNil(t, w.LastPollAt)
	assert.Equal(t, fixed, *w.LastPollAt)

	cursor := "5j7s6NiJS3JAkvgkoc18WVAsiSaci2pxB2A6ueCJP4tprA2TFg9wSyTLeYouxPBJEMzJinENTkpA52YStRW5Dia7"
	report(monitor.StatusActive, &cursor, nil)
	w, _ = r.Get(addr(4))
	assert.Equal(t, monitor.StatusActive, w.Status)
	assert.Nil(t, w.LastError)
	require.NotNil(t, w.LastSeenSignature)
	assert.Equal(t, cursor, *w.LastSeenSignature)

	stored, _ := store.ListWallets(context.Background())
	require.Len(t, stored, 1)
	require.NotNil(t, stored[0].LastSeenSignature)
	assert.Equal(t, cursor, *stored[0].LastSeenSignature)
}

func TestRestore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.SaveWallet(ctx, StoredWallet{Address: addr(1), AddedAt: time.Now()}))
	require.NoError(t, store.SaveWallet(ctx, StoredWallet{Address: "garbage", AddedAt: time.Now()}))
	require.NoError(t, store.SaveWallet(ctx, StoredWallet{Address: addr(2), AddedAt: time.Now()}))

	f := newFakeFactory()
	r := newTestRegistry(t, store, f)

	n, err := r.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, addr(1), r.List()[0].Address)

	n, err = r.Restore(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClose_StopsAllLoops(t *testing.T) {
	f := newFakeFactory()
	r := New(nil, f.build, nil, testLogger())
	ctx := context.Background()

	for n := byte(1); n <= 3; n++ {
		_, err := r.Add(ctx, addr(n))
		require.NoError(t, err)
	}
	r.Close()

	for n := byte(1); n <= 3; n++ {
		assert.True(t, f.runner(addr(n)).exited.Load())
	}

	_, err := r.Add(ctx, addr(9))
	assert.ErrorIs(t, err, ErrClosed)
}

// stubFetcher always returns the same metadata-only transaction.
type stubFetcher struct {
	calls atomic.Int64
}

func (s *stubFetcher) GetTransactionsSince(ctx context.Context, params solana.GetTransactionsSinceParams) ([]*solana.Transaction, error) {
	n := s.calls.Add(1)
	sig := solanago.Signature{byte(n), params.Wallet[0], 0x01}
	return []*solana.Transaction{{
		Signature: sig.String(),
		Slot:      uint64(n),
		BlockTime: time.Now().UTC(),
	}}, nil
}

func TestRegistry_WithMonitorLoops(t *testing.T) {
	led := ledger.NewMemoryLedger()
	fetcher := &stubFetcher{}
	factory := NewMonitorFactory(fetcher, led, monitor.Config{
		PollInterval: 5 * time.Millisecond,
		MaxBackoff:   10 * time.Millisecond,
	}, nil, testLogger())
	r := New(nil, factory, nil, testLogger())
	t.Cleanup(r.Close)
	ctx := context.Background()

	_, err := r.Add(ctx, addr(1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		w, ok := r.Get(addr(1))
		return ok && w.Status == monitor.StatusActive && w.LastSeenSignature != nil
	}, 2*time.Second, 5*time.Millisecond)

	removed, err := r.Remove(ctx, addr(1))
	require.NoError(t, err)
	require.True(t, removed)

	wm, err := led.Watermark(ctx)
	require.NoError(t, err)
	require.NotZero(t, wm)

	time.Sleep(30 * time.Millisecond)
	wmAfter, err := led.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, wm, wmAfter, fmt.Sprintf("ledger grew after Remove: %d -> %d", wm, wmAfter))
}
