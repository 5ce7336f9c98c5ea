package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"btc-minter/internal/minter"
	"btc-minter/pkg/errno"
	"btc-minter/pkg/monitor"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	reconciles int
	saves      int
	err        error
	stats      minter.Stats
}

func (e *fakeEngine) Reconcile(context.Context) (minter.ReconcileReport, error) {
	e.reconciles++
	return minter.ReconcileReport{Confirmed: 1}, e.err
}

func (e *fakeEngine) SaveSnapshot(ctx context.Context, store minter.SnapshotStore) error {
	e.saves++
	return store.Save(ctx, []byte(`{"version":2}`))
}

func (e *fakeEngine) Stats() minter.Stats { return e.stats }

type memStore struct{ data []byte }

func (s *memStore) Save(_ context.Context, b []byte) error { s.data = b; return nil }
func (s *memStore) Load(context.Context) ([]byte, error) {
	if s.data == nil {
		return nil, minter.ErrNoSnapshot
	}
	return s.data, nil
}

// busyLock 模拟锁被其他实例持有
type busyLock struct{}

func (busyLock) Acquire(context.Context, string, time.Duration) (bool, error) { return false, nil }
func (busyLock) Release(context.Context, string) error                       { return nil }

func withMetrics(t *testing.T) *monitor.BusinessMetrics {
	prev := monitor.Business
	monitor.Business = monitor.NewBusinessMetrics(prometheus.NewRegistry())
	t.Cleanup(func() { monitor.Business = prev })
	return monitor.Business
}

func TestCronReconcileUpdatesMetrics(t *testing.T) {
	metrics := withMetrics(t)
	eng := &fakeEngine{stats: minter.Stats{
		ByState:     map[minter.UtxoState]int{minter.UtxoFree: 3, minter.UtxoReserved: 1},
		FreeBalance: 150_000_000,
		Submitted:   2,
	}}
	s := NewCronService(eng, &memStore{}, nil, "@every 1m", "@every 10m")

	s.RunReconcile(context.Background())
	assert.Equal(t, 1, eng.reconciles)
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.CustodyUtxos.WithLabelValues(string(minter.UtxoFree))))
	assert.Equal(t, 1.5, testutil.ToFloat64(metrics.CustodyBalanceBTC))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.SubmittedQueueLength))
}

func TestCronSkipsWhenLocked(t *testing.T) {
	eng := &fakeEngine{}
	store := &memStore{}
	s := NewCronService(eng, store, busyLock{}, "", "")

	s.RunReconcile(context.Background())
	s.RunCheckpoint(context.Background())
	assert.Zero(t, eng.reconciles)
	assert.Zero(t, eng.saves)
	assert.Nil(t, store.data)
}

func TestCronInvariantViolationHook(t *testing.T) {
	eng := &fakeEngine{err: errno.ErrInvariantViolation.WithMessage("reserved utxo without request")}
	s := NewCronService(eng, nil, nil, "", "")
	var got error
	s.OnInvariantViolation = func(err error) { got = err }

	s.RunReconcile(context.Background())
	require.Error(t, got)
	assert.True(t, errors.Is(got, errno.ErrInvariantViolation))

	// 普通错误不触发
	got = nil
	eng.err = errors.New("indexer down")
	s.RunReconcile(context.Background())
	assert.NoError(t, got)
}

func TestCronCheckpoint(t *testing.T) {
	eng := &fakeEngine{}
	store := &memStore{}
	s := NewCronService(eng, store, nil, "", "@every 1h")
	require.NoError(t, s.Start())
	defer s.Stop()

	s.RunCheckpoint(context.Background())
	assert.Equal(t, 1, eng.saves)
	assert.NotNil(t, store.data)
}
