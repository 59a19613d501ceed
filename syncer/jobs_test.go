package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"polymarket-copytrade/api"
	"polymarket-copytrade/config"
	"polymarket-copytrade/models"
	"polymarket-copytrade/storage"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReconciler struct {
	mu   sync.Mutex
	seen []string
	fail string
}

func (r *fakeReconciler) Reconcile(ctx context.Context, rec models.IdempotencyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, rec.IntentID)
	if rec.IntentID == r.fail {
		return errors.New("exchange unavailable")
	}
	return nil
}

func reserveAt(t *testing.T, store *storage.MemoryStore, intentID string, at time.Time) {
	t.Helper()
	_, err := store.ReserveIntent(context.Background(), storage.ReserveRequest{
		UserID:       "u1",
		IntentID:     intentID,
		KeySource:    models.KeySourceClient,
		CostEstimate: decimal.NewFromInt(1),
		Now:          at,
		TTL:          time.Hour,
	})
	require.NoError(t, err)
}

func TestIntentJanitor(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.UpsertAccount(context.Background(), models.Account{UserID: "u1", AvailableUSD: decimal.NewFromInt(100)}))

	now := time.Now().UTC()
	reserveAt(t, store, "stale-1", now.Add(-10*time.Minute))
	reserveAt(t, store, "stale-2", now.Add(-5*time.Minute))
	reserveAt(t, store, "fresh", now)
	reserveAt(t, store, "expired", now.Add(-2*time.Hour))
	require.NoError(t, store.FailIntent(context.Background(), storage.FailRequest{
		UserID: "u1", IntentID: "expired", Kind: models.KindExchangeRejected, Now: now.Add(-2 * time.Hour),
	}))

	rec := &fakeReconciler{fail: "stale-1"}
	cfg := config.Default().Janitor
	j := NewIntentJanitor(store, rec, cfg)

	stats, err := j.RunOnce(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"stale-1", "stale-2"}, rec.seen)
	assert.Equal(t, int64(2), stats.Processed)
	assert.Equal(t, int64(1), stats.Failures)

	gone, err := store.GetIntent(context.Background(), "u1", "expired")
	require.NoError(t, err)
	assert.Nil(t, gone)
	kept, err := store.GetIntent(context.Background(), "u1", "fresh")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestBalanceTracker(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.UpsertAccount(ctx, models.Account{UserID: "u1", AvailableUSD: decimal.NewFromInt(10)}))
	require.NoError(t, store.UpsertAccount(ctx, models.Account{UserID: "u2", AvailableUSD: decimal.NewFromInt(7)}))

	ex := api.NewMockExchange()
	ex.SetBalance("u1", decimal.RequireFromString("42.5"))

	stats, err := NewBalanceTracker(store, ex, time.Second).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Processed)
	assert.Equal(t, int64(1), stats.Failures)

	u1, _ := store.GetAccount(ctx, "u1")
	assert.Equal(t, "42.5", u1.AvailableUSD.String())
	u2, _ := store.GetAccount(ctx, "u2")
	assert.Equal(t, "7", u2.AvailableUSD.String(), "failed fetch leaves the balance alone")
}

func TestBalanceTracker_DefersWhileOrderSettles(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.UpsertAccount(ctx, models.Account{UserID: "u1", AvailableUSD: decimal.NewFromInt(100)}))
	_, err := store.ReserveIntent(ctx, storage.ReserveRequest{
		UserID: "u1", IntentID: "k1", KeySource: models.KeySourceClient,
		CostEstimate: decimal.NewFromInt(5), Now: time.Now(), TTL: time.Hour,
	})
	require.NoError(t, err)

	ex := api.NewMockExchange()
	ex.SetBalance("u1", decimal.NewFromInt(95))

	stats, err := NewBalanceTracker(store, ex, time.Second).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Skipped)
	assert.Zero(t, stats.Failures)

	u1, _ := store.GetAccount(ctx, "u1")
	assert.Equal(t, "100", u1.AvailableUSD.String())
}

type countingJob struct {
	runs atomic.Int64
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) RunOnce(ctx context.Context) (CycleStats, error) {
	n := j.runs.Add(1)
	return CycleStats{Job: j.Name(), Processed: n}, nil
}

func TestWorker_RunsJobsUntilStopped(t *testing.T) {
	metrics := NewMemoryMetrics()
	job := &countingJob{}
	w := NewWorker(metrics)
	w.Add(job, 10*time.Millisecond)
	w.Start()

	assert.Eventually(t, func() bool { return job.runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	w.Stop()

	stopped := job.runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, job.runs.Load())

	m, err := metrics.GetMetrics(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, m.Jobs["counting"].Processed, int64(3))
}
