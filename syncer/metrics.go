package syncer

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const metricsKey = "copytrade:worker:metrics"

// CycleStats summarizes one run of a background job.
type CycleStats struct {
	Job           string        `json:"job"`
	Processed     int64         `json:"processed"`
	Transitions   int64         `json:"transitions"`
	Notifications int64         `json:"notifications"`
	Skipped       int64         `json:"skipped"`
	Failures      int64         `json:"failures"`
	MarketCalls   int64         `json:"market_calls"`
	Duration      time.Duration `json:"duration_ms"`
	FinishedAt    time.Time     `json:"finished_at"`
}

// SystemMetrics is the last cycle of every job.
type SystemMetrics struct {
	Jobs      map[string]CycleStats `json:"jobs"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// MetricsSink records finished cycles.
type MetricsSink interface {
	SaveCycle(ctx context.Context, stats CycleStats) error
	GetMetrics(ctx context.Context) (*SystemMetrics, error)
}

// MetricsStore keeps metrics in Redis so the API process can report on the
// worker process.
type MetricsStore struct {
	redis *redis.Client
}

// NewMetricsStore creates a new metrics store
func NewMetricsStore(redisClient *redis.Client) *MetricsStore {
	return &MetricsStore{redis: redisClient}
}

// SaveCycle merges stats into the stored snapshot.
func (m *MetricsStore) SaveCycle(ctx context.Context, stats CycleStats) error {
	system, err := m.GetMetrics(ctx)
	if err != nil {
		system = &SystemMetrics{}
	}
	if system.Jobs == nil {
		system.Jobs = make(map[string]CycleStats)
	}
	system.Jobs[stats.Job] = stats
	system.UpdatedAt = time.Now()

	data, err := json.Marshal(system)
	if err != nil {
		return err
	}
	return m.redis.Set(ctx, metricsKey, data, 24*time.Hour).Err()
}

// GetMetrics retrieves all metrics from Redis
func (m *MetricsStore) GetMetrics(ctx context.Context) (*SystemMetrics, error) {
	data, err := m.redis.Get(ctx, metricsKey).Result()
	if err != nil {
		if err == redis.Nil {
			return &SystemMetrics{Jobs: map[string]CycleStats{}}, nil
		}
		return nil, err
	}

	var metrics SystemMetrics
	if err := json.Unmarshal([]byte(data), &metrics); err != nil {
		return nil, err
	}
	return &metrics, nil
}

// MemoryMetrics is the single-process MetricsSink.
type MemoryMetrics struct {
	mu      sync.RWMutex
	metrics SystemMetrics
}

func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{metrics: SystemMetrics{Jobs: map[string]CycleStats{}}}
}

func (m *MemoryMetrics) SaveCycle(ctx context.Context, stats CycleStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.Jobs[stats.Job] = stats
	m.metrics.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryMetrics) GetMetrics(ctx context.Context) (*SystemMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := SystemMetrics{Jobs: make(map[string]CycleStats, len(m.metrics.Jobs)), UpdatedAt: m.metrics.UpdatedAt}
	for k, v := range m.metrics.Jobs {
		out.Jobs[k] = v
	}
	return &out, nil
}

// counters is filled concurrently during a cycle.
type counters struct {
	processed     atomic.Int64
	transitions   atomic.Int64
	notifications atomic.Int64
	skipped       atomic.Int64
	failures      atomic.Int64
	marketCalls   atomic.Int64
}

func (c *counters) stats(job string, started time.Time) CycleStats {
	return CycleStats{
		Job:           job,
		Processed:     c.processed.Load(),
		Transitions:   c.transitions.Load(),
		Notifications: c.notifications.Load(),
		Skipped:       c.skipped.Load(),
		Failures:      c.failures.Load(),
		MarketCalls:   c.marketCalls.Load(),
		Duration:      time.Since(started),
		FinishedAt:    time.Now().UTC(),
	}
}

var (
	_ MetricsSink = (*MetricsStore)(nil)
	_ MetricsSink = (*MemoryMetrics)(nil)
)
