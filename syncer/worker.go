package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Job is one periodic background task.
type Job interface {
	Name() string
	RunOnce(ctx context.Context) (CycleStats, error)
}

type scheduled struct {
	job      Job
	interval time.Duration
}

// Worker runs periodic background jobs (lifecycle tracking, intent
// cleanup, balance refresh). Each job runs on its own loop, so a cycle never
// overlaps the previous run of the same job.
type Worker struct {
	jobs    []scheduled
	metrics MetricsSink

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    zerolog.Logger
}

// NewWorker builds a new worker. metrics may be nil.
func NewWorker(metrics MetricsSink) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		log:     log.With().Str("component", "worker").Logger(),
	}
}

// Add registers job to run every interval once Start is called.
func (w *Worker) Add(job Job, interval time.Duration) {
	w.jobs = append(w.jobs, scheduled{job: job, interval: interval})
}

// Start launches background goroutines.
func (w *Worker) Start() {
	for _, s := range w.jobs {
		w.startLoop(s.job, s.interval)
	}
}

// Stop cancels in-flight cycles and waits for goroutines to exit.
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *Worker) startLoop(job Job, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		w.log.Info().Str("job", job.Name()).Dur("interval", interval).Msg("starting job")

		// Run immediately at startup
		w.runOnce(job, interval)

		for {
			select {
			case <-w.ctx.Done():
				w.log.Info().Str("job", job.Name()).Msg("job stopped")
				return
			case <-ticker.C:
				w.runOnce(job, interval)
			}
		}
	}()
}

func (w *Worker) runOnce(job Job, interval time.Duration) {
	ctx, cancel := context.WithTimeout(w.ctx, interval)
	defer cancel()

	stats, err := job.RunOnce(ctx)
	if err != nil {
		w.log.Error().Err(err).Str("job", job.Name()).Msg("cycle failed")
	}
	if w.metrics == nil || stats.Job == "" {
		return
	}
	mctx, mcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer mcancel()
	if err := w.metrics.SaveCycle(mctx, stats); err != nil {
		w.log.Warn().Err(err).Str("job", job.Name()).Msg("failed to save metrics")
	}
}
