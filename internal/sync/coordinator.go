package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/joaopcouto/adapsync/internal/correlation"
	"github.com/joaopcouto/adapsync/internal/model"
)

const (
	otelScope        = "adapsync/sync"
	spanRun          = "sync.retry_run"
	metricRuns       = "adapsync.sync.runs"
	metricProcessed  = "adapsync.sync.retries.processed"
	metricSucceeded  = "adapsync.sync.retries.succeeded"
	metricFailed     = "adapsync.sync.retries.failed"
	metricDelayed    = "adapsync.sync.retries.delayed"
	metricCleaned    = "adapsync.sync.records.cleaned"
	metricRecovered  = "adapsync.sync.records.recovered"
	metricQueueSize  = "adapsync.sync.queue.size"
	metricRunSeconds = "adapsync.sync.run.duration"
)

// Coordinator defaults.
const (
	DefaultSchedule         = "@every 1m"
	DefaultBatchSize        = 20
	DefaultCleanupBatchSize = 100
	DefaultCleanupAge       = 30 * 24 * time.Hour
)

var (
	// ErrDisabled is returned by [Coordinator.ForceRun] when retries are
	// switched off.
	ErrDisabled = errors.New("sync retries are disabled")
	// ErrRunInProgress is returned when another run holds the coordinator.
	ErrRunInProgress = errors.New("sync retry run already in progress")

	// errInterrupted is recorded on PENDING records whose first attempt
	// never wrote an outcome. Retries search for the event before creating
	// one, so these are retryable.
	errInterrupted = model.SyncError{
		Kind:      model.ErrUnknown,
		Message:   "first sync attempt did not record an outcome",
		Retryable: true,
	}
)

// Retrier retries one failed sync. Implemented by [Manager].
type Retrier interface {
	RetryFailedSync(ctx context.Context, rec *model.SyncRecord) (RetryOutcome, error)
}

// CoordinatorConfig controls the retry loop.
type CoordinatorConfig struct {
	Enabled bool
	// Schedule is a cron spec ("@every 1m", "*/5 * * * *").
	Schedule         string
	BatchSize        int
	CleanupBatchSize int
	// CleanupAge is how long OK records are kept.
	CleanupAge time.Duration
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.CleanupBatchSize <= 0 {
		c.CleanupBatchSize = DefaultCleanupBatchSize
	}
	if c.CleanupAge <= 0 {
		c.CleanupAge = DefaultCleanupAge
	}
	return c
}

// RunStats summarises one coordinator run.
type RunStats struct {
	Trigger     string        `json:"trigger"`
	StartedAt   time.Time     `json:"startedAt"`
	Duration    time.Duration `json:"-"`
	DurationMS  int64         `json:"durationMs"`
	QueueBefore int           `json:"queueBefore"`
	QueueAfter  int           `json:"queueAfter"`
	Processed   int           `json:"processed"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Delayed     int           `json:"delayed"`
	Skipped     int           `json:"skipped"`
	Recovered   int64         `json:"recovered"`
	Cleaned     int64         `json:"cleaned"`
}

// Totals accumulates RunStats over the coordinator's lifetime.
type Totals struct {
	Processed int   `json:"processed"`
	Succeeded int   `json:"succeeded"`
	Failed    int   `json:"failed"`
	Delayed   int   `json:"delayed"`
	Skipped   int   `json:"skipped"`
	Recovered int64 `json:"recovered"`
	Cleaned   int64 `json:"cleaned"`
}

// Metrics is a snapshot of the coordinator's in-memory counters.
type Metrics struct {
	Enabled      bool      `json:"enabled"`
	Running      bool      `json:"running"`
	Runs         int64     `json:"runs"`
	SkippedTicks int64     `json:"skippedTicks"`
	Totals       Totals    `json:"totals"`
	LastRun      *RunStats `json:"lastRun,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
}

// Coordinator drives automatic retries of failed syncs on a cron schedule.
// At most one run executes at a time within a process; a tick that finds a
// run in progress is skipped. Create one with [NewCoordinator].
type Coordinator struct {
	store   StateStore
	retrier Retrier
	policy  RetryPolicy
	cfg     CoordinatorConfig
	now     func() time.Time
	log     *slog.Logger

	cron    *cron.Cron
	running atomic.Bool

	mu           gosync.Mutex
	runs         int64
	skippedTicks int64
	totals       Totals
	lastRun      *RunStats
	lastErr      error

	// OTel instruments; no-op when telemetry is disabled.
	tracer       trace.Tracer
	cntRuns      metric.Int64Counter
	cntProcessed metric.Int64Counter
	cntSucceeded metric.Int64Counter
	cntFailed    metric.Int64Counter
	cntDelayed   metric.Int64Counter
	cntCleaned   metric.Int64Counter
	cntRecovered metric.Int64Counter
	gaugeQueue   metric.Int64Gauge
	histDuration metric.Float64Histogram
}

// CoordinatorOption customises a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// WithRetryPolicy sets the policy used to build the eligibility query. It
// should be the policy the retrier applies.
func WithRetryPolicy(p RetryPolicy) CoordinatorOption {
	return func(c *Coordinator) { c.policy = p.normalized() }
}

// NewCoordinator creates a Coordinator. Call [Coordinator.Start] to schedule
// it or [Coordinator.ForceRun] to run it once.
func NewCoordinator(store StateStore, retrier Retrier, cfg CoordinatorConfig, logger *slog.Logger, opts ...CoordinatorOption) *Coordinator {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}
	gauge, err := meter.Int64Gauge(metricQueueSize,
		metric.WithDescription("Failed sync records awaiting an automatic retry"))
	if err != nil {
		logger.Error("creating OTel gauge", "name", metricQueueSize, "error", err)
		gauge = noop.Int64Gauge{}
	}
	hist, err := meter.Float64Histogram(metricRunSeconds,
		metric.WithDescription("Duration of sync retry runs"), metric.WithUnit("s"))
	if err != nil {
		logger.Error("creating OTel histogram", "name", metricRunSeconds, "error", err)
		hist = noop.Float64Histogram{}
	}

	c := &Coordinator{
		store:   store,
		retrier: retrier,
		policy:  DefaultRetryPolicy(),
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		log:     logger,

		tracer:       tracer,
		cntRuns:      mustCounter(metricRuns, "Number of sync retry runs"),
		cntProcessed: mustCounter(metricProcessed, "Number of failed syncs picked up for retry"),
		cntSucceeded: mustCounter(metricSucceeded, "Number of retries that synced the reminder"),
		cntFailed:    mustCounter(metricFailed, "Number of retries that failed"),
		cntDelayed:   mustCounter(metricDelayed, "Number of retries deferred by spacing"),
		cntCleaned:   mustCounter(metricCleaned, "Number of old synced records purged"),
		cntRecovered: mustCounter(metricRecovered, "Number of interrupted first syncs turned into retryable failures"),
		gaugeQueue:   gauge,
		histDuration: hist,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start schedules runs on the configured cron spec. Runs use ctx, so
// cancelling it aborts in-flight work. Start is a no-op when retries are
// disabled.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.cfg.Enabled {
		c.log.Info("sync retries disabled, coordinator not started")
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return errors.New("coordinator already started")
	}

	cr := cron.New()
	if _, err := cr.AddFunc(c.cfg.Schedule, func() { c.tick(ctx) }); err != nil {
		return fmt.Errorf("scheduling sync retries %q: %w", c.cfg.Schedule, err)
	}
	cr.Start()
	c.cron = cr
	c.log.Info("sync retry coordinator started", "schedule", c.cfg.Schedule, "batch_size", c.cfg.BatchSize)
	return nil
}

// Stop unschedules runs and waits for an in-flight run to finish, or for
// ctx to expire.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	cr := c.cron
	c.cron = nil
	c.mu.Unlock()
	if cr == nil {
		return nil
	}

	select {
	case <-cr.Stop().Done():
		c.log.Info("sync retry coordinator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sync run to finish: %w", ctx.Err())
	}
}

// ForceRun performs one run immediately. It does not wait for a scheduled
// run in progress; it fails with [ErrRunInProgress] instead.
func (c *Coordinator) ForceRun(ctx context.Context) (RunStats, error) {
	return c.run(ctx, "manual")
}

func (c *Coordinator) tick(ctx context.Context) {
	stats, err := c.run(ctx, "scheduled")
	switch {
	case errors.Is(err, ErrRunInProgress):
		c.log.Debug("previous sync run still in progress, skipping tick")
	case err != nil:
		c.log.Error("sync retry run failed", "error", err)
	case stats.Processed > 0 || stats.Cleaned > 0 || stats.Recovered > 0:
		c.log.Info("sync retry run complete",
			"processed", stats.Processed, "succeeded", stats.Succeeded, "failed", stats.Failed,
			"delayed", stats.Delayed, "skipped", stats.Skipped, "recovered", stats.Recovered,
			"cleaned", stats.Cleaned,
			"queue_after", stats.QueueAfter, "duration", stats.Duration)
	}
}

func (c *Coordinator) run(ctx context.Context, trigger string) (RunStats, error) {
	if !c.cfg.Enabled {
		return RunStats{}, ErrDisabled
	}
	if !c.running.CompareAndSwap(false, true) {
		c.mu.Lock()
		c.skippedTicks++
		c.mu.Unlock()
		return RunStats{}, ErrRunInProgress
	}
	defer c.running.Store(false)

	ctx, span := c.tracer.Start(ctx, spanRun, trace.WithAttributes(attribute.String("sync.trigger", trigger)))
	defer span.End()

	start := c.now()
	stats := RunStats{Trigger: trigger, StartedAt: start}

	err := c.process(ctx, start, &stats)

	stats.Duration = c.now().Sub(start)
	stats.DurationMS = stats.Duration.Milliseconds()
	c.publish(ctx, stats, err)

	span.SetAttributes(
		attribute.Int("sync.queue_before", stats.QueueBefore),
		attribute.Int("sync.queue_after", stats.QueueAfter),
		attribute.Int("sync.processed", stats.Processed),
		attribute.Int("sync.succeeded", stats.Succeeded),
		attribute.Int("sync.failed", stats.Failed),
		attribute.Int("sync.delayed", stats.Delayed),
		attribute.Int64("sync.recovered", stats.Recovered),
		attribute.Int64("sync.cleaned", stats.Cleaned),
	)
	if err != nil {
		span.RecordError(err)
	}
	return stats, err
}

func (c *Coordinator) process(ctx context.Context, start time.Time, stats *RunStats) error {
	recovered, err := c.store.FailStalePending(ctx, c.policy.StaleBefore(start), errInterrupted, start)
	if err != nil {
		c.log.Error("recovering interrupted first syncs", "error", err)
	} else if recovered > 0 {
		c.log.Warn("recovered interrupted first syncs", "records", recovered)
	}
	stats.Recovered = recovered

	before, err := c.store.CountPending(ctx)
	if err != nil {
		return err
	}
	stats.QueueBefore = before

	records, err := c.store.FindRetryable(ctx, start, c.policy.TriedBefore(start), c.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		stats.Processed++
		itemCtx := correlation.WithID(ctx, correlation.NewID())
		outcome, err := c.retryOne(itemCtx, rec)
		if err != nil {
			c.log.Error("retrying sync record",
				"message_id", rec.MessageID, "user_id", rec.UserID,
				"correlation_id", correlation.ID(itemCtx), "error", err)
			stats.Failed++
			continue
		}
		switch outcome {
		case RetryOK:
			stats.Succeeded++
		case RetryDelayed:
			stats.Delayed++
		case RetrySkipped:
			stats.Skipped++
		default:
			stats.Failed++
		}
	}

	cleaned, err := c.store.DeleteSyncedBefore(ctx, start.Add(-c.cfg.CleanupAge), c.cfg.CleanupBatchSize)
	if err != nil {
		c.log.Error("purging old sync records", "error", err)
	}
	stats.Cleaned = cleaned

	after, err := c.store.CountPending(ctx)
	if err != nil {
		return err
	}
	stats.QueueAfter = after
	return nil
}

// retryOne isolates one record so a panic cannot abort the batch.
func (c *Coordinator) retryOne(ctx context.Context, rec *model.SyncRecord) (outcome RetryOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = RetryFailed, fmt.Errorf("panic retrying %s: %v", rec.MessageID, r)
		}
	}()
	return c.retrier.RetryFailedSync(ctx, rec)
}

func (c *Coordinator) publish(ctx context.Context, stats RunStats, err error) {
	c.cntRuns.Add(ctx, 1)
	if stats.Processed > 0 {
		c.cntProcessed.Add(ctx, int64(stats.Processed))
	}
	if stats.Succeeded > 0 {
		c.cntSucceeded.Add(ctx, int64(stats.Succeeded))
	}
	if stats.Failed > 0 {
		c.cntFailed.Add(ctx, int64(stats.Failed))
	}
	if stats.Delayed > 0 {
		c.cntDelayed.Add(ctx, int64(stats.Delayed))
	}
	if stats.Cleaned > 0 {
		c.cntCleaned.Add(ctx, stats.Cleaned)
	}
	if stats.Recovered > 0 {
		c.cntRecovered.Add(ctx, stats.Recovered)
	}
	c.gaugeQueue.Record(ctx, int64(stats.QueueAfter))
	c.histDuration.Record(ctx, stats.Duration.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs++
	c.totals.Processed += stats.Processed
	c.totals.Succeeded += stats.Succeeded
	c.totals.Failed += stats.Failed
	c.totals.Delayed += stats.Delayed
	c.totals.Skipped += stats.Skipped
	c.totals.Recovered += stats.Recovered
	c.totals.Cleaned += stats.Cleaned
	c.lastRun = &stats
	c.lastErr = err
}

// Metrics returns a snapshot of the coordinator's counters.
func (c *Coordinator) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := Metrics{
		Enabled:      c.cfg.Enabled,
		Running:      c.running.Load(),
		Runs:         c.runs,
		SkippedTicks: c.skippedTicks,
		Totals:       c.totals,
	}
	if c.lastRun != nil {
		last := *c.lastRun
		m.LastRun = &last
	}
	if c.lastErr != nil {
		m.LastError = c.lastErr.Error()
	}
	return m
}
