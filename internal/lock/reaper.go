package lock

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/leader-election/internal/metrics"
)

// DefaultReaperInterval is how often expired leases are purged by default.
const DefaultReaperInterval = time.Minute

// ReaperJob periodically removes expired leases from a store.
// Acquire already purges the row it touches; the job keeps abandoned keys
// of crashed processes from accumulating.
type ReaperJob struct {
	reaper   Reaper
	region   string
	interval time.Duration
	timeout  time.Duration
	clock    clock.Clock
	logger   zerolog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// ReaperOption configures a ReaperJob.
type ReaperOption func(*ReaperJob)

// WithReaperClock sets the clock driving the purge ticker.
func WithReaperClock(clk clock.Clock) ReaperOption {
	return func(j *ReaperJob) {
		j.clock = clk
	}
}

// WithReaperTimeout bounds a single purge.
func WithReaperTimeout(d time.Duration) ReaperOption {
	return func(j *ReaperJob) {
		j.timeout = d
	}
}

// NewReaperJob creates a job that purges expired leases at the given interval.
// region is used for logging and metrics only.
func NewReaperJob(reaper Reaper, region string, interval time.Duration, logger zerolog.Logger, opts ...ReaperOption) *ReaperJob {
	if interval <= 0 {
		interval = DefaultReaperInterval
	}

	j := &ReaperJob{
		reaper:   reaper,
		region:   region,
		interval: interval,
		timeout:  30 * time.Second,
		clock:    clock.New(),
		logger:   logger.With().Str("component", "lock-reaper").Str("region", region).Logger(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start begins the reaper in a background goroutine.
// Calls after the first Start, or after Stop, are no-ops.
func (j *ReaperJob) Start() {
	j.startOnce.Do(func() {
		go j.run()
	})
}

// Stop signals the reaper to stop and waits for it to finish.
// Safe to call more than once, and before Start.
func (j *ReaperJob) Stop() {
	j.stopOnce.Do(func() {
		close(j.stopCh)
	})
	j.startOnce.Do(func() {
		close(j.doneCh)
	})
	<-j.doneCh
}

func (j *ReaperJob) run() {
	defer close(j.doneCh)

	j.RunOnce()

	ticker := j.clock.Ticker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			j.logger.Info().Msg("reaper stopped")
			return
		case <-ticker.C:
			j.RunOnce()
		}
	}
}

// RunOnce performs a single purge and returns the number of leases removed.
func (j *ReaperJob) RunOnce() int64 {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	count, err := j.reaper.PurgeExpired(ctx)
	if err != nil {
		j.logger.Error().Err(err).Msg("failed to purge expired leases")
		return 0
	}

	if count > 0 {
		metrics.RecordLocksPurged(j.region, count)
		j.logger.Info().
			Int64("removedCount", count).
			Msg("purged expired leases")
	}
	return count
}
