// Package syncloop polls the coordination server: each tick fetches
// the active JobRequests, expands each into Jobs, and posts back a
// trimmed snapshot of every affected Job.
package syncloop

import (
	"context"
	"time"

	"github.com/opensafely-core/job-runner/internal/expander"
	"github.com/opensafely-core/job-runner/internal/log"
	"github.com/opensafely-core/job-runner/internal/metrics"
	"github.com/opensafely-core/job-runner/internal/storage"
	"github.com/opensafely-core/job-runner/internal/types"
)

// CoordinationClient is the subset of internal/coordination.Client the
// sync loop needs.
type CoordinationClient interface {
	ActiveJobRequests(ctx context.Context) ([]*types.JobRequest, error)
	PostJobs(ctx context.Context, jobs []*types.Job) error
}

// Loop drives one sync tick at a time; Run blocks until ctx is
// cancelled, sleeping Interval between ticks.
type Loop struct {
	store    storage.Store
	client   CoordinationClient
	expander *expander.Expander
	Interval time.Duration

	now func() time.Time
}

func New(store storage.Store, client CoordinationClient, exp *expander.Expander, interval time.Duration) *Loop {
	return &Loop{store: store, client: client, expander: exp, Interval: interval, now: time.Now}
}

// Run blocks, ticking every Interval, until ctx is cancelled. A tick
// error never crashes the loop: it is logged and the loop backs off
// for five intervals before resuming.
func (l *Loop) Run(ctx context.Context) {
	logger := log.WithComponent("syncloop")
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	for {
		if err := l.Tick(ctx); err != nil {
			logger.Error().Err(err).Msg("sync tick failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.Interval * 5):
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs exactly one sync iteration: fetch, expand, post back.
func (l *Loop) Tick(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SyncLoopTickDuration)

	requests, err := l.client.ActiveJobRequests(ctx)
	if err != nil {
		metrics.SyncLoopRequestsTotal.WithLabelValues("fetch", "error").Inc()
		return err
	}
	metrics.SyncLoopRequestsTotal.WithLabelValues("fetch", "ok").Inc()

	var touched []*types.Job
	for _, jr := range requests {
		expandTimer := metrics.NewTimer()
		if err := l.expander.CreateOrUpdateJobs(ctx, jr); err != nil {
			logger := log.WithComponent("syncloop")
			logger.Error().Err(err).Str("job_request_id", jr.ID).Msg("expansion failed")
			expandTimer.ObserveDuration(metrics.ExpansionDuration)
			continue
		}
		expandTimer.ObserveDuration(metrics.ExpansionDuration)

		jobs, err := l.store.FindJobsByJobRequestID(jr.ID)
		if err != nil {
			return err
		}
		touched = append(touched, jobs...)
	}

	if len(touched) == 0 {
		return nil
	}
	if err := l.client.PostJobs(ctx, touched); err != nil {
		metrics.SyncLoopRequestsTotal.WithLabelValues("post", "error").Inc()
		return err
	}
	metrics.SyncLoopRequestsTotal.WithLabelValues("post", "ok").Inc()
	return nil
}
