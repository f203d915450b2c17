package publish

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"crosspost/internal/auth"
	"crosspost/internal/broker"
	"crosspost/internal/claim"
)

// Runner is an in-process worker for development deployments without a real
// fleet. It goes through the same claim and credential paths an external
// worker would, so the coordination layer sees no difference.
type Runner struct {
	claims    *claim.Service
	broker    *broker.Broker
	publisher Publisher
	scope     auth.Scope
	pollEvery time.Duration
	stop      chan struct{}
}

func NewRunner(claims *claim.Service, b *broker.Broker, publisher Publisher, scope auth.Scope, pollEvery time.Duration) *Runner {
	if pollEvery <= 0 {
		pollEvery = 5 * time.Second
	}
	return &Runner{
		claims:    claims,
		broker:    b,
		publisher: publisher,
		scope:     scope,
		pollEvery: pollEvery,
		stop:      make(chan struct{}),
	}
}

func (r *Runner) Run(ctx context.Context) {
	t := time.NewTicker(r.pollEvery)
	defer t.Stop()

	log.Info().Str("worker_id", r.scope.WorkerID).Dur("poll", r.pollEvery).Msg("local publish runner started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-t.C:
			r.drain(ctx)
		}
	}
}

func (r *Runner) Stop() { close(r.stop) }

func (r *Runner) drain(ctx context.Context) {
	for {
		jobs, err := r.claims.PullJobs(ctx, r.scope, "", claim.MaxPullLimit)
		if err != nil {
			log.Error().Err(err).Msg("local runner pull")
			return
		}
		if len(jobs) == 0 {
			return
		}
		for _, job := range jobs {
			r.execute(ctx, job)
		}
	}
}

func (r *Runner) execute(ctx context.Context, job claim.PulledJob) {
	publishJob := job.Data.Publish
	if publishJob == nil {
		_ = r.claims.FailJob(ctx, r.scope, job.JobID, job.LockToken, "unsupported payload kind", false, 0)
		return
	}

	cred, err := r.broker.Credentials(ctx, r.scope, publishJob.AccountID, job.JobID, publishJob.PageID)
	if err != nil {
		retryable := !errors.Is(err, broker.ErrDenied)
		_ = r.claims.FailJob(ctx, r.scope, job.JobID, job.LockToken, "credentials: "+err.Error(), retryable, 0)
		return
	}

	result, err := r.publisher.Publish(ctx, *publishJob, cred)
	if err != nil {
		_ = r.claims.FailJob(ctx, r.scope, job.JobID, job.LockToken, err.Error(), true, 0)
		return
	}

	if err := r.claims.CompleteJob(ctx, r.scope, job.JobID, job.LockToken, claim.CompleteResult{
		PlatformPostID: result.PlatformPostID,
		PlatformURL:    result.PlatformURL,
	}); err != nil {
		log.Error().Err(err).Str("job_id", job.JobID).Msg("local runner complete")
	}
}
