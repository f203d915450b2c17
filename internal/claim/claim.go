package claim

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"crosspost/internal/auth"
	"crosspost/internal/domain"
	"crosspost/internal/queue"
	"crosspost/internal/store"
)

// MaxPullLimit caps how many jobs one pull may lease.
const MaxPullLimit = 5

type ErrorKind int

const (
	KindNotFound ErrorKind = iota + 1
	KindPlatformForbidden
	KindNotOwner
	KindScopeMismatch
	KindLeaseLost
	KindWorkerInactive
)

// Error is the structured claim failure. Callers switch on Kind to pick a
// status code; there is no way to accidentally treat a denial as success.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func claimErr(kind ErrorKind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

// PulledJob is what a worker receives for each leased job.
type PulledJob struct {
	JobID     string            `json:"jobId"`
	Platform  domain.Platform   `json:"platform"`
	Region    string            `json:"region"`
	Data      domain.JobPayload `json:"data"`
	Attempts  int               `json:"attempts"`
	LockToken string            `json:"lockToken"`
}

// CompleteResult carries the platform identifiers a worker reports back.
type CompleteResult struct {
	PlatformPostID string         `json:"platformPostId"`
	PlatformURL    string         `json:"platformUrl"`
	Analytics      map[string]any `json:"analytics,omitempty"`
}

// Service leases queue jobs to authenticated workers and settles their
// reports. All authorization is derived from the caller's Scope.
type Service struct {
	queue queue.Queue
	store store.Store
}

func NewService(q queue.Queue, st store.Store) *Service {
	return &Service{queue: q, store: st}
}

// PullJobs leases up to limit jobs across the scope's platforms in the
// scope's region. Exclusivity rests entirely on the queue's atomic lease:
// concurrent pulls never see the same job.
func (s *Service) PullJobs(ctx context.Context, scope auth.Scope, platform domain.Platform, limit int) ([]PulledJob, error) {
	if limit <= 0 || limit > MaxPullLimit {
		limit = MaxPullLimit
	}

	// Operator status gates new leases only. A draining worker keeps the
	// right to complete or fail what it already holds.
	worker, err := s.store.GetWorker(ctx, scope.WorkerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, claimErr(KindWorkerInactive, "worker "+scope.WorkerID+" is not registered")
	}
	if err != nil {
		return nil, err
	}
	if worker.Status != domain.WorkerActive {
		return nil, claimErr(KindWorkerInactive, "worker "+scope.WorkerID+" is "+string(worker.Status)+" and may not lease new jobs")
	}

	targets := scope.Platforms
	if platform != "" {
		if !scope.AllowsPlatform(platform) {
			return nil, claimErr(KindPlatformForbidden, "platform "+string(platform)+" not in worker scope")
		}
		targets = []domain.Platform{platform}
	}

	now := time.Now()
	var pulled []PulledJob
	for _, target := range targets {
		if len(pulled) >= limit {
			break
		}
		jobs, err := s.queue.Lease(ctx, target, scope.Region, limit-len(pulled), now)
		if err != nil {
			return nil, err
		}
		for _, job := range jobs {
			record := domain.WorkerJob{
				JobID:      job.ID,
				WorkerID:   scope.WorkerID,
				Platform:   job.Platform,
				Region:     job.Region,
				Status:     domain.JobAssigned,
				AssignedAt: now,
				RetryCount: job.Attempts - 1,
				MaxRetries: job.MaxAttempts,
				LeaseToken: job.LeaseToken,
			}
			if job.Payload.Publish != nil {
				record.ScheduledPostID = job.Payload.Publish.ScheduledPostID
				record.AccountID = job.Payload.Publish.AccountID
			}
			if err := s.store.CreateJob(ctx, record); err != nil {
				return nil, err
			}
			pulled = append(pulled, PulledJob{
				JobID:     job.ID,
				Platform:  job.Platform,
				Region:    job.Region,
				Data:      job.Payload,
				Attempts:  job.Attempts,
				LockToken: job.LeaseToken,
			})
		}
	}

	if len(pulled) > 0 {
		if err := s.store.AdjustLoad(ctx, scope.WorkerID, len(pulled)); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Str("worker_id", scope.WorkerID).Msg("adjust load after pull")
		}
		log.Info().Str("worker_id", scope.WorkerID).Int("count", len(pulled)).Msg("jobs leased")
	}
	return pulled, nil
}

// checkOwnership verifies the job exists, belongs to the caller, sits inside
// the caller's platform/region scope, and that lockToken matches the live
// lease. Each failure is distinct so handlers can report precisely.
func (s *Service) checkOwnership(ctx context.Context, scope auth.Scope, jobID, lockToken string) (domain.WorkerJob, *Error) {
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.WorkerJob{}, claimErr(KindNotFound, "job "+jobID+" not found")
	}
	if err != nil {
		return domain.WorkerJob{}, claimErr(KindNotFound, err.Error())
	}
	if job.WorkerID != scope.WorkerID {
		return domain.WorkerJob{}, claimErr(KindNotOwner, "job "+jobID+" is not assigned to this worker")
	}
	if !scope.AllowsPlatform(job.Platform) || job.Region != scope.Region {
		return domain.WorkerJob{}, claimErr(KindScopeMismatch, "job "+jobID+" is outside the worker's scope")
	}
	if !job.Active() {
		return domain.WorkerJob{}, claimErr(KindLeaseLost, "job "+jobID+" has no active lease")
	}
	if job.LeaseToken != lockToken {
		return domain.WorkerJob{}, claimErr(KindLeaseLost, "lock token does not match the live lease")
	}
	return job, nil
}

// CompleteJob acks the queue job and promotes the linked post to posted.
func (s *Service) CompleteJob(ctx context.Context, scope auth.Scope, jobID, lockToken string, result CompleteResult) error {
	job, cerr := s.checkOwnership(ctx, scope, jobID, lockToken)
	if cerr != nil {
		return cerr
	}

	if err := s.queue.Ack(ctx, jobID, lockToken); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			return claimErr(KindLeaseLost, "queue lease expired before completion")
		}
		return err
	}

	now := time.Now()
	if err := s.store.MarkJobDone(ctx, jobID, domain.JobCompleted, now); err != nil {
		return err
	}
	// A crash between the ack above and this update leaves the post in
	// posting; the operator surface exposes it for reconciliation.
	if job.ScheduledPostID != "" {
		if err := s.store.MarkPosted(ctx, job.ScheduledPostID, result.PlatformPostID, result.PlatformURL, now); err != nil {
			return err
		}
	}
	s.settleWorker(ctx, scope.WorkerID, true, now.Sub(job.AssignedAt))

	log.Info().
		Str("job_id", jobID).
		Str("worker_id", scope.WorkerID).
		Str("platform_post_id", result.PlatformPostID).
		Msg("job completed")
	return nil
}

// FailJob either requeues the job with a delay (retryable, attempts remain)
// or permanently fails both the queue job and the linked post.
func (s *Service) FailJob(ctx context.Context, scope auth.Scope, jobID, lockToken, errMsg string, shouldRetry bool, retryDelay time.Duration) error {
	job, cerr := s.checkOwnership(ctx, scope, jobID, lockToken)
	if cerr != nil {
		return cerr
	}

	now := time.Now()
	retryable := shouldRetry && job.RetryCount+1 < job.MaxRetries
	if retryDelay <= 0 {
		retryDelay = time.Duration(job.RetryCount+1) * 5 * time.Minute
	}

	if err := s.queue.Fail(ctx, jobID, lockToken, retryable, retryDelay); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			return claimErr(KindLeaseLost, "queue lease expired before failure report")
		}
		return err
	}

	if retryable {
		if err := s.store.BumpJobRetry(ctx, jobID); err != nil {
			return err
		}
		if job.ScheduledPostID != "" {
			if err := s.store.RecordAttempt(ctx, job.ScheduledPostID, errMsg); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
	} else {
		if err := s.store.MarkJobDone(ctx, jobID, domain.JobFailed, now); err != nil {
			return err
		}
		if job.ScheduledPostID != "" {
			if err := s.store.MarkFailed(ctx, job.ScheduledPostID, errMsg); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
	}
	s.settleWorker(ctx, scope.WorkerID, false, now.Sub(job.AssignedAt))

	log.Warn().
		Str("job_id", jobID).
		Str("worker_id", scope.WorkerID).
		Bool("retryable", retryable).
		Str("error", errMsg).
		Msg("job failed")
	return nil
}

// RecoverExpired sweeps expired queue leases. Jobs with attempts left become
// leasable again; jobs whose budget ran out are settled here, since the
// worker that held them is gone: the WorkerJob record closes, the worker's
// load drops, and the linked post fails with a visible error message.
func (s *Service) RecoverExpired(ctx context.Context, now time.Time) (int, error) {
	requeued, failed, err := s.queue.RecoverExpired(ctx, now)
	if err != nil {
		return 0, err
	}

	for _, job := range failed {
		errMsg := "job lease expired after " + strconv.Itoa(job.Attempts) + " attempts"
		record, err := s.store.GetJob(ctx, job.ID)
		if err == nil && record.Active() {
			if err := s.store.MarkJobDone(ctx, job.ID, domain.JobFailed, now); err != nil {
				log.Warn().Err(err).Str("job_id", job.ID).Msg("close expired job record")
			}
			if err := s.store.AdjustLoad(ctx, record.WorkerID, -1); err != nil && !errors.Is(err, store.ErrNotFound) {
				log.Warn().Err(err).Str("worker_id", record.WorkerID).Msg("adjust load after expiry")
			}
		}
		if job.Payload.Publish != nil {
			if err := s.store.MarkFailed(ctx, job.Payload.Publish.ScheduledPostID, errMsg); err != nil && !errors.Is(err, store.ErrNotFound) {
				log.Warn().Err(err).Str("post_id", job.Payload.Publish.ScheduledPostID).Msg("fail post after expiry")
			}
		}
		log.Warn().
			Str("job_id", job.ID).
			Int("attempts", job.Attempts).
			Msg("job failed permanently after lease expiry")
	}
	return requeued + len(failed), nil
}

func (s *Service) settleWorker(ctx context.Context, workerID string, success bool, took time.Duration) {
	if err := s.store.RecordResult(ctx, workerID, success, took); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn().Err(err).Str("worker_id", workerID).Msg("record worker result")
	}
	if err := s.store.AdjustLoad(ctx, workerID, -1); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn().Err(err).Str("worker_id", workerID).Msg("adjust load after settle")
	}
}
