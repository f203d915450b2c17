package store

import (
	"context"
	"errors"
	"time"

	"crosspost/internal/domain"
)

var ErrNotFound = errors.New("record not found")

// WorkerStore holds the registry of publishing workers and their health and
// performance counters.
type WorkerStore interface {
	UpsertWorker(ctx context.Context, w domain.Worker) error
	GetWorker(ctx context.Context, id string) (domain.Worker, error)
	ListWorkers(ctx context.Context) ([]domain.Worker, error)
	SetWorkerStatus(ctx context.Context, id string, status domain.WorkerStatus) error
	RecordHealth(ctx context.Context, id string, online bool, currentLoad int, avgResponseMillis int64, at time.Time) error
	// RecordResult folds one job outcome into the worker's counters and
	// rolling response time.
	RecordResult(ctx context.Context, id string, success bool, took time.Duration) error
	AdjustLoad(ctx context.Context, id string, delta int) error
}

// PostStore owns ScheduledPost rows. State transitions go through the
// dedicated methods so the scheduler's state machine is the only writer.
type PostStore interface {
	CreatePost(ctx context.Context, p domain.ScheduledPost) (string, error)
	GetPost(ctx context.Context, id string) (domain.ScheduledPost, error)
	ListPosts(ctx context.Context, status domain.PostStatus, limit int) ([]domain.ScheduledPost, error)
	DuePosts(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledPost, error)
	// MarkPosting flips scheduled→posting and reports whether this call won
	// the transition, so two ticks can never promote the same post.
	MarkPosting(ctx context.Context, id string) (bool, error)
	MarkPosted(ctx context.Context, id, platformPostID, platformURL string, at time.Time) error
	// Reschedule moves a post back to scheduled with a new due time and
	// bumps its retry count.
	Reschedule(ctx context.Context, id string, at time.Time, errMsg string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	// RecordAttempt notes a retryable in-flight failure without leaving the
	// posting state (the queue job will be re-leased).
	RecordAttempt(ctx context.Context, id, errMsg string) error
	// ResetForRetry puts a scheduled or failed post back to scheduled and due
	// now; used by the manual trigger.
	ResetForRetry(ctx context.Context, id string, now time.Time) error
}

// JobStore holds WorkerJob lease records.
type JobStore interface {
	CreateJob(ctx context.Context, j domain.WorkerJob) error
	GetJob(ctx context.Context, jobID string) (domain.WorkerJob, error)
	ActiveJobsByWorker(ctx context.Context, workerID string) ([]domain.WorkerJob, error)
	MarkJobDone(ctx context.Context, jobID string, status domain.JobStatus, at time.Time) error
	// BumpJobRetry keeps the record active and counts the attempt.
	BumpJobRetry(ctx context.Context, jobID string) error
}

// CredentialStore resolves platform secrets. Lookups are single-credential on
// purpose: callers name the exact account or page they need.
type CredentialStore interface {
	PutCredential(ctx context.Context, c domain.Credential) error
	AccountCredential(ctx context.Context, accountID string, platform domain.Platform) (domain.Credential, error)
	PageCredential(ctx context.Context, accountID, pageID string) (domain.Credential, error)
}

// AccountStore holds social accounts and their region assignments.
type AccountStore interface {
	PutAccount(ctx context.Context, a domain.SocialAccount) error
	GetAccount(ctx context.Context, id string) (domain.SocialAccount, error)
	ListAccounts(ctx context.Context) ([]domain.SocialAccount, error)
	GetAssignment(ctx context.Context, accountID string) (domain.RegionAssignment, error)
	PutAssignment(ctx context.Context, a domain.RegionAssignment) error
	ListAssignments(ctx context.Context) ([]domain.RegionAssignment, error)
}

// Store groups every persistence concern behind one injectable value.
type Store interface {
	WorkerStore
	PostStore
	JobStore
	CredentialStore
	AccountStore
}
