package claim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/auth"
	"crosspost/internal/domain"
	"crosspost/internal/queue"
	"crosspost/internal/store"
)

type fixture struct {
	svc   *Service
	queue *queue.Memory
	store *store.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	q := queue.NewMemory(time.Minute)
	st := store.NewMemory()
	return &fixture{svc: NewService(q, st), queue: q, store: st}
}

func (f *fixture) addWorker(t *testing.T, id, region string, platforms ...domain.Platform) auth.Scope {
	t.Helper()
	require.NoError(t, f.store.UpsertWorker(context.Background(), domain.Worker{
		ID: id, Region: region, Platforms: platforms, MaxConcurrentJobs: 5,
	}))
	return auth.Scope{WorkerID: id, Region: region, Platforms: platforms}
}

func (f *fixture) addPostJob(t *testing.T, platform domain.Platform, region string) (postID, jobID string) {
	t.Helper()
	ctx := context.Background()
	postID, err := f.store.CreatePost(ctx, domain.ScheduledPost{
		Platform: platform, SocialAccountID: "acc-1", Content: "hi",
		ScheduledTime: time.Now(), Status: domain.PostPosting, MaxRetries: 3,
	})
	require.NoError(t, err)
	jobID, err = f.queue.Enqueue(ctx, queue.Job{
		Platform: platform, Region: region, MaxAttempts: 3,
		Payload: domain.JobPayload{Kind: domain.KindPublishPost, Publish: &domain.PublishJob{
			ScheduledPostID: postID, AccountID: "acc-1", Platform: platform, Content: "hi",
		}},
	})
	require.NoError(t, err)
	return postID, jobID
}

func TestPullJobsScopedToPlatform(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	scope := f.addWorker(t, "wrk-1", "us-east-1", domain.PlatformFacebook)

	_, err := f.svc.PullJobs(context.Background(), scope, domain.PlatformTikTok, 5)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindPlatformForbidden, cerr.Kind)
}

func TestPullJobsLeasesAndRecords(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	scope := f.addWorker(t, "wrk-1", "us-east-1", domain.PlatformFacebook)
	postID, jobID := f.addPostJob(t, domain.PlatformFacebook, "us-east-1")

	jobs, err := f.svc.PullJobs(ctx, scope, "", 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, jobID, jobs[0].JobID)
	assert.NotEmpty(t, jobs[0].LockToken)
	assert.Equal(t, postID, jobs[0].Data.Publish.ScheduledPostID)

	record, err := f.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, "wrk-1", record.WorkerID)
	assert.Equal(t, domain.JobAssigned, record.Status)

	w, err := f.store.GetWorker(ctx, "wrk-1")
	require.NoError(t, err)
	assert.Equal(t, 1, w.CurrentLoad)
}

func TestPullJobsRefusedForInactiveWorker(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	scope := f.addWorker(t, "wrk-1", "us-east-1", domain.PlatformFacebook)
	f.addPostJob(t, domain.PlatformFacebook, "us-east-1")

	for _, status := range []domain.WorkerStatus{domain.WorkerDisabled, domain.WorkerDraining} {
		require.NoError(t, f.store.SetWorkerStatus(ctx, "wrk-1", status))
		jobs, err := f.svc.PullJobs(ctx, scope, "", 5)
		var cerr *Error
		require.ErrorAs(t, err, &cerr, "status %s must refuse new leases", status)
		assert.Equal(t, KindWorkerInactive, cerr.Kind)
		assert.Empty(t, jobs)
	}

	// Flipping back to active restores the pull path.
	require.NoError(t, f.store.SetWorkerStatus(ctx, "wrk-1", domain.WorkerActive))
	jobs, err := f.svc.PullJobs(ctx, scope, "", 5)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestDrainingWorkerCompletesInFlightJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	scope := f.addWorker(t, "wrk-1", "us-east-1", domain.PlatformFacebook)
	postID, jobID := f.addPostJob(t, domain.PlatformFacebook, "us-east-1")

	jobs, err := f.svc.PullJobs(ctx, scope, "", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	// Draining stops new leases but lets held work finish.
	require.NoError(t, f.store.SetWorkerStatus(ctx, "wrk-1", domain.WorkerDraining))
	require.NoError(t, f.svc.CompleteJob(ctx, scope, jobID, jobs[0].LockToken, CompleteResult{PlatformPostID: "fb_1"}))

	post, err := f.store.GetPost(ctx, postID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostPosted, post.Status)
}

func TestRecoverExpiredSettlesExhaustedJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	scope := f.addWorker(t, "wrk-1", "us-east-1", domain.PlatformFacebook)

	postID, err := f.store.CreatePost(ctx, domain.ScheduledPost{
		Platform: domain.PlatformFacebook, SocialAccountID: "acc-1", Content: "hi",
		ScheduledTime: time.Now(), Status: domain.PostPosting, MaxRetries: 1,
	})
	require.NoError(t, err)
	jobID, err := f.queue.Enqueue(ctx, queue.Job{
		Platform: domain.PlatformFacebook, Region: "us-east-1", MaxAttempts: 1,
		Payload: domain.JobPayload{Kind: domain.KindPublishPost, Publish: &domain.PublishJob{
			ScheduledPostID: postID, AccountID: "acc-1", Platform: domain.PlatformFacebook, Content: "hi",
		}},
	})
	require.NoError(t, err)

	jobs, err := f.svc.PullJobs(ctx, scope, "", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	// The worker vanishes; the lease runs out with no attempts left.
	n, err := f.svc.RecoverExpired(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	post, err := f.store.GetPost(ctx, postID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostFailed, post.Status)
	assert.Contains(t, post.ErrorMessage, "lease expired")

	record, err := f.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, record.Status)

	w, err := f.store.GetWorker(ctx, "wrk-1")
	require.NoError(t, err)
	assert.Equal(t, 0, w.CurrentLoad)

	leased, err := f.queue.Lease(ctx, domain.PlatformFacebook, "us-east-1", 1, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, leased, "settled job must not be leasable")
}

func TestConcurrentPullsNeverShareAJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		f.addPostJob(t, domain.PlatformFacebook, "us-east-1")
	}
	scopes := []auth.Scope{
		f.addWorker(t, "wrk-1", "us-east-1", domain.PlatformFacebook),
		f.addWorker(t, "wrk-2", "us-east-1", domain.PlatformFacebook),
		f.addWorker(t, "wrk-3", "us-east-1", domain.PlatformFacebook),
	}

	var mu sync.Mutex
	seen := make(map[string]string)
	var wg sync.WaitGroup
	for _, scope := range scopes {
		scope := scope
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs, err := f.svc.PullJobs(ctx, scope, "", 5)
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, j := range jobs {
				prev, dup := seen[j.JobID]
				require.False(t, dup, "job %s pulled by both %s and %s", j.JobID, prev, scope.WorkerID)
				seen[j.JobID] = scope.WorkerID
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 6)
}

func TestCompleteJobMarksPostPosted(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	scope := f.addWorker(t, "wrk-1", "us-east-1", domain.PlatformFacebook)
	postID, jobID := f.addPostJob(t, domain.PlatformFacebook, "us-east-1")

	jobs, err := f.svc.PullJobs(ctx, scope, "", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	err = f.svc.CompleteJob(ctx, scope, jobID, jobs[0].LockToken, CompleteResult{
		PlatformPostID: "fb_123", PlatformURL: "https://facebook.com/fb_123",
	})
	require.NoError(t, err)

	post, err := f.store.GetPost(ctx, postID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostPosted, post.Status)
	assert.Equal(t, "fb_123", post.PlatformPostID)
	require.NotNil(t, post.PublishedAt)

	w, err := f.store.GetWorker(ctx, "wrk-1")
	require.NoError(t, err)
	assert.Equal(t, 0, w.CurrentLoad)
	assert.Equal(t, 1, w.TotalJobsCompleted)
}

func TestCompleteJobRejectsWrongWorker(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	owner := f.addWorker(t, "wrk-1", "us-east-1", domain.PlatformFacebook)
	thief := f.addWorker(t, "wrk-2", "us-east-1", domain.PlatformFacebook)
	postID, jobID := f.addPostJob(t, domain.PlatformFacebook, "us-east-1")

	jobs, err := f.svc.PullJobs(ctx, owner, "", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	err = f.svc.CompleteJob(ctx, thief, jobID, jobs[0].LockToken, CompleteResult{})
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindNotOwner, cerr.Kind)

	// The denial left queue state untouched: the owner can still complete.
	require.NoError(t, f.svc.CompleteJob(ctx, owner, jobID, jobs[0].LockToken, CompleteResult{}))
	post, err := f.store.GetPost(ctx, postID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostPosted, post.Status)
}

func TestCompleteJobRejectsStaleToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	scope := f.addWorker(t, "wrk-1", "us-east-1", domain.PlatformFacebook)
	_, jobID := f.addPostJob(t, domain.PlatformFacebook, "us-east-1")

	jobs, err := f.svc.PullJobs(ctx, scope, "", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	err = f.svc.CompleteJob(ctx, scope, jobID, "lse_stale", CompleteResult{})
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindLeaseLost, cerr.Kind)
}

func TestCompleteJobUnknown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	scope := f.addWorker(t, "wrk-1", "us-east-1", domain.PlatformFacebook)

	err := f.svc.CompleteJob(context.Background(), scope, "job_missing", "lse_x", CompleteResult{})
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindNotFound, cerr.Kind)
}

func TestFailJobRetryableRequeues(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	scope := f.addWorker(t, "wrk-1", "us-east-1", domain.PlatformFacebook)
	postID, jobID := f.addPostJob(t, domain.PlatformFacebook, "us-east-1")

	jobs, err := f.svc.PullJobs(ctx, scope, "", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, f.svc.FailJob(ctx, scope, jobID, jobs[0].LockToken, "rate limited", true, time.Millisecond))

	// Post keeps posting status; the queue job comes back.
	post, err := f.store.GetPost(ctx, postID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostPosting, post.Status)
	assert.Equal(t, 1, post.RetryCount)
	assert.Equal(t, "rate limited", post.ErrorMessage)

	leased, err := f.queue.Lease(ctx, domain.PlatformFacebook, "us-east-1", 1, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, leased, 1)
}

func TestFailJobPermanent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	scope := f.addWorker(t, "wrk-1", "us-east-1", domain.PlatformFacebook)
	postID, jobID := f.addPostJob(t, domain.PlatformFacebook, "us-east-1")

	jobs, err := f.svc.PullJobs(ctx, scope, "", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, f.svc.FailJob(ctx, scope, jobID, jobs[0].LockToken, "account suspended", false, 0))

	post, err := f.store.GetPost(ctx, postID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostFailed, post.Status)
	assert.Equal(t, "account suspended", post.ErrorMessage)

	record, err := f.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, record.Status)

	leased, err := f.queue.Lease(ctx, domain.PlatformFacebook, "us-east-1", 1, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, leased, "permanently failed job must not be leasable")
}

func TestFailJobScopeMismatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	scope := f.addWorker(t, "wrk-1", "us-east-1", domain.PlatformFacebook)
	_, jobID := f.addPostJob(t, domain.PlatformFacebook, "us-east-1")

	jobs, err := f.svc.PullJobs(ctx, scope, "", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	// Same worker identity presenting a region outside the job's region.
	moved := auth.Scope{WorkerID: "wrk-1", Region: "eu-west-1", Platforms: scope.Platforms}
	err = f.svc.FailJob(ctx, moved, jobID, jobs[0].LockToken, "boom", true, 0)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindScopeMismatch, cerr.Kind)
}
