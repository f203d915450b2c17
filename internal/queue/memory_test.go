package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/domain"
)

func publishPayload(postID string) domain.JobPayload {
	return domain.JobPayload{
		Kind: domain.KindPublishPost,
		Publish: &domain.PublishJob{
			ScheduledPostID: postID,
			AccountID:       "acc-1",
			Platform:        domain.PlatformFacebook,
			Content:         "hello",
		},
	}
}

func TestMemoryLeaseExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemory(time.Minute)

	for i := 0; i < 10; i++ {
		_, err := q.Enqueue(ctx, Job{
			Platform: domain.PlatformFacebook,
			Region:   "us-east-1",
			Payload:  publishPayload("pst-" + string(rune('a'+i))),
		})
		require.NoError(t, err)
	}

	now := time.Now()
	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs, err := q.Lease(ctx, domain.PlatformFacebook, "us-east-1", 3, now)
			require.NoError(t, err)
			mu.Lock()
			for _, j := range jobs {
				seen[j.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 10)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s leased more than once", id)
	}
}

func TestMemoryAckRequiresLiveLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemory(time.Minute)

	id, err := q.Enqueue(ctx, Job{Platform: domain.PlatformFacebook, Region: "us-east-1", Payload: publishPayload("pst-1")})
	require.NoError(t, err)

	jobs, err := q.Lease(ctx, domain.PlatformFacebook, "us-east-1", 1, time.Now())
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	assert.ErrorIs(t, q.Ack(ctx, id, "lse_bogus"), ErrLeaseLost)
	assert.ErrorIs(t, q.Ack(ctx, "job_missing", jobs[0].LeaseToken), ErrNotFound)
	require.NoError(t, q.Ack(ctx, id, jobs[0].LeaseToken))

	// Second ack under the spent token is stale.
	assert.ErrorIs(t, q.Ack(ctx, id, jobs[0].LeaseToken), ErrLeaseLost)
}

func TestMemoryFailRetryableRequeues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemory(time.Minute)

	id, err := q.Enqueue(ctx, Job{Platform: domain.PlatformTikTok, Region: "ap-southeast-1", MaxAttempts: 3, Payload: publishPayload("pst-1")})
	require.NoError(t, err)

	jobs, err := q.Lease(ctx, domain.PlatformTikTok, "ap-southeast-1", 1, time.Now())
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, id, jobs[0].LeaseToken, true, 0))

	// Leasable again after the retryable failure.
	jobs, err = q.Lease(ctx, domain.PlatformTikTok, "ap-southeast-1", 1, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Attempts)

	// Non-retryable failure is terminal.
	require.NoError(t, q.Fail(ctx, id, jobs[0].LeaseToken, false, 0))
	jobs, err = q.Lease(ctx, domain.PlatformTikTok, "ap-southeast-1", 1, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, jobs)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[Partition{Platform: domain.PlatformTikTok, Region: "ap-southeast-1"}].Failed)
}

func TestMemoryRecoverExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemory(30 * time.Second)

	id, err := q.Enqueue(ctx, Job{Platform: domain.PlatformFacebook, Region: "eu-west-1", MaxAttempts: 5, Payload: publishPayload("pst-1")})
	require.NoError(t, err)

	now := time.Now()
	jobs, err := q.Lease(ctx, domain.PlatformFacebook, "eu-west-1", 1, now)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	n, failed, err := q.RecoverExpired(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, failed, "attempts remain, nothing fails permanently")

	// The old holder's token no longer writes.
	assert.ErrorIs(t, q.Ack(ctx, id, jobs[0].LeaseToken), ErrLeaseLost)

	// A new claimant picks the job back up.
	jobs, err = q.Lease(ctx, domain.PlatformFacebook, "eu-west-1", 1, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

func TestMemoryRecoverExpiredExhaustedFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemory(30 * time.Second)

	id, err := q.Enqueue(ctx, Job{Platform: domain.PlatformFacebook, Region: "eu-west-1", MaxAttempts: 1, Payload: publishPayload("pst-9")})
	require.NoError(t, err)

	now := time.Now()
	jobs, err := q.Lease(ctx, domain.PlatformFacebook, "eu-west-1", 1, now)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	n, failed, err := q.RecoverExpired(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].ID)
	assert.Equal(t, "pst-9", failed[0].Payload.Publish.ScheduledPostID)

	jobs, err = q.Lease(ctx, domain.PlatformFacebook, "eu-west-1", 1, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, jobs, "exhausted job must stay failed")

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[Partition{Platform: domain.PlatformFacebook, Region: "eu-west-1"}].Failed)
}

func TestMemoryPartitionIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemory(time.Minute)

	_, err := q.Enqueue(ctx, Job{Platform: domain.PlatformFacebook, Region: "us-east-1", Payload: publishPayload("pst-1")})
	require.NoError(t, err)

	jobs, err := q.Lease(ctx, domain.PlatformFacebook, "eu-west-1", 5, time.Now())
	require.NoError(t, err)
	assert.Empty(t, jobs, "lease must not cross regions")

	jobs, err = q.Lease(ctx, domain.PlatformTikTok, "us-east-1", 5, time.Now())
	require.NoError(t, err)
	assert.Empty(t, jobs, "lease must not cross platforms")
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	t.Parallel()
	q := NewMemory(time.Minute)
	_, err := q.Enqueue(context.Background(), Job{
		Platform: domain.PlatformFacebook,
		Region:   "us-east-1",
		Payload:  domain.JobPayload{Kind: "mystery"},
	})
	assert.Error(t, err)
}
