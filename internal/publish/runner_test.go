package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/auth"
	"crosspost/internal/broker"
	"crosspost/internal/claim"
	"crosspost/internal/domain"
	"crosspost/internal/queue"
	"crosspost/internal/store"
)

func runnerFixture(t *testing.T, publisher Publisher) (*Runner, *store.Memory, *queue.Memory) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory(time.Minute)

	scope := auth.Scope{WorkerID: "local", Region: "us-east-1", Platforms: domain.Platforms}
	require.NoError(t, st.UpsertWorker(ctx, domain.Worker{
		ID: "local", Region: "us-east-1", Platforms: domain.Platforms, MaxConcurrentJobs: 10,
	}))
	require.NoError(t, st.PutCredential(ctx, domain.Credential{
		AccountID: "acc-1", Platform: domain.PlatformFacebook, AccessToken: "tok",
	}))

	r := NewRunner(claim.NewService(q, st), broker.New(st), publisher, scope, time.Second)
	return r, st, q
}

func enqueuePost(t *testing.T, st *store.Memory, q *queue.Memory) string {
	t.Helper()
	ctx := context.Background()
	postID, err := st.CreatePost(ctx, domain.ScheduledPost{
		Platform: domain.PlatformFacebook, SocialAccountID: "acc-1", Content: "hi",
		ScheduledTime: time.Now(), Status: domain.PostPosting, MaxRetries: 3,
	})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, queue.Job{
		Platform: domain.PlatformFacebook, Region: "us-east-1", MaxAttempts: 3,
		Payload: domain.JobPayload{Kind: domain.KindPublishPost, Publish: &domain.PublishJob{
			ScheduledPostID: postID, AccountID: "acc-1", Platform: domain.PlatformFacebook, Content: "hi",
		}},
	})
	require.NoError(t, err)
	return postID
}

func TestRunnerPublishesAndCompletes(t *testing.T) {
	t.Parallel()
	var gotToken string
	r, st, q := runnerFixture(t, Func(func(_ context.Context, job domain.PublishJob, cred domain.Credential) (Result, error) {
		gotToken = cred.AccessToken
		return Result{PlatformPostID: "fb_1", PlatformURL: "https://facebook.com/fb_1"}, nil
	}))
	postID := enqueuePost(t, st, q)

	r.drain(context.Background())

	assert.Equal(t, "tok", gotToken)
	post, err := st.GetPost(context.Background(), postID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostPosted, post.Status)
	assert.Equal(t, "fb_1", post.PlatformPostID)
}

func TestRunnerRetriesOnPublishError(t *testing.T) {
	t.Parallel()
	r, st, q := runnerFixture(t, Func(func(context.Context, domain.PublishJob, domain.Credential) (Result, error) {
		return Result{}, errors.New("platform timeout")
	}))
	postID := enqueuePost(t, st, q)

	r.drain(context.Background())

	post, err := st.GetPost(context.Background(), postID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostPosting, post.Status, "retryable failure leaves the post in-flight")
	assert.Equal(t, "platform timeout", post.ErrorMessage)

	// The job is waiting again for a later attempt.
	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	part := queue.Partition{Platform: domain.PlatformFacebook, Region: "us-east-1"}
	assert.Equal(t, 1, stats[part].Waiting)
}
