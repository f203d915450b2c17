package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"crosspost/internal/domain"
	"crosspost/internal/queue"
	"crosspost/internal/store"
)

// RetryStep is the linear backoff unit: attempt n is delayed n*RetryStep
// (5, 10, 15 minutes).
const RetryStep = 5 * time.Minute

var ErrNotTriggerable = errors.New("post is not in a triggerable state")

// RegionResolver picks the region partition an account's jobs are queued on.
type RegionResolver interface {
	RegionFor(ctx context.Context, accountID string, platform domain.Platform) (string, error)
}

// Service is the time-driven promoter of due posts into the job pipeline.
// One periodic single-threaded tick drives it; the posting transition is a
// compare-and-set so an overlapping tick can never promote a post twice.
type Service struct {
	posts    store.PostStore
	queue    queue.Queue
	regions  RegionResolver
	interval time.Duration
	stop     chan struct{}
}

func NewService(posts store.PostStore, q queue.Queue, regions RegionResolver, interval time.Duration) *Service {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Service{
		posts:    posts,
		queue:    q,
		regions:  regions,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("post scheduler started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Stop halts future ticks. Jobs already leased to workers run to completion
// or to lease expiry; nothing is recalled.
func (s *Service) Stop() {
	close(s.stop)
}

// Tick promotes every due post into the queue. Exported so the manual
// trigger and tests can drive the same path the timer does.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	due, err := s.posts.DuePosts(ctx, now, 100)
	if err != nil {
		log.Error().Err(err).Msg("load due posts")
		return
	}
	for _, post := range due {
		if err := s.promote(ctx, post, now); err != nil {
			log.Error().Err(err).Str("post_id", post.ID).Msg("promote post")
		}
	}
}

func (s *Service) promote(ctx context.Context, post domain.ScheduledPost, now time.Time) error {
	won, err := s.posts.MarkPosting(ctx, post.ID)
	if err != nil {
		return err
	}
	if !won {
		// A concurrent tick or manual trigger got here first.
		return nil
	}

	region, err := s.regions.RegionFor(ctx, post.SocialAccountID, post.Platform)
	if err != nil {
		return s.retryOrFail(ctx, post, now, "resolve region: "+err.Error())
	}

	jobID, err := s.queue.Enqueue(ctx, queue.Job{
		Platform:    post.Platform,
		Region:      region,
		MaxAttempts: post.MaxRetries,
		Payload: domain.JobPayload{
			Kind: domain.KindPublishPost,
			Publish: &domain.PublishJob{
				ScheduledPostID: post.ID,
				AccountID:       post.SocialAccountID,
				PageID:          post.PageID,
				Platform:        post.Platform,
				Content:         post.Content,
				MediaURLs:       post.MediaURLs,
			},
		},
	})
	if err != nil {
		return s.retryOrFail(ctx, post, now, "enqueue: "+err.Error())
	}

	log.Info().
		Str("post_id", post.ID).
		Str("job_id", jobID).
		Str("platform", string(post.Platform)).
		Str("region", region).
		Msg("post promoted to job queue")
	return nil
}

// retryOrFail applies the post state machine's failure edge: linear backoff
// while attempts remain, permanent failure once they run out.
func (s *Service) retryOrFail(ctx context.Context, post domain.ScheduledPost, now time.Time, errMsg string) error {
	if post.RetryCount+1 < post.MaxRetries {
		delay := time.Duration(post.RetryCount+1) * RetryStep
		return s.posts.Reschedule(ctx, post.ID, now.Add(delay), errMsg)
	}
	return s.posts.MarkFailed(ctx, post.ID, errMsg)
}

// Trigger force-processes one post in scheduled or failed state, re-entering
// the normal state machine immediately.
func (s *Service) Trigger(ctx context.Context, postID string, now time.Time) error {
	post, err := s.posts.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	if post.Status != domain.PostScheduled && post.Status != domain.PostFailed {
		return ErrNotTriggerable
	}
	if err := s.posts.ResetForRetry(ctx, postID, now); err != nil {
		return err
	}
	post, err = s.posts.GetPost(ctx, postID)
	if err != nil {
		return err
	}
	return s.promote(ctx, post, now)
}
