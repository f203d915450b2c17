package queue

import (
	"context"
	"errors"
	"time"

	"crosspost/internal/domain"
)

var (
	ErrNotFound  = errors.New("job not found")
	ErrLeaseLost = errors.New("lease token does not match live lease")
)

// Job is one unit of work on a (platform, region) partition.
type Job struct {
	ID             string
	Platform       domain.Platform
	Region         string
	Payload        domain.JobPayload
	Attempts       int
	MaxAttempts    int
	NextRunAt      time.Time
	LeaseToken     string
	LeaseExpiresAt time.Time
	CreatedAt      time.Time
}

// Partition identifies one independent FIFO within the queue.
type Partition struct {
	Platform domain.Platform
	Region   string
}

type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Queue is the durable at-least-once queue the coordination layer is built
// on. Lease is the single point where "this job belongs to exactly one
// in-flight claimant" is enforced; implementations must make it atomic, never
// a read-then-write in application code. Ack and Fail require the lease token
// returned by Lease and must refuse writes under a stale token.
type Queue interface {
	Enqueue(ctx context.Context, job Job) (string, error)
	Lease(ctx context.Context, platform domain.Platform, region string, n int, now time.Time) ([]Job, error)
	Ack(ctx context.Context, id, leaseToken string) error
	Fail(ctx context.Context, id, leaseToken string, retryable bool, delay time.Duration) error
	Stats(ctx context.Context) (map[Partition]Stats, error)
	// RecoverExpired requeues expired leases with attempts remaining and
	// permanently fails the rest. It returns the requeued count and the
	// jobs it failed, so callers can settle whatever those jobs reference.
	RecoverExpired(ctx context.Context, now time.Time) (int, []Job, error)
}
