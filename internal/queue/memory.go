package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"crosspost/internal/domain"
)

type memJob struct {
	Job
	state     string
	lastError string
}

// Memory is an in-process Queue with the same lease semantics as the SQLite
// implementation. It backs tests and development mode.
type Memory struct {
	mu       sync.Mutex
	jobs     map[string]*memJob
	leaseFor time.Duration
}

func NewMemory(leaseFor time.Duration) *Memory {
	if leaseFor <= 0 {
		leaseFor = 2 * time.Minute
	}
	return &Memory{jobs: make(map[string]*memJob), leaseFor: leaseFor}
}

func (m *Memory) Enqueue(_ context.Context, job Job) (string, error) {
	if err := job.Payload.Validate(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.ID == "" {
		job.ID = "job_" + uuid.NewString()
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 3
	}
	if job.NextRunAt.IsZero() {
		job.NextRunAt = time.Now().UTC()
	}
	job.CreatedAt = time.Now().UTC()
	m.jobs[job.ID] = &memJob{Job: job, state: "waiting"}
	return job.ID, nil
}

func (m *Memory) Lease(_ context.Context, platform domain.Platform, region string, n int, now time.Time) ([]Job, error) {
	if n <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var ready []*memJob
	for _, j := range m.jobs {
		if j.state == "waiting" && j.Platform == platform && j.Region == region && !j.NextRunAt.After(now) {
			ready = append(ready, j)
		}
	}
	sort.Slice(ready, func(i, k int) bool { return ready[i].CreatedAt.Before(ready[k].CreatedAt) })
	if len(ready) > n {
		ready = ready[:n]
	}

	out := make([]Job, 0, len(ready))
	for _, j := range ready {
		j.state = "leased"
		j.LeaseToken = "lse_" + uuid.NewString()
		j.LeaseExpiresAt = now.Add(m.leaseFor)
		j.Attempts++
		out = append(out, j.Job)
	}
	return out, nil
}

func (m *Memory) Ack(_ context.Context, id, leaseToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.state != "leased" || j.LeaseToken != leaseToken {
		return ErrLeaseLost
	}
	j.state = "completed"
	j.LeaseToken = ""
	return nil
}

func (m *Memory) Fail(_ context.Context, id, leaseToken string, retryable bool, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.state != "leased" || j.LeaseToken != leaseToken {
		return ErrLeaseLost
	}
	j.LeaseToken = ""
	if !retryable || j.Attempts >= j.MaxAttempts {
		j.state = "failed"
		return nil
	}
	j.state = "waiting"
	j.NextRunAt = time.Now().Add(delay)
	return nil
}

func (m *Memory) Stats(_ context.Context) (map[Partition]Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[Partition]Stats)
	for _, j := range m.jobs {
		p := Partition{Platform: j.Platform, Region: j.Region}
		s := out[p]
		switch j.state {
		case "waiting":
			s.Waiting++
		case "leased":
			s.Active++
		case "completed":
			s.Completed++
		case "failed":
			s.Failed++
		}
		out[p] = s
	}
	return out, nil
}

func (m *Memory) RecoverExpired(_ context.Context, now time.Time) (int, []Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	requeued := 0
	var failed []Job
	for _, j := range m.jobs {
		if j.state == "leased" && !j.LeaseExpiresAt.After(now) {
			j.LeaseToken = ""
			if j.Attempts >= j.MaxAttempts {
				j.state = "failed"
				j.lastError = "lease expired"
				failed = append(failed, j.Job)
			} else {
				j.state = "waiting"
				j.NextRunAt = now
				requeued++
			}
		}
	}
	return requeued, failed, nil
}
