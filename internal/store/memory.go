package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"crosspost/internal/domain"
)

// Memory is an in-process Store with the same behavior as the SQLite
// implementation. Tests inject it anywhere a Store is expected.
type Memory struct {
	mu          sync.Mutex
	workers     map[string]domain.Worker
	posts       map[string]domain.ScheduledPost
	jobs        map[string]domain.WorkerJob
	credentials map[credKey]domain.Credential
	accounts    map[string]domain.SocialAccount
	assignments map[string]domain.RegionAssignment
}

type credKey struct {
	accountID string
	platform  domain.Platform
	pageID    string
}

func NewMemory() *Memory {
	return &Memory{
		workers:     make(map[string]domain.Worker),
		posts:       make(map[string]domain.ScheduledPost),
		jobs:        make(map[string]domain.WorkerJob),
		credentials: make(map[credKey]domain.Credential),
		accounts:    make(map[string]domain.SocialAccount),
		assignments: make(map[string]domain.RegionAssignment),
	}
}

func (m *Memory) UpsertWorker(_ context.Context, w domain.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w.MaxConcurrentJobs <= 0 {
		w.MaxConcurrentJobs = 5
	}
	if existing, ok := m.workers[w.ID]; ok {
		existing.Region = w.Region
		existing.Platforms = w.Platforms
		existing.Capabilities = w.Capabilities
		existing.MaxConcurrentJobs = w.MaxConcurrentJobs
		// A re-registering worker is a fresh process: any load it held
		// belongs to leases that will expire and be recovered.
		existing.CurrentLoad = 0
		existing.Online = true
		existing.LastPingAt = time.Now()
		m.workers[w.ID] = existing
		return nil
	}
	if w.Status == "" {
		w.Status = domain.WorkerActive
	}
	w.Online = true
	w.LastPingAt = time.Now()
	w.RegisteredAt = time.Now()
	m.workers[w.ID] = w
	return nil
}

func (m *Memory) GetWorker(_ context.Context, id string) (domain.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return domain.Worker{}, ErrNotFound
	}
	return w, nil
}

func (m *Memory) ListWorkers(_ context.Context) ([]domain.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetWorkerStatus(_ context.Context, id string, status domain.WorkerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return ErrNotFound
	}
	w.Status = status
	m.workers[id] = w
	return nil
}

func (m *Memory) RecordHealth(_ context.Context, id string, online bool, currentLoad int, avgResponseMillis int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return ErrNotFound
	}
	w.Online = online
	w.CurrentLoad = currentLoad
	w.AvgResponseMillis = avgResponseMillis
	w.LastPingAt = at
	m.workers[id] = w
	return nil
}

func (m *Memory) RecordResult(_ context.Context, id string, success bool, took time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return ErrNotFound
	}
	total := w.TotalJobsCompleted + w.TotalJobsFailed
	w.AvgResponseMillis = (w.AvgResponseMillis*int64(total) + took.Milliseconds()) / int64(total+1)
	if success {
		w.TotalJobsCompleted++
	} else {
		w.TotalJobsFailed++
	}
	w.SuccessRate = float64(w.TotalJobsCompleted) / float64(total+1)
	w.LastPingAt = time.Now()
	m.workers[id] = w
	return nil
}

func (m *Memory) AdjustLoad(_ context.Context, id string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return ErrNotFound
	}
	w.CurrentLoad += delta
	if w.CurrentLoad < 0 {
		w.CurrentLoad = 0
	}
	m.workers[id] = w
	return nil
}

func (m *Memory) CreatePost(_ context.Context, p domain.ScheduledPost) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = "pst_" + uuid.NewString()
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.Status == "" {
		p.Status = domain.PostScheduled
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	m.posts[p.ID] = p
	return p.ID, nil
}

func (m *Memory) GetPost(_ context.Context, id string) (domain.ScheduledPost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return domain.ScheduledPost{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) ListPosts(_ context.Context, status domain.PostStatus, limit int) ([]domain.ScheduledPost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []domain.ScheduledPost
	for _, p := range m.posts {
		if p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.After(out[j].ScheduledTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DuePosts(_ context.Context, now time.Time, limit int) ([]domain.ScheduledPost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []domain.ScheduledPost
	for _, p := range m.posts {
		if p.Status == domain.PostScheduled && !p.ScheduledTime.After(now) && p.RetryCount < p.MaxRetries {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkPosting(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return false, ErrNotFound
	}
	if p.Status != domain.PostScheduled {
		return false, nil
	}
	p.Status = domain.PostPosting
	p.UpdatedAt = time.Now()
	m.posts[id] = p
	return true, nil
}

func (m *Memory) MarkPosted(_ context.Context, id, platformPostID, platformURL string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = domain.PostPosted
	p.PlatformPostID = platformPostID
	p.PlatformURL = platformURL
	p.PublishedAt = &at
	p.ErrorMessage = ""
	p.UpdatedAt = time.Now()
	m.posts[id] = p
	return nil
}

func (m *Memory) Reschedule(_ context.Context, id string, at time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	p.Status = domain.PostScheduled
	p.ScheduledTime = at
	p.RetryCount++
	p.LastRetryAt = &now
	p.ErrorMessage = errMsg
	p.UpdatedAt = now
	m.posts[id] = p
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = domain.PostFailed
	p.ErrorMessage = errMsg
	p.UpdatedAt = time.Now()
	m.posts[id] = p
	return nil
}

func (m *Memory) RecordAttempt(_ context.Context, id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	p.RetryCount++
	p.LastRetryAt = &now
	p.ErrorMessage = errMsg
	p.UpdatedAt = now
	m.posts[id] = p
	return nil
}

func (m *Memory) ResetForRetry(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != domain.PostScheduled && p.Status != domain.PostFailed {
		return ErrNotFound
	}
	p.Status = domain.PostScheduled
	p.ScheduledTime = now
	p.RetryCount = 0
	p.ErrorMessage = ""
	p.UpdatedAt = time.Now()
	m.posts[id] = p
	return nil
}

func (m *Memory) CreateJob(_ context.Context, j domain.WorkerJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.MaxRetries == 0 {
		j.MaxRetries = 3
	}
	if existing, ok := m.jobs[j.JobID]; ok {
		j.RetryCount = existing.RetryCount
	}
	j.Status = domain.JobAssigned
	m.jobs[j.JobID] = j
	return nil
}

func (m *Memory) GetJob(_ context.Context, jobID string) (domain.WorkerJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return domain.WorkerJob{}, ErrNotFound
	}
	return j, nil
}

func (m *Memory) ActiveJobsByWorker(_ context.Context, workerID string) ([]domain.WorkerJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WorkerJob
	for _, j := range m.jobs {
		if j.WorkerID == workerID && j.Active() {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].AssignedAt.Before(out[k].AssignedAt) })
	return out, nil
}

func (m *Memory) MarkJobDone(_ context.Context, jobID string, status domain.JobStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	j.Status = status
	j.FinishedAt = at
	m.jobs[jobID] = j
	return nil
}

func (m *Memory) BumpJobRetry(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	j.RetryCount++
	m.jobs[jobID] = j
	return nil
}

func (m *Memory) PutCredential(_ context.Context, c domain.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[credKey{c.AccountID, c.Platform, c.PageID}] = c
	return nil
}

func (m *Memory) AccountCredential(_ context.Context, accountID string, platform domain.Platform) (domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[credKey{accountID, platform, ""}]
	if !ok {
		return domain.Credential{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) PageCredential(_ context.Context, accountID, pageID string) (domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, c := range m.credentials {
		if key.accountID == accountID && key.pageID == pageID && pageID != "" {
			return c, nil
		}
	}
	return domain.Credential{}, ErrNotFound
}

func (m *Memory) PutAccount(_ context.Context, a domain.SocialAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = a
	return nil
}

func (m *Memory) GetAccount(_ context.Context, id string) (domain.SocialAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return domain.SocialAccount{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]domain.SocialAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SocialAccount, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetAssignment(_ context.Context, accountID string) (domain.RegionAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[accountID]
	if !ok {
		return domain.RegionAssignment{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) PutAssignment(_ context.Context, a domain.RegionAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[a.AccountID] = a
	return nil
}

func (m *Memory) ListAssignments(_ context.Context) ([]domain.RegionAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.RegionAssignment, 0, len(m.assignments))
	for _, a := range m.assignments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}
