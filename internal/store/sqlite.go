package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"crosspost/internal/domain"
)

// EnsureSchema creates the coordination tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS workers (
  id TEXT PRIMARY KEY,
  region TEXT NOT NULL,
  platforms TEXT NOT NULL,
  capabilities TEXT NOT NULL,
  max_concurrent_jobs INTEGER NOT NULL DEFAULT 5,
  current_load INTEGER NOT NULL DEFAULT 0,
  online INTEGER NOT NULL DEFAULT 1,
  status TEXT NOT NULL CHECK(status IN ('active','disabled','draining')) DEFAULT 'active',
  last_ping_at DATETIME,
  total_completed INTEGER NOT NULL DEFAULT 0,
  total_failed INTEGER NOT NULL DEFAULT 0,
  avg_response_ms INTEGER NOT NULL DEFAULT 0,
  registered_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS posts (
  id TEXT PRIMARY KEY,
  platform TEXT NOT NULL,
  account_id TEXT NOT NULL,
  page_id TEXT,
  content TEXT NOT NULL,
  media_urls TEXT,
  scheduled_time DATETIME NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('draft','scheduled','posting','posted','failed')) DEFAULT 'scheduled',
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  last_retry_at DATETIME,
  error_message TEXT,
  platform_post_id TEXT,
  platform_url TEXT,
  published_at DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_posts_due ON posts(status, scheduled_time);
CREATE TABLE IF NOT EXISTS worker_jobs (
  job_id TEXT PRIMARY KEY,
  worker_id TEXT NOT NULL,
  platform TEXT NOT NULL,
  region TEXT NOT NULL,
  scheduled_post_id TEXT NOT NULL,
  account_id TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('assigned','started','completed','failed')) DEFAULT 'assigned',
  assigned_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  finished_at DATETIME,
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  lease_token TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_worker_jobs_worker ON worker_jobs(worker_id, status);
CREATE TABLE IF NOT EXISTS credentials (
  account_id TEXT NOT NULL,
  platform TEXT NOT NULL,
  page_id TEXT NOT NULL DEFAULT '',
  access_token TEXT NOT NULL,
  PRIMARY KEY(account_id, platform, page_id)
);
CREATE TABLE IF NOT EXISTS accounts (
  id TEXT PRIMARY KEY,
  platform TEXT NOT NULL,
  name TEXT NOT NULL,
  country_code TEXT,
  timezone TEXT
);
CREATE TABLE IF NOT EXISTS region_assignments (
  account_id TEXT PRIMARY KEY,
  platform TEXT NOT NULL,
  assigned_region TEXT NOT NULL,
  reason TEXT NOT NULL,
  assigned_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	_, err := db.Exec(schema)
	return err
}

type sqliteStore struct{ db *sql.DB }

func NewSQLite(db *sql.DB) Store { return &sqliteStore{db: db} }

func encodeJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func decodePlatforms(raw string) []domain.Platform {
	var out []domain.Platform
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func decodeCapabilities(raw string) []domain.Capability {
	var out []domain.Capability
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func (s *sqliteStore) UpsertWorker(ctx context.Context, w domain.Worker) error {
	if w.MaxConcurrentJobs <= 0 {
		w.MaxConcurrentJobs = 5
	}
	if w.Status == "" {
		w.Status = domain.WorkerActive
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO workers (id,region,platforms,capabilities,max_concurrent_jobs,online,status,last_ping_at,registered_at)
VALUES (?,?,?,?,?,1,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
ON CONFLICT(id) DO UPDATE SET
  region=excluded.region,
  platforms=excluded.platforms,
  capabilities=excluded.capabilities,
  max_concurrent_jobs=excluded.max_concurrent_jobs,
  current_load=0,
  online=1,
  last_ping_at=CURRENT_TIMESTAMP
`, w.ID, w.Region, encodeJSON(w.Platforms), encodeJSON(w.Capabilities), w.MaxConcurrentJobs, string(w.Status))
	return err
}

func (s *sqliteStore) scanWorker(row interface{ Scan(...any) error }) (domain.Worker, error) {
	var w domain.Worker
	var platforms, capabilities, status string
	var lastPing sql.NullTime
	var online int
	err := row.Scan(&w.ID, &w.Region, &platforms, &capabilities, &w.MaxConcurrentJobs, &w.CurrentLoad,
		&online, &status, &lastPing, &w.TotalJobsCompleted, &w.TotalJobsFailed, &w.AvgResponseMillis, &w.RegisteredAt)
	if err != nil {
		return domain.Worker{}, err
	}
	w.Platforms = decodePlatforms(platforms)
	w.Capabilities = decodeCapabilities(capabilities)
	w.Status = domain.WorkerStatus(status)
	w.Online = online == 1
	if lastPing.Valid {
		w.LastPingAt = lastPing.Time
	}
	if total := w.TotalJobsCompleted + w.TotalJobsFailed; total > 0 {
		w.SuccessRate = float64(w.TotalJobsCompleted) / float64(total)
	}
	return w, nil
}

const workerCols = `id,region,platforms,capabilities,max_concurrent_jobs,current_load,online,status,last_ping_at,total_completed,total_failed,avg_response_ms,registered_at`

func (s *sqliteStore) GetWorker(ctx context.Context, id string) (domain.Worker, error) {
	w, err := s.scanWorker(s.db.QueryRowContext(ctx, `SELECT `+workerCols+` FROM workers WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return domain.Worker{}, ErrNotFound
	}
	return w, err
}

func (s *sqliteStore) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workerCols+` FROM workers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Worker
	for rows.Next() {
		w, err := s.scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetWorkerStatus(ctx context.Context, id string, status domain.WorkerStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workers SET status=? WHERE id=?`, string(status), id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (s *sqliteStore) RecordHealth(ctx context.Context, id string, online bool, currentLoad int, avgResponseMillis int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE workers SET online=?, current_load=?, avg_response_ms=?, last_ping_at=? WHERE id=?`,
		boolInt(online), currentLoad, avgResponseMillis, at.UTC(), id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (s *sqliteStore) RecordResult(ctx context.Context, id string, success bool, took time.Duration) error {
	// Rolling mean over all outcomes; good enough for scoring workers.
	res, err := s.db.ExecContext(ctx, `
UPDATE workers SET
  total_completed = total_completed + ?,
  total_failed = total_failed + ?,
  avg_response_ms = (avg_response_ms * (total_completed + total_failed) + ?) / (total_completed + total_failed + 1),
  last_ping_at = CURRENT_TIMESTAMP
WHERE id=?`, boolInt(success), boolInt(!success), took.Milliseconds(), id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (s *sqliteStore) AdjustLoad(ctx context.Context, id string, delta int) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE workers SET current_load = MAX(0, current_load + ?) WHERE id=?`, delta, id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (s *sqliteStore) CreatePost(ctx context.Context, p domain.ScheduledPost) (string, error) {
	id := p.ID
	if id == "" {
		id = "pst_" + uuid.NewString()
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.Status == "" {
		p.Status = domain.PostScheduled
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO posts (id,platform,account_id,page_id,content,media_urls,scheduled_time,status,max_retries,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, string(p.Platform), p.SocialAccountID, p.PageID, p.Content, encodeJSON(p.MediaURLs), p.ScheduledTime.UTC(), string(p.Status), p.MaxRetries)
	return id, err
}

const postCols = `id,platform,account_id,page_id,content,media_urls,scheduled_time,status,retry_count,max_retries,last_retry_at,error_message,platform_post_id,platform_url,published_at,created_at,updated_at`

func (s *sqliteStore) scanPost(row interface{ Scan(...any) error }) (domain.ScheduledPost, error) {
	var p domain.ScheduledPost
	var platform, status string
	var pageID, media, errMsg, platformPostID, platformURL sql.NullString
	var lastRetry, published sql.NullTime
	err := row.Scan(&p.ID, &platform, &p.SocialAccountID, &pageID, &p.Content, &media, &p.ScheduledTime,
		&status, &p.RetryCount, &p.MaxRetries, &lastRetry, &errMsg, &platformPostID, &platformURL, &published,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.ScheduledPost{}, err
	}
	p.Platform = domain.Platform(platform)
	p.Status = domain.PostStatus(status)
	p.PageID = pageID.String
	p.ErrorMessage = errMsg.String
	p.PlatformPostID = platformPostID.String
	p.PlatformURL = platformURL.String
	if media.Valid {
		_ = json.Unmarshal([]byte(media.String), &p.MediaURLs)
	}
	if lastRetry.Valid {
		t := lastRetry.Time
		p.LastRetryAt = &t
	}
	if published.Valid {
		t := published.Time
		p.PublishedAt = &t
	}
	return p, nil
}

func (s *sqliteStore) GetPost(ctx context.Context, id string) (domain.ScheduledPost, error) {
	p, err := s.scanPost(s.db.QueryRowContext(ctx, `SELECT `+postCols+` FROM posts WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return domain.ScheduledPost{}, ErrNotFound
	}
	return p, err
}

func (s *sqliteStore) ListPosts(ctx context.Context, status domain.PostStatus, limit int) ([]domain.ScheduledPost, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+postCols+` FROM posts WHERE status=? ORDER BY scheduled_time DESC LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectPosts(rows)
}

func (s *sqliteStore) DuePosts(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledPost, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+postCols+` FROM posts
WHERE status='scheduled' AND scheduled_time <= ? AND retry_count < max_retries
ORDER BY scheduled_time ASC LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectPosts(rows)
}

func (s *sqliteStore) collectPosts(rows *sql.Rows) ([]domain.ScheduledPost, error) {
	var out []domain.ScheduledPost
	for rows.Next() {
		p, err := s.scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkPosting(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE posts SET status='posting', updated_at=CURRENT_TIMESTAMP WHERE id=? AND status='scheduled'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) MarkPosted(ctx context.Context, id, platformPostID, platformURL string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE posts SET status='posted', platform_post_id=?, platform_url=?, published_at=?, error_message=NULL, updated_at=CURRENT_TIMESTAMP
WHERE id=?`, platformPostID, platformURL, at.UTC(), id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (s *sqliteStore) Reschedule(ctx context.Context, id string, at time.Time, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE posts SET status='scheduled', scheduled_time=?, retry_count=retry_count+1, last_retry_at=CURRENT_TIMESTAMP,
  error_message=?, updated_at=CURRENT_TIMESTAMP
WHERE id=?`, at.UTC(), errMsg, id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE posts SET status='failed', error_message=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, errMsg, id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (s *sqliteStore) RecordAttempt(ctx context.Context, id, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE posts SET retry_count=retry_count+1, last_retry_at=CURRENT_TIMESTAMP, error_message=?, updated_at=CURRENT_TIMESTAMP
WHERE id=?`, errMsg, id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (s *sqliteStore) ResetForRetry(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE posts SET status='scheduled', scheduled_time=?, retry_count=0, error_message=NULL, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status IN ('scheduled','failed')`, now.UTC(), id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (s *sqliteStore) CreateJob(ctx context.Context, j domain.WorkerJob) error {
	if j.MaxRetries == 0 {
		j.MaxRetries = 3
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO worker_jobs (job_id,worker_id,platform,region,scheduled_post_id,account_id,status,assigned_at,retry_count,max_retries,lease_token)
VALUES (?,?,?,?,?,?,'assigned',?,?,?,?)
ON CONFLICT(job_id) DO UPDATE SET
  worker_id=excluded.worker_id,
  status='assigned',
  assigned_at=excluded.assigned_at,
  retry_count=worker_jobs.retry_count,
  lease_token=excluded.lease_token,
  finished_at=NULL
`, j.JobID, j.WorkerID, string(j.Platform), j.Region, j.ScheduledPostID, j.AccountID, j.AssignedAt.UTC(), j.RetryCount, j.MaxRetries, j.LeaseToken)
	return err
}

const jobCols = `job_id,worker_id,platform,region,scheduled_post_id,account_id,status,assigned_at,finished_at,retry_count,max_retries,lease_token`

func (s *sqliteStore) scanJob(row interface{ Scan(...any) error }) (domain.WorkerJob, error) {
	var j domain.WorkerJob
	var platform, status string
	var finished sql.NullTime
	err := row.Scan(&j.JobID, &j.WorkerID, &platform, &j.Region, &j.ScheduledPostID, &j.AccountID,
		&status, &j.AssignedAt, &finished, &j.RetryCount, &j.MaxRetries, &j.LeaseToken)
	if err != nil {
		return domain.WorkerJob{}, err
	}
	j.Platform = domain.Platform(platform)
	j.Status = domain.JobStatus(status)
	if finished.Valid {
		j.FinishedAt = finished.Time
	}
	return j, nil
}

func (s *sqliteStore) GetJob(ctx context.Context, jobID string) (domain.WorkerJob, error) {
	j, err := s.scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM worker_jobs WHERE job_id=?`, jobID))
	if err == sql.ErrNoRows {
		return domain.WorkerJob{}, ErrNotFound
	}
	return j, err
}

func (s *sqliteStore) ActiveJobsByWorker(ctx context.Context, workerID string) ([]domain.WorkerJob, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+jobCols+` FROM worker_jobs WHERE worker_id=? AND status IN ('assigned','started') ORDER BY assigned_at`, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WorkerJob
	for rows.Next() {
		j, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkJobDone(ctx context.Context, jobID string, status domain.JobStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE worker_jobs SET status=?, finished_at=? WHERE job_id=?`, string(status), at.UTC(), jobID)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (s *sqliteStore) BumpJobRetry(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE worker_jobs SET retry_count=retry_count+1 WHERE job_id=?`, jobID)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (s *sqliteStore) PutCredential(ctx context.Context, c domain.Credential) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO credentials (account_id,platform,page_id,access_token) VALUES (?,?,?,?)
ON CONFLICT(account_id,platform,page_id) DO UPDATE SET access_token=excluded.access_token
`, c.AccountID, string(c.Platform), c.PageID, c.AccessToken)
	return err
}

func (s *sqliteStore) AccountCredential(ctx context.Context, accountID string, platform domain.Platform) (domain.Credential, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT account_id,platform,page_id,access_token FROM credentials WHERE account_id=? AND platform=? AND page_id=''`,
		accountID, string(platform))
	return scanCredential(row)
}

func (s *sqliteStore) PageCredential(ctx context.Context, accountID, pageID string) (domain.Credential, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT account_id,platform,page_id,access_token FROM credentials WHERE account_id=? AND page_id=?`,
		accountID, pageID)
	return scanCredential(row)
}

func scanCredential(row *sql.Row) (domain.Credential, error) {
	var c domain.Credential
	var platform string
	err := row.Scan(&c.AccountID, &platform, &c.PageID, &c.AccessToken)
	if err == sql.ErrNoRows {
		return domain.Credential{}, ErrNotFound
	}
	if err != nil {
		return domain.Credential{}, err
	}
	c.Platform = domain.Platform(platform)
	return c, nil
}

func (s *sqliteStore) PutAccount(ctx context.Context, a domain.SocialAccount) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO accounts (id,platform,name,country_code,timezone) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET platform=excluded.platform, name=excluded.name,
  country_code=excluded.country_code, timezone=excluded.timezone
`, a.ID, string(a.Platform), a.Name, a.CountryCode, a.Timezone)
	return err
}

func (s *sqliteStore) GetAccount(ctx context.Context, id string) (domain.SocialAccount, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,platform,name,country_code,timezone FROM accounts WHERE id=?`, id)
	var a domain.SocialAccount
	var platform string
	var country, tz sql.NullString
	err := row.Scan(&a.ID, &platform, &a.Name, &country, &tz)
	if err == sql.ErrNoRows {
		return domain.SocialAccount{}, ErrNotFound
	}
	if err != nil {
		return domain.SocialAccount{}, err
	}
	a.Platform = domain.Platform(platform)
	a.CountryCode = country.String
	a.Timezone = tz.String
	return a, nil
}

func (s *sqliteStore) ListAccounts(ctx context.Context) ([]domain.SocialAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id,platform,name,country_code,timezone FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SocialAccount
	for rows.Next() {
		var a domain.SocialAccount
		var platform string
		var country, tz sql.NullString
		if err := rows.Scan(&a.ID, &platform, &a.Name, &country, &tz); err != nil {
			return nil, err
		}
		a.Platform = domain.Platform(platform)
		a.CountryCode = country.String
		a.Timezone = tz.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetAssignment(ctx context.Context, accountID string) (domain.RegionAssignment, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT account_id,platform,assigned_region,reason,assigned_at FROM region_assignments WHERE account_id=?`, accountID)
	var a domain.RegionAssignment
	var platform string
	err := row.Scan(&a.AccountID, &platform, &a.AssignedRegion, &a.Reason, &a.AssignedAt)
	if err == sql.ErrNoRows {
		return domain.RegionAssignment{}, ErrNotFound
	}
	if err != nil {
		return domain.RegionAssignment{}, err
	}
	a.Platform = domain.Platform(platform)
	return a, nil
}

func (s *sqliteStore) PutAssignment(ctx context.Context, a domain.RegionAssignment) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO region_assignments (account_id,platform,assigned_region,reason,assigned_at) VALUES (?,?,?,?,?)
ON CONFLICT(account_id) DO UPDATE SET platform=excluded.platform, assigned_region=excluded.assigned_region,
  reason=excluded.reason, assigned_at=excluded.assigned_at
`, a.AccountID, string(a.Platform), a.AssignedRegion, a.Reason, a.AssignedAt.UTC())
	return err
}

func (s *sqliteStore) ListAssignments(ctx context.Context) ([]domain.RegionAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT account_id,platform,assigned_region,reason,assigned_at FROM region_assignments ORDER BY account_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RegionAssignment
	for rows.Next() {
		var a domain.RegionAssignment
		var platform string
		if err := rows.Scan(&a.AccountID, &platform, &a.AssignedRegion, &a.Reason, &a.AssignedAt); err != nil {
			return nil, err
		}
		a.Platform = domain.Platform(platform)
		out = append(out, a)
	}
	return out, rows.Err()
}

func oneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
