package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"crosspost/internal/domain"
)

// EnsureSchema creates the queue tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS queue_jobs (
  id TEXT PRIMARY KEY,
  platform TEXT NOT NULL,
  region TEXT NOT NULL,
  payload BLOB NOT NULL,
  state TEXT NOT NULL CHECK(state IN ('waiting','leased','completed','failed')) DEFAULT 'waiting',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  next_run_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  lease_token TEXT,
  lease_expires_at DATETIME,
  last_error TEXT,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_queue_partition ON queue_jobs(platform, region, state, next_run_at);
CREATE INDEX IF NOT EXISTS idx_queue_lease_expiry ON queue_jobs(state, lease_expires_at);
`
	_, err := db.Exec(schema)
	return err
}

type sqliteQueue struct {
	db       *sql.DB
	leaseFor time.Duration
}

// NewSQLite returns a durable Queue on the given database. leaseFor bounds
// how long a leased job stays invisible before RecoverExpired may requeue it.
func NewSQLite(db *sql.DB, leaseFor time.Duration) Queue {
	if leaseFor <= 0 {
		leaseFor = 2 * time.Minute
	}
	return &sqliteQueue{db: db, leaseFor: leaseFor}
}

func (q *sqliteQueue) Enqueue(ctx context.Context, job Job) (string, error) {
	payload, err := job.Payload.Marshal()
	if err != nil {
		return "", err
	}
	id := job.ID
	if id == "" {
		id = "job_" + uuid.NewString()
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 3
	}
	nextRun := job.NextRunAt
	if nextRun.IsZero() {
		nextRun = time.Now().UTC()
	}
	_, err = q.db.ExecContext(ctx, `
INSERT INTO queue_jobs (id,platform,region,payload,state,attempts,max_attempts,next_run_at,created_at,updated_at)
VALUES (?,?,?,?,'waiting',?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, string(job.Platform), job.Region, payload, job.Attempts, job.MaxAttempts, nextRun.UTC())
	return id, err
}

// Lease claims up to n visible jobs on the partition inside one serializable
// transaction: the SELECT and the state flip commit together, so concurrent
// leasers can never walk away with the same job.
func (q *sqliteQueue) Lease(ctx context.Context, platform domain.Platform, region string, n int, now time.Time) ([]Job, error) {
	if n <= 0 {
		return nil, nil
	}
	tx, err := q.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `
SELECT id,platform,region,payload,attempts,max_attempts,next_run_at,created_at
FROM queue_jobs
WHERE platform=? AND region=? AND state='waiting' AND next_run_at <= ?
ORDER BY created_at ASC
LIMIT ?`, string(platform), region, now.UTC(), n)
	if err != nil {
		return nil, err
	}

	var jobs []Job
	for rows.Next() {
		var j Job
		var rawPlatform string
		var raw []byte
		if err = rows.Scan(&j.ID, &rawPlatform, &j.Region, &raw, &j.Attempts, &j.MaxAttempts, &j.NextRunAt, &j.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		j.Platform = domain.Platform(rawPlatform)
		if j.Payload, err = domain.UnmarshalJobPayload(raw); err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, tx.Rollback()
	}

	expires := now.Add(q.leaseFor).UTC()
	for i := range jobs {
		token := "lse_" + uuid.NewString()
		if _, err = tx.ExecContext(ctx, `
UPDATE queue_jobs SET state='leased', lease_token=?, lease_expires_at=?, attempts=attempts+1, updated_at=CURRENT_TIMESTAMP
WHERE id=?`, token, expires, jobs[i].ID); err != nil {
			return nil, err
		}
		jobs[i].LeaseToken = token
		jobs[i].LeaseExpiresAt = expires
		jobs[i].Attempts++
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Ack completes a leased job. The token check lives in the WHERE clause so a
// stale claimant's write affects zero rows instead of clobbering a re-lease.
func (q *sqliteQueue) Ack(ctx context.Context, id, leaseToken string) error {
	res, err := q.db.ExecContext(ctx, `
UPDATE queue_jobs SET state='completed', lease_token=NULL, lease_expires_at=NULL, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND state='leased' AND lease_token=?`, id, leaseToken)
	if err != nil {
		return err
	}
	return q.checkHit(ctx, res, id)
}

func (q *sqliteQueue) Fail(ctx context.Context, id, leaseToken string, retryable bool, delay time.Duration) error {
	var res sql.Result
	var err error
	if retryable {
		res, err = q.db.ExecContext(ctx, `
UPDATE queue_jobs
SET state = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'waiting' END,
    next_run_at = datetime(CURRENT_TIMESTAMP, ?),
    lease_token=NULL, lease_expires_at=NULL, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND state='leased' AND lease_token=?`,
			fmt.Sprintf("+%d seconds", int(delay.Seconds())), id, leaseToken)
	} else {
		res, err = q.db.ExecContext(ctx, `
UPDATE queue_jobs SET state='failed', lease_token=NULL, lease_expires_at=NULL, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND state='leased' AND lease_token=?`, id, leaseToken)
	}
	if err != nil {
		return err
	}
	return q.checkHit(ctx, res, id)
}

func (q *sqliteQueue) checkHit(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	row := q.db.QueryRowContext(ctx, `SELECT 1 FROM queue_jobs WHERE id=?`, id)
	var one int
	switch scanErr := row.Scan(&one); scanErr {
	case nil:
		return ErrLeaseLost
	case sql.ErrNoRows:
		return ErrNotFound
	default:
		return scanErr
	}
}

func (q *sqliteQueue) Stats(ctx context.Context) (map[Partition]Stats, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT platform, region,
  SUM(CASE WHEN state='waiting' THEN 1 ELSE 0 END),
  SUM(CASE WHEN state='leased' THEN 1 ELSE 0 END),
  SUM(CASE WHEN state='completed' THEN 1 ELSE 0 END),
  SUM(CASE WHEN state='failed' THEN 1 ELSE 0 END)
FROM queue_jobs GROUP BY platform, region`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[Partition]Stats)
	for rows.Next() {
		var p Partition
		var platform string
		var s Stats
		if err := rows.Scan(&platform, &p.Region, &s.Waiting, &s.Active, &s.Completed, &s.Failed); err != nil {
			return nil, err
		}
		p.Platform = domain.Platform(platform)
		out[p] = s
	}
	return out, rows.Err()
}

// RecoverExpired requeues jobs whose lease ran out without an ack. The old
// token is cleared, so a late ack from the previous holder fails with
// ErrLeaseLost rather than completing a job someone else now owns. Jobs with
// no attempts left move to failed and are returned for settlement.
func (q *sqliteQueue) RecoverExpired(ctx context.Context, now time.Time) (int, []Job, error) {
	tx, err := q.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `
SELECT id,platform,region,payload,attempts,max_attempts
FROM queue_jobs
WHERE state='leased' AND lease_expires_at <= ? AND attempts >= max_attempts`, now.UTC())
	if err != nil {
		return 0, nil, err
	}
	var failed []Job
	for rows.Next() {
		var j Job
		var rawPlatform string
		var raw []byte
		if err = rows.Scan(&j.ID, &rawPlatform, &j.Region, &raw, &j.Attempts, &j.MaxAttempts); err != nil {
			rows.Close()
			return 0, nil, err
		}
		j.Platform = domain.Platform(rawPlatform)
		if j.Payload, err = domain.UnmarshalJobPayload(raw); err != nil {
			rows.Close()
			return 0, nil, err
		}
		failed = append(failed, j)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, nil, err
	}

	res, err := tx.ExecContext(ctx, `
UPDATE queue_jobs
SET state = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'waiting' END,
    lease_token=NULL, lease_expires_at=NULL, last_error='lease expired', updated_at=CURRENT_TIMESTAMP
WHERE state='leased' AND lease_expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, nil, err
	}
	if err = tx.Commit(); err != nil {
		return 0, nil, err
	}
	n, _ := res.RowsAffected()
	return int(n) - len(failed), failed, nil
}
