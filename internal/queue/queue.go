// Package queue is the worker's client for the shared job queue. The
// queue is a SQLite table; claim exclusivity comes from a conditional
// UPDATE so no two workers can own the same job. The worker is a consumer
// only; jobs are inserted by the external API (or the enqueue CLI).
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"webpilot/internal/logging"
	"webpilot/internal/types"
)

var (
	// ErrQueueEmpty means no job is currently claimable. Not a fault.
	ErrQueueEmpty = errors.New("queue empty")
	// ErrQueueUnavailable means the broker itself failed. Retryable with
	// backoff; surfaced as a liveness alarm if backoff is exhausted.
	ErrQueueUnavailable = errors.New("queue unavailable")
)

// Config tunes retry and staleness behavior.
type Config struct {
	MaxAttempts int           // retries before a job goes dead
	BackoffBase float64       // retry delay = base^attempts seconds
	StaleAfter  time.Duration // active w/o heartbeat -> orphaned
}

// Client is the queue handle. Safe for concurrent use by multiple workers.
type Client struct {
	db       *sql.DB
	cfg      Config
	workerID string
	now      func() time.Time // test hook
}

// Open opens (creating if needed) the queue database at path.
func Open(path string, cfg Config) (*Client, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrQueueUnavailable, err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id           TEXT PRIMARY KEY,
		run_id       TEXT NOT NULL,
		target_url   TEXT NOT NULL,
		goal         TEXT NOT NULL,
		test_mode    TEXT NOT NULL,
		tier         TEXT NOT NULL,
		options      TEXT NOT NULL DEFAULT '{}',
		state        TEXT NOT NULL DEFAULT 'pending',
		attempts     INTEGER NOT NULL DEFAULT 0,
		claimed_by   TEXT NOT NULL DEFAULT '',
		enqueued_at  TIMESTAMP NOT NULL,
		next_run_at  TIMESTAMP NOT NULL,
		claimed_at   TIMESTAMP,
		heartbeat_at TIMESTAMP,
		failure      TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(state, next_run_at);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init schema: %v", ErrQueueUnavailable, err)
	}
	return &Client{
		db:       db,
		cfg:      cfg,
		workerID: uuid.NewString(),
		now:      time.Now,
	}, nil
}

// Close releases the database handle.
func (c *Client) Close() error { return c.db.Close() }

// WorkerID identifies this client's claims.
func (c *Client) WorkerID() string { return c.workerID }

// Enqueue inserts a pending job. IDs are assigned here when empty.
func (c *Client) Enqueue(ctx context.Context, job types.Job) (types.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.RunID == "" {
		job.RunID = uuid.NewString()
	}
	if job.TargetURL == "" || job.Goal == "" {
		return types.Job{}, fmt.Errorf("enqueue: target_url and goal are required")
	}
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return types.Job{}, fmt.Errorf("enqueue: marshal options: %w", err)
	}
	now := c.now().UTC()
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO jobs (id, run_id, target_url, goal, test_mode, tier, options, state, enqueued_at, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
		job.ID, job.RunID, job.TargetURL, job.Goal, string(job.TestMode), job.Tier, string(opts), now, now)
	if err != nil {
		return types.Job{}, fmt.Errorf("%w: enqueue: %v", ErrQueueUnavailable, err)
	}
	job.State = types.JobPending
	job.EnqueuedAt = now
	return job, nil
}

// ClaimNext claims the oldest runnable job for this worker. The
// conditional UPDATE guarantees at-most-one active claim per job even
// with many concurrent workers. Returns ErrQueueEmpty when nothing is
// runnable.
func (c *Client) ClaimNext(ctx context.Context) (types.Job, error) {
	now := c.now().UTC()
	for {
		var id string
		err := c.db.QueryRowContext(ctx, `
			SELECT id FROM jobs
			WHERE state IN ('pending', 'failed') AND next_run_at <= ?
			ORDER BY enqueued_at
			LIMIT 1`, now).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return types.Job{}, ErrQueueEmpty
		}
		if err != nil {
			return types.Job{}, fmt.Errorf("%w: select claimable: %v", ErrQueueUnavailable, err)
		}

		res, err := c.db.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'active', claimed_by = ?, claimed_at = ?, heartbeat_at = ?, attempts = attempts + 1
			WHERE id = ? AND state IN ('pending', 'failed')`,
			c.workerID, now, now, id)
		if err != nil {
			return types.Job{}, fmt.Errorf("%w: claim: %v", ErrQueueUnavailable, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return types.Job{}, fmt.Errorf("%w: claim result: %v", ErrQueueUnavailable, err)
		}
		if n == 0 {
			// Lost the race to another worker; try the next candidate.
			continue
		}
		return c.Get(ctx, id)
	}
}

// Get loads one job by ID.
func (c *Client) Get(ctx context.Context, id string) (types.Job, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, run_id, target_url, goal, test_mode, tier, options, state, attempts,
		       enqueued_at, claimed_at, heartbeat_at
		FROM jobs WHERE id = ?`, id)

	var job types.Job
	var mode, state, opts string
	var claimedAt, heartbeatAt sql.NullTime
	if err := row.Scan(&job.ID, &job.RunID, &job.TargetURL, &job.Goal, &mode, &job.Tier,
		&opts, &state, &job.Attempts, &job.EnqueuedAt, &claimedAt, &heartbeatAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Job{}, fmt.Errorf("job %s not found", id)
		}
		return types.Job{}, fmt.Errorf("%w: get: %v", ErrQueueUnavailable, err)
	}
	job.TestMode = types.TestMode(mode)
	job.State = types.JobState(state)
	if claimedAt.Valid {
		job.ClaimedAt = claimedAt.Time
	}
	if heartbeatAt.Valid {
		job.HeartbeatAt = heartbeatAt.Time
	}
	if opts != "" && opts != "{}" {
		_ = json.Unmarshal([]byte(opts), &job.Options)
	}
	return job, nil
}

// Heartbeat refreshes the claim on an active job so the reaper leaves a
// live run alone.
func (c *Client) Heartbeat(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE jobs SET heartbeat_at = ? WHERE id = ? AND state = 'active' AND claimed_by = ?`,
		c.now().UTC(), id, c.workerID)
	if err != nil {
		return fmt.Errorf("%w: heartbeat: %v", ErrQueueUnavailable, err)
	}
	return nil
}

// Complete settles a job successfully.
func (c *Client) Complete(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'done', claimed_by = '' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: complete: %v", ErrQueueUnavailable, err)
	}
	return nil
}

// Fail settles a failed attempt. While attempts remain the job is
// rescheduled with exponential backoff (base^attempts seconds); once
// exhausted it goes dead and is reported, never retried again.
func (c *Client) Fail(ctx context.Context, id string, reason string) error {
	job, err := c.Get(ctx, id)
	if err != nil {
		return err
	}

	log := logging.Get(logging.CategoryQueue)
	if job.Attempts >= c.cfg.MaxAttempts {
		_, err = c.db.ExecContext(ctx, `
			UPDATE jobs SET state = 'dead', claimed_by = '', failure = ? WHERE id = ?`, reason, id)
		if err != nil {
			return fmt.Errorf("%w: dead-letter: %v", ErrQueueUnavailable, err)
		}
		log.Warn("job exhausted retries, dead-lettered",
			zap.String("job_id", id), zap.Int("attempts", job.Attempts), zap.String("reason", reason))
		return nil
	}

	delay := time.Duration(math.Pow(c.cfg.BackoffBase, float64(job.Attempts))) * time.Second
	nextRun := c.now().UTC().Add(delay)
	_, err = c.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'failed', claimed_by = '', failure = ?, next_run_at = ? WHERE id = ?`,
		reason, nextRun, id)
	if err != nil {
		return fmt.Errorf("%w: reschedule: %v", ErrQueueUnavailable, err)
	}
	log.Info("job failed, retry scheduled",
		zap.String("job_id", id), zap.Int("attempts", job.Attempts), zap.Duration("delay", delay))
	return nil
}

// Kill dead-letters a job immediately, bypassing remaining retries. Used
// for deterministic failures a retry cannot fix.
func (c *Client) Kill(ctx context.Context, id string, reason string) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'dead', claimed_by = '', failure = ? WHERE id = ?`, reason, id)
	if err != nil {
		return fmt.Errorf("%w: kill: %v", ErrQueueUnavailable, err)
	}
	logging.Get(logging.CategoryQueue).Warn("job dead-lettered",
		zap.String("job_id", id), zap.String("reason", reason))
	return nil
}

// ReclaimStale requeues (or dead-letters) active jobs whose heartbeat is
// older than StaleAfter. Guards against a crashed worker holding a job
// forever; orphans are never silently dropped.
func (c *Client) ReclaimStale(ctx context.Context) (int, error) {
	cutoff := c.now().UTC().Add(-c.cfg.StaleAfter)
	log := logging.Get(logging.CategoryQueue)

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, attempts FROM jobs WHERE state = 'active' AND heartbeat_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: select stale: %v", ErrQueueUnavailable, err)
	}
	type stale struct {
		id       string
		attempts int
	}
	var orphans []stale
	for rows.Next() {
		var s stale
		if err := rows.Scan(&s.id, &s.attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("%w: scan stale: %v", ErrQueueUnavailable, err)
		}
		orphans = append(orphans, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("%w: iterate stale: %v", ErrQueueUnavailable, err)
	}

	for _, s := range orphans {
		if s.attempts >= c.cfg.MaxAttempts {
			_, err = c.db.ExecContext(ctx, `
				UPDATE jobs SET state = 'dead', claimed_by = '', failure = 'stale: worker lost' WHERE id = ?`, s.id)
		} else {
			_, err = c.db.ExecContext(ctx, `
				UPDATE jobs SET state = 'pending', claimed_by = '', next_run_at = ? WHERE id = ?`,
				c.now().UTC(), s.id)
		}
		if err != nil {
			return 0, fmt.Errorf("%w: reclaim %s: %v", ErrQueueUnavailable, s.id, err)
		}
		log.Warn("stale job reclaimed",
			zap.String("job_id", s.id), zap.Int("attempts", s.attempts))
	}
	return len(orphans), nil
}

// Depth returns the number of jobs resident in the queue (not settled).
func (c *Client) Depth(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs WHERE state IN ('pending', 'failed', 'active')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: depth: %v", ErrQueueUnavailable, err)
	}
	return n, nil
}
