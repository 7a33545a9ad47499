// Package sqlite is a durable queue.Queue on a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	_ "github.com/mattn/go-sqlite3" // driver
	"github.com/projecteru2/core/log"

	"github.com/obox-cloud/obox/queue"
	"github.com/obox-cloud/obox/types"
)

// compile-time interface check.
var _ queue.Queue = (*Queue)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT    NOT NULL UNIQUE,
	type         TEXT    NOT NULL,
	payload      BLOB    NOT NULL,
	priority     INTEGER NOT NULL,
	dedup_key    TEXT    NOT NULL DEFAULT '',
	state        TEXT    NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	run_at       INTEGER NOT NULL,
	last_error   TEXT    NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_dispatch ON jobs (state, priority, seq);
CREATE INDEX IF NOT EXISTS jobs_key ON jobs (dedup_key, state);
CREATE TABLE IF NOT EXISTS recurring (
	dedup_key TEXT    PRIMARY KEY,
	type      TEXT    NOT NULL,
	payload   BLOB    NOT NULL,
	priority  INTEGER NOT NULL,
	every     INTEGER NOT NULL,
	next_run  INTEGER NOT NULL
);`

const jobColumns = `id, type, payload, priority, dedup_key, state, attempts, max_attempts, run_at, last_error, created_at`

// Options configures a Queue.
type Options struct {
	// MaxAttempts applies to jobs enqueued without their own limit.
	MaxAttempts int
	Clock       clock.Clock
}

// Queue implements queue.Queue.
type Queue struct {
	db   *sql.DB
	opts Options
}

// Open opens (creating if needed) the queue database at path.
func Open(ctx context.Context, path string, opts Options) (*Queue, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open queue db %s: %w", path, err)
	}
	// One connection serialises every claim.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init queue schema: %w", err)
	}
	log.WithFunc("sqlite.Open").Debugf(ctx, "job queue opened at %s", path)
	return &Queue{db: db, opts: opts}, nil
}

func (q *Queue) Close() error { return q.db.Close() }

// Enqueue stores job as ready. Keyed jobs deduplicate against live jobs.
func (q *Queue) Enqueue(ctx context.Context, job *types.Job) (string, error) {
	var id string
	err := txn(ctx, q.db, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		id, err = q.insert(ctx, tx, job)
		return err
	})
	return id, err
}

func (q *Queue) insert(ctx context.Context, tx *sql.Tx, job *types.Job) (string, error) {
	if job.Key != "" {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM jobs WHERE dedup_key = ? AND state IN (?, ?) LIMIT 1`,
			job.Key, types.JobReady, types.JobRunning).Scan(&existing)
		switch {
		case err == nil:
			return existing, nil
		case !errors.Is(err, sql.ErrNoRows):
			return "", fmt.Errorf("check key %s: %w", job.Key, err)
		}
	}
	now := q.opts.Clock.Now()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.opts.MaxAttempts
	}
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	if len(job.Payload) == 0 {
		job.Payload = json.RawMessage("{}")
	}
	job.State, job.Attempts, job.CreatedAt = types.JobReady, 0, now
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Type), []byte(job.Payload), int(job.Priority), job.Key, string(job.State),
		job.Attempts, job.MaxAttempts, job.RunAt.UnixNano(), job.LastError, now.UnixNano()); err != nil {
		return "", fmt.Errorf("insert job %s: %w", job.Type, err)
	}
	return job.ID, nil
}

// Schedule registers or replaces a recurring job; the first run is due now.
func (q *Queue) Schedule(ctx context.Context, key string, typ types.JobType, payload json.RawMessage, prio types.Priority, every time.Duration) error {
	if key == "" || every <= 0 {
		return fmt.Errorf("schedule %s: key and a positive interval are required", typ)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO recurring (dedup_key, type, payload, priority, every, next_run) VALUES (?, ?, ?, ?, ?, ?)`,
		key, string(typ), []byte(payload), int(prio), int64(every), q.opts.Clock.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("schedule %s: %w", key, err)
	}
	return nil
}

func (q *Queue) Unschedule(ctx context.Context, key string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM recurring WHERE dedup_key = ?`, key); err != nil {
		return fmt.Errorf("unschedule %s: %w", key, err)
	}
	return nil
}

// Promote turns due recurring entries into keyed jobs.
func (q *Queue) Promote(ctx context.Context, now time.Time) (int, error) {
	promoted := 0
	err := txn(ctx, q.db, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT dedup_key, type, payload, priority, every FROM recurring WHERE next_run <= ?`, now.UnixNano())
		if err != nil {
			return err
		}
		type due struct {
			key     string
			typ     string
			payload []byte
			prio    int
			every   int64
		}
		var list []due
		for rows.Next() {
			var d due
			if err := rows.Scan(&d.key, &d.typ, &d.payload, &d.prio, &d.every); err != nil {
				_ = rows.Close()
				return err
			}
			list = append(list, d)
		}
		if err := errors.Join(rows.Err(), rows.Close()); err != nil {
			return err
		}
		for _, d := range list {
			job := &types.Job{Type: types.JobType(d.typ), Payload: d.payload, Priority: types.Priority(d.prio), Key: d.key}
			id, err := q.insert(ctx, tx, job)
			if err != nil {
				return err
			}
			if id == job.ID {
				promoted++
			}
			if _, err := tx.ExecContext(ctx, `UPDATE recurring SET next_run = ? WHERE dedup_key = ?`,
				now.Add(time.Duration(d.every)).UnixNano(), d.key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("promote recurring jobs: %w", err)
	}
	return promoted, nil
}

// Claim picks the highest-priority due job, oldest first, and marks it running.
func (q *Queue) Claim(ctx context.Context, now time.Time) (*types.Job, error) {
	var job *types.Job
	err := txn(ctx, q.db, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE state = ? AND run_at <= ? ORDER BY priority ASC, seq ASC LIMIT 1`,
			types.JobReady, now.UnixNano())
		j, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		j.State = types.JobRunning
		j.Attempts++
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET state = ?, attempts = ? WHERE id = ?`,
			string(j.State), j.Attempts, j.ID); err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// Complete removes a finished job.
func (q *Queue) Complete(ctx context.Context, id string) error {
	return q.exec(ctx, id, `DELETE FROM jobs WHERE id = ?`, id)
}

func (q *Queue) Retry(ctx context.Context, id string, runAt time.Time, lastErr string) error {
	return q.exec(ctx, id, `UPDATE jobs SET state = ?, run_at = ?, last_error = ? WHERE id = ?`,
		string(types.JobReady), runAt.UnixNano(), lastErr, id)
}

func (q *Queue) Fail(ctx context.Context, id string, lastErr string) error {
	return q.exec(ctx, id, `UPDATE jobs SET state = ?, last_error = ? WHERE id = ?`,
		string(types.JobFailed), lastErr, id)
}

// Recover returns every running job to ready.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `UPDATE jobs SET state = ? WHERE state = ?`,
		string(types.JobReady), string(types.JobRunning))
	if err != nil {
		return 0, fmt.Errorf("recover jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (q *Queue) List(ctx context.Context, state types.JobState) ([]*types.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY priority ASC, seq ASC`
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	var jobs []*types.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (q *Queue) exec(ctx context.Context, id, query string, args ...any) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", queue.ErrJobNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*types.Job, error) {
	var (
		j                types.Job
		typ, state       string
		payload          []byte
		prio             int
		runAt, createdAt int64
	)
	if err := s.Scan(&j.ID, &typ, &payload, &prio, &j.Key, &state, &j.Attempts, &j.MaxAttempts,
		&runAt, &j.LastError, &createdAt); err != nil {
		return nil, err
	}
	j.Type, j.State, j.Priority = types.JobType(typ), types.JobState(state), types.Priority(prio)
	j.Payload = json.RawMessage(payload)
	j.RunAt, j.CreatedAt = time.Unix(0, runAt), time.Unix(0, createdAt)
	return &j, nil
}

// txn runs fn in a transaction, committing when it returns nil.
func txn(ctx context.Context, db *sql.DB, fn func(context.Context, *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	return tx.Commit()
}
