// Package sqlite is the durable persistence backend. History, queues and
// timers live in one SQLite file and every backend call is one immediate
// transaction, so a crash never leaves half of a commit behind.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/davidroman0O/replaylite/internal/persistence"
	"github.com/davidroman0O/replaylite/types"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS instances (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	input      BLOB,
	status     TEXT NOT NULL,
	output     BLOB,
	failure    TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS history (
	instance_id  TEXT NOT NULL,
	event_id     INTEGER NOT NULL,
	type         TEXT NOT NULL,
	timestamp    INTEGER NOT NULL,
	task_seq     INTEGER NOT NULL DEFAULT 0,
	name         TEXT NOT NULL DEFAULT '',
	input        BLOB,
	result       BLOB,
	failure      TEXT,
	fire_at      INTEGER NOT NULL DEFAULT 0,
	retry_policy TEXT,
	PRIMARY KEY (instance_id, event_id)
);
CREATE TABLE IF NOT EXISTS orchestration_queue (
	instance_id  TEXT PRIMARY KEY,
	generation   INTEGER NOT NULL,
	lock_token   TEXT NOT NULL DEFAULT '',
	locked_until INTEGER NOT NULL DEFAULT 0,
	visible_at   INTEGER NOT NULL,
	enqueued_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS activity_queue (
	instance_id  TEXT NOT NULL,
	task_seq     INTEGER NOT NULL,
	name         TEXT NOT NULL,
	input        BLOB,
	retry_policy TEXT,
	attempt      INTEGER NOT NULL DEFAULT 0,
	lock_token   TEXT NOT NULL DEFAULT '',
	locked_until INTEGER NOT NULL DEFAULT 0,
	visible_at   INTEGER NOT NULL,
	enqueued_at  INTEGER NOT NULL,
	PRIMARY KEY (instance_id, task_seq)
);
CREATE TABLE IF NOT EXISTS timers (
	instance_id TEXT NOT NULL,
	task_seq    INTEGER NOT NULL,
	fire_at     INTEGER NOT NULL,
	PRIMARY KEY (instance_id, task_seq)
);
CREATE INDEX IF NOT EXISTS timers_fire_at ON timers (fire_at);
`

type Backend struct {
	db  *sql.DB
	now func() time.Time
}

var _ persistence.Backend = (*Backend)(nil)

type config struct {
	destructive bool
}

type Option func(*config)

// WithDestructive removes the database file before opening it.
func WithDestructive() Option {
	return func(c *config) {
		c.destructive = true
	}
}

// Open opens or creates the database at path. ":memory:" keeps the whole
// database inside the process.
func Open(path string, opts ...Option) (*Backend, error) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.destructive && path != ":memory:" {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("sqlite: remove %s: %w", path+suffix, err)
			}
		}
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=1", path)
	if path == ":memory:" {
		dsn = "file::memory:?_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// one connection, one writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &Backend{db: db, now: time.Now}, nil
}

func (b *Backend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func encodeJSON(v interface{}) (sql.NullString, error) {
	switch x := v.(type) {
	case *types.FailureDetails:
		if x == nil {
			return sql.NullString{}, nil
		}
	case *types.RetryPolicy:
		if x == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeFailure(s sql.NullString) (*types.FailureDetails, error) {
	if !s.Valid {
		return nil, nil
	}
	var f types.FailureDetails
	if err := json.Unmarshal([]byte(s.String), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func decodeRetryPolicy(s sql.NullString) (*types.RetryPolicy, error) {
	if !s.Valid {
		return nil, nil
	}
	var p types.RetryPolicy
	if err := json.Unmarshal([]byte(s.String), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getInstance(ctx context.Context, q querier, id string) (*types.WorkflowInstance, error) {
	var (
		inst      types.WorkflowInstance
		status    string
		failure   sql.NullString
		createdAt int64
		updatedAt int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, name, input, status, output, failure, created_at, updated_at FROM instances WHERE id = ?`, id,
	).Scan(&inst.ID, &inst.Name, &inst.Input, &status, &inst.Output, &failure, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Join(persistence.ErrInstanceNotFound, fmt.Errorf("instance %s", id))
	}
	if err != nil {
		return nil, err
	}
	if inst.Status, err = types.ParseInstanceStatus(status); err != nil {
		return nil, err
	}
	if inst.Failure, err = decodeFailure(failure); err != nil {
		return nil, err
	}
	inst.CreatedAt = fromNanos(createdAt)
	inst.UpdatedAt = fromNanos(updatedAt)
	return &inst, nil
}

func appendEvents(ctx context.Context, tx *sql.Tx, id string, events []types.HistoryEvent) error {
	var lastID int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(event_id), 0) FROM history WHERE instance_id = ?`, id,
	).Scan(&lastID); err != nil {
		return err
	}
	for _, ev := range events {
		lastID++
		failure, err := encodeJSON(ev.Failure)
		if err != nil {
			return err
		}
		policy, err := encodeJSON(ev.RetryPolicy)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO history (instance_id, event_id, type, timestamp, task_seq, name, input, result, failure, fire_at, retry_policy)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, lastID, ev.Type.String(), toNanos(ev.Timestamp), ev.TaskSeq, ev.Name,
			ev.Input, ev.Result, failure, toNanos(ev.FireAt), policy,
		); err != nil {
			return err
		}
	}
	return nil
}

func enqueueOrchestration(ctx context.Context, tx *sql.Tx, id string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO orchestration_queue (instance_id, generation, visible_at, enqueued_at) VALUES (?, 1, ?, ?)
		 ON CONFLICT (instance_id) DO UPDATE SET
			generation = generation + 1,
			visible_at = CASE WHEN lock_token = '' AND visible_at > excluded.visible_at THEN excluded.visible_at ELSE visible_at END`,
		id, toNanos(now), toNanos(now))
	return err
}

func (b *Backend) CreateInstance(ctx context.Context, inst *types.WorkflowInstance, started types.HistoryEvent) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		failure, err := encodeJSON(inst.Failure)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO instances (id, name, input, status, output, failure, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
			inst.ID, inst.Name, inst.Input, inst.Status.String(), inst.Output, failure,
			toNanos(inst.CreatedAt), toNanos(inst.UpdatedAt))
		if err != nil {
			return fmt.Errorf("sqlite: create instance: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.Join(persistence.ErrInstanceExists, fmt.Errorf("instance %s", inst.ID))
		}
		if err := appendEvents(ctx, tx, inst.ID, []types.HistoryEvent{started}); err != nil {
			return fmt.Errorf("sqlite: create instance: %w", err)
		}
		if err := enqueueOrchestration(ctx, tx, inst.ID, b.now()); err != nil {
			return fmt.Errorf("sqlite: create instance: %w", err)
		}
		return nil
	})
}

func (b *Backend) GetInstance(ctx context.Context, id string) (*types.WorkflowInstance, error) {
	return getInstance(ctx, b.db, id)
}

func (b *Backend) ListInstances(ctx context.Context, status *types.InstanceStatus) ([]*types.WorkflowInstance, error) {
	query := `SELECT id FROM instances ORDER BY created_at, id`
	args := []interface{}{}
	if status != nil {
		query = `SELECT id FROM instances WHERE status = ? ORDER BY created_at, id`
		args = append(args, status.String())
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list instances: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: list instances: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list instances: %w", err)
	}

	out := make([]*types.WorkflowInstance, 0, len(ids))
	for _, id := range ids {
		inst, err := getInstance(ctx, b.db, id)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func (b *Backend) ReadHistory(ctx context.Context, id string) ([]types.HistoryEvent, error) {
	if _, err := getInstance(ctx, b.db, id); err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT event_id, type, timestamp, task_seq, name, input, result, failure, fire_at, retry_policy
		 FROM history WHERE instance_id = ? ORDER BY event_id`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: read history: %w", err)
	}
	defer rows.Close()

	var events []types.HistoryEvent
	for rows.Next() {
		var (
			ev        types.HistoryEvent
			eventType string
			timestamp int64
			fireAt    int64
			failure   sql.NullString
			policy    sql.NullString
		)
		if err := rows.Scan(&ev.EventID, &eventType, &timestamp, &ev.TaskSeq, &ev.Name,
			&ev.Input, &ev.Result, &failure, &fireAt, &policy); err != nil {
			return nil, fmt.Errorf("sqlite: read history: %w", err)
		}
		ev.InstanceID = id
		if ev.Type, err = types.ParseEventType(eventType); err != nil {
			return nil, fmt.Errorf("sqlite: read history: %w", err)
		}
		if ev.Failure, err = decodeFailure(failure); err != nil {
			return nil, fmt.Errorf("sqlite: read history: %w", err)
		}
		if ev.RetryPolicy, err = decodeRetryPolicy(policy); err != nil {
			return nil, fmt.Errorf("sqlite: read history: %w", err)
		}
		ev.Timestamp = fromNanos(timestamp)
		ev.FireAt = fromNanos(fireAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (b *Backend) AppendEvents(ctx context.Context, id string, events ...types.HistoryEvent) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		inst, err := getInstance(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := appendEvents(ctx, tx, id, events); err != nil {
			return fmt.Errorf("sqlite: append events: %w", err)
		}
		if !inst.Status.IsTerminal() {
			if err := enqueueOrchestration(ctx, tx, id, b.now()); err != nil {
				return fmt.Errorf("sqlite: append events: %w", err)
			}
		}
		return nil
	})
}

func (b *Backend) DequeueOrchestration(ctx context.Context, leaseFor time.Duration) (*types.OrchestrationWorkItem, error) {
	var item *types.OrchestrationWorkItem
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		now := b.now()
		var (
			id         string
			generation int64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT instance_id, generation FROM orchestration_queue
			 WHERE (lock_token = '' OR locked_until <= ?) AND visible_at <= ?
			 ORDER BY enqueued_at LIMIT 1`,
			toNanos(now), toNanos(now),
		).Scan(&id, &generation)
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.ErrNoWorkItem
		}
		if err != nil {
			return fmt.Errorf("sqlite: dequeue orchestration: %w", err)
		}

		token := uuid.NewString()
		if _, err := tx.ExecContext(ctx,
			`UPDATE orchestration_queue SET lock_token = ?, locked_until = ? WHERE instance_id = ?`,
			token, toNanos(now.Add(leaseFor)), id); err != nil {
			return fmt.Errorf("sqlite: dequeue orchestration: %w", err)
		}
		item = &types.OrchestrationWorkItem{InstanceID: id, LockToken: token, Generation: generation}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func leasedGeneration(ctx context.Context, tx *sql.Tx, item *types.OrchestrationWorkItem) (int64, error) {
	var generation int64
	err := tx.QueryRowContext(ctx,
		`SELECT generation FROM orchestration_queue WHERE instance_id = ? AND lock_token = ?`,
		item.InstanceID, item.LockToken,
	).Scan(&generation)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errors.Join(persistence.ErrLeaseLost, fmt.Errorf("orchestration %s", item.InstanceID))
	}
	return generation, err
}

func (b *Backend) CommitOrchestration(ctx context.Context, commit persistence.OrchestrationCommit) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		now := b.now()
		id := commit.Item.InstanceID

		generation, err := leasedGeneration(ctx, tx, commit.Item)
		if err != nil {
			return err
		}

		if len(commit.Events) > 0 {
			if err := appendEvents(ctx, tx, id, commit.Events); err != nil {
				return fmt.Errorf("sqlite: commit orchestration: %w", err)
			}
		}
		for _, task := range commit.Activities {
			policy, err := encodeJSON(task.RetryPolicy)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO activity_queue (instance_id, task_seq, name, input, retry_policy, visible_at, enqueued_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				id, task.TaskSeq, task.Name, task.Input, policy, toNanos(now), toNanos(now)); err != nil {
				return fmt.Errorf("sqlite: commit orchestration: %w", err)
			}
		}
		for _, timer := range commit.Timers {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO timers (instance_id, task_seq, fire_at) VALUES (?, ?, ?)`,
				id, timer.TaskSeq, toNanos(timer.FireAt)); err != nil {
				return fmt.Errorf("sqlite: commit orchestration: %w", err)
			}
		}

		switch {
		case commit.Update != nil:
			failure, err := encodeJSON(commit.Update.Failure)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE instances SET status = ?, output = ?, failure = ?, updated_at = ? WHERE id = ?`,
				commit.Update.Status.String(), commit.Update.Output, failure, toNanos(now), id); err != nil {
				return fmt.Errorf("sqlite: commit orchestration: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM timers WHERE instance_id = ?`, id); err != nil {
				return fmt.Errorf("sqlite: commit orchestration: %w", err)
			}
			// queued calls the workflow never awaited; leased ones finish and are ignored
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM activity_queue WHERE instance_id = ? AND (lock_token = '' OR locked_until <= ?)`,
				id, toNanos(now)); err != nil {
				return fmt.Errorf("sqlite: commit orchestration: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM orchestration_queue WHERE instance_id = ?`, id); err != nil {
				return fmt.Errorf("sqlite: commit orchestration: %w", err)
			}
		case generation == commit.Item.Generation:
			if _, err := tx.ExecContext(ctx, `DELETE FROM orchestration_queue WHERE instance_id = ?`, id); err != nil {
				return fmt.Errorf("sqlite: commit orchestration: %w", err)
			}
		default:
			// new work arrived while the replay was running
			if _, err := tx.ExecContext(ctx,
				`UPDATE orchestration_queue SET lock_token = '', locked_until = 0, visible_at = ? WHERE instance_id = ?`,
				toNanos(now), id); err != nil {
				return fmt.Errorf("sqlite: commit orchestration: %w", err)
			}
		}
		return nil
	})
}

func (b *Backend) AbandonOrchestration(ctx context.Context, item *types.OrchestrationWorkItem, delay time.Duration) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := leasedGeneration(ctx, tx, item); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE orchestration_queue SET lock_token = '', locked_until = 0, visible_at = ? WHERE instance_id = ?`,
			toNanos(b.now().Add(delay)), item.InstanceID)
		return err
	})
}

func (b *Backend) DequeueActivity(ctx context.Context, leaseFor time.Duration) (*types.ActivityTask, error) {
	var task *types.ActivityTask
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		now := b.now()
		// tasks abandoned or recovered after their instance finished
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM activity_queue WHERE (lock_token = '' OR locked_until <= ?)
			 AND instance_id NOT IN (SELECT id FROM instances WHERE status = ?)`,
			toNanos(now), types.StatusRunning.String()); err != nil {
			return fmt.Errorf("sqlite: dequeue activity: %w", err)
		}

		var (
			t      types.ActivityTask
			policy sql.NullString
		)
		err := tx.QueryRowContext(ctx,
			`SELECT instance_id, task_seq, name, input, retry_policy, attempt FROM activity_queue
			 WHERE (lock_token = '' OR locked_until <= ?) AND visible_at <= ?
			 ORDER BY enqueued_at LIMIT 1`,
			toNanos(now), toNanos(now),
		).Scan(&t.InstanceID, &t.TaskSeq, &t.Name, &t.Input, &policy, &t.Attempt)
		if errors.Is(err, sql.ErrNoRows) {
			// commit so the orphan sweep sticks
			return nil
		}
		if err != nil {
			return fmt.Errorf("sqlite: dequeue activity: %w", err)
		}
		if t.RetryPolicy, err = decodeRetryPolicy(policy); err != nil {
			return fmt.Errorf("sqlite: dequeue activity: %w", err)
		}

		t.Attempt++
		t.LockToken = uuid.NewString()
		if _, err := tx.ExecContext(ctx,
			`UPDATE activity_queue SET lock_token = ?, locked_until = ?, attempt = ? WHERE instance_id = ? AND task_seq = ?`,
			t.LockToken, toNanos(now.Add(leaseFor)), t.Attempt, t.InstanceID, t.TaskSeq); err != nil {
			return fmt.Errorf("sqlite: dequeue activity: %w", err)
		}
		task = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, persistence.ErrNoWorkItem
	}
	return task, nil
}

func checkActivityLease(ctx context.Context, tx *sql.Tx, task *types.ActivityTask) error {
	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM activity_queue WHERE instance_id = ? AND task_seq = ? AND lock_token = ?`,
		task.InstanceID, task.TaskSeq, task.LockToken,
	).Scan(&n); err != nil {
		return err
	}
	if n == 0 || task.LockToken == "" {
		return errors.Join(persistence.ErrLeaseLost, fmt.Errorf("activity %s#%d", task.InstanceID, task.TaskSeq))
	}
	return nil
}

func (b *Backend) ExtendActivityLease(ctx context.Context, task *types.ActivityTask, leaseFor time.Duration) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkActivityLease(ctx, tx, task); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE activity_queue SET locked_until = ? WHERE instance_id = ? AND task_seq = ?`,
			toNanos(b.now().Add(leaseFor)), task.InstanceID, task.TaskSeq)
		return err
	})
}

func (b *Backend) CompleteActivity(ctx context.Context, task *types.ActivityTask, completed types.HistoryEvent) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkActivityLease(ctx, tx, task); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM activity_queue WHERE instance_id = ? AND task_seq = ?`,
			task.InstanceID, task.TaskSeq); err != nil {
			return fmt.Errorf("sqlite: complete activity: %w", err)
		}

		inst, err := getInstance(ctx, tx, task.InstanceID)
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			// purged while the activity was running
			return nil
		}
		if err != nil {
			return err
		}
		if err := appendEvents(ctx, tx, task.InstanceID, []types.HistoryEvent{completed}); err != nil {
			return fmt.Errorf("sqlite: complete activity: %w", err)
		}
		if !inst.Status.IsTerminal() {
			if err := enqueueOrchestration(ctx, tx, task.InstanceID, b.now()); err != nil {
				return fmt.Errorf("sqlite: complete activity: %w", err)
			}
		}
		return nil
	})
}

func (b *Backend) AbandonActivity(ctx context.Context, task *types.ActivityTask, delay time.Duration) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		if err := checkActivityLease(ctx, tx, task); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE activity_queue SET lock_token = '', locked_until = 0, visible_at = ? WHERE instance_id = ? AND task_seq = ?`,
			toNanos(b.now().Add(delay)), task.InstanceID, task.TaskSeq)
		return err
	})
}

func (b *Backend) FireDueTimers(ctx context.Context, now time.Time) (int, error) {
	fired := 0
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT instance_id, task_seq, fire_at FROM timers WHERE fire_at <= ? ORDER BY fire_at`, toNanos(now))
		if err != nil {
			return fmt.Errorf("sqlite: fire timers: %w", err)
		}
		var due []types.TimerTask
		for rows.Next() {
			var (
				t      types.TimerTask
				fireAt int64
			)
			if err := rows.Scan(&t.InstanceID, &t.TaskSeq, &fireAt); err != nil {
				rows.Close()
				return fmt.Errorf("sqlite: fire timers: %w", err)
			}
			t.FireAt = fromNanos(fireAt)
			due = append(due, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("sqlite: fire timers: %w", err)
		}

		for _, t := range due {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM timers WHERE instance_id = ? AND task_seq = ?`, t.InstanceID, t.TaskSeq); err != nil {
				return fmt.Errorf("sqlite: fire timers: %w", err)
			}
			inst, err := getInstance(ctx, tx, t.InstanceID)
			if err != nil || inst.Status.IsTerminal() {
				continue
			}
			if err := appendEvents(ctx, tx, t.InstanceID, []types.HistoryEvent{{
				Type:      types.EventTimerFired,
				Timestamp: now,
				TaskSeq:   t.TaskSeq,
				FireAt:    t.FireAt,
			}}); err != nil {
				return fmt.Errorf("sqlite: fire timers: %w", err)
			}
			if err := enqueueOrchestration(ctx, tx, t.InstanceID, now); err != nil {
				return fmt.Errorf("sqlite: fire timers: %w", err)
			}
			fired++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return fired, nil
}

func (b *Backend) RecoverLeases(ctx context.Context, deadline time.Time) (int, error) {
	recovered := 0
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE orchestration_queue SET lock_token = '', locked_until = 0 WHERE lock_token != '' AND locked_until < ?`,
			toNanos(deadline))
		if err != nil {
			return fmt.Errorf("sqlite: recover leases: %w", err)
		}
		n, _ := res.RowsAffected()
		recovered += int(n)

		res, err = tx.ExecContext(ctx,
			`UPDATE activity_queue SET lock_token = '', locked_until = 0 WHERE lock_token != '' AND locked_until < ?`,
			toNanos(deadline))
		if err != nil {
			return fmt.Errorf("sqlite: recover leases: %w", err)
		}
		n, _ = res.RowsAffected()
		recovered += int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return recovered, nil
}

func (b *Backend) Purge(ctx context.Context, id string) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		inst, err := getInstance(ctx, tx, id)
		if err != nil {
			return err
		}
		if !inst.Status.IsTerminal() {
			return errors.Join(persistence.ErrInstanceRunning, fmt.Errorf("instance %s", id))
		}
		for _, stmt := range []string{
			`DELETE FROM instances WHERE id = ?`,
			`DELETE FROM history WHERE instance_id = ?`,
			`DELETE FROM orchestration_queue WHERE instance_id = ?`,
			`DELETE FROM activity_queue WHERE instance_id = ?`,
			`DELETE FROM timers WHERE instance_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return fmt.Errorf("sqlite: purge: %w", err)
			}
		}
		return nil
	})
}

func (b *Backend) Close() error {
	return b.db.Close()
}
