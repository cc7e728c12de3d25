// Package memdb is the in-memory persistence backend built on go-memdb.
// Everything is lost with the process; use it for tests and short-lived
// engines.
package memdb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/davidroman0O/replaylite/internal/persistence"
	"github.com/davidroman0O/replaylite/types"
	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
)

const (
	tableInstances      = "instances"
	tableHistory        = "history"
	tableOrchestrations = "orchestrations"
	tableActivities     = "activities"
	tableTimers         = "timers"
)

type historyRecord struct {
	InstanceID string
	Events     []types.HistoryEvent
}

type orchestrationRecord struct {
	InstanceID  string
	Generation  int64
	LockToken   string
	LockedUntil time.Time
	VisibleAt   time.Time
	EnqueuedAt  time.Time
}

type activityRecord struct {
	ID          string
	InstanceID  string
	Task        types.ActivityTask
	LockToken   string
	LockedUntil time.Time
	VisibleAt   time.Time
	EnqueuedAt  time.Time
}

type timerRecord struct {
	ID         string
	InstanceID string
	Timer      types.TimerTask
}

func taskID(instanceID string, seq int64) string {
	return instanceID + "/" + strconv.FormatInt(seq, 10)
}

func idIndex(field string) *memdb.IndexSchema {
	return &memdb.IndexSchema{
		Name:    "id",
		Unique:  true,
		Indexer: &memdb.StringFieldIndex{Field: field},
	}
}

func instanceIndex() *memdb.IndexSchema {
	return &memdb.IndexSchema{
		Name:    "instance",
		Indexer: &memdb.StringFieldIndex{Field: "InstanceID"},
	}
}

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableInstances: {
			Name:    tableInstances,
			Indexes: map[string]*memdb.IndexSchema{"id": idIndex("ID")},
		},
		tableHistory: {
			Name:    tableHistory,
			Indexes: map[string]*memdb.IndexSchema{"id": idIndex("InstanceID")},
		},
		tableOrchestrations: {
			Name:    tableOrchestrations,
			Indexes: map[string]*memdb.IndexSchema{"id": idIndex("InstanceID")},
		},
		tableActivities: {
			Name: tableActivities,
			Indexes: map[string]*memdb.IndexSchema{
				"id":       idIndex("ID"),
				"instance": instanceIndex(),
			},
		},
		tableTimers: {
			Name: tableTimers,
			Indexes: map[string]*memdb.IndexSchema{
				"id":       idIndex("ID"),
				"instance": instanceIndex(),
			},
		},
	},
}

// Backend keeps the history log and the queues in go-memdb tables. Rows
// are treated as immutable: every change inserts an updated copy.
type Backend struct {
	db  *memdb.MemDB
	now func() time.Time
}

var _ persistence.Backend = (*Backend)(nil)

func New() (*Backend, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("memdb: create db: %w", err)
	}
	return &Backend{db: db, now: time.Now}, nil
}

func cloneInstance(inst *types.WorkflowInstance) *types.WorkflowInstance {
	cp := *inst
	if inst.Failure != nil {
		f := *inst.Failure
		cp.Failure = &f
	}
	return &cp
}

func getInstance(txn *memdb.Txn, id string) (*types.WorkflowInstance, error) {
	raw, err := txn.First(tableInstances, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.Join(persistence.ErrInstanceNotFound, fmt.Errorf("instance %s", id))
	}
	return raw.(*types.WorkflowInstance), nil
}

// appendEvents assigns event ids and stores the extended history.
func appendEvents(txn *memdb.Txn, id string, events []types.HistoryEvent) error {
	var existing []types.HistoryEvent
	raw, err := txn.First(tableHistory, "id", id)
	if err != nil {
		return err
	}
	if raw != nil {
		existing = raw.(*historyRecord).Events
	}

	next := make([]types.HistoryEvent, len(existing), len(existing)+len(events))
	copy(next, existing)
	lastID := int64(0)
	if len(existing) > 0 {
		lastID = existing[len(existing)-1].EventID
	}
	for _, ev := range events {
		lastID++
		ev.InstanceID = id
		ev.EventID = lastID
		next = append(next, ev)
	}
	return txn.Insert(tableHistory, &historyRecord{InstanceID: id, Events: next})
}

func enqueueOrchestration(txn *memdb.Txn, id string, now time.Time) error {
	raw, err := txn.First(tableOrchestrations, "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		return txn.Insert(tableOrchestrations, &orchestrationRecord{
			InstanceID: id,
			Generation: 1,
			VisibleAt:  now,
			EnqueuedAt: now,
		})
	}
	rec := *raw.(*orchestrationRecord)
	rec.Generation++
	if rec.LockToken == "" && rec.VisibleAt.After(now) {
		rec.VisibleAt = now
	}
	return txn.Insert(tableOrchestrations, &rec)
}

func (b *Backend) CreateInstance(ctx context.Context, inst *types.WorkflowInstance, started types.HistoryEvent) error {
	txn := b.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableInstances, "id", inst.ID)
	if err != nil {
		return fmt.Errorf("memdb: create instance: %w", err)
	}
	if raw != nil {
		return errors.Join(persistence.ErrInstanceExists, fmt.Errorf("instance %s", inst.ID))
	}
	if err := txn.Insert(tableInstances, cloneInstance(inst)); err != nil {
		return fmt.Errorf("memdb: create instance: %w", err)
	}
	if err := appendEvents(txn, inst.ID, []types.HistoryEvent{started}); err != nil {
		return fmt.Errorf("memdb: create instance: %w", err)
	}
	if err := enqueueOrchestration(txn, inst.ID, b.now()); err != nil {
		return fmt.Errorf("memdb: create instance: %w", err)
	}
	txn.Commit()
	return nil
}

func (b *Backend) GetInstance(ctx context.Context, id string) (*types.WorkflowInstance, error) {
	txn := b.db.Txn(false)
	defer txn.Abort()

	inst, err := getInstance(txn, id)
	if err != nil {
		return nil, err
	}
	return cloneInstance(inst), nil
}

func (b *Backend) ListInstances(ctx context.Context, status *types.InstanceStatus) ([]*types.WorkflowInstance, error) {
	txn := b.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableInstances, "id")
	if err != nil {
		return nil, fmt.Errorf("memdb: list instances: %w", err)
	}
	var out []*types.WorkflowInstance
	for raw := it.Next(); raw != nil; raw = it.Next() {
		inst := raw.(*types.WorkflowInstance)
		if status != nil && inst.Status != *status {
			continue
		}
		out = append(out, cloneInstance(inst))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (b *Backend) ReadHistory(ctx context.Context, id string) ([]types.HistoryEvent, error) {
	txn := b.db.Txn(false)
	defer txn.Abort()

	if _, err := getInstance(txn, id); err != nil {
		return nil, err
	}
	raw, err := txn.First(tableHistory, "id", id)
	if err != nil {
		return nil, fmt.Errorf("memdb: read history: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	events := raw.(*historyRecord).Events
	out := make([]types.HistoryEvent, len(events))
	copy(out, events)
	return out, nil
}

func (b *Backend) AppendEvents(ctx context.Context, id string, events ...types.HistoryEvent) error {
	txn := b.db.Txn(true)
	defer txn.Abort()

	inst, err := getInstance(txn, id)
	if err != nil {
		return err
	}
	if err := appendEvents(txn, id, events); err != nil {
		return fmt.Errorf("memdb: append events: %w", err)
	}
	if !inst.Status.IsTerminal() {
		if err := enqueueOrchestration(txn, id, b.now()); err != nil {
			return fmt.Errorf("memdb: append events: %w", err)
		}
	}
	txn.Commit()
	return nil
}

func (b *Backend) DequeueOrchestration(ctx context.Context, leaseFor time.Duration) (*types.OrchestrationWorkItem, error) {
	txn := b.db.Txn(true)
	defer txn.Abort()

	now := b.now()
	it, err := txn.Get(tableOrchestrations, "id")
	if err != nil {
		return nil, fmt.Errorf("memdb: dequeue orchestration: %w", err)
	}
	var picked *orchestrationRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rec := raw.(*orchestrationRecord)
		if rec.LockToken != "" && rec.LockedUntil.After(now) {
			continue
		}
		if rec.VisibleAt.After(now) {
			continue
		}
		if picked == nil || rec.EnqueuedAt.Before(picked.EnqueuedAt) {
			picked = rec
		}
	}
	for _, rec := range orphans {
		if err := txn.Delete(tableActivities, rec); err != nil {
			return nil, fmt.Errorf("memdb: dequeue activity: %w", err)
		}
	}
	if picked == nil {
		if len(orphans) > 0 {
			txn.Commit()
		}
		return nil, persistence.ErrNoWorkItem
	}

	rec := *picked
	rec.LockToken = uuid.NewString()
	rec.LockedUntil = now.Add(leaseFor)
	if err := txn.Insert(tableOrchestrations, &rec); err != nil {
		return nil, fmt.Errorf("memdb: dequeue orchestration: %w", err)
	}
	txn.Commit()

	return &types.OrchestrationWorkItem{
		InstanceID: rec.InstanceID,
		LockToken:  rec.LockToken,
		Generation: rec.Generation,
	}, nil
}

func leasedOrchestration(txn *memdb.Txn, item *types.OrchestrationWorkItem) (*orchestrationRecord, error) {
	raw, err := txn.First(tableOrchestrations, "id", item.InstanceID)
	if err != nil {
		return nil, err
	}
	if raw == nil || raw.(*orchestrationRecord).LockToken != item.LockToken {
		return nil, errors.Join(persistence.ErrLeaseLost, fmt.Errorf("orchestration %s", item.InstanceID))
	}
	return raw.(*orchestrationRecord), nil
}

func (b *Backend) CommitOrchestration(ctx context.Context, commit persistence.OrchestrationCommit) error {
	txn := b.db.Txn(true)
	defer txn.Abort()

	now := b.now()
	id := commit.Item.InstanceID
	rec, err := leasedOrchestration(txn, commit.Item)
	if err != nil {
		return err
	}
	inst, err := getInstance(txn, id)
	if err != nil {
		return err
	}

	if len(commit.Events) > 0 {
		if err := appendEvents(txn, id, commit.Events); err != nil {
			return fmt.Errorf("memdb: commit orchestration: %w", err)
		}
	}
	for _, task := range commit.Activities {
		task.InstanceID = id
		task.Attempt = 0
		task.LockToken = ""
		if err := txn.Insert(tableActivities, &activityRecord{
			ID:         taskID(id, task.TaskSeq),
			InstanceID: id,
			Task:       task,
			VisibleAt:  now,
			EnqueuedAt: now,
		}); err != nil {
			return fmt.Errorf("memdb: commit orchestration: %w", err)
		}
	}
	for _, timer := range commit.Timers {
		timer.InstanceID = id
		if err := txn.Insert(tableTimers, &timerRecord{
			ID:         taskID(id, timer.TaskSeq),
			InstanceID: id,
			Timer:      timer,
		}); err != nil {
			return fmt.Errorf("memdb: commit orchestration: %w", err)
		}
	}

	switch {
	case commit.Update != nil:
		updated := cloneInstance(inst)
		updated.Status = commit.Update.Status
		updated.Output = commit.Update.Output
		updated.Failure = commit.Update.Failure
		updated.UpdatedAt = now
		if err := txn.Insert(tableInstances, updated); err != nil {
			return fmt.Errorf("memdb: commit orchestration: %w", err)
		}
		if _, err := txn.DeleteAll(tableTimers, "instance", id); err != nil {
			return fmt.Errorf("memdb: commit orchestration: %w", err)
		}
		// queued calls the workflow never awaited; leased ones finish and are ignored
		if err := dropIdleActivities(txn, now, id); err != nil {
			return fmt.Errorf("memdb: commit orchestration: %w", err)
		}
		if err := txn.Delete(tableOrchestrations, rec); err != nil {
			return fmt.Errorf("memdb: commit orchestration: %w", err)
		}
	case rec.Generation == commit.Item.Generation:
		if err := txn.Delete(tableOrchestrations, rec); err != nil {
			return fmt.Errorf("memdb: commit orchestration: %w", err)
		}
	default:
		// new work arrived while the replay was running
		next := *rec
		next.LockToken = ""
		next.LockedUntil = time.Time{}
		next.VisibleAt = now
		if err := txn.Insert(tableOrchestrations, &next); err != nil {
			return fmt.Errorf("memdb: commit orchestration: %w", err)
		}
	}

	txn.Commit()
	return nil
}

func (b *Backend) AbandonOrchestration(ctx context.Context, item *types.OrchestrationWorkItem, delay time.Duration) error {
	txn := b.db.Txn(true)
	defer txn.Abort()

	rec, err := leasedOrchestration(txn, item)
	if err != nil {
		return err
	}
	next := *rec
	next.LockToken = ""
	next.LockedUntil = time.Time{}
	next.VisibleAt = b.now().Add(delay)
	if err := txn.Insert(tableOrchestrations, &next); err != nil {
		return fmt.Errorf("memdb: abandon orchestration: %w", err)
	}
	txn.Commit()
	return nil
}

func (b *Backend) DequeueActivity(ctx context.Context, leaseFor time.Duration) (*types.ActivityTask, error) {
	txn := b.db.Txn(true)
	defer txn.Abort()

	now := b.now()
	it, err := txn.Get(tableActivities, "id")
	if err != nil {
		return nil, fmt.Errorf("memdb: dequeue activity: %w", err)
	}
	var picked *activityRecord
	var orphans []*activityRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rec := raw.(*activityRecord)
		if rec.LockToken != "" && rec.LockedUntil.After(now) {
			continue
		}
		inst, err := getInstance(txn, rec.InstanceID)
		if err != nil && !errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil, fmt.Errorf("memdb: dequeue activity: %w", err)
		}
		if inst == nil || inst.Status.IsTerminal() {
			// abandoned or recovered after its instance finished
			orphans = append(orphans, rec)
			continue
		}
		if rec.VisibleAt.After(now) {
			continue
		}
		if picked == nil || rec.EnqueuedAt.Before(picked.EnqueuedAt) {
			picked = rec
		}
	}
	for _, rec := range orphans {
		if err := txn.Delete(tableActivities, rec); err != nil {
			return nil, fmt.Errorf("memdb: dequeue activity: %w", err)
		}
	}
	if picked == nil {
		if len(orphans) > 0 {
			txn.Commit()
		}
		return nil, persistence.ErrNoWorkItem
	}

	rec := *picked
	rec.LockToken = uuid.NewString()
	rec.LockedUntil = now.Add(leaseFor)
	rec.Task.Attempt++
	rec.Task.LockToken = rec.LockToken
	if err := txn.Insert(tableActivities, &rec); err != nil {
		return nil, fmt.Errorf("memdb: dequeue activity: %w", err)
	}
	txn.Commit()

	task := rec.Task
	return &task, nil
}

// dropIdleActivities deletes the tasks of an instance that no worker holds.
func dropIdleActivities(txn *memdb.Txn, now time.Time, id string) error {
	it, err := txn.Get(tableActivities, "instance", id)
	if err != nil {
		return err
	}
	var idle []*activityRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rec := raw.(*activityRecord)
		if rec.LockToken == "" || !rec.LockedUntil.After(now) {
			idle = append(idle, rec)
		}
	}
	for _, rec := range idle {
		if err := txn.Delete(tableActivities, rec); err != nil {
			return err
		}
	}
	return nil
}

func leasedActivity(txn *memdb.Txn, task *types.ActivityTask) (*activityRecord, error) {
	raw, err := txn.First(tableActivities, "id", taskID(task.InstanceID, task.TaskSeq))
	if err != nil {
		return nil, err
	}
	if raw == nil || raw.(*activityRecord).LockToken != task.LockToken {
		return nil, errors.Join(persistence.ErrLeaseLost, fmt.Errorf("activity %s#%d", task.InstanceID, task.TaskSeq))
	}
	return raw.(*activityRecord), nil
}

func (b *Backend) ExtendActivityLease(ctx context.Context, task *types.ActivityTask, leaseFor time.Duration) error {
	txn := b.db.Txn(true)
	defer txn.Abort()

	rec, err := leasedActivity(txn, task)
	if err != nil {
		return err
	}
	next := *rec
	next.LockedUntil = b.now().Add(leaseFor)
	if err := txn.Insert(tableActivities, &next); err != nil {
		return fmt.Errorf("memdb: extend activity lease: %w", err)
	}
	txn.Commit()
	return nil
}

func (b *Backend) CompleteActivity(ctx context.Context, task *types.ActivityTask, completed types.HistoryEvent) error {
	txn := b.db.Txn(true)
	defer txn.Abort()

	rec, err := leasedActivity(txn, task)
	if err != nil {
		return err
	}
	if err := txn.Delete(tableActivities, rec); err != nil {
		return fmt.Errorf("memdb: complete activity: %w", err)
	}

	inst, err := getInstance(txn, task.InstanceID)
	if errors.Is(err, persistence.ErrInstanceNotFound) {
		// purged while the activity was running
		txn.Commit()
		return nil
	}
	if err != nil {
		return err
	}
	if err := appendEvents(txn, task.InstanceID, []types.HistoryEvent{completed}); err != nil {
		return fmt.Errorf("memdb: complete activity: %w", err)
	}
	if !inst.Status.IsTerminal() {
		if err := enqueueOrchestration(txn, task.InstanceID, b.now()); err != nil {
			return fmt.Errorf("memdb: complete activity: %w", err)
		}
	}
	txn.Commit()
	return nil
}

func (b *Backend) AbandonActivity(ctx context.Context, task *types.ActivityTask, delay time.Duration) error {
	txn := b.db.Txn(true)
	defer txn.Abort()

	rec, err := leasedActivity(txn, task)
	if err != nil {
		return err
	}
	next := *rec
	next.LockToken = ""
	next.Task.LockToken = ""
	next.LockedUntil = time.Time{}
	next.VisibleAt = b.now().Add(delay)
	if err := txn.Insert(tableActivities, &next); err != nil {
		return fmt.Errorf("memdb: abandon activity: %w", err)
	}
	txn.Commit()
	return nil
}

func (b *Backend) FireDueTimers(ctx context.Context, now time.Time) (int, error) {
	txn := b.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(tableTimers, "id")
	if err != nil {
		return 0, fmt.Errorf("memdb: fire timers: %w", err)
	}
	var due []*timerRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rec := raw.(*timerRecord)
		if !rec.Timer.FireAt.After(now) {
			due = append(due, rec)
		}
	}

	fired := 0
	for _, rec := range due {
		if err := txn.Delete(tableTimers, rec); err != nil {
			return 0, fmt.Errorf("memdb: fire timers: %w", err)
		}
		inst, err := getInstance(txn, rec.InstanceID)
		if err != nil || inst.Status.IsTerminal() {
			continue
		}
		if err := appendEvents(txn, rec.InstanceID, []types.HistoryEvent{{
			Type:      types.EventTimerFired,
			Timestamp: now,
			TaskSeq:   rec.Timer.TaskSeq,
			FireAt:    rec.Timer.FireAt,
		}}); err != nil {
			return 0, fmt.Errorf("memdb: fire timers: %w", err)
		}
		if err := enqueueOrchestration(txn, rec.InstanceID, now); err != nil {
			return 0, fmt.Errorf("memdb: fire timers: %w", err)
		}
		fired++
	}
	txn.Commit()
	return fired, nil
}

func (b *Backend) RecoverLeases(ctx context.Context, deadline time.Time) (int, error) {
	txn := b.db.Txn(true)
	defer txn.Abort()

	recovered := 0

	it, err := txn.Get(tableOrchestrations, "id")
	if err != nil {
		return 0, fmt.Errorf("memdb: recover leases: %w", err)
	}
	var orchestrations []*orchestrationRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rec := raw.(*orchestrationRecord)
		if rec.LockToken != "" && rec.LockedUntil.Before(deadline) {
			orchestrations = append(orchestrations, rec)
		}
	}
	for _, rec := range orchestrations {
		next := *rec
		next.LockToken = ""
		next.LockedUntil = time.Time{}
		if err := txn.Insert(tableOrchestrations, &next); err != nil {
			return 0, fmt.Errorf("memdb: recover leases: %w", err)
		}
		recovered++
	}

	it, err = txn.Get(tableActivities, "id")
	if err != nil {
		return 0, fmt.Errorf("memdb: recover leases: %w", err)
	}
	var activities []*activityRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rec := raw.(*activityRecord)
		if rec.LockToken != "" && rec.LockedUntil.Before(deadline) {
			activities = append(activities, rec)
		}
	}
	for _, rec := range activities {
		next := *rec
		next.LockToken = ""
		next.Task.LockToken = ""
		next.LockedUntil = time.Time{}
		if err := txn.Insert(tableActivities, &next); err != nil {
			return 0, fmt.Errorf("memdb: recover leases: %w", err)
		}
		recovered++
	}

	txn.Commit()
	return recovered, nil
}

func (b *Backend) Purge(ctx context.Context, id string) error {
	txn := b.db.Txn(true)
	defer txn.Abort()

	inst, err := getInstance(txn, id)
	if err != nil {
		return err
	}
	if !inst.Status.IsTerminal() {
		return errors.Join(persistence.ErrInstanceRunning, fmt.Errorf("instance %s", id))
	}
	for _, table := range []string{tableInstances, tableHistory, tableOrchestrations} {
		if _, err := txn.DeleteAll(table, "id", id); err != nil {
			return fmt.Errorf("memdb: purge: %w", err)
		}
	}
	for _, table := range []string{tableActivities, tableTimers} {
		if _, err := txn.DeleteAll(table, "instance", id); err != nil {
			return fmt.Errorf("memdb: purge: %w", err)
		}
	}
	txn.Commit()
	return nil
}

func (b *Backend) Close() error {
	return nil
}
