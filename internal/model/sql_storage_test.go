package model

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cleanupQuery = "TRUNCATE checkin, jobinst_cancel, jobinst_metric, jobinst, batchinst, batch_item, job, batch RESTART IDENTITY CASCADE"

// newTestSQLStorage connects to the database described by the TEST_DB_*
// variables and skips the test when none is configured.
func newTestSQLStorage(t *testing.T) *sqlStorage {
	t.Helper()
	if os.Getenv("TEST_DB_HOST") == "" {
		t.Skip("TEST_DB_HOST is not set")
	}
	dataSourceName := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		os.Getenv("TEST_DB_HOST"),
		os.Getenv("TEST_DB_PORT"),
		"go-monitor",
		os.Getenv("TEST_DB_PASSWORD"),
		"go-monitor",
	)
	ctx := context.Background()
	st, err := NewSQLStorage(ctx, "postgres", dataSourceName)
	require.NoError(t, err)
	_, err = st.database.ExecContext(ctx, cleanupQuery)
	require.NoError(t, err)
	t.Cleanup(func() {
		st.database.ExecContext(context.Background(), cleanupQuery)
		st.Close()
	})
	return st
}

func seedSQL(t *testing.T, st *sqlStorage, query string, params ...any) int64 {
	t.Helper()
	var id int64
	require.NoError(t, st.database.QueryRowContext(context.Background(), query+" RETURNING id", params...).Scan(&id))
	return id
}

func TestSQLStorageScheduling(t *testing.T) {
	st := newTestSQLStorage(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)

	root := BatchId(seedSQL(t, st,
		"INSERT INTO batch (name, group_id, cycle, run_interval, run_time, run_date) VALUES ($1, $2, $3, $4, $5, $6)",
		"root", "nightly", "day", 1, "020000", now.Add(-time.Hour)))
	child := BatchId(seedSQL(t, st,
		"INSERT INTO batch (parent_id, name, cycle, run_interval, run_date) VALUES ($1, $2, $3, $4, $5)",
		root, "child", "day", 1, now))
	job := JobId(seedSQL(t, st,
		"INSERT INTO job (name, program_path, group_id) VALUES ($1, $2, $3)", "export", "/bin/true", "db"))
	seedSQL(t, st, "INSERT INTO batch_item (batch_id, job_id, priority, extra_args) VALUES ($1, $2, $3, $4)", root, job, 5, "--fast")

	var rootInst BatchInst
	require.NoError(t, Transact(ctx, st, func(ctx context.Context, tx Tx) error {
		due, err := tx.DueBatches(ctx, now)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, CycleDay, due[0].Cycle)
		assert.Equal(t, "020000", due[0].RunTime)

		children, err := tx.ChildBatches(ctx, root)
		require.NoError(t, err)
		require.Len(t, children, 1)
		assert.Equal(t, child, children[0].Id)

		rootInst = BatchInst{BatchId: root, Status: BatchInstPending, RunDate: due[0].RunDate}
		if err = tx.InsertBatchInst(ctx, &rootInst); err != nil {
			return err
		}
		childInst := BatchInst{BatchId: child, ParentId: rootInst.Id, Status: BatchInstPending, RunDate: due[0].RunDate}
		return tx.InsertBatchInst(ctx, &childInst)
	}))

	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	unfinished, found, err := tx.UnfinishedBatchInst(ctx, root)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rootInst.Id, unfinished.Id)

	ready, err := tx.BatchInstsForProcessing(ctx, now)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, rootInst.Id, ready[0].Id)

	items, err := tx.BatchItems(ctx, root)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "db", items[0].GroupJob)
	assert.Equal(t, "nightly", items[0].GroupBatch)
	assert.Equal(t, "--fast", items[0].ExtraArgs)

	jobInst := JobInst{
		BatchInstId: rootInst.Id,
		JobId:       job,
		RunDate:     rootInst.RunDate,
		Priority:    items[0].Priority,
		Status:      JobInstPending,
		GroupJob:    items[0].GroupJob,
	}
	require.NoError(t, tx.InsertJobInst(ctx, &jobInst))
	readyJobs, err := tx.JobInstsReadyToRun(ctx)
	require.NoError(t, err)
	require.Len(t, readyJobs, 1)
	assert.Equal(t, jobInst.Id, readyJobs[0].Id)
	assert.Zero(t, readyJobs[0].PrevJobInst)
	require.NoError(t, tx.Commit())
}

func TestSQLStorageLockBusy(t *testing.T) {
	st := newTestSQLStorage(t)
	ctx := context.Background()
	batch := BatchId(seedSQL(t, st,
		"INSERT INTO batch (name, cycle, run_interval, run_date) VALUES ($1, $2, $3, $4)",
		"locked", "hour", 1, time.Now()))

	owner, err := st.Begin(ctx)
	require.NoError(t, err)
	defer owner.Rollback()
	_, err = owner.LockBatch(ctx, batch, 0)
	require.NoError(t, err)

	other, err := st.Begin(ctx)
	require.NoError(t, err)
	defer other.Rollback()
	_, err = other.LockBatch(ctx, batch, 0)
	assert.ErrorIs(t, err, ErrorLockBusy)
	_, err = other.LockBatch(ctx, batch, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrorLockBusy)

	// the transaction survives a lost lock race
	_, err = other.LastCheckIn(ctx)
	assert.ErrorIs(t, err, ErrorNotFound)
	require.NoError(t, other.CheckIn(ctx, CheckIn{Instance: "other", Stamp: time.Now()}))
	require.NoError(t, other.Commit())

	require.NoError(t, owner.Rollback())
	require.NoError(t, Transact(ctx, st, func(ctx context.Context, tx Tx) error {
		b, err := tx.LockBatch(ctx, batch, time.Second)
		if err != nil {
			return err
		}
		b.Status = BatchDisabled
		return tx.UpdateBatch(ctx, b)
	}))
}

func TestSQLStorageLockTimeoutIsScopedToLock(t *testing.T) {
	st := newTestSQLStorage(t)
	ctx := context.Background()
	batch := BatchId(seedSQL(t, st,
		"INSERT INTO batch (name, cycle, run_interval, run_date) VALUES ($1, $2, $3, $4)",
		"scoped", "hour", 1, time.Now()))

	showLockTimeout := func(tx Tx) string {
		var value string
		require.NoError(t, tx.(*sqlTx).tx.QueryRowContext(ctx, "SHOW lock_timeout").Scan(&value))
		return value
	}

	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	before := showLockTimeout(tx)

	_, err = tx.LockBatch(ctx, batch, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, before, showLockTimeout(tx))

	other, err := st.Begin(ctx)
	require.NoError(t, err)
	defer other.Rollback()
	_, err = other.LockBatch(ctx, batch, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrorLockBusy)
	assert.Equal(t, before, showLockTimeout(other))
}

func TestSQLStorageJobInstUnsetStatus(t *testing.T) {
	st := newTestSQLStorage(t)
	ctx := context.Background()
	batch := seedSQL(t, st,
		"INSERT INTO batch (name, cycle, run_interval, run_date) VALUES ($1, $2, $3, $4)",
		"b", "day", 1, time.Now())
	job := seedSQL(t, st, "INSERT INTO job (name, program_path) VALUES ($1, $2)", "j", "/bin/true")
	inst := seedSQL(t, st,
		"INSERT INTO batchinst (batch_id, status, run_date) VALUES ($1, $2, $3)", batch, "busy", time.Now())
	nullStatus := JobInstId(seedSQL(t, st,
		"INSERT INTO jobinst (batchinst_id, job_id, run_date) VALUES ($1, $2, $3)", inst, job, time.Now()))
	emptyStatus := JobInstId(seedSQL(t, st,
		"INSERT INTO jobinst (batchinst_id, job_id, run_date, status) VALUES ($1, $2, $3, '')", inst, job, time.Now()))

	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	unset, err := tx.JobInstsByStatus(ctx, JobInstUnset)
	require.NoError(t, err)
	ids := make([]JobInstId, 0, len(unset))
	for _, jobInst := range unset {
		ids = append(ids, jobInst.Id)
	}
	assert.ElementsMatch(t, []JobInstId{nullStatus, emptyStatus}, ids)

	_, err = tx.GetJobInst(ctx, emptyStatus+100)
	assert.ErrorIs(t, err, ErrorNotFound)
}

func TestSQLStorageHistoryAndCancelWhileLocked(t *testing.T) {
	st := newTestSQLStorage(t)
	ctx := context.Background()
	batch := seedSQL(t, st,
		"INSERT INTO batch (name, cycle, run_interval, run_date) VALUES ($1, $2, $3, $4)",
		"b", "day", 1, time.Now())
	job := seedSQL(t, st, "INSERT INTO job (name, program_path) VALUES ($1, $2)", "j", "/bin/true")
	inst := seedSQL(t, st,
		"INSERT INTO batchinst (batch_id, status, run_date) VALUES ($1, $2, $3)", batch, "busy", time.Now())
	id := JobInstId(seedSQL(t, st,
		"INSERT INTO jobinst (batchinst_id, job_id, run_date, status) VALUES ($1, $2, $3, 'running')", inst, job, time.Now()))

	runner, err := st.Begin(ctx)
	require.NoError(t, err)
	defer runner.Rollback()
	_, err = runner.LockJobInst(ctx, id, time.Second)
	require.NoError(t, err)

	// an operator can file a request while the runner holds the row
	stamp := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	operator, err := st.Begin(ctx)
	require.NoError(t, err)
	defer operator.Rollback()
	ok, err := operator.RequestCancel(ctx, CancelRequest{JobInstId: id, Reason: "runaway", Stamp: stamp})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = operator.RequestCancel(ctx, CancelRequest{JobInstId: id, Reason: "again", Stamp: stamp})
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, operator.Commit())

	req, ok, err := runner.CancelRequested(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "runaway", req.Reason)

	metric := JobInstMetric{JobInstId: id, Type: MetricCancelled, Message: "cancelled: runaway", Stamp: stamp}
	require.NoError(t, runner.InsertJobInstMetric(ctx, &metric))
	assert.NotZero(t, metric.Id)
	require.NoError(t, runner.DeleteCancelRequest(ctx, id))
	require.NoError(t, runner.Commit())

	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	_, ok, err = tx.CancelRequested(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	metrics, err := tx.JobInstMetrics(ctx, id)
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, MetricCancelled, metrics[0].Type)
	assert.True(t, stamp.Equal(metrics[0].Stamp))
}
