package modeltest

import (
	"context"
	"errors"
	"testing"
	"time"

	"go-monitor/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorageLocks(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage()
	id := st.PutJobInst(model.JobInst{Status: model.JobInstPending})

	first, err := st.Begin(ctx)
	require.NoError(t, err)
	_, err = first.LockJobInst(ctx, id, time.Second)
	require.NoError(t, err)
	_, err = first.LockJobInst(ctx, id, time.Second)
	require.NoError(t, err, "locks are reentrant within a transaction")

	second, err := st.Begin(ctx)
	require.NoError(t, err)
	_, err = second.LockJobInst(ctx, id, time.Second)
	assert.ErrorIs(t, err, model.ErrorLockBusy)

	require.NoError(t, first.Commit())
	_, err = second.LockJobInst(ctx, id, 0)
	assert.NoError(t, err)
	require.NoError(t, second.Rollback())

	_, err = second.LockJobInst(ctx, id, 0)
	assert.Error(t, err)
}

func TestMemoryStorageRollback(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage()
	batch := st.AddBatch(model.Batch{Name: "b", Cycle: model.CycleDay, Interval: 1})
	job := st.AddJob(model.Job{Name: "j", ProgramPath: "/bin/true"})

	err := model.Transact(ctx, st, func(ctx context.Context, tx model.Tx) error {
		inst := model.BatchInst{BatchId: batch, Status: model.BatchInstPending}
		if err := tx.InsertBatchInst(ctx, &inst); err != nil {
			return err
		}
		jobInst := model.JobInst{BatchInstId: inst.Id, JobId: job, Status: model.JobInstPending}
		if err := tx.InsertJobInst(ctx, &jobInst); err != nil {
			return err
		}
		b, err := tx.LockBatch(ctx, batch, 0)
		if err != nil {
			return err
		}
		b.Status = model.BatchDisabled
		if err = tx.UpdateBatch(ctx, b); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.EqualError(t, err, "abort")

	assert.Empty(t, st.BatchInsts())
	assert.Empty(t, st.JobInsts())
	assert.Equal(t, model.BatchActive, st.Batch(batch).Status)

	// the lock went away with the rolled back transaction
	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.LockBatch(ctx, batch, 0)
	assert.NoError(t, err)
	require.NoError(t, tx.Rollback())
}

func TestMemoryStorageQueries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	st := NewMemoryStorage()
	root := st.AddBatch(model.Batch{Name: "root", GroupId: "nightly", RunDate: now.Add(-time.Minute)})
	st.AddBatch(model.Batch{Name: "later", RunDate: now.Add(time.Minute)})
	child := st.AddBatch(model.Batch{Name: "child", ParentId: root, RunDate: now.Add(-time.Hour)})
	st.AddBatch(model.Batch{Name: "off", ParentId: root, Status: model.BatchDisabled})
	job := st.AddJob(model.Job{Name: "j", GroupId: "db"})
	st.AddBatchItem(model.BatchItem{BatchId: root, JobId: job, Priority: 2, ExtraArgs: "-v"})
	st.AddBatchItem(model.BatchItem{BatchId: root, JobId: job, Priority: 1})

	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	due, err := tx.DueBatches(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, root, due[0].Id)

	children, err := tx.ChildBatches(ctx, root)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, child, children[0].Id)

	items, err := tx.BatchItems(ctx, root)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[0].Priority)
	assert.Equal(t, "-v", items[1].ExtraArgs)
	assert.Equal(t, "db", items[0].GroupJob)
	assert.Equal(t, "nightly", items[0].GroupBatch)

	_, err = tx.GetJob(ctx, 999)
	assert.ErrorIs(t, err, model.ErrorNotFound)
	_, err = tx.LastCheckIn(ctx)
	assert.ErrorIs(t, err, model.ErrorNotFound)
}

func TestMemoryStorageFinishedBatchInsts(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage()
	batch := st.AddBatch(model.Batch{Name: "b"})

	var parent, child model.BatchInst
	require.NoError(t, model.Transact(ctx, st, func(ctx context.Context, tx model.Tx) error {
		parent = model.BatchInst{BatchId: batch, Status: model.BatchInstBusy}
		if err := tx.InsertBatchInst(ctx, &parent); err != nil {
			return err
		}
		child = model.BatchInst{BatchId: batch, ParentId: parent.Id, Status: model.BatchInstBusy}
		return tx.InsertBatchInst(ctx, &child)
	}))
	st.PutJobInst(model.JobInst{BatchInstId: parent.Id, Status: model.JobInstCompleted})
	running := st.PutJobInst(model.JobInst{BatchInstId: child.Id, Status: model.JobInstRunning})

	finished := func() []model.BatchInstId {
		tx, err := st.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback()
		insts, err := tx.FinishedBatchInsts(ctx)
		require.NoError(t, err)
		ids := make([]model.BatchInstId, 0, len(insts))
		for _, inst := range insts {
			ids = append(ids, inst.Id)
		}
		return ids
	}

	assert.Empty(t, finished(), "busy child holds back its parent")

	st.SetJobInstStatus(running, model.JobInstFailed)
	assert.Equal(t, []model.BatchInstId{child.Id}, finished())

	require.NoError(t, model.Transact(ctx, st, func(ctx context.Context, tx model.Tx) error {
		child.Status = model.BatchInstCompleted
		return tx.UpdateBatchInst(ctx, child)
	}))
	assert.Equal(t, []model.BatchInstId{parent.Id}, finished())
}

func TestMemoryStorageHistoryAndCancel(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStorage()
	id := st.PutJobInst(model.JobInst{Status: model.JobInstRunning})

	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	metric := model.JobInstMetric{JobInstId: id, Type: model.MetricStart, Message: "Started"}
	require.NoError(t, tx.InsertJobInstMetric(ctx, &metric))
	assert.NotZero(t, metric.Id)
	ok, err := tx.RequestCancel(ctx, model.CancelRequest{JobInstId: id, Reason: "stop"})
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, tx.Rollback())

	assert.Empty(t, st.Metrics(id), "rollback drops history")

	require.NoError(t, model.Transact(ctx, st, func(ctx context.Context, tx model.Tx) error {
		for _, mt := range []model.MetricType{model.MetricStart, model.MetricCancelled} {
			if err := tx.InsertJobInstMetric(ctx, &model.JobInstMetric{JobInstId: id, Type: mt}); err != nil {
				return err
			}
		}
		ok, err := tx.RequestCancel(ctx, model.CancelRequest{JobInstId: id, Reason: "first"})
		require.True(t, ok)
		return err
	}))

	tx, err = st.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	metrics, err := tx.JobInstMetrics(ctx, id)
	require.NoError(t, err)
	require.Len(t, metrics, 2)
	assert.Equal(t, model.MetricStart, metrics[0].Type)
	assert.Equal(t, model.MetricCancelled, metrics[1].Type)

	ok, err = tx.RequestCancel(ctx, model.CancelRequest{JobInstId: id, Reason: "second"})
	require.NoError(t, err)
	assert.False(t, ok)
	req, ok, err := tx.CancelRequested(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", req.Reason)

	require.NoError(t, tx.DeleteCancelRequest(ctx, id))
	_, ok, err = tx.CancelRequested(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	err = tx.InsertJobInstMetric(ctx, &model.JobInstMetric{JobInstId: 404, Type: model.MetricError})
	assert.ErrorIs(t, err, model.ErrorNotFound)
}
