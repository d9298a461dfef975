package model

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"go-monitor/internal/model/sqlquery"
	"time"

	"github.com/lib/pq"
)

// lock_not_available, raised both by NOWAIT and by an expired lock_timeout.
const lockNotAvailable = pq.ErrorCode("55P03")

type sqlStorage struct {
	database *sql.DB
}

func NewSQLStorage(ctx context.Context, driverName, dataSourceName string) (*sqlStorage, error) {
	database, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed opening database: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, sqlquery.DatabaseOperationTimeout)
	defer cancel()
	if err = database.PingContext(timeoutCtx); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed checking database availibility: %w", err)
	}

	if _, err = database.ExecContext(timeoutCtx, sqlquery.Schema); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed initializing schema: %w", err)
	}
	return &sqlStorage{database}, nil
}

func (st *sqlStorage) Begin(ctx context.Context) (Tx, error) {
	tx, err := st.database.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx}, nil
}

func (st *sqlStorage) Close() error {
	return st.database.Close()
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqlTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(sc scanner, batch *Batch) error {
	return sc.Scan(
		&batch.Id,
		&batch.ParentId,
		&batch.Name,
		&batch.GroupId,
		&batch.Cycle,
		&batch.Interval,
		&batch.RunTime,
		&batch.RunDate,
		&batch.Status,
	)
}

func scanBatchInst(sc scanner, inst *BatchInst) error {
	var startDate, endDate sql.NullTime
	err := sc.Scan(
		&inst.Id,
		&inst.BatchId,
		&inst.ParentId,
		&inst.Status,
		&startDate,
		&endDate,
		&inst.RunDate,
	)
	inst.StartDate = startDate.Time
	inst.EndDate = endDate.Time
	return err
}

func scanJobInst(sc scanner, inst *JobInst) error {
	return sc.Scan(
		&inst.Id,
		&inst.BatchInstId,
		&inst.JobId,
		&inst.PrevJobInst,
		&inst.RunDate,
		&inst.Priority,
		&inst.Status,
		&inst.GroupJob,
		&inst.GroupBatch,
		&inst.ExtraArgs,
	)
}

func scanBatchItem(sc scanner, item *BatchItem) error {
	return sc.Scan(
		&item.Id,
		&item.BatchId,
		&item.JobId,
		&item.Priority,
		&item.ExtraArgs,
		&item.GroupJob,
		&item.GroupBatch,
	)
}

func nullId(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func queryAll[T any](ctx context.Context, tx *sql.Tx, scan func(scanner, *T) error, query string, params ...any) ([]T, error) {
	rows, err := tx.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]T, 0)
	for rows.Next() {
		var item T
		if err := scan(rows, &item); err != nil {
			return nil, fmt.Errorf("failed scanning row: %w", err)
		}
		result = append(result, item)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return result, rows.Close()
}

func queryOne[T any](ctx context.Context, tx *sql.Tx, scan func(scanner, *T) error, query string, params ...any) (T, error) {
	var item T
	if err := scan(tx.QueryRowContext(ctx, query, params...), &item); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return item, ErrorNotFound
		}
		return item, err
	}
	return item, nil
}

// lockRow takes a row lock inside a savepoint so that losing the race
// leaves the surrounding transaction usable.
func lockRow[T any](ctx context.Context, tx *sql.Tx, scan func(scanner, *T) error, query string, timeout time.Duration, id int64) (T, error) {
	var item T
	if _, err := tx.ExecContext(ctx, sqlquery.Savepoint); err != nil {
		return item, fmt.Errorf("failed creating savepoint: %w", err)
	}
	if timeout <= 0 {
		query += sqlquery.NoWait
	} else if _, err := tx.ExecContext(ctx, fmt.Sprintf(sqlquery.LockTimeout, timeout.Milliseconds())); err != nil {
		return item, fmt.Errorf("failed setting lock timeout: %w", err)
	}

	item, err := queryOne(ctx, tx, scan, query, id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == lockNotAvailable {
			if _, rbErr := tx.ExecContext(ctx, sqlquery.RollbackToLock); rbErr != nil {
				return item, fmt.Errorf("failed rolling back to savepoint: %w", rbErr)
			}
			return item, ErrorLockBusy
		}
		return item, err
	}
	if _, err = tx.ExecContext(ctx, sqlquery.ReleaseSavepoint); err != nil {
		return item, fmt.Errorf("failed releasing savepoint: %w", err)
	}
	// SET LOCAL outlives the released savepoint.
	if timeout > 0 {
		if _, err = tx.ExecContext(ctx, sqlquery.ResetLockTimeout); err != nil {
			return item, fmt.Errorf("failed resetting lock timeout: %w", err)
		}
	}
	return item, nil
}

func (t *sqlTx) DueBatches(ctx context.Context, now time.Time) ([]Batch, error) {
	return queryAll(ctx, t.tx, scanBatch, sqlquery.DueBatches, now)
}

func (t *sqlTx) ChildBatches(ctx context.Context, parent BatchId) ([]Batch, error) {
	return queryAll(ctx, t.tx, scanBatch, sqlquery.ChildBatches, parent)
}

func (t *sqlTx) LockBatch(ctx context.Context, id BatchId, timeout time.Duration) (Batch, error) {
	return lockRow(ctx, t.tx, scanBatch, sqlquery.LockBatch, timeout, int64(id))
}

func (t *sqlTx) UpdateBatch(ctx context.Context, batch Batch) error {
	_, err := t.tx.ExecContext(ctx, sqlquery.UpdateBatch, batch.RunDate, batch.Status, batch.Id)
	return err
}

func (t *sqlTx) UnfinishedBatchInst(ctx context.Context, batch BatchId) (BatchInst, bool, error) {
	inst, err := queryOne(ctx, t.tx, scanBatchInst, sqlquery.UnfinishedBatchInst, batch)
	if errors.Is(err, ErrorNotFound) {
		return BatchInst{}, false, nil
	}
	return inst, err == nil, err
}

func (t *sqlTx) InsertBatchInst(ctx context.Context, inst *BatchInst) error {
	return t.tx.QueryRowContext(
		ctx,
		sqlquery.InsertBatchInst,
		inst.BatchId,
		nullId(int64(inst.ParentId)),
		inst.Status,
		nullTime(inst.StartDate),
		nullTime(inst.EndDate),
		inst.RunDate,
	).Scan(&inst.Id)
}

func (t *sqlTx) GetBatchInst(ctx context.Context, id BatchInstId) (BatchInst, error) {
	return queryOne(ctx, t.tx, scanBatchInst, sqlquery.GetBatchInst, id)
}

func (t *sqlTx) BatchInstsForProcessing(ctx context.Context, now time.Time) ([]BatchInst, error) {
	return queryAll(ctx, t.tx, scanBatchInst, sqlquery.BatchInstsForProcessing, now)
}

func (t *sqlTx) FinishedBatchInsts(ctx context.Context) ([]BatchInst, error) {
	return queryAll(ctx, t.tx, scanBatchInst, sqlquery.FinishedBatchInsts)
}

func (t *sqlTx) LockBatchInst(ctx context.Context, id BatchInstId, timeout time.Duration) (BatchInst, error) {
	return lockRow(ctx, t.tx, scanBatchInst, sqlquery.LockBatchInst, timeout, int64(id))
}

func (t *sqlTx) UpdateBatchInst(ctx context.Context, inst BatchInst) error {
	_, err := t.tx.ExecContext(
		ctx,
		sqlquery.UpdateBatchInst,
		inst.Status,
		nullTime(inst.StartDate),
		nullTime(inst.EndDate),
		inst.Id,
	)
	return err
}

func (t *sqlTx) BatchItems(ctx context.Context, batch BatchId) ([]BatchItem, error) {
	return queryAll(ctx, t.tx, scanBatchItem, sqlquery.BatchItems, batch)
}

func (t *sqlTx) GetJob(ctx context.Context, id JobId) (Job, error) {
	return queryOne(ctx, t.tx, func(sc scanner, job *Job) error {
		return sc.Scan(&job.Id, &job.Name, &job.ProgramPath, &job.ProgramArgs, &job.GroupId)
	}, sqlquery.GetJob, id)
}

func (t *sqlTx) InsertJobInst(ctx context.Context, inst *JobInst) error {
	return t.tx.QueryRowContext(
		ctx,
		sqlquery.InsertJobInst,
		inst.BatchInstId,
		inst.JobId,
		nullId(int64(inst.PrevJobInst)),
		inst.RunDate,
		inst.Priority,
		inst.Status,
		inst.GroupJob,
		inst.GroupBatch,
		inst.ExtraArgs,
	).Scan(&inst.Id)
}

func (t *sqlTx) GetJobInst(ctx context.Context, id JobInstId) (JobInst, error) {
	return queryOne(ctx, t.tx, scanJobInst, sqlquery.GetJobInst, id)
}

func (t *sqlTx) JobInstsReadyToRun(ctx context.Context) ([]JobInst, error) {
	return queryAll(ctx, t.tx, scanJobInst, sqlquery.JobInstsReadyToRun)
}

func (t *sqlTx) JobInstsByStatus(ctx context.Context, status JobInstStatus) ([]JobInst, error) {
	return queryAll(ctx, t.tx, scanJobInst, sqlquery.JobInstsByStatus, status)
}

func (t *sqlTx) LockJobInst(ctx context.Context, id JobInstId, timeout time.Duration) (JobInst, error) {
	return lockRow(ctx, t.tx, scanJobInst, sqlquery.LockJobInst, timeout, int64(id))
}

func (t *sqlTx) UpdateJobInst(ctx context.Context, inst JobInst) error {
	_, err := t.tx.ExecContext(ctx, sqlquery.UpdateJobInst, inst.Status, inst.Id)
	return err
}

func (t *sqlTx) CheckIn(ctx context.Context, checkIn CheckIn) error {
	_, err := t.tx.ExecContext(ctx, sqlquery.CheckIn, checkIn.Instance, checkIn.Stamp)
	return err
}

func (t *sqlTx) LastCheckIn(ctx context.Context) (CheckIn, error) {
	return queryOne(ctx, t.tx, func(sc scanner, c *CheckIn) error {
		return sc.Scan(&c.Instance, &c.Stamp)
	}, sqlquery.LastCheckIn)
}

func scanJobInstMetric(sc scanner, metric *JobInstMetric) error {
	return sc.Scan(&metric.Id, &metric.JobInstId, &metric.Type, &metric.Message, &metric.Stamp)
}

func (t *sqlTx) InsertJobInstMetric(ctx context.Context, metric *JobInstMetric) error {
	return t.tx.QueryRowContext(
		ctx,
		sqlquery.InsertJobInstMetric,
		metric.JobInstId,
		metric.Type,
		metric.Message,
		metric.Stamp,
	).Scan(&metric.Id)
}

func (t *sqlTx) JobInstMetrics(ctx context.Context, id JobInstId) ([]JobInstMetric, error) {
	return queryAll(ctx, t.tx, scanJobInstMetric, sqlquery.JobInstMetrics, id)
}

func (t *sqlTx) RequestCancel(ctx context.Context, req CancelRequest) (bool, error) {
	res, err := t.tx.ExecContext(ctx, sqlquery.RequestCancel, req.JobInstId, req.Reason, req.Stamp)
	if err != nil {
		return false, err
	}
	inserted, err := res.RowsAffected()
	return inserted > 0, err
}

func (t *sqlTx) CancelRequested(ctx context.Context, id JobInstId) (CancelRequest, bool, error) {
	req, err := queryOne(ctx, t.tx, func(sc scanner, req *CancelRequest) error {
		return sc.Scan(&req.JobInstId, &req.Reason, &req.Stamp)
	}, sqlquery.CancelRequested, id)
	if errors.Is(err, ErrorNotFound) {
		return CancelRequest{}, false, nil
	}
	return req, err == nil, err
}

func (t *sqlTx) DeleteCancelRequest(ctx context.Context, id JobInstId) error {
	_, err := t.tx.ExecContext(ctx, sqlquery.DeleteCancelRequest, id)
	return err
}
