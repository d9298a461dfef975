package model

import (
	"context"
	"fmt"
	"time"
)

// Storage hands out transactions. Every state change the scheduler makes
// happens inside a Tx and becomes visible only on Commit.
type Storage interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is a unit of work against the batch tables. Lock* methods return
// ErrorLockBusy when another owner holds the row for longer than timeout;
// a zero timeout means do not wait at all.
type Tx interface {
	Commit() error
	Rollback() error

	DueBatches(ctx context.Context, now time.Time) ([]Batch, error)
	ChildBatches(ctx context.Context, parent BatchId) ([]Batch, error)
	LockBatch(ctx context.Context, id BatchId, timeout time.Duration) (Batch, error)
	UpdateBatch(ctx context.Context, batch Batch) error

	UnfinishedBatchInst(ctx context.Context, batch BatchId) (BatchInst, bool, error)
	InsertBatchInst(ctx context.Context, inst *BatchInst) error
	GetBatchInst(ctx context.Context, id BatchInstId) (BatchInst, error)
	BatchInstsForProcessing(ctx context.Context, now time.Time) ([]BatchInst, error)
	FinishedBatchInsts(ctx context.Context) ([]BatchInst, error)
	LockBatchInst(ctx context.Context, id BatchInstId, timeout time.Duration) (BatchInst, error)
	UpdateBatchInst(ctx context.Context, inst BatchInst) error

	BatchItems(ctx context.Context, batch BatchId) ([]BatchItem, error)
	GetJob(ctx context.Context, id JobId) (Job, error)

	InsertJobInst(ctx context.Context, inst *JobInst) error
	GetJobInst(ctx context.Context, id JobInstId) (JobInst, error)
	JobInstsReadyToRun(ctx context.Context) ([]JobInst, error)
	JobInstsByStatus(ctx context.Context, status JobInstStatus) ([]JobInst, error)
	LockJobInst(ctx context.Context, id JobInstId, timeout time.Duration) (JobInst, error)
	UpdateJobInst(ctx context.Context, inst JobInst) error

	InsertJobInstMetric(ctx context.Context, metric *JobInstMetric) error
	JobInstMetrics(ctx context.Context, id JobInstId) ([]JobInstMetric, error)

	// RequestCancel reports false when a request for the instance exists.
	RequestCancel(ctx context.Context, req CancelRequest) (bool, error)
	CancelRequested(ctx context.Context, id JobInstId) (CancelRequest, bool, error)
	DeleteCancelRequest(ctx context.Context, id JobInstId) error

	CheckIn(ctx context.Context, checkIn CheckIn) error
	LastCheckIn(ctx context.Context) (CheckIn, error)
}

// Transact runs transactionFunc in a fresh transaction, committing on
// success and rolling back on any error.
func Transact(ctx context.Context, storage Storage, transactionFunc func(context.Context, Tx) error) error {
	tx, err := storage.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err = transactionFunc(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}
