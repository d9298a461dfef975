package scheduler

import (
	"context"
	"errors"
	"fmt"
	"go-monitor/internal/model"

	log "github.com/sirupsen/logrus"
)

// createScheduleItems expands every due pending batch instance whose parent
// instance, if any, has completed.
func (s *Scheduler) createScheduleItems(ctx context.Context) error {
	tx, err := s.storage.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed beginning transaction: %w", err)
	}
	insts, err := tx.BatchInstsForProcessing(ctx, s.now())
	tx.Rollback()
	if err != nil {
		return fmt.Errorf("failed finding batch instances for processing: %w", err)
	}

	cnt := 0
	for _, inst := range insts {
		expanded, err := s.insertJobInsts(ctx, inst.Id)
		if err != nil {
			return err
		}
		if expanded {
			cnt++
		}
	}
	s.log.WithFields(log.Fields{"count": cnt}).Debug("Created schedule items")
	return nil
}

// insertJobInsts chains one job instance per batch item of the instance's
// batch and marks the instance busy, or completes it at once when the batch
// has no items. It reports false when the instance was skipped.
func (s *Scheduler) insertJobInsts(ctx context.Context, id model.BatchInstId) (bool, error) {
	tx, err := s.storage.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed beginning transaction: %w", err)
	}
	defer tx.Rollback()

	inst, err := tx.LockBatchInst(ctx, id, s.config.LockTimeout)
	if errors.Is(err, model.ErrorLockBusy) {
		s.contended("batchinst", int64(id))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed locking batch instance %d: %w", id, err)
	}
	if inst.Status != model.BatchInstPending {
		return false, nil
	}

	items, err := tx.BatchItems(ctx, inst.BatchId)
	if err != nil {
		return false, fmt.Errorf("failed getting items of batch %d: %w", inst.BatchId, err)
	}

	var prev model.JobInstId
	for _, item := range items {
		jobInst := model.JobInst{
			BatchInstId: inst.Id,
			JobId:       item.JobId,
			PrevJobInst: prev,
			RunDate:     inst.RunDate,
			Priority:    item.Priority,
			Status:      model.JobInstPending,
			GroupJob:    item.GroupJob,
			GroupBatch:  item.GroupBatch,
			ExtraArgs:   item.ExtraArgs,
		}
		if err = tx.InsertJobInst(ctx, &jobInst); err != nil {
			return false, fmt.Errorf("failed inserting job instance for batch instance %d: %w", inst.Id, err)
		}
		prev = jobInst.Id
	}

	now := s.now()
	if len(items) > 0 {
		inst.Status, err = inst.Status.Transition(model.BatchInstBusy)
		inst.StartDate = now
	} else {
		inst.Status, err = inst.Status.Transition(model.BatchInstCompleted)
		inst.EndDate = now
	}
	if err != nil {
		return false, err
	}

	if inst.Status == model.BatchInstCompleted {
		err = s.advanceRunDate(ctx, tx, inst.BatchId)
		if errors.Is(err, model.ErrorLockBusy) {
			s.contended("batch", int64(inst.BatchId))
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}

	if err = tx.UpdateBatchInst(ctx, inst); err != nil {
		return false, fmt.Errorf("failed updating batch instance %d: %w", inst.Id, err)
	}
	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("failed committing job instances of batch instance %d: %w", inst.Id, err)
	}

	s.metrics.RecordJobInstsCreated(len(items))
	if inst.Status == model.BatchInstCompleted {
		s.metrics.RecordBatchInstCompleted()
	}
	s.log.WithFields(log.Fields{
		"batchInst": inst.Id,
		"batch":     inst.BatchId,
		"jobInsts":  len(items),
		"status":    inst.Status,
	}).Info("Created job instances")
	return true, nil
}

// completeFinishedBatches completes every busy batch instance whose job
// instances are all terminal and advances the run date of its batch. All
// completions found in one pass are committed together.
func (s *Scheduler) completeFinishedBatches(ctx context.Context) error {
	tx, err := s.storage.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed beginning transaction: %w", err)
	}
	defer tx.Rollback()

	finished, err := tx.FinishedBatchInsts(ctx)
	if err != nil {
		return fmt.Errorf("failed finding finished batch instances: %w", err)
	}

	now := s.now()
	cnt := 0
	for _, candidate := range finished {
		inst, err := tx.LockBatchInst(ctx, candidate.Id, s.config.LockTimeout)
		if errors.Is(err, model.ErrorLockBusy) {
			s.contended("batchinst", int64(candidate.Id))
			continue
		}
		if err != nil {
			return fmt.Errorf("failed locking batch instance %d: %w", candidate.Id, err)
		}
		if inst.Status != model.BatchInstBusy {
			continue
		}

		err = s.advanceRunDate(ctx, tx, inst.BatchId)
		if errors.Is(err, model.ErrorLockBusy) {
			s.contended("batch", int64(inst.BatchId))
			continue
		}
		if err != nil {
			return err
		}

		if inst.Status, err = inst.Status.Transition(model.BatchInstCompleted); err != nil {
			return err
		}
		inst.EndDate = now
		if err = tx.UpdateBatchInst(ctx, inst); err != nil {
			return fmt.Errorf("failed updating batch instance %d: %w", inst.Id, err)
		}
		s.log.WithFields(log.Fields{
			"batchInst": inst.Id,
			"batch":     inst.BatchId,
		}).Info("Batch instance completed")
		cnt++
	}

	if cnt == 0 {
		return tx.Rollback()
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed committing completed batch instances: %w", err)
	}
	for i := 0; i < cnt; i++ {
		s.metrics.RecordBatchInstCompleted()
	}
	return nil
}
