package scheduler

import (
	"context"
	"errors"
	"fmt"
	"go-monitor/internal/model"
	"go-monitor/internal/rundate"

	log "github.com/sirupsen/logrus"
)

// scheduleBatches creates a batch instance tree for every due root batch
// that has no unfinished instance anywhere in its tree. All trees created
// in one pass are committed together.
func (s *Scheduler) scheduleBatches(ctx context.Context) error {
	now := s.now()
	tx, err := s.storage.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed beginning transaction: %w", err)
	}
	defer tx.Rollback()

	due, err := tx.DueBatches(ctx, now)
	if err != nil {
		return fmt.Errorf("failed finding due batches: %w", err)
	}

	cnt := 0
	for _, candidate := range due {
		batch, err := tx.LockBatch(ctx, candidate.Id, s.config.LockTimeout)
		if errors.Is(err, model.ErrorLockBusy) {
			s.contended("batch", int64(candidate.Id))
			continue
		}
		if err != nil {
			return fmt.Errorf("failed locking batch %d: %w", candidate.Id, err)
		}
		if batch.Status != model.BatchActive || batch.RunDate.After(now) {
			continue
		}

		inst, unfinished, err := s.unfinishedInTree(ctx, tx, batch)
		if err != nil {
			return err
		}
		if unfinished {
			s.log.WithFields(log.Fields{
				"batch":     batch.Id,
				"name":      batch.Name,
				"batchInst": inst.Id,
				"startDate": inst.StartDate,
				"status":    inst.Status,
			}).Info("Cannot start batch, previous instance is not completed")
			continue
		}

		if err = s.insertBatchInstTree(ctx, tx, batch); err != nil {
			return err
		}
		cnt++
	}

	if cnt == 0 {
		return tx.Rollback()
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed committing batch instances: %w", err)
	}
	for i := 0; i < cnt; i++ {
		s.metrics.RecordBatchScheduled()
	}
	s.log.WithFields(log.Fields{"count": cnt}).Debug("Scheduled batches")
	return nil
}

type treeNode struct {
	batch  model.Batch
	parent model.BatchInstId
}

// insertBatchInstTree inserts a pending instance for root and every active
// descendant, each linked to the instance of its parent batch. Every
// instance in the tree carries the root's run date.
func (s *Scheduler) insertBatchInstTree(ctx context.Context, tx model.Tx, root model.Batch) error {
	stack := []treeNode{{batch: root}}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		inst := model.BatchInst{
			BatchId:  node.batch.Id,
			ParentId: node.parent,
			Status:   model.BatchInstPending,
			RunDate:  root.RunDate,
		}
		if err := tx.InsertBatchInst(ctx, &inst); err != nil {
			return fmt.Errorf("failed inserting instance of batch %d: %w", node.batch.Id, err)
		}
		s.log.WithFields(log.Fields{
			"batch":     node.batch.Id,
			"batchInst": inst.Id,
			"parent":    node.parent,
			"runDate":   root.RunDate,
		}).Info("Inserted batch instance")

		children, err := tx.ChildBatches(ctx, node.batch.Id)
		if err != nil {
			return fmt.Errorf("failed finding children of batch %d: %w", node.batch.Id, err)
		}
		for _, child := range children {
			stack = append(stack, treeNode{batch: child, parent: inst.Id})
		}
	}
	return nil
}

// unfinishedInTree reports the first unfinished instance of root or of any
// of its descendants.
func (s *Scheduler) unfinishedInTree(ctx context.Context, tx model.Tx, root model.Batch) (model.BatchInst, bool, error) {
	stack := []model.Batch{root}
	for len(stack) > 0 {
		batch := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		inst, found, err := tx.UnfinishedBatchInst(ctx, batch.Id)
		if err != nil {
			return model.BatchInst{}, false, fmt.Errorf("failed checking instances of batch %d: %w", batch.Id, err)
		}
		if found {
			return inst, true, nil
		}

		children, err := tx.ChildBatches(ctx, batch.Id)
		if err != nil {
			return model.BatchInst{}, false, fmt.Errorf("failed finding children of batch %d: %w", batch.Id, err)
		}
		stack = append(stack, children...)
	}
	return model.BatchInst{}, false, nil
}

// advanceRunDate locks the batch and moves its run date on, disabling it
// when its schedule is invalid. It returns model.ErrorLockBusy untouched.
func (s *Scheduler) advanceRunDate(ctx context.Context, tx model.Tx, id model.BatchId) error {
	batch, err := tx.LockBatch(ctx, id, s.config.LockTimeout)
	if err != nil {
		return err
	}
	if err = rundate.Apply(&batch); err != nil {
		s.metrics.RecordBatchDisabled()
		s.log.WithFields(log.Fields{
			"error": err,
			"batch": batch.Id,
			"name":  batch.Name,
		}).Error("Invalid schedule detected, disabling batch")
	}
	if err = tx.UpdateBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed updating batch %d: %w", batch.Id, err)
	}
	return nil
}
