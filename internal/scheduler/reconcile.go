package scheduler

import (
	"context"
	"errors"
	"fmt"
	"go-monitor/internal/model"

	log "github.com/sirupsen/logrus"
)

// errSkip aborts a transaction whose row turned out not to need changing.
var errSkip = errors.New("skip row")

// failStaleJobInsts fails every job instance in status that nobody holds a
// lock on. A live job runner keeps its job instance locked for as long as
// it runs, so a lock we can take without waiting belongs to no one.
func (s *Scheduler) failStaleJobInsts(ctx context.Context, status model.JobInstStatus) error {
	s.log.WithFields(log.Fields{"status": status}).Info("Failing stale job instances")

	tx, err := s.storage.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed beginning transaction: %w", err)
	}
	stale, err := tx.JobInstsByStatus(ctx, status)
	tx.Rollback()
	if err != nil {
		return fmt.Errorf("failed finding job instances: %w", err)
	}

	failed := 0
	for _, rec := range stale {
		err = model.Transact(ctx, s.storage, func(ctx context.Context, tx model.Tx) error {
			inst, err := tx.LockJobInst(ctx, rec.Id, 0)
			if err != nil {
				return err
			}
			if inst.Status != status {
				s.log.WithFields(log.Fields{
					"jobInst": rec.Id,
					"from":    status,
					"to":      inst.Status,
				}).Info("Job instance has changed status")
				return errSkip
			}
			if inst.Status, err = inst.Status.Transition(model.JobInstFailed); err != nil {
				return err
			}
			if err = tx.UpdateJobInst(ctx, inst); err != nil {
				return err
			}
			return s.recordError(ctx, tx, rec.Id, fmt.Sprintf("found %s with no runner holding it", status))
		})

		fields := log.Fields{"jobInst": rec.Id, "status": status}
		switch {
		case errors.Is(err, model.ErrorLockBusy):
			s.metrics.RecordLockContention("jobinst")
			s.log.WithFields(fields).Info("Job instance is still running (locked)")
		case errors.Is(err, errSkip):
		case err != nil:
			return fmt.Errorf("failed failing job instance %d: %w", rec.Id, err)
		default:
			failed++
			s.metrics.RecordJobInstReconciled()
			s.log.WithFields(fields).Info("Job instance is not running and has been marked as failed")
		}
	}

	s.log.WithFields(log.Fields{
		"status": status,
		"count":  len(stale),
		"failed": failed,
	}).Info("Done failing stale job instances")
	return nil
}

func (s *Scheduler) recordError(ctx context.Context, tx model.Tx, id model.JobInstId, message string) error {
	metric := model.JobInstMetric{JobInstId: id, Type: model.MetricError, Message: message, Stamp: s.now()}
	return tx.InsertJobInstMetric(ctx, &metric)
}
