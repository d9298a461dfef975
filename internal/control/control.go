// Package control holds the operator actions on job instances: rerun,
// force-ok and stop.
package control

import (
	"context"
	"errors"
	"fmt"
	"go-monitor/internal/model"
	"time"

	log "github.com/sirupsen/logrus"
)

var ErrorNotAllowed = errors.New("operation not allowed in current status")

type Operator struct {
	storage     model.Storage
	lockTimeout time.Duration
	now         func() time.Time
}

func New(storage model.Storage, lockTimeout time.Duration) *Operator {
	return &Operator{
		storage:     storage,
		lockTimeout: lockTimeout,
		now:         func() time.Time { return model.WallClock(time.Now()) },
	}
}

// Rerun puts a failed job instance back to pending. A completed one is only
// rerun when force is set.
func (o *Operator) Rerun(ctx context.Context, id model.JobInstId, force bool) (model.JobInst, error) {
	return o.change(ctx, id, func(inst model.JobInst) (model.JobInstStatus, model.JobInstMetric, error) {
		metric := model.JobInstMetric{Type: model.MetricRerun, Message: fmt.Sprintf("rerun of %s instance", inst.Status)}
		switch {
		case inst.Status == model.JobInstFailed:
		case inst.Status == model.JobInstCompleted && force:
			metric.Message = "forced rerun of completed instance"
		default:
			return inst.Status, metric, fmt.Errorf("job instance %d is %s: %w", id, inst.Status, ErrorNotAllowed)
		}
		return model.JobInstPending, metric, nil
	})
}

// ForceOk accepts a failed job instance as done, releasing the jobs
// chained after it.
func (o *Operator) ForceOk(ctx context.Context, id model.JobInstId, reason string) (model.JobInst, error) {
	return o.change(ctx, id, func(inst model.JobInst) (model.JobInstStatus, model.JobInstMetric, error) {
		metric := model.JobInstMetric{Type: model.MetricForcedOkay, Message: reason}
		if inst.Status != model.JobInstFailed {
			return inst.Status, metric, fmt.Errorf("job instance %d is %s: %w", id, inst.Status, ErrorNotAllowed)
		}
		return model.JobInstForcedOkay, metric, nil
	})
}

// Stop asks the runner of a running job instance to kill its job. The
// runner holds the instance lock, so the request is only recorded here; the
// runner picks it up on a later poll.
func (o *Operator) Stop(ctx context.Context, id model.JobInstId, reason string) error {
	err := model.Transact(ctx, o.storage, func(ctx context.Context, tx model.Tx) error {
		inst, err := tx.GetJobInst(ctx, id)
		if err != nil {
			return err
		}
		if inst.Status != model.JobInstRunning {
			return fmt.Errorf("job instance %d is %s: %w", id, inst.Status, ErrorNotAllowed)
		}
		ok, err := tx.RequestCancel(ctx, model.CancelRequest{JobInstId: id, Reason: reason, Stamp: o.now()})
		if err != nil {
			return fmt.Errorf("failed requesting cancel of job instance %d: %w", id, err)
		}
		if !ok {
			log.WithFields(log.Fields{"jobInst": id}).Info("Job instance already has a cancel request")
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"jobInst": id, "reason": reason}).Info("Job instance cancel requested")
	return nil
}

func (o *Operator) change(ctx context.Context, id model.JobInstId,
	decide func(model.JobInst) (model.JobInstStatus, model.JobInstMetric, error)) (model.JobInst, error) {
	var result model.JobInst
	err := model.Transact(ctx, o.storage, func(ctx context.Context, tx model.Tx) error {
		inst, err := tx.LockJobInst(ctx, id, o.lockTimeout)
		if err != nil {
			return err
		}
		to, metric, err := decide(inst)
		if err != nil {
			return err
		}
		from := inst.Status
		if inst.Status, err = inst.Status.Transition(to); err != nil {
			return err
		}
		if err = tx.UpdateJobInst(ctx, inst); err != nil {
			return fmt.Errorf("failed updating job instance %d: %w", id, err)
		}
		metric.JobInstId = id
		metric.Stamp = o.now()
		if err = tx.InsertJobInstMetric(ctx, &metric); err != nil {
			return fmt.Errorf("failed recording %s for job instance %d: %w", metric.Type, id, err)
		}
		log.WithFields(log.Fields{"jobInst": id, "from": from, "to": inst.Status}).Info("Job instance status changed by operator")
		result = inst
		return nil
	})
	return result, err
}
