package scheduler

import (
	"context"
	"errors"
	"fmt"
	"go-monitor/internal/model"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// reapProcesses drops every tracked process that has exited. Failures are
// counted towards the circuit breaker and never retried.
func (s *Scheduler) reapProcesses() {
	if len(s.running) == 0 {
		return
	}

	alive := s.running[:0]
	for _, job := range s.running {
		if job.handle.IsAlive() {
			alive = append(alive, job)
			continue
		}

		fields := log.Fields{
			"pid":     job.handle.Pid(),
			"name":    job.handle.Name(),
			"jobInst": job.jobInst,
			"elapsed": s.now().Sub(job.started),
		}
		if job.handle.CompletedOK() {
			s.metrics.RecordProcessCompleted()
			s.log.WithFields(fields).Info("Job completed")
			continue
		}

		s.jobFails++
		s.metrics.RecordProcessFailed()
		fields["exitCode"] = job.handle.ExitCode()
		fields["args"] = job.handle.Args()
		fields["stderr"] = job.handle.Stderr()
		s.log.WithFields(fields).Error("Job runner failed")
	}
	for i := len(alive); i < len(s.running); i++ {
		s.running[i] = runningJob{}
	}
	s.running = alive
}

func (s *Scheduler) atCapacity() bool {
	return s.config.MaxConcurrentJobs > 0 && len(s.running) >= s.config.MaxConcurrentJobs
}

// startPendingJobs promotes ready job instances to waiting and spawns a job
// runner for each, admitting at most one job instance per group per tick.
func (s *Scheduler) startPendingJobs(ctx context.Context) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	if s.atCapacity() {
		s.log.WithFields(log.Fields{"running": len(s.running)}).Debug("Max concurrent jobs reached")
		return nil
	}

	tx, err := s.storage.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed beginning transaction: %w", err)
	}
	candidates, err := tx.JobInstsReadyToRun(ctx)
	tx.Rollback()
	if err != nil {
		return fmt.Errorf("failed finding job instances ready to run: %w", err)
	}

	groups := make(map[string]struct{})
	for _, candidate := range candidates {
		if err = s.checkCircuit(); err != nil {
			return err
		}
		if candidate.GroupJob != "" {
			if _, seen := groups[candidate.GroupJob]; seen {
				continue
			}
			groups[candidate.GroupJob] = struct{}{}
		}

		if err = s.startJob(ctx, candidate.Id); err != nil {
			return err
		}
		if s.atCapacity() {
			s.log.WithFields(log.Fields{"running": len(s.running)}).Debug("Max concurrent jobs reached")
			break
		}
	}
	return nil
}

func (s *Scheduler) startJob(ctx context.Context, id model.JobInstId) error {
	var jobInst model.JobInst
	err := model.Transact(ctx, s.storage, func(ctx context.Context, tx model.Tx) error {
		inst, err := tx.LockJobInst(ctx, id, s.config.LockTimeout)
		if err != nil {
			return err
		}
		if inst.Status != model.JobInstPending {
			return errSkip
		}
		if inst.Status, err = inst.Status.Transition(model.JobInstWaiting); err != nil {
			return err
		}
		jobInst = inst
		return tx.UpdateJobInst(ctx, inst)
	})
	switch {
	case errors.Is(err, model.ErrorLockBusy):
		s.contended("jobinst", int64(id))
		return nil
	case errors.Is(err, errSkip):
		return nil
	case err != nil:
		return fmt.Errorf("failed promoting job instance %d: %w", id, err)
	}

	args := s.runnerCommand(jobInst)
	handle, err := s.spawner.Spawn(fmt.Sprintf("jobinst-%d", jobInst.Id), args)
	if err != nil {
		s.jobFails++
		s.metrics.RecordProcessFailed()
		s.log.WithFields(log.Fields{
			"error":   err,
			"jobInst": jobInst.Id,
			"args":    args,
		}).Error("Error spawning job runner")
		return s.failSpawnedJobInst(ctx, jobInst.Id)
	}

	s.running = append(s.running, runningJob{jobInst: jobInst.Id, handle: handle, started: s.now()})
	s.metrics.RecordProcessStarted()
	s.log.WithFields(log.Fields{
		"pid":      handle.Pid(),
		"name":     handle.Name(),
		"jobInst":  jobInst.Id,
		"groupJob": jobInst.GroupJob,
	}).Info("Job started")
	return nil
}

// runnerCommand builds the job runner invocation; extra args are passed
// through after "--".
func (s *Scheduler) runnerCommand(inst model.JobInst) []string {
	args := make([]string, 0, len(s.runnerArgs)+4)
	args = append(args, s.runnerArgs...)
	args = append(args, "--job", strconv.FormatInt(int64(inst.Id), 10))
	if extra := strings.Fields(inst.ExtraArgs); len(extra) > 0 {
		args = append(args, "--")
		args = append(args, extra...)
	}
	return args
}

// failSpawnedJobInst fails a job instance whose runner never started, so it
// does not stay waiting until the next restart.
func (s *Scheduler) failSpawnedJobInst(ctx context.Context, id model.JobInstId) error {
	err := model.Transact(ctx, s.storage, func(ctx context.Context, tx model.Tx) error {
		inst, err := tx.LockJobInst(ctx, id, s.config.LockTimeout)
		if err != nil {
			return err
		}
		if inst.Status != model.JobInstWaiting {
			return errSkip
		}
		if inst.Status, err = inst.Status.Transition(model.JobInstFailed); err != nil {
			return err
		}
		if err = tx.UpdateJobInst(ctx, inst); err != nil {
			return err
		}
		return s.recordError(ctx, tx, id, "job runner could not be started")
	})
	if errors.Is(err, model.ErrorLockBusy) || errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed marking job instance %d failed: %w", id, err)
	}
	return nil
}
