// Package runner executes a single job instance on behalf of the scheduler.
package runner

import (
	"context"
	"errors"
	"fmt"
	"go-monitor/internal/model"
	"go-monitor/internal/process"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

var ErrorUnexpectedStatus = errors.New("job instance is not waiting to run")

// RunTimeLayout formats the batch instance run date passed to jobs.
const RunTimeLayout = "2006-01-02 15:04:05"

const (
	defaultLockTimeout  = 5 * time.Second
	defaultPollInterval = 100 * time.Millisecond
	stderrLogLimit      = 512
	// cancelCheckPolls is how many polls pass between cancel request checks.
	cancelCheckPolls = 10
)

type Config struct {
	LockTimeout  time.Duration
	PollInterval time.Duration
}

type Runner struct {
	storage model.Storage
	spawner process.Spawner
	config  Config
	now     func() time.Time
}

func New(storage model.Storage, spawner process.Spawner, config Config) *Runner {
	if config.LockTimeout <= 0 {
		config.LockTimeout = defaultLockTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	return &Runner{
		storage: storage,
		spawner: spawner,
		config:  config,
		now:     func() time.Time { return model.WallClock(time.Now()) },
	}
}

// prepared is everything needed to start the job once its instance has been
// validated.
type prepared struct {
	jobInst model.JobInst
	job     model.Job
	args    []string
}

// outcome is the status a job instance ends in and the history entry
// explaining it.
type outcome struct {
	status    model.JobInstStatus
	metric    model.MetricType
	message   string
	cancelled bool
}

// Run executes job instance id and records its outcome. A nil error means a
// terminal status was recorded, whether or not the job itself succeeded.
func (r *Runner) Run(ctx context.Context, id model.JobInstId, extraArgs []string) error {
	entry := log.WithFields(log.Fields{"jobInst": id})
	entry.Info("Job runner started")

	p, ok, err := r.prepare(ctx, entry, id, extraArgs)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	// The running lock is held by this transaction until the job exits, so
	// a scheduler starting up meanwhile sees the instance as owned. The
	// outcome is recorded even when ctx is cancelled.
	holdCtx := context.WithoutCancel(ctx)
	tx, err := r.storage.Begin(holdCtx)
	if err != nil {
		return fmt.Errorf("failed beginning transaction: %w", err)
	}
	defer tx.Rollback()

	inst, err := tx.LockJobInst(holdCtx, id, r.config.LockTimeout)
	if err != nil {
		return fmt.Errorf("failed relocking job instance %d: %w", id, err)
	}
	if inst.Status != model.JobInstRunning {
		return fmt.Errorf("job instance %d was changed to %s by someone else: %w", id, inst.Status, ErrorUnexpectedStatus)
	}

	result := r.execute(ctx, holdCtx, tx, entry, p)
	if inst.Status, err = inst.Status.Transition(result.status); err != nil {
		return err
	}
	if err = tx.UpdateJobInst(holdCtx, inst); err != nil {
		return fmt.Errorf("failed updating job instance %d: %w", id, err)
	}
	if err = r.record(holdCtx, tx, id, result.metric, result.message); err != nil {
		return err
	}
	if result.cancelled {
		if err = tx.DeleteCancelRequest(holdCtx, id); err != nil {
			return fmt.Errorf("failed deleting cancel request of job instance %d: %w", id, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed committing job instance %d: %w", id, err)
	}
	entry.WithFields(log.Fields{"status": inst.Status}).Info("Job runner done")
	return nil
}

// prepare validates the job instance and commits it as running. It reports
// false when the instance was failed instead.
func (r *Runner) prepare(ctx context.Context, entry *log.Entry, id model.JobInstId, extraArgs []string) (prepared, bool, error) {
	var result prepared
	var reason string

	err := model.Transact(ctx, r.storage, func(ctx context.Context, tx model.Tx) error {
		inst, err := tx.LockJobInst(ctx, id, r.config.LockTimeout)
		if err != nil {
			return fmt.Errorf("failed locking job instance %d: %w", id, err)
		}
		result.jobInst = inst

		if inst.Status != model.JobInstWaiting {
			if inst.Status.Terminal() {
				return fmt.Errorf("job instance %d is %s: %w", id, inst.Status, ErrorUnexpectedStatus)
			}
			reason = fmt.Sprintf("found in unexpected status %s", inst.Status)
			return r.fail(ctx, tx, inst, reason)
		}

		// a request left over from an earlier run of this instance
		if err = tx.DeleteCancelRequest(ctx, id); err != nil {
			return fmt.Errorf("failed deleting cancel request of job instance %d: %w", id, err)
		}

		if now := r.now(); inst.RunDate.After(now) {
			reason = fmt.Sprintf("run date %s is after the current time %s", inst.RunDate, now)
			return r.fail(ctx, tx, inst, reason)
		}

		if inst.PrevJobInst != 0 {
			prev, err := tx.GetJobInst(ctx, inst.PrevJobInst)
			if errors.Is(err, model.ErrorNotFound) {
				reason = fmt.Sprintf("previous job instance %d is missing", inst.PrevJobInst)
				return r.fail(ctx, tx, inst, reason)
			}
			if err != nil {
				return fmt.Errorf("failed getting previous job instance %d: %w", inst.PrevJobInst, err)
			}
			if !prev.Status.Succeeded() {
				reason = fmt.Sprintf("previous job instance %d is %s", prev.Id, prev.Status)
				return r.fail(ctx, tx, inst, reason)
			}
		}

		job, err := tx.GetJob(ctx, inst.JobId)
		if errors.Is(err, model.ErrorNotFound) {
			reason = fmt.Sprintf("job %d is missing", inst.JobId)
			return r.fail(ctx, tx, inst, reason)
		}
		if err != nil {
			return fmt.Errorf("failed getting job %d: %w", inst.JobId, err)
		}
		job.ProgramPath = os.ExpandEnv(strings.TrimSpace(job.ProgramPath))
		job.ProgramArgs = os.ExpandEnv(strings.TrimSpace(job.ProgramArgs))
		if info, err := os.Stat(job.ProgramPath); err != nil || info.IsDir() {
			reason = fmt.Sprintf("program path %q of job %d not found", job.ProgramPath, job.Id)
			return r.fail(ctx, tx, inst, reason)
		}
		result.job = job

		batchInst, err := tx.GetBatchInst(ctx, inst.BatchInstId)
		if err != nil && !errors.Is(err, model.ErrorNotFound) {
			return fmt.Errorf("failed getting batch instance %d: %w", inst.BatchInstId, err)
		}
		result.args = jobArgs(job, inst, extraArgs, batchInst.RunDate)

		if inst.Status, err = inst.Status.Transition(model.JobInstRunning); err != nil {
			return err
		}
		if err = tx.UpdateJobInst(ctx, inst); err != nil {
			return err
		}
		return r.record(ctx, tx, id, model.MetricStart, "Started")
	})
	if err != nil {
		return result, false, err
	}
	if reason != "" {
		entry.WithFields(log.Fields{"reason": reason}).Error("Job instance has been marked as failed")
		if result.jobInst.Status != model.JobInstWaiting {
			return result, false, fmt.Errorf("job instance %d %s: %w", id, reason, ErrorUnexpectedStatus)
		}
		return result, false, nil
	}
	return result, true, nil
}

func (r *Runner) fail(ctx context.Context, tx model.Tx, inst model.JobInst, reason string) error {
	var err error
	if inst.Status, err = inst.Status.Transition(model.JobInstFailed); err != nil {
		return err
	}
	if err = tx.UpdateJobInst(ctx, inst); err != nil {
		return err
	}
	return r.record(ctx, tx, inst.Id, model.MetricError, reason)
}

func (r *Runner) record(ctx context.Context, tx model.Tx, id model.JobInstId, metricType model.MetricType, message string) error {
	metric := model.JobInstMetric{JobInstId: id, Type: metricType, Message: message, Stamp: r.now()}
	if err := tx.InsertJobInstMetric(ctx, &metric); err != nil {
		return fmt.Errorf("failed recording %s for job instance %d: %w", metricType, id, err)
	}
	return nil
}

// execute runs the job and waits for it to exit. Cancel requests are read
// through tx, the transaction holding the running lock. Cancelling ctx kills
// the job and fails the job instance.
func (r *Runner) execute(ctx, holdCtx context.Context, tx model.Tx, entry *log.Entry, p prepared) outcome {
	fields := log.Fields{"job": p.job.Name, "args": p.args}
	handle, err := r.spawner.Spawn(p.job.Name, p.args)
	if err != nil {
		fields["error"] = err
		entry.WithFields(fields).Error("Error starting job")
		return outcome{model.JobInstFailed, model.MetricError, fmt.Sprintf("failed starting job: %v", err), false}
	}
	fields["pid"] = handle.Pid()
	entry.WithFields(fields).Info("Job running")

	var cancel *model.CancelRequest
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()
	for polls := 1; handle.IsAlive(); polls++ {
		select {
		case <-ctx.Done():
			fields["error"] = ctx.Err()
			entry.WithFields(fields).Error("Job runner interrupted while job is running")
			r.kill(entry, handle)
			return outcome{model.JobInstFailed, model.MetricError, fmt.Sprintf("job runner interrupted: %v", ctx.Err()), false}
		case <-ticker.C:
		}
		if cancel != nil || polls%cancelCheckPolls != 0 {
			continue
		}
		req, ok, err := tx.CancelRequested(holdCtx, p.jobInst.Id)
		if err != nil {
			entry.WithFields(log.Fields{"error": err}).Warn("Error checking for cancel request")
			continue
		}
		if ok {
			cancel = &req
			entry.WithFields(log.Fields{"reason": req.Reason, "requested": req.Stamp}).Info("Job cancel requested")
			if !r.kill(entry, handle) {
				break
			}
		}
	}

	if cancel != nil {
		return outcome{model.JobInstFailed, model.MetricCancelled, "cancelled: " + cancel.Reason, true}
	}
	if handle.CompletedOK() {
		entry.WithFields(fields).Info("Job completed")
		return outcome{model.JobInstCompleted, model.MetricCompleted, "OK", false}
	}
	stderr := handle.Stderr()
	if stderr == "" {
		stderr = "<none>"
	}
	if len(stderr) > stderrLogLimit {
		stderr = stderr[:stderrLogLimit]
	}
	fields["exitCode"] = handle.ExitCode()
	fields["stderr"] = stderr
	entry.WithFields(fields).Error("Job failed")
	return outcome{model.JobInstFailed, model.MetricFailed, fmt.Sprintf("exit code %d: %s", handle.ExitCode(), stderr), false}
}

func (r *Runner) kill(entry *log.Entry, handle process.Handle) bool {
	if err := handle.Kill(); err != nil {
		entry.WithFields(log.Fields{"error": err, "pid": handle.Pid()}).Error("Error killing job")
		return false
	}
	return true
}

// jobArgs builds program path, program args, extra args, then the job
// instance id and the batch instance run date.
func jobArgs(job model.Job, inst model.JobInst, extraArgs []string, runDate time.Time) []string {
	args := []string{job.ProgramPath}
	args = append(args, strings.Fields(job.ProgramArgs)...)
	args = append(args, extraArgs...)
	args = append(args, "--job", strconv.FormatInt(int64(inst.Id), 10))
	if !runDate.IsZero() {
		args = append(args, "--runtime", runDate.Format(RunTimeLayout))
	}
	return args
}
