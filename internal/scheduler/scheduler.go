package scheduler

import (
	"context"
	"errors"
	"fmt"
	"go-monitor/internal/metrics"
	"go-monitor/internal/model"
	"go-monitor/internal/process"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

var (
	ErrorCircuitOpen   = errors.New("job runner processes are failing")
	ErrorRunnerMissing = errors.New("job runner is not found or not a file")
	ErrorInvalidConfig = errors.New("invalid scheduler configuration")
)

const (
	minBatchIntervalCheck     = 60
	maxBatchIntervalCheck     = 3600
	defaultBatchIntervalCheck = 60
	defaultLockTimeout        = 100 * time.Millisecond
)

type Config struct {
	// RunnerCommand is the job runner executable followed by its fixed
	// arguments. Environment variables are expanded.
	RunnerCommand string
	// MaxConcurrentJobs of zero means unlimited.
	MaxConcurrentJobs int
	// BatchIntervalCheck is the number of ticks between scheduling passes.
	BatchIntervalCheck int
	LockTimeout        time.Duration
}

type runningJob struct {
	jobInst model.JobInstId
	handle  process.Handle
	started time.Time
}

// Stats is a snapshot of the scheduler's in-memory state.
type Stats struct {
	Instance string    `json:"instance"`
	Running  int       `json:"running"`
	JobFails int       `json:"jobFails"`
	Ticks    int64     `json:"ticks"`
	LastTick time.Time `json:"lastTick"`
}

// Scheduler owns all state of one scheduling loop. Run is not safe for
// concurrent use; Stats may be called from any goroutine.
type Scheduler struct {
	storage  model.Storage
	spawner  process.Spawner
	metrics  *metrics.Collector
	now      func() time.Time
	log      *log.Entry
	instance string
	config   Config

	runnerArgs []string
	throttle   throttle
	running    []runningJob
	jobFails   int

	statsLock sync.Mutex
	stats     Stats
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func WithInstance(instance string) Option {
	return func(s *Scheduler) {
		s.instance = instance
	}
}

func New(storage model.Storage, spawner process.Spawner, collector *metrics.Collector, config Config, opts ...Option) *Scheduler {
	if collector == nil {
		collector = metrics.NewCollector(prometheus.NewRegistry())
	}
	s := &Scheduler{
		storage:  storage,
		spawner:  spawner,
		metrics:  collector,
		now:      func() time.Time { return model.WallClock(time.Now()) },
		instance: uuid.NewString(),
		config:   config,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = log.WithFields(log.Fields{"instance": s.instance})
	s.stats.Instance = s.instance
	return s
}

// Initialize validates the configuration and fails every job instance left
// behind by a previous scheduler that is no longer around. It must be
// called once before Run.
func (s *Scheduler) Initialize(ctx context.Context) error {
	s.log.Debug("Initializing scheduler")

	s.runnerArgs = strings.Fields(os.ExpandEnv(s.config.RunnerCommand))
	if len(s.runnerArgs) == 0 {
		return fmt.Errorf("empty runner command: %w", ErrorInvalidConfig)
	}
	info, err := os.Stat(s.runnerArgs[0])
	if err != nil || !info.Mode().IsRegular() {
		return fmt.Errorf("%s: %w", s.runnerArgs[0], ErrorRunnerMissing)
	}

	if s.config.MaxConcurrentJobs < 0 {
		return fmt.Errorf("max concurrent jobs %d: %w", s.config.MaxConcurrentJobs, ErrorInvalidConfig)
	}
	if s.config.LockTimeout <= 0 {
		s.config.LockTimeout = defaultLockTimeout
	}

	check := s.config.BatchIntervalCheck
	switch {
	case check < 0:
		return fmt.Errorf("batch interval check %d: %w", check, ErrorInvalidConfig)
	case check == 0:
		check = defaultBatchIntervalCheck
		s.log.Infof("Defaulting batch interval check to %d seconds", check)
	case check < minBatchIntervalCheck:
		check = minBatchIntervalCheck
		s.log.Infof("Raising batch interval check to the minimum of %d seconds", check)
	case check > maxBatchIntervalCheck:
		check = maxBatchIntervalCheck
		s.log.Infof("Lowering batch interval check to the maximum of %d seconds", check)
	}
	s.config.BatchIntervalCheck = check
	s.throttle = newThrottle(check)

	for _, status := range []model.JobInstStatus{model.JobInstWaiting, model.JobInstRunning, model.JobInstUnset} {
		if err := s.failStaleJobInsts(ctx, status); err != nil {
			return fmt.Errorf("failed reconciling job instances in status %s: %w", status, err)
		}
	}

	s.log.WithFields(log.Fields{
		"runner":             s.runnerArgs,
		"maxConcurrentJobs":  s.config.MaxConcurrentJobs,
		"batchIntervalCheck": s.config.BatchIntervalCheck,
	}).Info("Scheduler initialized")
	return nil
}

// Run executes one tick. It should be called roughly once a second. An
// ErrorCircuitOpen error means the scheduler must be stopped; any other
// error is left to the caller to decide on.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.throttle.check == 0 {
		return fmt.Errorf("scheduler used before Initialize: %w", ErrorInvalidConfig)
	}
	if err := s.checkCircuit(); err != nil {
		return err
	}

	start := time.Now()
	pass := "pool"
	if s.throttle.tick() {
		pass = "full"
		if err := s.schedulingPass(ctx); err != nil {
			return s.tickError(err)
		}
	}

	s.reapProcesses()
	if err := s.startPendingJobs(ctx); err != nil {
		return s.tickError(err)
	}

	s.metrics.ObserveTick(pass, time.Since(start).Seconds())
	s.updateStats()
	return nil
}

func (s *Scheduler) schedulingPass(ctx context.Context) error {
	s.log.Debug("Running scheduling pass")
	if err := s.checkIn(ctx); err != nil {
		return fmt.Errorf("failed checking in: %w", err)
	}
	if err := s.completeFinishedBatches(ctx); err != nil {
		return fmt.Errorf("failed completing finished batches: %w", err)
	}
	if err := s.scheduleBatches(ctx); err != nil {
		return fmt.Errorf("failed scheduling batches: %w", err)
	}
	if err := s.createScheduleItems(ctx); err != nil {
		return fmt.Errorf("failed creating job instances: %w", err)
	}
	return nil
}

func (s *Scheduler) tickError(err error) error {
	if !errors.Is(err, ErrorCircuitOpen) {
		s.log.WithFields(log.Fields{
			"error":   err,
			"running": len(s.running),
		}).Error("Unexpected error in scheduler tick")
	}
	s.updateStats()
	return err
}

func (s *Scheduler) checkCircuit() error {
	if s.jobFails > 0 && len(s.running) == 0 {
		err := fmt.Errorf("%d job runner processes failed and none are running: %w", s.jobFails, ErrorCircuitOpen)
		s.log.WithFields(log.Fields{"error": err}).Error("Terminating scheduler, see the log for failed job runners")
		return err
	}
	return nil
}

func (s *Scheduler) checkIn(ctx context.Context) error {
	return model.Transact(ctx, s.storage, func(ctx context.Context, tx model.Tx) error {
		return tx.CheckIn(ctx, model.CheckIn{Instance: s.instance, Stamp: s.now()})
	})
}

func (s *Scheduler) Stats() Stats {
	s.statsLock.Lock()
	defer s.statsLock.Unlock()
	return s.stats
}

func (s *Scheduler) updateStats() {
	s.statsLock.Lock()
	defer s.statsLock.Unlock()
	s.stats.Running = len(s.running)
	s.stats.JobFails = s.jobFails
	s.stats.Ticks++
	s.stats.LastTick = s.now()
	s.metrics.SetProcessesRunning(len(s.running))
}

// contended logs and counts a row skipped because someone else owns it.
func (s *Scheduler) contended(table string, id int64) {
	s.metrics.RecordLockContention(table)
	s.log.WithFields(log.Fields{table: id}).Debug("Row is locked by another owner, skipping")
}
