package main

import (
	"context"
	"errors"
	"fmt"
	nhttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-monitor/internal/config"
	"go-monitor/internal/control"
	"go-monitor/internal/http"
	"go-monitor/internal/metrics"
	"go-monitor/internal/model"
	"go-monitor/internal/process"
	"go-monitor/internal/scheduler"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const serverShutdownTimeout = 30 * time.Second

func main() {
	opts := config.DefaultMonitor()
	if _, err := config.Load(os.Args[1:], &opts); err != nil {
		if config.IsHelp(err) {
			fmt.Println(err)
			return
		}
		log.Fatal(err)
	}
	if err := opts.Logging.Setup(); err != nil {
		log.Fatal(fmt.Errorf("could not set up logging: %w", err))
	}

	background := context.Background()
	storage, err := model.NewSQLStorage(background, "postgres", opts.Database.DataSourceName())
	if err != nil {
		log.Fatal(fmt.Errorf("could not create storage: %w", err))
	}
	defer storage.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	schd := scheduler.New(storage, process.ExecSpawner{}, collector, scheduler.Config{
		RunnerCommand:      opts.RunnerCommand,
		MaxConcurrentJobs:  opts.MaxConcurrentJobs,
		BatchIntervalCheck: opts.BatchIntervalCheck,
		LockTimeout:        opts.LockTimeout,
	})
	if err = schd.Initialize(background); err != nil {
		log.Error(fmt.Errorf("could not initialize scheduler: %w", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(background, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return runTicks(groupCtx, schd)
	})
	if opts.Listen != "" {
		server := http.NewOpsServer(storage, schd, control.New(storage, opts.LockTimeout), collector.Handler(), opts.Listen)
		group.Go(func() error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, nhttp.ErrServerClosed) {
				return fmt.Errorf("listen and serve error: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			timeoutCtx, cancel := context.WithTimeout(background, serverShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(timeoutCtx); err != nil {
				return fmt.Errorf("failed to shutdown server: %w", err)
			}
			return nil
		})
	}

	if err = group.Wait(); err != nil {
		log.Error(err)
		storage.Close()
		os.Exit(1)
	}
	log.Info("Monitor stopped")
}

// runTicks calls Run once a second until ctx is done or the circuit breaker
// trips. Other tick errors are logged by the scheduler and the next tick
// goes ahead.
func runTicks(ctx context.Context, schd *scheduler.Scheduler) error {
	fatal := make(chan error, 1)
	logger := cron.PrintfLogger(log.StandardLogger())
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	c.Schedule(cron.Every(time.Second), cron.FuncJob(func() {
		if err := schd.Run(ctx); errors.Is(err, scheduler.ErrorCircuitOpen) {
			select {
			case fatal <- err:
			default:
			}
		}
	}))
	c.Start()
	defer func() {
		<-c.Stop().Done()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-fatal:
		return err
	}
}
