package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go-monitor/internal/config"
	"go-monitor/internal/model"
	"go-monitor/internal/process"
	"go-monitor/internal/runner"

	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

// The scheduler starts one job-runner per job instance:
//
//	job-runner [options] --job <id> [-- extra args...]
//
// It exits 0 once the job instance has reached a terminal status, even when
// the job failed, and 1 when it could not record the outcome.
func main() {
	opts := config.DefaultRunner()
	extraArgs, err := config.Load(os.Args[1:], &opts)
	if err != nil {
		if config.IsHelp(err) {
			fmt.Println(err)
			return
		}
		log.Fatal(err)
	}
	if err = opts.Logging.Setup(); err != nil {
		log.Fatal(fmt.Errorf("could not set up logging: %w", err))
	}

	background := context.Background()
	storage, err := model.NewSQLStorage(background, "postgres", opts.Database.DataSourceName())
	if err != nil {
		log.Fatal(fmt.Errorf("could not create storage: %w", err))
	}

	ctx, stop := signal.NotifyContext(background, syscall.SIGINT, syscall.SIGTERM)
	r := runner.New(storage, process.ExecSpawner{}, runner.Config{LockTimeout: opts.LockTimeout})
	err = r.Run(ctx, model.JobInstId(opts.JobInst), extraArgs)
	stop()
	storage.Close()
	if err != nil {
		log.WithFields(log.Fields{
			"jobInst": opts.JobInst,
			"error":   err,
		}).Error("Error running job instance")
		os.Exit(1)
	}
}
