// Package config loads command line options for the monitor and the job
// runner. Values come from an optional YAML file given with --config and
// from flags; a flag given on the command line wins over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Database struct {
	Host string `short:"u" long:"db-url" description:"Database host url" yaml:"host" validate:"required"`
	Port uint   `short:"p" long:"db-port" description:"Database port" default-mask:"5432" yaml:"port" validate:"required,max=65535"`
	User string `short:"l" long:"db-login" description:"Database user login" yaml:"user" validate:"required"`
	Name string `short:"n" long:"db-name" description:"Database name" yaml:"name" validate:"required"`
}

// DataSourceName builds a lib/pq connection string. The password is read
// from POSTGRES_PASSWORD and never from flags or files.
func (db Database) DataSourceName() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		db.Host,
		db.Port,
		db.User,
		os.Getenv("POSTGRES_PASSWORD"),
		db.Name,
	)
}

type Logging struct {
	Level string `long:"log-level" description:"Log level" default-mask:"info" yaml:"level" validate:"required,logLevel"`
	JSON  bool   `long:"log-json" description:"Log in JSON format" yaml:"json"`
}

// Setup configures the standard logrus logger.
func (l Logging) Setup() error {
	level, err := log.ParseLevel(l.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	if l.JSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

type Monitor struct {
	ConfigFile string   `short:"c" long:"config" description:"YAML configuration file" yaml:"-"`
	Database   Database `group:"Database Options" yaml:"database"`
	Logging    Logging  `group:"Logging Options" yaml:"logging"`

	RunnerCommand      string        `short:"r" long:"runner" description:"Job runner command, environment variables are expanded" yaml:"runner_command" validate:"required,command"`
	MaxConcurrentJobs  int           `short:"m" long:"max-concurrent-jobs" description:"Maximum number of running jobs, 0 is unlimited" yaml:"max_concurrent_jobs" validate:"gte=0"`
	BatchIntervalCheck int           `short:"i" long:"batch-interval-check" description:"Seconds between scheduling passes, clamped to [60, 3600]" default-mask:"60" yaml:"batch_interval_check" validate:"gte=0"`
	LockTimeout        time.Duration `long:"lock-timeout" description:"How long to wait for a row lock" default-mask:"100ms" yaml:"lock_timeout"`
	Listen             string        `long:"listen" description:"Operations HTTP address, empty disables it" default-mask:"localhost:8080" yaml:"listen" validate:"omitempty,hostname_port"`
}

func DefaultMonitor() Monitor {
	return Monitor{
		Database:           Database{Port: 5432},
		Logging:            Logging{Level: "info"},
		BatchIntervalCheck: 60,
		LockTimeout:        100 * time.Millisecond,
		Listen:             "localhost:8080",
	}
}

type Runner struct {
	ConfigFile string   `short:"c" long:"config" description:"YAML configuration file" yaml:"-"`
	Database   Database `group:"Database Options" yaml:"database"`
	Logging    Logging  `group:"Logging Options" yaml:"logging"`

	JobInst     int64         `short:"j" long:"job" description:"Job instance to run" yaml:"-" validate:"required,gt=0"`
	LockTimeout time.Duration `long:"runner-lock-timeout" description:"How long to wait for the job instance lock" default-mask:"5s" yaml:"runner_lock_timeout"`
}

func DefaultRunner() Runner {
	return Runner{
		Database:    Database{Port: 5432},
		Logging:     Logging{Level: "info"},
		LockTimeout: 5 * time.Second,
	}
}

// Load fills opts, which must already hold its defaults, from the file
// named by --config and then from args. It returns the arguments left after
// option parsing, including everything after "--". A help request is
// returned as a *flags.Error of type flags.ErrHelp.
func Load(args []string, opts any) ([]string, error) {
	var pre struct {
		ConfigFile string `short:"c" long:"config"`
	}
	if _, err := flags.NewParser(&pre, flags.IgnoreUnknown|flags.PassDoubleDash).ParseArgs(args); err != nil {
		return nil, fmt.Errorf("could not parse command line args: %w", err)
	}
	if pre.ConfigFile != "" {
		data, err := os.ReadFile(pre.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("could not read config file: %w", err)
		}
		if err = yaml.Unmarshal(data, opts); err != nil {
			return nil, fmt.Errorf("could not parse config file %s: %w", pre.ConfigFile, err)
		}
	}

	rest, err := flags.NewParser(opts, flags.HelpFlag|flags.PassDoubleDash).ParseArgs(args)
	if err != nil {
		if IsHelp(err) {
			return nil, err
		}
		return nil, fmt.Errorf("could not parse command line args: %w", err)
	}
	if err = validate(opts); err != nil {
		return nil, err
	}
	return rest, nil
}

// IsHelp reports whether err is a help request from Load.
func IsHelp(err error) bool {
	var flagsErr *flags.Error
	return errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp
}
