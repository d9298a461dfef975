package model

import (
	"errors"
	"time"
)

type BatchId int64
type BatchInstId int64
type JobId int64
type JobInstId int64
type BatchItemId int64

var (
	ErrorNotFound          = errors.New("not found")
	ErrorLockBusy          = errors.New("row is locked by another owner")
	ErrorIllegalTransition = errors.New("illegal status transition")
)

// Batch is a recurring job definition. ParentId is zero for root batches.
type Batch struct {
	Id       BatchId
	ParentId BatchId
	Name     string
	GroupId  string
	Cycle    Cycle
	Interval int
	// RunTime is the optional time of day, HHMMSS or HH:MM:SS.
	RunTime string
	RunDate time.Time
	Status  BatchStatus
}

type BatchInst struct {
	Id        BatchInstId
	BatchId   BatchId
	ParentId  BatchInstId
	Status    BatchInstStatus
	StartDate time.Time
	EndDate   time.Time
	RunDate   time.Time
}

type BatchItem struct {
	Id         BatchItemId
	BatchId    BatchId
	JobId      JobId
	Priority   int
	ExtraArgs  string
	GroupJob   string
	GroupBatch string
}

type Job struct {
	Id          JobId
	Name        string
	ProgramPath string
	ProgramArgs string
	GroupId     string
}

type JobInst struct {
	Id          JobInstId
	BatchInstId BatchInstId
	JobId       JobId
	PrevJobInst JobInstId
	RunDate     time.Time
	Priority    int
	Status      JobInstStatus
	GroupJob    string
	GroupBatch  string
	ExtraArgs   string
}

// MetricType classifies an entry in a job instance's history.
type MetricType string

const (
	MetricStart      MetricType = "start"
	MetricCompleted  MetricType = "completed"
	MetricFailed     MetricType = "failed"
	MetricError      MetricType = "error"
	MetricCancelled  MetricType = "cancelled"
	MetricForcedOkay MetricType = "forced_okay"
	MetricRerun      MetricType = "rerun"
)

// JobInstMetric records one status change of a job instance and why it
// happened.
type JobInstMetric struct {
	Id        int64
	JobInstId JobInstId
	Type      MetricType
	Message   string
	Stamp     time.Time
}

// CancelRequest asks the runner of a running job instance to kill the job.
type CancelRequest struct {
	JobInstId JobInstId
	Reason    string
	Stamp     time.Time
}

type CheckIn struct {
	Instance string
	Stamp    time.Time
}

// WallClock relabels t as UTC while keeping its local wall clock reading.
// Run dates are stored as TIMESTAMP without time zone, so the scheduler
// compares and pins times on the wall clock.
func WallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}
