package data

import (
	"context"
	"database/sql"
	"fmt"
	"go-monitor/test/sqlquery"
	"time"
)

type JobData struct {
	Name        string
	ProgramPath string
	ProgramArgs string
	GroupId     string
	ExtraArgs   string
}

type BatchData struct {
	Name     string
	GroupId  string
	Cycle    string
	Interval int
	RunTime  string
	Jobs     []JobData
	Children []BatchData
}

// NightlyTree is a root batch with two jobs, one child batch with a job and
// one empty child batch.
var NightlyTree = BatchData{
	Name:     "nightly",
	GroupId:  "nightly",
	Cycle:    "day",
	Interval: 1,
	RunTime:  "020000",
	Jobs: []JobData{
		{"extract", "/bin/true", "", "db", ""},
		{"transform", "/bin/true", "--strict", "", "--date today"},
	},
	Children: []BatchData{
		{
			Name:     "reports",
			Cycle:    "day",
			Interval: 1,
			Jobs:     []JobData{{"report", "/bin/true", "", "reports", ""}},
		},
		{
			Name:     "housekeeping",
			Cycle:    "day",
			Interval: 1,
		},
	},
}

// Size is the number of batches in the tree rooted at b.
func (b BatchData) Size() int {
	n := 1
	for _, child := range b.Children {
		n += child.Size()
	}
	return n
}

// Seed inserts b and its descendants with run date runDate and returns the
// id of b. Job names are prefixed with the batch name to keep them unique.
func Seed(ctx context.Context, database *sql.DB, b BatchData, parent sql.NullInt64, runDate time.Time) (int64, error) {
	var id int64
	err := database.QueryRowContext(ctx, sqlquery.CreateBatch,
		parent, b.Name, b.GroupId, b.Cycle, b.Interval, b.RunTime, runDate,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("error creating batch %s: %w", b.Name, err)
	}
	for i, job := range b.Jobs {
		var jobId int64
		err = database.QueryRowContext(ctx, sqlquery.CreateJob,
			b.Name+"."+job.Name, job.ProgramPath, job.ProgramArgs, job.GroupId,
		).Scan(&jobId)
		if err != nil {
			return 0, fmt.Errorf("error creating job %s: %w", job.Name, err)
		}
		if _, err = database.ExecContext(ctx, sqlquery.CreateBatchItem, id, jobId, i, job.ExtraArgs); err != nil {
			return 0, fmt.Errorf("error creating item %s of batch %s: %w", job.Name, b.Name, err)
		}
	}
	for _, child := range b.Children {
		if _, err = Seed(ctx, database, child, sql.NullInt64{Int64: id, Valid: true}, runDate); err != nil {
			return 0, err
		}
	}
	return id, nil
}
