package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"go-monitor/internal/metrics"
	"go-monitor/internal/model"
	"go-monitor/test/data"
	"go-monitor/test/sqlquery"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sqlNow = time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)

func testDataSourceName(t *testing.T) string {
	t.Helper()
	if os.Getenv("TEST_DB_HOST") == "" {
		t.Skip("TEST_DB_HOST is not set")
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		os.Getenv("TEST_DB_HOST"),
		os.Getenv("TEST_DB_PORT"),
		"go-monitor",
		os.Getenv("TEST_DB_PASSWORD"),
		"go-monitor",
	)
}

type sqlFixture struct {
	t        *testing.T
	ctx      context.Context
	database *sql.DB
	dsn      string
	runner   string
}

// newSQLFixture creates the schema through a throwaway storage and empties
// every table before and after the test.
func newSQLFixture(t *testing.T) *sqlFixture {
	t.Helper()
	dsn := testDataSourceName(t)
	ctx := context.Background()

	storage, err := model.NewSQLStorage(ctx, "postgres", dsn)
	require.NoError(t, err)
	require.NoError(t, storage.Close())

	database, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	_, err = database.ExecContext(ctx, sqlquery.DeleteAll)
	require.NoError(t, err)
	t.Cleanup(func() {
		database.ExecContext(context.Background(), sqlquery.DeleteAll)
		database.Close()
	})
	return &sqlFixture{t: t, ctx: ctx, database: database, dsn: dsn, runner: writeRunner(t)}
}

// scheduler returns an initialized scheduler with its own connection pool.
func (f *sqlFixture) scheduler(instance string) (*Scheduler, *fakeSpawner) {
	storage, err := model.NewSQLStorage(f.ctx, "postgres", f.dsn)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { storage.Close() })

	spawner := &fakeSpawner{}
	s := New(
		storage,
		spawner,
		metrics.NewCollector(prometheus.NewRegistry()),
		Config{RunnerCommand: f.runner},
		WithClock(func() time.Time { return sqlNow }),
		WithInstance(instance),
	)
	require.NoError(f.t, s.Initialize(f.ctx))
	return s, spawner
}

func (f *sqlFixture) count(query string, params ...any) int {
	f.t.Helper()
	var cnt int
	require.NoError(f.t, f.database.QueryRowContext(f.ctx, query, params...).Scan(&cnt))
	return cnt
}

func (f *sqlFixture) setJobInstStatus(id int, status model.JobInstStatus) {
	f.t.Helper()
	_, err := f.database.ExecContext(f.ctx, "UPDATE jobinst SET status = $1 WHERE id = $2", status.String(), id)
	require.NoError(f.t, err)
}

func TestSQLSchedulersShareDatabase(t *testing.T) {
	f := newSQLFixture(t)
	root, err := data.Seed(f.ctx, f.database, data.NightlyTree, sql.NullInt64{}, sqlNow.Add(-time.Hour))
	require.NoError(t, err)

	first, firstSpawner := f.scheduler("monitor-1")
	second, secondSpawner := f.scheduler("monitor-2")

	require.NoError(t, first.schedulingPass(f.ctx))
	require.NoError(t, second.schedulingPass(f.ctx))
	assert.Equal(t, data.NightlyTree.Size(), f.count(sqlquery.CountBatchInsts))
	assert.Equal(t, 2, f.count(sqlquery.CountJobInsts, "pending"))

	require.NoError(t, first.startPendingJobs(f.ctx))
	require.NoError(t, second.startPendingJobs(f.ctx))
	require.Len(t, firstSpawner.handles, 1)
	assert.Empty(t, secondSpawner.handles)
	assert.Equal(t, 1, f.count(sqlquery.CountJobInsts, "waiting"))

	// The runner would record these outcomes.
	f.setJobInstStatus(1, model.JobInstCompleted)
	require.NoError(t, second.startPendingJobs(f.ctx))
	require.Len(t, secondSpawner.handles, 1)
	args := secondSpawner.handles[0].args
	assert.Equal(t, []string{"--job", "2", "--", "--date", "today"}, args[len(args)-5:])
	f.setJobInstStatus(2, model.JobInstFailed)

	require.NoError(t, first.schedulingPass(f.ctx))
	assert.Equal(t, 1, f.count(sqlquery.CountJobInsts, "pending"))
	assert.Equal(t, 1, f.count("SELECT count(*) FROM batchinst WHERE batch_id = $1 AND status = 'completed'", root))

	var runDate time.Time
	require.NoError(t, f.database.QueryRowContext(f.ctx, "SELECT run_date FROM batch WHERE id = $1", root).Scan(&runDate))
	assert.True(t, time.Date(2024, 5, 2, 2, 0, 0, 0, time.UTC).Equal(runDate), runDate)
}

func TestSQLInitializeFailsOrphanedJobInsts(t *testing.T) {
	f := newSQLFixture(t)
	root, err := data.Seed(f.ctx, f.database, data.NightlyTree, sql.NullInt64{}, sqlNow)
	require.NoError(t, err)

	var batchInst, running, pending int64
	require.NoError(t, f.database.QueryRowContext(f.ctx, sqlquery.CreateBatchInst, root, "busy", sqlNow).Scan(&batchInst))
	require.NoError(t, f.database.QueryRowContext(f.ctx, sqlquery.CreateJobInst, batchInst, 1, sqlNow, "running").Scan(&running))
	require.NoError(t, f.database.QueryRowContext(f.ctx, sqlquery.CreateJobInst, batchInst, 2, sqlNow, "pending").Scan(&pending))

	f.scheduler("monitor-1")

	var status string
	require.NoError(t, f.database.QueryRowContext(f.ctx, sqlquery.JobInstStatus, running).Scan(&status))
	assert.Equal(t, "failed", status)
	require.NoError(t, f.database.QueryRowContext(f.ctx, sqlquery.JobInstStatus, pending).Scan(&status))
	assert.Equal(t, "pending", status)
}
