package sqlquery

import "time"

const (
	batchColumns     = "id, COALESCE(parent_id, 0), name, group_id, cycle, run_interval, run_time, run_date, status"
	batchInstColumns = "id, batch_id, COALESCE(parent_id, 0), status, start_date, end_date, run_date"
	jobInstColumns   = "id, batchinst_id, job_id, COALESCE(prev_jobinst_id, 0), run_date, priority, COALESCE(status, ''), group_job, group_batch, extra_args"
)

const (
	DueBatches   = "SELECT " + batchColumns + " FROM batch WHERE parent_id IS NULL AND status = 'active' AND run_date <= $1 ORDER BY run_date, id"
	ChildBatches = "SELECT " + batchColumns + " FROM batch WHERE parent_id = $1 AND status = 'active' ORDER BY id"
	LockBatch    = "SELECT " + batchColumns + " FROM batch WHERE id = $1 FOR UPDATE"
	UpdateBatch  = "UPDATE batch SET run_date = $1, status = $2 WHERE id = $3"

	UnfinishedBatchInst = "SELECT " + batchInstColumns + " FROM batchinst WHERE batch_id = $1 AND status <> 'completed' ORDER BY id LIMIT 1"
	InsertBatchInst     = "INSERT INTO batchinst (batch_id, parent_id, status, start_date, end_date, run_date) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id"
	GetBatchInst        = "SELECT " + batchInstColumns + " FROM batchinst WHERE id = $1"
	LockBatchInst       = GetBatchInst + " FOR UPDATE"
	UpdateBatchInst     = "UPDATE batchinst SET status = $1, start_date = $2, end_date = $3 WHERE id = $4"

	BatchInstsForProcessing = "SELECT " + batchInstColumns + " FROM batchinst bi WHERE bi.status = 'pending' AND bi.run_date <= $1" +
		" AND (bi.parent_id IS NULL OR EXISTS (SELECT 1 FROM batchinst p WHERE p.id = bi.parent_id AND p.status = 'completed'))" +
		" ORDER BY bi.run_date, bi.id"
	FinishedBatchInsts = "SELECT " + batchInstColumns + " FROM batchinst bi WHERE bi.status = 'busy'" +
		" AND NOT EXISTS (SELECT 1 FROM jobinst j WHERE j.batchinst_id = bi.id AND COALESCE(j.status, '') NOT IN ('completed', 'failed', 'forced_okay'))" +
		" AND NOT EXISTS (SELECT 1 FROM batchinst c WHERE c.parent_id = bi.id AND c.status = 'busy')" +
		" ORDER BY bi.id"

	BatchItems = "SELECT bi.id, bi.batch_id, bi.job_id, bi.priority, bi.extra_args, j.group_id, b.group_id" +
		" FROM batch_item bi JOIN job j ON j.id = bi.job_id JOIN batch b ON b.id = bi.batch_id" +
		" WHERE bi.batch_id = $1 ORDER BY bi.priority, bi.id"
	GetJob = "SELECT id, name, program_path, program_args, group_id FROM job WHERE id = $1"

	InsertJobInst = "INSERT INTO jobinst (batchinst_id, job_id, prev_jobinst_id, run_date, priority, status, group_job, group_batch, extra_args)" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id"
	GetJobInst         = "SELECT " + jobInstColumns + " FROM jobinst WHERE id = $1"
	// NO KEY UPDATE lets cancel requests and history rows reference a
	// running instance while its runner holds the lock.
	LockJobInst        = GetJobInst + " FOR NO KEY UPDATE"
	UpdateJobInst      = "UPDATE jobinst SET status = $1 WHERE id = $2"
	JobInstsByStatus   = "SELECT " + jobInstColumns + " FROM jobinst WHERE COALESCE(status, '') = $1 ORDER BY id"
	JobInstsReadyToRun = "SELECT " + jobInstColumns + " FROM jobinst j WHERE j.status = 'pending'" +
		" AND (j.prev_jobinst_id IS NULL OR EXISTS (SELECT 1 FROM jobinst p WHERE p.id = j.prev_jobinst_id AND p.status IN ('completed', 'failed', 'forced_okay')))" +
		" ORDER BY j.priority, j.id"

	InsertJobInstMetric = "INSERT INTO jobinst_metric (jobinst_id, mtype, msg, stamp) VALUES ($1, $2, $3, $4) RETURNING id"
	JobInstMetrics      = "SELECT id, jobinst_id, mtype, msg, stamp FROM jobinst_metric WHERE jobinst_id = $1 ORDER BY id"

	RequestCancel       = "INSERT INTO jobinst_cancel (jobinst_id, reason, stamp) VALUES ($1, $2, $3) ON CONFLICT (jobinst_id) DO NOTHING"
	CancelRequested     = "SELECT jobinst_id, reason, stamp FROM jobinst_cancel WHERE jobinst_id = $1"
	DeleteCancelRequest = "DELETE FROM jobinst_cancel WHERE jobinst_id = $1"

	CheckIn     = "INSERT INTO checkin (instance, stamp) VALUES ($1, $2) ON CONFLICT (instance) DO UPDATE SET stamp = excluded.stamp"
	LastCheckIn = "SELECT instance, stamp FROM checkin ORDER BY stamp DESC LIMIT 1"

	LockTimeout      = "SET LOCAL lock_timeout = %d"
	ResetLockTimeout = "SET LOCAL lock_timeout TO DEFAULT"
	Savepoint        = "SAVEPOINT row_lock"
	ReleaseSavepoint = "RELEASE SAVEPOINT row_lock"
	RollbackToLock   = "ROLLBACK TO SAVEPOINT row_lock"
	NoWait           = " NOWAIT"

	DatabaseOperationTimeout = time.Second * 5
)

const Schema = `
CREATE TABLE IF NOT EXISTS batch (
	id           BIGSERIAL PRIMARY KEY,
	parent_id    BIGINT REFERENCES batch (id),
	name         TEXT NOT NULL,
	group_id     TEXT NOT NULL DEFAULT '',
	cycle        TEXT NOT NULL,
	run_interval INTEGER NOT NULL,
	run_time     TEXT NOT NULL DEFAULT '',
	run_date     TIMESTAMP NOT NULL,
	status       TEXT NOT NULL DEFAULT 'active'
);
CREATE TABLE IF NOT EXISTS job (
	id           BIGSERIAL PRIMARY KEY,
	name         TEXT NOT NULL UNIQUE,
	program_path TEXT NOT NULL,
	program_args TEXT NOT NULL DEFAULT '',
	group_id     TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS batch_item (
	id         BIGSERIAL PRIMARY KEY,
	batch_id   BIGINT NOT NULL REFERENCES batch (id),
	job_id     BIGINT NOT NULL REFERENCES job (id),
	priority   INTEGER NOT NULL DEFAULT 0,
	extra_args TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS batchinst (
	id         BIGSERIAL PRIMARY KEY,
	batch_id   BIGINT NOT NULL REFERENCES batch (id),
	parent_id  BIGINT REFERENCES batchinst (id),
	status     TEXT NOT NULL,
	start_date TIMESTAMP,
	end_date   TIMESTAMP,
	run_date   TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS jobinst (
	id              BIGSERIAL PRIMARY KEY,
	batchinst_id    BIGINT NOT NULL REFERENCES batchinst (id),
	job_id          BIGINT NOT NULL REFERENCES job (id),
	prev_jobinst_id BIGINT REFERENCES jobinst (id),
	run_date        TIMESTAMP NOT NULL,
	priority        INTEGER NOT NULL DEFAULT 0,
	status          TEXT,
	group_job       TEXT NOT NULL DEFAULT '',
	group_batch     TEXT NOT NULL DEFAULT '',
	extra_args      TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS jobinst_metric (
	id         BIGSERIAL PRIMARY KEY,
	jobinst_id BIGINT NOT NULL REFERENCES jobinst (id),
	mtype      TEXT NOT NULL,
	msg        TEXT NOT NULL DEFAULT '',
	stamp      TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS jobinst_cancel (
	jobinst_id BIGINT PRIMARY KEY REFERENCES jobinst (id),
	reason     TEXT NOT NULL DEFAULT '',
	stamp      TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS checkin (
	instance TEXT PRIMARY KEY,
	stamp    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS batchinst_status_idx ON batchinst (status);
CREATE INDEX IF NOT EXISTS jobinst_status_idx ON jobinst (status);
CREATE INDEX IF NOT EXISTS jobinst_metric_jobinst_idx ON jobinst_metric (jobinst_id);
`
