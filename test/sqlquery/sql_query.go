package sqlquery

const (
	DeleteAll       = "TRUNCATE checkin, jobinst_cancel, jobinst_metric, jobinst, batchinst, batch_item, job, batch RESTART IDENTITY CASCADE"
	CreateBatch     = "INSERT INTO batch (parent_id, name, group_id, cycle, run_interval, run_time, run_date) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id"
	CreateJob       = "INSERT INTO job (name, program_path, program_args, group_id) VALUES ($1, $2, $3, $4) RETURNING id"
	CreateBatchItem = "INSERT INTO batch_item (batch_id, job_id, priority, extra_args) VALUES ($1, $2, $3, $4)"
	CreateJobInst   = "INSERT INTO jobinst (batchinst_id, job_id, run_date, status) VALUES ($1, $2, $3, $4) RETURNING id"
	CreateBatchInst = "INSERT INTO batchinst (batch_id, status, run_date) VALUES ($1, $2, $3) RETURNING id"
	CountBatchInsts = "SELECT count(*) FROM batchinst"
	CountJobInsts   = "SELECT count(*) FROM jobinst WHERE COALESCE(status, '') = $1"
	JobInstStatus   = "SELECT COALESCE(status, '') FROM jobinst WHERE id = $1"
)
