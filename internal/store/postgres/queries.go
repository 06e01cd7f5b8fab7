package postgres

const queryInsertJob = `
INSERT INTO jobs (name, cron, job_fields, job_id)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at, updated_at
`

const queryJobNameExists = `
SELECT EXISTS (SELECT 1 FROM jobs WHERE name = $1)
`

const queryGetJobByTriggerID = `
SELECT id, name, COALESCE(cron, ''), job_fields, job_id, last_run_at, created_at, updated_at
FROM jobs
WHERE job_id = $1
`

const queryListJobs = `
SELECT id, name, COALESCE(cron, ''), job_fields, job_id, last_run_at, created_at, updated_at
FROM jobs
ORDER BY id
`

const queryUpdateLastRun = `
UPDATE jobs
SET last_run_at = $2, updated_at = now()
WHERE id = $1
`

const queryDeleteJobByTriggerID = `
DELETE FROM jobs WHERE job_id = $1
`

const queryLoadTriggers = `
SELECT id, name, cron_expression, callback, args, next_fire_at, coalesce_missed, max_concurrent_runs, created_at
FROM scheduler_triggers
ORDER BY next_fire_at, id
`

const queryInsertTrigger = `
INSERT INTO scheduler_triggers (id, name, cron_expression, callback, args, next_fire_at, coalesce_missed, max_concurrent_runs, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

const queryUpdateTrigger = `
UPDATE scheduler_triggers
SET args = $2, next_fire_at = $3
WHERE id = $1
`

const queryDeleteTrigger = `
DELETE FROM scheduler_triggers WHERE id = $1
`
