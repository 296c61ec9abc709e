package postgres

// schema is the idempotent bootstrap DDL executed once at New(), in the
// same spirit as the teacher's pkg/sorted/postgres issuing raw
// CREATE TABLE statements through database/sql before ever touching
// sorted.KeyValue. There is no migration framework: every statement is
// CREATE TABLE/INDEX IF NOT EXISTS, so re-running New() against an
// already-bootstrapped database is a no-op.
//
// output_upload_ids is stored as a comma-joined list of uuids rather
// than a join table: SPEC_FULL.md names exactly eight tables (uploads,
// tags, upload_tags, functions, function_input_tags,
// function_output_tags, jobs, file_lineage) and a job's output count is
// always small, so a join table would add a ninth table for no
// query this engine ever issues.
const schema = `
CREATE TABLE IF NOT EXISTS uploads (
	id UUID PRIMARY KEY,
	stored_handle TEXT NOT NULL,
	original_filename TEXT NOT NULL,
	size BIGINT NOT NULL DEFAULT 0,
	mime_type TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tags (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	color TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS upload_tags (
	upload_id UUID NOT NULL REFERENCES uploads(id) ON DELETE CASCADE,
	tag_id UUID NOT NULL REFERENCES tags(id) ON DELETE RESTRICT,
	PRIMARY KEY (upload_id, tag_id)
);
CREATE INDEX IF NOT EXISTS idx_upload_tags_tag ON upload_tags(tag_id);

CREATE TABLE IF NOT EXISTS functions (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	script_handle TEXT NOT NULL DEFAULT '',
	enabled BOOLEAN NOT NULL DEFAULT false,
	kind TEXT NOT NULL DEFAULT 'transform',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS function_input_tags (
	function_id UUID NOT NULL REFERENCES functions(id) ON DELETE CASCADE,
	tag_name TEXT NOT NULL,
	PRIMARY KEY (function_id, tag_name)
);

CREATE TABLE IF NOT EXISTS function_output_tags (
	function_id UUID NOT NULL REFERENCES functions(id) ON DELETE CASCADE,
	tag_name TEXT NOT NULL,
	PRIMARY KEY (function_id, tag_name)
);

CREATE TABLE IF NOT EXISTS jobs (
	id UUID PRIMARY KEY,
	upload_id UUID NOT NULL REFERENCES uploads(id),
	function_id UUID NOT NULL REFERENCES functions(id),
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	output_upload_ids TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_upload_function ON jobs(upload_id, function_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

-- At most one active (submitted or running) job per (upload, function)
-- pair. This is the actual enforcement of that invariant: the
-- check-then-insert in CreateJob is only an early, friendlier error
-- path, since two concurrent callers can both pass that check before
-- either commits. The partial unique index lets Postgres itself reject
-- the loser, which CreateJob turns into engineerr.Conflict.
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_unique ON jobs(upload_id, function_id)
	WHERE status IN ('submitted', 'running');

CREATE TABLE IF NOT EXISTS file_lineage (
	id UUID PRIMARY KEY,
	output_upload_id UUID NOT NULL,
	source_upload_id UUID NOT NULL,
	function_id UUID NOT NULL,
	success BOOLEAN NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_lineage_output ON file_lineage(output_upload_id);
CREATE INDEX IF NOT EXISTS idx_lineage_source ON file_lineage(source_upload_id);
`
