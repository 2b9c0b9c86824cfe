package store

// schemaDDL is applied by Bootstrap. Every statement is idempotent
// (IF NOT EXISTS) so repeated bootstrap calls are no-ops, satisfying the
// init-db round-trip law in spec §8.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS beads (
	id          TEXT PRIMARY KEY,
	priority    TEXT NOT NULL DEFAULT 'p0',
	status      TEXT NOT NULL DEFAULT 'pending'
	            CHECK (status IN ('pending','in_progress','completed','blocked')),
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_beads_claim_queue ON beads (status, priority, created_at, id);

CREATE TABLE IF NOT EXISTS agent_state (
	worker_id             INTEGER PRIMARY KEY CHECK (worker_id >= 1),
	current_bead_id       TEXT REFERENCES beads(id),
	current_stage         TEXT,
	stage_started_at      TIMESTAMPTZ,
	status                TEXT NOT NULL DEFAULT 'idle'
	                      CHECK (status IN ('idle','working','waiting','error','done')),
	implementation_attempt INTEGER NOT NULL DEFAULT 0 CHECK (implementation_attempt >= 0),
	last_feedback         TEXT
);

CREATE TABLE IF NOT EXISTS bead_claims (
	id               BIGSERIAL PRIMARY KEY,
	bead_id          TEXT NOT NULL UNIQUE REFERENCES beads(id),
	owner            INTEGER NOT NULL CHECK (owner >= 1) REFERENCES agent_state(worker_id),
	claimed_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	heartbeat_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	lease_expires_at TIMESTAMPTZ NOT NULL,
	status           TEXT NOT NULL DEFAULT 'in_progress'
	                CHECK (status IN ('in_progress','completed','blocked')),
	UNIQUE (bead_id, owner)
);
CREATE INDEX IF NOT EXISTS idx_claims_lease_sweep ON bead_claims (lease_expires_at);
CREATE INDEX IF NOT EXISTS idx_claims_owner ON bead_claims (owner);

CREATE TABLE IF NOT EXISTS stage_history (
	id             BIGSERIAL PRIMARY KEY,
	worker_id      INTEGER NOT NULL,
	bead_id        TEXT NOT NULL REFERENCES beads(id),
	stage          TEXT NOT NULL
	               CHECK (stage IN ('rust-contract','implement','qa-enforcer','red-queen','done')),
	attempt_number INTEGER NOT NULL CHECK (attempt_number >= 1),
	outcome        TEXT NOT NULL DEFAULT 'started'
	               CHECK (outcome IN ('started','passed','failed','error')),
	result_text    TEXT,
	feedback_text  TEXT,
	transcript     TEXT,
	started_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at   TIMESTAMPTZ,
	duration_ms    BIGINT NOT NULL DEFAULT 0 CHECK (duration_ms >= 0)
);
CREATE INDEX IF NOT EXISTS idx_stage_history_bead ON stage_history (bead_id, stage, attempt_number);
CREATE INDEX IF NOT EXISTS idx_stage_history_timeline ON stage_history (bead_id, started_at);

CREATE TABLE IF NOT EXISTS stage_artifacts (
	id            BIGSERIAL PRIMARY KEY,
	attempt_id    BIGINT NOT NULL REFERENCES stage_history(id),
	artifact_type TEXT NOT NULL,
	content       TEXT NOT NULL,
	metadata      JSONB,
	content_hash  TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (attempt_id, artifact_type, content_hash)
);
CREATE INDEX IF NOT EXISTS idx_artifacts_type ON stage_artifacts (attempt_id, artifact_type);

CREATE TABLE IF NOT EXISTS execution_events (
	sequence       BIGSERIAL PRIMARY KEY,
	schema_version INTEGER NOT NULL CHECK (schema_version >= 1),
	event_type     TEXT NOT NULL,
	entity_id      TEXT NOT NULL,
	bead_id        TEXT,
	worker_id      INTEGER,
	stage          TEXT,
	causation_id   TEXT,
	category       TEXT,
	retryable      BOOLEAN,
	next_command   TEXT,
	detail         TEXT,
	payload        JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_events_bead ON execution_events (bead_id, sequence);

CREATE TABLE IF NOT EXISTS command_audit (
	id          BIGSERIAL PRIMARY KEY,
	ts          TIMESTAMPTZ NOT NULL DEFAULT now(),
	command     TEXT NOT NULL,
	request_id  TEXT,
	args        JSONB,
	ok          BOOLEAN NOT NULL,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	error_code  TEXT,
	changes     JSONB
);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON command_audit (ts);

CREATE TABLE IF NOT EXISTS agent_messages (
	id          BIGSERIAL PRIMARY KEY,
	msg_type    TEXT NOT NULL,
	subject     TEXT NOT NULL,
	body        TEXT NOT NULL,
	metadata    JSONB,
	read        BOOLEAN NOT NULL DEFAULT false,
	from_worker INTEGER,
	to_worker   INTEGER,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_messages_unread ON agent_messages (to_worker, read);

CREATE TABLE IF NOT EXISTS resource_locks (
	resource    TEXT PRIMARY KEY,
	holder      TEXT NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS configuration (
	id                          INTEGER PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	max_workers                 INTEGER NOT NULL DEFAULT 12,
	max_implementation_attempts INTEGER NOT NULL DEFAULT 3,
	claim_label                 TEXT NOT NULL DEFAULT 'p0',
	swarm_status                TEXT NOT NULL DEFAULT 'idle'
);
INSERT INTO configuration (id) VALUES (1) ON CONFLICT (id) DO NOTHING;

CREATE TABLE IF NOT EXISTS swarm_instances (
	instance_id    TEXT PRIMARY KEY,
	hostname       TEXT NOT NULL,
	started_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT now(),
	status         TEXT NOT NULL DEFAULT 'active'
);
`
