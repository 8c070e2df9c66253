package record

// schemaStatements create the tables this module reads and writes. The DDL is
// portable between SQLite and Postgres; statements run one at a time.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS schedules (
    schedule_id     VARCHAR(64)  PRIMARY KEY,
    uid             VARCHAR(64)  NOT NULL,
    canvas_id       VARCHAR(64)  NOT NULL,
    name            VARCHAR(255) NOT NULL DEFAULT '',
    cron_expression VARCHAR(255) NOT NULL,
    timezone        VARCHAR(64)  NOT NULL DEFAULT 'UTC',
    is_enabled      BOOLEAN      NOT NULL DEFAULT TRUE,
    next_run_at     TIMESTAMP    NULL,
    deleted_at      TIMESTAMP    NULL,
    created_at      TIMESTAMP    NOT NULL,
    updated_at      TIMESTAMP    NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_uid ON schedules (uid, is_enabled)`,
	`CREATE TABLE IF NOT EXISTS schedule_records (
    schedule_record_id    VARCHAR(64)  PRIMARY KEY,
    schedule_id           VARCHAR(64)  NOT NULL,
    uid                   VARCHAR(64)  NOT NULL,
    canvas_id             VARCHAR(64)  NOT NULL,
    status                VARCHAR(32)  NOT NULL,
    priority              INTEGER      NOT NULL DEFAULT 5,
    scheduled_at          TIMESTAMP    NULL,
    triggered_at          TIMESTAMP    NULL,
    completed_at          TIMESTAMP    NULL,
    snapshot_storage_key  VARCHAR(512) NULL,
    workflow_execution_id VARCHAR(128) NULL,
    slot_degraded         BOOLEAN      NOT NULL DEFAULT FALSE,
    failure_reason        VARCHAR(64)  NULL,
    error_details         TEXT         NULL,
    created_at            TIMESTAMP    NOT NULL,
    updated_at            TIMESTAMP    NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_schedule_records_schedule ON schedule_records (schedule_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_schedule_records_uid ON schedule_records (uid, status, completed_at)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
    uid        VARCHAR(64) NOT NULL,
    lookup_key VARCHAR(64) NOT NULL,
    status     VARCHAR(32) NOT NULL,
    created_at TIMESTAMP   NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS credit_recharges (
    uid        VARCHAR(64) NOT NULL,
    balance    NUMERIC     NOT NULL DEFAULT 0,
    enabled    BOOLEAN     NOT NULL DEFAULT TRUE,
    expires_at TIMESTAMP   NULL
)`,
	`CREATE TABLE IF NOT EXISTS users (
    uid   VARCHAR(64)  PRIMARY KEY,
    email VARCHAR(255) NOT NULL DEFAULT '',
    name  VARCHAR(255) NOT NULL DEFAULT ''
)`,
	`CREATE TABLE IF NOT EXISTS canvases (
    canvas_id  VARCHAR(64)  PRIMARY KEY,
    uid        VARCHAR(64)  NOT NULL,
    title      VARCHAR(255) NOT NULL DEFAULT '',
    graph      TEXT         NOT NULL,
    variables  TEXT         NULL,
    deleted_at TIMESTAMP    NULL
)`,
	`CREATE TABLE IF NOT EXISTS canvas_resources (
    canvas_id   VARCHAR(64)  NOT NULL,
    resource_id VARCHAR(64)  NOT NULL,
    kind        VARCHAR(32)  NOT NULL,
    storage_key VARCHAR(512) NOT NULL DEFAULT '',
    deleted_at  TIMESTAMP    NULL
)`,
}
