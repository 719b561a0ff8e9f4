// Package audit implements the control-plane audit trail. Every mutating
// API call is recorded asynchronously to rolling SQLite databases.
package audit

// createDDL defines the schema for audit databases. Each rolling DB gets
// its own audit_entries table.
const createDDL = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id           TEXT PRIMARY KEY,
	ts_ns        INTEGER NOT NULL,
	actor        TEXT NOT NULL DEFAULT '',
	nest_id      TEXT NOT NULL DEFAULT '',
	action       TEXT NOT NULL,
	target_kind  TEXT NOT NULL DEFAULT '',
	target_id    TEXT NOT NULL DEFAULT '',
	remote_ip    TEXT NOT NULL DEFAULT '',
	before_json  TEXT,
	after_json   TEXT
);

CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_entries(ts_ns);
CREATE INDEX IF NOT EXISTS idx_audit_nest ON audit_entries(nest_id, ts_ns);
`
