package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS approval_requests (
	id              TEXT PRIMARY KEY,
	token           TEXT NOT NULL,
	recipient       TEXT NOT NULL,
	recipient_name  TEXT NOT NULL DEFAULT '',
	subject         TEXT NOT NULL,
	body_text       TEXT NOT NULL,
	body_html       TEXT NOT NULL DEFAULT '',
	approver_email  TEXT NOT NULL,
	state           TEXT NOT NULL DEFAULT 'pending',
	decision_source TEXT NOT NULL DEFAULT '',
	decision_reason TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	decided_at      DATETIME,
	sent_at         DATETIME
);

CREATE TABLE IF NOT EXISTS watermarks (
	mailbox      TEXT PRIMARY KEY,
	uid_validity INTEGER NOT NULL DEFAULT 0,
	last_uid     INTEGER NOT NULL DEFAULT 0,
	updated_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_requests_token ON approval_requests(token);
CREATE INDEX IF NOT EXISTS idx_requests_state ON approval_requests(state);
CREATE INDEX IF NOT EXISTS idx_requests_created_at ON approval_requests(created_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
