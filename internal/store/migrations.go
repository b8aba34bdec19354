package store

type migration struct {
	version int
	sql     string
}

// migrations is applied in order against a fresh or existing database.
// Each entry is idempotent-safe via IF NOT EXISTS / schema_version gating
// in runMigrations, so re-running against an up-to-date database is a
// no-op.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL,
	provider TEXT NOT NULL,
	cutoff_since TEXT NOT NULL,
	poll_interval_minutes INTEGER NOT NULL,
	prefetch_recent INTEGER NOT NULL,
	safe_mode INTEGER NOT NULL,
	folders TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS folders (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id TEXT NOT NULL,
	name TEXT NOT NULL,
	uidvalidity INTEGER,
	highest_uid INTEGER,
	highestmodseq INTEGER,
	exists_count INTEGER,
	last_sync_ts INTEGER,
	last_uid_scan_ts INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(account_id, name),
	FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_folders_account ON folders(account_id);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	folder TEXT NOT NULL,
	uid INTEGER,
	thread_id TEXT,
	internal_date INTEGER,
	subject TEXT,
	from_addr TEXT,
	to_addrs TEXT,
	cc_addrs TEXT,
	bcc_addrs TEXT,
	flags TEXT,
	labels TEXT,
	has_attachments INTEGER NOT NULL DEFAULT 0,
	size_bytes INTEGER,
	raw_hash TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_account_folder ON messages(account_id, folder);
CREATE INDEX IF NOT EXISTS idx_messages_internal_date ON messages(account_id, internal_date DESC);
CREATE INDEX IF NOT EXISTS idx_messages_account_raw_hash ON messages(account_id, raw_hash);

CREATE TABLE IF NOT EXISTS bodies (
	message_id TEXT PRIMARY KEY,
	raw_rfc822 BLOB,
	sanitized_text TEXT,
	mime_summary TEXT,
	attachments_json TEXT,
	sanitized_at INTEGER,
	FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
);
`,
	},
}
