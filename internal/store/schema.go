package store

// Schema creates every table the store uses. Timestamps are Unix
// milliseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS findings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	mission_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	target TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_findings_mission ON findings(mission_id, created_at);
CREATE INDEX IF NOT EXISTS idx_findings_target ON findings(target);

CREATE TABLE IF NOT EXISTS conversations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	mission_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_agent ON conversations(mission_id, agent_id, id);

CREATE TABLE IF NOT EXISTS executions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	mission_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	item_id INTEGER NOT NULL DEFAULT 0,
	command TEXT NOT NULL,
	result TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_mission ON executions(mission_id, id);

CREATE TABLE IF NOT EXISTS discoveries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	mission_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	type TEXT NOT NULL,
	key TEXT NOT NULL,
	data TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	UNIQUE(mission_id, type, key)
);
`
