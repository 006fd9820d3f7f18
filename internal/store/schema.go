package store

import "github.com/tentickle/tentickle/internal/db"

// migrations is the ordered schema history for the store package. New
// schema changes append a new Migration; existing entries are frozen.
var migrations = []db.Migration{
	{
		Version: 1,
		SQL: `
		CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			is_owner INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			parent_id TEXT REFERENCES sessions(id) ON DELETE SET NULL,
			fork_after_message_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT 'chat',
			workspace TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			owner_entity_id TEXT REFERENCES entities(id) ON DELETE SET NULL,
			tick INTEGER NOT NULL DEFAULT 0,
			schema_version INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS session_participants (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			entity_id TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
			role TEXT NOT NULL DEFAULT '',
			added_at DATETIME NOT NULL,
			PRIMARY KEY (session_id, entity_id)
		);

		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			trigger_type TEXT NOT NULL DEFAULT 'send',
			status TEXT NOT NULL DEFAULT 'running',
			tick_count INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			completed_at DATETIME
		);

		CREATE TABLE IF NOT EXISTS ticks (
			execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
			tick_number INTEGER NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			usage TEXT NOT NULL DEFAULT '{}',
			stop_reason TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			PRIMARY KEY (execution_id, tick_number)
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			execution_id TEXT REFERENCES executions(id) ON DELETE SET NULL,
			entity_id TEXT REFERENCES entities(id) ON DELETE SET NULL,
			role TEXT NOT NULL,
			tick INTEGER NOT NULL,
			sequence_in_tick INTEGER NOT NULL,
			preview TEXT NOT NULL DEFAULT '',
			visibility TEXT NOT NULL DEFAULT 'model',
			tags TEXT NOT NULL DEFAULT '[]',
			token_count INTEGER NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS content_blocks (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			block_type TEXT NOT NULL,
			text_content TEXT,
			content_json TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}'
		);

		CREATE TABLE IF NOT EXISTS media (
			hash TEXT PRIMARY KEY,
			mime_type TEXT NOT NULL DEFAULT '',
			size INTEGER NOT NULL DEFAULT 0,
			data BLOB NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS session_snapshots (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			key TEXT NOT NULL,
			json_value TEXT NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (session_id, key)
		);

		CREATE INDEX IF NOT EXISTS idx_executions_session_id ON executions(session_id);
		CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
		CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_session_order
			ON messages(session_id, tick, sequence_in_tick);
		CREATE INDEX IF NOT EXISTS idx_content_blocks_message_id ON content_blocks(message_id);
		`,
	},
}
