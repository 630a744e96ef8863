// Copyright 2026 The Grov Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"fmt"
)

// initSchema creates all tables, indexes, the FTS5 mirror, and its sync
// triggers. Idempotent; safe to run on every startup.
func (s *Store) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			project_path TEXT NOT NULL,
			original_query TEXT NOT NULL DEFAULT '',
			goal TEXT NOT NULL DEFAULT '',
			expected_scope TEXT NOT NULL DEFAULT '[]',
			constraints TEXT NOT NULL DEFAULT '[]',
			keywords TEXT NOT NULL DEFAULT '[]',
			kind TEXT NOT NULL DEFAULT 'main'
				CHECK (kind IN ('main', 'subtask', 'parallel')),
			parent_id TEXT REFERENCES sessions(id) ON DELETE CASCADE,
			status TEXT NOT NULL DEFAULT 'active'
				CHECK (status IN ('active', 'completed')),
			mode TEXT NOT NULL DEFAULT 'normal'
				CHECK (mode IN ('normal', 'drifted', 'forced')),
			escalation INTEGER NOT NULL DEFAULT 0,
			awaiting_recovery INTEGER NOT NULL DEFAULT 0,
			last_checked_at INTEGER NOT NULL DEFAULT 0,
			token_count INTEGER NOT NULL DEFAULT 0,
			pending_correction TEXT NOT NULL DEFAULT '',
			pending_recovery TEXT NOT NULL DEFAULT '',
			clear_summary TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,

		// One active session per project path, enforced by the database.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active
			ON sessions(project_path) WHERE status = 'active'`,

		`CREATE INDEX IF NOT EXISTS idx_sessions_project
			ON sessions(project_path, status, completed_at)`,

		`CREATE TABLE IF NOT EXISTS steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			files TEXT NOT NULL DEFAULT '[]',
			folders TEXT NOT NULL DEFAULT '[]',
			command TEXT NOT NULL DEFAULT '',
			reasoning TEXT NOT NULL DEFAULT '',
			drift_score INTEGER NOT NULL DEFAULT 10,
			validated INTEGER NOT NULL DEFAULT 1,
			key_decision INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_steps_session ON steps(session_id, id)`,

		`CREATE TABLE IF NOT EXISTS drift_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			action_kind TEXT NOT NULL,
			files TEXT NOT NULL DEFAULT '[]',
			score INTEGER NOT NULL,
			diagnostic TEXT NOT NULL DEFAULT '',
			recovery TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_drift_session ON drift_events(session_id, id)`,

		// Team memory deliberately has no foreign key to sessions: it is
		// the durable record that outlives session retention cleanup.
		`CREATE TABLE IF NOT EXISTS team_memory (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL UNIQUE,
			project_path TEXT NOT NULL,
			original_query TEXT NOT NULL DEFAULT '',
			goal TEXT NOT NULL DEFAULT '',
			reasoning TEXT NOT NULL DEFAULT '[]',
			decisions TEXT NOT NULL DEFAULT '[]',
			files TEXT NOT NULL DEFAULT '[]',
			tags TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'completed',
			created_at INTEGER NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_team_memory_project
			ON team_memory(project_path, created_at)`,

		`CREATE VIRTUAL TABLE IF NOT EXISTS team_memory_fts USING fts5(
			goal, original_query, tags,
			content='team_memory', content_rowid='rowid',
			tokenize='porter unicode61'
		)`,

		`CREATE TRIGGER IF NOT EXISTS team_memory_ai AFTER INSERT ON team_memory BEGIN
			INSERT INTO team_memory_fts(rowid, goal, original_query, tags)
			VALUES (new.rowid, new.goal, new.original_query, new.tags);
		END`,

		`CREATE TRIGGER IF NOT EXISTS team_memory_ad AFTER DELETE ON team_memory BEGIN
			INSERT INTO team_memory_fts(team_memory_fts, rowid, goal, original_query, tags)
			VALUES ('delete', old.rowid, old.goal, old.original_query, old.tags);
		END`,

		`CREATE TRIGGER IF NOT EXISTS team_memory_au AFTER UPDATE ON team_memory BEGIN
			INSERT INTO team_memory_fts(team_memory_fts, rowid, goal, original_query, tags)
			VALUES ('delete', old.rowid, old.goal, old.original_query, old.tags);
			INSERT INTO team_memory_fts(rowid, goal, original_query, tags)
			VALUES (new.rowid, new.goal, new.original_query, new.tags);
		END`,

		`CREATE TABLE IF NOT EXISTS file_reasoning (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_path TEXT NOT NULL,
			file_path TEXT NOT NULL,
			reasoning TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(project_path, file_path, session_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_file_reasoning_project
			ON file_reasoning(project_path, file_path)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
