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

// Package store persists grov's session graph, step log, drift audit trail,
// and team memory in an embedded SQLite database.
//
// All writes are serialized behind a single writer lock; reads run
// concurrently. Reads return empty results on miss and only fail on real
// database errors.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/TonyStef/Grov-sub001/internal/sqlitedriver"
)

// Config controls where and how the database is opened.
type Config struct {
	// Path is the SQLite file path. Empty means an in-memory database,
	// used by tests.
	Path string

	// EncryptionKey enables SQLCipher at-rest encryption. Requires a CGO
	// build; the pure-Go driver rejects it instead of writing plaintext.
	EncryptionKey string

	Logger *zap.Logger
}

// Store is the embedded persistence layer. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *zap.Logger

	cron *cron.Cron
}

// Stats summarizes store contents for the health endpoint.
type Stats struct {
	ActiveSessions    int `json:"sessions_active"`
	CompletedSessions int `json:"sessions_completed"`
	Steps             int `json:"steps"`
	DriftEvents       int `json:"drift_events"`
	TeamMemoryEntries int `json:"team_memory_entries"`
}

// New opens (or creates) the database at cfg.Path, applies pragmas, and
// ensures the schema exists.
func New(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	dsn := cfg.Path
	if dsn == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	if cfg.EncryptionKey != "" && !sqlitedriver.EncryptionSupported {
		return nil, fmt.Errorf("encryption key set but this build has no SQLCipher support")
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps the writer lock meaningful for the
	// in-memory case as well (each sqlite connection would otherwise get
	// its own private :memory: database).
	db.SetMaxOpenConns(1)

	if cfg.EncryptionKey != "" {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA key = '%s'", cfg.EncryptionKey)); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply encryption key: %w", err)
		}
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, logger: cfg.Logger}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Close stops the janitor and closes the database.
func (s *Store) Close() error {
	s.StopJanitor()
	return s.db.Close()
}

// Stats returns table counts for the health endpoint.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &Stats{}
	rows := []struct {
		query string
		dst   *int
	}{
		{"SELECT COUNT(*) FROM sessions WHERE status = 'active'", &st.ActiveSessions},
		{"SELECT COUNT(*) FROM sessions WHERE status = 'completed'", &st.CompletedSessions},
		{"SELECT COUNT(*) FROM steps", &st.Steps},
		{"SELECT COUNT(*) FROM drift_events", &st.DriftEvents},
		{"SELECT COUNT(*) FROM team_memory", &st.TeamMemoryEntries},
	}
	for _, r := range rows {
		if err := s.db.QueryRowContext(ctx, r.query).Scan(r.dst); err != nil {
			return nil, fmt.Errorf("stats query: %w", err)
		}
	}
	return st, nil
}

// marshalStrings encodes a string slice as its JSON column representation.
// nil encodes as the empty list so columns never hold SQL NULL.
func marshalStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalStrings(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}
