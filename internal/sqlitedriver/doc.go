// Package sqlitedriver registers a SQLite database/sql driver under the name
// "sqlite3". The default pure-Go build uses modernc.org/sqlite, which keeps
// the grov binary cgo-free and cross-compilable. When built with CGO it uses
// go-sqlcipher instead, which adds SQLCipher at-rest encryption (PRAGMA key)
// for the session store. Both drivers ship FTS5, which the team-memory
// keyword search depends on.
//
// Import this package for its side effects only:
//
//	import _ "github.com/TonyStef/Grov-sub001/internal/sqlitedriver"
package sqlitedriver
