//go:build !cgo

package sqlitedriver

import (
	"database/sql"

	"modernc.org/sqlite"
)

func init() {
	sql.Register("sqlite3", &sqlite.Driver{})
}

// EncryptionSupported indicates whether the active SQLite driver supports
// SQLCipher encryption (PRAGMA key). False in the pure-Go build; the store
// refuses an encryption key rather than silently writing plaintext.
const EncryptionSupported = false
