package state

import (
	"log/slog"
	"path/filepath"
	"strings"
)

const DefaultLedgerName = "processed.jsonl"

// Open picks the ledger implementation from the file extension: .db,
// .sqlite and .sqlite3 select SQLite, anything else the JSON-lines file.
// Relative names are resolved inside stateDir.
func Open(stateDir, name string, persist bool, logger *slog.Logger) (Ledger, error) {
	if name == "" {
		name = DefaultLedgerName
	}
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(stateDir, name)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return NewSQLiteLedger(path, persist)
	default:
		return NewFileLedger(path, persist, logger)
	}
}
