package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dhcgn/mailsheet-sync/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS processed (
	message_id      TEXT NOT NULL,
	attachment_name TEXT NOT NULL,
	content_hash    TEXT NOT NULL,
	processed_at    TEXT NOT NULL,
	PRIMARY KEY (message_id, attachment_name, content_hash)
)`

// SQLiteLedger stores markers in a SQLite database. Marks are staged in
// memory and committed in one transaction on Flush.
type SQLiteLedger struct {
	*MemoryLedger
	db      *sql.DB
	persist bool

	mu      sync.Mutex
	pending []model.Marker
}

func NewSQLiteLedger(path string, persist bool) (*SQLiteLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger database: %w", err)
	}

	ledger := &SQLiteLedger{MemoryLedger: NewMemoryLedger(), db: db, persist: persist}
	if err := ledger.load(); err != nil {
		db.Close()
		return nil, err
	}
	return ledger, nil
}

func (s *SQLiteLedger) load() error {
	rows, err := s.db.Query(`SELECT message_id, attachment_name, content_hash, processed_at FROM processed ORDER BY processed_at, rowid`)
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key model.ItemKey
			at  string
		)
		if err := rows.Scan(&key.MessageID, &key.AttachmentName, &key.ContentHash, &at); err != nil {
			return fmt.Errorf("scan ledger row: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return fmt.Errorf("parse ledger timestamp %q: %w", at, err)
		}
		s.remember(key, ts)
	}
	return rows.Err()
}

func (s *SQLiteLedger) MarkProcessed(key model.ItemKey, at time.Time) error {
	if !s.remember(key, at) || !s.persist {
		return nil
	}
	s.mu.Lock()
	s.pending = append(s.pending, model.Marker{ItemKey: key, ProcessedAt: at.UTC()})
	s.mu.Unlock()
	return nil
}

// Flush commits staged markers atomically. On failure nothing is written
// and the staged markers are forgotten so the items are retried next run.
func (s *SQLiteLedger) Flush() error {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	if err := s.commit(pending); err != nil {
		for _, m := range pending {
			s.forget(m.ItemKey)
		}
		return err
	}
	return nil
}

func (s *SQLiteLedger) commit(markers []model.Marker) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin ledger transaction: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO processed (message_id, attachment_name, content_hash, processed_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return errors.Join(fmt.Errorf("prepare ledger insert: %w", err), tx.Rollback())
	}
	defer stmt.Close()

	for _, m := range markers {
		if _, err := stmt.Exec(m.MessageID, m.AttachmentName, m.ContentHash, m.ProcessedAt.Format(time.RFC3339Nano)); err != nil {
			return errors.Join(fmt.Errorf("insert ledger marker %s: %w", m.ItemKey, err), tx.Rollback())
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger transaction: %w", err)
	}
	return nil
}

func (s *SQLiteLedger) Close() error {
	flushErr := s.Flush()
	return errors.Join(flushErr, s.db.Close())
}
