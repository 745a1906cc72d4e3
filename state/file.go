package state

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dhcgn/mailsheet-sync/model"
)

// FileLedger persists markers as JSON lines so future runs can skip
// already delivered attachments. Appends are buffered until Flush, which
// fsyncs the file.
type FileLedger struct {
	*MemoryLedger
	path    string
	persist bool
	logger  *slog.Logger
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

func NewFileLedger(path string, persist bool, logger *slog.Logger) (*FileLedger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ledger path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	ledger := &FileLedger{
		MemoryLedger: NewMemoryLedger(),
		path:         path,
		persist:      persist,
		logger:       logger,
	}

	if err := ledger.load(); err != nil {
		return nil, err
	}

	if persist {
		file, err := os.OpenFile(ledger.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open ledger for append: %w", err)
		}
		ledger.file = file
		ledger.writer = bufio.NewWriterSize(file, 64*1024)
	}

	return ledger, nil
}

func (f *FileLedger) Path() string {
	return f.path
}

// load replays the ledger. A final line without its newline is the trace
// of an interrupted write: it is discarded and, when persisting, truncated
// away so later appends start on a clean line.
func (f *FileLedger) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var offset int64
	for line := 1; ; line++ {
		text, readErr := reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("read ledger: %w", readErr)
		}
		complete := readErr == nil

		if trimmed := bytes.TrimSpace(text); len(trimmed) > 0 {
			var marker model.Marker
			if err := json.Unmarshal(trimmed, &marker); err != nil {
				if !complete {
					return f.dropTornTail(offset, line, err)
				}
				return fmt.Errorf("parse ledger line %d: %w", line, err)
			}
			if marker.ContentHash != "" {
				f.remember(marker.ItemKey, marker.ProcessedAt)
			}
		}

		offset += int64(len(text))
		if !complete {
			if len(text) > 0 && f.persist {
				// valid record missing its newline: terminate it
				return appendNewline(f.path)
			}
			return nil
		}
	}
}

func (f *FileLedger) dropTornTail(offset int64, line int, cause error) error {
	if f.logger != nil {
		f.logger.Warn("ignoring incomplete ledger record", "path", f.path, "line", line, "err", cause)
	}
	if !f.persist {
		return nil
	}
	if err := os.Truncate(f.path, offset); err != nil {
		return fmt.Errorf("truncate incomplete ledger record: %w", err)
	}
	return nil
}

func appendNewline(path string) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if _, err := file.Write([]byte{'\n'}); err != nil {
		file.Close()
		return fmt.Errorf("terminate ledger record: %w", err)
	}
	return file.Close()
}

func (f *FileLedger) MarkProcessed(key model.ItemKey, at time.Time) error {
	if !f.remember(key, at) {
		return nil
	}

	if !f.persist {
		return nil
	}

	data, err := json.Marshal(model.Marker{ItemKey: key, ProcessedAt: at.UTC()})
	if err != nil {
		f.forget(key)
		return fmt.Errorf("encode ledger record: %w", err)
	}
	data = append(data, '\n')

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		f.forget(key)
		return fmt.Errorf("write ledger record: %w", err)
	}

	return nil
}

// Flush writes any buffered data to the underlying file.
func (f *FileLedger) Flush() error {
	if !f.persist || f.writer == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush ledger: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	return nil
}

// Close flushes and closes the ledger file.
func (f *FileLedger) Close() error {
	if !f.persist || f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var errs []error
	if f.writer != nil {
		if err := f.writer.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush ledger: %w", err))
		}
	}
	if err := f.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync ledger: %w", err))
	}
	if err := f.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close ledger: %w", err))
	}
	f.file = nil

	return errors.Join(errs...)
}
