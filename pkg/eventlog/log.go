// Package eventlog implements the reference event log (C3): an
// append-only JSONL file per rotation period, indexed in SQLite by
// event id, name, timestamp, and context_ref so a logged event can
// be reconstructed by seeking straight to its jsonl_offset.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/durapensa/ksi/pkg/event"
)

// DefaultMaxFileBytes is the default size-based rotation threshold.
const DefaultMaxFileBytes = 100 * 1024 * 1024

// Log is the append-only JSONL writer plus its SQLite index. Its mutex
// serializes both the file append and the index insert so jsonl_offset
// is always consistent with what is on disk.
type Log struct {
	dir          string
	maxFileBytes int64

	db *sql.DB

	mu       sync.Mutex
	file     *os.File
	fileName string
	fileDay  string
	offset   int64
}

// New opens (creating if necessary) the event log directory and ensures
// the SQLite index schema exists in db.
func New(ctx context.Context, dir string, db *sql.DB) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}
	l := &Log{dir: dir, maxFileBytes: DefaultMaxFileBytes, db: db}
	if err := l.createTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to create event index tables: %w", err)
	}
	if err := l.openForAppend(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			event_name TEXT NOT NULL,
			timestamp REAL NOT NULL,
			context_ref TEXT NOT NULL,
			jsonl_file TEXT NOT NULL,
			jsonl_offset INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_name ON events(event_name)`,
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_context_ref ON events(context_ref)`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// openForAppend opens today's jsonl file, creating a fresh one (with a
// numeric suffix if one already exists for today past the size threshold).
func (l *Log) openForAppend() error {
	day := time.Now().UTC().Format("2006-01-02")
	name, err := l.nextFileName(day)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(filepath.Join(l.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open event log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	l.file = f
	l.fileName = name
	l.fileDay = day
	l.offset = info.Size()
	return nil
}

// nextFileName picks events-<day>.jsonl, or events-<day>.N.jsonl if a
// smaller-numbered file for the same day has already hit the size cap.
func (l *Log) nextFileName(day string) (string, error) {
	base := fmt.Sprintf("events-%s.jsonl", day)
	path := filepath.Join(l.dir, base)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return "", err
	}
	if info.Size() < l.maxFileBytes {
		return base, nil
	}
	for n := 1; ; n++ {
		name := fmt.Sprintf("events-%s.%d.jsonl", day, n)
		info, err := os.Stat(filepath.Join(l.dir, name))
		if os.IsNotExist(err) {
			return name, nil
		}
		if err != nil {
			return "", err
		}
		if info.Size() < l.maxFileBytes {
			return name, nil
		}
	}
}

// rotateIfNeeded must be called with l.mu held. It opens a new file when
// the UTC day has rolled over or the current file has hit the size cap.
func (l *Log) rotateIfNeeded() error {
	day := time.Now().UTC().Format("2006-01-02")
	if day == l.fileDay && l.offset < l.maxFileBytes {
		return nil
	}
	if l.file != nil {
		l.file.Close()
	}
	return l.openForAppend()
}

// entry is the on-disk JSONL record: the event plus its resolved context,
// so reconstruction never requires a second read in the common case.
type entry struct {
	Event   *event.Event   `json:"event"`
	Context *event.Context `json:"context"`
}

// Append writes ev (with ctx embedded) as one JSONL line and indexes it.
// The file write and the index insert happen under the same lock so the
// recorded jsonl_offset always matches what was actually written.
func (l *Log) Append(ctx context.Context, ev *event.Event, ectx *event.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate event log: %w", err)
	}

	line, err := json.Marshal(entry{Event: ev, Context: ectx})
	if err != nil {
		return fmt.Errorf("failed to marshal event log entry: %w", err)
	}
	line = append(line, '\n')

	offset := l.offset
	n, err := l.file.Write(line)
	if err != nil {
		return fmt.Errorf("failed to append event log entry: %w", err)
	}
	l.offset += int64(n)

	if _, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO events (event_id, event_name, timestamp, context_ref, jsonl_file, jsonl_offset)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.EventName, ev.Timestamp, ectx.Ref, l.fileName, offset,
	); err != nil {
		return fmt.Errorf("failed to index event log entry: %w", err)
	}
	return nil
}

// Close flushes and closes the currently open jsonl file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
