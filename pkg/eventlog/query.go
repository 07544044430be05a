package eventlog

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/durapensa/ksi/pkg/event"
)

// IndexRow is one row of the event index.
type IndexRow struct {
	EventID    string
	EventName  string
	Timestamp  float64
	ContextRef string
	JSONLFile  string
	JSONLOffset int64
}

// Query narrows a search over the event index. Zero-valued fields are not
// applied as filters. Patterns use the same "*"-segment matching as the
// router (applied client-side, since SQLite LIKE can't express it).
type Query struct {
	NamePattern   string
	CorrelationID string
	AgentID       string
	Since, Until  float64 // unix seconds, zero means unbounded
	Newest        bool    // false = oldest-first
	Limit         int
}

// ContextResolver is supplied by the caller (the context manager) so
// eventlog never needs to know about kcontext's storage internals —
// cross-component lookups go through an interface, never a direct import.
type ContextResolver interface {
	Resolve(ctx context.Context, ref string) (correlationID, agentID string, ok bool)
}

// Find runs q against the SQLite index. When resolver is non-nil and q
// filters by CorrelationID or AgentID, rows are additionally checked
// against the resolved context (the index itself does not carry those
// columns, by design — only the context store owns them).
func (l *Log) Find(ctx context.Context, q Query, resolver ContextResolver) ([]IndexRow, error) {
	sqlQuery := `SELECT event_id, event_name, timestamp, context_ref, jsonl_file, jsonl_offset FROM events WHERE 1=1`
	var args []any

	if q.Since > 0 {
		sqlQuery += ` AND timestamp >= ?`
		args = append(args, q.Since)
	}
	if q.Until > 0 {
		sqlQuery += ` AND timestamp <= ?`
		args = append(args, q.Until)
	}
	if q.Newest {
		sqlQuery += ` ORDER BY timestamp DESC`
	} else {
		sqlQuery += ` ORDER BY timestamp ASC`
	}

	rows, err := l.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query event index: %w", err)
	}
	defer rows.Close()

	var out []IndexRow
	for rows.Next() {
		var r IndexRow
		if err := rows.Scan(&r.EventID, &r.EventName, &r.Timestamp, &r.ContextRef, &r.JSONLFile, &r.JSONLOffset); err != nil {
			return nil, err
		}
		if q.NamePattern != "" && !event.MatchPattern(q.NamePattern, r.EventName) {
			continue
		}
		if (q.CorrelationID != "" || q.AgentID != "") && resolver != nil {
			correlationID, agentID, ok := resolver.Resolve(ctx, r.ContextRef)
			if !ok {
				continue
			}
			if q.CorrelationID != "" && correlationID != q.CorrelationID {
				continue
			}
			if q.AgentID != "" && agentID != q.AgentID {
				continue
			}
		}
		out = append(out, r)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, rows.Err()
}

// FindByEventID returns the index row for a single event id, or false if
// no such event has been logged.
func (l *Log) FindByEventID(ctx context.Context, eventID string) (IndexRow, bool, error) {
	var r IndexRow
	err := l.db.QueryRowContext(ctx,
		`SELECT event_id, event_name, timestamp, context_ref, jsonl_file, jsonl_offset FROM events WHERE event_id = ?`,
		eventID,
	).Scan(&r.EventID, &r.EventName, &r.Timestamp, &r.ContextRef, &r.JSONLFile, &r.JSONLOffset)
	if err == sql.ErrNoRows {
		return IndexRow{}, false, nil
	}
	if err != nil {
		return IndexRow{}, false, fmt.Errorf("failed to find event %s: %w", eventID, err)
	}
	return r, true, nil
}

// ReadAt seeks to row.JSONLOffset in row.JSONLFile and reads exactly one
// JSONL record, reconstructing the full event and its context as they
// were written.
func (l *Log) ReadAt(row IndexRow) (*event.Event, *event.Context, error) {
	f, err := os.Open(filepath.Join(l.dir, row.JSONLFile))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", row.JSONLFile, err)
	}
	defer f.Close()

	if _, err := f.Seek(row.JSONLOffset, 0); err != nil {
		return nil, nil, fmt.Errorf("failed to seek in %s: %w", row.JSONLFile, err)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("no line at offset %d in %s", row.JSONLOffset, row.JSONLFile)
	}

	var e entry
	if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal event log entry: %w", err)
	}
	return e.Event, e.Context, nil
}
