package kcontext

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/durapensa/ksi/pkg/event"
)

// coldStore is the SQLite-backed, WAL-mode persistent context store.
// Schema matches SQLiteContextDatabase._create_tables() in
// ksi_daemon/core/context_manager.py.
type coldStore struct {
	db *sql.DB
}

func newColdStore(ctx context.Context, db *sql.DB) (*coldStore, error) {
	c := &coldStore{db: db}
	if err := c.createTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to create context tables: %w", err)
	}
	return c, nil
}

func (c *coldStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS contexts (
			ref TEXT PRIMARY KEY,
			event_id TEXT UNIQUE NOT NULL,
			correlation_id TEXT,
			session_id TEXT,
			agent_id TEXT,
			context_json TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contexts_correlation ON contexts(correlation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_contexts_session ON contexts(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_contexts_agent ON contexts(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_contexts_expires ON contexts(expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// storeContext persists ectx's context row if not already present. It is
// idempotent since contexts are immutable once created. The event index
// row itself (event_id, event_name, timestamp, context_ref, jsonl
// location) is owned by pkg/eventlog, not here — the context manager only
// owns contexts.
func (c *coldStore) storeContext(ctx context.Context, ectx *event.Context, retention time.Duration) error {
	contextJSON, err := json.Marshal(ectx)
	if err != nil {
		return fmt.Errorf("failed to marshal context: %w", err)
	}

	createdAt := time.Now()
	var expiresAt *time.Time
	if retention > 0 {
		t := createdAt.Add(retention)
		expiresAt = &t
	}

	if _, err := c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO contexts (ref, event_id, correlation_id, session_id, agent_id, context_json, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ectx.Ref, ectx.EventID, ectx.CorrelationID, ectx.Session, ectx.AgentID, string(contextJSON), createdAt, expiresAt,
	); err != nil {
		return fmt.Errorf("failed to insert context row: %w", err)
	}
	return nil
}

func (c *coldStore) resolve(ctx context.Context, ref string) (*event.Context, bool, error) {
	var contextJSON string
	err := c.db.QueryRowContext(ctx, `SELECT context_json FROM contexts WHERE ref = ?`, ref).Scan(&contextJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve context %s: %w", ref, err)
	}

	var ectx event.Context
	if err := json.Unmarshal([]byte(contextJSON), &ectx); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal context %s: %w", ref, err)
	}
	return &ectx, true, nil
}

// sweepExpired deletes expired context rows, matching _cleanup_expired.
// Returns the number of rows removed. The event index rows that pointed
// at these contexts are eventlog's own concern; eventlog retains or
// rotates them independently of context expiry.
func (c *coldStore) sweepExpired(ctx context.Context) (int, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM contexts WHERE expires_at IS NOT NULL AND expires_at < ?`, time.Now())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
