package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// participantTables maps a registered participant name to the child table
// its Collect() payload is written into. Every participant name gets
// a table; additional participants (e.g. the routing service, added by the
// expanded spec) get one too, so collect/restore never silently drops a
// participant's data.
var participantTables = map[string]string{
	"requests":      "checkpoint_requests",
	"sessions":      "checkpoint_sessions",
	"contexts":      "checkpoint_contexts",
	"agents":        "checkpoint_agents",
	"identities":    "checkpoint_identities",
	"routing_rules": "checkpoint_routing_rules",
}

// Storage persists Snapshot rows and their per-participant child rows to
// SQLite.
type Storage struct {
	db *sql.DB
}

// NewStorage wraps an already-opened SQLite connection and ensures the
// checkpoint schema exists.
func NewStorage(ctx context.Context, db *sql.DB) (*Storage, error) {
	s := &Storage{db: db}
	if err := s.createTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint tables: %w", err)
	}
	return s, nil
}

func (s *Storage) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMP NOT NULL,
			reason TEXT NOT NULL,
			status TEXT NOT NULL,
			totals_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints(status)`,
	}
	for _, table := range participantTables {
		stmts = append(stmts, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (
				checkpoint_id TEXT PRIMARY KEY REFERENCES checkpoints(id),
				payload_json TEXT NOT NULL
			)`, table))
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Save writes a snapshot and the payloads collected from each participant
// in a single transaction, then archives any active checkpoints beyond
// maxActive (keeping the newest).
func (s *Storage) Save(ctx context.Context, snap *Snapshot, payloads map[string]json.RawMessage, maxActive int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin checkpoint transaction: %w", err)
	}
	defer tx.Rollback()

	totalsJSON, err := json.Marshal(snap.Totals)
	if err != nil {
		return fmt.Errorf("failed to marshal totals: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (id, created_at, reason, status, totals_json) VALUES (?, ?, ?, ?, ?)`,
		snap.ID, snap.CreatedAt, snap.Reason, snap.Status, string(totalsJSON),
	); err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}

	for name, payload := range payloads {
		table, ok := participantTables[name]
		if !ok {
			return fmt.Errorf("unregistered checkpoint participant %q has no child table", name)
		}
		if payload == nil {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (checkpoint_id, payload_json) VALUES (?, ?)`, table),
			snap.ID, string(payload),
		); err != nil {
			return fmt.Errorf("failed to insert %s payload: %w", name, err)
		}
	}

	if err := s.archiveOlderThanTx(ctx, tx, maxActive); err != nil {
		return fmt.Errorf("failed to archive old checkpoints: %w", err)
	}

	return tx.Commit()
}

func (s *Storage) archiveOlderThanTx(ctx context.Context, tx *sql.Tx, maxActive int) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM checkpoints WHERE status = ? ORDER BY created_at DESC`, StatusActive)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()

	if len(ids) <= maxActive {
		return nil
	}
	for _, id := range ids[maxActive:] {
		if _, err := tx.ExecContext(ctx,
			`UPDATE checkpoints SET status = ? WHERE id = ?`, StatusArchived, id); err != nil {
			return err
		}
	}
	return nil
}

// LoadLatestActive returns the most recently created active checkpoint and
// the raw payload for every participant that had one, or (nil, nil, nil)
// if no active checkpoint exists.
func (s *Storage) LoadLatestActive(ctx context.Context) (*Snapshot, map[string]json.RawMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, reason, status, totals_json FROM checkpoints
		 WHERE status = ? ORDER BY created_at DESC LIMIT 1`, StatusActive)

	var snap Snapshot
	var totalsJSON string
	var createdAt time.Time
	if err := row.Scan(&snap.ID, &createdAt, &snap.Reason, &snap.Status, &totalsJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	snap.CreatedAt = createdAt
	if err := json.Unmarshal([]byte(totalsJSON), &snap.Totals); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal totals: %w", err)
	}

	payloads := make(map[string]json.RawMessage)
	for name, table := range participantTables {
		var payload string
		err := s.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT payload_json FROM %s WHERE checkpoint_id = ?`, table), snap.ID,
		).Scan(&payload)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load %s payload: %w", name, err)
		}
		payloads[name] = json.RawMessage(payload)
	}

	return &snap, payloads, nil
}

// List returns checkpoint rows (newest first), optionally filtered by
// status; an empty status returns all of them. Backs `dev:checkpoint
// {action:"status"}`.
func (s *Storage) List(ctx context.Context, status Status) ([]*Snapshot, error) {
	query := `SELECT id, created_at, reason, status, totals_json FROM checkpoints`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		var snap Snapshot
		var totalsJSON string
		if err := rows.Scan(&snap.ID, &snap.CreatedAt, &snap.Reason, &snap.Status, &totalsJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(totalsJSON), &snap.Totals); err != nil {
			return nil, err
		}
		out = append(out, &snap)
	}
	return out, rows.Err()
}

// ClearAll drops every checkpoint row and its child rows. Backs
// `dev:checkpoint {action:"clear_all"}`.
func (s *Storage) ClearAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range participantTables {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints`); err != nil {
		return err
	}
	return tx.Commit()
}
