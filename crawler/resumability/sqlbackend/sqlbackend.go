// Package sqlbackend implements resumability.StorageBackend on a
// relational store via database/sql, using modernc.org/sqlite (pure Go, no
// cgo) as the default driver: tables sessions, deltas(session_id,
// sequence), snapshots(session_id, sequence).
package sqlbackend

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codepr/crawlkit/crawler/resumability"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	state_json TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS deltas (
	session_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	delta_json TEXT NOT NULL,
	PRIMARY KEY (session_id, sequence)
);
CREATE TABLE IF NOT EXISTS snapshots (
	session_id TEXT PRIMARY KEY,
	sequence INTEGER NOT NULL,
	state_json TEXT NOT NULL
);
`

// Backend persists sessions in a SQL database reachable through
// database/sql.
type Backend struct {
	db *sql.DB
}

// Open opens dsn with modernc.org/sqlite's driver ("sqlite"). Use New
// directly to supply a *sql.DB for another database/sql driver.
func Open(dsn string) (*Backend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", dsn, err)
	}
	return New(db), nil
}

// New wraps an already-open *sql.DB.
func New(db *sql.DB) *Backend {
	return &Backend{db: db}
}

func (b *Backend) Initialize(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	return nil
}

func (b *Backend) Cleanup(context.Context) error {
	return b.db.Close()
}

func (b *Backend) Capabilities() resumability.Capabilities {
	return resumability.Capabilities{
		SupportsDelta:       true,
		SupportsSnapshot:    true,
		SupportsStreaming:   false,
		SupportsConcurrency: true,
		Latency:             5 * time.Millisecond,
	}
}

func (b *Backend) SaveState(ctx context.Context, key string, state resumability.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling state for %s: %w", key, err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, state_json, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at`,
		key, string(data), time.Now())
	if err != nil {
		return fmt.Errorf("saving state for %s: %w", key, err)
	}
	return nil
}

func (b *Backend) LoadState(ctx context.Context, key string) (resumability.State, error) {
	var data string
	err := b.db.QueryRowContext(ctx, `SELECT state_json FROM sessions WHERE session_id = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return resumability.State{}, nil
	}
	if err != nil {
		return resumability.State{}, fmt.Errorf("loading state for %s: %w", key, err)
	}
	var state resumability.State
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return resumability.State{}, fmt.Errorf("decoding state for %s: %w", key, err)
	}
	return state, nil
}

// DeleteState removes a session's row from all three tables
// transactionally.
func (b *Backend) DeleteState(ctx context.Context, key string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction for %s: %w", key, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, key); err != nil {
		return fmt.Errorf("deleting session row for %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM deltas WHERE session_id = ?`, key); err != nil {
		return fmt.Errorf("deleting delta rows for %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE session_id = ?`, key); err != nil {
		return fmt.Errorf("deleting snapshot row for %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete transaction for %s: %w", key, err)
	}
	return nil
}

func (b *Backend) SaveDelta(ctx context.Context, d resumability.StateDelta) error {
	return b.SaveDeltas(ctx, []resumability.StateDelta{d})
}

func (b *Backend) SaveDeltas(ctx context.Context, ds []resumability.StateDelta) error {
	if len(ds) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delta transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO deltas (session_id, sequence, delta_json) VALUES (?, ?, ?)
		 ON CONFLICT(session_id, sequence) DO UPDATE SET delta_json = excluded.delta_json`)
	if err != nil {
		return fmt.Errorf("preparing delta insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range ds {
		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("marshaling delta seq %d for %s: %w", d.Sequence, d.SessionID, err)
		}
		if _, err := stmt.ExecContext(ctx, d.SessionID, d.Sequence, string(data)); err != nil {
			return fmt.Errorf("saving delta seq %d for %s: %w", d.Sequence, d.SessionID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delta transaction: %w", err)
	}
	return nil
}

func (b *Backend) LoadDeltas(ctx context.Context, key string, fromSeq uint64) ([]resumability.StateDelta, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT delta_json FROM deltas WHERE session_id = ? AND sequence > ? ORDER BY sequence ASC`,
		key, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("loading deltas for %s: %w", key, err)
	}
	defer rows.Close()

	var out []resumability.StateDelta
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning delta for %s: %w", key, err)
		}
		var d resumability.StateDelta
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			return nil, fmt.Errorf("decoding delta for %s: %w", key, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (b *Backend) SaveSnapshot(ctx context.Context, key string, state resumability.State, seq uint64) error {
	state.Sequence = seq
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling snapshot for %s: %w", key, err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO snapshots (session_id, sequence, state_json) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET sequence = excluded.sequence, state_json = excluded.state_json`,
		key, seq, string(data))
	if err != nil {
		return fmt.Errorf("saving snapshot for %s: %w", key, err)
	}
	return nil
}

func (b *Backend) LoadLatestSnapshot(ctx context.Context, key string) (resumability.State, uint64, error) {
	var seq uint64
	var data string
	err := b.db.QueryRowContext(ctx, `SELECT sequence, state_json FROM snapshots WHERE session_id = ?`, key).Scan(&seq, &data)
	if err == sql.ErrNoRows {
		return resumability.State{}, 0, nil
	}
	if err != nil {
		return resumability.State{}, 0, fmt.Errorf("loading snapshot for %s: %w", key, err)
	}
	var state resumability.State
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return resumability.State{}, 0, fmt.Errorf("decoding snapshot for %s: %w", key, err)
	}
	return state, seq, nil
}

func (b *Backend) CompactDeltas(ctx context.Context, key string, beforeSeq uint64) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM deltas WHERE session_id = ? AND sequence <= ?`, key, beforeSeq)
	if err != nil {
		return fmt.Errorf("compacting deltas for %s: %w", key, err)
	}
	return nil
}

func (b *Backend) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT session_id FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning session id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
