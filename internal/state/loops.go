package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/loopd/pkg/models"
)

// ErrInvalidLoop is returned when a loop is missing its identity.
var ErrInvalidLoop = errors.New("invalid loop")

// SaveLoop writes the full config and state of a loop. Existing rows are
// updated in place; REPLACE would delete and reinsert the row.
func (db *DB) SaveLoop(ctx context.Context, loop *models.Loop) error {
	row, err := newLoopRow(loop)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		db.mu.Lock()
		defer db.mu.Unlock()
		return row.upsert(ctx, db.conn)
	})
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type loopRow struct {
	id, name, status      string
	configJSON, stateJSON string
	createdAt, updatedAt  time.Time
}

func newLoopRow(loop *models.Loop) (*loopRow, error) {
	if loop == nil || loop.Config.ID == "" {
		return nil, ErrInvalidLoop
	}
	configJSON, err := json.Marshal(loop.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal loop config: %w", err)
	}
	stateJSON, err := json.Marshal(loop.State)
	if err != nil {
		return nil, fmt.Errorf("marshal loop state: %w", err)
	}
	row := &loopRow{
		id:         loop.Config.ID,
		name:       loop.Config.Name,
		status:     string(loop.State.Status),
		configJSON: string(configJSON),
		stateJSON:  string(stateJSON),
		createdAt:  loop.Config.CreatedAt,
		updatedAt:  loop.State.UpdatedAt,
	}
	if row.createdAt.IsZero() {
		row.createdAt = time.Now()
	}
	if row.updatedAt.IsZero() {
		row.updatedAt = time.Now()
	}
	return row, nil
}

func (r *loopRow) upsert(ctx context.Context, ex execer) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO loops (id, name, status, config_json, state_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			config_json = excluded.config_json,
			state_json = excluded.state_json,
			updated_at = excluded.updated_at
	`, r.id, r.name, r.status, r.configJSON, r.stateJSON, formatTime(r.createdAt), formatTime(r.updatedAt))
	if err != nil {
		return fmt.Errorf("save loop: %w", err)
	}
	return nil
}

// GetLoop retrieves a loop by ID.
func (db *DB) GetLoop(ctx context.Context, id string) (*models.Loop, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	row := db.conn.QueryRowContext(ctx, `SELECT config_json, state_json FROM loops WHERE id = ?`, id)
	loop, err := scanLoop(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get loop: %w", err)
	}
	return loop, nil
}

// ListLoops returns every loop, newest first.
func (db *DB) ListLoops(ctx context.Context) ([]*models.Loop, error) {
	return db.queryLoops(ctx, `SELECT config_json, state_json FROM loops ORDER BY created_at DESC, id`)
}

// ListLoopsByStatus returns loops in any of the given statuses, newest first.
func (db *DB) ListLoopsByStatus(ctx context.Context, statuses ...models.LoopStatus) ([]*models.Loop, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = string(s)
	}
	query := `SELECT config_json, state_json FROM loops WHERE status IN (` +
		strings.Join(placeholders, ", ") + `) ORDER BY created_at DESC, id`
	return db.queryLoops(ctx, query, args...)
}

// DeleteLoop removes the loop row. Review comments are left untouched.
func (db *DB) DeleteLoop(ctx context.Context, id string) error {
	return withRetry(ctx, func() error {
		db.mu.Lock()
		defer db.mu.Unlock()
		if _, err := db.conn.ExecContext(ctx, `DELETE FROM loops WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete loop: %w", err)
		}
		return nil
	})
}

func (db *DB) queryLoops(ctx context.Context, query string, args ...any) ([]*models.Loop, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list loops: %w", err)
	}
	defer rows.Close()

	var loops []*models.Loop
	for rows.Next() {
		loop, err := scanLoop(rows)
		if err != nil {
			return nil, fmt.Errorf("scan loop: %w", err)
		}
		loops = append(loops, loop)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate loops: %w", err)
	}
	return loops, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoop(row rowScanner) (*models.Loop, error) {
	var configJSON, stateJSON string
	if err := row.Scan(&configJSON, &stateJSON); err != nil {
		return nil, err
	}
	var loop models.Loop
	if err := json.Unmarshal([]byte(configJSON), &loop.Config); err != nil {
		return nil, fmt.Errorf("unmarshal loop config: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &loop.State); err != nil {
		return nil, fmt.Errorf("unmarshal loop state: %w", err)
	}
	return &loop, nil
}
