// Package contextdb provides the durable SQLite backend for agent context.
package contextdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"maestro/internal/domain"
)

// SQLiteStore implements domain.ContextStore on a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs the
// schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open context db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate context db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS agent_contexts (
			agent      TEXT NOT NULL,
			session_id TEXT NOT NULL,
			data       TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (agent, session_id)
		);
		CREATE INDEX IF NOT EXISTS idx_agent_contexts_session
			ON agent_contexts (session_id);
		CREATE INDEX IF NOT EXISTS idx_agent_contexts_created
			ON agent_contexts (created_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Put(ctx context.Context, rec domain.ContextRecord) error {
	dataJSON, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("marshal context data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_contexts (agent, session_id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (agent, session_id) DO UPDATE SET
			data = excluded.data,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		rec.Agent, rec.SessionID, string(dataJSON),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, agent, sessionID string) (*domain.ContextRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT agent, session_id, data, created_at, updated_at FROM agent_contexts WHERE agent = ? AND session_id = ?",
		agent, sessionID,
	)
	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrContextNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, agent, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM agent_contexts WHERE agent = ? AND session_id = ?", agent, sessionID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrContextNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM agent_contexts WHERE created_at < ?",
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) ListSession(ctx context.Context, sessionID string) ([]domain.ContextRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT agent, session_id, data, created_at, updated_at FROM agent_contexts WHERE session_id = ? ORDER BY agent",
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.ContextRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*domain.ContextRecord, error) {
	var rec domain.ContextRecord
	var dataStr, createdStr, updatedStr string
	if err := s.Scan(&rec.Agent, &rec.SessionID, &dataStr, &createdStr, &updatedStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(dataStr), &rec.Data); err != nil {
		return nil, fmt.Errorf("unmarshal context data: %w", err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &rec, nil
}
