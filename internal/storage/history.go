package storage

// history.go contains the session history: one row per finished
// connection, kept for the `history` command.

import (
	"database/sql"
	"fmt"
	"time"

	apperrors "github.com/souffleur/host/internal/errors"
)

// maxHistoryEntries bounds the session_history table. Older rows are
// pruned on insert.
const maxHistoryEntries = 500

// HistoryEntry is one finished connection.
type HistoryEntry struct {
	Seq        int64
	ID         string
	RemoteAddr string
	Outcome    string
	StartedAt  time.Time
	EndedAt    time.Time
	Commands   int
	ErrorCode  string
}

// Duration returns how long the connection lasted.
func (e HistoryEntry) Duration() time.Duration {
	return e.EndedAt.Sub(e.StartedAt)
}

// SaveHistoryEntry appends entry and prunes the oldest rows beyond
// maxHistoryEntries in the same transaction.
func (s *SQLiteStore) SaveHistoryEntry(entry *HistoryEntry) error {
	if entry == nil {
		return fmt.Errorf("history entry cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "begin transaction", err)
	}
	defer tx.Rollback()

	const insertQuery = `
		INSERT INTO session_history
			(id, remote_addr, outcome, started_at, ended_at, commands, error_code)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	res, err := tx.Exec(insertQuery,
		entry.ID,
		entry.RemoteAddr,
		entry.Outcome,
		entry.StartedAt.Format(time.RFC3339Nano),
		entry.EndedAt.Format(time.RFC3339Nano),
		entry.Commands,
		entry.ErrorCode,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "insert history entry", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		entry.Seq = seq
	}

	const pruneQuery = `
		DELETE FROM session_history WHERE seq IN (
			SELECT seq FROM session_history ORDER BY seq DESC LIMIT -1 OFFSET ?
		)
	`
	if _, err := tx.Exec(pruneQuery, maxHistoryEntries); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "prune history", err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "commit history entry", err)
	}
	return nil
}

// ListHistory returns up to limit entries, newest first. A limit of 0 or
// less returns everything retained.
func (s *SQLiteStore) ListHistory(limit int) ([]*HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = maxHistoryEntries
	}

	const query = `
		SELECT seq, id, remote_addr, outcome, started_at, ended_at, commands, error_code
		FROM session_history
		ORDER BY seq DESC
		LIMIT ?
	`
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "list history", err)
	}
	defer rows.Close()

	entries := make([]*HistoryEntry, 0)
	for rows.Next() {
		entry, err := scanHistoryRow(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "iterate history rows", err)
	}
	return entries, nil
}

// CountHistory returns the number of retained entries.
func (s *SQLiteStore) CountHistory() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM session_history").Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "count history", err)
	}
	return n, nil
}

func scanHistoryRow(rows *sql.Rows) (*HistoryEntry, error) {
	var (
		entry     HistoryEntry
		startedAt string
		endedAt   string
	)
	err := rows.Scan(
		&entry.Seq,
		&entry.ID,
		&entry.RemoteAddr,
		&entry.Outcome,
		&startedAt,
		&endedAt,
		&entry.Commands,
		&entry.ErrorCode,
	)
	if err != nil {
		return nil, fmt.Errorf("scan history row: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	entry.StartedAt = t

	t, err = time.Parse(time.RFC3339Nano, endedAt)
	if err != nil {
		return nil, fmt.Errorf("parse ended_at: %w", err)
	}
	entry.EndedAt = t

	return &entry, nil
}
