package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/worldstate/internal/event"
)

// ErrLeaseLost is returned when an outbox row is no longer leased by the
// caller, usually because the lease expired and another relay took it.
var ErrLeaseLost = errors.New("outbox lease lost")

// OutboxEntry is one committed event batch awaiting publication.
type OutboxEntry struct {
	ID        int64
	Batch     []byte
	Attempts  int
	CreatedAt time.Time
}

// Events decodes the batch.
func (e OutboxEntry) Events() ([]event.Event, error) {
	return event.DecodeBatch(e.Batch)
}

// DeadEntry describes a dead outbox row.
type DeadEntry struct {
	ID        int64     `json:"id"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	CreatedAt time.Time `json:"created_at"`
}

// OutboxStats counts outbox rows by status.
type OutboxStats struct {
	Pending   int64
	Published int64
	Dead      int64
}

// ClaimOutbox leases up to limit pending rows to owner for lease. Rows
// whose previous lease expired are eligible again.
func (s *Store) ClaimOutbox(ctx context.Context, owner string, limit int, lease time.Duration) ([]OutboxEntry, error) {
	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	rows, err := tx.QueryContext(ctx, `
		SELECT id, batch, attempt_count, created_at
		FROM outbox
		WHERE status = 'pending'
		  AND next_attempt_at <= ?
		  AND (lease_owner IS NULL OR lease_expires_at <= ?)
		ORDER BY id ASC
		LIMIT ?
	`, now.UnixMilli(), now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox: query: %w", err)
	}

	var entries []OutboxEntry
	for rows.Next() {
		var (
			e       OutboxEntry
			batch   string
			created int64
		)
		if err := rows.Scan(&e.ID, &batch, &e.Attempts, &created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("claim outbox: scan: %w", err)
		}
		e.Batch = []byte(batch)
		e.CreatedAt = time.UnixMilli(created)
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox: iterate: %w", err)
	}

	expires := now.Add(lease).UnixMilli()
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `
			UPDATE outbox SET lease_owner = ?, lease_expires_at = ? WHERE id = ?
		`, owner, expires, e.ID); err != nil {
			return nil, fmt.Errorf("claim outbox: lease %d: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim outbox: commit: %w", err)
	}
	if entries == nil {
		entries = []OutboxEntry{}
	}
	return entries, nil
}

// MarkOutboxPublished records that the row reached the bus.
func (s *Store) MarkOutboxPublished(ctx context.Context, id int64, owner string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET status = 'published', published_at = ?, lease_owner = NULL, lease_expires_at = NULL
		WHERE id = ? AND lease_owner = ? AND status = 'pending'
	`, s.now().UnixMilli(), id, owner)
	if err != nil {
		return fmt.Errorf("mark outbox %d published: %w", id, err)
	}
	return requireOneRow(res, id)
}

// MarkOutboxFailed records a failed publish attempt and releases the
// lease. The row stays pending and becomes claimable again after delay.
// It returns the attempt count so far.
func (s *Store) MarkOutboxFailed(ctx context.Context, id int64, owner string, cause error, delay time.Duration) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mark outbox %d failed: begin tx: %w", id, err)
	}
	defer tx.Rollback() // No-op if committed

	var attempts int
	err = tx.QueryRowContext(ctx, `
		SELECT attempt_count FROM outbox WHERE id = ? AND lease_owner = ? AND status = 'pending'
	`, id, owner).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("mark outbox %d failed: %w", id, ErrLeaseLost)
	}
	if err != nil {
		return 0, fmt.Errorf("mark outbox %d failed: %w", id, err)
	}

	attempts++
	next := s.now().Add(delay).UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		UPDATE outbox
		SET attempt_count = ?, next_attempt_at = ?, last_error = ?,
		    lease_owner = NULL, lease_expires_at = NULL
		WHERE id = ?
	`, attempts, next, cause.Error(), id); err != nil {
		return 0, fmt.Errorf("mark outbox %d failed: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mark outbox %d failed: commit: %w", id, err)
	}
	return attempts, nil
}

// MarkOutboxDead parks a row whose batch can never be published. Dead rows
// are not claimed until RequeueOutbox moves them back.
func (s *Store) MarkOutboxDead(ctx context.Context, id int64, owner string, cause error) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET status = 'dead', attempt_count = attempt_count + 1, last_error = ?,
		    lease_owner = NULL, lease_expires_at = NULL
		WHERE id = ? AND lease_owner = ? AND status = 'pending'
	`, cause.Error(), id, owner)
	if err != nil {
		return fmt.Errorf("mark outbox %d dead: %w", id, err)
	}
	return requireOneRow(res, id)
}

// DeadOutbox lists dead rows, oldest first.
func (s *Store) DeadOutbox(ctx context.Context, limit int) ([]DeadEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, attempt_count, COALESCE(last_error, ''), created_at
		FROM outbox
		WHERE status = 'dead'
		ORDER BY id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead outbox: %w", err)
	}
	defer rows.Close()

	entries := []DeadEntry{}
	for rows.Next() {
		var (
			e       DeadEntry
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Attempts, &e.LastError, &created); err != nil {
			return nil, fmt.Errorf("list dead outbox: scan: %w", err)
		}
		e.CreatedAt = time.UnixMilli(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RequeueOutbox moves dead rows back to pending with a fresh attempt
// count. With no ids every dead row is requeued. It returns how many rows
// moved.
func (s *Store) RequeueOutbox(ctx context.Context, ids ...int64) (int64, error) {
	query := `
		UPDATE outbox
		SET status = 'pending', attempt_count = 0, next_attempt_at = ?,
		    lease_owner = NULL, lease_expires_at = NULL
		WHERE status = 'dead'`
	args := []any{s.now().UnixMilli()}
	if len(ids) > 0 {
		query += ` AND id IN (?` + strings.Repeat(", ?", len(ids)-1) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("requeue outbox: %w", err)
	}
	return res.RowsAffected()
}

// PurgeOutbox deletes published rows older than before.
func (s *Store) PurgeOutbox(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox WHERE status = 'published' AND published_at < ?
	`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	return res.RowsAffected()
}

// OutboxStats counts rows per status.
func (s *Store) OutboxStats(ctx context.Context) (OutboxStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return OutboxStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	defer rows.Close()

	var stats OutboxStats
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return OutboxStats{}, fmt.Errorf("outbox stats: scan: %w", err)
		}
		switch status {
		case "pending":
			stats.Pending = n
		case "published":
			stats.Published = n
		case "dead":
			stats.Dead = n
		}
	}
	return stats, rows.Err()
}

func requireOneRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("outbox %d: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("outbox %d: %w", id, ErrLeaseLost)
	}
	return nil
}
