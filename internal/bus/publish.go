package bus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/worldstate/internal/event"
)

// Publish appends events as one entry and returns its id.
func (b *Bus) Publish(ctx context.Context, events []event.Event) (EntryID, error) {
	id, _, err := b.publish(ctx, "", events)
	return id, err
}

// PublishKeyed appends events unless an entry with the same key was
// already appended, in which case it returns that entry's id and false.
// The key is remembered for as long as its entry is retained.
func (b *Bus) PublishKeyed(ctx context.Context, key string, events []event.Event) (EntryID, bool, error) {
	if key == "" {
		return EntryID{}, false, errors.New("publish: empty key")
	}
	return b.publish(ctx, key, events)
}

func (b *Bus) publish(ctx context.Context, key string, events []event.Event) (EntryID, bool, error) {
	batch, err := event.EncodeBatch(events)
	if err != nil {
		return EntryID{}, false, fmt.Errorf("publish: %w", err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return EntryID{}, false, fmt.Errorf("publish: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if key != "" {
		var existing EntryID
		err := tx.QueryRowContext(ctx, `
			SELECT ms, seq FROM entry_keys WHERE key = ?
		`, key).Scan(&existing.MS, &existing.Seq)
		if err == nil {
			duplicatePublishes.Inc()
			return existing, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return EntryID{}, false, fmt.Errorf("publish: lookup key: %w", err)
		}
	}

	var last EntryID
	if err := tx.QueryRowContext(ctx, `
		SELECT last_ms, last_seq FROM stream WHERE id = 1
	`).Scan(&last.MS, &last.Seq); err != nil {
		return EntryID{}, false, fmt.Errorf("publish: read stream: %w", err)
	}

	now := b.nowMS()
	id := EntryID{MS: now}
	if now <= last.MS {
		id = last.next()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entries (ms, seq, batch) VALUES (?, ?, ?)
	`, id.MS, id.Seq, string(batch)); err != nil {
		return EntryID{}, false, fmt.Errorf("publish: insert entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE stream SET last_ms = ?, last_seq = ? WHERE id = 1
	`, id.MS, id.Seq); err != nil {
		return EntryID{}, false, fmt.Errorf("publish: advance stream: %w", err)
	}
	if key != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entry_keys (key, ms, seq, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO NOTHING
		`, key, id.MS, id.Seq, now); err != nil {
			return EntryID{}, false, fmt.Errorf("publish: record key: %w", err)
		}
	}

	trimmed, err := b.trim(ctx, tx)
	if err != nil {
		return EntryID{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return EntryID{}, false, fmt.Errorf("publish: commit: %w", err)
	}

	publishedEntries.Inc()
	trimmedEntries.Add(float64(trimmed))
	b.notify.broadcast()
	return id, true, nil
}

// Trim drops entries older than the retention window or beyond the
// length cap, together with their pending claims and idempotency keys.
// It returns the number of entries removed.
func (b *Bus) Trim(ctx context.Context) (int64, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("trim: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	n, err := b.trim(ctx, tx)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("trim: commit: %w", err)
	}
	trimmedEntries.Add(float64(n))
	return n, nil
}

// trim removes every entry below a boundary id: the retention cutoff or
// the oldest entry within the length cap, whichever is later.
func (b *Bus) trim(ctx context.Context, tx *sql.Tx) (int64, error) {
	var boundary EntryID
	if b.retention > 0 {
		boundary = EntryID{MS: b.now().Add(-b.retention).UnixMilli()}
	}
	if b.maxLen > 0 {
		var keep EntryID
		err := tx.QueryRowContext(ctx, `
			SELECT ms, seq FROM entries ORDER BY ms DESC, seq DESC LIMIT 1 OFFSET ?
		`, b.maxLen-1).Scan(&keep.MS, &keep.Seq)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return 0, fmt.Errorf("trim: find length boundary: %w", err)
		case boundary.Less(keep):
			boundary = keep
		}
	}
	if boundary.IsZero() {
		return 0, nil
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM entries WHERE (ms, seq) < (?, ?)
	`, boundary.MS, boundary.Seq)
	if err != nil {
		return 0, fmt.Errorf("trim: delete entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("trim: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM pending WHERE (ms, seq) < (?, ?)
	`, boundary.MS, boundary.Seq); err != nil {
		return 0, fmt.Errorf("trim: delete pending: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM entry_keys WHERE (ms, seq) < (?, ?)
	`, boundary.MS, boundary.Seq); err != nil {
		return 0, fmt.Errorf("trim: delete keys: %w", err)
	}
	return n, nil
}
