package bus

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// sqlite caps bound parameters per statement.
const dedupeChunk = 500

// Unprocessed returns the ids, in input order, that group has not marked
// processed.
func (b *Bus) Unprocessed(ctx context.Context, group string, ids []string) ([]string, error) {
	done := make(map[string]bool, len(ids))
	for start := 0; start < len(ids); start += dedupeChunk {
		chunk := ids[start:min(start+dedupeChunk, len(ids))]
		args := make([]any, 0, len(chunk)+1)
		args = append(args, group)
		for _, id := range chunk {
			args = append(args, id)
		}

		rows, err := b.db.QueryContext(ctx, `
			SELECT unique_id FROM processed
			WHERE group_name = ? AND unique_id IN (`+placeholders(len(chunk))+`)
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("unprocessed %q: %w", group, err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("unprocessed %q: scan: %w", group, err)
			}
			done[id] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("unprocessed %q: %w", group, err)
		}
	}

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !done[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// MarkProcessed records ids as processed by group. Marking twice is a
// no-op.
func (b *Bus) MarkProcessed(ctx context.Context, group string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark processed: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO processed (group_name, unique_id, processed_at) VALUES (?, ?, ?)
		ON CONFLICT(group_name, unique_id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("mark processed %q: %w", group, err)
	}
	defer stmt.Close()

	now := b.nowMS()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, group, id, now); err != nil {
			return fmt.Errorf("mark processed %q %s: %w", group, id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mark processed: commit: %w", err)
	}
	return nil
}

// PurgeProcessed forgets processed ids recorded before before.
func (b *Bus) PurgeProcessed(ctx context.Context, before time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx, `
		DELETE FROM processed WHERE processed_at < ?
	`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge processed: %w", err)
	}
	return res.RowsAffected()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
