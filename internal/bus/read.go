package bus

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/worldstate/internal/event"
)

// ReadNew delivers up to count entries past the group's cursor to
// consumer, claims them as pending and advances the cursor.
func (b *Bus) ReadNew(ctx context.Context, group, consumer string, count int) ([]Entry, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("read new: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	cursor, err := groupCursor(ctx, tx, group)
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT ms, seq, batch, 0 FROM entries
		WHERE (ms, seq) > (?, ?)
		ORDER BY ms, seq
		LIMIT ?
	`, cursor.MS, cursor.Seq, count)
	if err != nil {
		return nil, fmt.Errorf("read new %q: %w", group, err)
	}
	entries, err := b.scanEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("read new %q: %w", group, err)
	}

	now := b.nowMS()
	if err := touchConsumer(ctx, tx, group, consumer, now, len(entries) > 0); err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Deliveries = 1
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pending (group_name, ms, seq, consumer, delivered_at, deliveries)
			VALUES (?, ?, ?, ?, ?, 1)
			ON CONFLICT(group_name, ms, seq) DO UPDATE SET
				consumer = excluded.consumer,
				delivered_at = excluded.delivered_at,
				deliveries = pending.deliveries + 1
		`, group, entries[i].ID.MS, entries[i].ID.Seq, consumer, now); err != nil {
			return nil, fmt.Errorf("read new %q: claim %s: %w", group, entries[i].ID, err)
		}
	}
	if len(entries) > 0 {
		last := entries[len(entries)-1].ID
		if _, err := tx.ExecContext(ctx, `
			UPDATE consumer_groups SET last_ms = ?, last_seq = ? WHERE name = ?
		`, last.MS, last.Seq, group); err != nil {
			return nil, fmt.Errorf("read new %q: advance cursor: %w", group, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("read new: commit: %w", err)
	}
	deliveredEvents.WithLabelValues(group).Add(float64(countEvents(entries)))
	return entries, nil
}

// ReadPending returns up to count entries already claimed by consumer
// with ids after after, without changing their claim.
func (b *Bus) ReadPending(ctx context.Context, group, consumer string, after EntryID, count int) ([]Entry, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("read pending: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := groupCursor(ctx, tx, group); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT e.ms, e.seq, e.batch, p.deliveries
		FROM pending p
		JOIN entries e ON e.ms = p.ms AND e.seq = p.seq
		WHERE p.group_name = ? AND p.consumer = ? AND (p.ms, p.seq) > (?, ?)
		ORDER BY p.ms, p.seq
		LIMIT ?
	`, group, consumer, after.MS, after.Seq, count)
	if err != nil {
		return nil, fmt.Errorf("read pending %q: %w", group, err)
	}
	entries, err := b.scanEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("read pending %q: %w", group, err)
	}

	if err := touchConsumer(ctx, tx, group, consumer, b.nowMS(), len(entries) > 0); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("read pending: commit: %w", err)
	}
	deliveredEvents.WithLabelValues(group).Add(float64(countEvents(entries)))
	return entries, nil
}

// AutoClaim moves up to count pending entries of group, idle for at least
// minIdle and with ids from start on, to consumer. It returns the claimed
// entries and the id to resume scanning from, which is zero once the scan
// reached the end.
func (b *Bus) AutoClaim(ctx context.Context, group, consumer string, minIdle time.Duration, start EntryID, count int) ([]Entry, EntryID, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, EntryID{}, fmt.Errorf("autoclaim: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if _, err := groupCursor(ctx, tx, group); err != nil {
		return nil, EntryID{}, err
	}

	now := b.now()
	rows, err := tx.QueryContext(ctx, `
		SELECT e.ms, e.seq, e.batch, p.deliveries
		FROM pending p
		JOIN entries e ON e.ms = p.ms AND e.seq = p.seq
		WHERE p.group_name = ? AND (p.ms, p.seq) >= (?, ?) AND p.delivered_at <= ?
		ORDER BY p.ms, p.seq
		LIMIT ?
	`, group, start.MS, start.Seq, now.Add(-minIdle).UnixMilli(), count+1)
	if err != nil {
		return nil, EntryID{}, fmt.Errorf("autoclaim %q: %w", group, err)
	}
	entries, err := b.scanEntries(rows)
	if err != nil {
		return nil, EntryID{}, fmt.Errorf("autoclaim %q: %w", group, err)
	}

	var next EntryID
	if len(entries) > count {
		next = entries[count].ID
		entries = entries[:count]
	}

	for i := range entries {
		entries[i].Deliveries++
		if _, err := tx.ExecContext(ctx, `
			UPDATE pending SET consumer = ?, delivered_at = ?, deliveries = deliveries + 1
			WHERE group_name = ? AND ms = ? AND seq = ?
		`, consumer, now.UnixMilli(), group, entries[i].ID.MS, entries[i].ID.Seq); err != nil {
			return nil, EntryID{}, fmt.Errorf("autoclaim %q: claim %s: %w", group, entries[i].ID, err)
		}
	}
	if err := touchConsumer(ctx, tx, group, consumer, now.UnixMilli(), len(entries) > 0); err != nil {
		return nil, EntryID{}, err
	}

	if err := tx.Commit(); err != nil {
		return nil, EntryID{}, fmt.Errorf("autoclaim: commit: %w", err)
	}
	if len(entries) > 0 {
		reclaimedEntries.WithLabelValues(group).Add(float64(len(entries)))
		deliveredEvents.WithLabelValues(group).Add(float64(countEvents(entries)))
		b.logger.Info("reclaimed idle entries",
			"group", group,
			"consumer", consumer,
			"count", len(entries),
			"first", entries[0].ID.String(),
		)
	}
	return entries, next, nil
}

// Ack acknowledges entries for group. It returns how many were pending.
func (b *Bus) Ack(ctx context.Context, group string, ids ...EntryID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("ack: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var acked int64
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM pending WHERE group_name = ? AND ms = ? AND seq = ?
		`, group, id.MS, id.Seq)
		if err != nil {
			return 0, fmt.Errorf("ack %q %s: %w", group, id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("ack %q %s: %w", group, id, err)
		}
		acked += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("ack: commit: %w", err)
	}
	return acked, nil
}

// scanEntries reads (ms, seq, batch, deliveries) rows and closes them. An
// undecodable batch is delivered with no events so it can be acknowledged
// instead of blocking the group.
func (b *Bus) scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e     Entry
			batch string
		)
		if err := rows.Scan(&e.ID.MS, &e.ID.Seq, &batch, &e.Deliveries); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		events, err := event.DecodeBatch([]byte(batch))
		if err != nil {
			b.logger.Error("dropping undecodable entry", "entry", e.ID.String(), "error", err)
		}
		e.Events = events
		out = append(out, e)
	}
	return out, rows.Err()
}

func countEvents(entries []Entry) int {
	n := 0
	for _, e := range entries {
		n += len(e.Events)
	}
	return n
}
