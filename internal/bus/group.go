package bus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GroupInfo summarises a consumer group.
type GroupInfo struct {
	Name          string
	LastDelivered EntryID
	Consumers     int64
	Pending       int64
	Lag           int64
}

// ConsumerInfo describes one consumer of a group.
type ConsumerInfo struct {
	Name     string
	Pending  int64
	Idle     time.Duration // since the last read attempt
	Inactive time.Duration // since the last read that returned entries
}

// PendingSummary counts a group's unacknowledged entries.
type PendingSummary struct {
	Count       int64
	Lowest      EntryID
	Highest     EntryID
	PerConsumer map[string]int64
}

// PendingEntry is one unacknowledged entry.
type PendingEntry struct {
	ID         EntryID
	Consumer   string
	Idle       time.Duration
	Deliveries int
}

// CreateGroup creates group. A new group starts at the beginning of the
// log when fromStart is set, otherwise after the newest entry. Creating an
// existing group is a no-op.
func (b *Bus) CreateGroup(ctx context.Context, name string, fromStart bool) error {
	if name == "" {
		return fmt.Errorf("create group: empty name")
	}
	query := `
		INSERT INTO consumer_groups (name, last_ms, last_seq, created_at)
		SELECT ?, last_ms, last_seq, ? FROM stream WHERE id = 1
		ON CONFLICT(name) DO NOTHING
	`
	if fromStart {
		query = `
			INSERT INTO consumer_groups (name, last_ms, last_seq, created_at)
			VALUES (?, 0, 0, ?)
			ON CONFLICT(name) DO NOTHING
		`
	}
	if _, err := b.db.ExecContext(ctx, query, name, b.nowMS()); err != nil {
		return fmt.Errorf("create group %q: %w", name, err)
	}
	return nil
}

// Groups lists every group with its lag, refreshing the lag gauge.
func (b *Bus) Groups(ctx context.Context) ([]GroupInfo, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT g.name, g.last_ms, g.last_seq,
		       (SELECT COUNT(*) FROM consumers c WHERE c.group_name = g.name),
		       (SELECT COUNT(*) FROM pending p WHERE p.group_name = g.name),
		       (SELECT COUNT(*) FROM entries e WHERE (e.ms, e.seq) > (g.last_ms, g.last_seq))
		FROM consumer_groups g
		ORDER BY g.name
	`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []GroupInfo
	for rows.Next() {
		var g GroupInfo
		if err := rows.Scan(&g.Name, &g.LastDelivered.MS, &g.LastDelivered.Seq, &g.Consumers, &g.Pending, &g.Lag); err != nil {
			return nil, fmt.Errorf("list groups: scan: %w", err)
		}
		groupLag.WithLabelValues(g.Name).Set(float64(g.Lag))
		out = append(out, g)
	}
	return out, rows.Err()
}

// Lag counts entries appended after the group's cursor.
func (b *Bus) Lag(ctx context.Context, group string) (int64, error) {
	var cursor EntryID
	err := b.db.QueryRowContext(ctx, `
		SELECT last_ms, last_seq FROM consumer_groups WHERE name = ?
	`, group).Scan(&cursor.MS, &cursor.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("lag: group %q: %w", group, ErrNoGroup)
	}
	if err != nil {
		return 0, fmt.Errorf("lag %q: %w", group, err)
	}

	var lag int64
	if err := b.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM entries WHERE (ms, seq) > (?, ?)
	`, cursor.MS, cursor.Seq).Scan(&lag); err != nil {
		return 0, fmt.Errorf("lag %q: %w", group, err)
	}
	groupLag.WithLabelValues(group).Set(float64(lag))
	return lag, nil
}

// Consumers lists the consumers of group.
func (b *Bus) Consumers(ctx context.Context, group string) ([]ConsumerInfo, error) {
	now := b.nowMS()
	rows, err := b.db.QueryContext(ctx, `
		SELECT c.name, c.seen_at, c.active_at,
		       (SELECT COUNT(*) FROM pending p WHERE p.group_name = c.group_name AND p.consumer = c.name)
		FROM consumers c
		WHERE c.group_name = ?
		ORDER BY c.name
	`, group)
	if err != nil {
		return nil, fmt.Errorf("list consumers %q: %w", group, err)
	}
	defer rows.Close()

	var out []ConsumerInfo
	for rows.Next() {
		var (
			c              ConsumerInfo
			seen, activeAt int64
		)
		if err := rows.Scan(&c.Name, &seen, &activeAt, &c.Pending); err != nil {
			return nil, fmt.Errorf("list consumers %q: scan: %w", group, err)
		}
		c.Idle = time.Duration(now-seen) * time.Millisecond
		c.Inactive = -1
		if activeAt > 0 {
			c.Inactive = time.Duration(now-activeAt) * time.Millisecond
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConsumer removes a consumer and drops its pending entries. It
// returns how many pending entries were dropped.
func (b *Bus) DeleteConsumer(ctx context.Context, group, consumer string) (int64, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("delete consumer: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	res, err := tx.ExecContext(ctx, `
		DELETE FROM pending WHERE group_name = ? AND consumer = ?
	`, group, consumer)
	if err != nil {
		return 0, fmt.Errorf("delete consumer %s/%s: %w", group, consumer, err)
	}
	dropped, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete consumer %s/%s: %w", group, consumer, err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM consumers WHERE group_name = ? AND name = ?
	`, group, consumer); err != nil {
		return 0, fmt.Errorf("delete consumer %s/%s: %w", group, consumer, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("delete consumer: commit: %w", err)
	}
	return dropped, nil
}

// PruneIdleConsumers deletes consumers of group that have no pending
// entries and have not attempted a read for at least idle. It returns the
// pruned names.
func (b *Bus) PruneIdleConsumers(ctx context.Context, group string, idle time.Duration) ([]string, error) {
	cutoff := b.now().Add(-idle).UnixMilli()
	rows, err := b.db.QueryContext(ctx, `
		DELETE FROM consumers
		WHERE group_name = ?
		  AND seen_at <= ?
		  AND NOT EXISTS (
		      SELECT 1 FROM pending p
		      WHERE p.group_name = consumers.group_name AND p.consumer = consumers.name
		  )
		RETURNING name
	`, group, cutoff)
	if err != nil {
		return nil, fmt.Errorf("prune consumers %q: %w", group, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("prune consumers %q: scan: %w", group, err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("prune consumers %q: %w", group, err)
	}
	if len(names) > 0 {
		b.logger.Info("pruned idle consumers", "group", group, "consumers", names)
	}
	return names, nil
}

// Pending summarises group's unacknowledged entries.
func (b *Bus) Pending(ctx context.Context, group string) (PendingSummary, error) {
	entries, err := b.PendingEntries(ctx, group, "", 0)
	if err != nil {
		return PendingSummary{}, err
	}

	sum := PendingSummary{PerConsumer: make(map[string]int64)}
	for i, p := range entries {
		sum.Count++
		sum.PerConsumer[p.Consumer]++
		if i == 0 {
			sum.Lowest = p.ID
		}
		sum.Highest = p.ID
	}
	return sum, nil
}

// PendingEntries lists unacknowledged entries of group in id order,
// optionally only those claimed by consumer. limit <= 0 means all.
func (b *Bus) PendingEntries(ctx context.Context, group, consumer string, limit int) ([]PendingEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	now := b.nowMS()
	rows, err := b.db.QueryContext(ctx, `
		SELECT ms, seq, consumer, delivered_at, deliveries
		FROM pending
		WHERE group_name = ? AND (? = '' OR consumer = ?)
		ORDER BY ms, seq
		LIMIT ?
	`, group, consumer, consumer, limit)
	if err != nil {
		return nil, fmt.Errorf("pending entries %q: %w", group, err)
	}
	defer rows.Close()

	var out []PendingEntry
	for rows.Next() {
		var (
			p         PendingEntry
			delivered int64
		)
		if err := rows.Scan(&p.ID.MS, &p.ID.Seq, &p.Consumer, &delivered, &p.Deliveries); err != nil {
			return nil, fmt.Errorf("pending entries %q: scan: %w", group, err)
		}
		p.Idle = time.Duration(now-delivered) * time.Millisecond
		out = append(out, p)
	}
	return out, rows.Err()
}
