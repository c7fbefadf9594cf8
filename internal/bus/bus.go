package bus

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// ErrNoGroup is returned for operations on a group that was never created.
var ErrNoGroup = errors.New("no such consumer group")

// DefaultRetention is how long entries are kept unless configured.
const DefaultRetention = 24 * time.Hour

// Bus is the SQLite-backed event log.
type Bus struct {
	db        *sql.DB
	now       func() time.Time
	retention time.Duration
	maxLen    int64
	logger    *slog.Logger
	notify    *notifier
}

// Option configures a Bus.
type Option func(*Bus)

// WithClock overrides the wall clock used for entry ids and idle times.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		b.now = now
	}
}

// WithRetention sets how long entries are kept. Zero disables age trimming.
func WithRetention(d time.Duration) Option {
	return func(b *Bus) {
		b.retention = d
	}
}

// WithMaxLen caps the number of retained entries. Zero means unbounded.
func WithMaxLen(n int64) Option {
	return func(b *Bus) {
		b.maxLen = n
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = l
	}
}

// Open creates or opens the log at path.
func Open(path string, opts ...Option) (*Bus, error) {
	b := &Bus{
		now:       time.Now,
		retention: DefaultRetention,
		logger:    slog.Default(),
		notify:    newNotifier(),
	}
	for _, opt := range opts {
		opt(b)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path))
	if err != nil {
		return nil, fmt.Errorf("open bus: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open bus: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("open bus: apply schema: %w", err)
	}

	b.db = db
	return b, nil
}

// Close closes the database.
func (b *Bus) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *Bus) nowMS() int64 {
	return b.now().UnixMilli()
}

// touchConsumer records a read attempt, creating the consumer on first use.
func touchConsumer(ctx context.Context, tx *sql.Tx, group, consumer string, now int64, active bool) error {
	activeAt := int64(0)
	if active {
		activeAt = now
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO consumers (group_name, name, seen_at, active_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(group_name, name) DO UPDATE SET
			seen_at = excluded.seen_at,
			active_at = MAX(consumers.active_at, excluded.active_at)
	`, group, consumer, now, activeAt)
	if err != nil {
		return fmt.Errorf("touch consumer %s/%s: %w", group, consumer, err)
	}
	return nil
}

func groupCursor(ctx context.Context, tx *sql.Tx, group string) (EntryID, error) {
	var id EntryID
	err := tx.QueryRowContext(ctx, `
		SELECT last_ms, last_seq FROM consumer_groups WHERE name = ?
	`, group).Scan(&id.MS, &id.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		return EntryID{}, fmt.Errorf("group %q: %w", group, ErrNoGroup)
	}
	if err != nil {
		return EntryID{}, fmt.Errorf("read group %q: %w", group, err)
	}
	return id, nil
}
